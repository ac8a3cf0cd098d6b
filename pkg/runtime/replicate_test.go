package runtime_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/replication"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
)

const replicatedTask mapper.TaskID = 99

// replicatingMapper forces control replication of the replicable task over
// every CPU processor.
type replicatingMapper struct {
	*mapper.DefaultMapper

	machine *machine.Machine
}

func (r *replicatingMapper) SelectTaskOptions(in mapper.TaskOptionsIn) mapper.TaskOptionsOut {
	out := r.DefaultMapper.SelectTaskOptions(in)
	if in.Task == replicatedTask {
		out.Replicate = true
	}

	return out
}

func (r *replicatingMapper) ReplicateTask(in mapper.ReplicateTaskIn) mapper.ReplicateTaskOut {
	if in.Task != replicatedTask {
		return mapper.ReplicateTaskOut{}
	}

	return mapper.ReplicateTaskOut{ShardProcs: r.machine.ByKind(machine.ProcCPU)}
}

// newReplicatedRuntime builds a runtime whose mapper replicates
// replicatedTask across three CPU shards.
func newReplicatedRuntime(t *testing.T, shardBody runtime.TaskFunc) *runtime.Runtime {
	t.Helper()

	cfg := runtime.Config{Machine: machine.Config{CPUs: 3, Utils: 2}}

	m, err := machine.New(cfg.Machine)
	require.NoError(t, err)

	cfg.Mapper = &replicatingMapper{DefaultMapper: mapper.NewDefault(m), machine: m}

	rt, err := runtime.New(cfg)
	require.NoError(t, err)

	t.Cleanup(rt.Shutdown)

	require.NoError(t, rt.Registry().Register(replicatedTask, "replicated",
		runtime.VariantDesc{ID: 1, Inner: true, Replicable: true}, shardBody))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		f, launchErr := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: replicatedTask})
		if launchErr != nil {
			return nil, launchErr
		}

		return f.Get(ctx)
	})

	return rt
}

func TestReplicatedDeletionAppliedExactlyOnce(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		trees []region.TreeID
	)

	rt := newReplicatedRuntime(t, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		if _, ok := tc.(*runtime.ReplicateContext); !ok {
			return nil, assert.AnError
		}

		is, err := tc.CreateIndexSpace(ctx, region.DomainFromRange(0, 99))
		if err != nil {
			return nil, err
		}

		fs, err := tc.CreateFieldSpace(ctx)
		if err != nil {
			return nil, err
		}

		if _, err := tc.AllocateField(ctx, fs, 8, 0); err != nil {
			return nil, err
		}

		lr, err := tc.CreateLogicalRegion(ctx, is, fs)
		if err != nil {
			return nil, err
		}

		mu.Lock()
		trees = append(trees, lr.Tree)
		mu.Unlock()

		// All three shards request the destruction; it must apply once.
		if err := tc.DestroyLogicalRegion(ctx, lr); err != nil {
			return nil, err
		}

		return nil, nil
	})

	runTop(t, rt)

	mu.Lock()
	defer mu.Unlock()

	// Every shard adopted the same broadcast tree handle.
	require.Len(t, trees, 3)
	assert.Equal(t, trees[0], trees[1])
	assert.Equal(t, trees[0], trees[2])

	// The tree was destroyed (exactly one deletion succeeded; a double
	// destroy would have poisoned the replicated task).
	assert.True(t, rt.Forest().TreeDestroyed(trees[0]))
}

func TestReplicatedFieldAllocationIdenticalAcrossShards(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		ids []region.FieldID
	)

	rt := newReplicatedRuntime(t, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		fs, err := tc.CreateFieldSpace(ctx)
		if err != nil {
			return nil, err
		}

		for range 4 {
			id, allocErr := tc.AllocateField(ctx, fs, 8, 0)
			if allocErr != nil {
				return nil, allocErr
			}

			mu.Lock()
			ids = append(ids, id)
			mu.Unlock()
		}

		return nil, nil
	})

	runTop(t, rt)

	mu.Lock()
	defer mu.Unlock()

	// 3 shards x 4 draws; per draw index all shards observe one id, and
	// across draw indices ids never repeat.
	require.Len(t, ids, 12)

	perID := make(map[region.FieldID]int)
	for _, id := range ids {
		perID[id]++
	}

	require.Len(t, perID, 4)

	for id, n := range perID {
		assert.Equal(t, 3, n, "field id %d not observed by every shard", id)
	}
}

func TestReplicatedShardsSeeConsistentIdentity(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		shards []replication.ShardID
		totals []int
		dids   []uint64
	)

	rt := newReplicatedRuntime(t, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		rc := tc.(*runtime.ReplicateContext)

		mu.Lock()
		shards = append(shards, rc.Shard())
		totals = append(totals, rc.TotalShards())
		dids = append(dids, rc.FreshDistributedID())
		mu.Unlock()

		// Lockstep fences keep the shards aligned.
		f, err := tc.IssueExecutionFence(ctx)
		if err != nil {
			return nil, err
		}

		_, err = f.Get(ctx)

		return nil, err
	})

	runTop(t, rt)

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, shards, 3)

	seen := make(map[replication.ShardID]bool)
	for _, s := range shards {
		require.False(t, seen[s], "shard id %d assigned twice", s)

		seen[s] = true
	}

	for _, total := range totals {
		assert.Equal(t, 3, total)
	}

	// The first distributed-id draw broadcasts one value to every shard.
	assert.Equal(t, dids[0], dids[1])
	assert.Equal(t, dids[0], dids[2])
}

func TestReplicatedDivergenceIsFatal(t *testing.T) {
	t.Parallel()

	rt := newReplicatedRuntime(t, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		rc := tc.(*runtime.ReplicateContext)

		// Shard one issues an extra fill: the call-sequence hashes diverge
		// and teardown verification must fail the task.
		if rc.Shard() == 1 {
			_ = tc.IssueFill(ctx, runtime.FillLauncher{
				Requirement: region.Requirement{Privilege: region.WriteDiscard, Fields: region.Fields(0)},
			})
		}

		return nil, nil
	})

	_, err := rt.Run(context.Background(), topTask, nil)
	require.ErrorIs(t, err, future.ErrPoisoned)
}

func TestReplicatedIndexLaunchShardsPoints(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		points = make(map[int64]int)
	)

	rt := newReplicatedRuntime(t, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		fm, err := tc.ExecuteIndexSpace(ctx, runtime.IndexTaskLauncher{
			Task:   pointTask,
			Domain: region.DomainFromRange(0, 11),
			PointArgs: func(p region.Point) any {
				return p.Coords[0]
			},
		})
		if err != nil {
			return nil, err
		}

		f, err := tc.IssueExecutionFence(ctx)
		if err != nil {
			return nil, err
		}

		if _, err := f.Get(ctx); err != nil {
			return nil, err
		}

		_ = fm

		return nil, nil
	})

	require.NoError(t, rt.Registry().Register(pointTask, "pt",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(_ context.Context, _ runtime.Context, args any) (any, error) {
			mu.Lock()
			points[args.(int64)]++
			mu.Unlock()

			return nil, nil
		}))

	runTop(t, rt)

	mu.Lock()
	defer mu.Unlock()

	// Twelve points over three shards: every point ran exactly once.
	require.Len(t, points, 12)

	for p, n := range points {
		assert.Equal(t, 1, n, "point %d ran %d times", p, n)
	}
}
