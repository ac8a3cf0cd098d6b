package runtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// Task ids used across the tests.
const (
	topTask mapper.TaskID = iota + 1
	leafTask
	sleepyWriter
	reader
	gatedTask
	pointTask
)

// recorder collects execution order across task bodies.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	r.order = append(r.order, name)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

// newTestRuntime builds a small runtime; override tweaks the config.
func newTestRuntime(t *testing.T, override func(*runtime.Config)) *runtime.Runtime {
	t.Helper()

	cfg := runtime.Config{
		Machine: machine.Config{CPUs: 3, Utils: 2},
	}

	if override != nil {
		override(&cfg)
	}

	rt, err := runtime.New(cfg)
	require.NoError(t, err)

	t.Cleanup(rt.Shutdown)

	return rt
}

// registerTop installs a top-level inner task running body.
func registerTop(t *testing.T, rt *runtime.Runtime, body runtime.TaskFunc) {
	t.Helper()

	err := rt.Registry().Register(topTask, "top", runtime.VariantDesc{ID: 1, Inner: true}, body)
	require.NoError(t, err)
}

// makeRegion builds a fresh (region, field 0) pair inside a task body.
func makeRegion(t *testing.T, ctx context.Context, tc runtime.Context) region.LogicalRegion {
	t.Helper()

	is, err := tc.CreateIndexSpace(ctx, region.DomainFromRange(0, 99))
	require.NoError(t, err)

	fs, err := tc.CreateFieldSpace(ctx)
	require.NoError(t, err)

	_, err = tc.AllocateField(ctx, fs, 8, 0)
	require.NoError(t, err)

	lr, err := tc.CreateLogicalRegion(ctx, is, fs)
	require.NoError(t, err)

	return lr
}

func runTop(t *testing.T, rt *runtime.Runtime) {
	t.Helper()

	_, err := rt.Run(context.Background(), topTask, nil)
	require.NoError(t, err)
}

func TestSequentialReadAfterWrite(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)
	rec := &recorder{}

	require.NoError(t, rt.Registry().Register(sleepyWriter, "writer",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			time.Sleep(50 * time.Millisecond)
			rec.add("T1")

			return nil, nil
		}))

	require.NoError(t, rt.Registry().Register(reader, "reader",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			rec.add("T2")

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task: sleepyWriter,
			Requirements: []region.Requirement{
				{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite},
			},
		})
		require.NoError(t, err)

		f2, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task: reader,
			Requirements: []region.Requirement{
				{Region: lr, Fields: region.Fields(0), Privilege: region.ReadOnly},
			},
		})
		require.NoError(t, err)

		_, err = f2.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)

	// The reader conflicts with the writer and must run strictly after it,
	// despite the writer's head start being consumed by a sleep.
	assert.Equal(t, []string{"T1", "T2"}, rec.snapshot())
}

func TestDisjointSubregionsRunInParallel(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	// T1 blocks until T2 has run: only possible when the two writes to
	// disjoint subregions carry no dependence.
	t2Ran := make(chan struct{})

	require.NoError(t, rt.Registry().Register(sleepyWriter, "blocked-writer",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(ctx context.Context, _ runtime.Context, _ any) (any, error) {
			select {
			case <-t2Ran:
				return nil, nil
			case <-time.After(5 * time.Second):
				return nil, context.DeadlineExceeded
			}
		}))

	require.NoError(t, rt.Registry().Register(reader, "signal-writer",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			close(t2Ran)

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		part, err := tc.CreatePartitionByEqual(ctx, lr.IndexSpace, 2)
		require.NoError(t, err)

		forest := tc.Runtime().Forest()

		lp, err := forest.GetLogicalPartition(lr, part)
		require.NoError(t, err)

		// The partition op computes subspaces asynchronously; the fence
		// guarantees the subregions exist before the launches.
		fence, err := tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		_, err = fence.Get(ctx)
		require.NoError(t, err)

		r0, err := forest.GetLogicalSubregion(lp, 0)
		require.NoError(t, err)

		r1, err := forest.GetLogicalSubregion(lp, 1)
		require.NoError(t, err)

		f1, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task: sleepyWriter,
			Requirements: []region.Requirement{
				{Region: r0, Fields: region.Fields(0), Privilege: region.ReadWrite},
			},
		})
		require.NoError(t, err)

		_, err = tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task: reader,
			Requirements: []region.Requirement{
				{Region: r1, Fields: region.Fields(0), Privilege: region.ReadWrite},
			},
		})
		require.NoError(t, err)

		v, err := f1.Get(ctx)
		require.NoError(t, err)
		require.Nil(t, v)

		return nil, nil
	})

	runTop(t, rt)
}

func TestExecutionFenceOrdersAcross(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)
	rec := &recorder{}

	require.NoError(t, rt.Registry().Register(sleepyWriter, "t1",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			rec.add("T1")

			return nil, nil
		}))

	require.NoError(t, rt.Registry().Register(reader, "t2",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			rec.add("T2")

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		// T1 and T2 touch no common data; only the fence orders them.
		_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: sleepyWriter})
		require.NoError(t, err)

		_, err = tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		f2, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: reader})
		require.NoError(t, err)

		_, err = f2.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)

	assert.Equal(t, []string{"T1", "T2"}, rec.snapshot())
}

func TestWindowCapsOutstandingChildren(t *testing.T) {
	t.Parallel()

	const window = 4

	rt := newTestRuntime(t, func(cfg *runtime.Config) {
		cfg.WindowSize = window
		cfg.HysteresisPercent = 25
	})

	gate := make(chan struct{})

	require.NoError(t, rt.Registry().Register(gatedTask, "gated",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			<-gate

			return nil, nil
		}))

	var maxSeen int

	var seenMu sync.Mutex

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		inner, ok := tc.(*runtime.InnerContext)
		require.True(t, ok)

		sampling := make(chan struct{})

		go func() {
			ticker := time.NewTicker(time.Millisecond)
			defer ticker.Stop()

			for {
				select {
				case <-sampling:
					return
				case <-ticker.C:
					n := inner.OutstandingChildren()

					seenMu.Lock()
					if n > maxSeen {
						maxSeen = n
					}
					seenMu.Unlock()
				}
			}
		}()

		// The first registrations blocked on the full window keep the
		// launcher parked; releasing the gate lets children commit and the
		// hysteresis margin wake it.
		go func() {
			time.Sleep(50 * time.Millisecond)
			close(gate)
		}()

		for range 8 {
			_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: gatedTask})
			require.NoError(t, err)
		}

		close(sampling)

		return nil, nil
	})

	runTop(t, rt)

	seenMu.Lock()
	defer seenMu.Unlock()
	assert.LessOrEqual(t, maxSeen, window)
}

// countingMapper counts MapTask calls on top of the default policy.
type countingMapper struct {
	*mapper.DefaultMapper

	mu    sync.Mutex
	calls int
}

func (c *countingMapper) MapTask(in mapper.MapTaskIn) mapper.MapTaskOut {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()

	return c.DefaultMapper.MapTask(in)
}

func (c *countingMapper) mapCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.calls
}

func TestTraceReplaySkipsAnalysisAndMapping(t *testing.T) {
	t.Parallel()

	var counting *countingMapper

	rt := newTestRuntime(t, func(cfg *runtime.Config) {
		m, err := machine.New(cfg.Machine)
		require.NoError(t, err)

		counting = &countingMapper{DefaultMapper: mapper.NewDefault(m)}
		cfg.Mapper = counting
	})

	rec := &recorder{}

	require.NoError(t, rt.Registry().Register(sleepyWriter, "w",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(_ context.Context, _ runtime.Context, args any) (any, error) {
			rec.add(args.(string))

			return nil, nil
		}))

	const traceID = tracing.ID(42)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		loopBody := func(iter string) error {
			if err := tc.BeginTrace(ctx, traceID); err != nil {
				return err
			}

			if _, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
				Task: sleepyWriter,
				Args: "w1-" + iter,
				Requirements: []region.Requirement{
					{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite},
				},
			}); err != nil {
				return err
			}

			if _, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
				Task: sleepyWriter,
				Args: "w2-" + iter,
				Requirements: []region.Requirement{
					{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite},
				},
			}); err != nil {
				return err
			}

			if err := tc.EndTrace(ctx, traceID); err != nil {
				return err
			}

			fence, err := tc.IssueExecutionFence(ctx)
			if err != nil {
				return err
			}

			_, err = fence.Get(ctx)

			return err
		}

		require.NoError(t, loopBody("a"))

		firstPass := counting.mapCalls()
		require.Positive(t, firstPass)

		require.NoError(t, loopBody("b"))

		// Replay reuses the recorded mapping decisions: no further mapper
		// calls for the traced operations.
		assert.Equal(t, firstPass, counting.mapCalls())

		return nil, nil
	})

	runTop(t, rt)

	// Conflicting writes replay in recorded order on both passes.
	assert.Equal(t, []string{"w1-a", "w2-a", "w1-b", "w2-b"}, rec.snapshot())
}

func TestPoisonPropagatesThroughFutures(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	ran := make(chan struct{}, 1)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			ran <- struct{}{}

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		poisoned := future.NewPending(rt.Graph(), "")
		poisoned.Poison()

		f, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task:    leafTask,
			Futures: []*future.Future{poisoned},
		})
		require.NoError(t, err)

		_, err = f.Get(ctx)
		require.ErrorIs(t, err, future.ErrPoisoned)

		return nil, nil
	})

	runTop(t, rt)

	select {
	case <-ran:
		t.Fatal("poisoned task body must not run")
	default:
	}
}

func TestPredicateFalseSkipsExecution(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	ran := make(chan struct{}, 1)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			ran <- struct{}{}

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		pred := future.FromValue(rt.Graph(), false)

		_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: leafTask, Predicate: pred})
		require.NoError(t, err)

		fence, err := tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		_, err = fence.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)

	select {
	case <-ran:
		t.Fatal("false-predicated task body must not run")
	default:
	}
}

func TestInterferingRequirementsRejectedSynchronously(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		req := region.Requirement{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite}

		_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task:         leafTask,
			Requirements: []region.Requirement{req, req},
		})
		require.ErrorIs(t, err, runtime.ErrRegionDependence)

		return nil, nil
	})

	runTop(t, rt)
}

func TestPrivilegeViolationSurfacesAtLaunch(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }))

	// The middle task holds read-only access; its child demands write.
	require.NoError(t, rt.Registry().Register(reader, "middle",
		runtime.VariantDesc{ID: 1, Inner: true},
		func(ctx context.Context, tc runtime.Context, args any) (any, error) {
			lr := args.(region.LogicalRegion)

			_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
				Task: leafTask,
				Requirements: []region.Requirement{
					{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite},
				},
			})
			assert.ErrorIs(t, err, runtime.ErrPrivilegeViolation)

			// The held privilege itself is fine to pass down.
			_, err = tc.ExecuteTask(ctx, runtime.TaskLauncher{
				Task: leafTask,
				Requirements: []region.Requirement{
					{Region: lr, Fields: region.Fields(0), Privilege: region.ReadOnly},
				},
			})
			assert.NoError(t, err)

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		f, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{
			Task: reader,
			Args: lr,
			Requirements: []region.Requirement{
				{Region: lr, Fields: region.Fields(0), Privilege: region.ReadOnly},
			},
		})
		require.NoError(t, err)

		_, err = f.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)
}

func TestLeafContextRejectsChildOperations(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
			_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: leafTask})
			assert.ErrorIs(t, err, runtime.ErrLeafViolation)

			_, err = tc.CreateIndexSpace(ctx, region.DomainFromRange(0, 9))
			assert.ErrorIs(t, err, runtime.ErrLeafViolation)

			assert.ErrorIs(t, tc.IssueFill(ctx, runtime.FillLauncher{}), runtime.ErrLeafViolation)
			assert.ErrorIs(t, tc.CompleteFrame(ctx), runtime.ErrLeafViolation)

			_, err = tc.IssueMappingFence(ctx)
			assert.ErrorIs(t, err, runtime.ErrLeafViolation)

			// The leaf contract still allows barrier management.
			pb, err := tc.CreatePhaseBarrier(1)
			assert.NoError(t, err)

			_, err = tc.AdvancePhaseBarrier(pb)
			assert.NoError(t, err)
			assert.NoError(t, tc.DestroyPhaseBarrier(pb))

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		f, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: leafTask})
		require.NoError(t, err)

		_, err = f.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)
}

func TestIndexLaunchGathersFutureMap(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(pointTask, "pt",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(_ context.Context, _ runtime.Context, args any) (any, error) {
			return args.(int64) * 2, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		fm, err := tc.ExecuteIndexSpace(ctx, runtime.IndexTaskLauncher{
			Task:   pointTask,
			Domain: region.DomainFromRange(0, 7),
			PointArgs: func(p region.Point) any {
				return p.Coords[0]
			},
		})
		require.NoError(t, err)

		require.NoError(t, fm.Wait(ctx))

		f, err := fm.Point(region.Pt1(3))
		require.NoError(t, err)

		v, err := f.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), v)

		// Reduction over all point results: sum of 2i for i in [0,7].
		sum, err := tc.ReduceFutureMap(fm, 1, nil)
		require.NoError(t, err)

		total, err := sum.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(56), total)

		return nil, nil
	})

	runTop(t, rt)
}

func TestChildCountsMonotonic(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		inner := tc.(*runtime.InnerContext)

		for range 10 {
			_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: leafTask})
			require.NoError(t, err)

			executing, executed, complete, committed := inner.Counts()
			assert.GreaterOrEqual(t, executing, executed)
			assert.GreaterOrEqual(t, executed, complete)
			assert.GreaterOrEqual(t, complete, committed)
		}

		fence, err := tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		_, err = fence.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)
}

func TestTimingAndTunable(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		tf, err := tc.IssueTimingMeasurement(ctx, runtime.TimingNanoseconds)
		require.NoError(t, err)

		v, err := tf.Get(ctx)
		require.NoError(t, err)
		assert.Positive(t, v.(int64))

		tunable, err := tc.SelectTunableValue(ctx, 1, 0)
		require.NoError(t, err)

		cpus, err := tunable.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), cpus)

		return nil, nil
	})

	runTop(t, rt)
}

func TestUnorderedDetachSplicesAtSafePoint(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		pr, err := tc.AttachResource(ctx, runtime.AttachLauncher{
			Requirement: region.Requirement{Region: lr, Fields: region.Fields(0), Privilege: region.ReadWrite},
			Resource:    "file:/tmp/data",
		})
		require.NoError(t, err)

		detached, err := tc.DetachResource(ctx, pr, runtime.DetachFlags{Unordered: true})
		require.NoError(t, err)

		// The detach is only spliced at a safe point: a fence forces one.
		fence, err := tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		_, err = fence.Get(ctx)
		require.NoError(t, err)

		_, err = detached.Get(ctx)
		require.NoError(t, err)
		assert.False(t, pr.Valid())

		return nil, nil
	})

	runTop(t, rt)
}

func TestFramesThrottleAndOrder(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, func(cfg *runtime.Config) {
		cfg.MaxOutstandingFrames = 2
	})

	rec := &recorder{}

	require.NoError(t, rt.Registry().Register(sleepyWriter, "frame-task",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(_ context.Context, _ runtime.Context, args any) (any, error) {
			rec.add(args.(string))

			return nil, nil
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		_, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: sleepyWriter, Args: "f1"})
		require.NoError(t, err)
		require.NoError(t, tc.CompleteFrame(ctx))

		_, err = tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: sleepyWriter, Args: "f2"})
		require.NoError(t, err)
		require.NoError(t, tc.CompleteFrame(ctx))

		fence, err := tc.IssueExecutionFence(ctx)
		require.NoError(t, err)

		_, err = fence.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)

	// Frame two's task must not begin before frame one completed.
	assert.Equal(t, []string{"f1", "f2"}, rec.snapshot())
}

func TestMustEpochRunsConcurrently(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	// Two tasks that rendezvous: only possible when both run at once.
	meet := make(chan struct{})

	require.NoError(t, rt.Registry().Register(sleepyWriter, "epoch-a",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			meet <- struct{}{}

			return "a", nil
		}))

	require.NoError(t, rt.Registry().Register(reader, "epoch-b",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) {
			select {
			case <-meet:
				return "b", nil
			case <-time.After(5 * time.Second):
				return nil, context.DeadlineExceeded
			}
		}))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		fm, err := tc.MustEpoch(ctx, []runtime.TaskLauncher{
			{Task: sleepyWriter},
			{Task: reader},
		})
		require.NoError(t, err)

		require.NoError(t, fm.Wait(ctx))

		fb, err := fm.Point(region.Pt1(1))
		require.NoError(t, err)

		v, err := fb.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "b", v)

		return nil, nil
	})

	runTop(t, rt)
}

func TestMappingFenceSplitsMappingOrder(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	require.NoError(t, rt.Registry().Register(leafTask, "leaf",
		runtime.VariantDesc{ID: 1, Leaf: true},
		func(context.Context, runtime.Context, any) (any, error) { return nil, nil }))

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		f1, err := tc.ExecuteTask(ctx, runtime.TaskLauncher{Task: leafTask})
		require.NoError(t, err)

		mf, err := tc.IssueMappingFence(ctx)
		require.NoError(t, err)

		// The fence future resolves only after everything before it has
		// mapped.
		_, err = mf.Get(ctx)
		require.NoError(t, err)

		_, err = f1.Get(ctx)
		require.NoError(t, err)

		return nil, nil
	})

	runTop(t, rt)
}
