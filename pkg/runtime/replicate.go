package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/replication"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// ReplicateContext is one shard's view of a control-replicated task. Every
// shard executes the same program text and must make identical sequences of
// runtime calls; the hash verifier checks this. Cross-shard effects go
// through the group's barriers, broadcasts, and collectives.
type ReplicateContext struct {
	*InnerContext

	shard replication.ShardID
	group *replication.Group
}

// newReplicateContext builds one shard's context.
func newReplicateContext(rt *Runtime, record *TaskRecord, proc machine.Processor, depth int, reqs []region.Requirement, shard replication.ShardID, group *replication.Group) (*ReplicateContext, error) {
	inner, err := newInnerContext(rt, record, proc, depth, reqs)
	if err != nil {
		return nil, err
	}

	return &ReplicateContext{
		InnerContext: inner,
		shard:        shard,
		group:        group,
	}, nil
}

// Shard returns this context's shard id.
func (rc *ReplicateContext) Shard() replication.ShardID { return rc.shard }

// TotalShards returns the replicate group size.
func (rc *ReplicateContext) TotalShards() int { return rc.group.Shards() }

// FreshDistributedID draws the next broadcast distributed id; every shard
// observes the same value at the same draw index.
func (rc *ReplicateContext) FreshDistributedID() uint64 {
	return rc.group.FreshValue(replication.HandleDistributedID, rc.shard)
}

// verify records one runtime call into the shard's hash sequence.
func (rc *ReplicateContext) verify(call string, args ...uint64) {
	rc.group.Verifier().Record(rc.shard, call, args...)
}

// CheckDivergence compares all shards' call-sequence hashes; a mismatch is
// the fatal ReplicationDivergence condition.
func (rc *ReplicateContext) CheckDivergence() error {
	return rc.group.Verifier().Verify()
}

// ExecuteTask implements Context: a single task launched from a replicated
// region runs exactly once. Shard zero owns the launch; the collective
// barrier relays its completion so every shard's future resolves only after
// the body ran.
func (rc *ReplicateContext) ExecuteTask(ctx context.Context, launcher TaskLauncher) (*future.Future, error) {
	rc.verify("execute_task", uint64(launcher.Task), uint64(launcher.Tag))

	const owner = replication.ShardID(0)

	if rc.shard == owner {
		f, err := rc.InnerContext.ExecuteTask(ctx, launcher)
		if err != nil {
			return nil, err
		}

		group := rc.group
		f.ReadyEvent().Subscribe(func(event.Outcome) {
			// The owner's late arrival releases the peer shards' futures.
			if _, arriveErr := group.Arrive(replication.BarrierCollectiveMapping, owner); arriveErr != nil {
				rc.logger.Warn("collective task barrier arrival failed", "err", arriveErr)
			}
		})

		return f, nil
	}

	barrier, err := rc.group.Arrive(replication.BarrierCollectiveMapping, rc.shard)
	if err != nil {
		return nil, err
	}

	f := future.NewPending(rc.rt.graph, "")

	barrier.Subscribe(func(out event.Outcome) {
		if out == event.OutcomePoisoned {
			f.Poison()

			return
		}

		_ = f.Set(nil)
	})

	return f, nil
}

// ExecuteIndexSpace implements Context: the sharding functor assigns each
// point to a shard and this shard executes only its own points.
func (rc *ReplicateContext) ExecuteIndexSpace(ctx context.Context, launcher IndexTaskLauncher) (*future.Map, error) {
	rc.verify("execute_index_space", uint64(launcher.Task), uint64(launcher.Domain.Volume()))

	functorID := replication.FunctorID(launcher.Sharding)
	if launcher.Sharding == 0 {
		out, err := rc.rt.mapMgr.SelectShardingFunctor(
			mapper.SelectShardingIn{
				Task:        launcher.Task,
				Domain:      launcher.Domain,
				TotalShards: rc.group.Shards(),
			},
			func(id mapper.ShardingFunctorID) bool {
				return replication.KnownFunctor(replication.FunctorID(id))
			})
		if err != nil {
			return nil, err
		}

		functorID = replication.FunctorID(out.Functor)
	}

	functor, err := replication.LookupFunctor(functorID)
	if err != nil {
		return nil, err
	}

	op, err := newIndexTaskOp(ctx, rc.InnerContext, launcher)
	if err != nil {
		return nil, err
	}

	shard := rc.shard
	total := rc.group.Shards()
	bounds := launcher.Domain

	op.points = func(p region.Point) bool {
		owner := functor.ShardFor(p, bounds, total)

		return owner == replication.AllShards || owner == shard
	}

	if err := rc.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.futureMap, nil
}

// AllocateField implements Context: shard zero allocates the authoritative
// id and broadcasts it; every shard observes the same fresh field id.
func (rc *ReplicateContext) AllocateField(ctx context.Context, fs region.FieldSpace, sizeBytes uint64, wanted region.FieldID) (region.FieldID, error) {
	rc.verify("allocate_field", uint64(fs.ID), sizeBytes, uint64(wanted))

	value, err := rc.group.Broadcast(ctx, fmt.Sprintf("field:%d", fs.ID), rc.shard, func() (uint64, error) {
		id, allocErr := rc.rt.forest.AllocateField(fs, sizeBytes, wanted)

		return uint64(id), allocErr
	})
	if err != nil {
		return 0, err
	}

	id := region.FieldID(value)

	rc.mu.Lock()
	rc.created.fields[fieldKey{space: fs.ID, field: id}] = struct{}{}
	rc.mu.Unlock()

	// Program-order marker, as in the unreplicated path.
	op := newCreationMarkOp(rc.InnerContext, operation.KindRefinement)
	if err := rc.registerNewChild(ctx, op); err != nil {
		return 0, err
	}

	return id, nil
}

// CreateIndexSpace implements Context: shard zero creates the space; every
// shard adopts the broadcast handle.
func (rc *ReplicateContext) CreateIndexSpace(ctx context.Context, domain region.Domain) (region.IndexSpace, error) {
	rc.verify("create_index_space", uint64(domain.Volume()))

	value, err := rc.group.Broadcast(ctx, "index-space", rc.shard, func() (uint64, error) {
		is := rc.rt.forest.CreateIndexSpace(domain)

		return uint64(is.ID), nil
	})
	if err != nil {
		return region.IndexSpace{}, err
	}

	is := region.IndexSpace{ID: region.IndexSpaceID(value)}

	rc.mu.Lock()
	rc.created.indexSpaces[is.ID] = is
	rc.mu.Unlock()

	return is, nil
}

// CreateFieldSpace implements Context.
func (rc *ReplicateContext) CreateFieldSpace(ctx context.Context) (region.FieldSpace, error) {
	rc.verify("create_field_space")

	value, err := rc.group.Broadcast(ctx, "field-space", rc.shard, func() (uint64, error) {
		fs := rc.rt.forest.CreateFieldSpace()

		return uint64(fs.ID), nil
	})
	if err != nil {
		return region.FieldSpace{}, err
	}

	fs := region.FieldSpace{ID: region.FieldSpaceID(value)}

	rc.mu.Lock()
	rc.created.fieldSpaces[fs.ID] = fs
	rc.mu.Unlock()

	return fs, nil
}

// CreateLogicalRegion implements Context.
func (rc *ReplicateContext) CreateLogicalRegion(ctx context.Context, is region.IndexSpace, fs region.FieldSpace) (region.LogicalRegion, error) {
	rc.verify("create_logical_region", uint64(is.ID), uint64(fs.ID))

	value, err := rc.group.Broadcast(ctx, "logical-region", rc.shard, func() (uint64, error) {
		lr, createErr := rc.rt.forest.CreateLogicalRegion(is, fs)

		return uint64(lr.Tree), createErr
	})
	if err != nil {
		return region.LogicalRegion{}, err
	}

	lr := region.LogicalRegion{Tree: region.TreeID(value), IndexSpace: is, FieldSpace: fs}

	rc.mu.Lock()
	rc.created.regions[lr.Tree] = lr
	rc.mu.Unlock()

	return lr, nil
}

// DestroyLogicalRegion implements Context: deletion is gated by the
// three-phase consensus. Shard zero applies the destruction exactly once,
// preconditioned on every shard's ready arrival; the execution barrier
// observes the deletion's completion on every shard.
func (rc *ReplicateContext) DestroyLogicalRegion(ctx context.Context, lr region.LogicalRegion) error {
	rc.verify("destroy_logical_region", uint64(lr.Tree))

	consensus, err := rc.group.ArriveDeletion(rc.shard)
	if err != nil {
		return err
	}

	rc.mu.Lock()
	delete(rc.created.regions, lr.Tree)
	rc.mu.Unlock()

	if rc.shard != 0 {
		return nil
	}

	guard := []region.Requirement{{
		Region:    lr,
		Fields:    allFieldsMask(),
		Privilege: region.ReadWrite,
	}}

	op := newDeletionOp(rc.InnerContext, deletionTarget{kind: deleteRegion, lr: lr}, guard)
	op.extraEvents = []*event.Event{consensus.Ready, consensus.Mapped}

	return rc.registerNewChild(ctx, op)
}

// IssueMappingFence implements Context: the local fence also rendezvouses
// with every peer shard through the collective fence barrier.
func (rc *ReplicateContext) IssueMappingFence(ctx context.Context) (*future.Future, error) {
	rc.verify("issue_mapping_fence")

	barrier, err := rc.group.Arrive(replication.BarrierFence, rc.shard)
	if err != nil {
		return nil, err
	}

	op := newFenceOp(rc.InnerContext, fenceMapping)
	op.extraEvents = []*event.Event{barrier}

	if err := rc.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// IssueExecutionFence implements Context.
func (rc *ReplicateContext) IssueExecutionFence(ctx context.Context) (*future.Future, error) {
	rc.verify("issue_execution_fence")

	barrier, err := rc.group.Arrive(replication.BarrierFence, rc.shard)
	if err != nil {
		return nil, err
	}

	op := newFenceOp(rc.InnerContext, fenceExecution)
	op.extraEvents = []*event.Event{barrier}

	if err := rc.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// IssueCopy implements Context.
func (rc *ReplicateContext) IssueCopy(ctx context.Context, launcher CopyLauncher) error {
	rc.verify("issue_copy", uint64(len(launcher.Src)), uint64(len(launcher.Dst)))

	if rc.shard != 0 {
		return nil
	}

	return rc.InnerContext.IssueCopy(ctx, launcher)
}

// IssueFill implements Context.
func (rc *ReplicateContext) IssueFill(ctx context.Context, launcher FillLauncher) error {
	rc.verify("issue_fill", uint64(launcher.Requirement.Tree()))

	if rc.shard != 0 {
		return nil
	}

	return rc.InnerContext.IssueFill(ctx, launcher)
}

// AttachResource implements Context: the dedicated attach functor pins the
// attach to one owning shard.
func (rc *ReplicateContext) AttachResource(ctx context.Context, launcher AttachLauncher) (*PhysicalRegion, error) {
	rc.verify("attach_resource", uint64(launcher.Requirement.Tree()))

	functor, err := replication.LookupFunctor(replication.AttachDetachFunctor)
	if err != nil {
		return nil, err
	}

	owner := functor.ShardFor(region.Pt1(0), region.DomainFromRange(0, 0), rc.group.Shards())
	if owner != rc.shard {
		return &PhysicalRegion{
			Region: launcher.Requirement.Region,
			Fields: launcher.Requirement.Fields,
		}, nil
	}

	return rc.InnerContext.AttachResource(ctx, launcher)
}

// EndTrace implements Context: a template is installed only when every
// shard's portion of the capture succeeded.
func (rc *ReplicateContext) EndTrace(ctx context.Context, id tracing.ID) error {
	rc.verify("end_trace", uint64(id))

	rc.mu.Lock()

	session := rc.trace
	if session == nil || session.id != id {
		rc.mu.Unlock()

		return fmt.Errorf("%w: end_trace(%d) without matching begin", ErrTraceMismatch, id)
	}

	localOK := !session.aborted
	rc.mu.Unlock()

	agreed, err := rc.group.AgreeBool(ctx, fmt.Sprintf("trace:%d", id), rc.shard, localOK)
	if err != nil {
		return err
	}

	if !agreed {
		// At least one shard diverged: drop this capture everywhere.
		rc.mu.Lock()
		if rc.trace != nil {
			rc.trace.aborted = true
		}
		rc.mu.Unlock()
	}

	return rc.InnerContext.EndTrace(ctx, id)
}

// finishShard tears down the shard's context and checks for divergence.
func (rc *ReplicateContext) finishShard(ctx context.Context, bodyErr error) error {
	if err := rc.InnerContext.finish(ctx, bodyErr); err != nil {
		return err
	}

	if err := rc.group.Sync(ctx, replication.BarrierResourceReturn, rc.shard); err != nil {
		return err
	}

	return rc.CheckDivergence()
}

var _ Context = (*ReplicateContext)(nil)

// runReplicated executes a replicable task as a group of shards in
// lockstep, one per mapper-chosen processor. The task's future resolves
// with shard zero's return value.
func (t *taskOp) runReplicated(ic *InnerContext, shardProcs []machine.Processor) {
	group := replication.NewGroup(ic.rt.graph, len(shardProcs),
		map[replication.HandleKind]func(int) []uint64{
			replication.HandleDistributedID: func(n int) []uint64 {
				out := make([]uint64, n)
				for i := range out {
					out[i] = ic.rt.NewUID()
				}

				return out
			},
		})
	defer group.Close()

	type shardResult struct {
		value any
		err   error
	}

	results := make([]shardResult, len(shardProcs))

	var wg sync.WaitGroup

	for shard, proc := range shardProcs {
		rcCtx, err := newReplicateContext(ic.rt, t.record, proc, ic.depth+1,
			t.launcher.Requirements, replication.ShardID(shard), group)
		if err != nil {
			results[shard] = shardResult{err: err}

			continue
		}

		wg.Add(1)

		submitErr := ic.rt.submitToProc(proc, func() {
			defer wg.Done()

			value, bodyErr := t.variant.fn(t.launchCtx, rcCtx, t.args)
			if finishErr := rcCtx.finishShard(t.launchCtx, bodyErr); finishErr != nil && bodyErr == nil {
				bodyErr = finishErr
			}

			results[shard] = shardResult{value: value, err: bodyErr}
		})
		if submitErr != nil {
			wg.Done()

			results[shard] = shardResult{err: submitErr}
		}
	}

	wg.Wait()

	for shard, res := range results {
		if res.err != nil {
			ic.logger.Error("replicated task shard failed",
				"task", t.launcher.Task, "shard", shard, "err", res.err)
			t.result.Poison()
			ic.completeOp(t, event.OutcomePoisoned)

			return
		}
	}

	_ = t.result.Set(results[0].value)
	ic.completeOp(t, event.OutcomeTriggered)
}
