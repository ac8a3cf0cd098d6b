package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/pipeline"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// Operation is the contract the pipeline needs from every child operation.
// Concrete operation types embed opCommon and override the hooks they need.
type Operation interface {
	Base() *operation.Base
	Requirements() []region.Requirement

	// creationLike operations serialize through the implicit-creation slot
	// to preserve partition-relative ordering.
	creationLike() bool

	// predicate returns the gating predicate future, nil when unpredicated.
	predicate() *futurePredicate

	// performMapping runs in the ready stage. A non-nil replay decision
	// replaces the mapper call.
	performMapping(ic *InnerContext, replay *tracing.Decision) error

	// performExecution runs once the precondition has triggered. It must
	// eventually call ic.completeOp exactly once.
	performExecution(ic *InnerContext)
}

// childCounts tracks the total children that reached each stage. All four
// are non-decreasing and executing ≥ executed ≥ complete ≥ committed.
type childCounts struct {
	executing uint64
	executed  uint64
	complete  uint64
	committed uint64
}

// fenceState tracks the current fence generations and the rolling event
// lists they merge.
type fenceState struct {
	// mappingFence is the mapped event of the last mapping fence; later
	// operations may not begin mapping before it.
	mappingFence *event.Event

	// executionFence is the completion event of the last execution fence;
	// later operations merge it into their preconditions.
	executionFence *event.Event

	// mappedSince holds the mapped events of operations registered since
	// the last mapping fence.
	mappedSince []*event.Event

	// completedSince holds the completion events of operations registered
	// since the last execution fence.
	completedSince []*event.Event

	// lastImplicitCreation serializes creation-like operations.
	lastImplicitCreation *event.Event

	// mappingFenceGen counts mapping fences for diagnostics.
	mappingFenceGen uint64
}

// frameState tracks frame-based flow control.
type frameState struct {
	// current is the previous frame's completion event; operations of the
	// next frame do not begin execution before it.
	current *event.Event

	// completedThisFrame holds completion events since the last frame.
	completedThisFrame []*event.Event

	// pending is the number of incomplete frames.
	pending int

	// waiter wakes a CompleteFrame call blocked on the frame cap.
	waiter *event.UserEvent
}

// replayInfo carries a matched trace template position into the pipeline.
// The session rides along because the context's trace pointer may already
// point at a later session by the time the dependence stage runs.
type replayInfo struct {
	session  *traceSession
	template *tracing.Template
	local    int
}

// traceSession is one live begin/end-trace region.
type traceSession struct {
	id tracing.ID

	// template is non-nil while replaying.
	template *tracing.Template
	cursor   int

	// recording is non-nil while capturing.
	recording *tracing.Recording

	// liveOps are the operations registered inside this session, in trace
	// order, for resolving template-local dependence edges.
	liveOps []Operation

	// aborted disables both replay and capture after a mismatch.
	aborted bool
}

// createdState tracks handles created by this context for deletion
// bookkeeping and the teardown leak report.
type createdState struct {
	regions     map[region.TreeID]region.LogicalRegion
	indexSpaces map[region.IndexSpaceID]region.IndexSpace
	partitions  map[region.IndexPartitionID]region.IndexPartition
	fieldSpaces map[region.FieldSpaceID]region.FieldSpace
	fields      map[fieldKey]struct{}
	barriers    map[uint64]event.PhaseBarrier
}

// fieldKey identifies one allocated field.
type fieldKey struct {
	space region.FieldSpaceID
	field region.FieldID
}

func newCreatedState() createdState {
	return createdState{
		regions:     make(map[region.TreeID]region.LogicalRegion),
		indexSpaces: make(map[region.IndexSpaceID]region.IndexSpace),
		partitions:  make(map[region.IndexPartitionID]region.IndexPartition),
		fieldSpaces: make(map[region.FieldSpaceID]region.FieldSpace),
		fields:      make(map[fieldKey]struct{}),
		barriers:    make(map[uint64]event.PhaseBarrier),
	}
}

// InnerContext is a parent task's view of its children: it accepts child
// operations, runs logical dependence analysis, stages operations through
// the pipeline queues, and enforces the runahead window.
type InnerContext struct {
	rt     *Runtime
	logger *slog.Logger

	uid    uint64
	depth  int
	proc   machine.Processor
	record *TaskRecord
	cfg    mapper.ContextConfig

	// requirements is the read-only view into the regions the parent
	// mapped for this task.
	requirements []region.Requirement

	queues     *pipeline.QueueSet
	rob        *pipeline.ReorderBuffer
	traceCache *tracing.Cache

	mu       sync.Mutex
	counts   childCounts
	fence    fenceState
	frame    frameState
	trace    *traceSession
	created  createdState
	finished bool

	// windowEvent wakes registrations blocked on the runahead window.
	windowEvent *event.UserEvent

	// recent is the analysis window: unretired operations in program
	// order, scanned newest-first for conflicts.
	recent []Operation

	// unordered operations await splicing at the next safe point.
	unordered []Operation

	// inlinedTasks counts children currently running inlined on this
	// context's stack.
	inlinedTasks int

	// idle fires when every child has committed, for end-of-task waits.
	idleWaiter *event.UserEvent
}

// newInnerContext builds a context for one mapped task execution.
func newInnerContext(rt *Runtime, record *TaskRecord, proc machine.Processor, depth int, reqs []region.Requirement) (*InnerContext, error) {
	cfg, err := rt.mapMgr.ConfigureContext(mapper.ContextConfigIn{Proc: proc})
	if err != nil {
		return nil, err
	}

	if rt.cfg.WindowSize > 0 {
		cfg.WindowSize = rt.cfg.WindowSize
	}

	if rt.cfg.HysteresisPercent > 0 {
		cfg.HysteresisPercent = rt.cfg.HysteresisPercent
	}

	if rt.cfg.MaxOutstandingFrames > 0 {
		cfg.MaxOutstandingFrames = rt.cfg.MaxOutstandingFrames
	}

	if rt.cfg.MaxTemplatesPerTrace > 0 {
		cfg.MaxTemplatesPerTrace = rt.cfg.MaxTemplatesPerTrace
	}

	if rt.cfg.MetaBatchSize > 0 {
		cfg.MetaBatchSize = rt.cfg.MetaBatchSize
	}

	ic := &InnerContext{
		rt:           rt,
		logger:       rt.logger,
		uid:          rt.NewUID(),
		depth:        depth,
		proc:         proc,
		record:       record,
		cfg:          cfg,
		requirements: reqs,
		queues:       pipeline.NewQueueSet(rt.utility, cfg.MetaBatchSize),
		rob:          pipeline.NewReorderBuffer(),
		traceCache:   tracing.NewCache(cfg.MaxTemplatesPerTrace),
		created:      newCreatedState(),
	}

	return ic, nil
}

// newTopLevelContext builds the root context of an application run.
func newTopLevelContext(rt *Runtime, record *TaskRecord, _ *taskVariant, proc machine.Processor) (*InnerContext, error) {
	return newInnerContext(rt, record, proc, 0, nil)
}

// UID implements Context.
func (ic *InnerContext) UID() uint64 { return ic.uid }

// Depth implements Context.
func (ic *InnerContext) Depth() int { return ic.depth }

// Runtime implements Context.
func (ic *InnerContext) Runtime() *Runtime { return ic.rt }

func (ic *InnerContext) findRuntime() *Runtime { return ic.rt }

// Counts returns the child totals per stage.
func (ic *InnerContext) Counts() (executing, executed, complete, committed uint64) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	return ic.counts.executing, ic.counts.executed, ic.counts.complete, ic.counts.committed
}

// OutstandingChildren returns the number of registered, uncommitted
// children.
func (ic *InnerContext) OutstandingChildren() int {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	return int(ic.counts.executing - ic.counts.committed)
}

// DumpReorderBuffer renders the in-flight operations for diagnostics.
func (ic *InnerContext) DumpReorderBuffer(w io.Writer) {
	ic.rob.Dump(w)
}

// windowReserve blocks while the runahead window is full, then reserves a
// slot. The wake threshold sits a hysteresis margin below the window so a
// single retirement does not thrash blocked registrations.
func (ic *InnerContext) windowReserve(ctx context.Context) error {
	ic.mu.Lock()

	for int(ic.counts.executing-ic.counts.committed) >= ic.cfg.WindowSize {
		if ic.windowEvent == nil {
			ue := ic.rt.graph.NewUserEvent()
			ic.windowEvent = &ue
		}

		waiter := ic.windowEvent.Event
		ic.mu.Unlock()

		ic.rt.observeWindowBlock()

		if _, err := waiter.Wait(ctx); err != nil {
			return err
		}

		ic.mu.Lock()
	}

	ic.counts.executing++
	ic.mu.Unlock()

	return nil
}

// windowWakeLocked wakes blocked registrations once the outstanding count
// drops past the hysteresis threshold. Caller holds ic.mu.
func (ic *InnerContext) windowWakeLocked() {
	if ic.windowEvent == nil {
		return
	}

	threshold := ic.cfg.WindowSize - ic.cfg.WindowSize*ic.cfg.HysteresisPercent/100
	if int(ic.counts.executing-ic.counts.committed) <= threshold {
		ic.windowEvent.Trigger()
		ic.windowEvent = nil
	}
}

// registerNewChild threads a freshly constructed operation into the
// pipeline. It blocks when the runahead window is full.
func (ic *InnerContext) registerNewChild(ctx context.Context, op Operation) error {
	if ic.isFinished() {
		return fmt.Errorf("context %d already finished: %w", ic.uid, ErrShutdown)
	}

	// Region deletions carry a whole-tree guard requirement purely to order
	// after in-flight users; the handle's ownership was checked at creation.
	if op.Base().Kind() != operation.KindDeletion {
		if err := ic.checkPrivileges(op.Requirements()); err != nil {
			return err
		}

		if err := ic.checkInterference(op.Requirements()); err != nil {
			return err
		}
	}

	if err := ic.windowReserve(ctx); err != nil {
		return err
	}

	var replay *replayInfo

	ic.mu.Lock()
	if ic.trace != nil {
		replay = ic.traceObserveLocked(op)
	}
	ic.mu.Unlock()

	idx := ic.rob.Allocate(op.Base())
	ic.rt.observeOpRegistered(op.Base().Kind())

	ic.queues.Add(pipeline.StagePrepipeline, idx, func() {
		ic.stagePrepipeline(op, replay)
	})

	return nil
}

// isFinished reports whether end-of-task teardown has run.
func (ic *InnerContext) isFinished() bool {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	return ic.finished
}

// checkPrivileges verifies every child requirement against the privileges
// this context holds: a region created here, or covered by one of the
// parent-mapped requirements with at least the requested access.
func (ic *InnerContext) checkPrivileges(reqs []region.Requirement) error {
	if len(reqs) == 0 {
		return nil
	}

	ic.mu.Lock()
	defer ic.mu.Unlock()

	for _, req := range reqs {
		if req.Fields.Empty() && req.Privilege != region.NoAccess {
			return fmt.Errorf("%w: requirement on tree %d has empty field set",
				ErrPrivilegeViolation, req.Tree())
		}

		if _, createdHere := ic.created.regions[req.Tree()]; createdHere {
			continue
		}

		if ic.depth == 0 {
			// The top-level context owns every tree it can see.
			continue
		}

		if !ic.parentCoversLocked(req) {
			return fmt.Errorf("%w: tree %d fields %s %s not held by parent task",
				ErrPrivilegeViolation, req.Tree(), req.Fields, req.Privilege)
		}
	}

	return nil
}

// checkInterference rejects an operation whose own requirements conflict
// with each other: the coherence modes cannot both be honored on one
// operation, so the conflict is surfaced synchronously at the call site.
func (ic *InnerContext) checkInterference(reqs []region.Requirement) error {
	for i := range reqs {
		for j := i + 1; j < len(reqs); j++ {
			if region.Conflicts(ic.rt.forest, reqs[i], reqs[j]) {
				return fmt.Errorf("%w: requirements %d and %d interfere on tree %d",
					ErrRegionDependence, i, j, reqs[i].Tree())
			}
		}
	}

	return nil
}

// parentCoversLocked reports whether a parent-mapped requirement grants the
// child requirement. Caller holds ic.mu.
func (ic *InnerContext) parentCoversLocked(req region.Requirement) bool {
	for _, held := range ic.requirements {
		if held.Tree() != req.Tree() {
			continue
		}

		if !held.Fields.Subsumes(req.Fields) {
			continue
		}

		if privilegeCovers(held.Privilege, req.Privilege) {
			return true
		}
	}

	return false
}

// privilegeCovers reports whether holding `held` permits requesting `want`.
func privilegeCovers(held, want region.Privilege) bool {
	switch want {
	case region.NoAccess:
		return true
	case region.ReadOnly:
		return held.IsRead() || held.IsWrite()
	case region.ReadWrite, region.WriteDiscard:
		return held.IsWrite()
	case region.Reduce:
		return held.IsWrite() || held.IsReduce()
	default:
		return false
	}
}

// stagePrepipeline records the operation with the profiler and forwards it
// to dependence analysis.
func (ic *InnerContext) stagePrepipeline(op Operation, replay *replayInfo) {
	base := op.Base()
	ic.rt.profileOpStage(base, "prepipeline")

	ic.queues.Add(pipeline.StageDependence, base.ContextIndex(), func() {
		ic.stageDependence(op, replay)
	})
}

// stageDependence computes the operation's mapping dependences and merged
// precondition, either from logical analysis or from a replayed template.
func (ic *InnerContext) stageDependence(op Operation, replay *replayInfo) {
	base := op.Base()
	ic.rt.profileOpStage(base, "dependence")

	var mappedGate, pre []*event.Event

	ic.mu.Lock()

	if replay != nil {
		// Replay skips logical analysis and reuses the recorded edges.
		for _, local := range replay.template.PredecessorsAt(replay.local) {
			pred := replay.session.liveOps[local]
			mappedGate = append(mappedGate, pred.Base().MappedEvent())
			pre = append(pre, pred.Base().CompletionEvent())
		}
	} else {
		mappedGate, pre = ic.analyzeLocked(op)
	}

	switch opFenceKind(op) {
	case fenceNone:
		// Fences gate every ordinary operation regardless of analysis path.
		if ic.fence.mappingFence != nil {
			mappedGate = append(mappedGate, ic.fence.mappingFence)
		}

		if ic.fence.executionFence != nil {
			pre = append(pre, ic.fence.executionFence)
		}

		if ic.frame.current != nil {
			pre = append(pre, ic.frame.current)
		}

	case fenceMapping:
		// A mapping fence maps only after everything before it has mapped,
		// and later operations gate on its own mapped event.
		mappedGate = append(mappedGate, ic.fence.mappedSince...)
		if ic.fence.mappingFence != nil {
			mappedGate = append(mappedGate, ic.fence.mappingFence)
		}

		ic.fence.mappingFence = base.MappedEvent()
		ic.fence.mappedSince = nil
		ic.fence.mappingFenceGen++

	case fenceExecution:
		// An execution fence is also a mapping fence, and additionally
		// merges every prior completion into its precondition.
		mappedGate = append(mappedGate, ic.fence.mappedSince...)
		if ic.fence.mappingFence != nil {
			mappedGate = append(mappedGate, ic.fence.mappingFence)
		}

		pre = append(pre, ic.fence.completedSince...)
		if ic.fence.executionFence != nil {
			pre = append(pre, ic.fence.executionFence)
		}

		ic.fence.mappingFence = base.MappedEvent()
		ic.fence.executionFence = base.CompletionEvent()
		ic.fence.mappedSince = nil
		ic.fence.completedSince = nil
		ic.fence.mappingFenceGen++

	case fenceFrame:
		// A frame boundary completes when the frame's operations have; the
		// next frame's operations wait on it.
		pre = append(pre, ic.frame.completedThisFrame...)
		if ic.frame.current != nil {
			pre = append(pre, ic.frame.current)
		}

		ic.frame.current = base.CompletionEvent()
		ic.frame.completedThisFrame = nil
	}

	if op.creationLike() {
		if ic.fence.lastImplicitCreation != nil {
			pre = append(pre, ic.fence.lastImplicitCreation)
		}

		ic.fence.lastImplicitCreation = base.CompletionEvent()
	}

	// Applicative preconditions (futures named by the launcher).
	pre = append(pre, opExtraPreconditions(op)...)

	ic.fence.mappedSince = append(ic.fence.mappedSince, base.MappedEvent())
	ic.fence.completedSince = append(ic.fence.completedSince, base.CompletionEvent())
	ic.frame.completedThisFrame = append(ic.frame.completedThisFrame, base.CompletionEvent())

	ic.recent = append(ic.recent, op)

	// Capture the dependence edges while the live operation list is known.
	// The session rides on the operation: end_trace may already have closed
	// it on the application thread, but the capture is only sealed after
	// every traced operation has passed through here and mapped.
	if sess := traceSessionOf(op); replay == nil && sess != nil && sess.recording != nil && !sess.aborted {
		ic.traceRecordLocked(op, sess, mappedGate)
	}
	ic.mu.Unlock()

	base.SetPrecondition(ic.rt.graph.Merge(pre...))

	var decision *tracing.Decision
	if replay != nil {
		d := replay.template.DecisionAt(replay.local)
		decision = &d
	}

	gate := ic.rt.graph.Merge(mappedGate...)
	gate.Subscribe(func(out event.Outcome) {
		ic.queues.Add(pipeline.StageReady, base.ContextIndex(), func() {
			ic.stageReady(op, out, decision)
		})
	})
}

// analyzeLocked walks the recent operations newest-first and collects the
// mapping and execution dependences of a new operation. Caller holds ic.mu.
func (ic *InnerContext) analyzeLocked(op Operation) (mappedGate, pre []*event.Event) {
	reqs := op.Requirements()
	if len(reqs) == 0 {
		return nil, nil
	}

	forest := ic.rt.forest

	for i := len(ic.recent) - 1; i >= 0; i-- {
		prior := ic.recent[i]

		if dependsOn(forest, prior.Requirements(), reqs) {
			mappedGate = append(mappedGate, prior.Base().MappedEvent())
			pre = append(pre, prior.Base().CompletionEvent())
		}
	}

	return mappedGate, pre
}

// dependsOn reports whether any requirement pair across the two sets
// conflicts.
func dependsOn(forest *region.Forest, prior, next []region.Requirement) bool {
	for _, p := range prior {
		for _, n := range next {
			if region.Conflicts(forest, p, n) {
				return true
			}
		}
	}

	return false
}

// stageReady hands the operation to the mapper and schedules execution
// behind its precondition. A poisoned mapping gate short-circuits.
func (ic *InnerContext) stageReady(op Operation, gateOutcome event.Outcome, replay *tracing.Decision) {
	base := op.Base()
	ic.rt.profileOpStage(base, "ready")

	if gateOutcome == event.OutcomePoisoned {
		ic.finalizePoisoned(op)

		return
	}

	if err := op.performMapping(ic, replay); err != nil {
		ic.logger.Error("mapping failed, poisoning operation",
			"op", base.UID(), "kind", base.Kind().String(), "err", err)
		ic.finalizePoisoned(op)

		return
	}

	if err := base.TriggerMapped(); err != nil {
		ic.logger.Error("stage regression", "op", base.UID(), "err", err)

		return
	}

	ic.opMapped(op)

	if pred := op.predicate(); pred != nil {
		ic.queues.Add(pipeline.StageResolution, base.ContextIndex(), func() {
			ic.stageResolution(op, pred)
		})

		return
	}

	ic.scheduleExecution(op)
}

// stageResolution resolves a predicated operation: a false predicate turns
// the operation into an immediately complete no-op.
func (ic *InnerContext) stageResolution(op Operation, pred *futurePredicate) {
	base := op.Base()

	pred.ready().Subscribe(func(out event.Outcome) {
		if out == event.OutcomePoisoned {
			ic.finalizePoisoned(op)

			return
		}

		if !pred.value() {
			ic.completeOp(op, event.OutcomeTriggered)

			return
		}

		ic.queues.Add(pipeline.StageDeferredExecution, base.ContextIndex(), func() {
			ic.awaitPrecondition(op)
		})
	})
}

// scheduleExecution runs the operation now if its precondition already
// fired, otherwise defers it behind the event.
func (ic *InnerContext) scheduleExecution(op Operation) {
	base := op.Base()
	pre := base.Precondition()

	if out, fired := pre.TryOutcome(); fired {
		if out == event.OutcomePoisoned {
			ic.finalizePoisoned(op)

			return
		}

		ic.queues.Add(pipeline.StageTriggerExecution, base.ContextIndex(), func() {
			op.performExecution(ic)
		})

		return
	}

	pre.Subscribe(func(out event.Outcome) {
		if out == event.OutcomePoisoned {
			ic.finalizePoisoned(op)

			return
		}

		ic.queues.Add(pipeline.StageDeferredExecution, base.ContextIndex(), func() {
			op.performExecution(ic)
		})
	})
}

// awaitPrecondition re-enters scheduleExecution from the resolution stage.
func (ic *InnerContext) awaitPrecondition(op Operation) {
	ic.scheduleExecution(op)
}

// opMapped records a child reaching the executed stage.
func (ic *InnerContext) opMapped(op Operation) {
	ic.mu.Lock()
	ic.counts.executed++
	ic.mu.Unlock()

	ic.rt.observeOpMapped(op.Base().Kind())
}

// completeOp propagates "work done" through the completion and commit
// stages and retires the reorder buffer.
func (ic *InnerContext) completeOp(op Operation, outcome event.Outcome) {
	base := op.Base()
	idx := base.ContextIndex()

	ic.queues.Add(pipeline.StageTriggerCompletion, idx, func() {
		if err := base.TriggerCompletion(outcome); err != nil {
			ic.logger.Error("completion regression", "op", base.UID(), "err", err)

			return
		}

		ic.mu.Lock()
		ic.counts.complete++
		ic.mu.Unlock()

		ic.queues.Add(pipeline.StageTriggerCommit, idx, func() {
			ic.commitOp(op, outcome)
		})
	})
}

// commitOp finalizes the operation and frees retired slots in order.
func (ic *InnerContext) commitOp(op Operation, outcome event.Outcome) {
	base := op.Base()

	if err := base.TriggerCommit(outcome); err != nil {
		ic.logger.Error("commit regression", "op", base.UID(), "err", err)

		return
	}

	ic.retireOp(op)
}

// finalizePoisoned short-circuits a poisoned operation to Committed.
// Operations with a recovery hook get one redrive before the poison sticks.
func (ic *InnerContext) finalizePoisoned(op Operation) {
	if opRedrives(op) {
		ic.logger.Warn("redriving poisoned operation",
			"op", op.Base().UID(), "kind", op.Base().Kind().String())
		ic.queues.Add(pipeline.StageTriggerExecution, op.Base().ContextIndex(), func() {
			op.performExecution(ic)
		})

		return
	}

	wasMapped := op.Base().Stage() >= operation.StageExecuted

	op.Base().PropagatePoison()
	poisonResults(op)

	ic.mu.Lock()
	if !wasMapped {
		ic.counts.executed++
	}

	ic.counts.complete++
	ic.mu.Unlock()

	ic.retireOp(op)
}

// poisonResults relays a short-circuit into the operation's application
// visible futures so readers observe the failure.
func poisonResults(op Operation) {
	type poisonable interface{ poisonResult() }

	if p, ok := op.(poisonable); ok {
		p.poisonResult()
	}
}

// retireOp accounts a committed child, prunes the analysis window, and
// wakes window waiters.
func (ic *InnerContext) retireOp(op Operation) {
	ic.rob.Retire()

	ic.mu.Lock()
	ic.counts.committed++

	head := ic.rob.Head()
	trimmed := ic.recent[:0]

	for _, rec := range ic.recent {
		if idx := rec.Base().ContextIndex(); idx >= head {
			trimmed = append(trimmed, rec)
		}
	}

	ic.recent = trimmed

	ic.windowWakeLocked()
	ic.spliceUnorderedLocked()

	if ic.idleWaiter != nil && ic.counts.committed == ic.counts.executing {
		ic.idleWaiter.Trigger()
		ic.idleWaiter = nil
	}
	ic.mu.Unlock()

	ic.rt.observeOpCommitted(op.Base().Kind())
}

// AddUnordered queues an operation for insertion at the next safe point.
func (ic *InnerContext) AddUnordered(op Operation) {
	ic.mu.Lock()
	ic.unordered = append(ic.unordered, op)
	ic.mu.Unlock()
}

// spliceUnorderedLocked inserts pending unordered operations into program
// order at a safe point. Caller holds ic.mu.
func (ic *InnerContext) spliceUnorderedLocked() {
	if len(ic.unordered) == 0 {
		return
	}

	pending := ic.unordered
	ic.unordered = nil

	for _, op := range pending {
		ic.counts.executing++

		idx := ic.rob.Allocate(op.Base())
		ic.rt.observeOpRegistered(op.Base().Kind())

		ic.queues.Add(pipeline.StagePrepipeline, idx, func() {
			ic.stagePrepipeline(op, nil)
		})
	}
}

// waitAllCommitted blocks until every registered child has committed.
func (ic *InnerContext) waitAllCommitted(ctx context.Context) error {
	ic.mu.Lock()

	if ic.counts.committed == ic.counts.executing {
		ic.mu.Unlock()

		return nil
	}

	if ic.idleWaiter == nil {
		ue := ic.rt.graph.NewUserEvent()
		ic.idleWaiter = &ue
	}

	waiter := ic.idleWaiter.Event
	ic.mu.Unlock()

	_, err := waiter.Wait(ctx)

	return err
}

// finish runs end-of-task teardown: splice remaining unordered operations,
// wait for every child to commit, run post-end callbacks, and report leaked
// handles.
func (ic *InnerContext) finish(ctx context.Context, bodyErr error) error {
	ic.mu.Lock()
	ic.spliceUnorderedLocked()
	ic.mu.Unlock()

	if err := ic.waitAllCommitted(ctx); err != nil {
		return err
	}

	done := make(chan struct{})
	ic.queues.Add(pipeline.StagePostEnd, ^uint64(0), func() {
		ic.reportLeaks()
		close(done)
	})

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	ic.mu.Lock()
	ic.finished = true
	ic.mu.Unlock()

	if bodyErr != nil {
		ic.logger.Warn("task body failed", "ctx", ic.uid, "err", bodyErr)
	}

	return nil
}

// reportLeaks warns about created handles the task never destroyed.
func (ic *InnerContext) reportLeaks() {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	leaked := len(ic.created.regions) + len(ic.created.indexSpaces) +
		len(ic.created.partitions) + len(ic.created.fieldSpaces) + len(ic.created.fields)
	if leaked == 0 {
		return
	}

	trees := make([]region.TreeID, 0, len(ic.created.regions))
	for tree := range ic.created.regions {
		trees = append(trees, tree)
	}

	ic.logger.Warn("resource leak at task teardown",
		"ctx", ic.uid,
		"err", ErrResourceLeak,
		"handles", leaked,
		"leaked_trees", trees)
}

// traceObserveLocked matches or records one operation against the active
// trace session. Caller holds ic.mu.
func (ic *InnerContext) traceObserveLocked(op Operation) *replayInfo {
	ts := ic.trace
	if ts.aborted {
		return nil
	}

	fp := tracing.FingerprintOp(op.Base().Kind(), uint32(op.Base().MapperID()),
		uint64(op.Base().MappingTag()), op.Requirements())

	if ts.template != nil {
		if ts.cursor < ts.template.Len() && ts.template.FingerprintAt(ts.cursor) == fp {
			ri := &replayInfo{session: ts, template: ts.template, local: ts.cursor}
			setTraceLocal(op, ts.cursor)
			ts.liveOps = append(ts.liveOps, op)
			ts.cursor++

			return ri
		}

		// Live sequence diverged from the template: abandon replay and
		// capture for this entry; the cached template stays for next time.
		ic.logger.Warn("trace replay mismatch, falling back to analysis",
			"trace", ts.id, "position", ts.cursor)

		ts.aborted = true
		ts.template = nil
		ts.recording = nil

		return nil
	}

	if ts.recording != nil {
		setTraceLocal(op, len(ts.liveOps))
		setTraceSession(op, ts)
		ts.liveOps = append(ts.liveOps, op)
	}

	return nil
}

// traceRecordLocked captures one analyzed operation into its session's
// recording. Caller holds ic.mu.
func (ic *InnerContext) traceRecordLocked(op Operation, ts *traceSession, mappedGate []*event.Event) {
	// Translate dependence edges into trace-local indices.
	gateSet := make(map[uint64]struct{}, len(mappedGate))
	for _, ev := range mappedGate {
		gateSet[ev.ID()] = struct{}{}
	}

	var preds []int

	for local, prior := range ts.liveOps {
		if prior == op {
			continue
		}

		if _, ok := gateSet[prior.Base().MappedEvent().ID()]; ok {
			preds = append(preds, local)
		}
	}

	fp := tracing.FingerprintOp(op.Base().Kind(), uint32(op.Base().MapperID()),
		uint64(op.Base().MappingTag()), op.Requirements())

	ts.recording.Record(fp, preds, tracing.Decision{}, op.Requirements())
}

// recordTraceDecision memoizes a mapping decision for the operation's
// trace-local slot, if the operation was registered during a capture. The
// recording pointer rides on the operation so a capture already closed by
// end_trace still receives decisions from in-flight mappings; the template
// is only sealed once every traced operation has mapped.
func (ic *InnerContext) recordTraceDecision(op Operation, d tracing.Decision) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	sess := traceSessionOf(op)
	if sess == nil || sess.recording == nil || sess.aborted {
		return
	}

	if local, ok := traceLocal(op); ok {
		sess.recording.SetDecision(local, d)
	}
}
