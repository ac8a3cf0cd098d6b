package runtime

import (
	"context"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/pipeline"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// futurePredicate gates a predicated operation on a boolean future.
type futurePredicate struct {
	f *future.Future
}

// ready returns the event fired when the predicate resolves.
func (p *futurePredicate) ready() *event.Event {
	return p.f.ReadyEvent()
}

// value returns the resolved predicate; anything but false enables the
// operation.
func (p *futurePredicate) value() bool {
	v, ok := p.f.TryGet()
	if !ok {
		return true
	}

	b, isBool := v.(bool)

	return !isBool || b
}

// fenceKind discriminates fence-like dependence handling.
type fenceKind uint8

const (
	fenceNone fenceKind = iota
	fenceMapping
	fenceExecution
	fenceFrame
)

// opCommon is the embedded base of every concrete operation type.
type opCommon struct {
	base        operation.Base
	reqs        []region.Requirement
	futures     []*future.Future
	extraEvents []*event.Event
	pred        *futurePredicate

	creation bool

	traceIdx    int
	traceIdxSet bool
	traceSess   *traceSession
}

// init prepares the common state and registers nothing.
func (o *opCommon) init(rt *Runtime, kind operation.Kind, reqs []region.Requirement, mapperID mapper.ID, tag mapper.Tag) {
	o.base.Init(rt.graph, rt.NewUID(), kind)
	o.base.SetMapper(uint32(mapperID), uint64(tag))
	o.reqs = reqs
	o.traceIdx = -1
}

// Base implements Operation.
func (o *opCommon) Base() *operation.Base { return &o.base }

// Requirements implements Operation.
func (o *opCommon) Requirements() []region.Requirement { return o.reqs }

func (o *opCommon) creationLike() bool { return o.creation }

func (o *opCommon) predicate() *futurePredicate { return o.pred }

// performMapping defaults to no mapper involvement.
func (o *opCommon) performMapping(*InnerContext, *tracing.Decision) error { return nil }

// extraPreconditions returns the launcher-specified future events plus any
// direct event preconditions (collective barriers under replication).
func (o *opCommon) extraPreconditions() []*event.Event {
	out := make([]*event.Event, 0, len(o.futures)+len(o.extraEvents))
	for _, f := range o.futures {
		out = append(out, f.ReadyEvent())
	}

	out = append(out, o.extraEvents...)

	return out
}

func (o *opCommon) setTraceLocal(i int) {
	o.traceIdx = i
	o.traceIdxSet = true
}

func (o *opCommon) getTraceLocal() (int, bool) {
	return o.traceIdx, o.traceIdxSet
}

func (o *opCommon) setTraceSession(ts *traceSession) {
	o.traceSess = ts
}

func (o *opCommon) getTraceSession() *traceSession {
	return o.traceSess
}

// opExtraPreconditions extracts launcher futures from any operation.
func opExtraPreconditions(op Operation) []*event.Event {
	type extra interface{ extraPreconditions() []*event.Event }

	if e, ok := op.(extra); ok {
		return e.extraPreconditions()
	}

	return nil
}

// opFenceKind extracts fence-like dependence handling from an operation.
func opFenceKind(op Operation) fenceKind {
	type fenced interface{ fence() fenceKind }

	if f, ok := op.(fenced); ok {
		return f.fence()
	}

	return fenceNone
}

func setTraceLocal(op Operation, i int) {
	type setter interface{ setTraceLocal(int) }

	if s, ok := op.(setter); ok {
		s.setTraceLocal(i)
	}
}

func traceLocal(op Operation) (int, bool) {
	type getter interface{ getTraceLocal() (int, bool) }

	if g, ok := op.(getter); ok {
		return g.getTraceLocal()
	}

	return 0, false
}

func setTraceSession(op Operation, ts *traceSession) {
	type setter interface{ setTraceSession(*traceSession) }

	if s, ok := op.(setter); ok {
		s.setTraceSession(ts)
	}
}

func traceSessionOf(op Operation) *traceSession {
	type getter interface{ getTraceSession() *traceSession }

	if g, ok := op.(getter); ok {
		return g.getTraceSession()
	}

	return nil
}

// opRedrives extracts the one-shot poison recovery hook.
func opRedrives(op Operation) bool {
	type redriver interface{ redrive() bool }

	if r, ok := op.(redriver); ok {
		return r.redrive()
	}

	return false
}

// taskOp is a single child task launch.
type taskOp struct {
	opCommon

	launchCtx context.Context
	launcher  TaskLauncher
	record    *TaskRecord
	variant   *taskVariant
	result    *future.Future

	decision   tracing.Decision
	inline     bool
	shardProcs []machine.Processor
	args       any
}

// newTaskOp builds a task operation for the given launcher.
func newTaskOp(ctx context.Context, ic *InnerContext, launcher TaskLauncher) (*taskOp, error) {
	record, variant, err := ic.rt.registry.selectVariant(launcher.Task, nil)
	if err != nil {
		return nil, err
	}

	op := &taskOp{
		launchCtx: ctx,
		launcher:  launcher,
		record:    record,
		variant:   variant,
		result:    future.NewPending(ic.rt.graph, ""),
		args:      launcher.Args,
	}
	op.init(ic.rt, operation.KindTask, launcher.Requirements, launcher.MapperID, launcher.Tag)
	op.futures = launcher.Futures

	if launcher.Predicate != nil {
		op.pred = &futurePredicate{f: launcher.Predicate}
	}

	return op, nil
}

// performMapping implements Operation: the mapper (or a replayed template
// decision) chooses the target processor, variant, and instances.
func (t *taskOp) performMapping(ic *InnerContext, replay *tracing.Decision) error {
	if replay != nil {
		t.decision = *replay
		ic.rt.observeTraceReplayOp()

		return nil
	}

	kinds := t.variant.desc.procKinds()

	opts, err := ic.rt.mapMgr.SelectTaskOptions(mapper.TaskOptionsIn{
		Task:           t.launcher.Task,
		Tag:            t.launcher.Tag,
		Parent:         ic.proc,
		ValidVariants:  t.record.VariantIDs(),
		ValidProcKinds: kinds,
	})
	if err != nil {
		return err
	}

	t.inline = opts.Inline && t.variant.desc.Leaf

	out, err := ic.rt.mapMgr.MapTask(mapper.MapTaskIn{
		Task:           t.launcher.Task,
		Tag:            t.launcher.Tag,
		Requirements:   t.launcher.Requirements,
		ValidProcKinds: kinds,
		ValidVariants:  t.record.VariantIDs(),
		TargetProc:     opts.InitialProc,
	})
	if err != nil {
		return err
	}

	t.decision = tracing.Decision{
		TargetProc: out.TargetProc,
		Variant:    out.Variant,
		Instances:  out.ChosenInstances,
	}

	if opts.Replicate && t.variant.desc.Replicable && !t.inline {
		var procs []machine.Processor
		for _, k := range kinds {
			procs = append(procs, ic.rt.machine.ByKind(k)...)
		}

		rep := ic.rt.mapMgr.Mapper().ReplicateTask(mapper.ReplicateTaskIn{
			Task:       t.launcher.Task,
			TargetProc: out.TargetProc,
			Machine:    procs,
		})
		if len(rep.ShardProcs) > 1 {
			t.shardProcs = rep.ShardProcs
		}
	}

	ic.recordTraceDecision(t, t.decision)

	return nil
}

// performExecution implements Operation: the task threads through the
// enqueue, distribute, and launch sub-stages, then its body runs on the
// chosen processor.
func (t *taskOp) performExecution(ic *InnerContext) {
	idx := t.base.ContextIndex()

	ic.queues.Add(pipeline.StageEnqueue, idx, func() {
		ic.queues.Add(pipeline.StageDistribute, idx, func() {
			ic.queues.Add(pipeline.StageLaunch, idx, func() {
				t.launch(ic)
			})
		})
	})
}

// launch runs the task body, inline on the parent's stack or on the chosen
// processor's worker. Replicable tasks fan out into a shard group instead.
func (t *taskOp) launch(ic *InnerContext) {
	if len(t.shardProcs) > 1 {
		// The shard bodies occupy processor workers; coordination runs off
		// the meta-task thread so the launch queue keeps draining.
		go t.runReplicated(ic, t.shardProcs)

		return
	}

	if t.inline {
		ic.mu.Lock()
		ic.inlinedTasks++
		ic.mu.Unlock()

		t.runBody(ic)

		ic.mu.Lock()
		ic.inlinedTasks--
		ic.mu.Unlock()

		return
	}

	if err := ic.rt.submitToProc(t.decision.TargetProc, func() {
		t.runBody(ic)
	}); err != nil {
		t.result.Poison()
		ic.completeOp(t, event.OutcomePoisoned)
	}
}

// runBody executes the task function under the context kind its variant
// declares, then finishes the child context and resolves the future.
func (t *taskOp) runBody(ic *InnerContext) {
	start := ic.rt.Uptime()

	childCtx, err := newChildContext(ic, t)
	if err != nil {
		t.result.Poison()
		ic.completeOp(t, event.OutcomePoisoned)

		return
	}

	value, bodyErr := t.variant.fn(t.launchCtx, childCtx, t.args)

	if inner, ok := childCtx.(*InnerContext); ok && inner != ic {
		if finishErr := inner.finish(t.launchCtx, bodyErr); finishErr != nil && bodyErr == nil {
			bodyErr = finishErr
		}
	}

	ic.rt.profileTask(t.launcher.Task, t.decision.TargetProc, start, ic.rt.Uptime())

	if bodyErr != nil {
		ic.logger.Warn("task failed", "task", t.launcher.Task, "uid", t.base.UID(), "err", bodyErr)
		t.result.Poison()
		ic.completeOp(t, event.OutcomePoisoned)

		return
	}

	_ = t.result.Set(value)
	ic.completeOp(t, event.OutcomeTriggered)
}


// poisonResult relays a poison short-circuit into the task's future.
func (t *taskOp) poisonResult() {
	t.result.Poison()
}

// indexTaskOp launches one task per point of a domain.
type indexTaskOp struct {
	opCommon

	launchCtx context.Context
	launcher  IndexTaskLauncher
	record    *TaskRecord
	variant   *taskVariant
	futureMap *future.Map

	slices []mapper.TaskSlice

	// points filters the executed points under control replication; nil
	// means every point.
	points func(region.Point) bool
}

func newIndexTaskOp(ctx context.Context, ic *InnerContext, launcher IndexTaskLauncher) (*indexTaskOp, error) {
	record, variant, err := ic.rt.registry.selectVariant(launcher.Task, nil)
	if err != nil {
		return nil, err
	}

	op := &indexTaskOp{
		launchCtx: ctx,
		launcher:  launcher,
		record:    record,
		variant:   variant,
		futureMap: future.NewMap(ic.rt.graph, launcher.Domain),
	}
	op.init(ic.rt, operation.KindIndexTask, launcher.Requirements, launcher.MapperID, launcher.Tag)

	// Every point future exists up front so consumers can wait on the map
	// before the launch executes.
	launcher.Domain.Points(func(p region.Point) bool {
		op.futureMap.SetPoint(p, future.NewPending(ic.rt.graph, ""))

		return true
	})

	return op, nil
}

// performMapping implements Operation: the launch domain is sliced over the
// valid processors.
func (t *indexTaskOp) performMapping(ic *InnerContext, replay *tracing.Decision) error {
	if replay != nil && replay.TargetProc.ID != 0 {
		// Replay keeps the recorded slicing implicit in the decision; the
		// point bodies still run.
		ic.rt.observeTraceReplayOp()
	}

	kinds := t.variant.desc.procKinds()

	var procs []machine.Processor
	for _, k := range kinds {
		procs = append(procs, ic.rt.machine.ByKind(k)...)
	}

	out, err := ic.rt.mapMgr.SliceTask(mapper.SliceTaskIn{
		Task:       t.launcher.Task,
		Domain:     t.launcher.Domain,
		TargetProc: ic.proc,
		Machine:    procs,
	})
	if err != nil {
		return err
	}

	t.slices = out.Slices

	return nil
}

// performExecution implements Operation: every point body runs on its
// slice's processor; the operation completes when the last point returns.
func (t *indexTaskOp) performExecution(ic *InnerContext) {
	var (
		wg       sync.WaitGroup
		poisoned bool
		mu       sync.Mutex
	)

	for _, slice := range t.slices {
		slice.Domain.Points(func(p region.Point) bool {
			pf, pfErr := t.futureMap.Point(p)
			if pfErr != nil {
				return true
			}

			if t.points != nil && !t.points(p) {
				// Points owned by peer shards resolve locally with no
				// value; their results live on the owning shard.
				_ = pf.Set(nil)

				return true
			}

			var args any
			if t.launcher.PointArgs != nil {
				args = t.launcher.PointArgs(p)
			}

			wg.Add(1)

			point := p
			proc := slice.Proc

			err := ic.rt.submitToProc(proc, func() {
				defer wg.Done()

				leaf := newLeafContext(ic.rt, t.record, proc, ic.depth+1)
				value, bodyErr := t.variant.fn(t.launchCtx, leaf, args)

				if bodyErr != nil {
					ic.logger.Warn("point task failed",
						"task", t.launcher.Task, "point", point.String(), "err", bodyErr)
					pf.Poison()

					mu.Lock()
					poisoned = true
					mu.Unlock()

					return
				}

				_ = pf.Set(value)
			})
			if err != nil {
				wg.Done()
				pf.Poison()

				mu.Lock()
				poisoned = true
				mu.Unlock()
			}

			return true
		})
	}

	// Completion is observed off the launching meta-task so slow points do
	// not stall the queue.
	go func() {
		wg.Wait()

		mu.Lock()
		bad := poisoned
		mu.Unlock()

		if bad {
			ic.completeOp(t, event.OutcomePoisoned)

			return
		}

		ic.completeOp(t, event.OutcomeTriggered)
	}()
}

// poisonResult poisons any point futures already installed.
func (t *indexTaskOp) poisonResult() {
	t.futureMap.Domain().Points(func(p region.Point) bool {
		if pf, err := t.futureMap.Point(p); err == nil {
			pf.Poison()
		}

		return true
	})
}

// copyOp is an explicit region-to-region copy.
type copyOp struct {
	opCommon

	launcher CopyLauncher
}

func newCopyOp(ic *InnerContext, launcher CopyLauncher) *copyOp {
	op := &copyOp{launcher: launcher}
	reqs := append(append([]region.Requirement{}, launcher.Src...), launcher.Dst...)
	op.init(ic.rt, operation.KindCopy, reqs, launcher.MapperID, launcher.Tag)

	return op
}

func (c *copyOp) performMapping(ic *InnerContext, replay *tracing.Decision) error {
	if replay != nil {
		ic.rt.observeTraceReplayOp()

		return nil
	}

	_, err := ic.rt.mapMgr.MapCopy(mapper.MapCopyIn{
		SrcRequirements: c.launcher.Src,
		DstRequirements: c.launcher.Dst,
	})

	return err
}

func (c *copyOp) performExecution(ic *InnerContext) {
	ic.completeOp(c, event.OutcomeTriggered)
}

// indexCopyOp issues one copy per point of a domain.
type indexCopyOp struct {
	opCommon

	launcher IndexCopyLauncher
}

func newIndexCopyOp(ic *InnerContext, launcher IndexCopyLauncher) *indexCopyOp {
	op := &indexCopyOp{launcher: launcher}
	reqs := append(append([]region.Requirement{}, launcher.Copy.Src...), launcher.Copy.Dst...)
	op.init(ic.rt, operation.KindIndexCopy, reqs, launcher.Copy.MapperID, launcher.Copy.Tag)

	return op
}

func (c *indexCopyOp) performMapping(ic *InnerContext, _ *tracing.Decision) error {
	_, err := ic.rt.mapMgr.MapCopy(mapper.MapCopyIn{
		SrcRequirements: c.launcher.Copy.Src,
		DstRequirements: c.launcher.Copy.Dst,
	})

	return err
}

func (c *indexCopyOp) performExecution(ic *InnerContext) {
	ic.completeOp(c, event.OutcomeTriggered)
}

// fillOp fills fields of a region with a value.
type fillOp struct {
	opCommon

	value any
}

func newFillOp(ic *InnerContext, launcher FillLauncher, kind operation.Kind) *fillOp {
	req := launcher.Requirement
	req.Privilege = region.WriteDiscard

	op := &fillOp{value: launcher.Value}
	op.init(ic.rt, kind, []region.Requirement{req}, 0, 0)

	if launcher.Predicate != nil {
		op.pred = &futurePredicate{f: launcher.Predicate}
	}

	return op
}

func (f *fillOp) performExecution(ic *InnerContext) {
	ic.completeOp(f, event.OutcomeTriggered)
}

// discardOp abandons field contents so later readers see undefined data
// without a dependence on prior writers' values.
type discardOp struct {
	opCommon
}

func newDiscardOp(ic *InnerContext, lr region.LogicalRegion, fields region.FieldMask) *discardOp {
	op := &discardOp{}
	op.init(ic.rt, operation.KindDiscard, []region.Requirement{{
		Region:    lr,
		Fields:    fields,
		Privilege: region.WriteDiscard,
	}}, 0, 0)

	return op
}

func (d *discardOp) performExecution(ic *InnerContext) {
	ic.completeOp(d, event.OutcomeTriggered)
}

// inlineOp maps a region directly into the parent task.
type inlineOp struct {
	opCommon

	launcher InlineLauncher
	physical *PhysicalRegion
}

func newInlineOp(ic *InnerContext, launcher InlineLauncher) *inlineOp {
	op := &inlineOp{
		launcher: launcher,
		physical: &PhysicalRegion{
			Region: launcher.Requirement.Region,
			Fields: launcher.Requirement.Fields,
		},
	}
	op.init(ic.rt, operation.KindInline, []region.Requirement{launcher.Requirement},
		launcher.MapperID, launcher.Tag)

	return op
}

func (i *inlineOp) performMapping(ic *InnerContext, replay *tracing.Decision) error {
	if replay != nil {
		i.physical.setInstances(firstInstances(replay))
		ic.rt.observeTraceReplayOp()

		return nil
	}

	out, err := ic.rt.mapMgr.MapInline(mapper.MapInlineIn{Requirement: i.launcher.Requirement})
	if err != nil {
		return err
	}

	i.physical.setInstances(out.ChosenInstances)

	return nil
}

func (i *inlineOp) performExecution(ic *InnerContext) {
	ic.completeOp(i, event.OutcomeTriggered)
}

// firstInstances pulls the first requirement's instances from a replayed
// decision.
func firstInstances(d *tracing.Decision) []mapper.InstanceID {
	if len(d.Instances) == 0 {
		return nil
	}

	return d.Instances[0]
}

// acquireOp restores exclusive coherence on a simultaneously mapped region.
type acquireOp struct {
	opCommon
}

func newAcquireOp(ic *InnerContext, launcher AcquireLauncher) *acquireOp {
	op := &acquireOp{}
	op.init(ic.rt, operation.KindAcquire, []region.Requirement{{
		Region:    launcher.Region,
		Fields:    launcher.Fields,
		Privilege: region.ReadWrite,
	}}, 0, 0)

	return op
}

func (a *acquireOp) performExecution(ic *InnerContext) {
	ic.completeOp(a, event.OutcomeTriggered)
}

// releaseOp relinquishes acquired coherence.
type releaseOp struct {
	opCommon
}

func newReleaseOp(ic *InnerContext, launcher ReleaseLauncher) *releaseOp {
	op := &releaseOp{}
	op.init(ic.rt, operation.KindRelease, []region.Requirement{{
		Region:    launcher.Region,
		Fields:    launcher.Fields,
		Privilege: region.ReadWrite,
	}}, 0, 0)

	return op
}

func (r *releaseOp) performMapping(ic *InnerContext, _ *tracing.Decision) error {
	_, err := ic.rt.mapMgr.MapRelease(mapper.MapReleaseIn{Requirement: r.reqs[0]})

	return err
}

func (r *releaseOp) performExecution(ic *InnerContext) {
	ic.completeOp(r, event.OutcomeTriggered)
}

// attachOp binds an external resource to a region.
type attachOp struct {
	opCommon

	resource string
	physical *PhysicalRegion
}

func newAttachOp(ic *InnerContext, launcher AttachLauncher) *attachOp {
	op := &attachOp{
		resource: launcher.Resource,
		physical: &PhysicalRegion{
			Region: launcher.Requirement.Region,
			Fields: launcher.Requirement.Fields,
		},
	}
	op.init(ic.rt, operation.KindAttach, []region.Requirement{launcher.Requirement}, 0, 0)

	return op
}

func (a *attachOp) performExecution(ic *InnerContext) {
	a.physical.setInstances(nil)
	ic.completeOp(a, event.OutcomeTriggered)
}

// detachOp unbinds an external resource. Unordered detaches are spliced at
// the next safe point.
type detachOp struct {
	opCommon

	physical *PhysicalRegion
	result   *future.Future
}

func newDetachOp(ic *InnerContext, pr *PhysicalRegion) *detachOp {
	op := &detachOp{
		physical: pr,
		result:   future.NewPending(ic.rt.graph, ""),
	}
	op.init(ic.rt, operation.KindDetach, []region.Requirement{{
		Region:    pr.Region,
		Fields:    pr.Fields,
		Privilege: region.ReadWrite,
	}}, 0, 0)

	return op
}

func (d *detachOp) performExecution(ic *InnerContext) {
	if d.physical != nil {
		d.physical.markUnmapped()
	}

	_ = d.result.Set(nil)
	ic.completeOp(d, event.OutcomeTriggered)
}

// poisonResult relays a short-circuit into the detach future.
func (d *detachOp) poisonResult() {
	d.result.Poison()
}

// partitionCompute mutates the forest when a partition operation executes.
type partitionCompute func(forest *region.Forest) error

// partitionOp covers every dependent and pending partitioning operation.
// All of them are creation-like and serialize through the implicit-creation
// slot.
type partitionOp struct {
	opCommon

	part    region.IndexPartition
	compute partitionCompute
}

func newPartitionOp(ic *InnerContext, part region.IndexPartition, req region.Requirement, compute partitionCompute) *partitionOp {
	op := &partitionOp{part: part, compute: compute}

	var reqs []region.Requirement
	if !req.Fields.Empty() || req.Privilege != region.NoAccess {
		reqs = []region.Requirement{req}
	}

	op.init(ic.rt, operation.KindPartition, reqs, 0, 0)
	op.creation = true

	return op
}

func (p *partitionOp) performMapping(ic *InnerContext, _ *tracing.Decision) error {
	if len(p.reqs) == 0 {
		return nil
	}

	_, err := ic.rt.mapMgr.MapPartition(mapper.MapPartitionIn{Requirement: p.reqs[0]})

	return err
}

func (p *partitionOp) performExecution(ic *InnerContext) {
	if p.compute != nil {
		if err := p.compute(ic.rt.forest); err != nil {
			ic.logger.Error("partition computation failed",
				"partition", p.part.ID, "err", err)
			ic.completeOp(p, event.OutcomePoisoned)

			return
		}
	}

	ic.completeOp(p, event.OutcomeTriggered)
}

// closeOp seals a region subtree's state back into the parent context.
type closeOp struct {
	opCommon
}

func newCloseOp(ic *InnerContext, req region.Requirement) *closeOp {
	op := &closeOp{}
	op.init(ic.rt, operation.KindClose, []region.Requirement{req}, 0, 0)

	return op
}

func (c *closeOp) performExecution(ic *InnerContext) {
	ic.completeOp(c, event.OutcomeTriggered)
}

// refinementOp resets a tree's equivalence sets, invalidating cached
// analyses built on the old structure.
type refinementOp struct {
	opCommon

	tree region.TreeID
}

func newRefinementOp(ic *InnerContext, tree region.TreeID) *refinementOp {
	op := &refinementOp{tree: tree}
	op.init(ic.rt, operation.KindRefinement, nil, 0, 0)
	op.creation = true

	return op
}

func (r *refinementOp) performExecution(ic *InnerContext) {
	ic.rt.forest.ResetEquivalenceSets(r.tree)
	ic.traceCache.Invalidate(r.tree)
	ic.completeOp(r, event.OutcomeTriggered)
}

// fenceOp is a one-sided barrier over mapping or execution order.
type fenceOp struct {
	opCommon

	kind   fenceKind
	result *future.Future
}

func newFenceOp(ic *InnerContext, kind fenceKind) *fenceOp {
	op := &fenceOp{
		kind:   kind,
		result: future.NewPending(ic.rt.graph, ""),
	}
	op.init(ic.rt, operation.KindFence, nil, 0, 0)

	return op
}

func (f *fenceOp) fence() fenceKind { return f.kind }

func (f *fenceOp) performExecution(ic *InnerContext) {
	_ = f.result.Set(nil)
	ic.completeOp(f, event.OutcomeTriggered)
}

// poisonResult relays a short-circuit into the fence future.
func (f *fenceOp) poisonResult() {
	f.result.Poison()
}

// frameOp marks the end of one frame; the next frame's operations wait on
// its completion.
type frameOp struct {
	opCommon
}

func newFrameOp(ic *InnerContext) *frameOp {
	op := &frameOp{}
	op.init(ic.rt, operation.KindFrame, nil, 0, 0)

	return op
}

func (f *frameOp) fence() fenceKind { return fenceFrame }

func (f *frameOp) performExecution(ic *InnerContext) {
	ic.completeOp(f, event.OutcomeTriggered)

	ic.mu.Lock()
	ic.frame.pending--

	if ic.frame.waiter != nil {
		ic.frame.waiter.Trigger()
		ic.frame.waiter = nil
	}
	ic.mu.Unlock()
}

// creationMarkOp threads a synchronous handle creation (field allocation)
// through program order so later creation-like operations serialize behind
// it.
type creationMarkOp struct {
	opCommon
}

func newCreationMarkOp(ic *InnerContext, kind operation.Kind) *creationMarkOp {
	op := &creationMarkOp{}
	op.init(ic.rt, kind, nil, 0, 0)
	op.creation = true

	return op
}

func (c *creationMarkOp) performExecution(ic *InnerContext) {
	ic.completeOp(c, event.OutcomeTriggered)
}

// traceMarkOp is the lightweight begin/end/summary marker threaded through
// program order so traces have stable boundaries.
type traceMarkOp struct {
	opCommon
}

func newTraceMarkOp(ic *InnerContext, kind operation.Kind) *traceMarkOp {
	op := &traceMarkOp{}
	op.init(ic.rt, kind, nil, 0, 0)

	return op
}

func (t *traceMarkOp) performExecution(ic *InnerContext) {
	ic.completeOp(t, event.OutcomeTriggered)
}

// timingOp resolves a future with the elapsed time since runtime start.
type timingOp struct {
	opCommon

	kind   TimingKind
	result *future.Future
}

func newTimingOp(ic *InnerContext, kind TimingKind, preconditions []*future.Future) *timingOp {
	op := &timingOp{
		kind:   kind,
		result: future.NewPending(ic.rt.graph, ""),
	}
	op.init(ic.rt, operation.KindTiming, nil, 0, 0)
	op.futures = preconditions

	return op
}

func (t *timingOp) performExecution(ic *InnerContext) {
	elapsed := ic.rt.Uptime()

	var value any

	switch t.kind {
	case TimingMicroseconds:
		value = elapsed.Microseconds()
	case TimingNanoseconds:
		value = elapsed.Nanoseconds()
	default:
		value = elapsed.Seconds()
	}

	_ = t.result.Set(value)
	ic.completeOp(t, event.OutcomeTriggered)
}

// poisonResult relays a short-circuit into the timing future.
func (t *timingOp) poisonResult() {
	t.result.Poison()
}

// tunableOp resolves a future with a mapper-selected tunable value.
type tunableOp struct {
	opCommon

	tunable uint32
	tag     mapper.Tag
	result  *future.Future
}

func newTunableOp(ic *InnerContext, tunable uint32, tag mapper.Tag) *tunableOp {
	op := &tunableOp{
		tunable: tunable,
		tag:     tag,
		result:  future.NewPending(ic.rt.graph, ""),
	}
	op.init(ic.rt, operation.KindTunable, nil, 0, tag)

	return op
}

func (t *tunableOp) performExecution(ic *InnerContext) {
	out := ic.rt.mapMgr.SelectTunableValue(mapper.TunableIn{Tunable: t.tunable, Tag: t.tag})

	_ = t.result.Set(out.Value)
	ic.completeOp(t, event.OutcomeTriggered)
}

// poisonResult relays a short-circuit into the tunable future.
func (t *tunableOp) poisonResult() {
	t.result.Poison()
}

// deletionTarget discriminates what a deletion operation frees.
type deletionTarget struct {
	lr    region.LogicalRegion
	is    region.IndexSpace
	part  region.IndexPartition
	fs    region.FieldSpace
	field region.FieldID
	kind  uint8
}

// Deletion target kinds.
const (
	deleteRegion uint8 = iota
	deleteIndexSpace
	deletePartition
	deleteFieldSpace
	deleteField
)

// deletionOp frees a handle when it executes. A region deletion claims
// write access to the whole tree so analysis orders it after all prior
// users; other deletion kinds carry no requirement and are ordered only by
// fences.
type deletionOp struct {
	opCommon

	target deletionTarget
}

func newDeletionOp(ic *InnerContext, target deletionTarget, guard []region.Requirement) *deletionOp {
	op := &deletionOp{target: target}
	op.init(ic.rt, operation.KindDeletion, guard, 0, 0)

	return op
}

func (d *deletionOp) performExecution(ic *InnerContext) {
	forest := ic.rt.forest

	var err error

	switch d.target.kind {
	case deleteRegion:
		err = forest.DestroyLogicalRegion(d.target.lr)
		ic.traceCache.Invalidate(d.target.lr.Tree)
	case deleteIndexSpace:
		err = forest.DestroyIndexSpace(d.target.is)
	case deletePartition:
		err = forest.DestroyPartition(d.target.part)
	case deleteFieldSpace:
		err = forest.DestroyFieldSpace(d.target.fs)
	case deleteField:
		err = forest.FreeField(d.target.fs, d.target.field)
	}

	if err != nil {
		ic.logger.Warn("deletion failed", "err", err)
		ic.completeOp(d, event.OutcomePoisoned)

		return
	}

	ic.completeOp(d, event.OutcomeTriggered)
}

// mustEpochOp launches tasks that must run concurrently. On a poisoned
// precondition it redrives once before propagating the poison.
type mustEpochOp struct {
	opCommon

	launchCtx context.Context
	launchers []TaskLauncher
	futureMap *future.Map
	procs     []machine.Processor

	redriven bool
	mu       sync.Mutex
}

func newMustEpochOp(ctx context.Context, ic *InnerContext, launchers []TaskLauncher) *mustEpochOp {
	var reqs []region.Requirement
	for _, l := range launchers {
		reqs = append(reqs, l.Requirements...)
	}

	op := &mustEpochOp{
		launchCtx: ctx,
		launchers: launchers,
		futureMap: future.NewMap(ic.rt.graph, region.DomainFromRange(0, int64(len(launchers)-1))),
	}
	op.init(ic.rt, operation.KindMustEpoch, reqs, 0, 0)

	for i := range launchers {
		op.futureMap.SetPoint(region.Pt1(int64(i)), future.NewPending(ic.rt.graph, ""))
	}

	return op
}

// poisonResult poisons every point future on a short-circuit that
// exhausted the redrive.
func (m *mustEpochOp) poisonResult() {
	m.futureMap.Domain().Points(func(p region.Point) bool {
		if pf, err := m.futureMap.Point(p); err == nil {
			pf.Poison()
		}

		return true
	})
}

// redrive grants the one-shot recovery attempt.
func (m *mustEpochOp) redrive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.redriven {
		return false
	}

	m.redriven = true

	return true
}

func (m *mustEpochOp) performMapping(ic *InnerContext, _ *tracing.Decision) error {
	tasks := make([]mapper.TaskID, len(m.launchers))
	for i, l := range m.launchers {
		tasks[i] = l.Task
	}

	out, err := ic.rt.mapMgr.MapMustEpoch(mapper.MapMustEpochIn{Tasks: tasks})
	if err != nil {
		return err
	}

	m.procs = out.Procs

	return nil
}

func (m *mustEpochOp) performExecution(ic *InnerContext) {
	var (
		wg       sync.WaitGroup
		poisoned bool
		mu       sync.Mutex
	)

	for i, launcher := range m.launchers {
		_, variant, err := ic.rt.registry.selectVariant(launcher.Task, nil)
		if err != nil {
			ic.completeOp(m, event.OutcomePoisoned)

			return
		}

		pf, pfErr := m.futureMap.Point(region.Pt1(int64(i)))
		if pfErr != nil {
			continue
		}

		proc := m.procs[i]
		args := launcher.Args
		record, _ := ic.rt.registry.Lookup(launcher.Task)

		wg.Add(1)

		submitErr := ic.rt.submitToProc(proc, func() {
			defer wg.Done()

			leaf := newLeafContext(ic.rt, record, proc, ic.depth+1)

			value, bodyErr := variant.fn(m.launchCtx, leaf, args)
			if bodyErr != nil {
				pf.Poison()

				mu.Lock()
				poisoned = true
				mu.Unlock()

				return
			}

			_ = pf.Set(value)
		})
		if submitErr != nil {
			wg.Done()
			pf.Poison()

			mu.Lock()
			poisoned = true
			mu.Unlock()
		}
	}

	go func() {
		wg.Wait()

		mu.Lock()
		bad := poisoned
		mu.Unlock()

		if bad {
			ic.completeOp(m, event.OutcomePoisoned)

			return
		}

		ic.completeOp(m, event.OutcomeTriggered)
	}()
}

// newChildContext selects the context kind for a child task from its
// variant's declared properties.
func newChildContext(ic *InnerContext, t *taskOp) (Context, error) {
	desc := t.variant.desc

	switch {
	case t.inline && desc.InnerInliner:
		// Inner-like inliners register children into the parent's queues.
		return ic, nil
	case desc.Leaf:
		return newLeafContext(ic.rt, t.record, t.decision.TargetProc, ic.depth+1), nil
	default:
		return newInnerContext(ic.rt, t.record, t.decision.TargetProc, ic.depth+1, t.launcher.Requirements)
	}
}

// ensure the concrete types satisfy the pipeline contract
var (
	_ Operation = (*taskOp)(nil)
	_ Operation = (*indexTaskOp)(nil)
	_ Operation = (*copyOp)(nil)
	_ Operation = (*indexCopyOp)(nil)
	_ Operation = (*fillOp)(nil)
	_ Operation = (*discardOp)(nil)
	_ Operation = (*inlineOp)(nil)
	_ Operation = (*acquireOp)(nil)
	_ Operation = (*releaseOp)(nil)
	_ Operation = (*attachOp)(nil)
	_ Operation = (*detachOp)(nil)
	_ Operation = (*partitionOp)(nil)
	_ Operation = (*closeOp)(nil)
	_ Operation = (*refinementOp)(nil)
	_ Operation = (*fenceOp)(nil)
	_ Operation = (*frameOp)(nil)
	_ Operation = (*traceMarkOp)(nil)
	_ Operation = (*timingOp)(nil)
	_ Operation = (*tunableOp)(nil)
	_ Operation = (*deletionOp)(nil)
	_ Operation = (*mustEpochOp)(nil)
)
