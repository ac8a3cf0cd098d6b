package runtime

import (
	"context"
	"fmt"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// ExecuteTask implements Context.
func (ic *InnerContext) ExecuteTask(ctx context.Context, launcher TaskLauncher) (*future.Future, error) {
	op, err := newTaskOp(ctx, ic, launcher)
	if err != nil {
		return nil, err
	}

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// ExecuteIndexSpace implements Context.
func (ic *InnerContext) ExecuteIndexSpace(ctx context.Context, launcher IndexTaskLauncher) (*future.Map, error) {
	op, err := newIndexTaskOp(ctx, ic, launcher)
	if err != nil {
		return nil, err
	}

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.futureMap, nil
}

// IssueCopy implements Context.
func (ic *InnerContext) IssueCopy(ctx context.Context, launcher CopyLauncher) error {
	return ic.registerNewChild(ctx, newCopyOp(ic, launcher))
}

// IssueIndexCopy implements Context.
func (ic *InnerContext) IssueIndexCopy(ctx context.Context, launcher IndexCopyLauncher) error {
	return ic.registerNewChild(ctx, newIndexCopyOp(ic, launcher))
}

// IssueFill implements Context.
func (ic *InnerContext) IssueFill(ctx context.Context, launcher FillLauncher) error {
	return ic.registerNewChild(ctx, newFillOp(ic, launcher, operation.KindFill))
}

// IssueIndexFill implements Context.
func (ic *InnerContext) IssueIndexFill(ctx context.Context, launcher IndexFillLauncher) error {
	return ic.registerNewChild(ctx, newFillOp(ic, launcher.Fill, operation.KindIndexFill))
}

// FillFields implements Context: the multi-field convenience form of
// IssueFill.
func (ic *InnerContext) FillFields(ctx context.Context, lr region.LogicalRegion, fields region.FieldMask, value any) error {
	return ic.IssueFill(ctx, FillLauncher{
		Requirement: region.Requirement{Region: lr, Fields: fields, Privilege: region.WriteDiscard},
		Value:       value,
	})
}

// DiscardFields implements Context.
func (ic *InnerContext) DiscardFields(ctx context.Context, lr region.LogicalRegion, fields region.FieldMask) error {
	return ic.registerNewChild(ctx, newDiscardOp(ic, lr, fields))
}

// AttachResource implements Context.
func (ic *InnerContext) AttachResource(ctx context.Context, launcher AttachLauncher) (*PhysicalRegion, error) {
	op := newAttachOp(ic, launcher)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.physical, nil
}

// DetachResource implements Context. An unordered detach is spliced into
// program order at the next safe point.
func (ic *InnerContext) DetachResource(ctx context.Context, pr *PhysicalRegion, flags DetachFlags) (*future.Future, error) {
	op := newDetachOp(ic, pr)

	if flags.Unordered {
		ic.AddUnordered(op)

		return op.result, nil
	}

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// Acquire implements Context.
func (ic *InnerContext) Acquire(ctx context.Context, launcher AcquireLauncher) error {
	return ic.registerNewChild(ctx, newAcquireOp(ic, launcher))
}

// Release implements Context.
func (ic *InnerContext) Release(ctx context.Context, launcher ReleaseLauncher) error {
	return ic.registerNewChild(ctx, newReleaseOp(ic, launcher))
}

// MapRegion implements Context.
func (ic *InnerContext) MapRegion(ctx context.Context, launcher InlineLauncher) (*PhysicalRegion, error) {
	op := newInlineOp(ic, launcher)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.physical, nil
}

// UnmapRegion implements Context.
func (ic *InnerContext) UnmapRegion(_ context.Context, pr *PhysicalRegion) error {
	if pr == nil {
		return fmt.Errorf("%w: nil physical region", region.ErrUnknownHandle)
	}

	pr.markUnmapped()

	return nil
}

// CreateIndexSpace implements Context.
func (ic *InnerContext) CreateIndexSpace(_ context.Context, domain region.Domain) (region.IndexSpace, error) {
	is := ic.rt.forest.CreateIndexSpace(domain)

	ic.mu.Lock()
	ic.created.indexSpaces[is.ID] = is
	ic.mu.Unlock()

	return is, nil
}

// DestroyIndexSpace implements Context: the deletion runs as a child
// operation with no region requirement, so only fences order it after
// earlier operations.
func (ic *InnerContext) DestroyIndexSpace(ctx context.Context, is region.IndexSpace) error {
	ic.mu.Lock()
	delete(ic.created.indexSpaces, is.ID)
	ic.mu.Unlock()

	op := newDeletionOp(ic, deletionTarget{kind: deleteIndexSpace, is: is}, nil)

	return ic.registerNewChild(ctx, op)
}

// splitEvenly carves [lo,hi] into count contiguous blocks.
func splitEvenly(lo, hi int64, count int) []region.Domain {
	out := make([]region.Domain, 0, count)
	extent := hi - lo + 1
	base := extent / int64(count)
	rem := extent % int64(count)
	start := lo

	for i := range count {
		size := base
		if int64(i) < rem {
			size++
		}

		if size <= 0 {
			out = append(out, region.Domain{})

			continue
		}

		out = append(out, region.DomainFromRange(start, start+size-1))
		start += size
	}

	return out
}

// registerPartition books a new partition and threads its computation
// through a creation-like partition operation.
func (ic *InnerContext) registerPartition(ctx context.Context, parent region.IndexSpace, colorSpace region.Domain, disjoint bool, req region.Requirement, compute func(region.IndexPartition, *region.Forest) error) (region.IndexPartition, error) {
	part, err := ic.rt.forest.CreatePartition(parent, colorSpace, disjoint)
	if err != nil {
		return region.IndexPartition{}, err
	}

	ic.mu.Lock()
	ic.created.partitions[part.ID] = part
	ic.mu.Unlock()

	var fn partitionCompute
	if compute != nil {
		fn = func(forest *region.Forest) error {
			return compute(part, forest)
		}
	}

	op := newPartitionOp(ic, part, req, fn)
	if err := ic.registerNewChild(ctx, op); err != nil {
		return region.IndexPartition{}, err
	}

	return part, nil
}

// CreatePartitionByEqual implements Context: colors equal contiguous blocks.
func (ic *InnerContext) CreatePartitionByEqual(ctx context.Context, parent region.IndexSpace, colors int) (region.IndexPartition, error) {
	domain, err := ic.rt.forest.IndexSpaceDomain(parent)
	if err != nil {
		return region.IndexPartition{}, err
	}

	colorSpace := region.DomainFromRange(0, int64(colors-1))

	return ic.registerPartition(ctx, parent, colorSpace, true, region.Requirement{},
		func(part region.IndexPartition, forest *region.Forest) error {
			blocks := splitEvenly(domain.Lo.Coords[0], domain.Hi.Coords[0], colors)
			for color, block := range blocks {
				if _, err := forest.SetSubspace(part, int64(color), block); err != nil {
					return err
				}
			}

			return nil
		})
}

// CreatePartitionByWeights implements Context: block sizes proportional to
// the per-color weights.
func (ic *InnerContext) CreatePartitionByWeights(ctx context.Context, parent region.IndexSpace, weights []int) (region.IndexPartition, error) {
	domain, err := ic.rt.forest.IndexSpaceDomain(parent)
	if err != nil {
		return region.IndexPartition{}, err
	}

	colorSpace := region.DomainFromRange(0, int64(len(weights)-1))

	return ic.registerPartition(ctx, parent, colorSpace, true, region.Requirement{},
		func(part region.IndexPartition, forest *region.Forest) error {
			total := 0
			for _, w := range weights {
				total += w
			}

			if total == 0 {
				return nil
			}

			extent := domain.Hi.Coords[0] - domain.Lo.Coords[0] + 1
			start := domain.Lo.Coords[0]

			for color, w := range weights {
				size := extent * int64(w) / int64(total)
				if color == len(weights)-1 {
					size = domain.Hi.Coords[0] - start + 1
				}

				block := region.Domain{}
				if size > 0 {
					block = region.DomainFromRange(start, start+size-1)
				}

				if _, err := forest.SetSubspace(part, int64(color), block); err != nil {
					return err
				}

				start += size
			}

			return nil
		})
}

// setTheoreticPartition builds a partition whose subspaces combine two
// source partitions color by color.
func (ic *InnerContext) setTheoreticPartition(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition, combine func(x, y region.Domain) (region.Domain, bool)) (region.IndexPartition, error) {
	colorSpace, err := ic.rt.forest.PartitionColorSpace(a)
	if err != nil {
		return region.IndexPartition{}, err
	}

	forest := ic.rt.forest

	return ic.registerPartition(ctx, parent, colorSpace, false, region.Requirement{},
		func(part region.IndexPartition, f *region.Forest) error {
			var walkErr error

			colorSpace.Points(func(p region.Point) bool {
				color := p.Coords[0]

				subA, errA := forest.Subspace(a, color)
				if errA != nil {
					walkErr = errA

					return false
				}

				subB, errB := forest.Subspace(b, color)
				if errB != nil {
					walkErr = errB

					return false
				}

				domA, _ := forest.IndexSpaceDomain(subA)
				domB, _ := forest.IndexSpaceDomain(subB)

				combined, ok := combine(domA, domB)
				if !ok {
					combined = region.Domain{}
				}

				if _, err := f.SetSubspace(part, color, combined); err != nil {
					walkErr = err

					return false
				}

				return true
			})

			return walkErr
		})
}

// unionDomains returns the bounding box of two domains.
func unionDomains(x, y region.Domain) (region.Domain, bool) {
	if x.Empty() {
		return y, true
	}

	if y.Empty() {
		return x, true
	}

	out := x
	for d := range x.Lo.Dim {
		if y.Lo.Coords[d] < out.Lo.Coords[d] {
			out.Lo.Coords[d] = y.Lo.Coords[d]
		}

		if y.Hi.Coords[d] > out.Hi.Coords[d] {
			out.Hi.Coords[d] = y.Hi.Coords[d]
		}
	}

	return out, true
}

// intersectDomains returns the exact rectangle intersection.
func intersectDomains(x, y region.Domain) (region.Domain, bool) {
	if !x.Overlaps(y) {
		return region.Domain{}, false
	}

	out := x
	for d := range x.Lo.Dim {
		if y.Lo.Coords[d] > out.Lo.Coords[d] {
			out.Lo.Coords[d] = y.Lo.Coords[d]
		}

		if y.Hi.Coords[d] < out.Hi.Coords[d] {
			out.Hi.Coords[d] = y.Hi.Coords[d]
		}
	}

	return out, true
}

// differenceDomains conservatively keeps the left domain when anything
// survives subtraction.
func differenceDomains(x, y region.Domain) (region.Domain, bool) {
	if x.Empty() {
		return region.Domain{}, false
	}

	if !x.Overlaps(y) {
		return x, true
	}

	if y.Lo.Coords[0] <= x.Lo.Coords[0] && y.Hi.Coords[0] >= x.Hi.Coords[0] && x.Lo.Dim == 1 {
		return region.Domain{}, false
	}

	return x, true
}

// CreatePartitionByUnion implements Context.
func (ic *InnerContext) CreatePartitionByUnion(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error) {
	return ic.setTheoreticPartition(ctx, parent, a, b, unionDomains)
}

// CreatePartitionByIntersection implements Context.
func (ic *InnerContext) CreatePartitionByIntersection(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error) {
	return ic.setTheoreticPartition(ctx, parent, a, b, intersectDomains)
}

// CreatePartitionByDifference implements Context.
func (ic *InnerContext) CreatePartitionByDifference(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error) {
	return ic.setTheoreticPartition(ctx, parent, a, b, differenceDomains)
}

// dependentPartition is the shared path for data-dependent partitioning:
// the colorizer computes each subspace when the operation executes, ordered
// after every prior writer of the driving field.
func (ic *InnerContext) dependentPartition(ctx context.Context, parent region.IndexSpace, colorSpace region.Domain, req region.Requirement, colorize PartitionColorizer) (region.IndexPartition, error) {
	return ic.registerPartition(ctx, parent, colorSpace, false, req,
		func(part region.IndexPartition, forest *region.Forest) error {
			var walkErr error

			colorSpace.Points(func(p region.Point) bool {
				var sub region.Domain
				if colorize != nil {
					sub = colorize(p)
				}

				if _, err := forest.SetSubspace(part, p.Coords[0], sub); err != nil {
					walkErr = err

					return false
				}

				return true
			})

			return walkErr
		})
}

// CreatePartitionByField implements Context.
func (ic *InnerContext) CreatePartitionByField(ctx context.Context, lr region.LogicalRegion, field region.FieldID, colorSpace region.Domain, colorize PartitionColorizer) (region.IndexPartition, error) {
	req := region.Requirement{
		Region:    lr,
		Fields:    region.Fields(field),
		Privilege: region.ReadOnly,
	}

	return ic.dependentPartition(ctx, lr.IndexSpace, colorSpace, req, colorize)
}

// CreatePartitionByImage implements Context.
func (ic *InnerContext) CreatePartitionByImage(ctx context.Context, target region.IndexSpace, source region.LogicalPartition, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error) {
	colorSpace, err := ic.rt.forest.PartitionColorSpace(region.IndexPartition{ID: source.Partition})
	if err != nil {
		return region.IndexPartition{}, err
	}

	req := region.Requirement{
		Partition: source,
		Fields:    region.Fields(field),
		Privilege: region.ReadOnly,
	}

	return ic.dependentPartition(ctx, target, colorSpace, req, colorize)
}

// CreatePartitionByImageRange implements Context.
func (ic *InnerContext) CreatePartitionByImageRange(ctx context.Context, target region.IndexSpace, source region.LogicalPartition, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error) {
	return ic.CreatePartitionByImage(ctx, target, source, field, colorize)
}

// CreatePartitionByPreimage implements Context.
func (ic *InnerContext) CreatePartitionByPreimage(ctx context.Context, projection region.IndexPartition, lr region.LogicalRegion, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error) {
	colorSpace, err := ic.rt.forest.PartitionColorSpace(projection)
	if err != nil {
		return region.IndexPartition{}, err
	}

	req := region.Requirement{
		Region:    lr,
		Fields:    region.Fields(field),
		Privilege: region.ReadOnly,
	}

	return ic.dependentPartition(ctx, lr.IndexSpace, colorSpace, req, colorize)
}

// CreatePartitionByPreimageRange implements Context.
func (ic *InnerContext) CreatePartitionByPreimageRange(ctx context.Context, projection region.IndexPartition, lr region.LogicalRegion, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error) {
	return ic.CreatePartitionByPreimage(ctx, projection, lr, field, colorize)
}

// CreatePartitionByDomain implements Context: explicit per-color domains.
func (ic *InnerContext) CreatePartitionByDomain(ctx context.Context, parent region.IndexSpace, domains map[int64]region.Domain, disjoint bool) (region.IndexPartition, error) {
	maxColor := int64(0)
	for color := range domains {
		if color > maxColor {
			maxColor = color
		}
	}

	colorSpace := region.DomainFromRange(0, maxColor)

	return ic.registerPartition(ctx, parent, colorSpace, disjoint, region.Requirement{},
		func(part region.IndexPartition, forest *region.Forest) error {
			for color, dom := range domains {
				if _, err := forest.SetSubspace(part, color, dom); err != nil {
					return err
				}
			}

			return nil
		})
}

// CreatePartitionByRestricted implements Context: each color's subspace is
// the extent rectangle translated by the transform.
func (ic *InnerContext) CreatePartitionByRestricted(ctx context.Context, parent region.IndexSpace, colors int, transform []int64, extent region.Domain) (region.IndexPartition, error) {
	colorSpace := region.DomainFromRange(0, int64(colors-1))

	stride := int64(1)
	if len(transform) > 0 {
		stride = transform[0]
	}

	return ic.registerPartition(ctx, parent, colorSpace, true, region.Requirement{},
		func(part region.IndexPartition, forest *region.Forest) error {
			for color := range colors {
				offset := int64(color) * stride
				sub := extent
				sub.Lo.Coords[0] += offset
				sub.Hi.Coords[0] += offset

				if _, err := forest.SetSubspace(part, int64(color), sub); err != nil {
					return err
				}
			}

			return nil
		})
}

// CreatePendingPartition implements Context: subspaces are supplied later
// by set-operation calls; until then every color is empty.
func (ic *InnerContext) CreatePendingPartition(ctx context.Context, parent region.IndexSpace, colorSpace region.Domain) (region.IndexPartition, error) {
	return ic.registerPartition(ctx, parent, colorSpace, false, region.Requirement{}, nil)
}

// DestroyPartition implements Context.
func (ic *InnerContext) DestroyPartition(ctx context.Context, part region.IndexPartition) error {
	ic.mu.Lock()
	delete(ic.created.partitions, part.ID)
	ic.mu.Unlock()

	op := newDeletionOp(ic, deletionTarget{kind: deletePartition, part: part}, nil)

	return ic.registerNewChild(ctx, op)
}

// CreateFieldSpace implements Context.
func (ic *InnerContext) CreateFieldSpace(_ context.Context) (region.FieldSpace, error) {
	fs := ic.rt.forest.CreateFieldSpace()

	ic.mu.Lock()
	ic.created.fieldSpaces[fs.ID] = fs
	ic.mu.Unlock()

	return fs, nil
}

// DestroyFieldSpace implements Context.
func (ic *InnerContext) DestroyFieldSpace(ctx context.Context, fs region.FieldSpace) error {
	ic.mu.Lock()
	delete(ic.created.fieldSpaces, fs.ID)
	ic.mu.Unlock()

	op := newDeletionOp(ic, deletionTarget{kind: deleteFieldSpace, fs: fs}, nil)

	return ic.registerNewChild(ctx, op)
}

// AllocateField implements Context. Field allocation is creation-like: it
// serializes through the implicit-creation slot so partition-relative
// ordering is preserved.
func (ic *InnerContext) AllocateField(ctx context.Context, fs region.FieldSpace, sizeBytes uint64, wanted region.FieldID) (region.FieldID, error) {
	id, err := ic.rt.forest.AllocateField(fs, sizeBytes, wanted)
	if err != nil {
		return 0, err
	}

	ic.mu.Lock()
	ic.created.fields[fieldKey{space: fs.ID, field: id}] = struct{}{}
	ic.mu.Unlock()

	// The allocation itself happened above; the marker records program
	// order so later creation-like operations serialize behind it.
	op := newCreationMarkOp(ic, operation.KindRefinement)
	if err := ic.registerNewChild(ctx, op); err != nil {
		return 0, err
	}

	return id, nil
}

// FreeField implements Context.
func (ic *InnerContext) FreeField(ctx context.Context, fs region.FieldSpace, id region.FieldID) error {
	ic.mu.Lock()
	delete(ic.created.fields, fieldKey{space: fs.ID, field: id})
	ic.mu.Unlock()

	op := newDeletionOp(ic, deletionTarget{kind: deleteField, fs: fs, field: id}, nil)

	return ic.registerNewChild(ctx, op)
}

// CreateLogicalRegion implements Context.
func (ic *InnerContext) CreateLogicalRegion(_ context.Context, is region.IndexSpace, fs region.FieldSpace) (region.LogicalRegion, error) {
	lr, err := ic.rt.forest.CreateLogicalRegion(is, fs)
	if err != nil {
		return region.LogicalRegion{}, err
	}

	ic.mu.Lock()
	ic.created.regions[lr.Tree] = lr
	ic.mu.Unlock()

	return lr, nil
}

// DestroyLogicalRegion implements Context: the deletion claims write access
// to the whole tree so it orders after every in-flight user.
func (ic *InnerContext) DestroyLogicalRegion(ctx context.Context, lr region.LogicalRegion) error {
	ic.mu.Lock()
	delete(ic.created.regions, lr.Tree)
	ic.mu.Unlock()

	guard := []region.Requirement{{
		Region:    lr,
		Fields:    allFieldsMask(),
		Privilege: region.ReadWrite,
	}}

	op := newDeletionOp(ic, deletionTarget{kind: deleteRegion, lr: lr}, guard)

	return ic.registerNewChild(ctx, op)
}

// allFieldsMask returns a mask covering every possible field id.
func allFieldsMask() region.FieldMask {
	var m region.FieldMask
	for id := region.FieldID(0); id < region.MaxFieldsPerSpace; id++ {
		m.Set(id)
	}

	return m
}

// IssueMappingFence implements Context. The future resolves when the fence
// has mapped.
func (ic *InnerContext) IssueMappingFence(ctx context.Context) (*future.Future, error) {
	op := newFenceOp(ic, fenceMapping)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// IssueExecutionFence implements Context. The future resolves when every
// prior operation has completed.
func (ic *InnerContext) IssueExecutionFence(ctx context.Context) (*future.Future, error) {
	op := newFenceOp(ic, fenceExecution)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// CompleteFrame implements Context: it marks the end of the current frame
// and blocks while the configured number of frames is still outstanding.
func (ic *InnerContext) CompleteFrame(ctx context.Context) error {
	ic.mu.Lock()

	for ic.frame.pending >= ic.cfg.MaxOutstandingFrames {
		if ic.frame.waiter == nil {
			ue := ic.rt.graph.NewUserEvent()
			ic.frame.waiter = &ue
		}

		waiter := ic.frame.waiter.Event
		ic.mu.Unlock()

		if _, err := waiter.Wait(ctx); err != nil {
			return err
		}

		ic.mu.Lock()
	}

	ic.frame.pending++
	ic.mu.Unlock()

	return ic.registerNewChild(ctx, newFrameOp(ic))
}

// BeginTrace implements Context: it opens a trace session, replaying a
// cached template when one matches the current region-tree state.
func (ic *InnerContext) BeginTrace(ctx context.Context, id tracing.ID) error {
	ic.mu.Lock()

	if ic.trace != nil {
		ic.mu.Unlock()

		return fmt.Errorf("%w: trace %d already active", ErrTraceMismatch, id)
	}

	session := &traceSession{id: id}

	if tpl := ic.traceCache.FindReplayable(id, ic.rt.forest); tpl != nil {
		session.template = tpl
	} else {
		session.recording = tracing.NewRecording(id, ic.rt.forest)
	}

	ic.trace = session
	ic.mu.Unlock()

	return ic.registerNewChild(ctx, newTraceMarkOp(ic, operation.KindTraceBegin))
}

// EndTrace implements Context: it seals a capture into the template cache,
// or finishes a replay with a summary marker.
func (ic *InnerContext) EndTrace(ctx context.Context, id tracing.ID) error {
	ic.mu.Lock()

	session := ic.trace
	if session == nil || session.id != id {
		ic.mu.Unlock()

		return fmt.Errorf("%w: end_trace(%d) without matching begin", ErrTraceMismatch, id)
	}

	ic.trace = nil

	install := session.recording != nil && !session.aborted
	replayed := session.template != nil && !session.aborted
	ic.mu.Unlock()

	// The end marker participates in program order before the template is
	// sealed so the capture excludes it.
	endKind := operation.KindTraceEnd
	if replayed {
		endKind = operation.KindTraceSummary
	}

	if err := ic.registerNewChild(ctx, newTraceMarkOp(ic, endKind)); err != nil {
		return err
	}

	if install {
		// Seal only after every traced operation has mapped so the
		// memoized decisions are complete.
		mapped := make([]*event.Event, len(session.liveOps))
		for i, traced := range session.liveOps {
			mapped[i] = traced.Base().MappedEvent()
		}

		if _, err := ic.rt.graph.Merge(mapped...).Wait(ctx); err != nil {
			return err
		}

		ic.traceCache.Install(id, session.recording.Finish())
		ic.rt.observeTraceCapture()
	}

	return nil
}

// CreatePhaseBarrier implements Context.
func (ic *InnerContext) CreatePhaseBarrier(arrivals int) (event.PhaseBarrier, error) {
	pb := ic.rt.graph.NewPhaseBarrier(arrivals)

	ic.mu.Lock()
	ic.created.barriers[pb.Name()] = pb
	ic.mu.Unlock()

	return pb, nil
}

// AdvancePhaseBarrier implements Context.
func (ic *InnerContext) AdvancePhaseBarrier(pb event.PhaseBarrier) (event.PhaseBarrier, error) {
	return pb.Advance(), nil
}

// DestroyPhaseBarrier implements Context.
func (ic *InnerContext) DestroyPhaseBarrier(pb event.PhaseBarrier) error {
	ic.mu.Lock()
	delete(ic.created.barriers, pb.Name())
	ic.mu.Unlock()

	return nil
}

// CreateDynamicCollective implements Context.
func (ic *InnerContext) CreateDynamicCollective(arrivals int, redop event.ReductionOpID, init any) (event.DynamicCollective, error) {
	return ic.rt.graph.NewDynamicCollective(arrivals, redop, init)
}

// ArriveDynamicCollective implements Context.
func (ic *InnerContext) ArriveDynamicCollective(dc event.DynamicCollective, value any) error {
	return dc.ArriveWith(value)
}

// SelectTunableValue implements Context: the mapper picks the value; the
// future resolves when the operation executes.
func (ic *InnerContext) SelectTunableValue(ctx context.Context, tunable uint32, tag mapper.Tag) (*future.Future, error) {
	op := newTunableOp(ic, tunable, tag)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// IssueTimingMeasurement implements Context.
func (ic *InnerContext) IssueTimingMeasurement(ctx context.Context, kind TimingKind, preconditions ...*future.Future) (*future.Future, error) {
	op := newTimingOp(ic, kind, preconditions)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.result, nil
}

// ConstructFutureMap implements Context.
func (ic *InnerContext) ConstructFutureMap(domain region.Domain, futures map[region.Point]*future.Future) (*future.Map, error) {
	return future.Construct(ic.rt.graph, domain, futures), nil
}

// ReduceFutureMap implements Context.
func (ic *InnerContext) ReduceFutureMap(fm *future.Map, redop event.ReductionOpID, init any) (*future.Future, error) {
	return fm.Reduce(redop, init), nil
}

// TransformFutureMap implements Context.
func (ic *InnerContext) TransformFutureMap(fm *future.Map, fn func(region.Point, any) any) (*future.Map, error) {
	return fm.Transform(fn), nil
}

// MustEpoch implements Context.
func (ic *InnerContext) MustEpoch(ctx context.Context, launchers []TaskLauncher) (*future.Map, error) {
	op := newMustEpochOp(ctx, ic, launchers)

	if err := ic.registerNewChild(ctx, op); err != nil {
		return nil, err
	}

	return op.futureMap, nil
}

var _ Context = (*InnerContext)(nil)
