package runtime

import (
	"context"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// LeafContext is the execution context of a leaf-variant task: it rejects
// every operation-creating call with ErrLeafViolation before any side
// effect occurs. It owns no reorder buffer and no pipeline queues. Phase
// barrier management and future production remain available.
type LeafContext struct {
	rt     *Runtime
	uid    uint64
	depth  int
	proc   machine.Processor
	record *TaskRecord
}

// newLeafContext builds the context for one leaf task execution.
func newLeafContext(rt *Runtime, record *TaskRecord, proc machine.Processor, depth int) *LeafContext {
	return &LeafContext{
		rt:     rt,
		uid:    rt.NewUID(),
		depth:  depth,
		proc:   proc,
		record: record,
	}
}

// UID implements Context.
func (lc *LeafContext) UID() uint64 { return lc.uid }

// Depth implements Context.
func (lc *LeafContext) Depth() int { return lc.depth }

// Runtime implements Context.
func (lc *LeafContext) Runtime() *Runtime { return lc.rt }

func (lc *LeafContext) findRuntime() *Runtime { return lc.rt }

// ExecuteTask implements Context.
func (lc *LeafContext) ExecuteTask(context.Context, TaskLauncher) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// ExecuteIndexSpace implements Context.
func (lc *LeafContext) ExecuteIndexSpace(context.Context, IndexTaskLauncher) (*future.Map, error) {
	return nil, ErrLeafViolation
}

// IssueCopy implements Context.
func (lc *LeafContext) IssueCopy(context.Context, CopyLauncher) error { return ErrLeafViolation }

// IssueIndexCopy implements Context.
func (lc *LeafContext) IssueIndexCopy(context.Context, IndexCopyLauncher) error {
	return ErrLeafViolation
}

// IssueFill implements Context.
func (lc *LeafContext) IssueFill(context.Context, FillLauncher) error { return ErrLeafViolation }

// IssueIndexFill implements Context.
func (lc *LeafContext) IssueIndexFill(context.Context, IndexFillLauncher) error {
	return ErrLeafViolation
}

// FillFields implements Context.
func (lc *LeafContext) FillFields(context.Context, region.LogicalRegion, region.FieldMask, any) error {
	return ErrLeafViolation
}

// DiscardFields implements Context.
func (lc *LeafContext) DiscardFields(context.Context, region.LogicalRegion, region.FieldMask) error {
	return ErrLeafViolation
}

// AttachResource implements Context.
func (lc *LeafContext) AttachResource(context.Context, AttachLauncher) (*PhysicalRegion, error) {
	return nil, ErrLeafViolation
}

// DetachResource implements Context.
func (lc *LeafContext) DetachResource(context.Context, *PhysicalRegion, DetachFlags) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// Acquire implements Context.
func (lc *LeafContext) Acquire(context.Context, AcquireLauncher) error { return ErrLeafViolation }

// Release implements Context.
func (lc *LeafContext) Release(context.Context, ReleaseLauncher) error { return ErrLeafViolation }

// MapRegion implements Context.
func (lc *LeafContext) MapRegion(context.Context, InlineLauncher) (*PhysicalRegion, error) {
	return nil, ErrLeafViolation
}

// UnmapRegion implements Context.
func (lc *LeafContext) UnmapRegion(context.Context, *PhysicalRegion) error {
	return ErrLeafViolation
}

// CreateIndexSpace implements Context.
func (lc *LeafContext) CreateIndexSpace(context.Context, region.Domain) (region.IndexSpace, error) {
	return region.IndexSpace{}, ErrLeafViolation
}

// DestroyIndexSpace implements Context.
func (lc *LeafContext) DestroyIndexSpace(context.Context, region.IndexSpace) error {
	return ErrLeafViolation
}

// CreatePartitionByEqual implements Context.
func (lc *LeafContext) CreatePartitionByEqual(context.Context, region.IndexSpace, int) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByWeights implements Context.
func (lc *LeafContext) CreatePartitionByWeights(context.Context, region.IndexSpace, []int) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByUnion implements Context.
func (lc *LeafContext) CreatePartitionByUnion(context.Context, region.IndexSpace, region.IndexPartition, region.IndexPartition) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByIntersection implements Context.
func (lc *LeafContext) CreatePartitionByIntersection(context.Context, region.IndexSpace, region.IndexPartition, region.IndexPartition) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByDifference implements Context.
func (lc *LeafContext) CreatePartitionByDifference(context.Context, region.IndexSpace, region.IndexPartition, region.IndexPartition) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByField implements Context.
func (lc *LeafContext) CreatePartitionByField(context.Context, region.LogicalRegion, region.FieldID, region.Domain, PartitionColorizer) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByImage implements Context.
func (lc *LeafContext) CreatePartitionByImage(context.Context, region.IndexSpace, region.LogicalPartition, region.FieldID, PartitionColorizer) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByImageRange implements Context.
func (lc *LeafContext) CreatePartitionByImageRange(context.Context, region.IndexSpace, region.LogicalPartition, region.FieldID, PartitionColorizer) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByPreimage implements Context.
func (lc *LeafContext) CreatePartitionByPreimage(context.Context, region.IndexPartition, region.LogicalRegion, region.FieldID, PartitionColorizer) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByPreimageRange implements Context.
func (lc *LeafContext) CreatePartitionByPreimageRange(context.Context, region.IndexPartition, region.LogicalRegion, region.FieldID, PartitionColorizer) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByDomain implements Context.
func (lc *LeafContext) CreatePartitionByDomain(context.Context, region.IndexSpace, map[int64]region.Domain, bool) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePartitionByRestricted implements Context.
func (lc *LeafContext) CreatePartitionByRestricted(context.Context, region.IndexSpace, int, []int64, region.Domain) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// CreatePendingPartition implements Context.
func (lc *LeafContext) CreatePendingPartition(context.Context, region.IndexSpace, region.Domain) (region.IndexPartition, error) {
	return region.IndexPartition{}, ErrLeafViolation
}

// DestroyPartition implements Context.
func (lc *LeafContext) DestroyPartition(context.Context, region.IndexPartition) error {
	return ErrLeafViolation
}

// CreateFieldSpace implements Context.
func (lc *LeafContext) CreateFieldSpace(context.Context) (region.FieldSpace, error) {
	return region.FieldSpace{}, ErrLeafViolation
}

// DestroyFieldSpace implements Context.
func (lc *LeafContext) DestroyFieldSpace(context.Context, region.FieldSpace) error {
	return ErrLeafViolation
}

// AllocateField implements Context.
func (lc *LeafContext) AllocateField(context.Context, region.FieldSpace, uint64, region.FieldID) (region.FieldID, error) {
	return 0, ErrLeafViolation
}

// FreeField implements Context.
func (lc *LeafContext) FreeField(context.Context, region.FieldSpace, region.FieldID) error {
	return ErrLeafViolation
}

// CreateLogicalRegion implements Context.
func (lc *LeafContext) CreateLogicalRegion(context.Context, region.IndexSpace, region.FieldSpace) (region.LogicalRegion, error) {
	return region.LogicalRegion{}, ErrLeafViolation
}

// DestroyLogicalRegion implements Context.
func (lc *LeafContext) DestroyLogicalRegion(context.Context, region.LogicalRegion) error {
	return ErrLeafViolation
}

// IssueMappingFence implements Context.
func (lc *LeafContext) IssueMappingFence(context.Context) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// IssueExecutionFence implements Context.
func (lc *LeafContext) IssueExecutionFence(context.Context) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// CompleteFrame implements Context.
func (lc *LeafContext) CompleteFrame(context.Context) error { return ErrLeafViolation }

// BeginTrace implements Context.
func (lc *LeafContext) BeginTrace(context.Context, tracing.ID) error { return ErrLeafViolation }

// EndTrace implements Context.
func (lc *LeafContext) EndTrace(context.Context, tracing.ID) error { return ErrLeafViolation }

// CreatePhaseBarrier implements Context. Barrier management creates no
// child operation, so the leaf contract allows it.
func (lc *LeafContext) CreatePhaseBarrier(arrivals int) (event.PhaseBarrier, error) {
	return lc.rt.graph.NewPhaseBarrier(arrivals), nil
}

// AdvancePhaseBarrier implements Context.
func (lc *LeafContext) AdvancePhaseBarrier(pb event.PhaseBarrier) (event.PhaseBarrier, error) {
	return pb.Advance(), nil
}

// DestroyPhaseBarrier implements Context.
func (lc *LeafContext) DestroyPhaseBarrier(event.PhaseBarrier) error { return nil }

// CreateDynamicCollective implements Context.
func (lc *LeafContext) CreateDynamicCollective(arrivals int, redop event.ReductionOpID, init any) (event.DynamicCollective, error) {
	return lc.rt.graph.NewDynamicCollective(arrivals, redop, init)
}

// ArriveDynamicCollective implements Context.
func (lc *LeafContext) ArriveDynamicCollective(dc event.DynamicCollective, value any) error {
	return dc.ArriveWith(value)
}

// SelectTunableValue implements Context.
func (lc *LeafContext) SelectTunableValue(context.Context, uint32, mapper.Tag) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// IssueTimingMeasurement implements Context.
func (lc *LeafContext) IssueTimingMeasurement(context.Context, TimingKind, ...*future.Future) (*future.Future, error) {
	return nil, ErrLeafViolation
}

// ConstructFutureMap implements Context. Future production is part of the
// leaf contract.
func (lc *LeafContext) ConstructFutureMap(domain region.Domain, futures map[region.Point]*future.Future) (*future.Map, error) {
	return future.Construct(lc.rt.graph, domain, futures), nil
}

// ReduceFutureMap implements Context.
func (lc *LeafContext) ReduceFutureMap(fm *future.Map, redop event.ReductionOpID, init any) (*future.Future, error) {
	return fm.Reduce(redop, init), nil
}

// TransformFutureMap implements Context.
func (lc *LeafContext) TransformFutureMap(fm *future.Map, fn func(region.Point, any) any) (*future.Map, error) {
	return fm.Transform(fn), nil
}

// MustEpoch implements Context.
func (lc *LeafContext) MustEpoch(context.Context, []TaskLauncher) (*future.Map, error) {
	return nil, ErrLeafViolation
}

var _ Context = (*LeafContext)(nil)
