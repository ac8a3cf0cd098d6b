// Package runtime implements the execution context and operation pipeline:
// the per-task object that accepts child operations, performs logical
// dependence analysis against the parent's region tree, stages each
// operation through the mapping/execution/completion/commit pipeline,
// enforces a window of outstanding work, steers placement through a mapper,
// and coordinates peer contexts under control replication.
package runtime

import (
	"context"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/tracing"
)

// TaskFunc is a registered task body. tc is the task's execution context;
// args carries the launcher's argument value. The returned value resolves
// the task's future.
type TaskFunc func(ctx context.Context, tc Context, args any) (any, error)

// TimingKind selects the unit of a timing measurement.
type TimingKind uint8

// Timing measurement units.
const (
	TimingSeconds TimingKind = iota
	TimingMicroseconds
	TimingNanoseconds
)

// TaskLauncher describes one child task launch.
type TaskLauncher struct {
	Task         mapper.TaskID
	Args         any
	Requirements []region.Requirement
	MapperID     mapper.ID
	Tag          mapper.Tag

	// Predicate gates the launch: a false resolution turns the task into a
	// no-op resolved through the resolution stage.
	Predicate *future.Future

	// Futures are application-specified preconditions merged into the
	// task's precondition event.
	Futures []*future.Future
}

// IndexTaskLauncher describes an index-space launch over a point domain.
type IndexTaskLauncher struct {
	Task         mapper.TaskID
	Domain       region.Domain
	Requirements []region.Requirement
	MapperID     mapper.ID
	Tag          mapper.Tag

	// PointArgs derives each point task's argument.
	PointArgs func(region.Point) any

	// Sharding overrides the mapper's sharding functor under replication.
	Sharding uint32
}

// CopyLauncher describes an explicit region-to-region copy.
type CopyLauncher struct {
	Src      []region.Requirement
	Dst      []region.Requirement
	MapperID mapper.ID
	Tag      mapper.Tag
}

// IndexCopyLauncher describes a copy per point of a domain.
type IndexCopyLauncher struct {
	Domain region.Domain
	Copy   CopyLauncher
}

// FillLauncher describes a fill of fields with a value.
type FillLauncher struct {
	Requirement region.Requirement
	Value       any
	Predicate   *future.Future
}

// IndexFillLauncher describes a fill per point of a domain.
type IndexFillLauncher struct {
	Domain region.Domain
	Fill   FillLauncher
}

// InlineLauncher describes an inline mapping of a region into the parent.
type InlineLauncher struct {
	Requirement region.Requirement
	MapperID    mapper.ID
	Tag         mapper.Tag
}

// AcquireLauncher restores exclusive coherence on a simultaneous region.
type AcquireLauncher struct {
	Region region.LogicalRegion
	Fields region.FieldMask
}

// ReleaseLauncher relinquishes coherence acquired earlier.
type ReleaseLauncher struct {
	Region region.LogicalRegion
	Fields region.FieldMask
}

// AttachLauncher binds an external resource to a region.
type AttachLauncher struct {
	Requirement region.Requirement

	// Resource names the external allocation (file path, array name).
	Resource string
}

// DetachFlags modify a detach.
type DetachFlags struct {
	// Unordered inserts the detach at the next safe point instead of the
	// caller's program position.
	Unordered bool
}

// PhysicalRegion is the application handle to a mapped region.
type PhysicalRegion struct {
	Region region.LogicalRegion
	Fields region.FieldMask

	mu        sync.Mutex
	instances []mapper.InstanceID
	mapped    bool
}

// Valid reports whether the mapping is still live.
func (pr *PhysicalRegion) Valid() bool {
	if pr == nil {
		return false
	}

	pr.mu.Lock()
	defer pr.mu.Unlock()

	return pr.mapped
}

// Instances returns the physical instances chosen by the mapper, empty
// until mapping completes.
func (pr *PhysicalRegion) Instances() []mapper.InstanceID {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	return pr.instances
}

// setInstances installs the mapping result.
func (pr *PhysicalRegion) setInstances(insts []mapper.InstanceID) {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.instances = insts
	pr.mapped = true
}

// markUnmapped invalidates the handle on unmap or detach.
func (pr *PhysicalRegion) markUnmapped() {
	pr.mu.Lock()
	defer pr.mu.Unlock()

	pr.mapped = false
}

// PartitionColorizer computes the subspace domain per color for
// data-dependent partitioning operations (by-field, image, preimage). The
// runtime invokes it when the partition operation executes; passing nil
// yields empty subspaces that the application refines later.
type PartitionColorizer func(color region.Point) region.Domain

// Context is the interface one live task execution presents to its body:
// the full operation-registration surface plus the introspection hooks the
// pipeline exposes. LeafContext rejects every operation-creating call with
// ErrLeafViolation before any side effect.
type Context interface {
	// Identity and structure.
	UID() uint64
	Depth() int
	Runtime() *Runtime

	// Child operations.
	ExecuteTask(ctx context.Context, launcher TaskLauncher) (*future.Future, error)
	ExecuteIndexSpace(ctx context.Context, launcher IndexTaskLauncher) (*future.Map, error)
	IssueCopy(ctx context.Context, launcher CopyLauncher) error
	IssueIndexCopy(ctx context.Context, launcher IndexCopyLauncher) error
	IssueFill(ctx context.Context, launcher FillLauncher) error
	IssueIndexFill(ctx context.Context, launcher IndexFillLauncher) error
	FillFields(ctx context.Context, lr region.LogicalRegion, fields region.FieldMask, value any) error
	DiscardFields(ctx context.Context, lr region.LogicalRegion, fields region.FieldMask) error
	AttachResource(ctx context.Context, launcher AttachLauncher) (*PhysicalRegion, error)
	DetachResource(ctx context.Context, pr *PhysicalRegion, flags DetachFlags) (*future.Future, error)
	Acquire(ctx context.Context, launcher AcquireLauncher) error
	Release(ctx context.Context, launcher ReleaseLauncher) error
	MapRegion(ctx context.Context, launcher InlineLauncher) (*PhysicalRegion, error)
	UnmapRegion(ctx context.Context, pr *PhysicalRegion) error

	// Index-space and partition management.
	CreateIndexSpace(ctx context.Context, domain region.Domain) (region.IndexSpace, error)
	DestroyIndexSpace(ctx context.Context, is region.IndexSpace) error
	CreatePartitionByEqual(ctx context.Context, parent region.IndexSpace, colors int) (region.IndexPartition, error)
	CreatePartitionByWeights(ctx context.Context, parent region.IndexSpace, weights []int) (region.IndexPartition, error)
	CreatePartitionByUnion(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error)
	CreatePartitionByIntersection(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error)
	CreatePartitionByDifference(ctx context.Context, parent region.IndexSpace, a, b region.IndexPartition) (region.IndexPartition, error)
	CreatePartitionByField(ctx context.Context, lr region.LogicalRegion, field region.FieldID, colorSpace region.Domain, colorize PartitionColorizer) (region.IndexPartition, error)
	CreatePartitionByImage(ctx context.Context, target region.IndexSpace, source region.LogicalPartition, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error)
	CreatePartitionByImageRange(ctx context.Context, target region.IndexSpace, source region.LogicalPartition, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error)
	CreatePartitionByPreimage(ctx context.Context, projection region.IndexPartition, lr region.LogicalRegion, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error)
	CreatePartitionByPreimageRange(ctx context.Context, projection region.IndexPartition, lr region.LogicalRegion, field region.FieldID, colorize PartitionColorizer) (region.IndexPartition, error)
	CreatePartitionByDomain(ctx context.Context, parent region.IndexSpace, domains map[int64]region.Domain, disjoint bool) (region.IndexPartition, error)
	CreatePartitionByRestricted(ctx context.Context, parent region.IndexSpace, colors int, transform []int64, extent region.Domain) (region.IndexPartition, error)
	CreatePendingPartition(ctx context.Context, parent region.IndexSpace, colorSpace region.Domain) (region.IndexPartition, error)
	DestroyPartition(ctx context.Context, part region.IndexPartition) error

	// Field and region management.
	CreateFieldSpace(ctx context.Context) (region.FieldSpace, error)
	DestroyFieldSpace(ctx context.Context, fs region.FieldSpace) error
	AllocateField(ctx context.Context, fs region.FieldSpace, sizeBytes uint64, wanted region.FieldID) (region.FieldID, error)
	FreeField(ctx context.Context, fs region.FieldSpace, id region.FieldID) error
	CreateLogicalRegion(ctx context.Context, is region.IndexSpace, fs region.FieldSpace) (region.LogicalRegion, error)
	DestroyLogicalRegion(ctx context.Context, lr region.LogicalRegion) error

	// Ordering.
	IssueMappingFence(ctx context.Context) (*future.Future, error)
	IssueExecutionFence(ctx context.Context) (*future.Future, error)
	CompleteFrame(ctx context.Context) error
	BeginTrace(ctx context.Context, id tracing.ID) error
	EndTrace(ctx context.Context, id tracing.ID) error

	// Synchronization primitives.
	CreatePhaseBarrier(arrivals int) (event.PhaseBarrier, error)
	AdvancePhaseBarrier(pb event.PhaseBarrier) (event.PhaseBarrier, error)
	DestroyPhaseBarrier(pb event.PhaseBarrier) error
	CreateDynamicCollective(arrivals int, redop event.ReductionOpID, init any) (event.DynamicCollective, error)
	ArriveDynamicCollective(dc event.DynamicCollective, value any) error

	// Deferred values.
	SelectTunableValue(ctx context.Context, tunable uint32, tag mapper.Tag) (*future.Future, error)
	IssueTimingMeasurement(ctx context.Context, kind TimingKind, preconditions ...*future.Future) (*future.Future, error)
	ConstructFutureMap(domain region.Domain, futures map[region.Point]*future.Future) (*future.Map, error)
	ReduceFutureMap(fm *future.Map, redop event.ReductionOpID, init any) (*future.Future, error)
	TransformFutureMap(fm *future.Map, fn func(region.Point, any) any) (*future.Map, error)

	// MustEpoch launches a set of tasks that must run concurrently.
	MustEpoch(ctx context.Context, launchers []TaskLauncher) (*future.Map, error)

	// internal pipeline hooks
	findRuntime() *Runtime
}
