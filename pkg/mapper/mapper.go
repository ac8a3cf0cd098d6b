// Package mapper defines the policy seam between the execution pipeline and
// application mapping policy. The context fills an input struct with what it
// knows, the mapper fills an output struct with what it chose, and the
// manager validates every choice before the pipeline acts on it.
package mapper

import (
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// ID identifies a registered mapper.
type ID uint32

// Tag is an opaque application tag passed through to mapper calls.
type Tag uint64

// TaskID identifies a registered task function.
type TaskID uint32

// VariantID identifies one implementation variant of a task.
type VariantID uint32

// ShardingFunctorID selects a point-to-shard assignment functor.
type ShardingFunctorID uint32

// InstanceID identifies a physical instance chosen for a requirement.
type InstanceID uint64

// TaskOptionsIn is what the context knows when asking for task options.
type TaskOptionsIn struct {
	Task           TaskID
	Tag            Tag
	Parent         machine.Processor
	ValidVariants  []VariantID
	ValidProcKinds []machine.ProcKind
}

// TaskOptionsOut is the mapper's up-front steering for one task.
type TaskOptionsOut struct {
	InitialProc machine.Processor
	Inline      bool
	Replicate   bool
	Memoize     bool
}

// TaskSlice assigns one block of an index launch to a processor.
type TaskSlice struct {
	Domain region.Domain
	Proc   machine.Processor
}

// SliceTaskIn describes an index launch to slice.
type SliceTaskIn struct {
	Task       TaskID
	Domain     region.Domain
	TargetProc machine.Processor
	Machine    []machine.Processor
}

// SliceTaskOut carries the chosen slices. Slices must cover the domain.
type SliceTaskOut struct {
	Slices []TaskSlice
}

// MapTaskIn describes a single task ready to map.
type MapTaskIn struct {
	Task           TaskID
	Tag            Tag
	Requirements   []region.Requirement
	ValidProcKinds []machine.ProcKind
	ValidVariants  []VariantID
	TargetProc     machine.Processor
}

// MapTaskOut carries the mapping decision for one task.
type MapTaskOut struct {
	TargetProc      machine.Processor
	Variant         VariantID
	ChosenInstances [][]InstanceID // one list per requirement
	RequestProfile  bool
}

// ReplicateTaskIn asks whether and where to control-replicate a task.
type ReplicateTaskIn struct {
	Task       TaskID
	TargetProc machine.Processor
	Machine    []machine.Processor
}

// ReplicateTaskOut lists one target processor per shard. Empty means no
// replication.
type ReplicateTaskOut struct {
	ShardProcs []machine.Processor
}

// SelectVariantIn asks for a concrete variant on a chosen processor.
type SelectVariantIn struct {
	Task          TaskID
	Proc          machine.Processor
	ValidVariants []VariantID
}

// SelectVariantOut names the chosen variant.
type SelectVariantOut struct {
	Variant VariantID
}

// PostmapIn lets the mapper request extra instance copies after mapping.
type PostmapIn struct {
	Task         TaskID
	Requirements []region.Requirement
}

// PostmapOut is currently informational only.
type PostmapOut struct{}

// SelectSourcesIn ranks source instances for a copy-out.
type SelectSourcesIn struct {
	Target  InstanceID
	Sources []InstanceID
}

// SelectSourcesOut orders the sources, best first.
type SelectSourcesOut struct {
	Ranking []InstanceID
}

// ProfilingReport carries measured intervals back to the mapper.
type ProfilingReport struct {
	Task         TaskID
	Proc         machine.Processor
	DurationNano int64
}

// SelectShardingIn asks for the functor splitting an index operation across
// shards.
type SelectShardingIn struct {
	Task        TaskID
	Domain      region.Domain
	TotalShards int
}

// SelectShardingOut names the functor. The functor must be deterministic
// across shards.
type SelectShardingOut struct {
	Functor ShardingFunctorID
}

// MapInlineIn describes an inline mapping to place.
type MapInlineIn struct {
	Requirement region.Requirement
}

// MapInlineOut carries the chosen instances for an inline mapping.
type MapInlineOut struct {
	ChosenInstances []InstanceID
}

// MapCopyIn describes an explicit copy to place.
type MapCopyIn struct {
	SrcRequirements []region.Requirement
	DstRequirements []region.Requirement
}

// MapCopyOut carries per-requirement instance choices for a copy.
type MapCopyOut struct {
	SrcInstances [][]InstanceID
	DstInstances [][]InstanceID
}

// MapReleaseIn describes a release to place.
type MapReleaseIn struct {
	Requirement region.Requirement
}

// MapReleaseOut is currently informational only.
type MapReleaseOut struct{}

// MapPartitionIn describes a dependent partitioning operation to place.
type MapPartitionIn struct {
	Requirement region.Requirement
}

// MapPartitionOut carries the instance choices for a partition operation.
type MapPartitionOut struct {
	ChosenInstances []InstanceID
}

// SelectPartitionProjectionIn asks which projection to analyze a partition
// requirement under.
type SelectPartitionProjectionIn struct {
	Requirement region.Requirement
}

// SelectPartitionProjectionOut names the chosen projection.
type SelectPartitionProjectionOut struct {
	Projection region.ProjectionID
}

// ContextConfigIn asks the mapper to configure a new context's pipeline.
type ContextConfigIn struct {
	Task  TaskID
	Proc  machine.Processor
	Total int // total child contexts configured so far
}

// ContextConfig is the mapper-chosen pipeline configuration for a context.
type ContextConfig struct {
	WindowSize           int
	HysteresisPercent    int
	MaxOutstandingFrames int
	MaxTemplatesPerTrace int
	MetaBatchSize        int
}

// TunableIn asks for an application tunable value.
type TunableIn struct {
	Tunable uint32
	Tag     Tag
}

// TunableOut carries the tunable's value.
type TunableOut struct {
	Value any
}

// MemoizeIn asks whether to memoize an operation's mapping inside a trace.
type MemoizeIn struct {
	Trace uint64
}

// MemoizeOut enables or disables memoization for the operation.
type MemoizeOut struct {
	Memoize bool
}

// MapMustEpochIn describes a must-epoch group to co-place.
type MapMustEpochIn struct {
	Tasks []TaskID
}

// MapMustEpochOut assigns one processor per task; all run concurrently.
type MapMustEpochOut struct {
	Procs []machine.Processor
}

// SelectTasksToMapIn lists ready operations by context index.
type SelectTasksToMapIn struct {
	Ready []uint64
}

// SelectTasksToMapOut picks the subset to map now; an empty pick defers all.
type SelectTasksToMapOut struct {
	Map []uint64
}

// StealTargetsIn asks where to send steal requests.
type StealTargetsIn struct {
	Blacklist []machine.Processor
}

// StealTargetsOut lists processors to probe.
type StealTargetsOut struct {
	Targets []machine.Processor
}

// PermitStealIn describes an incoming steal request.
type PermitStealIn struct {
	Thief machine.Processor
}

// PermitStealOut grants or denies the steal.
type PermitStealOut struct {
	Permit bool
}

// Message is an opaque mapper-to-mapper message.
type Message struct {
	From    machine.Processor
	Payload []byte
}

// Mapper is the policy interface the context calls. Every output is
// validated by the Manager; an invalid choice is a MapperViolation.
type Mapper interface {
	Name() string

	SelectTaskOptions(in TaskOptionsIn) TaskOptionsOut
	SliceTask(in SliceTaskIn) SliceTaskOut
	MapTask(in MapTaskIn) MapTaskOut
	ReplicateTask(in ReplicateTaskIn) ReplicateTaskOut
	SelectTaskVariant(in SelectVariantIn) SelectVariantOut
	PostmapTask(in PostmapIn) PostmapOut
	SelectTaskSources(in SelectSourcesIn) SelectSourcesOut
	ReportProfiling(report ProfilingReport)
	SelectShardingFunctor(in SelectShardingIn) SelectShardingOut
	MapInline(in MapInlineIn) MapInlineOut
	SelectInlineSources(in SelectSourcesIn) SelectSourcesOut
	MapCopy(in MapCopyIn) MapCopyOut
	SelectCopySources(in SelectSourcesIn) SelectSourcesOut
	MapRelease(in MapReleaseIn) MapReleaseOut
	SelectReleaseSources(in SelectSourcesIn) SelectSourcesOut
	MapPartition(in MapPartitionIn) MapPartitionOut
	SelectPartitionSources(in SelectSourcesIn) SelectSourcesOut
	SelectPartitionProjection(in SelectPartitionProjectionIn) SelectPartitionProjectionOut
	ConfigureContext(in ContextConfigIn) ContextConfig
	SelectTunableValue(in TunableIn) TunableOut
	MemoizeOperation(in MemoizeIn) MemoizeOut
	MapMustEpoch(in MapMustEpochIn) MapMustEpochOut
	SelectTasksToMap(in SelectTasksToMapIn) SelectTasksToMapOut
	SelectStealTargets(in StealTargetsIn) StealTargetsOut
	PermitStealRequest(in PermitStealIn) PermitStealOut
	HandleMessage(msg Message)
}
