package mapper

import (
	"sync/atomic"

	"github.com/phalanx-rt/phalanx/pkg/machine"
)

// Default pipeline configuration handed out by the default mapper.
const (
	// DefaultWindowSize caps the unretired children of a context.
	DefaultWindowSize = 1024

	// DefaultHysteresisPercent is how far below the window the unretired
	// count must drop before a blocked registration wakes.
	DefaultHysteresisPercent = 25

	// DefaultMaxOutstandingFrames caps in-flight frames when frames replace
	// the window.
	DefaultMaxOutstandingFrames = 2

	// DefaultMaxTemplatesPerTrace caps cached templates per trace id.
	DefaultMaxTemplatesPerTrace = 16
)

// DefaultMapper is the stock policy: round-robin placement over the valid
// processors, first valid variant, memoization on.
type DefaultMapper struct {
	machine *machine.Machine
	rr      atomic.Uint64
}

// NewDefault creates the stock mapper for a machine.
func NewDefault(m *machine.Machine) *DefaultMapper {
	return &DefaultMapper{machine: m}
}

// Name implements Mapper.
func (d *DefaultMapper) Name() string { return "default" }

// pick round-robins over the processors of the first valid kind.
func (d *DefaultMapper) pick(kinds []machine.ProcKind) machine.Processor {
	for _, kind := range kinds {
		procs := d.machine.ByKind(kind)
		if len(procs) == 0 {
			continue
		}

		return procs[d.rr.Add(1)%uint64(len(procs))]
	}

	// No processor of a valid kind: fall back to CPU 0 territory and let
	// validation report the violation.
	procs := d.machine.Processors()
	if len(procs) == 0 {
		return machine.Processor{}
	}

	return procs[0]
}

// SelectTaskOptions implements Mapper.
func (d *DefaultMapper) SelectTaskOptions(in TaskOptionsIn) TaskOptionsOut {
	return TaskOptionsOut{
		InitialProc: d.pick(in.ValidProcKinds),
		Memoize:     true,
	}
}

// SliceTask implements Mapper: one slice per target processor, blocked
// evenly over the launch domain's leading dimension.
func (d *DefaultMapper) SliceTask(in SliceTaskIn) SliceTaskOut {
	procs := in.Machine
	if len(procs) == 0 {
		procs = []machine.Processor{in.TargetProc}
	}

	volume := in.Domain.Volume()
	if volume == 0 {
		return SliceTaskOut{}
	}

	slices := make([]TaskSlice, 0, len(procs))
	lo := in.Domain.Lo.Coords[0]
	hi := in.Domain.Hi.Coords[0]
	extent := hi - lo + 1
	per := extent / int64(len(procs))

	if per == 0 {
		per = 1
	}

	for i := range procs {
		start := lo + int64(i)*per
		if start > hi {
			break
		}

		end := start + per - 1
		if i == len(procs)-1 || end > hi {
			end = hi
		}

		sub := in.Domain
		sub.Lo.Coords[0] = start
		sub.Hi.Coords[0] = end
		slices = append(slices, TaskSlice{Domain: sub, Proc: procs[i]})
	}

	return SliceTaskOut{Slices: slices}
}

// MapTask implements Mapper.
func (d *DefaultMapper) MapTask(in MapTaskIn) MapTaskOut {
	proc := in.TargetProc
	if proc.Nil() {
		proc = d.pick(in.ValidProcKinds)
	}

	variant := VariantID(0)
	if len(in.ValidVariants) > 0 {
		variant = in.ValidVariants[0]
	}

	instances := make([][]InstanceID, len(in.Requirements))
	for i := range instances {
		// One fresh virtual instance per requirement; the instance manager
		// interns these by (region, fields).
		instances[i] = []InstanceID{InstanceID(uint64(proc.ID)<<32 | uint64(i+1))}
	}

	return MapTaskOut{TargetProc: proc, Variant: variant, ChosenInstances: instances}
}

// ReplicateTask implements Mapper: no replication by default.
func (d *DefaultMapper) ReplicateTask(_ ReplicateTaskIn) ReplicateTaskOut {
	return ReplicateTaskOut{}
}

// SelectTaskVariant implements Mapper.
func (d *DefaultMapper) SelectTaskVariant(in SelectVariantIn) SelectVariantOut {
	if len(in.ValidVariants) == 0 {
		return SelectVariantOut{}
	}

	return SelectVariantOut{Variant: in.ValidVariants[0]}
}

// PostmapTask implements Mapper.
func (d *DefaultMapper) PostmapTask(_ PostmapIn) PostmapOut { return PostmapOut{} }

// SelectTaskSources implements Mapper: keep the runtime's order.
func (d *DefaultMapper) SelectTaskSources(in SelectSourcesIn) SelectSourcesOut {
	return SelectSourcesOut{Ranking: in.Sources}
}

// ReportProfiling implements Mapper.
func (d *DefaultMapper) ReportProfiling(_ ProfilingReport) {}

// SelectShardingFunctor implements Mapper: the round-robin functor.
func (d *DefaultMapper) SelectShardingFunctor(_ SelectShardingIn) SelectShardingOut {
	return SelectShardingOut{Functor: 0}
}

// MapInline implements Mapper.
func (d *DefaultMapper) MapInline(in MapInlineIn) MapInlineOut {
	return MapInlineOut{ChosenInstances: []InstanceID{1}}
}

// SelectInlineSources implements Mapper.
func (d *DefaultMapper) SelectInlineSources(in SelectSourcesIn) SelectSourcesOut {
	return SelectSourcesOut{Ranking: in.Sources}
}

// MapCopy implements Mapper.
func (d *DefaultMapper) MapCopy(in MapCopyIn) MapCopyOut {
	src := make([][]InstanceID, len(in.SrcRequirements))
	for i := range src {
		src[i] = []InstanceID{InstanceID(i + 1)}
	}

	dst := make([][]InstanceID, len(in.DstRequirements))
	for i := range dst {
		dst[i] = []InstanceID{InstanceID(i + 1)}
	}

	return MapCopyOut{SrcInstances: src, DstInstances: dst}
}

// SelectCopySources implements Mapper.
func (d *DefaultMapper) SelectCopySources(in SelectSourcesIn) SelectSourcesOut {
	return SelectSourcesOut{Ranking: in.Sources}
}

// MapRelease implements Mapper.
func (d *DefaultMapper) MapRelease(_ MapReleaseIn) MapReleaseOut { return MapReleaseOut{} }

// SelectReleaseSources implements Mapper.
func (d *DefaultMapper) SelectReleaseSources(in SelectSourcesIn) SelectSourcesOut {
	return SelectSourcesOut{Ranking: in.Sources}
}

// MapPartition implements Mapper.
func (d *DefaultMapper) MapPartition(_ MapPartitionIn) MapPartitionOut {
	return MapPartitionOut{ChosenInstances: []InstanceID{1}}
}

// SelectPartitionSources implements Mapper.
func (d *DefaultMapper) SelectPartitionSources(in SelectSourcesIn) SelectSourcesOut {
	return SelectSourcesOut{Ranking: in.Sources}
}

// SelectPartitionProjection implements Mapper: keep the declared projection.
func (d *DefaultMapper) SelectPartitionProjection(in SelectPartitionProjectionIn) SelectPartitionProjectionOut {
	return SelectPartitionProjectionOut{Projection: in.Requirement.Projection}
}

// ConfigureContext implements Mapper with the stock pipeline configuration.
func (d *DefaultMapper) ConfigureContext(_ ContextConfigIn) ContextConfig {
	return ContextConfig{
		WindowSize:           DefaultWindowSize,
		HysteresisPercent:    DefaultHysteresisPercent,
		MaxOutstandingFrames: DefaultMaxOutstandingFrames,
		MaxTemplatesPerTrace: DefaultMaxTemplatesPerTrace,
	}
}

// SelectTunableValue implements Mapper: tunables default to the number of
// CPU processors, the most commonly requested value.
func (d *DefaultMapper) SelectTunableValue(_ TunableIn) TunableOut {
	return TunableOut{Value: int64(len(d.machine.ByKind(machine.ProcCPU)))}
}

// MemoizeOperation implements Mapper: memoize whenever tracing asks.
func (d *DefaultMapper) MemoizeOperation(_ MemoizeIn) MemoizeOut {
	return MemoizeOut{Memoize: true}
}

// MapMustEpoch implements Mapper: one processor per task, cycling through
// every processor on the node, so processors repeat once the tasks
// outnumber them.
func (d *DefaultMapper) MapMustEpoch(in MapMustEpochIn) MapMustEpochOut {
	procs := d.machine.Processors()
	out := make([]machine.Processor, len(in.Tasks))

	for i := range in.Tasks {
		out[i] = procs[i%len(procs)]
	}

	return MapMustEpochOut{Procs: out}
}

// SelectTasksToMap implements Mapper: map everything that is ready.
func (d *DefaultMapper) SelectTasksToMap(in SelectTasksToMapIn) SelectTasksToMapOut {
	return SelectTasksToMapOut{Map: in.Ready}
}

// SelectStealTargets implements Mapper: no stealing.
func (d *DefaultMapper) SelectStealTargets(_ StealTargetsIn) StealTargetsOut {
	return StealTargetsOut{}
}

// PermitStealRequest implements Mapper.
func (d *DefaultMapper) PermitStealRequest(_ PermitStealIn) PermitStealOut {
	return PermitStealOut{Permit: false}
}

// HandleMessage implements Mapper.
func (d *DefaultMapper) HandleMessage(_ Message) {}

var _ Mapper = (*DefaultMapper)(nil)
