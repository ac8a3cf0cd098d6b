package mapper

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/phalanx-rt/phalanx/pkg/machine"
)

// ErrMapperViolation is returned when a mapper output violates the contract:
// a processor of the wrong kind, instance lists that do not cover the
// requirements, or a non-positive context configuration.
var ErrMapperViolation = errors.New("mapper violation")

// Mode selects how mapper violations are handled.
type Mode uint8

const (
	// ModeSafe makes any mapper violation fatal to the caller.
	ModeSafe Mode = iota

	// ModeProduction logs violations and retries the call under a circuit
	// breaker; a tripped breaker escalates to fatal.
	ModeProduction
)

// Retry policy constants for production mode.
const (
	// maxRetryFailures is how many consecutive violations trip the breaker.
	maxRetryFailures = 3

	// breakerCooldown is how long the breaker stays open once tripped.
	breakerCooldown = time.Second
)

// Manager wraps a Mapper with output validation and the violation policy.
type Manager struct {
	mapper  Mapper
	machine *machine.Machine
	mode    Mode
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
}

// NewManager wraps a mapper. A nil logger discards.
func NewManager(m Mapper, mach *machine.Machine, mode Mode, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Manager{
		mapper:  m,
		machine: mach,
		mode:    mode,
		logger:  logger,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "mapper:" + m.Name(),
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxRetryFailures
			},
		}),
	}
}

// Mapper returns the wrapped policy for calls that need no validation.
func (mm *Manager) Mapper() Mapper { return mm.mapper }

// validated runs call, which invokes the mapper and returns a violation
// error for an invalid output, and applies the violation policy. In production mode the call is retried through the
// breaker until it trips.
func (mm *Manager) validated(name string, call func() error) error {
	if mm.mode == ModeSafe {
		if err := call(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		return nil
	}

	var lastErr error

	for attempt := 0; attempt < maxRetryFailures; attempt++ {
		_, err := mm.breaker.Execute(func() (any, error) {
			callErr := call()
			if callErr != nil {
				mm.logger.Warn("mapper violation, retrying", "call", name, "attempt", attempt, "err", callErr)
			}

			return nil, callErr
		})
		if err == nil {
			return nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) {
			return fmt.Errorf("%s: repeated violations, breaker open: %w", name, ErrMapperViolation)
		}

		lastErr = err
	}

	return fmt.Errorf("%s: retries exhausted: %w", name, lastErr)
}

// procValid reports whether a processor exists and has an allowed kind.
func (mm *Manager) procValid(p machine.Processor, kinds []machine.ProcKind) bool {
	got, ok := mm.machine.Lookup(p.ID)
	if !ok || got.Kind != p.Kind {
		return false
	}

	if len(kinds) == 0 {
		return true
	}

	for _, k := range kinds {
		if p.Kind == k {
			return true
		}
	}

	return false
}

// SelectTaskOptions validates the mapper's initial placement.
func (mm *Manager) SelectTaskOptions(in TaskOptionsIn) (TaskOptionsOut, error) {
	var out TaskOptionsOut

	err := mm.validated("select_task_options", func() error {
		out = mm.mapper.SelectTaskOptions(in)

		if !out.InitialProc.Nil() && !mm.procValid(out.InitialProc, in.ValidProcKinds) {
			return fmt.Errorf("%w: initial processor %s not valid for task %d",
				ErrMapperViolation, out.InitialProc, in.Task)
		}

		return nil
	})

	return out, err
}

// MapTask validates the target processor, variant, and per-requirement
// instance coverage.
func (mm *Manager) MapTask(in MapTaskIn) (MapTaskOut, error) {
	var out MapTaskOut

	err := mm.validated("map_task", func() error {
		out = mm.mapper.MapTask(in)

		if !mm.procValid(out.TargetProc, in.ValidProcKinds) {
			return fmt.Errorf("%w: target processor %s has wrong kind for task %d",
				ErrMapperViolation, out.TargetProc, in.Task)
		}

		if len(in.ValidVariants) > 0 && !containsVariant(in.ValidVariants, out.Variant) {
			return fmt.Errorf("%w: variant %d not registered for task %d",
				ErrMapperViolation, out.Variant, in.Task)
		}

		if len(out.ChosenInstances) != len(in.Requirements) {
			return fmt.Errorf("%w: %d instance lists for %d requirements",
				ErrMapperViolation, len(out.ChosenInstances), len(in.Requirements))
		}

		for i, insts := range out.ChosenInstances {
			if in.Requirements[i].Privilege != 0 && len(insts) == 0 {
				return fmt.Errorf("%w: requirement %d mapped with no instances",
					ErrMapperViolation, i)
			}
		}

		return nil
	})

	return out, err
}

// SliceTask validates that the slices cover the launch domain.
func (mm *Manager) SliceTask(in SliceTaskIn) (SliceTaskOut, error) {
	var out SliceTaskOut

	err := mm.validated("slice_task", func() error {
		out = mm.mapper.SliceTask(in)

		var covered int64
		for _, s := range out.Slices {
			covered += s.Domain.Volume()

			if s.Proc.Nil() {
				return fmt.Errorf("%w: slice with nil processor", ErrMapperViolation)
			}
		}

		if covered < in.Domain.Volume() {
			return fmt.Errorf("%w: slices cover %d of %d points",
				ErrMapperViolation, covered, in.Domain.Volume())
		}

		return nil
	})

	return out, err
}

// SelectShardingFunctor validates the functor id is registered.
func (mm *Manager) SelectShardingFunctor(in SelectShardingIn, known func(ShardingFunctorID) bool) (SelectShardingOut, error) {
	var out SelectShardingOut

	err := mm.validated("select_sharding_functor", func() error {
		out = mm.mapper.SelectShardingFunctor(in)

		if known != nil && !known(out.Functor) {
			return fmt.Errorf("%w: unknown sharding functor %d", ErrMapperViolation, out.Functor)
		}

		return nil
	})

	return out, err
}

// ConfigureContext validates the pipeline configuration.
func (mm *Manager) ConfigureContext(in ContextConfigIn) (ContextConfig, error) {
	var out ContextConfig

	err := mm.validated("configure_context", func() error {
		out = mm.mapper.ConfigureContext(in)

		if out.WindowSize <= 0 {
			return fmt.Errorf("%w: window size %d", ErrMapperViolation, out.WindowSize)
		}

		if out.HysteresisPercent < 0 || out.HysteresisPercent >= 100 {
			return fmt.Errorf("%w: hysteresis %d%%", ErrMapperViolation, out.HysteresisPercent)
		}

		if out.MaxTemplatesPerTrace <= 0 {
			out.MaxTemplatesPerTrace = DefaultMaxTemplatesPerTrace
		}

		if out.MaxOutstandingFrames <= 0 {
			out.MaxOutstandingFrames = DefaultMaxOutstandingFrames
		}

		return nil
	})

	return out, err
}

// MapInline validates inline-mapping instance coverage.
func (mm *Manager) MapInline(in MapInlineIn) (MapInlineOut, error) {
	var out MapInlineOut

	err := mm.validated("map_inline", func() error {
		out = mm.mapper.MapInline(in)

		if len(out.ChosenInstances) == 0 {
			return fmt.Errorf("%w: inline mapping chose no instances", ErrMapperViolation)
		}

		return nil
	})

	return out, err
}

// MapCopy validates per-requirement coverage on both sides of a copy.
func (mm *Manager) MapCopy(in MapCopyIn) (MapCopyOut, error) {
	var out MapCopyOut

	err := mm.validated("map_copy", func() error {
		out = mm.mapper.MapCopy(in)

		if len(out.SrcInstances) != len(in.SrcRequirements) || len(out.DstInstances) != len(in.DstRequirements) {
			return fmt.Errorf("%w: copy instance lists do not match requirements", ErrMapperViolation)
		}

		return nil
	})

	return out, err
}

// SelectTunableValue passes through; any value is acceptable.
func (mm *Manager) SelectTunableValue(in TunableIn) TunableOut {
	return mm.mapper.SelectTunableValue(in)
}

// MemoizeOperation passes through.
func (mm *Manager) MemoizeOperation(in MemoizeIn) MemoizeOut {
	return mm.mapper.MemoizeOperation(in)
}

// MapMustEpoch validates one distinct processor per task.
func (mm *Manager) MapMustEpoch(in MapMustEpochIn) (MapMustEpochOut, error) {
	var out MapMustEpochOut

	err := mm.validated("map_must_epoch", func() error {
		out = mm.mapper.MapMustEpoch(in)

		if len(out.Procs) != len(in.Tasks) {
			return fmt.Errorf("%w: %d processors for %d must-epoch tasks",
				ErrMapperViolation, len(out.Procs), len(in.Tasks))
		}

		seen := make(map[machine.ProcID]bool, len(out.Procs))
		for _, p := range out.Procs {
			if seen[p.ID] {
				return fmt.Errorf("%w: must-epoch tasks share processor %s", ErrMapperViolation, p)
			}

			seen[p.ID] = true
		}

		return nil
	})

	return out, err
}

func containsVariant(list []VariantID, v VariantID) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}

	return false
}
