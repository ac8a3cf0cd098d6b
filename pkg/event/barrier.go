package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors for barrier misuse.
var (
	// ErrGenerationRetired is returned when arriving on a generation that has
	// already completed and been reclaimed.
	ErrGenerationRetired = errors.New("barrier generation already retired")

	// ErrTooManyArrivals is returned when more arrivals are recorded on a
	// generation than were declared.
	ErrTooManyArrivals = errors.New("too many arrivals on barrier generation")
)

// MaxBarrierPhases is the number of generations a single barrier name can
// represent before Advance transparently swaps to a fresh name.
const MaxBarrierPhases = 4096

// barrierGen tracks one in-flight generation of a barrier.
type barrierGen struct {
	remaining int
	poisoned  bool
	trigger   UserEvent
	values    []any
}

// barrierState is the shared state behind every PhaseBarrier value for one
// barrier name. Generations are created lazily on first arrival or wait and
// reclaimed once fully arrived.
type barrierState struct {
	mu       sync.Mutex
	graph    *Graph
	name     uint64
	arrivals int
	gens     map[uint64]*barrierGen
	retired  uint64 // all generations below this have completed
}

// genHistory is how many completed generations stay readable behind the
// retirement watermark. Collective results are read through this window.
const genHistory = 2

// gen returns the state for generation g, creating it if still live.
// Completed generations remain readable within the history window.
func (s *barrierState) gen(g uint64) (*barrierGen, error) {
	bg, ok := s.gens[g]
	if ok {
		return bg, nil
	}

	if g < s.retired {
		return nil, fmt.Errorf("%w: generation %d", ErrGenerationRetired, g)
	}

	bg = &barrierGen{
		remaining: s.arrivals,
		trigger:   s.graph.NewUserEvent(),
	}
	s.gens[g] = bg

	return bg, nil
}

// prune discards completed generations older than the history window.
func (s *barrierState) prune() {
	for g := range s.gens {
		if g+genHistory < s.retired {
			delete(s.gens, g)
		}
	}
}

// PhaseBarrier names one generation of a pre-declared-arrival barrier.
// Copies are cheap; Advance returns the successor generation without
// mutating the receiver.
type PhaseBarrier struct {
	state *barrierState
	gen   uint64
}

// NewPhaseBarrier creates a barrier expecting the given number of arrivals
// per generation, positioned at generation zero.
func (g *Graph) NewPhaseBarrier(arrivals int) PhaseBarrier {
	if arrivals < 1 {
		arrivals = 1
	}

	return PhaseBarrier{
		state: &barrierState{
			graph:    g,
			name:     g.nextID.Add(1),
			arrivals: arrivals,
			gens:     make(map[uint64]*barrierGen),
		},
	}
}

// Name returns the barrier's name id. Advancing past the phase limit yields
// a barrier with a different name.
func (pb PhaseBarrier) Name() uint64 {
	return pb.state.name
}

// Generation returns the generation this value waits on and arrives at.
func (pb PhaseBarrier) Generation() uint64 {
	return pb.gen
}

// Arrive records count arrivals on this generation. When the declared number
// of arrivals is reached the generation's wait event fires; it fires poisoned
// if any arrival was poisoned.
func (pb PhaseBarrier) Arrive(count int) error {
	return pb.arrive(count, false, nil)
}

// ArrivePoisoned records count arrivals carrying upstream failure.
func (pb PhaseBarrier) ArrivePoisoned(count int) error {
	return pb.arrive(count, true, nil)
}

func (pb PhaseBarrier) arrive(count int, poisoned bool, value any) error {
	s := pb.state
	s.mu.Lock()

	bg, err := s.gen(pb.gen)
	if err != nil {
		s.mu.Unlock()

		return err
	}

	if bg.remaining == 0 {
		s.mu.Unlock()

		return fmt.Errorf("%w: generation %d", ErrGenerationRetired, pb.gen)
	}

	if count > bg.remaining {
		s.mu.Unlock()

		return fmt.Errorf("%w: %d arrivals left, got %d", ErrTooManyArrivals, bg.remaining, count)
	}

	bg.remaining -= count
	if poisoned {
		bg.poisoned = true
	}

	if value != nil {
		bg.values = append(bg.values, value)
	}

	completed := bg.remaining == 0
	if completed {
		if pb.gen >= s.retired {
			s.retired = pb.gen + 1
		}

		s.prune()
	}

	trigger := bg.trigger
	wasPoisoned := bg.poisoned
	s.mu.Unlock()

	if completed {
		if wasPoisoned {
			trigger.Poison()
		} else {
			trigger.Trigger()
		}
	}

	return nil
}

// WaitEvent returns the event fired when every declared arrival for this
// generation has occurred.
func (pb PhaseBarrier) WaitEvent() *Event {
	s := pb.state
	s.mu.Lock()
	defer s.mu.Unlock()

	bg, err := s.gen(pb.gen)
	if err != nil {
		return nil // pruned long ago: completed
	}

	return bg.trigger.Event
}

// Wait blocks until the generation completes or ctx is cancelled.
func (pb PhaseBarrier) Wait(ctx context.Context) (Outcome, error) {
	return pb.WaitEvent().Wait(ctx)
}

// Advance returns the barrier positioned at the next generation. Past the
// phase limit it returns a barrier under a fresh name whose generation zero
// has never been live, so no stale waiter can alias it.
func (pb PhaseBarrier) Advance() PhaseBarrier {
	if pb.gen+1 < MaxBarrierPhases {
		return PhaseBarrier{state: pb.state, gen: pb.gen + 1}
	}

	s := pb.state
	s.mu.Lock()
	fresh := &barrierState{
		graph:    s.graph,
		name:     s.graph.nextID.Add(1),
		arrivals: s.arrivals,
		gens:     make(map[uint64]*barrierGen),
	}
	s.mu.Unlock()

	return PhaseBarrier{state: fresh}
}

// WithGeneration returns the barrier positioned at an absolute generation
// under the same name. The generation must be below the phase limit.
func (pb PhaseBarrier) WithGeneration(gen uint64) (PhaseBarrier, error) {
	if gen >= MaxBarrierPhases {
		return PhaseBarrier{}, fmt.Errorf("%w: generation %d beyond phase limit", ErrGenerationRetired, gen)
	}

	return PhaseBarrier{state: pb.state, gen: gen}, nil
}

// AdjustArrivals changes the declared arrival count for future generations.
// In-flight generations keep the count they were created with.
func (pb PhaseBarrier) AdjustArrivals(delta int) {
	s := pb.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arrivals += delta
	if s.arrivals < 1 {
		s.arrivals = 1
	}
}
