package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ReductionOpID identifies a registered reduction operator.
type ReductionOpID uint32

// Built-in reduction operator ids. Application-defined operators must use
// ids at or above ReductionOpFirstUser.
const (
	ReductionSumInt64 ReductionOpID = iota + 1
	ReductionMaxInt64
	ReductionMinInt64
	ReductionBitOrUint64

	// ReductionOpFirstUser is the first id available to applications.
	ReductionOpFirstUser ReductionOpID = 1 << 16
)

// Sentinel errors for collectives.
var (
	// ErrUnknownReduction is returned when a collective names an unregistered
	// reduction operator.
	ErrUnknownReduction = errors.New("unknown reduction operator")

	// ErrReductionRegistered is returned when registering a duplicate id.
	ErrReductionRegistered = errors.New("reduction operator already registered")

	// ErrCollectivePending names a collective whose arrivals are not all in.
	// Result does not return it: Result waits for the final arrival.
	ErrCollectivePending = errors.New("dynamic collective not yet complete")
)

// ReductionOp folds arrival values into a single result.
type ReductionOp interface {
	// Identity returns the fold seed.
	Identity() any

	// Fold combines an accumulated value with one arrival value.
	Fold(acc, value any) any
}

type sumInt64 struct{}

func (sumInt64) Identity() any       { return int64(0) }
func (sumInt64) Fold(acc, v any) any { return acc.(int64) + v.(int64) }

type maxInt64 struct{}

func (maxInt64) Identity() any { return int64(minInt64Value) }
func (maxInt64) Fold(acc, v any) any {
	if v.(int64) > acc.(int64) {
		return v
	}

	return acc
}

type minInt64 struct{}

func (minInt64) Identity() any { return int64(maxInt64Value) }
func (minInt64) Fold(acc, v any) any {
	if v.(int64) < acc.(int64) {
		return v
	}

	return acc
}

type bitOrUint64 struct{}

func (bitOrUint64) Identity() any       { return uint64(0) }
func (bitOrUint64) Fold(acc, v any) any { return acc.(uint64) | v.(uint64) }

const (
	maxInt64Value = int64(^uint64(0) >> 1)
	minInt64Value = -maxInt64Value - 1
)

// reductionRegistry maps operator ids to implementations.
type reductionRegistry struct {
	mu  sync.RWMutex
	ops map[ReductionOpID]ReductionOp
}

var reductions = &reductionRegistry{
	ops: map[ReductionOpID]ReductionOp{
		ReductionSumInt64:    sumInt64{},
		ReductionMaxInt64:    maxInt64{},
		ReductionMinInt64:    minInt64{},
		ReductionBitOrUint64: bitOrUint64{},
	},
}

// RegisterReduction installs an application reduction operator.
func RegisterReduction(id ReductionOpID, op ReductionOp) error {
	reductions.mu.Lock()
	defer reductions.mu.Unlock()

	if _, ok := reductions.ops[id]; ok {
		return fmt.Errorf("%w: %d", ErrReductionRegistered, id)
	}

	reductions.ops[id] = op

	return nil
}

// LookupReduction resolves a registered reduction operator.
func LookupReduction(id ReductionOpID) (ReductionOp, error) {
	return lookupReduction(id)
}

// lookupReduction resolves an operator id.
func lookupReduction(id ReductionOpID) (ReductionOp, error) {
	reductions.mu.RLock()
	defer reductions.mu.RUnlock()

	op, ok := reductions.ops[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownReduction, id)
	}

	return op, nil
}

// DynamicCollective is a phase barrier whose arrivals carry values folded
// through a reduction operator. The result is observable only after every
// declared arrival.
type DynamicCollective struct {
	PhaseBarrier

	redop ReductionOpID
	init  any
}

// NewDynamicCollective creates a collective over the given reduction
// operator and initial value.
func (g *Graph) NewDynamicCollective(arrivals int, redop ReductionOpID, init any) (DynamicCollective, error) {
	if _, err := lookupReduction(redop); err != nil {
		return DynamicCollective{}, err
	}

	return DynamicCollective{
		PhaseBarrier: g.NewPhaseBarrier(arrivals),
		redop:        redop,
		init:         init,
	}, nil
}

// ArriveWith records one arrival carrying a contribution value.
func (dc DynamicCollective) ArriveWith(value any) error {
	return dc.arrive(1, false, collectiveValue{value})
}

// collectiveValue wraps arrivals so nil contributions are still recorded.
type collectiveValue struct {
	v any
}

// Advance returns the collective positioned at the next generation.
func (dc DynamicCollective) Advance() DynamicCollective {
	return DynamicCollective{
		PhaseBarrier: dc.PhaseBarrier.Advance(),
		redop:        dc.redop,
		init:         dc.init,
	}
}

// Result waits for every arrival on this generation and folds the
// contributions with the collective's reduction operator, seeded with the
// initial value.
func (dc DynamicCollective) Result(ctx context.Context) (any, error) {
	s := dc.state
	s.mu.Lock()

	bg, genErr := s.gen(dc.gen)
	if genErr != nil {
		// Pruned past the history window.
		s.mu.Unlock()

		return nil, genErr
	}

	trigger := bg.trigger
	s.mu.Unlock()

	if _, err := trigger.Event.Wait(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	values := bg.values
	s.mu.Unlock()

	op, err := lookupReduction(dc.redop)
	if err != nil {
		return nil, err
	}

	acc := op.Identity()
	if dc.init != nil {
		acc = op.Fold(acc, dc.init)
	}

	for _, raw := range values {
		cv, ok := raw.(collectiveValue)
		if !ok {
			continue
		}

		if cv.v != nil {
			acc = op.Fold(acc, cv.v)
		}
	}

	return acc, nil
}
