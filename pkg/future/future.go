// Package future provides deferred scalars and deferred point-to-scalar
// mappings. Every future carries a completion event from the dependence
// graph; values are immutable once set.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// Sentinel errors.
var (
	// ErrPoisoned is returned when reading a future whose producer failed.
	ErrPoisoned = errors.New("future poisoned by failed producer")

	// ErrTypeMismatch is returned when a set value does not match the
	// declared type tag.
	ErrTypeMismatch = errors.New("future value does not match declared type tag")

	// ErrAlreadySet is returned on a second Set.
	ErrAlreadySet = errors.New("future value already set")

	// ErrNoSuchPoint is returned when a future map has no entry for a point.
	ErrNoSuchPoint = errors.New("no future for point")
)

// Future is a deferred scalar. The value buffer is unset until the producer
// completes and immutable afterwards.
type Future struct {
	ready   event.UserEvent
	typeTag string

	mu    sync.Mutex
	value any
	set   bool
}

// NewPending creates an unresolved future. An empty typeTag disables the
// type check on Set.
func NewPending(g *event.Graph, typeTag string) *Future {
	return &Future{ready: g.NewUserEvent(), typeTag: typeTag}
}

// FromValue creates an already-resolved future.
func FromValue(g *event.Graph, value any) *Future {
	f := NewPending(g, "")
	_ = f.Set(value)

	return f
}

// ReadyEvent returns the completion event consumers wait on.
func (f *Future) ReadyEvent() *event.Event {
	return f.ready.Event
}

// Set resolves the future. The value must match the declared type tag; a
// resolved future cannot be set again.
func (f *Future) Set(value any) error {
	f.mu.Lock()

	if f.set {
		f.mu.Unlock()

		return ErrAlreadySet
	}

	if f.typeTag != "" && value != nil {
		if got := fmt.Sprintf("%T", value); got != f.typeTag {
			f.mu.Unlock()

			return fmt.Errorf("%w: want %s, got %s", ErrTypeMismatch, f.typeTag, got)
		}
	}

	f.value = value
	f.set = true
	f.mu.Unlock()

	f.ready.Trigger()

	return nil
}

// Poison resolves the future as failed; Get will return ErrPoisoned.
func (f *Future) Poison() {
	f.ready.Poison()
}

// Get blocks until the future resolves and returns its value.
func (f *Future) Get(ctx context.Context) (any, error) {
	out, err := f.ready.Event.Wait(ctx)
	if err != nil {
		return nil, err
	}

	if out == event.OutcomePoisoned {
		return nil, ErrPoisoned
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.value, nil
}

// TryGet returns the value if the future has resolved.
func (f *Future) TryGet() (any, bool) {
	if !f.ready.Event.HasTriggered() {
		return nil, false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.value, f.set
}

// Map is a deferred mapping from domain points to futures.
type Map struct {
	graph  *event.Graph
	domain region.Domain

	mu     sync.Mutex
	points map[int64]*Future
}

// NewMap creates an empty future map over the given domain.
func NewMap(g *event.Graph, domain region.Domain) *Map {
	return &Map{graph: g, domain: domain, points: make(map[int64]*Future)}
}

// Construct builds a future map from explicit point futures.
func Construct(g *event.Graph, domain region.Domain, futures map[region.Point]*Future) *Map {
	m := NewMap(g, domain)
	for p, f := range futures {
		m.SetPoint(p, f)
	}

	return m
}

// Domain returns the map's point domain.
func (m *Map) Domain() region.Domain {
	return m.domain
}

// SetPoint installs the future for one point.
func (m *Map) SetPoint(p region.Point, f *Future) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.points[p.Linearize(m.domain)] = f
}

// Point returns the future for one point.
func (m *Map) Point(p region.Point) (*Future, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.points[p.Linearize(m.domain)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchPoint, p)
	}

	return f, nil
}

// ReadyEvent returns an event fired once every point future has resolved.
func (m *Map) ReadyEvent() *event.Event {
	m.mu.Lock()
	events := make([]*event.Event, 0, len(m.points))

	for _, f := range m.points {
		events = append(events, f.ReadyEvent())
	}
	m.mu.Unlock()

	return m.graph.Merge(events...)
}

// Wait blocks until every point future has resolved.
func (m *Map) Wait(ctx context.Context) error {
	out, err := m.ReadyEvent().Wait(ctx)
	if err != nil {
		return err
	}

	if out == event.OutcomePoisoned {
		return ErrPoisoned
	}

	return nil
}

// Reduce folds every point value through a reduction operator into a single
// future, seeded with initial when non-nil. The result resolves once every
// point has; poison in any point poisons the result.
func (m *Map) Reduce(redop event.ReductionOpID, initial any) *Future {
	result := NewPending(m.graph, "")

	m.ReadyEvent().Subscribe(func(out event.Outcome) {
		if out == event.OutcomePoisoned {
			result.Poison()

			return
		}

		acc, err := m.foldPoints(redop, initial)
		if err != nil {
			result.Poison()

			return
		}

		_ = result.Set(acc)
	})

	return result
}

// foldPoints folds resolved point values in deterministic point order.
func (m *Map) foldPoints(redop event.ReductionOpID, initial any) (any, error) {
	op, err := event.LookupReduction(redop)
	if err != nil {
		return nil, err
	}

	acc := op.Identity()
	if initial != nil {
		acc = op.Fold(acc, initial)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.domain.Points(func(p region.Point) bool {
		f, ok := m.points[p.Linearize(m.domain)]
		if !ok {
			return true
		}

		if v, set := f.TryGet(); set && v != nil {
			acc = op.Fold(acc, v)
		}

		return true
	})

	return acc, nil
}

// Transform produces a new map whose point values are fn applied to this
// map's resolved values. Each output point resolves when its input does.
func (m *Map) Transform(fn func(region.Point, any) any) *Map {
	out := NewMap(m.graph, m.domain)

	m.mu.Lock()
	defer m.mu.Unlock()

	for key, f := range m.points {
		dst := NewPending(m.graph, "")
		out.points[key] = dst

		p := m.pointFromKey(key)

		f.ReadyEvent().Subscribe(func(o event.Outcome) {
			if o == event.OutcomePoisoned {
				dst.Poison()

				return
			}

			v, _ := f.TryGet()
			_ = dst.Set(fn(p, v))
		})
	}

	return out
}

// pointFromKey inverts Linearize for the map's domain.
func (m *Map) pointFromKey(key int64) region.Point {
	p := m.domain.Lo

	for d := m.domain.Dim() - 1; d >= 0; d-- {
		extent := m.domain.Hi.Coords[d] - m.domain.Lo.Coords[d] + 1
		if extent < 1 {
			extent = 1
		}

		p.Coords[d] = m.domain.Lo.Coords[d] + key%extent
		key /= extent
	}

	return p
}
