// Package replication provides the cross-shard coordination primitives a
// control-replicated task uses: collective barriers, fresh-value allocator
// rings, sharding functors, deletion consensus, and the call-sequence hash
// verifier that detects divergent shards.
package replication

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/region"
)

// ShardID identifies one shard of a replicate group.
type ShardID uint32

// AllShards is the sharding result forcing every shard to analyze a point.
const AllShards = ShardID(^uint32(0))

// FunctorID names a registered sharding functor.
type FunctorID uint32

// Well-known functor ids.
const (
	// RoundRobinFunctor deals points across shards cyclically by linearized
	// index.
	RoundRobinFunctor FunctorID = 0

	// AttachDetachFunctor is the dedicated functor for attach and detach
	// operations, keeping them on the owning shard.
	AttachDetachFunctor FunctorID = 1

	// UniversalFunctor maps every point to AllShards, forcing projections
	// that must be analyzed everywhere to run on every shard.
	UniversalFunctor FunctorID = 2

	// FirstUserFunctor is the first id available to applications.
	FirstUserFunctor FunctorID = 1 << 16
)

// Functor assigns each point of an index-space operation to a shard. The
// assignment must be identical on every shard: it may depend only on the
// point, the launch bounds, and the shard count.
type Functor interface {
	ShardFor(p region.Point, bounds region.Domain, total int) ShardID
}

// roundRobin assigns the linearized point index modulo the shard count.
type roundRobin struct{}

func (roundRobin) ShardFor(p region.Point, bounds region.Domain, total int) ShardID {
	if total <= 0 {
		return 0
	}

	return ShardID(p.Linearize(bounds) % int64(total))
}

// attachDetach pins every point to shard zero so external resources have a
// single owner.
type attachDetach struct{}

func (attachDetach) ShardFor(region.Point, region.Domain, int) ShardID { return 0 }

// universal maps every point to AllShards.
type universal struct{}

func (universal) ShardFor(region.Point, region.Domain, int) ShardID { return AllShards }

// ErrFunctorRegistered is returned when registering a duplicate functor id.
var ErrFunctorRegistered = errors.New("sharding functor already registered")

// ErrUnknownFunctor is returned when resolving an unregistered functor id.
var ErrUnknownFunctor = errors.New("unknown sharding functor")

// functorRegistry maps functor ids to implementations.
type functorRegistry struct {
	mu       sync.RWMutex
	functors map[FunctorID]Functor
}

var functors = &functorRegistry{
	functors: map[FunctorID]Functor{
		RoundRobinFunctor:   roundRobin{},
		AttachDetachFunctor: attachDetach{},
		UniversalFunctor:    universal{},
	},
}

// RegisterFunctor installs an application sharding functor.
func RegisterFunctor(id FunctorID, f Functor) error {
	functors.mu.Lock()
	defer functors.mu.Unlock()

	if _, ok := functors.functors[id]; ok {
		return fmt.Errorf("%w: %d", ErrFunctorRegistered, id)
	}

	functors.functors[id] = f

	return nil
}

// LookupFunctor resolves a functor id.
func LookupFunctor(id FunctorID) (Functor, error) {
	functors.mu.RLock()
	defer functors.mu.RUnlock()

	f, ok := functors.functors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFunctor, id)
	}

	return f, nil
}

// KnownFunctor reports whether the id is registered, for mapper-output
// validation.
func KnownFunctor(id FunctorID) bool {
	functors.mu.RLock()
	defer functors.mu.RUnlock()

	_, ok := functors.functors[id]

	return ok
}
