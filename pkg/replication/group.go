package replication

import (
	"context"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/event"
)

// BarrierKind names one of the group's recycled collective barriers.
type BarrierKind uint8

// Collective barrier kinds.
const (
	BarrierFence BarrierKind = iota
	BarrierDeletionReady
	BarrierDeletionMapped
	BarrierDeletionExecution
	BarrierResourceReturn
	BarrierIndirection
	BarrierCollectiveMapping
	BarrierOutputRegions
	BarrierConcurrentPre
	BarrierConcurrentPost

	numBarrierKinds
)

// barrierKindNames indexes BarrierKind.
var barrierKindNames = [...]string{
	"fence", "deletion-ready", "deletion-mapped", "deletion-execution",
	"resource-return", "indirection", "collective-mapping", "output-regions",
	"concurrent-pre", "concurrent-post",
}

// String returns the kind name.
func (k BarrierKind) String() string {
	if int(k) < len(barrierKindNames) {
		return barrierKindNames[k]
	}

	return "unknown"
}

// HandleKind names one of the group's fresh-value allocators.
type HandleKind uint8

// Allocator handle kinds.
const (
	HandleIndexSpace HandleKind = iota
	HandlePartition
	HandleFieldSpace
	HandleField
	HandleTreeID
	HandleDistributedID

	numHandleKinds
)

// Group is the shared coordination state of one replicate group. Shards
// never share mutable state directly: every cross-shard effect goes through
// a barrier, a ring, or a collective on the group.
type Group struct {
	graph  *event.Graph
	shards int

	mu sync.Mutex

	// barrier eras per kind: index e covers generations
	// [e*MaxBarrierPhases, (e+1)*MaxBarrierPhases).
	eras [numBarrierKinds][]event.PhaseBarrier

	// uses counts per-kind per-shard barrier uses; shards in lockstep use
	// identical counts, which selects identical generations.
	uses [numBarrierKinds][]uint64

	rings [numHandleKinds]*ValueRing

	votes map[string]event.DynamicCollective

	// broadcast rendezvous per topic: per-shard round counters and the
	// per-round value slots shard zero fills.
	bcastUses   map[string][]uint64
	bcastRounds map[string]map[uint64]*bcastRound

	verifier *Verifier
}

// bcastRound is one broadcast slot: shard zero produces the value, every
// shard reads it after the trigger.
type bcastRound struct {
	value   uint64
	err     error
	ready   event.UserEvent
	readers int
}

// NewGroup creates coordination state for a replicate group of the given
// size. Each ring's fill callback draws fresh values from the authoritative
// allocator for that handle kind; the designated shard broadcasts batches
// and every shard draws deterministically.
func NewGroup(g *event.Graph, shards int, fills map[HandleKind]func(n int) []uint64) *Group {
	grp := &Group{
		graph:       g,
		shards:      shards,
		votes:       make(map[string]event.DynamicCollective),
		bcastUses:   make(map[string][]uint64),
		bcastRounds: make(map[string]map[uint64]*bcastRound),
		verifier:    NewVerifier(shards),
	}

	for k := range grp.uses {
		grp.uses[k] = make([]uint64, shards)
	}

	for kind, fill := range fills {
		grp.rings[kind] = NewValueRing(fill, DefaultBatchSize, shards)
	}

	return grp
}

// Shards returns the group size.
func (g *Group) Shards() int { return g.shards }

// Verifier returns the group's call-sequence verifier.
func (g *Group) Verifier() *Verifier { return g.verifier }

// barrierFor returns the barrier for use number n of a kind. Barriers are
// recycled generation by generation; past the phase limit a fresh era is
// swapped in.
func (g *Group) barrierFor(kind BarrierKind, n uint64) event.PhaseBarrier {
	era := n / event.MaxBarrierPhases
	gen := n % event.MaxBarrierPhases

	g.mu.Lock()

	for uint64(len(g.eras[kind])) <= era {
		g.eras[kind] = append(g.eras[kind], g.graph.NewPhaseBarrier(g.shards))
	}

	base := g.eras[kind][era]
	g.mu.Unlock()

	pb, err := base.WithGeneration(gen)
	if err != nil {
		// gen < MaxBarrierPhases by construction.
		panic(fmt.Sprintf("replication: barrier generation out of range: %v", err))
	}

	return pb
}

// Arrive records one shard's arrival at its next use of the kind's barrier
// and returns the event fired when every shard has arrived.
func (g *Group) Arrive(kind BarrierKind, shard ShardID) (*event.Event, error) {
	g.mu.Lock()
	n := g.uses[kind][shard]
	g.uses[kind][shard]++
	g.mu.Unlock()

	pb := g.barrierFor(kind, n)
	if err := pb.Arrive(1); err != nil {
		return nil, err
	}

	return pb.WaitEvent(), nil
}

// Sync blocks the shard until every shard reaches the same use of the
// kind's barrier.
func (g *Group) Sync(ctx context.Context, kind BarrierKind, shard ShardID) error {
	ev, err := g.Arrive(kind, shard)
	if err != nil {
		return err
	}

	out, err := ev.Wait(ctx)
	if err != nil {
		return err
	}

	if out == event.OutcomePoisoned {
		return fmt.Errorf("%s barrier poisoned: %w", kind, ErrDivergence)
	}

	return nil
}

// FreshValue draws the shard's next broadcast value of a handle kind.
// Every shard observes the same value at the same draw index.
func (g *Group) FreshValue(kind HandleKind, shard ShardID) uint64 {
	ring := g.rings[kind]
	if ring == nil {
		return 0
	}

	return ring.Next(shard)
}

// Broadcast rendezvous: shard zero produces a value for the topic's current
// round and every shard observes it. Shards must call in lockstep, once per
// round. produce runs exactly once per round, on shard zero's call.
func (g *Group) Broadcast(ctx context.Context, topic string, shard ShardID, produce func() (uint64, error)) (uint64, error) {
	g.mu.Lock()

	uses, ok := g.bcastUses[topic]
	if !ok {
		uses = make([]uint64, g.shards)
		g.bcastUses[topic] = uses
		g.bcastRounds[topic] = make(map[uint64]*bcastRound)
	}

	n := uses[shard]
	uses[shard]++

	round, ok := g.bcastRounds[topic][n]
	if !ok {
		round = &bcastRound{ready: g.graph.NewUserEvent()}
		g.bcastRounds[topic][n] = round
	}
	g.mu.Unlock()

	if shard == 0 {
		value, err := produce()

		g.mu.Lock()
		round.value = value
		round.err = err
		g.mu.Unlock()

		round.ready.Trigger()
	}

	if _, err := round.ready.Event.Wait(ctx); err != nil {
		return 0, err
	}

	g.mu.Lock()
	value, err := round.value, round.err

	round.readers++
	if round.readers == g.shards {
		delete(g.bcastRounds[topic], n)
	}
	g.mu.Unlock()

	return value, err
}

// AgreeBool runs a blocking unanimity vote under the given topic. Every
// shard must call once per round in lockstep; the result is true only when
// every shard voted true.
func (g *Group) AgreeBool(ctx context.Context, topic string, shard ShardID, vote bool) (bool, error) {
	g.mu.Lock()

	dc, ok := g.votes[topic]
	if !ok {
		var err error

		dc, err = g.graph.NewDynamicCollective(g.shards, event.ReductionSumInt64, nil)
		if err != nil {
			g.mu.Unlock()

			return false, err
		}

		g.votes[topic] = dc
	}
	g.mu.Unlock()

	contribution := int64(0)
	if vote {
		contribution = 1
	}

	if err := dc.ArriveWith(contribution); err != nil {
		return false, err
	}

	sum, err := dc.Result(ctx)
	if err != nil {
		return false, err
	}

	// Recycle the collective for the topic's next round. The first shard to
	// read the result swaps in the advanced generation; shards still waiting
	// hold their own copy of the current one.
	g.mu.Lock()
	if cur, ok := g.votes[topic]; ok && cur.Generation() == dc.Generation() {
		g.votes[topic] = dc.Advance()
	}
	g.mu.Unlock()

	total, _ := sum.(int64)

	return total == int64(g.shards), nil
}

// DeletionConsensus runs the three-phase deletion protocol for one shard:
// ready (all shards agree the handle may be freed), mapped (no operation
// still depends on it), execution (all effects observed). The returned
// events fire as each phase completes across the group.
type DeletionConsensus struct {
	Ready     *event.Event
	Mapped    *event.Event
	Execution *event.Event
}

// ArriveDeletion arrives at all three deletion barriers for one deletion,
// in phase order.
func (g *Group) ArriveDeletion(shard ShardID) (DeletionConsensus, error) {
	ready, err := g.Arrive(BarrierDeletionReady, shard)
	if err != nil {
		return DeletionConsensus{}, err
	}

	mapped, err := g.Arrive(BarrierDeletionMapped, shard)
	if err != nil {
		return DeletionConsensus{}, err
	}

	exec, err := g.Arrive(BarrierDeletionExecution, shard)
	if err != nil {
		return DeletionConsensus{}, err
	}

	return DeletionConsensus{Ready: ready, Mapped: mapped, Execution: exec}, nil
}

// Close releases the allocator rings.
func (g *Group) Close() {
	for _, ring := range g.rings {
		if ring != nil {
			ring.Close()
		}
	}
}
