package replication

import (
	"sync"
)

// DefaultBatchSize is how many fresh values the designated shard broadcasts
// per refill. Two batches are kept ahead of the fastest shard so readers
// rarely block.
const DefaultBatchSize = 64

// ringAhead is how many batches the ring keeps ahead of the fastest shard.
// Double buffering hides the broadcast latency of the next batch behind
// consumption of the current one.
const ringAhead = 2

// ValueRing buffers precomputed fresh-value batches. One designated refill
// draws values from the authoritative allocator; every shard consumes the
// same broadcast sequence through its own cursor, so all shards observe the
// same value at the same draw index. The buffer is not bounded: drawn values
// are never discarded and stay buffered for the life of the ring.
type ValueRing struct {
	mu   sync.Mutex
	cond *sync.Cond

	fill    func(n int) []uint64
	batch   int
	values  []uint64
	cursors []uint64
	filling bool
	closed  bool
}

// NewValueRing creates a ring for the given shard count, refilled by fill,
// which must return n fresh values from the authoritative allocator.
func NewValueRing(fill func(n int) []uint64, batch, shards int) *ValueRing {
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	if shards <= 0 {
		shards = 1
	}

	r := &ValueRing{
		fill:    fill,
		batch:   batch,
		cursors: make([]uint64, shards),
	}
	r.cond = sync.NewCond(&r.mu)

	return r
}

// Next draws the shard's next value from the broadcast sequence. Shards
// block only when their cursor outruns the buffered batches.
func (r *ValueRing) Next(shard ShardID) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if int(shard) >= len(r.cursors) {
		return 0
	}

	idx := r.cursors[shard]
	r.cursors[shard]++

	for {
		if idx < uint64(len(r.values)) {
			// Start the next broadcast before the fastest shard drains the
			// buffered values.
			if uint64(len(r.values))-idx < uint64(r.batch*(ringAhead-1)) && !r.filling && !r.closed {
				r.refillLocked()
			}

			return r.values[idx]
		}

		if r.closed {
			return 0
		}

		if !r.filling {
			r.refillLocked()

			continue
		}

		r.cond.Wait()
	}
}

// refillLocked appends one broadcast batch. The fill callback runs outside
// the lock so a slow broadcast does not block draws of buffered values.
func (r *ValueRing) refillLocked() {
	r.filling = true
	batch := r.batch

	r.mu.Unlock()
	values := r.fill(batch)
	r.mu.Lock()

	r.values = append(r.values, values...)
	r.filling = false
	r.cond.Broadcast()
}

// Close releases blocked readers.
func (r *ValueRing) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	r.cond.Broadcast()
}
