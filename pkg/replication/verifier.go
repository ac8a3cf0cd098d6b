package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrDivergence is returned when shards of a replicate group produced
// non-matching runtime-call hash sequences.
var ErrDivergence = errors.New("replication divergence: shards made different runtime calls")

// Verifier accumulates one hash per runtime call per shard. All shards of a
// group must produce byte-equal hash sequences; a mismatch is fatal.
type Verifier struct {
	mu   sync.Mutex
	seqs [][]uint64
	tags [][]string
}

// NewVerifier creates a verifier for the given shard count.
func NewVerifier(shards int) *Verifier {
	return &Verifier{
		seqs: make([][]uint64, shards),
		tags: make([][]string, shards),
	}
}

// HashCall condenses one runtime call into a verification hash.
func HashCall(call string, args ...uint64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(call))

	var buf [8]byte
	for _, a := range args {
		binary.LittleEndian.PutUint64(buf[:], a)
		_, _ = h.Write(buf[:])
	}

	return h.Sum64()
}

// Record appends one call hash to a shard's sequence and returns it.
func (v *Verifier) Record(shard ShardID, call string, args ...uint64) uint64 {
	h := HashCall(call, args...)

	v.mu.Lock()
	defer v.mu.Unlock()

	if int(shard) < len(v.seqs) {
		v.seqs[shard] = append(v.seqs[shard], h)
		v.tags[shard] = append(v.tags[shard], call)
	}

	return h
}

// SequenceLen returns the number of recorded calls for a shard.
func (v *Verifier) SequenceLen(shard ShardID) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	if int(shard) >= len(v.seqs) {
		return 0
	}

	return len(v.seqs[shard])
}

// Verify compares every shard's sequence against shard zero's. On mismatch
// the error carries a character-level diff of the two rendered call
// sequences.
func (v *Verifier) Verify() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.seqs) < 2 {
		return nil
	}

	ref := v.renderLocked(0)

	for shard := 1; shard < len(v.seqs); shard++ {
		if sequencesEqual(v.seqs[0], v.seqs[shard]) {
			continue
		}

		dmp := diffmatchpatch.New()
		diffs := dmp.DiffMain(ref, v.renderLocked(shard), false)

		return fmt.Errorf("%w: shard 0 vs shard %d:\n%s",
			ErrDivergence, shard, dmp.DiffPrettyText(diffs))
	}

	return nil
}

// renderLocked formats a shard's sequence one call per line.
func (v *Verifier) renderLocked(shard int) string {
	var sb strings.Builder

	for i, h := range v.seqs[shard] {
		fmt.Fprintf(&sb, "%04d %s %016x\n", i, v.tags[shard][i], h)
	}

	return sb.String()
}

func sequencesEqual(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
