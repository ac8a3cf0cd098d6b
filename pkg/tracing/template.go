// Package tracing records operation sequences between begin/end-trace calls
// and replays their mapping decisions when a later execution of the same
// trace matches fingerprint-for-fingerprint.
package tracing

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// ID names an application trace.
type ID uint64

// Fingerprint condenses one operation's identity inside a trace: its kind,
// mapper steering, and per-requirement field masks and access kinds.
type Fingerprint uint64

// FingerprintOp computes the fingerprint for an operation about to enter a
// trace.
func FingerprintOp(kind operation.Kind, mapperID uint32, tag uint64, reqs []region.Requirement) Fingerprint {
	h := fnv.New64a()

	var buf [8]byte

	put32 := func(v uint32) {
		binary.LittleEndian.PutUint32(buf[:4], v)
		_, _ = h.Write(buf[:4])
	}
	put64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:8], v)
		_, _ = h.Write(buf[:8])
	}

	put32(uint32(kind))
	put32(mapperID)
	put64(tag)

	for _, r := range reqs {
		put32(uint32(r.Tree()))
		put64(uint64(r.Region.IndexSpace.ID))
		put64(uint64(r.Partition.Partition))
		put32(uint32(r.Privilege))
		put32(uint32(r.Coherence))
		put32(r.Redop)
		put32(uint32(r.Projection))

		for _, id := range r.Fields.IDs() {
			put32(uint32(id))
		}
	}

	return Fingerprint(h.Sum64())
}

// Decision is the memoized mapping outcome for one traced operation.
type Decision struct {
	TargetProc machine.Processor
	Variant    mapper.VariantID
	Instances  [][]mapper.InstanceID
}

// Template is one recorded execution of a trace: ordered fingerprints, the
// dependence edges analysis produced, the mapping decision per operation,
// and the region trees the trace touched with their versions at capture.
type Template struct {
	fingerprints []Fingerprint
	decisions    []Decision
	preds        [][]int // trace-local predecessor indices per operation
	trees        map[region.TreeID]uint64
}

// Len returns the number of operations in the template.
func (t *Template) Len() int {
	return len(t.fingerprints)
}

// FingerprintAt returns the fingerprint for a trace-local index.
func (t *Template) FingerprintAt(i int) Fingerprint {
	return t.fingerprints[i]
}

// DecisionAt returns the memoized mapping decision for a trace-local index.
func (t *Template) DecisionAt(i int) Decision {
	return t.decisions[i]
}

// PredecessorsAt returns the recorded dependence edges into operation i, as
// trace-local indices.
func (t *Template) PredecessorsAt(i int) []int {
	return t.preds[i]
}

// Replayable reports whether the template may replay: every region tree it
// touched must still exist with an unchanged structural version.
func (t *Template) Replayable(forest *region.Forest) bool {
	for tree, version := range t.trees {
		if forest.TreeDestroyed(tree) {
			return false
		}

		if forest.TreeVersion(tree) != version {
			return false
		}
	}

	return true
}

// MatchesPrefix reports whether the live fingerprints so far agree with the
// template in order.
func (t *Template) MatchesPrefix(live []Fingerprint) bool {
	if len(live) > len(t.fingerprints) {
		return false
	}

	for i, fp := range live {
		if t.fingerprints[i] != fp {
			return false
		}
	}

	return true
}

// Recording accumulates one in-progress trace capture.
type Recording struct {
	trace  ID
	forest *region.Forest

	fingerprints []Fingerprint
	decisions    []Decision
	preds        [][]int
	trees        map[region.TreeID]uint64
}

// NewRecording starts a capture for the given trace.
func NewRecording(trace ID, forest *region.Forest) *Recording {
	return &Recording{
		trace:  trace,
		forest: forest,
		trees:  make(map[region.TreeID]uint64),
	}
}

// Record appends one operation: its fingerprint, the dependence edges the
// analysis produced (trace-local indices), and the mapping decision taken.
// The touched trees' versions are captured on first touch.
func (r *Recording) Record(fp Fingerprint, preds []int, decision Decision, reqs []region.Requirement) int {
	idx := len(r.fingerprints)
	r.fingerprints = append(r.fingerprints, fp)
	r.decisions = append(r.decisions, decision)
	r.preds = append(r.preds, preds)

	for _, req := range reqs {
		tree := req.Tree()
		if _, seen := r.trees[tree]; !seen {
			r.trees[tree] = r.forest.TreeVersion(tree)
		}
	}

	return idx
}

// SetDecision overwrites the decision for an already-recorded operation,
// used when mapping completes after the dependence stage recorded the edge
// set.
func (r *Recording) SetDecision(idx int, decision Decision) {
	if idx >= 0 && idx < len(r.decisions) {
		r.decisions[idx] = decision
	}
}

// Len returns the number of recorded operations.
func (r *Recording) Len() int {
	return len(r.fingerprints)
}

// Finish seals the capture into an immutable template.
func (r *Recording) Finish() *Template {
	return &Template{
		fingerprints: r.fingerprints,
		decisions:    r.decisions,
		preds:        r.preds,
		trees:        r.trees,
	}
}
