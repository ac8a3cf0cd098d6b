// Package operation defines the base object every unit of scheduled work
// shares: its identity, program-order position, four-stage lifecycle, and
// the events gating each stage transition.
package operation

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phalanx-rt/phalanx/pkg/event"
)

// Kind discriminates the operation variants scheduled through a context.
type Kind uint8

// Operation kinds.
const (
	KindTask Kind = iota
	KindIndexTask
	KindCopy
	KindIndexCopy
	KindFill
	KindIndexFill
	KindInline
	KindAcquire
	KindRelease
	KindAttach
	KindDetach
	KindDiscard
	KindPartition
	KindClose
	KindRefinement
	KindFence
	KindFrame
	KindTraceBegin
	KindTraceEnd
	KindTraceSummary
	KindMustEpoch
	KindTiming
	KindTunable
	KindDeletion
)

// kindNames indexes Kind for diagnostics.
var kindNames = [...]string{
	"task", "index-task", "copy", "index-copy", "fill", "index-fill",
	"inline", "acquire", "release", "attach", "detach", "discard",
	"partition", "close", "refinement", "fence", "frame", "trace-begin",
	"trace-end", "trace-summary", "must-epoch", "timing", "tunable",
	"deletion",
}

// String returns the kind name.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}

	return "unknown"
}

// Stage is the pipeline stage of an operation. Stages advance strictly
// forward: Executing → Executed → Complete → Committed.
type Stage uint8

// Pipeline stages.
const (
	// StageExecuting covers registration through the end of mapping.
	StageExecuting Stage = iota

	// StageExecuted means mapping finished on this node.
	StageExecuted

	// StageComplete means the completion event triggered (work done,
	// possibly remotely).
	StageComplete

	// StageCommitted means all side effects are durable; storage may be
	// reclaimed.
	StageCommitted
)

// stageNames indexes Stage for diagnostics.
var stageNames = [...]string{"executing", "executed", "complete", "committed"}

// String returns the stage name.
func (s Stage) String() string {
	if int(s) < len(stageNames) {
		return stageNames[s]
	}

	return "unknown"
}

// ErrStageRegression is returned when a stage transition would move
// backwards. Forward transitions may skip stages.
var ErrStageRegression = errors.New("operation stage may only advance forward")

// NoIndex marks an operation not yet assigned a context index.
const NoIndex = ^uint64(0)

// Base is the shared state of every scheduled operation. Concrete operation
// types embed it and the pipeline drives it through its stages.
type Base struct {
	uid      uint64
	kind     Kind
	mapperID uint32
	tag      uint64

	mu       sync.Mutex
	ctxIndex uint64
	stage    Stage

	precondition *event.Event
	mapped       event.UserEvent
	completion   event.UserEvent
	commit       event.UserEvent

	resourceRefs atomic.Int64
}

// Init prepares the base for scheduling. uid must be unique on the node and
// strictly greater than the parent context's.
func (b *Base) Init(g *event.Graph, uid uint64, kind Kind) {
	b.uid = uid
	b.kind = kind
	b.ctxIndex = NoIndex
	b.mapped = g.NewUserEvent()
	b.completion = g.NewUserEvent()
	b.commit = g.NewUserEvent()
}

// UID returns the operation's unique id.
func (b *Base) UID() uint64 { return b.uid }

// Kind returns the operation kind.
func (b *Base) Kind() Kind { return b.kind }

// SetMapper records the mapper steering this operation.
func (b *Base) SetMapper(id uint32, tag uint64) {
	b.mapperID = id
	b.tag = tag
}

// MapperID returns the steering mapper's id.
func (b *Base) MapperID() uint32 { return b.mapperID }

// MappingTag returns the application tag passed to the mapper.
func (b *Base) MappingTag() uint64 { return b.tag }

// ContextIndex returns the operation's position in its parent's program
// order, NoIndex before prepipeline assignment.
func (b *Base) ContextIndex() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.ctxIndex
}

// AssignContextIndex records the program-order position. Called once from
// the prepipeline stage.
func (b *Base) AssignContextIndex(idx uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ctxIndex = idx
}

// Stage returns the current pipeline stage.
func (b *Base) Stage() Stage {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stage
}

// advance moves to the target stage, enforcing forward-only progression.
func (b *Base) advance(target Stage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target < b.stage {
		return fmt.Errorf("%w: %s -> %s (op %d)", ErrStageRegression, b.stage, target, b.uid)
	}

	b.stage = target

	return nil
}

// SetPrecondition installs the merged fan-in event gating mapping and
// execution.
func (b *Base) SetPrecondition(ev *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.precondition = ev
}

// Precondition returns the merged fan-in event, nil when unconstrained.
func (b *Base) Precondition() *event.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.precondition
}

// MappedEvent fires when mapping finishes on this node.
func (b *Base) MappedEvent() *event.Event { return b.mapped.Event }

// CompletionEvent fires when the operation's work is done; successors merge
// it into their preconditions.
func (b *Base) CompletionEvent() *event.Event { return b.completion.Event }

// CommitEvent fires when the operation's effects are final.
func (b *Base) CommitEvent() *event.Event { return b.commit.Event }

// TriggerMapped marks mapping finished and advances to Executed.
func (b *Base) TriggerMapped() error {
	if err := b.advance(StageExecuted); err != nil {
		return err
	}

	b.mapped.Trigger()

	return nil
}

// TriggerCompletion marks the work done and advances to Complete. The
// completion event always fires before the commit event.
func (b *Base) TriggerCompletion(outcome event.Outcome) error {
	if err := b.advance(StageComplete); err != nil {
		return err
	}

	b.completion.TriggerWith(outcome)

	return nil
}

// TriggerCommit finalizes the operation and advances to Committed.
func (b *Base) TriggerCommit(outcome event.Outcome) error {
	if err := b.advance(StageCommitted); err != nil {
		return err
	}

	b.commit.TriggerWith(outcome)

	return nil
}

// PropagatePoison short-circuits a poisoned precondition: mapping,
// completion and commit all fire poisoned and the operation advances
// straight to Committed without running.
func (b *Base) PropagatePoison() {
	b.mu.Lock()
	b.stage = StageCommitted
	b.mu.Unlock()

	b.mapped.TriggerWith(event.OutcomePoisoned)
	b.completion.TriggerWith(event.OutcomePoisoned)
	b.commit.TriggerWith(event.OutcomePoisoned)
}

// AddResourceRef takes a resource reference that must drop before the
// operation's storage can be reclaimed.
func (b *Base) AddResourceRef() {
	b.resourceRefs.Add(1)
}

// RemoveResourceRef drops a resource reference.
func (b *Base) RemoveResourceRef() {
	b.resourceRefs.Add(-1)
}

// ResourceRefs returns the live reference count.
func (b *Base) ResourceRefs() int64 {
	return b.resourceRefs.Load()
}

// Reclaimable reports whether the operation may be freed: committed with no
// outstanding references on any node.
func (b *Base) Reclaimable() bool {
	return b.Stage() == StageCommitted && b.resourceRefs.Load() == 0
}
