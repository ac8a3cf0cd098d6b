package pipeline

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/phalanx-rt/phalanx/pkg/operation"
)

// ErrIndexOutOfWindow is returned when touching a reorder-buffer slot that
// was already retired or never allocated.
var ErrIndexOutOfWindow = errors.New("context index outside reorder buffer window")

// ReorderBuffer is the per-context ordered record of in-flight operations.
// Slots are keyed by context index; committed operations are freed strictly
// in index order so program order is preserved at retirement.
type ReorderBuffer struct {
	mu sync.Mutex

	// head is the context index of the oldest unretired slot.
	head uint64

	// next is the context index the next registered operation receives.
	next uint64

	// slots holds in-flight operations, slots[i] at index head+i. An
	// operation that committed out of order keeps its slot until every
	// older slot has retired.
	slots []*operation.Base

	// retireHooks run for each operation as it is freed, in index order.
	retireHooks []func(*operation.Base)
}

// NewReorderBuffer creates an empty buffer starting at index zero.
func NewReorderBuffer() *ReorderBuffer {
	return &ReorderBuffer{}
}

// OnRetire registers a hook invoked for every operation freed by Retire.
func (rb *ReorderBuffer) OnRetire(fn func(*operation.Base)) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.retireHooks = append(rb.retireHooks, fn)
}

// Allocate appends the operation, assigns its context index, and returns it.
func (rb *ReorderBuffer) Allocate(op *operation.Base) uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	idx := rb.next
	rb.next++
	op.AssignContextIndex(idx)
	rb.slots = append(rb.slots, op)

	return idx
}

// Len returns the number of unretired slots.
func (rb *ReorderBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return len(rb.slots)
}

// Head returns the context index of the oldest unretired operation.
func (rb *ReorderBuffer) Head() uint64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.head
}

// Get returns the operation at a context index.
func (rb *ReorderBuffer) Get(index uint64) (*operation.Base, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if index < rb.head || index >= rb.next {
		return nil, fmt.Errorf("%w: %d (window [%d,%d))", ErrIndexOutOfWindow, index, rb.head, rb.next)
	}

	op := rb.slots[index-rb.head]
	if op == nil {
		return nil, fmt.Errorf("%w: %d already retired", ErrIndexOutOfWindow, index)
	}

	return op, nil
}

// Retire frees every leading committed operation and returns how many were
// freed. An operation committed out of order stays in its slot until all
// older slots retire.
func (rb *ReorderBuffer) Retire() int {
	rb.mu.Lock()

	var freed []*operation.Base

	for len(rb.slots) > 0 {
		op := rb.slots[0]
		if op != nil && !op.Reclaimable() {
			break
		}

		if op != nil {
			freed = append(freed, op)
		}

		rb.slots[0] = nil
		rb.slots = rb.slots[1:]
		rb.head++
	}

	hooks := rb.retireHooks
	rb.mu.Unlock()

	for _, op := range freed {
		for _, hook := range hooks {
			hook(op)
		}
	}

	return len(freed)
}

// Walk visits every unretired operation in index order. Visiting stops when
// fn returns false.
func (rb *ReorderBuffer) Walk(fn func(*operation.Base) bool) {
	rb.mu.Lock()
	ops := make([]*operation.Base, 0, len(rb.slots))

	for _, op := range rb.slots {
		if op != nil {
			ops = append(ops, op)
		}
	}
	rb.mu.Unlock()

	for _, op := range ops {
		if !fn(op) {
			return
		}
	}
}

// Dump renders the buffer contents as a table for diagnostics.
func (rb *ReorderBuffer) Dump(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"index", "uid", "kind", "stage", "refs"})

	rb.Walk(func(op *operation.Base) bool {
		tw.AppendRow(table.Row{
			op.ContextIndex(), op.UID(), op.Kind().String(), op.Stage().String(), op.ResourceRefs(),
		})

		return true
	})

	tw.Render()
}
