package runtime

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
)

// ErrVariantRegistered is returned when registering a duplicate variant.
var ErrVariantRegistered = errors.New("task variant already registered")

// VariantDesc declares one implementation variant of a task. The declared
// properties select which context kind the variant's children run under.
type VariantDesc struct {
	ID mapper.VariantID

	// Leaf variants launch no child operations; they run under a
	// LeafContext.
	Leaf bool

	// Inner variants only launch children and touch no data directly.
	Inner bool

	// Replicable variants may be control-replicated across shards.
	Replicable bool

	// InnerInliner marks a variant that may launch children even while
	// inlined into its parent.
	InnerInliner bool

	// ProcKinds lists the processor kinds the variant can run on. Empty
	// means CPU only.
	ProcKinds []machine.ProcKind
}

// procKinds returns the declared kinds with the CPU default applied.
func (v VariantDesc) procKinds() []machine.ProcKind {
	if len(v.ProcKinds) == 0 {
		return []machine.ProcKind{machine.ProcCPU}
	}

	return v.ProcKinds
}

// taskVariant pairs a variant's declaration with its body.
type taskVariant struct {
	desc VariantDesc
	fn   TaskFunc
}

// TaskRecord is the registry entry for one task id.
type TaskRecord struct {
	ID   mapper.TaskID
	Name string

	variants map[mapper.VariantID]*taskVariant
	order    []mapper.VariantID
}

// VariantIDs returns the registered variant ids in registration order.
func (r *TaskRecord) VariantIDs() []mapper.VariantID {
	return r.order
}

// TaskRegistry maps task ids to their registered variants.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[mapper.TaskID]*TaskRecord
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[mapper.TaskID]*TaskRecord)}
}

// Register installs one variant of a task.
func (tr *TaskRegistry) Register(id mapper.TaskID, name string, desc VariantDesc, fn TaskFunc) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	record, ok := tr.tasks[id]
	if !ok {
		record = &TaskRecord{ID: id, Name: name, variants: make(map[mapper.VariantID]*taskVariant)}
		tr.tasks[id] = record
	}

	if _, exists := record.variants[desc.ID]; exists {
		return fmt.Errorf("%w: task %d variant %d", ErrVariantRegistered, id, desc.ID)
	}

	record.variants[desc.ID] = &taskVariant{desc: desc, fn: fn}
	record.order = append(record.order, desc.ID)

	return nil
}

// Lookup resolves a task id.
func (tr *TaskRegistry) Lookup(id mapper.TaskID) (*TaskRecord, error) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	record, ok := tr.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTask, id)
	}

	return record, nil
}

// selectVariant resolves a task and one of its variants. When wanted is nil
// the mapper's choice applies later; the first registered variant is the
// provisional selection.
func (tr *TaskRegistry) selectVariant(id mapper.TaskID, wanted *mapper.VariantID) (*TaskRecord, *taskVariant, error) {
	record, err := tr.Lookup(id)
	if err != nil {
		return nil, nil, err
	}

	tr.mu.RLock()
	defer tr.mu.RUnlock()

	if wanted != nil {
		v, ok := record.variants[*wanted]
		if !ok {
			return nil, nil, fmt.Errorf("%w: task %d variant %d", ErrNoVariant, id, *wanted)
		}

		return record, v, nil
	}

	if len(record.order) == 0 {
		return nil, nil, fmt.Errorf("%w: task %d has no variants", ErrNoVariant, id)
	}

	return record, record.variants[record.order[0]], nil
}
