// Package machine describes the processors the runtime schedules onto.
package machine

import (
	"errors"
	"fmt"
)

// ProcKind is the kind of a processor.
type ProcKind uint8

// Processor kinds.
const (
	ProcCPU ProcKind = iota
	ProcGPU
	ProcIO
	ProcPy
	ProcUtil
)

// procKindNames indexes ProcKind.
var procKindNames = [...]string{"cpu", "gpu", "io", "py", "util"}

// String returns the kind name.
func (k ProcKind) String() string {
	if int(k) < len(procKindNames) {
		return procKindNames[k]
	}

	return "unknown"
}

// ProcID identifies one processor within the machine.
type ProcID uint32

// Processor is one schedulable execution resource.
type Processor struct {
	ID   ProcID
	Kind ProcKind
}

// Nil reports whether the processor handle is empty.
func (p Processor) Nil() bool { return p.ID == 0 }

// String renders the processor for logs.
func (p Processor) String() string {
	return fmt.Sprintf("%s#%d", p.Kind, p.ID)
}

// ErrNoProcessors is returned when a machine is built with no processors of
// any kind.
var ErrNoProcessors = errors.New("machine has no processors")

// Config declares the processor counts per kind for one node.
type Config struct {
	CPUs  int
	GPUs  int
	IOs   int
	Pys   int
	Utils int
}

// Machine is the node's fixed processor inventory.
type Machine struct {
	procs  []Processor
	byKind map[ProcKind][]Processor
}

// New builds a machine from per-kind counts. At least one CPU or GPU and
// one utility processor are always present.
func New(cfg Config) (*Machine, error) {
	if cfg.CPUs <= 0 && cfg.GPUs <= 0 {
		return nil, fmt.Errorf("%w: need at least one CPU or GPU", ErrNoProcessors)
	}

	if cfg.Utils <= 0 {
		cfg.Utils = 1
	}

	m := &Machine{byKind: make(map[ProcKind][]Processor)}

	add := func(kind ProcKind, count int) {
		for range count {
			p := Processor{ID: ProcID(len(m.procs) + 1), Kind: kind}
			m.procs = append(m.procs, p)
			m.byKind[kind] = append(m.byKind[kind], p)
		}
	}

	add(ProcCPU, cfg.CPUs)
	add(ProcGPU, cfg.GPUs)
	add(ProcIO, cfg.IOs)
	add(ProcPy, cfg.Pys)
	add(ProcUtil, cfg.Utils)

	return m, nil
}

// Processors returns every processor on the node.
func (m *Machine) Processors() []Processor {
	return m.procs
}

// ByKind returns the processors of one kind.
func (m *Machine) ByKind(kind ProcKind) []Processor {
	return m.byKind[kind]
}

// Lookup resolves a processor id.
func (m *Machine) Lookup(id ProcID) (Processor, bool) {
	if id == 0 || int(id) > len(m.procs) {
		return Processor{}, false
	}

	return m.procs[id-1], true
}
