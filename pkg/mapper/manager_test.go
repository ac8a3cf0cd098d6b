package mapper_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// badProcMapper wraps the default mapper but maps tasks onto a processor
// that does not exist.
type badProcMapper struct {
	*mapper.DefaultMapper
}

func (b *badProcMapper) MapTask(in mapper.MapTaskIn) mapper.MapTaskOut {
	out := b.DefaultMapper.MapTask(in)
	out.TargetProc = machine.Processor{ID: 999, Kind: machine.ProcGPU}

	return out
}

func newMachine(t *testing.T) *machine.Machine {
	t.Helper()

	m, err := machine.New(machine.Config{CPUs: 2, Utils: 1})
	require.NoError(t, err)

	return m
}

func TestManager_MapTaskValidOutput(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	mgr := mapper.NewManager(mapper.NewDefault(m), m, mapper.ModeSafe, nil)

	out, err := mgr.MapTask(mapper.MapTaskIn{
		Task:           1,
		Requirements:   []region.Requirement{{Privilege: region.ReadWrite, Fields: region.Fields(0)}},
		ValidProcKinds: []machine.ProcKind{machine.ProcCPU},
	})
	require.NoError(t, err)
	assert.Equal(t, machine.ProcCPU, out.TargetProc.Kind)
	require.Len(t, out.ChosenInstances, 1)
	assert.NotEmpty(t, out.ChosenInstances[0])
}

func TestManager_SafeModeViolationIsFatal(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	bad := &badProcMapper{DefaultMapper: mapper.NewDefault(m)}
	mgr := mapper.NewManager(bad, m, mapper.ModeSafe, nil)

	_, err := mgr.MapTask(mapper.MapTaskIn{
		Task:           1,
		ValidProcKinds: []machine.ProcKind{machine.ProcCPU},
	})
	require.ErrorIs(t, err, mapper.ErrMapperViolation)
}

func TestManager_ProductionModeBreakerEscalates(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	bad := &badProcMapper{DefaultMapper: mapper.NewDefault(m)}
	mgr := mapper.NewManager(bad, m, mapper.ModeProduction, nil)

	in := mapper.MapTaskIn{Task: 1, ValidProcKinds: []machine.ProcKind{machine.ProcCPU}}

	// Consecutive violations trip the breaker; the error keeps surfacing.
	for range 5 {
		_, err := mgr.MapTask(in)
		require.ErrorIs(t, err, mapper.ErrMapperViolation)
	}
}

func TestManager_SliceTaskMustCoverDomain(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	mgr := mapper.NewManager(mapper.NewDefault(m), m, mapper.ModeSafe, nil)

	cpus := m.ByKind(machine.ProcCPU)

	out, err := mgr.SliceTask(mapper.SliceTaskIn{
		Task:       1,
		Domain:     region.DomainFromRange(0, 9),
		TargetProc: cpus[0],
		Machine:    cpus,
	})
	require.NoError(t, err)

	var covered int64
	for _, s := range out.Slices {
		covered += s.Domain.Volume()
	}

	assert.Equal(t, int64(10), covered)
}

func TestManager_ConfigureContextDefaults(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	mgr := mapper.NewManager(mapper.NewDefault(m), m, mapper.ModeSafe, nil)

	cfg, err := mgr.ConfigureContext(mapper.ContextConfigIn{})
	require.NoError(t, err)
	assert.Equal(t, mapper.DefaultWindowSize, cfg.WindowSize)
	assert.Equal(t, mapper.DefaultHysteresisPercent, cfg.HysteresisPercent)
	assert.Equal(t, mapper.DefaultMaxTemplatesPerTrace, cfg.MaxTemplatesPerTrace)
}

func TestManager_MustEpochRequiresDistinctProcessors(t *testing.T) {
	t.Parallel()

	m := newMachine(t)
	mgr := mapper.NewManager(mapper.NewDefault(m), m, mapper.ModeSafe, nil)

	// Four tasks over two CPUs plus one util: default round-robin reuses a
	// processor, which the contract forbids.
	_, err := mgr.MapMustEpoch(mapper.MapMustEpochIn{Tasks: []mapper.TaskID{1, 2, 3, 4}})
	require.ErrorIs(t, err, mapper.ErrMapperViolation)
}
