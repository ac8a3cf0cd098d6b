package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/event"
)

func TestUserEvent_TriggerFiresWaiters(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	ue := g.NewUserEvent()

	require.False(t, ue.HasTriggered())

	var got event.Outcome

	var wg sync.WaitGroup

	wg.Add(1)
	ue.Subscribe(func(out event.Outcome) {
		got = out

		wg.Done()
	})

	ue.Trigger()
	wg.Wait()

	assert.Equal(t, event.OutcomeTriggered, got)
	assert.True(t, ue.HasTriggered())
	assert.False(t, ue.Poisoned())
}

func TestUserEvent_DoubleTriggerIsNoOp(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	ue := g.NewUserEvent()

	ue.Trigger()
	ue.Poison() // must not flip the outcome

	out, fired := ue.TryOutcome()
	require.True(t, fired)
	assert.Equal(t, event.OutcomeTriggered, out)
}

func TestNilEvent_BehavesTriggered(t *testing.T) {
	t.Parallel()

	var ev *event.Event

	assert.True(t, ev.HasTriggered())
	assert.False(t, ev.Poisoned())

	out, err := ev.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeTriggered, out)

	select {
	case <-ev.Done():
	default:
		t.Fatal("nil event Done channel should be closed")
	}
}

func TestMerge_WaitsForAllInputs(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	a := g.NewUserEvent()
	b := g.NewUserEvent()

	merged := g.Merge(a.Event, b.Event)
	require.NotNil(t, merged)

	a.Trigger()
	assert.False(t, merged.HasTriggered())

	b.Trigger()

	out, err := merged.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.OutcomeTriggered, out)
}

func TestMerge_PoisonDominates(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	a := g.NewUserEvent()
	b := g.NewUserEvent()

	merged := g.Merge(a.Event, b.Event)

	a.Poison()
	b.Trigger()

	out, err := merged.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.OutcomePoisoned, out)
	assert.True(t, merged.Poisoned())
}

func TestMerge_AlreadyPoisonedInput(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	a := g.NewUserEvent()
	a.Poison()

	b := g.NewUserEvent()
	b.Trigger()

	merged := g.Merge(a.Event, b.Event)

	out, err := merged.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.OutcomePoisoned, out)
}

func TestMerge_NilAndTriggeredInputsCollapse(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	done := g.NewUserEvent()
	done.Trigger()

	assert.Nil(t, g.Merge(nil, done.Event))

	live := g.NewUserEvent()
	merged := g.Merge(nil, done.Event, live.Event)
	assert.Same(t, live.Event, merged)
}

func TestWait_ContextCancellation(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	ue := g.NewUserEvent()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ue.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPhaseBarrier_ArrivalsGateWaiters(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	pb := g.NewPhaseBarrier(3)

	require.NoError(t, pb.Arrive(1))
	require.NoError(t, pb.Arrive(1))

	ev := pb.WaitEvent()
	require.NotNil(t, ev)
	assert.False(t, ev.HasTriggered())

	require.NoError(t, pb.Arrive(1))
	assert.True(t, ev.HasTriggered())
}

func TestPhaseBarrier_GenerationsIndependent(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	pb := g.NewPhaseBarrier(1)
	next := pb.Advance()

	require.Equal(t, pb.Name(), next.Name())
	require.Equal(t, pb.Generation()+1, next.Generation())

	require.NoError(t, pb.Arrive(1))
	assert.True(t, pb.WaitEvent().HasTriggered())
	assert.False(t, next.WaitEvent().HasTriggered())
}

func TestPhaseBarrier_TooManyArrivals(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	pb := g.NewPhaseBarrier(1)

	require.NoError(t, pb.Arrive(1))
	require.ErrorIs(t, pb.Arrive(1), event.ErrGenerationRetired)
}

func TestPhaseBarrier_PoisonedArrivalPoisonsGeneration(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	pb := g.NewPhaseBarrier(2)

	require.NoError(t, pb.ArrivePoisoned(1))
	require.NoError(t, pb.Arrive(1))

	out, err := pb.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.OutcomePoisoned, out)
}

func TestPhaseBarrier_AdvancePastPhaseLimitGetsFreshName(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	pb := g.NewPhaseBarrier(1)

	last := pb
	for range event.MaxBarrierPhases - 1 {
		last = last.Advance()
	}

	fresh := last.Advance()
	assert.NotEqual(t, pb.Name(), fresh.Name())
	assert.Equal(t, uint64(0), fresh.Generation())
}

func TestDynamicCollective_SumResult(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()

	dc, err := g.NewDynamicCollective(3, event.ReductionSumInt64, int64(10))
	require.NoError(t, err)

	require.NoError(t, dc.ArriveWith(int64(1)))
	require.NoError(t, dc.ArriveWith(int64(2)))
	require.NoError(t, dc.ArriveWith(int64(3)))

	result, err := dc.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(16), result)
}

func TestDynamicCollective_ResultVisibleOnlyAfterAllArrivals(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()

	dc, err := g.NewDynamicCollective(2, event.ReductionMaxInt64, nil)
	require.NoError(t, err)

	require.NoError(t, dc.ArriveWith(int64(7)))

	resultCh := make(chan any, 1)

	go func() {
		v, resErr := dc.Result(context.Background())
		if resErr == nil {
			resultCh <- v
		}
	}()

	select {
	case <-resultCh:
		t.Fatal("result observable before final arrival")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, dc.ArriveWith(int64(3)))

	select {
	case v := <-resultCh:
		assert.Equal(t, int64(7), v)
	case <-time.After(time.Second):
		t.Fatal("result never became available")
	}
}

func TestDynamicCollective_UnknownReduction(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()

	_, err := g.NewDynamicCollective(1, event.ReductionOpID(999), nil)
	require.ErrorIs(t, err, event.ErrUnknownReduction)
}
