package future_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/future"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

func TestFuture_SetThenGet(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	f := future.NewPending(g, "")

	_, resolved := f.TryGet()
	require.False(t, resolved)

	require.NoError(t, f.Set(int64(7)))

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
	assert.True(t, f.ReadyEvent().HasTriggered())
}

func TestFuture_ImmutableOnceSet(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	f := future.FromValue(g, "first")

	require.ErrorIs(t, f.Set("second"), future.ErrAlreadySet)

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)
}

func TestFuture_TypeTagEnforced(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	f := future.NewPending(g, "int64")

	require.ErrorIs(t, f.Set("nope"), future.ErrTypeMismatch)
	require.NoError(t, f.Set(int64(1)))
}

func TestFuture_PoisonObservedByGet(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	f := future.NewPending(g, "")
	f.Poison()

	_, err := f.Get(context.Background())
	require.ErrorIs(t, err, future.ErrPoisoned)
}

func buildMap(t *testing.T, g *event.Graph) *future.Map {
	t.Helper()

	domain := region.DomainFromRange(0, 3)
	m := future.NewMap(g, domain)

	for i := int64(0); i <= 3; i++ {
		m.SetPoint(region.Pt1(i), future.FromValue(g, i))
	}

	return m
}

func TestMap_PointAndWait(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	m := buildMap(t, g)

	require.NoError(t, m.Wait(context.Background()))

	f, err := m.Point(region.Pt1(2))
	require.NoError(t, err)

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = m.Point(region.Pt1(9))
	require.ErrorIs(t, err, future.ErrNoSuchPoint)
}

func TestMap_ReduceSumsPoints(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	m := buildMap(t, g)

	total, err := m.Reduce(event.ReductionSumInt64, int64(10)).Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(16), total)
}

func TestMap_ReducePoisonedPointPoisonsResult(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	domain := region.DomainFromRange(0, 1)
	m := future.NewMap(g, domain)

	m.SetPoint(region.Pt1(0), future.FromValue(g, int64(1)))

	bad := future.NewPending(g, "")
	m.SetPoint(region.Pt1(1), bad)
	bad.Poison()

	_, err := m.Reduce(event.ReductionSumInt64, nil).Get(context.Background())
	require.ErrorIs(t, err, future.ErrPoisoned)
}

func TestMap_TransformAppliesPerPoint(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	m := buildMap(t, g)

	doubled := m.Transform(func(_ region.Point, v any) any {
		return v.(int64) * 2
	})

	require.NoError(t, doubled.Wait(context.Background()))

	f, err := doubled.Point(region.Pt1(3))
	require.NoError(t, err)

	v, err := f.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), v)
}
