package runtime_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/region"
	"github.com/phalanx-rt/phalanx/pkg/runtime"
)

// countingTransport wraps the loopback transport and counts calls so cache
// hits are observable.
type countingTransport struct {
	inner runtime.LoopbackTransport
	calls int
}

func (c *countingTransport) Call(ctx context.Context, method string, request []byte) ([]byte, error) {
	c.calls++

	return c.inner.Call(ctx, method, request)
}

func TestRemoteContext_ForwardsAndCaches(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		lr := makeRegion(t, ctx, tc)

		owner, ok := tc.(*runtime.InnerContext)
		require.True(t, ok)

		service := runtime.NewContextService(owner)
		transport := &countingTransport{inner: runtime.LoopbackTransport{Service: service}}
		stub := runtime.NewRemoteContext(rt, owner.UID(), transport)

		v1, err := stub.ComputeEquivalenceSets(ctx, lr.Tree)
		require.NoError(t, err)
		assert.Equal(t, rt.Forest().TreeVersion(lr.Tree), v1)

		// Repeat query served from the stub's cache.
		_, err = stub.ComputeEquivalenceSets(ctx, lr.Tree)
		require.NoError(t, err)
		assert.Equal(t, 1, transport.calls)

		// Invalidation forces a refetch after the owner's state changed.
		rt.Forest().ResetEquivalenceSets(lr.Tree)
		stub.Invalidate()

		v2, err := stub.ComputeEquivalenceSets(ctx, lr.Tree)
		require.NoError(t, err)
		assert.Equal(t, v1+1, v2)
		assert.Equal(t, 2, transport.calls)

		// Physical-context lookups are cacheable too.
		pc, err := stub.PhysicalContext(ctx, lr.Tree)
		require.NoError(t, err)
		assert.NotZero(t, pc)

		// Collective-view registrations always reach the owner.
		require.NoError(t, stub.RegisterCollectiveView(ctx, 7))
		require.NoError(t, stub.RegisterCollectiveView(ctx, 7))
		assert.Equal(t, 2, service.ViewCount(7))

		return nil, nil
	})

	runTop(t, rt)
}

func TestRemoteContext_UnknownMethod(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		owner := tc.(*runtime.InnerContext)
		service := runtime.NewContextService(owner)

		_, err := service.Handle(ctx, "bogus_method", nil)
		require.ErrorIs(t, err, runtime.ErrUnknownRemoteMethod)

		return nil, nil
	})

	runTop(t, rt)
}

func TestReorderBufferDump(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, nil)

	registerTop(t, rt, func(ctx context.Context, tc runtime.Context, _ any) (any, error) {
		inner := tc.(*runtime.InnerContext)

		var sb strings.Builder

		inner.DumpReorderBuffer(&sb)
		assert.Contains(t, sb.String(), "INDEX")

		return nil, nil
	})

	runTop(t, rt)
}
