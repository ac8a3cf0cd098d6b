package runtime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// Remote method names on the wire.
const (
	methodComputeEquivalenceSets = "compute_equivalence_sets"
	methodPhysicalContext        = "physical_context"
	methodRegisterCollectiveView = "register_collective_view"
)

// ErrUnknownRemoteMethod is returned by the owner service for an
// unrecognized method name.
var ErrUnknownRemoteMethod = errors.New("unknown remote context method")

// Transport carries serialized calls between a remote stub and the node
// that owns the live context. Payloads use host byte order; a job is
// assumed byte-order homogeneous.
type Transport interface {
	Call(ctx context.Context, method string, request []byte) ([]byte, error)
}

// RemoteContext is a stub representing a context whose live state lives on
// another node. It forwards queries to the owner and caches read-mostly
// results under a local lock until Invalidate drops them.
type RemoteContext struct {
	rt        *Runtime
	ownerUID  uint64
	transport Transport

	mu    sync.Mutex
	cache map[string][]byte
}

// NewRemoteContext builds a stub for the context with the given owner uid.
func NewRemoteContext(rt *Runtime, ownerUID uint64, transport Transport) *RemoteContext {
	return &RemoteContext{
		rt:        rt,
		ownerUID:  ownerUID,
		transport: transport,
		cache:     make(map[string][]byte),
	}
}

// OwnerUID returns the uid of the context this stub represents.
func (rc *RemoteContext) OwnerUID() uint64 { return rc.ownerUID }

// cachedCall forwards a request, serving repeat queries from the local
// cache.
func (rc *RemoteContext) cachedCall(ctx context.Context, method string, request []byte) ([]byte, error) {
	key := method + ":" + string(request)

	rc.mu.Lock()
	if cached, ok := rc.cache[key]; ok {
		rc.mu.Unlock()

		return cached, nil
	}
	rc.mu.Unlock()

	response, err := rc.transport.Call(ctx, method, request)
	if err != nil {
		return nil, err
	}

	rc.mu.Lock()
	rc.cache[key] = response
	rc.mu.Unlock()

	return response, nil
}

// Invalidate drops cached responses. With no keys, the whole cache is
// dropped. ContextService sends no invalidation messages: cached responses
// stay until Invalidate is called.
func (rc *RemoteContext) Invalidate(keys ...string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if len(keys) == 0 {
		rc.cache = make(map[string][]byte)

		return
	}

	for _, key := range keys {
		delete(rc.cache, key)
	}
}

// ComputeEquivalenceSets queries the owner for a tree's equivalence-set
// version.
func (rc *RemoteContext) ComputeEquivalenceSets(ctx context.Context, tree region.TreeID) (uint64, error) {
	request := make([]byte, 4)
	binary.NativeEndian.PutUint32(request, uint32(tree))

	response, err := rc.cachedCall(ctx, methodComputeEquivalenceSets, request)
	if err != nil {
		return 0, err
	}

	return binary.NativeEndian.Uint64(response), nil
}

// PhysicalContext queries the owner for a tree's physical context id.
func (rc *RemoteContext) PhysicalContext(ctx context.Context, tree region.TreeID) (uint64, error) {
	request := make([]byte, 4)
	binary.NativeEndian.PutUint32(request, uint32(tree))

	response, err := rc.cachedCall(ctx, methodPhysicalContext, request)
	if err != nil {
		return 0, err
	}

	return binary.NativeEndian.Uint64(response), nil
}

// RegisterCollectiveView registers an instance view with the owner. Writes
// are never cached.
func (rc *RemoteContext) RegisterCollectiveView(ctx context.Context, inst mapper.InstanceID) error {
	request := make([]byte, 8)
	binary.NativeEndian.PutUint64(request, uint64(inst))

	_, err := rc.transport.Call(ctx, methodRegisterCollectiveView, request)

	return err
}

// ContextService is the owner-side handler answering remote stubs for one
// live context.
type ContextService struct {
	owner *InnerContext

	mu    sync.Mutex
	views map[mapper.InstanceID]int
}

// NewContextService wraps a live context for remote access.
func NewContextService(owner *InnerContext) *ContextService {
	return &ContextService{
		owner: owner,
		views: make(map[mapper.InstanceID]int),
	}
}

// ViewCount returns the registered collective views for an instance.
func (cs *ContextService) ViewCount(inst mapper.InstanceID) int {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.views[inst]
}

// Handle serves one remote call.
func (cs *ContextService) Handle(_ context.Context, method string, request []byte) ([]byte, error) {
	switch method {
	case methodComputeEquivalenceSets:
		tree := region.TreeID(binary.NativeEndian.Uint32(request))
		response := make([]byte, 8)
		binary.NativeEndian.PutUint64(response, cs.owner.rt.forest.TreeVersion(tree))

		return response, nil

	case methodPhysicalContext:
		// The physical context of a tree owned here is this context's uid
		// salted with the tree id so distinct trees get distinct ids.
		tree := binary.NativeEndian.Uint32(request)
		response := make([]byte, 8)
		binary.NativeEndian.PutUint64(response, cs.owner.uid<<16|uint64(tree&0xffff))

		return response, nil

	case methodRegisterCollectiveView:
		inst := mapper.InstanceID(binary.NativeEndian.Uint64(request))

		cs.mu.Lock()
		cs.views[inst]++
		cs.mu.Unlock()

		return nil, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRemoteMethod, method)
	}
}

// LoopbackTransport serves remote calls in-process, for single-node jobs
// and tests.
type LoopbackTransport struct {
	Service *ContextService
}

// Call implements Transport.
func (lt LoopbackTransport) Call(ctx context.Context, method string, request []byte) ([]byte, error) {
	return lt.Service.Handle(ctx, method, request)
}
