package pipeline_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/operation"
	"github.com/phalanx-rt/phalanx/pkg/pipeline"
)

// syncExecutor runs submitted meta-tasks on a single background goroutine so
// queue ordering is observable.
type syncExecutor struct {
	mu   sync.Mutex
	jobs []func()
	cond *sync.Cond
	stop bool
}

func newSyncExecutor() *syncExecutor {
	e := &syncExecutor{}
	e.cond = sync.NewCond(&e.mu)

	go e.loop()

	return e
}

func (e *syncExecutor) Submit(fn func()) {
	e.mu.Lock()
	e.jobs = append(e.jobs, fn)
	e.cond.Signal()
	e.mu.Unlock()
}

func (e *syncExecutor) loop() {
	for {
		e.mu.Lock()
		for len(e.jobs) == 0 && !e.stop {
			e.cond.Wait()
		}

		if e.stop {
			e.mu.Unlock()

			return
		}

		job := e.jobs[0]
		e.jobs = e.jobs[1:]
		e.mu.Unlock()

		job()
	}
}

func (e *syncExecutor) close() {
	e.mu.Lock()
	e.stop = true
	e.cond.Signal()
	e.mu.Unlock()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(time.Millisecond)
	}

	t.Fatal("condition never satisfied")
}

func TestQueue_DrainsInIndexOrder(t *testing.T) {
	t.Parallel()

	// The executor loop starts only after every item is queued, so the first
	// drain sees all three items in one batch.
	exec := &syncExecutor{}
	exec.cond = sync.NewCond(&exec.mu)
	defer exec.close()

	q := pipeline.NewQueue(pipeline.StageDependence, exec, 8)

	var (
		mu  sync.Mutex
		got []uint64
	)

	record := func(idx uint64) func() {
		return func() {
			mu.Lock()
			got = append(got, idx)
			mu.Unlock()
		}
	}

	// Enqueue out of order within one batch.
	q.Add(pipeline.Item{Index: 3, Run: record(3)})
	q.Add(pipeline.Item{Index: 1, Run: record(1)})
	q.Add(pipeline.Item{Index: 2, Run: record(2)})

	go exec.loop()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(got) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestQueue_BatchCapYieldsAndResumes(t *testing.T) {
	t.Parallel()

	exec := newSyncExecutor()
	defer exec.close()

	const total = 40

	q := pipeline.NewQueue(pipeline.StageReady, exec, 16)

	var count sync.WaitGroup

	count.Add(total)

	for i := range total {
		q.Add(pipeline.Item{Index: uint64(i), Run: count.Done})
	}

	done := make(chan struct{})

	go func() {
		count.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue never drained past the batch cap")
	}

	assert.Equal(t, 0, q.Len())
}

func TestQueueSet_DepthsTrackEveryStage(t *testing.T) {
	t.Parallel()

	exec := newSyncExecutor()
	defer exec.close()

	qs := pipeline.NewQueueSet(exec, 4)

	require.Equal(t, pipeline.StageDependence, qs.Queue(pipeline.StageDependence).Stage())

	depths := qs.Depths()
	for _, d := range depths {
		assert.Equal(t, 0, d)
	}
}

func newOp(g *event.Graph, uid uint64) *operation.Base {
	var b operation.Base

	b.Init(g, uid, operation.KindTask)

	return &b
}

func TestReorderBuffer_RetiresInIndexOrder(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	rob := pipeline.NewReorderBuffer()

	a := newOp(g, 1)
	b := newOp(g, 2)
	c := newOp(g, 3)

	require.Equal(t, uint64(0), rob.Allocate(a))
	require.Equal(t, uint64(1), rob.Allocate(b))
	require.Equal(t, uint64(2), rob.Allocate(c))

	var retired []uint64

	rob.OnRetire(func(op *operation.Base) {
		retired = append(retired, op.UID())
	})

	// Commit the middle op first: nothing may retire past the head.
	b.PropagatePoison()
	assert.Equal(t, 0, rob.Retire())
	assert.Equal(t, uint64(0), rob.Head())

	a.PropagatePoison()
	assert.Equal(t, 2, rob.Retire())
	assert.Equal(t, []uint64{1, 2}, retired)
	assert.Equal(t, uint64(2), rob.Head())

	c.PropagatePoison()
	assert.Equal(t, 1, rob.Retire())
	assert.Equal(t, 0, rob.Len())
}

func TestReorderBuffer_GetRespectsWindow(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	rob := pipeline.NewReorderBuffer()

	op := newOp(g, 9)
	idx := rob.Allocate(op)

	got, err := rob.Get(idx)
	require.NoError(t, err)
	assert.Same(t, op, got)

	_, err = rob.Get(idx + 1)
	require.ErrorIs(t, err, pipeline.ErrIndexOutOfWindow)

	op.PropagatePoison()
	rob.Retire()

	_, err = rob.Get(idx)
	require.ErrorIs(t, err, pipeline.ErrIndexOutOfWindow)
}

func TestReorderBuffer_DumpRendersTable(t *testing.T) {
	t.Parallel()

	g := event.NewGraph()
	rob := pipeline.NewReorderBuffer()
	rob.Allocate(newOp(g, 5))

	var sb strings.Builder

	rob.Dump(&sb)

	out := sb.String()
	assert.Contains(t, out, "KIND")
	assert.Contains(t, out, "task")
}
