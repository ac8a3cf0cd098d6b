package tracing

import (
	"sync"
	"sync/atomic"

	"github.com/phalanx-rt/phalanx/pkg/region"
)

// DefaultMaxTemplates is the default cap on cached templates per trace id.
const DefaultMaxTemplates = 16

// templateEntry is a doubly-linked list node for LRU tracking.
type templateEntry struct {
	template *Template
	prev     *templateEntry
	next     *templateEntry
}

// traceState holds the cached templates for one trace id, most recently
// used first.
type traceState struct {
	head  *templateEntry
	tail  *templateEntry
	count int
}

// moveToFront promotes an entry to most recently used.
func (ts *traceState) moveToFront(e *templateEntry) {
	if ts.head == e {
		return
	}

	ts.unlink(e)
	ts.pushFront(e)
}

func (ts *traceState) pushFront(e *templateEntry) {
	e.prev = nil
	e.next = ts.head

	if ts.head != nil {
		ts.head.prev = e
	}

	ts.head = e
	if ts.tail == nil {
		ts.tail = e
	}

	ts.count++
}

func (ts *traceState) unlink(e *templateEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		ts.head = e.next
	}

	if e.next != nil {
		e.next.prev = e.prev
	} else {
		ts.tail = e.prev
	}

	e.prev = nil
	e.next = nil
	ts.count--
}

// Cache is the per-context trace registry: up to maxTemplates templates per
// trace id under LRU eviction.
type Cache struct {
	mu           sync.Mutex
	traces       map[ID]*traceState
	maxTemplates int

	// Metrics (atomic for lock-free reads).
	replays  atomic.Int64
	captures atomic.Int64
	misses   atomic.Int64
}

// NewCache creates a cache capped at maxTemplates templates per trace id.
func NewCache(maxTemplates int) *Cache {
	if maxTemplates <= 0 {
		maxTemplates = DefaultMaxTemplates
	}

	return &Cache{
		traces:       make(map[ID]*traceState),
		maxTemplates: maxTemplates,
	}
}

// Install adds a freshly captured template as most recently used, evicting
// the least recently used template when the trace is at capacity.
func (c *Cache) Install(trace ID, t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.traces[trace]
	if !ok {
		ts = &traceState{}
		c.traces[trace] = ts
	}

	for ts.count >= c.maxTemplates && ts.tail != nil {
		ts.unlink(ts.tail)
	}

	ts.pushFront(&templateEntry{template: t})
	c.captures.Add(1)
}

// FindReplayable returns the most recently used replayable template for the
// trace, promoting it, or nil when no template can replay. Templates whose
// touched trees changed since capture are dropped from the cache.
func (c *Cache) FindReplayable(trace ID, forest *region.Forest) *Template {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.traces[trace]
	if !ok {
		c.misses.Add(1)

		return nil
	}

	for e := ts.head; e != nil; {
		next := e.next

		if !e.template.Replayable(forest) {
			ts.unlink(e)
			e = next

			continue
		}

		ts.moveToFront(e)
		c.replays.Add(1)

		return e.template
	}

	c.misses.Add(1)

	return nil
}

// Invalidate drops every template of every trace that touched the given
// tree.
func (c *Cache) Invalidate(tree region.TreeID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ts := range c.traces {
		for e := ts.head; e != nil; {
			next := e.next
			if _, touched := e.template.trees[tree]; touched {
				ts.unlink(e)
			}

			e = next
		}
	}
}

// TemplateCount returns the number of cached templates for a trace.
func (c *Cache) TemplateCount(trace ID) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.traces[trace]
	if !ok {
		return 0
	}

	return ts.count
}

// Stats returns cumulative replay, capture, and miss counts.
func (c *Cache) Stats() (replays, captures, misses int64) {
	return c.replays.Load(), c.captures.Load(), c.misses.Load()
}
