package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phalanx-rt/phalanx/pkg/event"
	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/observability"
	"github.com/phalanx-rt/phalanx/pkg/profiling"
	"github.com/phalanx-rt/phalanx/pkg/region"
)

// procQueueDepth is the buffered depth of each processor's task queue.
const procQueueDepth = 128

// Config configures one runtime instance.
type Config struct {
	Machine machine.Config

	// WindowSize caps unretired children per context; zero means the
	// mapper-configured default.
	WindowSize int

	// HysteresisPercent is how far below the window the unretired count
	// must fall before blocked registrations wake.
	HysteresisPercent int

	// MaxOutstandingFrames caps in-flight frames per context.
	MaxOutstandingFrames int

	// MaxTemplatesPerTrace caps cached trace templates per trace id.
	MaxTemplatesPerTrace int

	// MetaBatchSize is the per-run drain cap of each stage queue.
	MetaBatchSize int

	// MapperMode selects how mapper violations are handled.
	MapperMode mapper.Mode

	// Mapper overrides the default mapper.
	Mapper mapper.Mapper

	// Logger is the structured logger. When nil, a discard logger is used.
	Logger *slog.Logger

	// Metrics records pipeline OTel metrics. Nil-safe: when nil, no
	// metrics are recorded.
	Metrics *observability.PipelineMetrics

	// Profiler streams typed profiling records. Nil-safe.
	Profiler *profiling.Profiler
}

// logger returns the configured logger, or a discard logger if nil.
func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}

	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// procWorker runs one processor's task queue on a dedicated goroutine.
type procWorker struct {
	proc machine.Processor
	work chan func()
}

// utilityPool drains pipeline meta-tasks on the utility processors. It
// implements pipeline.Executor.
type utilityPool struct {
	work   chan func()
	closed atomic.Bool
}

// Submit implements pipeline.Executor.
func (u *utilityPool) Submit(fn func()) {
	if u.closed.Load() {
		return
	}

	u.work <- fn
}

// Runtime is one node's runtime instance: the event graph, region forest,
// machine model, mapper, task registry, and the worker threads application
// tasks and pipeline meta-tasks run on.
type Runtime struct {
	cfg     Config
	logger  *slog.Logger
	graph   *event.Graph
	forest  *region.Forest
	machine *machine.Machine
	mapMgr  *mapper.Manager

	registry *TaskRegistry

	metrics  *observability.PipelineMetrics
	profiler *profiling.Profiler

	nextUID   atomic.Uint64
	startTime time.Time

	procs   map[machine.ProcID]*procWorker
	utility *utilityPool

	group    *errgroup.Group
	shutdown chan struct{}
	stopped  atomic.Bool
}

// New creates and starts a runtime instance.
func New(cfg Config) (*Runtime, error) {
	mach, err := machine.New(cfg.Machine)
	if err != nil {
		return nil, fmt.Errorf("machine: %w", err)
	}

	pol := cfg.Mapper
	if pol == nil {
		pol = mapper.NewDefault(mach)
	}

	logger := cfg.logger()

	rt := &Runtime{
		cfg:       cfg,
		logger:    logger,
		graph:     event.NewGraph(),
		forest:    region.NewForest(),
		machine:   mach,
		mapMgr:    mapper.NewManager(pol, mach, cfg.MapperMode, logger),
		registry:  NewTaskRegistry(),
		metrics:   cfg.Metrics,
		profiler:  cfg.Profiler,
		startTime: time.Now(),
		procs:     make(map[machine.ProcID]*procWorker),
		utility:   &utilityPool{work: make(chan func(), procQueueDepth)},
		shutdown:  make(chan struct{}),
	}

	rt.group = &errgroup.Group{}

	for _, p := range mach.Processors() {
		if p.Kind == machine.ProcUtil {
			continue
		}

		w := &procWorker{proc: p, work: make(chan func(), procQueueDepth)}
		rt.procs[p.ID] = w
		rt.group.Go(func() error {
			rt.runDispatcher(w.work)

			return nil
		})
	}

	for range mach.ByKind(machine.ProcUtil) {
		rt.group.Go(func() error {
			rt.runWorker(rt.utility.work)

			return nil
		})
	}

	logger.Info("runtime started",
		"cpus", len(mach.ByKind(machine.ProcCPU)),
		"gpus", len(mach.ByKind(machine.ProcGPU)),
		"utils", len(mach.ByKind(machine.ProcUtil)))

	return rt, nil
}

// runDispatcher hands each task body of one processor its own goroutine in
// submission order. A body that blocks on an event thereby releases the
// processor instead of wedging everything queued behind it.
func (rt *Runtime) runDispatcher(work chan func()) {
	for {
		select {
		case fn := <-work:
			go fn()
		case <-rt.shutdown:
			for {
				select {
				case fn := <-work:
					go fn()
				default:
					return
				}
			}
		}
	}
}

// runWorker drains one work channel until shutdown. Utility meta-tasks are
// short and non-blocking, so they run inline on the worker.
func (rt *Runtime) runWorker(work chan func()) {
	for {
		select {
		case fn := <-work:
			fn()
		case <-rt.shutdown:
			// Drain what is already queued so in-flight pipelines finish.
			for {
				select {
				case fn := <-work:
					fn()
				default:
					return
				}
			}
		}
	}
}

// Shutdown stops the workers after draining queued work.
func (rt *Runtime) Shutdown() {
	if rt.stopped.Swap(true) {
		return
	}

	rt.utility.closed.Store(true)
	close(rt.shutdown)
	_ = rt.group.Wait()

	if rt.profiler != nil {
		_ = rt.profiler.Close()
	}

	rt.logger.Info("runtime stopped")
}

// Graph returns the runtime's event graph.
func (rt *Runtime) Graph() *event.Graph { return rt.graph }

// Forest returns the shared region forest.
func (rt *Runtime) Forest() *region.Forest { return rt.forest }

// Machine returns the node's processor inventory.
func (rt *Runtime) Machine() *machine.Machine { return rt.machine }

// MapperManager returns the validated mapper seam.
func (rt *Runtime) MapperManager() *mapper.Manager { return rt.mapMgr }

// Registry returns the task registry.
func (rt *Runtime) Registry() *TaskRegistry { return rt.registry }

// Logger returns the runtime's structured logger.
func (rt *Runtime) Logger() *slog.Logger { return rt.logger }

// NewUID issues a node-unique, strictly increasing id. A child operation
// allocated after its parent therefore always has the greater id.
func (rt *Runtime) NewUID() uint64 {
	return rt.nextUID.Add(1)
}

// Uptime returns the time since runtime start, the base for timing
// measurements.
func (rt *Runtime) Uptime() time.Duration {
	return time.Since(rt.startTime)
}

// submitToProc schedules fn on a processor's worker.
func (rt *Runtime) submitToProc(p machine.Processor, fn func()) error {
	if rt.stopped.Load() {
		return ErrShutdown
	}

	w, ok := rt.procs[p.ID]
	if !ok {
		// Utility processors and unknown ids fall back to the pool.
		rt.utility.Submit(fn)

		return nil
	}

	w.work <- fn

	return nil
}

// Run executes the registered top-level task and blocks until it and every
// descendant operation has committed. The returned value is the task body's
// result.
func (rt *Runtime) Run(ctx context.Context, task mapper.TaskID, args any) (any, error) {
	if rt.stopped.Load() {
		return nil, ErrShutdown
	}

	record, variant, err := rt.registry.selectVariant(task, nil)
	if err != nil {
		return nil, err
	}

	cpus := rt.machine.ByKind(machine.ProcCPU)
	if len(cpus) == 0 {
		cpus = rt.machine.ByKind(machine.ProcGPU)
	}

	tc, err := newTopLevelContext(rt, record, variant, cpus[0])
	if err != nil {
		return nil, err
	}

	resultCh := make(chan taskResult, 1)

	submitErr := rt.submitToProc(cpus[0], func() {
		value, bodyErr := variant.fn(ctx, tc, args)
		resultCh <- taskResult{value: value, err: bodyErr}
	})
	if submitErr != nil {
		return nil, submitErr
	}

	var res taskResult
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	finishErr := tc.finish(ctx, res.err)
	if res.err != nil {
		return nil, res.err
	}

	if finishErr != nil {
		return nil, finishErr
	}

	return res.value, nil
}

// taskResult pairs a task body's return value with its error.
type taskResult struct {
	value any
	err   error
}
