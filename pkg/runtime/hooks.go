package runtime

import (
	"context"
	"time"

	"github.com/phalanx-rt/phalanx/pkg/machine"
	"github.com/phalanx-rt/phalanx/pkg/mapper"
	"github.com/phalanx-rt/phalanx/pkg/operation"
)

// Metrics and profiler hooks. All are nil-safe so the hot path carries no
// conditional wiring.

func (rt *Runtime) observeOpRegistered(kind operation.Kind) {
	rt.metrics.OpRegistered(context.Background(), kind.String())
}

func (rt *Runtime) observeOpMapped(kind operation.Kind) {
	rt.metrics.OpMapped(context.Background(), kind.String())
}

func (rt *Runtime) observeOpCommitted(kind operation.Kind) {
	rt.metrics.OpCommitted(context.Background(), kind.String())
}

func (rt *Runtime) observeWindowBlock() {
	rt.metrics.WindowBlocked(context.Background(), 0)
}

func (rt *Runtime) observeTraceReplayOp() {
	rt.metrics.TraceReplayedOp(context.Background())
}

func (rt *Runtime) observeTraceCapture() {
	rt.metrics.TraceCaptured(context.Background())
}

// profileOpStage records an operation reaching a pipeline stage.
func (rt *Runtime) profileOpStage(base *operation.Base, stage string) {
	rt.profiler.OpTimeline(base.UID(), base.Kind().String(), stage, rt.Uptime())
}

// profileTask records one task body interval.
func (rt *Runtime) profileTask(task mapper.TaskID, proc machine.Processor, start, stop time.Duration) {
	rt.profiler.TaskInfo(uint32(task), proc.String(), start, stop)
}
