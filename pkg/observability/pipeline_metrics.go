package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricOpsRegistered = "phalanx.pipeline.ops.registered"
	metricOpsMapped     = "phalanx.pipeline.ops.mapped"
	metricOpsCommitted  = "phalanx.pipeline.ops.committed"
	metricWindowBlocks  = "phalanx.pipeline.window.blocks"
	metricWindowWait    = "phalanx.pipeline.window.wait.seconds"
	metricTraceReplays  = "phalanx.tracing.replayed.ops"
	metricTraceCaptures = "phalanx.tracing.captured.templates"
	metricQueueDepth    = "phalanx.pipeline.queue.depth"

	attrKind  = "kind"
	attrStage = "stage"
)

// windowWaitBoundaries covers microsecond blips through multi-second
// backpressure stalls.
var windowWaitBoundaries = []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10}

// PipelineMetrics records execution-pipeline OTel metrics. All methods are
// nil-safe: a nil receiver records nothing.
type PipelineMetrics struct {
	opsRegistered metric.Int64Counter
	opsMapped     metric.Int64Counter
	opsCommitted  metric.Int64Counter
	windowBlocks  metric.Int64Counter
	windowWait    metric.Float64Histogram
	traceReplays  metric.Int64Counter
	traceCaptures metric.Int64Counter
	queueDepth    metric.Int64UpDownCounter
}

// NewPipelineMetrics creates the pipeline instrument set.
func NewPipelineMetrics(mt metric.Meter) (*PipelineMetrics, error) {
	b := newMetricBuilder(mt)

	pm := &PipelineMetrics{
		opsRegistered: b.counter(metricOpsRegistered, "Operations registered with a context", "{operation}"),
		opsMapped:     b.counter(metricOpsMapped, "Operations that finished mapping", "{operation}"),
		opsCommitted:  b.counter(metricOpsCommitted, "Operations committed and retired", "{operation}"),
		windowBlocks:  b.counter(metricWindowBlocks, "Registrations blocked on the runahead window", "{block}"),
		windowWait:    b.histogram(metricWindowWait, "Time spent blocked on the runahead window", "s", windowWaitBoundaries...),
		traceReplays:  b.counter(metricTraceReplays, "Operations that replayed a trace template decision", "{operation}"),
		traceCaptures: b.counter(metricTraceCaptures, "Trace templates captured", "{template}"),
		queueDepth:    b.upDownCounter(metricQueueDepth, "Entries in pipeline stage queues", "{entry}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return pm, nil
}

// OpRegistered counts one registration of the given operation kind.
func (pm *PipelineMetrics) OpRegistered(ctx context.Context, kind string) {
	if pm == nil {
		return
	}

	pm.opsRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// OpMapped counts one completed mapping.
func (pm *PipelineMetrics) OpMapped(ctx context.Context, kind string) {
	if pm == nil {
		return
	}

	pm.opsMapped.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// OpCommitted counts one retirement.
func (pm *PipelineMetrics) OpCommitted(ctx context.Context, kind string) {
	if pm == nil {
		return
	}

	pm.opsCommitted.Add(ctx, 1, metric.WithAttributes(attribute.String(attrKind, kind)))
}

// WindowBlocked records one blocked registration and its wait time.
func (pm *PipelineMetrics) WindowBlocked(ctx context.Context, wait time.Duration) {
	if pm == nil {
		return
	}

	pm.windowBlocks.Add(ctx, 1)
	pm.windowWait.Record(ctx, wait.Seconds())
}

// TraceReplayedOp counts one operation that reused a template decision.
func (pm *PipelineMetrics) TraceReplayedOp(ctx context.Context) {
	if pm == nil {
		return
	}

	pm.traceReplays.Add(ctx, 1)
}

// TraceCaptured counts one installed template.
func (pm *PipelineMetrics) TraceCaptured(ctx context.Context) {
	if pm == nil {
		return
	}

	pm.traceCaptures.Add(ctx, 1)
}

// QueueDepthDelta adjusts the depth gauge for one stage queue.
func (pm *PipelineMetrics) QueueDepthDelta(ctx context.Context, stage string, delta int64) {
	if pm == nil {
		return
	}

	pm.queueDepth.Add(ctx, delta, metric.WithAttributes(attribute.String(attrStage, stage)))
}
