package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	tracerName = "phalanx"
	meterName  = "phalanx"

	// metricExportInterval is the OTLP metric push period.
	metricExportInterval = 15 * time.Second

	// promReadHeaderTimeout bounds header reads on the Prometheus server.
	promReadHeaderTimeout = 10 * time.Second
)

// Config selects the telemetry backends.
type Config struct {
	// ServiceName labels exported telemetry. Defaults to "phalanx".
	ServiceName string

	// OTLPEndpoint enables OTLP gRPC export of traces and metrics when
	// non-empty (host:port).
	OTLPEndpoint string

	// PrometheusAddr serves a /metrics endpoint when non-empty (host:port).
	PrometheusAddr string

	// Logger receives provider lifecycle messages. Nil uses slog.Default.
	Logger *slog.Logger
}

// Providers holds the initialized observability providers.
type Providers struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	// Pipeline is the execution-pipeline instrument set, nil when metrics
	// are disabled.
	Pipeline *PipelineMetrics

	// Shutdown flushes pending telemetry. Must be called before exit.
	Shutdown func(ctx context.Context) error
}

// Init initializes tracing and metrics. With no endpoints configured,
// no-op providers are returned with zero export overhead.
func Init(cfg Config) (Providers, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	service := cfg.ServiceName
	if service == "" {
		service = "phalanx"
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	if err != nil {
		return Providers{}, fmt.Errorf("build resource: %w", err)
	}

	var shutdowns []func(context.Context) error

	tracer, traceShutdown, err := initTracer(cfg, res)
	if err != nil {
		return Providers{}, err
	}

	if traceShutdown != nil {
		shutdowns = append(shutdowns, traceShutdown)
	}

	meter, meterShutdown, err := initMeter(cfg, res, logger)
	if err != nil {
		return Providers{}, err
	}

	if meterShutdown != nil {
		shutdowns = append(shutdowns, meterShutdown)
	}

	providers := Providers{
		Tracer: tracer,
		Meter:  meter,
		Shutdown: func(ctx context.Context) error {
			var errs []error
			for _, fn := range shutdowns {
				if shutdownErr := fn(ctx); shutdownErr != nil {
					errs = append(errs, shutdownErr)
				}
			}

			return errors.Join(errs...)
		},
	}

	if cfg.OTLPEndpoint != "" || cfg.PrometheusAddr != "" {
		pipeline, pipelineErr := NewPipelineMetrics(meter)
		if pipelineErr != nil {
			return Providers{}, pipelineErr
		}

		providers.Pipeline = pipeline
	}

	return providers, nil
}

// initTracer builds the trace provider, no-op without an OTLP endpoint.
func initTracer(cfg Config, res *resource.Resource) (trace.Tracer, func(context.Context) error, error) {
	if cfg.OTLPEndpoint == "" {
		return nooptrace.NewTracerProvider().Tracer(tracerName), nil, nil
	}

	exporter, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("otlp trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Tracer(tracerName), tp.Shutdown, nil
}

// initMeter builds the meter provider from the configured readers: an OTLP
// pusher, a Prometheus endpoint, both, or a no-op.
func initMeter(cfg Config, res *resource.Resource, logger *slog.Logger) (metric.Meter, func(context.Context) error, error) {
	var readers []sdkmetric.Option

	if cfg.OTLPEndpoint != "" {
		exporter, err := otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp metric exporter: %w", err)
		}

		readers = append(readers, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(metricExportInterval))))
	}

	var promServer *http.Server

	if cfg.PrometheusAddr != "" {
		registry := prometheus.NewRegistry()

		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
		}

		readers = append(readers, sdkmetric.WithReader(exporter))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		promServer = &http.Server{
			Addr:              cfg.PrometheusAddr,
			Handler:           mux,
			ReadHeaderTimeout: promReadHeaderTimeout,
		}

		go func() {
			if serveErr := promServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				logger.Warn("prometheus endpoint failed", "addr", cfg.PrometheusAddr, "err", serveErr)
			}
		}()
	}

	if len(readers) == 0 {
		return noopmetric.NewMeterProvider().Meter(meterName), nil, nil
	}

	readers = append(readers, sdkmetric.WithResource(res))
	mp := sdkmetric.NewMeterProvider(readers...)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if promServer != nil {
			errs = append(errs, promServer.Shutdown(ctx))
		}

		errs = append(errs, mp.Shutdown(ctx))

		return errors.Join(errs...)
	}

	return mp.Meter(meterName), shutdown, nil
}

// NewLogger builds the runtime's structured logger at the given level.
// Verbose enables debug; quiet drops everything below warn.
func NewLogger(verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo

	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
