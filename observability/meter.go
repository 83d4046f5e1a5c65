package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kbukum/flowgraph/logger"
	"github.com/kbukum/flowgraph/version"
)

// MeterConfig configures the OpenTelemetry meter provider.
type MeterConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	// Endpoint is the OTLP HTTP endpoint host:port (e.g., "localhost:4318").
	Endpoint string
	// Insecure allows plain HTTP (for development).
	Insecure bool
	// Interval is the metric export interval.
	Interval time.Duration
}

// DefaultMeterConfig returns sensible defaults for development.
func DefaultMeterConfig(serviceName string) MeterConfig {
	return MeterConfig{
		ServiceName:    serviceName,
		ServiceVersion: version.Short(),
		Environment:    "development",
		Endpoint:       "localhost:4318",
		Insecure:       true,
		Interval:       15 * time.Second,
	}
}

// InitMeter installs an OTLP/HTTP meter provider as the global provider.
// The caller shuts it down on exit.
func InitMeter(ctx context.Context, config MeterConfig, log *logger.Logger) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}

	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}

	res, err := newResource(config.ServiceName, config.ServiceVersion, config.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if config.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(config.Interval))
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	if log != nil {
		log.Info("Meter initialized", logger.Fields(
			"endpoint", config.Endpoint,
			"interval", config.Interval.String(),
		))
	}
	return mp, nil
}

// Meter returns a named meter from the global provider.
func Meter(name string) metric.Meter {
	return otel.Meter(name)
}

// EngineMetrics holds the instruments the executor records into.
type EngineMetrics struct {
	tasksTotal      metric.Int64Counter
	taskDuration    metric.Float64Histogram
	tasksActive     metric.Int64UpDownCounter
	taskRetries     metric.Int64Counter
	executionsTotal metric.Int64Counter
	checkpoints     metric.Int64Counter
	idempotencyHits metric.Int64Counter
}

// NewEngineMetrics creates the engine instruments on meter.
func NewEngineMetrics(meter metric.Meter) (*EngineMetrics, error) {
	tasksTotal, err := meter.Int64Counter("flowgraph.tasks.total",
		metric.WithDescription("Tasks resolved, by final status"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.tasks.total counter: %w", err)
	}

	taskDuration, err := meter.Float64Histogram("flowgraph.task.duration",
		metric.WithDescription("Task run time including retries"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.task.duration histogram: %w", err)
	}

	tasksActive, err := meter.Int64UpDownCounter("flowgraph.tasks.active",
		metric.WithDescription("Tasks currently running"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.tasks.active gauge: %w", err)
	}

	taskRetries, err := meter.Int64Counter("flowgraph.task.retries",
		metric.WithDescription("Task attempts after the first"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.task.retries counter: %w", err)
	}

	executionsTotal, err := meter.Int64Counter("flowgraph.executions.total",
		metric.WithDescription("Executions finished, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.executions.total counter: %w", err)
	}

	checkpoints, err := meter.Int64Counter("flowgraph.checkpoints.total",
		metric.WithDescription("Checkpoints persisted"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.checkpoints.total counter: %w", err)
	}

	idempotencyHits, err := meter.Int64Counter("flowgraph.idempotency.hits",
		metric.WithDescription("Task runs answered from a stored result"))
	if err != nil {
		return nil, fmt.Errorf("creating flowgraph.idempotency.hits counter: %w", err)
	}

	return &EngineMetrics{
		tasksTotal:      tasksTotal,
		taskDuration:    taskDuration,
		tasksActive:     tasksActive,
		taskRetries:     taskRetries,
		executionsTotal: executionsTotal,
		checkpoints:     checkpoints,
		idempotencyHits: idempotencyHits,
	}, nil
}

// TaskStarted increments the active task count.
func (m *EngineMetrics) TaskStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.tasksActive.Add(ctx, 1)
}

// TaskFinished decrements active tasks and records the final status.
func (m *EngineMetrics) TaskFinished(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksActive.Add(ctx, -1)
	m.tasksTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// TaskSkipped records a task resolved without running.
func (m *EngineMetrics) TaskSkipped(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.tasksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", "skipped"),
		attribute.String("reason", reason),
	))
}

// TaskRetried records one retry of a task, tagged with the error code.
func (m *EngineMetrics) TaskRetried(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.taskRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// ExecutionFinished records an execution outcome.
func (m *EngineMetrics) ExecutionFinished(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.executionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// CheckpointSaved records a persisted checkpoint.
func (m *EngineMetrics) CheckpointSaved(ctx context.Context, trigger string) {
	if m == nil {
		return
	}
	m.checkpoints.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// IdempotencyHit records a task whose result came from the idempotency store.
func (m *EngineMetrics) IdempotencyHit(ctx context.Context) {
	if m == nil {
		return
	}
	m.idempotencyHits.Add(ctx, 1)
}
