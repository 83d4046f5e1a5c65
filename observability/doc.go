// Package observability sets up OpenTelemetry tracing and metrics for the
// engine.
//
// Tracing:
//
//	tp, err := observability.InitTracer(ctx, observability.DefaultTracerConfig("flowctl"), log)
//	defer tp.Shutdown(ctx)
//
//	ctx, span := observability.StartSpan(ctx, observability.SpanTask)
//	defer span.End()
//
// Metrics:
//
//	metrics, err := observability.NewEngineMetrics(observability.Meter(observability.InstrumentationName))
//	metrics.TaskFinished(ctx, "succeeded", elapsed)
//
// A nil *EngineMetrics is valid and records nothing.
package observability
