// Package telemetry defines the logging and metrics seams used by the
// benchmark pipeline. Implementations typically delegate to Clue and
// OpenTelemetry but the interfaces are intentionally small so tests can
// provide lightweight stubs.
package telemetry

import (
	"context"
	"time"
)

// Logger captures structured logging used throughout the pipeline.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for pipeline instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Metric names emitted by the pipeline components. Every handler outcome and
// every queue interaction is counted so that no failure mode is silent.
const (
	MetricEnqueues          = "bench.queue.enqueues"
	MetricHandlerSuccess    = "bench.worker.handler_success"
	MetricHandlerFailure    = "bench.worker.handler_failure"
	MetricDeadLettered      = "bench.worker.dead_lettered"
	MetricSignalEmissions   = "bench.judge.run_judged_emissions"
	MetricCurationSuccess   = "bench.curator.curations"
	MetricCurationAbandoned = "bench.curator.abandoned"
	MetricInvokerLatency    = "bench.model.invoke_latency"
	MetricInvokerThrottles  = "bench.model.throttles"
)
