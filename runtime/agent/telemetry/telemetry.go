// Package telemetry defines the logging, metrics, and tracing interfaces the
// run orchestration components depend on. Production code wires the Clue/OTEL
// implementations; tests wire the no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Logger emits structured log records. Key-value pairs alternate
	// (k1, v1, k2, v2, ...); keys must be strings.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters and timers. Tags alternate (k1, v1, ...).
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans and recovers the active span from a context.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is the subset of the OTEL span surface the runtime uses. AddEvent
	// attribute pairs alternate (k1, v1, ...) like Logger key-values.
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}
)

// Metric names recorded by the orchestration components.
const (
	// MetricRunsAdmitted counts runs admitted by the control plane.
	MetricRunsAdmitted = "lodestar_runs_admitted"
	// MetricRunsStarted counts runs whose execution began on a worker.
	MetricRunsStarted = "lodestar_runs_started"
	// MetricRunsCompleted counts runs that reached a terminal status,
	// tagged with status=completed|failed|stopped.
	MetricRunsCompleted = "lodestar_runs_completed"
	// MetricEventsAppended counts response events appended to the log.
	MetricEventsAppended = "lodestar_events_appended"
	// MetricToolExecutions counts tool invocations, tagged with
	// tool=<ident> and status=completed|failed|cancelled.
	MetricToolExecutions = "lodestar_tool_executions"
	// MetricRunDuration times a run from admission to terminal status.
	MetricRunDuration = "lodestar_run_duration"
	// MetricModelCalls counts model completions, tagged with model=<name>.
	MetricModelCalls = "lodestar_model_calls"
)
