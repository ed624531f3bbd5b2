// Package telemetry carries the logging, metrics and tracing hooks used by the
// kit runtime. Production code wires the Clue/OTEL implementations; tests and
// embedders that do not care about observability use the noop variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Metric names recorded by the runtime.
const (
	MetricStepDuration  = "clerk.step.duration"
	MetricStepTokens    = "clerk.step.tokens"
	MetricRunCompleted  = "clerk.run.completed"
	MetricRunFailed     = "clerk.run.failed"
	MetricRunPaused     = "clerk.run.paused"
	MetricStreamDropped = "clerk.stream.dropped"
)

type (
	// Logger is the structured logger used by the engine and its collaborators.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// Tracer starts spans around step execution and tool calls.
	Tracer interface {
		Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
		Span(ctx context.Context) Span
	}

	// Span is an in-flight tracing span.
	//
	//	ctx, span := tracer.Start(ctx, "step.execute")
	//	defer span.End()
	Span interface {
		End(opts ...trace.SpanEndOption)
		AddEvent(name string, attrs ...any)
		SetStatus(code codes.Code, description string)
		RecordError(err error, opts ...trace.EventOption)
	}

	// Set bundles the three telemetry facets so constructors take a single
	// option. Zero fields are replaced by noop implementations via WithDefaults.
	Set struct {
		Logger  Logger
		Metrics Metrics
		Tracer  Tracer
	}
)

// WithDefaults returns a copy of s where nil facets are replaced by noops.
func (s Set) WithDefaults() Set {
	if s.Logger == nil {
		s.Logger = NewNoopLogger()
	}
	if s.Metrics == nil {
		s.Metrics = NewNoopMetrics()
	}
	if s.Tracer == nil {
		s.Tracer = NewNoopTracer()
	}
	return s
}

// NewClueSet returns a Set backed by Clue logging and the global OTEL
// providers.
func NewClueSet() Set {
	return Set{
		Logger:  NewClueLogger(),
		Metrics: NewClueMetrics(),
		Tracer:  NewClueTracer(),
	}
}
