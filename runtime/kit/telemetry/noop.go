package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// NoopLogger discards all log messages.
	NoopLogger struct{}

	// NoopMetrics discards all metrics.
	NoopMetrics struct{}

	// NoopTracer creates spans that record nothing.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return NoopLogger{} }

// NewNoopMetrics returns a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics { return NoopMetrics{} }

// NewNoopTracer returns a Tracer producing noop spans.
func NewNoopTracer() Tracer { return NoopTracer{} }

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)        {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string) {}
func (NoopMetrics) RecordGauge(string, float64, ...string)       {}

func (NoopTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (NoopTracer) Span(context.Context) Span { return noopSpan{} }

func (noopSpan) End(...trace.SpanEndOption)              {}
func (noopSpan) AddEvent(string, ...any)                 {}
func (noopSpan) SetStatus(codes.Code, string)            {}
func (noopSpan) RecordError(error, ...trace.EventOption) {}
