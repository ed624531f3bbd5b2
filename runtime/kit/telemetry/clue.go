package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const instrumentationName = "github.com/clerkhq/clerk/runtime/kit"

type (
	// ClueLogger logs through goa.design/clue/log. Format and debug settings
	// come from the context (log.Context, log.WithFormat, log.WithDebug).
	ClueLogger struct{}

	// ClueMetrics records metrics on the global OTEL meter provider.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer starts spans on the global OTEL tracer provider.
	ClueTracer struct {
		tracer trace.Tracer
	}

	clueSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger that delegates to goa.design/clue/log.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewClueMetrics constructs a Metrics recorder backed by OTEL. Configure the
// provider with otel.SetMeterProvider before the first run starts.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter(instrumentationName)}
}

// NewClueTracer constructs a Tracer backed by OTEL.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(instrumentationName)}
}

// Debug emits a debug-level message.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level message.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level message.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level message. An "err" key, when present and holding
// an error, is passed to clue as the logged error.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	var cause error
	for i := 0; i+1 < len(keyvals); i += 2 {
		if k, ok := keyvals[i].(string); ok && k == "err" {
			if e, ok := keyvals[i+1].(error); ok {
				cause = e
			}
		}
	}
	log.Error(ctx, cause, fielders(msg, keyvals)...)
}

// IncCounter increments a counter metric by the given value.
func (m *ClueMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration in seconds.
func (m *ClueMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name, metric.WithUnit("s"))
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge value.
func (m *ClueMetrics) RecordGauge(name string, value float64, tags ...string) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a span.
func (t *ClueTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &clueSpan{span: span}
}

// Span returns the span stored in ctx.
func (t *ClueTracer) Span(ctx context.Context) Span {
	return &clueSpan{span: trace.SpanFromContext(ctx)}
}

func (s *clueSpan) End(opts ...trace.SpanEndOption) {
	s.span.End(opts...)
}

func (s *clueSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

func (s *clueSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *clueSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	fs := make([]log.Fielder, 0, 1+len(keyvals)/2)
	fs = append(fs, log.KV{K: "msg", V: msg})
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		if e, ok := v.(error); ok {
			v = e.Error()
		}
		fs = append(fs, log.KV{K: k, V: v})
	}
	return fs
}

// tagsToAttrs converts k1, v1, k2, v2 tag strings into OTEL attributes. An odd
// trailing key is paired with the empty string.
func tagsToAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(tags)+1)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}

func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, (len(keyvals)+1)/2)
	for i := 0; i < len(keyvals); i += 2 {
		k, _ := keyvals[i].(string)
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		switch val := v.(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case int:
			attrs = append(attrs, attribute.Int(k, val))
		case int64:
			attrs = append(attrs, attribute.Int64(k, val))
		case float64:
			attrs = append(attrs, attribute.Float64(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case nil:
			attrs = append(attrs, attribute.String(k, ""))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}
