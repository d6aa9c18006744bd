package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type (
	// SlogLogger wraps log/slog for engine logging. Unlike the teacher's
	// ClueLogger, this reads no ambient formatting/debug state from the
	// context: the engine has no Goa service layer to configure it, so the
	// *slog.Logger is supplied directly at construction.
	SlogLogger struct {
		logger *slog.Logger
	}

	// OtelMetrics wraps OTEL metrics for engine instrumentation.
	OtelMetrics struct {
		meter metric.Meter
	}

	// OtelTracer wraps OTEL tracing for engine tracing.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

const instrumentationName = "github.com/acms-dev/acms"

// NewSlogLogger constructs a Logger backed by the given slog.Logger. If
// logger is nil, slog.Default() is used.
func NewSlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return SlogLogger{logger: logger}
}

// NewOtelMetrics constructs a Metrics recorder delegating to the global
// OTEL MeterProvider.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter(instrumentationName)}
}

// NewOtelTracer constructs a Tracer delegating to the global OTEL
// TracerProvider.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer(instrumentationName)}
}

func (l SlogLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	l.logger.DebugContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	l.logger.InfoContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	l.logger.WarnContext(ctx, msg, keyvals...)
}

func (l SlogLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	l.logger.ErrorContext(ctx, msg, keyvals...)
}

// IncCounter increments a counter metric by the given value.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagsToAttrs(tags)...))
}

// RecordGauge records a gauge-like value. OTEL has no synchronous gauge
// instrument, so a histogram suffixed "_gauge" stands in, same as upstream.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagsToAttrs(tags)...))
}

// Start creates a new span, returning the derived context and span handle.
func (t *OtelTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name, opts...)
	return newCtx, &otelSpan{span: span}
}

// Span retrieves the current span from the context.
func (t *OtelTracer) Span(ctx context.Context) Span {
	return &otelSpan{span: trace.SpanFromContext(ctx)}
}

func (s *otelSpan) End(opts ...trace.SpanEndOption) { s.span.End(opts...) }

func (s *otelSpan) AddEvent(name string, attrs ...any) {
	s.span.AddEvent(name, trace.WithAttributes(kvSliceToAttrs(attrs)...))
}

func (s *otelSpan) SetStatus(code codes.Code, description string) {
	s.span.SetStatus(code, description)
}

func (s *otelSpan) RecordError(err error, opts ...trace.EventOption) {
	s.span.RecordError(err, opts...)
}

func tagsToAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		k := tags[i]
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

func kvSliceToAttrs(keyvals []any) []attribute.KeyValue {
	var attrs []attribute.KeyValue
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
		default:
			attrs = append(attrs, attribute.String(k, ""))
		}
	}
	return attrs
}
