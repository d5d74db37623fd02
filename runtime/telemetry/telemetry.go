// Package telemetry wraps the observability stack used across the runtime:
// goa.design/clue/log for structured context logging and OpenTelemetry for
// metrics and tracing. The wrappers read the global OTel providers; configure
// them via otel.SetMeterProvider / otel.SetTracerProvider before running.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scope = "github.com/no-ai-labs/spice-sub013"

type (
	// Logger emits structured log records with key-value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, err error, msg string, keyvals ...any)
	}

	// Metrics records counters and timers for runtime instrumentation.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
	}

	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (log.Context, log.WithDebug).
	ClueLogger struct{}

	// OTelMetrics delegates to the global OTel MeterProvider.
	OTelMetrics struct {
		meter metric.Meter
	}
)

// NewLogger constructs the clue-backed Logger.
func NewLogger() Logger { return ClueLogger{} }

// NewMetrics constructs the OTel-backed Metrics recorder.
func NewMetrics() Metrics {
	return &OTelMetrics{meter: otel.Meter(scope)}
}

// Tracer returns the runtime tracer from the global TracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// Debug emits a debug-level record.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level record.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level record.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, fielders(msg, keyvals)...)
}

// Error emits an error-level record.
func (ClueLogger) Error(ctx context.Context, err error, msg string, keyvals ...any) {
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

// IncCounter increments a counter metric.
func (m *OTelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records a duration histogram in seconds.
func (m *OTelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// fielders converts (k1, v1, k2, v2, ...) pairs into clue fielders, prefixed
// with the message. Non-string keys are skipped; a trailing key pairs with
// nil.
func fielders(msg string, keyvals []any) []log.Fielder {
	out := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}

// tagAttrs converts (k1, v1, k2, v2, ...) tag strings into OTel attributes.
func tagAttrs(tags []string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
