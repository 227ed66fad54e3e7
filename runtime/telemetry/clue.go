package telemetry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

const scopeName = "github.com/callkaidsroofing/gem"

// Metric names emitted by ClueMetrics.
const (
	metricJobsClaimed = "gem.worker.jobs_claimed"
	metricJobsDone    = "gem.worker.jobs_finished"
	metricJobDuration = "gem.worker.job_duration"
	metricClaimErrors = "gem.worker.claim_errors"
	metricEmptyPolls  = "gem.worker.empty_polls"
	metricActiveJobs  = "gem.worker.active_jobs"
)

type (
	// ClueLogger delegates to goa.design/clue/log. Formatting and debug
	// settings come from the context (log.Context with log.WithFormat and
	// log.WithDebug).
	ClueLogger struct{}

	// ClueMetrics reports worker activity through OTEL metrics, tagging every
	// series with worker_id and, where it applies, tool and status.
	ClueMetrics struct {
		meter metric.Meter
	}

	// ClueTracer opens OTEL spans stamped with the call scope.
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

// NewClueMetrics constructs a Metrics recorder over the global MeterProvider;
// configure it via otel.SetMeterProvider before starting workers.
func NewClueMetrics() Metrics {
	return &ClueMetrics{meter: otel.Meter(scopeName)}
}

// NewClueTracer constructs a Tracer over the global TracerProvider; configure
// it via otel.SetTracerProvider before starting workers.
func NewClueTracer() Tracer {
	return &ClueTracer{tracer: otel.Tracer(scopeName)}
}

// Debug emits a debug-level log entry.
func (ClueLogger) Debug(ctx context.Context, msg string, fields Fields) {
	log.Debug(ctx, fielders(msg, fields)...)
}

// Info emits an info-level log entry.
func (ClueLogger) Info(ctx context.Context, msg string, fields Fields) {
	log.Info(ctx, fielders(msg, fields)...)
}

// Warn emits a warning-level log entry.
func (ClueLogger) Warn(ctx context.Context, msg string, fields Fields) {
	log.Warn(ctx, fielders(msg, fields)...)
}

// Error emits an error-level log entry.
func (ClueLogger) Error(ctx context.Context, msg string, fields Fields) {
	log.Error(ctx, nil, fielders(msg, fields)...)
}

// fielders renders the message plus the fields in deterministic key order.
func fielders(msg string, fields Fields) []log.Fielder {
	out := make([]log.Fielder, 0, len(fields)+1)
	out = append(out, log.KV{K: "msg", V: msg})
	for _, k := range sortedKeys(fields) {
		out = append(out, log.KV{K: k, V: fields[k]})
	}
	return out
}

// JobClaimed implements Metrics.
func (m *ClueMetrics) JobClaimed(workerID, tool string) {
	m.count(metricJobsClaimed,
		attribute.String("worker_id", workerID),
		attribute.String("tool", tool),
	)
}

// JobFinished implements Metrics.
func (m *ClueMetrics) JobFinished(workerID, tool, status string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("worker_id", workerID),
		attribute.String("tool", tool),
		attribute.String("status", status),
	}
	m.count(metricJobsDone, attrs...)
	if histogram, err := m.meter.Float64Histogram(metricJobDuration); err == nil {
		histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(attrs...))
	}
}

// ClaimError implements Metrics.
func (m *ClueMetrics) ClaimError(workerID string) {
	m.count(metricClaimErrors, attribute.String("worker_id", workerID))
}

// EmptyPolls implements Metrics.
func (m *ClueMetrics) EmptyPolls(workerID string, consecutive int) {
	m.gauge(metricEmptyPolls, float64(consecutive), attribute.String("worker_id", workerID))
}

// ActiveJobs implements Metrics.
func (m *ClueMetrics) ActiveJobs(workerID string, active int) {
	m.gauge(metricActiveJobs, float64(active), attribute.String("worker_id", workerID))
}

func (m *ClueMetrics) count(name string, attrs ...attribute.KeyValue) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), 1, metric.WithAttributes(attrs...))
}

func (m *ClueMetrics) gauge(name string, value float64, attrs ...attribute.KeyValue) {
	gauge, err := m.meter.Float64Gauge(name)
	if err != nil {
		return
	}
	gauge.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// StartCall implements Tracer.
func (t *ClueTracer) StartCall(ctx context.Context, op string, scope CallScope) (context.Context, Span) {
	ctx, span := t.tracer.Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("gem.worker_id", scope.WorkerID),
			attribute.String("gem.call_id", scope.CallID),
			attribute.String("gem.tool", scope.Tool),
		),
	)
	return ctx, &clueSpan{span: span}
}

// AddEvent implements Span.
func (s *clueSpan) AddEvent(name string, fields Fields) {
	s.span.AddEvent(name, trace.WithAttributes(fieldsToAttrs(fields)...))
}

// Succeed implements Span.
func (s *clueSpan) Succeed(status string) {
	s.span.SetStatus(codes.Ok, status)
}

// Fail implements Span.
func (s *clueSpan) Fail(code string) {
	s.span.SetStatus(codes.Error, code)
}

// RecordError implements Span.
func (s *clueSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// End implements Span.
func (s *clueSpan) End() {
	s.span.End()
}

// fieldsToAttrs converts span attributes in deterministic key order.
func fieldsToAttrs(fields Fields) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(fields))
	for _, k := range sortedKeys(fields) {
		switch v := fields[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, v))
		case int:
			attrs = append(attrs, attribute.Int(k, v))
		case int64:
			attrs = append(attrs, attribute.Int64(k, v))
		case float64:
			attrs = append(attrs, attribute.Float64(k, v))
		case bool:
			attrs = append(attrs, attribute.Bool(k, v))
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(v)))
		}
	}
	return attrs
}

func sortedKeys(fields Fields) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
