package telemetry

import (
	"context"
	"time"
)

type (
	// NoopLogger discards all log entries.
	NoopLogger struct{}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}

	// NoopTracer produces no-op spans.
	NoopTracer struct{}

	noopSpan struct{}
)

// NewNoopLogger constructs a Logger that discards everything. For tests and
// components wired without logging.
func NewNoopLogger() Logger {
	return NoopLogger{}
}

// NewNoopMetrics constructs a Metrics recorder that discards everything.
func NewNoopMetrics() Metrics {
	return NoopMetrics{}
}

// NewNoopTracer constructs a Tracer that produces no-op spans.
func NewNoopTracer() Tracer {
	return NoopTracer{}
}

func (NoopLogger) Debug(context.Context, string, Fields) {}
func (NoopLogger) Info(context.Context, string, Fields)  {}
func (NoopLogger) Warn(context.Context, string, Fields)  {}
func (NoopLogger) Error(context.Context, string, Fields) {}

func (NoopMetrics) JobClaimed(string, string)                        {}
func (NoopMetrics) JobFinished(string, string, string, time.Duration) {}
func (NoopMetrics) ClaimError(string)                                {}
func (NoopMetrics) EmptyPolls(string, int)                           {}
func (NoopMetrics) ActiveJobs(string, int)                           {}

// StartCall returns the context unchanged and a span that records nothing.
func (NoopTracer) StartCall(ctx context.Context, _ string, _ CallScope) (context.Context, Span) {
	return ctx, noopSpan{}
}

func (noopSpan) AddEvent(string, Fields) {}
func (noopSpan) Succeed(string)          {}
func (noopSpan) Fail(string)             {}
func (noopSpan) RecordError(error)       {}
func (noopSpan) End()                    {}
