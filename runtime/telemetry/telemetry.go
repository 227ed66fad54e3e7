// Package telemetry defines the observability seams the platform components
// report through. The interfaces are shaped around the executor's own domain:
// worker identity, tool names, and call ids are first-class parameters, so
// every implementation tags its output with the same dimensions and callers
// cannot forget them.
package telemetry

import (
	"context"
	"time"
)

type (
	// Fields carries structured log and span attributes keyed by name.
	Fields map[string]any

	// Logger is the structured logger used across the platform. Implementations
	// typically delegate to Clue; tests use the noop.
	Logger interface {
		Debug(ctx context.Context, msg string, fields Fields)
		Info(ctx context.Context, msg string, fields Fields)
		Warn(ctx context.Context, msg string, fields Fields)
		Error(ctx context.Context, msg string, fields Fields)
	}

	// Metrics records executor activity. Per-worker series carry the worker
	// id; per-job series additionally carry the tool name, and terminal
	// outcomes the receipt status.
	Metrics interface {
		// JobClaimed counts a successful claim.
		JobClaimed(workerID, tool string)
		// JobFinished counts a terminal outcome and records the wall-clock
		// processing time. Status is the receipt status the job ended with.
		JobFinished(workerID, tool, status string, duration time.Duration)
		// ClaimError counts a failed claim attempt against the store.
		ClaimError(workerID string)
		// EmptyPolls gauges the consecutive empty polls driving backoff.
		EmptyPolls(workerID string, consecutive int)
		// ActiveJobs gauges the worker's in-flight handler count.
		ActiveJobs(workerID string, active int)
	}

	// CallScope identifies the call a span belongs to.
	CallScope struct {
		WorkerID string
		CallID   string
		Tool     string
	}

	// Tracer opens execution spans stamped with call identity.
	Tracer interface {
		// StartCall begins a span for one claimed call. The scope dimensions
		// are attached as span attributes by every implementation.
		StartCall(ctx context.Context, op string, scope CallScope) (context.Context, Span)
	}

	// Span is an in-flight execution span.
	Span interface {
		// AddEvent records a point-in-time event with optional attributes.
		AddEvent(name string, fields Fields)
		// Succeed marks the span ok, annotated with the terminal status.
		Succeed(status string)
		// Fail marks the span errored, annotated with the failure code.
		Fail(code string)
		// RecordError attaches an error to the span.
		RecordError(err error)
		// End finalizes the span.
		End()
	}
)
