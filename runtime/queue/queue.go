// Package queue defines the shared tool-call queue: the call record, its
// status machine, and the abstract store contract the worker and planner
// consume. Implementations may back the contract with MongoDB, a relational
// database, or memory, as long as claims are atomic and receipt writes are
// unique per call.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/callkaidsroofing/gem/runtime/receipt"
)

// Status is a tool-call lifecycle status. The only legal path is
// queued -> running -> {succeeded, failed, not_configured}.
type Status string

const (
	// StatusQueued is the initial status set on enqueue.
	StatusQueued Status = "queued"
	// StatusRunning marks a call claimed by exactly one worker.
	StatusRunning Status = "running"
	// StatusSucceeded is terminal.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is terminal.
	StatusFailed Status = "failed"
	// StatusNotConfigured is terminal.
	StatusNotConfigured Status = "not_configured"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusNotConfigured:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal. Terminal
// statuses never transition again.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusRunning
	case StatusRunning:
		return next.Terminal()
	}
	return false
}

var (
	// ErrNotFound marks a lookup for a call that does not exist.
	ErrNotFound = errors.New("call not found")
	// ErrDuplicateReceipt marks a second receipt write for the same call. The
	// unique constraint on call_id guarantees exactly one receipt per call.
	ErrDuplicateReceipt = errors.New("receipt already written for call")
	// ErrIllegalTransition marks a status update that violates the lifecycle.
	ErrIllegalTransition = errors.New("illegal status transition")
)

type (
	// ToolCall is a queued request to execute a tool with a specific input.
	ToolCall struct {
		ID             string           `json:"id" bson:"id"`
		ToolName       string           `json:"tool_name" bson:"tool_name"`
		Input          map[string]any   `json:"input" bson:"input"`
		Status         Status           `json:"status" bson:"status"`
		IdempotencyKey string           `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
		Error          *receipt.Failure `json:"error,omitempty" bson:"error,omitempty"`
		ClaimedAt      *time.Time       `json:"claimed_at,omitempty" bson:"claimed_at,omitempty"`
		ClaimedBy      string           `json:"claimed_by,omitempty" bson:"claimed_by,omitempty"`
		CreatedAt      time.Time        `json:"created_at" bson:"created_at"`
		UpdatedAt      time.Time        `json:"updated_at" bson:"updated_at"`
	}

	// Store is the abstract queue contract.
	//
	// Receipt lookups return (nil, nil) on a miss. When several receipts
	// qualify, implementations must pick deterministically: greatest
	// created_at first, ties broken by the greatest call id lexicographically.
	Store interface {
		// Enqueue inserts a new call with status queued and returns its id.
		Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error)

		// ClaimNext atomically claims the oldest queued call for workerID,
		// transitioning it to running and stamping claimed_at/claimed_by. Two
		// workers never receive the same call. Returns (nil, nil) when the
		// queue is empty.
		ClaimNext(ctx context.Context, workerID string) (*ToolCall, error)

		// Complete transitions a running call to a terminal status. Illegal
		// transitions are rejected with ErrIllegalTransition.
		Complete(ctx context.Context, callID string, status Status, failure *receipt.Failure) error

		// WriteReceipt persists the receipt for a call exactly once. A second
		// write for the same call id fails with ErrDuplicateReceipt. The store
		// assigns the receipt id when empty.
		WriteReceipt(ctx context.Context, r *receipt.Receipt) (string, error)

		// GetCall returns the call by id.
		GetCall(ctx context.Context, callID string) (*ToolCall, error)

		// FindReceiptByCallID returns the receipt for a call, or (nil, nil).
		FindReceiptByCallID(ctx context.Context, callID string) (*receipt.Receipt, error)

		// FindSuccessfulReceiptByToolAndKey returns the most recent successful
		// receipt among calls to toolName that carried the caller-supplied
		// idempotency key, or (nil, nil).
		FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*receipt.Receipt, error)

		// FindSuccessfulReceiptByToolAndInputField returns the most recent
		// successful receipt among calls to toolName whose input field matches
		// value, or (nil, nil).
		FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*receipt.Receipt, error)

		// Requeue returns running calls claimed before olderThan to queued so
		// an external reaper can recover work lost to worker crashes. The core
		// worker never calls this on its own.
		Requeue(ctx context.Context, olderThan time.Time) (int, error)

		// LogEvent appends to the audit stream, independent of receipts.
		LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error
	}
)
