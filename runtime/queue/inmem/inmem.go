// Package inmem provides an in-memory implementation of queue.Store.
//
// The in-memory store is intended for tests and single-process deployments.
// It is not durable and should not be used where calls must survive a restart.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

type (
	// Store implements queue.Store in memory.
	Store struct {
		mu       sync.Mutex
		calls    map[string]*queue.ToolCall
		order    []string // call ids in enqueue order
		receipts map[string]*receipt.Receipt // by call id
		audit    []AuditEvent
		now      func() time.Time
	}

	// AuditEvent is an append-only audit stream entry.
	AuditEvent struct {
		Type      string
		Aggregate string
		Payload   map[string]any
		Timestamp time.Time
	}

	// Option configures the store.
	Option func(*Store)
)

// WithClock overrides the store clock. Tests use it to control created_at
// ordering deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New returns a new in-memory queue store.
func New(opts ...Option) *Store {
	s := &Store{
		calls:    make(map[string]*queue.ToolCall),
		receipts: make(map[string]*receipt.Receipt),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enqueue implements queue.Store.
func (s *Store) Enqueue(_ context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error) {
	if toolName == "" {
		return "", fmt.Errorf("tool name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	call := &queue.ToolCall{
		ID:             uuid.NewString(),
		ToolName:       toolName,
		Input:          cloneMap(input),
		Status:         queue.StatusQueued,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.calls[call.ID] = call
	s.order = append(s.order, call.ID)
	return call.ID, nil
}

// ClaimNext implements queue.Store. The store mutex makes the select-and-mark
// atomic: a call observed queued is transitioned to running before the lock is
// released, so two workers never claim the same call.
func (s *Store) ClaimNext(_ context.Context, workerID string) (*queue.ToolCall, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		call := s.calls[id]
		if call.Status != queue.StatusQueued {
			continue
		}
		now := s.now()
		call.Status = queue.StatusRunning
		call.ClaimedAt = &now
		call.ClaimedBy = workerID
		call.UpdatedAt = now
		return snapshot(call), nil
	}
	return nil, nil
}

// Complete implements queue.Store.
func (s *Store) Complete(_ context.Context, callID string, status queue.Status, failure *receipt.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrNotFound, callID)
	}
	if !call.Status.CanTransition(status) {
		return fmt.Errorf("%w: %s -> %s for call %s", queue.ErrIllegalTransition, call.Status, status, callID)
	}
	call.Status = status
	call.Error = failure
	call.UpdatedAt = s.now()
	return nil
}

// WriteReceipt implements queue.Store.
func (s *Store) WriteReceipt(_ context.Context, r *receipt.Receipt) (string, error) {
	if r == nil {
		return "", fmt.Errorf("receipt is required")
	}
	if r.CallID == "" {
		return "", fmt.Errorf("receipt call id is required")
	}
	if !r.Status.Terminal() {
		return "", fmt.Errorf("receipt status %q is not terminal", r.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.receipts[r.CallID]; exists {
		return "", fmt.Errorf("%w: %s", queue.ErrDuplicateReceipt, r.CallID)
	}
	stored := *r
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	stored.Result = cloneMap(r.Result)
	s.receipts[r.CallID] = &stored
	return stored.ID, nil
}

// GetCall implements queue.Store.
func (s *Store) GetCall(_ context.Context, callID string) (*queue.ToolCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	call, ok := s.calls[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", queue.ErrNotFound, callID)
	}
	return snapshot(call), nil
}

// FindReceiptByCallID implements queue.Store.
func (s *Store) FindReceiptByCallID(_ context.Context, callID string) (*receipt.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[callID]
	if !ok {
		return nil, nil
	}
	copied := *r
	copied.Result = cloneMap(r.Result)
	return &copied, nil
}

// FindSuccessfulReceiptByToolAndKey implements queue.Store.
func (s *Store) FindSuccessfulReceiptByToolAndKey(_ context.Context, toolName, idempotencyKey string) (*receipt.Receipt, error) {
	if idempotencyKey == "" {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mostRecent(func(r *receipt.Receipt, call *queue.ToolCall) bool {
		return r.ToolName == toolName && call.IdempotencyKey == idempotencyKey
	}), nil
}

// FindSuccessfulReceiptByToolAndInputField implements queue.Store.
func (s *Store) FindSuccessfulReceiptByToolAndInputField(_ context.Context, toolName, field string, value any) (*receipt.Receipt, error) {
	want := fmt.Sprint(value)
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.mostRecent(func(r *receipt.Receipt, call *queue.ToolCall) bool {
		if r.ToolName != toolName {
			return false
		}
		got, ok := call.Input[field]
		return ok && fmt.Sprint(got) == want
	}), nil
}

// mostRecent scans successful receipts matching the predicate and returns the
// deterministic winner: greatest created_at, ties broken by the greatest call
// id lexicographically. Caller holds the mutex.
func (s *Store) mostRecent(match func(*receipt.Receipt, *queue.ToolCall) bool) *receipt.Receipt {
	var candidates []*receipt.Receipt
	for callID, r := range s.receipts {
		if r.Status != receipt.StatusSucceeded {
			continue
		}
		call, ok := s.calls[callID]
		if !ok {
			continue
		}
		if match(r, call) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
		}
		return candidates[i].CallID > candidates[j].CallID
	})
	winner := *candidates[0]
	winner.Result = cloneMap(candidates[0].Result)
	return &winner
}

// Requeue implements queue.Store.
func (s *Store) Requeue(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	requeued := 0
	for _, call := range s.calls {
		if call.Status != queue.StatusRunning {
			continue
		}
		if call.ClaimedAt == nil || !call.ClaimedAt.Before(olderThan) {
			continue
		}
		call.Status = queue.StatusQueued
		call.ClaimedAt = nil
		call.ClaimedBy = ""
		call.UpdatedAt = s.now()
		requeued++
	}
	return requeued, nil
}

// LogEvent implements queue.Store.
func (s *Store) LogEvent(_ context.Context, eventType, aggregate string, payload map[string]any) error {
	if eventType == "" {
		return fmt.Errorf("event type is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, AuditEvent{
		Type:      eventType,
		Aggregate: aggregate,
		Payload:   cloneMap(payload),
		Timestamp: s.now(),
	})
	return nil
}

// AuditEvents returns a copy of the audit stream, for tests and diagnostics.
func (s *Store) AuditEvents() []AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	return out
}

func snapshot(call *queue.ToolCall) *queue.ToolCall {
	copied := *call
	copied.Input = cloneMap(call.Input)
	if call.ClaimedAt != nil {
		at := *call.ClaimedAt
		copied.ClaimedAt = &at
	}
	return &copied
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(in any) any {
	switch v := in.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = cloneValue(v[i])
		}
		return out
	default:
		return in
	}
}
