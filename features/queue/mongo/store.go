// Package mongo wires the queue.Store interface to the MongoDB client.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/callkaidsroofing/gem/features/queue/mongo/clients/mongo"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

// Store implements queue.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed queue store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Enqueue implements queue.Store.
func (s *Store) Enqueue(ctx context.Context, toolName string, input map[string]any, idempotencyKey string) (string, error) {
	return s.client.Enqueue(ctx, toolName, input, idempotencyKey)
}

// ClaimNext implements queue.Store.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*queue.ToolCall, error) {
	return s.client.ClaimNext(ctx, workerID)
}

// Complete implements queue.Store.
func (s *Store) Complete(ctx context.Context, callID string, status queue.Status, failure *receipt.Failure) error {
	return s.client.Complete(ctx, callID, status, failure)
}

// WriteReceipt implements queue.Store.
func (s *Store) WriteReceipt(ctx context.Context, r *receipt.Receipt) (string, error) {
	return s.client.WriteReceipt(ctx, r)
}

// GetCall implements queue.Store.
func (s *Store) GetCall(ctx context.Context, callID string) (*queue.ToolCall, error) {
	return s.client.GetCall(ctx, callID)
}

// FindReceiptByCallID implements queue.Store.
func (s *Store) FindReceiptByCallID(ctx context.Context, callID string) (*receipt.Receipt, error) {
	return s.client.FindReceiptByCallID(ctx, callID)
}

// FindSuccessfulReceiptByToolAndKey implements queue.Store.
func (s *Store) FindSuccessfulReceiptByToolAndKey(ctx context.Context, toolName, idempotencyKey string) (*receipt.Receipt, error) {
	return s.client.FindSuccessfulReceiptByToolAndKey(ctx, toolName, idempotencyKey)
}

// FindSuccessfulReceiptByToolAndInputField implements queue.Store.
func (s *Store) FindSuccessfulReceiptByToolAndInputField(ctx context.Context, toolName, field string, value any) (*receipt.Receipt, error) {
	return s.client.FindSuccessfulReceiptByToolAndInputField(ctx, toolName, field, value)
}

// Requeue implements queue.Store.
func (s *Store) Requeue(ctx context.Context, olderThan time.Time) (int, error) {
	return s.client.Requeue(ctx, olderThan)
}

// LogEvent implements queue.Store.
func (s *Store) LogEvent(ctx context.Context, eventType, aggregate string, payload map[string]any) error {
	return s.client.LogEvent(ctx, eventType, aggregate, payload)
}
