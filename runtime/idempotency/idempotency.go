// Package idempotency resolves whether a claimed call should re-execute or
// return a prior successful result. The engine runs before handler dispatch;
// keyed tools additionally rely on their handler's own storage uniqueness for
// race safety.
package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/tool"
)

// ErrKeyMissing marks a keyed call whose input lacks the declared key field.
// The worker converts it into a failed receipt with code key_missing.
var ErrKeyMissing = errors.New("missing key_field")

// Engine resolves idempotency hits against the queue store's receipt history.
type Engine struct {
	store queue.Store
}

// New constructs an engine over the given store.
func New(store queue.Store) *Engine {
	return &Engine{store: store}
}

// Key computes the stable idempotency key for a keyed tool and input:
// tool_name + ":" + key_field + ":" + value. The second return is false when
// the key field is absent from the input.
func Key(t *tool.Tool, input map[string]any) (string, bool) {
	if t.Idempotency.Mode != tool.IdempotencyKeyed {
		return "", false
	}
	value, ok := input[t.Idempotency.KeyField]
	if !ok || value == nil {
		return "", false
	}
	return fmt.Sprintf("%s:%s:%v", t.Name, t.Idempotency.KeyField, value), true
}

// Resolve evaluates the tool's idempotency mode for a claimed call and returns
// the prior successful receipt on a hit, or nil on a miss. Ordering is
// deterministic: the store contract picks the most recent successful receipt,
// ties broken by call id.
//
// A keyed call whose input lacks the key field fails with ErrKeyMissing.
func (e *Engine) Resolve(ctx context.Context, t *tool.Tool, call *queue.ToolCall) (*receipt.Receipt, error) {
	switch t.Idempotency.Mode {
	case tool.IdempotencyNone:
		return nil, nil

	case tool.IdempotencySafeRetry:
		// A re-entered call returns its own prior successful receipt first.
		prior, err := e.store.FindReceiptByCallID(ctx, call.ID)
		if err != nil {
			return nil, fmt.Errorf("find receipt by call id: %w", err)
		}
		if prior != nil && prior.Status == receipt.StatusSucceeded {
			return prior, nil
		}
		if call.IdempotencyKey == "" {
			return nil, nil
		}
		prior, err = e.store.FindSuccessfulReceiptByToolAndKey(ctx, t.Name, call.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("find receipt by idempotency key: %w", err)
		}
		return prior, nil

	case tool.IdempotencyKeyed:
		value, ok := call.Input[t.Idempotency.KeyField]
		if !ok || value == nil {
			return nil, fmt.Errorf("%w: tool %q requires input field %q", ErrKeyMissing, t.Name, t.Idempotency.KeyField)
		}
		prior, err := e.store.FindSuccessfulReceiptByToolAndInputField(ctx, t.Name, t.Idempotency.KeyField, value)
		if err != nil {
			return nil, fmt.Errorf("find receipt by key field: %w", err)
		}
		return prior, nil
	}
	return nil, nil
}
