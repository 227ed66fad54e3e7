// Package events defines the realtime bus the worker publishes to and the
// planner subscribes to. Delivery is at-least-once within a process and events
// for a single call id are observed in publish order.
package events

import (
	"context"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

type (
	// ReceiptCreated announces a newly written receipt.
	ReceiptCreated struct {
		ReceiptID string         `json:"receipt_id"`
		CallID    string         `json:"call_id"`
		ToolName  string         `json:"tool_name"`
		Status    receipt.Status `json:"status"`
	}

	// CallStatusChanged announces a call status transition.
	CallStatusChanged struct {
		CallID    string       `json:"call_id"`
		OldStatus queue.Status `json:"old_status"`
		NewStatus queue.Status `json:"new_status"`
		WorkerID  string       `json:"worker_id,omitempty"`
	}

	// Bus fans out status and receipt events. Subscription handlers run on the
	// bus's dispatch goroutines; they must not block indefinitely. The
	// returned cancel function detaches the subscriber.
	Bus interface {
		PublishReceiptCreated(ctx context.Context, ev ReceiptCreated) error
		PublishCallStatusChanged(ctx context.Context, ev CallStatusChanged) error
		SubscribeReceipts(fn func(ReceiptCreated)) (cancel func(), err error)
		SubscribeCallStatus(fn func(CallStatusChanged)) (cancel func(), err error)
		Close(ctx context.Context) error
	}
)
