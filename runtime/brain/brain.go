// Package brain implements the planner: it translates a natural-language
// message into an ordered sequence of registry-valid tool calls and drives
// their execution through the shared queue. Every invocation is audited as a
// BrainRun that records the decision, the planned calls, and the receipts
// collected while waiting.
package brain

import (
	"context"
	"time"

	"github.com/callkaidsroofing/gem/runtime/receipt"
)

// Mode selects how far a planner invocation goes: planning only, enqueueing,
// or enqueueing and waiting for receipts. The modes are distinct; none
// collapses into another.
type Mode string

const (
	// ModeAnswer plans and validates but answers conversationally without
	// enqueueing.
	ModeAnswer Mode = "answer"
	// ModePlan plans and validates, returning the plan without enqueueing.
	ModePlan Mode = "plan"
	// ModeEnqueue plans, validates, and enqueues without waiting.
	ModeEnqueue Mode = "enqueue"
	// ModeEnqueueAndWait additionally waits for receipts up to the wait
	// timeout.
	ModeEnqueueAndWait Mode = "enqueue_and_wait"
)

// Valid reports whether m is a known planner mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeAnswer, ModePlan, ModeEnqueue, ModeEnqueueAndWait:
		return true
	}
	return false
}

// Enqueues reports whether the mode persists calls to the queue.
func (m Mode) Enqueues() bool {
	return m == ModeEnqueue || m == ModeEnqueueAndWait
}

// RunStatus is a BrainRun lifecycle status.
type RunStatus string

const (
	RunCreated   RunStatus = "created"
	RunPlanning  RunStatus = "planning"
	RunEnqueued  RunStatus = "enqueued"
	RunWaiting   RunStatus = "waiting"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

const (
	// DefaultMaxToolCalls caps planner output per invocation.
	DefaultMaxToolCalls = 10
	// DefaultWaitTimeout bounds enqueue_and_wait.
	DefaultWaitTimeout = 30 * time.Second
)

type (
	// Limits bounds a single planner invocation.
	Limits struct {
		MaxToolCalls  int `json:"max_tool_calls,omitempty" bson:"max_tool_calls,omitempty"`
		WaitTimeoutMS int `json:"wait_timeout_ms,omitempty" bson:"wait_timeout_ms,omitempty"`
	}

	// Request is the planner input boundary.
	Request struct {
		Message        string         `json:"message"`
		Mode           Mode           `json:"mode"`
		ConversationID string         `json:"conversation_id,omitempty"`
		Context        map[string]any `json:"context,omitempty"`
		Limits         Limits         `json:"limits,omitempty"`
	}

	// Decision records which mode was actually used and why.
	Decision struct {
		ModeUsed Mode   `json:"mode_used" bson:"mode_used"`
		Reason   string `json:"reason" bson:"reason"`
	}

	// PlannedCall is a validated draft tool call.
	PlannedCall struct {
		ToolName       string         `json:"tool_name" bson:"tool_name"`
		Input          map[string]any `json:"input" bson:"input"`
		IdempotencyKey string         `json:"idempotency_key,omitempty" bson:"idempotency_key,omitempty"`
	}

	// EnqueuedCall links a planned call to its queue entry.
	EnqueuedCall struct {
		CallID   string `json:"call_id" bson:"call_id"`
		ToolName string `json:"tool_name" bson:"tool_name"`
	}

	// ReceiptView is the planner-facing projection of a receipt.
	ReceiptView struct {
		CallID   string          `json:"call_id" bson:"call_id"`
		ToolName string          `json:"tool_name" bson:"tool_name"`
		Status   receipt.Status  `json:"status" bson:"status"`
		Result   map[string]any  `json:"result" bson:"result"`
		Effects  receipt.Effects `json:"effects" bson:"effects"`
	}

	// Error is a structured planner error surfaced in the response.
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	}

	// Response is the planner output boundary.
	Response struct {
		OK               bool           `json:"ok"`
		RunID            string         `json:"run_id"`
		Decision         Decision       `json:"decision"`
		PlannedToolCalls []PlannedCall  `json:"planned_tool_calls"`
		Enqueued         []EnqueuedCall `json:"enqueued"`
		Receipts         []ReceiptView  `json:"receipts"`
		AssistantMessage string         `json:"assistant_message"`
		NextActions      []string       `json:"next_actions,omitempty"`
		Errors           []Error        `json:"errors,omitempty"`
	}

	// Run is the audit record of one planner invocation.
	Run struct {
		ID               string           `json:"id" bson:"id"`
		Message          string           `json:"message" bson:"message"`
		Mode             Mode             `json:"mode" bson:"mode"`
		ConversationID   string           `json:"conversation_id,omitempty" bson:"conversation_id,omitempty"`
		Context          map[string]any   `json:"context,omitempty" bson:"context,omitempty"`
		Limits           Limits           `json:"limits" bson:"limits"`
		Decision         Decision         `json:"decision" bson:"decision"`
		PlannedToolCalls []PlannedCall    `json:"planned_tool_calls" bson:"planned_tool_calls"`
		EnqueuedCallIDs  []string         `json:"enqueued_call_ids" bson:"enqueued_call_ids"`
		Status           RunStatus        `json:"status" bson:"status"`
		AssistantMessage string           `json:"assistant_message,omitempty" bson:"assistant_message,omitempty"`
		NextActions      []string         `json:"next_actions,omitempty" bson:"next_actions,omitempty"`
		Receipts         []ReceiptView    `json:"receipts,omitempty" bson:"receipts,omitempty"`
		Error            *receipt.Failure `json:"error,omitempty" bson:"error,omitempty"`
		CreatedAt        time.Time        `json:"created_at" bson:"created_at"`
		UpdatedAt        time.Time        `json:"updated_at" bson:"updated_at"`
	}

	// Store persists BrainRun audit records.
	Store interface {
		Create(ctx context.Context, run *Run) error
		Update(ctx context.Context, run *Run) error
		Get(ctx context.Context, id string) (*Run, error)
	}
)

// CallCap returns the effective plan cap.
func (l Limits) CallCap() int {
	if l.MaxToolCalls > 0 {
		return l.MaxToolCalls
	}
	return DefaultMaxToolCalls
}

// WaitTimeout returns the effective receipt wait deadline.
func (l Limits) WaitTimeout() time.Duration {
	if l.WaitTimeoutMS > 0 {
		return time.Duration(l.WaitTimeoutMS) * time.Millisecond
	}
	return DefaultWaitTimeout
}
