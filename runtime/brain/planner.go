package brain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/idempotency"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/registry"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/validator"
)

type (
	// Brain plans tool calls from messages, enqueues them, and optionally
	// waits for their receipts. Safe for concurrent invocations; each Run owns
	// a distinct BrainRun audit record.
	Brain struct {
		registry *registry.Registry
		val      *validator.Validator
		store    queue.Store
		runs     Store
		bus      events.Bus
		rules    *RuleSet
		logger   telemetry.Logger

		receiptPoll time.Duration
	}

	// Option configures a Brain.
	Option func(*Brain)
)

// WithLogger sets the structured logger. Defaults to noop.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Brain) {
		b.logger = l
	}
}

// WithValidator shares a compiled-schema cache with the worker.
func WithValidator(v *validator.Validator) Option {
	return func(b *Brain) {
		b.val = v
	}
}

// WithReceiptPollInterval sets the fallback polling cadence used while
// waiting for receipts alongside the event subscription.
func WithReceiptPollInterval(d time.Duration) Option {
	return func(b *Brain) {
		if d > 0 {
			b.receiptPoll = d
		}
	}
}

// New constructs a planner over the loaded registry, the shared queue store,
// the BrainRun audit store, the event bus, and an ordered rule set.
func New(reg *registry.Registry, store queue.Store, runs Store, bus events.Bus, rules *RuleSet, opts ...Option) (*Brain, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	if store == nil {
		return nil, errors.New("queue store is required")
	}
	if runs == nil {
		return nil, errors.New("run store is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if rules == nil {
		return nil, errors.New("rule set is required")
	}
	b := &Brain{
		registry:    reg,
		store:       store,
		runs:        runs,
		bus:         bus,
		rules:       rules,
		logger:      telemetry.NewNoopLogger(),
		receiptPoll: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	if b.val == nil {
		b.val = validator.New()
	}
	return b, nil
}

// Run executes one planner invocation: match rules, build and validate the
// plan, enqueue per the requested mode, and wait for receipts when asked.
// Plan-time validation failures surface as errors with ok=false and nothing
// enqueued.
func (b *Brain) Run(ctx context.Context, req Request) (*Response, error) {
	run := &Run{
		ID:             uuid.NewString(),
		Message:        req.Message,
		Mode:           req.Mode,
		ConversationID: req.ConversationID,
		Context:        req.Context,
		Limits:         req.Limits,
		Status:         RunCreated,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	if err := b.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("create brain run: %w", err)
	}

	if !req.Mode.Valid() {
		return b.fail(ctx, run, Error{
			Code:    receipt.CodePreconditionFailed,
			Message: fmt.Sprintf("unknown planner mode %q", req.Mode),
		}), nil
	}

	run.Status = RunPlanning
	b.update(ctx, run)

	rule, match, matched := b.rules.Match(req.Message, &req)
	if !matched {
		run.Decision = Decision{ModeUsed: ModeAnswer, Reason: "no rule matched"}
		run.AssistantMessage = b.helpMessage()
		run.Status = RunCompleted
		b.update(ctx, run)
		return &Response{
			OK:               true,
			RunID:            run.ID,
			Decision:         run.Decision,
			PlannedToolCalls: []PlannedCall{},
			Enqueued:         []EnqueuedCall{},
			Receipts:         []ReceiptView{},
			AssistantMessage: run.AssistantMessage,
		}, nil
	}

	drafts, err := rule.Drafts(match)
	if err != nil {
		return b.fail(ctx, run, Error{
			Code:    receipt.CodePreconditionFailed,
			Message: err.Error(),
		}), nil
	}

	planned, planErrs := b.validateDrafts(drafts)
	if len(planErrs) > 0 {
		return b.fail(ctx, run, planErrs...), nil
	}

	var truncated int
	if limit := req.Limits.CallCap(); len(planned) > limit {
		truncated = len(planned) - limit
		planned = planned[:limit]
	}

	run.Decision = Decision{ModeUsed: req.Mode, Reason: fmt.Sprintf("rule %q matched", rule.Name)}
	if truncated > 0 {
		run.Decision.Reason += fmt.Sprintf("; plan truncated by %d call(s) to max_tool_calls", truncated)
		run.NextActions = append(run.NextActions, fmt.Sprintf("%d planned call(s) were truncated; rerun with a narrower request", truncated))
	}
	run.PlannedToolCalls = planned

	if !req.Mode.Enqueues() {
		run.Status = RunCompleted
		run.AssistantMessage = b.planMessage(req.Mode, rule, planned)
		b.update(ctx, run)
		return &Response{
			OK:               true,
			RunID:            run.ID,
			Decision:         run.Decision,
			PlannedToolCalls: planned,
			Enqueued:         []EnqueuedCall{},
			Receipts:         []ReceiptView{},
			AssistantMessage: run.AssistantMessage,
			NextActions:      run.NextActions,
		}, nil
	}

	enqueued, err := b.enqueue(ctx, run, planned)
	if err != nil {
		resp := b.fail(ctx, run, Error{
			Code:    receipt.CodeConnectionError,
			Message: fmt.Sprintf("enqueue failed: %v", err),
		})
		resp.Enqueued = enqueued
		return resp, nil
	}
	run.Status = RunEnqueued
	b.update(ctx, run)

	if req.Mode == ModeEnqueue {
		run.Status = RunCompleted
		run.AssistantMessage = fmt.Sprintf("Enqueued %d tool call(s).", len(enqueued))
		b.update(ctx, run)
		return &Response{
			OK:               true,
			RunID:            run.ID,
			Decision:         run.Decision,
			PlannedToolCalls: planned,
			Enqueued:         enqueued,
			Receipts:         []ReceiptView{},
			AssistantMessage: run.AssistantMessage,
			NextActions:      run.NextActions,
		}, nil
	}

	run.Status = RunWaiting
	b.update(ctx, run)
	views, pending := b.wait(ctx, enqueued, req.Limits.WaitTimeout())
	run.Receipts = views

	if len(pending) > 0 {
		run.Status = RunFailed
		run.AssistantMessage = fmt.Sprintf(
			"Completed %d of %d tool call(s) before the wait timeout; still pending: %s.",
			len(views), len(enqueued), strings.Join(pending, ", "),
		)
		run.Error = receipt.NewFailure(receipt.CodeTimeout, "wait timeout elapsed before all receipts arrived")
		b.update(ctx, run)
		return &Response{
			OK:               false,
			RunID:            run.ID,
			Decision:         run.Decision,
			PlannedToolCalls: planned,
			Enqueued:         enqueued,
			Receipts:         views,
			AssistantMessage: run.AssistantMessage,
			NextActions:      append(run.NextActions, "look up the pending call id(s) later for their terminal receipts"),
			Errors: []Error{{
				Code:    receipt.CodeTimeout,
				Message: "wait timeout elapsed before all receipts arrived",
				Details: map[string]any{"pending_call_ids": pending},
			}},
		}, nil
	}

	run.Status = RunCompleted
	run.AssistantMessage = b.receiptsMessage(views)
	b.update(ctx, run)
	return &Response{
		OK:               true,
		RunID:            run.ID,
		Decision:         run.Decision,
		PlannedToolCalls: planned,
		Enqueued:         enqueued,
		Receipts:         views,
		AssistantMessage: run.AssistantMessage,
		NextActions:      run.NextActions,
	}, nil
}

// validateDrafts checks every draft against the registry and the input
// schemas. Any failure aborts the whole plan.
func (b *Brain) validateDrafts(drafts []Draft) ([]PlannedCall, []Error) {
	var (
		planned []PlannedCall
		errs    []Error
	)
	for i, d := range drafts {
		t, ok := b.registry.Get(d.ToolName)
		if !ok {
			errs = append(errs, Error{
				Code:    receipt.CodeToolNotFound,
				Message: fmt.Sprintf("draft %d: unknown tool %q", i, d.ToolName),
			})
			continue
		}
		result, err := b.val.ValidateInput(t, d.Input)
		if err != nil {
			errs = append(errs, Error{
				Code:    receipt.CodeSchemaValidationFailed,
				Message: fmt.Sprintf("draft %d: %v", i, err),
			})
			continue
		}
		if !result.OK {
			errs = append(errs, Error{
				Code:    receipt.CodeSchemaValidationFailed,
				Message: fmt.Sprintf("draft %d: input does not satisfy %s input_schema", i, d.ToolName),
				Details: map[string]any{"errors": result.ErrorDetails()},
			})
			continue
		}
		key := d.IdempotencyKey
		if computed, ok := idempotency.Key(t, d.Input); ok {
			key = computed
		}
		planned = append(planned, PlannedCall{
			ToolName:       d.ToolName,
			Input:          d.Input,
			IdempotencyKey: key,
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return planned, nil
}

// enqueue persists the planned calls and links them to the run in the audit
// stream. Partial failures return the calls enqueued so far.
func (b *Brain) enqueue(ctx context.Context, run *Run, planned []PlannedCall) ([]EnqueuedCall, error) {
	enqueued := make([]EnqueuedCall, 0, len(planned))
	for _, p := range planned {
		callID, err := b.store.Enqueue(ctx, p.ToolName, p.Input, p.IdempotencyKey)
		if err != nil {
			return enqueued, fmt.Errorf("enqueue %s: %w", p.ToolName, err)
		}
		enqueued = append(enqueued, EnqueuedCall{CallID: callID, ToolName: p.ToolName})
		run.EnqueuedCallIDs = append(run.EnqueuedCallIDs, callID)
		if err := b.store.LogEvent(ctx, "brain_enqueued", run.ID, map[string]any{
			"call_id":   callID,
			"tool_name": p.ToolName,
		}); err != nil {
			b.logger.Warn(ctx, "audit log_event failed", telemetry.Fields{
				"run_id": run.ID, "call_id": callID, "err": err,
			})
		}
	}
	return enqueued, nil
}

// wait blocks until every enqueued call has a receipt or the timeout elapses.
// It subscribes to receipt events and polls the store as a fallback, so a
// receipt written before the subscription or a lost event cannot wedge the
// planner. Returns the collected receipt views and the call ids still pending.
func (b *Brain) wait(ctx context.Context, enqueued []EnqueuedCall, timeout time.Duration) ([]ReceiptView, []string) {
	pending := make(map[string]string, len(enqueued)) // call id -> tool name
	for _, e := range enqueued {
		pending[e.CallID] = e.ToolName
	}
	var views []ReceiptView

	notify := make(chan string, 2*len(enqueued)+1)
	cancel, err := b.bus.SubscribeReceipts(func(ev events.ReceiptCreated) {
		select {
		case notify <- ev.CallID:
		default:
			// Queue full; the poll fallback picks the receipt up.
		}
	})
	if err != nil {
		b.logger.Warn(ctx, "receipt subscription failed; relying on polling", telemetry.Fields{"err": err})
	} else {
		defer cancel()
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(b.receiptPoll)
	defer poll.Stop()

	sweep := func() {
		for callID := range pending {
			r, err := b.store.FindReceiptByCallID(ctx, callID)
			if err != nil || r == nil {
				continue
			}
			views = append(views, ReceiptView{
				CallID:   callID,
				ToolName: pending[callID],
				Status:   r.Status,
				Result:   r.Result,
				Effects:  r.Effects,
			})
			delete(pending, callID)
		}
	}

	sweep()
	for len(pending) > 0 {
		select {
		case callID := <-notify:
			if _, ok := pending[callID]; !ok {
				continue
			}
			r, err := b.store.FindReceiptByCallID(ctx, callID)
			if err != nil || r == nil {
				continue
			}
			views = append(views, ReceiptView{
				CallID:   callID,
				ToolName: pending[callID],
				Status:   r.Status,
				Result:   r.Result,
				Effects:  r.Effects,
			})
			delete(pending, callID)
		case <-poll.C:
			sweep()
		case <-deadline.C:
			return views, pendingIDs(pending)
		case <-ctx.Done():
			return views, pendingIDs(pending)
		}
	}
	return views, nil
}

func pendingIDs(pending map[string]string) []string {
	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// fail stamps the run failed and builds the error response. Nothing is
// enqueued on plan-time failures.
func (b *Brain) fail(ctx context.Context, run *Run, errs ...Error) *Response {
	run.Status = RunFailed
	if len(errs) > 0 {
		run.Error = receipt.NewFailure(errs[0].Code, errs[0].Message)
	}
	b.update(ctx, run)
	return &Response{
		OK:               false,
		RunID:            run.ID,
		Decision:         run.Decision,
		PlannedToolCalls: []PlannedCall{},
		Enqueued:         []EnqueuedCall{},
		Receipts:         []ReceiptView{},
		AssistantMessage: "I could not complete that request.",
		Errors:           errs,
	}
}

func (b *Brain) update(ctx context.Context, run *Run) {
	run.UpdatedAt = time.Now().UTC()
	if err := b.runs.Update(ctx, run); err != nil {
		b.logger.Error(ctx, "brain run update failed", telemetry.Fields{
			"run_id": run.ID, "status": string(run.Status), "err": err,
		})
	}
}

func (b *Brain) helpMessage() string {
	lines := b.rules.Help()
	if len(lines) == 0 {
		return "I did not recognize that request and no intents are configured."
	}
	return "I did not recognize that request. I can help with: " + strings.Join(lines, "; ") + "."
}

func (b *Brain) planMessage(mode Mode, rule *Rule, planned []PlannedCall) string {
	names := make([]string, len(planned))
	for i, p := range planned {
		names[i] = p.ToolName
	}
	if mode == ModePlan {
		return fmt.Sprintf("Planned %d tool call(s): %s. Nothing was enqueued.", len(planned), strings.Join(names, ", "))
	}
	return fmt.Sprintf("That request maps to %s. Run it in enqueue mode to execute.", strings.Join(names, ", "))
}

func (b *Brain) receiptsMessage(views []ReceiptView) string {
	succeeded := 0
	for _, v := range views {
		if v.Status == receipt.StatusSucceeded {
			succeeded++
		}
	}
	return fmt.Sprintf("All %d tool call(s) completed; %d succeeded.", len(views), succeeded)
}
