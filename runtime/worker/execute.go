package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/idempotency"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
	"github.com/callkaidsroofing/gem/runtime/tool"
	"github.com/callkaidsroofing/gem/runtime/validator"
)

// execute runs one claimed call through the fixed pipeline: registry lookup,
// input validation, idempotency resolution, handler dispatch under the tool
// timeout, and finalization into exactly one receipt. No step is skipped or
// reordered.
func (w *Worker) execute(ctx context.Context, call *queue.ToolCall) {
	start := time.Now()
	ctx, span := w.tracer.StartCall(ctx, "worker.execute", telemetry.CallScope{
		WorkerID: w.id,
		CallID:   call.ID,
		Tool:     call.ToolName,
	})
	defer span.End()

	// 1. Resolve the tool.
	t, ok := w.registry.Get(call.ToolName)
	if !ok {
		span.AddEvent("tool_not_found", nil)
		w.finalize(ctx, span, call, nil, receipt.Failed(
			receipt.NewFailure(receipt.CodeToolNotFound, fmt.Sprintf("unknown tool %q", call.ToolName)),
		), start)
		return
	}

	// 2. Validate input. Failures never reach the handler.
	result, err := w.val.ValidateInput(t, call.Input)
	if err != nil {
		w.finalize(ctx, span, call, t, receipt.Failed(
			receipt.NewFailure(receipt.CodeSchemaValidationFailed, fmt.Sprintf("compile input schema: %v", err)),
		), start)
		return
	}
	if !result.OK {
		span.AddEvent("schema_validation_failed", telemetry.Fields{"error_count": len(result.Errors)})
		out := receipt.Failed(receipt.NewFailure(
			receipt.CodeSchemaValidationFailed,
			fmt.Sprintf("input does not satisfy %s input_schema", t.Name),
		))
		out.Effects.Errors = validationErrors(result.Errors)
		w.finalize(ctx, span, call, t, out, start)
		return
	}

	// 3. Consult the idempotency engine.
	prior, err := w.engine.Resolve(ctx, t, call)
	if err != nil {
		if errors.Is(err, idempotency.ErrKeyMissing) {
			w.finalize(ctx, span, call, t, receipt.Failed(
				receipt.NewFailure(receipt.CodeKeyMissing, err.Error()),
			), start)
			return
		}
		w.logger.Error(ctx, "idempotency resolution failed", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "err": err,
		})
		w.finalize(ctx, span, call, t, receipt.Failed(
			receipt.NewFailure(receipt.CodeConnectionError, fmt.Sprintf("idempotency lookup: %v", err)),
		), start)
		return
	}
	if prior != nil {
		span.AddEvent("idempotency_hit", telemetry.Fields{"prior_receipt_id": prior.ID})
		key, _ := idempotency.Key(t, call.Input)
		out := receipt.Success(prior.Result, receipt.Effects{
			Idempotency: &receipt.Idempotency{Hit: true, Key: key},
		})
		w.finalize(ctx, span, call, t, out, start)
		return
	}

	// 4. Resolve the handler.
	fn, err := w.handlers.Resolve(call.ToolName)
	if err != nil {
		span.AddEvent("handler_not_found", nil)
		w.finalize(ctx, span, call, t, receipt.Failed(
			receipt.NewFailure(receipt.CodeHandlerNotFound, err.Error()),
		), start)
		return
	}

	// 5. Execute the handler under the tool timeout.
	out, abandoned := w.runHandler(ctx, t, call, fn)
	if abandoned {
		// Shutdown overran the grace period mid-handler. The call stays in
		// running for the reaper; the tool's idempotency mode governs safe
		// re-execution.
		w.logger.Warn(ctx, "job abandoned mid-handler", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "tool": call.ToolName,
		})
		span.Fail("abandoned")
		return
	}

	// 6. Finalize: map the outcome, soft-validate output, write the receipt,
	// complete the call.
	w.finalize(ctx, span, call, t, out, start)
}

// runHandler supervises a single handler invocation. The second return is true
// only when the job context was canceled (shutdown abandonment); a timeout
// produces a failed outcome with code execution_timeout.
func (w *Worker) runHandler(ctx context.Context, t *tool.Tool, call *queue.ToolCall, fn handler.Func) (*receipt.Outcome, bool) {
	hctx := &handler.Context{
		CallID:   call.ID,
		ToolName: call.ToolName,
		WorkerID: w.id,
		Logger:   w.logger,
	}
	execCtx, cancel := context.WithTimeout(ctx, t.Timeout())
	defer cancel()

	type handlerResult struct {
		out *receipt.Outcome
		err error
	}
	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{err: receipt.NewFailure(receipt.CodeHandlerThrew, fmt.Sprintf("handler panic: %v", r))}
			}
		}()
		out, err := fn(execCtx, call.Input, hctx)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, true
		}
		return receipt.Failed(receipt.NewFailure(
			receipt.CodeExecutionTimeout,
			fmt.Sprintf("handler exceeded %s timeout", t.Timeout()),
		)), false
	case res := <-done:
		if res.err != nil {
			return receipt.FailedFromError(res.err), false
		}
		if res.out == nil {
			return receipt.Failed(receipt.NewFailure(receipt.CodeHandlerThrew, "handler returned no outcome")), false
		}
		return res.out, false
	}
}

// finalize converts the outcome into the persisted receipt and the terminal
// call status. Receipt write and call completion form a logical unit: a failed
// receipt write marks the call failed with receipt_write_failed and no phantom
// receipt survives. The worker never writes succeeded when the handler
// signalled anything else.
func (w *Worker) finalize(ctx context.Context, span telemetry.Span, call *queue.ToolCall, t *tool.Tool, out *receipt.Outcome, start time.Time) {
	// Enforce receipt_fields on success so every succeeded receipt resolves
	// the declared result paths.
	if out.Status == receipt.StatusSucceeded && t != nil {
		if missing := receipt.MissingReceiptFields(out.Result, t.ReceiptFields); len(missing) > 0 {
			out = receipt.Failed(receipt.NewFailure(
				receipt.CodeReceiptFieldsMissing,
				fmt.Sprintf("result is missing declared receipt fields: %v", missing),
			).WithDetails(map[string]any{"missing": missing}))
		} else if res, err := w.val.ValidateOutput(t, out.Result); err == nil && !res.OK {
			// Output-schema mismatches are soft: log and keep the receipt.
			w.logger.Warn(ctx, "output schema mismatch", telemetry.Fields{
				"worker_id": w.id,
				"call_id":   call.ID,
				"tool":      call.ToolName,
				"errors":    len(res.Errors),
			})
		}
	}

	status := callStatus(out.Status)
	r := &receipt.Receipt{
		ID:        uuid.NewString(),
		CallID:    call.ID,
		ToolName:  call.ToolName,
		Status:    out.Status,
		Result:    out.Result,
		Effects:   out.Effects,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := w.store.WriteReceipt(ctx, r); err != nil {
		if errors.Is(err, queue.ErrDuplicateReceipt) {
			// A re-entered call already has its receipt (crash recovery or a
			// requeued safe-retry). Keep the original receipt and bring the
			// call to its terminal status.
			w.logger.Info(ctx, "receipt already written for call", telemetry.Fields{
				"worker_id": w.id, "call_id": call.ID, "tool": call.ToolName,
			})
			if cerr := w.store.Complete(ctx, call.ID, status, out.Failure); cerr != nil && !errors.Is(cerr, queue.ErrIllegalTransition) {
				w.logger.Error(ctx, "completion of re-entered call failed", telemetry.Fields{
					"worker_id": w.id, "call_id": call.ID, "err": cerr,
				})
			} else {
				w.publishStatus(ctx, call, status)
			}
			w.metrics.JobFinished(w.id, call.ToolName, string(status), time.Since(start))
			span.Succeed("duplicate_receipt")
			return
		}
		w.logger.Error(ctx, "receipt write failed", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "tool": call.ToolName, "err": err,
		})
		fail := receipt.NewFailure(receipt.CodeReceiptWriteFailed, err.Error())
		if cerr := w.store.Complete(ctx, call.ID, queue.StatusFailed, fail); cerr != nil {
			w.logger.Error(ctx, "completion after receipt write failure also failed", telemetry.Fields{
				"worker_id": w.id, "call_id": call.ID, "err": cerr,
			})
		} else {
			w.publishStatus(ctx, call, queue.StatusFailed)
		}
		w.metrics.JobFinished(w.id, call.ToolName, string(queue.StatusFailed), time.Since(start))
		span.Fail(receipt.CodeReceiptWriteFailed)
		return
	}

	if err := w.store.Complete(ctx, call.ID, status, out.Failure); err != nil {
		// The receipt exists but the call is stuck; this is a programming bug
		// or a store outage, never silently recovered.
		w.logger.Error(ctx, "call completion failed after receipt write", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "status": string(status), "err": err,
		})
		span.Fail("completion_failed")
		return
	}

	w.publishStatus(ctx, call, status)
	if err := w.bus.PublishReceiptCreated(ctx, events.ReceiptCreated{
		ReceiptID: r.ID,
		CallID:    r.CallID,
		ToolName:  r.ToolName,
		Status:    r.Status,
	}); err != nil {
		w.logger.Warn(ctx, "publish receipt_created failed", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "err": err,
		})
	}
	if err := w.store.LogEvent(ctx, "receipt_written", call.ID, map[string]any{
		"receipt_id": r.ID,
		"tool_name":  r.ToolName,
		"status":     string(r.Status),
		"worker_id":  w.id,
	}); err != nil {
		w.logger.Warn(ctx, "audit log_event failed", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "err": err,
		})
	}

	w.metrics.JobFinished(w.id, call.ToolName, string(out.Status), time.Since(start))
	if out.Status == receipt.StatusFailed {
		span.Fail(failureCode(out))
	} else {
		span.Succeed(string(out.Status))
	}
}

func (w *Worker) publishStatus(ctx context.Context, call *queue.ToolCall, status queue.Status) {
	if err := w.bus.PublishCallStatusChanged(ctx, events.CallStatusChanged{
		CallID:    call.ID,
		OldStatus: queue.StatusRunning,
		NewStatus: status,
		WorkerID:  w.id,
	}); err != nil {
		w.logger.Warn(ctx, "publish call_status_changed failed", telemetry.Fields{
			"worker_id": w.id, "call_id": call.ID, "err": err,
		})
	}
}

func callStatus(s receipt.Status) queue.Status {
	switch s {
	case receipt.StatusSucceeded:
		return queue.StatusSucceeded
	case receipt.StatusNotConfigured:
		return queue.StatusNotConfigured
	default:
		return queue.StatusFailed
	}
}

func failureCode(out *receipt.Outcome) string {
	if out.Failure != nil {
		return out.Failure.Code
	}
	return receipt.CodeHandlerThrew
}

func validationErrors(fields []validator.FieldError) []receipt.ErrorDetail {
	details := make([]receipt.ErrorDetail, 0, len(fields))
	for _, f := range fields {
		details = append(details, receipt.ErrorDetail{
			Keyword: f.Keyword,
			Path:    f.Path,
			Message: f.Message,
		})
	}
	return details
}
