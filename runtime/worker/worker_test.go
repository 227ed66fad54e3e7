package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	handlersleads "github.com/callkaidsroofing/gem/handlers/leads"
	handlersos "github.com/callkaidsroofing/gem/handlers/os"
	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/handler"
	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/queue/inmem"
	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/registry"
	"github.com/callkaidsroofing/gem/runtime/tool"
)

func objectSchema(required []any, props map[string]any) map[string]any {
	schema := map[string]any{"type": "object"}
	if required != nil {
		schema["required"] = required
	}
	if props != nil {
		schema["properties"] = props
	}
	return schema
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Catalog{Version: "1", Tools: []*tool.Tool{
		{
			Name: "os.create_note",
			InputSchema: objectSchema([]any{"title", "content"}, map[string]any{
				"title":   map[string]any{"type": "string"},
				"content": map[string]any{"type": "string"},
			}),
			ReceiptFields: []string{"note_id"},
			TimeoutMS:     5000,
		},
		{
			Name: "os.send_sms",
			InputSchema: objectSchema([]any{"to", "body"}, map[string]any{
				"to":   map[string]any{"type": "string"},
				"body": map[string]any{"type": "string"},
			}),
			TimeoutMS: 5000,
		},
		{
			Name: "leads.create",
			InputSchema: objectSchema([]any{"phone"}, map[string]any{
				"phone": map[string]any{"type": "string"},
				"name":  map[string]any{"type": "string"},
			}),
			Idempotency:   tool.Idempotency{Mode: tool.IdempotencyKeyed, KeyField: "phone"},
			ReceiptFields: []string{"lead_id", "phone"},
			TimeoutMS:     5000,
		},
		{
			Name:        "test.sleep",
			InputSchema: objectSchema(nil, nil),
			TimeoutMS:   200,
		},
		{
			Name:        "test.explode",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:        "test.panic",
			InputSchema: objectSchema(nil, nil),
		},
		{
			Name:          "test.bad_result",
			InputSchema:   objectSchema(nil, nil),
			ReceiptFields: []string{"must_have"},
		},
	}})
	require.NoError(t, err)
	return reg
}

func testTable(t *testing.T) (*handler.Table, *handlersos.Module) {
	t.Helper()
	table := handler.NewTable()
	osModule := handlersos.New()
	require.NoError(t, osModule.Register(table))
	require.NoError(t, handlersleads.New().Register(table))
	require.NoError(t, table.RegisterModule("test", map[string]handler.Func{
		"sleep": func(ctx context.Context, _ map[string]any, _ *handler.Context) (*receipt.Outcome, error) {
			select {
			case <-time.After(2 * time.Second):
				return receipt.Success(map[string]any{"slept": true}, receipt.Effects{}), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
		"explode": func(context.Context, map[string]any, *handler.Context) (*receipt.Outcome, error) {
			return nil, errors.New("boom")
		},
		"panic": func(context.Context, map[string]any, *handler.Context) (*receipt.Outcome, error) {
			panic("kaboom")
		},
		"bad_result": func(context.Context, map[string]any, *handler.Context) (*receipt.Outcome, error) {
			return receipt.Success(map[string]any{"other": 1}, receipt.Effects{}), nil
		},
	}))
	return table, osModule
}

func startWorker(t *testing.T, store queue.Store, opts ...Option) (*Worker, *handlersos.Module) {
	t.Helper()
	table, osModule := testTable(t)
	bus := events.NewInProcess()
	t.Cleanup(func() { bus.Close(context.Background()) })

	opts = append([]Option{
		WithPollInterval(10 * time.Millisecond),
		WithMaxConcurrent(4),
		WithShutdownTimeout(3 * time.Second),
	}, opts...)
	w, err := New(store, testRegistry(t), table, bus, opts...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Stop(context.Background()) })
	return w, osModule
}

func awaitReceipt(t *testing.T, store queue.Store, callID string, timeout time.Duration) *receipt.Receipt {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, err := store.FindReceiptByCallID(context.Background(), callID)
		require.NoError(t, err)
		if r != nil {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no receipt for call %s within %s", callID, timeout)
	return nil
}

func TestKeyedIdempotencyEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	first, err := store.Enqueue(ctx, "leads.create", map[string]any{"phone": "+61400000001"}, "")
	require.NoError(t, err)
	r1 := awaitReceipt(t, store, first, 3*time.Second)
	require.Equal(t, receipt.StatusSucceeded, r1.Status)
	leadID := r1.Result["lead_id"]
	require.NotEmpty(t, leadID)
	assert.NotEmpty(t, r1.Effects.DBWrites)
	assert.False(t, r1.IdempotencyHit())

	second, err := store.Enqueue(ctx, "leads.create", map[string]any{"phone": "+61400000001"}, "")
	require.NoError(t, err)
	r2 := awaitReceipt(t, store, second, 3*time.Second)
	require.Equal(t, receipt.StatusSucceeded, r2.Status)
	assert.Equal(t, leadID, r2.Result["lead_id"])
	assert.Empty(t, r2.Effects.DBWrites)
	assert.True(t, r2.IdempotencyHit())

	call, err := store.GetCall(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusSucceeded, call.Status)
}

func TestInvalidInputNeverReachesHandler(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	_, osModule := startWorker(t, store)

	id, err := store.Enqueue(ctx, "os.create_note", map[string]any{"title": "x"}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 3*time.Second)

	require.Equal(t, receipt.StatusFailed, r.Status)
	require.NotEmpty(t, r.Effects.Errors)
	assert.Equal(t, "required", r.Effects.Errors[0].Keyword)
	assert.Contains(t, []string{"/", "/content"}, r.Effects.Errors[0].Path)
	assert.Zero(t, osModule.NoteCount())
}

func TestHandlerTimeoutProducesFailedReceipt(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	start := time.Now()
	id, err := store.Enqueue(ctx, "test.sleep", map[string]any{}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 2*time.Second)
	elapsed := time.Since(start)

	require.Equal(t, receipt.StatusFailed, r.Status)
	require.NotEmpty(t, r.Effects.Errors)
	assert.Equal(t, receipt.CodeExecutionTimeout, r.Effects.Errors[0].Code)
	// The 200ms tool timeout is the authority; the receipt lands well within
	// twice that wall time plus polling slack.
	assert.Less(t, elapsed, time.Second)
}

func TestUnknownToolFailsAndWorkerKeepsRunning(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	bad, err := store.Enqueue(ctx, "unknown.nonexistent_tool", map[string]any{}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, bad, 3*time.Second)
	require.Equal(t, receipt.StatusFailed, r.Status)
	require.NotEmpty(t, r.Effects.Errors)
	assert.Equal(t, receipt.CodeToolNotFound, r.Effects.Errors[0].Code)

	good, err := store.Enqueue(ctx, "os.create_note", map[string]any{"title": "a", "content": "b"}, "")
	require.NoError(t, err)
	r = awaitReceipt(t, store, good, 3*time.Second)
	assert.Equal(t, receipt.StatusSucceeded, r.Status)
}

func TestHandlerErrorNeverFakesSuccess(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	id, err := store.Enqueue(ctx, "test.explode", map[string]any{}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 3*time.Second)
	require.Equal(t, receipt.StatusFailed, r.Status)
	assert.Equal(t, receipt.CodeHandlerThrew, r.Effects.Errors[0].Code)

	call, err := store.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, call.Status)
	require.NotNil(t, call.Error)
	assert.Equal(t, receipt.CodeHandlerThrew, call.Error.Code)
}

func TestHandlerPanicIsContained(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	id, err := store.Enqueue(ctx, "test.panic", map[string]any{}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 3*time.Second)
	require.Equal(t, receipt.StatusFailed, r.Status)
	assert.Equal(t, receipt.CodeHandlerThrew, r.Effects.Errors[0].Code)
}

func TestMissingReceiptFieldsFailTheCall(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	id, err := store.Enqueue(ctx, "test.bad_result", map[string]any{}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 3*time.Second)
	require.Equal(t, receipt.StatusFailed, r.Status)
	assert.Equal(t, receipt.CodeReceiptFieldsMissing, r.Effects.Errors[0].Code)
}

func TestNotConfiguredIsTerminalNotAnError(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	id, err := store.Enqueue(ctx, "os.send_sms", map[string]any{"to": "+61400000001", "body": "hi"}, "")
	require.NoError(t, err)
	r := awaitReceipt(t, store, id, 3*time.Second)

	require.Equal(t, receipt.StatusNotConfigured, r.Status)
	assert.NotEmpty(t, r.Result["reason"])
	assert.NotEmpty(t, r.Result["required_env"])
	assert.NotEmpty(t, r.Result["next_steps"])

	call, err := store.GetCall(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusNotConfigured, call.Status)
}

func TestExactlyOneReceiptPerTerminalCall(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	startWorker(t, store)

	inputs := []struct {
		tool  string
		input map[string]any
	}{
		{"os.create_note", map[string]any{"title": "a", "content": "b"}},
		{"os.create_note", map[string]any{"title": "a"}}, // invalid
		{"leads.create", map[string]any{"phone": "+61400000010"}},
		{"leads.create", map[string]any{"phone": "+61400000010"}}, // idempotent hit
		{"test.explode", map[string]any{}},
		{"unknown.nonexistent_tool", map[string]any{}},
		{"os.send_sms", map[string]any{"to": "x12345", "body": "y"}},
	}

	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		id, err := store.Enqueue(ctx, in.tool, in.input, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	for _, id := range ids {
		r := awaitReceipt(t, store, id, 5*time.Second)
		// Terminal-only statuses on receipts.
		assert.True(t, r.Status.Terminal())

		call, err := store.GetCall(ctx, id)
		require.NoError(t, err)
		assert.True(t, call.Status.Terminal())
		assert.Equal(t, string(r.Status), string(call.Status))

		// A second receipt write for the same call is rejected.
		_, err = store.WriteReceipt(ctx, &receipt.Receipt{
			CallID:   id,
			ToolName: r.ToolName,
			Status:   receipt.StatusFailed,
		})
		assert.ErrorIs(t, err, queue.ErrDuplicateReceipt)
	}
}

func TestGracefulStopDrainsInFlightJobs(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	bus := events.NewInProcess()
	defer bus.Close(ctx)

	reg, err := registry.New(registry.Catalog{Tools: []*tool.Tool{{
		Name:        "test.linger",
		InputSchema: objectSchema(nil, nil),
		TimeoutMS:   5000,
	}}})
	require.NoError(t, err)
	lingerTable := handler.NewTable()
	require.NoError(t, lingerTable.RegisterModule("test", map[string]handler.Func{
		"linger": func(ctx context.Context, _ map[string]any, _ *handler.Context) (*receipt.Outcome, error) {
			select {
			case <-time.After(300 * time.Millisecond):
				return receipt.Success(map[string]any{"done": true}, receipt.Effects{}), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))

	w, err := New(store, reg, lingerTable, bus,
		WithPollInterval(10*time.Millisecond),
		WithShutdownTimeout(2*time.Second),
	)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	id, err := store.Enqueue(ctx, "test.linger", map[string]any{}, "")
	require.NoError(t, err)

	// Wait until the job is claimed, then stop and expect it to drain.
	require.Eventually(t, func() bool {
		call, err := store.GetCall(ctx, id)
		return err == nil && call.Status == queue.StatusRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop(ctx))

	r, err := store.FindReceiptByCallID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, receipt.StatusSucceeded, r.Status)
}

func TestHealthSnapshot(t *testing.T) {
	store := inmem.New()
	w, _ := startWorker(t, store)

	h := w.Health()
	assert.Equal(t, w.ID(), h.WorkerID)
	assert.True(t, h.Running)
	assert.Zero(t, h.ActiveJobs)
	assert.False(t, h.StartedAt.IsZero())
}

func TestBackoffGrowth(t *testing.T) {
	interval := 100 * time.Millisecond
	interval = grow(interval)
	assert.Equal(t, 150*time.Millisecond, interval)
	interval = grow(interval)
	assert.Equal(t, 225*time.Millisecond, interval)

	// The cap bounds growth.
	assert.Equal(t, backoffCap, grow(backoffCap))
	assert.Equal(t, backoffCap, grow(59*time.Second))
}

func TestWorkerIDIsUnique(t *testing.T) {
	assert.NotEqual(t, workerID(), workerID())
}

func TestDoubleStartFails(t *testing.T) {
	store := inmem.New()
	w, _ := startWorker(t, store)
	assert.Error(t, w.Start(context.Background()))
}
