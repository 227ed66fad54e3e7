package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/queue/inmem"
	"github.com/callkaidsroofing/gem/runtime/receipt"
	"github.com/callkaidsroofing/gem/runtime/tool"
)

func keyedTool() *tool.Tool {
	return &tool.Tool{
		Name: "leads.create",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"phone"},
		},
		Idempotency: tool.Idempotency{Mode: tool.IdempotencyKeyed, KeyField: "phone"},
	}
}

func safeRetryTool() *tool.Tool {
	return &tool.Tool{
		Name:        "os.send_sms",
		InputSchema: map[string]any{"type": "object"},
		Idempotency: tool.Idempotency{Mode: tool.IdempotencySafeRetry},
	}
}

func TestKey(t *testing.T) {
	key, ok := Key(keyedTool(), map[string]any{"phone": "+61400000001"})
	require.True(t, ok)
	assert.Equal(t, "leads.create:phone:+61400000001", key)

	_, ok = Key(keyedTool(), map[string]any{})
	assert.False(t, ok)

	_, ok = Key(safeRetryTool(), map[string]any{"phone": "x"})
	assert.False(t, ok)
}

func TestResolveNoneNeverHits(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	e := New(s)

	none := &tool.Tool{Name: "os.create_note", Idempotency: tool.Idempotency{Mode: tool.IdempotencyNone}}
	hit, err := e.Resolve(ctx, none, &queue.ToolCall{ID: "c1", Input: map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestResolveKeyed(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	e := New(s)

	// Miss before any successful receipt exists.
	call := enqueueAndClaim(t, s, "leads.create", map[string]any{"phone": "+61400000001"}, "")
	hit, err := e.Resolve(ctx, keyedTool(), call)
	require.NoError(t, err)
	assert.Nil(t, hit)

	writeSucceeded(t, s, call, map[string]any{"lead_id": "L1"})

	// A second call with the same key resolves to the prior receipt.
	second := enqueueAndClaim(t, s, "leads.create", map[string]any{"phone": "+61400000001"}, "")
	hit, err = e.Resolve(ctx, keyedTool(), second)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "L1", hit.Result["lead_id"])

	// A different key misses.
	third := enqueueAndClaim(t, s, "leads.create", map[string]any{"phone": "+61400000002"}, "")
	hit, err = e.Resolve(ctx, keyedTool(), third)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestResolveKeyedMissingKeyField(t *testing.T) {
	ctx := context.Background()
	e := New(inmem.New())

	_, err := e.Resolve(ctx, keyedTool(), &queue.ToolCall{ID: "c1", Input: map[string]any{}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyMissing)
}

func TestResolveSafeRetryByCallID(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	e := New(s)

	call := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x", "body": "y"}, "")
	writeSucceeded(t, s, call, map[string]any{"message_ref": "m1"})

	// The same call re-entered returns its own receipt.
	hit, err := e.Resolve(ctx, safeRetryTool(), call)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "m1", hit.Result["message_ref"])
}

func TestResolveSafeRetryByClientKey(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	e := New(s)

	first := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x", "body": "y"}, "client-key-1")
	writeSucceeded(t, s, first, map[string]any{"message_ref": "m1"})

	second := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x", "body": "y"}, "client-key-1")
	hit, err := e.Resolve(ctx, safeRetryTool(), second)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, "m1", hit.Result["message_ref"])

	// Without a client key there is nothing to match.
	third := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x", "body": "y"}, "")
	hit, err = e.Resolve(ctx, safeRetryTool(), third)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func TestResolveSafeRetryIgnoresFailedReceipts(t *testing.T) {
	ctx := context.Background()
	s := inmem.New()
	e := New(s)

	first := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x"}, "key-1")
	_, err := s.WriteReceipt(ctx, &receipt.Receipt{
		CallID:   first.ID,
		ToolName: "os.send_sms",
		Status:   receipt.StatusFailed,
	})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, first.ID, queue.StatusFailed, nil))

	second := enqueueAndClaim(t, s, "os.send_sms", map[string]any{"to": "x"}, "key-1")
	hit, err := e.Resolve(ctx, safeRetryTool(), second)
	require.NoError(t, err)
	assert.Nil(t, hit)
}

func enqueueAndClaim(t *testing.T, s *inmem.Store, toolName string, input map[string]any, key string) *queue.ToolCall {
	t.Helper()
	ctx := context.Background()
	_, err := s.Enqueue(ctx, toolName, input, key)
	require.NoError(t, err)
	call, err := s.ClaimNext(ctx, "w-test")
	require.NoError(t, err)
	require.NotNil(t, call)
	return call
}

func writeSucceeded(t *testing.T, s *inmem.Store, call *queue.ToolCall, result map[string]any) {
	t.Helper()
	ctx := context.Background()
	_, err := s.WriteReceipt(ctx, &receipt.Receipt{
		CallID:    call.ID,
		ToolName:  call.ToolName,
		Status:    receipt.StatusSucceeded,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, call.ID, queue.StatusSucceeded, nil))
}
