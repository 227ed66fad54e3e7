package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/callkaidsroofing/gem/runtime/queue"
	"github.com/callkaidsroofing/gem/runtime/receipt"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	ctx := context.Background()
	bus := NewInProcess()
	defer bus.Close(ctx)

	var (
		mu   sync.Mutex
		got1 []string
		got2 []string
	)
	cancel1, err := bus.SubscribeReceipts(func(ev ReceiptCreated) {
		mu.Lock()
		got1 = append(got1, ev.CallID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel1()
	cancel2, err := bus.SubscribeReceipts(func(ev ReceiptCreated) {
		mu.Lock()
		got2 = append(got2, ev.CallID)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel2()

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.PublishReceiptCreated(ctx, ReceiptCreated{
			CallID: string(rune('a' + i)),
			Status: receipt.StatusSucceeded,
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got1) == 3 && len(got2) == 3
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, got1)
	assert.Equal(t, []string{"a", "b", "c"}, got2)
}

func TestPerSubscriberOrdering(t *testing.T) {
	ctx := context.Background()
	bus := NewInProcess()
	defer bus.Close(ctx)

	var (
		mu  sync.Mutex
		got []queue.Status
	)
	cancel, err := bus.SubscribeCallStatus(func(ev CallStatusChanged) {
		mu.Lock()
		got = append(got, ev.NewStatus)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer cancel()

	transitions := []queue.Status{queue.StatusRunning, queue.StatusSucceeded}
	for _, st := range transitions {
		require.NoError(t, bus.PublishCallStatusChanged(ctx, CallStatusChanged{
			CallID:    "call-1",
			NewStatus: st,
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(transitions)
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, transitions, got)
}

func TestCanceledSubscriberStopsReceiving(t *testing.T) {
	ctx := context.Background()
	bus := NewInProcess()
	defer bus.Close(ctx)

	var (
		mu    sync.Mutex
		count int
	)
	cancel, err := bus.SubscribeReceipts(func(ReceiptCreated) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, bus.PublishReceiptCreated(ctx, ReceiptCreated{CallID: "a"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, bus.PublishReceiptCreated(ctx, ReceiptCreated{CallID: "b"}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	ctx := context.Background()
	bus := NewInProcess()
	require.NoError(t, bus.Close(ctx))

	assert.Error(t, bus.PublishReceiptCreated(ctx, ReceiptCreated{CallID: "a"}))
	_, err := bus.SubscribeReceipts(func(ReceiptCreated) {})
	assert.Error(t, err)

	// Closing twice is a no-op.
	assert.NoError(t, bus.Close(ctx))
}

func TestNilHandlerRejected(t *testing.T) {
	bus := NewInProcess()
	defer bus.Close(context.Background())
	_, err := bus.SubscribeReceipts(nil)
	assert.Error(t, err)
	_, err = bus.SubscribeCallStatus(nil)
	assert.Error(t, err)
}
