// Package pulse implements the platform event bus over goa.design/pulse
// streams. Receipt and call-status events flow through two Redis streams;
// every subscriber owns its own sink (consumer group) so events fan out to
// all of them, and entries within a stream are observed in publish order.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	clientspulse "github.com/callkaidsroofing/gem/features/events/pulse/clients/pulse"
	"github.com/callkaidsroofing/gem/runtime/events"
	"github.com/callkaidsroofing/gem/runtime/telemetry"
)

const (
	// receiptStream carries receipt_created events.
	receiptStream = "gem/events/receipts"
	// callStream carries call_status_changed events.
	callStream = "gem/events/calls"

	eventReceiptCreated    = "receipt_created"
	eventCallStatusChanged = "call_status_changed"
)

type (
	// Options configures the bus.
	Options struct {
		// Client is the Pulse client used to publish and consume. Required.
		Client clientspulse.Client
		// SinkPrefix namespaces the per-subscriber consumer groups. Defaults
		// to "gem_bus".
		SinkPrefix string
		// Logger reports subscriber decode and ack failures. Defaults to noop.
		Logger telemetry.Logger
	}

	// Bus implements events.Bus over Pulse streams.
	Bus struct {
		client     clientspulse.Client
		sinkPrefix string
		logger     telemetry.Logger

		mu      sync.Mutex
		closed  bool
		cancels []context.CancelFunc
		wg      sync.WaitGroup
	}
)

// New constructs a Pulse-backed bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	prefix := opts.SinkPrefix
	if prefix == "" {
		prefix = "gem_bus"
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bus{
		client:     opts.Client,
		sinkPrefix: prefix,
		logger:     logger,
	}, nil
}

// PublishReceiptCreated implements events.Bus.
func (b *Bus) PublishReceiptCreated(ctx context.Context, ev events.ReceiptCreated) error {
	return b.publish(ctx, receiptStream, eventReceiptCreated, ev)
}

// PublishCallStatusChanged implements events.Bus.
func (b *Bus) PublishCallStatusChanged(ctx context.Context, ev events.CallStatusChanged) error {
	return b.publish(ctx, callStream, eventCallStatusChanged, ev)
}

func (b *Bus) publish(ctx context.Context, streamID, eventName string, payload any) error {
	handle, err := b.client.Stream(streamID)
	if err != nil {
		return fmt.Errorf("open stream %q: %w", streamID, err)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventName, err)
	}
	if _, err := handle.Add(ctx, eventName, raw); err != nil {
		return fmt.Errorf("publish %s: %w", eventName, err)
	}
	return nil
}

// SubscribeReceipts implements events.Bus.
func (b *Bus) SubscribeReceipts(fn func(events.ReceiptCreated)) (func(), error) {
	return subscribe(b, receiptStream, eventReceiptCreated, fn)
}

// SubscribeCallStatus implements events.Bus.
func (b *Bus) SubscribeCallStatus(fn func(events.CallStatusChanged)) (func(), error) {
	return subscribe(b, callStream, eventCallStatusChanged, fn)
}

// subscribe opens a dedicated sink for the subscriber and spawns a consume
// goroutine that decodes payloads, dispatches them in arrival order, and acks
// each processed entry. Redelivery after a missed ack means at-least-once.
func subscribe[T any](b *Bus, streamID, eventName string, fn func(T)) (func(), error) {
	if fn == nil {
		return nil, errors.New("handler is required")
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus is closed")
	}
	b.mu.Unlock()

	handle, err := b.client.Stream(streamID)
	if err != nil {
		return nil, fmt.Errorf("open stream %q: %w", streamID, err)
	}
	sinkName := b.sinkPrefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	ctx, cancel := context.WithCancel(context.Background())
	sink, err := handle.NewSink(ctx, sinkName)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create sink %q on stream %q: %w", sinkName, streamID, err)
	}

	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.wg.Add(1)
	b.mu.Unlock()

	go func() {
		defer b.wg.Done()
		defer sink.Close(context.Background())
		ch := sink.Subscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.EventName != eventName {
					if err := sink.Ack(ctx, ev); err != nil && ctx.Err() == nil {
						b.logger.Warn(ctx, "ack unrelated bus event failed", telemetry.Fields{"stream": streamID, "err": err})
					}
					continue
				}
				var decoded T
				if err := json.Unmarshal(ev.Payload, &decoded); err != nil {
					b.logger.Warn(ctx, "decode bus event failed", telemetry.Fields{"stream": streamID, "err": err})
					if err := sink.Ack(ctx, ev); err != nil && ctx.Err() == nil {
						b.logger.Warn(ctx, "ack malformed bus event failed", telemetry.Fields{"stream": streamID, "err": err})
					}
					continue
				}
				fn(decoded)
				if err := sink.Ack(ctx, ev); err != nil && ctx.Err() == nil {
					b.logger.Warn(ctx, "ack bus event failed", telemetry.Fields{"stream": streamID, "err": err})
				}
			}
		}
	}()

	return cancel, nil
}

// Close cancels all subscribers, waits for their consume goroutines, and
// closes the underlying client.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancels := b.cancels
	b.cancels = nil
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.client.Close(ctx)
}
