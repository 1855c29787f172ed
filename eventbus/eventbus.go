// Package eventbus is the at-least-once lifecycle event fan-out the
// Orchestrator publishes to: every OperationEvent carries a monotonic
// per-operation SequenceNumber so a subscriber that sees the same event
// delivered twice (the bus's own redelivery-on-uncertainty behavior, or a
// process restart replaying from its last acknowledged offset) can dedupe
// on core.EventSequenceKey. Grounded on the gomind framework's in-process
// pub/sub registry (subscriber list guarded by a mutex); delivery is
// synchronous on the publishing goroutine, so a slow subscriber delays the
// Publish call that reached it.
package eventbus

import (
	"context"
	"sync"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/telemetry"
)

// Subscriber receives OperationEvents. Handle is called synchronously by
// Publish on the publisher's goroutine, so concurrent Publish calls can
// run it in parallel; it must be safe for concurrent use and must tolerate
// duplicate delivery of the same EventSequenceKey.
type Subscriber interface {
	Handle(ctx context.Context, event core.OperationEvent)
}

// SubscriberFunc adapts a plain function to Subscriber.
type SubscriberFunc func(ctx context.Context, event core.OperationEvent)

func (f SubscriberFunc) Handle(ctx context.Context, event core.OperationEvent) { f(ctx, event) }

// Bus is an in-process, at-least-once event bus. It is a reference
// implementation: a production deployment would back this interface with
// a durable broker, but the dedupe contract (SequenceNumber monotonic per
// operation, consumers key on core.EventSequenceKey) is identical either
// way.
type Bus struct {
	mu          sync.Mutex
	subscribers []Subscriber
	sequence    map[string]int64 // operationID -> next sequence number
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{sequence: map[string]int64{}}
}

// Subscribe registers sub to receive every future Publish call. There is
// no Unsubscribe: subscribers are expected to live for the process
// lifetime, matching the demo daemon's usage.
func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers = append(b.subscribers, sub)
}

// Publish assigns the next sequence number for event.OperationID, then
// delivers event synchronously to every subscriber in registration order.
// Delivery is "at least once": if a subscriber's Handle panics, the bus
// recovers, logs nothing (subscribers own their own logging), and
// continues to the next subscriber rather than losing the remaining
// deliveries — but a retried Publish of the same logical event (e.g. after
// a crash before the caller recorded success) is the caller's
// responsibility to guard against re-publishing, not the bus's.
func (b *Bus) Publish(ctx context.Context, event core.OperationEvent) core.EventSequenceKey {
	b.mu.Lock()
	b.sequence[event.OperationID]++
	event.SequenceNumber = b.sequence[event.OperationID]
	subs := append([]Subscriber(nil), b.subscribers...)
	b.mu.Unlock()

	telemetry.Counter("eventbus.publish.total", "module", telemetry.ModuleEventBus)
	for _, sub := range subs {
		deliverSafely(ctx, sub, event)
	}
	return core.EventSequenceKey{OperationID: event.OperationID, EventType: event.EventType, SequenceNumber: event.SequenceNumber}
}

func deliverSafely(ctx context.Context, sub Subscriber, event core.OperationEvent) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.Counter("eventbus.subscriber.panic", "module", telemetry.ModuleEventBus)
		}
	}()
	sub.Handle(ctx, event)
}

// DedupingSubscriber wraps another Subscriber so that redelivery of an
// already-seen core.EventSequenceKey is dropped before reaching it —
// the idiomatic way a consumer absorbs the bus's at-least-once semantics
// into effectively-once handling.
type DedupingSubscriber struct {
	mu   sync.Mutex
	seen map[string]struct{}
	next Subscriber
}

// NewDedupingSubscriber wraps next with sequence-key deduplication.
func NewDedupingSubscriber(next Subscriber) *DedupingSubscriber {
	return &DedupingSubscriber{seen: map[string]struct{}{}, next: next}
}

func (d *DedupingSubscriber) Handle(ctx context.Context, event core.OperationEvent) {
	key := core.EventSequenceKey{OperationID: event.OperationID, EventType: event.EventType, SequenceNumber: event.SequenceNumber}.String()
	d.mu.Lock()
	if _, dup := d.seen[key]; dup {
		d.mu.Unlock()
		return
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()
	d.next.Handle(ctx, event)
}
