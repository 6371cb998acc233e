package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultQueueSize = 1024

// MessageBus is an in-process MessageRouter backed by buffered channels.
type MessageBus struct {
	inbound  chan InboundEvent
	outbound chan OutboundMessage
}

// New creates a MessageBus with the default queue sizes.
func New() *MessageBus {
	return NewWithSize(defaultQueueSize)
}

// NewWithSize creates a MessageBus whose queues hold size messages each.
func NewWithSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:  make(chan InboundEvent, size),
		outbound: make(chan OutboundMessage, size),
	}
}

// PublishInbound enqueues an inbound event. Blocks when the queue is full so
// webhook handlers apply backpressure instead of dropping events.
func (b *MessageBus) PublishInbound(ev InboundEvent) {
	b.inbound <- ev
}

// ConsumeInbound waits for the next inbound event. Returns false once ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundEvent, bool) {
	select {
	case <-ctx.Done():
		return InboundEvent{}, false
	case ev := <-b.inbound:
		return ev, true
	}
}

// PublishOutbound enqueues a reply. Replies are dropped with a warning when
// the queue is full; the model response has already been produced.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		slog.Warn("outbound queue full, dropping message", "channel", msg.Channel, "chat_id", msg.ChatID)
	}
}

// SubscribeOutbound waits for the next outbound message. Returns false once ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case <-ctx.Done():
		return OutboundMessage{}, false
	case msg := <-b.outbound:
		return msg, true
	}
}

// DedupeCache remembers recently seen keys so webhook retries and double
// deliveries from the bridge do not enter the pipeline twice.
// Safe for concurrent use.
type DedupeCache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	seen       map[string]time.Time
}

// NewDedupeCache creates a cache that forgets keys after ttl and holds at most maxEntries keys.
func NewDedupeCache(ttl time.Duration, maxEntries int) *DedupeCache {
	return &DedupeCache{
		ttl:        ttl,
		maxEntries: maxEntries,
		seen:       make(map[string]time.Time),
	}
}

// IsDuplicate records key and reports whether it was already seen within the TTL.
func (d *DedupeCache) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.ttl {
		return true
	}

	if len(d.seen) >= d.maxEntries {
		for k, at := range d.seen {
			if now.Sub(at) >= d.ttl {
				delete(d.seen, k)
			}
		}
		// Still full: evict arbitrary entries (map iteration order).
		for k := range d.seen {
			if len(d.seen) < d.maxEntries {
				break
			}
			delete(d.seen, k)
		}
	}

	d.seen[key] = now
	return false
}

// Forget removes key so a later retry of the same message is accepted.
func (d *DedupeCache) Forget(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
}

// Len returns the number of tracked keys.
func (d *DedupeCache) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
