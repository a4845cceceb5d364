package events

import (
	"sync"
)

// Bus is a non-blocking broadcast bus for operational observers.
// Subscribers receive events on buffered channels; slow subscribers
// miss events rather than blocking publishers. Turn streams do NOT go
// through a Bus (they use the lossless sequencer); the Bus carries a
// best-effort mirror for the WebSocket feed and MQTT.
//
// The Bus is nil-safe: calling Publish on a nil *Bus is a no-op, so
// components do not need guard checks.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the subscriber, so
	// Unsubscribe can take <-chan Event back. The value is the same
	// channel with its send side intact.
	subs map[<-chan Event]chan Event
}

// NewBus creates a new event bus ready for use.
func NewBus() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
