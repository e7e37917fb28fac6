// Package bus is the in-process pub/sub used to fan dashboard updates out to
// live subscribers. Delivery is fire-and-forget: publishing never blocks the
// request path, and a subscriber that cannot keep up loses events rather
// than stalling the publisher.
package bus

import (
	"strings"
	"sync"
)

const subscriberBuffer = 64

// Event is one message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Subscription is one live subscriber handle. Obtain via Subscribe, release
// via Unsubscribe.
type Subscription struct {
	prefix string
	ch     chan Event
}

// Ch returns the channel events are delivered on. It is closed by
// Unsubscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus matches subscribers to topics by prefix. The zero value is not usable;
// call New.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe registers a subscriber for every topic starting with prefix.
// An empty prefix matches everything. The channel buffers a bounded number
// of events; once full, further events are dropped for that subscriber.
func (b *Bus) Subscribe(prefix string) *Subscription {
	sub := &Subscription{
		prefix: prefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes sub and closes its channel. Safe to call more than
// once and with nil.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow subscriber: drop. Reconnecting clients re-fetch the
			// full snapshot anyway, there is no replay.
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
