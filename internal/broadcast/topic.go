// Package broadcast implements the bounded, non-blocking fan-out topics
// that sit between the Aggregator and per-client sessions (spec.md §4.4):
// full_png, delta_png, pps, ws_count, and nudity. No publisher may ever
// block on a slow subscriber.
package broadcast

import (
	"log/slog"
	"sync"
)

// subscriberCapacity is the bounded channel size for each subscriber,
// per spec.md §4.4.
const subscriberCapacity = 64

// Topic is a generic single-producer, multi-consumer broadcast channel.
// Publish never blocks: a subscriber that can't keep up has messages
// dropped for it and is told so via its lag callback.
type Topic[T any] struct {
	name string
	log  *slog.Logger

	mu   sync.RWMutex
	subs map[chan T]func()
}

// New returns an empty Topic identified by name (used only for logging).
func New[T any](name string, log *slog.Logger) *Topic[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Topic[T]{name: name, log: log, subs: make(map[chan T]func())}
}

// Subscribe registers a new subscriber channel of the topic's bounded
// capacity. onLag, if non-nil, is invoked (without blocking Publish) each
// time a message is dropped for this subscriber because it is full.
// The returned function unsubscribes and closes the channel.
func (t *Topic[T]) Subscribe(onLag func()) (<-chan T, func()) {
	ch := make(chan T, subscriberCapacity)

	t.mu.Lock()
	t.subs[ch] = onLag
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if _, ok := t.subs[ch]; ok {
			delete(t.subs, ch)
			close(ch)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

// Publish fans msg out to every current subscriber without blocking. A
// subscriber whose channel is full has the message dropped and its onLag
// callback invoked, if set.
func (t *Topic[T]) Publish(msg T) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for ch, onLag := range t.subs {
		select {
		case ch <- msg:
		default:
			t.log.Warn("broadcast: dropping message for lagging subscriber", "topic", t.name)
			if onLag != nil {
				onLag()
			}
		}
	}
}

// SubscriberCount returns the number of currently registered subscribers.
func (t *Topic[T]) SubscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
