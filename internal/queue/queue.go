// Package queue provides a bounded, multi-producer single-consumer queue
// between the packet sniffer and the aggregator (spec.md §4.2). It never
// blocks a producer: once full, new items are dropped so the capture
// callback can never stall behind a slow consumer.
package queue

import (
	"log/slog"
	"sync/atomic"

	"github.com/serverscanning/place-ipv6-server/internal/pixel"
)

// Queue is a bounded channel of pixel.Update with drop-newest-on-full
// semantics and a running count of how many updates were dropped.
type Queue struct {
	log     *slog.Logger
	ch      chan pixel.Update
	dropped atomic.Uint64
}

// New returns a Queue with the given capacity. capacity <= 0 is treated
// as 1 to guarantee the channel is never nil.
func New(log *slog.Logger, capacity int) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{log: log, ch: make(chan pixel.Update, capacity)}
}

// Push attempts to enqueue an update. If the queue is full, the update is
// dropped and the drop counter is incremented; Push never blocks.
func (q *Queue) Push(u pixel.Update) {
	select {
	case q.ch <- u:
	default:
		q.dropped.Add(1)
	}
}

// Pop blocks until an update is available or done is closed, returning
// ok=false in the latter case.
func (q *Queue) Pop(done <-chan struct{}) (pixel.Update, bool) {
	select {
	case u := <-q.ch:
		return u, true
	case <-done:
		return pixel.Update{}, false
	}
}

// TryPop returns the next buffered update without blocking. ok is false
// if the queue is currently empty.
func (q *Queue) TryPop() (pixel.Update, bool) {
	select {
	case u := <-q.ch:
		return u, true
	default:
		return pixel.Update{}, false
	}
}

// Dropped returns the total number of updates dropped so far because the
// queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Len returns the number of updates currently buffered.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Cap returns the queue's capacity.
func (q *Queue) Cap() int {
	return cap(q.ch)
}
