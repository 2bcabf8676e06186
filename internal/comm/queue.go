package comm

import (
	"sync"

	"edgenode/pkg/plugin"
)

// OutboundQueue is the bounded FIFO buffer between the tick loop and the
// async sender. Inserting into a full queue silently evicts the oldest
// entry; the queue never exceeds its capacity and preserves insertion order
// for whatever survives.
type OutboundQueue struct {
	mu       sync.Mutex
	buf      []plugin.Envelope
	head     int
	count    int
	capacity int
	evicted  uint64
}

// NewOutboundQueue creates a queue with the given capacity (minimum 1).
func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &OutboundQueue{
		buf:      make([]plugin.Envelope, capacity),
		capacity: capacity,
	}
}

// Enqueue appends an envelope, evicting the oldest entry when full.
// It reports whether an eviction happened.
func (q *OutboundQueue) Enqueue(env plugin.Envelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicting := q.count == q.capacity
	if evicting {
		q.buf[q.head] = plugin.Envelope{}
		q.head = (q.head + 1) % q.capacity
		q.count--
		q.evicted++
	}
	q.buf[(q.head+q.count)%q.capacity] = env
	q.count++
	return evicting
}

// Dequeue removes and returns the oldest entry.
func (q *OutboundQueue) Dequeue() (plugin.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == 0 {
		return plugin.Envelope{}, false
	}
	env := q.buf[q.head]
	q.buf[q.head] = plugin.Envelope{}
	q.head = (q.head + 1) % q.capacity
	q.count--
	return env, true
}

// Len returns the current depth.
func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the configured capacity.
func (q *OutboundQueue) Cap() int { return q.capacity }

// Evicted returns how many entries have been displaced since creation.
func (q *OutboundQueue) Evicted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evicted
}
