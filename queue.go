package driftline

import "sync"

// eventQueue is a bounded FIFO of events awaiting consent or delivery.
// The facade owns it; the delivery manager borrows entries for the duration
// of a send attempt and pushes failed entries back to the front. At capacity
// the oldest entry is evicted: the queue never blocks and never grows
// unbounded.
type eventQueue struct {
	mu    sync.Mutex
	max   int
	items []*queuedEvent
}

func newEventQueue(max int) *eventQueue {
	return &eventQueue{max: max}
}

// enqueue appends ev, returning the evicted oldest entry when the queue was
// full (nil otherwise).
func (q *eventQueue) enqueue(ev *queuedEvent) *queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted *queuedEvent
	if len(q.items) >= q.max {
		evicted = q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
	}
	q.items = append(q.items, ev)
	return evicted
}

// pushFront re-inserts a borrowed entry at the front, giving a retried event
// priority over newer events. When the queue is full the newest tail entry is
// evicted to make room and returned so the caller can report it (nil
// otherwise).
func (q *eventQueue) pushFront(ev *queuedEvent) *queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	var evicted *queuedEvent
	if len(q.items) >= q.max {
		evicted = q.items[len(q.items)-1]
		q.items = q.items[:q.max-1]
	}
	q.items = append([]*queuedEvent{ev}, q.items...)
	return evicted
}

// drain removes and returns up to n entries from the front, in insertion
// order.
func (q *eventQueue) drain(n int) []*queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	batch := make([]*queuedEvent, n)
	copy(batch, q.items[:n])
	q.items = append(q.items[:0], q.items[n:]...)
	return batch
}

// flush atomically removes and returns all entries in insertion order.
func (q *eventQueue) flush() []*queuedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// clear discards all entries and returns how many were dropped.
func (q *eventQueue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
