package buffer

import (
	"context"
	"sync"
	"time"
)

// Queue is a bounded FIFO used as a result slot between tasks. Offer never
// blocks: when the queue is full the new item is dropped and Offer reports
// false, so a real-time producer is never held up by a slow consumer.
//
// Peek is level-triggered: it observes the head without consuming it, so a
// consumer can watch a sustained condition and acknowledge it later with
// TryTake.
type Queue[T any] struct {
	mu      sync.Mutex
	items   []T
	head    int
	n       int
	changed chan struct{}
}

// NewQueue returns a Queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("buffer: queue capacity must be positive")
	}
	return &Queue[T]{
		items:   make([]T, capacity),
		changed: make(chan struct{}),
	}
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Changed returns a channel that is closed on the next change to the queue.
// Callers re-fetch it after each wake-up.
func (q *Queue[T]) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// Offer appends v if there is room and reports whether it was stored.
func (q *Queue[T]) Offer(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == len(q.items) {
		return false
	}
	q.items[(q.head+q.n)%len(q.items)] = v
	q.n++
	q.notifyLocked()
	return true
}

func (q *Queue[T]) popLocked() T {
	var zero T
	v := q.items[q.head]
	q.items[q.head] = zero
	q.head = (q.head + 1) % len(q.items)
	q.n--
	q.notifyLocked()
	return v
}

// TryTake removes and returns the head without blocking.
func (q *Queue[T]) TryTake() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return v, false
	}
	return q.popLocked(), true
}

// Take blocks until an item is available or ctx is done.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if q.n > 0 {
			v := q.popLocked()
			q.mu.Unlock()
			return v, nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// TakeTimeout is Take bounded by d instead of a context.
func (q *Queue[T]) TakeTimeout(d time.Duration) (v T, ok bool) {
	if v, ok = q.TryTake(); ok || d <= 0 {
		return v, ok
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		ch := q.Changed()
		if v, ok = q.TryTake(); ok {
			return v, true
		}
		select {
		case <-ch:
		case <-timer.C:
			return q.TryTake()
		}
	}
}

// Peek returns the head without removing it.
func (q *Queue[T]) Peek() (v T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.n == 0 {
		return v, false
	}
	return q.items[q.head], true
}

// Len returns the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Cap returns the queue capacity.
func (q *Queue[T]) Cap() int {
	return len(q.items)
}

// Reset drops all queued items.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	clear(q.items)
	q.head = 0
	q.n = 0
	q.notifyLocked()
}
