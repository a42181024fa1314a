package buffer

import "sync"

// RingBuffer is a thread-safe fixed-depth ring that overwrites its oldest
// element when full. It keeps a sliding window of the most recent values,
// such as the rows of a circular feature matrix or a lookback of frames.
type RingBuffer[T any] struct {
	mu         sync.Mutex
	buf        []T
	head, tail int64
}

// RingN creates a new RingBuffer holding at most size elements.
func RingN[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		panic("buffer: ring size must be positive")
	}
	return &RingBuffer[T]{buf: make([]T, size)}
}

// Add appends t, evicting the oldest element when the ring is full. It
// returns the evicted element and whether one was evicted.
func (rb *RingBuffer[T]) Add(t T) (evicted T, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	size := int64(len(rb.buf))
	slot := rb.tail % size
	if rb.tail-rb.head == size {
		evicted, ok = rb.buf[slot], true
		rb.head++
	}
	rb.buf[slot] = t
	rb.tail++
	return evicted, ok
}

// At returns the i-th oldest element. It panics if i is out of range.
func (rb *RingBuffer[T]) At(i int) T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if i < 0 || int64(i) >= rb.tail-rb.head {
		panic("buffer: ring index out of range")
	}
	return rb.buf[(rb.head+int64(i))%int64(len(rb.buf))]
}

// Snapshot returns a copy of the elements in chronological order, oldest
// first.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	n := int(rb.tail - rb.head)
	out := make([]T, n)
	size := int64(len(rb.buf))
	for i := range n {
		out[i] = rb.buf[(rb.head+int64(i))%size]
	}
	return out
}

// Added returns the total number of elements ever added since the last Reset.
func (rb *RingBuffer[T]) Added() int64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.tail
}

// Reset discards all elements.
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	clear(rb.buf)
	rb.head = 0
	rb.tail = 0
}

// Len returns the number of elements currently held.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return int(rb.tail - rb.head)
}

// Cap returns the ring depth.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// Full reports whether the ring holds Cap elements.
func (rb *RingBuffer[T]) Full() bool {
	return rb.Len() == len(rb.buf)
}
