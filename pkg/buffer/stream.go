package buffer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by blocking operations on a closed buffer.
var ErrClosed = errors.New("buffer: closed")

// StreamBuffer is a bounded byte ring shared by one producer and one
// consumer. A blocked reader is released only once the trigger level is
// reached (or its timeout expires), which lets the consumer work in
// overlap-add strides while the producer writes smaller frames.
//
// Head and tail grow monotonically and are reduced modulo the capacity on
// access. Every state change closes and replaces the changed channel, so
// waiters can combine it with timers and contexts.
type StreamBuffer struct {
	mu         sync.Mutex
	buf        []byte
	head, tail int64
	trigger    int
	closed     bool
	changed    chan struct{}
}

// NewStream returns a StreamBuffer of the given capacity and trigger level.
// The trigger level is clamped to [1, capacity].
func NewStream(capacity, triggerLevel int) *StreamBuffer {
	if capacity <= 0 {
		panic("buffer: stream capacity must be positive")
	}
	sb := &StreamBuffer{
		buf:     make([]byte, capacity),
		changed: make(chan struct{}),
	}
	sb.trigger = sb.clampTrigger(triggerLevel)
	return sb
}

func (sb *StreamBuffer) clampTrigger(n int) int {
	return min(max(n, 1), len(sb.buf))
}

// SetTriggerLevel changes the number of bytes that releases a blocked reader.
func (sb *StreamBuffer) SetTriggerLevel(n int) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.trigger = sb.clampTrigger(n)
	sb.notifyLocked()
}

// TriggerLevel returns the current trigger level.
func (sb *StreamBuffer) TriggerLevel() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.trigger
}

func (sb *StreamBuffer) notifyLocked() {
	close(sb.changed)
	sb.changed = make(chan struct{})
}

// waitLocked releases the lock until the buffer changes, the timer fires or
// done is closed. It reports false when the wait ended without a change.
func (sb *StreamBuffer) waitLocked(timer <-chan time.Time, done <-chan struct{}) bool {
	ch := sb.changed
	sb.mu.Unlock()
	defer sb.mu.Lock()
	select {
	case <-ch:
		return true
	case <-timer:
		return false
	case <-done:
		return false
	}
}

// Send writes p into the buffer, waiting up to timeout for space. It returns
// the number of bytes written; a short count means the timeout expired or
// the buffer was closed. The buffer never retries on the caller's behalf.
func (sb *StreamBuffer) Send(p []byte, timeout time.Duration) int {
	var timer *time.Timer
	var timeC <-chan time.Time

	sb.mu.Lock()
	defer sb.mu.Unlock()

	written := 0
	for len(p) > 0 && !sb.closed {
		free := len(sb.buf) - int(sb.tail-sb.head)
		if free == 0 {
			if timeout <= 0 {
				break
			}
			if timer == nil {
				timer = time.NewTimer(timeout)
				defer timer.Stop()
				timeC = timer.C
			}
			if !sb.waitLocked(timeC, nil) {
				break
			}
			continue
		}
		n := sb.writeLocked(p[:min(free, len(p))])
		p = p[n:]
		written += n
		sb.notifyLocked()
	}
	return written
}

func (sb *StreamBuffer) writeLocked(p []byte) int {
	size := int64(len(sb.buf))
	tail := int(sb.tail % size)
	n := copy(sb.buf[tail:], p)
	if n < len(p) {
		n += copy(sb.buf, p[n:])
	}
	sb.tail += int64(n)
	return n
}

func (sb *StreamBuffer) readLocked(p []byte) int {
	avail := int(sb.tail - sb.head)
	size := int64(len(sb.buf))
	head := int(sb.head % size)
	want := min(avail, len(p))
	n := copy(p[:want], sb.buf[head:])
	if n < want {
		n += copy(p[n:want], sb.buf)
	}
	sb.head += int64(n)
	return n
}

// readyLocked reports whether a reader asking for want bytes may be released.
func (sb *StreamBuffer) readyLocked(want int) bool {
	avail := int(sb.tail - sb.head)
	return avail > 0 && avail >= min(sb.trigger, want)
}

// Receive reads up to len(p) bytes. With a positive timeout it waits until
// the trigger level (or len(p), if smaller) is available, or until the
// timeout expires, and then returns whatever is buffered. A zero timeout
// never blocks.
func (sb *StreamBuffer) Receive(p []byte, timeout time.Duration) int {
	if len(p) == 0 {
		return 0
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if timeout > 0 && !sb.readyLocked(len(p)) {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		for !sb.closed && !sb.readyLocked(len(p)) {
			if !sb.waitLocked(timer.C, nil) {
				break
			}
		}
	}
	n := sb.readLocked(p)
	if n > 0 {
		sb.notifyLocked()
	}
	return n
}

// ReceiveContext is Receive without a timeout: it blocks until the trigger
// level is reached, the buffer is closed or ctx is done. Buffered bytes are
// still returned after Close; an empty closed buffer reports ErrClosed.
func (sb *StreamBuffer) ReceiveContext(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for !sb.readyLocked(len(p)) {
		if sb.closed {
			if sb.tail > sb.head {
				break
			}
			return 0, ErrClosed
		}
		if !sb.waitLocked(nil, ctx.Done()) {
			return 0, ctx.Err()
		}
	}
	n := sb.readLocked(p)
	sb.notifyLocked()
	return n, nil
}

// Discard drops up to n of the oldest bytes and returns how many were dropped.
func (sb *StreamBuffer) Discard(n int) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	n = min(max(n, 0), int(sb.tail-sb.head))
	if n > 0 {
		sb.head += int64(n)
		sb.notifyLocked()
	}
	return n
}

// DiscardTo drops the oldest bytes until the read offset reaches pos, never
// past the write offset. It returns how many bytes were dropped.
func (sb *StreamBuffer) DiscardTo(pos int64) int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	n := int(min(pos, sb.tail) - sb.head)
	if n <= 0 {
		return 0
	}
	sb.head += int64(n)
	sb.notifyLocked()
	return n
}

// Offsets returns the absolute read and write offsets: the number of bytes
// consumed and written since the last Reset.
func (sb *StreamBuffer) Offsets() (read, written int64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.head, sb.tail
}

// Written returns the absolute write offset.
func (sb *StreamBuffer) Written() int64 {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.tail
}

// Reset discards all buffered bytes and rewinds both offsets to zero.
func (sb *StreamBuffer) Reset() {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.head = 0
	sb.tail = 0
	sb.notifyLocked()
}

// Len returns the number of buffered bytes.
func (sb *StreamBuffer) Len() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return int(sb.tail - sb.head)
}

// Free returns the number of bytes that can be written without blocking.
func (sb *StreamBuffer) Free() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.buf) - int(sb.tail-sb.head)
}

// Cap returns the buffer capacity.
func (sb *StreamBuffer) Cap() int {
	return len(sb.buf)
}

// Close wakes all waiters. Further sends write nothing; buffered bytes can
// still be received.
func (sb *StreamBuffer) Close() error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if !sb.closed {
		sb.closed = true
		sb.notifyLocked()
	}
	return nil
}
