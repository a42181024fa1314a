package vad

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
)

// DefaultSendTimeout bounds how long a StreamSink waits for buffer space.
const DefaultSendTimeout = time.Millisecond

// StreamSink writes forwarded frames as little-endian PCM into a
// StreamBuffer. When the buffer is full it discards the oldest frame and
// retries once, so a word longer than the buffer keeps its tail. Whatever
// still does not fit is dropped and counted.
type StreamSink struct {
	buf     *buffer.StreamBuffer
	timeout time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	scratch []byte
	dropped atomic.Int64
}

// NewStreamSink returns a sink writing into buf. A non-positive timeout
// uses DefaultSendTimeout.
func NewStreamSink(buf *buffer.StreamBuffer, timeout time.Duration, opts Options) *StreamSink {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &StreamSink{
		buf:     buf,
		timeout: timeout,
		log:     opts.logger("vad.sink"),
		metrics: opts.Metrics,
	}
}

// Forward implements Sink.
func (s *StreamSink) Forward(frame []int16) {
	size := len(frame) * pcm.SampleBytes
	if cap(s.scratch) < size {
		s.scratch = make([]byte, size)
	}
	b := s.scratch[:size]
	pcm.Encode(b, frame)

	n := s.buf.Send(b, s.timeout)
	if n == size {
		return
	}
	// Make room by dropping the oldest frame, then try once more without
	// waiting.
	evicted := s.buf.Discard(size)
	n += s.buf.Send(b[n:], 0)

	lost := evicted + size - n
	frames := (lost + size - 1) / size
	s.dropped.Add(int64(frames))
	s.metrics.FrameDropped(context.Background(), "word_buffer", frames)
	if n < size {
		s.log.Warn("vad: short write to word buffer", "written", n, "want", size)
	}
}

// Position implements Positioner.
func (s *StreamSink) Position() int64 { return s.buf.Written() }

// Dropped returns the number of frames lost so far.
func (s *StreamSink) Dropped() int64 { return s.dropped.Load() }
