// Package source delivers fixed-length audio frames at a fixed cadence.
//
// A [Source] is started and stopped by the pipeline that owns it and read
// from by its intake loop. Reads wait at most the given timeout; a stopped
// source answers [ErrStopped] and a finished one answers io.EOF.
//
// [Scripted] plays frames from memory, optionally paced at real time or
// gated one frame per step. [OpenWAV] decodes a RIFF/WAVE file into a
// Scripted at the session format.
package source

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
)

var (
	// ErrTimeout is returned when no frame arrived within the timeout.
	ErrTimeout = errors.New("source: read timeout")

	// ErrStopped is returned by reads while the source is stopped.
	ErrStopped = errors.New("source: stopped")
)

// Recoverable reports whether a ReadFrame error only means this tick had
// no frame.
func Recoverable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrStopped)
}

// Source is a frame source.
type Source interface {
	Start() error
	Stop() error
	// ReadFrame fills buf with the next frame.
	ReadFrame(buf []int16, timeout time.Duration) error
}

// Options controls playback of a Scripted source.
type Options struct {
	// Pace delivers frames no faster than one per frame duration.
	Pace bool
	// Step, when set, releases one frame per received value.
	Step <-chan struct{}
	// Loop restarts from the first frame instead of returning io.EOF.
	Loop bool
	// Tail appends this much silence after the last frame.
	Tail time.Duration
}

// Scripted plays a fixed list of frames.
type Scripted struct {
	format pcm.Format
	frames [][]int16
	opts   Options

	mu      sync.Mutex
	running bool
	started chan struct{}
	pos     int
	next    time.Time
	reads   int
}

// NewScripted returns a stopped source playing frames.
func NewScripted(format pcm.Format, frames [][]int16, opts Options) *Scripted {
	if n := format.FramesInDuration(opts.Tail); n > 0 {
		silence := make([]int16, format.FrameSamples())
		for range n {
			frames = append(frames, silence)
		}
	}
	return &Scripted{
		format:  format,
		frames:  frames,
		opts:    opts,
		started: make(chan struct{}),
	}
}

// FromSamples cuts samples into frames of format, zero-padding the last.
func FromSamples(format pcm.Format, samples []int16, opts Options) *Scripted {
	n := format.FrameSamples()
	var frames [][]int16
	for off := 0; off < len(samples); off += n {
		f := make([]int16, n)
		copy(f, samples[off:])
		frames = append(frames, f)
	}
	return NewScripted(format, frames, opts)
}

// Format returns the frame format.
func (s *Scripted) Format() pcm.Format { return s.format }

// Len returns the number of frames in the script.
func (s *Scripted) Len() int { return len(s.frames) }

// Reads returns the number of frames delivered so far.
func (s *Scripted) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Running reports whether the source is started.
func (s *Scripted) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start implements Source. Playback resumes where it stopped.
func (s *Scripted) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.next = time.Now()
	close(s.started)
	return nil
}

// Stop implements Source.
func (s *Scripted) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	s.started = make(chan struct{})
	return nil
}

// Rewind moves playback back to the first frame.
func (s *Scripted) Rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pos = 0
}

// ReadFrame implements Source. buf is zero-padded or truncated to the frame
// length.
func (s *Scripted) ReadFrame(buf []int16, timeout time.Duration) error {
	timer := time.NewTimer(max(timeout, 0))
	defer timer.Stop()

	s.mu.Lock()
	for !s.running {
		ch := s.started
		s.mu.Unlock()
		select {
		case <-ch:
		case <-timer.C:
			return ErrStopped
		}
		s.mu.Lock()
	}
	if s.pos >= len(s.frames) && !s.opts.Loop {
		s.mu.Unlock()
		return io.EOF
	}
	s.mu.Unlock()

	if s.opts.Step != nil {
		select {
		case <-s.opts.Step:
		case <-timer.C:
			return ErrTimeout
		}
	}

	s.mu.Lock()
	if len(s.frames) == 0 {
		s.mu.Unlock()
		return io.EOF
	}
	if s.pos >= len(s.frames) {
		s.pos = 0
	}
	frame := s.frames[s.pos]
	s.pos++
	s.reads++
	var wait time.Duration
	if s.opts.Pace {
		wait = time.Until(s.next)
		s.next = s.next.Add(s.format.FrameDuration())
		if wait < 0 {
			// fell behind; do not burst to catch up
			s.next = time.Now().Add(s.format.FrameDuration())
		}
	}
	s.mu.Unlock()

	n := copy(buf, frame)
	clear(buf[n:])
	if wait > 0 {
		time.Sleep(wait)
	}
	return nil
}
