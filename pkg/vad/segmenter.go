// Package vad turns a per-frame speech flag stream into word boundaries.
//
// A [Segmenter] keeps the speech flags and frames of the last Window frames
// in a circular lookback and a running count of the voiced ones. When the
// count reaches Trigger the whole lookback is flushed downstream, recovering
// the onset that precedes detection, and a [Word] is started. While
// triggered every frame is forwarded. When the count falls to Untrigger the
// finished word is published to a bounded queue without blocking.
package vad

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
)

// ErrInvalidConfig is returned for unusable segmenter thresholds.
var ErrInvalidConfig = errors.New("vad: invalid config")

// Config holds the hysteresis parameters, in frames.
type Config struct {
	Window    int `yaml:"window"`
	Trigger   int `yaml:"trigger"`
	Untrigger int `yaml:"untrigger"`
}

// DefaultConfig returns a 26-frame window triggering at 12 voiced frames and
// releasing at 2.
func DefaultConfig() Config {
	return Config{Window: 26, Trigger: 12, Untrigger: 2}
}

// Validate checks 0 <= Untrigger < Trigger <= Window.
func (c Config) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("window %d must be positive", c.Window))
	}
	if c.Trigger <= 0 || c.Trigger > c.Window {
		errs = append(errs, fmt.Errorf("trigger %d must be in [1, %d]", c.Trigger, c.Window))
	}
	if c.Untrigger < 0 || c.Untrigger >= c.Trigger {
		errs = append(errs, fmt.Errorf("untrigger %d must be in [0, trigger)", c.Untrigger))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// State is the segmenter's hysteresis state.
type State int

const (
	Untriggered State = iota
	Triggered
)

func (s State) String() string {
	if s == Triggered {
		return "triggered"
	}
	return "untriggered"
}

// Transition reports what a call to Process changed.
type Transition int

const (
	TransitionNone Transition = iota
	// TransitionTriggered means a word started and the lookback was flushed.
	TransitionTriggered
	// TransitionUntriggered means a word ended and was offered to the queue.
	TransitionUntriggered
)

func (t Transition) String() string {
	switch t {
	case TransitionTriggered:
		return "triggered"
	case TransitionUntriggered:
		return "untriggered"
	default:
		return "none"
	}
}

// Word describes one voice-activity-bounded utterance.
type Word struct {
	// FrameCount is the number of frames forwarded for the word, including
	// the flushed lookback.
	FrameCount int
	// MaxAbs is the peak absolute sample over all forwarded frames.
	MaxAbs int
	// Start and End delimit the word in the sink's byte stream when the sink
	// is a Positioner. A consumer skips to Start before reading, which also
	// steps over the bytes of words that were dropped.
	Start, End int64
}

// Sink receives the frames of a word as they are forwarded. Forward must not
// retain frame.
type Sink interface {
	Forward(frame []int16)
}

// Positioner is implemented by sinks that write into an offset-addressed
// stream. Position returns the absolute write offset.
type Positioner interface {
	Position() int64
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(frame []int16)

// Forward calls f(frame).
func (f SinkFunc) Forward(frame []int16) { f(frame) }

// Options carries the optional collaborators of the segmenter and its sinks.
type Options struct {
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (o Options) logger(component string) *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", component)
}

// Stats are cumulative segmenter counters.
type Stats struct {
	Frames       int64
	Words        int64
	DroppedWords int64
}

type slot struct {
	speech bool
	amp    int
	frame  []int16
}

// Segmenter is the hysteresis state machine. Process is meant to be called
// from a single intake goroutine; Reset and Stats may be called from others.
type Segmenter struct {
	cfg     Config
	sink    Sink
	words   *buffer.Queue[Word]
	log     *slog.Logger
	metrics *observe.Metrics

	mu       sync.Mutex
	lookback *buffer.RingBuffer[slot]
	voiced   int
	state    State
	word     Word
	silence  []int16

	frames, published, dropped atomic.Int64
}

// New returns a Segmenter that forwards word frames to sink and publishes
// finished words to words.
func New(cfg Config, sink Sink, words *buffer.Queue[Word], opts Options) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil || words == nil {
		return nil, fmt.Errorf("%w: nil sink or word queue", ErrInvalidConfig)
	}
	s := &Segmenter{
		cfg:      cfg,
		sink:     sink,
		words:    words,
		log:      opts.logger("vad"),
		metrics:  opts.Metrics,
		lookback: buffer.RingN[slot](cfg.Window),
	}
	s.resetLocked()
	return s, nil
}

// Config returns the thresholds in use.
func (s *Segmenter) Config() Config { return s.cfg }

// resetLocked fills the lookback with empty unvoiced slots. A trigger
// flushes them as zero frames, so it always forwards exactly Window frames.
func (s *Segmenter) resetLocked() {
	s.lookback.Reset()
	for range s.cfg.Window {
		s.lookback.Add(slot{})
	}
	s.voiced = 0
	s.state = Untriggered
	s.word = Word{}
}

// Reset returns to Untriggered and clears the lookback. A word in progress
// is abandoned.
func (s *Segmenter) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// State returns the current hysteresis state.
func (s *Segmenter) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Voiced returns the number of voiced frames in the lookback.
func (s *Segmenter) Voiced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiced
}

// Stats returns a snapshot of the counters.
func (s *Segmenter) Stats() Stats {
	return Stats{
		Frames:       s.frames.Load(),
		Words:        s.published.Load(),
		DroppedWords: s.dropped.Load(),
	}
}

// Process feeds one frame and its speech flag.
func (s *Segmenter) Process(frame []int16, isSpeech bool) Transition {
	amp := pcm.MaxAbs(frame)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames.Add(1)

	// The ring is always full, so the oldest slot is the one Add evicts.
	// Reuse its storage for the new frame.
	buf := s.lookback.At(0).frame
	if cap(buf) < len(frame) {
		buf = make([]int16, len(frame))
	}
	buf = buf[:len(frame)]
	copy(buf, frame)

	evicted, _ := s.lookback.Add(slot{speech: isSpeech, amp: amp, frame: buf})
	if isSpeech {
		s.voiced++
	}
	if evicted.speech {
		s.voiced--
	}

	switch s.state {
	case Untriggered:
		if s.voiced < s.cfg.Trigger {
			return TransitionNone
		}
		s.word = Word{FrameCount: s.cfg.Window, Start: s.position()}
		for _, sl := range s.lookback.Snapshot() {
			s.word.MaxAbs = max(s.word.MaxAbs, sl.amp)
			if sl.frame == nil {
				s.sink.Forward(s.silenceFor(len(frame)))
				continue
			}
			s.sink.Forward(sl.frame)
		}
		s.state = Triggered
		s.log.Debug("vad: triggered", "voiced", s.voiced, "max_abs", s.word.MaxAbs)
		return TransitionTriggered

	default:
		if s.voiced <= s.cfg.Untrigger {
			s.state = Untriggered
			s.publishLocked()
			return TransitionUntriggered
		}
		s.word.FrameCount++
		s.word.MaxAbs = max(s.word.MaxAbs, amp)
		s.sink.Forward(frame)
		return TransitionNone
	}
}

func (s *Segmenter) position() int64 {
	if p, ok := s.sink.(Positioner); ok {
		return p.Position()
	}
	return 0
}

func (s *Segmenter) silenceFor(n int) []int16 {
	if len(s.silence) != n {
		s.silence = make([]int16, n)
	}
	return s.silence
}

func (s *Segmenter) publishLocked() {
	w := s.word
	w.End = s.position()
	s.word = Word{}
	ok := s.words.Offer(w)
	s.metrics.WordSegmented(context.Background(), ok)
	if !ok {
		s.dropped.Add(1)
		s.log.Warn("vad: word dropped, result slot full",
			"frames", w.FrameCount, "max_abs", w.MaxAbs)
		return
	}
	s.published.Add(1)
	s.log.Debug("vad: untriggered", "frames", w.FrameCount, "max_abs", w.MaxAbs)
}
