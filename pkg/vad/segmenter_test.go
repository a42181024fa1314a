package vad

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
)

const frameLen = 160

type recordSink struct {
	frames [][]int16
}

func (r *recordSink) Forward(frame []int16) {
	r.frames = append(r.frames, append([]int16(nil), frame...))
}

// frameOf returns a frame whose first sample encodes i and whose peak is amp.
func frameOf(i, amp int) []int16 {
	f := make([]int16, frameLen)
	f[0] = int16(i)
	f[1] = int16(amp)
	return f
}

func newTestSegmenter(t *testing.T, cfg Config, queue int) (*Segmenter, *recordSink, *buffer.Queue[Word]) {
	t.Helper()
	sink := &recordSink{}
	words := buffer.NewQueue[Word](queue)
	s, err := New(cfg, sink, words, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, sink, words
}

// referenceEdges walks flags with a direct window sum and returns the frame
// indices where the hysteresis triggers and untriggers.
func referenceEdges(cfg Config, flags []bool) (on, off []int) {
	triggered := false
	for i := range flags {
		count := 0
		for j := max(0, i-cfg.Window+1); j <= i; j++ {
			if flags[j] {
				count++
			}
		}
		switch {
		case !triggered && count >= cfg.Trigger:
			triggered = true
			on = append(on, i)
		case triggered && count <= cfg.Untrigger:
			triggered = false
			off = append(off, i)
		}
	}
	return on, off
}

func randomFlags(r *rand.Rand, n int) []bool {
	flags := make([]bool, n)
	var speech bool
	for i := 0; i < n; {
		run := 1 + r.IntN(40)
		for j := 0; j < run && i < n; j++ {
			// occasional flips inside a run mimic a noisy detector
			flags[i] = speech != (r.IntN(8) == 0)
			i++
		}
		speech = !speech
	}
	return flags
}

func TestSegmenterMatchesRollingCount(t *testing.T) {
	cfg := DefaultConfig()
	r := rand.New(rand.NewPCG(1, 2))
	for trial := range 200 {
		flags := randomFlags(r, 50+r.IntN(400))
		wantOn, wantOff := referenceEdges(cfg, flags)

		s, _, _ := newTestSegmenter(t, cfg, 1024)
		var gotOn, gotOff []int
		for i, f := range flags {
			switch s.Process(frameOf(i, 100), f) {
			case TransitionTriggered:
				gotOn = append(gotOn, i)
			case TransitionUntriggered:
				gotOff = append(gotOff, i)
			}
		}
		if !equalInts(gotOn, wantOn) || !equalInts(gotOff, wantOff) {
			t.Fatalf("trial %d: on=%v off=%v, want on=%v off=%v", trial, gotOn, gotOff, wantOn, wantOff)
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSegmenterFlushesLookback(t *testing.T) {
	cfg := Config{Window: 6, Trigger: 3, Untrigger: 0}
	s, sink, words := newTestSegmenter(t, cfg, 1)

	flags := []bool{false, false, false, false, false, false, false, true, true, true, true, false, false, false, false, false, false}
	amps := []int{5, 5, 5, 5, 5, 5, 5, 900, 1200, 700, 300, 20, 20, 20, 20, 20, 20}
	var onAt, offAt int
	for i, f := range flags {
		switch s.Process(frameOf(i, amps[i]), f) {
		case TransitionTriggered:
			onAt = i
		case TransitionUntriggered:
			offAt = i
		}
	}
	if onAt != 9 {
		t.Fatalf("triggered at %d, want 9", onAt)
	}
	// the flushed lookback is the window ending at the trigger frame
	for k := range cfg.Window {
		if got, want := int(sink.frames[k][0]), onAt-cfg.Window+1+k; got != want {
			t.Errorf("flushed[%d] = frame %d, want %d", k, got, want)
		}
	}
	// voiced count drops to 0 when frame 10 leaves the window
	if offAt != 16 {
		t.Fatalf("untriggered at %d, want 16", offAt)
	}
	w, ok := words.TryTake()
	if !ok {
		t.Fatal("no word published")
	}
	if w.FrameCount != len(sink.frames) {
		t.Errorf("FrameCount = %d, forwarded %d", w.FrameCount, len(sink.frames))
	}
	if want := cfg.Window + (offAt - onAt - 1); w.FrameCount != want {
		t.Errorf("FrameCount = %d, want %d", w.FrameCount, want)
	}
	if w.MaxAbs != 1200 {
		t.Errorf("MaxAbs = %d, want 1200", w.MaxAbs)
	}
	if s.State() != Untriggered {
		t.Errorf("state = %v", s.State())
	}
}

func TestSegmenterEarlyTriggerFlushesSilence(t *testing.T) {
	cfg := Config{Window: 8, Trigger: 2, Untrigger: 0}
	s, sink, _ := newTestSegmenter(t, cfg, 1)
	s.Process(frameOf(1, 50), true)
	if tr := s.Process(frameOf(2, 60), true); tr != TransitionTriggered {
		t.Fatalf("transition = %v, want triggered", tr)
	}
	if len(sink.frames) != cfg.Window {
		t.Fatalf("flushed %d frames, want %d", len(sink.frames), cfg.Window)
	}
	for k := range cfg.Window - 2 {
		f := sink.frames[k]
		if len(f) != frameLen || pcm.MaxAbs(f) != 0 {
			t.Errorf("flushed[%d] = %d samples peaking at %d, want a zero frame of %d", k, len(f), pcm.MaxAbs(f), frameLen)
		}
	}
}

func TestSegmenterDropsWordWhenSlotFull(t *testing.T) {
	cfg := Config{Window: 4, Trigger: 2, Untrigger: 0}
	s, _, words := newTestSegmenter(t, cfg, 1)
	pattern := []bool{true, true, false, false, false, false}
	for range 2 {
		for i, f := range pattern {
			s.Process(frameOf(i, 10), f)
		}
	}
	if words.Len() != 1 {
		t.Errorf("queued words = %d, want 1", words.Len())
	}
	st := s.Stats()
	if st.Words != 1 || st.DroppedWords != 1 {
		t.Errorf("stats = %+v, want 1 published and 1 dropped", st)
	}
	if st.Frames != int64(2*len(pattern)) {
		t.Errorf("frames = %d", st.Frames)
	}
}

func TestSegmenterReset(t *testing.T) {
	cfg := Config{Window: 4, Trigger: 2, Untrigger: 0}
	s, _, _ := newTestSegmenter(t, cfg, 1)
	s.Process(frameOf(0, 1), true)
	s.Process(frameOf(1, 1), true)
	if s.State() != Triggered {
		t.Fatal("not triggered")
	}
	s.Reset()
	if s.State() != Untriggered || s.Voiced() != 0 {
		t.Errorf("after reset state=%v voiced=%d", s.State(), s.Voiced())
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"default", DefaultConfig(), true},
		{"zero window", Config{0, 1, 0}, false},
		{"trigger above window", Config{4, 5, 0}, false},
		{"untrigger equals trigger", Config{4, 2, 2}, false},
		{"negative untrigger", Config{4, 2, -1}, false},
		{"full window", Config{4, 4, 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Errorf("Validate() = %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNewRejectsNilCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), nil, buffer.NewQueue[Word](1), Options{}); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("err = %v", err)
	}
}
