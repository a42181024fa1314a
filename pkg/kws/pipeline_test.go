package kws_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/kws"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/model/modeltest"
)

const peak = 20000

var labels = model.Labels{"silence", "unknown", "robot", "stop"}

// loudness is a conditioner that leaves frames alone and calls any frame
// with a sample at or above 10000 speech.
type loudness struct{}

func (loudness) ApplyGainControl([]int16) {}
func (loudness) SuppressNoise([]int16)    {}
func (loudness) IsSpeech(f []int16) bool  { return pcm.MaxAbs(f) >= 10000 }

// script returns n frames where frames in [from, to] (inclusive) are speech
// peaking at exactly peak and the rest is low noise. Every frame differs.
func script(n int, spans ...[2]int) [][]int16 {
	fs := pcm.Default16K.FrameSamples()
	frames := make([][]int16, n)
	for i := range frames {
		f := make([]int16, fs)
		speech := false
		for _, s := range spans {
			speech = speech || (i >= s[0] && i <= s[1])
		}
		for j := range f {
			if speech {
				f[j] = int16(15000 * math.Sin(2*math.Pi*float64(j+7*i)/float64(20+i%5)))
			} else {
				f[j] = int16((i*31+j*17)%200 - 100)
			}
		}
		if speech {
			f[0] = peak
		}
		frames[i] = f
	}
	return frames
}

func concat(frames [][]int16) []int16 {
	var out []int16
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

type fixture struct {
	p    *kws.Pipeline
	src  *source.Scripted
	mock *modeltest.Mock
	ext  *fbank.Extractor
	cfg  kws.Config
}

func newFixture(t *testing.T, frames [][]int16, opts source.Options) *fixture {
	t.Helper()
	cfg := kws.DefaultConfig()
	mock := modeltest.New(cfg.Rows(), cfg.Cols(), len(labels))
	mock.Category = 2
	mc, err := model.Open(model.NewArena(model.DefaultArenaSize), model.Config{
		Name:      "kws",
		Backend:   mock,
		Labels:    labels,
		Threshold: 0.5,
	})
	if err != nil {
		t.Fatalf("model.Open: %v", err)
	}
	t.Cleanup(func() { mc.Close() })

	src := source.NewScripted(cfg.Format, frames, opts)
	p, err := kws.New(cfg, src, loudness{}, mc, kws.Options{})
	if err != nil {
		t.Fatalf("kws.New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { p.Close() })

	ext, err := fbank.New(cfg.Features())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{p: p, src: src, mock: mock, ext: ext, cfg: cfg}
}

func waitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// window returns the samples of row r of audio, zero-padded to the window.
func (fx *fixture) window(audio []int16, r int) []int16 {
	ws := fx.cfg.Format.SamplesInDuration(fx.cfg.Window)
	ss := fx.cfg.Format.SamplesInDuration(fx.cfg.Stride)
	w := make([]int16, ws)
	if off := r * ss; off < len(audio) {
		copy(w, audio[off:])
	}
	return w
}

func compareRow(t *testing.T, got []float32, r, cols int, want []float32, what string) {
	t.Helper()
	row := got[r*cols : (r+1)*cols]
	for k := range row {
		if math.Abs(float64(row[k]-want[k])) > 1e-4 {
			t.Errorf("row %d (%s) coefficient %d = %v, want %v", r, what, k, row[k], want[k])
			return
		}
	}
}

func TestEndToEndOneWord(t *testing.T) {
	// 1.2 s: noise, 610 ms of speech, noise
	frames := script(120, [2]int{20, 80})
	fx := newFixture(t, frames, source.Options{})

	if err := fx.p.RequestWords(1); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fx.p.Words(), "word")

	res, ok := fx.p.Results().TryTake()
	if !ok {
		t.Fatal("no result")
	}
	if res.Category != 2 || res.Label != "robot" {
		t.Errorf("result = %+v, want robot", res)
	}
	waitSignal(t, fx.p.Stopped(), "stopped")

	st := fx.p.Stats()
	// triggers at frame 31 with frames 6..31 in the lookback, releases at 104
	if st.Words != 1 || st.LastWord.FrameCount != 98 || st.LastWord.MaxAbs != peak {
		t.Errorf("stats = %+v, want one word of 98 frames peaking at %d", st, peak)
	}
	if fx.mock.Calls() != 1 {
		t.Fatalf("classifier calls = %d, want 1", fx.mock.Calls())
	}
	if fx.src.Running() {
		t.Error("source still running after the request was served")
	}

	in := fx.mock.Inputs()[0]
	if len(in) != fx.cfg.InputWidth() {
		t.Fatalf("input width = %d, want %d", len(in), fx.cfg.InputWidth())
	}
	audio := concat(frames[6:104])
	rows, cols := fx.cfg.Rows(), fx.cfg.Cols()
	for _, r := range []int{0, 1, 24, 47} {
		compareRow(t, in, r, cols, fx.ext.MFCC(fx.window(audio, r), peak), "audio")
	}
	compareRow(t, in, rows-1, cols, fx.ext.Silence(fbank.MFCC), "silence")
}

func TestShortWordPadsWithSilence(t *testing.T) {
	frames := script(90, [2]int{20, 33})
	fx := newFixture(t, frames, source.Options{})
	fx.p.RequestWords(1)
	waitSignal(t, fx.p.Words(), "word")

	if fc := fx.p.Stats().LastWord.FrameCount; fc != 51 {
		t.Fatalf("frame count = %d, want 51", fc)
	}
	in := fx.mock.Inputs()[0]
	audio := concat(frames[6:57])
	cols := fx.cfg.Cols()
	compareRow(t, in, 0, cols, fx.ext.MFCC(fx.window(audio, 0), peak), "audio")
	compareRow(t, in, 23, cols, fx.ext.MFCC(fx.window(audio, 23), peak), "audio")
	// the last stride is half a stride of audio and half zeros
	compareRow(t, in, 24, cols, fx.ext.MFCC(fx.window(audio, 24), peak), "partial")
	for r := 25; r < fx.cfg.Rows(); r++ {
		compareRow(t, in, r, cols, fx.ext.Silence(fbank.MFCC), "silence")
	}
}

func TestLongWordKeepsMostRecentRows(t *testing.T) {
	frames := script(200, [2]int{10, 150})
	fx := newFixture(t, frames, source.Options{})
	fx.p.RequestWords(1)
	waitSignal(t, fx.p.Words(), "word")

	st := fx.p.Stats()
	if st.LastWord.FrameCount != 178 {
		t.Fatalf("frame count = %d, want 178", st.LastWord.FrameCount)
	}
	if st.DroppedFrames == 0 {
		t.Error("no frames reported dropped for a word longer than the buffer")
	}
	// the buffer holds the last second of the word: frames 74..173
	in := fx.mock.Inputs()[0]
	audio := concat(frames[74:174])
	rows, cols := fx.cfg.Rows(), fx.cfg.Cols()
	compareRow(t, in, 0, cols, fx.ext.MFCC(fx.window(audio, 0), peak), "oldest kept")
	compareRow(t, in, rows-1, cols, fx.ext.MFCC(concat(frames[170:174]), peak), "newest")
}

func TestCancelStopsServingRequest(t *testing.T) {
	// a gated source that is never stepped: every read times out
	step := make(chan struct{})
	fx := newFixture(t, script(10), source.Options{Step: step})

	fx.p.Cancel() // no request: no-op

	if err := fx.p.RequestWords(3); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "source start", fx.src.Running)
	select {
	case <-fx.p.Stopped():
		t.Fatal("stopped while a request is served")
	default:
	}

	done := make(chan struct{})
	go func() {
		fx.p.Cancel()
		close(done)
	}()
	waitSignal(t, done, "cancel")

	waitSignal(t, fx.p.Stopped(), "stopped")
	if fx.src.Running() {
		t.Error("source running after cancel")
	}
	fx.p.Cancel()
	if fx.mock.Calls() != 0 {
		t.Errorf("classifier calls = %d, want 0", fx.mock.Calls())
	}
}

func TestRequestWordsOutsideRun(t *testing.T) {
	cfg := kws.DefaultConfig()
	mock := modeltest.New(cfg.Rows(), cfg.Cols(), len(labels))
	mc, err := model.Open(model.NewArena(model.DefaultArenaSize), model.Config{Backend: mock, Labels: labels})
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close()
	p, err := kws.New(cfg, source.NewScripted(cfg.Format, nil, source.Options{}), loudness{}, mc, kws.Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RequestWords(1); !errors.Is(err, kws.ErrNotRunning) {
		t.Errorf("before Start err = %v, want ErrNotRunning", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); !errors.Is(err, kws.ErrRunning) {
		t.Errorf("second Start err = %v", err)
	}
	if err := p.RequestWords(0); err == nil {
		t.Error("zero-word request accepted")
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.RequestWords(1); !errors.Is(err, kws.ErrNotRunning) {
		t.Errorf("after Close err = %v, want ErrNotRunning", err)
	}
}

func TestInferenceFailureSkipsWord(t *testing.T) {
	frames := script(260, [2]int{20, 80}, [2]int{150, 210})
	step := make(chan struct{}, len(frames))
	fx := newFixture(t, frames, source.Options{Step: step})
	entered := make(chan int, 4)
	fx.mock.Entered = entered
	fx.mock.Respond = func(n int, _ []float32) ([]float32, error) {
		if n == 0 {
			return nil, errors.New("accelerator fault")
		}
		return modeltest.OneHot(len(labels), 3), nil
	}

	fx.p.RequestWords(1)
	feed := func(n int) {
		for range n {
			step <- struct{}{}
		}
	}
	feed(110)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first word never classified")
	}
	feed(len(frames) - 110)
	waitSignal(t, fx.p.Words(), "second word")

	res, _ := fx.p.Results().TryTake()
	if res.Label != "stop" {
		t.Errorf("result = %+v, want stop", res)
	}
	st := fx.p.Stats()
	if st.Failures != 1 || st.Recognized != 1 || st.Words != 2 {
		t.Errorf("stats = %+v, want 1 failure then 1 recognized", st)
	}
}

func TestNewRejectsMismatchedModel(t *testing.T) {
	cfg := kws.DefaultConfig()
	mock := modeltest.New(cfg.Rows()-1, cfg.Cols(), len(labels))
	mc, err := model.Open(model.NewArena(model.DefaultArenaSize), model.Config{Backend: mock, Labels: labels})
	if err != nil {
		t.Fatal(err)
	}
	defer mc.Close()
	_, err = kws.New(cfg, source.NewScripted(cfg.Format, nil, source.Options{}), loudness{}, mc, kws.Options{})
	if !errors.Is(err, kws.ErrInvalidConfig) {
		t.Errorf("err = %v, want ErrInvalidConfig", err)
	}
}

func TestConfigRows(t *testing.T) {
	tests := []struct {
		window, stride, duration time.Duration
		rows                     int
	}{
		{40 * time.Millisecond, 20 * time.Millisecond, time.Second, 49},
		{40 * time.Millisecond, 40 * time.Millisecond, time.Second, 25},
		{30 * time.Millisecond, 10 * time.Millisecond, 500 * time.Millisecond, 48},
	}
	for _, tt := range tests {
		cfg := kws.DefaultConfig()
		cfg.Window, cfg.Stride, cfg.Duration = tt.window, tt.stride, tt.duration
		if got := cfg.Rows(); got != tt.rows {
			t.Errorf("Rows(%v/%v/%v) = %d, want %d", tt.window, tt.stride, tt.duration, got, tt.rows)
		}
	}
	bad := kws.DefaultConfig()
	bad.Stride = 15 * time.Millisecond
	bad.ReadTimeout = 0
	if err := bad.Validate(); !errors.Is(err, kws.ErrInvalidConfig) {
		t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
	}
}

func TestDroppedWordBytesAreSkipped(t *testing.T) {
	// four 20-frame words; each spans 57 frames from 14 before its speech
	starts := []int{20, 80, 140, 200}
	var spans [][2]int
	for _, s := range starts {
		spans = append(spans, [2]int{s, s + 19})
	}
	frames := script(270, spans...)
	step := make(chan struct{}, len(frames))
	fx := newFixture(t, frames, source.Options{Step: step})
	gate := make(chan struct{})
	entered := make(chan int, 4)
	fx.mock.Gate, fx.mock.Entered = gate, entered

	feed := func(n int) {
		for range n {
			step <- struct{}{}
		}
	}
	waitEntered := func(want int) {
		t.Helper()
		select {
		case n := <-entered:
			if n != want {
				t.Fatalf("classifier call %d, want %d", n, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("classifier call %d never started", want)
		}
	}

	if err := fx.p.RequestWords(4); err != nil {
		t.Fatal(err)
	}
	// A is held in the classifier while B fills the slot and C is dropped
	feed(70)
	waitEntered(0)
	feed(120)
	waitFor(t, "dropped word", func() bool { return fx.p.Segmenter().Stats().DroppedWords == 1 })

	gate <- struct{}{}
	waitEntered(1)
	feed(len(frames) - 190)
	waitFor(t, "fourth word", func() bool { return fx.p.Segmenter().Stats().Words == 3 })
	gate <- struct{}{}
	waitEntered(2)
	gate <- struct{}{}
	waitFor(t, "three classifications", func() bool { return fx.p.Stats().Recognized == 3 })

	in := fx.mock.Inputs()[2]
	audio := concat(frames[186:243])
	cols := fx.cfg.Cols()
	for _, r := range []int{0, 1, 20} {
		compareRow(t, in, r, cols, fx.ext.MFCC(fx.window(audio, r), peak), "word D audio")
	}
	for r := 28; r < fx.cfg.Rows(); r++ {
		compareRow(t, in, r, cols, fx.ext.Silence(fbank.MFCC), "silence")
	}
}

func TestRequestOverwriteReplacesCount(t *testing.T) {
	frames := script(260, [2]int{20, 80}, [2]int{150, 210})
	fx := newFixture(t, frames, source.Options{})

	if err := fx.p.RequestWords(3); err != nil {
		t.Fatal(err)
	}
	stopped := fx.p.Stopped()
	if err := fx.p.RequestWords(1); err != nil {
		t.Fatal(err)
	}
	waitSignal(t, fx.p.Words(), "word")
	waitSignal(t, stopped, "stopped")

	if st := fx.p.Stats(); st.Recognized != 1 || st.Words != 1 {
		t.Errorf("stats = %+v, want one word served", st)
	}
	if fx.mock.Calls() != 1 {
		t.Errorf("classifier calls = %d, want 1", fx.mock.Calls())
	}
	if fx.src.Running() {
		t.Error("source running after the replaced count was spent")
	}
}

func TestCancelDuringInference(t *testing.T) {
	frames := script(120, [2]int{20, 80})
	fx := newFixture(t, frames, source.Options{})
	gate := make(chan struct{})
	entered := make(chan int, 1)
	fx.mock.Gate, fx.mock.Entered = gate, entered

	if err := fx.p.RequestWords(2); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("word never classified")
	}

	done := make(chan struct{})
	go func() {
		fx.p.Cancel()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Cancel returned while the classifier was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(gate)
	waitSignal(t, done, "cancel")

	waitSignal(t, fx.p.Stopped(), "stopped")
	if n := fx.p.Results().Len(); n != 0 {
		t.Errorf("results after cancel = %d, want 0", n)
	}
	if fx.src.Running() {
		t.Error("source running after cancel")
	}
	if fx.mock.Calls() != 1 {
		t.Errorf("classifier calls = %d, want 1", fx.mock.Calls())
	}
}
