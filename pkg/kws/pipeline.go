// Package kws runs keyword spotting over a live frame source.
//
// A [Pipeline] has two loops. The intake loop reads one frame per tick,
// conditions it and feeds the voice activity segmenter, which copies the
// frames of each word into a byte stream and publishes a word descriptor
// when the word ends. The worker serves word requests: it starts the source,
// waits for a descriptor, turns the buffered audio into a fixed-shape MFCC
// matrix and classifies it.
//
// Requests live in a single slot. [Pipeline.RequestWords] arms it,
// [Pipeline.Cancel] clears it and waits until the worker has let go of the
// source. [Pipeline.Stopped] is closed whenever no request is being served.
package kws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
	"github.com/Grovety/lilygo-s3-apps/pkg/vad"
)

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("kws: invalid config")

	// ErrNotRunning is returned by RequestWords outside Start and Close.
	ErrNotRunning = errors.New("kws: not running")

	// ErrRunning is returned by a second Start.
	ErrRunning = errors.New("kws: already running")
)

// Options carries the optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Stats are cumulative pipeline counters.
type Stats struct {
	// Words is the number of descriptors taken by the worker.
	Words int64
	// Recognized is the number of successful classifications.
	Recognized int64
	// Failures is the number of failed classifications.
	Failures int64
	// DroppedFrames counts word frames lost to a full word buffer.
	DroppedFrames int64
	// LastWord is the most recent descriptor taken.
	LastWord  vad.Word
	Segmenter vad.Stats
}

type request struct {
	words   int
	claimed bool
	cancel  chan struct{}
	done    chan struct{}
}

// Pipeline is the keyword spotting orchestrator.
type Pipeline struct {
	cfg     Config
	src     source.Source
	cond    condition.Conditioner
	clf     model.Classifier
	log     *slog.Logger
	metrics *observe.Metrics

	ext    *fbank.Extractor
	stream *buffer.StreamBuffer
	words  *buffer.Queue[vad.Word]
	sink   *vad.StreamSink
	seg    *vad.Segmenter

	results     *buffer.Queue[model.Result]
	signal      chan struct{}
	exhaust     chan struct{}
	exhaustOnce sync.Once

	// geometry in samples and bytes
	rows, cols     int
	windowSamples  int
	strideSamples  int
	frameBytes     int
	capacityFrames int

	mu      sync.Mutex
	running bool
	req     *request
	wake    chan struct{}
	idle    bool
	stopped chan struct{}
	cancel  context.CancelFunc
	eg      *errgroup.Group
	done    chan struct{}

	lastWord atomic.Value

	taken, recognized, failures atomic.Int64
}

// widther is implemented by classifiers that know their input width.
type widther interface {
	InputWidth() int
}

// New wires a pipeline. The classifier's input width, when known, must equal
// Rows*NumCoefficients.
func New(cfg Config, src source.Source, cond condition.Conditioner, clf model.Classifier, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || cond == nil || clf == nil {
		return nil, fmt.Errorf("%w: nil source, conditioner or classifier", ErrInvalidConfig)
	}
	if w, ok := clf.(widther); ok && w.InputWidth() != cfg.InputWidth() {
		return nil, fmt.Errorf("%w: model takes %d inputs, features are %dx%d",
			ErrInvalidConfig, w.InputWidth(), cfg.Rows(), cfg.Cols())
	}
	ext, err := fbank.New(cfg.Features())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Pipeline{
		cfg:           cfg,
		src:           src,
		cond:          cond,
		clf:           clf,
		log:           log.With("component", "kws"),
		metrics:       opts.Metrics,
		ext:           ext,
		results:       buffer.NewQueue[model.Result](1),
		signal:        make(chan struct{}, 1),
		exhaust:       make(chan struct{}),
		rows:          cfg.Rows(),
		cols:          cfg.Cols(),
		windowSamples: cfg.Format.SamplesInDuration(cfg.Window),
		strideSamples: cfg.Format.SamplesInDuration(cfg.Stride),
		frameBytes:    cfg.Format.FrameBytes(),
		wake:          make(chan struct{}, 1),
		idle:          true,
		stopped:       make(chan struct{}),
	}
	close(p.stopped)

	p.capacityFrames = cfg.Format.FramesInDuration(cfg.WordBuffer)
	p.stream = buffer.NewStream(p.capacityFrames*p.frameBytes, p.strideSamples*pcm.SampleBytes)
	p.words = buffer.NewQueue[vad.Word](1)
	vopts := vad.Options{Logger: log, Metrics: opts.Metrics}
	p.sink = vad.NewStreamSink(p.stream, cfg.SendTimeout, vopts)
	if p.seg, err = vad.New(cfg.Segmenter, p.sink, p.words, vopts); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	p.lastWord.Store(vad.Word{})
	return p, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Results returns the classification slot. It holds at most one result; a
// result arriving while it is full is dropped.
func (p *Pipeline) Results() *buffer.Queue[model.Result] { return p.results }

// Words returns a channel signalled after each classification.
func (p *Pipeline) Words() <-chan struct{} { return p.signal }

// Exhausted is closed when the source reports the end of its input.
func (p *Pipeline) Exhausted() <-chan struct{} { return p.exhaust }

// Segmenter returns the voice activity segmenter feeding the worker.
func (p *Pipeline) Segmenter() *vad.Segmenter { return p.seg }

// Stopped returns a channel that is closed while no request is being
// served. Fetch it again after each request.
func (p *Pipeline) Stopped() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Running reports whether Start was called and Close was not.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Words:         p.taken.Load(),
		Recognized:    p.recognized.Load(),
		Failures:      p.failures.Load(),
		DroppedFrames: p.sink.Dropped(),
		LastWord:      p.lastWord.Load().(vad.Word),
		Segmenter:     p.seg.Stats(),
	}
}

// Start launches the intake loop and the worker. They run until ctx is done
// or Close is called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	eg.Go(func() error { return p.intake(egCtx) })
	eg.Go(func() error {
		defer close(done)
		return p.work(egCtx)
	})
	p.running, p.cancel, p.eg, p.done = true, cancel, eg, done
	p.log.Info("kws: started", "rows", p.rows, "cols", p.cols,
		"word_buffer_frames", p.capacityFrames)
	return nil
}

// Close cancels both loops, waits for them, stops the source and drops any
// pending request.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel, eg := p.cancel, p.eg
	p.mu.Unlock()

	cancel()
	err := eg.Wait()
	if serr := p.src.Stop(); serr != nil && err == nil {
		err = serr
	}

	p.mu.Lock()
	if p.req != nil {
		p.req = nil
		p.markIdleLocked()
	}
	p.mu.Unlock()
	p.log.Info("kws: closed")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RequestWords asks the worker to recognize up to n words. A request that
// is already armed has its count replaced.
func (p *Pipeline) RequestWords(n int) error {
	if n <= 0 {
		return fmt.Errorf("kws: request for %d words", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if p.req != nil {
		p.req.words = n
		return nil
	}
	p.req = &request{
		words:  n,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	p.markBusyLocked()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	p.log.Debug("kws: request armed", "words", n)
	return nil
}

// Cancel clears the request slot. When the worker is serving the request,
// Cancel blocks until it has stopped the source. Without a request it does
// nothing.
func (p *Pipeline) Cancel() {
	p.mu.Lock()
	req := p.req
	if req == nil {
		p.mu.Unlock()
		return
	}
	p.req = nil
	if !req.claimed {
		p.markIdleLocked()
		p.mu.Unlock()
		return
	}
	close(req.cancel)
	done := p.done
	p.mu.Unlock()

	select {
	case <-req.done:
	case <-done:
	}
	p.log.Debug("kws: request cancelled")
}

func (p *Pipeline) markBusyLocked() {
	if p.idle {
		p.idle = false
		p.stopped = make(chan struct{})
	}
}

func (p *Pipeline) markIdleLocked() {
	if !p.idle {
		p.idle = true
		close(p.stopped)
	}
}

func (p *Pipeline) intake(ctx context.Context) error {
	frame := make([]int16, p.cfg.Format.FrameSamples())
	for ctx.Err() == nil {
		err := p.src.ReadFrame(frame, p.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrTimeout):
			p.metrics.ReadTimeout(ctx, observe.PipelineKWS)
			continue
		case errors.Is(err, source.ErrStopped):
			continue
		case errors.Is(err, io.EOF):
			p.log.Info("kws: source exhausted")
			p.exhaustOnce.Do(func() { close(p.exhaust) })
			return nil
		default:
			p.log.Warn("kws: read frame failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Format.FrameDuration()):
			}
			continue
		}
		p.metrics.FrameRead(ctx, observe.PipelineKWS)
		p.cond.ApplyGainControl(frame)
		p.cond.SuppressNoise(frame)
		p.seg.Process(frame, p.cond.IsSpeech(frame))
	}
	return nil
}

// claim waits for an armed request and marks it as served.
func (p *Pipeline) claim(ctx context.Context) (*request, error) {
	for {
		p.mu.Lock()
		if req := p.req; req != nil && !req.claimed {
			req.claimed = true
			p.markBusyLocked()
			p.mu.Unlock()
			return req, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Pipeline) work(ctx context.Context) error {
	for {
		req, err := p.claim(ctx)
		if err != nil {
			return err
		}
		p.serve(ctx, req)
	}
}

// remaining returns the words left on req, or 0 once it left the slot.
func (p *Pipeline) remaining(req *request) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.req != req {
		return 0
	}
	return req.words
}

func (p *Pipeline) serve(ctx context.Context, req *request) {
	defer p.finish(req)
	if err := p.src.Start(); err != nil {
		p.log.Error("kws: start source failed", "error", err)
		return
	}
	for p.remaining(req) > 0 {
		w, ok := p.next(ctx, req)
		if !ok {
			return
		}
		res, err := p.recognize(ctx, w)
		if err != nil {
			p.failures.Add(1)
			p.log.Warn("kws: inference failed", "frames", w.FrameCount, "error", err)
			continue
		}
		p.recognized.Add(1)
		select {
		case <-req.cancel:
			p.log.Debug("kws: result of cancelled request discarded", "label", res.Label)
			return
		default:
		}
		p.mu.Lock()
		if p.req == req {
			req.words--
			if req.words == 0 {
				// free the slot now so a request made while this one winds
				// down is kept
				p.req = nil
			}
		}
		p.mu.Unlock()

		if res.Accepted() {
			p.metrics.Detection(ctx, observe.PipelineKWS, res.Label)
		}
		p.log.Info("kws: word", "category", res.Category, "label", res.Label,
			"score", res.Score, "frames", w.FrameCount)
		if !p.results.Offer(res) {
			p.log.Warn("kws: result dropped, slot full", "label", res.Label)
		}
		select {
		case p.signal <- struct{}{}:
		default:
		}
	}
}

// next waits for a word descriptor, the request's cancellation, the end of
// the source or ctx, whichever comes first.
func (p *Pipeline) next(ctx context.Context, req *request) (vad.Word, bool) {
	for {
		changed := p.words.Changed()
		if w, ok := p.words.TryTake(); ok {
			p.taken.Add(1)
			p.lastWord.Store(w)
			return w, true
		}
		select {
		case <-changed:
		case <-req.cancel:
			return vad.Word{}, false
		case <-ctx.Done():
			return vad.Word{}, false
		case <-p.exhaust:
			if w, ok := p.words.TryTake(); ok {
				p.taken.Add(1)
				p.lastWord.Store(w)
				return w, true
			}
			return vad.Word{}, false
		}
	}
}

// finish stops the source and clears the word state so the next request
// starts from silence.
func (p *Pipeline) finish(req *request) {
	if err := p.src.Stop(); err != nil {
		p.log.Warn("kws: stop source failed", "error", err)
	}
	p.seg.Reset()
	p.stream.Reset()
	p.words.Reset()
	select {
	case <-req.cancel:
		// a result of a cancelled request is never delivered
		p.results.Reset()
		select {
		case <-p.signal:
		default:
		}
	default:
	}

	p.mu.Lock()
	if p.req == req {
		p.req = nil
	}
	if p.req == nil {
		p.markIdleLocked()
	}
	p.mu.Unlock()
	close(req.done)
	p.log.Debug("kws: request finished")
}

func (p *Pipeline) recognize(ctx context.Context, w vad.Word) (model.Result, error) {
	features := p.Extract(w)
	start := time.Now()
	res, err := p.clf.Infer(features)
	p.metrics.Inference(ctx, observe.PipelineKWS, time.Since(start), err)
	return res, err
}

// Extract builds the feature matrix of word w from the word buffer and
// consumes the word's bytes.
//
// Reading starts at the word's start offset, so bytes left by dropped words
// or lost to a full buffer are skipped. When more audio is buffered than one
// matrix spans the oldest bytes are skipped too, keeping the most recent
// rows. Rows the word does not fill are the MFCC of silence.
func (p *Pipeline) Extract(w vad.Word) []float32 {
	frameSamples := p.cfg.Format.FrameSamples()
	windowBytes := p.windowSamples * pcm.SampleBytes
	strideBytes := p.strideSamples * pcm.SampleBytes

	m := fbank.NewMatrix(p.rows, p.cols)
	if _, written := p.stream.Offsets(); w.End < w.Start || w.End > written {
		// the stream was reset after the word was segmented
		p.log.Warn("kws: word range outside buffer", "start", w.Start, "end", w.End, "written", written)
		m.Pad(0, p.ext.Silence(fbank.MFCC))
		return m.Data
	}
	if skipped := p.stream.DiscardTo(w.Start); skipped > 0 {
		p.log.Debug("kws: skipped stale bytes", "bytes", skipped)
	}
	read0, _ := p.stream.Offsets()
	take := int(max(w.End-read0, 0))
	if w.FrameCount > p.capacityFrames {
		p.log.Warn("kws: word longer than buffer",
			"frames", w.FrameCount, "dropped", w.FrameCount-p.capacityFrames)
	}
	if span := (p.rows-1)*strideBytes + windowBytes; take > span {
		take -= p.stream.Discard(take - span)
	}

	wanted := min((w.FrameCount*frameSamples+p.strideSamples-1)/p.strideSamples, p.rows)
	framer := fbank.NewFramer(p.windowSamples, p.strideSamples)
	raw := make([]byte, windowBytes)
	samples := make([]int16, p.windowSamples)
	read := func(n int) int {
		n = min(n, take)
		if n <= 0 {
			return 0
		}
		got := p.stream.Receive(raw[:n], 0)
		take -= got
		pcm.Decode(samples, raw[:got])
		framer.Push(samples[:got/pcm.SampleBytes])
		return got
	}

	read(windowBytes - strideBytes)
	row := 0
	for row < wanted {
		got := read(strideBytes)
		if got == 0 {
			break
		}
		if short := p.strideSamples - got/pcm.SampleBytes; short > 0 {
			framer.Push(make([]int16, short))
		}
		win, ok := framer.Next()
		if !ok {
			break
		}
		m.SetRow(row, p.ext.MFCC(win, w.MaxAbs))
		row++
	}
	m.Pad(row, p.ext.Silence(fbank.MFCC))

	// leave the next word's bytes in place
	p.stream.DiscardTo(w.End)
	p.log.Debug("kws: features", "rows", row, "wanted", wanted, "max_abs", w.MaxAbs)
	return m.Data
}
