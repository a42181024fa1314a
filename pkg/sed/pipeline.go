// Package sed detects sustained sound events over a sliding window.
//
// The producer loop reads every frame, applies gain control and appends one
// log-mel row per stride to a circular feature matrix. Once the matrix is
// full, each new row is a classification opportunity: if the consumer is
// idle the chronological matrix is handed over, otherwise the cycle is
// skipped. Skipped cycles are never queued, so the consumer always sees the
// latest contiguous second of audio.
//
// The consumer classifies each matrix and feeds the category to a [Voter].
// An activation raises the [Indicator].
package sed

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
)

var (
	// ErrInvalidConfig is returned by New for unusable settings.
	ErrInvalidConfig = errors.New("sed: invalid config")

	// ErrRunning is returned by a second Start.
	ErrRunning = errors.New("sed: already running")
)

// Options carries the optional collaborators.
type Options struct {
	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Rows        int64
	Delivered   int64
	Skipped     int64
	Inferences  int64
	Failures    int64
	Activations int64
}

// Pipeline is the sound event orchestrator.
type Pipeline struct {
	cfg     Config
	src     source.Source
	cond    condition.Conditioner
	clf     model.Classifier
	log     *slog.Logger
	metrics *observe.Metrics

	ext       *fbank.Extractor
	framer    *fbank.Framer
	ring      *buffer.RingBuffer[[]float32]
	voter     *Voter
	indicator *Indicator
	busy      atomic.Bool

	rows, cols  int
	matrixBytes int

	mu      sync.Mutex
	running bool
	stream  *buffer.StreamBuffer
	cancel  context.CancelFunc
	eg      *errgroup.Group
	exhaust chan struct{}
	once    sync.Once

	nRows, delivered, skipped atomic.Int64

	inferences, failures, activations atomic.Int64
}

type widther interface {
	InputWidth() int
}

// New wires a pipeline. The classifier's input width, when known, must equal
// Rows*NumMelBins.
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
	rows, cols := cfg.Rows(), cfg.Cols()
	return &Pipeline{
		cfg:     cfg,
		src:     src,
		cond:    cond,
		clf:     clf,
		log:     log.With("component", "sed"),
		metrics: opts.Metrics,
		ext:     ext,
		framer: fbank.NewFramer(cfg.Format.SamplesInDuration(cfg.Window),
			cfg.Format.SamplesInDuration(cfg.Stride)),
		ring:        buffer.RingN[[]float32](rows),
		voter:       NewVoter(cfg.Vote),
		indicator:   newIndicator(),
		rows:        rows,
		cols:        cols,
		matrixBytes: rows * cols * 4,
		exhaust:     make(chan struct{}),
	}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Indicator returns the event indicator.
func (p *Pipeline) Indicator() *Indicator { return p.indicator }

// Busy reports whether a matrix is with the consumer.
func (p *Pipeline) Busy() bool { return p.busy.Load() }

// Exhausted is closed when the source reports the end of its input.
func (p *Pipeline) Exhausted() <-chan struct{} { return p.exhaust }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Rows:        p.nRows.Load(),
		Delivered:   p.delivered.Load(),
		Skipped:     p.skipped.Load(),
		Inferences:  p.inferences.Load(),
		Failures:    p.failures.Load(),
		Activations: p.activations.Load(),
	}
}

// Start starts the source and both loops. The sliding window starts empty.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrRunning
	}
	p.framer.Reset()
	p.ring.Reset()
	p.voter.Reset()
	p.busy.Store(false)
	if err := p.src.Start(); err != nil {
		return fmt.Errorf("sed: start source: %w", err)
	}

	stream := buffer.NewStream(p.matrixBytes, p.matrixBytes)
	ctx, cancel := context.WithCancel(ctx)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error { return p.produce(egCtx, stream) })
	eg.Go(func() error { return p.consume(egCtx, stream) })
	p.running, p.stream, p.cancel, p.eg = true, stream, cancel, eg
	p.log.Info("sed: started", "rows", p.rows, "cols", p.cols,
		"target", p.cfg.Vote.Target, "vote_window", p.cfg.Vote.Window)
	return nil
}

// Close stops both loops and the source.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	stream, cancel, eg := p.stream, p.cancel, p.eg
	p.mu.Unlock()

	cancel()
	stream.Close()
	err := eg.Wait()
	if serr := p.src.Stop(); serr != nil && err == nil {
		err = serr
	}
	p.log.Info("sed: closed", "delivered", p.delivered.Load(), "skipped", p.skipped.Load())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) produce(ctx context.Context, stream *buffer.StreamBuffer) error {
	frame := make([]int16, p.cfg.Format.FrameSamples())
	raw := make([]byte, p.matrixBytes)
	for ctx.Err() == nil {
		err := p.src.ReadFrame(frame, p.cfg.ReadTimeout)
		switch {
		case err == nil:
		case errors.Is(err, source.ErrTimeout):
			p.metrics.ReadTimeout(ctx, observe.PipelineSED)
			continue
		case errors.Is(err, source.ErrStopped):
			continue
		case errors.Is(err, io.EOF):
			p.log.Info("sed: source exhausted")
			p.once.Do(func() { close(p.exhaust) })
			return nil
		default:
			p.log.Warn("sed: read frame failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.cfg.Format.FrameDuration()):
			}
			continue
		}
		p.metrics.FrameRead(ctx, observe.PipelineSED)
		p.cond.ApplyGainControl(frame)
		p.framer.Push(frame)

		for {
			win, ok := p.framer.Next()
			if !ok {
				break
			}
			p.ring.Add(p.ext.LogMel(win, p.cfg.MaxAbs))
			if p.ring.Full() {
				p.cycle(ctx, stream, raw)
			}
			p.nRows.Add(1)
		}
	}
	return nil
}

// cycle hands the current matrix to an idle consumer or skips it.
func (p *Pipeline) cycle(ctx context.Context, stream *buffer.StreamBuffer, raw []byte) {
	if !p.busy.CompareAndSwap(false, true) {
		p.skipped.Add(1)
		p.metrics.Cycle(ctx, false)
		return
	}
	off := 0
	for _, row := range p.ring.Snapshot() {
		for _, v := range row {
			binary.LittleEndian.PutUint32(raw[off:], math.Float32bits(v))
			off += 4
		}
	}
	if n := stream.Send(raw, p.cfg.ReadTimeout); n < len(raw) {
		// only a closing stream refuses a full matrix while the consumer is idle
		stream.Reset()
		p.busy.Store(false)
		p.log.Warn("sed: matrix handoff short", "written", n, "want", len(raw))
		return
	}
	p.delivered.Add(1)
	p.metrics.Cycle(ctx, true)
}

func (p *Pipeline) consume(ctx context.Context, stream *buffer.StreamBuffer) error {
	raw := make([]byte, p.matrixBytes)
	features := make([]float32, p.rows*p.cols)
	for {
		for got := 0; got < len(raw); {
			n, err := stream.ReceiveContext(ctx, raw[got:])
			if err != nil {
				if errors.Is(err, buffer.ErrClosed) {
					return nil
				}
				return err
			}
			got += n
		}
		for i := range features {
			features[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}

		start := time.Now()
		res, err := p.clf.Infer(features)
		p.metrics.Inference(ctx, observe.PipelineSED, time.Since(start), err)
		p.inferences.Add(1)
		if err != nil {
			p.failures.Add(1)
			p.log.Warn("sed: inference failed", "error", err)
			p.busy.Store(false)
			continue
		}
		p.vote(ctx, res)
		p.busy.Store(false)
	}
}

func (p *Pipeline) vote(ctx context.Context, res model.Result) {
	switch p.voter.Add(res.Category) {
	case VoteActivated:
		p.activations.Add(1)
		p.metrics.Detection(ctx, observe.PipelineSED, res.Label)
		if !p.indicator.raise(res) {
			p.log.Debug("sed: indicator already raised", "label", res.Label)
		}
		p.log.Info("sed: event", "label", res.Label, "score", res.Score)
	case VoteCleared:
		p.log.Debug("sed: event cleared", "label", res.Label)
	}
}
