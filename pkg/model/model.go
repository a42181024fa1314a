// Package model is the classifier boundary of the recognition pipelines.
//
// A [Backend] turns a fixed-shape feature tensor into per-class scores. A
// [Context] binds one backend to the shared scratch [Arena], validates its
// schema against the label table, and turns raw scores into a [Result]:
// argmax, optional dequantization, and a score threshold below which the
// category is reported as -1.
//
// Only one Context can be open per Arena. Switching models means closing
// the previous Context before opening the next one.
package model

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidModel is returned by Open for a schema that does not match
	// its labels or quantization.
	ErrInvalidModel = errors.New("model: invalid model")

	// ErrInference wraps a failed classification.
	ErrInference = errors.New("model: inference failed")

	// ErrArenaInUse is returned when the scratch arena is already held.
	ErrArenaInUse = errors.New("model: arena in use")

	// ErrClosed is returned by Infer after Close.
	ErrClosed = errors.New("model: context closed")
)

// Tensor carries either real-valued or int8 data.
type Tensor struct {
	F32 []float32
	I8  []int8
}

// Len returns the number of elements.
func (t Tensor) Len() int {
	if t.I8 != nil {
		return len(t.I8)
	}
	return len(t.F32)
}

// Backend runs the network.
type Backend interface {
	Invoke(in Tensor) (Tensor, error)
	InputShape() []int
	OutputShape() []int
	Close() error
}

// Classifier is what the pipelines need from a resident model.
type Classifier interface {
	Infer(features []float32) (Result, error)
}

// ScratchBinder is implemented by backends that place their working
// memory in the arena. Bind fails when the arena is too small.
type ScratchBinder interface {
	Bind(scratch []float32) error
}

// Config describes a model to open.
type Config struct {
	Name    string
	Backend Backend
	Labels  Labels

	// Input quantizes features before Invoke when enabled.
	Input Quantization
	// Output dequantizes int8 scores when enabled.
	Output Quantization

	// Threshold is the minimum score, exclusive, for a category to count.
	Threshold float32
}

// Result is one classification.
type Result struct {
	// Category is the argmax class, or -1 when its score is not above the
	// threshold.
	Category int
	Score    float32
	Label    string
}

// Accepted reports whether the result passed the threshold.
func (r Result) Accepted() bool { return r.Category >= 0 }

// Context is a resident model. Infer is safe for concurrent use but
// serializes calls.
type Context struct {
	cfg     Config
	lease   *Lease
	inWidth int

	mu     sync.Mutex
	closed bool
	qbuf   []int8
	scores []float32
}

func shapeSize(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Open validates cfg, takes the arena and returns a resident Context. On
// any error the arena is left free.
func Open(arena *Arena, cfg Config) (_ *Context, err error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = "model"
	}
	lease, err := arena.Acquire(name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			lease.Release()
		}
	}()
	if b, ok := cfg.Backend.(ScratchBinder); ok {
		if err := b.Bind(lease.Scratch()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidModel, name, err)
		}
	}
	c := &Context{
		cfg:     cfg,
		lease:   lease,
		inWidth: shapeSize(cfg.Backend.InputShape()),
		scores:  make([]float32, len(cfg.Labels)),
	}
	if cfg.Input.Enabled() {
		c.qbuf = make([]int8, c.inWidth)
	}
	return c, nil
}

func validate(cfg Config) error {
	if cfg.Backend == nil {
		return fmt.Errorf("%w: no backend", ErrInvalidModel)
	}
	var errs []error
	if shapeSize(cfg.Backend.InputShape()) <= 0 {
		errs = append(errs, fmt.Errorf("input shape %v is empty", cfg.Backend.InputShape()))
	}
	out := shapeSize(cfg.Backend.OutputShape())
	switch {
	case len(cfg.Labels) == 0:
		errs = append(errs, errors.New("no labels"))
	case out != len(cfg.Labels):
		errs = append(errs, fmt.Errorf("output width %d does not match %d labels", out, len(cfg.Labels)))
	}
	if cfg.Input.Scale < 0 || cfg.Output.Scale < 0 {
		errs = append(errs, errors.New("negative quantization scale"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidModel, cfg.Name, err)
	}
	return nil
}

// Name returns the configured model name.
func (c *Context) Name() string { return c.cfg.Name }

// Labels returns the label table.
func (c *Context) Labels() Labels { return c.cfg.Labels }

// InputWidth returns the number of features Infer expects.
func (c *Context) InputWidth() int { return c.inWidth }

// InputShape returns the backend input shape, e.g. [rows, cols].
func (c *Context) InputShape() []int { return c.cfg.Backend.InputShape() }

// Threshold returns the score threshold.
func (c *Context) Threshold() float32 { return c.cfg.Threshold }

// Infer classifies one feature matrix.
func (c *Context) Infer(features []float32) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Result{}, ErrClosed
	}
	if len(features) != c.inWidth {
		return Result{}, fmt.Errorf("%w: %d features, want %d", ErrInference, len(features), c.inWidth)
	}

	in := Tensor{F32: features}
	if c.qbuf != nil {
		c.cfg.Input.QuantizeSlice(c.qbuf, features)
		in = Tensor{I8: c.qbuf}
	}
	out, err := c.cfg.Backend.Invoke(in)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if out.Len() != len(c.scores) {
		return Result{}, fmt.Errorf("%w: %d scores, want %d", ErrInference, out.Len(), len(c.scores))
	}
	switch {
	case out.I8 != nil && c.cfg.Output.Enabled():
		c.cfg.Output.DequantizeSlice(c.scores, out.I8)
	case out.I8 != nil:
		for i, v := range out.I8 {
			c.scores[i] = float32(v)
		}
	default:
		copy(c.scores, out.F32)
	}

	best := 0
	for i, s := range c.scores {
		if s > c.scores[best] {
			best = i
		}
	}
	r := Result{Category: best, Score: c.scores[best]}
	if r.Score <= c.cfg.Threshold {
		r.Category = -1
	}
	r.Label = c.cfg.Labels.Name(r.Category)
	return r, nil
}

// Close releases the backend and the arena. It is idempotent.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.cfg.Backend.Close()
	c.lease.Release()
	return err
}
