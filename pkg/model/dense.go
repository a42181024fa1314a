package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// DenseVersion is the current dense model file version.
const DenseVersion = 1

// Activations understood by dense layers.
const (
	ActLinear  = "linear"
	ActReLU    = "relu"
	ActSoftmax = "softmax"
)

// Layer is one fully connected layer: out = act(W·in + b) with W stored
// row-major as Out rows of In weights. Weights are either F32 or int8 with
// a per-layer scale.
type Layer struct {
	In         int       `msgpack:"in"`
	Out        int       `msgpack:"out"`
	Weights    []float32 `msgpack:"w,omitempty"`
	WeightsI8  []int8    `msgpack:"w_i8,omitempty"`
	WeightQ    float32   `msgpack:"w_scale,omitempty"`
	Bias       []float32 `msgpack:"b"`
	Activation string    `msgpack:"act"`
}

func (l *Layer) weight(i int) float32 {
	if l.WeightsI8 != nil {
		return float32(l.WeightsI8[i]) * l.WeightQ
	}
	return l.Weights[i]
}

// DenseSpec is the on-disk form of a dense classifier.
type DenseSpec struct {
	Version    int          `msgpack:"version"`
	Name       string       `msgpack:"name"`
	InputShape []int        `msgpack:"input_shape"`
	Labels     []string     `msgpack:"labels"`
	Input      Quantization `msgpack:"input_quant"`
	Output     Quantization `msgpack:"output_quant"`
	Layers     []Layer      `msgpack:"layers"`
}

// Validate checks that the layers chain from the input shape to one output
// per label.
func (s *DenseSpec) Validate() error {
	var errs []error
	if s.Version != DenseVersion {
		errs = append(errs, fmt.Errorf("version %d, want %d", s.Version, DenseVersion))
	}
	width := shapeSize(s.InputShape)
	if width <= 0 {
		errs = append(errs, fmt.Errorf("input shape %v is empty", s.InputShape))
	}
	if len(s.Layers) == 0 {
		errs = append(errs, errors.New("no layers"))
	}
	for i := range s.Layers {
		l := &s.Layers[i]
		if l.In != width {
			errs = append(errs, fmt.Errorf("layer %d: input %d, previous width %d", i, l.In, width))
		}
		nw := len(l.Weights)
		if l.WeightsI8 != nil {
			nw = len(l.WeightsI8)
			if l.WeightQ <= 0 {
				errs = append(errs, fmt.Errorf("layer %d: int8 weights without scale", i))
			}
		}
		if nw != l.In*l.Out {
			errs = append(errs, fmt.Errorf("layer %d: %d weights, want %d", i, nw, l.In*l.Out))
		}
		if len(l.Bias) != l.Out {
			errs = append(errs, fmt.Errorf("layer %d: %d biases, want %d", i, len(l.Bias), l.Out))
		}
		switch l.Activation {
		case ActLinear, ActReLU, ActSoftmax:
		default:
			errs = append(errs, fmt.Errorf("layer %d: unknown activation %q", i, l.Activation))
		}
		width = l.Out
	}
	if len(s.Labels) != width {
		errs = append(errs, fmt.Errorf("output width %d does not match %d labels", width, len(s.Labels)))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidModel, s.Name, err)
	}
	return nil
}

// scratchNeed returns the number of float32 words two alternating
// activation buffers need.
func (s *DenseSpec) scratchNeed() int {
	w := shapeSize(s.InputShape)
	for _, l := range s.Layers {
		w = max(w, l.Out)
	}
	return 2 * w
}

// Dense is a pure-Go fully connected network backend.
type Dense struct {
	spec    *DenseSpec
	a, b    []float32
	out     []float32
	outI8   []int8
	scratch bool
}

// NewDense validates spec and returns a backend. Until Bind is called it
// works in its own memory.
func NewDense(spec *DenseSpec) (*Dense, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	d := &Dense{spec: spec}
	n := spec.scratchNeed() / 2
	d.a, d.b = make([]float32, n), make([]float32, n)
	d.alloc()
	return d, nil
}

func (d *Dense) alloc() {
	width := d.spec.Layers[len(d.spec.Layers)-1].Out
	d.out = make([]float32, width)
	if d.spec.Output.Enabled() {
		d.outI8 = make([]int8, width)
	}
}

// DecodeDense reads a msgpack dense model.
func DecodeDense(r io.Reader) (*Dense, error) {
	var spec DenseSpec
	if err := msgpack.NewDecoder(r).Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidModel, err)
	}
	return NewDense(&spec)
}

// LoadDense reads a dense model file.
func LoadDense(path string) (*Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("model: load %s: %w", path, err)
	}
	return DecodeDense(bytes.NewReader(data))
}

// EncodeDense writes spec as msgpack.
func EncodeDense(w io.Writer, spec *DenseSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	return msgpack.NewEncoder(w).Encode(spec)
}

// Spec returns the model description.
func (d *Dense) Spec() *DenseSpec { return d.spec }

// Config returns an Open config for this backend.
func (d *Dense) Config(threshold float32) Config {
	return Config{
		Name:      d.spec.Name,
		Backend:   d,
		Labels:    Labels(d.spec.Labels),
		Input:     d.spec.Input,
		Output:    d.spec.Output,
		Threshold: threshold,
	}
}

// InputShape implements Backend.
func (d *Dense) InputShape() []int { return d.spec.InputShape }

// OutputShape implements Backend.
func (d *Dense) OutputShape() []int { return []int{len(d.out)} }

// Bind implements ScratchBinder, placing the activation buffers in the
// arena.
func (d *Dense) Bind(scratch []float32) error {
	need := d.spec.scratchNeed()
	if len(scratch) < need {
		return fmt.Errorf("arena holds %d activations, model needs %d", len(scratch), need)
	}
	d.a, d.b = scratch[:need/2], scratch[need/2:need]
	d.scratch = true
	return nil
}

// Close implements Backend. Activation buffers taken from the arena are
// dropped.
func (d *Dense) Close() error {
	if d.scratch {
		d.a, d.b, d.scratch = nil, nil, false
	}
	return nil
}

// Invoke implements Backend.
func (d *Dense) Invoke(in Tensor) (Tensor, error) {
	if d.a == nil {
		return Tensor{}, errors.New("dense: closed")
	}
	width := shapeSize(d.spec.InputShape)
	if in.Len() != width {
		return Tensor{}, fmt.Errorf("dense: input has %d values, want %d", in.Len(), width)
	}
	x := d.a[:width]
	if in.I8 != nil {
		d.spec.Input.DequantizeSlice(x, in.I8)
	} else {
		copy(x, in.F32)
	}

	cur, next := d.a, d.b
	for i := range d.spec.Layers {
		l := &d.spec.Layers[i]
		y := next[:l.Out]
		for o := range l.Out {
			sum := l.Bias[o]
			row := o * l.In
			for j := range l.In {
				sum += l.weight(row+j) * cur[j]
			}
			y[o] = sum
		}
		activate(l.Activation, y)
		cur, next = next, cur
	}

	copy(d.out, cur[:len(d.out)])
	if d.outI8 != nil {
		d.spec.Output.QuantizeSlice(d.outI8, d.out)
		return Tensor{I8: d.outI8}, nil
	}
	return Tensor{F32: d.out}, nil
}

func activate(act string, y []float32) {
	switch act {
	case ActReLU:
		for i, v := range y {
			y[i] = max(v, 0)
		}
	case ActSoftmax:
		peak := y[0]
		for _, v := range y {
			peak = max(peak, v)
		}
		var sum float64
		for i, v := range y {
			e := math.Exp(float64(v - peak))
			y[i] = float32(e)
			sum += e
		}
		for i := range y {
			y[i] = float32(float64(y[i]) / sum)
		}
	}
}

// RandomDense builds an untrained network with the given hidden widths,
// ReLU hidden layers and a softmax head. It is meant for smoke tests of the
// pipeline, not for recognition.
func RandomDense(name string, inputShape []int, labels []string, hidden []int, seed uint64) *DenseSpec {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	spec := &DenseSpec{
		Version:    DenseVersion,
		Name:       name,
		InputShape: inputShape,
		Labels:     labels,
	}
	in := shapeSize(inputShape)
	widths := append(append([]int(nil), hidden...), len(labels))
	for i, out := range widths {
		l := Layer{In: in, Out: out, Weights: make([]float32, in*out), Bias: make([]float32, out), Activation: ActReLU}
		if i == len(widths)-1 {
			l.Activation = ActSoftmax
		}
		bound := float32(math.Sqrt(6 / float64(in+out)))
		for k := range l.Weights {
			l.Weights[k] = (2*r.Float32() - 1) * bound
		}
		spec.Layers = append(spec.Layers, l)
		in = out
	}
	return spec
}
