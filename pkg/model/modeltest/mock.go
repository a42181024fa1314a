// Package modeltest provides a scripted classifier backend for tests.
package modeltest

import (
	"sync"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// Mock is a model.Backend that answers from a script and records its
// inputs.
type Mock struct {
	In  []int
	Out []int

	// Respond computes the output of call n (0-based). When nil the mock
	// answers a one-hot vector for Category.
	Respond func(n int, in []float32) ([]float32, error)
	// Category is the class answered when Respond is nil.
	Category int
	// Delay is slept inside every Invoke.
	Delay time.Duration
	// Gate, when set, blocks every Invoke until a value is received.
	Gate chan struct{}
	// Entered, when set, receives the call number as each Invoke starts.
	Entered chan int

	mu     sync.Mutex
	inputs [][]float32
	closed int
}

// New returns a mock taking a rows×cols matrix and producing classes scores.
func New(rows, cols, classes int) *Mock {
	return &Mock{In: []int{rows, cols}, Out: []int{classes}}
}

// OneHot returns a score vector of n classes with cat set to 1.
func OneHot(n, cat int) []float32 {
	v := make([]float32, n)
	if cat >= 0 && cat < n {
		v[cat] = 1
	}
	return v
}

// InputShape implements model.Backend.
func (m *Mock) InputShape() []int { return m.In }

// OutputShape implements model.Backend.
func (m *Mock) OutputShape() []int { return m.Out }

// Invoke implements model.Backend.
func (m *Mock) Invoke(in model.Tensor) (model.Tensor, error) {
	x := append([]float32(nil), in.F32...)
	if in.I8 != nil {
		x = make([]float32, len(in.I8))
		for i, v := range in.I8 {
			x[i] = float32(v)
		}
	}
	m.mu.Lock()
	n := len(m.inputs)
	m.inputs = append(m.inputs, x)
	m.mu.Unlock()

	if m.Entered != nil {
		select {
		case m.Entered <- n:
		default:
		}
	}
	if m.Gate != nil {
		<-m.Gate
	}
	if m.Delay > 0 {
		time.Sleep(m.Delay)
	}
	if m.Respond != nil {
		out, err := m.Respond(n, x)
		return model.Tensor{F32: out}, err
	}
	return model.Tensor{F32: OneHot(m.Out[0], m.Category)}, nil
}

// Close implements model.Backend.
func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

// Calls returns the number of Invoke calls so far.
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Inputs returns copies of every input seen so far.
func (m *Mock) Inputs() [][]float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]float32(nil), m.inputs...)
}

// Closed returns how many times Close was called.
func (m *Mock) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
