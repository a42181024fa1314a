// Package condition prepares raw microphone frames for recognition.
//
// A [Conditioner] works on one frame at a time and only ever modifies the
// frame it is given. [Basic] is a small reference implementation: a fixed
// gain with a soft limiter, a DC blocker followed by a noise gate against
// an adaptive noise floor, and an energy detector that calls a frame
// speech when its SNR over the floor is high enough.
package condition

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is returned by NewBasic for out-of-range settings.
var ErrInvalidConfig = errors.New("condition: invalid config")

// Conditioner is the per-frame signal conditioning contract.
type Conditioner interface {
	ApplyGainControl(frame []int16)
	SuppressNoise(frame []int16)
	IsSpeech(frame []int16) bool
}

// Config configures Basic.
type Config struct {
	// GainDB is the fixed microphone gain.
	GainDB int `yaml:"mic_gain"`
	// NoiseLevel selects the noise gate: 0 off, 1 mild, 2 strong, 3 hard.
	NoiseLevel int `yaml:"ns_level"`
	// SpeechProbability is the detector's decision threshold.
	SpeechProbability float64 `yaml:"speech_probability"`
}

// DefaultConfig matches the voice relay scenario.
func DefaultConfig() Config {
	return Config{GainDB: 30, NoiseLevel: 1, SpeechProbability: 0.9}
}

// Validate reports settings Basic does not support.
func (c Config) Validate() error {
	var errs []error
	if c.GainDB < 0 || c.GainDB > 60 {
		errs = append(errs, fmt.Errorf("gain %d dB out of [0, 60]", c.GainDB))
	}
	if c.NoiseLevel < 0 || c.NoiseLevel >= len(gates) {
		errs = append(errs, fmt.Errorf("noise level %d out of [0, %d]", c.NoiseLevel, len(gates)-1))
	}
	if c.SpeechProbability <= 0 || c.SpeechProbability >= 1 {
		errs = append(errs, fmt.Errorf("speech probability %v out of (0, 1)", c.SpeechProbability))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

const (
	fullScale = 32767.0
	// limiterKnee is where the soft limiter starts bending, in full scale.
	limiterKnee = 0.9
	dcPole      = 0.995

	// noise floor tracking per frame: fast fall, slow rise
	floorFall = 0.5
	floorRise = 0.002
	minFloor  = 1.0

	// SNR in dB at which the speech probability is one half, and the
	// logistic slope around it.
	snrMidpoint = 10.0
	snrSlope    = 2.0
)

// gate parameters per noise level: open when rms > ratio*floor, otherwise
// scale by atten.
var gates = []struct{ ratio, atten float64 }{
	{0, 1},
	{1.5, 0.3},
	{2, 0.1},
	{3, 0},
}

// Basic is a stateful reference Conditioner. It is not safe for concurrent
// use; give each intake loop its own.
type Basic struct {
	cfg  Config
	gain float64

	x1, y1 float64
	floor  float64
}

// NewBasic returns a Basic for cfg.
func NewBasic(cfg Config) (*Basic, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Basic{cfg: cfg, gain: math.Pow(10, float64(cfg.GainDB)/20)}
	b.Reset()
	return b, nil
}

// Reset forgets the filter state and the noise floor.
func (b *Basic) Reset() {
	b.x1, b.y1 = 0, 0
	b.floor = -1
}

// NoiseFloor returns the current RMS noise floor estimate, or -1 before the
// first frame.
func (b *Basic) NoiseFloor() float64 { return b.floor }

// ApplyGainControl amplifies frame and soft-limits it below full scale.
func (b *Basic) ApplyGainControl(frame []int16) {
	for i, s := range frame {
		frame[i] = saturate(limit(float64(s)*b.gain/fullScale) * fullScale)
	}
}

func limit(x float64) float64 {
	a := math.Abs(x)
	if a <= limiterKnee {
		return x
	}
	y := limiterKnee + (1-limiterKnee)*math.Tanh((a-limiterKnee)/(1-limiterKnee))
	return math.Copysign(y, x)
}

func saturate(v float64) int16 {
	return int16(max(math.MinInt16, min(math.MaxInt16, math.Round(v))))
}

// SuppressNoise removes DC, updates the noise floor and gates frames that
// sit close to it.
func (b *Basic) SuppressNoise(frame []int16) {
	for i, s := range frame {
		x := float64(s)
		y := x - b.x1 + dcPole*b.y1
		b.x1, b.y1 = x, y
		frame[i] = saturate(y)
	}

	e := RMS(frame)
	b.track(e)

	g := gates[b.cfg.NoiseLevel]
	if g.ratio == 0 || e > g.ratio*b.floor {
		return
	}
	for i, s := range frame {
		frame[i] = saturate(float64(s) * g.atten)
	}
}

func (b *Basic) track(e float64) {
	e = max(e, minFloor)
	switch {
	case b.floor < 0:
		b.floor = e
	case e < b.floor:
		b.floor += (e - b.floor) * floorFall
	default:
		b.floor += (e - b.floor) * floorRise
	}
}

// SpeechProbability maps the frame's SNR over the noise floor to (0, 1).
func (b *Basic) SpeechProbability(frame []int16) float64 {
	if b.floor < 0 {
		b.track(RMS(frame))
	}
	snr := 20 * math.Log10(max(RMS(frame), minFloor)/max(b.floor, minFloor))
	return 1 / (1 + math.Exp(-(snr-snrMidpoint)/snrSlope))
}

// IsSpeech reports whether SpeechProbability exceeds the configured
// threshold.
func (b *Basic) IsSpeech(frame []int16) bool {
	return b.SpeechProbability(frame) > b.cfg.SpeechProbability
}

// RMS returns the root mean square of frame.
func RMS(frame []int16) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}
