// Package fbank computes log mel filterbank and MFCC features from 16-bit PCM
// analysis windows.
//
// The front end matches the TensorFlow MFCC op used to train the keyword and
// sound-event models:
//
//   - samples are normalized by the caller-supplied max-abs amplitude
//   - the window is zero-padded to the next power of two
//   - a raised-cosine window 0.5 - 0.5*cos(2*pi*i/N) is applied
//   - the magnitude (sqrt of power) spectrum goes through a triangular mel
//     filterbank spaced on the 1127*ln(1+f/700) scale
//   - mel energies are floored and log-compressed, then optionally
//     projected with an orthonormal DCT-II
//
// Typical keyword-spotting parameters at 16 kHz:
//
//	SampleRate:      16000
//	FrameLength:     640 (40 ms)
//	NumMelBins:      40
//	NumCoefficients: 10
//	LowFreq:         20
//	HighFreq:        4000
package fbank

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// ErrInvalidConfig is returned by New for unusable parameters.
var ErrInvalidConfig = errors.New("fbank: invalid config")

// minEnergy is the smallest positive normal float32 (FLT_MIN).
const minEnergy = 0x1p-126

// Config controls feature extraction.
type Config struct {
	SampleRate      int     // audio sample rate in Hz
	FrameLength     int     // analysis window length in samples
	NumMelBins      int     // number of mel filters
	NumCoefficients int     // number of MFCCs kept after the DCT
	LowFreq         float64 // lower edge of the filterbank in Hz
	HighFreq        float64 // upper edge of the filterbank in Hz
}

// Validate checks c and reports every problem found.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("%w: sample rate %d", ErrInvalidConfig, c.SampleRate))
	}
	if c.FrameLength <= 0 {
		errs = append(errs, fmt.Errorf("%w: frame length %d", ErrInvalidConfig, c.FrameLength))
	}
	if c.NumMelBins <= 0 {
		errs = append(errs, fmt.Errorf("%w: %d mel bins", ErrInvalidConfig, c.NumMelBins))
	}
	if c.NumCoefficients <= 0 || c.NumCoefficients > c.NumMelBins {
		errs = append(errs, fmt.Errorf("%w: %d coefficients for %d mel bins", ErrInvalidConfig, c.NumCoefficients, c.NumMelBins))
	}
	if c.LowFreq < 0 || c.HighFreq <= c.LowFreq {
		errs = append(errs, fmt.Errorf("%w: mel range %g-%g Hz", ErrInvalidConfig, c.LowFreq, c.HighFreq))
	}
	if c.SampleRate > 0 && c.HighFreq > float64(c.SampleRate)/2 {
		errs = append(errs, fmt.Errorf("%w: high frequency %g Hz above Nyquist", ErrInvalidConfig, c.HighFreq))
	}
	return errors.Join(errs...)
}

// Mode selects the feature representation of a row.
type Mode int

const (
	// LogMel rows hold NumMelBins log filterbank energies.
	LogMel Mode = iota
	// MFCC rows hold NumCoefficients cepstral coefficients.
	MFCC
)

// String returns the mode name as used in configuration files.
func (m Mode) String() string {
	switch m {
	case LogMel:
		return "logmel"
	case MFCC:
		return "mfcc"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Extractor computes feature rows from analysis windows. The tables are
// built once by New; the scratch space makes an Extractor unsafe for
// concurrent use, so each pipeline owns its own.
type Extractor struct {
	cfg       Config
	padded    int
	window    []float64
	filters   []melFilter
	dct       []float64
	silence   map[Mode][]float32
	frame     []float64
	power     []float64
	energies  []float64
	zeroFrame []int16
}

// New builds an Extractor. Misconfiguration is fatal and reported as
// ErrInvalidConfig.
func New(cfg Config) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	padded := nextPow2(cfg.FrameLength)
	e := &Extractor{
		cfg:       cfg,
		padded:    padded,
		window:    hannWindow(cfg.FrameLength),
		filters:   melFilterBank(cfg.NumMelBins, padded, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq),
		dct:       dctMatrix(cfg.NumMelBins, cfg.NumCoefficients),
		frame:     make([]float64, padded),
		power:     make([]float64, padded/2+1),
		energies:  make([]float64, cfg.NumMelBins),
		zeroFrame: make([]int16, cfg.FrameLength),
	}
	e.silence = map[Mode][]float32{
		LogMel: e.LogMel(e.zeroFrame, 1),
		MFCC:   e.MFCC(e.zeroFrame, 1),
	}
	return e, nil
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// PaddedLength returns the FFT size.
func (e *Extractor) PaddedLength() int {
	return e.padded
}

// Width returns the row length produced in mode m.
func (e *Extractor) Width(m Mode) int {
	if m == MFCC {
		return e.cfg.NumCoefficients
	}
	return e.cfg.NumMelBins
}

// Silence returns the feature response to an all-zero window in mode m. The
// vector is computed once by New; callers must not modify it.
func (e *Extractor) Silence(m Mode) []float32 {
	return e.silence[m]
}

// Features computes one row in mode m.
func (e *Extractor) Features(m Mode, frame []int16, maxAbs int) []float32 {
	if m == MFCC {
		return e.MFCC(frame, maxAbs)
	}
	return e.LogMel(frame, maxAbs)
}

// LogMel returns NumMelBins natural-log mel energies of frame, normalized by
// maxAbs. Only the first FrameLength samples are used; a shorter frame is
// treated as zero-padded. A non-positive maxAbs is treated as 1.
func (e *Extractor) LogMel(frame []int16, maxAbs int) []float32 {
	e.melEnergies(frame, maxAbs)
	out := make([]float32, len(e.energies))
	for i, v := range e.energies {
		out[i] = float32(math.Log(v))
	}
	return out
}

// MFCC returns NumCoefficients cepstral coefficients of frame.
func (e *Extractor) MFCC(frame []int16, maxAbs int) []float32 {
	e.melEnergies(frame, maxAbs)
	for i, v := range e.energies {
		e.energies[i] = math.Log(v)
	}
	n := e.cfg.NumMelBins
	out := make([]float32, e.cfg.NumCoefficients)
	for k := range out {
		row := e.dct[k*n : (k+1)*n]
		var sum float64
		for j, v := range e.energies {
			sum += row[j] * v
		}
		out[k] = float32(sum)
	}
	return out
}

// melEnergies fills e.energies with floored linear mel energies.
func (e *Extractor) melEnergies(frame []int16, maxAbs int) {
	scale := 1.0
	if maxAbs > 0 {
		scale = 1 / float64(maxAbs)
	}
	n := min(len(frame), e.cfg.FrameLength)
	for i := range n {
		e.frame[i] = float64(frame[i]) * scale * e.window[i]
	}
	clear(e.frame[n:])

	spec := fft.FFTReal(e.frame)
	half := e.padded / 2
	// the DC and Nyquist bins are purely real for real input
	e.power[0] = real(spec[0]) * real(spec[0])
	e.power[half] = real(spec[half]) * real(spec[half])
	for i := 1; i < half; i++ {
		a := cmplx.Abs(spec[i])
		e.power[i] = a * a
	}

	for b, f := range e.filters {
		var energy float64
		for j, w := range f.weights {
			energy += math.Sqrt(e.power[f.first+j]) * w
		}
		if energy == 0 {
			energy = minEnergy
		}
		e.energies[b] = energy
	}
}
