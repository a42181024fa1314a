package kws

import (
	"errors"
	"fmt"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/vad"
)

// Config is the keyword pipeline geometry.
type Config struct {
	Format pcm.Format `yaml:",inline"`

	NumCoefficients int     `yaml:"mfcc"`
	NumMelBins      int     `yaml:"mel_bins"`
	LowFreq         float64 `yaml:"mel_low"`
	HighFreq        float64 `yaml:"mel_high"`

	// Window and Stride are the analysis window and its advance.
	Window time.Duration `yaml:"window"`
	Stride time.Duration `yaml:"stride"`
	// Duration is the audio span one feature matrix covers.
	Duration time.Duration `yaml:"duration"`

	// WordBuffer is how much word audio is kept between the segmenter and
	// the worker.
	WordBuffer time.Duration `yaml:"word_buffer"`
	// ReadTimeout bounds one frame read.
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// SendTimeout bounds one frame write into the word buffer.
	SendTimeout time.Duration `yaml:"send_timeout"`

	Segmenter vad.Config `yaml:"segmenter"`
}

// DefaultConfig returns the 10x49 MFCC geometry at 16 kHz.
func DefaultConfig() Config {
	return Config{
		Format:          pcm.Default16K,
		NumCoefficients: 10,
		NumMelBins:      40,
		LowFreq:         20,
		HighFreq:        4000,
		Window:          40 * time.Millisecond,
		Stride:          20 * time.Millisecond,
		Duration:        time.Second,
		WordBuffer:      time.Second,
		ReadTimeout:     100 * time.Millisecond,
		SendTimeout:     vad.DefaultSendTimeout,
		Segmenter:       vad.DefaultConfig(),
	}
}

// Rows returns the number of feature rows in one matrix.
func (c Config) Rows() int {
	if c.Stride <= 0 || c.Duration < c.Window {
		return 0
	}
	return int((c.Duration-c.Window)/c.Stride) + 1
}

// Cols returns the row width.
func (c Config) Cols() int { return c.NumCoefficients }

// InputWidth is the number of elements the classifier receives.
func (c Config) InputWidth() int { return c.Rows() * c.Cols() }

// Features returns the extractor configuration.
func (c Config) Features() fbank.Config {
	return fbank.Config{
		SampleRate:      c.Format.SampleRate,
		FrameLength:     c.Format.SamplesInDuration(c.Window),
		NumMelBins:      c.NumMelBins,
		NumCoefficients: c.NumCoefficients,
		LowFreq:         c.LowFreq,
		HighFreq:        c.HighFreq,
	}
}

// Validate reports every unusable setting.
func (c Config) Validate() error {
	var errs []error
	if err := c.Format.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Features().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Stride <= 0 || c.Stride > c.Window {
		errs = append(errs, fmt.Errorf("stride %v must be in (0, %v]", c.Stride, c.Window))
	}
	if c.Rows() < 1 {
		errs = append(errs, fmt.Errorf("duration %v shorter than window %v", c.Duration, c.Window))
	}
	if fs := c.Format.FrameSamples(); fs > 0 && c.Format.SamplesInDuration(c.Stride)%fs != 0 {
		errs = append(errs, fmt.Errorf("stride %v is not a whole number of %v frames", c.Stride, c.Format.FrameDuration()))
	}
	if c.WordBuffer < c.Window {
		errs = append(errs, fmt.Errorf("word buffer %v shorter than window %v", c.WordBuffer, c.Window))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout %v must be positive", c.ReadTimeout))
	}
	if err := c.Segmenter.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}
