package sed

import (
	"errors"
	"fmt"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/fbank"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
)

// Config is the sound event pipeline geometry.
type Config struct {
	Format pcm.Format `yaml:",inline"`

	NumMelBins int     `yaml:"mel_bins"`
	LowFreq    float64 `yaml:"mel_low"`
	HighFreq   float64 `yaml:"mel_high"`

	Window   time.Duration `yaml:"window"`
	Stride   time.Duration `yaml:"stride"`
	Duration time.Duration `yaml:"duration"`

	// MaxAbs normalizes every window. Sound events are not segmented, so
	// there is no per-event peak and full scale is used instead.
	MaxAbs int `yaml:"max_abs"`

	ReadTimeout time.Duration `yaml:"read_timeout"`

	Vote VoteConfig `yaml:"vote"`
}

// VoteConfig configures the Voter.
type VoteConfig struct {
	Window int `yaml:"window"`
	Target int `yaml:"target"`
}

// DefaultConfig returns the 40x49 log-mel geometry at 16 kHz.
func DefaultConfig() Config {
	return Config{
		Format:      pcm.Default16K,
		NumMelBins:  40,
		LowFreq:     0,
		HighFreq:    8000,
		Window:      40 * time.Millisecond,
		Stride:      20 * time.Millisecond,
		Duration:    time.Second,
		MaxAbs:      1 << 15,
		ReadTimeout: 100 * time.Millisecond,
		Vote:        VoteConfig{Window: 3, Target: 2},
	}
}

// Rows returns the depth of the sliding feature matrix.
func (c Config) Rows() int {
	if c.Stride <= 0 || c.Duration < c.Window {
		return 0
	}
	return int((c.Duration-c.Window)/c.Stride) + 1
}

// Cols returns the row width.
func (c Config) Cols() int { return c.NumMelBins }

// InputWidth is the number of elements the classifier receives.
func (c Config) InputWidth() int { return c.Rows() * c.Cols() }

// Features returns the extractor configuration.
func (c Config) Features() fbank.Config {
	return fbank.Config{
		SampleRate:      c.Format.SampleRate,
		FrameLength:     c.Format.SamplesInDuration(c.Window),
		NumMelBins:      c.NumMelBins,
		NumCoefficients: c.NumMelBins,
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
	if c.MaxAbs <= 0 {
		errs = append(errs, fmt.Errorf("max abs %d must be positive", c.MaxAbs))
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout %v must be positive", c.ReadTimeout))
	}
	if err := c.Vote.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Validate checks the vote window and target.
func (c VoteConfig) Validate() error {
	var errs []error
	if c.Window <= 0 {
		errs = append(errs, fmt.Errorf("vote window %d must be positive", c.Window))
	}
	if c.Target < 0 {
		errs = append(errs, fmt.Errorf("vote target %d must not be negative", c.Target))
	}
	return errors.Join(errs...)
}
