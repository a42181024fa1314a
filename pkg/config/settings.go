// Package config loads the voicerelay settings file.
//
// Settings are YAML. Unknown fields are rejected, missing fields keep their
// defaults, and Validate reports every bad field at once. The package
// translates the flat, millisecond-based file layout into the geometry
// types of the pipelines.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/kws"
	"github.com/Grovety/lilygo-s3-apps/pkg/scenario"
	"github.com/Grovety/lilygo-s3-apps/pkg/sed"
	"github.com/Grovety/lilygo-s3-apps/pkg/vad"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid settings")

// Settings is the whole settings file.
type Settings struct {
	Format      pcm.Format       `yaml:",inline"`
	Conditioner condition.Config `yaml:",inline"`

	KWS     KWS     `yaml:"kws"`
	SED     SED     `yaml:"sed"`
	Relay   Relay   `yaml:"relay"`
	Journal Journal `yaml:"journal"`
	Server  Server  `yaml:"server"`
}

// KWS configures keyword spotting.
type KWS struct {
	MFCC       int        `yaml:"mfcc"`
	MelBins    int        `yaml:"mel_bins"`
	MelLow     float64    `yaml:"mel_low"`
	MelHigh    float64    `yaml:"mel_high"`
	WindowMS   int        `yaml:"window_ms"`
	StrideMS   int        `yaml:"stride_ms"`
	DurationMS int        `yaml:"duration_ms"`
	Threshold  float32    `yaml:"threshold"`
	Segmenter  vad.Config `yaml:"segmenter"`
	// Model is the path of a dense model file.
	Model string `yaml:"model,omitempty"`
	// Labels overrides the label table stored in the model.
	Labels []string `yaml:"labels,omitempty"`
}

// SED configures sound event detection.
type SED struct {
	MelBins    int     `yaml:"mel_bins"`
	MelLow     float64 `yaml:"mel_low"`
	MelHigh    float64 `yaml:"mel_high"`
	WindowMS   int     `yaml:"window_ms"`
	StrideMS   int     `yaml:"stride_ms"`
	DurationMS int     `yaml:"duration_ms"`
	Threshold  float32 `yaml:"threshold"`
	VoteWindow int     `yaml:"vote_window"`
	Target     int     `yaml:"target"`
	Preset     string  `yaml:"preset"`
	HoldMS     int     `yaml:"hold_ms"`

	Model  string   `yaml:"model,omitempty"`
	Labels []string `yaml:"labels,omitempty"`
}

// Relay configures the voice relay state machine.
type Relay struct {
	WakeWord string `yaml:"wake_word"`
	StopWord string `yaml:"stop_word"`
	// SuspendAfterMS returns to suspended after this long; 0 never does.
	SuspendAfterMS int `yaml:"suspend_after_ms"`
}

// Journal configures the event log.
type Journal struct {
	// Dir is the badger directory. Empty keeps the journal in memory.
	Dir string `yaml:"dir,omitempty"`
	// Retention prunes older events at startup. Zero keeps everything.
	Retention time.Duration `yaml:"retention,omitempty"`
}

// Server configures the optional listeners. Empty addresses are disabled.
type Server struct {
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	EventsAddr  string `yaml:"events_addr,omitempty"`
}

func ms(d time.Duration) int { return int(d / time.Millisecond) }

// Default returns the settings of the voice relay device.
func Default() Settings {
	k, s := kws.DefaultConfig(), sed.DefaultConfig()
	return Settings{
		Format:      pcm.Default16K,
		Conditioner: condition.DefaultConfig(),
		KWS: KWS{
			MFCC:       k.NumCoefficients,
			MelBins:    k.NumMelBins,
			MelLow:     k.LowFreq,
			MelHigh:    k.HighFreq,
			WindowMS:   ms(k.Window),
			StrideMS:   ms(k.Stride),
			DurationMS: ms(k.Duration),
			Threshold:  0.5,
			Segmenter:  k.Segmenter,
		},
		SED: SED{
			MelBins:    s.NumMelBins,
			MelLow:     s.LowFreq,
			MelHigh:    s.HighFreq,
			WindowMS:   ms(s.Window),
			StrideMS:   ms(s.Stride),
			DurationMS: ms(s.Duration),
			Threshold:  0.5,
			VoteWindow: s.Vote.Window,
			Target:     s.Vote.Target,
			Preset:     "baby_cry",
			HoldMS:     ms(scenario.DefaultHold),
		},
		Relay: Relay{WakeWord: "robot", StopWord: "stop"},
	}
}

// Load reads and validates the settings file at path.
func Load(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("config: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return Settings{}, fmt.Errorf("%w (%s)", err, path)
	}
	return s, nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (Settings, error) {
	s := Default()
	if err := yaml.UnmarshalWithOptions(data, &s, yaml.DisallowUnknownField()); err != nil {
		return Settings{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Marshal encodes s as YAML.
func (s Settings) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func msDuration(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// KWSConfig returns the keyword pipeline geometry.
func (s Settings) KWSConfig() kws.Config {
	c := kws.DefaultConfig()
	c.Format = s.Format
	c.NumCoefficients = s.KWS.MFCC
	c.NumMelBins = s.KWS.MelBins
	c.LowFreq = s.KWS.MelLow
	c.HighFreq = s.KWS.MelHigh
	c.Window = msDuration(s.KWS.WindowMS)
	c.Stride = msDuration(s.KWS.StrideMS)
	c.Duration = msDuration(s.KWS.DurationMS)
	c.WordBuffer = max(c.Duration, c.Window)
	c.Segmenter = s.KWS.Segmenter
	return c
}

// SEDConfig returns the sound event pipeline geometry.
func (s Settings) SEDConfig() sed.Config {
	c := sed.DefaultConfig()
	c.Format = s.Format
	c.NumMelBins = s.SED.MelBins
	c.LowFreq = s.SED.MelLow
	c.HighFreq = s.SED.MelHigh
	c.Window = msDuration(s.SED.WindowMS)
	c.Stride = msDuration(s.SED.StrideMS)
	c.Duration = msDuration(s.SED.DurationMS)
	c.Vote = sed.VoteConfig{Window: s.SED.VoteWindow, Target: s.SED.Target}
	return c
}

// Preset returns the configured sound event preset.
func (s Settings) Preset() (scenario.Preset, error) {
	return scenario.LookupPreset(s.SED.Preset)
}

// RelayOptions returns the relay state machine options without
// collaborators.
func (s Settings) RelayOptions() scenario.RelayOptions {
	return scenario.RelayOptions{
		WakeWord:     s.Relay.WakeWord,
		StopWord:     s.Relay.StopWord,
		SuspendAfter: msDuration(s.Relay.SuspendAfterMS),
	}
}

// Hold returns the alert hold duration.
func (s Settings) Hold() time.Duration { return msDuration(s.SED.HoldMS) }

func checkThreshold(name string, t float32) error {
	if t < 0 || t >= 1 {
		return fmt.Errorf("%s threshold %v out of [0, 1)", name, t)
	}
	return nil
}

// Validate reports every bad field.
func (s Settings) Validate() error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	add(s.Format.Validate())
	add(s.Conditioner.Validate())
	add(s.KWSConfig().Validate())
	add(s.SEDConfig().Validate())
	add(checkThreshold("kws", s.KWS.Threshold))
	add(checkThreshold("sed", s.SED.Threshold))
	if _, err := s.Preset(); err != nil {
		add(err)
	}
	if s.SED.HoldMS <= 0 {
		add(fmt.Errorf("sed hold %d ms must be positive", s.SED.HoldMS))
	}
	if s.Relay.WakeWord == "" || s.Relay.StopWord == "" {
		add(errors.New("relay wake and stop words are required"))
	} else if s.Relay.WakeWord == s.Relay.StopWord {
		add(fmt.Errorf("relay wake and stop words are both %q", s.Relay.WakeWord))
	}
	if s.Relay.SuspendAfterMS < 0 {
		add(fmt.Errorf("relay suspend after %d ms is negative", s.Relay.SuspendAfterMS))
	}
	if s.Journal.Retention < 0 {
		add(fmt.Errorf("journal retention %v is negative", s.Journal.Retention))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}
