package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/kws"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
)

// ModelLoader returns the model to open when a scenario starts. It is
// called on every Init so a scenario can be entered more than once.
type ModelLoader func() (model.Config, error)

// VoiceRelayConfig configures the voice relay scenario.
type VoiceRelayConfig struct {
	KWS         kws.Config
	Conditioner condition.Config
	Model       ModelLoader
	Source      source.Source
	Relay       RelayOptions

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// VoiceRelay runs the keyword pipeline behind the relay state machine.
type VoiceRelay struct {
	cfg    VoiceRelayConfig
	status *Status

	mc    *model.Context
	pipe  *kws.Pipeline
	relay *Relay
}

// NewVoiceRelay returns the scenario. Nothing is opened until Init.
func NewVoiceRelay(cfg VoiceRelayConfig, status *Status) *VoiceRelay {
	if cfg.Relay.Logger == nil {
		cfg.Relay.Logger = cfg.Logger
	}
	return &VoiceRelay{cfg: cfg, status: status}
}

func (v *VoiceRelay) Name() string { return "voice_relay" }

// Init implements Scenario.
func (v *VoiceRelay) Init(ctx context.Context, arena *model.Arena) (err error) {
	if v.cfg.Model == nil || v.cfg.Source == nil {
		return errors.New("no model or source configured")
	}
	mcfg, err := v.cfg.Model()
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	mc, err := model.Open(arena, mcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			mc.Close()
		}
	}()
	cond, err := condition.NewBasic(v.cfg.Conditioner)
	if err != nil {
		return err
	}
	pipe, err := kws.New(v.cfg.KWS, v.cfg.Source, cond, mc, kws.Options{
		Logger:  v.cfg.Logger,
		Metrics: v.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	v.mc, v.pipe = mc, pipe
	v.relay = NewRelay(pipe, v.status, v.cfg.Relay)
	return nil
}

// Run implements Scenario.
func (v *VoiceRelay) Run(ctx context.Context) error {
	if v.relay == nil {
		return errors.New("voice relay not initialized")
	}
	return v.relay.Run(ctx)
}

// Relay returns the state machine, nil before Init.
func (v *VoiceRelay) Relay() *Relay { return v.relay }

// Pipeline returns the keyword pipeline, nil before Init.
func (v *VoiceRelay) Pipeline() *kws.Pipeline { return v.pipe }

// Release implements Scenario.
func (v *VoiceRelay) Release() error {
	var errs []error
	if v.pipe != nil {
		errs = append(errs, v.pipe.Close())
	}
	if v.mc != nil {
		errs = append(errs, v.mc.Close())
	}
	v.mc, v.pipe, v.relay = nil, nil, nil
	return errors.Join(errs...)
}
