package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
	"github.com/Grovety/lilygo-s3-apps/pkg/sed"
)

// DefaultHold is how long an alert keeps the relay on.
const DefaultHold = time.Second

// AlertConfig configures the sound event alert scenario.
type AlertConfig struct {
	SED sed.Config
	// Preset supplies the microphone gain; it overrides Conditioner.GainDB
	// when named.
	Preset      Preset
	Conditioner condition.Config
	Model       ModelLoader
	Source      source.Source
	// Hold is how long Unlocked stays set per event.
	Hold time.Duration
	// OnEvent, when set, is called for every detected event.
	OnEvent func(model.Result)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Alert raises the relay for a while when a sound event is detected.
type Alert struct {
	cfg    AlertConfig
	status *Status
	log    *slog.Logger

	mc   *model.Context
	pipe *sed.Pipeline
}

// NewAlert returns the scenario. Nothing is opened until Init.
func NewAlert(cfg AlertConfig, status *Status) *Alert {
	if cfg.Hold <= 0 {
		cfg.Hold = DefaultHold
	}
	if cfg.Preset.Name != "" {
		cfg.Conditioner.GainDB = cfg.Preset.GainDB
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Alert{cfg: cfg, status: status, log: log.With("component", "alert")}
}

func (a *Alert) Name() string {
	if a.cfg.Preset.Name != "" {
		return "sed_" + a.cfg.Preset.Name
	}
	return "sed"
}

// Init implements Scenario.
func (a *Alert) Init(ctx context.Context, arena *model.Arena) (err error) {
	if a.cfg.Model == nil || a.cfg.Source == nil {
		return errors.New("no model or source configured")
	}
	mcfg, err := a.cfg.Model()
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
	cond, err := condition.NewBasic(a.cfg.Conditioner)
	if err != nil {
		return err
	}
	pipe, err := sed.New(a.cfg.SED, a.cfg.Source, cond, mc, sed.Options{
		Logger:  a.cfg.Logger,
		Metrics: a.cfg.Metrics,
	})
	if err != nil {
		return err
	}
	if err := pipe.Start(ctx); err != nil {
		return err
	}
	a.mc, a.pipe = mc, pipe
	return nil
}

// Pipeline returns the event pipeline, nil before Init.
func (a *Alert) Pipeline() *sed.Pipeline { return a.pipe }

// Run implements Scenario. Each raised event sets Unlocked for the hold
// duration and is acknowledged afterwards, so events raised during a hold
// are merged into it.
func (a *Alert) Run(ctx context.Context) error {
	if a.pipe == nil {
		return errors.New("alert not initialized")
	}
	ind := a.pipe.Indicator()
	for {
		res, err := ind.Wait(ctx)
		if err != nil {
			return err
		}
		a.status.Set(Unlocked | GoodEvent)
		a.log.Info("alert: raised", "label", res.Label, "score", res.Score, "hold", a.cfg.Hold)
		if a.cfg.OnEvent != nil {
			a.cfg.OnEvent(res)
		}

		t := time.NewTimer(a.cfg.Hold)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
		ind.Acknowledge()
		a.status.Clear(Unlocked)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// Release implements Scenario.
func (a *Alert) Release() error {
	var errs []error
	if a.pipe != nil {
		errs = append(errs, a.pipe.Close())
	}
	if a.mc != nil {
		errs = append(errs, a.mc.Close())
	}
	a.mc, a.pipe = nil, nil
	return errors.Join(errs...)
}
