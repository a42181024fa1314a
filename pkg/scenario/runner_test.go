package scenario

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/condition"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/pcm"
	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/kws"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/model/modeltest"
	"github.com/Grovety/lilygo-s3-apps/pkg/sed"
)

// leaseScenario holds the arena between Init and Release.
type leaseScenario struct {
	name    string
	initErr error

	mu       sync.Mutex
	lease    *model.Lease
	ran      bool
	released int
}

func (s *leaseScenario) Name() string { return s.name }

func (s *leaseScenario) Init(_ context.Context, arena *model.Arena) error {
	if s.initErr != nil {
		return s.initErr
	}
	l, err := arena.Acquire(s.name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lease = l
	s.mu.Unlock()
	return nil
}

func (s *leaseScenario) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ran = true
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *leaseScenario) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lease.Release()
	s.released++
	return nil
}

func TestRunnerSwitchReleasesFirst(t *testing.T) {
	arena := model.NewArena(0)
	r := NewRunner(arena, NewStatus(), nil)
	a := &leaseScenario{name: "a"}
	b := &leaseScenario{name: "b"}

	if err := r.Switch(context.Background(), a); err != nil {
		t.Fatalf("Switch(a): %v", err)
	}
	if got := r.Current(); got != "a" {
		t.Errorf("Current() = %q", got)
	}
	if err := r.Switch(context.Background(), b); err != nil {
		t.Fatalf("Switch(b): %v", err)
	}
	if a.released != 1 {
		t.Errorf("a released %d times, want 1", a.released)
	}
	if owner, held := arena.Holder(); !held || owner != "b" {
		t.Errorf("arena holder = %q, %v", owner, held)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if _, held := arena.Holder(); held {
		t.Error("arena still held after Close")
	}
	if !a.ran || !b.ran {
		t.Error("a scenario never ran")
	}
}

func TestRunnerHaltsOnInitFailure(t *testing.T) {
	status := NewStatus()
	r := NewRunner(model.NewArena(0), status, nil)
	boom := errors.New("no model")
	if err := r.Switch(context.Background(), &leaseScenario{name: "bad", initErr: boom}); !errors.Is(err, boom) {
		t.Fatalf("Switch() = %v, want %v", err, boom)
	}
	if !status.Has(Halted) {
		t.Error("Halted not set")
	}
	if !errors.Is(r.Err(), boom) {
		t.Errorf("Err() = %v", r.Err())
	}
	if err := r.Switch(context.Background(), &leaseScenario{name: "good"}); !errors.Is(err, ErrHalted) {
		t.Errorf("Switch after halt = %v, want ErrHalted", err)
	}
	if r.Current() != "" {
		t.Errorf("Current() = %q after halt", r.Current())
	}
}

func TestVoiceRelayInitFailureFreesArena(t *testing.T) {
	arena := model.NewArena(0)
	r := NewRunner(arena, NewStatus(), nil)
	cfg := kws.DefaultConfig()
	// one row short of what the pipeline produces
	mock := modeltest.New(cfg.Rows()-1, cfg.Cols(), 4)
	vr := NewVoiceRelay(VoiceRelayConfig{
		KWS:         cfg,
		Conditioner: condition.DefaultConfig(),
		Source:      source.NewScripted(cfg.Format, nil, source.Options{}),
		Model: func() (model.Config, error) {
			return model.Config{
				Name:      "kws",
				Backend:   mock,
				Labels:    model.Labels{"silence", "unknown", "robot", "stop"},
				Threshold: 0.5,
			}, nil
		},
	}, r.Status())

	if err := r.Switch(context.Background(), vr); !errors.Is(err, kws.ErrInvalidConfig) {
		t.Fatalf("Switch() = %v, want kws.ErrInvalidConfig", err)
	}
	if _, held := arena.Holder(); held {
		t.Error("arena held after a failed init")
	}
	if mock.Closed() != 1 {
		t.Errorf("backend closed %d times, want 1", mock.Closed())
	}
}

func tone(n int) [][]int16 {
	fs := pcm.Default16K.FrameSamples()
	frames := make([][]int16, n)
	for i := range frames {
		f := make([]int16, fs)
		for j := range f {
			f[j] = int16(3000 * math.Sin(2*math.Pi*float64(i*fs+j)*440/16000))
		}
		frames[i] = f
	}
	return frames
}

func TestAlertHoldsAndAcknowledges(t *testing.T) {
	preset, err := LookupPreset("bark")
	if err != nil {
		t.Fatal(err)
	}
	cfg := sed.DefaultConfig()
	mock := modeltest.New(cfg.Rows(), cfg.Cols(), len(preset.Labels()))
	mock.Category = TargetCategory
	events := make(chan model.Result, 4)

	status := NewStatus()
	r := NewRunner(model.NewArena(0), status, nil)
	alert := NewAlert(AlertConfig{
		SED:         cfg,
		Preset:      preset,
		Conditioner: condition.DefaultConfig(),
		Source:      source.NewScripted(cfg.Format, tone(200), source.Options{Loop: true}),
		Hold:        50 * time.Millisecond,
		OnEvent:     func(res model.Result) { events <- res },
		Model: func() (model.Config, error) {
			return model.Config{Name: "sed", Backend: mock, Labels: preset.Labels(), Threshold: 0.5}, nil
		},
	}, status)
	if got := alert.Name(); got != "sed_bark" {
		t.Errorf("Name() = %q", got)
	}
	if err := r.Switch(context.Background(), alert); err != nil {
		t.Fatalf("Switch: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	select {
	case res := <-events:
		if res.Label != "bark" {
			t.Errorf("event = %+v", res)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
	if !status.Has(Unlocked) {
		t.Error("Unlocked not set during the hold")
	}

	deadline := time.Now().Add(5 * time.Second)
	for status.Has(Unlocked) {
		if time.Now().After(deadline) {
			t.Fatal("Unlocked never cleared")
		}
		time.Sleep(time.Millisecond)
	}
	if _, ok := alert.Pipeline().Indicator().Peek(); ok {
		t.Error("indicator still raised after the hold")
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if mock.Closed() != 1 {
		t.Errorf("backend closed %d times, want 1", mock.Closed())
	}
}

func TestPresets(t *testing.T) {
	want := map[string]int{"baby_cry": 25, "glass_breaking": 6, "bark": 20, "coughing": 25}
	ps := Presets()
	if len(ps) != len(want) {
		t.Fatalf("%d presets, want %d", len(ps), len(want))
	}
	for _, p := range ps {
		if want[p.Name] != p.GainDB {
			t.Errorf("%s gain = %d, want %d", p.Name, p.GainDB, want[p.Name])
		}
		if got := p.Labels().Index(p.Name); got != TargetCategory {
			t.Errorf("%s label index = %d", p.Name, got)
		}
	}
	if _, err := LookupPreset("whistle"); err == nil {
		t.Error("LookupPreset(whistle) succeeded")
	}
}
