package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/audio/source"
	"github.com/Grovety/lilygo-s3-apps/pkg/cli"
	"github.com/Grovety/lilygo-s3-apps/pkg/config"
	"github.com/Grovety/lilygo-s3-apps/pkg/journal"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
	"github.com/Grovety/lilygo-s3-apps/pkg/notify"
	"github.com/Grovety/lilygo-s3-apps/pkg/observe"
	"github.com/Grovety/lilygo-s3-apps/pkg/scenario"
)

// runtime holds what every pipeline command shares: settings, the event
// journal and the optional metrics and events listeners.
type runtime struct {
	log      *slog.Logger
	ctx      *cli.Context
	settings config.Settings

	journal  *journal.Journal
	hub      *notify.Hub
	provider *observe.Provider
	metrics  *observe.Metrics
	servers  []*http.Server
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openRuntime loads the context and settings and starts the listeners they
// name. Logs go to logOut.
func openRuntime(ctx context.Context, logOut io.Writer) (_ *runtime, err error) {
	cctx, err := getContext()
	if err != nil {
		return nil, err
	}
	settings, err := loadSettings(cctx)
	if err != nil {
		return nil, err
	}
	rt := &runtime{log: newLogger(logOut), ctx: cctx, settings: settings}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openJournal(ctx); err != nil {
		return nil, err
	}

	if addr := first(cctx.MetricsAddr, settings.Server.MetricsAddr); addr != "" {
		if rt.provider, err = observe.InitProvider(); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		if rt.metrics, err = observe.NewMetrics(rt.provider.MeterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", rt.provider.Handler())
		if err := rt.serve(addr, mux); err != nil {
			return nil, err
		}
	}
	if addr := first(cctx.EventsAddr, settings.Server.EventsAddr); addr != "" {
		rt.hub = notify.NewHub(notify.Options{Logger: rt.log})
		mux := http.NewServeMux()
		mux.Handle("/events", rt.hub)
		if err := rt.serve(addr, mux); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) openJournal(ctx context.Context) error {
	dir := first(rt.ctx.Journal, rt.settings.Journal.Dir)
	if dir == "" {
		rt.journal = journal.NewMemory(rt.log)
	} else {
		if err := cli.Ensure(dir); err != nil {
			return fmt.Errorf("create journal dir: %w", err)
		}
		j, err := journal.Open(journal.Options{Dir: dir, Logger: rt.log})
		if err != nil {
			return err
		}
		rt.journal = j
	}
	if ret := rt.settings.Journal.Retention; ret > 0 {
		if _, err := rt.journal.Prune(ctx, time.Now().Add(-ret)); err != nil {
			rt.log.Warn("voicerelay: journal prune failed", "error", err)
		}
	}
	return nil
}

// serve listens on addr before returning so a busy port fails the command.
func (rt *runtime) serve(addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	rt.servers = append(rt.servers, srv)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.log.Error("voicerelay: server failed", "addr", addr, "error", err)
		}
	}()
	rt.log.Info("voicerelay: listening", "addr", ln.Addr().String())
	return nil
}

// Close stops the listeners and flushes the journal.
func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var errs []error
	for _, srv := range rt.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	if rt.hub != nil {
		errs = append(errs, rt.hub.Close())
	}
	if rt.provider != nil {
		errs = append(errs, rt.provider.Shutdown(ctx))
	}
	if rt.journal != nil {
		errs = append(errs, rt.journal.Close())
	}
	return errors.Join(errs...)
}

// record journals a result and publishes it to the events listeners.
func (rt *runtime) record(ctx context.Context, scenarioName string, res model.Result) journal.Event {
	e, err := rt.journal.Record(ctx, scenarioName, res)
	if err != nil {
		rt.log.Warn("voicerelay: journal append failed", "error", err)
		e = journal.Event{Scenario: scenarioName, Label: res.Label, Category: res.Category, Score: res.Score, At: time.Now().UTC()}
	}
	if rt.hub != nil {
		if err := rt.hub.Publish(e); err != nil {
			rt.log.Debug("voicerelay: publish failed", "error", err)
		}
	}
	return e
}

// input opens the WAV named by args, or the context's default input.
func (rt *runtime) input(args []string, opts source.Options) (*source.Scripted, error) {
	path := rt.ctx.Input
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		return nil, fmt.Errorf("no input: pass a WAV file or set one on the context")
	}
	if opts.Tail == 0 {
		// trailing silence lets the last word close before the input ends
		opts.Tail = time.Second
	}
	return source.OpenWAV(path, rt.settings.Format, opts)
}

// kwsLoader loads the keyword model named by path, or the settings. Without
// a model file an untrained network of the right shape is used.
func (rt *runtime) kwsLoader(path string) scenario.ModelLoader {
	s := rt.settings
	path = first(path, s.KWS.Model)
	labels := s.KWS.Labels
	if len(labels) == 0 {
		labels = []string{"silence", "unknown", s.Relay.WakeWord, s.Relay.StopWord}
	}
	cfg := s.KWSConfig()
	return rt.denseLoader(path, s.KWS.Threshold, s.KWS.Labels, func() *model.DenseSpec {
		return model.RandomDense("kws", []int{cfg.Rows(), cfg.Cols()}, labels, []int{64}, 1)
	})
}

// sedLoader is kwsLoader for the sound event model of preset.
func (rt *runtime) sedLoader(path string, preset scenario.Preset) scenario.ModelLoader {
	s := rt.settings
	path = first(path, s.SED.Model)
	labels := s.SED.Labels
	if len(labels) == 0 {
		labels = preset.Labels()
	}
	cfg := s.SEDConfig()
	return rt.denseLoader(path, s.SED.Threshold, s.SED.Labels, func() *model.DenseSpec {
		return model.RandomDense("sed_"+preset.Name, []int{cfg.Rows(), cfg.Cols()}, labels, []int{64}, 1)
	})
}

// denseLoader opens path, or builds untrained when path is empty. Labels
// replace the model's own table when given.
func (rt *runtime) denseLoader(path string, threshold float32, labels []string, untrained func() *model.DenseSpec) scenario.ModelLoader {
	return func() (model.Config, error) {
		var (
			d   *model.Dense
			err error
		)
		if path == "" {
			rt.log.Warn("voicerelay: no model file, using an untrained network")
			d, err = model.NewDense(untrained())
		} else {
			d, err = model.LoadDense(path)
		}
		if err != nil {
			return model.Config{}, err
		}
		cfg := d.Config(threshold)
		if len(labels) > 0 {
			cfg.Labels = model.Labels(labels)
		}
		return cfg, nil
	}
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
