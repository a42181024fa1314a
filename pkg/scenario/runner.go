// Package scenario runs one recognition application at a time.
//
// A [Scenario] owns a model and the pipelines built on it. The [Runner]
// activates scenarios one after the other on a shared model arena: the
// previous scenario is stopped and released before the next one is
// initialized, so two models never hold the arena together. A scenario that
// fails to initialize halts the runner; the failure is kept and the Halted
// status bit is set.
//
// Two scenarios are provided. [VoiceRelay] switches a relay with spoken
// commands through the [Relay] state machine. [Alert] raises the relay for a
// while whenever a sound event is detected.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// ErrHalted is returned by Switch after a scenario failed.
var ErrHalted = errors.New("scenario: halted")

// Scenario is one application mode.
type Scenario interface {
	Name() string
	// Init opens the model on arena and builds the pipelines. On error the
	// arena must be left free.
	Init(ctx context.Context, arena *model.Arena) error
	// Run handles events until ctx is done.
	Run(ctx context.Context) error
	// Release frees everything Init acquired.
	Release() error
}

// Runner activates scenarios one at a time.
type Runner struct {
	arena  *model.Arena
	status *Status
	log    *slog.Logger

	mu      sync.Mutex
	current Scenario
	cancel  context.CancelFunc
	done    chan struct{}

	errMu sync.Mutex
	err   error
}

// NewRunner returns an idle Runner. A nil logger uses slog.Default.
func NewRunner(arena *model.Arena, status *Status, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{arena: arena, status: status, log: log.With("component", "scenario")}
}

// Status returns the status indicator.
func (r *Runner) Status() *Status { return r.status }

// Err returns the failure that halted the runner, if any.
func (r *Runner) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Runner) halt(err error) {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	r.status.Set(Halted)
	r.log.Error("scenario: halted", "error", err)
}

// Current returns the name of the active scenario, or "".
func (r *Runner) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.Name()
}

// Done returns a channel closed when the active scenario stops running. It
// is nil while no scenario is active.
func (r *Runner) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Switch stops and releases the active scenario, then initializes and runs
// s. An initialization failure halts the runner.
func (r *Runner) Switch(ctx context.Context, s Scenario) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	if err := r.stopLocked(); err != nil {
		r.log.Warn("scenario: release failed", "error", err)
	}

	if err := s.Init(ctx, r.arena); err != nil {
		err = fmt.Errorf("scenario: init %s: %w", s.Name(), err)
		r.halt(err)
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.current, r.cancel, r.done = s, cancel, done
	r.log.Info("scenario: entered", "name", s.Name())

	go func() {
		defer close(done)
		if err := s.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			r.halt(fmt.Errorf("scenario: run %s: %w", s.Name(), err))
		}
	}()
	return nil
}

func (r *Runner) stopLocked() error {
	if r.current == nil {
		return nil
	}
	s := r.current
	r.cancel()
	<-r.done
	r.current, r.cancel, r.done = nil, nil, nil
	r.log.Info("scenario: exiting", "name", s.Name())
	return s.Release()
}

// Close stops and releases the active scenario.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked()
}
