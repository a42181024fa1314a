package scenario

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// RelayState is a state of the voice relay.
type RelayState int

const (
	// RelaySuspended waits for the wake word with the relay off.
	RelaySuspended RelayState = iota
	// RelayMain holds the relay on until the stop word, a touch or the
	// suspend timeout.
	RelayMain
)

func (s RelayState) String() string {
	switch s {
	case RelaySuspended:
		return "suspended"
	case RelayMain:
		return "main"
	default:
		return "unknown"
	}
}

// Trigger is what drives a relay transition.
type Trigger int

const (
	TriggerNone Trigger = iota
	// TriggerWake is the wake word.
	TriggerWake
	// TriggerStop is the stop word.
	TriggerStop
	// TriggerWord is any other recognized word.
	TriggerWord
	TriggerTouch
	TriggerTimeout
)

func (t Trigger) String() string {
	switch t {
	case TriggerWake:
		return "wake"
	case TriggerStop:
		return "stop"
	case TriggerWord:
		return "word"
	case TriggerTouch:
		return "touch"
	case TriggerTimeout:
		return "timeout"
	default:
		return "none"
	}
}

type edge struct {
	from RelayState
	on   Trigger
}

// relayTransitions is the complete relay transition table. Anything not
// listed keeps the state and re-arms the word request.
var relayTransitions = map[edge]RelayState{
	{RelaySuspended, TriggerWake}:  RelayMain,
	{RelaySuspended, TriggerTouch}: RelayMain,
	{RelayMain, TriggerStop}:       RelaySuspended,
	{RelayMain, TriggerTouch}:      RelaySuspended,
	{RelayMain, TriggerTimeout}:    RelaySuspended,
}

// Next returns the state after trigger t in state s, and whether it changed.
func Next(s RelayState, t Trigger) (RelayState, bool) {
	to, ok := relayTransitions[edge{s, t}]
	if !ok {
		return s, false
	}
	return to, true
}

// WordSource is the keyword pipeline as the relay sees it.
type WordSource interface {
	RequestWords(n int) error
	Cancel()
	Results() *buffer.Queue[model.Result]
	Words() <-chan struct{}
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	// WakeWord and StopWord are label names; defaults "robot" and "stop".
	WakeWord string
	StopWord string
	// SuspendAfter returns to Suspended after this long in Main; zero means
	// never.
	SuspendAfter time.Duration
	// ResultTimeout bounds the wait for a result after a word signal.
	ResultTimeout time.Duration

	Logger *slog.Logger
	// OnTransition, when set, is called after each transition.
	OnTransition func(from, to RelayState, on Trigger)
	// OnWord, when set, is called for every recognized word.
	OnWord func(model.Result)
}

// Relay is the voice-controlled relay state machine.
type Relay struct {
	words  WordSource
	status *Status
	opts   RelayOptions
	log    *slog.Logger

	touch chan struct{}
	timer *time.Timer

	mu  sync.Mutex
	cur RelayState
}

// NewRelay returns a Relay driving words and status.
func NewRelay(words WordSource, status *Status, opts RelayOptions) *Relay {
	if opts.WakeWord == "" {
		opts.WakeWord = "robot"
	}
	if opts.StopWord == "" {
		opts.StopWord = "stop"
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		words:  words,
		status: status,
		opts:   opts,
		log:    log.With("component", "relay"),
		touch:  make(chan struct{}, 1),
	}
}

// Touch delivers a touch event. Touches arriving faster than the relay
// handles them are merged.
func (r *Relay) Touch() {
	select {
	case r.touch <- struct{}{}:
	default:
	}
}

// State returns the current state.
func (r *Relay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur
}

func (r *Relay) setState(s RelayState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cur = s
}

// Run enters Suspended and handles events until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.timer = time.NewTimer(time.Hour)
	r.timer.Stop()
	r.enter(RelaySuspended)
	defer func() {
		r.words.Cancel()
		r.exit(r.cur)
	}()

	for {
		var on Trigger
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.touch:
			on = TriggerTouch
		case <-r.timer.C:
			on = TriggerTimeout
		case <-r.words.Words():
			on = r.word()
		}
		r.handle(on)
	}
}

// word classifies the pending result.
func (r *Relay) word() Trigger {
	res, ok := r.words.Results().TakeTimeout(r.opts.ResultTimeout)
	if !ok {
		r.log.Warn("relay: word signalled without a result")
		return TriggerNone
	}
	r.status.Set(WordEvent)
	if r.opts.OnWord != nil {
		r.opts.OnWord(res)
	}
	switch res.Label {
	case r.opts.WakeWord:
		return TriggerWake
	case r.opts.StopWord:
		return TriggerStop
	}
	return TriggerWord
}

func (r *Relay) handle(on Trigger) {
	from := r.cur
	to, ok := Next(from, on)
	if !ok {
		// the request was spent on a word that changed nothing
		if on != TriggerTouch && on != TriggerTimeout {
			r.request()
		}
		return
	}
	if on == TriggerTouch || on == TriggerTimeout {
		r.words.Cancel()
	}
	r.exit(from)
	r.enter(to)
	r.log.Info("relay: transition", "from", from, "to", to, "on", on)
	if r.opts.OnTransition != nil {
		r.opts.OnTransition(from, to, on)
	}
}

func (r *Relay) request() {
	if err := r.words.RequestWords(1); err != nil {
		r.log.Warn("relay: word request failed", "error", err)
	}
}

func (r *Relay) enter(s RelayState) {
	r.setState(s)
	switch s {
	case RelaySuspended:
		r.status.Set(Suspended)
	case RelayMain:
		r.status.Set(Unlocked)
		if r.opts.SuspendAfter > 0 {
			r.timer.Reset(r.opts.SuspendAfter)
		}
	}
	r.request()
}

func (r *Relay) exit(s RelayState) {
	switch s {
	case RelaySuspended:
		r.status.Clear(Suspended)
	case RelayMain:
		r.status.Clear(Unlocked)
		r.timer.Stop()
	}
}
