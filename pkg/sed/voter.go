package sed

import (
	"context"

	"github.com/Grovety/lilygo-s3-apps/pkg/buffer"
	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// Vote is the outcome of adding one classification to a Voter.
type Vote int

const (
	VoteNone Vote = iota
	// VoteActivated means every classification in the window hit the target.
	VoteActivated
	// VoteCleared means none did, after an activation.
	VoteCleared
)

func (v Vote) String() string {
	switch v {
	case VoteActivated:
		return "activated"
	case VoteCleared:
		return "cleared"
	default:
		return "none"
	}
}

// Voter debounces per-window classifications. It activates when the last
// Window categories all equal Target and clears once none of them do.
//
// A Voter is not safe for concurrent use.
type Voter struct {
	target    int
	hits      []bool
	num       int
	counter   int
	triggered bool
}

// NewVoter returns a Voter over the last window classifications.
func NewVoter(cfg VoteConfig) *Voter {
	return &Voter{target: cfg.Target, hits: make([]bool, max(cfg.Window, 1))}
}

// Add records category cat.
func (v *Voter) Add(cat int) Vote {
	i := v.counter % len(v.hits)
	v.counter++
	hit := cat == v.target
	if v.hits[i] {
		v.num--
	}
	if hit {
		v.num++
	}
	v.hits[i] = hit

	switch {
	case !v.triggered && v.num == len(v.hits):
		v.triggered = true
		return VoteActivated
	case v.triggered && v.num == 0:
		v.triggered = false
		return VoteCleared
	}
	return VoteNone
}

// Triggered reports whether the voter is between an activation and a clear.
func (v *Voter) Triggered() bool { return v.triggered }

// Hits returns the number of target hits in the window.
func (v *Voter) Hits() int { return v.num }

// Reset forgets all votes.
func (v *Voter) Reset() {
	clear(v.hits)
	v.num, v.counter, v.triggered = 0, 0, false
}

// Indicator is the single-slot, peekable event indicator. The pipeline
// raises it on activation; application logic peeks it while reacting and
// acknowledges it when done. An activation while it is raised is dropped.
type Indicator struct {
	q *buffer.Queue[model.Result]
}

func newIndicator() *Indicator {
	return &Indicator{q: buffer.NewQueue[model.Result](1)}
}

func (i *Indicator) raise(r model.Result) bool { return i.q.Offer(r) }

// Peek returns the raised event without acknowledging it.
func (i *Indicator) Peek() (model.Result, bool) { return i.q.Peek() }

// Acknowledge lowers the indicator and returns the event it held.
func (i *Indicator) Acknowledge() (model.Result, bool) { return i.q.TryTake() }

// Changed returns a channel closed on the next raise or acknowledge.
func (i *Indicator) Changed() <-chan struct{} { return i.q.Changed() }

// Wait blocks until the indicator is raised or ctx is done. It does not
// acknowledge.
func (i *Indicator) Wait(ctx context.Context) (model.Result, error) {
	for {
		ch := i.q.Changed()
		if r, ok := i.q.Peek(); ok {
			return r, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return model.Result{}, ctx.Err()
		}
	}
}
