package scenario

import (
	"context"
	"strings"
	"sync"
)

// Bits is a set of status indicator bits.
type Bits uint32

const (
	// Unlocked is held while the relay output is on.
	Unlocked Bits = 1 << iota
	// WordEvent pulses when a word was recognized.
	WordEvent
	// GoodEvent pulses on a positive outcome.
	GoodEvent
	// BadEvent pulses on a negative outcome.
	BadEvent
	// Halted is held after a scenario failed to initialize.
	Halted
	// Suspended is held while the relay waits for its wake word.
	Suspended
)

// EventBits are the pulse bits a status display consumes.
const EventBits = WordEvent | GoodEvent | BadEvent

var bitNames = []struct {
	bit  Bits
	name string
}{
	{Unlocked, "unlocked"},
	{WordEvent, "word"},
	{GoodEvent, "good"},
	{BadEvent, "bad"},
	{Halted, "halted"},
	{Suspended, "suspended"},
}

// String returns the set bits joined by "|", or "none".
func (b Bits) String() string {
	var names []string
	for _, n := range bitNames {
		if b&n.bit != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// Status is the shared status indicator. The zero value is not usable; use
// NewStatus.
type Status struct {
	mu      sync.Mutex
	bits    Bits
	changed chan struct{}
}

// NewStatus returns a Status with no bits set.
func NewStatus() *Status {
	return &Status{changed: make(chan struct{})}
}

func (s *Status) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// Set sets mask.
func (s *Status) Set(mask Bits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bits&mask != mask {
		s.bits |= mask
		s.notifyLocked()
	}
}

// Clear clears mask.
func (s *Status) Clear(mask Bits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bits&mask != 0 {
		s.bits &^= mask
		s.notifyLocked()
	}
}

// Has reports whether any bit of mask is set.
func (s *Status) Has(mask Bits) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits&mask != 0
}

// Bits returns the current bits.
func (s *Status) Bits() Bits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bits
}

// Changed returns a channel closed on the next change.
func (s *Status) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Take clears and returns the set bits of mask.
func (s *Status) Take(mask Bits) Bits {
	s.mu.Lock()
	defer s.mu.Unlock()
	got := s.bits & mask
	if got != 0 {
		s.bits &^= got
		s.notifyLocked()
	}
	return got
}

// Wait blocks until any bit of mask is set and returns all current bits.
func (s *Status) Wait(ctx context.Context, mask Bits) (Bits, error) {
	for {
		s.mu.Lock()
		bits, ch := s.bits, s.changed
		s.mu.Unlock()
		if bits&mask != 0 {
			return bits, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return bits, ctx.Err()
		}
	}
}

func (s *Status) String() string { return s.Bits().String() }
