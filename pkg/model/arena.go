package model

import (
	"fmt"
	"sync"
)

// DefaultArenaSize is the scratch region size in bytes.
const DefaultArenaSize = 108 << 10

// Arena is the single shared scratch region that a resident model context
// works in. At most one Lease exists at a time; a second Acquire fails
// with ErrArenaInUse instead of waiting, since two scenarios trying to run
// at once is a wiring bug.
type Arena struct {
	scratch []float32

	mu    sync.Mutex
	owner string
	lease *Lease
}

// NewArena allocates an arena of size bytes. A non-positive size uses
// DefaultArenaSize.
func NewArena(size int) *Arena {
	if size <= 0 {
		size = DefaultArenaSize
	}
	return &Arena{scratch: make([]float32, size/4)}
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.scratch) * 4 }

// Acquire takes exclusive ownership of the arena on behalf of owner.
func (a *Arena) Acquire(owner string) (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease != nil {
		return nil, fmt.Errorf("%w: held by %q, requested by %q", ErrArenaInUse, a.owner, owner)
	}
	clear(a.scratch)
	a.owner = owner
	a.lease = &Lease{arena: a, owner: owner}
	return a.lease, nil
}

// Holder returns the current owner, if any.
func (a *Arena) Holder() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner, a.lease != nil
}

// With acquires the arena, runs fn, and releases the arena on every path.
func (a *Arena) With(owner string, fn func(*Lease) error) error {
	l, err := a.Acquire(owner)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn(l)
}

func (a *Arena) release(l *Lease) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lease == l {
		a.lease = nil
		a.owner = ""
	}
}

// Lease is exclusive ownership of an Arena.
type Lease struct {
	arena *Arena
	owner string
	once  sync.Once
}

// Owner returns the name passed to Acquire.
func (l *Lease) Owner() string { return l.owner }

// Scratch returns the arena memory as float32 words. It must not be used
// after Release.
func (l *Lease) Scratch() []float32 { return l.arena.scratch }

// Release gives the arena back. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() { l.arena.release(l) })
}
