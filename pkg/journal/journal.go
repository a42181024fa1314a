// Package journal keeps a durable log of recognized words and detected
// sound events.
//
// Events are encoded with msgpack and stored under time-ordered keys, so a
// listing from a point in time is a single prefix scan. Two backends are
// provided: BadgerDB for on-disk journals and a sorted in-memory map for
// tests and throwaway runs.
package journal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Grovety/lilygo-s3-apps/pkg/model"
)

// ErrNotFound is returned by Get for an unknown event.
var ErrNotFound = errors.New("journal: not found")

// Event is one journal record.
type Event struct {
	ID       uuid.UUID `msgpack:"id" json:"id" yaml:"id"`
	Session  uuid.UUID `msgpack:"session" json:"session" yaml:"session"`
	Scenario string    `msgpack:"scenario" json:"scenario" yaml:"scenario"`
	Label    string    `msgpack:"label" json:"label" yaml:"label"`
	Category int       `msgpack:"category" json:"category" yaml:"category"`
	Score    float32   `msgpack:"score" json:"score" yaml:"score"`
	At       time.Time `msgpack:"at" json:"at" yaml:"at"`
}

// entry is a raw key-value pair of a backend.
type entry struct {
	key, val []byte
}

// backend is the byte-level store underneath a Journal.
type backend interface {
	get(key []byte) ([]byte, error)
	put(entries []entry) error
	del(keys [][]byte) error
	// scan visits keys under prefix that sort at or after from, in order.
	scan(prefix, from []byte, fn func(key, val []byte) bool) error
	close() error
}

const eventPrefix = "ev:"

// eventKey sorts by time, then by id.
func eventKey(at time.Time, id uuid.UUID) []byte {
	return fmt.Appendf(nil, "%s%020d:%s", eventPrefix, at.UnixNano(), id)
}

func timeKey(at time.Time) []byte {
	if at.IsZero() || at.UnixNano() < 0 {
		return []byte(eventPrefix)
	}
	return fmt.Appendf(nil, "%s%020d:", eventPrefix, at.UnixNano())
}

func idKey(id uuid.UUID) []byte { return []byte("id:" + id.String()) }

// Journal is an append-only event log. It is safe for concurrent use.
type Journal struct {
	b       backend
	session uuid.UUID
	log     *slog.Logger
	now     func() time.Time
}

func newJournal(b backend, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := uuid.NewV7()
	if err != nil {
		b.close()
		return nil, fmt.Errorf("journal: session id: %w", err)
	}
	return &Journal{b: b, session: session, log: log.With("component", "journal"), now: time.Now}, nil
}

// Session returns the id stamped on events appended through this Journal.
func (j *Journal) Session() uuid.UUID { return j.session }

// Append stores e. A zero ID, Session or At is filled in. The stored event
// is returned.
func (j *Journal) Append(_ context.Context, e Event) (Event, error) {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return Event{}, fmt.Errorf("journal: event id: %w", err)
		}
		e.ID = id
	}
	if e.Session == uuid.Nil {
		e.Session = j.session
	}
	if e.At.IsZero() {
		e.At = j.now()
	}
	e.At = e.At.UTC()
	val, err := msgpack.Marshal(&e)
	if err != nil {
		return Event{}, fmt.Errorf("journal: encode: %w", err)
	}
	key := eventKey(e.At, e.ID)
	if err := j.b.put([]entry{{key, val}, {idKey(e.ID), key}}); err != nil {
		return Event{}, fmt.Errorf("journal: append: %w", err)
	}
	j.log.Debug("journal: appended", "id", e.ID, "label", e.Label)
	return e, nil
}

// Record appends a classification result from scenario.
func (j *Journal) Record(ctx context.Context, scenario string, r model.Result) (Event, error) {
	return j.Append(ctx, Event{
		Scenario: scenario,
		Label:    r.Label,
		Category: r.Category,
		Score:    r.Score,
	})
}

// Get returns the event with id.
func (j *Journal) Get(_ context.Context, id uuid.UUID) (Event, error) {
	key, err := j.b.get(idKey(id))
	if err != nil {
		return Event{}, err
	}
	val, err := j.b.get(key)
	if err != nil {
		return Event{}, err
	}
	var e Event
	if err := msgpack.Unmarshal(val, &e); err != nil {
		return Event{}, fmt.Errorf("journal: decode %s: %w", id, err)
	}
	return e, nil
}

// List yields events at or after since in time order. A zero since lists
// everything.
func (j *Journal) List(ctx context.Context, since time.Time) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		stopped := false
		err := j.b.scan([]byte(eventPrefix), timeKey(since), func(_, val []byte) bool {
			if ctx.Err() != nil {
				return false
			}
			var e Event
			if err := msgpack.Unmarshal(val, &e); err != nil {
				stopped = !yield(Event{}, fmt.Errorf("journal: decode: %w", err))
				return !stopped
			}
			stopped = !yield(e, nil)
			return !stopped
		})
		if stopped {
			return
		}
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			yield(Event{}, err)
		}
	}
}

// Prune deletes events older than before and returns how many it removed.
func (j *Journal) Prune(ctx context.Context, before time.Time) (int, error) {
	var keys [][]byte
	n := 0
	end := string(timeKey(before))
	err := j.b.scan([]byte(eventPrefix), []byte(eventPrefix), func(key, val []byte) bool {
		if string(key) >= end {
			return false
		}
		var e Event
		if msgpack.Unmarshal(val, &e) == nil {
			keys = append(keys, idKey(e.ID))
		}
		keys = append(keys, key)
		n++
		return ctx.Err() == nil
	})
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := j.b.del(keys); err != nil {
		return 0, fmt.Errorf("journal: prune: %w", err)
	}
	j.log.Info("journal: pruned", "events", n, "before", before)
	return n, nil
}

// Close releases the backend.
func (j *Journal) Close() error { return j.b.close() }
