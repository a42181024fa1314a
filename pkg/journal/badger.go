package journal

import (
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
)

// Options configures an on-disk journal.
type Options struct {
	// Dir holds the BadgerDB files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without persistence.
	InMemory bool
	Logger   *slog.Logger
}

type badgerBackend struct {
	db *badger.DB
}

// Open opens or creates a BadgerDB journal.
func Open(opts Options) (*Journal, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("journal: Options.Dir is required for on-disk mode")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).
		WithLogger(badgerLogger{log.With("component", "badger")})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", opts.Dir, err)
	}
	return newJournal(&badgerBackend{db: db}, log)
}

func (b *badgerBackend) get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *badgerBackend) put(entries []entry) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Set(e.key, e.val); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *badgerBackend) del(keys [][]byte) error {
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *badgerBackend) scan(prefix, from []byte, fn func(key, val []byte) bool) error {
	return b.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Seek(from); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !fn(item.KeyCopy(nil), val) {
				return nil
			}
		}
		return nil
	})
}

func (b *badgerBackend) close() error { return b.db.Close() }

// badgerLogger routes badger's own logging to slog. Info and debug chatter
// is demoted to debug.
type badgerLogger struct{ log *slog.Logger }

func (l badgerLogger) Errorf(f string, v ...any)   { l.log.Error(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Warningf(f string, v ...any) { l.log.Warn(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Infof(f string, v ...any)    { l.log.Debug(fmt.Sprintf(f, v...)) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.log.Debug(fmt.Sprintf(f, v...)) }
