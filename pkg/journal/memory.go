package journal

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory returns a journal that lives in memory only.
func NewMemory(log *slog.Logger) *Journal {
	j, err := newJournal(&memoryBackend{data: make(map[string][]byte)}, log)
	if err != nil {
		// uuid.NewV7 only fails when the system random source does
		panic(err)
	}
	return j
}

func (m *memoryBackend) get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (m *memoryBackend) put(entries []entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data[string(e.key)] = bytes.Clone(e.val)
	}
	return nil
}

func (m *memoryBackend) del(keys [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, string(k))
	}
	return nil
}

func (m *memoryBackend) scan(prefix, from []byte, fn func(key, val []byte) bool) error {
	// snapshot under the read lock so fn may call back into the journal
	m.mu.RLock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, string(prefix)) && k >= string(from) {
			keys = append(keys, k)
		}
	}
	vals := make(map[string][]byte, len(keys))
	for _, k := range keys {
		vals[k] = bytes.Clone(m.data[k])
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	for _, k := range keys {
		if !fn([]byte(k), vals[k]) {
			return nil
		}
	}
	return nil
}

func (m *memoryBackend) close() error { return nil }
