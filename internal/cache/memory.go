package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Memory is a bounded in-process LRU store.
type Memory struct {
	entries *lru.Cache[string, []byte]
	locks   keyLocks
	stats   counters
}

// NewMemory creates a memory store holding at most size entries.
func NewMemory(size int) (*Memory, error) {
	if size <= 0 {
		size = 1024
	}
	entries, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries}, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := m.entries.Get(key)
	if !ok {
		atomic.AddInt64(&m.stats.misses, 1)
		return nil, false, nil
	}
	atomic.AddInt64(&m.stats.hits, 1)
	return v, true, nil
}

// Put implements Store. The value is copied so callers may reuse their buffer.
func (m *Memory) Put(_ context.Context, key string, value []byte) error {
	unlock := m.locks.lock(key)
	defer unlock()

	m.entries.Add(key, append([]byte(nil), value...))
	atomic.AddInt64(&m.stats.puts, 1)
	return nil
}

// Len returns the number of entries.
func (m *Memory) Len() int { return m.entries.Len() }

// Clear drops every entry.
func (m *Memory) Clear() error {
	m.entries.Purge()
	return nil
}

// Stats returns a snapshot of the counters.
func (m *Memory) Stats() Stats { return m.stats.snapshot() }
