// Package cache provides the content-addressed stores consulted by the
// transform executor.
//
// A Store maps a key derived from (source hash, stage, stage configuration,
// mode) to the bytes a stage produced. Stores allow concurrent reads and
// serialise writes per key. A hit must be indistinguishable from a fresh
// computation, so entries that fail validation are reported as a miss
// together with a cache corruption error and are overwritten on the next Put.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// Store is the cache capability handed to the transform executor.
type Store interface {
	// Get returns the entry for key. A corrupt entry is returned as a miss
	// with a non-nil error; callers recompute and Put again.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key. Concurrent puts of the same key are
	// serialised; identical values make the race harmless.
	Put(ctx context.Context, key string, value []byte) error
}

// Key derives a cache key from its parts.
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Stats counts store traffic.
type Stats struct {
	Hits      int64
	Misses    int64
	Puts      int64
	Corrupted int64
}

type counters struct {
	hits      int64
	misses    int64
	puts      int64
	corrupted int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Puts:      atomic.LoadInt64(&c.puts),
		Corrupted: atomic.LoadInt64(&c.corrupted),
	}
}

// keyLocks serialises writers per key with a fixed set of stripes.
type keyLocks struct {
	stripes [64]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	h := fnv.New32a()
	h.Write([]byte(key))
	m := &k.stripes[h.Sum32()%uint32(len(k.stripes))]
	m.Lock()
	return m.Unlock
}

// Clearer is a store that can drop every entry.
type Clearer interface {
	Clear() error
}

// Clear empties s when it supports clearing and is a no-op otherwise.
func Clear(s Store) error {
	if c, ok := s.(Clearer); ok {
		return c.Clear()
	}
	return nil
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Put(context.Context, string, []byte) error         { return nil }
