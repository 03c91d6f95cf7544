package cache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	perrors "github.com/conneroisu/assetpipe/internal/errors"
)

// diskMagic prefixes every entry; the sha256 of the payload follows it.
var diskMagic = []byte("APC1")

// Disk persists entries under a directory, one file per key, so transform
// results survive between runs.
type Disk struct {
	dir   string
	locks keyLocks
	stats counters
}

// NewDisk creates the cache directory if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, perrors.NewIOError(dir, "cannot create cache directory", err)
	}
	return &Disk{dir: dir}, nil
}

// Dir returns the cache directory.
func (d *Disk) Dir() string { return d.dir }

func (d *Disk) path(key string) string {
	if len(key) < 3 {
		return filepath.Join(d.dir, "_", key)
	}
	return filepath.Join(d.dir, key[:2], key)
}

// Get implements Store.
func (d *Disk) Get(_ context.Context, key string) ([]byte, bool, error) {
	raw, err := os.ReadFile(d.path(key))
	if err != nil {
		atomic.AddInt64(&d.stats.misses, 1)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, perrors.NewIOError(d.path(key), "cannot read cache entry", err)
	}

	payload, err := decode(raw)
	if err != nil {
		atomic.AddInt64(&d.stats.misses, 1)
		atomic.AddInt64(&d.stats.corrupted, 1)
		return nil, false, perrors.NewCacheCorruption(key, err)
	}
	atomic.AddInt64(&d.stats.hits, 1)
	return payload, true, nil
}

// Put implements Store. Entries are written to a temporary file and renamed
// into place so readers never see a partial entry.
func (d *Disk) Put(_ context.Context, key string, value []byte) error {
	unlock := d.locks.lock(key)
	defer unlock()

	target := d.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return perrors.NewIOError(target, "cannot create cache directory", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return perrors.NewIOError(target, "cannot create cache entry", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encode(value)); err != nil {
		tmp.Close()
		return perrors.NewIOError(target, "cannot write cache entry", err)
	}
	if err := tmp.Close(); err != nil {
		return perrors.NewIOError(target, "cannot write cache entry", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return perrors.NewIOError(target, "cannot commit cache entry", err)
	}
	atomic.AddInt64(&d.stats.puts, 1)
	return nil
}

// Clear removes every entry.
func (d *Disk) Clear() error {
	if err := os.RemoveAll(d.dir); err != nil {
		return err
	}
	return os.MkdirAll(d.dir, 0o755)
}

// Stats returns a snapshot of the counters.
func (d *Disk) Stats() Stats { return d.stats.snapshot() }

func encode(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	out := make([]byte, 0, len(diskMagic)+len(sum)+len(payload))
	out = append(out, diskMagic...)
	out = append(out, sum[:]...)
	return append(out, payload...)
}

func decode(raw []byte) ([]byte, error) {
	header := len(diskMagic) + sha256.Size
	if len(raw) < header {
		return nil, fmt.Errorf("entry truncated to %d bytes", len(raw))
	}
	if !bytes.Equal(raw[:len(diskMagic)], diskMagic) {
		return nil, fmt.Errorf("bad entry header")
	}
	payload := raw[header:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:], raw[len(diskMagic):header]) {
		return nil, fmt.Errorf("checksum mismatch")
	}
	return payload, nil
}
