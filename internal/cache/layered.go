package cache

import (
	"context"
)

// Layered consults a fast store before a slow one and back-fills the fast
// store on slow hits.
type Layered struct {
	fast Store
	slow Store
}

// NewLayered stacks fast over slow.
func NewLayered(fast, slow Store) *Layered {
	return &Layered{fast: fast, slow: slow}
}

// Get implements Store. Corruption in the slow layer is reported as a miss.
func (l *Layered) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if v, ok, err := l.fast.Get(ctx, key); ok && err == nil {
		return v, true, nil
	}
	v, ok, err := l.slow.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = l.fast.Put(ctx, key, v)
	return v, true, nil
}

// Clear empties both layers.
func (l *Layered) Clear() error {
	if err := Clear(l.fast); err != nil {
		return err
	}
	return Clear(l.slow)
}

// Put implements Store by writing through both layers.
func (l *Layered) Put(ctx context.Context, key string, value []byte) error {
	if err := l.fast.Put(ctx, key, value); err != nil {
		return err
	}
	return l.slow.Put(ctx, key, value)
}
