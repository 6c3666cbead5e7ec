package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/shogotsuneto/go-simple-mirror"
)

// Compile-time interface compliance check
var _ mirror.CursorBackend = (*Backend)(nil)

// Backend is a map-backed CursorBackend.
// This implementation is suitable for testing and single-run deployments.
type Backend struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewBackend creates an empty in-memory cursor backend.
func NewBackend() *Backend {
	return &Backend{data: make(map[string]string)}
}

// Get returns the value stored under key.
func (b *Backend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok, nil
}

// Put stores offset under key.
func (b *Backend) Put(ctx context.Context, key, offset string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = offset
	return nil
}

// Delete removes key.
func (b *Backend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (b *Backend) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.data {
		if strings.HasPrefix(k, prefix) {
			delete(b.data, k)
		}
	}
	return nil
}
