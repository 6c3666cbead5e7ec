package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shogotsuneto/go-simple-mirror"
)

func TestCursorStore_SaveNeverRegresses(t *testing.T) {
	ctx := context.Background()
	store := NewCursorStore()

	require.NoError(t, store.Save(ctx, "0.0.1", "200.5"))
	require.NoError(t, store.Save(ctx, "0.0.1", "100.0"))

	offset, ok, err := store.Load(ctx, "0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "200.5", offset)

	require.NoError(t, store.Save(ctx, "0.0.1", "200.6"))
	offset, _, _ = store.Load(ctx, "0.0.1")
	assert.Equal(t, "200.6", offset)
}

func TestCursorStore_RejectsInvalidOffset(t *testing.T) {
	store := NewCursorStore()
	err := store.Save(context.Background(), "0.0.1", "not-a-time")
	assert.ErrorIs(t, err, mirror.ErrInvalidOffset)

	_, ok, err := store.Load(context.Background(), "0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCursorStore_WritesThroughToBackend(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	store := NewCursorStore(WithBackend(backend), WithNamespace("test"))

	require.NoError(t, store.Save(ctx, "0.0.7", "10.0"))

	stored, ok, err := backend.Get(ctx, "test:0.0.7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0", stored)

	// a fresh store reads through to the durable copy
	restarted := NewCursorStore(WithBackend(backend), WithNamespace("test"))
	offset, ok, err := restarted.Load(ctx, "0.0.7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0", offset)
	assert.Equal(t, map[string]string{"0.0.7": "10.0"}, restarted.Snapshot())
}

func TestCursorStore_IgnoresMalformedPersistedCursor(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	require.NoError(t, backend.Put(ctx, "mirror:0.0.7", "garbage"))

	store := NewCursorStore(WithBackend(backend))
	_, ok, err := store.Load(ctx, "0.0.7")
	require.NoError(t, err)
	assert.False(t, ok)
}

type failingBackend struct {
	*Backend
	failPut bool
	failGet bool
}

func (f *failingBackend) Put(ctx context.Context, key, offset string) error {
	if f.failPut {
		return errors.New("disk full")
	}
	return f.Backend.Put(ctx, key, offset)
}

func (f *failingBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if f.failGet {
		return "", false, errors.New("unreachable")
	}
	return f.Backend.Get(ctx, key)
}

func TestCursorStore_DurableWriteFailureIsBestEffort(t *testing.T) {
	ctx := context.Background()
	store := NewCursorStore(WithBackend(&failingBackend{Backend: NewBackend(), failPut: true}))

	require.NoError(t, store.Save(ctx, "0.0.1", "5.0"))
	offset, ok, err := store.Load(ctx, "0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5.0", offset)
}

func TestCursorStore_LoadBackendError(t *testing.T) {
	store := NewCursorStore(WithBackend(&failingBackend{Backend: NewBackend(), failGet: true}))
	_, _, err := store.Load(context.Background(), "0.0.1")
	assert.Error(t, err)
}

func TestCursorStore_ClearAndClearAll(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	require.NoError(t, backend.Put(ctx, "other:0.0.1", "1.0"))
	store := NewCursorStore(WithBackend(backend))

	require.NoError(t, store.Save(ctx, "0.0.1", "1.0"))
	require.NoError(t, store.Save(ctx, "0.0.2", "2.0"))

	require.NoError(t, store.Clear(ctx, "0.0.1"))
	_, ok, _ := store.Load(ctx, "0.0.1")
	assert.False(t, ok)

	// a cleared cursor may move backwards again
	require.NoError(t, store.Save(ctx, "0.0.1", "0.5"))
	offset, _, _ := store.Load(ctx, "0.0.1")
	assert.Equal(t, "0.5", offset)

	require.NoError(t, store.ClearAll(ctx))
	assert.Empty(t, store.Snapshot())
	_, ok, _ = backend.Get(ctx, "mirror:0.0.2")
	assert.False(t, ok)
	_, ok, _ = backend.Get(ctx, "other:0.0.1")
	assert.True(t, ok, "other namespaces are untouched")
}

func TestCursorStore_ConcurrentSavesKeepMaximum(t *testing.T) {
	ctx := context.Background()
	backend := NewBackend()
	store := NewCursorStore(WithBackend(backend))

	var wg sync.WaitGroup
	for i := 1; i <= 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = store.Save(ctx, "0.0.1", fmt.Sprintf("%d.0", i))
		}(i)
	}
	wg.Wait()

	offset, _, _ := store.Load(ctx, "0.0.1")
	assert.Equal(t, "200.0", offset)
	durable, _, _ := backend.Get(ctx, "mirror:0.0.1")
	assert.Equal(t, "200.0", durable)
}
