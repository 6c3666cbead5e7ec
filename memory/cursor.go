package memory

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/shogotsuneto/go-simple-mirror"
)

// DefaultNamespace prefixes persisted cursor keys.
const DefaultNamespace = "mirror"

// Compile-time interface compliance check
var _ mirror.CursorStore = (*CursorStore)(nil)

// CursorStore keeps per-topic cursors in memory and mirrors them to an optional
// durable backend. The in-memory copy is authoritative; durable writes are
// best-effort and failures are only logged.
type CursorStore struct {
	mu        sync.RWMutex
	cursors   map[string]string
	namespace string
	backend   mirror.CursorBackend
	logger    *slog.Logger

	// writeMu serializes durable writes so a stale write never lands last
	writeMu sync.Mutex
}

// CursorOption configures a CursorStore.
type CursorOption func(*CursorStore)

// WithBackend mirrors cursors to a durable backend.
func WithBackend(backend mirror.CursorBackend) CursorOption {
	return func(s *CursorStore) { s.backend = backend }
}

// WithNamespace sets the key namespace used for the backend.
func WithNamespace(namespace string) CursorOption {
	return func(s *CursorStore) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CursorOption {
	return func(s *CursorStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewCursorStore creates a cursor store.
func NewCursorStore(opts ...CursorOption) *CursorStore {
	s := &CursorStore{
		cursors:   make(map[string]string),
		namespace: DefaultNamespace,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "cursor_store")
	return s
}

// Load returns the cursor for a topic, reading through to the backend on a miss.
func (s *CursorStore) Load(ctx context.Context, topicID string) (string, bool, error) {
	s.mu.RLock()
	offset, ok := s.cursors[topicID]
	s.mu.RUnlock()
	if ok || s.backend == nil {
		return offset, ok, nil
	}

	stored, found, err := s.backend.Get(ctx, mirror.CursorKey(s.namespace, topicID))
	if err != nil {
		return "", false, fmt.Errorf("failed to load cursor for %s: %w", topicID, err)
	}
	if !found {
		return "", false, nil
	}
	if _, valid := mirror.ParseOffset(stored); !valid {
		s.logger.Warn("ignoring malformed persisted cursor", "topic", topicID, "offset", stored)
		return "", false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// a concurrent Save may have raced ahead of the backend read
	if current, ok := s.cursors[topicID]; ok && mirror.CompareOffsets(current, stored) >= 0 {
		return current, true, nil
	}
	s.cursors[topicID] = stored
	return stored, true, nil
}

// Save advances the cursor for a topic. Offsets lower than the stored one are
// ignored so out-of-order completions never regress progress.
func (s *CursorStore) Save(ctx context.Context, topicID, offset string) error {
	if _, ok := mirror.ParseOffset(offset); !ok {
		return fmt.Errorf("%w: %q", mirror.ErrInvalidOffset, offset)
	}

	s.mu.Lock()
	current, exists := s.cursors[topicID]
	if exists {
		switch cmp := mirror.CompareOffsets(offset, current); {
		case cmp < 0:
			s.mu.Unlock()
			s.logger.Warn("ignoring cursor regression", "topic", topicID, "offset", offset, "current", current)
			return nil
		case cmp == 0:
			s.mu.Unlock()
			return nil
		}
	}
	s.cursors[topicID] = offset
	s.mu.Unlock()

	s.persist(ctx, topicID)
	return nil
}

func (s *CursorStore) persist(ctx context.Context, topicID string) {
	if s.backend == nil {
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	latest, ok := s.cursors[topicID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	if err := s.backend.Put(ctx, mirror.CursorKey(s.namespace, topicID), latest); err != nil {
		s.logger.Warn("durable cursor write failed", "topic", topicID, "offset", latest, "error", err)
	}
}

// Clear removes the cursor for a topic so the next start re-backfills it.
func (s *CursorStore) Clear(ctx context.Context, topicID string) error {
	s.mu.Lock()
	delete(s.cursors, topicID)
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.backend.Delete(ctx, mirror.CursorKey(s.namespace, topicID)); err != nil {
		return fmt.Errorf("failed to clear cursor for %s: %w", topicID, err)
	}
	return nil
}

// ClearAll removes every cursor in this store's namespace.
func (s *CursorStore) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	s.cursors = make(map[string]string)
	s.mu.Unlock()

	if s.backend == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.backend.DeletePrefix(ctx, s.namespace+":"); err != nil {
		return fmt.Errorf("failed to clear cursors: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the in-memory cursors keyed by topic.
func (s *CursorStore) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.cursors)
}
