package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/config"
	"github.com/shogotsuneto/go-simple-mirror/kafkasink"
	"github.com/shogotsuneto/go-simple-mirror/memory"
	"github.com/shogotsuneto/go-simple-mirror/postgres"
	"github.com/shogotsuneto/go-simple-mirror/redis"
	"github.com/shogotsuneto/go-simple-mirror/sqlite"
)

// closers runs cleanup functions in reverse order of registration.
type closers []func() error

func (c *closers) add(fn func() error) {
	*c = append(*c, fn)
}

func (c closers) close(logger *slog.Logger) {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			logger.Warn("cleanup failed", "error", err)
		}
	}
}

// openCursorBackend opens the configured durable cursor backend. The memory
// backend has no durable side and returns nil.
func openCursorBackend(ctx context.Context, cfg config.Config, cl *closers) (mirror.CursorBackend, error) {
	switch cfg.CursorBackend {
	case config.BackendMemory:
		return nil, nil
	case config.BackendSQLite:
		b, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cl.add(b.Close)
		return b, nil
	case config.BackendPostgres:
		b, err := postgres.NewCursorBackend(postgres.Config{
			ConnectionString: cfg.PostgresDSN,
			TableName:        cfg.CursorTable,
		})
		if err != nil {
			return nil, err
		}
		cl.add(b.Close)
		if err := b.InitSchema(ctx); err != nil {
			return nil, err
		}
		return b, nil
	case config.BackendRedis:
		client, err := redis.Connect(cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		b := redis.New(client)
		cl.add(b.Close)
		if err := b.Ping(ctx); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown cursor backend %q", cfg.CursorBackend)
	}
}

func newCursorStore(backend mirror.CursorBackend, cfg config.Config, logger *slog.Logger) *memory.CursorStore {
	opts := []memory.CursorOption{
		memory.WithNamespace(cfg.CursorNamespace),
		memory.WithLogger(logger),
	}
	if backend != nil {
		opts = append(opts, memory.WithBackend(backend))
	}
	return memory.NewCursorStore(opts...)
}

// openSinks builds the configured event sinks. The archive is returned
// separately so the caller can rehydrate from it.
func openSinks(ctx context.Context, cfg config.Config, logger *slog.Logger, cl *closers) ([]mirror.EventSink, *postgres.Archive, error) {
	var sinks []mirror.EventSink
	var archive *postgres.Archive

	if cfg.ArchiveEnabled {
		a, err := postgres.NewArchive(postgres.Config{
			ConnectionString: cfg.PostgresDSN,
			TableName:        cfg.ArchiveTable,
		})
		if err != nil {
			return nil, nil, err
		}
		cl.add(a.Close)
		if err := a.InitSchema(ctx); err != nil {
			return nil, nil, err
		}
		archive = a
		sinks = append(sinks, a)
	}

	if cfg.KafkaTopic != "" {
		s, err := kafkasink.New(cfg.KafkaBrokers, cfg.KafkaTopic, kafkasink.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		cl.add(s.Close)
		sinks = append(sinks, s)
	}
	return sinks, archive, nil
}

// rehydrate replaces store with the newest archived events, oldest first so the
// recency order matches the original arrival order.
func rehydrate(ctx context.Context, archive *postgres.Archive, store *memory.EventStore) (int, error) {
	if archive == nil {
		return 0, nil
	}
	events, err := archive.Load(ctx, postgres.LoadOptions{Desc: true, Limit: store.Capacity()})
	if err != nil {
		return 0, fmt.Errorf("rehydrate from archive: %w", err)
	}
	store.Reset()
	var errs []error
	for i := len(events) - 1; i >= 0; i-- {
		if err := store.Append(events[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return len(events), errors.Join(errs...)
}
