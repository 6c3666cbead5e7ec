package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shogotsuneto/go-simple-mirror/config"
	"github.com/shogotsuneto/go-simple-mirror/diag"
	"github.com/shogotsuneto/go-simple-mirror/history"
	"github.com/shogotsuneto/go-simple-mirror/ingest"
	"github.com/shogotsuneto/go-simple-mirror/memory"
	"github.com/shogotsuneto/go-simple-mirror/normalize"
	"github.com/shogotsuneto/go-simple-mirror/projection"
	"github.com/shogotsuneto/go-simple-mirror/stream"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start ingestion and the diagnostics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runMirror(ctx, opts.cfg, opts.logger)
		},
	}
}

func runMirror(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	var cl closers
	defer cl.close(logger)

	backend, err := openCursorBackend(ctx, cfg, &cl)
	if err != nil {
		return err
	}
	cursors := newCursorStore(backend, cfg, logger)

	store := memory.NewEventStore(cfg.StoreCapacity)
	sinks, archive, err := openSinks(ctx, cfg, logger, &cl)
	if err != nil {
		return err
	}
	n, err := rehydrate(ctx, archive, store)
	if err != nil {
		logger.Warn("archive rehydration incomplete", "error", err)
	}
	if n > 0 {
		logger.Info("rehydrated events from archive", "count", n)
	}

	view := projection.NewView(store, cfg.TrustCapacity)
	unsubscribe := store.Subscribe(func(c memory.Change) {
		if c.Op == memory.OpAppend && len(c.Evicted) > 0 {
			logger.Debug("events evicted", "count", len(c.Evicted))
		}
	})
	defer unsubscribe()

	fetcher, err := history.New(cfg.History(), history.WithLogger(logger))
	if err != nil {
		return err
	}
	deps := ingest.Deps{
		Fetcher:    fetcher,
		Cursors:    cursors,
		Store:      store,
		Normalizer: normalize.New(logger),
		Sinks:      sinks,
		Logger:     logger,
	}
	if cfg.StreamingEnabled {
		connector, err := stream.New(cfg.Stream(), stream.WithLogger(logger))
		if err != nil {
			return err
		}
		deps.Connect = ingest.FromConnector(connector)
	}
	orch := ingest.New(cfg.Ingest(), deps)

	var server *diag.Server
	if cfg.DiagAddr != "" {
		server = diag.NewServer(cfg.DiagAddr, diag.NewHandler(orch, cursors, logger))
		server.Start()
	}

	orch.Start(ctx)
	logger.Info("ingestion running", "topics", len(cfg.Topics), "events", store.Len(),
		"tokens", len(view.Tokens()))

	<-ctx.Done()
	logger.Info("shutting down")
	orch.Stop()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("diagnostics shutdown failed", "error", err)
		}
	}
	return nil
}
