package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shogotsuneto/go-simple-mirror/config"
)

type rootOptions struct {
	configPath string
	topics     []string
	diagAddr   string
	backend    string
	debug      bool

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror topic messages into a local, queryable event view",
		Long: `Backfills topic history from a mirror service REST API, then follows
each topic over its streaming API (or by polling), normalizing messages into
canonical events and persisting per-topic cursors.

Examples:
  # Follow two topics with defaults
  mirror run --topics 0.0.1001,0.0.1002

  # Use a config file and a durable cursor backend
  mirror run --config mirror.yaml --cursor-backend sqlite

  # Inspect or reset persisted cursors
  mirror cursor get 0.0.1001
  mirror cursor clear --all`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file path")
	cmd.PersistentFlags().StringSliceVarP(&opts.topics, "topics", "t", nil, "topic IDs to ingest (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.diagAddr, "diag-addr", "", "diagnostics listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.backend, "cursor-backend", "", "cursor backend: memory, sqlite, postgres, redis")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newRunCmd(opts), newCursorCmd(opts))
	return cmd
}

// load builds the effective configuration: defaults, file, environment, then
// any flags explicitly set on the command line.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg := config.Default()
	if o.configPath != "" {
		if err := cfg.ApplyFile(o.configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("topics") {
		cfg.Topics = o.topics
	}
	if flags.Changed("diag-addr") {
		cfg.DiagAddr = o.diagAddr
	}
	if flags.Changed("cursor-backend") {
		cfg.CursorBackend = o.backend
	}
	if flags.Changed("debug") {
		cfg.Debug = o.debug
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	o.cfg = cfg
	o.logger = newLogger(cfg, cmd.ErrOrStderr())
	return nil
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}
