package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shogotsuneto/go-simple-mirror"
	"github.com/shogotsuneto/go-simple-mirror/config"
	"github.com/shogotsuneto/go-simple-mirror/memory"
)

var errNoDurableBackend = errors.New("the memory cursor backend keeps nothing between runs; configure sqlite, postgres or redis")

func newCursorCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect or reset persisted topic cursors",
	}
	cmd.AddCommand(newCursorGetCmd(opts), newCursorClearCmd(opts))
	return cmd
}

func newCursorGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <topic>",
		Short: "Print the persisted offset of a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topic := args[0]
			if !mirror.ValidTopicID(topic) {
				return fmt.Errorf("%w: %q", mirror.ErrInvalidTopic, topic)
			}
			store, cl, err := openDurableCursors(cmd, opts)
			if err != nil {
				return err
			}
			defer cl.close(opts.logger)

			offset, ok, err := store.Load(cmd.Context(), topic)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no cursor stored for topic %s", topic)
			}
			fmt.Fprintln(cmd.OutOrStdout(), offset)
			return nil
		},
	}
}

func newCursorClearCmd(opts *rootOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "clear [<topic>|--all]",
		Short: "Remove the persisted cursor of a topic, or of every topic",
		Args: func(_ *cobra.Command, args []string) error {
			switch {
			case all && len(args) > 0:
				return errors.New("pass either a topic or --all, not both")
			case !all && len(args) != 1:
				return errors.New("a topic or --all is required")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cl, err := openDurableCursors(cmd, opts)
			if err != nil {
				return err
			}
			defer cl.close(opts.logger)

			if all {
				if err := store.ClearAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "cleared all cursors")
				return nil
			}
			topic := args[0]
			if !mirror.ValidTopicID(topic) {
				return fmt.Errorf("%w: %q", mirror.ErrInvalidTopic, topic)
			}
			if err := store.Clear(cmd.Context(), topic); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared cursor for %s\n", topic)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "clear every topic cursor")
	return cmd
}

func openDurableCursors(cmd *cobra.Command, opts *rootOptions) (*memory.CursorStore, closers, error) {
	var cl closers
	if opts.cfg.CursorBackend == config.BackendMemory {
		return nil, cl, errNoDurableBackend
	}
	backend, err := openCursorBackend(cmd.Context(), opts.cfg, &cl)
	if err != nil {
		cl.close(opts.logger)
		return nil, nil, err
	}
	return newCursorStore(backend, opts.cfg, opts.logger), cl, nil
}
