package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	gosync "sync"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/keysync/internal/mirror"
	"github.com/tonimelisma/keysync/internal/store"
	ksync "github.com/tonimelisma/keysync/internal/sync"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <key>",
		Short: "Print a key's synchronized model whenever it changes",
		Long: `Bind a local model to a key and print it after every change, until
interrupted or until the key is removed. Changes made by other keysync
processes appear after the next poll.

The first SIGINT/SIGTERM stops watching; a second forces exit.`,
		Args: cobra.ExactArgs(1),
		RunE: runWatch,
	}

	cmd.Flags().String("format", formatJSON, "output format: json or yaml")

	return cmd
}

func newMirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror <key> <file>",
		Short: "Keep a JSON file in sync with a key",
		Long: `Write a key's value to a JSON file and keep both in sync: store changes
rewrite the file, and saved edits to the file are written to the key. Fields
deleted from the file are removed from the key. The store's value wins at start.

Only one mirror may run per file. Stops when interrupted or when the key is
removed.`,
		Args: cobra.ExactArgs(2),
		RunE: runMirror,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	format, _ := cmd.Flags().GetString("format")
	key := resolveKey(cc, args[0])

	if format != formatJSON && format != formatYAML {
		return fmt.Errorf("%w: unknown format %q (want json or yaml)", errUsage, format)
	}

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	// The key's removal ends the watch as a signal would.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return withStore(ctx, cc, func(s *store.Store) error {
		w := &modelPrinter{out: cmd.OutOrStdout(), format: format, logger: cc.Logger}

		f := newFactory(cc, func(e *ksync.Engine) {
			w.print(e)

			if e.State() == ksync.StateDestroyed {
				cancel()
			}
		})

		e := f.New(s.Session().Key(key), nil)

		if _, err := e.Initialize(ctx); err != nil {
			return err
		}

		cc.Logger.Info("watching", slog.String("key", key))

		<-ctx.Done()

		if e.State() == ksync.StateDestroyed {
			cc.Statusf("%s was removed\n", key)
		}

		return nil
	})
}

// modelPrinter serializes notifier output, which may arrive from the store's
// dispatcher and from a debounce timer.
type modelPrinter struct {
	mu     gosync.Mutex
	out    io.Writer
	format string
	logger *slog.Logger
}

func (p *modelPrinter) print(e *ksync.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := printValue(p.out, modelValue(e.Snapshot()), p.format); err != nil {
		p.logger.Warn("printing model", slog.String("error", err.Error()))
	}
}

func runMirror(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	key := resolveKey(cc, args[0])

	path, err := filepath.Abs(args[1])
	if err != nil {
		return fmt.Errorf("resolving %s: %w", args[1], err)
	}

	unlock, err := acquireLock(path + lockSuffix)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, stop := shutdownContext(cmd.Context(), cc.Logger)
	defer stop()

	return withStore(ctx, cc, func(s *store.Store) error {
		mr := mirror.New(mirror.Config{
			Path:     path,
			Debounce: cc.Cfg.MirrorDuration(),
			Logger:   cc.Logger,
		})

		e := newFactory(cc, mr.Notify).New(s.Session().Key(key), nil)

		cc.Statusf("Mirroring %s to %s\n", key, path)

		err := mr.Run(ctx, e)
		if errors.Is(err, mirror.ErrKeyRemoved) {
			cc.Statusf("%s was removed, mirror stopped\n", key)
			return nil
		}

		return err
	})
}
