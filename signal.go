package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
)

// forcedExitCode is the status used when a second signal interrupts a
// shutdown in progress.
const forcedExitCode = 1

// shutdownContext derives a context that the first SIGINT or SIGTERM cancels,
// so watch and mirror can finish their last write and close the store. A
// second signal exits immediately. stop cancels the context and releases the
// signal handler; callers defer it.
func shutdownContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	released := make(chan struct{})

	go func() {
		defer signal.Stop(sigCh)

		stopping := false

		for {
			select {
			case sig := <-sigCh:
				if stopping {
					logger.Warn("second signal, exiting without cleanup", slog.String("signal", sig.String()))
					os.Exit(forcedExitCode)
				}

				logger.Info("stopping", slog.String("signal", sig.String()))
				stopping = true
				cancel()
			case <-parent.Done():
				return
			case <-released:
				return
			}
		}
	}()

	var once gosync.Once

	return ctx, func() {
		once.Do(func() {
			close(released)
			cancel()
		})
	}
}
