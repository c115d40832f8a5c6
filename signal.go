package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the status used when a second signal aborts a run
// without waiting for the open chunk to commit or roll back.
const exitInterrupted = 130

// forceExit is replaced in tests.
var forceExit = os.Exit

// shutdownContext returns a context that is cancelled by the first SIGINT
// or SIGTERM. The engine checks it between chunks and entities, so the run
// ends with status cancelled and the watermark unchanged. A second signal
// exits immediately; any open transactions are rolled back by the stores
// when the connections drop.
//
// stop unregisters the handler and must be called once the run is over.
func shutdownContext(parent context.Context, logger *slog.Logger) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancel(parent)
	done, finish := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Info("signal received, stopping after the current chunk",
				slog.String("signal", sig.String()),
			)
			cancel()
		case <-ctx.Done():
			return
		}

		select {
		case sig := <-sigCh:
			logger.Warn("second signal received, aborting",
				slog.String("signal", sig.String()),
			)
			forceExit(exitInterrupted)
		case <-done.Done():
		case <-parent.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		finish()
		cancel()
	}
}
