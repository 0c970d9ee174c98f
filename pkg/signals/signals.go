// Package signals wires SIGINT/SIGTERM to graceful shutdown.
//
// The first signal is logged, closes the optional stop channel and cancels
// the returned context. The handler is then removed, so a second signal
// terminates the process with the default behavior.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
)

// Setup returns a context derived from parent that is canceled on SIGINT or
// SIGTERM. If stopCh is non-nil it is closed at the same moment.
// Canceling parent releases the handler without closing stopCh.
func Setup(parent context.Context, stopCh chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("signal received, shutting down")
		case <-ctx.Done():
			return
		}

		if stopCh != nil {
			// stopCh may already be closed by the caller.
			func() {
				defer func() { _ = recover() }()
				close(stopCh)
			}()
		}
		cancel()
	}()

	return ctx
}
