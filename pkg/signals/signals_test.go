package signals

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("timeout waiting for %s", what)
	}
}

func TestSetupSignals(t *testing.T) {
	for _, sig := range []syscall.Signal{syscall.SIGTERM, syscall.SIGINT} {
		t.Run(sig.String(), func(t *testing.T) {
			stopCh := make(chan struct{})
			ctx := Setup(context.Background(), stopCh)

			// Give the goroutine time to install the handler.
			time.AfterFunc(50*time.Millisecond, func() {
				_ = syscall.Kill(syscall.Getpid(), sig)
			})

			waitClosed(t, stopCh, "stopCh")
			waitClosed(t, ctx.Done(), "ctx.Done()")
		})
	}
}

func TestSetupParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	stopCh := make(chan struct{})
	ctx := Setup(parent, stopCh)

	cancel()
	waitClosed(t, ctx.Done(), "ctx.Done()")

	select {
	case <-stopCh:
		t.Fatal("stopCh must stay open when only the parent is canceled")
	case <-time.After(50 * time.Millisecond):
	}
	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
