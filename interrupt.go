package dwarfs

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the
// process receives SIGINT or SIGTERM. Host drivers use it to trigger an
// orderly unmount: foreground jobs finish, background jobs are
// cancelled, and the worker pool joins (§5).
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals terminate immediately, useful if unmount hangs.
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
