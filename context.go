// Package crofs is the root of a read-only, content-addressed container
// image filesystem: an on-disk bootstrap/blob format, a FUSE daemon that
// serves it lazily from a pluggable backend, and a builder that produces it
// from a source tree.
package crofs

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// InterruptibleContext returns a context which is canceled when the program
// is interrupted (i.e. receiving SIGINT or SIGTERM). The daemon command
// feeds this context's cancellation into the state machine's Exit event so
// that Ctrl-C triggers the same Running→Interrupted→Stopped path as a
// control-plane initiated shutdown.
func InterruptibleContext() (context.Context, context.CancelFunc) {
	ctx, canc := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		// Subsequent signals will result in immediate termination, which is
		// useful in case cleanup hangs:
		signal.Stop(sig)
		canc()
	}()
	return ctx, canc
}
