// Package signals turns process termination signals into the
// context.Context cancellation the scheduler loops already select on,
// rather than the bare close-channel handoff used elsewhere in this
// fleet's daemons: the unload and split tick loops take a ctx
// directly, so the entry point should hand them one whose lifetime it
// controls.
package signals

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// SetupSignalContext returns a context that is cancelled on SIGINT or
// SIGTERM, and a function that releases the underlying signal
// subscription. If a second signal arrives after the context has
// already been cancelled, the process exits immediately with status 1
// — the same forced-exit behavior this fleet's other daemons fall back
// on when a graceful shutdown hangs.
func SetupSignalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()

		<-sigCh
		os.Exit(1)
	}()

	stop := func() {
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, stop
}
