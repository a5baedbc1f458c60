// Package signaler handles OS shutdown signals for long running
// processes.
package signaler

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt returns a channel that receives the next interrupt
// or termination signal sent to the process. Each call registers a
// fresh channel, buffered so a signal is never dropped while the
// caller is between selects.
func WaitForInterrupt() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
