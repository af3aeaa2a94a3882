// Package signaler exposes process termination signals as a channel
package signaler

import (
	"os"
	"os/signal"
	"syscall"
)

// WaitForInterrupt returns a channel that receives interrupt and termination
// signals. The channel is buffered so a signal arriving before the caller
// reads is not lost.
func WaitForInterrupt() <-chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	return c
}
