package signals

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// defaultGracefulTimeout is the maximum time to wait for pre-shutdown handlers
// to complete before proceeding with interrupt handlers.
const defaultGracefulTimeout = 30 * time.Second

var (
	preShutdownMu       sync.RWMutex
	preShutdownHandlers []Handler
	gracefulTimeout     = defaultGracefulTimeout
)

// RegisterPreShutdownHandler registers a handler that runs BEFORE the interrupt
// handlers during graceful shutdown. This is the appropriate place to drain
// outstanding link sessions and withdraw a published IntroSet before the
// process exits, so peers stop routing to introductions we can no longer serve.
//
// Pre-shutdown handlers run in registration order (FIFO) and each handler is
// protected against panics. Each handler gets an equal share of the graceful
// timeout; one that overruns its share is abandoned and the next handler
// runs. Interrupt handlers are invoked only after this sequence ends.
//
// Nil handlers are silently ignored.
func RegisterPreShutdownHandler(f Handler) {
	if f == nil {
		return
	}
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	preShutdownHandlers = append(preShutdownHandlers, f)
}

// SetGracefulTimeout configures the maximum time to wait for pre-shutdown
// handlers to complete. If zero or negative, defaults to 30 seconds.
func SetGracefulTimeout(timeout time.Duration) {
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	if timeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	} else {
		gracefulTimeout = timeout
	}
}

// handlePreShutdown runs all registered pre-shutdown handlers with a timeout.
// Returns true if all handlers completed within the timeout, false otherwise.
func handlePreShutdown() bool {
	preShutdownMu.RLock()
	snapshot := make([]Handler, len(preShutdownHandlers))
	copy(snapshot, preShutdownHandlers)
	timeout := gracefulTimeout
	preShutdownMu.RUnlock()

	if len(snapshot) == 0 {
		return true
	}

	perHandler := timeout / time.Duration(len(snapshot))
	allDone := true
	for _, h := range snapshot {
		done := make(chan struct{})
		go func(h Handler) {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "signals: panic in pre-shutdown handler: %v\n", r)
				}
			}()
			h()
		}(h)

		select {
		case <-done:
		case <-time.After(perHandler):
			fmt.Fprintf(os.Stderr, "signals: pre-shutdown handler timed out after %s\n", perHandler)
			allDone = false
		}
	}
	return allDone
}
