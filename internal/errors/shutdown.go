package errors

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// GracefulShutdownHandler converts interrupt signals into context
// cancellation and runs registered cleanup functions on any exit path.
// Cleanups run in reverse registration order, so resource releases pair
// up with acquisitions like deferred calls.
type GracefulShutdownHandler struct {
	mu          sync.Mutex
	cleanups    []func() error
	signalChan  chan os.Signal
	cancel      context.CancelFunc
	interrupted bool
	done        chan struct{}
}

// NewGracefulShutdownHandler creates a new graceful shutdown handler
func NewGracefulShutdownHandler() *GracefulShutdownHandler {
	return &GracefulShutdownHandler{
		signalChan: make(chan os.Signal, 1),
		done:       make(chan struct{}),
	}
}

// Context returns a child of parent that is cancelled on SIGINT/SIGTERM.
func (g *GracefulShutdownHandler) Context(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	signal.Notify(g.signalChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-g.signalChan:
			g.mu.Lock()
			g.interrupted = true
			g.mu.Unlock()
			cancel()
		case <-g.done:
		}
	}()

	return ctx
}

// RegisterCleanup registers a function to run during shutdown
func (g *GracefulShutdownHandler) RegisterCleanup(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cleanups = append(g.cleanups, fn)
}

// Interrupted reports whether a shutdown signal has been received
func (g *GracefulShutdownHandler) Interrupted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupted
}

// Shutdown stops signal handling and runs all registered cleanups in
// reverse order. Cleanup errors are collected; the first is returned.
func (g *GracefulShutdownHandler) Shutdown() error {
	signal.Stop(g.signalChan)
	select {
	case <-g.done:
	default:
		close(g.done)
	}

	g.mu.Lock()
	cleanups := make([]func() error, len(g.cleanups))
	copy(cleanups, g.cleanups)
	g.cleanups = nil
	g.mu.Unlock()

	var firstErr error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
