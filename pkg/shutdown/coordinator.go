// Package shutdown coordinates graceful termination: one shared signal,
// an in-flight work registry, and an ordered cleanup chain.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Coordinator is the single source of truth for "are we shutting down".
// Producers stop starting work once the flag flips; in-flight work is
// drained before cleanups run.
type Coordinator struct {
	log *zap.Logger

	mu       sync.Mutex
	stopping bool
	done     chan struct{}

	inflight sync.WaitGroup
	cleanups []cleanup

	finishOnce sync.Once
	finished   chan struct{}
	err        error
}

type cleanup struct {
	name string
	fn   func(context.Context) error
}

// New builds an idle coordinator. Nothing happens until a signal arrives
// or Trigger is called.
func New(log *zap.Logger) *Coordinator {
	return &Coordinator{
		log:      log.Named("shutdown"),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Arm subscribes to SIGINT and SIGTERM. The returned stop function
// unsubscribes; a second signal after the first kills the process the
// usual way.
func (c *Coordinator) Arm() func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-ch
		if !ok {
			return
		}
		c.log.Info("received signal, initiating graceful shutdown", zap.String("signal", sig.String()))
		signal.Stop(ch)
		c.Trigger()
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
	}
}

// Trigger flips the shutdown flag. Safe to call from any goroutine, any
// number of times.
func (c *Coordinator) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return
	}
	c.stopping = true
	close(c.done)
}

// Done is closed once shutdown has been requested.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// ShuttingDown reports whether shutdown has been requested.
func (c *Coordinator) ShuttingDown() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Track registers one unit of in-flight work and returns its release
// function. It reports false once shutdown has begun: late work must not
// start, or the drain in Shutdown could miss it.
func (c *Coordinator) Track() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return func() {}, false
	}
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(c.inflight.Done)
	}, true
}

// OnCleanup appends fn to the cleanup chain. Cleanups run in registration
// order after in-flight work has drained.
func (c *Coordinator) OnCleanup(name string, fn func(context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanups = append(c.cleanups, cleanup{name: name, fn: fn})
}

// Shutdown triggers (if not already triggered), waits for in-flight work,
// then runs the cleanup chain. Concurrent and repeated calls share one
// drain; all of them return the same combined error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Trigger()
	c.finishOnce.Do(func() {
		defer close(c.finished)
		c.log.Info("waiting for in-flight work to finish")
		c.inflight.Wait()

		c.mu.Lock()
		cleanups := c.cleanups
		c.mu.Unlock()

		for _, cl := range cleanups {
			c.log.Info("running cleanup", zap.String("name", cl.name))
			if err := cl.fn(ctx); err != nil {
				c.log.Error("cleanup failed", zap.String("name", cl.name), zap.Error(err))
				c.err = multierr.Append(c.err, err)
			}
		}
		c.log.Info("shutdown complete")
	})
	<-c.finished
	return c.err
}
