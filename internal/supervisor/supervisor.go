// Package supervisor owns process lifecycle: signal handling, crash
// recovery, rescuing in-flight job records, and draining close callbacks
// for external resources. Both binaries run their main loop under it.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"
)

// Exit codes. Signal-driven shutdown is a normal exit; a crash is not;
// configuration problems are reported before the supervisor even starts.
const (
	ExitOK     = 0
	ExitConfig = 1
	ExitCrash  = 2
)

const shutdownTimeout = 30 * time.Second

type closer struct {
	name string
	fn   func(ctx context.Context) error
}

// Supervisor drives one process. Register a rescue hook and close
// callbacks before Run.
type Supervisor struct {
	logger *slog.Logger

	mu      sync.Mutex
	rescue  func(ctx context.Context) (int, error)
	closers []closer
}

func New(logger *slog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With("component", "supervisor")}
}

// OnRescue registers the drain hook that fails all running job records.
// Called exactly once during shutdown, before any close callback.
func (s *Supervisor) OnRescue(fn func(ctx context.Context) (int, error)) {
	s.mu.Lock()
	s.rescue = fn
	s.mu.Unlock()
}

// OnShutdown registers a close callback. Callbacks run in reverse
// registration order, mirroring resource acquisition.
func (s *Supervisor) OnShutdown(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.closers = append(s.closers, closer{name: name, fn: fn})
	s.mu.Unlock()
}

// Run executes main under SIGINT/SIGTERM supervision and returns the
// process exit code. A signal cancels main's context and exits 0 after the
// drain; a main error or panic drains and exits non-zero.
func (s *Supervisor) Run(ctx context.Context, main func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				errCh <- fmt.Errorf("panic: %v\n%s", rec, debug.Stack())
			}
		}()
		errCh <- main(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
		// Give main a chance to unwind off the cancelled context.
		select {
		case runErr = <-errCh:
		case <-time.After(shutdownTimeout):
			s.logger.Warn("main loop did not unwind in time")
		}
		if runErr != nil && ctx.Err() != nil {
			// Errors caused by the cancellation itself are not crashes.
			runErr = nil
		}
	case runErr = <-errCh:
		if runErr != nil {
			s.logger.Error("main loop crashed", "error", runErr)
		}
	}

	s.drain()

	if runErr != nil {
		return ExitCrash
	}
	return ExitOK
}

// drain rescues running job records, then flushes close callbacks in
// reverse order. Runs on a fresh context; the run context is already dead.
func (s *Supervisor) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.mu.Lock()
	rescue := s.rescue
	closers := make([]closer, len(s.closers))
	copy(closers, s.closers)
	s.mu.Unlock()

	if rescue != nil {
		n, err := rescue(ctx)
		if err != nil {
			s.logger.Error("rescue failed", "error", err)
		} else if n > 0 {
			s.logger.Info("rescued running job records", "count", n)
		}
	}

	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if err := c.fn(ctx); err != nil {
			s.logger.Error("shutdown callback failed", "name", c.name, "error", err)
			continue
		}
		s.logger.Info("closed", "name", c.name)
	}
}
