package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/juju/clock"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Supervisor runs sync workers side by side and owns their shutdown: stop
// every loop, wait a bounded time for them to exit, then flush every worker
// unconditionally before releasing their feeds.
type Supervisor struct {
	workers         []*SyncWorker
	shutdownTimeout time.Duration
	clock           clock.Clock
}

// NewSupervisor creates a supervisor. A nil clock uses the wall clock.
func NewSupervisor(shutdownTimeout time.Duration, clk clock.Clock, workers ...*SyncWorker) *Supervisor {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Supervisor{
		workers:         workers,
		shutdownTimeout: shutdownTimeout,
		clock:           clk,
	}
}

// Workers returns the supervised workers.
func (s *Supervisor) Workers() []*SyncWorker {
	return s.workers
}

// Stats returns every worker's counters.
func (s *Supervisor) Stats() []Stats {
	out := make([]Stats, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, w.Stats())
	}
	return out
}

// Stop stops the named worker only.
func (s *Supervisor) Stop(name string) error {
	for _, w := range s.workers {
		if w.Name() == name {
			w.Stop()
			return nil
		}
	}
	return fmt.Errorf("%w: no worker named %q", ErrUnknownFamily, name)
}

// Run blocks until ctx is cancelled or a worker fails to start, then shuts
// every worker down. The returned error combines the first worker failure
// with any flush or close errors.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	exited := make([]atomic.Bool, len(s.workers))
	for i, w := range s.workers {
		i, w := i, w
		g.Go(func() error {
			defer exited[i].Store(true)
			return w.Run(gctx)
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-gctx.Done():
		for _, w := range s.workers {
			w.Stop()
		}
		select {
		case runErr = <-done:
		case <-s.clock.After(s.shutdownTimeout):
			slog.Warn("workers did not exit before shutdown timeout",
				"component", "worker",
				"action", "shutdown_timeout",
				"timeout", s.shutdownTimeout,
			)
		}
	}

	// Flush even after a timed-out join so no open batch is dropped.
	flushCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	var errs error
	for _, w := range s.workers {
		errs = multierr.Append(errs, w.Flush(flushCtx))
	}
	// A loop still inside its feed owns the session; closing under it
	// would race the read.
	for i, w := range s.workers {
		if !exited[i].Load() {
			slog.Warn("feed left open for running worker",
				"component", "worker",
				"worker", w.Name(),
				"action", "close_skipped",
			)
			continue
		}
		errs = multierr.Append(errs, w.Close())
	}

	slog.Info("workers shut down",
		"component", "worker",
		"action", "shutdown_complete",
		"workers", len(s.workers),
	)
	return multierr.Combine(runErr, errs)
}
