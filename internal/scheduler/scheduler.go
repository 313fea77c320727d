// Package scheduler is the single per-minute driver: a ticker loop
// calling the orchestrator's Tick once per interval. Structure (run once
// immediately, then on every tick, select over ctx.Done(), log a single
// summary line per invocation) follows the reference corpus's
// RunPeriodicLoop/runScan, extended with a tick-level mutual exclusion
// rule: a tick still running when the next one fires is dropped rather
// than allowed to overlap.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/algomatic/ingestor/internal/orchestrator"
)

// Ticker runs one orchestrator tick and reports how much work it did.
// internal/orchestrator.Orchestrator implements this directly.
type Ticker interface {
	Tick(ctx context.Context) (orchestrator.Summary, error)
}

// Scheduler fires Tick on a fixed interval, dropping overlapping runs.
type Scheduler struct {
	ticker   Ticker
	interval time.Duration
	logger   *slog.Logger

	running atomic.Bool
}

// New constructs a Scheduler.
func New(t Ticker, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Scheduler{ticker: t, interval: interval, logger: logger.With("component", "scheduler")}
}

// Run blocks until ctx is cancelled, invoking one tick immediately and
// then on every interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("starting scheduler loop", "interval", s.interval)

	s.fire(ctx)

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-t.C:
			s.fire(ctx)
		}
	}
}

// fire runs one tick unless the previous one is still in flight, in which
// case this firing is dropped entirely rather than queued.
func (s *Scheduler) fire(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running, dropping this firing")
		return
	}
	defer s.running.Store(false)

	start := time.Now()
	summary, err := s.ticker.Tick(ctx)
	if err != nil {
		s.logger.Error("tick failed", "error", err, "elapsed", time.Since(start).Round(time.Millisecond))
		return
	}
	s.logger.Info("tick complete",
		"defs_scanned", summary.DefsScanned,
		"slices_enqueued", summary.SlicesEnqueued,
		"workers_dispatched", summary.WorkersDispatched,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}
