// Package orchestrator is the per-tick coordinator: scan enabled job
// definitions, compute coverage gaps, split them into provider-appropriate
// slices, enqueue them, then dispatch a bounded pool of workers to drain
// the queue. The scan-then-dispatch shape is grounded on the reference
// corpus's RunPeriodicLoop/runScan (list tickers, act per ticker, report a
// summary); the bounded dispatch pool is new, since the reference corpus
// processes each ticker synchronously rather than fanning out workers.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/algomatic/ingestor/internal/catalog"
	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/coverage"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/queue"
)

// maxSliceSpan bounds a single enqueued slice per timeframe: intraday
// timeframes slice per day, daily/weekly slice by month.
var maxSliceSpan = map[model.Timeframe]time.Duration{
	model.TimeframeM15: 24 * time.Hour,
	model.TimeframeH1:  24 * time.Hour,
	model.TimeframeH4:  24 * time.Hour,
	model.TimeframeD1:  30 * 24 * time.Hour,
	model.TimeframeW1:  30 * 24 * time.Hour,
}

// Dispatcher claims and executes one run, and runs the administrative
// stuck-run sweep. internal/worker.Worker implements this; kept as an
// interface here so the orchestrator doesn't import the worker package
// directly and tests can inject a stub.
type Dispatcher interface {
	ClaimAndExecute(ctx context.Context) (claimed bool, err error)
	SweepStuck(ctx context.Context, timeout time.Duration) (int, error)
}

// MetricsRecorder is the subset of metrics.IngestionMetrics the
// orchestrator needs; narrowed to an interface so tests can omit it.
type MetricsRecorder interface {
	RecordTick(durationSec float64, defsScanned, workersDispatched int)
}

// Orchestrator is the per-tick coordinator.
type Orchestrator struct {
	catalog *catalog.Catalog
	ledger  *coverage.Ledger
	queue   *queue.Queue
	clock   *clock.Clock
	worker  Dispatcher
	metrics MetricsRecorder
	logger  *slog.Logger

	maxConcurrent int
	stuckTimeout  time.Duration
}

// New constructs an Orchestrator. stuckTimeout is the age at which a
// running run is considered stuck and swept once per tick, after dispatch.
func New(cat *catalog.Catalog, ledger *coverage.Ledger, q *queue.Queue, clk *clock.Clock, worker Dispatcher, metrics MetricsRecorder, stuckTimeout time.Duration, maxConcurrent int, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if stuckTimeout <= 0 {
		stuckTimeout = 10 * time.Minute
	}
	return &Orchestrator{
		catalog:       cat,
		ledger:        ledger,
		queue:         q,
		clock:         clk,
		worker:        worker,
		metrics:       metrics,
		maxConcurrent: maxConcurrent,
		stuckTimeout:  stuckTimeout,
		logger:        logger.With("component", "orchestrator"),
	}
}

// Summary is the result of one tick.
type Summary struct {
	DefsScanned       int
	SlicesEnqueued    int
	WorkersDispatched int
	StuckRunsSwept    int
}

// Tick runs one full scan-enqueue-dispatch-sweep cycle.
func (o *Orchestrator) Tick(ctx context.Context) (Summary, error) {
	start := time.Now()
	defs, err := o.catalog.ListEnabled(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{DefsScanned: len(defs)}

	for _, def := range defs {
		select {
		case <-ctx.Done():
			o.logger.Info("tick interrupted by shutdown", "defs_scanned", summary.DefsScanned)
			return summary, ctx.Err()
		default:
		}

		n, err := o.enqueueGapsFor(ctx, def)
		if err != nil {
			o.logger.Error("enqueueing gaps failed", "symbol", def.Symbol, "timeframe", def.Timeframe, "error", err)
			continue
		}
		summary.SlicesEnqueued += n
	}

	summary.WorkersDispatched = o.dispatch(ctx)

	swept, err := o.SweepStuck(ctx)
	if err != nil {
		o.logger.Error("stuck-run sweep failed", "error", err)
	}
	summary.StuckRunsSwept = swept

	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordTick(elapsed.Seconds(), summary.DefsScanned, summary.WorkersDispatched)
	}

	o.logger.Info("tick complete",
		"defs_scanned", summary.DefsScanned,
		"slices_enqueued", summary.SlicesEnqueued,
		"workers_dispatched", summary.WorkersDispatched,
		"stuck_runs_swept", summary.StuckRunsSwept,
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return summary, nil
}

// SweepStuck marks running runs older than the configured stuck-run
// timeout as failed. Called once automatically at the end of every Tick,
// and exposed here for the administrative manual-trigger API/CLI path.
func (o *Orchestrator) SweepStuck(ctx context.Context) (int, error) {
	return o.worker.SweepStuck(ctx, o.stuckTimeout)
}

func (o *Orchestrator) enqueueGapsFor(ctx context.Context, def model.JobDefinition) (int, error) {
	end := clock.AlignSliceEnd(o.clock.NowUTC(), def.Timeframe)

	gaps, err := o.ledger.Gaps(ctx, def.Symbol, def.Timeframe, def.WindowDays)
	if err != nil {
		return 0, err
	}

	var slices []queue.Slice
	for _, gap := range gaps {
		to := gap.To
		if to.After(end) {
			to = end
		}
		if !to.After(gap.From) {
			continue
		}
		slices = append(slices, splitSpan(gap.From, to, maxSliceSpan[def.Timeframe])...)
	}
	if len(slices) == 0 {
		return 0, nil
	}

	return o.queue.EnqueueSlices(ctx, def.ID, def.Symbol, def.Timeframe, def.Kind, slices, model.SourceCron)
}

// splitSpan breaks [from, to) into consecutive chunks of at most span,
// oldest-first.
func splitSpan(from, to time.Time, span time.Duration) []queue.Slice {
	if span <= 0 {
		return []queue.Slice{{From: from, To: to}}
	}
	var slices []queue.Slice
	cur := from
	for cur.Before(to) {
		next := cur.Add(span)
		if next.After(to) {
			next = to
		}
		slices = append(slices, queue.Slice{From: cur, To: next})
		cur = next
	}
	return slices
}

// dispatch invokes up to maxConcurrent workers, each attempting one
// claim_next; a worker that fails to claim returns immediately rather than
// retrying against contention from other dispatch loops.
func (o *Orchestrator) dispatch(ctx context.Context) int {
	var wg sync.WaitGroup
	dispatched := 0

	for i := 0; i < o.maxConcurrent; i++ {
		wg.Add(1)
		dispatched++
		go func() {
			defer wg.Done()
			claimed, err := o.worker.ClaimAndExecute(ctx)
			if err != nil {
				o.logger.Error("worker execution failed", "error", err)
			}
			_ = claimed
		}()
	}
	wg.Wait()
	return dispatched
}
