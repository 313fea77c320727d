// Package worker is the execution side of a claimed job run: pick a
// provider via the router, spend rate-limit tokens, fetch, validate and
// persist bars, then report completion back to the queue and coverage
// ledger. A retryable failure is marked failed and requeued at once, with
// no backoff delay; a later dispatch claims it again.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
	"github.com/algomatic/ingestor/internal/queue"
	"github.com/algomatic/ingestor/internal/ratelimit"
	"github.com/algomatic/ingestor/internal/store"
)

// eventPublisher is the subset of eventbus.Bus the worker needs.
type eventPublisher interface {
	PublishRunCompleted(ctx context.Context, run model.JobRun) error
	PublishRunFailed(ctx context.Context, run model.JobRun) error
	PublishBarsUpdated(ctx context.Context, symbol string, tf model.Timeframe, rowsWritten int, correlationID string) error
}

// metricsRecorder is the subset of metrics.IngestionMetrics the worker
// needs; narrowed to an interface so tests can omit it.
type metricsRecorder interface {
	RecordRunTerminal(status, provider string)
	RecordProviderFetch(provider string, latencySec float64, rows int, err error, errKind string)
	RecordRateLimitBlocked(provider string)
}

const defaultMaxAttempts = 5

// Worker executes claimed job runs.
type Worker struct {
	db          *db.Client
	queue       *queue.Queue
	store       *store.Store
	coverage    coverageRecorder
	limiter     *ratelimit.Limiter
	router      *provider.Router
	events      eventPublisher
	metrics     metricsRecorder
	logger      *slog.Logger
	maxAttempts int
}

// coverageRecorder is the subset of coverage.Ledger the worker needs;
// narrowed to an interface so tests can stub it without a database.
type coverageRecorder interface {
	RecordSuccess(ctx context.Context, symbol string, tf model.Timeframe, sliceFrom, sliceTo time.Time, rowsWritten int, provider model.Provider) error
}

// New constructs a Worker.
func New(dbc *db.Client, q *queue.Queue, st *store.Store, cov coverageRecorder, limiter *ratelimit.Limiter, router *provider.Router, events eventPublisher, metrics metricsRecorder, maxAttempts int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Worker{
		db:          dbc,
		queue:       q,
		store:       st,
		coverage:    cov,
		limiter:     limiter,
		router:      router,
		events:      events,
		metrics:     metrics,
		maxAttempts: maxAttempts,
		logger:      logger.With("component", "worker"),
	}
}

// ClaimAndExecute attempts one claim_next; if the queue is empty it
// returns claimed=false with no error, matching the orchestrator's "a
// worker that fails to claim returns immediately" dispatch rule.
func (w *Worker) ClaimAndExecute(ctx context.Context) (bool, error) {
	run, err := w.queue.ClaimNext(ctx, nil)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}
	w.execute(ctx, run)
	return true, nil
}

func (w *Worker) chainFor(kind model.JobKind) []model.Provider {
	if kind == model.KindFetchIntraday {
		return provider.IntradayChain
	}
	return provider.HistoricalChain
}

func (w *Worker) execute(ctx context.Context, run *queue.ClaimedRun) {
	logger := w.logger.With("run_id", run.ID, "symbol", run.Symbol, "timeframe", run.Timeframe)

	chain := w.chainFor(run.Kind)

	result, err := w.fetchWithRateLimit(ctx, chain, run, logger)
	if err != nil {
		if c, ok := apperr.As(err); !ok || c.Kind() != apperr.KindNotFound {
			w.finishFailed(ctx, run, "", err)
			return
		}
		logger.Info("provider reported no data for slice, completing with zero rows", "error", err)
	}

	symbolID, err := w.db.GetOrCreateSymbol(ctx, run.Symbol, "equity")
	if err != nil {
		logger.Error("resolving symbol id failed", "error", err)
		w.finishFailed(ctx, run, result.Provider, apperr.Transient(err.Error()))
		return
	}

	valid, dropped := w.validateRows(result.Bars, symbolID)
	if dropped > 0 {
		logger.Warn("dropped structurally invalid rows", "dropped", dropped, "provider", result.Provider)
	}

	rowsWritten, rowResults := w.store.UpsertBars(ctx, valid)
	for _, rr := range rowResults {
		if rr.Err != nil {
			logger.Warn("row upsert failed", "error", rr.Err)
		}
	}

	if err := w.queue.Complete(ctx, run.ID, model.StatusSuccess, rowsWritten, result.Provider, nil); err != nil {
		logger.Error("marking run complete failed", "error", err)
	}
	if rowsWritten > 0 {
		if err := w.coverage.RecordSuccess(ctx, run.Symbol, run.Timeframe, run.SliceFrom, run.SliceTo, rowsWritten, result.Provider); err != nil {
			logger.Error("recording coverage success failed", "error", err)
		}
	}

	run.Status = model.StatusSuccess
	run.RowsWritten = rowsWritten
	run.Provider = result.Provider
	if w.metrics != nil {
		w.metrics.RecordRunTerminal(string(model.StatusSuccess), string(result.Provider))
	}
	if err := w.events.PublishRunCompleted(ctx, run.JobRun); err != nil {
		logger.Warn("publishing run-completed event failed", "error", err)
	}
	if rowsWritten > 0 {
		if err := w.events.PublishBarsUpdated(ctx, run.Symbol, run.Timeframe, rowsWritten, run.ID); err != nil {
			logger.Warn("publishing bars-updated event failed", "error", err)
		}
	}
}

// fetchWithRateLimit walks chain one position at a time, taking a
// rate-limit token for a provider immediately before fetching from that
// same provider, so token spend and fetch attempt never drift apart. A
// provider the router has no adapter for, or that can't serve run's
// timeframe, is skipped without spending a token. A granted token followed
// by a retryable fetch failure advances to the next provider; a
// non-retryable fetch failure stops the chain immediately.
func (w *Worker) fetchWithRateLimit(ctx context.Context, chain []model.Provider, run *queue.ClaimedRun, logger *slog.Logger) (provider.Result, error) {
	var lastErr error = apperr.RateLimited(0)

	for _, p := range chain {
		if !w.router.Supports(p, run.Timeframe) {
			continue
		}

		granted, err := w.limiter.Take(ctx, p, provider.Cost)
		if err != nil {
			logger.Error("rate limiter take failed", "provider", p, "error", err)
			lastErr = err
			continue
		}
		if !granted {
			logger.Info("provider had no available rate-limit tokens, advancing chain", "provider", p)
			if w.metrics != nil {
				w.metrics.RecordRateLimitBlocked(string(p))
			}
			continue
		}

		fetchStart := time.Now()
		result, _, err := w.router.Fetch(ctx, []model.Provider{p}, run.Symbol, run.Timeframe, run.SliceFrom, run.SliceTo)
		latency := time.Since(fetchStart).Seconds()
		if w.metrics != nil {
			w.metrics.RecordProviderFetch(string(p), latency, len(result.Bars), err, errKind(err))
		}
		if err == nil {
			return result, nil
		}
		if !apperr.Retryable(err) {
			return provider.Result{}, err
		}
		logger.Info("provider fetch failed retryably after consuming a token, advancing chain", "provider", p, "error", err)
		lastErr = err
	}

	return provider.Result{}, lastErr
}

// errKind returns the apperr taxonomy label for err, or "" for a nil or
// unclassified error, for use as a metrics label.
func errKind(err error) string {
	if err == nil {
		return ""
	}
	if classified, ok := apperr.As(err); ok {
		return string(classified.Kind())
	}
	return "unclassified"
}

func (w *Worker) validateRows(bars []model.Bar, symbolID int64) ([]model.Bar, int) {
	now := time.Now().UTC()
	valid := make([]model.Bar, 0, len(bars))
	dropped := 0
	for _, b := range bars {
		b.SymbolID = symbolID
		if err := w.store.ValidateRow(b, now); err != nil {
			dropped++
			continue
		}
		valid = append(valid, b)
	}
	return valid, dropped
}

func (w *Worker) finishFailed(ctx context.Context, run *queue.ClaimedRun, provider model.Provider, cause error) {
	if err := w.queue.Complete(ctx, run.ID, model.StatusFailed, 0, provider, cause); err != nil {
		w.logger.Error("marking run failed", "run_id", run.ID, "error", err)
	}

	run.Status = model.StatusFailed
	run.ErrorMessage = cause.Error()
	if w.metrics != nil {
		w.metrics.RecordRunTerminal(string(model.StatusFailed), string(provider))
	}
	if err := w.events.PublishRunFailed(ctx, run.JobRun); err != nil {
		w.logger.Warn("publishing run-failed event failed", "run_id", run.ID, "error", err)
	}

	var classified apperr.Classified
	retryable := errors.As(cause, &classified) && apperr.Retryable(cause)
	if retryable && run.Attempt+1 < w.maxAttempts {
		if err := w.queue.Requeue(ctx, run.ID, cause.Error()); err != nil {
			w.logger.Error("requeue failed", "run_id", run.ID, "error", err)
		}
	}
}

// SweepStuck runs the administrative stuck-run sweep; invoked once per
// tick after dispatch, and exposed for ingestorctl's manual trigger.
func (w *Worker) SweepStuck(ctx context.Context, timeout time.Duration) (int, error) {
	return w.queue.SweepStuck(ctx, timeout)
}
