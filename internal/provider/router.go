package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/model"
)

// Router walks a priority chain of adapters, advancing only on retryable
// (rate-limited or transient) failures.
type Router struct {
	adapters map[model.Provider]Adapter
	logger   *slog.Logger
}

// NewRouter constructs a Router from a set of adapters keyed by their
// Provider() identity.
func NewRouter(logger *slog.Logger, adapters ...Adapter) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	m := make(map[model.Provider]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Provider()] = a
	}
	return &Router{adapters: m, logger: logger.With("component", "provider_router")}
}

// Supports reports whether the adapter registered for p can serve tf,
// letting callers (e.g. rate-limit accounting) skip a provider without
// spending anything against it.
func (r *Router) Supports(p model.Provider, tf model.Timeframe) bool {
	adapter, ok := r.adapters[p]
	return ok && adapter.SupportsTimeframe(tf)
}

// Result is the outcome of a single adapter attempt within Fetch.
type Result struct {
	Provider model.Provider
	Bars     []model.Bar
	Err      error
}

// Fetch walks chain in order for the given slice, stopping at the first
// adapter that either succeeds or returns a non-retryable error. Attempts
// against adapters that don't support tf are skipped (not counted as
// failures). Returns the winning Result and the full attempt history.
func (r *Router) Fetch(ctx context.Context, chain []model.Provider, symbol string, tf model.Timeframe, start, end time.Time) (Result, []Result, error) {
	var attempts []Result
	var lastErr error

	for _, p := range chain {
		adapter, ok := r.adapters[p]
		if !ok || !adapter.SupportsTimeframe(tf) {
			continue
		}

		bars, err := adapter.FetchBars(ctx, symbol, tf, start, end)
		attempt := Result{Provider: p, Bars: bars, Err: err}
		attempts = append(attempts, attempt)

		if err == nil {
			return attempt, attempts, nil
		}

		if !apperr.Retryable(err) {
			r.logger.Warn("provider returned non-retryable error, stopping chain",
				"provider", p, "symbol", symbol, "timeframe", tf, "error", err)
			return Result{}, attempts, err
		}

		r.logger.Info("provider retryable failure, advancing chain",
			"provider", p, "symbol", symbol, "timeframe", tf, "error", err)
		lastErr = err
	}

	if lastErr != nil {
		return Result{}, attempts, fmt.Errorf("exhausted provider chain for %s/%s: %w", symbol, tf, lastErr)
	}
	return Result{}, attempts, fmt.Errorf("exhausted provider chain for %s/%s: no adapter could serve the request", symbol, tf)
}
