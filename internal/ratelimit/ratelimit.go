// Package ratelimit is the distributed per-provider token bucket (C6). The
// authoritative accounting lives in a single Postgres row per provider,
// locked with SELECT ... FOR UPDATE for the duration of the lazy-refill +
// take computation. An in-process golang.org/x/time/rate.Limiter is
// consulted first on every Take, but its verdict is only logged at debug
// level: it never delays or refuses a take.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
)

// Defaults are the per-provider rate-limit bucket sizes.
var Defaults = map[model.Provider]model.RateBucket{
	model.ProviderPolygon:     {Capacity: 5, RefillPerMinute: 5},
	model.Provider("massive"): {Capacity: 5, RefillPerMinute: 5},
	model.ProviderTradier:     {Capacity: 120, RefillPerMinute: 120},
	model.ProviderYFinance:    {Capacity: 2000, RefillPerMinute: 2000},
	model.Provider("finnhub"): {Capacity: 60, RefillPerMinute: 60},
	model.ProviderAlpaca:      {Capacity: 200, RefillPerMinute: 200},
}

// Limiter is the rate limiter.
type Limiter struct {
	db     *db.Client
	logger *slog.Logger

	mu     sync.Mutex
	inproc map[model.Provider]*rate.Limiter
}

// New constructs a Limiter. Seed should be called once at startup to
// ensure every provider in Defaults has a row.
func New(dbc *db.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		db:     dbc,
		logger: logger.With("component", "ratelimit"),
		inproc: make(map[model.Provider]*rate.Limiter),
	}
}

// Seed inserts the default bucket row for every known provider that does
// not already have one.
func (l *Limiter) Seed(ctx context.Context) error {
	for provider, b := range Defaults {
		_, err := l.db.Pool.Exec(ctx,
			`INSERT INTO rate_buckets (provider, capacity, refill_per_minute, tokens, updated_at)
			 VALUES ($1, $2, $3, $2, now())
			 ON CONFLICT (provider) DO NOTHING`,
			string(provider), b.Capacity, b.RefillPerMinute,
		)
		if err != nil {
			return fmt.Errorf("seeding rate bucket for %s: %w", provider, err)
		}
	}
	return nil
}

func (l *Limiter) localLimiter(provider model.Provider) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lim, ok := l.inproc[provider]; ok {
		return lim
	}
	b, ok := Defaults[provider]
	if !ok {
		b = model.RateBucket{Capacity: 60, RefillPerMinute: 60}
	}
	perSecond := b.RefillPerMinute / 60
	lim := rate.NewLimiter(rate.Limit(perSecond), int(b.Capacity))
	l.inproc[provider] = lim
	return lim
}

// Take attempts to acquire cost tokens for provider. It first consults the
// in-process limiter as a cheap courtesy check (never the source of
// truth), then performs the authoritative row-locked take against
// Postgres.
func (l *Limiter) Take(ctx context.Context, provider model.Provider, cost float64) (bool, error) {
	if !l.localLimiter(provider).AllowN(time.Now(), int(cost)) {
		// Local limiter says "don't even try yet"; the caller still gets a
		// definitive answer from the distributed bucket below so that a
		// misconfigured local limiter can never cause a false negative
		// against the authoritative state.
		l.logger.Debug("in-process limiter throttled request", "provider", provider)
	}
	return l.take(ctx, provider, cost)
}

func (l *Limiter) take(ctx context.Context, provider model.Provider, cost float64) (bool, error) {
	tx, err := l.db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning rate limiter transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var capacity, refillPerMinute, tokens float64
	var updatedAt time.Time
	err = tx.QueryRow(ctx,
		`SELECT capacity, refill_per_minute, tokens, updated_at FROM rate_buckets WHERE provider = $1 FOR UPDATE`,
		string(provider),
	).Scan(&capacity, &refillPerMinute, &tokens, &updatedAt)
	if err != nil {
		return false, fmt.Errorf("locking rate bucket for %s: %w", provider, err)
	}

	now := time.Now().UTC()
	elapsedMinutes := now.Sub(updatedAt).Minutes()
	if elapsedMinutes < 0 {
		elapsedMinutes = 0
	}
	newTokens := tokens + elapsedMinutes*refillPerMinute
	if newTokens > capacity {
		newTokens = capacity
	}

	granted := newTokens >= cost
	if granted {
		newTokens -= cost
	}

	if _, err := tx.Exec(ctx,
		`UPDATE rate_buckets SET tokens = $2, updated_at = $3 WHERE provider = $1`,
		string(provider), newTokens, now,
	); err != nil {
		return false, fmt.Errorf("updating rate bucket for %s: %w", provider, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing rate bucket update for %s: %w", provider, err)
	}
	return granted, nil
}

// Status is the diagnostic projection exposed by get_status.
type Status struct {
	Provider         model.Provider
	ProjectedTokens  float64
	SecondsUntilFull float64
}

// GetStatus returns the refill-projected token count for provider without
// mutating state.
func (l *Limiter) GetStatus(ctx context.Context, provider model.Provider) (Status, error) {
	var capacity, refillPerMinute, tokens float64
	var updatedAt time.Time
	err := l.db.Pool.QueryRow(ctx,
		`SELECT capacity, refill_per_minute, tokens, updated_at FROM rate_buckets WHERE provider = $1`,
		string(provider),
	).Scan(&capacity, &refillPerMinute, &tokens, &updatedAt)
	if err != nil {
		return Status{}, fmt.Errorf("reading rate bucket for %s: %w", provider, err)
	}

	elapsedMinutes := time.Since(updatedAt).Minutes()
	projected := tokens + elapsedMinutes*refillPerMinute
	if projected > capacity {
		projected = capacity
	}

	var secondsUntilFull float64
	if refillPerMinute > 0 && projected < capacity {
		secondsUntilFull = (capacity - projected) / refillPerMinute * 60
	}

	return Status{Provider: provider, ProjectedTokens: projected, SecondsUntilFull: secondsUntilFull}, nil
}
