// Package coverage is the coverage ledger (C3): per (symbol, timeframe)
// interval of present data, and gap queries against a lookback window.
// The upsert follows the reference corpus's UpdateSyncLog idiom: one
// statement, merging bounds with LEAST/GREATEST against whatever row
// already exists.
package coverage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
)

// Ledger is the coverage ledger.
type Ledger struct {
	db     *db.Client
	clock  *clock.Clock
	logger *slog.Logger
}

// New constructs a Ledger.
func New(dbc *db.Client, clk *clock.Clock, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{db: dbc, clock: clk, logger: logger.With("component", "coverage")}
}

// Gaps returns the prefix/suffix gaps of the target window
// [now-windowDays, now] against the stored coverage interval. If no
// interval is recorded yet, the whole window is returned as one gap.
func (l *Ledger) Gaps(ctx context.Context, symbol string, tf model.Timeframe, windowDays int) ([]model.Interval, error) {
	now := l.clock.NowUTC()
	targetFrom := now.AddDate(0, 0, -windowDays)
	targetTo := now

	var fromTS, toTS time.Time
	err := l.db.Pool.QueryRow(ctx,
		`SELECT from_ts, to_ts FROM coverage_status WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf),
	).Scan(&fromTS, &toTS)

	if err != nil {
		// No row yet: the entire target window is a gap.
		return []model.Interval{{From: targetFrom, To: targetTo}}, nil
	}

	var gaps []model.Interval
	if targetFrom.Before(fromTS) {
		gaps = append(gaps, model.Interval{From: targetFrom, To: fromTS})
	}
	if toTS.Before(targetTo) {
		gaps = append(gaps, model.Interval{From: toTS, To: targetTo})
	}
	return gaps, nil
}

// RecordSuccess expands the coverage interval monotonically and refreshes
// the last_* diagnostic fields. Callers must only invoke this for
// successful runs with rowsWritten > 0.
func (l *Ledger) RecordSuccess(ctx context.Context, symbol string, tf model.Timeframe, sliceFrom, sliceTo time.Time, rowsWritten int, provider model.Provider) error {
	_, err := l.db.Pool.Exec(ctx,
		`INSERT INTO coverage_status
			(symbol, timeframe, from_ts, to_ts, last_success_at, last_rows_written, last_provider)
		 VALUES ($1, $2, $3, $4, now(), $5, $6)
		 ON CONFLICT (symbol, timeframe) DO UPDATE SET
			from_ts = LEAST(coverage_status.from_ts, EXCLUDED.from_ts),
			to_ts = GREATEST(coverage_status.to_ts, EXCLUDED.to_ts),
			last_success_at = now(),
			last_rows_written = EXCLUDED.last_rows_written,
			last_provider = EXCLUDED.last_provider`,
		symbol, string(tf), sliceFrom, sliceTo, rowsWritten, string(provider),
	)
	if err != nil {
		return fmt.Errorf("recording coverage success for %s/%s: %w", symbol, tf, err)
	}
	return nil
}

// Get returns the current coverage interval for (symbol, timeframe), or
// ok=false if none has been recorded yet. Used by the chart-health surface.
func (l *Ledger) Get(ctx context.Context, symbol string, tf model.Timeframe) (model.CoverageInterval, bool, error) {
	var ci model.CoverageInterval
	var provider string
	ci.Symbol = symbol
	ci.Timeframe = tf

	err := l.db.Pool.QueryRow(ctx,
		`SELECT from_ts, to_ts, last_success_at, last_rows_written, last_provider
		 FROM coverage_status WHERE symbol = $1 AND timeframe = $2`,
		symbol, string(tf),
	).Scan(&ci.FromTS, &ci.ToTS, &ci.LastSuccessAt, &ci.LastRowsWritten, &provider)
	if err != nil {
		return model.CoverageInterval{}, false, nil
	}
	ci.LastProvider = model.Provider(provider)
	return ci, true, nil
}
