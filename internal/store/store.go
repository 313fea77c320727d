// Package store is the layered bar store (C2): upsert_bars with
// fail-closed per-row validation, read_chart with m15->h1/h4 aggregation
// fallback, and read_layers's historical/intraday/forecast classification.
// Persistence follows the reference corpus's BulkInsertBars chunking
// (pgx.Batch, 1000 rows per round trip) and ON CONFLICT upsert idiom.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
)

const upsertChunkSize = 1000

// historicalPriority and intradayPriority rank providers for dedup when two
// providers report a bar for the same (symbol, timeframe, ts). Lower index
// wins.
var historicalPriority = []model.Provider{model.ProviderPolygon, model.ProviderAlpaca, model.ProviderYFinance, model.ProviderTradier}
var intradayPriority = []model.Provider{model.ProviderPolygon, model.ProviderAlpaca, model.ProviderTradier}

// Store is the bar store.
type Store struct {
	db     *db.Client
	clock  *clock.Clock
	logger *slog.Logger
}

// New constructs a Store.
func New(dbc *db.Client, clk *clock.Clock, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: dbc, clock: clk, logger: logger.With("component", "store")}
}

// ValidateRow checks a single bar against the provider layer invariants and
// requires a non-negative volume; relations between the OHLC prices are not
// checked. Returns a apperr.ValidationError on violation.
func (s *Store) ValidateRow(b model.Bar, now time.Time) error {
	switch b.Provider {
	case model.ProviderPolygon, model.ProviderAlpaca, model.ProviderYFinance:
		if b.IsForecast {
			return apperr.ValidationError(fmt.Sprintf("provider %s must not be marked is_forecast", b.Provider))
		}
		if !b.IsIntraday && !s.clock.IsPastET(b.Timestamp) && !isBeforeUTCToday(b.Timestamp, now) {
			return apperr.ValidationError(fmt.Sprintf("provider %s bar at %s must be strictly before today unless intraday", b.Provider, b.Timestamp))
		}
	case model.ProviderTradier:
		if !b.IsIntraday || b.IsForecast {
			return apperr.ValidationError("tradier bars must be is_intraday=true, is_forecast=false")
		}
		if !s.clock.IsToday(b.Timestamp) {
			return apperr.ValidationError("tradier bar must fall on today's local market day")
		}
	case model.ProviderMLForecast:
		if !b.IsForecast || b.IsIntraday {
			return apperr.ValidationError("ml_forecast bars must be is_forecast=true, is_intraday=false")
		}
		if !s.clock.IsFutureET(b.Timestamp) {
			return apperr.ValidationError("ml_forecast bar must be strictly in the future")
		}
		if b.UpperBand == nil || b.LowerBand == nil {
			return apperr.ValidationError("ml_forecast bar requires both confidence bands")
		}
	default:
		return apperr.ValidationError(fmt.Sprintf("unknown provider %q", b.Provider))
	}
	if b.Volume < 0 {
		return apperr.ValidationError("volume must be non-negative")
	}
	return nil
}

func isBeforeUTCToday(ts, now time.Time) bool {
	y1, m1, d1 := ts.UTC().Date()
	y2, m2, d2 := now.UTC().Date()
	t1 := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	t2 := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return t1.Before(t2)
}

// RowResult is the per-row outcome of a batch UpsertBars call.
type RowResult struct {
	Bar model.Bar
	Err error
}

// UpsertBars validates and writes rows. Validation failures are fatal only
// for the offending row; the batch continues. Returns the count of rows
// actually written and the per-row
// results so callers (the worker) can decide whether any Permanent-grade
// note needs recording against the run.
func (s *Store) UpsertBars(ctx context.Context, rows []model.Bar) (int, []RowResult) {
	now := s.clock.NowUTC()
	results := make([]RowResult, len(rows))
	valid := make([]model.Bar, 0, len(rows))
	validIdx := make([]int, 0, len(rows))

	for i, b := range rows {
		if err := s.ValidateRow(b, now); err != nil {
			results[i] = RowResult{Bar: b, Err: err}
			continue
		}
		results[i] = RowResult{Bar: b}
		valid = append(valid, b)
		validIdx = append(validIdx, i)
	}

	written := 0
	for start := 0; start < len(valid); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]
		n, err := s.upsertChunk(ctx, chunk)
		written += n
		if err != nil {
			s.logger.Error("upsert chunk failed", "error", err, "chunk_size", len(chunk))
			for k := range chunk {
				results[validIdx[start+k]].Err = fmt.Errorf("upsert: %w", err)
			}
		}
	}
	return written, results
}

func (s *Store) upsertChunk(ctx context.Context, chunk []model.Bar) (int, error) {
	batch := &pgx.Batch{}
	for _, b := range chunk {
		batch.Queue(
			`INSERT INTO bars
				(symbol_id, timeframe, ts, open, high, low, close, volume,
				 provider, is_intraday, is_forecast, data_status,
				 confidence_score, upper_band, lower_band, fetched_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
			 ON CONFLICT (symbol_id, timeframe, ts, provider, is_forecast)
			 DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume,
				data_status = EXCLUDED.data_status,
				confidence_score = EXCLUDED.confidence_score,
				upper_band = EXCLUDED.upper_band, lower_band = EXCLUDED.lower_band,
				fetched_at = EXCLUDED.fetched_at, updated_at = now()`,
			b.SymbolID, string(b.Timeframe), b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume,
			string(b.Provider), b.IsIntraday, b.IsForecast, string(b.DataStatus),
			b.Confidence, b.UpperBand, b.LowerBand, b.FetchedAt,
		)
	}

	br := s.db.Pool.SendBatch(ctx, batch)
	defer br.Close()

	written := 0
	for range chunk {
		if _, err := br.Exec(); err != nil {
			return written, fmt.Errorf("batch exec: %w", err)
		}
		written++
	}
	return written, nil
}

// ReadChart returns the last maxBars non-forecast bars at timeframe in
// ascending time, aggregating from m15 when h1/h4 are requested and native
// rows are absent, optionally appended with up to 20 forecast bars.
func (s *Store) ReadChart(ctx context.Context, symbolID int64, tf model.Timeframe, maxBars int, includeForecast bool) ([]model.Bar, error) {
	native, err := s.queryBars(ctx, symbolID, tf, false, maxBars, historicalPriority)
	if err != nil {
		return nil, err
	}

	bars := native
	if (tf == model.TimeframeH1 || tf == model.TimeframeH4) && len(native) < maxBars {
		m15, err := s.queryBars(ctx, symbolID, model.TimeframeM15, false, 0, historicalPriority)
		if err != nil {
			return nil, fmt.Errorf("reading m15 for aggregation: %w", err)
		}
		aggBars, err := aggregate(m15, tf)
		if err != nil {
			return nil, err
		}
		bars = mergeByTimestamp(native, aggBars, maxBars)
	}

	if len(bars) > maxBars {
		bars = bars[len(bars)-maxBars:]
	}

	if includeForecast {
		forecast, err := s.queryBars(ctx, symbolID, tf, true, 20, nil)
		if err != nil {
			return nil, fmt.Errorf("reading forecast bars: %w", err)
		}
		bars = append(bars, forecast...)
	}
	return bars, nil
}

// mergeByTimestamp prefers native bars over aggregated ones at the same
// timestamp, then sorts ascending and caps to maxBars (0 = no cap).
func mergeByTimestamp(native, aggregated []model.Bar, maxBars int) []model.Bar {
	byTS := make(map[time.Time]model.Bar, len(native)+len(aggregated))
	for _, b := range aggregated {
		byTS[b.Timestamp] = b
	}
	for _, b := range native {
		byTS[b.Timestamp] = b // native wins
	}
	out := make([]model.Bar, 0, len(byTS))
	for _, b := range byTS {
		out = append(out, b)
	}
	sortBars(out)
	if maxBars > 0 && len(out) > maxBars {
		out = out[len(out)-maxBars:]
	}
	return out
}

func sortBars(bars []model.Bar) {
	for i := 1; i < len(bars); i++ {
		for j := i; j > 0 && bars[j].Timestamp.Before(bars[j-1].Timestamp); j-- {
			bars[j], bars[j-1] = bars[j-1], bars[j]
		}
	}
}

// Layers holds the three disjoint bar sequences of read_layers.
type Layers struct {
	Historical []model.Bar
	Intraday   []model.Bar
	Forecast   []model.Bar
}

// ReadLayers classifies bars for (symbolID, tf) in [start, end] into
// historical/intraday/forecast using the bar's timestamp in
// America/New_York, never the stored is_intraday flag.
func (s *Store) ReadLayers(ctx context.Context, symbolID int64, tf model.Timeframe, start, end time.Time) (Layers, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT symbol_id, timeframe, ts, open, high, low, close, volume,
		        provider, is_intraday, is_forecast, data_status,
		        confidence_score, upper_band, lower_band, fetched_at
		 FROM bars
		 WHERE symbol_id = $1 AND timeframe = $2 AND ts BETWEEN $3 AND $4
		 ORDER BY ts ASC`,
		symbolID, string(tf), start, end,
	)
	if err != nil {
		return Layers{}, fmt.Errorf("querying layers: %w", err)
	}
	defer rows.Close()

	var layers Layers
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return Layers{}, err
		}
		switch {
		case b.IsForecast:
			if s.clock.IsFutureET(b.Timestamp) {
				layers.Forecast = append(layers.Forecast, b)
			}
		case s.clock.IsToday(b.Timestamp):
			layers.Intraday = append(layers.Intraday, b)
		default:
			layers.Historical = append(layers.Historical, b)
		}
	}
	return layers, rows.Err()
}

// queryBars fetches up to limit (0 = unlimited) non/forecast bars for
// (symbolID, tf), applying provider-priority dedup per timestamp when
// priority is non-nil.
func (s *Store) queryBars(ctx context.Context, symbolID int64, tf model.Timeframe, forecast bool, limit int, priority []model.Provider) ([]model.Bar, error) {
	query := `SELECT symbol_id, timeframe, ts, open, high, low, close, volume,
	                 provider, is_intraday, is_forecast, data_status,
	                 confidence_score, upper_band, lower_band, fetched_at
	          FROM bars
	          WHERE symbol_id = $1 AND timeframe = $2 AND is_forecast = $3
	          ORDER BY ts DESC`
	args := []any{symbolID, string(tf), forecast}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bars: %w", err)
	}
	defer rows.Close()

	byTS := make(map[time.Time]model.Bar)
	var order []time.Time
	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, err
		}
		existing, seen := byTS[b.Timestamp]
		if !seen {
			order = append(order, b.Timestamp)
			byTS[b.Timestamp] = b
			continue
		}
		if priority != nil && providerRank(b.Provider, priority) < providerRank(existing.Provider, priority) {
			byTS[b.Timestamp] = b
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Bar, 0, len(order))
	for _, ts := range order {
		out = append(out, byTS[ts])
	}
	sortBars(out)
	return out, nil
}

func providerRank(p model.Provider, priority []model.Provider) int {
	for i, candidate := range priority {
		if candidate == p {
			return i
		}
	}
	return len(priority)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBar(rows rowScanner) (model.Bar, error) {
	var b model.Bar
	var tf, provider, status string
	if err := rows.Scan(
		&b.SymbolID, &tf, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume,
		&provider, &b.IsIntraday, &b.IsForecast, &status,
		&b.Confidence, &b.UpperBand, &b.LowerBand, &b.FetchedAt,
	); err != nil {
		return model.Bar{}, fmt.Errorf("scanning bar row: %w", err)
	}
	b.Timeframe = model.Timeframe(tf)
	b.Provider = model.Provider(provider)
	b.DataStatus = model.DataStatus(status)
	return b, nil
}

// IntradayPriority and HistoricalPriority are exported so the worker and
// API layers can reuse the exact same dedup ordering when reasoning about
// which provider's bar should win without re-deriving the table.
func IntradayPriority() []model.Provider   { return append([]model.Provider(nil), intradayPriority...) }
func HistoricalPriority() []model.Provider { return append([]model.Provider(nil), historicalPriority...) }
