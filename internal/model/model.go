// Package model holds the domain types shared across the ingestion
// orchestrator: bars, job definitions, job runs, coverage intervals and
// rate buckets. Nothing in this package talks to Postgres, Redis or any
// provider directly; it is the vocabulary the other packages share.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Timeframe is one of the canonical bar granularities. Provider-specific
// spellings (Alpaca's "15Min", Polygon's "15/minute", ...) never leak past
// the provider adapter boundary; everything else in the system uses these
// five values.
type Timeframe string

const (
	TimeframeM15 Timeframe = "m15"
	TimeframeH1  Timeframe = "h1"
	TimeframeH4  Timeframe = "h4"
	TimeframeD1  Timeframe = "d1"
	TimeframeW1  Timeframe = "w1"
)

// Valid reports whether tf is one of the five recognized timeframes.
func (tf Timeframe) Valid() bool {
	switch tf {
	case TimeframeM15, TimeframeH1, TimeframeH4, TimeframeD1, TimeframeW1:
		return true
	}
	return false
}

// Duration returns the calendar span one bar of this timeframe covers.
// Not meaningful for w1, which is calendar-week aligned rather than a
// fixed 7*24h duration in the presence of DST; callers needing week
// alignment should use clock.AlignSliceEnd instead of this value.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeM15:
		return 15 * time.Minute
	case TimeframeH1:
		return time.Hour
	case TimeframeH4:
		return 4 * time.Hour
	case TimeframeD1:
		return 24 * time.Hour
	case TimeframeW1:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Provider identifies the source of a Bar.
type Provider string

const (
	ProviderAlpaca    Provider = "alpaca"
	ProviderPolygon   Provider = "polygon"
	ProviderTradier   Provider = "tradier"
	ProviderYFinance  Provider = "yfinance"
	ProviderMLForecast Provider = "ml_forecast"
)

// DataStatus reflects how settled a bar's values are expected to be.
type DataStatus string

const (
	DataStatusVerified   DataStatus = "verified"
	DataStatusLive       DataStatus = "live"
	DataStatusProvisional DataStatus = "provisional"
)

// Bar is one OHLCV record. Prices are decimal.Decimal (scale 4) per the
// no-binary-float instruction for monetary values; volume is a plain
// non-negative int64.
type Bar struct {
	SymbolID   int64
	Symbol     string
	Timeframe  Timeframe
	Timestamp  time.Time
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     int64
	Provider   Provider
	IsIntraday bool
	IsForecast bool
	DataStatus DataStatus

	// Forecast-only fields.
	Confidence *decimal.Decimal
	UpperBand  *decimal.Decimal
	LowerBand  *decimal.Decimal

	FetchedAt time.Time
}

// Key is the bar identity: (symbol, timeframe, ts, provider, is_forecast).
type Key struct {
	SymbolID   int64
	Timeframe  Timeframe
	Timestamp  time.Time
	Provider   Provider
	IsForecast bool
}

func (b Bar) Key() Key {
	return Key{
		SymbolID:   b.SymbolID,
		Timeframe:  b.Timeframe,
		Timestamp:  b.Timestamp,
		Provider:   b.Provider,
		IsForecast: b.IsForecast,
	}
}

// JobKind enumerates what a JobDefinition asks the orchestrator to keep
// fresh.
type JobKind string

const (
	KindFetchIntraday   JobKind = "fetch_intraday"
	KindFetchHistorical JobKind = "fetch_historical"
	KindRunForecast     JobKind = "run_forecast"
)

// Source is the origin of a user-symbol subscription; it determines the
// priority assigned to the JobDefinitions created for it.
type Source string

const (
	SourceWatchlist    Source = "watchlist"
	SourceChartView    Source = "chart_view"
	SourceRecentSearch Source = "recent_search"
	SourceCron         Source = "cron"
)

// PriorityFor maps a subscription source to its JobDefinition priority.
func PriorityFor(s Source) int {
	switch s {
	case SourceWatchlist:
		return 300
	case SourceChartView:
		return 200
	case SourceRecentSearch:
		return 100
	default:
		return 100
	}
}

// JobDefinition is a durable template describing what must stay fresh.
type JobDefinition struct {
	ID         int64
	Symbol     string
	SymbolID   int64
	Timeframe  Timeframe
	Kind       JobKind
	WindowDays int
	Priority   int
	Enabled    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RunStatus is the JobRun state machine position.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusSuccess   RunStatus = "success"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// JobRun is one executable slice of a JobDefinition.
type JobRun struct {
	ID           string // uuid
	JobDefID     int64
	Symbol       string
	Timeframe    Timeframe
	Kind         JobKind
	SliceFrom    time.Time
	SliceTo      time.Time
	Status       RunStatus
	Attempt      int
	RowsWritten  int
	Provider     Provider
	ErrorCode    string
	ErrorMessage string
	TriggeredBy  Source
	IdxHash      string
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Interval is a closed [From, To] time range.
type Interval struct {
	From time.Time
	To   time.Time
}

// Empty reports whether the interval has non-positive span.
func (iv Interval) Empty() bool {
	return !iv.From.Before(iv.To)
}

// CoverageInterval is the ledger of what bar data is known present for a
// (symbol, timeframe) pair.
type CoverageInterval struct {
	Symbol          string
	Timeframe       Timeframe
	FromTS          time.Time
	ToTS            time.Time
	LastSuccessAt   time.Time
	LastRowsWritten int
	LastProvider    Provider
}

// RateBucket is the distributed token-bucket state for one provider.
type RateBucket struct {
	Provider        Provider
	Capacity        float64
	RefillPerMinute float64
	Tokens          float64
	UpdatedAt       time.Time
}
