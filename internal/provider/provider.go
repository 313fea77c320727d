// Package provider is the upstream market data source abstraction (C7): a
// common Adapter interface implemented per provider, and a Router that
// walks a priority chain, advancing only on rate-limited or transient
// failures. Adapter shape (NewClient(...), http.Client with timeout,
// doWithRetry exponential backoff, explicit status classification) is
// grounded on the reference corpus's alpaca and twelvedata clients.
package provider

import (
	"context"
	"time"

	"github.com/algomatic/ingestor/internal/model"
)

// Adapter fetches bars from a single upstream source.
type Adapter interface {
	Provider() model.Provider
	FetchBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error)
	SupportsTimeframe(tf model.Timeframe) bool
}

// Cost is the token-bucket cost of a single FetchBars call. All adapters in
// this design cost one request per call regardless of chunking internal to
// the adapter, matching the per-HTTP-call accounting the rate limiter rows
// represent.
const Cost = 1.0

// intradayChain and historicalChain are the default provider priority
// orders. fetch_intraday walks intradayChain; fetch_historical walks
// historicalChain. A router advances to the next
// adapter only when the current one returns a retryable classified error
// (RateLimited or Transient); any other error is terminal for the run.
var (
	IntradayChain   = []model.Provider{model.ProviderAlpaca, model.ProviderTradier}
	HistoricalChain = []model.Provider{model.ProviderAlpaca, model.ProviderPolygon, model.ProviderYFinance}
)
