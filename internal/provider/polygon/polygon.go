// Package polygon adapts the Polygon.io aggregates API to the
// provider.Adapter interface. Each fetch is one ranged request that follows
// Polygon's server-side next_url pagination; the adapter does no
// backward paging by window and adds no fixed pause between calls.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
)

const (
	baseURL       = "https://api.polygon.io"
	maxRetries    = 3
	maxRowsPerReq = 50000
)

// Client is the Polygon adapter.
type Client struct {
	apiKey     string
	httpClient *http.Client
	clock      *clock.Clock
	logger     *slog.Logger
}

// NewClient constructs a Polygon adapter. clk classifies each fetched bar's
// date against the current trading day so IsIntraday reflects the bar
// itself rather than just the requested timeframe; a nil clk falls back to
// clock.New(logger).
func NewClient(apiKey string, clk *clock.Clock, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New(logger)
	}
	return &Client{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		clock:      clk,
		logger:     logger.With("provider", "polygon"),
	}
}

// Provider identifies this adapter.
func (c *Client) Provider() model.Provider { return model.ProviderPolygon }

// SupportsTimeframe reports whether tf has a Polygon multiplier/timespan
// spelling; all five canonical timeframes have one.
func (c *Client) SupportsTimeframe(tf model.Timeframe) bool {
	_, _, ok := mapTimeframe(tf)
	return ok
}

// FetchBars fetches aggregates for [start, end] in a single ranged request;
// Polygon's aggregates endpoint does not require the backward-chunking the
// free-tier time-series APIs need, since it paginates server-side via
// next_url, which this adapter follows until exhausted.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error) {
	mult, span, ok := mapTimeframe(tf)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q for polygon", tf)
	}

	reqURL := fmt.Sprintf("%s/v2/aggs/ticker/%s/range/%d/%s/%s/%s?adjusted=true&sort=asc&limit=%d&apiKey=%s",
		baseURL, symbol, mult, span,
		start.Format("2006-01-02"), end.Format("2006-01-02"), maxRowsPerReq, c.apiKey)

	var all []model.Bar
	for reqURL != "" {
		body, err := provider.DoWithRetry(ctx, c.httpClient, c.logger, maxRetries, func() (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		})
		if err != nil {
			return all, err
		}

		var resp aggsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return all, fmt.Errorf("decoding polygon response: %w", err)
		}
		if resp.Status != "OK" && resp.Status != "DELAYED" {
			return all, apperr.Permanent(fmt.Sprintf("polygon status %q", resp.Status))
		}

		bars, err := convertBars(resp.Results, symbol, tf, c.clock)
		if err != nil {
			return all, err
		}
		all = append(all, bars...)

		if resp.NextURL == "" {
			break
		}
		reqURL = resp.NextURL + "&apiKey=" + c.apiKey
	}
	return all, nil
}

type rawResult struct {
	Timestamp int64   `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    float64 `json:"v"`
}

type aggsResponse struct {
	Status  string      `json:"status"`
	Results []rawResult `json:"results"`
	NextURL string      `json:"next_url"`
}

func convertBars(raw []rawResult, symbol string, tf model.Timeframe, clk *clock.Clock) ([]model.Bar, error) {
	intradayTF := tf == model.TimeframeM15 || tf == model.TimeframeH1 || tf == model.TimeframeH4
	bars := make([]model.Bar, 0, len(raw))
	for _, r := range raw {
		ts := time.UnixMilli(r.Timestamp).UTC()
		bars = append(bars, model.Bar{
			Symbol:     symbol,
			Timeframe:  tf,
			Timestamp:  ts,
			Open:       decimal.NewFromFloat(r.Open).Round(4),
			High:       decimal.NewFromFloat(r.High).Round(4),
			Low:        decimal.NewFromFloat(r.Low).Round(4),
			Close:      decimal.NewFromFloat(r.Close).Round(4),
			Volume:     int64(r.Volume),
			Provider:   model.ProviderPolygon,
			IsIntraday: intradayTF && clk.IsToday(ts),
			DataStatus: model.DataStatusVerified,
			FetchedAt:  time.Now().UTC(),
		})
	}
	return bars, nil
}

func mapTimeframe(tf model.Timeframe) (int, string, bool) {
	switch tf {
	case model.TimeframeM15:
		return 15, "minute", true
	case model.TimeframeH1:
		return 1, "hour", true
	case model.TimeframeH4:
		return 4, "hour", true
	case model.TimeframeD1:
		return 1, "day", true
	case model.TimeframeW1:
		return 1, "week", true
	default:
		return 0, "", false
	}
}
