// Package alpaca adapts the Alpaca v2 market data API to the provider.Adapter
// interface. Client shape (base URL default, APCA-API-KEY-ID/SECRET-KEY
// headers, page_token pagination, 25-day chunking) is carried over from the
// reference corpus's own internal/alpaca client, generalized to emit
// model.Bar instead of a DB-specific row type.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
)

const (
	defaultBaseURL = "https://data.alpaca.markets"
	maxDaysPerChunk = 25
	maxRetries      = 3
	maxBarsPerPage  = 10000
)

// Client is the Alpaca adapter.
type Client struct {
	baseURL    string
	apiKey     string
	secretKey  string
	httpClient *http.Client
	clock      *clock.Clock
	logger     *slog.Logger
}

// NewClient constructs an Alpaca adapter. clk classifies each fetched bar's
// date against the current trading day so IsIntraday reflects the bar
// itself rather than just the requested timeframe; a nil clk falls back to
// clock.New(logger).
func NewClient(baseURL, apiKey, secretKey string, clk *clock.Clock, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if clk == nil {
		clk = clock.New(logger)
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		clock:      clk,
		logger:     logger.With("provider", "alpaca"),
	}
}

// Provider identifies this adapter.
func (c *Client) Provider() model.Provider { return model.ProviderAlpaca }

// SupportsTimeframe reports whether tf has an Alpaca timeframe spelling.
func (c *Client) SupportsTimeframe(tf model.Timeframe) bool {
	_, ok := mapTimeframe(tf)
	return ok
}

// FetchBars fetches bars for [start, end], chunking into maxDaysPerChunk
// windows and paginating each chunk via page_token.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error) {
	alpacaTF, ok := mapTimeframe(tf)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q for alpaca", tf)
	}

	var all []model.Bar
	for _, chunk := range chunkRange(start, end, maxDaysPerChunk) {
		bars, err := c.fetchChunk(ctx, symbol, tf, alpacaTF, chunk[0], chunk[1])
		if err != nil {
			return all, fmt.Errorf("chunk %s..%s: %w", chunk[0].Format("2006-01-02"), chunk[1].Format("2006-01-02"), err)
		}
		all = append(all, bars...)
	}
	return all, nil
}

func (c *Client) fetchChunk(ctx context.Context, symbol string, tf model.Timeframe, alpacaTF string, start, end time.Time) ([]model.Bar, error) {
	var all []model.Bar
	pageToken := ""

	for {
		params := url.Values{
			"timeframe": {alpacaTF},
			"start":     {start.Format(time.RFC3339)},
			"end":       {end.Format(time.RFC3339)},
			"feed":      {"iex"},
			"limit":     {fmt.Sprintf("%d", maxBarsPerPage)},
		}
		if pageToken != "" {
			params.Set("page_token", pageToken)
		}
		reqURL := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.baseURL, symbol, params.Encode())

		body, err := provider.DoWithRetry(ctx, c.httpClient, c.logger, maxRetries, func() (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
			if err != nil {
				return nil, err
			}
			req.Header.Set("APCA-API-KEY-ID", c.apiKey)
			req.Header.Set("APCA-API-SECRET-KEY", c.secretKey)
			req.Header.Set("Accept", "application/json")
			return req, nil
		})
		if err != nil {
			return all, err
		}

		var resp barsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return all, fmt.Errorf("decoding alpaca response: %w", err)
		}

		bars, err := convertBars(resp.Bars, symbol, tf, c.clock)
		if err != nil {
			return all, err
		}
		all = append(all, bars...)

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return all, nil
}

type rawBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    int64     `json:"v"`
}

type barsResponse struct {
	Bars          []rawBar `json:"bars"`
	NextPageToken string   `json:"next_page_token"`
}

func convertBars(raw []rawBar, symbol string, tf model.Timeframe, clk *clock.Clock) ([]model.Bar, error) {
	intradayTF := tf == model.TimeframeM15 || tf == model.TimeframeH1 || tf == model.TimeframeH4
	bars := make([]model.Bar, 0, len(raw))
	for _, b := range raw {
		ts := b.Timestamp.UTC()
		bars = append(bars, model.Bar{
			Symbol:     symbol,
			Timeframe:  tf,
			Timestamp:  ts,
			Open:       decimal.NewFromFloat(b.Open).Round(4),
			High:       decimal.NewFromFloat(b.High).Round(4),
			Low:        decimal.NewFromFloat(b.Low).Round(4),
			Close:      decimal.NewFromFloat(b.Close).Round(4),
			Volume:     b.Volume,
			Provider:   model.ProviderAlpaca,
			IsIntraday: intradayTF && clk.IsToday(ts),
			DataStatus: model.DataStatusVerified,
			FetchedAt:  time.Now().UTC(),
		})
	}
	return bars, nil
}

func mapTimeframe(tf model.Timeframe) (string, bool) {
	switch tf {
	case model.TimeframeM15:
		return "15Min", true
	case model.TimeframeH1:
		return "1Hour", true
	case model.TimeframeH4:
		return "4Hour", true
	case model.TimeframeD1:
		return "1Day", true
	case model.TimeframeW1:
		return "1Week", true
	default:
		return "", false
	}
}

func chunkRange(start, end time.Time, maxDays int) [][2]time.Time {
	var chunks [][2]time.Time
	current := start
	for current.Before(end) {
		chunkEnd := current.AddDate(0, 0, maxDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, [2]time.Time{current, chunkEnd})
		current = chunkEnd
	}
	return chunks
}
