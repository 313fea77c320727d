// Package tradier adapts the Tradier market data timesales API, used only
// as the intraday fallback behind Alpaca. Request shape (bearer auth
// header, single GET, explicit status classification) follows the
// reference corpus's alpaca client.
package tradier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
)

const (
	defaultBaseURL = "https://api.tradier.com"
	maxRetries     = 3
)

// Client is the Tradier adapter.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a Tradier adapter.
func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("provider", "tradier"),
	}
}

// Provider identifies this adapter.
func (c *Client) Provider() model.Provider { return model.ProviderTradier }

// SupportsTimeframe reports that only m15 is supported; Tradier serves
// same-day intraday requests only.
func (c *Client) SupportsTimeframe(tf model.Timeframe) bool {
	return tf == model.TimeframeM15
}

// FetchBars fetches 15-minute timesales for [start, end], which must fall
// within the current market day.
func (c *Client) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error) {
	if tf != model.TimeframeM15 {
		return nil, fmt.Errorf("unsupported timeframe %q for tradier", tf)
	}

	params := url.Values{
		"symbol":    {symbol},
		"interval":  {"15min"},
		"start":     {start.Format("2006-01-02 15:04")},
		"end":       {end.Format("2006-01-02 15:04")},
		"session_filter": {"open"},
	}
	reqURL := fmt.Sprintf("%s/v1/markets/timesales?%s", c.baseURL, params.Encode())

	body, err := provider.DoWithRetry(ctx, c.httpClient, c.logger, maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp timesalesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding tradier response: %w", err)
	}

	return convertBars(resp.Series.Data, symbol), nil
}

type rawPoint struct {
	Time   string  `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume int64   `json:"volume"`
}

type timesalesResponse struct {
	Series struct {
		Data []rawPoint `json:"data"`
	} `json:"series"`
}

func convertBars(raw []rawPoint, symbol string) []model.Bar {
	bars := make([]model.Bar, 0, len(raw))
	for _, p := range raw {
		ts, err := time.Parse("2006-01-02T15:04:05", p.Time)
		if err != nil {
			continue
		}
		bars = append(bars, model.Bar{
			Symbol:     symbol,
			Timeframe:  model.TimeframeM15,
			Timestamp:  ts.UTC(),
			Open:       decimal.NewFromFloat(p.Open).Round(4),
			High:       decimal.NewFromFloat(p.High).Round(4),
			Low:        decimal.NewFromFloat(p.Low).Round(4),
			Close:      decimal.NewFromFloat(p.Close).Round(4),
			Volume:     p.Volume,
			Provider:   model.ProviderTradier,
			IsIntraday: true,
			DataStatus: model.DataStatusLive,
			FetchedAt:  time.Now().UTC(),
		})
	}
	return bars
}
