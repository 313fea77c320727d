// Package yfinance adapts the Yahoo Finance chart API, the last-resort
// fallback in the historical chain. Fetch and decode shape follows the
// reference corpus's twelvedata client: a single ranged
// request, explicit status/error-field checking before decoding the
// numeric series.
package yfinance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/algomatic/ingestor/internal/apperr"
	"github.com/algomatic/ingestor/internal/model"
	"github.com/algomatic/ingestor/internal/provider"
)

const (
	baseURL    = "https://query1.finance.yahoo.com"
	maxRetries = 3
)

// Client is the YFinance adapter. Yahoo's chart API requires no key.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient constructs a YFinance adapter.
func NewClient(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With("provider", "yfinance"),
	}
}

// Provider identifies this adapter.
func (c *Client) Provider() model.Provider { return model.ProviderYFinance }

// SupportsTimeframe reports whether tf has a Yahoo chart interval
// spelling.
func (c *Client) SupportsTimeframe(tf model.Timeframe) bool {
	_, ok := mapTimeframe(tf)
	return ok
}

// FetchBars fetches the chart series covering [start, end].
func (c *Client) FetchBars(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Bar, error) {
	interval, ok := mapTimeframe(tf)
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q for yfinance", tf)
	}

	reqURL := fmt.Sprintf("%s/v8/finance/chart/%s?interval=%s&period1=%d&period2=%d",
		baseURL, symbol, interval, start.Unix(), end.Unix())

	body, err := provider.DoWithRetry(ctx, c.httpClient, c.logger, maxRetries, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", "Mozilla/5.0")
		return req, nil
	})
	if err != nil {
		return nil, err
	}

	var resp chartResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding yfinance response: %w", err)
	}
	if resp.Chart.Error != nil {
		return nil, apperr.Permanent(fmt.Sprintf("yfinance error: %s", resp.Chart.Error.Description))
	}
	if len(resp.Chart.Result) == 0 {
		return nil, nil
	}

	return convertBars(resp.Chart.Result[0], symbol, tf), nil
}

type chartResult struct {
	Timestamp  []int64 `json:"timestamp"`
	Indicators struct {
		Quote []struct {
			Open   []float64 `json:"open"`
			High   []float64 `json:"high"`
			Low    []float64 `json:"low"`
			Close  []float64 `json:"close"`
			Volume []int64   `json:"volume"`
		} `json:"quote"`
	} `json:"indicators"`
}

type chartResponse struct {
	Chart struct {
		Result []chartResult `json:"result"`
		Error  *struct {
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func convertBars(r chartResult, symbol string, tf model.Timeframe) []model.Bar {
	if len(r.Indicators.Quote) == 0 {
		return nil
	}
	q := r.Indicators.Quote[0]
	bars := make([]model.Bar, 0, len(r.Timestamp))
	for i, ts := range r.Timestamp {
		if i >= len(q.Open) || i >= len(q.High) || i >= len(q.Low) || i >= len(q.Close) || i >= len(q.Volume) {
			break
		}
		bars = append(bars, model.Bar{
			Symbol:     symbol,
			Timeframe:  tf,
			Timestamp:  time.Unix(ts, 0).UTC(),
			Open:       decimal.NewFromFloat(q.Open[i]).Round(4),
			High:       decimal.NewFromFloat(q.High[i]).Round(4),
			Low:        decimal.NewFromFloat(q.Low[i]).Round(4),
			Close:      decimal.NewFromFloat(q.Close[i]).Round(4),
			Volume:     q.Volume[i],
			Provider:   model.ProviderYFinance,
			IsIntraday: false,
			DataStatus: model.DataStatusVerified,
			FetchedAt:  time.Now().UTC(),
		})
	}
	return bars
}

func mapTimeframe(tf model.Timeframe) (string, bool) {
	switch tf {
	case model.TimeframeM15:
		return "15m", true
	case model.TimeframeH1:
		return "1h", true
	case model.TimeframeD1:
		return "1d", true
	case model.TimeframeW1:
		return "1wk", true
	default:
		return "", false
	}
}
