// Package apiclient is ingestorctl's HTTP client for the external API
// surface (C10). Its retry/backoff shape (doRequest retries on transient
// failures with exponential backoff, surfaces 4xx bodies verbatim) is
// adapted from the reference corpus's pkg/backend.Client, applied against
// this service's own JSON/HTTP contract instead of the Python backend's.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultTimeout is the per-request timeout applied to API calls.
const DefaultTimeout = 30 * time.Second

// MaxRetries is the number of retry attempts for transient errors.
const MaxRetries = 3

// Config holds optional configuration for the client.
type Config struct {
	Timeout    time.Duration
	MaxRetries int
	Logger     *slog.Logger
}

// Client is an HTTP client for the ingestion orchestrator's API surface.
type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	logger     *slog.Logger
}

// NewClient creates a new API client. baseURL should include the scheme
// and host, e.g. "http://localhost:8080". A nil config uses defaults.
func NewClient(baseURL string, cfg *Config) *Client {
	timeout := DefaultTimeout
	retries := MaxRetries
	logger := slog.Default()

	if cfg != nil {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		if cfg.MaxRetries > 0 {
			retries = cfg.MaxRetries
		}
		if cfg.Logger != nil {
			logger = cfg.Logger
		}
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		maxRetries: retries,
		logger:     logger.With("component", "apiclient"),
	}
}

type apiError struct {
	Error string `json:"error"`
}

// TickResult mirrors POST /orchestrator/tick's response.
type TickResult struct {
	DefsScanned       int `json:"defs_scanned"`
	SlicesEnqueued    int `json:"slices_enqueued"`
	WorkersDispatched int `json:"workers_dispatched"`
}

// Trigger calls POST /orchestrator/tick.
func (c *Client) Trigger(ctx context.Context) (TickResult, error) {
	var result TickResult
	body, err := c.doPost(ctx, "/orchestrator/tick", nil)
	if err != nil {
		return result, fmt.Errorf("Trigger: %w", err)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("Trigger: decoding response: %w", err)
	}
	return result, nil
}

// SyncUserSymbolsRequest is the body for SyncUserSymbols.
type SyncUserSymbolsRequest struct {
	Symbols    []string `json:"symbols"`
	Source     string   `json:"source"`
	Timeframes []string `json:"timeframes"`
}

// SyncUserSymbolsResult mirrors POST /sync-user-symbols's response.
type SyncUserSymbolsResult struct {
	Success          bool   `json:"success"`
	SymbolsTracked   int    `json:"symbols_tracked"`
	SymbolsRequested int    `json:"symbols_requested"`
	Timeframes       int    `json:"timeframes"`
	JobsUpdated      int    `json:"jobs_updated"`
	Priority         int    `json:"priority"`
	Source           string `json:"source"`
}

// SyncUserSymbols calls POST /sync-user-symbols.
func (c *Client) SyncUserSymbols(ctx context.Context, req SyncUserSymbolsRequest) (SyncUserSymbolsResult, error) {
	var result SyncUserSymbolsResult
	body, err := c.doPost(ctx, "/sync-user-symbols", req)
	if err != nil {
		return result, fmt.Errorf("SyncUserSymbols: %w", err)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("SyncUserSymbols: decoding response: %w", err)
	}
	return result, nil
}

// SweepStuckResult mirrors POST /orchestrator/sweep-stuck's response.
type SweepStuckResult struct {
	RunsSwept int `json:"runs_swept"`
}

// SweepStuck calls POST /orchestrator/sweep-stuck, the administrative
// trigger for marking long-running runs as failed outside the normal
// once-per-tick schedule.
func (c *Client) SweepStuck(ctx context.Context) (SweepStuckResult, error) {
	var result SweepStuckResult
	body, err := c.doPost(ctx, "/orchestrator/sweep-stuck", nil)
	if err != nil {
		return result, fmt.Errorf("SweepStuck: %w", err)
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return result, fmt.Errorf("SweepStuck: decoding response: %w", err)
	}
	return result, nil
}

// QueueStatus mirrors GET /queue-status's response.
type QueueStatus struct {
	CountsByStatus   map[string]int `json:"counts_by_status"`
	OldestQueuedSecs float64        `json:"oldest_queued_age_seconds"`
	Buckets          map[string]struct {
		Provider         string  `json:"Provider"`
		ProjectedTokens  float64 `json:"ProjectedTokens"`
		SecondsUntilFull float64 `json:"SecondsUntilFull"`
	} `json:"rate_buckets"`
}

// QueueStatus calls GET /queue-status.
func (c *Client) QueueStatus(ctx context.Context) (QueueStatus, error) {
	var status QueueStatus
	body, err := c.doGet(ctx, "/queue-status", nil)
	if err != nil {
		return status, fmt.Errorf("QueueStatus: %w", err)
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return status, fmt.Errorf("QueueStatus: decoding response: %w", err)
	}
	return status, nil
}

func (c *Client) doGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return c.doRequest(ctx, http.MethodGet, u, nil)
}

func (c *Client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	} else {
		buf.WriteString("{}")
	}
	return c.doRequest(ctx, http.MethodPost, c.baseURL+path, &buf)
}

// doRequest issues one HTTP call, retrying transient failures (network
// errors, 5xx) with exponential backoff; 4xx bodies are surfaced as an
// error carrying the server's message, never retried.
func (c *Client) doRequest(ctx context.Context, method, u string, body *bytes.Buffer) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			c.logger.Debug("retrying request", "attempt", attempt, "backoff", backoff, "url", u)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body.Bytes())
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			c.logger.Warn("http request failed", "url", u, "attempt", attempt, "error", err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading response body: %w", readErr)
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return respBody, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var apiErr apiError
			if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
				return nil, fmt.Errorf("request rejected (status %d): %s", resp.StatusCode, apiErr.Error)
			}
			return nil, fmt.Errorf("request rejected (status %d)", resp.StatusCode)
		default:
			lastErr = fmt.Errorf("server error (status %d)", resp.StatusCode)
			c.logger.Warn("server error, will retry", "status", resp.StatusCode, "attempt", attempt)
		}
	}
	return nil, fmt.Errorf("exhausted %d retries: %w", c.maxRetries, lastErr)
}
