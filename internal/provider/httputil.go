package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/algomatic/ingestor/internal/apperr"
)

// DoWithRetry executes req with exponential backoff, classifying the final
// non-2xx response through apperr.ClassifyHTTPStatus so callers (the
// router) can tell a rate limit from a permanent failure. Shared by every
// adapter in this package; grounded on the reference corpus's
// alpaca/twelvedata doWithRetry idiom.
func DoWithRetry(ctx context.Context, client *http.Client, logger *slog.Logger, maxRetries int, newReq func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logger.Debug("retrying request", "attempt", attempt, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("http request failed: %w: %w", apperr.Transient("network error"), err)
			logger.Warn("request failed", "attempt", attempt, "error", err)
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = fmt.Errorf("reading response body: %w: %w", apperr.Transient("network error"), readErr)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		classified := apperr.ClassifyHTTPStatus(resp.StatusCode, string(body))
		if !apperr.Retryable(classified) {
			return nil, classified
		}
		lastErr = classified
		logger.Warn("retryable response", "status", resp.StatusCode, "attempt", attempt)
	}

	return nil, fmt.Errorf("all %d retries exhausted: %w", maxRetries, lastErr)
}
