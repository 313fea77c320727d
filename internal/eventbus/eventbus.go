// Package eventbus is the ambient Redis pub/sub surface: ingestion
// lifecycle events published for out-of-scope downstream
// consumers (ML forecasting, options ranking). Adapted directly from the
// reference corpus's internal/redisbus, narrowed to this domain's three
// event types and typed payload structs instead of a loosely-typed
// map[string]any, since every publisher here is internal and the
// Python-interop wire-format concessions in the original (the
// __type__/value datetime envelope) have no reason to exist.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/algomatic/ingestor/internal/model"
)

// Event type constants.
const (
	EventRunCompleted = "ingestion.run.completed"
	EventRunFailed    = "ingestion.run.failed"
	EventBarsUpdated  = "ingestion.bars.updated"
)

// Event is one message flowing through the bus.
type Event struct {
	EventType     string         `json:"event_type"`
	Payload       map[string]any `json:"payload"`
	Source        string         `json:"source"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
}

// Bus wraps a Redis client for pub/sub.
type Bus struct {
	client        *redis.Client
	channelPrefix string
	logger        *slog.Logger
}

// NewBus constructs a Bus.
func NewBus(addr, password string, db int, channelPrefix string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return &Bus{client: client, channelPrefix: channelPrefix, logger: logger.With("component", "eventbus")}
}

// HealthCheck verifies Redis connectivity; used by /readyz.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close shuts down the Redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}

func (b *Bus) publish(ctx context.Context, eventType string, payload map[string]any, correlationID string) error {
	event := Event{
		EventType:     eventType,
		Payload:       payload,
		Source:        "ingestor",
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	channel := b.channelPrefix + ":" + eventType
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	b.logger.Debug("published event", "event_type", eventType, "channel", channel, "correlation_id", correlationID)
	return nil
}

// PublishRunCompleted announces a successful run.
func (b *Bus) PublishRunCompleted(ctx context.Context, run model.JobRun) error {
	return b.publish(ctx, EventRunCompleted, map[string]any{
		"symbol":       run.Symbol,
		"timeframe":    string(run.Timeframe),
		"provider":     string(run.Provider),
		"rows_written": run.RowsWritten,
		"slice_from":   run.SliceFrom.Format(time.RFC3339),
		"slice_to":     run.SliceTo.Format(time.RFC3339),
	}, run.ID)
}

// PublishRunFailed announces a terminal run failure.
func (b *Bus) PublishRunFailed(ctx context.Context, run model.JobRun) error {
	return b.publish(ctx, EventRunFailed, map[string]any{
		"symbol":        run.Symbol,
		"timeframe":     string(run.Timeframe),
		"attempt":       run.Attempt,
		"error_code":    run.ErrorCode,
		"error_message": run.ErrorMessage,
	}, run.ID)
}

// PublishBarsUpdated announces new bar data becoming available for a
// symbol/timeframe, the signal downstream ML/ranking consumers act on.
func (b *Bus) PublishBarsUpdated(ctx context.Context, symbol string, tf model.Timeframe, rowsWritten int, correlationID string) error {
	return b.publish(ctx, EventBarsUpdated, map[string]any{
		"symbol":       symbol,
		"timeframe":    string(tf),
		"rows_written": rowsWritten,
	}, correlationID)
}
