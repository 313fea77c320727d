// Package db owns the single pgxpool.Pool shared by every storage
// component (bar store, coverage ledger, job catalog, job queue, rate
// limiter). Pool tuning mirrors the reference corpus's persistence layer.
package db

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	pgxdecimal "github.com/jackc/pgx-shopspring-decimal"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Client wraps a tuned pgxpool.Pool.
type Client struct {
	Pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates the connection pool and verifies connectivity before
// returning.
func New(ctx context.Context, connStr string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	// shopspring/decimal has no built-in pgx v5 numeric codec; register it
	// on every pooled connection so store.go can bind/scan decimal.Decimal
	// directly against numeric columns.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		pgxdecimal.Register(conn.TypeMap())
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	logger.Info("database connection pool established", "max_conns", cfg.MaxConns)
	return &Client{Pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (c *Client) Close() {
	c.Pool.Close()
	c.logger.Info("database connection pool closed")
}

// HealthCheck pings the pool; used by /readyz.
func (c *Client) HealthCheck(ctx context.Context) error {
	return c.Pool.Ping(ctx)
}
