// Package catalog is the job catalog (C4): durable job definitions
// (symbol x timeframe x kind) with priorities, grounded on the reference
// corpus's GetOrCreateTicker/GetActiveTickers upsert-then-select idiom.
package catalog

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/model"
)

// Catalog is the job catalog.
type Catalog struct {
	db     *db.Client
	logger *slog.Logger
}

// New constructs a Catalog.
func New(dbc *db.Client, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{db: dbc, logger: logger.With("component", "catalog")}
}

// UpsertDefinition creates or updates a (symbol, timeframe, kind)
// definition. Re-subscribing an existing definition updates window_days,
// raises priority to the larger of the stored and requested values, and
// re-enables it without disturbing its id (and therefore its JobRun
// history).
func (c *Catalog) UpsertDefinition(ctx context.Context, symbol string, symbolID int64, tf model.Timeframe, kind model.JobKind, windowDays, priority int) (int64, bool, error) {
	var id int64
	var created bool

	err := c.db.Pool.QueryRow(ctx,
		`INSERT INTO job_definitions (symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, true, now(), now())
		 ON CONFLICT (symbol, timeframe, kind) DO UPDATE SET
			window_days = EXCLUDED.window_days,
			priority = GREATEST(job_definitions.priority, EXCLUDED.priority),
			enabled = true,
			updated_at = now()
		 RETURNING id, (xmax = 0) AS created`,
		symbol, symbolID, string(tf), string(kind), windowDays, priority,
	).Scan(&id, &created)
	if err != nil {
		return 0, false, fmt.Errorf("upserting job definition %s/%s/%s: %w", symbol, tf, kind, err)
	}
	return id, created, nil
}

// Enable flips a definition's enabled flag.
func (c *Catalog) Enable(ctx context.Context, symbol string, tf model.Timeframe, kind model.JobKind, enabled bool) error {
	_, err := c.db.Pool.Exec(ctx,
		`UPDATE job_definitions SET enabled = $4, updated_at = now()
		 WHERE symbol = $1 AND timeframe = $2 AND kind = $3`,
		symbol, string(tf), string(kind), enabled,
	)
	if err != nil {
		return fmt.Errorf("setting enabled=%v for %s/%s/%s: %w", enabled, symbol, tf, kind, err)
	}
	return nil
}

// ListEnabled returns enabled definitions ordered by priority desc, then
// created_at asc, matching the orchestrator tick's scan order.
func (c *Catalog) ListEnabled(ctx context.Context) ([]model.JobDefinition, error) {
	rows, err := c.db.Pool.Query(ctx,
		`SELECT id, symbol, symbol_id, timeframe, kind, window_days, priority, enabled, created_at, updated_at
		 FROM job_definitions WHERE enabled = true
		 ORDER BY priority DESC, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing enabled job definitions: %w", err)
	}
	defer rows.Close()

	var defs []model.JobDefinition
	for rows.Next() {
		var d model.JobDefinition
		var tf, kind string
		if err := rows.Scan(&d.ID, &d.Symbol, &d.SymbolID, &tf, &kind, &d.WindowDays, &d.Priority, &d.Enabled, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning job definition: %w", err)
		}
		d.Timeframe = model.Timeframe(tf)
		d.Kind = model.JobKind(kind)
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
