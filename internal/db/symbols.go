package db

import (
	"context"
	"fmt"
)

// GetOrCreateSymbol resolves ticker to its symbols.id, inserting a row if
// this is the first time the ticker has been seen. Shared by the bar store
// and the job catalog, both of which need the symbol_id foreign key.
func (c *Client) GetOrCreateSymbol(ctx context.Context, ticker, assetType string) (int64, error) {
	_, err := c.Pool.Exec(ctx,
		`INSERT INTO symbols (ticker, asset_type) VALUES ($1, $2)
		 ON CONFLICT (ticker) DO NOTHING`,
		ticker, assetType,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting symbol %q: %w", ticker, err)
	}

	var id int64
	if err := c.Pool.QueryRow(ctx,
		`SELECT id FROM symbols WHERE ticker = $1`, ticker,
	).Scan(&id); err != nil {
		return 0, fmt.Errorf("looking up symbol %q: %w", ticker, err)
	}
	return id, nil
}

// SymbolTicker resolves a symbol_id back to its ticker string.
func (c *Client) SymbolTicker(ctx context.Context, symbolID int64) (string, error) {
	var ticker string
	if err := c.Pool.QueryRow(ctx,
		`SELECT ticker FROM symbols WHERE id = $1`, symbolID,
	).Scan(&ticker); err != nil {
		return "", fmt.Errorf("looking up symbol id %d: %w", symbolID, err)
	}
	return ticker, nil
}
