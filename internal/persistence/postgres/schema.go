package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Migrate applies the schema. Statements are idempotent so the binary can
// apply them at startup.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS ranked_entries (
			period_days INTEGER NOT NULL,
			address TEXT NOT NULL,
			rank INTEGER NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			weight DOUBLE PRECISION NOT NULL,
			win_rate DOUBLE PRECISION NOT NULL,
			executed_orders INTEGER NOT NULL,
			realized_pnl DOUBLE PRECISION NOT NULL,
			pnl_consistency DOUBLE PRECISION NOT NULL,
			efficiency DOUBLE PRECISION NOT NULL,
			remark TEXT,
			labels JSONB,
			metrics JSONB,
			stat_open_positions INTEGER,
			stat_closed_positions INTEGER,
			stat_avg_pos_duration DOUBLE PRECISION,
			stat_total_pnl DOUBLE PRECISION,
			stat_max_drawdown DOUBLE PRECISION,
			fetched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ranked_entries_period_addr
			ON ranked_entries (period_days, lower(address))`,
		`CREATE INDEX IF NOT EXISTS ix_ranked_entries_period_weight
			ON ranked_entries (period_days, weight DESC)`,

		`CREATE TABLE IF NOT EXISTS pnl_points (
			period_days INTEGER NOT NULL,
			address TEXT NOT NULL,
			source TEXT NOT NULL,
			window_name TEXT NOT NULL,
			point_ts TIMESTAMPTZ NOT NULL,
			pnl_value DOUBLE PRECISION,
			equity_value DOUBLE PRECISION
		)`,
		`CREATE INDEX IF NOT EXISTS ix_pnl_points_period_addr
			ON pnl_points (period_days, address, point_ts)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
