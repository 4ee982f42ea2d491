// Package persistence defines the storage contracts for ranked leaderboard
// entries and pnl time-series points. The PostgreSQL implementation lives in
// the postgres subpackage.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fzheng/SigmaPilot/internal/scoring"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

// ErrPersist wraps every failure of a replace transaction. The transaction
// rolls back, the prior cycle's data stays visible, and the next scheduled
// tick retries.
var ErrPersist = errors.New("persist failed")

// Pnl point sources.
const (
	SourceHyperbot    = "hyperbot"
	SourceHyperliquid = "hyperliquid"
)

// RankedRecord is one persisted row of ranked_entries.
type RankedRecord struct {
	PeriodDays     int     `db:"period_days" json:"period_days"`
	Address        string  `db:"address" json:"address"`
	Rank           int     `db:"rank" json:"rank"`
	Score          float64 `db:"score" json:"score"`
	Weight         float64 `db:"weight" json:"weight"`
	WinRate        float64 `db:"win_rate" json:"win_rate"`
	ExecutedOrders int     `db:"executed_orders" json:"executed_orders"`
	RealizedPnl    float64 `db:"realized_pnl" json:"realized_pnl"`
	PnlConsistency float64 `db:"pnl_consistency" json:"pnl_consistency"`
	Efficiency     float64 `db:"efficiency" json:"efficiency"`
	Remark         string  `db:"remark" json:"remark,omitempty"`

	Labels  []string        `db:"-" json:"labels,omitempty"`
	Metrics json.RawMessage `db:"-" json:"metrics,omitempty"`

	StatOpenPositions   *int     `db:"stat_open_positions" json:"stat_open_positions,omitempty"`
	StatClosedPositions *int     `db:"stat_closed_positions" json:"stat_closed_positions,omitempty"`
	StatAvgPosDuration  *float64 `db:"stat_avg_pos_duration" json:"stat_avg_pos_duration,omitempty"`
	StatTotalPnl        *float64 `db:"stat_total_pnl" json:"stat_total_pnl,omitempty"`
	StatMaxDrawdown     *float64 `db:"stat_max_drawdown" json:"stat_max_drawdown,omitempty"`

	FetchedAt time.Time `db:"fetched_at" json:"fetched_at"`
}

// PnlPoint is one persisted row of pnl_points, keyed by
// (period, address, source, window_name, timestamp).
type PnlPoint struct {
	PeriodDays  int       `db:"period_days" json:"period_days"`
	Address     string    `db:"address" json:"address"`
	Source      string    `db:"source" json:"source"`
	WindowName  string    `db:"window_name" json:"window_name"`
	Timestamp   time.Time `db:"point_ts" json:"point_ts"`
	PnlValue    *float64  `db:"pnl_value" json:"pnl_value,omitempty"`
	EquityValue *float64  `db:"equity_value" json:"equity_value,omitempty"`
}

// LeaderboardRepo persists and re-reads a period's ranked entries and pnl
// points. ReplacePeriod is all-or-nothing: a crash mid-cycle leaves the
// previous cycle's data intact.
type LeaderboardRepo interface {
	// ReplacePeriod atomically swaps the period's ranked entries and pnl
	// points. Pnl points are synthesized from the tracked entries' raw pnl
	// lists (source hyperbot) and from the portfolio windows matching the
	// period (source hyperliquid).
	ReplacePeriod(ctx context.Context, period int, ranked, tracked []scoring.RankedEntry, seriesByAddr map[string][]upstream.WindowSeries) error

	// ReadRanked returns entries ordered by rank ascending.
	ReadRanked(ctx context.Context, period, limit int) ([]RankedRecord, error)

	// ReadSelected returns entries ordered by weight descending, rank
	// ascending.
	ReadSelected(ctx context.Context, period, limit int) ([]RankedRecord, error)

	// ReadPnlPoints returns the period's points for one address, timestamp
	// ascending.
	ReadPnlPoints(ctx context.Context, period int, address string) ([]PnlPoint, error)
}
