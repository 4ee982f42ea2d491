// Package postgres implements the persistence contracts on PostgreSQL via
// sqlx. All writes for a refresh cycle happen in a single transaction:
// delete-then-insert keeps ReplacePeriod idempotent, and the upsert on
// (period_days, lower(address)) keeps it safe against races with itself.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fzheng/SigmaPilot/internal/persistence"
	"github.com/fzheng/SigmaPilot/internal/scoring"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

const (
	rankedChunkSize = 100
	pointChunkSize  = 400
)

type leaderboardRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLeaderboardRepo creates the PostgreSQL leaderboard repository.
func NewLeaderboardRepo(db *sqlx.DB, timeout time.Duration) persistence.LeaderboardRepo {
	return &leaderboardRepo{db: db, timeout: timeout}
}

// ReplacePeriod swaps the period's ranked entries and pnl points in one
// transaction. Any failure rolls back and surfaces as ErrPersist; readers
// keep seeing the previous cycle.
func (r *leaderboardRepo) ReplacePeriod(ctx context.Context, period int, ranked, tracked []scoring.RankedEntry, seriesByAddr map[string][]upstream.WindowSeries) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", persistence.ErrPersist, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ranked_entries WHERE period_days = $1`, period); err != nil {
		return fmt.Errorf("%w: delete ranked_entries: %v", persistence.ErrPersist, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pnl_points WHERE period_days = $1`, period); err != nil {
		return fmt.Errorf("%w: delete pnl_points: %v", persistence.ErrPersist, err)
	}

	for start := 0; start < len(ranked); start += rankedChunkSize {
		end := start + rankedChunkSize
		if end > len(ranked) {
			end = len(ranked)
		}
		if err := insertRankedChunk(ctx, tx, period, ranked[start:end]); err != nil {
			return err
		}
	}

	points := buildPnlPoints(period, tracked, seriesByAddr)
	for start := 0; start < len(points); start += pointChunkSize {
		end := start + pointChunkSize
		if end > len(points) {
			end = len(points)
		}
		if err := insertPointChunk(ctx, tx, points[start:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", persistence.ErrPersist, err)
	}
	return nil
}

func insertRankedChunk(ctx context.Context, tx *sqlx.Tx, period int, entries []scoring.RankedEntry) error {
	const cols = 18
	placeholders := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*cols)

	for i, e := range entries {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")

		labelsJSON, err := json.Marshal(e.Labels)
		if err != nil {
			return fmt.Errorf("%w: marshal labels for %s: %v", persistence.ErrPersist, e.Address, err)
		}
		metricsJSON, err := json.Marshal(e.Meta)
		if err != nil {
			return fmt.Errorf("%w: marshal metrics for %s: %v", persistence.ErrPersist, e.Address, err)
		}

		args = append(args,
			period, strings.ToLower(e.Address), e.Rank, e.Score, e.Weight,
			e.WinRate, e.ExecutedOrders, e.RealizedPnl, e.PnlConsistency, e.Efficiency,
			e.Remark, labelsJSON, metricsJSON,
			e.StatOpenPositions, e.StatClosedPositions, e.StatAvgPosDuration, e.StatTotalPnl, e.StatMaxDrawdown,
		)
	}

	query := `
		INSERT INTO ranked_entries (
			period_days, address, rank, score, weight,
			win_rate, executed_orders, realized_pnl, pnl_consistency, efficiency,
			remark, labels, metrics,
			stat_open_positions, stat_closed_positions, stat_avg_pos_duration, stat_total_pnl, stat_max_drawdown
		) VALUES ` + strings.Join(placeholders, ", ") + `
		ON CONFLICT (period_days, lower(address)) DO UPDATE SET
			rank = EXCLUDED.rank,
			score = EXCLUDED.score,
			weight = EXCLUDED.weight,
			win_rate = EXCLUDED.win_rate,
			executed_orders = EXCLUDED.executed_orders,
			realized_pnl = EXCLUDED.realized_pnl,
			pnl_consistency = EXCLUDED.pnl_consistency,
			efficiency = EXCLUDED.efficiency,
			remark = EXCLUDED.remark,
			labels = EXCLUDED.labels,
			metrics = EXCLUDED.metrics,
			stat_open_positions = EXCLUDED.stat_open_positions,
			stat_closed_positions = EXCLUDED.stat_closed_positions,
			stat_avg_pos_duration = EXCLUDED.stat_avg_pos_duration,
			stat_total_pnl = EXCLUDED.stat_total_pnl,
			stat_max_drawdown = EXCLUDED.stat_max_drawdown,
			fetched_at = NOW()`

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert ranked_entries chunk: %v", persistence.ErrPersist, err)
	}
	return nil
}

func insertPointChunk(ctx context.Context, tx *sqlx.Tx, points []persistence.PnlPoint) error {
	const cols = 7
	placeholders := make([]string, 0, len(points))
	args := make([]interface{}, 0, len(points)*cols)

	for i, p := range points {
		base := i * cols
		ph := make([]string, cols)
		for j := range ph {
			ph[j] = fmt.Sprintf("$%d", base+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ", ")+")")
		args = append(args, p.PeriodDays, p.Address, p.Source, p.WindowName, p.Timestamp, p.PnlValue, p.EquityValue)
	}

	query := `
		INSERT INTO pnl_points (period_days, address, source, window_name, point_ts, pnl_value, equity_value)
		VALUES ` + strings.Join(placeholders, ", ")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: insert pnl_points chunk: %v", persistence.ErrPersist, err)
	}
	return nil
}

// buildPnlPoints synthesizes the period's time-series rows: the tracked
// entries' own pnl lists (source hyperbot, window period_{N}) and the
// exchange portfolio windows mapping to the same period (source hyperliquid,
// pnl and equity merged per timestamp). Within a source and window a
// timestamp holds at most one point.
func buildPnlPoints(period int, tracked []scoring.RankedEntry, seriesByAddr map[string][]upstream.WindowSeries) []persistence.PnlPoint {
	var out []persistence.PnlPoint
	windowName := fmt.Sprintf("period_%d", period)

	for _, e := range tracked {
		addr := strings.ToLower(e.Address)
		byTs := make(map[int64]float64)
		order := make([]int64, 0, len(e.Meta.Raw.PnlList))
		for _, s := range e.Meta.Raw.PnlList {
			if !s.Valid {
				continue
			}
			if _, seen := byTs[s.Timestamp]; !seen {
				order = append(order, s.Timestamp)
			}
			byTs[s.Timestamp] = s.Value
		}
		for _, ts := range order {
			v := byTs[ts]
			out = append(out, persistence.PnlPoint{
				PeriodDays: period,
				Address:    addr,
				Source:     persistence.SourceHyperbot,
				WindowName: windowName,
				Timestamp:  time.UnixMilli(ts).UTC(),
				PnlValue:   &v,
			})
		}
	}

	addrs := make([]string, 0, len(seriesByAddr))
	for addr := range seriesByAddr {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	for _, addr := range addrs {
		for _, ws := range seriesByAddr[addr] {
			if p, ok := upstream.PeriodForWindow(ws.Window); !ok || p != period {
				continue
			}
			type merged struct {
				pnl    *float64
				equity *float64
			}
			byTs := make(map[int64]*merged)
			order := make([]int64, 0, len(ws.Pnl)+len(ws.AccountValue))
			at := func(ts int64) *merged {
				m, ok := byTs[ts]
				if !ok {
					m = &merged{}
					byTs[ts] = m
					order = append(order, ts)
				}
				return m
			}
			for _, s := range ws.Pnl {
				if s.Valid {
					v := s.Value
					at(s.Timestamp).pnl = &v
				}
			}
			for _, s := range ws.AccountValue {
				if s.Valid {
					v := s.Value
					at(s.Timestamp).equity = &v
				}
			}
			sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
			for _, ts := range order {
				m := byTs[ts]
				out = append(out, persistence.PnlPoint{
					PeriodDays:  period,
					Address:     strings.ToLower(addr),
					Source:      persistence.SourceHyperliquid,
					WindowName:  ws.Window,
					Timestamp:   time.UnixMilli(ts).UTC(),
					PnlValue:    m.pnl,
					EquityValue: m.equity,
				})
			}
		}
	}
	return out
}

const rankedColumns = `
	period_days, address, rank, score, weight,
	win_rate, executed_orders, realized_pnl, pnl_consistency, efficiency,
	remark, labels, metrics,
	stat_open_positions, stat_closed_positions, stat_avg_pos_duration, stat_total_pnl, stat_max_drawdown,
	fetched_at`

// ReadRanked returns the period's entries ordered by rank ascending.
func (r *leaderboardRepo) ReadRanked(ctx context.Context, period, limit int) ([]persistence.RankedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT` + rankedColumns + `
		FROM ranked_entries
		WHERE period_days = $1
		ORDER BY rank ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, period, limit)
	if err != nil {
		return nil, fmt.Errorf("query ranked entries: %w", err)
	}
	defer rows.Close()

	return scanRankedRecords(rows)
}

// ReadSelected returns the period's entries ordered by weight descending,
// rank ascending, so the alpha pool comes first.
func (r *leaderboardRepo) ReadSelected(ctx context.Context, period, limit int) ([]persistence.RankedRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT` + rankedColumns + `
		FROM ranked_entries
		WHERE period_days = $1
		ORDER BY weight DESC, rank ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, period, limit)
	if err != nil {
		return nil, fmt.Errorf("query selected entries: %w", err)
	}
	defer rows.Close()

	return scanRankedRecords(rows)
}

// ReadPnlPoints returns the period's points for one address, timestamp
// ascending.
func (r *leaderboardRepo) ReadPnlPoints(ctx context.Context, period int, address string) ([]persistence.PnlPoint, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT period_days, address, source, window_name, point_ts, pnl_value, equity_value
		FROM pnl_points
		WHERE period_days = $1 AND address = $2
		ORDER BY point_ts ASC`

	rows, err := r.db.QueryxContext(ctx, query, period, strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("query pnl points: %w", err)
	}
	defer rows.Close()

	var points []persistence.PnlPoint
	for rows.Next() {
		var p persistence.PnlPoint
		if err := rows.Scan(&p.PeriodDays, &p.Address, &p.Source, &p.WindowName, &p.Timestamp, &p.PnlValue, &p.EquityValue); err != nil {
			return nil, fmt.Errorf("scan pnl point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pnl points: %w", err)
	}
	return points, nil
}

func scanRankedRecords(rows *sqlx.Rows) ([]persistence.RankedRecord, error) {
	var records []persistence.RankedRecord
	for rows.Next() {
		var (
			rec         persistence.RankedRecord
			remark      sql.NullString
			labelsJSON  []byte
			metricsJSON []byte
		)
		if err := rows.Scan(
			&rec.PeriodDays, &rec.Address, &rec.Rank, &rec.Score, &rec.Weight,
			&rec.WinRate, &rec.ExecutedOrders, &rec.RealizedPnl, &rec.PnlConsistency, &rec.Efficiency,
			&remark, &labelsJSON, &metricsJSON,
			&rec.StatOpenPositions, &rec.StatClosedPositions, &rec.StatAvgPosDuration, &rec.StatTotalPnl, &rec.StatMaxDrawdown,
			&rec.FetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scan ranked entry: %w", err)
		}
		rec.Remark = remark.String
		if len(labelsJSON) > 0 {
			if err := json.Unmarshal(labelsJSON, &rec.Labels); err != nil {
				return nil, fmt.Errorf("unmarshal labels: %w", err)
			}
		}
		rec.Metrics = json.RawMessage(metricsJSON)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranked entries: %w", err)
	}
	return records, nil
}
