package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/SigmaPilot/internal/persistence"
	"github.com/fzheng/SigmaPilot/internal/scoring"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

func newMockRepo(t *testing.T) (persistence.LeaderboardRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewLeaderboardRepo(sqlx.NewDb(db, "postgres"), 5*time.Second), mock
}

func trackedEntry(addr string, samples ...scoring.PnlSample) scoring.RankedEntry {
	return scoring.RankedEntry{
		Address: addr,
		Meta:    scoring.Meta{Raw: scoring.RawEntry{Address: addr, PnlList: samples}},
	}
}

func TestReplacePeriod_DeleteThenInsertInOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	ranked := []scoring.RankedEntry{
		{Address: "0xAAA", Rank: 1, Score: 0.9, Weight: 0.6, Labels: []string{"whale"}},
		{Address: "0xbbb", Rank: 2, Score: 0.6, Weight: 0.4},
	}
	tracked := []scoring.RankedEntry{
		trackedEntry("0xaaa",
			scoring.PnlSample{Timestamp: 1000, Value: 0, Valid: true},
			scoring.PnlSample{Timestamp: 2000, Value: 50, Valid: true},
		),
	}
	series := map[string][]upstream.WindowSeries{
		"0xaaa": {{
			Window: "month",
			Pnl:    []scoring.PnlSample{{Timestamp: 1000, Value: 10, Valid: true}},
		}},
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranked_entries").WithArgs(30).WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectExec("DELETE FROM pnl_points").WithArgs(30).WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectExec("INSERT INTO ranked_entries").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO pnl_points").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	err := repo.ReplacePeriod(context.Background(), 30, ranked, tracked, series)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplacePeriod_RollbackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranked_entries").WithArgs(30).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM pnl_points").WithArgs(30).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO ranked_entries").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := repo.ReplacePeriod(context.Background(), 30,
		[]scoring.RankedEntry{{Address: "0xaaa", Rank: 1}}, nil, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrPersist))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplacePeriod_EmptyInputsStillClearPeriod(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranked_entries").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("DELETE FROM pnl_points").WithArgs(7).WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplacePeriod(context.Background(), 7, nil, nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplacePeriod_ChunksLargeBatches(t *testing.T) {
	repo, mock := newMockRepo(t)

	ranked := make([]scoring.RankedEntry, 250)
	for i := range ranked {
		ranked[i] = scoring.RankedEntry{Address: addrFor(i), Rank: i + 1}
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM ranked_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM pnl_points").WillReturnResult(sqlmock.NewResult(0, 0))
	// 250 entries in chunks of 100.
	mock.ExpectExec("INSERT INTO ranked_entries").WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec("INSERT INTO ranked_entries").WillReturnResult(sqlmock.NewResult(0, 100))
	mock.ExpectExec("INSERT INTO ranked_entries").WillReturnResult(sqlmock.NewResult(0, 50))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplacePeriod(context.Background(), 30, ranked, nil, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func addrFor(i int) string {
	const hex = "0123456789abcdef"
	return "0x" + string([]byte{hex[i%16], hex[(i/16)%16], hex[i%13]})
}

func TestBuildPnlPoints(t *testing.T) {
	tracked := []scoring.RankedEntry{
		trackedEntry("0xAAA",
			scoring.PnlSample{Timestamp: 1000, Value: 0, Valid: true},
			scoring.PnlSample{Timestamp: 2000, Value: 50, Valid: true},
			scoring.PnlSample{Timestamp: 2000, Value: 60, Valid: true}, // duplicate ts, last wins
			scoring.PnlSample{Timestamp: 3000, Valid: false},
		),
	}
	series := map[string][]upstream.WindowSeries{
		"0xAAA": {
			{
				Window:       "month",
				Pnl:          []scoring.PnlSample{{Timestamp: 1000, Value: 10, Valid: true}},
				AccountValue: []scoring.PnlSample{{Timestamp: 1000, Value: 1010, Valid: true}, {Timestamp: 2000, Value: 1020, Valid: true}},
			},
			{Window: "day", Pnl: []scoring.PnlSample{{Timestamp: 1000, Value: 99, Valid: true}}},
		},
	}

	points := buildPnlPoints(30, tracked, series)
	require.Len(t, points, 4)

	// Hyperbot points from the tracked entry's own list.
	assert.Equal(t, persistence.SourceHyperbot, points[0].Source)
	assert.Equal(t, "period_30", points[0].WindowName)
	assert.Equal(t, "0xaaa", points[0].Address)
	assert.Equal(t, time.UnixMilli(1000).UTC(), points[0].Timestamp)
	assert.Equal(t, 0.0, *points[0].PnlValue)
	assert.Nil(t, points[0].EquityValue)
	assert.Equal(t, 60.0, *points[1].PnlValue, "duplicate timestamp keeps a single point")

	// Hyperliquid points only from the window matching the period, pnl and
	// equity merged per timestamp.
	assert.Equal(t, persistence.SourceHyperliquid, points[2].Source)
	assert.Equal(t, "month", points[2].WindowName)
	assert.Equal(t, 10.0, *points[2].PnlValue)
	assert.Equal(t, 1010.0, *points[2].EquityValue)
	assert.Nil(t, points[3].PnlValue)
	assert.Equal(t, 1020.0, *points[3].EquityValue)
}

func TestReadRanked(t *testing.T) {
	repo, mock := newMockRepo(t)

	labels, _ := json.Marshal([]string{"whale"})
	metrics, _ := json.Marshal(scoring.Meta{APIMaxDrawdown: 0.1})
	now := time.Now().UTC()

	cols := []string{
		"period_days", "address", "rank", "score", "weight",
		"win_rate", "executed_orders", "realized_pnl", "pnl_consistency", "efficiency",
		"remark", "labels", "metrics",
		"stat_open_positions", "stat_closed_positions", "stat_avg_pos_duration", "stat_total_pnl", "stat_max_drawdown",
		"fetched_at",
	}
	mock.ExpectQuery("SELECT(.|\n)*FROM ranked_entries(.|\n)*ORDER BY rank ASC").
		WithArgs(30, 10).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(30, "0xaaa", 1, 0.9, 0.6, 0.7, 80, 50_000.0, 1.0, 625.0, "top", labels, metrics, 2, 78, 3_600.0, 51_000.0, 0.1, now).
			AddRow(30, "0xbbb", 2, 0.6, 0.4, 0.5, 60, 20_000.0, 0.4, 333.3, nil, nil, nil, nil, nil, nil, nil, nil, now))

	records, err := repo.ReadRanked(context.Background(), 30, 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	r := records[0]
	assert.Equal(t, "0xaaa", r.Address)
	assert.Equal(t, 1, r.Rank)
	assert.Equal(t, []string{"whale"}, r.Labels)
	assert.Equal(t, "top", r.Remark)
	assert.Equal(t, 2, *r.StatOpenPositions)
	assert.JSONEq(t, string(metrics), string(r.Metrics))

	assert.Equal(t, "0xbbb", records[1].Address)
	assert.Empty(t, records[1].Remark)
	assert.Nil(t, records[1].StatOpenPositions)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSelected_OrdersByWeight(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("ORDER BY weight DESC, rank ASC").
		WithArgs(30, 12).
		WillReturnRows(sqlmock.NewRows([]string{
			"period_days", "address", "rank", "score", "weight",
			"win_rate", "executed_orders", "realized_pnl", "pnl_consistency", "efficiency",
			"remark", "labels", "metrics",
			"stat_open_positions", "stat_closed_positions", "stat_avg_pos_duration", "stat_total_pnl", "stat_max_drawdown",
			"fetched_at",
		}))

	records, err := repo.ReadSelected(context.Background(), 30, 12)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, mock.ExpectationsWereMet())
}
