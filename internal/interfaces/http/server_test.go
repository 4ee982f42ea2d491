package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fzheng/SigmaPilot/internal/metrics"
	"github.com/fzheng/SigmaPilot/internal/persistence"
	"github.com/fzheng/SigmaPilot/internal/scoring"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

type repoAdapter struct {
	ranked   []persistence.RankedRecord
	selected []persistence.RankedRecord
	points   []persistence.PnlPoint
	err      error

	lastPeriod int
	lastLimit  int
	lastAddr   string
}

func (s *repoAdapter) ReplacePeriod(context.Context, int, []scoring.RankedEntry, []scoring.RankedEntry, map[string][]upstream.WindowSeries) error {
	return nil
}

func (s *repoAdapter) ReadRanked(_ context.Context, period, limit int) ([]persistence.RankedRecord, error) {
	s.lastPeriod, s.lastLimit = period, limit
	return s.ranked, s.err
}

func (s *repoAdapter) ReadSelected(_ context.Context, period, limit int) ([]persistence.RankedRecord, error) {
	s.lastPeriod, s.lastLimit = period, limit
	return s.selected, s.err
}

func (s *repoAdapter) ReadPnlPoints(_ context.Context, period int, address string) ([]persistence.PnlPoint, error) {
	s.lastPeriod, s.lastAddr = period, address
	return s.points, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestServer(repo persistence.LeaderboardRepo, pinger Pinger) *Server {
	return NewServer(DefaultServerConfig(), repo, pinger, metrics.New())
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rec := get(t, newTestServer(&repoAdapter{}, stubPinger{}), "/healthz")
		require.Equal(t, http.StatusOK, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "ok", resp.Status)
	})

	t.Run("database_down", func(t *testing.T) {
		rec := get(t, newTestServer(&repoAdapter{}, stubPinger{err: errors.New("conn refused")}), "/healthz")
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		var resp healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "degraded", resp.Status)
		assert.Equal(t, "unreachable", resp.Database)
	})
}

func TestRankedEndpoint(t *testing.T) {
	repo := &repoAdapter{ranked: []persistence.RankedRecord{
		{PeriodDays: 30, Address: "0xaaa", Rank: 1, Score: 0.9, Weight: 0.6, FetchedAt: time.Now()},
		{PeriodDays: 30, Address: "0xbbb", Rank: 2, Score: 0.5, Weight: 0.4, FetchedAt: time.Now()},
	}}
	s := newTestServer(repo, stubPinger{})

	rec := get(t, s, "/api/v1/ranked/30")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp rankedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 30, resp.PeriodDays)
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, "0xaaa", resp.Entries[0].Address)
	assert.Equal(t, 30, repo.lastPeriod)
	assert.Equal(t, defaultLimit, repo.lastLimit)
}

func TestRankedEndpoint_LimitParam(t *testing.T) {
	repo := &repoAdapter{}
	s := newTestServer(repo, stubPinger{})

	rec := get(t, s, "/api/v1/ranked/30?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, repo.lastLimit)

	rec = get(t, s, "/api/v1/ranked/30?limit=0")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, s, "/api/v1/ranked/30?limit=5000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRankedEndpoint_InvalidPeriodIs404(t *testing.T) {
	s := newTestServer(&repoAdapter{}, stubPinger{})
	// The route only matches numeric periods.
	rec := get(t, s, "/api/v1/ranked/month")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRankedEndpoint_StorageError(t *testing.T) {
	s := newTestServer(&repoAdapter{err: errors.New("boom")}, stubPinger{})
	rec := get(t, s, "/api/v1/ranked/30")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "storage unavailable", resp.Error)
}

func TestSelectedEndpoint(t *testing.T) {
	repo := &repoAdapter{selected: []persistence.RankedRecord{
		{PeriodDays: 30, Address: "0xccc", Rank: 3, Weight: 0.9},
	}}
	s := newTestServer(repo, stubPinger{})

	rec := get(t, s, "/api/v1/selected/30?limit=12")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp rankedResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "0xccc", resp.Entries[0].Address)
	assert.Equal(t, 12, repo.lastLimit)
}

func TestPnlEndpoint(t *testing.T) {
	repo := &repoAdapter{points: []persistence.PnlPoint{
		{PeriodDays: 30, Address: "0xaaa", Source: persistence.SourceHyperbot, WindowName: "period_30", Timestamp: time.UnixMilli(1000).UTC()},
	}}
	s := newTestServer(repo, stubPinger{})

	rec := get(t, s, "/api/v1/pnl/30/0xAAA")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pnlResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "0xaaa", resp.Address, "address lowercased before lookup")
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "0xaaa", repo.lastAddr)
}

func TestNotFound(t *testing.T) {
	rec := get(t, newTestServer(&repoAdapter{}, stubPinger{}), "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "not found", resp.Error)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(t, newTestServer(&repoAdapter{}, stubPinger{}), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
