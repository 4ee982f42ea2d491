package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
upstream:
  leaderboard_url: https://api.example.com/leaderboard
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, []int{30}, cfg.Scheduler.Periods)
	assert.Equal(t, 1000, cfg.Scheduler.TopN)
	assert.Equal(t, 12, cfg.Scheduler.SelectCount)
	assert.Equal(t, 100, cfg.Scheduler.PageSize)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 4, cfg.Scheduler.StatsConcurrency)
	assert.Equal(t, 2, cfg.Scheduler.SeriesConcurrency)
	assert.Equal(t, 0.80, cfg.Scheduler.Params.MaxDrawdownLimit)
	assert.Equal(t, 8*time.Second, cfg.Upstream.RequestTimeout)
	assert.Equal(t, "sigmapilot.candidates", cfg.Sink.Channel)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
upstream:
  leaderboard_url: https://api.example.com/leaderboard
  stat_base_url: https://api.example.com
scheduler:
  periods: [7, 30]
  top_n: 500
  select_count: 8
  refresh_interval: 6h
  params:
    max_drawdown_limit: 0.5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []int{7, 30}, cfg.Scheduler.Periods)
	assert.Equal(t, 500, cfg.Scheduler.TopN)
	assert.Equal(t, 8, cfg.Scheduler.SelectCount)
	assert.Equal(t, 6*time.Hour, cfg.Scheduler.RefreshInterval)
	assert.Equal(t, 0.5, cfg.Scheduler.Params.MaxDrawdownLimit)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/db")
	t.Setenv("LEADERBOARD_URL", "https://env.example.com/leaderboard")
	t.Setenv("PERIODS", "1, 7,30")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("REFRESH_INTERVAL", "12h")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres://env/db", cfg.Database.DSN)
	assert.Equal(t, "https://env.example.com/leaderboard", cfg.Upstream.LeaderboardURL)
	assert.Equal(t, []int{1, 7, 30}, cfg.Scheduler.Periods)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 12*time.Hour, cfg.Scheduler.RefreshInterval)
}

func TestLoad_Invalid(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing_leaderboard_url", `
scheduler:
  periods: [30]
`},
		{"empty_periods", `
upstream:
  leaderboard_url: https://api.example.com/leaderboard
scheduler:
  periods: []
`},
		{"negative_period", `
upstream:
  leaderboard_url: https://api.example.com/leaderboard
scheduler:
  periods: [-7]
`},
		{"drawdown_limit_out_of_range", `
upstream:
  leaderboard_url: https://api.example.com/leaderboard
scheduler:
  params:
    max_drawdown_limit: 1.5
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}
