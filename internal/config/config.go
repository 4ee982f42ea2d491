// Package config loads the engine configuration: YAML file first, then
// environment overrides for deployment-specific values. A .env file in the
// working directory is honored for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fzheng/SigmaPilot/internal/infrastructure/db"
	httpapi "github.com/fzheng/SigmaPilot/internal/interfaces/http"
	"github.com/fzheng/SigmaPilot/internal/scheduler"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

// SinkConfig selects the candidate event bus. With an empty Addr events go to
// the log instead.
type SinkConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

// Config is the full engine configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Upstream  upstream.Config      `yaml:"upstream"`
	Scheduler scheduler.Config     `yaml:"scheduler"`
	Database  db.Config            `yaml:"database"`
	HTTP      httpapi.ServerConfig `yaml:"http"`
	Sink      SinkConfig           `yaml:"sink"`
}

// Default returns the production defaults. Endpoint URLs and the database DSN
// have no defaults and must come from the file or the environment.
func Default() Config {
	return Config{
		LogLevel:  "info",
		Upstream:  upstream.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Database:  db.DefaultConfig(),
		HTTP:      httpapi.DefaultServerConfig(),
		Sink:      SinkConfig{Channel: "sigmapilot.candidates"},
	}
}

// Load reads the YAML file at path (optional: an empty path skips it), then
// applies environment overrides, then validates.
func Load(path string) (Config, error) {
	// Missing .env is fine; it only exists in dev checkouts.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv() {
	setString(&c.Database.DSN, "DATABASE_URL")
	setString(&c.Upstream.LeaderboardURL, "LEADERBOARD_URL")
	setString(&c.Upstream.StatBaseURL, "STAT_BASE_URL")
	setString(&c.Upstream.InfoURL, "INFO_URL")
	setString(&c.Sink.Addr, "REDIS_ADDR")
	setString(&c.Sink.Channel, "SINK_CHANNEL")
	setString(&c.LogLevel, "LOG_LEVEL")

	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.HTTP.Port = p
		}
	}
	if v := os.Getenv("REFRESH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Scheduler.RefreshInterval = d
		}
	}
	if v := os.Getenv("PERIODS"); v != "" {
		var periods []int
		for _, part := range strings.Split(v, ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(part)); err == nil && n > 0 {
				periods = append(periods, n)
			}
		}
		if len(periods) > 0 {
			c.Scheduler.Periods = periods
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Upstream.LeaderboardURL == "" {
		return fmt.Errorf("upstream leaderboard URL is required")
	}
	if len(c.Scheduler.Periods) == 0 {
		return fmt.Errorf("at least one period is required")
	}
	for _, p := range c.Scheduler.Periods {
		if p <= 0 {
			return fmt.Errorf("period must be positive, got %d", p)
		}
	}
	if c.Scheduler.TopN <= 0 {
		return fmt.Errorf("top_n must be positive")
	}
	if c.Scheduler.SelectCount <= 0 {
		return fmt.Errorf("select_count must be positive")
	}
	if c.Scheduler.RefreshInterval <= 0 {
		return fmt.Errorf("refresh_interval must be positive")
	}
	p := c.Scheduler.Params
	if p.MaxDrawdownLimit <= 0 || p.MaxDrawdownLimit > 1 {
		return fmt.Errorf("max_drawdown_limit must be in (0, 1]")
	}
	if p.MaxTradesHardLimit <= 0 {
		return fmt.Errorf("max_trades_hard_limit must be positive")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
