package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fzheng/SigmaPilot/internal/config"
	"github.com/fzheng/SigmaPilot/internal/infrastructure/db"
	httpapi "github.com/fzheng/SigmaPilot/internal/interfaces/http"
	"github.com/fzheng/SigmaPilot/internal/metrics"
	"github.com/fzheng/SigmaPilot/internal/scheduler"
	"github.com/fzheng/SigmaPilot/internal/sink"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

const (
	appName = "sigmapilot"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	var configPath string

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Hyperliquid leaderboard scoring and selection engine",
		Version: version,
		Long: `SigmaPilot ingests the Hyperliquid trader leaderboard, scores every trader
on a multi-component composite, persists the ranked result, and announces the
selected traders for copy-trading downstream.`,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML config file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the refresh loop and the read API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), configPath)
		},
	}

	var refreshPeriods []int
	refreshCmd := &cobra.Command{
		Use:   "refresh",
		Short: "Run a single refresh cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd.Context(), configPath, refreshPeriods)
		},
	}
	refreshCmd.Flags().IntSliceVarP(&refreshPeriods, "period", "p", nil, "Periods to refresh (default: configured periods)")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigrate(cmd.Context(), configPath)
		},
	}

	rootCmd.AddCommand(runCmd, refreshCmd, migrateCmd, newTopCommand(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setup(configPath string) (config.Config, *db.Manager, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	manager, err := db.NewManager(cfg.Database)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, manager, nil
}

func buildScheduler(cfg config.Config, manager *db.Manager, m *metrics.Metrics) (*scheduler.Scheduler, func()) {
	client := upstream.NewClient(cfg.Upstream, nil)

	var snk sink.Sink = sink.LogSink{}
	cleanup := func() {}
	if cfg.Sink.Addr != "" {
		rs := sink.NewRedisSink(cfg.Sink.Addr, cfg.Sink.Channel)
		snk = rs
		cleanup = func() { _ = rs.Close() }
		log.Info().Str("addr", cfg.Sink.Addr).Str("channel", cfg.Sink.Channel).Msg("candidate sink on redis")
	}

	return scheduler.New(cfg.Scheduler, client, manager.Leaderboard(), snk, m), cleanup
}

func runService(ctx context.Context, configPath string) error {
	cfg, manager, err := setup(configPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Migrate(ctx); err != nil {
		return err
	}

	m := metrics.New()
	sched, cleanup := buildScheduler(cfg, manager, m)
	defer cleanup()

	server := httpapi.NewServer(cfg.HTTP, manager.Leaderboard(), manager, m)
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("http server failed")
		}
	}()

	err = sched.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn().Err(shutdownErr).Msg("http shutdown incomplete")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runRefresh(ctx context.Context, configPath string, periods []int) error {
	cfg, manager, err := setup(configPath)
	if err != nil {
		return err
	}
	if len(periods) > 0 {
		cfg.Scheduler.Periods = periods
	}
	defer manager.Close()

	if err := manager.Migrate(ctx); err != nil {
		return err
	}

	sched, cleanup := buildScheduler(cfg, manager, metrics.New())
	defer cleanup()
	return sched.RunOnce(ctx)
}

func runMigrate(ctx context.Context, configPath string) error {
	_, manager, err := setup(configPath)
	if err != nil {
		return err
	}
	defer manager.Close()

	if err := manager.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Msg("schema applied")
	return nil
}
