// Package scheduler drives the refresh loop: fetch the leaderboard, score and
// rank it, enrich the head of the ranking, persist the result, and announce
// the selected traders. One cycle per configured period, periods sequential,
// cycles repeating on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fzheng/SigmaPilot/internal/gate"
	"github.com/fzheng/SigmaPilot/internal/metrics"
	"github.com/fzheng/SigmaPilot/internal/persistence"
	"github.com/fzheng/SigmaPilot/internal/scoring"
	"github.com/fzheng/SigmaPilot/internal/sink"
	"github.com/fzheng/SigmaPilot/internal/upstream"
)

// Upstream is the slice of the fetch client the scheduler needs.
type Upstream interface {
	FetchPage(ctx context.Context, period, pageNum, pageSize int, sort upstream.Sort) ([]scoring.RawEntry, bool, error)
	FetchAddressStat(ctx context.Context, address string, period int) (*scoring.Stats, error)
	FetchPortfolio(ctx context.Context, address string) ([]upstream.WindowSeries, error)
}

// Config holds the refresh loop settings.
type Config struct {
	Periods         []int         `yaml:"periods"`
	TopN            int           `yaml:"top_n"`
	SelectCount     int           `yaml:"select_count"`
	EnrichCount     int           `yaml:"enrich_count"`
	PageSize        int           `yaml:"page_size"`
	Sort            upstream.Sort `yaml:"sort"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	StatsConcurrency  int `yaml:"stats_concurrency"`
	SeriesConcurrency int `yaml:"series_concurrency"`

	Params scoring.Params `yaml:"params"`
}

// DefaultConfig returns the production refresh settings.
func DefaultConfig() Config {
	return Config{
		Periods:           []int{30},
		TopN:              1000,
		SelectCount:       12,
		EnrichCount:       12,
		PageSize:          100,
		Sort:              upstream.SortRealizedPnl,
		RefreshInterval:   24 * time.Hour,
		StatsConcurrency:  4,
		SeriesConcurrency: 2,
		Params:            scoring.DefaultParams(),
	}
}

// Scheduler owns the refresh loop.
type Scheduler struct {
	cfg     Config
	client  Upstream
	repo    persistence.LeaderboardRepo
	sink    sink.Sink
	metrics *metrics.Metrics

	statsGate  *gate.Gate
	seriesGate *gate.Gate
}

// New wires a scheduler. The sink may be nil when no bus is configured.
func New(cfg Config, client Upstream, repo persistence.LeaderboardRepo, snk sink.Sink, m *metrics.Metrics) *Scheduler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.SelectCount <= 0 {
		cfg.SelectCount = 12
	}
	if cfg.EnrichCount <= 0 {
		cfg.EnrichCount = cfg.SelectCount
	}
	if m == nil {
		m = metrics.New()
	}
	if snk == nil {
		snk = sink.LogSink{}
	}
	return &Scheduler{
		cfg:        cfg,
		client:     client,
		repo:       repo,
		sink:       snk,
		metrics:    m,
		statsGate:  gate.New(cfg.StatsConcurrency),
		seriesGate: gate.New(cfg.SeriesConcurrency),
	}
}

// Run executes one refresh immediately, then repeats on the configured
// interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("refresh cycle failed")
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("refresh cycle failed")
			}
		}
	}
}

// RunOnce refreshes every configured period sequentially. A failing period
// does not stop the remaining ones; the combined error is returned.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, period := range s.cfg.Periods {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.runCycle(ctx, period); err != nil {
			errs = append(errs, fmt.Errorf("period %d: %w", period, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) runCycle(ctx context.Context, period int) error {
	cycleID := uuid.NewString()
	start := time.Now()
	periodLabel := fmt.Sprintf("%d", period)
	logger := log.With().Str("cycle_id", cycleID).Int("period", period).Logger()

	raw, err := s.fetchLeaderboard(ctx, period)
	if err != nil {
		s.recordUpstreamError(err)
		return fmt.Errorf("fetch leaderboard: %w", err)
	}
	logger.Info().Int("entries", len(raw)).Msg("leaderboard fetched")

	ranked := scoring.Score(raw, s.cfg.Params, s.cfg.SelectCount)
	s.metrics.EntriesScored.WithLabelValues(periodLabel).Add(float64(len(ranked)))
	s.metrics.EntriesFiltered.WithLabelValues(periodLabel, "hard_filter").Add(float64(len(raw) - len(ranked)))
	if ctx.Err() != nil {
		return ctx.Err()
	}

	enrichTarget := s.cfg.EnrichCount
	if doubled := 2 * s.cfg.SelectCount; doubled > enrichTarget {
		enrichTarget = doubled
	}
	if enrichTarget > len(ranked) {
		enrichTarget = len(ranked)
	}
	head := ranked[:enrichTarget]

	statsByAddr := s.fetchStats(ctx, head, period)
	seriesByAddr := s.fetchSeries(ctx, head)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	enriched := scoring.ApplyStats(ranked, statsByAddr)
	final := scoring.Refilter(enriched, s.cfg.Params, s.cfg.SelectCount)
	s.metrics.EntriesFiltered.WithLabelValues(periodLabel, "stat_refilter").Add(float64(len(enriched) - len(final)))

	tracked := final
	if enrichTarget < len(tracked) {
		tracked = tracked[:enrichTarget]
	}
	if err := s.repo.ReplacePeriod(ctx, period, final, tracked, seriesByAddr); err != nil {
		return err
	}
	s.metrics.EntriesPersisted.WithLabelValues(periodLabel).Add(float64(len(final)))

	// Persist before publish: a failed announcement must not lose the cycle.
	// A cancel landing after the commit still suppresses the announcements.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.publishSelected(ctx, period, final)

	s.metrics.CycleDuration.WithLabelValues(periodLabel).Observe(time.Since(start).Seconds())
	s.metrics.CycleLastSuccess.WithLabelValues(periodLabel).SetToCurrentTime()
	logger.Info().
		Int("ranked", len(final)).
		Dur("elapsed", time.Since(start)).
		Msg("cycle complete")
	return nil
}

// fetchLeaderboard paginates until TopN entries are collected or a short page
// signals the end of the board.
func (s *Scheduler) fetchLeaderboard(ctx context.Context, period int) ([]scoring.RawEntry, error) {
	var out []scoring.RawEntry
	for page := 1; len(out) < s.cfg.TopN; page++ {
		entries, hasMore, err := s.client.FetchPage(ctx, period, page, s.cfg.PageSize, s.cfg.Sort)
		if err != nil {
			return nil, err
		}
		s.metrics.PagesFetched.WithLabelValues(fmt.Sprintf("%d", period)).Inc()
		out = append(out, entries...)
		if !hasMore {
			break
		}
	}
	if len(out) > s.cfg.TopN {
		out = out[:s.cfg.TopN]
	}
	return out, nil
}

// fetchStats fans the stat endpoint out over the ranking head. A failed
// address is skipped; the phase-one score stands.
func (s *Scheduler) fetchStats(ctx context.Context, head []scoring.RankedEntry, period int) map[string]*scoring.Stats {
	var mu sync.Mutex
	out := make(map[string]*scoring.Stats, len(head))

	s.statsGate.RunAll(ctx, len(head), func(ctx context.Context, i int) error {
		addr := head[i].Address
		st, err := s.client.FetchAddressStat(ctx, addr, period)
		if err != nil {
			s.recordUpstreamError(err)
			log.Warn().Str("address", addr).Err(err).Msg("address stat unavailable")
			return err
		}
		if st == nil {
			return nil
		}
		mu.Lock()
		out[addr] = st
		mu.Unlock()
		return nil
	})
	return out
}

// fetchSeries fans the portfolio endpoint out over the ranking head.
func (s *Scheduler) fetchSeries(ctx context.Context, head []scoring.RankedEntry) map[string][]upstream.WindowSeries {
	var mu sync.Mutex
	out := make(map[string][]upstream.WindowSeries, len(head))

	s.seriesGate.RunAll(ctx, len(head), func(ctx context.Context, i int) error {
		addr := head[i].Address
		series, err := s.client.FetchPortfolio(ctx, addr)
		if err != nil {
			s.recordUpstreamError(err)
			log.Warn().Str("address", addr).Err(err).Msg("portfolio unavailable")
			return err
		}
		if len(series) == 0 {
			return nil
		}
		mu.Lock()
		out[addr] = series
		mu.Unlock()
		return nil
	})
	return out
}

// publishSelected announces the top selectCount entries. Publishing is
// at-most-once: failures are counted and logged, never retried.
func (s *Scheduler) publishSelected(ctx context.Context, period int, final []scoring.RankedEntry) {
	now := time.Now()
	count := s.cfg.SelectCount
	if count > len(final) {
		count = len(final)
	}
	for _, entry := range final[:count] {
		ev := sink.NewEvent(period, entry, now)
		if err := s.sink.Publish(ctx, ev); err != nil {
			s.metrics.PublishFailures.Inc()
			log.Warn().Str("address", entry.Address).Err(err).Msg("candidate publish failed")
		}
	}
}

func (s *Scheduler) recordUpstreamError(err error) {
	var ue *upstream.Error
	if errors.As(err, &ue) {
		s.metrics.UpstreamErrors.WithLabelValues(ue.Endpoint, string(ue.Kind)).Inc()
	}
}
