// Package sink publishes candidate events to the downstream bus. Delivery is
// at-most-once: one attempt per event, failures are logged by the caller and
// tolerated.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/fzheng/SigmaPilot/internal/scoring"
)

// LeaderboardMeta is the per-entry context attached to a candidate event.
type LeaderboardMeta struct {
	PeriodDays     int      `json:"period_days"`
	Rank           int      `json:"rank"`
	Weight         float64  `json:"weight"`
	Score          float64  `json:"score"`
	WinRate        float64  `json:"winRate"`
	ExecutedOrders int      `json:"executedOrders"`
	RealizedPnl    float64  `json:"realizedPnl"`
	PnlConsistency float64  `json:"pnlConsistency"`
	Efficiency     float64  `json:"efficiency"`
	Labels         []string `json:"labels,omitempty"`
}

// EventMeta wraps the leaderboard block.
type EventMeta struct {
	Leaderboard LeaderboardMeta `json:"leaderboard"`
}

// Event is one alpha-pool candidate announcement.
type Event struct {
	Address   string    `json:"address"`
	Source    string    `json:"source"`
	Ts        string    `json:"ts"`
	Tags      []string  `json:"tags"`
	Nickname  string    `json:"nickname,omitempty"`
	ScoreHint float64   `json:"score_hint"`
	Meta      EventMeta `json:"meta"`
}

// NewEvent builds the candidate event for one selected entry.
func NewEvent(period int, e scoring.RankedEntry, now time.Time) Event {
	return Event{
		Address:   e.Address,
		Source:    "daily",
		Ts:        now.UTC().Format(time.RFC3339),
		Tags:      []string{fmt.Sprintf("period:%d", period), "leaderboard"},
		Nickname:  e.Remark,
		ScoreHint: e.Score,
		Meta: EventMeta{Leaderboard: LeaderboardMeta{
			PeriodDays:     period,
			Rank:           e.Rank,
			Weight:         e.Weight,
			Score:          e.Score,
			WinRate:        e.WinRate,
			ExecutedOrders: e.ExecutedOrders,
			RealizedPnl:    e.RealizedPnl,
			PnlConsistency: e.PnlConsistency,
			Efficiency:     e.Efficiency,
			Labels:         e.Labels,
		}},
	}
}

// Sink delivers candidate events downstream.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// RedisSink publishes events as JSON on a Redis channel.
type RedisSink struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisSink connects a sink to the given Redis address and channel.
func NewRedisSink(addr, channel string) *RedisSink {
	return &RedisSink{
		client:  redis.NewClient(&redis.Options{Addr: addr}),
		channel: channel,
		timeout: 2 * time.Second,
	}
}

func (s *RedisSink) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal candidate event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish candidate event: %w", err)
	}
	return nil
}

// Close releases the Redis connection.
func (s *RedisSink) Close() error { return s.client.Close() }

// LogSink writes events to the log. Used when no bus is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	log.Info().
		Str("address", ev.Address).
		Float64("score_hint", ev.ScoreHint).
		Strs("tags", ev.Tags).
		Msg("candidate event")
	return nil
}
