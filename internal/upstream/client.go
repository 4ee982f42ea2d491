// Package upstream translates the three remote JSON endpoints (leaderboard
// pages, per-address stats, exchange portfolio history) into typed domain
// records. Payload shapes are tolerated defensively: numbers arrive as
// numbers or strings, points may be malformed, stats may be missing. Each
// endpoint class gets its own retry budget, request pacing, and circuit
// breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/fzheng/SigmaPilot/internal/numeric"
	"github.com/fzheng/SigmaPilot/internal/scoring"
)

// Sort selects the leaderboard ordering. The numeric gap at 2 is part of the
// wire protocol.
type Sort int

const (
	SortWinRate          Sort = 0
	SortAccountValue     Sort = 1
	SortRealizedPnl      Sort = 3
	SortTradesCount      Sort = 4
	SortProfitableTrades Sort = 5
	SortLastOperation    Sort = 6
	SortAvgHoldingPeriod Sort = 7
	SortCurrentPositions Sort = 8
)

// TimedValue is one sample of a portfolio history series.
type TimedValue = scoring.PnlSample

// WindowSeries holds one lookback window of the exchange portfolio history.
type WindowSeries struct {
	Window       string
	Pnl          []TimedValue
	AccountValue []TimedValue
}

// PeriodForWindow maps an exchange window name to a lookback period in days.
func PeriodForWindow(window string) (int, bool) {
	switch window {
	case "day":
		return 1, true
	case "week":
		return 7, true
	case "month":
		return 30, true
	default:
		return 0, false
	}
}

// Config holds the upstream endpoints and resilience settings.
type Config struct {
	LeaderboardURL string        `yaml:"leaderboard_url"`
	StatBaseURL    string        `yaml:"stat_base_url"`
	InfoURL        string        `yaml:"info_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// Retries are counted after the first attempt. Pagination gets none
	// because page boundaries matter for throughput more than success.
	PageRetries      int `yaml:"page_retries"`
	StatRetries      int `yaml:"stat_retries"`
	PortfolioRetries int `yaml:"portfolio_retries"`

	RetryBackoff time.Duration `yaml:"retry_backoff"`
	RPS          float64       `yaml:"rps"`
	Burst        int           `yaml:"burst"`
}

// DefaultConfig returns the production upstream settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   8 * time.Second,
		PageRetries:      0,
		StatRetries:      2,
		PortfolioRetries: 1,
		RetryBackoff:     200 * time.Millisecond,
		RPS:              4,
		Burst:            4,
	}
}

// Client is the typed fetcher over the upstream APIs. A single reusable
// transport is shared across all calls; the client is safe for concurrent
// use.
type Client struct {
	cfg  Config
	http *http.Client

	pageLimiter   *rate.Limiter
	statLimiter   *rate.Limiter
	seriesLimiter *rate.Limiter

	pageBreaker   *gobreaker.CircuitBreaker
	statBreaker   *gobreaker.CircuitBreaker
	seriesBreaker *gobreaker.CircuitBreaker
}

// NewClient builds a Client; httpClient may be nil to use a default with the
// configured request timeout disabled (per-attempt timeouts are applied via
// context).
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 8 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 4
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		cfg:           cfg,
		http:          httpClient,
		pageLimiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		statLimiter:   rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		seriesLimiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		pageBreaker:   newBreaker("leaderboard"),
		statBreaker:   newBreaker("addr-stat"),
		seriesBreaker: newBreaker("portfolio"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	st := gobreaker.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = 60 * time.Second
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 5
	}
	return gobreaker.NewCircuitBreaker(st)
}

// wire shapes

type wireStats struct {
	WinRate        interface{} `json:"winRate"`
	OpenPosCount   interface{} `json:"openPosCount"`
	ClosePosCount  interface{} `json:"closePosCount"`
	AvgPosDuration interface{} `json:"avgPosDuration"`
	TotalPnl       interface{} `json:"totalPnl"`
	MaxDrawdown    interface{} `json:"maxDrawdown"`
}

type wireEntry struct {
	Address        string              `json:"address"`
	WinRate        interface{}         `json:"winRate"`
	ExecutedOrders interface{}         `json:"executedOrders"`
	RealizedPnl    interface{}         `json:"realizedPnl"`
	Remark         string              `json:"remark"`
	Labels         []string            `json:"labels"`
	PnlList        []scoring.PnlSample `json:"pnlList"`
	MaxDrawdown    interface{}         `json:"maxDrawdown"`
	Stats          *wireStats          `json:"stats"`
}

type pageEnvelope struct {
	Data *[]wireEntry `json:"data"`
}

type statEnvelope struct {
	Data *wireStats `json:"data"`
}

type portfolioWindow struct {
	PnlHistory          []scoring.PnlSample `json:"pnlHistory"`
	AccountValueHistory []scoring.PnlSample `json:"accountValueHistory"`
}

// FetchPage retrieves one leaderboard page. hasMore is true when the page was
// full, signalling the caller to continue paginating.
func (c *Client) FetchPage(ctx context.Context, period, pageNum, pageSize int, sort Sort) ([]scoring.RawEntry, bool, error) {
	q := url.Values{}
	q.Set("pageNum", fmt.Sprintf("%d", pageNum))
	q.Set("pageSize", fmt.Sprintf("%d", pageSize))
	q.Set("period", fmt.Sprintf("%d", period))
	q.Set("sort", fmt.Sprintf("%d", int(sort)))
	u := c.cfg.LeaderboardURL + "?" + q.Encode()

	var env pageEnvelope
	err := c.doWithRetry(ctx, "leaderboard", c.pageLimiter, c.pageBreaker, c.cfg.PageRetries, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, func(body []byte) error {
		env = pageEnvelope{}
		if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
			return &Error{Kind: KindDecode, Endpoint: "leaderboard", Err: fmt.Errorf("expected object with data array: %v", err)}
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	entries := make([]scoring.RawEntry, 0, len(*env.Data))
	for _, w := range *env.Data {
		entries = append(entries, coerceEntry(w))
	}
	return entries, len(entries) == pageSize, nil
}

// FetchAddressStat retrieves the enriched statistics for one address. A
// well-formed "no data" response returns (nil, nil); only transport, HTTP,
// and body-level decode failures surface an error.
func (c *Client) FetchAddressStat(ctx context.Context, address string, period int) (*scoring.Stats, error) {
	u := fmt.Sprintf("%s/query-addr-stat/%s?period=%d", c.cfg.StatBaseURL, url.PathEscape(address), period)

	var st *scoring.Stats
	err := c.doWithRetry(ctx, "addr-stat", c.statLimiter, c.statBreaker, c.cfg.StatRetries, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, func(body []byte) error {
		if !json.Valid(body) {
			return &Error{Kind: KindDecode, Endpoint: "addr-stat", Err: fmt.Errorf("invalid JSON body: %s", snippet(body))}
		}
		var env statEnvelope
		if err := json.Unmarshal(body, &env); err != nil || env.Data == nil {
			st = nil
			return nil
		}
		st = coerceStats(env.Data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// FetchPortfolio retrieves the exchange-native portfolio history: a top-level
// list of (windowName, series) tuples. Malformed points are discarded while
// valid neighbors are kept; a payload that is not a tuple list returns
// (nil, nil).
func (c *Client) FetchPortfolio(ctx context.Context, address string) ([]WindowSeries, error) {
	payload, _ := json.Marshal(map[string]string{"type": "portfolio", "user": address})

	var tuples [][]json.RawMessage
	err := c.doWithRetry(ctx, "portfolio", c.seriesLimiter, c.seriesBreaker, c.cfg.PortfolioRetries, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.InfoURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, func(body []byte) error {
		if !json.Valid(body) {
			return &Error{Kind: KindDecode, Endpoint: "portfolio", Err: fmt.Errorf("invalid JSON body: %s", snippet(body))}
		}
		tuples = nil
		// A payload that is valid JSON but not a tuple list is a clean
		// "no portfolio", not a retryable failure.
		_ = json.Unmarshal(body, &tuples)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if tuples == nil {
		return nil, nil
	}

	out := make([]WindowSeries, 0, len(tuples))
	for _, tup := range tuples {
		if len(tup) < 2 {
			continue
		}
		var window string
		if err := json.Unmarshal(tup[0], &window); err != nil || window == "" {
			continue
		}
		var w portfolioWindow
		if err := json.Unmarshal(tup[1], &w); err != nil {
			continue
		}
		out = append(out, WindowSeries{
			Window:       window,
			Pnl:          validSamples(w.PnlHistory),
			AccountValue: validSamples(w.AccountValueHistory),
		})
	}
	return out, nil
}

// doWithRetry executes one endpoint call with pacing, breaker protection,
// linear backoff, and a per-attempt timeout. handle decodes the response body
// inside the retry loop, so decode failures consume the retry budget the same
// way transport and HTTP failures do.
func (c *Client) doWithRetry(ctx context.Context, endpoint string, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker, retries int, build func(ctx context.Context) (*http.Request, error), handle func(body []byte) error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * c.cfg.RetryBackoff
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return classifyContext(endpoint, ctx.Err())
			}
			log.Warn().Str("endpoint", endpoint).Int("attempt", attempt+1).Err(lastErr).Msg("retrying upstream call")
		}

		body, err := c.doOnce(ctx, endpoint, limiter, breaker, build)
		if err == nil {
			err = handle(body)
		}
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (c *Client) doOnce(ctx context.Context, endpoint string, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker, build func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, classifyContext(endpoint, err)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := build(attemptCtx)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}

	res, err := breaker.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, classifyTransport(endpoint, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, classifyTransport(endpoint, err)
		}
		if resp.StatusCode >= 400 {
			return nil, &Error{Kind: KindHTTP, Endpoint: endpoint, Status: resp.StatusCode, Err: fmt.Errorf("body: %s", snippet(body))}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &Error{Kind: KindNetwork, Endpoint: endpoint, Err: err}
		}
		return nil, err
	}
	return res.([]byte), nil
}

// classifyContext maps a context failure: only a deadline is a timeout; a
// caller-initiated cancel is reported as a network-class failure.
func classifyContext(endpoint string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindNetwork, Endpoint: endpoint, Err: err}
}

func classifyTransport(endpoint string, err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Endpoint: endpoint, Err: err}
	}
	return &Error{Kind: KindNetwork, Endpoint: endpoint, Err: err}
}

func coerceEntry(w wireEntry) scoring.RawEntry {
	e := scoring.RawEntry{
		Address:     w.Address,
		WinRate:     numeric.AsFloatDefault(w.WinRate, 0),
		RealizedPnl: numeric.AsFloatDefault(w.RealizedPnl, 0),
		Remark:      w.Remark,
		Labels:      w.Labels,
		PnlList:     w.PnlList,
	}
	if n, ok := numeric.AsFloat(w.ExecutedOrders); ok && n > 0 {
		e.ExecutedOrders = int(n)
	}
	if f, ok := numeric.AsFloat(w.MaxDrawdown); ok {
		e.MaxDrawdown = &f
	}
	if w.Stats != nil {
		e.Stats = coerceStats(w.Stats)
	}
	return e
}

func coerceStats(w *wireStats) *scoring.Stats {
	s := &scoring.Stats{}
	if f, ok := numeric.AsFloat(w.WinRate); ok {
		s.WinRate = &f
	}
	if f, ok := numeric.AsFloat(w.OpenPosCount); ok {
		n := int(f)
		s.OpenPosCount = &n
	}
	if f, ok := numeric.AsFloat(w.ClosePosCount); ok {
		n := int(f)
		s.ClosePosCount = &n
	}
	if f, ok := numeric.AsFloat(w.AvgPosDuration); ok {
		s.AvgPosDuration = &f
	}
	if f, ok := numeric.AsFloat(w.TotalPnl); ok {
		s.TotalPnl = &f
	}
	if f, ok := numeric.AsFloat(w.MaxDrawdown); ok {
		s.MaxDrawdown = &f
	}
	return s
}

func validSamples(in []scoring.PnlSample) []scoring.PnlSample {
	out := make([]scoring.PnlSample, 0, len(in))
	for _, s := range in {
		if s.Valid {
			out = append(out, s)
		}
	}
	return out
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		body = body[:max]
	}
	return string(body)
}
