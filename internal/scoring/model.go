// Package scoring implements the trader scoring and selection pipeline: hard
// filters, composite score computation, rank assignment, and top-K weight
// normalization. The package is pure (no I/O, no clocks, no ambient state),
// so every transformation is deterministic.
package scoring

import (
	"encoding/json"

	"github.com/fzheng/SigmaPilot/internal/numeric"
)

// FilterReason identifies which hard filter rejected an entry.
type FilterReason string

const (
	FilterMaxDrawdown FilterReason = "max_drawdown_exceeded"
	FilterScalping    FilterReason = "scalping_penalty"
)

// PnlSample is one point of a trader's cumulative pnl series. Upstream emits
// either [ts, value] tuples or {"timestamp":..., "value"|"pnl":...} objects,
// with values that may be numeric strings. Malformed points decode with
// Valid=false and are dropped downstream; valid neighbors are kept.
type PnlSample struct {
	Timestamp int64
	Value     float64
	Valid     bool
}

// UnmarshalJSON tolerates both wire shapes and never fails the surrounding
// array decode: a point we cannot read is simply not Valid.
func (p *PnlSample) UnmarshalJSON(b []byte) error {
	var tuple []interface{}
	if err := json.Unmarshal(b, &tuple); err == nil {
		if len(tuple) >= 2 {
			ts, _ := numeric.AsFloat(tuple[0])
			v, ok := numeric.AsFloat(tuple[1])
			p.Timestamp = int64(ts)
			p.Value = v
			p.Valid = ok
		}
		return nil
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil
	}
	ts, _ := numeric.AsFloat(obj["timestamp"])
	p.Timestamp = int64(ts)
	if v, ok := numeric.AsFloat(obj["value"]); ok {
		p.Value = v
		p.Valid = true
	} else if v, ok := numeric.AsFloat(obj["pnl"]); ok {
		p.Value = v
		p.Valid = true
	}
	return nil
}

// MarshalJSON writes the tuple form, the shape persisted and re-read.
func (p PnlSample) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{p.Timestamp, p.Value})
}

// Stats carries the enriched per-address statistics from the address-stat
// endpoint. Every field is optional: absent or non-numeric upstream values
// stay nil.
type Stats struct {
	WinRate        *float64 `json:"win_rate,omitempty"`
	OpenPosCount   *int     `json:"open_pos_count,omitempty"`
	ClosePosCount  *int     `json:"close_pos_count,omitempty"`
	AvgPosDuration *float64 `json:"avg_pos_duration,omitempty"`
	TotalPnl       *float64 `json:"total_pnl,omitempty"`
	MaxDrawdown    *float64 `json:"max_drawdown,omitempty"`
}

// RawEntry is a single leaderboard row as fetched from upstream, already
// coerced to finite numbers at the ingest boundary.
type RawEntry struct {
	Address        string      `json:"address"`
	WinRate        float64     `json:"win_rate"`
	ExecutedOrders int         `json:"executed_orders"`
	RealizedPnl    float64     `json:"realized_pnl"`
	Remark         string      `json:"remark,omitempty"`
	Labels         []string    `json:"labels,omitempty"`
	PnlList        []PnlSample `json:"pnl_list,omitempty"`
	MaxDrawdown    *float64    `json:"max_drawdown,omitempty"`
	Stats          *Stats      `json:"stats,omitempty"`
}

// Details holds every intermediate of the composite score. All fields are
// finite; a non-finite intermediate degrades the affected values to zero.
type Details struct {
	SmoothPnlScore float64 `json:"smooth_pnl_score"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	UlcerIndex     float64 `json:"ulcer_index"`
	UpFraction     float64 `json:"up_fraction"`
	RawWinRate     float64 `json:"raw_win_rate"`
	AdjWinRate     float64 `json:"adj_win_rate"`
	NormalizedPnl  float64 `json:"normalized_pnl"`
	TradeFreqScore float64 `json:"trade_freq_score"`

	SmoothPnlComponent float64 `json:"smooth_pnl_component"`
	WinRateComponent   float64 `json:"win_rate_component"`
	PnlComponent       float64 `json:"pnl_component"`
	TradeFreqComponent float64 `json:"trade_freq_component"`
}

// Meta is the structured audit blob attached to every ranked entry. It
// replaces the loosely-typed map the rest of the system used to carry.
type Meta struct {
	Raw            RawEntry     `json:"raw"`
	Details        Details      `json:"details"`
	Stats          *Stats       `json:"stats,omitempty"`
	Filtered       bool         `json:"filtered,omitempty"`
	FilterReason   FilterReason `json:"filter_reason,omitempty"`
	APIMaxDrawdown float64      `json:"api_max_drawdown"`
}

// RankedEntry is the scored output for one trader in one period.
type RankedEntry struct {
	Address        string       `json:"address"`
	Rank           int          `json:"rank"`
	Score          float64      `json:"score"`
	Weight         float64      `json:"weight"`
	Filtered       bool         `json:"filtered"`
	FilterReason   FilterReason `json:"filter_reason,omitempty"`
	WinRate        float64      `json:"win_rate"`
	ExecutedOrders int          `json:"executed_orders"`
	RealizedPnl    float64      `json:"realized_pnl"`
	Efficiency     float64      `json:"efficiency"`
	PnlConsistency float64      `json:"pnl_consistency"`
	Remark         string       `json:"remark,omitempty"`
	Labels         []string     `json:"labels,omitempty"`

	StatOpenPositions   *int     `json:"stat_open_positions,omitempty"`
	StatClosedPositions *int     `json:"stat_closed_positions,omitempty"`
	StatAvgPosDuration  *float64 `json:"stat_avg_pos_duration,omitempty"`
	StatTotalPnl        *float64 `json:"stat_total_pnl,omitempty"`
	StatMaxDrawdown     *float64 `json:"stat_max_drawdown,omitempty"`

	Meta Meta `json:"meta"`
}

// Params configures the scorer. Loaded once at startup and read-only within
// a cycle.
type Params struct {
	SmoothPnlWeight    float64 `yaml:"smooth_pnl_weight"`
	WinRateWeight      float64 `yaml:"win_rate_weight"`
	PnlWeight          float64 `yaml:"pnl_weight"`
	TradeFreqWeight    float64 `yaml:"trade_freq_weight"`
	OptimalTrades      float64 `yaml:"optimal_trades"`
	TradeSigma         float64 `yaml:"trade_sigma"`
	PnlReference       float64 `yaml:"pnl_reference"`
	MaxDrawdownLimit   float64 `yaml:"max_drawdown_limit"`
	ScalpingThreshold  int     `yaml:"scalping_threshold"`
	MaxTradesHardLimit int     `yaml:"max_trades_hard_limit"`

	// FallbackOnAllFiltered controls what happens when every candidate fails
	// the hard filters: return the unfiltered list (true) or an empty period
	// (false).
	FallbackOnAllFiltered bool `yaml:"fallback_on_all_filtered"`
}

// DefaultParams returns the production scoring parameters.
func DefaultParams() Params {
	return Params{
		SmoothPnlWeight:       0.45,
		WinRateWeight:         0.30,
		PnlWeight:             0.15,
		TradeFreqWeight:       0.10,
		OptimalTrades:         100,
		TradeSigma:            150,
		PnlReference:          100_000,
		MaxDrawdownLimit:      0.80,
		ScalpingThreshold:     100,
		MaxTradesHardLimit:    200,
		FallbackOnAllFiltered: true,
	}
}
