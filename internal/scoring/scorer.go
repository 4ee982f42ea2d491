package scoring

import (
	"math"
	"sort"
	"strings"

	"github.com/fzheng/SigmaPilot/internal/numeric"
)

// suspiciousWinRate and suspiciousMinTrades drop "perfect record" accounts:
// a win rate this high over this many trades is wash trading or reporting
// noise, not skill.
const (
	suspiciousWinRate   = 0.999
	suspiciousMinTrades = 10
)

// Score runs phase one of the pipeline: coerce and filter every raw entry,
// compute composite scores, drop filtered and suspicious entries, sort, and
// assign dense ranks and normalized top-K weights.
//
// When every entry is rejected and p.FallbackOnAllFiltered is set, the full
// pre-drop list is ranked instead so downstream never sees an empty period.
func Score(raw []RawEntry, p Params, selectCount int) []RankedEntry {
	mapped := make([]RankedEntry, 0, len(raw))
	for _, r := range raw {
		mapped = append(mapped, scoreOne(r, p))
	}

	survivors := make([]RankedEntry, 0, len(mapped))
	for _, e := range mapped {
		if e.Filtered {
			continue
		}
		if e.WinRate >= suspiciousWinRate && e.ExecutedOrders >= suspiciousMinTrades {
			continue
		}
		survivors = append(survivors, e)
	}

	if len(survivors) == 0 {
		if !p.FallbackOnAllFiltered {
			return []RankedEntry{}
		}
		survivors = mapped
	}

	return rankAndWeight(survivors, selectCount)
}

// scoreOne maps a single raw entry through coercion, the hard filters, and
// the composite score.
func scoreOne(r RawEntry, p Params) RankedEntry {
	r.Address = strings.ToLower(strings.TrimSpace(r.Address))
	r.WinRate = numeric.Clamp(numeric.Sanitize(r.WinRate), 0, 1)
	if r.ExecutedOrders < 0 {
		r.ExecutedOrders = 0
	}
	r.RealizedPnl = numeric.Sanitize(r.RealizedPnl)

	apiMaxDrawdown := 0.0
	if r.Stats != nil && r.Stats.MaxDrawdown != nil {
		apiMaxDrawdown = *r.Stats.MaxDrawdown
	} else if r.MaxDrawdown != nil {
		apiMaxDrawdown = *r.MaxDrawdown
	}

	if apiMaxDrawdown > p.MaxDrawdownLimit {
		e := filteredEntry(r, FilterMaxDrawdown, apiMaxDrawdown)
		e.StatMaxDrawdown = ptr(apiMaxDrawdown)
		return e
	}
	if r.ExecutedOrders > p.MaxTradesHardLimit {
		e := filteredEntry(r, FilterScalping, apiMaxDrawdown)
		e.StatMaxDrawdown = ptr(apiMaxDrawdown)
		return e
	}

	details, pathFiltered := ComputeDetails(r.RealizedPnl, r.ExecutedOrders, r.WinRate, r.PnlList, p)
	statMDD := math.Max(apiMaxDrawdown, details.MaxDrawdown)

	e := RankedEntry{
		Address:        r.Address,
		Score:          details.Composite(),
		WinRate:        r.WinRate,
		ExecutedOrders: r.ExecutedOrders,
		RealizedPnl:    r.RealizedPnl,
		Efficiency:     efficiency(r.RealizedPnl, r.ExecutedOrders),
		PnlConsistency: details.SmoothPnlScore,
		Remark:         r.Remark,
		Labels:         r.Labels,
		StatMaxDrawdown: ptr(statMDD),
		Meta: Meta{
			Raw:            r,
			Details:        details,
			Stats:          r.Stats,
			APIMaxDrawdown: apiMaxDrawdown,
		},
	}
	if pathFiltered {
		e.Score = 0
		e.Filtered = true
		e.FilterReason = FilterMaxDrawdown
		e.Meta.Filtered = true
		e.Meta.FilterReason = FilterMaxDrawdown
	}
	return e
}

// filteredEntry builds a zero-score entry that retains the pass-through
// fields for auditability.
func filteredEntry(r RawEntry, reason FilterReason, apiMaxDrawdown float64) RankedEntry {
	return RankedEntry{
		Address:        r.Address,
		Filtered:       true,
		FilterReason:   reason,
		WinRate:        r.WinRate,
		ExecutedOrders: r.ExecutedOrders,
		RealizedPnl:    r.RealizedPnl,
		Efficiency:     efficiency(r.RealizedPnl, r.ExecutedOrders),
		Remark:         r.Remark,
		Labels:         r.Labels,
		Meta: Meta{
			Raw:            r,
			Filtered:       true,
			FilterReason:   reason,
			APIMaxDrawdown: apiMaxDrawdown,
		},
	}
}

// ApplyStats merges the enriched per-address statistics into the ranked set.
// Scores are untouched: enrichment refreshes the reported fields, not the
// composite. A new slice is returned; the input is not mutated.
func ApplyStats(entries []RankedEntry, statsByAddr map[string]*Stats) []RankedEntry {
	out := make([]RankedEntry, len(entries))
	copy(out, entries)
	for i := range out {
		st, ok := statsByAddr[out[i].Address]
		if !ok || st == nil {
			continue
		}
		if st.WinRate != nil && numeric.Finite(*st.WinRate) {
			out[i].WinRate = numeric.Clamp(*st.WinRate, 0, 1)
		}
		out[i].StatOpenPositions = st.OpenPosCount
		out[i].StatClosedPositions = st.ClosePosCount
		out[i].StatAvgPosDuration = st.AvgPosDuration
		out[i].StatTotalPnl = st.TotalPnl
		if st.MaxDrawdown != nil && numeric.Finite(*st.MaxDrawdown) {
			prev := 0.0
			if out[i].StatMaxDrawdown != nil {
				prev = *out[i].StatMaxDrawdown
			}
			out[i].StatMaxDrawdown = ptr(math.Max(prev, *st.MaxDrawdown))
		}
		out[i].Meta.Stats = st
	}
	return out
}

// Refilter runs phase two: re-evaluate the drawdown hard filter against the
// enriched stats, drop the newly rejected entries, and re-rank and re-weight
// the remainder. Refilter never grows the set.
func Refilter(entries []RankedEntry, p Params, selectCount int) []RankedEntry {
	kept := make([]RankedEntry, 0, len(entries))
	for _, e := range entries {
		if e.StatMaxDrawdown != nil && *e.StatMaxDrawdown > p.MaxDrawdownLimit {
			continue
		}
		kept = append(kept, e)
	}
	return rankAndWeight(kept, selectCount)
}

// rankAndWeight sorts by score descending (address ascending on ties for a
// deterministic order), assigns dense 1-based ranks, and normalizes weights
// over the top selectCount entries.
func rankAndWeight(entries []RankedEntry, selectCount int) []RankedEntry {
	out := make([]RankedEntry, len(entries))
	copy(out, entries)

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Address < out[j].Address
	})
	for i := range out {
		out[i].Rank = i + 1
	}

	topK := selectCount
	if topK > len(out) {
		topK = len(out)
	}
	total := 0.0
	for i := 0; i < topK; i++ {
		total += math.Max(out[i].Score, 0)
	}
	for i := range out {
		if i < topK && total > 0 {
			out[i].Weight = math.Max(out[i].Score, 0) / total
		} else {
			out[i].Weight = 0
		}
	}
	return out
}

// efficiency is realized pnl per executed order; with zero orders it is the
// realized pnl itself rather than a division.
func efficiency(realizedPnl float64, executedOrders int) float64 {
	if executedOrders <= 0 {
		return realizedPnl
	}
	return realizedPnl / float64(executedOrders)
}

func ptr[T any](v T) *T { return &v }
