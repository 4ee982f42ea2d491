package scoring

import (
	"math"

	"github.com/fzheng/SigmaPilot/internal/numeric"
)

// ComputeDetails derives the full set of score intermediates for one entry.
// The second return is true when the pnl path itself breaches the drawdown
// limit, which mirrors the API-stat drawdown filter for entries whose stats
// were absent.
func ComputeDetails(realizedPnl float64, numTrades int, winRate float64, pnlList []PnlSample, p Params) (Details, bool) {
	var d Details

	numWins := int(math.Round(float64(numTrades) * winRate))
	numLosses := numTrades - numWins

	d.RawWinRate = winRate
	d.SmoothPnlScore, d.MaxDrawdown, d.UlcerIndex, d.UpFraction = smoothPnl(pnlList)
	d.AdjWinRate = adjustedWinRate(numWins, numLosses)
	d.NormalizedPnl = normalizedPnl(realizedPnl, p.PnlReference)
	d.TradeFreqScore = tradeFreqScore(numTrades, p)

	d.SmoothPnlComponent = p.SmoothPnlWeight * d.SmoothPnlScore
	d.WinRateComponent = p.WinRateWeight * d.AdjWinRate
	d.PnlComponent = p.PnlWeight * d.NormalizedPnl
	d.TradeFreqComponent = p.TradeFreqWeight * d.TradeFreqScore

	if d.MaxDrawdown > p.MaxDrawdownLimit {
		return d, true
	}
	return d, false
}

// Composite returns the weighted sum of the four score components,
// degraded to 0 when non-finite.
func (d Details) Composite() float64 {
	return numeric.Sanitize(d.SmoothPnlComponent + d.WinRateComponent + d.PnlComponent + d.TradeFreqComponent)
}

// smoothPnl scores the shape of the cumulative pnl path: net gain relative to
// the path's extreme, scaled by the fraction of up-moves, discounted by peak
// drawdown and ulcer index. Fewer than two valid points yields all zeros.
func smoothPnl(pnlList []PnlSample) (score, maxDrawdown, ulcer, upFraction float64) {
	values := make([]float64, 0, len(pnlList))
	for _, s := range pnlList {
		if s.Valid && numeric.Finite(s.Value) {
			values = append(values, s.Value)
		}
	}
	if len(values) < 2 {
		return 0, 0, 0, 0
	}

	// Re-base so the series starts at zero.
	first := values[0]
	for i := range values {
		values[i] -= first
	}

	n := len(values)
	peak := values[0]
	sumSq := 0.0
	ups := 0
	maxAbs := 0.0
	for i, v := range values {
		if v > peak {
			peak = v
		}
		dd := 0.0
		if peak > 0 {
			dd = math.Max(0, (peak-v)/peak)
		}
		if dd > maxDrawdown {
			maxDrawdown = dd
		}
		sumSq += dd * dd
		if i >= 1 && v > values[i-1] {
			ups++
		}
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	ulcer = math.Sqrt(sumSq / float64(n))
	upFraction = float64(ups) / float64(n-1)

	last := values[n-1]
	r := 0.0
	if last > 0 && maxAbs > 0 {
		r = last / maxAbs
	}

	score = math.Max(0, r) * upFraction / (1 + maxDrawdown + ulcer)
	if !numeric.Finite(score) || !numeric.Finite(maxDrawdown) || !numeric.Finite(ulcer) || !numeric.Finite(upFraction) {
		return 0, 0, 0, 0
	}
	return score, maxDrawdown, ulcer, upFraction
}

// adjustedWinRate applies Laplace smoothing, then discounts records that look
// too good to be real: zero losses with at least one win, or a >95% rate over
// more than 20 trades.
func adjustedWinRate(numWins, numLosses int) float64 {
	base := float64(numWins+1) / float64(numWins+numLosses+2)
	switch {
	case numLosses == 0 && numWins > 0:
		return base * 0.7
	case base > 0.95 && numWins+numLosses > 20:
		return base * 0.8
	default:
		return base
	}
}

// normalizedPnl maps realized pnl onto [0,1] with a log scale anchored at the
// reference pnl. Non-positive pnl scores zero.
func normalizedPnl(realizedPnl, reference float64) float64 {
	if realizedPnl <= 0 {
		return 0
	}
	v := math.Log10(realizedPnl+1) / math.Log10(reference)
	return numeric.Clamp(numeric.Sanitize(v), 0, 1)
}

// tradeFreqScore is a Gaussian bell centered on the optimal trade count, with
// a progressive penalty past the scalping threshold.
func tradeFreqScore(numTrades int, p Params) float64 {
	if numTrades <= 0 {
		return 0
	}
	diff := float64(numTrades) - p.OptimalTrades
	base := math.Exp(-(diff * diff) / (2 * p.TradeSigma * p.TradeSigma))

	if numTrades > p.ScalpingThreshold {
		excess := numTrades - p.ScalpingThreshold
		switch {
		case excess <= 50:
			base *= 0.7
		case excess <= 100:
			base *= 0.4
		case excess <= 200:
			base *= 0.2
		default:
			base *= 0.05
		}
	}
	return numeric.Sanitize(base)
}
