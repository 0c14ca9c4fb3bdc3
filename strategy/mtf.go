package strategy

import (
	"github.com/niftylabs/papertrader/indicators"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MULTI-TIMEFRAME CONFIRMER - Trend agreement across the hierarchy
// ═══════════════════════════════════════════════════════════════════════════════

// mtfLookback is how many closed candles each timeframe is classified
// over. EMA(21) plus a previous EMA(9) sample needs 22.
const mtfLookback = 50

// CandleSource supplies recent closed candles, oldest first.
type CandleSource interface {
	Recent(securityID string, interval types.Interval, n int) []types.Candle
}

// timeframePair maps a primary interval to its mid and higher
// confirmation intervals.
var timeframePair = map[types.Interval][2]types.Interval{
	types.Interval1m:  {types.Interval5m, types.Interval15m},
	types.Interval5m:  {types.Interval15m, types.Interval1h},
	types.Interval15m: {types.Interval1h, types.Interval1d},
	types.Interval1h:  {types.Interval1d, types.Interval1d},
}

// MTFConfirmer classifies the trend on a primary, mid and higher
// timeframe and scores their agreement.
type MTFConfirmer struct {
	source CandleSource
}

// NewMTFConfirmer builds a confirmer over the given candle source.
func NewMTFConfirmer(source CandleSource) *MTFConfirmer {
	return &MTFConfirmer{source: source}
}

// Analyze returns the three-timeframe trend picture, or nil when any
// timeframe lacks enough candles to classify. Callers treat nil as a
// pass: absence of analysis never vetoes, disalignment does.
func (m *MTFConfirmer) Analyze(securityID string, primary types.Interval) *types.MTFAnalysis {
	pair, ok := timeframePair[primary]
	if !ok {
		return nil
	}
	mid, higher := pair[0], pair[1]

	pTrend, ok := m.classify(securityID, primary)
	if !ok {
		return nil
	}
	mTrend, ok := m.classify(securityID, mid)
	if !ok {
		return nil
	}
	hTrend, ok := m.classify(securityID, higher)
	if !ok {
		return nil
	}

	a := &types.MTFAnalysis{
		SecurityID:   securityID,
		Primary:      primary,
		Mid:          mid,
		Higher:       higher,
		PrimaryTrend: pTrend,
		MidTrend:     mTrend,
		HigherTrend:  hTrend,
	}
	a.IsAligned, a.AlignmentScore = score(pTrend, mTrend, hTrend)
	if a.IsAligned {
		if hTrend == types.TrendBullish || (hTrend == types.TrendNeutral && mTrend == types.TrendBullish) {
			a.Recommendation = types.SideBuy
		} else {
			a.Recommendation = types.SideSell
		}
	}
	return a
}

// IsSignalAligned reports whether a signal in the given direction is
// confirmed by the higher timeframes. Missing analysis passes.
func (m *MTFConfirmer) IsSignalAligned(securityID string, primary types.Interval, side types.Side) bool {
	a := m.Analyze(securityID, primary)
	if a == nil {
		return true
	}
	return a.IsAligned && a.Recommendation == side
}

// classify runs EMA(9)/EMA(21) over recent closes. BULLISH needs the
// fast EMA above the slow and rising; BEARISH the mirror.
func (m *MTFConfirmer) classify(securityID string, interval types.Interval) (types.TrendDirection, bool) {
	recent := m.source.Recent(securityID, interval, mtfLookback)
	if len(recent) < 22 {
		return types.TrendNeutral, false
	}
	closes := make([]float64, len(recent))
	for i, c := range recent {
		closes[i] = c.Close
	}

	fast := indicators.EMA(closes, 9)
	slow := indicators.EMA(closes, 21)
	if len(fast) < 2 || len(slow) < 1 {
		return types.TrendNeutral, false
	}

	fLast, fPrev := fast[len(fast)-1], fast[len(fast)-2]
	sLast := slow[len(slow)-1]
	switch {
	case fLast > sLast && fLast > fPrev:
		return types.TrendBullish, true
	case fLast < sLast && fLast < fPrev:
		return types.TrendBearish, true
	default:
		return types.TrendNeutral, true
	}
}

// score grades the agreement: 100 for all three in one non-neutral
// direction, 75 when higher and mid agree over a neutral primary, 50
// when the primary fights the agreement, else 0. A non-neutral higher
// timeframe adds 15, capped at 100.
func score(primary, mid, higher types.TrendDirection) (aligned bool, points int) {
	switch {
	case higher != types.TrendNeutral && mid == higher && primary == higher:
		aligned, points = true, 100
	case higher != types.TrendNeutral && mid == higher && primary == types.TrendNeutral:
		aligned, points = true, 75
	case higher != types.TrendNeutral && mid == higher:
		aligned, points = false, 50
	default:
		aligned, points = false, 0
	}
	if higher != types.TrendNeutral {
		points += 15
		if points > 100 {
			points = 100
		}
	}
	return aligned, points
}
