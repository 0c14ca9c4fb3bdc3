package strategy

import (
	"testing"

	"github.com/niftylabs/papertrader/types"
)

// stubSource serves canned candles per interval regardless of security.
type stubSource struct {
	data map[types.Interval][]types.Candle
}

func (s *stubSource) Recent(securityID string, interval types.Interval, n int) []types.Candle {
	c := s.data[interval]
	if len(c) > n {
		c = c[len(c)-n:]
	}
	out := make([]types.Candle, len(c))
	copy(out, c)
	return out
}

func risingCandles(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Close: 100 + float64(i), IsClosed: true}
	}
	return out
}

func fallingCandles(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Close: 200 - float64(i), IsClosed: true}
	}
	return out
}

func flatCandles(n int) []types.Candle {
	out := make([]types.Candle, n)
	for i := range out {
		out[i] = types.Candle{Close: 100, IsClosed: true}
	}
	return out
}

func TestScore(t *testing.T) {
	tests := []struct {
		name        string
		primary     types.TrendDirection
		mid         types.TrendDirection
		higher      types.TrendDirection
		wantAligned bool
		wantPoints  int
	}{
		{"all bullish", types.TrendBullish, types.TrendBullish, types.TrendBullish, true, 100},
		{"all bearish", types.TrendBearish, types.TrendBearish, types.TrendBearish, true, 100},
		{"neutral primary", types.TrendNeutral, types.TrendBullish, types.TrendBullish, true, 90},
		{"primary opposed", types.TrendBearish, types.TrendBullish, types.TrendBullish, false, 65},
		{"mid disagrees", types.TrendBullish, types.TrendBearish, types.TrendBullish, false, 15},
		{"neutral higher", types.TrendBullish, types.TrendBullish, types.TrendNeutral, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			aligned, points := score(tt.primary, tt.mid, tt.higher)
			if aligned != tt.wantAligned || points != tt.wantPoints {
				t.Errorf("score = (%v, %d), want (%v, %d)", aligned, points, tt.wantAligned, tt.wantPoints)
			}
		})
	}
}

func TestAnalyzeAllAligned(t *testing.T) {
	src := &stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  risingCandles(50),
		types.Interval15m: risingCandles(50),
		types.Interval1h:  risingCandles(50),
	}}
	m := NewMTFConfirmer(src)

	a := m.Analyze("13", types.Interval5m)
	if a == nil {
		t.Fatal("Analyze returned nil with full history")
	}
	if a.PrimaryTrend != types.TrendBullish || a.MidTrend != types.TrendBullish || a.HigherTrend != types.TrendBullish {
		t.Errorf("trends = %v/%v/%v, want all bullish", a.PrimaryTrend, a.MidTrend, a.HigherTrend)
	}
	if !a.IsAligned || a.AlignmentScore != 100 {
		t.Errorf("alignment = (%v, %d), want (true, 100)", a.IsAligned, a.AlignmentScore)
	}
	if a.Recommendation != types.SideBuy {
		t.Errorf("Recommendation = %v, want BUY", a.Recommendation)
	}
}

func TestAnalyzeNeutralPrimary(t *testing.T) {
	src := &stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  flatCandles(50),
		types.Interval15m: risingCandles(50),
		types.Interval1h:  risingCandles(50),
	}}
	m := NewMTFConfirmer(src)

	a := m.Analyze("13", types.Interval5m)
	if a == nil {
		t.Fatal("Analyze returned nil")
	}
	if !a.IsAligned || a.AlignmentScore != 90 {
		t.Errorf("alignment = (%v, %d), want (true, 90)", a.IsAligned, a.AlignmentScore)
	}
}

func TestAnalyzePrimaryOpposed(t *testing.T) {
	src := &stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  fallingCandles(50),
		types.Interval15m: risingCandles(50),
		types.Interval1h:  risingCandles(50),
	}}
	m := NewMTFConfirmer(src)

	a := m.Analyze("13", types.Interval5m)
	if a == nil {
		t.Fatal("Analyze returned nil")
	}
	if a.IsAligned || a.AlignmentScore != 65 {
		t.Errorf("alignment = (%v, %d), want (false, 65)", a.IsAligned, a.AlignmentScore)
	}
}

func TestAnalyzeFailsOpenOnThinHistory(t *testing.T) {
	src := &stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  risingCandles(50),
		types.Interval15m: risingCandles(10), // below the 22-close minimum
		types.Interval1h:  risingCandles(50),
	}}
	m := NewMTFConfirmer(src)

	if a := m.Analyze("13", types.Interval5m); a != nil {
		t.Errorf("Analyze with thin mid history = %+v, want nil", a)
	}
	// nil analysis never vetoes a signal.
	if !m.IsSignalAligned("13", types.Interval5m, types.SideBuy) {
		t.Error("IsSignalAligned should pass when analysis is unavailable")
	}
}

func TestIsSignalAlignedDirection(t *testing.T) {
	src := &stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  fallingCandles(50),
		types.Interval15m: fallingCandles(50),
		types.Interval1h:  fallingCandles(50),
	}}
	m := NewMTFConfirmer(src)

	if m.IsSignalAligned("13", types.Interval5m, types.SideBuy) {
		t.Error("BUY should not be aligned against a bearish hierarchy")
	}
	if !m.IsSignalAligned("13", types.Interval5m, types.SideSell) {
		t.Error("SELL should be aligned with a bearish hierarchy")
	}
}

func TestAnalyzeUnknownPrimary(t *testing.T) {
	m := NewMTFConfirmer(&stubSource{data: map[types.Interval][]types.Candle{}})
	if a := m.Analyze("13", types.Interval1d); a != nil {
		t.Errorf("Analyze on unmapped primary = %+v, want nil", a)
	}
}
