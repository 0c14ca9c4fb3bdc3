package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// feedFlat pushes n identical 5m closes through the strategy, spaced
// from start, all with volume 1000.
func feedFlat(s *EMACrossover, close float64, n int, start time.Time) time.Time {
	ts := start
	for i := 0; i < n; i++ {
		s.OnCandle(types.Candle{
			SecurityID: "13",
			Interval:   types.Interval5m,
			Close:      close,
			Volume:     1000,
			Timestamp:  ts,
			IsClosed:   true,
		}, types.DepthMetrics{BidAskImbalance: 1, LiquidityScore: 70})
		ts = ts.Add(5 * time.Minute)
	}
	return ts
}

func TestEMACrossoverBullishSignal(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	// 21 flat closes hold both EMAs at 100; the jump to 110 crosses the
	// fast EMA above the slow on this candle.
	ts := feedFlat(s, 100, 21, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      110,
		Volume:     1600, // 1.6x the trailing average of 1000
		Timestamp:  ts,
		IsClosed:   true,
	}, buyDepth())

	if sig == nil {
		t.Fatal("expected a BUY signal on the bullish crossover")
	}
	if sig.Side != types.SideBuy {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
	if sig.StrategyName != "emaCrossover" {
		t.Errorf("StrategyName = %q", sig.StrategyName)
	}
	if !sig.Price.Equal(decimal.NewFromInt(110)) {
		t.Errorf("Price = %v, want 110", sig.Price)
	}
	if !sig.StopLoss.Equal(decimal.NewFromFloat(108.9)) {
		t.Errorf("StopLoss = %v, want 108.9", sig.StopLoss)
	}
	if !sig.Target.Equal(decimal.NewFromFloat(113.3)) {
		t.Errorf("Target = %v, want 113.3", sig.Target)
	}
	if sig.Quantity != 75 {
		t.Errorf("Quantity = %d, want one lot of 75", sig.Quantity)
	}
	if sig.Status != types.SignalPending {
		t.Errorf("Status = %v, want pending", sig.Status)
	}
	if s.TradesToday() != 1 {
		t.Errorf("TradesToday = %d, want 1", s.TradesToday())
	}
}

func TestEMACrossoverBearishSignal(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	ts := feedFlat(s, 200, 21, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      190,
		Volume:     1600,
		Timestamp:  ts,
		IsClosed:   true,
	}, sellDepth())

	if sig == nil {
		t.Fatal("expected a SELL signal on the bearish crossover")
	}
	if sig.Side != types.SideSell {
		t.Errorf("Side = %v, want SELL", sig.Side)
	}
	if !sig.StopLoss.Equal(decimal.NewFromFloat(191.9)) {
		t.Errorf("StopLoss = %v, want 191.9", sig.StopLoss)
	}
	if !sig.Target.Equal(decimal.NewFromFloat(184.3)) {
		t.Errorf("Target = %v, want 184.3", sig.Target)
	}
	// Per-unit risk exceeds the budget: minimum one lot.
	if sig.Quantity != 75 {
		t.Errorf("Quantity = %d, want 75", sig.Quantity)
	}
}

func TestEMACrossoverRejectsWeakVolume(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	ts := feedFlat(s, 100, 21, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      110,
		Volume:     1100, // below the 1.2x confirmation
		Timestamp:  ts,
		IsClosed:   true,
	}, buyDepth())

	if sig != nil {
		t.Fatalf("expected nil on weak volume, got %+v", sig)
	}
	if s.TradesToday() != 0 {
		t.Errorf("TradesToday = %d, want 0 after a rejected setup", s.TradesToday())
	}
}

func TestEMACrossoverRejectsBadDepth(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	ts := feedFlat(s, 100, 21, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      110,
		Volume:     1600,
		Timestamp:  ts,
		IsClosed:   true,
	}, types.DepthMetrics{BidAskImbalance: 1.0, OrderBookStrength: 2000, LiquidityScore: 80})

	if sig != nil {
		t.Fatalf("expected nil on weak imbalance, got %+v", sig)
	}
}

func TestEMACrossoverRejectsOutsideWindow(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	// Whole series after the 15:15 entry cutoff.
	start := time.Date(2026, 8, 24, 16, 0, 0, 0, ist)

	ts := feedFlat(s, 100, 21, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      110,
		Volume:     1600,
		Timestamp:  ts,
		IsClosed:   true,
	}, buyDepth())

	if sig != nil {
		t.Fatalf("expected nil outside the entry window, got %+v", sig)
	}
}

func TestEMACrossoverNeedsHistory(t *testing.T) {
	s := NewEMACrossover(testSizing(10000), ist)
	start := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	ts := feedFlat(s, 100, 10, start)
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Close:      110,
		Volume:     1600,
		Timestamp:  ts,
		IsClosed:   true,
	}, buyDepth())

	if sig != nil {
		t.Fatalf("expected nil with only 11 closes, got %+v", sig)
	}
}
