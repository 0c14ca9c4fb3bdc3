package strategy

import (
	"strings"
	"testing"
	"time"

	"github.com/niftylabs/papertrader/types"
)

// seedConfluence feeds five quiet prior candles around 25000 so the
// accumulation confluence holds and the volume baseline is 1000.
func seedConfluence(s *Confluence) time.Time {
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)
	for i := 0; i < 5; i++ {
		s.OnCandle(types.Candle{
			SecurityID: "13",
			Interval:   types.Interval5m,
			Open:       24995,
			High:       25010,
			Low:        24990,
			Close:      25000,
			Volume:     1000,
			Timestamp:  at,
			IsClosed:   true,
		}, types.DepthMetrics{BidAskImbalance: 1, LiquidityScore: 70})
		at = at.Add(5 * time.Minute)
	}
	return at
}

func bullishBreakoutCandle(at time.Time) types.Candle {
	// Closes in the top quartile of its range, above the prior high.
	return types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Open:       25000,
		High:       25070,
		Low:        24995,
		Close:      25060,
		Volume:     1400, // 1.4x the cached average
		Timestamp:  at,
		IsClosed:   true,
	}
}

func TestConfluenceAllFiveSignal(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	s.OnDepthAnalytics(types.DepthAnalytics{
		SecurityID: "13", BuyAbsorptionPct: 70, SellAbsorptionPct: 30,
	})
	s.OnOptionSentiment(types.OptionSentiment{
		SecurityID: "13", Direction: types.SideBuy, Strength: 75,
	})

	sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth())
	if sig == nil {
		t.Fatal("expected a signal with all five confluences")
	}
	if sig.Side != types.SideBuy {
		t.Errorf("Side = %v, want BUY", sig.Side)
	}
	if sig.StrategyName != "multiConfluence" {
		t.Errorf("StrategyName = %q", sig.StrategyName)
	}
	if sig.QualityScore != 100 {
		t.Errorf("QualityScore = %v, want 100", sig.QualityScore)
	}
	if !strings.HasPrefix(sig.Reason, "5/5") {
		t.Errorf("Reason = %q, want 5/5 prefix", sig.Reason)
	}
}

func TestConfluenceMissingSentimentStillTrades(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	// No option-chain feed: the pool shrinks to four, all of which pass.
	s.OnDepthAnalytics(types.DepthAnalytics{
		SecurityID: "13", BuyAbsorptionPct: 70, SellAbsorptionPct: 30,
	})

	sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth())
	if sig == nil {
		t.Fatal("expected a signal with four confluences and absent sentiment")
	}
	if sig.QualityScore != 80 {
		t.Errorf("QualityScore = %v, want 80", sig.QualityScore)
	}
}

func TestConfluenceThreeIsNotEnough(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	// No depth analytics and no sentiment: breakout + volume +
	// accumulation is only three.
	if sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth()); sig != nil {
		t.Fatalf("expected nil below the confluence floor, got %+v", sig)
	}
}

func TestConfluenceOpposingSentimentDoesNotCount(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	// Present but opposing sentiment counts zero, leaving three.
	s.OnOptionSentiment(types.OptionSentiment{
		SecurityID: "13", Direction: types.SideSell, Strength: 90,
	})

	if sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth()); sig != nil {
		t.Fatalf("expected nil with opposing sentiment, got %+v", sig)
	}
}

func TestConfluenceMTFGate(t *testing.T) {
	mtf := NewMTFConfirmer(&stubSource{data: map[types.Interval][]types.Candle{
		types.Interval5m:  fallingCandles(50),
		types.Interval15m: fallingCandles(50),
		types.Interval1h:  fallingCandles(50),
	}})
	s := NewConfluence(testSizing(10000), ist, mtf)
	at := seedConfluence(s)

	s.OnDepthAnalytics(types.DepthAnalytics{
		SecurityID: "13", BuyAbsorptionPct: 70, SellAbsorptionPct: 30,
	})
	s.OnOptionSentiment(types.OptionSentiment{
		SecurityID: "13", Direction: types.SideBuy, Strength: 75,
	})

	// Five confluences but a bearish hierarchy vetoes the BUY.
	if sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth()); sig != nil {
		t.Fatalf("expected nil against a misaligned hierarchy, got %+v", sig)
	}
}

func TestConfluenceBearishSignal(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	s.OnDepthAnalytics(types.DepthAnalytics{
		SecurityID: "13", BuyAbsorptionPct: 30, SellAbsorptionPct: 70,
	})
	s.OnOptionSentiment(types.OptionSentiment{
		SecurityID: "13", Direction: types.SideSell, Strength: 80,
	})

	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Open:       24985,
		High:       24990,
		Low:        24930,
		Close:      24940, // bottom quartile, below the prior low
		Volume:     1400,
		Timestamp:  at,
		IsClosed:   true,
	}, sellDepth())

	if sig == nil {
		t.Fatal("expected a SELL signal")
	}
	if sig.Side != types.SideSell {
		t.Errorf("Side = %v, want SELL", sig.Side)
	}
}

func TestConfluenceShootingStarVeto(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	s.OnDepthAnalytics(types.DepthAnalytics{
		SecurityID: "13", BuyAbsorptionPct: 70, SellAbsorptionPct: 30,
	})
	s.OnOptionSentiment(types.OptionSentiment{
		SecurityID: "13", Direction: types.SideBuy, Strength: 75,
	})

	// Volume, depth, sentiment and accumulation pass, but the candle
	// itself is a shooting star: small green body under a long upper
	// wick.
	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Open:       25002,
		High:       25070,
		Low:        25000,
		Close:      25008,
		Volume:     1400,
		Timestamp:  at,
		IsClosed:   true,
	}, buyDepth())
	if sig != nil {
		t.Fatalf("expected nil on a shooting-star entry candle, got %+v", sig)
	}
}

func TestConfluenceDojiIsIgnored(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	sig := s.OnCandle(types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Open:       25000,
		High:       25020,
		Low:        24980,
		Close:      25000,
		Volume:     5000,
		Timestamp:  at,
		IsClosed:   true,
	}, buyDepth())
	if sig != nil {
		t.Fatalf("expected nil on a directionless candle, got %+v", sig)
	}
}

func TestConfluenceEmitsAccumulationReport(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := seedConfluence(s)

	// The report fires on the tight band alone, signal or not.
	s.OnCandle(bullishBreakoutCandle(at), buyDepth())

	var r types.AccumulationReport
	select {
	case r = <-s.AccumulationReports():
	default:
		t.Fatal("no accumulation report emitted")
	}
	if r.SecurityID != "13" || r.Interval != types.Interval5m {
		t.Errorf("report = %+v, want security 13 on 5m", r)
	}
	if r.Mean != 25000 {
		t.Errorf("Mean = %v, want 25000", r.Mean)
	}
	if !r.Timestamp.Equal(at) {
		t.Errorf("Timestamp = %v, want %v", r.Timestamp, at)
	}
}

func TestConfluenceNeedsPriorCandles(t *testing.T) {
	s := NewConfluence(testSizing(10000), ist, nil)
	at := time.Date(2026, 8, 24, 10, 0, 0, 0, ist)

	if sig := s.OnCandle(bullishBreakoutCandle(at), buyDepth()); sig != nil {
		t.Fatalf("expected nil without prior candles, got %+v", sig)
	}
}
