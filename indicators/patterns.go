package indicators

import (
	"math"

	"github.com/niftylabs/papertrader/types"
)

// Candlestick pattern detection over the last one or two candles.

// Pattern names a detected candlestick formation.
type Pattern string

const (
	PatternNone             Pattern = ""
	PatternHammer           Pattern = "hammer"
	PatternShootingStar     Pattern = "shootingStar"
	PatternDoji             Pattern = "doji"
	PatternBullishEngulfing Pattern = "bullishEngulfing"
	PatternBearishEngulfing Pattern = "bearishEngulfing"
)

func body(c types.Candle) float64 { return math.Abs(c.Close - c.Open) }

func upperWick(c types.Candle) float64 { return c.High - math.Max(c.Open, c.Close) }

func lowerWick(c types.Candle) float64 { return math.Min(c.Open, c.Close) - c.Low }

// IsDoji reports a body under 10% of the bar's range.
func IsDoji(c types.Candle) bool {
	rng := c.High - c.Low
	if rng == 0 {
		return false
	}
	return body(c)/rng < 0.10
}

// IsHammer reports a long lower wick (at least twice the body) with a
// small upper wick, a bullish reversal shape.
func IsHammer(c types.Candle) bool {
	b := body(c)
	if b == 0 {
		return false
	}
	return lowerWick(c) >= 2*b && upperWick(c) <= 0.5*b
}

// IsShootingStar is the bearish mirror of the hammer.
func IsShootingStar(c types.Candle) bool {
	b := body(c)
	if b == 0 {
		return false
	}
	return upperWick(c) >= 2*b && lowerWick(c) <= 0.5*b
}

// IsBullishEngulfing reports a red candle fully engulfed by the following
// green candle's body.
func IsBullishEngulfing(c1, c2 types.Candle) bool {
	if c1.Close >= c1.Open {
		return false
	}
	if c2.Close <= c2.Open {
		return false
	}
	return c2.Open <= c1.Close && c2.Close >= c1.Open
}

// IsBearishEngulfing reports a green candle fully engulfed by the
// following red candle's body.
func IsBearishEngulfing(c1, c2 types.Candle) bool {
	if c1.Close <= c1.Open {
		return false
	}
	if c2.Close >= c2.Open {
		return false
	}
	return c2.Open >= c1.Close && c2.Close <= c1.Open
}

// DetectPattern inspects the last two candles and returns the first
// matching formation, two-candle patterns first.
func DetectPattern(candles []types.Candle) Pattern {
	if len(candles) == 0 {
		return PatternNone
	}
	last := candles[len(candles)-1]
	if len(candles) >= 2 {
		prev := candles[len(candles)-2]
		if IsBullishEngulfing(prev, last) {
			return PatternBullishEngulfing
		}
		if IsBearishEngulfing(prev, last) {
			return PatternBearishEngulfing
		}
	}
	switch {
	case IsHammer(last):
		return PatternHammer
	case IsShootingStar(last):
		return PatternShootingStar
	case IsDoji(last):
		return PatternDoji
	}
	return PatternNone
}
