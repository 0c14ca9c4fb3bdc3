package indicators

import (
	"math"

	"github.com/niftylabs/papertrader/types"
)

// Indicator functions return series aligned to the tail of their input.
// Inputs shorter than the period yield empty results, never a panic.

// SMA returns the simple moving average series: len(prices)-period+1
// values, one per full window.
func SMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	out := make([]float64, 0, len(prices)-period+1)
	sum := 0.0
	for i, p := range prices {
		sum += p
		if i >= period {
			sum -= prices[i-period]
		}
		if i >= period-1 {
			out = append(out, sum/float64(period))
		}
	}
	return out
}

// EMA returns the exponential moving average series seeded with the SMA of
// the first period values; multiplier 2/(period+1).
func EMA(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period {
		return nil
	}
	mult := 2.0 / float64(period+1)
	out := make([]float64, 0, len(prices)-period+1)

	ema := average(prices[:period])
	out = append(out, ema)
	for i := period; i < len(prices); i++ {
		ema = (prices[i]-ema)*mult + ema
		out = append(out, ema)
	}
	return out
}

// RSI returns the Wilder-smoothed relative strength index:
// len(prices)-period values. The first value uses arithmetic averages of
// the initial gains and losses, the rest recursive smoothing.
func RSI(prices []float64, period int) []float64 {
	if period <= 0 || len(prices) < period+1 {
		return nil
	}

	gains := make([]float64, len(prices)-1)
	losses := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		change := prices[i] - prices[i-1]
		if change > 0 {
			gains[i-1] = change
		} else {
			losses[i-1] = -change
		}
	}

	avgGain := average(gains[:period])
	avgLoss := average(losses[:period])

	out := make([]float64, 0, len(prices)-period)
	out = append(out, rsiValue(avgGain, avgLoss))
	for i := period; i < len(gains); i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		out = append(out, rsiValue(avgGain, avgLoss))
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// TrueRange returns the true-range series over candles: len(candles)-1
// values.
func TrueRange(candles []types.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		h, l, prevC := candles[i].High, candles[i].Low, candles[i-1].Close
		tr := math.Max(h-l, math.Max(math.Abs(h-prevC), math.Abs(l-prevC)))
		out = append(out, tr)
	}
	return out
}

// ATR returns the SMA of the true range: len(candles)-period values.
func ATR(candles []types.Candle, period int) []float64 {
	return SMA(TrueRange(candles), period)
}

// MACD returns the MACD line, signal line and histogram, all trimmed to
// the signal line's tail.
func MACD(prices []float64, fastPeriod, slowPeriod, signalPeriod int) (macd, signal, histogram []float64) {
	if len(prices) < slowPeriod {
		return nil, nil, nil
	}
	fast := EMA(prices, fastPeriod)
	slow := EMA(prices, slowPeriod)

	// Align both EMAs on the slow tail.
	fast = fast[len(fast)-len(slow):]
	full := make([]float64, len(slow))
	for i := range slow {
		full[i] = fast[i] - slow[i]
	}

	signal = EMA(full, signalPeriod)
	if len(signal) == 0 {
		return nil, nil, nil
	}
	macd = full[len(full)-len(signal):]
	histogram = make([]float64, len(signal))
	for i := range signal {
		histogram[i] = macd[i] - signal[i]
	}
	return macd, signal, histogram
}

// Bollinger returns upper, middle and lower bands: middle is the SMA,
// bands are k standard deviations around it.
func Bollinger(prices []float64, period int, k float64) (upper, middle, lower []float64) {
	middle = SMA(prices, period)
	if len(middle) == 0 {
		return nil, nil, nil
	}
	upper = make([]float64, len(middle))
	lower = make([]float64, len(middle))
	for i := range middle {
		window := prices[i : i+period]
		sigma := stddev(window, middle[i])
		upper[i] = middle[i] + k*sigma
		lower[i] = middle[i] - k*sigma
	}
	return upper, middle, lower
}

// ADX returns the average directional index series via Wilder smoothing
// of +DM, -DM and TR: len(candles)-2*period+1 values; empty when fewer
// than 2*period+1 candles.
func ADX(candles []types.Candle, period int) []float64 {
	if period <= 0 || len(candles) < 2*period+1 {
		return nil
	}

	n := len(candles) - 1
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := TrueRange(candles)

	for i := 1; i < len(candles); i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i-1] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i-1] = downMove
		}
	}

	// Wilder-smoothed running sums.
	smTR := sum(tr[:period])
	smPlus := sum(plusDM[:period])
	smMinus := sum(minusDM[:period])

	dx := make([]float64, 0, n-period+1)
	dx = append(dx, dxValue(smPlus, smMinus, smTR))
	for i := period; i < n; i++ {
		smTR = smTR - smTR/float64(period) + tr[i]
		smPlus = smPlus - smPlus/float64(period) + plusDM[i]
		smMinus = smMinus - smMinus/float64(period) + minusDM[i]
		dx = append(dx, dxValue(smPlus, smMinus, smTR))
	}

	if len(dx) < period {
		return nil
	}
	adx := make([]float64, 0, len(dx)-period+1)
	cur := average(dx[:period])
	adx = append(adx, cur)
	for i := period; i < len(dx); i++ {
		cur = (cur*float64(period-1) + dx[i]) / float64(period)
		adx = append(adx, cur)
	}
	return adx
}

func dxValue(smPlus, smMinus, smTR float64) float64 {
	if smTR == 0 {
		return 0
	}
	plusDI := 100 * smPlus / smTR
	minusDI := 100 * smMinus / smTR
	if plusDI+minusDI == 0 {
		return 0
	}
	return 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
}

// Crossover is the result of comparing two EMA series.
type Crossover int

const (
	CrossNone Crossover = iota
	CrossBullish
	CrossBearish
)

func (c Crossover) String() string {
	switch c {
	case CrossBullish:
		return "bullish"
	case CrossBearish:
		return "bearish"
	default:
		return "none"
	}
}

// DetectEMACrossover checks the last two aligned samples of the fast and
// slow series for a cross. Returns CrossNone when either series is too
// short.
func DetectEMACrossover(fast, slow []float64) Crossover {
	if len(fast) < 2 || len(slow) < 2 {
		return CrossNone
	}
	fPrev, fLast := fast[len(fast)-2], fast[len(fast)-1]
	sPrev, sLast := slow[len(slow)-2], slow[len(slow)-1]

	if fPrev <= sPrev && fLast > sLast {
		return CrossBullish
	}
	if fPrev >= sPrev && fLast < sLast {
		return CrossBearish
	}
	return CrossNone
}

// Helper functions

func average(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return sum(data) / float64(len(data))
}

func sum(data []float64) float64 {
	s := 0.0
	for _, v := range data {
		s += v
	}
	return s
}

func stddev(data []float64, mean float64) float64 {
	if len(data) == 0 {
		return 0
	}
	ss := 0.0
	for _, v := range data {
		ss += (v - mean) * (v - mean)
	}
	return math.Sqrt(ss / float64(len(data)))
}
