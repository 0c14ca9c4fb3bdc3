package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/indicators"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EMA CROSSOVER - 5m fast/slow cross with volume confirmation
// ═══════════════════════════════════════════════════════════════════════════════

const (
	emaFastPeriod = 9
	emaSlowPeriod = 21

	// A crossover candle must print at least 1.2x the average of the
	// ten volumes before it.
	emaVolumeLookback   = 10
	emaVolumeMultiplier = 1.2

	emaMaxTradesPerDay = 3

	// Closes and volumes kept per security; enough for both EMAs with
	// headroom.
	emaHistoryCap = 100
)

type emaSeries struct {
	closes  []float64
	volumes []int64
}

// EMACrossover trades fast/slow EMA crosses on 5m closes.
type EMACrossover struct {
	Base
	perSecurity map[string]*emaSeries
}

// NewEMACrossover builds the strategy with the shared sizing.
func NewEMACrossover(sizing Sizing, loc *time.Location) *EMACrossover {
	return &EMACrossover{
		Base:        NewBase("emaCrossover", types.Interval5m, true, emaMaxTradesPerDay, sizing, loc),
		perSecurity: make(map[string]*emaSeries),
	}
}

// OnCandle folds the close into the per-security series and checks for
// a confirmed crossover.
func (s *EMACrossover) OnCandle(c types.Candle, m types.DepthMetrics) *types.Signal {
	series, ok := s.perSecurity[c.SecurityID]
	if !ok {
		series = &emaSeries{}
		s.perSecurity[c.SecurityID] = series
	}
	series.closes = append(series.closes, c.Close)
	series.volumes = append(series.volumes, c.Volume)
	if len(series.closes) > emaHistoryCap {
		series.closes = series.closes[1:]
		series.volumes = series.volumes[1:]
	}

	// A cross needs two aligned samples of the slow EMA.
	if len(series.closes) < emaSlowPeriod+1 {
		return nil
	}

	fast := indicators.EMA(series.closes, emaFastPeriod)
	slow := indicators.EMA(series.closes, emaSlowPeriod)
	cross := indicators.DetectEMACrossover(fast, slow)
	if cross == indicators.CrossNone {
		return nil
	}
	side := types.SideBuy
	if cross == indicators.CrossBearish {
		side = types.SideSell
	}

	if ok, why := s.canTrade(c.Timestamp); !ok {
		s.rejected(c, side, why)
		return nil
	}
	if !s.volumeConfirmed(series, c.Volume) {
		s.rejected(c, side, "volume below confirmation threshold")
		return nil
	}
	if ok, why := s.checkDepth(side, m); !ok {
		s.rejected(c, side, why)
		return nil
	}

	stop, target := s.defaultLevels(side, decimal.NewFromFloat(c.Close))
	reason := fmt.Sprintf("EMA%d/%d %s crossover", emaFastPeriod, emaSlowPeriod, cross)
	return s.buildSignal(c, side, m, stop, target, reason, 60)
}

// volumeConfirmed requires the candle volume to beat the trailing
// average by the configured multiple. The current candle's volume is
// the last element, so the lookback runs over the ten before it.
func (s *EMACrossover) volumeConfirmed(series *emaSeries, volume int64) bool {
	n := len(series.volumes) - 1
	if n < emaVolumeLookback {
		return false
	}
	var sum int64
	for _, v := range series.volumes[n-emaVolumeLookback : n] {
		sum += v
	}
	avg := float64(sum) / float64(emaVolumeLookback)
	return float64(volume) >= emaVolumeMultiplier*avg
}
