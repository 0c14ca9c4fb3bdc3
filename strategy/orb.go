package strategy

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPENING-RANGE BREAKOUT - 1m range capture then breakout entries
// ═══════════════════════════════════════════════════════════════════════════════
//
// Phase 1 tracks the session's first 15 minutes of 1m bars and freezes
// the range at 09:30. Phase 2 trades closes beyond the range until
// 14:00, one entry per direction per session.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	orbRangeStartMinute = 9*60 + 15 // 09:15
	orbRangeEndMinute   = 9*60 + 30 // 09:30, range freezes
	orbEntryEndMinute   = 14 * 60   // 14:00, no fresh breakout entries

	orbVolumeLookback   = 20
	orbVolumeMultiplier = 2.0
	orbMinStrength      = 1000.0

	orbMaxTradesPerDay = 2
)

type orbState struct {
	orHigh   float64
	orLow    float64
	sawRange bool
	frozen   bool

	tradedBullish bool
	tradedBearish bool

	// Trailing prior 1m volumes, oldest first, at most 20.
	volumes []int64
}

// ORB trades breakouts of the 09:15-09:30 opening range on 1m closes.
type ORB struct {
	Base
	perSecurity map[string]*orbState
}

// NewORB builds the strategy with the shared sizing.
func NewORB(sizing Sizing, loc *time.Location) *ORB {
	return &ORB{
		Base:        NewBase("openingRangeBreakout", types.Interval1m, true, orbMaxTradesPerDay, sizing, loc),
		perSecurity: make(map[string]*orbState),
	}
}

// ResetDaily clears the range and the sticky per-direction flags.
func (s *ORB) ResetDaily() {
	s.Base.ResetDaily()
	s.perSecurity = make(map[string]*orbState)
}

// HasTradedBullish reports the sticky bullish flag for a security.
func (s *ORB) HasTradedBullish(securityID string) bool {
	st, ok := s.perSecurity[securityID]
	return ok && st.tradedBullish
}

// HasTradedBearish reports the sticky bearish flag for a security.
func (s *ORB) HasTradedBearish(securityID string) bool {
	st, ok := s.perSecurity[securityID]
	return ok && st.tradedBearish
}

// OnCandle folds a 1m close through the two phases.
func (s *ORB) OnCandle(c types.Candle, m types.DepthMetrics) *types.Signal {
	st, ok := s.perSecurity[c.SecurityID]
	if !ok {
		st = &orbState{}
		s.perSecurity[c.SecurityID] = st
	}

	lt := c.Timestamp.In(s.loc)
	minutes := lt.Hour()*60 + lt.Minute()

	var sig *types.Signal
	switch {
	case minutes >= orbRangeStartMinute && minutes < orbRangeEndMinute:
		s.extendRange(st, c)
	case minutes >= orbRangeEndMinute:
		if st.sawRange && !st.frozen {
			st.frozen = true
			log.Info().
				Str("security_id", c.SecurityID).
				Float64("or_high", st.orHigh).
				Float64("or_low", st.orLow).
				Msg("🔔 Opening range frozen")
		}
		if st.frozen && minutes < orbEntryEndMinute {
			sig = s.tryBreakout(st, c, m)
		}
	}

	st.volumes = append(st.volumes, c.Volume)
	if len(st.volumes) > orbVolumeLookback {
		st.volumes = st.volumes[1:]
	}
	return sig
}

func (s *ORB) extendRange(st *orbState, c types.Candle) {
	if !st.sawRange {
		st.sawRange = true
		st.orHigh = c.High
		st.orLow = c.Low
		return
	}
	st.orHigh = math.Max(st.orHigh, c.High)
	st.orLow = math.Min(st.orLow, c.Low)
}

func (s *ORB) tryBreakout(st *orbState, c types.Candle, m types.DepthMetrics) *types.Signal {
	height := st.orHigh - st.orLow

	var side types.Side
	var stop, target float64
	switch {
	case c.Close > st.orHigh && !st.tradedBullish:
		side, stop, target = types.SideBuy, st.orLow, c.Close+2*height
	case c.Close < st.orLow && !st.tradedBearish:
		side, stop, target = types.SideSell, st.orHigh, c.Close-2*height
	default:
		return nil
	}

	if ok, why := s.canTrade(c.Timestamp); !ok {
		s.rejected(c, side, why)
		return nil
	}
	if !s.volumeConfirmed(st, c.Volume) {
		s.rejected(c, side, "volume below breakout threshold")
		return nil
	}
	if !strengthConfirms(side, m.OrderBookStrength) {
		s.rejected(c, side, "order book strength does not confirm breakout")
		return nil
	}
	if ok, why := s.checkDepth(side, m); !ok {
		s.rejected(c, side, why)
		return nil
	}

	if side == types.SideBuy {
		st.tradedBullish = true
	} else {
		st.tradedBearish = true
	}
	reason := fmt.Sprintf("opening range %s breakout, range [%.2f, %.2f]", side, st.orLow, st.orHigh)
	return s.buildSignal(c, side, m,
		decimal.NewFromFloat(stop).Round(2),
		decimal.NewFromFloat(target).Round(2),
		reason, 70)
}

// volumeConfirmed requires the breakout volume to double the trailing
// average of up to 20 prior 1m volumes.
func (s *ORB) volumeConfirmed(st *orbState, volume int64) bool {
	if len(st.volumes) == 0 {
		return false
	}
	var sum int64
	for _, v := range st.volumes {
		sum += v
	}
	avg := float64(sum) / float64(len(st.volumes))
	return float64(volume) >= orbVolumeMultiplier*avg
}

// strengthConfirms requires the book strength sign to match the trade
// direction with magnitude at least orbMinStrength.
func strengthConfirms(side types.Side, strength float64) bool {
	if math.Abs(strength) < orbMinStrength {
		return false
	}
	if side == types.SideBuy {
		return strength > 0
	}
	return strength < 0
}
