package strategy

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/feeds"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY - Interface and shared base contract
// ═══════════════════════════════════════════════════════════════════════════════
//
// A strategy consumes closed candles for its declared timeframe and may
// return a signal. The base contract runs inside OnCandle before any
// strategy-specific setup emits: intraday entry window, per-day trade
// cap, depth filters and lot-rounded position sizing.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Entry window for intraday strategies, minutes since midnight in the
// exchange zone. No fresh entries in the first 15 minutes or after the
// square-off approach.
const (
	entryStartMinute = 9*60 + 30  // 09:30
	entryEndMinute   = 15*60 + 15 // 15:15
)


// Strategy is one signal generator hosted by the engine.
type Strategy interface {
	// Name identifies the strategy in signals, logs and storage.
	Name() string

	// Timeframe is the candle interval the strategy consumes.
	Timeframe() types.Interval

	// Active reports whether the engine should dispatch to it.
	Active() bool

	// OnCandle evaluates one closed candle with its averaged depth
	// metrics. Returns nil when no trade is warranted.
	OnCandle(c types.Candle, m types.DepthMetrics) *types.Signal

	// ResetDaily clears per-session state at the daily reset.
	ResetDaily()
}

// Sizing carries the capital and risk parameters shared by all
// strategies, taken from config at startup.
type Sizing struct {
	TotalCapital decimal.Decimal
	RiskPct      decimal.Decimal
	StopLossPct  decimal.Decimal
	TargetPct    decimal.Decimal
	LotSize      int
}

// Base implements the shared contract. Strategies embed it and call the
// check helpers before building a signal.
type Base struct {
	name      string
	timeframe types.Interval
	intraday  bool
	maxPerDay int // 0 means unlimited

	sizing Sizing
	loc    *time.Location

	tradesToday int
}

// NewBase wires the shared contract for one strategy.
func NewBase(name string, timeframe types.Interval, intraday bool, maxPerDay int, sizing Sizing, loc *time.Location) Base {
	return Base{
		name:      name,
		timeframe: timeframe,
		intraday:  intraday,
		maxPerDay: maxPerDay,
		sizing:    sizing,
		loc:       loc,
	}
}

func (b *Base) Name() string              { return b.name }
func (b *Base) Timeframe() types.Interval { return b.timeframe }
func (b *Base) Active() bool              { return true }

// TradesToday returns the number of signals emitted since the last
// daily reset.
func (b *Base) TradesToday() int { return b.tradesToday }

// ResetDaily clears the trade counter. Strategies with extra session
// state override and call through.
func (b *Base) ResetDaily() { b.tradesToday = 0 }

// canTrade applies the entry window and the daily cap. Returns the
// rejection reason when blocked.
func (b *Base) canTrade(at time.Time) (bool, string) {
	if b.intraday {
		lt := at.In(b.loc)
		minutes := lt.Hour()*60 + lt.Minute()
		if minutes < entryStartMinute || minutes > entryEndMinute {
			return false, "outside entry window"
		}
	}
	if b.maxPerDay > 0 && b.tradesToday >= b.maxPerDay {
		return false, "daily trade cap reached"
	}
	return true, ""
}

// checkDepth applies the shared order-book filters for the given side.
// The thresholds are the feed package's, so the entry filter and the
// depth analytics agree on what a one-sided book is.
func (b *Base) checkDepth(side types.Side, m types.DepthMetrics) (bool, string) {
	if m.LiquidityScore < feeds.MinLiquidityScore {
		return false, fmt.Sprintf("liquidity %.0f below %v", m.LiquidityScore, feeds.MinLiquidityScore)
	}
	switch side {
	case types.SideBuy:
		if m.BidAskImbalance < feeds.MinBuyImbalance {
			return false, fmt.Sprintf("imbalance %.2f below %v", m.BidAskImbalance, feeds.MinBuyImbalance)
		}
		if m.OrderBookStrength <= 0 {
			return false, "order book strength not positive"
		}
	case types.SideSell:
		if m.BidAskImbalance > feeds.MaxSellImbalance {
			return false, fmt.Sprintf("imbalance %.2f above %v", m.BidAskImbalance, feeds.MaxSellImbalance)
		}
		if m.OrderBookStrength >= 0 {
			return false, "order book strength not negative"
		}
	}
	return true, ""
}

// positionSize converts the configured risk budget into a lot-rounded
// quantity: risk = capital × riskPct, per-unit risk = entry ×
// stopLossPct, floored to whole lots with a one-lot minimum.
func (b *Base) positionSize(entry decimal.Decimal) int {
	perUnit := entry.Mul(b.sizing.StopLossPct)
	if perUnit.LessThanOrEqual(decimal.Zero) {
		return b.sizing.LotSize
	}
	risk := b.sizing.TotalCapital.Mul(b.sizing.RiskPct)
	rawQty := risk.Div(perUnit).IntPart()

	lots := rawQty / int64(b.sizing.LotSize)
	if lots < 1 {
		lots = 1
	}
	return int(lots) * b.sizing.LotSize
}

// defaultLevels returns the 1:3 stop and target around the entry.
func (b *Base) defaultLevels(side types.Side, entry decimal.Decimal) (stop, target decimal.Decimal) {
	one := decimal.NewFromInt(1)
	if side == types.SideBuy {
		stop = entry.Mul(one.Sub(b.sizing.StopLossPct))
		target = entry.Mul(one.Add(b.sizing.TargetPct))
	} else {
		stop = entry.Mul(one.Add(b.sizing.StopLossPct))
		target = entry.Mul(one.Sub(b.sizing.TargetPct))
	}
	return stop.Round(2), target.Round(2)
}

// buildSignal assembles the signal, counts it against the daily cap and
// logs the emission.
func (b *Base) buildSignal(c types.Candle, side types.Side, m types.DepthMetrics, stop, target decimal.Decimal, reason string, quality float64) *types.Signal {
	entry := decimal.NewFromFloat(c.Close)
	sig := &types.Signal{
		ID:            uuid.New().String(),
		StrategyName:  b.name,
		SecurityID:    c.SecurityID,
		Side:          side,
		Price:         entry,
		StopLoss:      stop,
		Target:        target,
		Quantity:      b.positionSize(entry),
		Reason:        reason,
		DepthSnapshot: m,
		QualityScore:  quality,
		Status:        types.SignalPending,
		CreatedAt:     time.Now(),
	}
	b.tradesToday++

	log.Info().
		Str("strategy", b.name).
		Str("security_id", c.SecurityID).
		Str("side", string(side)).
		Str("price", entry.String()).
		Str("stop", stop.String()).
		Str("target", target.String()).
		Int("quantity", sig.Quantity).
		Str("reason", reason).
		Msg("📣 Signal generated")
	return sig
}

// rejected logs a filtered-out setup at debug level.
func (b *Base) rejected(c types.Candle, side types.Side, why string) {
	log.Debug().
		Str("strategy", b.name).
		Str("security_id", c.SecurityID).
		Str("side", string(side)).
		Str("reason", why).
		Msg("Setup filtered out")
}
