package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the direction of an open position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Sign returns +1 for LONG and -1 for SHORT.
func (s PositionSide) Sign() decimal.Decimal {
	if s == PositionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	SignalPending  SignalStatus = "pending"
	SignalExecuted SignalStatus = "executed"
	SignalRejected SignalStatus = "rejected"
	SignalExpired  SignalStatus = "expired"
)

// PositionStatus is the lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "open"
	PositionClosed PositionStatus = "closed"
)

// CloseReason explains why a position was closed.
type CloseReason string

const (
	CloseStop   CloseReason = "stop"
	CloseTarget CloseReason = "target"
	CloseEOD    CloseReason = "eod"
	CloseManual CloseReason = "manual"
)

// RejectionReason explains why the executor refused a signal.
type RejectionReason string

const (
	RejectNoPortfolio           RejectionReason = "noPortfolio"
	RejectDailyLossLimit        RejectionReason = "dailyLossLimit"
	RejectInsufficientCapital   RejectionReason = "insufficientCapital"
	RejectDuplicateOpenPosition RejectionReason = "duplicateOpenPosition"
	RejectExecutorHalted        RejectionReason = "executorHalted"
)

// ExchangeSegment identifies the vendor exchange segment of an instrument.
type ExchangeSegment uint8

const (
	SegmentIndex       ExchangeSegment = 0 // IDX_I
	SegmentNSEEquity   ExchangeSegment = 1 // NSE_EQ
	SegmentNSEFNO      ExchangeSegment = 2 // NSE_FNO
	SegmentNSECurrency ExchangeSegment = 3 // NSE_CURRENCY
	SegmentBSEEquity   ExchangeSegment = 4 // BSE_EQ
	SegmentMCX         ExchangeSegment = 5 // MCX_COMM
)

// String returns the vendor segment mnemonic.
func (s ExchangeSegment) String() string {
	switch s {
	case SegmentIndex:
		return "IDX_I"
	case SegmentNSEEquity:
		return "NSE_EQ"
	case SegmentNSEFNO:
		return "NSE_FNO"
	case SegmentNSECurrency:
		return "NSE_CURRENCY"
	case SegmentBSEEquity:
		return "BSE_EQ"
	case SegmentMCX:
		return "MCX_COMM"
	default:
		return "UNKNOWN"
	}
}

// Interval is a candle timeframe.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
)

// Duration returns the wall-clock length of the interval. Day bars are
// floored separately, see FloorStart.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether the interval is one of the supported timeframes.
func (i Interval) Valid() bool {
	return i.Duration() > 0
}

// FloorStart returns the bar-start instant containing t: epoch-floored for
// intraday intervals, local midnight in loc for day bars. A tick exactly on
// a boundary belongs to the new bar.
func (i Interval) FloorStart(t time.Time, loc *time.Location) time.Time {
	if i == Interval1d {
		lt := t.In(loc)
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	}
	step := i.Duration().Milliseconds()
	ms := t.UnixMilli()
	return time.UnixMilli(ms - ms%step).In(loc)
}

// Instrument is immutable configuration for a tradable security.
type Instrument struct {
	SecurityID      string
	Symbol          string
	ExchangeSegment ExchangeSegment
	LotSize         int
	TickSize        decimal.Decimal
}

// DepthLevel is a single price level of the order book.
type DepthLevel struct {
	Price    float64
	Quantity int32
	Orders   int16
}

// MarketDepth is a bid/ask ladder snapshot. Bids are price-descending,
// asks price-ascending, at most 20 levels each.
type MarketDepth struct {
	SecurityID string
	Bids       []DepthLevel
	Asks       []DepthLevel
	Timestamp  time.Time
}

// DepthMetrics are derived per tick from the 5-level book of a Full packet.
type DepthMetrics struct {
	BidAskImbalance   float64
	DepthSpread       float64
	OrderBookStrength float64
	VolumeDelta       float64
	LiquidityScore    float64
}

// DepthAnalytics are derived from the 20-level depth channel.
type DepthAnalytics struct {
	SecurityID        string
	BuyAbsorptionPct  float64 // share of resting qty on the bid side, 0-100
	SellAbsorptionPct float64
	StrongestBid      DepthLevel
	StrongestAsk      DepthLevel
	TotalBidQty       int64
	TotalAskQty       int64
	Timestamp         time.Time
}

// Tick is an enriched quote event emitted by the feed.
type Tick struct {
	SecurityID   string
	Segment      ExchangeSegment
	LTP          float64
	LTQ          int32
	LTT          time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	ATP          float64
	Volume       int64
	TotalBuyQty  int64
	TotalSellQty int64
	OI           int64
	Bids         []DepthLevel
	Asks         []DepthLevel
	Metrics      DepthMetrics
	CapturedAt   time.Time
}

// Candle is an OHLC bar for one (security, interval) window. Timestamp is
// the bar start.
type Candle struct {
	SecurityID   string
	Interval     Interval
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	AvgImbalance float64
	AvgSpread    float64
	AvgStrength  float64
	Timestamp    time.Time
	IsClosed     bool
}

// AccumulationReport flags a tight pre-breakout consolidation: the
// recent closes of one (security, interval) window sitting within ±1%
// of their mean.
type AccumulationReport struct {
	SecurityID string
	Interval   Interval
	Mean       float64
	Timestamp  time.Time
}

// Signal is a trade intent produced by a strategy.
type Signal struct {
	ID              string
	StrategyName    string
	SecurityID      string
	Side            Side
	Price           decimal.Decimal
	StopLoss        decimal.Decimal
	Target          decimal.Decimal
	Quantity        int
	Reason          string
	DepthSnapshot   DepthMetrics
	QualityScore    float64
	Status          SignalStatus
	RejectionReason RejectionReason
	FillPrice       decimal.Decimal
	CreatedAt       time.Time
	DecidedAt       *time.Time
}

// Order is a simulated paper order, one-to-one with an executed signal.
type Order struct {
	ID             string
	SignalID       string
	SecurityID     string
	Side           Side
	Quantity       int
	RequestedPrice decimal.Decimal
	FillPrice      decimal.Decimal
	Status         string
	CreatedAt      time.Time
	FilledAt       *time.Time
}

// Position is an open or closed paper position.
type Position struct {
	ID            string
	SecurityID    string
	StrategyName  string
	Side          PositionSide
	Quantity      int
	EntryPrice    decimal.Decimal
	CurrentPrice  decimal.Decimal
	StopLoss      decimal.Decimal
	Target        decimal.Decimal
	UnrealizedPnL decimal.Decimal
	RealizedPnL   decimal.Decimal
	Status        PositionStatus
	OpenedAt      time.Time
	ClosedAt      *time.Time
	CloseReason   CloseReason
}

// MarkToMarket updates the position against the latest price and returns
// the fresh unrealized PnL.
func (p *Position) MarkToMarket(price decimal.Decimal) decimal.Decimal {
	p.CurrentPrice = price
	p.UnrealizedPnL = p.Side.Sign().
		Mul(price.Sub(p.EntryPrice)).
		Mul(decimal.NewFromInt(int64(p.Quantity)))
	return p.UnrealizedPnL
}

// Portfolio is the per-user virtual account.
type Portfolio struct {
	UserID           string
	TotalCapital     decimal.Decimal
	AvailableCapital decimal.Decimal
	UsedMargin       decimal.Decimal
	TodayPnL         decimal.Decimal
	TotalPnL         decimal.Decimal
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          decimal.Decimal
	MaxDailyLoss     decimal.Decimal
	CurrentDailyLoss decimal.Decimal
}

// RecomputeWinRate refreshes WinRate from the trade counters.
func (p *Portfolio) RecomputeWinRate() {
	if p.TotalTrades == 0 {
		p.WinRate = decimal.Zero
		return
	}
	p.WinRate = decimal.NewFromInt(int64(p.WinningTrades)).
		Div(decimal.NewFromInt(int64(p.TotalTrades)))
}

// TrendDirection classifies a timeframe's trend.
type TrendDirection string

const (
	TrendBullish TrendDirection = "BULLISH"
	TrendBearish TrendDirection = "BEARISH"
	TrendNeutral TrendDirection = "NEUTRAL"
)

// MTFAnalysis is the multi-timeframe confirmation result.
type MTFAnalysis struct {
	SecurityID     string
	Primary        Interval
	Mid            Interval
	Higher         Interval
	PrimaryTrend   TrendDirection
	MidTrend       TrendDirection
	HigherTrend    TrendDirection
	IsAligned      bool
	AlignmentScore int
	Recommendation Side // empty means WAIT
}

// OptionSentiment is the optional option-chain signal input.
type OptionSentiment struct {
	SecurityID string
	Direction  Side
	Strength   float64 // 0-100
	PCR        float64
	Timestamp  time.Time
}
