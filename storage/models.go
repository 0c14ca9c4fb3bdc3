package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// Models

type TickRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	SecurityID string `gorm:"index:idx_ticks_sec_ts,priority:1"`
	LTP        float64
	LTQ        int32
	Volume     int64
	OI         int64
	Imbalance  float64
	Strength   float64
	Liquidity  float64
	Timestamp  time.Time `gorm:"index:idx_ticks_sec_ts,priority:2,sort:desc"`
	CreatedAt  time.Time
}

type CandleRow struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	SecurityID   string    `gorm:"uniqueIndex:idx_candles_key,priority:1"`
	Interval     string    `gorm:"uniqueIndex:idx_candles_key,priority:2"`
	Timestamp    time.Time `gorm:"uniqueIndex:idx_candles_key,priority:3"`
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	AvgImbalance float64
	AvgSpread    float64
	AvgStrength  float64
	IsClosed     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type SignalRow struct {
	ID              string `gorm:"primaryKey"`
	StrategyName    string `gorm:"index"`
	SecurityID      string `gorm:"index"`
	Side            string
	Price           decimal.Decimal `gorm:"type:decimal(20,2)"`
	StopLoss        decimal.Decimal `gorm:"type:decimal(20,2)"`
	Target          decimal.Decimal `gorm:"type:decimal(20,2)"`
	Quantity        int
	Reason          string
	QualityScore    float64
	Status          string `gorm:"index"`
	RejectionReason string
	FillPrice       decimal.Decimal `gorm:"type:decimal(20,2)"`
	CreatedAt       time.Time       `gorm:"index"`
	DecidedAt       *time.Time
}

type OrderRow struct {
	ID             string `gorm:"primaryKey"`
	SignalID       string `gorm:"index"`
	SecurityID     string `gorm:"index"`
	Side           string
	Quantity       int
	RequestedPrice decimal.Decimal `gorm:"type:decimal(20,2)"`
	FillPrice      decimal.Decimal `gorm:"type:decimal(20,2)"`
	Status         string
	CreatedAt      time.Time
	FilledAt       *time.Time
}

type PositionRow struct {
	ID            string `gorm:"primaryKey"`
	SecurityID    string `gorm:"index"`
	StrategyName  string `gorm:"index"`
	Side          string
	Quantity      int
	EntryPrice    decimal.Decimal `gorm:"type:decimal(20,2)"`
	CurrentPrice  decimal.Decimal `gorm:"type:decimal(20,2)"`
	StopLoss      decimal.Decimal `gorm:"type:decimal(20,2)"`
	Target        decimal.Decimal `gorm:"type:decimal(20,2)"`
	UnrealizedPnL decimal.Decimal `gorm:"type:decimal(20,2)"`
	RealizedPnL   decimal.Decimal `gorm:"type:decimal(20,2)"`
	Status        string          `gorm:"index"`
	OpenedAt      time.Time       `gorm:"index"`
	ClosedAt      *time.Time
	CloseReason   string
	UpdatedAt     time.Time
}

type PortfolioRow struct {
	UserID           string          `gorm:"primaryKey"`
	TotalCapital     decimal.Decimal `gorm:"type:decimal(20,2)"`
	AvailableCapital decimal.Decimal `gorm:"type:decimal(20,2)"`
	UsedMargin       decimal.Decimal `gorm:"type:decimal(20,2)"`
	TodayPnL         decimal.Decimal `gorm:"type:decimal(20,2)"`
	TotalPnL         decimal.Decimal `gorm:"type:decimal(20,2)"`
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          decimal.Decimal `gorm:"type:decimal(10,4)"`
	MaxDailyLoss     decimal.Decimal `gorm:"type:decimal(20,2)"`
	CurrentDailyLoss decimal.Decimal `gorm:"type:decimal(20,2)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type InstrumentRow struct {
	SecurityID      string `gorm:"primaryKey"`
	Symbol          string `gorm:"index"`
	ExchangeSegment uint8
	LotSize         int
	TickSize        decimal.Decimal `gorm:"type:decimal(10,2)"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Converters

func candleRow(c types.Candle) CandleRow {
	return CandleRow{
		SecurityID:   c.SecurityID,
		Interval:     string(c.Interval),
		Timestamp:    c.Timestamp,
		Open:         c.Open,
		High:         c.High,
		Low:          c.Low,
		Close:        c.Close,
		Volume:       c.Volume,
		AvgImbalance: c.AvgImbalance,
		AvgSpread:    c.AvgSpread,
		AvgStrength:  c.AvgStrength,
		IsClosed:     c.IsClosed,
	}
}

func (r CandleRow) toCandle() types.Candle {
	return types.Candle{
		SecurityID:   r.SecurityID,
		Interval:     types.Interval(r.Interval),
		Open:         r.Open,
		High:         r.High,
		Low:          r.Low,
		Close:        r.Close,
		Volume:       r.Volume,
		AvgImbalance: r.AvgImbalance,
		AvgSpread:    r.AvgSpread,
		AvgStrength:  r.AvgStrength,
		Timestamp:    r.Timestamp,
		IsClosed:     r.IsClosed,
	}
}

func signalRow(s *types.Signal) SignalRow {
	return SignalRow{
		ID:              s.ID,
		StrategyName:    s.StrategyName,
		SecurityID:      s.SecurityID,
		Side:            string(s.Side),
		Price:           s.Price,
		StopLoss:        s.StopLoss,
		Target:          s.Target,
		Quantity:        s.Quantity,
		Reason:          s.Reason,
		QualityScore:    s.QualityScore,
		Status:          string(s.Status),
		RejectionReason: string(s.RejectionReason),
		FillPrice:       s.FillPrice,
		CreatedAt:       s.CreatedAt,
		DecidedAt:       s.DecidedAt,
	}
}

func positionRow(p *types.Position) PositionRow {
	return PositionRow{
		ID:            p.ID,
		SecurityID:    p.SecurityID,
		StrategyName:  p.StrategyName,
		Side:          string(p.Side),
		Quantity:      p.Quantity,
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		StopLoss:      p.StopLoss,
		Target:        p.Target,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		Status:        string(p.Status),
		OpenedAt:      p.OpenedAt,
		ClosedAt:      p.ClosedAt,
		CloseReason:   string(p.CloseReason),
	}
}

func (r PositionRow) toPosition() types.Position {
	return types.Position{
		ID:            r.ID,
		SecurityID:    r.SecurityID,
		StrategyName:  r.StrategyName,
		Side:          types.PositionSide(r.Side),
		Quantity:      r.Quantity,
		EntryPrice:    r.EntryPrice,
		CurrentPrice:  r.CurrentPrice,
		StopLoss:      r.StopLoss,
		Target:        r.Target,
		UnrealizedPnL: r.UnrealizedPnL,
		RealizedPnL:   r.RealizedPnL,
		Status:        types.PositionStatus(r.Status),
		OpenedAt:      r.OpenedAt,
		ClosedAt:      r.ClosedAt,
		CloseReason:   types.CloseReason(r.CloseReason),
	}
}

func portfolioRow(p *types.Portfolio) PortfolioRow {
	return PortfolioRow{
		UserID:           p.UserID,
		TotalCapital:     p.TotalCapital,
		AvailableCapital: p.AvailableCapital,
		UsedMargin:       p.UsedMargin,
		TodayPnL:         p.TodayPnL,
		TotalPnL:         p.TotalPnL,
		TotalTrades:      p.TotalTrades,
		WinningTrades:    p.WinningTrades,
		LosingTrades:     p.LosingTrades,
		WinRate:          p.WinRate,
		MaxDailyLoss:     p.MaxDailyLoss,
		CurrentDailyLoss: p.CurrentDailyLoss,
	}
}

func (r PortfolioRow) toPortfolio() types.Portfolio {
	return types.Portfolio{
		UserID:           r.UserID,
		TotalCapital:     r.TotalCapital,
		AvailableCapital: r.AvailableCapital,
		UsedMargin:       r.UsedMargin,
		TodayPnL:         r.TodayPnL,
		TotalPnL:         r.TotalPnL,
		TotalTrades:      r.TotalTrades,
		WinningTrades:    r.WinningTrades,
		LosingTrades:     r.LosingTrades,
		WinRate:          r.WinRate,
		MaxDailyLoss:     r.MaxDailyLoss,
		CurrentDailyLoss: r.CurrentDailyLoss,
	}
}
