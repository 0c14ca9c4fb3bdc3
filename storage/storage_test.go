package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCandleUpsert(t *testing.T) {
	db := openTestDB(t)
	ts := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	c := types.Candle{
		SecurityID: "13",
		Interval:   types.Interval5m,
		Open:       100, High: 105, Low: 98, Close: 101,
		Volume:    4000,
		Timestamp: ts,
	}
	if err := db.UpsertCandle(c); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same key again with the final values replaces the row.
	c.Close = 104
	c.IsClosed = true
	if err := db.UpsertCandle(c); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	got, err := db.RecentCandles("13", types.Interval5m, 10)
	if err != nil {
		t.Fatalf("RecentCandles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("candles = %d, want 1 after upsert on the same key", len(got))
	}
	if got[0].Close != 104 || !got[0].IsClosed {
		t.Errorf("candle = %+v, want the upserted close 104", got[0])
	}
}

func TestRecentCandlesOrderAndFilter(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		c := types.Candle{
			SecurityID: "13",
			Interval:   types.Interval5m,
			Close:      float64(100 + i),
			Timestamp:  base.Add(time.Duration(i) * 5 * time.Minute),
			IsClosed:   true,
		}
		if err := db.UpsertCandle(c); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	// An open bar must not surface in warm-up reads.
	open := types.Candle{
		SecurityID: "13", Interval: types.Interval5m,
		Close: 999, Timestamp: base.Add(25 * time.Minute),
	}
	if err := db.UpsertCandle(open); err != nil {
		t.Fatalf("upsert open: %v", err)
	}

	got, err := db.RecentCandles("13", types.Interval5m, 3)
	if err != nil {
		t.Fatalf("RecentCandles: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("candles = %d, want 3", len(got))
	}
	// Oldest first, ending at the newest closed bar.
	if got[0].Close != 102 || got[2].Close != 104 {
		t.Errorf("range = %v..%v, want 102..104", got[0].Close, got[2].Close)
	}
}

func TestPositionRoundTrip(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().Truncate(time.Second)

	p := &types.Position{
		ID:           "pos-1",
		SecurityID:   "13",
		StrategyName: "emaCrossover",
		Side:         types.PositionLong,
		Quantity:     75,
		EntryPrice:   decimal.NewFromFloat(20010.50),
		CurrentPrice: decimal.NewFromFloat(20050),
		StopLoss:     decimal.NewFromInt(19800),
		Target:       decimal.NewFromInt(20600),
		Status:       types.PositionOpen,
		OpenedAt:     now,
	}
	if err := db.SavePosition(p); err != nil {
		t.Fatalf("SavePosition: %v", err)
	}

	open, err := db.OpenPositions()
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("open = %d, want 1", len(open))
	}
	got := open[0]
	if got.ID != "pos-1" || got.Side != types.PositionLong || got.Quantity != 75 {
		t.Errorf("position = %+v", got)
	}
	if !got.EntryPrice.Equal(p.EntryPrice) {
		t.Errorf("EntryPrice = %v, want %v", got.EntryPrice, p.EntryPrice)
	}

	// Closing removes it from the open set but keeps it by strategy.
	closedAt := now.Add(time.Hour)
	p.Status = types.PositionClosed
	p.ClosedAt = &closedAt
	p.CloseReason = types.CloseTarget
	p.RealizedPnL = decimal.NewFromInt(7500)
	if err := db.SavePosition(p); err != nil {
		t.Fatalf("SavePosition close: %v", err)
	}

	open, err = db.OpenPositions()
	if err != nil {
		t.Fatalf("OpenPositions: %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open = %d, want 0 after close", len(open))
	}

	byStrategy, err := db.PositionsByStrategy("emaCrossover", 10)
	if err != nil {
		t.Fatalf("PositionsByStrategy: %v", err)
	}
	if len(byStrategy) != 1 || byStrategy[0].CloseReason != types.CloseTarget {
		t.Errorf("byStrategy = %+v, want the closed target position", byStrategy)
	}
}

func TestPortfolioRoundTrip(t *testing.T) {
	db := openTestDB(t)

	// Fresh database has no portfolio, not an error.
	got, err := db.LoadPortfolio("paper")
	if err != nil {
		t.Fatalf("LoadPortfolio: %v", err)
	}
	if got != nil {
		t.Fatalf("portfolio = %+v, want nil on empty db", got)
	}

	p := &types.Portfolio{
		UserID:           "paper",
		TotalCapital:     decimal.NewFromInt(20000),
		AvailableCapital: decimal.NewFromInt(18500),
		UsedMargin:       decimal.NewFromInt(1500),
		TotalPnL:         decimal.NewFromInt(-250),
		TotalTrades:      3,
		WinningTrades:    1,
		LosingTrades:     2,
		MaxDailyLoss:     decimal.NewFromInt(600),
		CurrentDailyLoss: decimal.NewFromInt(250),
	}
	if err := db.SavePortfolio(p); err != nil {
		t.Fatalf("SavePortfolio: %v", err)
	}

	got, err = db.LoadPortfolio("paper")
	if err != nil {
		t.Fatalf("LoadPortfolio: %v", err)
	}
	if got == nil {
		t.Fatal("portfolio missing after save")
	}
	if !got.AvailableCapital.Equal(p.AvailableCapital) {
		t.Errorf("AvailableCapital = %v, want %v", got.AvailableCapital, p.AvailableCapital)
	}
	if got.TotalTrades != 3 || got.LosingTrades != 2 {
		t.Errorf("counters = %d/%d, want 3/2", got.TotalTrades, got.LosingTrades)
	}
}

func TestSignalPersistence(t *testing.T) {
	db := openTestDB(t)

	s := &types.Signal{
		ID:           "sig-1",
		StrategyName: "openingRangeBreakout",
		SecurityID:   "13",
		Side:         types.SideBuy,
		Price:        decimal.NewFromInt(25060),
		StopLoss:     decimal.NewFromInt(24985),
		Target:       decimal.NewFromInt(25170),
		Quantity:     75,
		Reason:       "opening range BUY breakout",
		Status:       types.SignalExecuted,
		CreatedAt:    time.Now(),
	}
	if err := db.SaveSignal(s); err != nil {
		t.Fatalf("SaveSignal: %v", err)
	}

	rows, err := db.SignalsByStrategy("openingRangeBreakout", 10)
	if err != nil {
		t.Fatalf("SignalsByStrategy: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "sig-1" {
		t.Errorf("rows = %+v, want the saved signal", rows)
	}
}

func TestInstrumentRoundTrip(t *testing.T) {
	db := openTestDB(t)

	in := types.Instrument{
		SecurityID:      "13",
		Symbol:          "NIFTY 50",
		ExchangeSegment: types.SegmentIndex,
		LotSize:         75,
		TickSize:        decimal.NewFromFloat(0.05),
	}
	if err := db.SaveInstrument(in); err != nil {
		t.Fatalf("SaveInstrument: %v", err)
	}

	all, err := db.Instruments()
	if err != nil {
		t.Fatalf("Instruments: %v", err)
	}
	if len(all) != 1 || all[0].Symbol != "NIFTY 50" || all[0].LotSize != 75 {
		t.Errorf("instruments = %+v", all)
	}
}
