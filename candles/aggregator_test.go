package candles

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/niftylabs/papertrader/types"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func tick(securityID string, ltp float64, volume int64, at time.Time, m types.DepthMetrics) types.Tick {
	return types.Tick{
		SecurityID: securityID,
		LTP:        ltp,
		Volume:     volume,
		LTT:        at,
		Metrics:    m,
		CapturedAt: at,
	}
}

// drain empties the closed channel into a slice without blocking.
func drain(ch <-chan ClosedCandle) []ClosedCandle {
	var out []ClosedCandle
	for {
		select {
		case cc := <-ch:
			out = append(out, cc)
		default:
			return out
		}
	}
}

func TestAggregatorFoldsOHLC(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	agg.OnTick(tick("13", 100, 10, base, types.DepthMetrics{}))
	agg.OnTick(tick("13", 105, 20, base.Add(10*time.Second), types.DepthMetrics{}))
	agg.OnTick(tick("13", 98, 30, base.Add(20*time.Second), types.DepthMetrics{}))
	agg.OnTick(tick("13", 101, 40, base.Add(30*time.Second), types.DepthMetrics{}))

	open := agg.OpenCandles()
	if len(open) != 1 {
		t.Fatalf("open candles = %d, want 1", len(open))
	}
	c := open[0]
	if c.Open != 100 || c.High != 105 || c.Low != 98 || c.Close != 101 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 100/105/98/101", c.Open, c.High, c.Low, c.Close)
	}
	if c.Volume != 40 {
		t.Errorf("Volume = %d, want cumulative 40", c.Volume)
	}
}

func TestAggregatorClosesOnBoundary(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	agg.OnTick(tick("13", 100, 10, base.Add(30*time.Second), types.DepthMetrics{}))
	// Tick exactly on the next boundary starts the new bar.
	agg.OnTick(tick("13", 102, 20, base.Add(time.Minute), types.DepthMetrics{}))

	closed := drain(agg.Closed())
	if len(closed) != 1 {
		t.Fatalf("closed candles = %d, want 1", len(closed))
	}
	c := closed[0].Candle
	if !c.IsClosed {
		t.Error("candle not marked closed")
	}
	if c.Close != 100 {
		t.Errorf("Close = %v, want last tick in window 100", c.Close)
	}
	if !c.Timestamp.Equal(base) {
		t.Errorf("Timestamp = %v, want %v", c.Timestamp, base)
	}

	open := agg.OpenCandles()
	if len(open) != 1 || open[0].Open != 102 {
		t.Fatalf("new bar = %+v, want open 102", open)
	}
}

func TestAggregatorBoundaryCount(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	// Ticks across 5 minutes cross 4 boundaries.
	for i := 0; i < 10; i++ {
		agg.OnTick(tick("13", 100+float64(i), int64(i), base.Add(time.Duration(i)*30*time.Second), types.DepthMetrics{}))
	}

	if closed := drain(agg.Closed()); len(closed) != 4 {
		t.Errorf("closed = %d, want 4", len(closed))
	}
}

func TestAggregatorAveragesMetrics(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	m1 := types.DepthMetrics{BidAskImbalance: 1.0, DepthSpread: 0.001, OrderBookStrength: 1000, LiquidityScore: 80}
	m2 := types.DepthMetrics{BidAskImbalance: 2.0, DepthSpread: 0.003, OrderBookStrength: 3000, LiquidityScore: 60}
	agg.OnTick(tick("13", 100, 10, base, m1))
	agg.OnTick(tick("13", 101, 20, base.Add(time.Second), m2))

	agg.Flush()
	closed := drain(agg.Closed())
	if len(closed) != 1 {
		t.Fatalf("closed candles = %d, want 1 after flush", len(closed))
	}
	cc := closed[0]
	c := cc.Candle
	if c.AvgImbalance != 1.5 {
		t.Errorf("AvgImbalance = %v, want 1.5", c.AvgImbalance)
	}
	if c.AvgSpread != 0.002 {
		t.Errorf("AvgSpread = %v, want 0.002", c.AvgSpread)
	}
	if c.AvgStrength != 2000 {
		t.Errorf("AvgStrength = %v, want 2000", c.AvgStrength)
	}
	if cc.Metrics.LiquidityScore != 70 {
		t.Errorf("avg LiquidityScore = %v, want 70", cc.Metrics.LiquidityScore)
	}
}

func TestAggregatorSkipsNonPositiveLTP(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	agg.OnTick(tick("13", 0, 10, base, types.DepthMetrics{}))
	agg.OnTick(tick("13", -5, 10, base, types.DepthMetrics{}))

	if open := agg.OpenCandles(); len(open) != 0 {
		t.Errorf("open candles = %d, want 0 after zero-LTP ticks", len(open))
	}
}

func TestFlushWithoutConsumerReturns(t *testing.T) {
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, nil, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	// More open candles than the closed channel buffers.
	for i := 0; i < 257; i++ {
		agg.OnTick(tick(fmt.Sprintf("%d", 1000+i), 100, 10, base, types.DepthMetrics{}))
	}

	done := make(chan struct{})
	go func() {
		agg.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Flush blocked with no consumer")
	}

	if got := len(drain(agg.Closed())); got != 256 {
		t.Errorf("delivered = %d, want a full channel of 256", got)
	}
	if open := agg.OpenCandles(); len(open) != 0 {
		t.Errorf("open candles = %d, want 0 after flush", len(open))
	}
}

type failingStore struct{ calls int }

func (f *failingStore) UpsertCandle(c types.Candle) error {
	f.calls++
	return errors.New("disk full")
}

func TestAggregatorCountsPersistErrors(t *testing.T) {
	store := &failingStore{}
	agg := NewAggregator([]types.Interval{types.Interval1m}, ist, store, nil)
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	agg.OnTick(tick("13", 100, 10, base, types.DepthMetrics{}))
	agg.Flush()
	drain(agg.Closed())

	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
	if agg.PersistErrors() != 1 {
		t.Errorf("PersistErrors = %d, want 1", agg.PersistErrors())
	}
}

func TestHistoryRingAndRecent(t *testing.T) {
	h := NewHistory()
	base := time.Date(2026, 8, 24, 9, 30, 0, 0, ist)

	for i := 0; i < 120; i++ {
		h.Append(types.Candle{
			SecurityID: "13",
			Interval:   types.Interval5m,
			Close:      float64(i),
			Timestamp:  base.Add(time.Duration(i) * 5 * time.Minute),
			IsClosed:   true,
		})
	}

	recent := h.Recent("13", types.Interval5m, 50)
	if len(recent) != 50 {
		t.Fatalf("Recent = %d candles, want 50", len(recent))
	}
	// Oldest first, ending at the newest close.
	if recent[0].Close != 70 || recent[49].Close != 119 {
		t.Errorf("Recent range = %v..%v, want 70..119", recent[0].Close, recent[49].Close)
	}

	if got := h.Recent("13", types.Interval1m, 10); len(got) != 0 {
		t.Errorf("Recent on unknown interval = %d, want 0", len(got))
	}
}

func TestHistorySeedSkipsOpenCandles(t *testing.T) {
	h := NewHistory()
	h.Seed([]types.Candle{
		{SecurityID: "13", Interval: types.Interval1m, Close: 1, IsClosed: true},
		{SecurityID: "13", Interval: types.Interval1m, Close: 2, IsClosed: false},
	})
	if got := h.Recent("13", types.Interval1m, 10); len(got) != 1 {
		t.Errorf("seeded candles = %d, want 1 (open candles skipped)", len(got))
	}
}
