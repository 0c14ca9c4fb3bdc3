package candles

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CANDLE AGGREGATOR - Tick to OHLC folding
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keeps one open building candle per (security, interval). A tick whose
// bar-start differs from the open candle's closes it first; the tick
// always lands in its own floor-aligned bar, so a tick exactly on a
// boundary starts the new bar.
//
// Single-writer: OnTick must be called from one goroutine (the engine's
// tick loop).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Persister stores closed and in-progress candles. Failures are logged and
// never stop the pipeline.
type Persister interface {
	UpsertCandle(c types.Candle) error
}

type key struct {
	securityID string
	interval   types.Interval
}

type building struct {
	candle       types.Candle
	sumImb       float64
	sumSpread    float64
	sumStrength  float64
	sumDelta     float64
	sumLiquidity float64
	tickCount    int
}

// ClosedCandle pairs a finalized bar with its full averaged depth
// metrics. The candle itself persists only the imbalance, spread and
// strength averages.
type ClosedCandle struct {
	Candle  types.Candle
	Metrics types.DepthMetrics
}

// Aggregator folds ticks into OHLC bars over a configurable interval set.
type Aggregator struct {
	intervals []types.Interval
	loc       *time.Location
	store     Persister
	history   *History

	open map[key]*building

	closedCh  chan ClosedCandle
	updatesCh chan types.Candle

	persistErrors int64
}

// NewAggregator creates an aggregator for the given intervals in the
// exchange zone. store may be nil (no persistence); history may be nil.
func NewAggregator(intervals []types.Interval, loc *time.Location, store Persister, history *History) *Aggregator {
	return &Aggregator{
		intervals: intervals,
		loc:       loc,
		store:     store,
		history:   history,
		open:      make(map[key]*building),
		closedCh:  make(chan ClosedCandle, 256),
		updatesCh: make(chan types.Candle, 256),
	}
}

// Closed delivers every finalized candle, averages included.
func (a *Aggregator) Closed() <-chan ClosedCandle { return a.closedCh }

// Updates delivers best-effort snapshots of building candles for UI
// consumers; slow readers miss updates, never block the pipeline.
func (a *Aggregator) Updates() <-chan types.Candle { return a.updatesCh }

// PersistErrors returns the count of failed candle writes.
func (a *Aggregator) PersistErrors() int64 { return a.persistErrors }

// OpenCandles returns snapshots of all building candles.
func (a *Aggregator) OpenCandles() []types.Candle {
	out := make([]types.Candle, 0, len(a.open))
	for _, b := range a.open {
		out = append(out, b.candle)
	}
	return out
}

// OnTick folds one tick into every tracked interval.
func (a *Aggregator) OnTick(t types.Tick) {
	if t.LTP <= 0 {
		return
	}
	at := t.LTT
	if at.IsZero() {
		at = t.CapturedAt
	}

	for _, iv := range a.intervals {
		a.fold(t, iv, at)
	}
}

func (a *Aggregator) fold(t types.Tick, iv types.Interval, at time.Time) {
	k := key{securityID: t.SecurityID, interval: iv}
	barStart := iv.FloorStart(at, a.loc)

	b, ok := a.open[k]
	if ok && !b.candle.Timestamp.Equal(barStart) {
		a.close(k, b)
		b = nil
		ok = false
	}
	if !ok {
		b = &building{candle: types.Candle{
			SecurityID: t.SecurityID,
			Interval:   iv,
			Open:       t.LTP,
			High:       t.LTP,
			Low:        t.LTP,
			Close:      t.LTP,
			Timestamp:  barStart,
		}}
		a.open[k] = b
	}

	c := &b.candle
	if t.LTP > c.High {
		c.High = t.LTP
	}
	if t.LTP < c.Low {
		c.Low = t.LTP
	}
	c.Close = t.LTP
	// Vendor volume is cumulative per session, not per tick.
	c.Volume = t.Volume

	b.sumImb += t.Metrics.BidAskImbalance
	b.sumSpread += t.Metrics.DepthSpread
	b.sumStrength += t.Metrics.OrderBookStrength
	b.sumDelta += t.Metrics.VolumeDelta
	b.sumLiquidity += t.Metrics.LiquidityScore
	b.tickCount++

	select {
	case a.updatesCh <- *c:
	default:
	}
}

// close finalizes averages, persists the bar and emits it. The emit
// blocks: a boundary close must reach the strategies.
func (a *Aggregator) close(k key, b *building) {
	a.closeEmit(k, b, true)
}

func (a *Aggregator) closeEmit(k key, b *building, wait bool) {
	c := b.candle
	var m types.DepthMetrics
	if b.tickCount > 0 {
		n := float64(b.tickCount)
		m = types.DepthMetrics{
			BidAskImbalance:   b.sumImb / n,
			DepthSpread:       b.sumSpread / n,
			OrderBookStrength: b.sumStrength / n,
			VolumeDelta:       b.sumDelta / n,
			LiquidityScore:    b.sumLiquidity / n,
		}
	} else {
		// Neutral defaults for a bar that somehow saw no metric ticks.
		m = types.DepthMetrics{BidAskImbalance: 1}
	}
	c.AvgImbalance = m.BidAskImbalance
	c.AvgSpread = m.DepthSpread
	c.AvgStrength = m.OrderBookStrength
	c.IsClosed = true
	delete(a.open, k)

	if a.store != nil {
		if err := a.store.UpsertCandle(c); err != nil {
			a.persistErrors++
			log.Error().Err(err).
				Str("security_id", c.SecurityID).
				Str("interval", string(c.Interval)).
				Msg("Candle persist failed")
		}
	}
	if a.history != nil {
		a.history.Append(c)
	}

	cc := ClosedCandle{Candle: c, Metrics: m}
	if wait {
		a.closedCh <- cc
		return
	}
	select {
	case a.closedCh <- cc:
	default:
		log.Warn().
			Str("security_id", c.SecurityID).
			Str("interval", string(c.Interval)).
			Msg("Closed candle dropped on flush, no consumer")
	}
}

// Flush closes every open candle, used at shutdown. The consumer loop
// may already be gone, so flush emits are best-effort; the bars are
// persisted either way.
func (a *Aggregator) Flush() {
	for k, b := range a.open {
		a.closeEmit(k, b, false)
	}
	log.Info().Msg("🕯 Candle aggregator flushed")
}
