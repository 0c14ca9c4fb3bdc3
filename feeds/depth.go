package feeds

import (
	"sync"
	"time"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DEPTH METRICS - Order book derived signals
// ═══════════════════════════════════════════════════════════════════════════════
//
// Computed on every Full packet from the 5-level book:
//   - bid/ask imbalance (sentinel 10 on an empty ask side)
//   - fractional spread relative to LTP
//   - weighted book strength, weights 5..1 per level
//   - rolling volume delta over the last 5 buy/sell totals
//   - liquidity score 0-100
//
// ═══════════════════════════════════════════════════════════════════════════════

const volumeDeltaWindow = 5

// Thresholds shared with strategy filters.
const (
	ImbalanceExtremeBuy = 10.0
	MinBuyImbalance     = 1.3
	MaxSellImbalance    = 0.77
	MinLiquidityScore   = 60.0
)

type volumeSample struct {
	buyQty  int64
	sellQty int64
}

// DepthCalculator derives DepthMetrics from Full packets. It keeps a small
// per-security ring of buy/sell totals for the rolling volume delta.
type DepthCalculator struct {
	mu      sync.Mutex
	samples map[string][]volumeSample
}

// NewDepthCalculator creates an empty calculator.
func NewDepthCalculator() *DepthCalculator {
	return &DepthCalculator{samples: make(map[string][]volumeSample)}
}

// Compute derives the full metric set for one packet.
func (c *DepthCalculator) Compute(p *FullPacket) types.DepthMetrics {
	var sumBid, sumAsk int64
	var sumOrders int64
	var levels int
	strength := 0.0
	weights := [5]float64{5, 4, 3, 2, 1}

	for i, lvl := range p.Depth {
		sumBid += int64(lvl.BidQty)
		sumAsk += int64(lvl.AskQty)
		strength += weights[i] * (float64(lvl.BidQty) - float64(lvl.AskQty))
		if lvl.BidQty > 0 || lvl.AskQty > 0 {
			sumOrders += int64(lvl.BidOrders) + int64(lvl.AskOrders)
			levels++
		}
	}

	m := types.DepthMetrics{
		BidAskImbalance:   imbalance(sumBid, sumAsk),
		OrderBookStrength: strength,
	}

	bestBid := p.Depth[0].BidPrice
	bestAsk := p.Depth[0].AskPrice
	if p.LTP > 0 && bestBid > 0 && bestAsk > 0 {
		m.DepthSpread = (bestAsk - bestBid) / p.LTP
	}

	m.VolumeDelta = c.volumeDelta(p.Header.SecurityIDString(),
		int64(p.TotalBuyQty), int64(p.TotalSellQty))

	m.LiquidityScore = liquidityScore(m.DepthSpread, sumBid+sumAsk, sumOrders, levels)

	return m
}

// imbalance returns sumBid/sumAsk with sentinels for empty sides: 10 when
// asks are empty (extreme buy pressure), 0 when bids are missing.
func imbalance(sumBid, sumAsk int64) float64 {
	if sumAsk == 0 {
		return ImbalanceExtremeBuy
	}
	if sumBid == 0 {
		return 0
	}
	return float64(sumBid) / float64(sumAsk)
}

// volumeDelta compares the newest buy/sell totals against the oldest in a
// bounded ring. Returns 0 until two samples exist.
func (c *DepthCalculator) volumeDelta(securityID string, buyQty, sellQty int64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	ring := append(c.samples[securityID], volumeSample{buyQty: buyQty, sellQty: sellQty})
	if len(ring) > volumeDeltaWindow {
		ring = ring[len(ring)-volumeDeltaWindow:]
	}
	c.samples[securityID] = ring

	if len(ring) < 2 {
		return 0
	}
	oldest := ring[0]
	return float64(buyQty-oldest.buyQty) - float64(sellQty-oldest.sellQty)
}

// liquidityScore starts at 100 and applies spread, depth and order-count
// penalties, clamped to [0,100].
func liquidityScore(spread float64, totalQty, totalOrders int64, levels int) float64 {
	score := 100.0

	spreadPct := spread * 100
	switch {
	case spreadPct > 0.15:
		score -= 30
	case spreadPct > 0.10:
		score -= 20
	case spreadPct > 0.05:
		score -= 10
	}

	switch {
	case totalQty < 10_000:
		score -= 25
	case totalQty < 50_000:
		score -= 10
	}

	if levels > 0 {
		avgOrders := float64(totalOrders) / float64(levels)
		switch {
		case avgOrders < 10:
			score -= 15
		case avgOrders < 20:
			score -= 5
		}
	}

	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Reset clears the rolling volume state, used by the daily reset.
func (c *DepthCalculator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = make(map[string][]volumeSample)
}

// ═══════════════════════════════════════════════════════════════════════════════
// 20-LEVEL DEPTH ANALYTICS
// ═══════════════════════════════════════════════════════════════════════════════

// AnalyzeDepth derives absorption percentages and the strongest resting
// levels from a 20-level ladder snapshot.
func AnalyzeDepth(d types.MarketDepth) types.DepthAnalytics {
	a := types.DepthAnalytics{
		SecurityID: d.SecurityID,
		Timestamp:  d.Timestamp,
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	for _, lvl := range d.Bids {
		a.TotalBidQty += int64(lvl.Quantity)
		if lvl.Quantity > a.StrongestBid.Quantity {
			a.StrongestBid = lvl
		}
	}
	for _, lvl := range d.Asks {
		a.TotalAskQty += int64(lvl.Quantity)
		if lvl.Quantity > a.StrongestAsk.Quantity {
			a.StrongestAsk = lvl
		}
	}

	total := a.TotalBidQty + a.TotalAskQty
	if total > 0 {
		a.BuyAbsorptionPct = float64(a.TotalBidQty) / float64(total) * 100
		a.SellAbsorptionPct = float64(a.TotalAskQty) / float64(total) * 100
	}
	return a
}
