package strategy

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/indicators"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MULTI-CONFLUENCE - 5m breakout requiring stacked evidence
// ═══════════════════════════════════════════════════════════════════════════════
//
// Scores up to five independent confluences on each 5m close and trades
// only when at least four agree and the multi-timeframe picture is
// aligned. Depth analytics and option-chain sentiment arrive on their
// own streams and are cached per security; a missing option-chain feed
// simply drops that confluence from the pool.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	confluenceRequired       = 4
	confluenceCandleCache    = 20
	confluenceMinPrior       = 5
	confluenceVolumeMult     = 1.3
	confluenceAbsorptionGap  = 20.0 // percentage points of absorption dominance
	confluenceLevelProximity = 0.005
	confluenceMinSentiment   = 60.0
	confluenceTightRange     = 0.01 // ±1% accumulation band
)

type confluenceState struct {
	candles []types.Candle // at most 20, oldest first
}

// Confluence is the multi-evidence 5m strategy.
type Confluence struct {
	Base
	mtf *MTFConfirmer

	perSecurity map[string]*confluenceState

	mu        sync.RWMutex
	depth     map[string]types.DepthAnalytics
	sentiment map[string]types.OptionSentiment

	reports chan types.AccumulationReport
}

// NewConfluence builds the strategy. mtf may be nil, disabling the
// alignment gate.
func NewConfluence(sizing Sizing, loc *time.Location, mtf *MTFConfirmer) *Confluence {
	return &Confluence{
		Base:        NewBase("multiConfluence", types.Interval5m, true, 0, sizing, loc),
		mtf:         mtf,
		perSecurity: make(map[string]*confluenceState),
		depth:       make(map[string]types.DepthAnalytics),
		sentiment:   make(map[string]types.OptionSentiment),
		reports:     make(chan types.AccumulationReport, 16),
	}
}

// AccumulationReports delivers a report whenever a candle close finds
// the prior closes in a tight band, whether or not a signal follows.
func (s *Confluence) AccumulationReports() <-chan types.AccumulationReport {
	return s.reports
}

// OnDepthAnalytics caches the latest 20-level analytics per security.
func (s *Confluence) OnDepthAnalytics(a types.DepthAnalytics) {
	s.mu.Lock()
	s.depth[a.SecurityID] = a
	s.mu.Unlock()
}

// OnOptionSentiment caches the latest option-chain sentiment per
// security.
func (s *Confluence) OnOptionSentiment(o types.OptionSentiment) {
	s.mu.Lock()
	s.sentiment[o.SecurityID] = o
	s.mu.Unlock()
}

// ResetDaily clears the candle caches along with the trade counter.
func (s *Confluence) ResetDaily() {
	s.Base.ResetDaily()
	s.perSecurity = make(map[string]*confluenceState)
}

// OnCandle scores the confluences against the prior candle cache, then
// appends the close.
func (s *Confluence) OnCandle(c types.Candle, m types.DepthMetrics) *types.Signal {
	st, ok := s.perSecurity[c.SecurityID]
	if !ok {
		st = &confluenceState{}
		s.perSecurity[c.SecurityID] = st
	}
	sig := s.evaluate(st, c, m)

	st.candles = append(st.candles, c)
	if len(st.candles) > confluenceCandleCache {
		st.candles = st.candles[1:]
	}
	return sig
}

func (s *Confluence) evaluate(st *confluenceState, c types.Candle, m types.DepthMetrics) *types.Signal {
	if len(st.candles) < confluenceMinPrior {
		return nil
	}

	var side types.Side
	switch {
	case c.Close > c.Open:
		side = types.SideBuy
	case c.Close < c.Open:
		side = types.SideSell
	default:
		return nil
	}

	passed := 0
	var evidence []string
	if s.isBreakoutCandle(st, c, side) {
		passed++
		evidence = append(evidence, "breakout")
	}
	if s.volumeSurge(st, c) {
		passed++
		evidence = append(evidence, "volume")
	}
	if s.depthConfirms(c, side) {
		passed++
		evidence = append(evidence, "depth")
	}
	if ok, present := s.sentimentConfirms(c.SecurityID, side); present && ok {
		passed++
		evidence = append(evidence, "options")
	}
	if mean, ok := s.tightAccumulation(st); ok {
		passed++
		evidence = append(evidence, "accumulation")
		s.reportAccumulation(c, mean)
	}

	if passed < confluenceRequired {
		return nil
	}
	if s.opposingPattern(st, c, side) {
		s.rejected(c, side, "opposing reversal pattern")
		return nil
	}
	if s.mtf != nil && !s.mtf.IsSignalAligned(c.SecurityID, s.timeframe, side) {
		s.rejected(c, side, "higher timeframes not aligned")
		return nil
	}

	if ok, why := s.canTrade(c.Timestamp); !ok {
		s.rejected(c, side, why)
		return nil
	}
	if ok, why := s.checkDepth(side, m); !ok {
		s.rejected(c, side, why)
		return nil
	}

	stop, target := s.defaultLevels(side, decimal.NewFromFloat(c.Close))
	reason := fmt.Sprintf("%d/5 confluences: %s", passed, strings.Join(evidence, "+"))
	return s.buildSignal(c, side, m, stop, target, reason, float64(passed)*20)
}

// isBreakoutCandle requires a directional body closing in the outer
// quartile of its range beyond the previous candle's extreme.
func (s *Confluence) isBreakoutCandle(st *confluenceState, c types.Candle, side types.Side) bool {
	prev := st.candles[len(st.candles)-1]
	rng := c.High - c.Low
	if rng <= 0 {
		return false
	}
	if side == types.SideBuy {
		return c.Close >= c.Low+0.75*rng && c.Close > prev.High
	}
	return c.Close <= c.Low+0.25*rng && c.Close < prev.Low
}

// volumeSurge requires 1.3x the cached average volume.
func (s *Confluence) volumeSurge(st *confluenceState, c types.Candle) bool {
	var sum int64
	for _, p := range st.candles {
		sum += p.Volume
	}
	avg := float64(sum) / float64(len(st.candles))
	return float64(c.Volume) >= confluenceVolumeMult*avg
}

// depthConfirms checks the cached 20-level analytics: absorption
// dominance of at least 20 points in the trade direction, or price
// within 0.5% of the strongest resting level on the entry side.
func (s *Confluence) depthConfirms(c types.Candle, side types.Side) bool {
	s.mu.RLock()
	a, ok := s.depth[c.SecurityID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	if side == types.SideBuy {
		if a.BuyAbsorptionPct-a.SellAbsorptionPct >= confluenceAbsorptionGap {
			return true
		}
		return nearLevel(c.Close, a.StrongestBid.Price)
	}
	if a.SellAbsorptionPct-a.BuyAbsorptionPct >= confluenceAbsorptionGap {
		return true
	}
	return nearLevel(c.Close, a.StrongestAsk.Price)
}

func nearLevel(price, level float64) bool {
	if price <= 0 || level <= 0 {
		return false
	}
	return math.Abs(price-level)/price <= confluenceLevelProximity
}

// sentimentConfirms reports (confirmed, present). Absent sentiment
// drops the confluence from the pool rather than failing it.
func (s *Confluence) sentimentConfirms(securityID string, side types.Side) (confirmed, present bool) {
	s.mu.RLock()
	o, ok := s.sentiment[securityID]
	s.mu.RUnlock()
	if !ok {
		return false, false
	}
	return o.Direction == side && o.Strength >= confluenceMinSentiment, true
}

// opposingPattern vetoes an entry whose own candle prints a reversal
// formation against the trade direction.
func (s *Confluence) opposingPattern(st *confluenceState, c types.Candle, side types.Side) bool {
	recent := append(append([]types.Candle{}, st.candles...), c)
	p := indicators.DetectPattern(recent)
	if side == types.SideBuy {
		return p == indicators.PatternShootingStar || p == indicators.PatternBearishEngulfing
	}
	return p == indicators.PatternHammer || p == indicators.PatternBullishEngulfing
}

// tightAccumulation requires the five prior closes to sit within ±1% of
// their own mean. The mean is the reported consolidation level.
func (s *Confluence) tightAccumulation(st *confluenceState) (float64, bool) {
	prior := st.candles[len(st.candles)-confluenceMinPrior:]
	var sum float64
	for _, p := range prior {
		sum += p.Close
	}
	mean := sum / float64(len(prior))
	if mean <= 0 {
		return 0, false
	}
	for _, p := range prior {
		if math.Abs(p.Close-mean)/mean > confluenceTightRange {
			return 0, false
		}
	}
	return mean, true
}

// reportAccumulation never blocks the candle path; a slow consumer
// loses reports.
func (s *Confluence) reportAccumulation(c types.Candle, mean float64) {
	r := types.AccumulationReport{
		SecurityID: c.SecurityID,
		Interval:   c.Interval,
		Mean:       mean,
		Timestamp:  c.Timestamp,
	}
	select {
	case s.reports <- r:
	default:
	}
}
