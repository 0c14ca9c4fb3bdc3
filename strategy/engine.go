package strategy

import (
	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/candles"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRATEGY ENGINE - Candle routing and signal emission
// ═══════════════════════════════════════════════════════════════════════════════

// SignalStore persists emitted signals. Failures are logged and never
// block emission.
type SignalStore interface {
	SaveSignal(s *types.Signal) error
}

// Engine hosts the strategy set and routes closed candles to every
// active strategy on the matching timeframe. All entry points must be
// called from a single goroutine except the analytics feeders, which
// the strategies guard themselves.
type Engine struct {
	strategies []Strategy
	store      SignalStore
	confluence *Confluence

	signalCh chan types.Signal

	lifetimeSignals map[string]int64
	persistErrors   int64
}

// NewEngine wires the strategies over the signal store. store may be
// nil. confluence may be nil when the strategy set omits it.
func NewEngine(strategies []Strategy, store SignalStore, confluence *Confluence) *Engine {
	return &Engine{
		strategies:      strategies,
		store:           store,
		confluence:      confluence,
		signalCh:        make(chan types.Signal, 64),
		lifetimeSignals: make(map[string]int64),
	}
}

// Signals delivers every emitted signal, in order, to the executor.
func (e *Engine) Signals() <-chan types.Signal { return e.signalCh }

// LifetimeSignals returns the per-strategy emission counters.
func (e *Engine) LifetimeSignals() map[string]int64 {
	out := make(map[string]int64, len(e.lifetimeSignals))
	for k, v := range e.lifetimeSignals {
		out[k] = v
	}
	return out
}

// OnCandleClose dispatches one closed candle to every matching
// strategy.
func (e *Engine) OnCandleClose(cc candles.ClosedCandle) {
	for _, s := range e.strategies {
		if !s.Active() || s.Timeframe() != cc.Candle.Interval {
			continue
		}
		sig := s.OnCandle(cc.Candle, cc.Metrics)
		if sig == nil {
			continue
		}
		e.lifetimeSignals[s.Name()]++
		if e.store != nil {
			if err := e.store.SaveSignal(sig); err != nil {
				e.persistErrors++
				log.Error().Err(err).Str("signal_id", sig.ID).Msg("Signal persist failed")
			}
		}
		e.signalCh <- *sig
	}
}

// OnDepthAnalytics forwards 20-level analytics to the confluence
// strategy's cache.
func (e *Engine) OnDepthAnalytics(a types.DepthAnalytics) {
	if e.confluence != nil {
		e.confluence.OnDepthAnalytics(a)
	}
}

// OnOptionSentiment forwards option-chain sentiment to the confluence
// strategy's cache.
func (e *Engine) OnOptionSentiment(o types.OptionSentiment) {
	if e.confluence != nil {
		e.confluence.OnOptionSentiment(o)
	}
}

// ResetDaily clears per-session state across the strategy set.
func (e *Engine) ResetDaily() {
	for _, s := range e.strategies {
		s.ResetDaily()
	}
	log.Info().Msg("🌅 Strategy daily state reset")
}
