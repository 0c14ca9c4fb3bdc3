package core

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/feeds"
)

// Replay runs a captured binary frame file through the full pipeline
// without touching the network or the hub. Frames parse on the same
// path as live traffic, ticks flow through the aggregator, the
// strategies and the executor in order, and the run ends with every
// open candle flushed.
func (e *Engine) Replay(path string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.warmupHistory()

	e.spawn(e.tickLoop)
	e.spawn(e.candleLoop)
	e.spawn(e.candleUpdateLoop)
	e.spawn(e.depthLoop)
	e.spawn(e.signalLoop)
	e.spawn(e.accumulationLoop)
	e.spawn(e.executorEventLoop)
	e.spawn(e.feedEventLoop)

	start := time.Now()
	frames, err := feeds.NewReplay(e.feed).RunFile(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Replay failed")
	}

	// Let the loops drain what the reader produced, then flush.
	time.Sleep(200 * time.Millisecond)
	e.aggregator.Flush()
	time.Sleep(200 * time.Millisecond)

	e.mu.Lock()
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()
	e.wg.Wait()

	p := e.executor.Portfolio()
	log.Info().
		Int("frames", frames).
		Str("elapsed", time.Since(start).Round(time.Millisecond).String()).
		Int("trades", p.TotalTrades).
		Str("pnl", p.TotalPnL.String()).
		Msg("🎬 Replay complete")
	return err
}
