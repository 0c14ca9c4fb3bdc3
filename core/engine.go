package core

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/bot"
	"github.com/niftylabs/papertrader/candles"
	"github.com/niftylabs/papertrader/exec"
	"github.com/niftylabs/papertrader/feeds"
	"github.com/niftylabs/papertrader/hub"
	"github.com/niftylabs/papertrader/internal/config"
	"github.com/niftylabs/papertrader/storage"
	"github.com/niftylabs/papertrader/strategy"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ENGINE - Central orchestrator
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   Feed → Depth metrics → Candles → Strategies → Executor → Hub/Storage
//
// The tick loop is the single consumer of the feed's ordered stream, so
// per-security ordering holds end to end. Every other stream (candle
// closes, signals, executor events, feed status) runs on its own
// goroutine; the scheduler probes once a minute for the daily reset and
// the EOD square-off in the exchange zone.
//
// ═══════════════════════════════════════════════════════════════════════════════

const shutdownDeadline = 5 * time.Second

type Engine struct {
	mu sync.Mutex

	cfg        *config.Config
	loc        *time.Location
	feed       *feeds.MarketFeed
	depthFeed  *feeds.MarketFeed
	aggregator *candles.Aggregator
	history    *candles.History
	strategies *strategy.Engine
	orb        *strategy.ORB
	confluence *strategy.Confluence
	executor   *exec.Executor
	db         *storage.Database
	hub        *hub.Hub
	poller     *feeds.OptionChainPoller
	telegram   *bot.TelegramBot

	running  bool
	stopCh   chan struct{}
	fatalCh  chan string
	wg       sync.WaitGroup
	fillSeed *int64

	resetDone  string // last YYYY-MM-DD the daily reset ran
	eodSummary string // last YYYY-MM-DD the EOD summary went out
}

// EngineOption configures the engine at construction.
type EngineOption func(*Engine)

// WithDeterministicFills seeds the executor's slippage jitter, used by
// replay mode so identical input files produce identical fills.
func WithDeterministicFills(seed int64) EngineOption {
	return func(e *Engine) { e.fillSeed = &seed }
}

// New wires the full component graph from configuration. db may be nil
// in replay mode; telegram and the option poller are optional.
func New(cfg *config.Config, db *storage.Database, opts ...EngineOption) (*Engine, error) {
	loc := cfg.Location()

	e := &Engine{
		cfg:     cfg,
		loc:     loc,
		db:      db,
		stopCh:  make(chan struct{}),
		fatalCh: make(chan string, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.history = candles.NewHistory()
	var persister candles.Persister
	if db != nil {
		persister = db
	}
	e.aggregator = candles.NewAggregator(cfg.CandleIntervals, loc, persister, e.history)

	e.feed = feeds.NewMarketFeed(cfg.FeedEndpoint, cfg.FeedToken, cfg.ClientID,
		feeds.WithReconnect(cfg.ReconnectInitialDelay, cfg.ReconnectMaxAttempts),
		feeds.WithKeepalive(cfg.KeepaliveInterval),
	)
	// The 20-level ladders arrive only on a dedicated depth connection.
	e.depthFeed = feeds.NewMarketFeed(cfg.FeedEndpoint, cfg.FeedToken, cfg.ClientID,
		feeds.WithDepthMode(),
		feeds.WithReconnect(cfg.ReconnectInitialDelay, cfg.ReconnectMaxAttempts),
		feeds.WithKeepalive(cfg.KeepaliveInterval),
	)

	sizing := strategy.Sizing{
		TotalCapital: cfg.TotalCapital,
		RiskPct:      cfg.RiskPct,
		StopLossPct:  cfg.StopLossPct,
		TargetPct:    cfg.TargetPct,
		LotSize:      cfg.LotSize,
	}
	mtf := strategy.NewMTFConfirmer(e.history)
	e.orb = strategy.NewORB(sizing, loc)
	e.confluence = strategy.NewConfluence(sizing, loc, mtf)
	set := []strategy.Strategy{
		strategy.NewEMACrossover(sizing, loc),
		e.orb,
		e.confluence,
	}
	var signalStore strategy.SignalStore
	if db != nil {
		signalStore = db
	}
	e.strategies = strategy.NewEngine(set, signalStore, e.confluence)

	portfolio, err := e.loadPortfolio()
	if err != nil {
		return nil, err
	}
	var execStore exec.Store
	if db != nil {
		execStore = db
	}
	execOpts := []exec.Option{exec.WithLotSize(cfg.LotSize)}
	if e.fillSeed != nil {
		execOpts = append(execOpts, exec.WithRandSource(rand.NewSource(*e.fillSeed)))
	}
	e.executor = exec.NewExecutor(portfolio, execStore, execOpts...)

	// Persisted open positions must come back under management, or their
	// margin stays locked in the restored portfolio forever.
	if db != nil {
		openPositions, err := db.OpenPositions()
		if err != nil {
			return nil, err
		}
		e.executor.Restore(openPositions)
	}

	e.hub = hub.New(cfg.HubListenAddr, e)

	if cfg.OptionChainURL != "" {
		ids := make([]string, len(cfg.Subscriptions))
		for i, sub := range cfg.Subscriptions {
			ids[i] = sub.SecurityID
		}
		e.poller = feeds.NewOptionChainPoller(cfg.OptionChainURL, ids)
	}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, e.executor)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram bot unavailable, continuing without it")
		} else {
			e.telegram = tg
		}
	}

	return e, nil
}

// loadPortfolio restores the persisted portfolio or creates a fresh
// one from configuration.
func (e *Engine) loadPortfolio() (*types.Portfolio, error) {
	if e.db != nil {
		p, err := e.db.LoadPortfolio(e.cfg.UserID)
		if err != nil {
			return nil, err
		}
		if p != nil {
			log.Info().
				Str("user_id", p.UserID).
				Str("available", p.AvailableCapital.String()).
				Msg("💰 Portfolio restored")
			return p, nil
		}
	}
	p := &types.Portfolio{
		UserID:           e.cfg.UserID,
		TotalCapital:     e.cfg.TotalCapital,
		AvailableCapital: e.cfg.TotalCapital,
		MaxDailyLoss:     e.cfg.TotalCapital.Mul(e.cfg.MaxDailyLossPct),
	}
	log.Info().
		Str("user_id", p.UserID).
		Str("capital", p.TotalCapital.String()).
		Msg("💰 Fresh portfolio created")
	return p, nil
}

// Start brings the pipeline up: feed, hub, loops, scheduler.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()

	e.warmupHistory()

	e.feed.Start()
	if err := e.feed.Subscribe(e.cfg.Subscriptions...); err != nil {
		log.Error().Err(err).Msg("Initial subscription failed")
	}
	e.depthFeed.Start()
	if err := e.depthFeed.Subscribe(depthSubscriptionSet(e.cfg.Subscriptions)...); err != nil {
		log.Error().Err(err).Msg("Depth subscription failed")
	}

	e.hub.Start()
	if e.db != nil {
		e.db.StartJanitor()
	}
	if e.poller != nil {
		e.poller.Start()
	}
	if e.telegram != nil {
		e.telegram.Start()
	}

	e.spawn(e.tickLoop)
	e.spawn(e.candleLoop)
	e.spawn(e.candleUpdateLoop)
	e.spawn(e.depthLoop)
	e.spawn(e.signalLoop)
	e.spawn(e.accumulationLoop)
	e.spawn(e.executorEventLoop)
	e.spawn(e.feedEventLoop)
	e.spawn(e.schedulerLoop)

	log.Info().Msg("⚡ Engine started")
	return nil
}

// depthSubscriptionSet caps the configured set to the depth
// connection's instrument limit.
func depthSubscriptionSet(subs []config.SubscriptionEntry) []config.SubscriptionEntry {
	if len(subs) > feeds.MaxDepthInstruments {
		return subs[:feeds.MaxDepthInstruments]
	}
	return subs
}

// Stop unwinds the pipeline within the shutdown deadline.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.feed.Stop()
	e.depthFeed.Stop()
	if e.poller != nil {
		e.poller.Stop()
	}
	if e.telegram != nil {
		e.telegram.Stop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		log.Warn().Msg("Shutdown deadline exceeded, forcing exit")
	}

	e.aggregator.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := e.hub.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Hub shutdown failed")
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Database close failed")
		}
	}
	log.Info().Msg("Engine stopped")
}

func (e *Engine) spawn(loop func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		loop()
	}()
}

// warmupHistory seeds the candle history from storage so the MTF
// confirmer and the strategies have context at startup.
func (e *Engine) warmupHistory() {
	if e.db == nil {
		return
	}
	for _, sub := range e.cfg.Subscriptions {
		for _, iv := range e.cfg.CandleIntervals {
			recent, err := e.db.RecentCandles(sub.SecurityID, iv, 100)
			if err != nil {
				log.Warn().Err(err).
					Str("security_id", sub.SecurityID).
					Str("interval", string(iv)).
					Msg("History warm-up failed")
				continue
			}
			e.history.Seed(recent)
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// LOOPS
// ═══════════════════════════════════════════════════════════════════════════════

// tickLoop is the single consumer of the ordered tick stream.
func (e *Engine) tickLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case t := <-e.feed.Ticks():
			e.aggregator.OnTick(t)
			e.executor.OnTick(t)
			e.hub.BroadcastTick(t)
			if e.db != nil {
				if err := e.db.SaveTick(t); err != nil {
					log.Debug().Err(err).Msg("Tick persist failed")
				}
			}
		case a := <-e.feed.Analytics():
			e.strategies.OnDepthAnalytics(a)
		case s := <-e.sentiments():
			e.strategies.OnOptionSentiment(s)
		}
	}
}

// sentiments returns the poller stream or a nil channel that never
// fires.
func (e *Engine) sentiments() <-chan types.OptionSentiment {
	if e.poller == nil {
		return nil
	}
	return e.poller.Sentiments()
}

func (e *Engine) candleLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case cc := <-e.aggregator.Closed():
			e.strategies.OnCandleClose(cc)
			e.hub.BroadcastCandleClose(cc.Candle)
		}
	}
}

func (e *Engine) candleUpdateLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case c := <-e.aggregator.Updates():
			e.hub.BroadcastCandleUpdate(c)
		}
	}
}

// depthLoop consumes the dedicated 20-level connection; the ladders fold
// into per-security analytics for the confluence strategy.
func (e *Engine) depthLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case a := <-e.depthFeed.Analytics():
			e.strategies.OnDepthAnalytics(a)
		case <-e.depthFeed.Depth():
			// Raw ladders are folded into analytics upstream.
		case <-e.depthFeed.Ticks():
		case <-e.depthFeed.PrevCloses():
		case st := <-e.depthFeed.Status():
			if st.Fatal {
				log.Error().Str("reason", st.Reason).Msg("Depth feed terminally down")
			}
		}
	}
}

func (e *Engine) accumulationLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case r := <-e.confluence.AccumulationReports():
			e.hub.BroadcastAccumulation(r)
		}
	}
}

func (e *Engine) signalLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case sig := <-e.strategies.Signals():
			e.hub.BroadcastSignal(sig)
			if e.telegram != nil {
				e.telegram.NotifySignal(sig)
			}
			e.executor.OnSignal(sig)
		}
	}
}

func (e *Engine) executorEventLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case p := <-e.executor.PositionsOpened():
			e.hub.BroadcastPositionUpdate(p)
			if e.telegram != nil {
				e.telegram.NotifyFill(p)
			}
		case p := <-e.executor.PositionUpdates():
			e.hub.BroadcastPositionUpdate(p)
		case p := <-e.executor.PositionsClosed():
			e.hub.BroadcastPositionClosed(p)
			if e.telegram != nil {
				e.telegram.NotifyClosed(p)
			}
		case pf := <-e.executor.PortfolioUpdates():
			e.hub.BroadcastPortfolio(pf)
		}
	}
}

func (e *Engine) feedEventLoop() {
	for {
		select {
		case <-e.stopCh:
			return
		case st := <-e.feed.Status():
			e.hub.BroadcastConnectionStatus(st.Connected, st.Reason)
			if st.Fatal {
				log.Error().Str("reason", st.Reason).Msg("🛑 Feed terminally down")
				if e.telegram != nil {
					e.telegram.NotifyFeedDown(st.Reason)
				}
				e.signalFatal(st.Reason)
			}
		case <-e.feed.PrevCloses():
			// Previous-close frames only matter for UI deltas; the hub
			// snapshot carries current state already.
		case <-e.feed.Depth():
			// 20-level books are folded into analytics upstream.
		}
	}
}

// schedulerLoop probes once a minute for the daily reset and the EOD
// square-off, both in the exchange zone.
func (e *Engine) schedulerLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	reset, _ := config.ParseClock(e.cfg.DailyResetAt)
	eod, _ := config.ParseClock(e.cfg.EODSquareOff)

	for {
		select {
		case <-e.stopCh:
			return
		case now := <-ticker.C:
			lt := now.In(e.loc)
			day := lt.Format("2006-01-02")
			minutes := lt.Hour()*60 + lt.Minute()

			if minutes >= reset.Minutes() && minutes < eod.Minutes() && e.resetDone != day {
				e.resetDone = day
				e.strategies.ResetDaily()
				e.executor.ResetDaily()
			}
			if minutes >= eod.Minutes() && e.eodSummary != day {
				e.eodSummary = day
				e.executor.EODSquareOff(now)
				if e.telegram != nil {
					e.telegram.NotifyDailySummary()
				}
			}
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// SNAPSHOT
// ═══════════════════════════════════════════════════════════════════════════════

// Snapshot implements hub.SnapshotProvider.
func (e *Engine) Snapshot() hub.StatusSnapshot {
	subs := e.feed.SubscribedInstruments()
	instruments := make([]string, len(subs))
	for i, sub := range subs {
		instruments[i] = sub.Segment.String() + ":" + sub.SecurityID
	}
	return hub.StatusSnapshot{
		FeedConnected:   e.feed.State() == feeds.StateConnected || e.feed.State() == feeds.StateSubscribed,
		Instruments:     instruments,
		MalformedFrames: e.feed.MalformedFrames(),
		OpenCandles:     e.aggregator.OpenCandles(),
		Strategies:      e.strategies.LifetimeSignals(),
		ExecutorHalted:  e.executor.Halted(),
		Portfolio:       e.executor.Portfolio(),
		OpenPositions:   e.executor.OpenPositions(),
		ServerTime:      time.Now(),
	}
}

// ClosePositionAtMarket implements hub.PositionCloser.
func (e *Engine) ClosePositionAtMarket(id string) bool {
	return e.executor.ClosePositionAtMarket(id)
}

// Fatal delivers the reason of an unrecoverable feed failure, at most
// once. The process should exit when it fires.
func (e *Engine) Fatal() <-chan string { return e.fatalCh }

func (e *Engine) signalFatal(reason string) {
	select {
	case e.fatalCh <- reason:
	default:
	}
}
