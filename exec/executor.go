package exec

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER-TRADING EXECUTOR - Simulated fills, exits and portfolio accounting
// ═══════════════════════════════════════════════════════════════════════════════
//
// Turns accepted signals into an order plus an open position, marks
// positions to market on every tick, exits on stop/target touch, and
// squares everything off at end of day. The portfolio is the single
// write-contention point; one mutex serializes all mutations.
//
// Position writes must not be lost: they retry with bounded backoff
// and, when storage stays down, the executor halts new executions.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	positionWriteRetries = 3
	positionWriteBackoff = 100 * time.Millisecond
)

// Store persists the executor's entities. All methods must be safe for
// concurrent use.
type Store interface {
	SaveSignal(s *types.Signal) error
	SaveOrder(o *types.Order) error
	SavePosition(p *types.Position) error
	SavePortfolio(p *types.Portfolio) error
}

// Option configures the executor.
type Option func(*Executor)

// WithRandSource fixes the jitter source, used by deterministic replay.
func WithRandSource(src rand.Source) Option {
	return func(e *Executor) { e.rng = rand.New(src) }
}

// WithLotSize sets the lot size used to derive per-lot slippage.
func WithLotSize(lotSize int) Option {
	return func(e *Executor) {
		if lotSize > 0 {
			e.lotSize = lotSize
		}
	}
}

// Executor is the paper-trading engine.
type Executor struct {
	mu sync.Mutex

	portfolio *types.Portfolio
	// Open positions keyed by position id.
	open    map[string]*types.Position
	store   Store
	rng     *rand.Rand
	lotSize int

	halted     bool
	rejections map[types.RejectionReason]int64

	// EOD sweep idempotence, minute precision.
	lastSweep time.Time

	openedCh    chan types.Position
	positionCh  chan types.Position
	closedCh    chan types.Position
	portfolioCh chan types.Portfolio
}

// NewExecutor builds the executor around a portfolio. store may be nil
// (pure in-memory mode, used by tests).
func NewExecutor(portfolio *types.Portfolio, store Store, opts ...Option) *Executor {
	e := &Executor{
		portfolio:   portfolio,
		open:        make(map[string]*types.Position),
		store:       store,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		lotSize:     75,
		rejections:  make(map[types.RejectionReason]int64),
		openedCh:    make(chan types.Position, 64),
		positionCh:  make(chan types.Position, 256),
		closedCh:    make(chan types.Position, 256),
		portfolioCh: make(chan types.Portfolio, 64),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PositionsOpened delivers every freshly filled position.
func (e *Executor) PositionsOpened() <-chan types.Position { return e.openedCh }

// PositionUpdates delivers best-effort open-position snapshots.
func (e *Executor) PositionUpdates() <-chan types.Position { return e.positionCh }

// PositionsClosed delivers every closed position.
func (e *Executor) PositionsClosed() <-chan types.Position { return e.closedCh }

// PortfolioUpdates delivers portfolio snapshots after every mutation.
func (e *Executor) PortfolioUpdates() <-chan types.Portfolio { return e.portfolioCh }

// Halted reports whether new executions are blocked after persistent
// storage failure.
func (e *Executor) Halted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.halted
}

// Portfolio returns a snapshot of the current portfolio.
func (e *Executor) Portfolio() types.Portfolio {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.portfolio
}

// OpenPositions returns snapshots of all open positions.
func (e *Executor) OpenPositions() []types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Position, 0, len(e.open))
	for _, p := range e.open {
		out = append(out, *p)
	}
	return out
}

// Rejections returns the per-reason rejection counters.
func (e *Executor) Rejections() map[types.RejectionReason]int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[types.RejectionReason]int64, len(e.rejections))
	for k, v := range e.rejections {
		out[k] = v
	}
	return out
}

// OnSignal validates and executes one signal: order and position are
// created together, capital is reserved, the signal is marked with its
// outcome.
func (e *Executor) OnSignal(sig types.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.halted {
		e.reject(&sig, types.RejectExecutorHalted)
		return
	}
	if e.portfolio == nil {
		e.reject(&sig, types.RejectNoPortfolio)
		return
	}
	if e.portfolio.CurrentDailyLoss.GreaterThanOrEqual(e.portfolio.MaxDailyLoss) {
		e.reject(&sig, types.RejectDailyLossLimit)
		return
	}
	qty := decimal.NewFromInt(int64(sig.Quantity))
	if e.portfolio.AvailableCapital.LessThan(sig.Price.Mul(qty)) {
		e.reject(&sig, types.RejectInsufficientCapital)
		return
	}
	// One open position per (strategy, security); a different strategy
	// may hold the same security concurrently.
	for _, p := range e.open {
		if p.SecurityID == sig.SecurityID && p.StrategyName == sig.StrategyName {
			e.reject(&sig, types.RejectDuplicateOpenPosition)
			return
		}
	}

	fill := e.fillPrice(sig)
	now := time.Now()

	order := &types.Order{
		ID:             uuid.New().String(),
		SignalID:       sig.ID,
		SecurityID:     sig.SecurityID,
		Side:           sig.Side,
		Quantity:       sig.Quantity,
		RequestedPrice: sig.Price,
		FillPrice:      fill,
		Status:         "executed",
		CreatedAt:      now,
		FilledAt:       &now,
	}
	side := types.PositionLong
	if sig.Side == types.SideSell {
		side = types.PositionShort
	}
	position := &types.Position{
		ID:           uuid.New().String(),
		SecurityID:   sig.SecurityID,
		StrategyName: sig.StrategyName,
		Side:         side,
		Quantity:     sig.Quantity,
		EntryPrice:   fill,
		CurrentPrice: fill,
		StopLoss:     sig.StopLoss,
		Target:       sig.Target,
		Status:       types.PositionOpen,
		OpenedAt:     now,
	}

	notional := fill.Mul(qty)
	e.portfolio.AvailableCapital = e.portfolio.AvailableCapital.Sub(notional)
	e.portfolio.UsedMargin = e.portfolio.UsedMargin.Add(notional)
	e.open[position.ID] = position

	sig.Status = types.SignalExecuted
	sig.FillPrice = fill
	sig.DecidedAt = &now

	if e.store != nil {
		if err := e.store.SaveOrder(order); err != nil {
			log.Error().Err(err).Str("order_id", order.ID).Msg("Order persist failed")
		}
		if err := e.store.SaveSignal(&sig); err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("Signal persist failed")
		}
		e.persistPosition(position)
		e.persistPortfolio()
	}

	log.Info().
		Str("strategy", sig.StrategyName).
		Str("security_id", sig.SecurityID).
		Str("side", string(sig.Side)).
		Str("fill", fill.String()).
		Int("quantity", sig.Quantity).
		Msg("✅ Paper order filled")

	e.emitOpened(*position)
	e.emitPortfolio()
}

// Restore re-registers persisted open positions after a restart so they
// are marked to market and managed again. Their margin is already
// reflected in the restored portfolio.
func (e *Executor) Restore(positions []types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range positions {
		p := positions[i]
		if p.Status != types.PositionOpen {
			continue
		}
		e.open[p.ID] = &p
	}
	if len(e.open) > 0 {
		log.Info().Int("positions", len(e.open)).Msg("📂 Open positions restored")
	}
}

// OnTick marks every open position for the tick's security to market
// and exits on stop or target touch. The stop is checked first; an
// exact touch triggers it.
func (e *Executor) OnTick(t types.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ltp := decimal.NewFromFloat(t.LTP)
	for _, p := range e.open {
		if p.SecurityID != t.SecurityID {
			continue
		}
		p.MarkToMarket(ltp)

		switch {
		case stopHit(p, ltp):
			e.close(p, ltp, types.CloseStop)
		case targetHit(p, ltp):
			e.close(p, ltp, types.CloseTarget)
		default:
			if e.store != nil {
				e.persistPosition(p)
			}
			e.emitPosition(*p)
		}
	}
}

func stopHit(p *types.Position, ltp decimal.Decimal) bool {
	if p.Side == types.PositionLong {
		return ltp.LessThanOrEqual(p.StopLoss)
	}
	return ltp.GreaterThanOrEqual(p.StopLoss)
}

func targetHit(p *types.Position, ltp decimal.Decimal) bool {
	if p.Side == types.PositionLong {
		return ltp.GreaterThanOrEqual(p.Target)
	}
	return ltp.LessThanOrEqual(p.Target)
}

// ClosePosition closes one open position at the given price with a
// manual reason. Returns false when the id is not open.
func (e *Executor) ClosePosition(id string, price decimal.Decimal) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.open[id]
	if !ok {
		return false
	}
	e.close(p, price, types.CloseManual)
	return true
}

// ClosePositionAtMarket closes an open position at its last marked
// price, the subscriber hub's manual-close path.
func (e *Executor) ClosePositionAtMarket(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.open[id]
	if !ok {
		return false
	}
	e.close(p, p.CurrentPrice, types.CloseManual)
	return true
}

// EODSquareOff closes every open position at its current price. The
// sweep is idempotent within a minute.
func (e *Executor) EODSquareOff(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	minute := now.Truncate(time.Minute)
	if minute.Equal(e.lastSweep) {
		return
	}
	e.lastSweep = minute

	if len(e.open) == 0 {
		return
	}
	log.Info().Int("positions", len(e.open)).Msg("🏁 End-of-day square-off")
	for _, p := range e.open {
		e.close(p, p.CurrentPrice, types.CloseEOD)
	}
}

// ResetDaily zeroes the daily loss and PnL counters at market open.
func (e *Executor) ResetDaily() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.portfolio.CurrentDailyLoss = decimal.Zero
	e.portfolio.TodayPnL = decimal.Zero
	if e.store != nil {
		e.persistPortfolio()
	}
	e.emitPortfolio()
	log.Info().Msg("🌅 Portfolio daily counters reset")
}

// close settles one position. Caller holds the lock.
func (e *Executor) close(p *types.Position, exit decimal.Decimal, reason types.CloseReason) {
	qty := decimal.NewFromInt(int64(p.Quantity))
	realized := p.Side.Sign().Mul(exit.Sub(p.EntryPrice)).Mul(qty)
	now := time.Now()

	p.Status = types.PositionClosed
	p.CurrentPrice = exit
	p.RealizedPnL = realized
	p.UnrealizedPnL = decimal.Zero
	p.ClosedAt = &now
	p.CloseReason = reason
	delete(e.open, p.ID)

	notional := p.EntryPrice.Mul(qty)
	e.portfolio.AvailableCapital = e.portfolio.AvailableCapital.Add(notional).Add(realized)
	e.portfolio.UsedMargin = e.portfolio.UsedMargin.Sub(notional)
	e.portfolio.TotalPnL = e.portfolio.TotalPnL.Add(realized)
	e.portfolio.TodayPnL = e.portfolio.TodayPnL.Add(realized)
	e.portfolio.TotalTrades++
	if realized.GreaterThan(decimal.Zero) {
		e.portfolio.WinningTrades++
	} else {
		e.portfolio.LosingTrades++
		e.portfolio.CurrentDailyLoss = e.portfolio.CurrentDailyLoss.Add(realized.Abs())
	}
	e.portfolio.RecomputeWinRate()

	if e.store != nil {
		e.persistPosition(p)
		e.persistPortfolio()
	}

	log.Info().
		Str("security_id", p.SecurityID).
		Str("side", string(p.Side)).
		Str("exit", exit.String()).
		Str("pnl", realized.String()).
		Str("reason", string(reason)).
		Msg("🔒 Position closed")

	e.emitClosed(*p)
	e.emitPortfolio()
}

// persistPosition retries with bounded backoff; persistent failure
// halts new executions.
func (e *Executor) persistPosition(p *types.Position) {
	var err error
	backoff := positionWriteBackoff
	for attempt := 0; attempt < positionWriteRetries; attempt++ {
		if err = e.store.SavePosition(p); err == nil {
			return
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	e.halted = true
	log.Error().Err(err).
		Str("position_id", p.ID).
		Msg("Position persist failed after retries, halting new executions")
}

func (e *Executor) persistPortfolio() {
	if err := e.store.SavePortfolio(e.portfolio); err != nil {
		log.Error().Err(err).Msg("Portfolio persist failed")
	}
}

func (e *Executor) reject(sig *types.Signal, reason types.RejectionReason) {
	now := time.Now()
	sig.Status = types.SignalRejected
	sig.RejectionReason = reason
	sig.DecidedAt = &now
	e.rejections[reason]++

	if e.store != nil {
		if err := e.store.SaveSignal(sig); err != nil {
			log.Error().Err(err).Str("signal_id", sig.ID).Msg("Signal persist failed")
		}
	}
	log.Warn().
		Str("strategy", sig.StrategyName).
		Str("security_id", sig.SecurityID).
		Str("reason", string(reason)).
		Msg("⛔ Signal rejected")
}

func (e *Executor) emitOpened(p types.Position) {
	select {
	case e.openedCh <- p:
	default:
	}
}

func (e *Executor) emitPosition(p types.Position) {
	select {
	case e.positionCh <- p:
	default:
	}
}

func (e *Executor) emitClosed(p types.Position) {
	select {
	case e.closedCh <- p:
	default:
	}
}

func (e *Executor) emitPortfolio() {
	select {
	case e.portfolioCh <- *e.portfolio:
	default:
	}
}
