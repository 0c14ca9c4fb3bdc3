package exec

import (
	"github.com/shopspring/decimal"

	"github.com/niftylabs/papertrader/types"
)

// Slippage model, applied adversely to the trade direction: a flat base
// cost, a penalty for thin books, a penalty per extra lot and a small
// random jitter, all in basis points.

const (
	slippageBaseBps      = 5.0
	slippageLiqThreshold = 70.0
	slippageLiqMaxBps    = 2.0
	slippagePerLotBps    = 0.5
	slippageJitterBps    = 0.5
)

// slippageBps computes the total slippage for one fill. lots is the
// order size in whole lots, at least 1.
func (e *Executor) slippageBps(liquidityScore float64, lots int) float64 {
	bps := slippageBaseBps
	if liquidityScore < slippageLiqThreshold {
		bps += (slippageLiqThreshold - liquidityScore) / slippageLiqThreshold * slippageLiqMaxBps
	}
	if lots > 1 {
		bps += slippagePerLotBps * float64(lots-1)
	}
	bps += (e.rng.Float64()*2 - 1) * slippageJitterBps
	return bps
}

// fillPrice applies slippage to the signal price: buys fill above,
// sells below, rounded to 2 decimals.
func (e *Executor) fillPrice(sig types.Signal) decimal.Decimal {
	lots := sig.Quantity / e.lotSize
	if lots < 1 {
		lots = 1
	}
	bps := e.slippageBps(sig.DepthSnapshot.LiquidityScore, lots)

	factor := 1 + bps/10000
	if sig.Side == types.SideSell {
		factor = 1 - bps/10000
	}
	return sig.Price.Mul(decimal.NewFromFloat(factor)).Round(2)
}
