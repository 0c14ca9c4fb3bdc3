package candles

import (
	"sync"

	"github.com/niftylabs/papertrader/types"
)

// historyCapacity bounds the closed candles kept per (security, interval);
// the multi-timeframe confirmer needs at most 50.
const historyCapacity = 100

// History is a bounded in-memory ring of closed candles serving strategy
// warm-up and multi-timeframe analysis. Safe for concurrent use.
type History struct {
	mu   sync.RWMutex
	ring map[key][]types.Candle
}

// NewHistory creates an empty history.
func NewHistory() *History {
	return &History{ring: make(map[key][]types.Candle)}
}

// Append records a closed candle, evicting the oldest past capacity.
func (h *History) Append(c types.Candle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key{securityID: c.SecurityID, interval: c.Interval}
	ring := append(h.ring[k], c)
	if len(ring) > historyCapacity {
		ring = ring[len(ring)-historyCapacity:]
	}
	h.ring[k] = ring
}

// Recent returns up to n of the latest closed candles, oldest first.
func (h *History) Recent(securityID string, interval types.Interval, n int) []types.Candle {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ring := h.ring[key{securityID: securityID, interval: interval}]
	if len(ring) > n {
		ring = ring[len(ring)-n:]
	}
	out := make([]types.Candle, len(ring))
	copy(out, ring)
	return out
}

// Seed bulk-loads closed candles, oldest first, used for warm-up from
// storage at startup.
func (h *History) Seed(candlesList []types.Candle) {
	for _, c := range candlesList {
		if c.IsClosed {
			h.Append(c)
		}
	}
}
