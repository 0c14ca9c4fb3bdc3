package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SUBSCRIBER HUB - WebSocket fan-out to UI clients
// ═══════════════════════════════════════════════════════════════════════════════
//
// Clients connect on /ws, receive a status snapshot, then join topics
// with "subscribe:<topic>", pull state with "request:<name>" and close
// positions with "close:<position-id>".
// Delivery is best-effort: each client owns a bounded outbound queue
// and is dropped when it falls more than 1000 messages behind. The
// pipeline never waits on a subscriber.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Topics a client can join.
const (
	TopicTicks     = "ticks"
	TopicCandles   = "candles"
	TopicSignals   = "signals"
	TopicPositions = "positions"
	TopicPortfolio = "portfolio"
)

// Envelope is one outbound record.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// StatusSnapshot is sent to every client on connect.
type StatusSnapshot struct {
	FeedConnected   bool             `json:"feedConnected"`
	Instruments     []string         `json:"instruments"`
	MalformedFrames int64            `json:"malformedFrames"`
	OpenCandles     []types.Candle   `json:"openCandles"`
	Strategies      map[string]int64 `json:"strategies"`
	ExecutorHalted  bool             `json:"executorHalted"`
	Portfolio       types.Portfolio  `json:"portfolio"`
	OpenPositions   []types.Position `json:"openPositions"`
	ServerTime      time.Time        `json:"serverTime"`
}

// SnapshotProvider supplies current state for the connect snapshot and
// the request: pulls.
type SnapshotProvider interface {
	Snapshot() StatusSnapshot
}

// PositionCloser handles manual close commands. Providers that also
// implement it get the close:<id> command enabled.
type PositionCloser interface {
	ClosePositionAtMarket(id string) bool
}

// Hub owns the listener and the client set.
type Hub struct {
	addr     string
	provider SnapshotProvider
	upgrader websocket.Upgrader
	server   *http.Server

	mu      sync.RWMutex
	clients map[*client]bool
}

// New builds a hub serving addr. provider may be nil; snapshots are
// then empty.
func New(addr string, provider SnapshotProvider) *Hub {
	return &Hub{
		addr:     addr,
		provider: provider,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// UI clients connect from arbitrary local origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]bool),
	}
}

// Start begins serving. Returns once the listener is running; serve
// errors after shutdown are swallowed.
func (h *Hub) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWS)
	h.server = &http.Server{Addr: h.addr, Handler: mux}

	go func() {
		log.Info().Str("addr", h.addr).Msg("🌐 Subscriber hub listening")
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Hub listener failed")
		}
	}()
}

// Shutdown drains and closes every subscriber, then stops the listener.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for c := range h.clients {
		c.stop()
	}
	h.clients = make(map[*client]bool)
	h.mu.Unlock()

	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(ctx)
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast fans one record out to every client subscribed to topic.
// An empty topic reaches every client regardless of subscriptions.
func (h *Hub) Broadcast(topic, msgType string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("type", msgType).Msg("Broadcast marshal failed")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if topic == "" || c.subscribed(topic) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.drop(c, "outbound queue overflow")
		}
	}
}

// Convenience emitters matching the internal event streams.

func (h *Hub) BroadcastTick(t types.Tick) { h.Broadcast(TopicTicks, "tick", t) }

func (h *Hub) BroadcastCandleClose(c types.Candle) { h.Broadcast(TopicCandles, "candle", c) }

func (h *Hub) BroadcastCandleUpdate(c types.Candle) { h.Broadcast(TopicCandles, "candle:update", c) }

func (h *Hub) BroadcastSignal(s types.Signal) { h.Broadcast(TopicSignals, "signal", s) }

func (h *Hub) BroadcastAccumulation(r types.AccumulationReport) {
	h.Broadcast(TopicCandles, "accumulation:report", r)
}

func (h *Hub) BroadcastPositionUpdate(p types.Position) {
	h.Broadcast(TopicPositions, "position:update", p)
}

func (h *Hub) BroadcastPositionClosed(p types.Position) {
	h.Broadcast(TopicPositions, "position:closed", p)
}

func (h *Hub) BroadcastPortfolio(p types.Portfolio) {
	h.Broadcast(TopicPortfolio, "portfolio:update", p)
}

func (h *Hub) BroadcastConnectionStatus(connected bool, reason string) {
	h.Broadcast("", "connection:status", map[string]interface{}{
		"connected": connected,
		"reason":    reason,
	})
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newClient(conn, h)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("👋 Subscriber connected")

	c.sendSnapshot()
	go c.writePump()
	go c.readPump()
}

func (h *Hub) drop(c *client, reason string) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	h.mu.Unlock()

	c.stop()
	log.Warn().
		Str("remote", c.remote).
		Str("reason", reason).
		Msg("Subscriber dropped")
}

func (h *Hub) snapshot() StatusSnapshot {
	if h.provider == nil {
		return StatusSnapshot{ServerTime: time.Now()}
	}
	return h.provider.Snapshot()
}
