package hub

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientQueueSize  = 1000
	clientWriteWait  = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = 54 * time.Second
	maxInboundBytes  = 512
)

// client is one connected subscriber. All writes flow through the send
// queue; readPump handles subscribe/request commands.
type client struct {
	conn   *websocket.Conn
	hub    *Hub
	remote string

	mu     sync.RWMutex
	topics map[string]bool

	send     chan []byte
	stopOnce sync.Once
	stopCh   chan struct{}
}

func newClient(conn *websocket.Conn, h *Hub) *client {
	return &client{
		conn:   conn,
		hub:    h,
		remote: conn.RemoteAddr().String(),
		topics: make(map[string]bool),
		send:   make(chan []byte, clientQueueSize),
		stopCh: make(chan struct{}),
	}
}

func (c *client) subscribed(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.topics[topic]
}

// enqueue queues one frame; false means the queue is full and the
// client must be dropped.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *client) stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.conn.Close()
	})
}

// sendSnapshot queues the initial status record.
func (c *client) sendSnapshot() {
	data, err := json.Marshal(Envelope{Type: "status", Payload: c.hub.snapshot()})
	if err != nil {
		log.Error().Err(err).Msg("Snapshot marshal failed")
		return
	}
	c.enqueue(data)
}

func (c *client) writePump() {
	ticker := time.NewTicker(clientPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.hub.drop(c, "write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.drop(c, "ping failed")
				return
			}
		}
	}
}

func (c *client) readPump() {
	c.conn.SetReadLimit(maxInboundBytes)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.hub.drop(c, "connection closed")
			return
		}
		c.handleCommand(strings.TrimSpace(string(msg)))
	}
}

// handleCommand parses "subscribe:<topic>", "request:<name>" and
// "close:<position-id>" frames. Unknown commands are ignored.
func (c *client) handleCommand(cmd string) {
	switch {
	case strings.HasPrefix(cmd, "subscribe:"):
		topic := strings.TrimPrefix(cmd, "subscribe:")
		switch topic {
		case TopicTicks, TopicCandles, TopicSignals, TopicPositions, TopicPortfolio:
			c.mu.Lock()
			c.topics[topic] = true
			c.mu.Unlock()
			log.Debug().Str("remote", c.remote).Str("topic", topic).Msg("Subscriber joined topic")
		}

	case cmd == "request:portfolio":
		snap := c.hub.snapshot()
		c.reply("portfolio:update", snap.Portfolio)

	case cmd == "request:positions":
		snap := c.hub.snapshot()
		c.reply("positions:list", snap.OpenPositions)

	case cmd == "request:strategies":
		snap := c.hub.snapshot()
		c.reply("strategies:status", snap.Strategies)

	case strings.HasPrefix(cmd, "close:"):
		id := strings.TrimPrefix(cmd, "close:")
		closer, ok := c.hub.provider.(PositionCloser)
		if !ok || id == "" {
			return
		}
		done := closer.ClosePositionAtMarket(id)
		log.Info().Str("remote", c.remote).Str("position_id", id).Bool("closed", done).
			Msg("Manual close requested")
		c.reply("close:result", map[string]interface{}{"id": id, "closed": done})
	}
}

func (c *client) reply(msgType string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: msgType, Payload: payload})
	if err != nil {
		return
	}
	if !c.enqueue(data) {
		c.hub.drop(c, "outbound queue overflow")
	}
}
