package feeds

import (
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/internal/config"
	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MARKET FEED - Vendor binary websocket client
// ═══════════════════════════════════════════════════════════════════════════════
//
// Connects to the vendor feed keyed by (token, clientId), subscribes with
// JSON control messages and parses little-endian binary frames into typed
// events. Maintains the subscription set across reconnects.
//
// The same client serves the quote stream (Full/Quote/Ticker frames) and,
// when opened in depth mode, the 20-level ladder stream (Bid20/Ask20).
//
// ═══════════════════════════════════════════════════════════════════════════════

// Connection state machine.
type FeedState int32

const (
	StateDisconnected FeedState = iota
	StateConnecting
	StateConnected
	StateSubscribed
	StateDegraded
	StateClosing
)

func (s FeedState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Vendor request codes and limits.
const (
	requestCodeSubscribe      = 15
	requestCodeDepthSubscribe = 23
	requestCodeUnsubscribe    = 12

	maxInstrumentsPerRequest = 100
	maxQuoteInstruments      = 5000

	readDeadline = 40 * time.Second
)

// MaxDepthInstruments is the vendor's per-connection cap for 20-level
// depth subscriptions.
const MaxDepthInstruments = 50

// PrevClose is the previous-session close event.
type PrevClose struct {
	SecurityID string
	PrevClose  float64
	PrevOI     int64
}

// ConnectionStatus is emitted on every transition worth surfacing.
type ConnectionStatus struct {
	Connected bool
	Code      uint16
	Reason    string
	Fatal     bool
}

type controlInstrument struct {
	ExchangeSegment string `json:"ExchangeSegment"`
	SecurityID      string `json:"SecurityId"`
}

type controlMessage struct {
	RequestCode     int                 `json:"RequestCode"`
	InstrumentCount int                 `json:"InstrumentCount"`
	InstrumentList  []controlInstrument `json:"InstrumentList"`
}

// MarketFeed manages the vendor websocket connection and event fan-in.
type MarketFeed struct {
	mu sync.RWMutex

	endpoint  string
	token     string
	clientID  string
	depthMode bool

	conn    *websocket.Conn
	state   atomic.Int32
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	initialDelay time.Duration
	maxAttempts  int
	keepalive    time.Duration

	// Subscription set, re-read on reconnect.
	subs map[string]config.SubscriptionEntry

	calc *DepthCalculator

	// Pending ladders, paired per security before a MarketDepth is emitted.
	pendingBids map[string][]types.DepthLevel
	pendingAsks map[string][]types.DepthLevel

	malformed atomic.Int64

	tickCh      chan types.Tick
	depthCh     chan types.MarketDepth
	analyticsCh chan types.DepthAnalytics
	prevCloseCh chan PrevClose
	statusCh    chan ConnectionStatus
}

// Option configures a MarketFeed.
type Option func(*MarketFeed)

// WithDepthMode opens the feed as a dedicated 20-level depth connection
// (RequestCode 23, Bid20/Ask20 frames).
func WithDepthMode() Option {
	return func(f *MarketFeed) { f.depthMode = true }
}

// WithReconnect overrides reconnection policy.
func WithReconnect(initialDelay time.Duration, maxAttempts int) Option {
	return func(f *MarketFeed) {
		f.initialDelay = initialDelay
		f.maxAttempts = maxAttempts
	}
}

// WithKeepalive overrides the client ping cadence.
func WithKeepalive(interval time.Duration) Option {
	return func(f *MarketFeed) { f.keepalive = interval }
}

// NewMarketFeed creates a feed client for the given credentials.
func NewMarketFeed(endpoint, token, clientID string, opts ...Option) *MarketFeed {
	f := &MarketFeed{
		endpoint:     endpoint,
		token:        token,
		clientID:     clientID,
		stopCh:       make(chan struct{}),
		initialDelay: 5 * time.Second,
		maxAttempts:  5,
		keepalive:    30 * time.Second,
		subs:         make(map[string]config.SubscriptionEntry),
		calc:         NewDepthCalculator(),
		pendingBids:  make(map[string][]types.DepthLevel),
		pendingAsks:  make(map[string][]types.DepthLevel),
		tickCh:       make(chan types.Tick, 4096),
		depthCh:      make(chan types.MarketDepth, 1024),
		analyticsCh:  make(chan types.DepthAnalytics, 1024),
		prevCloseCh:  make(chan PrevClose, 64),
		statusCh:     make(chan ConnectionStatus, 16),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Event channels. Each has exactly one consumer; per-security ordering is
// preserved by the single ordered stream.

func (f *MarketFeed) Ticks() <-chan types.Tick               { return f.tickCh }
func (f *MarketFeed) Depth() <-chan types.MarketDepth        { return f.depthCh }
func (f *MarketFeed) Analytics() <-chan types.DepthAnalytics { return f.analyticsCh }
func (f *MarketFeed) PrevCloses() <-chan PrevClose           { return f.prevCloseCh }
func (f *MarketFeed) Status() <-chan ConnectionStatus        { return f.statusCh }

// State returns the current connection state.
func (f *MarketFeed) State() FeedState { return FeedState(f.state.Load()) }

// MalformedFrames returns the count of dropped undecodable frames.
func (f *MarketFeed) MalformedFrames() int64 { return f.malformed.Load() }

// SubscribedInstruments returns a copy of the current subscription set.
func (f *MarketFeed) SubscribedInstruments() []config.SubscriptionEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]config.SubscriptionEntry, 0, len(f.subs))
	for _, e := range f.subs {
		out = append(out, e)
	}
	return out
}

// Start begins the connection loop.
func (f *MarketFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go f.connectionLoop()
	log.Info().Bool("depth_mode", f.depthMode).Msg("📡 Market feed started")
}

// Stop unsubscribes, closes the socket and waits for loops to unwind.
func (f *MarketFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.state.Store(int32(StateClosing))
	close(f.stopCh)
	conn := f.conn
	subs := make([]config.SubscriptionEntry, 0, len(f.subs))
	for _, e := range f.subs {
		subs = append(subs, e)
	}
	f.mu.Unlock()

	if conn != nil {
		// Best-effort unsubscribe before teardown.
		f.writeControl(conn, requestCodeUnsubscribe, subs)
		conn.Close()
	}
	f.wg.Wait()
	f.state.Store(int32(StateDisconnected))
	log.Info().Msg("Market feed stopped")
}

// Subscribe adds instruments to the set and, when connected, sends the
// control frames immediately. Duplicate entries are ignored.
func (f *MarketFeed) Subscribe(entries ...config.SubscriptionEntry) error {
	f.mu.Lock()
	limit := maxQuoteInstruments
	if f.depthMode {
		limit = MaxDepthInstruments
	}
	var added []config.SubscriptionEntry
	for _, e := range entries {
		key := subKey(e)
		if _, ok := f.subs[key]; ok {
			continue
		}
		if len(f.subs) >= limit {
			f.mu.Unlock()
			return fmt.Errorf("subscription limit %d reached", limit)
		}
		f.subs[key] = e
		added = append(added, e)
	}
	conn := f.conn
	state := f.State()
	f.mu.Unlock()

	if len(added) == 0 || conn == nil || state == StateDisconnected || state == StateConnecting {
		return nil
	}
	code := requestCodeSubscribe
	if f.depthMode {
		code = requestCodeDepthSubscribe
	}
	if err := f.writeControl(conn, code, added); err != nil {
		return err
	}
	f.state.Store(int32(StateSubscribed))
	return nil
}

// Unsubscribe removes instruments and notifies the server.
func (f *MarketFeed) Unsubscribe(entries ...config.SubscriptionEntry) error {
	f.mu.Lock()
	var removed []config.SubscriptionEntry
	for _, e := range entries {
		key := subKey(e)
		if _, ok := f.subs[key]; !ok {
			continue
		}
		delete(f.subs, key)
		removed = append(removed, e)
	}
	conn := f.conn
	f.mu.Unlock()

	if len(removed) == 0 || conn == nil {
		return nil
	}
	return f.writeControl(conn, requestCodeUnsubscribe, removed)
}

func subKey(e config.SubscriptionEntry) string {
	return fmt.Sprintf("%d:%s", e.Segment, e.SecurityID)
}

// connectionLoop drives connect / read / reconnect with exponential
// backoff up to maxAttempts.
func (f *MarketFeed) connectionLoop() {
	defer f.wg.Done()

	attempts := 0
	delay := f.initialDelay

	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		f.state.Store(int32(StateConnecting))
		if err := f.connect(); err != nil {
			attempts++
			log.Error().Err(err).Int("attempt", attempts).Msg("Feed connection failed")
			if attempts >= f.maxAttempts {
				f.emitStatus(ConnectionStatus{Reason: "feedUnavailable", Fatal: true})
				f.state.Store(int32(StateDisconnected))
				return
			}
			select {
			case <-f.stopCh:
				return
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		attempts = 0
		delay = f.initialDelay
		f.emitStatus(ConnectionStatus{Connected: true})

		if err := f.resubscribe(); err != nil {
			log.Error().Err(err).Msg("Resubscribe failed")
		}

		fatal := f.readLoop()
		if fatal {
			f.state.Store(int32(StateDisconnected))
			return
		}

		select {
		case <-f.stopCh:
			return
		default:
		}
		f.state.Store(int32(StateDegraded))
		f.emitStatus(ConnectionStatus{Reason: "connection lost"})
		select {
		case <-f.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

func (f *MarketFeed) connect() error {
	u, err := url.Parse(f.endpoint)
	if err != nil {
		return fmt.Errorf("bad feed endpoint: %w", err)
	}
	q := u.Query()
	q.Set("version", "2")
	q.Set("token", f.token)
	q.Set("clientId", f.clientID)
	q.Set("authType", "2")
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.state.Store(int32(StateConnected))

	log.Info().Str("endpoint", f.endpoint).Msg("🔌 Feed websocket connected")

	f.wg.Add(1)
	go f.pingLoop(conn)

	return nil
}

// resubscribe sends the full subscription set, chunked to the vendor's
// per-request limit.
func (f *MarketFeed) resubscribe() error {
	f.mu.RLock()
	entries := make([]config.SubscriptionEntry, 0, len(f.subs))
	for _, e := range f.subs {
		entries = append(entries, e)
	}
	conn := f.conn
	f.mu.RUnlock()

	if len(entries) == 0 || conn == nil {
		return nil
	}
	code := requestCodeSubscribe
	if f.depthMode {
		code = requestCodeDepthSubscribe
	}
	if err := f.writeControl(conn, code, entries); err != nil {
		return err
	}
	f.state.Store(int32(StateSubscribed))
	log.Info().Int("instruments", len(entries)).Msg("📜 Subscription set sent")
	return nil
}

func (f *MarketFeed) writeControl(conn *websocket.Conn, code int, entries []config.SubscriptionEntry) error {
	for start := 0; start < len(entries); start += maxInstrumentsPerRequest {
		end := start + maxInstrumentsPerRequest
		if end > len(entries) {
			end = len(entries)
		}
		chunk := entries[start:end]
		msg := controlMessage{
			RequestCode:     code,
			InstrumentCount: len(chunk),
		}
		for _, e := range chunk {
			msg.InstrumentList = append(msg.InstrumentList, controlInstrument{
				ExchangeSegment: e.Segment.String(),
				SecurityID:      e.SecurityID,
			})
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// pingLoop sends a client ping every keepalive interval. The vendor drops
// connections silent for 40s.
func (f *MarketFeed) pingLoop(conn *websocket.Conn) {
	defer f.wg.Done()

	ticker := time.NewTicker(f.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop consumes frames until the connection breaks. Returns true when
// the session must not be re-established.
func (f *MarketFeed) readLoop() bool {
	f.mu.RLock()
	conn := f.conn
	f.mu.RUnlock()
	if conn == nil {
		return false
	}

	for {
		select {
		case <-f.stopCh:
			return true
		default:
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
				return true
			default:
			}
			log.Warn().Err(err).Msg("Feed read error")
			return false
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		if msgType != websocket.BinaryMessage {
			continue
		}
		if fatal := f.processFrames(data); fatal {
			conn.Close()
			return true
		}
	}
}

// processFrames walks a websocket message that may carry several
// length-prefixed frames back to back. Malformed frames are counted and
// dropped; they never stop the pipeline.
func (f *MarketFeed) processFrames(data []byte) (fatal bool) {
	for len(data) > 0 {
		h, err := ParseHeader(data)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		frameLen := int(h.MessageLength)
		if frameLen < headerSize || frameLen > len(data) {
			f.dropMalformed(fmt.Errorf("frame length %d out of range (%d available)", frameLen, len(data)))
			return false
		}
		if f.handleFrame(h, data[:frameLen]) {
			return true
		}
		data = data[frameLen:]
	}
	return false
}

func (f *MarketFeed) handleFrame(h Header, frame []byte) (fatal bool) {
	switch h.FeedCode {
	case FeedCodeFull:
		p, err := ParseFull(frame)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		tick := p.Tick()
		tick.Metrics = f.calc.Compute(p)
		f.emitTick(tick)

	case FeedCodeQuote:
		p, err := ParseQuote(frame)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		f.emitTick(p.Tick())

	case FeedCodeTicker:
		p, err := ParseTicker(frame)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		f.emitTick(p.Tick())

	case FeedCodePrevClose:
		p, err := ParsePrevClose(frame)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		select {
		case f.prevCloseCh <- PrevClose{
			SecurityID: p.Header.SecurityIDString(),
			PrevClose:  p.PrevClose,
			PrevOI:     int64(p.PrevOI),
		}:
		default:
		}

	case FeedCodeOI:
		// Open-interest-only updates carry nothing the candle pipeline
		// needs; Full packets already include OI.
		if _, err := ParseOI(frame); err != nil {
			f.dropMalformed(err)
		}

	case FeedCodeBid20, FeedCodeAsk20:
		f.handleDepth20(h, frame)

	case FeedCodeDisconnect:
		p, err := ParseDisconnect(frame)
		if err != nil {
			f.dropMalformed(err)
			return false
		}
		reason := DisconnectReason(p.Code)
		authClass := AuthClassDisconnect(p.Code)
		log.Error().
			Uint16("code", p.Code).
			Str("reason", reason).
			Bool("auth_class", authClass).
			Msg("🛑 Server disconnect")
		f.emitStatus(ConnectionStatus{Code: p.Code, Reason: reason, Fatal: authClass})
		return authClass

	default:
		f.dropMalformed(fmt.Errorf("unknown feed code %d", h.FeedCode))
	}
	return false
}

// handleDepth20 pairs bid and ask ladders per security and emits a
// MarketDepth plus its analytics once both sides have arrived.
func (f *MarketFeed) handleDepth20(h Header, frame []byte) {
	_, levels, err := ParseDepth20(frame)
	if err != nil {
		f.dropMalformed(err)
		return
	}
	id := h.SecurityIDString()

	f.mu.Lock()
	if h.FeedCode == FeedCodeBid20 {
		f.pendingBids[id] = levels
	} else {
		f.pendingAsks[id] = levels
	}
	bids, haveBids := f.pendingBids[id]
	asks, haveAsks := f.pendingAsks[id]
	f.mu.Unlock()

	if !haveBids || !haveAsks {
		return
	}

	depth := types.MarketDepth{
		SecurityID: id,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  time.Now(),
	}
	select {
	case f.depthCh <- depth:
	default:
	}
	select {
	case f.analyticsCh <- AnalyzeDepth(depth):
	default:
	}
}

func (f *MarketFeed) emitTick(t types.Tick) {
	select {
	case f.tickCh <- t:
	case <-f.stopCh:
	}
}

func (f *MarketFeed) emitStatus(s ConnectionStatus) {
	select {
	case f.statusCh <- s:
	default:
	}
}

func (f *MarketFeed) dropMalformed(err error) {
	n := f.malformed.Add(1)
	log.Warn().Err(err).Int64("dropped", n).Msg("Malformed frame dropped")
}
