package feeds

import (
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// OPTION CHAIN - Optional REST sentiment input
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls an option-chain endpoint per subscribed underlying and derives a
// directional sentiment from the put/call ratio. The stream is optional:
// when no endpoint is configured the poller never starts and consumers
// simply see no sentiment.
//
// ═══════════════════════════════════════════════════════════════════════════════

const (
	optionPollInterval  = 5 * time.Minute
	optionMinGapPerCall = 3 * time.Second
)

type chainResponse struct {
	TotalCallOI  float64 `json:"totalCallOI"`
	TotalPutOI   float64 `json:"totalPutOI"`
	TotalCallVol float64 `json:"totalCallVolume"`
	TotalPutVol  float64 `json:"totalPutVolume"`
}

// OptionChainPoller periodically fetches chain totals per underlying.
type OptionChainPoller struct {
	mu sync.RWMutex

	client      *resty.Client
	securityIDs []string
	running     bool
	stopCh      chan struct{}

	sentimentCh chan types.OptionSentiment
	lastCall    map[string]time.Time
}

// NewOptionChainPoller builds a poller against baseURL; security ids name
// the underlyings to poll.
func NewOptionChainPoller(baseURL string, securityIDs []string) *OptionChainPoller {
	return &OptionChainPoller{
		client:      resty.New().SetBaseURL(baseURL).SetTimeout(10 * time.Second),
		securityIDs: securityIDs,
		stopCh:      make(chan struct{}),
		sentimentCh: make(chan types.OptionSentiment, 64),
		lastCall:    make(map[string]time.Time),
	}
}

// Sentiments delivers one event per successful poll.
func (p *OptionChainPoller) Sentiments() <-chan types.OptionSentiment {
	return p.sentimentCh
}

// Start begins the polling loop.
func (p *OptionChainPoller) Start() {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.pollLoop()
	log.Info().Int("underlyings", len(p.securityIDs)).Msg("⛓ Option chain poller started")
}

// Stop halts polling.
func (p *OptionChainPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	close(p.stopCh)
}

func (p *OptionChainPoller) pollLoop() {
	ticker := time.NewTicker(optionPollInterval)
	defer ticker.Stop()

	p.pollAll()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.pollAll()
		}
	}
}

func (p *OptionChainPoller) pollAll() {
	for _, id := range p.securityIDs {
		p.mu.RLock()
		last := p.lastCall[id]
		p.mu.RUnlock()
		if gap := time.Since(last); gap < optionMinGapPerCall {
			time.Sleep(optionMinGapPerCall - gap)
		}

		sentiment, err := p.poll(id)
		p.mu.Lock()
		p.lastCall[id] = time.Now()
		p.mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("security_id", id).Msg("Option chain poll failed")
			continue
		}

		select {
		case p.sentimentCh <- sentiment:
		default:
		}
	}
}

func (p *OptionChainPoller) poll(securityID string) (types.OptionSentiment, error) {
	var body chainResponse
	resp, err := p.client.R().
		SetQueryParam("securityId", securityID).
		SetResult(&body).
		Get("/optionchain")
	if err != nil {
		return types.OptionSentiment{}, err
	}
	if resp.IsError() {
		return types.OptionSentiment{}, fmt.Errorf("option chain HTTP %d", resp.StatusCode())
	}
	return SentimentFromChain(securityID, body.TotalPutOI, body.TotalCallOI), nil
}

// SentimentFromChain converts put/call open interest into a directional
// sentiment. PCR above 1 means heavier put writing, read as bullish
// support; below 1 as bearish.
func SentimentFromChain(securityID string, putOI, callOI float64) types.OptionSentiment {
	s := types.OptionSentiment{
		SecurityID: securityID,
		Timestamp:  time.Now(),
	}
	if callOI <= 0 {
		if putOI <= 0 {
			// Dead chain: parity with zero conviction.
			s.PCR = 1
			s.Direction = types.SideBuy
			return s
		}
		// No call OI at all, extreme put dominance.
		s.PCR = 10
		s.Direction = types.SideBuy
		s.Strength = 100
		return s
	}
	s.PCR = putOI / callOI

	// Distance from parity scaled so PCR 1.5 / 0.5 map to full strength.
	dist := s.PCR - 1
	if dist >= 0 {
		s.Direction = types.SideBuy
	} else {
		s.Direction = types.SideSell
		dist = -dist
	}
	s.Strength = dist / 0.5 * 100
	if s.Strength > 100 {
		s.Strength = 100
	}
	return s
}
