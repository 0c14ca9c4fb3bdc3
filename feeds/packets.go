package feeds

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/niftylabs/papertrader/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// VENDOR BINARY FRAMING
// ═══════════════════════════════════════════════════════════════════════════════
//
// Every frame starts with an 8-byte header, all numeric fields little-endian:
//
//   [0]    feedCode        u8
//   [1:3]  messageLength   u16
//   [3]    exchangeSegment u8
//   [4:8]  securityId      u32
//
// ═══════════════════════════════════════════════════════════════════════════════

// Feed codes recognized on the wire.
const (
	FeedCodeTicker       = 2
	FeedCodeQuote        = 4
	FeedCodeOI           = 5
	FeedCodePrevClose    = 6
	FeedCodeFull         = 8
	FeedCodeBid20        = 41
	FeedCodeDisconnect   = 50
	FeedCodeAsk20        = 51
)

// Wire sizes including the header.
const (
	headerSize        = 8
	tickerPacketSize  = 16
	quotePacketSize   = 50
	oiPacketSize      = 12
	prevClosePktSize  = 16
	fullPacketSize    = 162
	disconnectPktSize = 10
	depth20LevelSize  = 16
	depth20PacketSize = headerSize + 20*depth20LevelSize
)

// Header is the fixed 8-byte frame header.
type Header struct {
	FeedCode        uint8
	MessageLength   uint16
	ExchangeSegment types.ExchangeSegment
	SecurityID      uint32
}

// SecurityIDString returns the security id in the string form used across
// the pipeline.
func (h Header) SecurityIDString() string {
	return strconv.FormatUint(uint64(h.SecurityID), 10)
}

// ParseHeader decodes the frame header. The buffer must hold at least
// headerSize bytes.
func ParseHeader(buf []byte) (Header, error) {
	if len(buf) < headerSize {
		return Header{}, fmt.Errorf("frame too short for header: %d bytes", len(buf))
	}
	return Header{
		FeedCode:        buf[0],
		MessageLength:   binary.LittleEndian.Uint16(buf[1:3]),
		ExchangeSegment: types.ExchangeSegment(buf[3]),
		SecurityID:      binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// TickerPacket carries LTP and last trade time only (feed code 2).
type TickerPacket struct {
	Header Header
	LTP    float64
	LTT    time.Time
}

// QuotePacket carries full trade data without depth (feed code 4).
type QuotePacket struct {
	Header       Header
	LTP          float64
	LTQ          int32
	LTT          time.Time
	ATP          float64
	Volume       int32
	TotalSellQty int32
	TotalBuyQty  int32
	Open         float64
	Close        float64
	High         float64
	Low          float64
}

// OIPacket carries open interest (feed code 5).
type OIPacket struct {
	Header Header
	OI     int32
}

// PrevClosePacket carries the previous session's close (feed code 6).
type PrevClosePacket struct {
	Header    Header
	PrevClose float64
	PrevOI    int32
}

// FullDepthLevel is one of the five levels embedded in a Full packet.
type FullDepthLevel struct {
	BidQty    int32
	AskQty    int32
	BidOrders int16
	AskOrders int16
	BidPrice  float64
	AskPrice  float64
}

// FullPacket is Quote plus 5-level depth plus OI (feed code 8).
type FullPacket struct {
	Header       Header
	LTP          float64
	LTQ          int32
	LTT          time.Time
	ATP          float64
	Volume       int32
	TotalSellQty int32
	TotalBuyQty  int32
	OI           int32
	HighOI       int32
	LowOI        int32
	Open         float64
	Close        float64
	High         float64
	Low          float64
	Depth        [5]FullDepthLevel
}

// DisconnectPacket is a server-initiated termination (feed code 50).
type DisconnectPacket struct {
	Header Header
	Code   uint16
}

// Server disconnect reason codes.
const (
	DisconnectDuplicateClient   = 804
	DisconnectConnectionLimit   = 805
	DisconnectNotSubscribed     = 806
	DisconnectTokenExpired      = 807
	DisconnectAuthFailed        = 808
	DisconnectInvalidToken      = 809
	DisconnectClientTimeout     = 810
	DisconnectServerMaintenance = 811
)

// DisconnectReason maps a vendor disconnect code to a description.
func DisconnectReason(code uint16) string {
	switch code {
	case DisconnectDuplicateClient:
		return "duplicate connection for client"
	case DisconnectConnectionLimit:
		return "connection or subscription limit exceeded"
	case DisconnectNotSubscribed:
		return "data APIs not subscribed"
	case DisconnectTokenExpired:
		return "access token expired"
	case DisconnectAuthFailed:
		return "authentication failed"
	case DisconnectInvalidToken:
		return "invalid access token or client id"
	case DisconnectClientTimeout:
		return "client inactivity timeout"
	case DisconnectServerMaintenance:
		return "server maintenance"
	default:
		return fmt.Sprintf("server disconnect (code %d)", code)
	}
}

// AuthClassDisconnect reports whether the code is terminal for the
// credentials rather than the connection. The client must not reconnect
// on these.
func AuthClassDisconnect(code uint16) bool {
	switch code {
	case DisconnectDuplicateClient, DisconnectConnectionLimit, DisconnectNotSubscribed,
		DisconnectTokenExpired, DisconnectAuthFailed, DisconnectInvalidToken:
		return true
	}
	return false
}

func f32(buf []byte) float64 {
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
}

func i32(buf []byte) int32 {
	return int32(binary.LittleEndian.Uint32(buf))
}

func i16(buf []byte) int16 {
	return int16(binary.LittleEndian.Uint16(buf))
}

func epochSec(buf []byte) time.Time {
	return time.Unix(int64(i32(buf)), 0)
}

// ParseTicker decodes a feed code 2 frame.
func ParseTicker(buf []byte) (*TickerPacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < tickerPacketSize {
		return nil, fmt.Errorf("ticker packet too short: %d bytes", len(buf))
	}
	return &TickerPacket{
		Header: h,
		LTP:    f32(buf[8:12]),
		LTT:    epochSec(buf[12:16]),
	}, nil
}

// ParseQuote decodes a feed code 4 frame.
func ParseQuote(buf []byte) (*QuotePacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < quotePacketSize {
		return nil, fmt.Errorf("quote packet too short: %d bytes", len(buf))
	}
	return &QuotePacket{
		Header:       h,
		LTP:          f32(buf[8:12]),
		LTQ:          int32(i16(buf[12:14])),
		LTT:          epochSec(buf[14:18]),
		ATP:          f32(buf[18:22]),
		Volume:       i32(buf[22:26]),
		TotalSellQty: i32(buf[26:30]),
		TotalBuyQty:  i32(buf[30:34]),
		Open:         f32(buf[34:38]),
		Close:        f32(buf[38:42]),
		High:         f32(buf[42:46]),
		Low:          f32(buf[46:50]),
	}, nil
}

// ParseOI decodes a feed code 5 frame.
func ParseOI(buf []byte) (*OIPacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < oiPacketSize {
		return nil, fmt.Errorf("oi packet too short: %d bytes", len(buf))
	}
	return &OIPacket{Header: h, OI: i32(buf[8:12])}, nil
}

// ParsePrevClose decodes a feed code 6 frame.
func ParsePrevClose(buf []byte) (*PrevClosePacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < prevClosePktSize {
		return nil, fmt.Errorf("prev close packet too short: %d bytes", len(buf))
	}
	return &PrevClosePacket{
		Header:    h,
		PrevClose: f32(buf[8:12]),
		PrevOI:    i32(buf[12:16]),
	}, nil
}

// ParseFull decodes a feed code 8 frame: quote fields at fixed offsets
// 8..62, then five 20-byte depth levels.
func ParseFull(buf []byte) (*FullPacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < fullPacketSize {
		return nil, fmt.Errorf("full packet too short: %d bytes", len(buf))
	}
	p := &FullPacket{
		Header:       h,
		LTP:          f32(buf[8:12]),
		LTQ:          int32(i16(buf[12:14])),
		LTT:          epochSec(buf[14:18]),
		ATP:          f32(buf[18:22]),
		Volume:       i32(buf[22:26]),
		TotalSellQty: i32(buf[26:30]),
		TotalBuyQty:  i32(buf[30:34]),
		OI:           i32(buf[34:38]),
		HighOI:       i32(buf[38:42]),
		LowOI:        i32(buf[42:46]),
		Open:         f32(buf[46:50]),
		Close:        f32(buf[50:54]),
		High:         f32(buf[54:58]),
		Low:          f32(buf[58:62]),
	}
	for lvl := 0; lvl < 5; lvl++ {
		off := 62 + lvl*20
		p.Depth[lvl] = FullDepthLevel{
			BidQty:    i32(buf[off : off+4]),
			AskQty:    i32(buf[off+4 : off+8]),
			BidOrders: i16(buf[off+8 : off+10]),
			AskOrders: i16(buf[off+10 : off+12]),
			BidPrice:  f32(buf[off+12 : off+16]),
			AskPrice:  f32(buf[off+16 : off+20]),
		}
	}
	return p, nil
}

// ParseDisconnect decodes a feed code 50 frame.
func ParseDisconnect(buf []byte) (*DisconnectPacket, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}
	if len(buf) < disconnectPktSize {
		return nil, fmt.Errorf("disconnect packet too short: %d bytes", len(buf))
	}
	return &DisconnectPacket{Header: h, Code: binary.LittleEndian.Uint16(buf[8:10])}, nil
}

// ParseDepth20 decodes a feed code 41 (bid) or 51 (ask) ladder frame.
// Each level is 16 bytes: price f64, quantity u32, orders u32. Levels with
// zero quantity are dropped.
func ParseDepth20(buf []byte) (Header, []types.DepthLevel, error) {
	h, err := ParseHeader(buf)
	if err != nil {
		return Header{}, nil, err
	}
	if len(buf) < depth20PacketSize {
		return Header{}, nil, fmt.Errorf("depth packet too short: %d bytes", len(buf))
	}
	levels := make([]types.DepthLevel, 0, 20)
	for lvl := 0; lvl < 20; lvl++ {
		off := headerSize + lvl*depth20LevelSize
		qty := binary.LittleEndian.Uint32(buf[off+8 : off+12])
		if qty == 0 {
			continue
		}
		levels = append(levels, types.DepthLevel{
			Price:    math.Float64frombits(binary.LittleEndian.Uint64(buf[off : off+8])),
			Quantity: int32(qty),
			Orders:   int16(binary.LittleEndian.Uint32(buf[off+12 : off+16])),
		})
	}
	return h, levels, nil
}

// Tick converts a Full packet into an enriched tick (metrics filled by the
// caller).
func (p *FullPacket) Tick() types.Tick {
	t := types.Tick{
		SecurityID:   p.Header.SecurityIDString(),
		Segment:      p.Header.ExchangeSegment,
		LTP:          p.LTP,
		LTQ:          p.LTQ,
		LTT:          p.LTT,
		Open:         p.Open,
		High:         p.High,
		Low:          p.Low,
		Close:        p.Close,
		ATP:          p.ATP,
		Volume:       int64(p.Volume),
		TotalBuyQty:  int64(p.TotalBuyQty),
		TotalSellQty: int64(p.TotalSellQty),
		OI:           int64(p.OI),
		CapturedAt:   time.Now(),
	}
	for _, lvl := range p.Depth {
		if lvl.BidQty > 0 {
			t.Bids = append(t.Bids, types.DepthLevel{Price: lvl.BidPrice, Quantity: lvl.BidQty, Orders: lvl.BidOrders})
		}
		if lvl.AskQty > 0 {
			t.Asks = append(t.Asks, types.DepthLevel{Price: lvl.AskPrice, Quantity: lvl.AskQty, Orders: lvl.AskOrders})
		}
	}
	return t
}

// Tick converts a Quote packet into a reduced tick with no depth.
func (p *QuotePacket) Tick() types.Tick {
	return types.Tick{
		SecurityID:   p.Header.SecurityIDString(),
		Segment:      p.Header.ExchangeSegment,
		LTP:          p.LTP,
		LTQ:          p.LTQ,
		LTT:          p.LTT,
		Open:         p.Open,
		High:         p.High,
		Low:          p.Low,
		Close:        p.Close,
		ATP:          p.ATP,
		Volume:       int64(p.Volume),
		TotalBuyQty:  int64(p.TotalBuyQty),
		TotalSellQty: int64(p.TotalSellQty),
		CapturedAt:   time.Now(),
	}
}

// Tick converts a Ticker packet into a price-only tick with zeroed depth.
func (p *TickerPacket) Tick() types.Tick {
	return types.Tick{
		SecurityID: p.Header.SecurityIDString(),
		Segment:    p.Header.ExchangeSegment,
		LTP:        p.LTP,
		LTT:        p.LTT,
		CapturedAt: time.Now(),
	}
}
