package feeds

import (
	"encoding/binary"
	"math"
	"testing"
)

// buildHeader writes the 8-byte frame header into buf.
func buildHeader(buf []byte, feedCode uint8, length uint16, segment uint8, securityID uint32) {
	buf[0] = feedCode
	binary.LittleEndian.PutUint16(buf[1:3], length)
	buf[3] = segment
	binary.LittleEndian.PutUint32(buf[4:8], securityID)
}

func putF32(buf []byte, v float32) {
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
}

func TestParseHeader(t *testing.T) {
	buf := make([]byte, headerSize)
	buildHeader(buf, FeedCodeFull, fullPacketSize, 0, 13)

	h, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader error: %v", err)
	}
	if h.FeedCode != FeedCodeFull {
		t.Errorf("FeedCode = %d, want %d", h.FeedCode, FeedCodeFull)
	}
	if h.MessageLength != fullPacketSize {
		t.Errorf("MessageLength = %d, want %d", h.MessageLength, fullPacketSize)
	}
	if h.SecurityID != 13 {
		t.Errorf("SecurityID = %d, want 13", h.SecurityID)
	}
	if h.SecurityIDString() != "13" {
		t.Errorf("SecurityIDString = %q, want %q", h.SecurityIDString(), "13")
	}
}

func TestParseHeaderTooShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 7)); err == nil {
		t.Error("ParseHeader on 7 bytes should fail")
	}
}

func TestParseTicker(t *testing.T) {
	buf := make([]byte, tickerPacketSize)
	buildHeader(buf, FeedCodeTicker, tickerPacketSize, 0, 13)
	putF32(buf[8:12], 24500.5)
	binary.LittleEndian.PutUint32(buf[12:16], 1700000000)

	p, err := ParseTicker(buf)
	if err != nil {
		t.Fatalf("ParseTicker error: %v", err)
	}
	if math.Abs(p.LTP-24500.5) > 0.01 {
		t.Errorf("LTP = %v, want 24500.5", p.LTP)
	}
	if p.LTT.Unix() != 1700000000 {
		t.Errorf("LTT = %v, want epoch 1700000000", p.LTT.Unix())
	}

	tick := p.Tick()
	if tick.SecurityID != "13" || tick.LTP != p.LTP {
		t.Errorf("Tick conversion = %+v", tick)
	}
}

// buildFullPacket assembles a valid 162-byte Full frame.
func buildFullPacket(securityID uint32, ltp float32, depth [5]FullDepthLevel) []byte {
	buf := make([]byte, fullPacketSize)
	buildHeader(buf, FeedCodeFull, fullPacketSize, 0, securityID)
	putF32(buf[8:12], ltp)
	binary.LittleEndian.PutUint16(buf[12:14], 50)         // ltq
	binary.LittleEndian.PutUint32(buf[14:18], 1700000000) // ltt
	putF32(buf[18:22], ltp)                               // atp
	binary.LittleEndian.PutUint32(buf[22:26], 123456)     // volume
	binary.LittleEndian.PutUint32(buf[26:30], 60000)      // total sell
	binary.LittleEndian.PutUint32(buf[30:34], 90000)      // total buy
	putF32(buf[46:50], ltp-100)                           // open
	putF32(buf[50:54], ltp-50)                            // close
	putF32(buf[54:58], ltp+25)                            // high
	putF32(buf[58:62], ltp-120)                           // low

	for i, lvl := range depth {
		off := 62 + i*20
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(lvl.BidQty))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(lvl.AskQty))
		binary.LittleEndian.PutUint16(buf[off+8:off+10], uint16(lvl.BidOrders))
		binary.LittleEndian.PutUint16(buf[off+10:off+12], uint16(lvl.AskOrders))
		putF32(buf[off+12:off+16], float32(lvl.BidPrice))
		putF32(buf[off+16:off+20], float32(lvl.AskPrice))
	}
	return buf
}

func TestParseFull(t *testing.T) {
	depth := [5]FullDepthLevel{
		{BidQty: 1000, AskQty: 800, BidOrders: 12, AskOrders: 9, BidPrice: 24499, AskPrice: 24501},
		{BidQty: 900, AskQty: 700, BidOrders: 10, AskOrders: 8, BidPrice: 24498, AskPrice: 24502},
	}
	buf := buildFullPacket(13, 24500, depth)

	p, err := ParseFull(buf)
	if err != nil {
		t.Fatalf("ParseFull error: %v", err)
	}
	if p.Header.SecurityID != 13 {
		t.Errorf("SecurityID = %d, want 13", p.Header.SecurityID)
	}
	if math.Abs(p.LTP-24500) > 0.01 {
		t.Errorf("LTP = %v, want 24500", p.LTP)
	}
	if p.LTQ != 50 {
		t.Errorf("LTQ = %d, want 50", p.LTQ)
	}
	if p.Volume != 123456 {
		t.Errorf("Volume = %d, want 123456", p.Volume)
	}
	if p.TotalBuyQty != 90000 || p.TotalSellQty != 60000 {
		t.Errorf("buy/sell totals = %d/%d, want 90000/60000", p.TotalBuyQty, p.TotalSellQty)
	}
	if p.Depth[0].BidQty != 1000 || p.Depth[0].AskQty != 800 {
		t.Errorf("level 0 = %+v", p.Depth[0])
	}
	if math.Abs(p.Depth[1].AskPrice-24502) > 0.01 {
		t.Errorf("level 1 ask price = %v, want 24502", p.Depth[1].AskPrice)
	}

	tick := p.Tick()
	if len(tick.Bids) != 2 || len(tick.Asks) != 2 {
		t.Errorf("tick depth = %d bids / %d asks, want 2/2 (zero levels dropped)", len(tick.Bids), len(tick.Asks))
	}
}

func TestParseFullTooShort(t *testing.T) {
	buf := make([]byte, fullPacketSize-1)
	buildHeader(buf, FeedCodeFull, fullPacketSize, 0, 13)
	if _, err := ParseFull(buf); err == nil {
		t.Error("ParseFull on truncated frame should fail")
	}
}

func TestParseDisconnect(t *testing.T) {
	buf := make([]byte, disconnectPktSize)
	buildHeader(buf, FeedCodeDisconnect, disconnectPktSize, 0, 13)
	binary.LittleEndian.PutUint16(buf[8:10], DisconnectTokenExpired)

	p, err := ParseDisconnect(buf)
	if err != nil {
		t.Fatalf("ParseDisconnect error: %v", err)
	}
	if p.Code != DisconnectTokenExpired {
		t.Errorf("Code = %d, want %d", p.Code, DisconnectTokenExpired)
	}
}

func TestAuthClassDisconnect(t *testing.T) {
	tests := []struct {
		code uint16
		want bool
	}{
		{DisconnectDuplicateClient, true},
		{DisconnectConnectionLimit, true},
		{DisconnectNotSubscribed, true},
		{DisconnectTokenExpired, true},
		{DisconnectAuthFailed, true},
		{DisconnectInvalidToken, true},
		{DisconnectClientTimeout, false},
		{DisconnectServerMaintenance, false},
		{999, false},
	}
	for _, tt := range tests {
		if got := AuthClassDisconnect(tt.code); got != tt.want {
			t.Errorf("AuthClassDisconnect(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestParseDepth20DropsEmptyLevels(t *testing.T) {
	buf := make([]byte, depth20PacketSize)
	buildHeader(buf, FeedCodeBid20, depth20PacketSize, 0, 13)

	// Fill only the first three levels.
	for i := 0; i < 3; i++ {
		off := headerSize + i*depth20LevelSize
		binary.LittleEndian.PutUint64(buf[off:off+8], math.Float64bits(24500-float64(i)))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(1000*(i+1)))
		binary.LittleEndian.PutUint32(buf[off+12:off+16], uint32(5+i))
	}

	h, levels, err := ParseDepth20(buf)
	if err != nil {
		t.Fatalf("ParseDepth20 error: %v", err)
	}
	if h.FeedCode != FeedCodeBid20 {
		t.Errorf("FeedCode = %d, want %d", h.FeedCode, FeedCodeBid20)
	}
	if len(levels) != 3 {
		t.Fatalf("levels = %d, want 3", len(levels))
	}
	if levels[0].Price != 24500 || levels[0].Quantity != 1000 || levels[0].Orders != 5 {
		t.Errorf("level 0 = %+v", levels[0])
	}
	if levels[2].Quantity != 3000 {
		t.Errorf("level 2 quantity = %d, want 3000", levels[2].Quantity)
	}
}
