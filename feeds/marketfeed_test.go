package feeds

import (
	"fmt"
	"testing"

	"github.com/niftylabs/papertrader/internal/config"
	"github.com/niftylabs/papertrader/types"
)

func entry(seg types.ExchangeSegment, id string) config.SubscriptionEntry {
	return config.SubscriptionEntry{Segment: seg, SecurityID: id}
}

func TestSubscribeDeduplicates(t *testing.T) {
	f := NewMarketFeed("wss://example.invalid/feed", "token", "client")

	err := f.Subscribe(
		entry(types.SegmentIndex, "13"),
		entry(types.SegmentIndex, "13"),
		entry(types.SegmentNSEFNO, "49081"),
	)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := len(f.SubscribedInstruments()); got != 2 {
		t.Errorf("subscribed = %d, want 2", got)
	}

	// Re-subscribing an existing instrument adds nothing.
	if err := f.Subscribe(entry(types.SegmentIndex, "13")); err != nil {
		t.Fatalf("repeat Subscribe failed: %v", err)
	}
	if got := len(f.SubscribedInstruments()); got != 2 {
		t.Errorf("subscribed after repeat = %d, want 2", got)
	}
}

func TestSubscribeDepthLimit(t *testing.T) {
	f := NewMarketFeed("wss://example.invalid/feed", "token", "client", WithDepthMode())

	for i := 0; i < MaxDepthInstruments; i++ {
		if err := f.Subscribe(entry(types.SegmentNSEFNO, fmt.Sprintf("%d", 1000+i))); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if err := f.Subscribe(entry(types.SegmentNSEFNO, "9999")); err == nil {
		t.Error("expected an error past the depth connection limit")
	}
}

func TestUnsubscribeRemoves(t *testing.T) {
	f := NewMarketFeed("wss://example.invalid/feed", "token", "client")

	if err := f.Subscribe(entry(types.SegmentIndex, "13"), entry(types.SegmentIndex, "25")); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := f.Unsubscribe(entry(types.SegmentIndex, "13")); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}

	subs := f.SubscribedInstruments()
	if len(subs) != 1 || subs[0].SecurityID != "25" {
		t.Errorf("subscriptions after removal = %+v, want only 25", subs)
	}
}
