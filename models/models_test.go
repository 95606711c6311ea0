package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestTickerWireFormat(t *testing.T) {
	ticker := Ticker{
		Exchange:  "upbit",
		Symbol:    "BTC/KRW",
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Bid:       100.5,
		Ask:       101.5,
		Last:      101.0,
		Volume:    42.25,
	}

	payload, err := json.Marshal(&ticker)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"timestamp", "bid", "ask", "last", "volume"} {
		if _, ok := fields[key]; !ok {
			t.Fatalf("wire format missing %q: %s", key, payload)
		}
	}
	// Exchange and symbol live in the cache key, not the value.
	for _, key := range []string{"exchange", "symbol"} {
		if _, ok := fields[key]; ok {
			t.Fatalf("wire format must not contain %q: %s", key, payload)
		}
	}
	// Sizes were not set and must not appear.
	for _, key := range []string{"bid_size", "ask_size"} {
		if _, ok := fields[key]; ok {
			t.Fatalf("unset optional field %q serialized: %s", key, payload)
		}
	}
}

func TestTickerOptionalSizes(t *testing.T) {
	ticker := Ticker{Bid: 1, Ask: 2, BidSize: 0.5, AskSize: 0.7}
	payload, err := json.Marshal(&ticker)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(payload), `"bid_size":0.5`) || !strings.Contains(string(payload), `"ask_size":0.7`) {
		t.Fatalf("sizes not serialized: %s", payload)
	}
}

func TestOrderbookLevelWireFormat(t *testing.T) {
	ob := Orderbook{
		Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Bids: []OrderbookLevel{
			{Price: 100, Quantity: 1.5},
			{Price: 99, Quantity: 2},
		},
		Asks: []OrderbookLevel{
			{Price: 101, Quantity: 0.5},
		},
	}

	payload, err := json.Marshal(&ob)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(payload), `"bids":[[100,1.5],[99,2]]`) {
		t.Fatalf("bids not serialized as pairs: %s", payload)
	}
	if !strings.Contains(string(payload), `"asks":[[101,0.5]]`) {
		t.Fatalf("asks not serialized as pairs: %s", payload)
	}

	var back Orderbook
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Bids) != 2 || back.Bids[0] != (OrderbookLevel{Price: 100, Quantity: 1.5}) {
		t.Fatalf("roundtrip mismatch: %+v", back.Bids)
	}
}

func TestOrderbookLevelUnmarshalRejectsObjects(t *testing.T) {
	var level OrderbookLevel
	if err := json.Unmarshal([]byte(`{"price":1,"quantity":2}`), &level); err == nil {
		t.Fatal("expected error for non-array level")
	}
}

func TestBestBidAsk(t *testing.T) {
	ob := Orderbook{}
	if _, ok := ob.BestBid(); ok {
		t.Fatal("empty book must have no best bid")
	}
	if _, ok := ob.BestAsk(); ok {
		t.Fatal("empty book must have no best ask")
	}

	ob.Bids = []OrderbookLevel{{Price: 10, Quantity: 1}}
	ob.Asks = []OrderbookLevel{{Price: 11, Quantity: 2}}
	if best, _ := ob.BestBid(); best.Price != 10 {
		t.Fatalf("unexpected best bid: %+v", best)
	}
	if best, _ := ob.BestAsk(); best.Price != 11 {
		t.Fatalf("unexpected best ask: %+v", best)
	}
}

func TestMarketErrorKinds(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want string
	}{
		{KindRateLimited, "rate_limited"},
		{KindTransient, "transient"},
		{KindMalformed, "malformed"},
		{KindConfig, "config"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Fatalf("kind %d: got %q want %q", tt.kind, got, tt.want)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := Errorf(KindRateLimited, "upbit.get_ticker", "slot denied")
	if KindOf(err) != KindRateLimited {
		t.Fatalf("unexpected kind: %v", KindOf(err))
	}

	wrapped := fmt.Errorf("poll: %w", err)
	if KindOf(wrapped) != KindRateLimited {
		t.Fatal("kind must survive wrapping")
	}

	if KindOf(errors.New("plain")) != KindTransient {
		t.Fatal("foreign errors default to transient")
	}

	var me *MarketError
	if !errors.As(wrapped, &me) || me.Op != "upbit.get_ticker" {
		t.Fatalf("errors.As failed: %+v", me)
	}
}
