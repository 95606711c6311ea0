package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Ticker is a normalized best-bid/best-ask snapshot for one symbol on one
// exchange. Exchange and Symbol identify the observation and are carried in
// cache keys rather than the serialized value. BidSize and AskSize are only
// populated when the exchange response exposes top-of-book sizes.
type Ticker struct {
	Exchange  string    `json:"-"`
	Symbol    string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Volume    float64   `json:"volume"`
	BidSize   float64   `json:"bid_size,omitempty"`
	AskSize   float64   `json:"ask_size,omitempty"`
}

// OrderbookLevel is a single (price, quantity) pair. It serializes as a
// two-element JSON array to match the wire format consumed downstream.
type OrderbookLevel struct {
	Price    float64
	Quantity float64
}

func (l OrderbookLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Price, l.Quantity})
}

func (l *OrderbookLevel) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("orderbook level must be a [price, quantity] pair: %w", err)
	}
	l.Price = pair[0]
	l.Quantity = pair[1]
	return nil
}

// Orderbook holds L2 depth for one symbol. Bids are sorted by descending
// price and asks by ascending price in the exchange's native ordering; the
// wrapper never re-sorts. Depth truncation happens at the provider boundary.
type Orderbook struct {
	Exchange  string           `json:"-"`
	Symbol    string           `json:"-"`
	Timestamp time.Time        `json:"timestamp"`
	Bids      []OrderbookLevel `json:"bids"`
	Asks      []OrderbookLevel `json:"asks"`
}

// BestBid returns the top bid level, or false when the book has no bids.
func (ob *Orderbook) BestBid() (OrderbookLevel, bool) {
	if len(ob.Bids) == 0 {
		return OrderbookLevel{}, false
	}
	return ob.Bids[0], true
}

// BestAsk returns the top ask level, or false when the book has no asks.
func (ob *Orderbook) BestAsk() (OrderbookLevel, bool) {
	if len(ob.Asks) == 0 {
		return OrderbookLevel{}, false
	}
	return ob.Asks[0], true
}

// TradeSide is the taker side of an execution as recorded on the tape.
type TradeSide string

const (
	TradeSideBuy  TradeSide = "buy"
	TradeSideSell TradeSide = "sell"
)

// Trade is one historical execution. Side is derived from exchange-specific
// flags by the provider that produced the trade.
type Trade struct {
	Exchange  string    `json:"exchange"`
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Side      TradeSide `json:"side"`
}
