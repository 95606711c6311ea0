package upbit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/logger"
	"arbflow/models"
)

// upbitStub serves canned payloads for the three REST endpoints and records
// every request it sees.
type upbitStub struct {
	mu        sync.Mutex
	requests  []*http.Request
	orderbook string
	ticker    string
	trades    string
	status    int
}

func (s *upbitStub) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		clone := r.Clone(r.Context())
		s.requests = append(s.requests, clone)
		status, ob, tk, tr := s.status, s.orderbook, s.ticker, s.trades
		s.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/orderbook":
			w.Write([]byte(ob))
		case "/v1/ticker":
			w.Write([]byte(tk))
		case "/v1/trades/ticks":
			w.Write([]byte(tr))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func (s *upbitStub) requestsFor(path string) []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*http.Request
	for _, r := range s.requests {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

const stubOrderbook = `[{"market":"KRW-BTC","timestamp":1722500000000,"orderbook_units":[
  {"ask_price":89010000,"bid_price":89000000,"ask_size":0.9,"bid_size":0.4},
  {"ask_price":89020000,"bid_price":88990000,"ask_size":1.1,"bid_size":2.0},
  {"ask_price":89030000,"bid_price":88980000,"ask_size":0.3,"bid_size":0.7}
]}]`

const stubTicker = `[{"market":"KRW-BTC","trade_price":89005000,"acc_trade_volume_24h":1234.5,"timestamp":1722500000123}]`

func newTestRest(t *testing.T, stub *upbitStub) *Rest {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)
	return NewRest(srv.URL, time.Second, nil, logger.NewNop())
}

func TestGetTicker(t *testing.T) {
	stub := &upbitStub{orderbook: stubOrderbook, ticker: stubTicker}
	r := newTestRest(t, stub)

	ticker, err := r.GetTicker(context.Background(), "BTC/KRW")
	require.NoError(t, err)

	assert.Equal(t, "upbit", ticker.Exchange)
	assert.Equal(t, "BTC/KRW", ticker.Symbol)
	assert.Equal(t, float64(89000000), ticker.Bid)
	assert.Equal(t, float64(89010000), ticker.Ask)
	assert.Equal(t, 0.4, ticker.BidSize)
	assert.Equal(t, 0.9, ticker.AskSize)
	assert.Equal(t, float64(89005000), ticker.Last)
	assert.Equal(t, 1234.5, ticker.Volume)
	assert.Equal(t, time.UnixMilli(1722500000000).UTC(), ticker.Timestamp)

	books := stub.requestsFor("/v1/orderbook")
	require.Len(t, books, 1)
	assert.Equal(t, "KRW-BTC", books[0].URL.Query().Get("markets"))
	tickers := stub.requestsFor("/v1/ticker")
	require.Len(t, tickers, 1)
	assert.Equal(t, "KRW-BTC", tickers[0].URL.Query().Get("markets"))
}

func TestGetTickerEmptyOrderbookSkipsTickerCall(t *testing.T) {
	stub := &upbitStub{
		orderbook: `[{"market":"KRW-BTC","timestamp":1722500000000,"orderbook_units":[]}]`,
		ticker:    stubTicker,
	}
	r := newTestRest(t, stub)

	_, err := r.GetTicker(context.Background(), "BTC/KRW")
	require.Error(t, err)
	assert.Equal(t, models.KindMalformed, models.KindOf(err))
	assert.Empty(t, stub.requestsFor("/v1/ticker"), "ticker endpoint must not be hit when the book is empty")
}

func TestGetTickerRateLimited(t *testing.T) {
	stub := &upbitStub{status: http.StatusTooManyRequests}
	r := newTestRest(t, stub)

	_, err := r.GetTicker(context.Background(), "BTC/KRW")
	require.Error(t, err)
	assert.Equal(t, models.KindRateLimited, models.KindOf(err))

	last := r.LastError()
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Reason)
}

func TestGetTickerServerError(t *testing.T) {
	stub := &upbitStub{status: http.StatusInternalServerError}
	r := newTestRest(t, stub)

	_, err := r.GetTicker(context.Background(), "BTC/KRW")
	require.Error(t, err)
	assert.Equal(t, models.KindTransient, models.KindOf(err))

	last := r.LastError()
	assert.Equal(t, http.StatusInternalServerError, last.StatusCode)
	assert.NotEmpty(t, last.Reason)
}

func TestGetOrderbookTruncatesToDepth(t *testing.T) {
	stub := &upbitStub{orderbook: stubOrderbook}
	r := newTestRest(t, stub)

	ob, err := r.GetOrderbook(context.Background(), "BTC/KRW", 2)
	require.NoError(t, err)

	require.Len(t, ob.Bids, 2)
	require.Len(t, ob.Asks, 2)
	assert.Equal(t, models.OrderbookLevel{Price: 89000000, Quantity: 0.4}, ob.Bids[0])
	assert.Equal(t, models.OrderbookLevel{Price: 88990000, Quantity: 2.0}, ob.Bids[1])
	assert.Equal(t, models.OrderbookLevel{Price: 89010000, Quantity: 0.9}, ob.Asks[0])

	best, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, float64(89000000), best.Price)
}

func TestGetOrderbookDepthShallowerThanResponse(t *testing.T) {
	stub := &upbitStub{orderbook: stubOrderbook}
	r := newTestRest(t, stub)

	// Asking for more depth than the exchange returns yields what exists.
	ob, err := r.GetOrderbook(context.Background(), "BTC/KRW", 15)
	require.NoError(t, err)
	assert.Len(t, ob.Bids, 3)
	assert.Len(t, ob.Asks, 3)
}

func TestGetOrderbookRejectsInvalidDepth(t *testing.T) {
	stub := &upbitStub{orderbook: stubOrderbook}
	r := newTestRest(t, stub)

	_, err := r.GetOrderbook(context.Background(), "BTC/KRW", 0)
	require.Error(t, err)
	assert.Equal(t, models.KindConfig, models.KindOf(err))
	assert.Empty(t, stub.requestsFor("/v1/orderbook"), "invalid depth must be rejected before any request")
}

func TestGetTrades(t *testing.T) {
	stub := &upbitStub{trades: `[
  {"market":"KRW-BTC","timestamp":1722500000100,"trade_price":89005000,"trade_volume":0.01,"ask_bid":"ASK"},
  {"market":"KRW-BTC","timestamp":1722500000200,"trade_price":89006000,"trade_volume":0.02,"ask_bid":"BID"},
  {"market":"KRW-BTC","timestamp":1722500000300,"trade_price":89007000,"trade_volume":0.03,"ask_bid":"WAT"}
]`}
	r := newTestRest(t, stub)

	trades, err := r.GetTrades(context.Background(), "BTC/KRW", 100)
	require.NoError(t, err)

	require.Len(t, trades, 2, "unknown taker side rows are skipped")
	assert.Equal(t, models.TradeSideSell, trades[0].Side)
	assert.Equal(t, models.TradeSideBuy, trades[1].Side)
	assert.Equal(t, 0.01, trades[0].Quantity)
	assert.Equal(t, "upbit", trades[0].Exchange)

	reqs := stub.requestsFor("/v1/trades/ticks")
	require.Len(t, reqs, 1)
	assert.Equal(t, "100", reqs[0].URL.Query().Get("count"))
	assert.Equal(t, "KRW-BTC", reqs[0].URL.Query().Get("market"))
}

func TestGetTradesClampsLimit(t *testing.T) {
	stub := &upbitStub{trades: `[]`}
	r := newTestRest(t, stub)

	for _, limit := range []int{0, -5, 9999} {
		_, err := r.GetTrades(context.Background(), "BTC/KRW", limit)
		require.NoError(t, err)
	}

	reqs := stub.requestsFor("/v1/trades/ticks")
	require.Len(t, reqs, 3)
	for _, req := range reqs {
		assert.Equal(t, "500", req.URL.Query().Get("count"))
	}
}

func TestGetTickerRejectsMalformedSymbol(t *testing.T) {
	stub := &upbitStub{}
	r := newTestRest(t, stub)

	_, err := r.GetTicker(context.Background(), "BTCKRW")
	require.Error(t, err)
	assert.Equal(t, models.KindConfig, models.KindOf(err))
	assert.Empty(t, stub.requests, "invalid symbol must not produce a request")
}
