// Package upbit implements the Upbit REST and WebSocket market-data
// providers. Upbit has no top-of-book ticker endpoint, so tickers are
// derived from the best level of a depth-1 orderbook call plus a separate
// 24h ticker call for last price and volume.
package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
	"arbflow/ratelimit"
	"arbflow/symbols"
)

const (
	Name = "upbit"

	DefaultRestURL = "https://api.upbit.com"

	endpointTicker    = "ticker"
	endpointOrderbook = "orderbook"
	endpointTrades    = "trades"

	// Upbit caps trades/ticks pagination at 500 rows per request.
	maxTradesPerPage = 500
)

type orderbookUnit struct {
	AskPrice float64 `json:"ask_price"`
	BidPrice float64 `json:"bid_price"`
	AskSize  float64 `json:"ask_size"`
	BidSize  float64 `json:"bid_size"`
}

type orderbookResp struct {
	Market         string          `json:"market"`
	Timestamp      int64           `json:"timestamp"`
	OrderbookUnits []orderbookUnit `json:"orderbook_units"`
}

type tickerResp struct {
	Market           string  `json:"market"`
	TradePrice       float64 `json:"trade_price"`
	AccTradeVolume24 float64 `json:"acc_trade_volume_24h"`
	Timestamp        int64   `json:"timestamp"`
}

type tradeResp struct {
	Market      string  `json:"market"`
	Timestamp   int64   `json:"timestamp"`
	TradePrice  float64 `json:"trade_price"`
	TradeVolume float64 `json:"trade_volume"`
	AskBid      string  `json:"ask_bid"`
}

// Rest is the Upbit REST provider. It is stateless per call apart from the
// shared rate limiter and the last-error introspection state.
type Rest struct {
	provider.ErrorRecorder

	baseURL string
	client  *http.Client
	limiter *ratelimit.Limiter
	log     *logger.Entry
}

// NewRest builds an Upbit REST provider. A nil limiter disables local rate
// limiting; baseURL falls back to the production endpoint when empty.
func NewRest(baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, log *logger.Log) *Rest {
	if baseURL == "" {
		baseURL = DefaultRestURL
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Rest{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		log:     log.WithComponent("upbit_rest"),
	}
}

func (r *Rest) Name() string { return Name }

// checkLimit consumes one local rate-limit slot for the endpoint. A limiter
// store failure is logged and the call proceeds; starving the pollers on a
// Redis outage would be worse than briefly exceeding a budget.
func (r *Rest) checkLimit(ctx context.Context, op, endpoint string) error {
	if r.limiter == nil {
		return nil
	}
	allowed, err := r.limiter.Check(ctx, Name, endpoint)
	if err != nil {
		r.log.WithError(err).WithField("endpoint", endpoint).Warn("rate limiter unavailable, proceeding")
		return nil
	}
	if !allowed {
		return models.Errorf(models.KindRateLimited, op, "local rate limit exhausted for %s/%s", Name, endpoint)
	}
	return nil
}

func (r *Rest) doGet(ctx context.Context, op, endpoint, path string, query url.Values) ([]byte, error) {
	if err := r.checkLimit(ctx, op, endpoint); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s%s?%s", r.baseURL, path, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, models.NewMarketError(models.KindConfig, op, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.Record(0, err.Error())
		r.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
		return nil, models.NewMarketError(models.KindTransient, op, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(r.log, "upbit_rest", "api_request", time.Since(start), logger.Fields{
		"endpoint": endpoint,
	})

	if resp.StatusCode == http.StatusTooManyRequests {
		r.Record(resp.StatusCode, "exchange rate limited")
		r.log.WithField("endpoint", endpoint).Warn("upbit returned 429")
		return nil, models.Errorf(models.KindRateLimited, op, "upbit rate limited %s", endpoint)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		reason := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		r.Record(resp.StatusCode, reason)
		r.log.WithFields(logger.Fields{"endpoint": endpoint, "status": resp.StatusCode}).Error("unexpected status")
		return nil, models.Errorf(models.KindTransient, op, "%s", reason)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		r.Record(0, err.Error())
		return nil, models.NewMarketError(models.KindTransient, op, err)
	}
	return body, nil
}

// GetTicker derives best bid/ask and sizes from a depth-1 orderbook call and
// last price plus 24h volume from the ticker endpoint. When the orderbook
// has no usable levels the second call is skipped so its rate-limit slot is
// not wasted on a result that would be discarded.
func (r *Rest) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	const op = "upbit.get_ticker"

	market, err := symbols.ToUpbit(symbol)
	if err != nil {
		return nil, err
	}

	books, err := r.fetchOrderbooks(ctx, op, market)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 || len(books[0].OrderbookUnits) == 0 {
		r.log.WithField("symbol", symbol).Warn("orderbook response has no usable levels")
		return nil, models.Errorf(models.KindMalformed, op, "no orderbook levels for %s", market)
	}
	book := books[0]
	best := book.OrderbookUnits[0]

	query := url.Values{}
	query.Set("markets", market)
	body, err := r.doGet(ctx, op, endpointTicker, "/v1/ticker", query)
	if err != nil {
		return nil, err
	}

	var tickers []tickerResp
	if err := json.Unmarshal(body, &tickers); err != nil {
		r.Record(0, "malformed ticker response")
		return nil, models.NewMarketError(models.KindMalformed, op, err)
	}
	if len(tickers) == 0 {
		r.Record(0, "empty ticker response")
		return nil, models.Errorf(models.KindMalformed, op, "empty ticker response for %s", market)
	}

	return &models.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(book.Timestamp).UTC(),
		Bid:       best.BidPrice,
		Ask:       best.AskPrice,
		BidSize:   best.BidSize,
		AskSize:   best.AskSize,
		Last:      tickers[0].TradePrice,
		Volume:    tickers[0].AccTradeVolume24,
	}, nil
}

// GetOrderbook fetches the full fixed-depth book Upbit returns and truncates
// it to exactly depth levels per side.
func (r *Rest) GetOrderbook(ctx context.Context, symbol string, depth int) (*models.Orderbook, error) {
	const op = "upbit.get_orderbook"

	if depth < 1 {
		return nil, models.Errorf(models.KindConfig, op, "depth must be at least 1, got %d", depth)
	}
	market, err := symbols.ToUpbit(symbol)
	if err != nil {
		return nil, err
	}

	books, err := r.fetchOrderbooks(ctx, op, market)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, models.Errorf(models.KindMalformed, op, "empty orderbook response for %s", market)
	}
	book := books[0]

	units := book.OrderbookUnits
	if len(units) > depth {
		units = units[:depth]
	}

	ob := &models.Orderbook{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(book.Timestamp).UTC(),
		Bids:      make([]models.OrderbookLevel, 0, len(units)),
		Asks:      make([]models.OrderbookLevel, 0, len(units)),
	}
	// Units arrive best-first, so bids come out descending and asks
	// ascending without re-sorting.
	for _, u := range units {
		ob.Bids = append(ob.Bids, models.OrderbookLevel{Price: u.BidPrice, Quantity: u.BidSize})
		ob.Asks = append(ob.Asks, models.OrderbookLevel{Price: u.AskPrice, Quantity: u.AskSize})
	}
	return ob, nil
}

// GetTrades returns up to limit most-recent executions. Limit is silently
// clamped to Upbit's page cap.
func (r *Rest) GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	const op = "upbit.get_trades"

	market, err := symbols.ToUpbit(symbol)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxTradesPerPage {
		limit = maxTradesPerPage
	}

	query := url.Values{}
	query.Set("market", market)
	query.Set("count", fmt.Sprintf("%d", limit))
	body, err := r.doGet(ctx, op, endpointTrades, "/v1/trades/ticks", query)
	if err != nil {
		return nil, err
	}

	var raw []tradeResp
	if err := json.Unmarshal(body, &raw); err != nil {
		r.Record(0, "malformed trades response")
		return nil, models.NewMarketError(models.KindMalformed, op, err)
	}

	trades := make([]models.Trade, 0, len(raw))
	for _, t := range raw {
		// Upbit's ask_bid is the taker side: ASK means the taker sold.
		var side models.TradeSide
		switch strings.ToUpper(t.AskBid) {
		case "ASK":
			side = models.TradeSideSell
		case "BID":
			side = models.TradeSideBuy
		default:
			r.log.WithFields(logger.Fields{"symbol": symbol, "ask_bid": t.AskBid}).Warn("unknown trade side, skipping")
			continue
		}
		trades = append(trades, models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			Timestamp: time.UnixMilli(t.Timestamp).UTC(),
			Price:     t.TradePrice,
			Quantity:  t.TradeVolume,
			Side:      side,
		})
	}
	return trades, nil
}

func (r *Rest) fetchOrderbooks(ctx context.Context, op, market string) ([]orderbookResp, error) {
	query := url.Values{}
	query.Set("markets", market)
	body, err := r.doGet(ctx, op, endpointOrderbook, "/v1/orderbook", query)
	if err != nil {
		return nil, err
	}

	var books []orderbookResp
	if err := json.Unmarshal(body, &books); err != nil {
		r.Record(0, "malformed orderbook response")
		return nil, models.NewMarketError(models.KindMalformed, op, err)
	}
	return books, nil
}
