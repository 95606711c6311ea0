// Package binance implements the Binance REST and WebSocket market-data
// providers. A market_type chosen at construction selects the spot or
// futures namespace; it changes the base URL only, the response shapes are
// handled identically.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
	"arbflow/ratelimit"
	"arbflow/symbols"
)

const (
	Name = "binance"

	MarketTypeSpot    = "spot"
	MarketTypeFutures = "futures"

	spotRestURL    = "https://api.binance.com/api/v3"
	futuresRestURL = "https://fapi.binance.com/fapi/v1"

	endpointTicker    = "ticker"
	endpointOrderbook = "orderbook"
	endpointTrades    = "trades"

	// Binance caps the recent-trades page size at 1000 rows.
	maxTradesPerPage = 1000
	maxSpotDepth     = 5000
)

// The futures depth endpoint only accepts these limits; a requested depth is
// rounded up to the nearest one and truncated client-side.
var futuresDepthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

type bookTickerResp struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	BidQty   string `json:"bidQty"`
	AskPrice string `json:"askPrice"`
	AskQty   string `json:"askQty"`
	Time     int64  `json:"time"`
}

type depthResp struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	EventTime    int64      `json:"E"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tradeResp struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

// Rest is the Binance REST provider.
type Rest struct {
	provider.ErrorRecorder

	marketType string
	baseURL    string
	client     *http.Client
	limiter    *ratelimit.Limiter
	log        *logger.Entry
}

// NewRest builds a Binance REST provider for the given market type. An
// unknown market type is a configuration error and fails immediately.
// baseURL overrides the namespace default when non-empty (tests, mirrors).
func NewRest(marketType, baseURL string, timeout time.Duration, limiter *ratelimit.Limiter, log *logger.Log) (*Rest, error) {
	switch marketType {
	case MarketTypeSpot:
		if baseURL == "" {
			baseURL = spotRestURL
		}
	case MarketTypeFutures:
		if baseURL == "" {
			baseURL = futuresRestURL
		}
	default:
		return nil, models.Errorf(models.KindConfig, "binance.new_rest",
			"invalid market_type %q (want %s or %s)", marketType, MarketTypeSpot, MarketTypeFutures)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Rest{
		marketType: marketType,
		baseURL:    strings.TrimRight(baseURL, "/"),
		client:     &http.Client{Timeout: timeout},
		limiter:    limiter,
		log:        log.WithComponent("binance_rest").WithField("market_type", marketType),
	}, nil
}

func (r *Rest) Name() string { return Name }

// MarketType reports which namespace this provider talks to.
func (r *Rest) MarketType() string { return r.marketType }

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

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.Record(0, err.Error())
		r.log.WithError(err).WithField("endpoint", endpoint).Error("request failed")
		return nil, models.NewMarketError(models.KindTransient, op, err)
	}
	defer resp.Body.Close()
	logger.LogPerformanceEntry(r.log, "binance_rest", "api_request", time.Since(start), logger.Fields{
		"endpoint": endpoint,
	})

	if resp.StatusCode == http.StatusTooManyRequests {
		r.Record(resp.StatusCode, "exchange rate limited")
		r.log.WithField("endpoint", endpoint).Warn("binance returned 429")
		return nil, models.Errorf(models.KindRateLimited, op, "binance rate limited %s", endpoint)
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

// GetTicker reads bid/ask and sizes from the single bookTicker endpoint.
// The endpoint carries neither last price nor volume, so those are set to
// the documented sentinels (last = bid, volume = 0) rather than invented.
func (r *Rest) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	const op = "binance.get_ticker"

	market, err := symbols.ToBinance(symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", market)
	body, err := r.doGet(ctx, op, endpointTicker, "/ticker/bookTicker", query)
	if err != nil {
		return nil, err
	}

	var resp bookTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		r.Record(0, "malformed bookTicker response")
		return nil, models.NewMarketError(models.KindMalformed, op, err)
	}

	bid, err := parsePrice(op, "bidPrice", resp.BidPrice)
	if err != nil {
		return nil, err
	}
	ask, err := parsePrice(op, "askPrice", resp.AskPrice)
	if err != nil {
		return nil, err
	}
	bidSize, err := parsePrice(op, "bidQty", resp.BidQty)
	if err != nil {
		return nil, err
	}
	askSize, err := parsePrice(op, "askQty", resp.AskQty)
	if err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if resp.Time > 0 {
		ts = time.UnixMilli(resp.Time).UTC()
	}

	return &models.Ticker{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: ts,
		Bid:       bid,
		Ask:       ask,
		BidSize:   bidSize,
		AskSize:   askSize,
		Last:      bid,
		Volume:    0,
	}, nil
}

// GetOrderbook fetches at least depth levels per side and truncates to
// exactly depth before returning.
func (r *Rest) GetOrderbook(ctx context.Context, symbol string, depth int) (*models.Orderbook, error) {
	const op = "binance.get_orderbook"

	if depth < 1 {
		return nil, models.Errorf(models.KindConfig, op, "depth must be at least 1, got %d", depth)
	}
	market, err := symbols.ToBinance(symbol)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("symbol", market)
	query.Set("limit", strconv.Itoa(r.depthLimit(depth)))
	body, err := r.doGet(ctx, op, endpointOrderbook, "/depth", query)
	if err != nil {
		return nil, err
	}

	var resp depthResp
	if err := json.Unmarshal(body, &resp); err != nil {
		r.Record(0, "malformed depth response")
		return nil, models.NewMarketError(models.KindMalformed, op, err)
	}

	ts := time.Now().UTC()
	if resp.EventTime > 0 {
		ts = time.UnixMilli(resp.EventTime).UTC()
	}

	bids, err := parseLevels(op, resp.Bids, depth)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels(op, resp.Asks, depth)
	if err != nil {
		return nil, err
	}

	return &models.Orderbook{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      bids,
		Asks:      asks,
	}, nil
}

// GetTrades returns up to limit most-recent executions. Limit is silently
// clamped to Binance's page cap.
func (r *Rest) GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	const op = "binance.get_trades"

	market, err := symbols.ToBinance(symbol)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > maxTradesPerPage {
		limit = maxTradesPerPage
	}

	query := url.Values{}
	query.Set("symbol", market)
	query.Set("limit", strconv.Itoa(limit))
	body, err := r.doGet(ctx, op, endpointTrades, "/trades", query)
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
		price, err := parsePrice(op, "price", t.Price)
		if err != nil {
			return nil, err
		}
		qty, err := parsePrice(op, "qty", t.Qty)
		if err != nil {
			return nil, err
		}
		trades = append(trades, models.Trade{
			Exchange:  Name,
			Symbol:    symbol,
			Timestamp: time.UnixMilli(t.Time).UTC(),
			Price:     price,
			Quantity:  qty,
			// When the buyer was the maker, the taker sold into the bid, so
			// the tape records a sell. Getting this backwards silently
			// corrupts downstream directional-edge calculations.
			Side: tradeSide(t.IsBuyerMaker),
		})
	}
	return trades, nil
}

func tradeSide(isBuyerMaker bool) models.TradeSide {
	if isBuyerMaker {
		return models.TradeSideSell
	}
	return models.TradeSideBuy
}

// depthLimit maps a requested depth to a limit the namespace accepts.
func (r *Rest) depthLimit(depth int) int {
	if r.marketType == MarketTypeSpot {
		if depth > maxSpotDepth {
			return maxSpotDepth
		}
		return depth
	}
	for _, limit := range futuresDepthLimits {
		if depth <= limit {
			return limit
		}
	}
	return futuresDepthLimits[len(futuresDepthLimits)-1]
}

func parsePrice(op, field, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, models.Errorf(models.KindMalformed, op, "field %s: %v", field, err)
	}
	return f, nil
}

func parseLevels(op string, raw [][]string, depth int) ([]models.OrderbookLevel, error) {
	if len(raw) > depth {
		raw = raw[:depth]
	}
	levels := make([]models.OrderbookLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			return nil, models.Errorf(models.KindMalformed, op, "level %v is not a [price, quantity] pair", pair)
		}
		price, err := parsePrice(op, "level price", pair[0])
		if err != nil {
			return nil, err
		}
		qty, err := parsePrice(op, "level quantity", pair[1])
		if err != nil {
			return nil, err
		}
		levels = append(levels, models.OrderbookLevel{Price: price, Quantity: qty})
	}
	return levels, nil
}
