package binance

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
	"arbflow/symbols"
)

// Partial book depth streams push top-20 snapshots; deeper books come from
// the REST depth endpoint.
const wsDepthLevels = 20

type stream struct {
	doneC chan struct{}
	stopC chan struct{}
}

// wsTransport drives Binance partial-book depth streams through the
// go-binance SDK. Binance runs one stream per symbol, so Connect itself is
// cheap and the per-symbol streams are opened by Subscribe.
type wsTransport struct {
	marketType string
	log        *logger.Entry

	onBook func(*models.Orderbook)
	onDrop func()

	mu      sync.Mutex
	closing bool
	streams map[string]stream // canonical symbol -> stream handles
}

func (t *wsTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.closing = false
	if t.streams == nil {
		t.streams = make(map[string]stream)
	}
	t.mu.Unlock()
	return nil
}

func (t *wsTransport) Subscribe(newSymbols []string) error {
	for _, symbol := range newSymbols {
		if err := t.openStream(symbol); err != nil {
			return err
		}
	}
	return nil
}

func (t *wsTransport) openStream(symbol string) error {
	market, err := symbols.ToBinance(symbol)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if _, ok := t.streams[symbol]; ok {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	errHandler := func(err error) {
		t.log.WithError(err).WithField("symbol", symbol).Warn("websocket stream error")
	}

	var doneC, stopC chan struct{}
	switch t.marketType {
	case MarketTypeFutures:
		doneC, stopC, err = futures.WsPartialDepthServe(market, wsDepthLevels, func(event *futures.WsDepthEvent) {
			t.handleFuturesDepth(symbol, event)
		}, errHandler)
	default:
		doneC, stopC, err = gobinance.WsPartialDepthServe100Ms(market, strconv.Itoa(wsDepthLevels), func(event *gobinance.WsPartialDepthEvent) {
			t.handleSpotDepth(symbol, event)
		}, errHandler)
	}
	if err != nil {
		return fmt.Errorf("failed to open depth stream for %s: %w", market, err)
	}

	t.mu.Lock()
	t.streams[symbol] = stream{doneC: doneC, stopC: stopC}
	t.mu.Unlock()

	t.log.WithFields(logger.Fields{"symbol": symbol, "market": market}).Info("depth stream opened")

	go t.watchStream(symbol, doneC)
	return nil
}

// watchStream reports an unexpected stream end so the session can run its
// reconnect loop. Deliberate closes are silent.
func (t *wsTransport) watchStream(symbol string, doneC chan struct{}) {
	<-doneC

	t.mu.Lock()
	delete(t.streams, symbol)
	closing := t.closing
	t.mu.Unlock()

	if closing {
		return
	}
	t.log.WithField("symbol", symbol).Warn("depth stream ended")
	if t.onDrop != nil {
		t.onDrop()
	}
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	streams := t.streams
	t.streams = make(map[string]stream)
	t.mu.Unlock()

	for _, s := range streams {
		close(s.stopC)
	}
	for _, s := range streams {
		<-s.doneC
	}
	return nil
}

func (t *wsTransport) handleSpotDepth(symbol string, event *gobinance.WsPartialDepthEvent) {
	ob := &models.Orderbook{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: time.Now().UTC(),
		Bids:      make([]models.OrderbookLevel, 0, len(event.Bids)),
		Asks:      make([]models.OrderbookLevel, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		level, err := sdkLevel(b.Price, b.Quantity)
		if err != nil {
			t.log.WithError(err).WithField("symbol", symbol).Debug("skipping bad bid level")
			continue
		}
		ob.Bids = append(ob.Bids, level)
	}
	for _, a := range event.Asks {
		level, err := sdkLevel(a.Price, a.Quantity)
		if err != nil {
			t.log.WithError(err).WithField("symbol", symbol).Debug("skipping bad ask level")
			continue
		}
		ob.Asks = append(ob.Asks, level)
	}
	if t.onBook != nil {
		t.onBook(ob)
	}
}

func (t *wsTransport) handleFuturesDepth(symbol string, event *futures.WsDepthEvent) {
	ts := time.Now().UTC()
	if event.Time > 0 {
		ts = time.UnixMilli(event.Time).UTC()
	}
	ob := &models.Orderbook{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: ts,
		Bids:      make([]models.OrderbookLevel, 0, len(event.Bids)),
		Asks:      make([]models.OrderbookLevel, 0, len(event.Asks)),
	}
	for _, b := range event.Bids {
		level, err := sdkLevel(b.Price, b.Quantity)
		if err != nil {
			t.log.WithError(err).WithField("symbol", symbol).Debug("skipping bad bid level")
			continue
		}
		ob.Bids = append(ob.Bids, level)
	}
	for _, a := range event.Asks {
		level, err := sdkLevel(a.Price, a.Quantity)
		if err != nil {
			t.log.WithError(err).WithField("symbol", symbol).Debug("skipping bad ask level")
			continue
		}
		ob.Asks = append(ob.Asks, level)
	}
	if t.onBook != nil {
		t.onBook(ob)
	}
}

func sdkLevel(price, qty string) (models.OrderbookLevel, error) {
	p, err := strconv.ParseFloat(price, 64)
	if err != nil {
		return models.OrderbookLevel{}, err
	}
	q, err := strconv.ParseFloat(qty, 64)
	if err != nil {
		return models.OrderbookLevel{}, err
	}
	return models.OrderbookLevel{Price: p, Quantity: q}, nil
}

// Ws is the Binance WebSocket provider: the shared session state machine
// bound to the SDK-backed transport above.
type Ws struct {
	*provider.WsSession
}

// NewWs builds a disconnected Binance WebSocket provider for the given
// market type. An unknown market type fails immediately.
func NewWs(marketType string, maxReconnectAttempts int, reconnectBackoff float64, log *logger.Log) (*Ws, error) {
	switch marketType {
	case MarketTypeSpot, MarketTypeFutures:
	default:
		return nil, models.Errorf(models.KindConfig, "binance.new_ws",
			"invalid market_type %q (want %s or %s)", marketType, MarketTypeSpot, MarketTypeFutures)
	}
	transport := &wsTransport{
		marketType: marketType,
		log:        log.WithComponent("binance_ws_transport").WithField("market_type", marketType),
	}
	session := provider.NewWsSession(Name, transport, maxReconnectAttempts, reconnectBackoff, log)
	transport.onBook = session.ApplyOrderbook
	transport.onDrop = session.HandleDrop
	return &Ws{WsSession: session}, nil
}
