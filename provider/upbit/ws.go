package upbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
	"arbflow/symbols"
)

const (
	DefaultWsURL = "wss://api.upbit.com/websocket/v1"

	wsKeepAlive    = 20 * time.Second
	wsWriteTimeout = time.Second
)

type wsOrderbookMessage struct {
	Type           string          `json:"type"`
	Code           string          `json:"code"`
	Timestamp      int64           `json:"timestamp"`
	OrderbookUnits []orderbookUnit `json:"orderbook_units"`
}

// wsTransport drives the Upbit public websocket with gorilla/websocket.
// Decoded snapshots are handed to onBook; an unexpected read-loop death is
// reported through onDrop so the owning session can reconnect.
type wsTransport struct {
	url    string
	dialer *websocket.Dialer
	log    *logger.Entry

	onBook func(*models.Orderbook)
	onDrop func()

	mu      sync.Mutex
	conn    *websocket.Conn
	codes   map[string]string // market code -> canonical symbol
	closing bool
	cancel  context.CancelFunc
}

func (t *wsTransport) Connect(ctx context.Context) error {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.conn = conn
	t.closing = false
	t.cancel = cancel
	t.mu.Unlock()

	go t.pingLoop(pingCtx, conn)
	go t.readLoop(conn)
	return nil
}

// Subscribe registers orderbook streams. Upbit replaces the whole
// subscription on every request, so the full accumulated code list is sent
// each time.
func (t *wsTransport) Subscribe(newSymbols []string) error {
	t.mu.Lock()
	if t.codes == nil {
		t.codes = make(map[string]string)
	}
	for _, sym := range newSymbols {
		market, err := symbols.ToUpbit(sym)
		if err != nil {
			t.mu.Unlock()
			return err
		}
		t.codes[market] = sym
	}
	codes := make([]string, 0, len(t.codes))
	for code := range t.codes {
		codes = append(codes, code)
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return fmt.Errorf("upbit websocket not connected")
	}

	frame := []interface{}{
		map[string]string{"ticket": uuid.NewString()},
		map[string]interface{}{"type": "orderbook", "codes": codes},
		map[string]string{"format": "DEFAULT"},
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return err
	}
	t.log.WithFields(logger.Fields{"codes": codes}).Info("subscribed to orderbook streams")
	return nil
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	t.closing = true
	conn := t.conn
	cancel := t.cancel
	t.conn = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *wsTransport) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			closing := t.closing
			t.mu.Unlock()
			if !closing {
				t.log.WithError(err).Warn("websocket read loop ended")
				if t.onDrop != nil {
					t.onDrop()
				}
			}
			return
		}

		ob, err := t.decodeMessage(msg)
		if err != nil {
			t.log.WithError(err).Debug("skipping undecodable frame")
			continue
		}
		if ob != nil && t.onBook != nil {
			t.onBook(ob)
		}
	}
}

// decodeMessage converts an orderbook push frame into a normalized
// orderbook. Non-orderbook frames (status replies, pongs) yield nil.
func (t *wsTransport) decodeMessage(data []byte) (*models.Orderbook, error) {
	var msg wsOrderbookMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type != "orderbook" {
		return nil, nil
	}

	t.mu.Lock()
	symbol, ok := t.codes[msg.Code]
	t.mu.Unlock()
	if !ok {
		converted, err := symbols.FromUpbit(msg.Code)
		if err != nil {
			return nil, err
		}
		symbol = converted
	}

	ob := &models.Orderbook{
		Exchange:  Name,
		Symbol:    symbol,
		Timestamp: time.UnixMilli(msg.Timestamp).UTC(),
		Bids:      make([]models.OrderbookLevel, 0, len(msg.OrderbookUnits)),
		Asks:      make([]models.OrderbookLevel, 0, len(msg.OrderbookUnits)),
	}
	for _, u := range msg.OrderbookUnits {
		ob.Bids = append(ob.Bids, models.OrderbookLevel{Price: u.BidPrice, Quantity: u.BidSize})
		ob.Asks = append(ob.Asks, models.OrderbookLevel{Price: u.AskPrice, Quantity: u.AskSize})
	}
	return ob, nil
}

func (t *wsTransport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				t.log.WithError(err).Warn("failed to send websocket ping")
				return
			}
		}
	}
}

// Ws is the Upbit WebSocket provider: the shared session state machine bound
// to the gorilla-based transport above.
type Ws struct {
	*provider.WsSession
}

// NewWs builds a disconnected Upbit WebSocket provider.
func NewWs(wsURL string, maxReconnectAttempts int, reconnectBackoff float64, log *logger.Log) *Ws {
	if wsURL == "" {
		wsURL = DefaultWsURL
	}
	transport := &wsTransport{
		url: wsURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 5 * time.Second,
		},
		log: log.WithComponent("upbit_ws_transport"),
	}
	session := provider.NewWsSession(Name, transport, maxReconnectAttempts, reconnectBackoff, log)
	transport.onBook = session.ApplyOrderbook
	transport.onDrop = session.HandleDrop
	return &Ws{WsSession: session}
}
