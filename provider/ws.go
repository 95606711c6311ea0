package provider

import (
	"context"
	"math"
	"sync"
	"time"

	"arbflow/logger"
	"arbflow/models"
)

// WsTransport is the abstract streaming transport a WsSession drives. The
// reconnect state machine is written against this interface, not a specific
// websocket library; implementations deliver decoded orderbook snapshots
// back through WsSession.ApplyOrderbook and report read-loop death through
// WsSession.HandleDrop.
type WsTransport interface {
	Connect(ctx context.Context) error
	Subscribe(symbols []string) error
	Close() error
}

// WsSession owns the connection state shared by all WebSocket providers:
// the connected flag, the reconnect attempt counter, the subscribed symbol
// set and the per-symbol latest orderbook snapshots. Mutation is exclusive
// to the session; readers get the most recently applied snapshot.
type WsSession struct {
	name      string
	transport WsTransport
	log       *logger.Entry

	maxReconnectAttempts int
	reconnectBackoff     float64

	mu             sync.RWMutex
	connected      bool
	closing        bool
	reconnectCount int
	subscribed     []string
	books          map[string]*models.Orderbook
	runCtx         context.Context
}

// NewWsSession builds a disconnected session around the given transport.
func NewWsSession(name string, transport WsTransport, maxReconnectAttempts int, reconnectBackoff float64, log *logger.Log) *WsSession {
	if maxReconnectAttempts <= 0 {
		maxReconnectAttempts = 3
	}
	if reconnectBackoff <= 1 {
		reconnectBackoff = 2.0
	}
	return &WsSession{
		name:                 name,
		transport:            transport,
		log:                  log.WithComponent(name + "_ws"),
		maxReconnectAttempts: maxReconnectAttempts,
		reconnectBackoff:     reconnectBackoff,
		books:                make(map[string]*models.Orderbook),
	}
}

// Name identifies the exchange this session streams from.
func (s *WsSession) Name() string { return s.name }

// Connect establishes the stream. On success the connected flag is set, the
// reconnect counter resets to zero and any symbols subscribed while
// disconnected are registered on the fresh connection.
func (s *WsSession) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return models.NewMarketError(models.KindTransient, s.name+".ws_connect", err)
	}

	s.mu.Lock()
	s.closing = false
	s.runCtx = ctx
	pending := append([]string(nil), s.subscribed...)
	s.mu.Unlock()

	if len(pending) > 0 {
		if err := s.transport.Subscribe(pending); err != nil {
			// Without its subscriptions the connection is useless; treat
			// this as a failed connect so the reconnect loop retries it.
			// The attempt counter deliberately stays untouched here.
			if closeErr := s.transport.Close(); closeErr != nil {
				s.log.WithError(closeErr).Debug("error closing transport after failed subscribe")
			}
			return models.NewMarketError(models.KindTransient, s.name+".ws_connect", err)
		}
	}

	s.mu.Lock()
	s.connected = true
	s.reconnectCount = 0
	s.mu.Unlock()

	s.log.Info("websocket connected")
	return nil
}

// Disconnect tears the stream down. Calling it on an already disconnected
// session is not an error.
func (s *WsSession) Disconnect() error {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.closing = true
	s.mu.Unlock()

	if !wasConnected {
		return nil
	}
	if err := s.transport.Close(); err != nil {
		s.log.WithError(err).Warn("error closing websocket transport")
	}
	s.log.Info("websocket disconnected")
	return nil
}

// Subscribe registers interest in symbols. When called before Connect the
// symbols are queued and registered once the stream is up.
func (s *WsSession) Subscribe(symbols []string) error {
	s.mu.Lock()
	seen := make(map[string]struct{}, len(s.subscribed))
	for _, sym := range s.subscribed {
		seen[sym] = struct{}{}
	}
	added := make([]string, 0, len(symbols))
	for _, sym := range symbols {
		if _, ok := seen[sym]; !ok {
			s.subscribed = append(s.subscribed, sym)
			added = append(added, sym)
		}
	}
	connected := s.connected
	s.mu.Unlock()

	if !connected || len(added) == 0 {
		return nil
	}
	if err := s.transport.Subscribe(added); err != nil {
		return models.NewMarketError(models.KindTransient, s.name+".ws_subscribe", err)
	}
	return nil
}

// LatestOrderbook returns the last received snapshot for the symbol, or nil
// when none has arrived yet. The returned value is never mutated afterwards.
func (s *WsSession) LatestOrderbook(symbol string) *models.Orderbook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.books[symbol]
}

// HealthCheck reports the connected flag. It does not probe the transport.
func (s *WsSession) HealthCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ReconnectCount exposes the current attempt counter for monitoring.
func (s *WsSession) ReconnectCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reconnectCount
}

// ApplyOrderbook stores a freshly decoded snapshot, overwriting the previous
// one for that symbol. Transports call this from their read loops; delivery
// order is the exchange's delivery order.
func (s *WsSession) ApplyOrderbook(ob *models.Orderbook) {
	s.mu.Lock()
	s.books[ob.Symbol] = ob
	s.mu.Unlock()
}

// HandleDrop is invoked by the transport when the stream dies unexpectedly.
// It flips the session to disconnected and runs the bounded reconnect loop.
// Drops observed during an explicit Disconnect are ignored.
func (s *WsSession) HandleDrop() {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.connected = false
	ctx := s.runCtx
	s.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	s.log.Warn("websocket connection dropped")
	if !s.Reconnect(ctx) {
		s.log.Error("websocket reconnect attempts exhausted; manual reconnect required")
	}
}

// Reconnect retries Connect with exponential backoff (backoff^attempt
// seconds) until it succeeds or maxReconnectAttempts is reached. The hard
// stop exists so an exchange outage cannot turn into a retry storm that
// triggers IP-level rate limiting. Exhaustion is reported as false, not an
// error: callers are expected to fall back to REST polling rather than
// crash.
func (s *WsSession) Reconnect(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.reconnectCount >= s.maxReconnectAttempts {
			count := s.reconnectCount
			s.mu.Unlock()
			s.log.WithFields(logger.Fields{"attempts": count}).Warn("max reconnect attempts reached")
			return false
		}
		s.reconnectCount++
		attempt := s.reconnectCount
		s.mu.Unlock()

		delay := time.Duration(math.Pow(s.reconnectBackoff, float64(attempt)) * float64(time.Second))
		s.log.WithFields(logger.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("reconnecting websocket")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}

		err := s.Connect(ctx)
		if err == nil {
			// Connect's postcondition already reset the counter.
			return true
		}
		s.log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
	}
}
