// Package provider defines the exchange-facing interfaces of the market-data
// layer. Callers depend on RestProvider/WsProvider only; the exchange
// specific implementations live in the subpackages.
package provider

import (
	"context"
	"sync"

	"arbflow/models"
)

// RestProvider is the synchronous fetch-and-normalize surface of one
// exchange. Expected failures (network, exchange errors, HTTP 429) come back
// as a nil/empty result with a models.MarketError whose kind the caller can
// branch on; only programmatic misuse (bad symbol, bad market type) carries
// models.KindConfig.
type RestProvider interface {
	Name() string
	GetTicker(ctx context.Context, symbol string) (*models.Ticker, error)
	GetOrderbook(ctx context.Context, symbol string, depth int) (*models.Orderbook, error)
	GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error)
	LastError() LastError
}

// WsProvider maintains a streaming connection for orderbook snapshots.
type WsProvider interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	Subscribe(symbols []string) error
	LatestOrderbook(symbol string) *models.Orderbook
	HealthCheck() bool
}

// LastError records the most recent failure a REST provider observed so
// callers can distinguish "exchange is rate-limiting us" from a genuine
// error without parsing logs.
type LastError struct {
	StatusCode int
	Reason     string
}

// ErrorRecorder is embedded by REST providers to keep the last-seen failure.
type ErrorRecorder struct {
	mu   sync.Mutex
	last LastError
}

// Record stores the failure as the provider's last-seen error state.
func (r *ErrorRecorder) Record(status int, reason string) {
	r.mu.Lock()
	r.last = LastError{StatusCode: status, Reason: reason}
	r.mu.Unlock()
}

// LastError returns the most recently recorded failure.
func (r *ErrorRecorder) LastError() LastError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
