// Package cache stores the most recent ticker/orderbook snapshot per
// (exchange, symbol) in Redis with a short millisecond TTL. It is a passive
// store: callers populate it after a provider fetch and query it before one;
// it never calls a provider itself. Expiry is enforced entirely by Redis, an
// entry is either present and valid or absent.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"arbflow/logger"
	"arbflow/models"
)

const (
	dataTypeTicker    = "ticker"
	dataTypeOrderbook = "orderbook"
)

// MarketCache holds short-lived market snapshots keyed by
// {namespace}:{env}:{run_id}:market:{exchange}:{symbol}:{data_type}.
type MarketCache struct {
	rdb       redis.UniversalClient
	namespace string
	env       string
	runID     string
	ttl       time.Duration
	log       *logger.Entry
}

// NewMarketCache builds a cache with the given TTL in milliseconds.
func NewMarketCache(rdb redis.UniversalClient, namespace, env, runID string, ttlMs int, log *logger.Log) *MarketCache {
	if ttlMs <= 0 {
		ttlMs = 100
	}
	return &MarketCache{
		rdb:       rdb,
		namespace: namespace,
		env:       env,
		runID:     runID,
		ttl:       time.Duration(ttlMs) * time.Millisecond,
		log:       log.WithComponent("market_cache"),
	}
}

func (c *MarketCache) key(exchange, symbol, dataType string) string {
	return fmt.Sprintf("%s:%s:%s:market:%s:%s:%s", c.namespace, c.env, c.runID, exchange, symbol, dataType)
}

// SetTicker serializes and stores the ticker, replacing any prior value.
func (c *MarketCache) SetTicker(ctx context.Context, ticker *models.Ticker) error {
	return c.set(ctx, ticker.Exchange, ticker.Symbol, dataTypeTicker, ticker)
}

// SetOrderbook serializes and stores the orderbook, replacing any prior value.
func (c *MarketCache) SetOrderbook(ctx context.Context, ob *models.Orderbook) error {
	return c.set(ctx, ob.Exchange, ob.Symbol, dataTypeOrderbook, ob)
}

func (c *MarketCache) set(ctx context.Context, exchange, symbol, dataType string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return models.NewMarketError(models.KindMalformed, "cache.set_"+dataType, err)
	}

	key := c.key(exchange, symbol, dataType)
	if err := c.rdb.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.log.WithError(err).WithFields(logger.Fields{
			"exchange": exchange,
			"symbol":   symbol,
			"type":     dataType,
		}).Warn("failed to write cache entry")
		return models.NewMarketError(models.KindTransient, "cache.set_"+dataType, err)
	}
	return nil
}

// GetTicker returns the cached ticker, or nil when the key is absent. Absent
// covers both never-set and expired; either way the caller should fetch
// fresh data.
func (c *MarketCache) GetTicker(ctx context.Context, exchange, symbol string) (*models.Ticker, error) {
	payload, err := c.get(ctx, exchange, symbol, dataTypeTicker)
	if err != nil || payload == nil {
		return nil, err
	}

	var ticker models.Ticker
	if err := json.Unmarshal(payload, &ticker); err != nil {
		return nil, models.NewMarketError(models.KindMalformed, "cache.get_ticker", err)
	}
	ticker.Exchange = exchange
	ticker.Symbol = symbol
	return &ticker, nil
}

// GetOrderbook returns the cached orderbook, or nil when the key is absent.
func (c *MarketCache) GetOrderbook(ctx context.Context, exchange, symbol string) (*models.Orderbook, error) {
	payload, err := c.get(ctx, exchange, symbol, dataTypeOrderbook)
	if err != nil || payload == nil {
		return nil, err
	}

	var ob models.Orderbook
	if err := json.Unmarshal(payload, &ob); err != nil {
		return nil, models.NewMarketError(models.KindMalformed, "cache.get_orderbook", err)
	}
	ob.Exchange = exchange
	ob.Symbol = symbol
	return &ob, nil
}

func (c *MarketCache) get(ctx context.Context, exchange, symbol, dataType string) ([]byte, error) {
	payload, err := c.rdb.Get(ctx, c.key(exchange, symbol, dataType)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, models.NewMarketError(models.KindTransient, "cache.get_"+dataType, err)
	}
	return payload, nil
}

// TTL exposes the configured expiry, mainly for logging and tests.
func (c *MarketCache) TTL() time.Duration {
	return c.ttl
}
