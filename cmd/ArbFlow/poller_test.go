package main

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbflow/cache"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
)

// fakeRest returns canned snapshots, or an error for the listed data types.
type fakeRest struct {
	name    string
	ticker  *models.Ticker
	book    *models.Orderbook
	failErr error
}

func (f *fakeRest) Name() string { return f.name }

func (f *fakeRest) GetTicker(ctx context.Context, symbol string) (*models.Ticker, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.ticker, nil
}

func (f *fakeRest) GetOrderbook(ctx context.Context, symbol string, depth int) (*models.Orderbook, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	return f.book, nil
}

func (f *fakeRest) GetTrades(ctx context.Context, symbol string, limit int) ([]models.Trade, error) {
	return nil, nil
}

func (f *fakeRest) LastError() provider.LastError { return provider.LastError{} }

func testPoller(t *testing.T) *poller {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	log := logger.NewNop()
	return &poller{
		cache: cache.NewMarketCache(rdb, "v2", "test", "r1", 100, log),
		log:   log,
	}
}

func TestPollOncePopulatesCache(t *testing.T) {
	p := testPoller(t)
	ctx := context.Background()

	rest := &fakeRest{
		name: "upbit",
		ticker: &models.Ticker{
			Exchange:  "upbit",
			Symbol:    "BTC/KRW",
			Timestamp: time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
			Bid:       89000000,
			Ask:       89010000,
			Last:      89005000,
			Volume:    1234.5,
		},
		book: &models.Orderbook{
			Exchange:  "upbit",
			Symbol:    "BTC/KRW",
			Timestamp: time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC),
			Bids:      []models.OrderbookLevel{{Price: 89000000, Quantity: 0.4}},
			Asks:      []models.OrderbookLevel{{Price: 89010000, Quantity: 0.9}},
		},
	}

	p.pollOnce(ctx, p.log.WithComponent("test"), rest, "BTC/KRW")

	ticker, err := p.cache.GetTicker(ctx, "upbit", "BTC/KRW")
	require.NoError(t, err)
	require.NotNil(t, ticker)
	assert.Equal(t, rest.ticker, ticker)

	ob, err := p.cache.GetOrderbook(ctx, "upbit", "BTC/KRW")
	require.NoError(t, err)
	require.NotNil(t, ob)
	assert.Equal(t, rest.book, ob)
}

func TestPollOnceFetchFailureLeavesCacheEmpty(t *testing.T) {
	p := testPoller(t)
	ctx := context.Background()

	rest := &fakeRest{
		name:    "upbit",
		failErr: models.Errorf(models.KindRateLimited, "upbit.get_ticker", "local rate limit exhausted"),
	}

	p.pollOnce(ctx, p.log.WithComponent("test"), rest, "BTC/KRW")

	ticker, err := p.cache.GetTicker(ctx, "upbit", "BTC/KRW")
	require.NoError(t, err)
	assert.Nil(t, ticker)

	ob, err := p.cache.GetOrderbook(ctx, "upbit", "BTC/KRW")
	require.NoError(t, err)
	assert.Nil(t, ob)
}
