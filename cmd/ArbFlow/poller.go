package main

import (
	"context"
	"sync"
	"time"

	"arbflow/cache"
	"arbflow/config"
	"arbflow/logger"
	"arbflow/models"
	"arbflow/provider"
	"arbflow/ratelimit"
)

const (
	pollDepth       = 10
	tradesPerSample = 100
	tradesInterval  = 30 * time.Second
	monitorInterval = 10 * time.Second
)

type poller struct {
	cfg     *config.Config
	cache   *cache.MarketCache
	limiter *ratelimit.Limiter
	pacer   *ratelimit.Pacer
	log     *logger.Log
}

// pollSymbol fetches ticker and orderbook snapshots on a fixed interval and
// writes them to the cache. Ticks are aligned to the interval boundary so
// concurrent workers sample at comparable instants.
func (p *poller) pollSymbol(ctx context.Context, wg *sync.WaitGroup, rest provider.RestProvider, symbol string) {
	defer wg.Done()

	log := p.log.WithComponent(rest.Name() + "_poller").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "market_poller",
	})
	log.Info("starting market poller")

	interval := time.Duration(p.cfg.Reader.PollIntervalMs) * time.Millisecond

	now := time.Now()
	nextTick := now.Truncate(interval).Add(interval)
	timer := time.NewTimer(nextTick.Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("poller stopped due to context cancellation")
			return
		case <-timer.C:
			start := time.Now()
			p.pollOnce(ctx, log, rest, symbol)
			duration := time.Since(start)

			if duration > interval {
				log.WithFields(logger.Fields{
					"duration": duration.Milliseconds(),
					"interval": p.cfg.Reader.PollIntervalMs,
				}).Warn("poll took longer than interval")
			}

			nextTick = start.Truncate(interval).Add(interval)
			timer.Reset(time.Until(nextTick))
		}
	}
}

func (p *poller) pollOnce(ctx context.Context, log *logger.Entry, rest provider.RestProvider, symbol string) {
	ticker, err := rest.GetTicker(ctx, symbol)
	if err != nil {
		p.reportFetchError(log, rest, "ticker", err)
	} else if cacheErr := p.cache.SetTicker(ctx, ticker); cacheErr != nil {
		log.WithError(cacheErr).Warn("failed to cache ticker")
	}

	ob, err := rest.GetOrderbook(ctx, symbol, pollDepth)
	if err != nil {
		p.reportFetchError(log, rest, "orderbook", err)
	} else if cacheErr := p.cache.SetOrderbook(ctx, ob); cacheErr != nil {
		log.WithError(cacheErr).Warn("failed to cache orderbook")
	}
}

// reportFetchError keeps the severity split from the error taxonomy: being
// rate limited is normal control flow, everything else is worth an error.
func (p *poller) reportFetchError(log *logger.Entry, rest provider.RestProvider, what string, err error) {
	switch models.KindOf(err) {
	case models.KindRateLimited:
		log.WithFields(logger.Fields{
			"data_type": what,
			"last":      rest.LastError().StatusCode,
		}).Debug("skipping fetch, rate limited")
	default:
		log.WithError(err).WithField("data_type", what).Error("fetch failed")
	}
}

// sampleTrades periodically pulls the recent trade tape, paced through the
// blocking limiter variant rather than the allow/deny one.
func (p *poller) sampleTrades(ctx context.Context, wg *sync.WaitGroup, rest provider.RestProvider, symbol string) {
	defer wg.Done()

	log := p.log.WithComponent(rest.Name() + "_poller").WithFields(logger.Fields{
		"symbol": symbol,
		"worker": "trades_sampler",
	})

	ticker := time.NewTicker(tradesInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.pacer.Acquire(ctx, rest.Name(), "trades"); err != nil {
				return
			}
			trades, err := rest.GetTrades(ctx, symbol, tradesPerSample)
			if err != nil {
				p.reportFetchError(log, rest, "trades", err)
				continue
			}
			buys := 0
			for _, t := range trades {
				if t.Side == models.TradeSideBuy {
					buys++
				}
			}
			log.WithFields(logger.Fields{
				"trades": len(trades),
				"buys":   buys,
				"sells":  len(trades) - buys,
			}).Debug("sampled trade tape")
		}
	}
}

// monitor periodically emits limiter pressure and websocket health metrics.
func (p *poller) monitor(ctx context.Context, wg *sync.WaitGroup, wsProviders []provider.WsProvider) {
	defer wg.Done()

	endpoints := []string{"ticker", "orderbook", "trades"}
	exchanges := []string{"upbit", "binance"}

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, exchange := range exchanges {
				for _, endpoint := range endpoints {
					count, err := p.limiter.GetCurrentCount(ctx, exchange, endpoint)
					if err != nil {
						continue
					}
					p.log.LogMetric("rate_limiter", "window_count", count, "gauge", logger.Fields{
						"exchange": exchange,
						"endpoint": endpoint,
					})
				}
			}
			for _, ws := range wsProviders {
				healthy := int64(0)
				if ws.HealthCheck() {
					healthy = 1
				}
				p.log.LogMetric("websocket", "connected", healthy, "gauge", logger.Fields{
					"exchange": ws.Name(),
				})
			}
		}
	}
}
