// Package ratelimit bounds the call rate against each (exchange, endpoint)
// pair. The 1-second sliding window is approximated by a fixed-window Redis
// counter that expires one second after its first increment.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"arbflow/logger"
	"arbflow/models"
)

const windowMs = 1000

// Only the call that transitions the counter 0->1 may set the expiry.
// Resetting it on later increments would let the window slide forward under
// continuous traffic and the counter would never reset.
var incrWindow = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// Limiter counts calls per (exchange, endpoint) in a shared Redis store.
// Multiple processes can share one counter safely; atomicity comes from the
// store, not from in-process locking.
type Limiter struct {
	rdb       redis.UniversalClient
	namespace string
	env       string
	runID     string
	defaults  int
	budgets   map[string]map[string]int
	log       *logger.Entry
}

// NewLimiter builds a limiter. Budgets maps exchange -> endpoint -> calls
// per second; pairs not present fall back to defaultPerSecond.
func NewLimiter(rdb redis.UniversalClient, namespace, env, runID string, defaultPerSecond int, budgets map[string]map[string]int, log *logger.Log) *Limiter {
	if defaultPerSecond <= 0 {
		defaultPerSecond = 30
	}
	return &Limiter{
		rdb:       rdb,
		namespace: namespace,
		env:       env,
		runID:     runID,
		defaults:  defaultPerSecond,
		budgets:   budgets,
		log:       log.WithComponent("rate_limiter"),
	}
}

func (l *Limiter) key(exchange, endpoint string) string {
	return fmt.Sprintf("%s:%s:%s:ratelimit:%s:%s", l.namespace, l.env, l.runID, exchange, endpoint)
}

// LimitFor returns the configured budget for the pair, or the conservative
// default when the pair is not configured.
func (l *Limiter) LimitFor(exchange, endpoint string) int {
	exchange = strings.ToLower(exchange)
	if endpoints, ok := l.budgets[exchange]; ok {
		if limit, ok := endpoints[strings.ToLower(endpoint)]; ok && limit > 0 {
			return limit
		}
	}
	return l.defaults
}

// Check increments the window counter and reports whether the call is within
// budget. Denied calls are counted too: they still put pressure on the
// exchange, and the counter is meant to reflect actual attempt volume.
func (l *Limiter) Check(ctx context.Context, exchange, endpoint string) (bool, error) {
	count, err := incrWindow.Run(ctx, l.rdb, []string{l.key(exchange, endpoint)}, windowMs).Int64()
	if err != nil {
		return false, models.NewMarketError(models.KindTransient, "ratelimit.check", err)
	}

	limit := int64(l.LimitFor(exchange, endpoint))
	if count > limit {
		l.log.WithFields(logger.Fields{
			"exchange": exchange,
			"endpoint": endpoint,
			"count":    count,
			"limit":    limit,
		}).Debug("rate limit window exhausted")
		return false, nil
	}
	return true, nil
}

// GetCurrentCount reads the counter for the current window without consuming
// a slot. Returns 0 when no window is open.
func (l *Limiter) GetCurrentCount(ctx context.Context, exchange, endpoint string) (int64, error) {
	count, err := l.rdb.Get(ctx, l.key(exchange, endpoint)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, models.NewMarketError(models.KindTransient, "ratelimit.get_current_count", err)
	}
	return count, nil
}

// Window exposes the counting window length, for callers that pace retries.
func (l *Limiter) Window() time.Duration {
	return windowMs * time.Millisecond
}
