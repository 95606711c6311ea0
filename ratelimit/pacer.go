package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// Pacer is the blocking alternative to Limiter.Check: instead of denying a
// call that would exceed the budget, Acquire sleeps until the fixed interval
// of 1/requests_per_second has elapsed since the last granted call. The two
// strategies are never combined for one call.
type Pacer struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	defaults int
	budgets  map[string]map[string]int
}

// NewPacer builds a pacer with the same budget table as the limiter.
func NewPacer(defaultPerSecond int, budgets map[string]map[string]int) *Pacer {
	if defaultPerSecond <= 0 {
		defaultPerSecond = 30
	}
	return &Pacer{
		limiters: make(map[string]*rate.Limiter),
		defaults: defaultPerSecond,
		budgets:  budgets,
	}
}

func (p *Pacer) limiter(exchange, endpoint string) *rate.Limiter {
	key := fmt.Sprintf("%s:%s", strings.ToLower(exchange), strings.ToLower(endpoint))

	p.mu.Lock()
	defer p.mu.Unlock()
	if lim, ok := p.limiters[key]; ok {
		return lim
	}

	perSecond := p.defaults
	if endpoints, ok := p.budgets[strings.ToLower(exchange)]; ok {
		if limit, ok := endpoints[strings.ToLower(endpoint)]; ok && limit > 0 {
			perSecond = limit
		}
	}

	// Burst of 1 makes Wait behave as plain fixed-interval pacing.
	lim := rate.NewLimiter(rate.Limit(perSecond), 1)
	p.limiters[key] = lim
	return lim
}

// Acquire blocks until the caller may proceed, or until ctx is cancelled.
func (p *Pacer) Acquire(ctx context.Context, exchange, endpoint string) error {
	return p.limiter(exchange, endpoint).Wait(ctx)
}
