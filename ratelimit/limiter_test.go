package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"arbflow/logger"
)

func testLimiter(t *testing.T, budgets map[string]map[string]int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewLimiter(rdb, "v2", "test", "r1", 30, budgets, logger.NewNop()), mr
}

func TestCheckHonorsBudget(t *testing.T) {
	limiter, _ := testLimiter(t, map[string]map[string]int{
		"upbit": {"order": 8},
	})
	ctx := context.Background()

	for i := 1; i <= 8; i++ {
		allowed, err := limiter.Check(ctx, "upbit", "order")
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("call %d within budget was denied", i)
		}
	}

	allowed, err := limiter.Check(ctx, "upbit", "order")
	if err != nil {
		t.Fatalf("check over budget: %v", err)
	}
	if allowed {
		t.Fatal("call beyond budget was allowed")
	}

	// Denied calls are counted too.
	count, err := limiter.GetCurrentCount(ctx, "upbit", "order")
	if err != nil {
		t.Fatalf("get count: %v", err)
	}
	if count != 9 {
		t.Fatalf("count = %d, want 9", count)
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	limiter, mr := testLimiter(t, map[string]map[string]int{
		"binance": {"ticker": 2},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := limiter.Check(ctx, "binance", "ticker"); err != nil {
			t.Fatalf("check: %v", err)
		}
	}

	mr.FastForward(1100 * time.Millisecond)

	count, err := limiter.GetCurrentCount(ctx, "binance", "ticker")
	if err != nil {
		t.Fatalf("get count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count after expiry = %d, want 0", count)
	}

	allowed, err := limiter.Check(ctx, "binance", "ticker")
	if err != nil {
		t.Fatalf("check after expiry: %v", err)
	}
	if !allowed {
		t.Fatal("fresh window denied the first call")
	}
}

func TestExpiryOnlySetOnFirstIncrement(t *testing.T) {
	limiter, mr := testLimiter(t, nil)
	ctx := context.Background()

	if _, err := limiter.Check(ctx, "upbit", "ticker"); err != nil {
		t.Fatalf("check: %v", err)
	}

	// Later increments must not push the window forward: after 600ms + 600ms
	// of traffic the original 1s expiry has passed.
	mr.FastForward(600 * time.Millisecond)
	if _, err := limiter.Check(ctx, "upbit", "ticker"); err != nil {
		t.Fatalf("check: %v", err)
	}
	mr.FastForward(600 * time.Millisecond)

	count, err := limiter.GetCurrentCount(ctx, "upbit", "ticker")
	if err != nil {
		t.Fatalf("get count: %v", err)
	}
	if count != 0 {
		t.Fatalf("window survived past its original expiry, count = %d", count)
	}
}

func TestGetCurrentCountDoesNotConsumeSlot(t *testing.T) {
	limiter, _ := testLimiter(t, nil)
	ctx := context.Background()

	if _, err := limiter.Check(ctx, "upbit", "trades"); err != nil {
		t.Fatalf("check: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := limiter.GetCurrentCount(ctx, "upbit", "trades"); err != nil {
			t.Fatalf("get count: %v", err)
		}
	}
	count, _ := limiter.GetCurrentCount(ctx, "upbit", "trades")
	if count != 1 {
		t.Fatalf("introspection consumed slots, count = %d", count)
	}
}

func TestCounterKeyFormat(t *testing.T) {
	limiter, mr := testLimiter(t, nil)
	ctx := context.Background()

	if _, err := limiter.Check(ctx, "binance", "orderbook"); err != nil {
		t.Fatalf("check: %v", err)
	}

	want := "v2:test:r1:ratelimit:binance:orderbook"
	if !mr.Exists(want) {
		t.Fatalf("expected key %q, have %v", want, mr.Keys())
	}
}

func TestLimitForFallsBackToDefault(t *testing.T) {
	limiter, _ := testLimiter(t, map[string]map[string]int{
		"upbit": {"order": 8},
	})

	tests := []struct {
		exchange string
		endpoint string
		want     int
	}{
		{"upbit", "order", 8},
		{"UPBIT", "ORDER", 8},
		{"upbit", "unknown", 30},
		{"bitfinex", "ticker", 30},
	}
	for _, tt := range tests {
		if got := limiter.LimitFor(tt.exchange, tt.endpoint); got != tt.want {
			t.Fatalf("LimitFor(%s, %s) = %d, want %d", tt.exchange, tt.endpoint, got, tt.want)
		}
	}
}

func TestConcurrentWindowsAreIndependent(t *testing.T) {
	limiter, mr := testLimiter(t, map[string]map[string]int{
		"upbit":   {"ticker": 1},
		"binance": {"ticker": 1},
	})
	ctx := context.Background()

	for _, exchange := range []string{"upbit", "binance"} {
		allowed, err := limiter.Check(ctx, exchange, "ticker")
		if err != nil || !allowed {
			t.Fatalf("first call for %s denied: %v", exchange, err)
		}
	}
	if len(mr.Keys()) != 2 {
		t.Fatalf("expected 2 counter keys, have %v", mr.Keys())
	}
	for i, exchange := range []string{"upbit", "binance"} {
		allowed, _ := limiter.Check(ctx, exchange, "ticker")
		if allowed {
			t.Fatalf("second call %d for %s was allowed", i, exchange)
		}
	}
}

func BenchmarkCheck(b *testing.B) {
	mr := miniredis.RunT(b)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	limiter := NewLimiter(rdb, "v2", "bench", "r1", 1000000, nil, logger.NewNop())
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := limiter.Check(ctx, "upbit", fmt.Sprintf("ep%d", i%4)); err != nil {
			b.Fatal(err)
		}
	}
}
