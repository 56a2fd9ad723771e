package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(test *testing.T) (*Cache, *miniredis.Miniredis) {
	test.Helper()
	server := miniredis.RunT(test)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	test.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, nil), server
}

func TestBreakerMarkerExpiresWithCooldown(test *testing.T) {
	test.Parallel()
	cache, server := newTestCache(test)
	ctx := context.Background()

	if err := cache.MarkOpen(ctx, "primary", 30*time.Second); err != nil {
		test.Fatalf("mark open: %v", err)
	}
	open, err := cache.IsOpen(ctx, "primary")
	if err != nil || !open {
		test.Fatalf("expected open marker, got %v (%v)", open, err)
	}
	server.FastForward(31 * time.Second)
	open, err = cache.IsOpen(ctx, "primary")
	if err != nil || open {
		test.Fatalf("expected marker to expire, got %v (%v)", open, err)
	}
}

func TestBreakerMarkerClear(test *testing.T) {
	test.Parallel()
	cache, _ := newTestCache(test)
	ctx := context.Background()

	if err := cache.MarkOpen(ctx, "primary", time.Hour); err != nil {
		test.Fatalf("mark open: %v", err)
	}
	if err := cache.Clear(ctx, "primary"); err != nil {
		test.Fatalf("clear: %v", err)
	}
	if open, _ := cache.IsOpen(ctx, "primary"); open {
		test.Fatalf("expected marker cleared")
	}
}

func TestIncrementFixedWindow(test *testing.T) {
	test.Parallel()
	cache, server := newTestCache(test)
	ctx := context.Background()

	if count, err := cache.Count(ctx, "acct:minute"); err != nil || count != 0 {
		test.Fatalf("expected empty window, got %d (%v)", count, err)
	}
	for attempt := int64(1); attempt <= 3; attempt++ {
		count, err := cache.Increment(ctx, "acct:minute", time.Minute)
		if err != nil || count != attempt {
			test.Fatalf("expected count %d, got %d (%v)", attempt, count, err)
		}
	}
	if count, err := cache.Count(ctx, "acct:minute"); err != nil || count != 3 {
		test.Fatalf("expected count 3, got %d (%v)", count, err)
	}
	server.FastForward(time.Minute)
	if count, err := cache.Count(ctx, "acct:minute"); err != nil || count != 0 {
		test.Fatalf("expected window to expire, got %d (%v)", count, err)
	}
	if count, err := cache.Increment(ctx, "acct:minute", time.Minute); err != nil || count != 1 {
		test.Fatalf("expected a fresh window, got %d (%v)", count, err)
	}
}

func TestResultStoreRoundTrip(test *testing.T) {
	test.Parallel()
	cache, server := newTestCache(test)
	ctx := context.Background()

	if _, found, err := cache.Load(ctx, "token-1"); err != nil || found {
		test.Fatalf("expected miss, got %v (%v)", found, err)
	}
	if err := cache.Store(ctx, "token-1", []byte(`{"state":"SETTLED"}`), time.Hour); err != nil {
		test.Fatalf("store: %v", err)
	}
	value, found, err := cache.Load(ctx, "token-1")
	if err != nil || !found || string(value) != `{"state":"SETTLED"}` {
		test.Fatalf("unexpected load: %q %v (%v)", value, found, err)
	}
	server.FastForward(2 * time.Hour)
	if _, found, _ := cache.Load(ctx, "token-1"); found {
		test.Fatalf("expected stored result to expire")
	}
}
