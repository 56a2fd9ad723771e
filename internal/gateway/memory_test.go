package gateway

import (
	"context"
	"testing"
	"time"
)

type steppingClock struct {
	current time.Time
}

func (clock *steppingClock) Now() time.Time {
	return clock.current
}

func TestMemoryResultCacheExpires(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{current: time.Unix(1_700_000_000, 0)}
	cache := newMemoryResultCache(clock.Now)
	if err := cache.Store(context.Background(), "k", []byte("v"), time.Minute); err != nil {
		test.Fatalf("store: %v", err)
	}
	value, ok, err := cache.Load(context.Background(), "k")
	if err != nil || !ok || string(value) != "v" {
		test.Fatalf("expected cached value, got %q %v %v", value, ok, err)
	}
	clock.current = clock.current.Add(time.Minute)
	if _, ok, _ := cache.Load(context.Background(), "k"); ok {
		test.Fatalf("expected entry to expire")
	}
}

func TestMemoryRateLimiterWindow(test *testing.T) {
	test.Parallel()
	clock := &steppingClock{current: time.Unix(1_700_000_000, 0)}
	limiter := newMemoryRateLimiter(clock.Now)
	ctx := context.Background()
	if count, _ := limiter.Count(ctx, "k"); count != 0 {
		test.Fatalf("expected empty window, got %d", count)
	}
	for attempt := int64(1); attempt <= 3; attempt++ {
		count, err := limiter.Increment(ctx, "k", time.Minute)
		if err != nil || count != attempt {
			test.Fatalf("expected count %d, got %d (%v)", attempt, count, err)
		}
	}
	if count, _ := limiter.Count(ctx, "k"); count != 3 {
		test.Fatalf("expected count 3, got %d", count)
	}
	clock.current = clock.current.Add(30 * time.Second)
	if count, _ := limiter.Increment(ctx, "k", time.Minute); count != 4 {
		test.Fatalf("expected later hits to stay in the window, got %d", count)
	}
	clock.current = clock.current.Add(30 * time.Second)
	if count, _ := limiter.Count(ctx, "k"); count != 0 {
		test.Fatalf("expected window to expire, got %d", count)
	}
	if count, _ := limiter.Increment(ctx, "k", time.Minute); count != 1 {
		test.Fatalf("expected a new window, got %d", count)
	}
}

func TestCreditsForRoundsUp(test *testing.T) {
	test.Parallel()
	service := &Gateway{}
	service.policy.CreditValueMicros = 1_000
	testCases := []struct {
		price    int64
		expected int64
	}{
		{price: 0, expected: 0},
		{price: 1, expected: 1},
		{price: 1_000, expected: 1},
		{price: 1_001, expected: 2},
		{price: 15_000, expected: 15},
	}
	for _, testCase := range testCases {
		if got := service.creditsFor(testCase.price).Int64(); got != testCase.expected {
			test.Fatalf("price %d: expected %d, got %d", testCase.price, testCase.expected, got)
		}
	}
}
