package gateway

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// memoryResultCache is the single-instance ResultCache.
type memoryResultCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryEntry
}

func newMemoryResultCache(now func() time.Time) *memoryResultCache {
	return &memoryResultCache{now: now, entries: map[string]memoryEntry{}}
}

func (cache *memoryResultCache) Load(_ context.Context, key string) ([]byte, bool, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	entry, ok := cache.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !cache.now().Before(entry.expiresAt) {
		delete(cache.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (cache *memoryResultCache) Store(_ context.Context, key string, value []byte, ttl time.Duration) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	now := cache.now()
	for existing, entry := range cache.entries {
		if !now.Before(entry.expiresAt) {
			delete(cache.entries, existing)
		}
	}
	cache.entries[key] = memoryEntry{value: value, expiresAt: now.Add(ttl)}
	return nil
}

type memoryWindow struct {
	count     int64
	expiresAt time.Time
}

// memoryRateLimiter is the single-instance RateLimiter.
type memoryRateLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	windows map[string]memoryWindow
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	return &memoryRateLimiter{now: now, windows: map[string]memoryWindow{}}
}

func (limiter *memoryRateLimiter) Count(_ context.Context, key string) (int64, error) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	current, ok := limiter.windows[key]
	if !ok || !limiter.now().Before(current.expiresAt) {
		return 0, nil
	}
	return current.count, nil
}

func (limiter *memoryRateLimiter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	now := limiter.now()
	for existing, entry := range limiter.windows {
		if !now.Before(entry.expiresAt) {
			delete(limiter.windows, existing)
		}
	}
	current, ok := limiter.windows[key]
	if !ok {
		current = memoryWindow{expiresAt: now.Add(window)}
	}
	current.count++
	limiter.windows[key] = current
	return current.count, nil
}
