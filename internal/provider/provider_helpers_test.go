package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(duration time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(duration)
}

type scriptedCaller struct {
	calls atomic.Int64
	fn    func(ctx context.Context, request Request) (Result, error)
}

func (caller *scriptedCaller) Call(ctx context.Context, request Request) (Result, error) {
	caller.calls.Add(1)
	return caller.fn(ctx, request)
}

func succeeding(priceMicros int64) *scriptedCaller {
	return &scriptedCaller{fn: func(context.Context, Request) (Result, error) {
		return Result{Payload: []byte(`{"text":"ok"}`), Usage: Usage{Units: 10, Unit: "tokens", PriceMicros: priceMicros}}, nil
	}}
}

func failing(class FailureClass) *scriptedCaller {
	return &scriptedCaller{fn: func(context.Context, Request) (Result, error) {
		return Result{}, NewProviderError(class, 0, errors.New(string(class)))
	}}
}

func blocking() *scriptedCaller {
	return &scriptedCaller{fn: func(ctx context.Context, _ Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
}

type memoryShared struct {
	mu   sync.Mutex
	open map[string]time.Duration
}

func newMemoryShared() *memoryShared {
	return &memoryShared{open: map[string]time.Duration{}}
}

func (shared *memoryShared) MarkOpen(_ context.Context, providerID string, cooldown time.Duration) error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	shared.open[providerID] = cooldown
	return nil
}

func (shared *memoryShared) IsOpen(_ context.Context, providerID string) (bool, error) {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	_, open := shared.open[providerID]
	return open, nil
}

func (shared *memoryShared) Clear(_ context.Context, providerID string) error {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	delete(shared.open, providerID)
	return nil
}

func mustRegistry(test *testing.T, configs []EndpointConfig, options ...RegistryOption) *Registry {
	test.Helper()
	registry, err := NewRegistry(configs, BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, PermissionCooldown: 10 * time.Minute}, options...)
	if err != nil {
		test.Fatalf("new registry: %v", err)
	}
	return registry
}

func mustChain(test *testing.T, registry *Registry, ids ...string) *Chain {
	test.Helper()
	chain, err := registry.Chain(ids)
	if err != nil {
		test.Fatalf("chain: %v", err)
	}
	return chain
}

func healthOf(test *testing.T, registry *Registry, providerID string) EndpointHealth {
	test.Helper()
	for _, health := range registry.Health() {
		if health.ProviderID == providerID {
			return health
		}
	}
	test.Fatalf("provider %s not in registry", providerID)
	return EndpointHealth{}
}

var textRequest = Request{Capability: CapabilityText, Model: "small"}
