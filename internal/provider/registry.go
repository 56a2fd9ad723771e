package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SharedState mirrors open circuits across gateway instances.
type SharedState interface {
	MarkOpen(ctx context.Context, providerID string, cooldown time.Duration) error
	IsOpen(ctx context.Context, providerID string) (bool, error)
	Clear(ctx context.Context, providerID string) error
}

// EndpointConfig describes one provider account.
type EndpointConfig struct {
	ID      string
	Caller  Caller
	Timeout time.Duration
}

// Endpoint is a provider account with its breaker.
type Endpoint struct {
	id       string
	priority int
	caller   Caller
	timeout  time.Duration
	breaker  *Breaker
}

// ID returns the provider id.
func (endpoint *Endpoint) ID() string {
	return endpoint.id
}

// EndpointHealth is a point-in-time view of one endpoint.
type EndpointHealth struct {
	ProviderID          string    `json:"provider_id"`
	Priority            int       `json:"priority"`
	State               State     `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSharedState mirrors open circuits into a shared store.
func WithSharedState(shared SharedState) RegistryOption {
	return func(registry *Registry) {
		registry.shared = shared
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(registry *Registry) {
		if logger != nil {
			registry.logger = logger
		}
	}
}

// WithClock overrides the breaker clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(registry *Registry) {
		if now != nil {
			registry.now = now
		}
	}
}

// Registry owns every endpoint so breaker state is shared by all tiers that route through it.
type Registry struct {
	endpoints []*Endpoint
	byID      map[string]*Endpoint
	shared    SharedState
	logger    *zap.Logger
	now       func() time.Time
}

// NewRegistry builds a registry; the slice order is the endpoint priority.
func NewRegistry(configs []EndpointConfig, breakerConfig BreakerConfig, options ...RegistryOption) (*Registry, error) {
	registry := &Registry{
		byID:   make(map[string]*Endpoint, len(configs)),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(registry)
		}
	}
	for index, config := range configs {
		id := strings.TrimSpace(config.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: endpoint %d has no id", ErrInvalidRegistry, index)
		}
		if config.Caller == nil {
			return nil, fmt.Errorf("%w: endpoint %q has no caller", ErrInvalidRegistry, id)
		}
		if _, exists := registry.byID[id]; exists {
			return nil, fmt.Errorf("%w: duplicate endpoint %q", ErrInvalidRegistry, id)
		}
		endpoint := &Endpoint{
			id:       id,
			priority: index,
			caller:   config.Caller,
			timeout:  config.Timeout,
			breaker:  NewBreaker(breakerConfig, registry.now),
		}
		registry.endpoints = append(registry.endpoints, endpoint)
		registry.byID[id] = endpoint
	}
	return registry, nil
}

// Chain returns an ordered chain over the named endpoints.
func (registry *Registry) Chain(ids []string) (*Chain, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidRegistry)
	}
	endpoints := make([]*Endpoint, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		endpoint, ok := registry.byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
		}
		if _, duplicate := seen[id]; duplicate {
			return nil, fmt.Errorf("%w: %q listed twice", ErrInvalidRegistry, id)
		}
		seen[id] = struct{}{}
		endpoints = append(endpoints, endpoint)
	}
	return &Chain{registry: registry, endpoints: endpoints}, nil
}

// Health returns every endpoint in priority order.
func (registry *Registry) Health() []EndpointHealth {
	health := make([]EndpointHealth, 0, len(registry.endpoints))
	for _, endpoint := range registry.endpoints {
		state, failures, openedAt := endpoint.breaker.Snapshot()
		health = append(health, EndpointHealth{
			ProviderID:          endpoint.id,
			Priority:            endpoint.priority,
			State:               state,
			ConsecutiveFailures: failures,
			OpenedAt:            openedAt,
		})
	}
	return health
}

func (registry *Registry) allow(ctx context.Context, endpoint *Endpoint) bool {
	if registry.shared != nil {
		open, err := registry.shared.IsOpen(ctx, endpoint.id)
		if err != nil {
			registry.logger.Warn("shared breaker lookup failed", zap.String("provider_id", endpoint.id), zap.Error(err))
		} else if open {
			return false
		}
	}
	return endpoint.breaker.Allow()
}

func (registry *Registry) recordSuccess(ctx context.Context, endpoint *Endpoint) {
	if !endpoint.breaker.RecordSuccess() {
		return
	}
	registry.logger.Info("provider circuit closed", zap.String("provider_id", endpoint.id))
	registry.clearShared(ctx, endpoint)
}

func (registry *Registry) recordRequestError(ctx context.Context, endpoint *Endpoint) {
	if !endpoint.breaker.RecordRequestError() {
		return
	}
	registry.logger.Info("provider circuit closed after trial request error", zap.String("provider_id", endpoint.id))
	registry.clearShared(ctx, endpoint)
}

func (registry *Registry) recordFailure(ctx context.Context, endpoint *Endpoint, class FailureClass, retryAfter time.Duration, cause error) {
	cooldown := endpoint.breaker.RecordFailure(class, retryAfter)
	fields := []zap.Field{
		zap.String("provider_id", endpoint.id),
		zap.String("class", string(class)),
		zap.Error(cause),
	}
	if class == FailurePermission {
		registry.logger.Error("provider rejected credentials", fields...)
	} else {
		registry.logger.Warn("provider call failed", fields...)
	}
	if cooldown == 0 {
		return
	}
	registry.logger.Warn("provider circuit opened", zap.String("provider_id", endpoint.id), zap.Duration("cooldown", cooldown))
	if registry.shared != nil {
		if err := registry.shared.MarkOpen(ctx, endpoint.id, cooldown); err != nil {
			registry.logger.Warn("shared breaker update failed", zap.String("provider_id", endpoint.id), zap.Error(err))
		}
	}
}

func (registry *Registry) clearShared(ctx context.Context, endpoint *Endpoint) {
	if registry.shared == nil {
		return
	}
	if err := registry.shared.Clear(ctx, endpoint.id); err != nil {
		registry.logger.Warn("shared breaker clear failed", zap.String("provider_id", endpoint.id), zap.Error(err))
	}
}
