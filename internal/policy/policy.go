// Package policy loads the tier, provider, and plan catalogue from YAML.
package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPolicy = errors.New("invalid policy")
	ErrModelRejected = errors.New("model not allowed for tier")
)

const (
	defaultCreditValueMicros = 1_000
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultProviderTimeout   = 30 * time.Second
)

// Policy is the immutable runtime configuration of tiers, providers, and plans.
type Policy struct {
	CreditValueMicros int64            `yaml:"credit_value_micros"`
	DefaultTier       string           `yaml:"default_tier"`
	IdempotencyTTL    time.Duration    `yaml:"idempotency_ttl"`
	Breaker           BreakerPolicy    `yaml:"breaker"`
	Providers         []ProviderPolicy `yaml:"providers"`
	Tiers             []TierPolicy     `yaml:"tiers"`
	Plans             []PlanPolicy     `yaml:"plans"`
}

// BreakerPolicy tunes provider circuit breakers.
type BreakerPolicy struct {
	FailureThreshold   int           `yaml:"failure_threshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
	PermissionCooldown time.Duration `yaml:"permission_cooldown"`
}

// ProviderPolicy is one provider account, listed in priority order.
type ProviderPolicy struct {
	ID        string        `yaml:"id"`
	URL       string        `yaml:"url"`
	APIKeyEnv string        `yaml:"api_key_env"`
	Timeout   time.Duration `yaml:"timeout"`
}

// TierPolicy is the admission and routing policy of one tier.
type TierPolicy struct {
	Name              string            `yaml:"name"`
	Providers         []string          `yaml:"providers"`
	MaxCost           map[string]int64  `yaml:"max_cost"`
	DefaultModel      map[string]string `yaml:"default_model"`
	AllowedModels     []string          `yaml:"allowed_models"`
	BlockedModels     []string          `yaml:"blocked_models"`
	RequestsPerMinute int               `yaml:"requests_per_minute"`
	MonthlyQuota      int               `yaml:"monthly_quota"`
	MaxPayloadBytes   int               `yaml:"max_payload_bytes"`
}

// PlanPolicy maps a purchasable plan to credits and an optional tier.
type PlanPolicy struct {
	ID      string `yaml:"id"`
	Credits int64  `yaml:"credits"`
	Tier    string `yaml:"tier"`
}

// LoadFile reads and validates a policy file.
func LoadFile(path string) (Policy, error) {
	file, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer file.Close()
	return Load(file)
}

// Load decodes YAML strictly and validates the result.
func Load(reader io.Reader) (Policy, error) {
	raw, err := io.ReadAll(reader)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var policy Policy
	if err := decoder.Decode(&policy); err != nil {
		return Policy{}, fmt.Errorf("%w: %w", ErrInvalidPolicy, err)
	}
	policy.applyDefaults()
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

func (policy *Policy) applyDefaults() {
	if policy.CreditValueMicros == 0 {
		policy.CreditValueMicros = defaultCreditValueMicros
	}
	if policy.IdempotencyTTL == 0 {
		policy.IdempotencyTTL = defaultIdempotencyTTL
	}
	policy.DefaultTier = strings.ToLower(strings.TrimSpace(policy.DefaultTier))
	for index := range policy.Providers {
		if policy.Providers[index].Timeout == 0 {
			policy.Providers[index].Timeout = defaultProviderTimeout
		}
	}
	for index := range policy.Tiers {
		policy.Tiers[index].Name = strings.ToLower(strings.TrimSpace(policy.Tiers[index].Name))
	}
	for index := range policy.Plans {
		policy.Plans[index].Tier = strings.ToLower(strings.TrimSpace(policy.Plans[index].Tier))
	}
}

// Validate checks cross references between providers, tiers, and plans.
func (policy Policy) Validate() error {
	if policy.CreditValueMicros <= 0 {
		return fmt.Errorf("%w: credit_value_micros must be positive", ErrInvalidPolicy)
	}
	if len(policy.Providers) == 0 {
		return fmt.Errorf("%w: at least one provider is required", ErrInvalidPolicy)
	}
	providers := make(map[string]struct{}, len(policy.Providers))
	for _, provider := range policy.Providers {
		if provider.ID == "" || provider.URL == "" {
			return fmt.Errorf("%w: provider needs id and url", ErrInvalidPolicy)
		}
		if _, exists := providers[provider.ID]; exists {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidPolicy, provider.ID)
		}
		providers[provider.ID] = struct{}{}
	}
	tiers := make(map[string]struct{}, len(policy.Tiers))
	for _, tier := range policy.Tiers {
		if tier.Name == "" {
			return fmt.Errorf("%w: tier needs a name", ErrInvalidPolicy)
		}
		if _, exists := tiers[tier.Name]; exists {
			return fmt.Errorf("%w: duplicate tier %q", ErrInvalidPolicy, tier.Name)
		}
		tiers[tier.Name] = struct{}{}
		if len(tier.Providers) == 0 {
			return fmt.Errorf("%w: tier %q has no providers", ErrInvalidPolicy, tier.Name)
		}
		for _, providerID := range tier.Providers {
			if _, ok := providers[providerID]; !ok {
				return fmt.Errorf("%w: tier %q references unknown provider %q", ErrInvalidPolicy, tier.Name, providerID)
			}
		}
		if len(tier.MaxCost) == 0 {
			return fmt.Errorf("%w: tier %q has no max_cost", ErrInvalidPolicy, tier.Name)
		}
		for capability, cost := range tier.MaxCost {
			if cost <= 0 {
				return fmt.Errorf("%w: tier %q max_cost for %q must be positive", ErrInvalidPolicy, tier.Name, capability)
			}
		}
		if tier.RequestsPerMinute < 0 || tier.MonthlyQuota < 0 || tier.MaxPayloadBytes < 0 {
			return fmt.Errorf("%w: tier %q limits must not be negative", ErrInvalidPolicy, tier.Name)
		}
	}
	if _, ok := tiers[policy.DefaultTier]; !ok {
		return fmt.Errorf("%w: default_tier %q is not configured", ErrInvalidPolicy, policy.DefaultTier)
	}
	plans := make(map[string]struct{}, len(policy.Plans))
	for _, plan := range policy.Plans {
		if plan.ID == "" || plan.Credits <= 0 {
			return fmt.Errorf("%w: plan needs id and positive credits", ErrInvalidPolicy)
		}
		if _, exists := plans[plan.ID]; exists {
			return fmt.Errorf("%w: duplicate plan %q", ErrInvalidPolicy, plan.ID)
		}
		plans[plan.ID] = struct{}{}
		if plan.Tier != "" {
			if _, ok := tiers[plan.Tier]; !ok {
				return fmt.Errorf("%w: plan %q references unknown tier %q", ErrInvalidPolicy, plan.ID, plan.Tier)
			}
		}
	}
	return nil
}

// Tier looks up a tier by normalized name.
func (policy Policy) Tier(name string) (TierPolicy, bool) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, tier := range policy.Tiers {
		if tier.Name == normalized {
			return tier, true
		}
	}
	return TierPolicy{}, false
}

// MaxCostFor returns the credits reserved at admission for a capability, or 0 if the tier does not offer it.
func (tier TierPolicy) MaxCostFor(capability string) int64 {
	return tier.MaxCost[capability]
}

// ResolveModel applies the default model and the allow and block lists.
func (tier TierPolicy) ResolveModel(capability string, requested string) (string, error) {
	model := strings.TrimSpace(requested)
	if model == "" {
		model = tier.DefaultModel[capability]
	}
	for _, blocked := range tier.BlockedModels {
		if blocked == model {
			return "", fmt.Errorf("%w: %q is blocked on tier %q", ErrModelRejected, model, tier.Name)
		}
	}
	if len(tier.AllowedModels) == 0 || model == "" {
		return model, nil
	}
	for _, allowed := range tier.AllowedModels {
		if allowed == model {
			return model, nil
		}
	}
	return "", fmt.Errorf("%w: %q is not in the allow-list of tier %q", ErrModelRejected, model, tier.Name)
}
