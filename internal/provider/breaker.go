package provider

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultFailureThreshold   = 3
	defaultCooldown           = 30 * time.Second
	defaultPermissionCooldown = 10 * time.Minute
)

// BreakerConfig tunes every endpoint breaker in a Registry.
type BreakerConfig struct {
	FailureThreshold   int
	Cooldown           time.Duration
	PermissionCooldown time.Duration
}

func (config BreakerConfig) normalized() BreakerConfig {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.PermissionCooldown <= 0 {
		config.PermissionCooldown = defaultPermissionCooldown
	}
	return config
}

// Breaker tracks the health of a single endpoint.
type Breaker struct {
	mu                  sync.Mutex
	config              BreakerConfig
	now                 func() time.Time
	state               State
	consecutiveFailures int
	openedAt            time.Time
	openUntil           time.Time
	trialInFlight       bool
}

// NewBreaker returns a closed breaker.
func NewBreaker(config BreakerConfig, now func() time.Time) *Breaker {
	if now == nil {
		now = time.Now
	}
	return &Breaker{config: config.normalized(), now: now, state: StateClosed}
}

// Allow reports whether a call may proceed. In HALF_OPEN only one trial is admitted at a time.
func (breaker *Breaker) Allow() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	switch breaker.state {
	case StateClosed:
		return true
	case StateOpen:
		if breaker.now().Before(breaker.openUntil) {
			return false
		}
		breaker.state = StateHalfOpen
		breaker.trialInFlight = true
		return true
	default:
		if breaker.trialInFlight {
			return false
		}
		breaker.trialInFlight = true
		return true
	}
}

// RecordSuccess closes the circuit and reports whether it was not already closed.
func (breaker *Breaker) RecordSuccess() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	recovered := breaker.state != StateClosed
	breaker.close()
	return recovered
}

// RecordRequestError notes that the endpoint answered but rejected the input.
// It does not count as a failure; a HALF_OPEN trial ending this way closes the circuit.
func (breaker *Breaker) RecordRequestError() bool {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	if breaker.state != StateHalfOpen {
		return false
	}
	breaker.close()
	return true
}

// RecordFailure counts a failure and returns the cooldown applied when the circuit opened, or zero.
func (breaker *Breaker) RecordFailure(class FailureClass, retryAfter time.Duration) time.Duration {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	breaker.consecutiveFailures++
	breaker.trialInFlight = false
	var cooldown time.Duration
	switch class {
	case FailurePermission:
		cooldown = breaker.config.PermissionCooldown
	case FailureCapacity:
		cooldown = breaker.config.Cooldown
	default:
		if breaker.state != StateHalfOpen && breaker.consecutiveFailures < breaker.config.FailureThreshold {
			return 0
		}
		cooldown = breaker.config.Cooldown
	}
	if retryAfter > cooldown {
		cooldown = retryAfter
	}
	now := breaker.now()
	breaker.state = StateOpen
	breaker.openedAt = now
	breaker.openUntil = now.Add(cooldown)
	return cooldown
}

// AbandonTrial frees a HALF_OPEN trial slot whose call produced no verdict.
func (breaker *Breaker) AbandonTrial() {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	breaker.trialInFlight = false
}

// Snapshot returns the current state, failure count, and opening time.
func (breaker *Breaker) Snapshot() (State, int, time.Time) {
	breaker.mu.Lock()
	defer breaker.mu.Unlock()
	state := breaker.state
	if state == StateOpen && !breaker.now().Before(breaker.openUntil) {
		state = StateHalfOpen
	}
	return state, breaker.consecutiveFailures, breaker.openedAt
}

func (breaker *Breaker) close() {
	breaker.state = StateClosed
	breaker.consecutiveFailures = 0
	breaker.trialInFlight = false
	breaker.openedAt = time.Time{}
	breaker.openUntil = time.Time{}
}
