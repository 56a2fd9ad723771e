package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

// Caller-facing errors. Every error returned by Generate matches exactly one of these.
var (
	ErrInvalidRequest        = errors.New("invalid request")
	ErrInsufficientCredits   = errors.New("insufficient credits")
	ErrAccountInactive       = errors.New("account inactive")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrRateLimited           = errors.New("rate limited")
	ErrTransientStorage      = errors.New("transient storage failure")
	ErrRequestInFlight       = errors.New("request already in flight")
	ErrDeadlineExceeded      = errors.New("deadline exceeded")
)

// State is the lifecycle position of a request.
type State string

const (
	StateAdmitted    State = "ADMITTED"
	StateDispatching State = "DISPATCHING"
	StateSettled     State = "SETTLED"
	StateReleased    State = "RELEASED"
	StateRejected    State = "REJECTED"
)

// Request is one generation request from a caller.
type Request struct {
	AccountID        string
	Capability       string
	Model            string
	Params           json.RawMessage
	TierOverride     string
	IdempotencyToken string
	// Deadline bounds dispatch. Zero falls back to the context deadline, if any.
	Deadline time.Time
}

// Response is the result of Generate. It is also returned, with State set, alongside most errors.
type Response struct {
	Payload          json.RawMessage `json:"payload,omitempty"`
	CreditsRemaining int64           `json:"credits_remaining"`
	CreditsCharged   int64           `json:"credits_charged"`
	Overrun          int64           `json:"overrun,omitempty"`
	ProviderID       string          `json:"provider_id,omitempty"`
	Model            string          `json:"model,omitempty"`
	State            State           `json:"state"`
}

// Ledger is the subset of the credit ledger the gateway drives.
type Ledger interface {
	Balance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error)
	Reserve(ctx context.Context, request ledger.ReserveRequest) (ledger.Reservation, error)
	Settle(ctx context.Context, reservationID ledger.ReservationID, actual ledger.Credits, costMicros int64, metadata ledger.MetadataJSON) (ledger.SettleResult, error)
	Release(ctx context.Context, reservationID ledger.ReservationID, metadata ledger.MetadataJSON) error
	Reservation(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error)
}

// Dispatcher walks a provider chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, request provider.Request) (provider.Dispatch, error)
}

// HealthReporter exposes endpoint health.
type HealthReporter interface {
	Health() []provider.EndpointHealth
}

// ResultCache keeps terminal results of idempotent requests.
type ResultCache interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RateLimiter keeps fixed-window usage counters.
type RateLimiter interface {
	// Count returns the current value of a window counter, 0 when the window has not started.
	Count(ctx context.Context, key string) (int64, error)
	// Increment adds one to a window counter and starts the window on the first hit.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// Quota is the usage of an account against the limits of its tier.
// A zero limit means the tier does not cap that window.
type Quota struct {
	AccountID         string `json:"account_id"`
	Tier              string `json:"tier"`
	Month             string `json:"month"`
	CurrentUsage      int64  `json:"current_usage"`
	MonthlyLimit      int64  `json:"monthly_limit"`
	Remaining         int64  `json:"remaining"`
	MinuteUsage       int64  `json:"minute_usage"`
	RequestsPerMinute int64  `json:"requests_per_minute"`
}
