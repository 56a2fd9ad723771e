// Package provider walks ordered AI back-end endpoints with per-endpoint circuit breakers.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrInvalidRequest        = errors.New("invalid provider request")
	ErrDeadlineExceeded      = errors.New("request deadline exceeded")
	ErrUnknownProvider       = errors.New("unknown provider")
	ErrInvalidRegistry       = errors.New("invalid provider registry")
)

// Capability names the kind of generation a request needs.
type Capability string

const (
	CapabilityText  Capability = "text"
	CapabilityImage Capability = "image"
)

// ParseCapability validates a capability name.
func ParseCapability(raw string) (Capability, error) {
	switch Capability(raw) {
	case CapabilityText, CapabilityImage:
		return Capability(raw), nil
	default:
		return "", fmt.Errorf("%w: unsupported capability %q", ErrInvalidRequest, raw)
	}
}

// Request is the vendor-neutral call forwarded to an endpoint.
type Request struct {
	Capability Capability      `json:"capability"`
	Model      string          `json:"model,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// Usage is the billable usage an endpoint reports for a successful call.
type Usage struct {
	Units       int64  `json:"units"`
	Unit        string `json:"unit"`
	PriceMicros int64  `json:"price_micros"`
}

// Result is a successful endpoint response.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Usage   Usage           `json:"usage"`
}

// Caller performs one call against one provider account.
type Caller interface {
	Call(ctx context.Context, request Request) (Result, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, request Request) (Result, error)

// Call invokes fn.
func (fn CallerFunc) Call(ctx context.Context, request Request) (Result, error) {
	return fn(ctx, request)
}

// FailureClass groups endpoint errors by how the chain reacts to them.
type FailureClass string

const (
	// FailureCapacity covers exhausted quota, explicit rate limiting, and per-call timeouts.
	FailureCapacity FailureClass = "capacity"
	// FailurePermission is a rejected credential; another account may still be provisioned.
	FailurePermission FailureClass = "permission"
	// FailureRequest means the input itself is bad; no other endpoint will do better.
	FailureRequest FailureClass = "request"
	// FailureTransient covers server errors and network failures.
	FailureTransient FailureClass = "transient"
)

// ProviderError is a classified endpoint failure.
type ProviderError struct {
	Class      FailureClass
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (providerError *ProviderError) Error() string {
	if providerError.StatusCode != 0 {
		return fmt.Sprintf("provider %s failure (status %d): %v", providerError.Class, providerError.StatusCode, providerError.Err)
	}
	return fmt.Sprintf("provider %s failure: %v", providerError.Class, providerError.Err)
}

func (providerError *ProviderError) Unwrap() error {
	return providerError.Err
}

// NewProviderError builds a classified error.
func NewProviderError(class FailureClass, statusCode int, err error) *ProviderError {
	return &ProviderError{Class: class, StatusCode: statusCode, Err: err}
}

// classify maps an endpoint error to a failure class. Unclassified errors are transient.
func classify(err error, callCtx context.Context) (FailureClass, time.Duration) {
	var providerError *ProviderError
	if errors.As(err, &providerError) {
		return providerError.Class, providerError.RetryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return FailureCapacity, 0
	}
	return FailureTransient, 0
}
