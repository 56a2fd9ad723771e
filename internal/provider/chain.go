package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Attempt records what happened at one endpoint during a dispatch.
type Attempt struct {
	ProviderID string
	Skipped    bool
	Class      FailureClass
	Err        error
	Duration   time.Duration
}

// Dispatch is the outcome of a chain walk.
type Dispatch struct {
	ProviderID string
	Result     Result
	Attempts   []Attempt
}

// Chain is an ordered list of endpoints for one tier.
type Chain struct {
	registry  *Registry
	endpoints []*Endpoint
}

// ProviderIDs returns the chain order.
func (chain *Chain) ProviderIDs() []string {
	ids := make([]string, 0, len(chain.endpoints))
	for _, endpoint := range chain.endpoints {
		ids = append(ids, endpoint.id)
	}
	return ids
}

// Dispatch tries each endpoint in order and returns the first success.
// Open endpoints are skipped. A request-class failure stops the walk.
func (chain *Chain) Dispatch(ctx context.Context, request Request) (Dispatch, error) {
	var dispatch Dispatch
	for _, endpoint := range chain.endpoints {
		if err := ctx.Err(); err != nil {
			return dispatch, fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
		}
		if !chain.registry.allow(ctx, endpoint) {
			dispatch.Attempts = append(dispatch.Attempts, Attempt{ProviderID: endpoint.id, Skipped: true})
			continue
		}

		callCtx, cancel := ctx, context.CancelFunc(func() {})
		if endpoint.timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, endpoint.timeout)
		}
		started := chain.registry.now()
		result, err := endpoint.caller.Call(callCtx, request)
		cancel()
		attempt := Attempt{ProviderID: endpoint.id, Duration: chain.registry.now().Sub(started)}

		if err == nil {
			chain.registry.recordSuccess(ctx, endpoint)
			dispatch.Attempts = append(dispatch.Attempts, attempt)
			dispatch.ProviderID = endpoint.id
			dispatch.Result = result
			return dispatch, nil
		}
		attempt.Err = err
		if ctxErr := ctx.Err(); ctxErr != nil {
			// the overall deadline is not the endpoint's fault
			endpoint.breaker.AbandonTrial()
			dispatch.Attempts = append(dispatch.Attempts, attempt)
			return dispatch, fmt.Errorf("%w: %w", ErrDeadlineExceeded, ctxErr)
		}

		class, retryAfter := classify(err, callCtx)
		attempt.Class = class
		dispatch.Attempts = append(dispatch.Attempts, attempt)
		if class == FailureRequest {
			chain.registry.recordRequestError(ctx, endpoint)
			return dispatch, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		chain.registry.recordFailure(ctx, endpoint, class, retryAfter, err)
	}
	return dispatch, fmt.Errorf("%w: %s", ErrAllProvidersExhausted, summarize(dispatch.Attempts))
}

func summarize(attempts []Attempt) string {
	if len(attempts) == 0 {
		return "no endpoints"
	}
	parts := make([]string, 0, len(attempts))
	for _, attempt := range attempts {
		if attempt.Skipped {
			parts = append(parts, attempt.ProviderID+"=open")
			continue
		}
		parts = append(parts, attempt.ProviderID+"="+string(attempt.Class))
	}
	return strings.Join(parts, ", ")
}
