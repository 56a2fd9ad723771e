package gateway

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"
)

// cachedOutcome is the stored form of a terminal idempotent result.
type cachedOutcome struct {
	Response Response `json:"response"`
	Error    string   `json:"error,omitempty"`
	Message  string   `json:"message,omitempty"`
}

var outcomeErrors = map[string]error{
	"all_providers_exhausted": ErrAllProvidersExhausted,
	"deadline_exceeded":       ErrDeadlineExceeded,
}

func (gateway *Gateway) loadOutcome(ctx context.Context, key string) (flightResult, bool) {
	raw, ok, err := gateway.cache.Load(ctx, key)
	if err != nil {
		gateway.logger.Warn("idempotency cache unavailable", zap.String("key", key), zap.Error(err))
		return flightResult{}, false
	}
	if !ok {
		return flightResult{}, false
	}
	var outcome cachedOutcome
	if err := json.Unmarshal(raw, &outcome); err != nil {
		gateway.logger.Warn("discarding unreadable cached outcome", zap.String("key", key), zap.Error(err))
		return flightResult{}, false
	}
	if outcome.Error == "" {
		return flightResult{response: outcome.Response}, true
	}
	sentinel, known := outcomeErrors[outcome.Error]
	if !known {
		return flightResult{}, false
	}
	return flightResult{response: outcome.Response, err: &replayedError{sentinel: sentinel, message: outcome.Message}}, true
}

// storeOutcome caches settled and released results. Rejections are not cached so the caller can retry.
func (gateway *Gateway) storeOutcome(ctx context.Context, key string, response Response, outcomeErr error) {
	outcome := cachedOutcome{Response: response}
	switch {
	case outcomeErr == nil && response.State == StateSettled:
	case response.State == StateReleased && errors.Is(outcomeErr, ErrAllProvidersExhausted):
		outcome.Error, outcome.Message = "all_providers_exhausted", outcomeErr.Error()
	case response.State == StateReleased && errors.Is(outcomeErr, ErrDeadlineExceeded):
		outcome.Error, outcome.Message = "deadline_exceeded", outcomeErr.Error()
	default:
		return
	}
	raw, err := json.Marshal(outcome)
	if err != nil {
		gateway.logger.Warn("encode cached outcome", zap.Error(err))
		return
	}
	if err := gateway.cache.Store(context.WithoutCancel(ctx), key, raw, gateway.policy.IdempotencyTTL); err != nil {
		gateway.logger.Warn("idempotency cache store failed", zap.String("key", key), zap.Error(err))
	}
}

type replayedError struct {
	sentinel error
	message  string
}

func (replayed *replayedError) Error() string {
	return replayed.message
}

func (replayed *replayedError) Unwrap() error {
	return replayed.sentinel
}
