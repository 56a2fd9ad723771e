// Package gateway admits, dispatches, and bills AI generation requests against the credit ledger.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MarkoPoloResearchLab/creditgate/internal/policy"
	"github.com/MarkoPoloResearchLab/creditgate/internal/provider"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const (
	monthlyWindow    = 31 * 24 * time.Hour
	rateLimitWindow  = time.Minute
	monthLayout      = "2006-01"
	releaseReasonKey = "reason"
	// maxTokenAttempts bounds how often one idempotency token is dispatched again after released attempts.
	maxTokenAttempts = 16
)

var reservationNamespace = uuid.MustParse("5b0c2f52-6f3e-4d9a-9a53-3c7c0f9e2a61")

// Config wires a Gateway.
type Config struct {
	Policy policy.Policy
	Ledger Ledger
	// Chains maps tier name to its provider chain.
	Chains  map[string]Dispatcher
	Health  HealthReporter
	Cache   ResultCache
	Limiter RateLimiter
	Logger  *zap.Logger
	Now     func() time.Time
	// MaxDispatch caps the dispatch of requests without an earlier deadline. Zero means no cap.
	MaxDispatch time.Duration
}

// Gateway is the request pipeline: validate, route, admit, dispatch, settle.
type Gateway struct {
	policy      policy.Policy
	ledger      Ledger
	chains      map[string]Dispatcher
	health      HealthReporter
	cache       ResultCache
	limiter     RateLimiter
	logger      *zap.Logger
	now         func() time.Time
	maxDispatch time.Duration
	inflight    singleflight.Group
}

// New validates the configuration and fills in single-instance defaults.
func New(config Config) (*Gateway, error) {
	if config.Ledger == nil {
		return nil, errors.New("gateway: ledger is required")
	}
	if config.Policy.CreditValueMicros <= 0 {
		return nil, errors.New("gateway: credit value must be positive")
	}
	for _, tier := range config.Policy.Tiers {
		if _, ok := config.Chains[tier.Name]; !ok {
			return nil, fmt.Errorf("gateway: no provider chain for tier %q", tier.Name)
		}
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cache := config.Cache
	if cache == nil {
		cache = newMemoryResultCache(now)
	}
	limiter := config.Limiter
	if limiter == nil {
		limiter = newMemoryRateLimiter(now)
	}
	return &Gateway{
		policy:      config.Policy,
		ledger:      config.Ledger,
		chains:      config.Chains,
		health:      config.Health,
		cache:       cache,
		limiter:     limiter,
		logger:      logger,
		now:         now,
		maxDispatch: config.MaxDispatch,
	}, nil
}

type admission struct {
	accountID  ledger.AccountID
	tier       policy.TierPolicy
	capability provider.Capability
	model      string
	maxCost    ledger.Credits
}

// Generate runs one request through the whole pipeline. A request carrying an idempotency token
// is answered from the result cache or the ledger before any admission check.
func (gateway *Gateway) Generate(ctx context.Context, request Request) (Response, error) {
	accountID, err := ledger.NewAccountID(request.AccountID)
	if err != nil {
		return Response{State: StateRejected}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	token := strings.TrimSpace(request.IdempotencyToken)
	if token == "" {
		return gateway.admitAndExecute(ctx, request, accountID, ledger.ReservationID{})
	}
	key := accountID.String() + ":" + token
	if cached, ok := gateway.loadOutcome(ctx, key); ok {
		return cached.response, cached.err
	}
	value, _, _ := gateway.inflight.Do(key, func() (any, error) {
		if cached, ok := gateway.loadOutcome(ctx, key); ok {
			return cached, nil
		}
		result := gateway.generateOnce(ctx, request, accountID, key)
		gateway.storeOutcome(ctx, key, result.response, result.err)
		return result, nil
	})
	result := value.(flightResult)
	return result.response, result.err
}

func (gateway *Gateway) generateOnce(ctx context.Context, request Request, accountID ledger.AccountID, key string) flightResult {
	reservationID, answered, done := gateway.nextAttempt(ctx, accountID, key)
	if done {
		return answered
	}
	response, err := gateway.admitAndExecute(ctx, request, accountID, reservationID)
	return flightResult{response: response, err: err}
}

// nextAttempt walks the reservations of a token in attempt order. A released attempt charged nothing,
// so the token moves on to the next attempt id. A settled attempt is answered from the ledger and an
// active one is still in flight.
func (gateway *Gateway) nextAttempt(ctx context.Context, accountID ledger.AccountID, key string) (ledger.ReservationID, flightResult, bool) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		reservationID, err := attemptReservationID(key, attempt)
		if err != nil {
			return ledger.ReservationID{}, flightResult{response: Response{State: StateRejected}, err: fmt.Errorf("%w: %v", ErrInvalidRequest, err)}, true
		}
		reservation, err := gateway.ledger.Reservation(ctx, reservationID)
		if errors.Is(err, ledger.ErrUnknownReservation) {
			return reservationID, flightResult{}, false
		}
		if err != nil {
			return ledger.ReservationID{}, flightResult{response: Response{State: StateRejected}, err: mapLedgerError(err)}, true
		}
		switch reservation.Status {
		case ledger.ReservationStatusReleased:
			continue
		case ledger.ReservationStatusSettled:
			return ledger.ReservationID{}, gateway.settledAnswer(ctx, accountID), true
		default:
			return ledger.ReservationID{}, flightResult{
				response: Response{State: StateDispatching},
				err:      fmt.Errorf("%w: reservation %s", ErrRequestInFlight, reservationID.String()),
			}, true
		}
	}
	return ledger.ReservationID{}, flightResult{
		response: Response{State: StateRejected},
		err:      fmt.Errorf("%w: idempotency token used for %d attempts", ErrInvalidRequest, maxTokenAttempts),
	}, true
}

// settledAnswer reports a token that settled after its cached result expired. The payload is gone by then.
func (gateway *Gateway) settledAnswer(ctx context.Context, accountID ledger.AccountID) flightResult {
	balance, err := gateway.ledger.Balance(ctx, accountID)
	if err != nil {
		return flightResult{response: Response{State: StateSettled}, err: mapLedgerError(err)}
	}
	return flightResult{response: Response{State: StateSettled, CreditsRemaining: balance.CreditsRemaining.Int64()}}
}

func attemptReservationID(key string, attempt int) (ledger.ReservationID, error) {
	name := key
	if attempt > 0 {
		name = fmt.Sprintf("%s#%d", key, attempt)
	}
	return ledger.NewReservationID(uuid.NewSHA1(reservationNamespace, []byte(name)).String())
}

func (gateway *Gateway) admitAndExecute(ctx context.Context, request Request, accountID ledger.AccountID, reservationID ledger.ReservationID) (Response, error) {
	admitted, err := gateway.admit(ctx, accountID, request)
	if err != nil {
		return Response{State: StateRejected}, err
	}
	return gateway.execute(ctx, request, admitted, reservationID)
}

type flightResult struct {
	response Response
	err      error
}

// Balance returns the balance of an account, creating it lazily.
func (gateway *Gateway) Balance(ctx context.Context, rawAccountID string) (ledger.Balance, error) {
	accountID, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	balance, err := gateway.ledger.Balance(ctx, accountID)
	if err != nil {
		return ledger.Balance{}, mapLedgerError(err)
	}
	return balance, nil
}

// EndpointHealth reports every provider endpoint in priority order.
func (gateway *Gateway) EndpointHealth() []provider.EndpointHealth {
	if gateway.health == nil {
		return nil
	}
	return gateway.health.Health()
}

// Quota reports the settled usage of an account in the current minute and month.
func (gateway *Gateway) Quota(ctx context.Context, rawAccountID string) (Quota, error) {
	accountID, err := ledger.NewAccountID(rawAccountID)
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	tier, err := gateway.resolveTier(ctx, accountID, "")
	if err != nil {
		return Quota{}, err
	}
	now := gateway.now().UTC()
	monthly, err := gateway.limiter.Count(ctx, monthKey(accountID, now))
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	minute, err := gateway.limiter.Count(ctx, minuteKey(accountID, now))
	if err != nil {
		return Quota{}, fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	quota := Quota{
		AccountID:         accountID.String(),
		Tier:              tier.Name,
		Month:             now.Format(monthLayout),
		CurrentUsage:      monthly,
		MonthlyLimit:      int64(tier.MonthlyQuota),
		MinuteUsage:       minute,
		RequestsPerMinute: int64(tier.RequestsPerMinute),
	}
	if quota.MonthlyLimit > 0 {
		quota.Remaining = max(quota.MonthlyLimit-monthly, 0)
	}
	return quota, nil
}

// AllowedModels lists the allow-list of every tier.
func (gateway *Gateway) AllowedModels() map[string][]string {
	models := make(map[string][]string, len(gateway.policy.Tiers))
	for _, tier := range gateway.policy.Tiers {
		models[tier.Name] = append([]string(nil), tier.AllowedModels...)
	}
	return models
}

func (gateway *Gateway) admit(ctx context.Context, accountID ledger.AccountID, request Request) (admission, error) {
	capability, err := provider.ParseCapability(strings.ToLower(strings.TrimSpace(request.Capability)))
	if err != nil {
		return admission{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if len(request.Params) > 0 && !json.Valid(request.Params) {
		return admission{}, fmt.Errorf("%w: params must be valid json", ErrInvalidRequest)
	}
	tier, err := gateway.resolveTier(ctx, accountID, request.TierOverride)
	if err != nil {
		return admission{}, err
	}
	if tier.MaxPayloadBytes > 0 && len(request.Params) > tier.MaxPayloadBytes {
		return admission{}, fmt.Errorf("%w: params exceed %d bytes on tier %q", ErrInvalidRequest, tier.MaxPayloadBytes, tier.Name)
	}
	maxCost := tier.MaxCostFor(string(capability))
	if maxCost <= 0 {
		return admission{}, fmt.Errorf("%w: capability %q is not offered on tier %q", ErrInvalidRequest, capability, tier.Name)
	}
	model, err := tier.ResolveModel(string(capability), request.Model)
	if err != nil {
		return admission{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if err := gateway.checkRateLimits(ctx, accountID, tier); err != nil {
		return admission{}, err
	}
	return admission{
		accountID:  accountID,
		tier:       tier,
		capability: capability,
		model:      model,
		maxCost:    ledger.Credits(maxCost),
	}, nil
}

func (gateway *Gateway) resolveTier(ctx context.Context, accountID ledger.AccountID, override string) (policy.TierPolicy, error) {
	if strings.TrimSpace(override) != "" {
		tier, ok := gateway.policy.Tier(override)
		if !ok {
			return policy.TierPolicy{}, fmt.Errorf("%w: unknown tier %q", ErrInvalidRequest, override)
		}
		return tier, nil
	}
	balance, err := gateway.ledger.Balance(ctx, accountID)
	if err != nil {
		return policy.TierPolicy{}, mapLedgerError(err)
	}
	if tier, ok := gateway.policy.Tier(balance.Tier.String()); ok {
		return tier, nil
	}
	gateway.logger.Warn("account tier not in policy, using default",
		zap.String("account_id", accountID.String()),
		zap.String("tier", balance.Tier.String()),
	)
	tier, ok := gateway.policy.Tier(gateway.policy.DefaultTier)
	if !ok {
		return policy.TierPolicy{}, fmt.Errorf("%w: default tier %q missing", ErrInvalidRequest, gateway.policy.DefaultTier)
	}
	return tier, nil
}

type usageWindow struct {
	key    string
	limit  int64
	length time.Duration
}

// usageWindows lists the counters of an account. Every window is counted; a zero limit is not enforced.
func (gateway *Gateway) usageWindows(accountID ledger.AccountID, tier policy.TierPolicy) []usageWindow {
	now := gateway.now().UTC()
	return []usageWindow{
		{key: minuteKey(accountID, now), limit: int64(tier.RequestsPerMinute), length: rateLimitWindow},
		{key: monthKey(accountID, now), limit: int64(tier.MonthlyQuota), length: monthlyWindow},
	}
}

func minuteKey(accountID ledger.AccountID, now time.Time) string {
	return fmt.Sprintf("rpm:%s:%d", accountID.String(), now.Unix()/60)
}

func monthKey(accountID ledger.AccountID, now time.Time) string {
	return fmt.Sprintf("month:%s:%s", accountID.String(), now.Format(monthLayout))
}

// checkRateLimits compares settled usage with the tier limits. It fails open when the limiter is unavailable.
func (gateway *Gateway) checkRateLimits(ctx context.Context, accountID ledger.AccountID, tier policy.TierPolicy) error {
	for _, window := range gateway.usageWindows(accountID, tier) {
		if window.limit <= 0 {
			continue
		}
		count, err := gateway.limiter.Count(ctx, window.key)
		if err != nil {
			gateway.logger.Warn("rate limiter unavailable", zap.String("key", window.key), zap.Error(err))
			continue
		}
		if count >= window.limit {
			return fmt.Errorf("%w: %s", ErrRateLimited, window.key)
		}
	}
	return nil
}

// recordUsage counts a settled request. Failed and released requests never reach it.
func (gateway *Gateway) recordUsage(ctx context.Context, logger *zap.Logger, accountID ledger.AccountID, tier policy.TierPolicy) {
	for _, window := range gateway.usageWindows(accountID, tier) {
		if _, err := gateway.limiter.Increment(ctx, window.key, window.length); err != nil {
			logger.Warn("usage not counted", zap.String("key", window.key), zap.Error(err))
		}
	}
}

func (gateway *Gateway) execute(ctx context.Context, request Request, admitted admission, reservationID ledger.ReservationID) (Response, error) {
	logger := gateway.logger.With(
		zap.String("account_id", admitted.accountID.String()),
		zap.String("tier", admitted.tier.Name),
		zap.String("capability", string(admitted.capability)),
		zap.String("model", admitted.model),
	)
	reservation, err := gateway.ledger.Reserve(ctx, ledger.ReserveRequest{
		AccountID:     admitted.accountID,
		Amount:        admitted.maxCost,
		ReservationID: reservationID,
		Metadata: ledger.MetadataFromMap(map[string]any{
			"capability": string(admitted.capability),
			"model":      admitted.model,
			"tier":       admitted.tier.Name,
		}),
	})
	if err != nil {
		logger.Info("request rejected at admission", zap.Error(err))
		return Response{State: StateRejected}, mapLedgerError(err)
	}
	logger = logger.With(zap.String("reservation_id", reservation.ReservationID.String()))
	logger.Debug("request admitted", zap.Int64("reserved", reservation.Amount.Int64()))

	dispatchCtx, cancel := gateway.dispatchContext(ctx, request.Deadline)
	defer cancel()
	chain := gateway.chains[admitted.tier.Name]
	logger.Debug("request dispatching")
	dispatch, dispatchErr := chain.Dispatch(dispatchCtx, provider.Request{
		Capability: admitted.capability,
		Model:      admitted.model,
		Params:     request.Params,
	})
	billingCtx := context.WithoutCancel(ctx)
	if dispatchErr != nil {
		return gateway.release(billingCtx, logger, reservation, dispatchErr)
	}

	usage := dispatch.Result.Usage
	actual := gateway.creditsFor(usage.PriceMicros)
	settled, err := gateway.ledger.Settle(billingCtx, reservation.ReservationID, actual, usage.PriceMicros, ledger.MetadataFromMap(map[string]any{
		"provider_id":  dispatch.ProviderID,
		"model":        admitted.model,
		"units":        usage.Units,
		"unit":         usage.Unit,
		"price_micros": usage.PriceMicros,
	}))
	if err != nil {
		logger.Error("settlement failed after successful dispatch", zap.String("provider_id", dispatch.ProviderID), zap.Error(err))
		return Response{State: StateDispatching, ProviderID: dispatch.ProviderID}, mapLedgerError(err)
	}
	gateway.recordUsage(billingCtx, logger, admitted.accountID, admitted.tier)
	if settled.Overrun > 0 {
		logger.Warn("actual cost exceeded available credits",
			zap.Int64("overrun", settled.Overrun.Int64()),
			zap.Int64("charged", settled.Charged.Int64()),
		)
	}
	logger.Info("request settled",
		zap.String("provider_id", dispatch.ProviderID),
		zap.Int64("charged", settled.Charged.Int64()),
		zap.Int64("refunded", settled.Refunded.Int64()),
	)
	return Response{
		Payload:          dispatch.Result.Payload,
		CreditsRemaining: settled.CreditsRemaining.Int64(),
		CreditsCharged:   settled.Charged.Int64(),
		Overrun:          settled.Overrun.Int64(),
		ProviderID:       dispatch.ProviderID,
		Model:            admitted.model,
		State:            StateSettled,
	}, nil
}

func (gateway *Gateway) release(ctx context.Context, logger *zap.Logger, reservation ledger.Reservation, dispatchErr error) (Response, error) {
	var (
		state     State
		mapped    error
		reasonTag string
	)
	switch {
	case errors.Is(dispatchErr, provider.ErrInvalidRequest):
		state, mapped, reasonTag = StateRejected, ErrInvalidRequest, "invalid_request"
	case errors.Is(dispatchErr, provider.ErrDeadlineExceeded):
		state, mapped, reasonTag = StateReleased, ErrDeadlineExceeded, "deadline_exceeded"
	default:
		state, mapped, reasonTag = StateReleased, ErrAllProvidersExhausted, "providers_exhausted"
	}
	err := gateway.ledger.Release(ctx, reservation.ReservationID, ledger.MetadataFromMap(map[string]any{releaseReasonKey: reasonTag}))
	if err != nil {
		logger.Error("release failed", zap.String("reason", reasonTag), zap.Error(err))
		return Response{State: StateDispatching}, mapLedgerError(err)
	}
	logger.Info("request released", zap.String("reason", reasonTag), zap.Error(dispatchErr))
	response := Response{State: state}
	if balance, err := gateway.ledger.Balance(ctx, reservation.AccountID); err == nil {
		response.CreditsRemaining = balance.CreditsRemaining.Int64()
	}
	return response, fmt.Errorf("%w: %v", mapped, dispatchErr)
}

// dispatchContext detaches dispatch from caller cancellation but keeps an explicit deadline.
// maxDispatch keeps dispatch shorter than the age at which stale holds are released.
func (gateway *Gateway) dispatchContext(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if deadline.IsZero() {
		if ctxDeadline, ok := ctx.Deadline(); ok {
			deadline = ctxDeadline
		}
	}
	if gateway.maxDispatch > 0 {
		limit := time.Now().Add(gateway.maxDispatch)
		if deadline.IsZero() || deadline.After(limit) {
			deadline = limit
		}
	}
	if deadline.IsZero() {
		return context.WithCancel(detached)
	}
	return context.WithDeadline(detached, deadline)
}

// creditsFor rounds a provider price up to whole credits.
func (gateway *Gateway) creditsFor(priceMicros int64) ledger.Credits {
	if priceMicros <= 0 {
		return 0
	}
	value := gateway.policy.CreditValueMicros
	return ledger.Credits((priceMicros + value - 1) / value)
}

func mapLedgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientCredits):
		return fmt.Errorf("%w: %v", ErrInsufficientCredits, err)
	case errors.Is(err, ledger.ErrAccountInactive):
		return fmt.Errorf("%w: %v", ErrAccountInactive, err)
	case errors.Is(err, ledger.ErrReservationExists):
		return fmt.Errorf("%w: %v", ErrRequestInFlight, err)
	case ledger.IsTransient(err):
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	case errors.Is(err, ledger.ErrInvalidAccountID),
		errors.Is(err, ledger.ErrInvalidCredits),
		errors.Is(err, ledger.ErrInvalidReservationID),
		errors.Is(err, ledger.ErrInvalidTier):
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	default:
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
}
