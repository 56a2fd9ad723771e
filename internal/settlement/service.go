package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"go.uber.org/zap"
)

var successStatuses = map[string]struct{}{
	"":          {},
	"succeeded": {},
	"paid":      {},
	"complete":  {},
}

// Service reconciles payment events into ledger grants exactly once.
type Service struct {
	store  Store
	ledger *ledger.Service
	plans  map[string]Plan
	nowFn  func() int64
	logger *zap.Logger
}

// NewService wires a settlement Service.
func NewService(store Store, ledgerService *ledger.Service, plans []Plan, now func() int64, logger *zap.Logger) (*Service, error) {
	if store == nil || ledgerService == nil || now == nil {
		return nil, errors.New("settlement: store, ledger, and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	catalogue := make(map[string]Plan, len(plans))
	for _, plan := range plans {
		catalogue[plan.ID] = plan
	}
	return &Service{store: store, ledger: ledgerService, plans: catalogue, nowFn: now, logger: logger}, nil
}

// SettlePayment applies event at most once per dedup key.
func (service *Service) SettlePayment(ctx context.Context, event PaymentEvent) (Outcome, error) {
	if _, ok := successStatuses[strings.ToLower(strings.TrimSpace(event.Status))]; !ok {
		service.logger.Info("payment event ignored",
			zap.String("event_id", event.EventID),
			zap.String("status", event.Status))
		return OutcomeIgnored, nil
	}
	dedupKey, err := event.DedupKey()
	if err != nil {
		return "", err
	}
	accountID, err := ledger.NewAccountID(event.AccountID)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidPaymentEvent, err)
	}
	credits, tier, err := service.resolveCredits(event)
	if err != nil {
		return "", err
	}
	grantKey, err := ledger.NewIdempotencyKey(grantKeyPrefix + dedupKey)
	if err != nil {
		return "", err
	}
	metadata := ledger.MetadataFromMap(map[string]any{
		"event_id":          event.EventID,
		"session_id":        event.SessionID,
		"payment_intent_id": event.PaymentIntentID,
		"plan_id":           event.PlanID,
		"amount_paid":       event.AmountPaid,
		"currency":          event.Currency,
	})
	payment := ProcessedPayment{
		DedupKey:         dedupKey,
		EventID:          event.EventID,
		SessionID:        strings.TrimSpace(event.SessionID),
		PaymentIntentID:  strings.TrimSpace(event.PaymentIntentID),
		AccountID:        accountID.String(),
		PlanID:           event.PlanID,
		AmountPaid:       event.AmountPaid,
		Currency:         event.Currency,
		CreditsGranted:   credits.Int64(),
		ProcessedUnixUTC: service.nowFn(),
	}

	err = service.store.WithSettlementTx(ctx, func(ctx context.Context, ledgerStore ledger.Store, recorder PaymentRecorder) error {
		if err := recorder.InsertProcessedPayment(ctx, payment); err != nil {
			return err
		}
		if err := service.ledger.GrantWithin(ctx, ledgerStore, accountID, credits, grantKey, metadata); err != nil {
			return err
		}
		if tier != "" {
			return service.ledger.SetTierWithin(ctx, ledgerStore, accountID, tier)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrPaymentAlreadyProcessed), errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		service.logger.Info("payment event duplicate",
			zap.String("dedup_key", dedupKey),
			zap.String("event_id", event.EventID))
		return OutcomeDuplicate, nil
	case err != nil:
		service.logger.Error("payment settlement failed",
			zap.String("dedup_key", dedupKey),
			zap.String("account_id", accountID.String()),
			zap.Error(err))
		return "", err
	}
	service.logger.Info("payment event applied",
		zap.String("dedup_key", dedupKey),
		zap.String("account_id", accountID.String()),
		zap.Int64("credits", credits.Int64()),
		zap.String("tier", tier.String()))
	return OutcomeApplied, nil
}

func (service *Service) resolveCredits(event PaymentEvent) (ledger.Credits, ledger.Tier, error) {
	var tier ledger.Tier
	credits := event.CreditsGranted
	if event.PlanID != "" {
		plan, ok := service.plans[event.PlanID]
		switch {
		case ok:
			tier = plan.Tier
			if credits == 0 {
				credits = plan.Credits
			}
		case credits == 0:
			return 0, "", fmt.Errorf("%w: %q", ErrUnknownPlan, event.PlanID)
		}
	}
	positive, err := ledger.NewPositiveCredits(credits)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %w", ErrInvalidPaymentEvent, err)
	}
	return positive, tier, nil
}
