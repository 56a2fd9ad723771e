package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

var (
	// ErrInvalidPaymentEvent is returned for events that cannot be credited.
	ErrInvalidPaymentEvent = errors.New("invalid payment event")
	// ErrPaymentAlreadyProcessed is returned by a PaymentRecorder when the dedup key is already stored.
	ErrPaymentAlreadyProcessed = errors.New("payment already processed")
	// ErrUnknownPlan is returned when an event relies on a plan that is not configured.
	ErrUnknownPlan = errors.New("unknown plan")
)

// Outcome reports what SettlePayment did with an event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

const (
	dedupKeySeparator = "|"
	grantKeyPrefix    = "payment:"
)

// PaymentEvent is a payment-provider notification. Any subset of fields may be redelivered.
type PaymentEvent struct {
	EventID         string
	SessionID       string
	PaymentIntentID string
	AccountID       string
	PlanID          string
	AmountPaid      int64
	Currency        string
	CreditsGranted  int64
	Status          string
}

// DedupKey returns the normalized (session, payment intent) pair.
func (event PaymentEvent) DedupKey() (string, error) {
	sessionID := strings.TrimSpace(event.SessionID)
	paymentIntentID := strings.TrimSpace(event.PaymentIntentID)
	if sessionID == "" && paymentIntentID == "" {
		return "", fmt.Errorf("%w: session id or payment intent id is required", ErrInvalidPaymentEvent)
	}
	return sessionID + dedupKeySeparator + paymentIntentID, nil
}

// ProcessedPayment is the persisted record that makes settlement exactly-once.
type ProcessedPayment struct {
	DedupKey         string
	EventID          string
	SessionID        string
	PaymentIntentID  string
	AccountID        string
	PlanID           string
	AmountPaid       int64
	Currency         string
	CreditsGranted   int64
	ProcessedUnixUTC int64
}

// Plan maps a purchasable plan to credits and, optionally, a tier.
type Plan struct {
	ID      string
	Credits int64
	Tier    ledger.Tier
}

// PaymentRecorder inserts processed payment rows.
type PaymentRecorder interface {
	// InsertProcessedPayment returns ErrPaymentAlreadyProcessed when the dedup key exists.
	InsertProcessedPayment(ctx context.Context, payment ProcessedPayment) error
}

// Store opens a transaction spanning the payment record and the ledger mutation.
type Store interface {
	WithSettlementTx(ctx context.Context, fn func(ctx context.Context, ledgerStore ledger.Store, recorder PaymentRecorder) error) error
}
