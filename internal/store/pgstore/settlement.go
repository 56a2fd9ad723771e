package pgstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

const sqlInsertProcessedPayment = `
	insert into processed_payments(
		dedup_key, event_id, session_id, payment_intent_id, account_id,
		plan_id, amount_paid, currency, credits_granted, created_at
	)
	values ($1, $2, $3, $4, $5, $6, $7, $8, $9, to_timestamp($10))
`

// WithSettlementTx runs fn with ledger and payment access bound to one transaction.
func (store *Store) WithSettlementTx(ctx context.Context, fn func(ctx context.Context, ledgerStore ledger.Store, recorder settlement.PaymentRecorder) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore, transactionStore)
	})
}

// InsertProcessedPayment records a settled payment keyed by its dedup key.
func (store *Store) InsertProcessedPayment(ctx context.Context, payment settlement.ProcessedPayment) error {
	_, err := store.db.Exec(ctx, sqlInsertProcessedPayment,
		payment.DedupKey,
		payment.EventID,
		payment.SessionID,
		payment.PaymentIntentID,
		payment.AccountID,
		payment.PlanID,
		payment.AmountPaid,
		payment.Currency,
		payment.CreditsGranted,
		payment.ProcessedUnixUTC,
	)
	if isUniqueViolation(err, constraintPaymentPrimary) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, settlement.ErrPaymentAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, ledger.StorageError(err))
	}
	return nil
}
