package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
)

// WithSettlementTx runs fn with ledger and payment access bound to one transaction.
func (store *Store) WithSettlementTx(ctx context.Context, fn func(ctx context.Context, ledgerStore ledger.Store, recorder settlement.PaymentRecorder) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore, transactionStore)
	})
}

// InsertProcessedPayment records a settled payment; the dedup key is the primary key.
func (store *Store) InsertProcessedPayment(ctx context.Context, payment settlement.ProcessedPayment) error {
	model := ProcessedPayment{
		DedupKey:        payment.DedupKey,
		EventID:         payment.EventID,
		SessionID:       payment.SessionID,
		PaymentIntentID: payment.PaymentIntentID,
		AccountID:       payment.AccountID,
		PlanID:          payment.PlanID,
		AmountPaid:      payment.AmountPaid,
		Currency:        payment.Currency,
		CreditsGranted:  payment.CreditsGranted,
		CreatedAt:       unixTime(payment.ProcessedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintPaymentPrimary) {
		return wrapStoreError(errorSubjectPayment, errorCodeDuplicate, settlement.ErrPaymentAlreadyProcessed)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, ledger.StorageError(err))
	}
	return nil
}
