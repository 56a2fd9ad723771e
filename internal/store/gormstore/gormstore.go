package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintReservationPrimary  = "reservations_pkey"
	constraintPaymentPrimary      = "processed_payments_pkey"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectPayment           = "payment"
	errorSubjectReservation       = "reservation"
	errorSubjectTransaction       = "transaction"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeSumActive            = "sum_active"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) transaction(ctx context.Context, fn func(transactionStore *Store) error) error {
	var domainError error
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		domainError = fn(&Store{db: transaction})
		return domainError
	})
	if err != nil && domainError == nil {
		// begin or commit failed
		return wrapStoreError(errorSubjectTransaction, errorCodeUpdate, ledger.StorageError(err))
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID, tier ledger.Tier, nowUnixUTC int64) (ledger.Account, error) {
	now := unixTime(nowUnixUTC)
	candidate := Account{
		AccountID: accountID.String(),
		Tier:      tier.String(),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.StorageError(err))
	}
	var model Account
	err = store.db.WithContext(ctx).Where("account_id = ?", accountID.String()).Take(&model).Error
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, ledger.StorageError(err))
	}
	return mapAccount(model)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLock, ledger.StorageError(err))
	}
	return mapAccount(model)
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account) error {
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND version = ?", account.AccountID.String(), account.Version).
		Updates(map[string]any{
			"tier":                 account.Tier.String(),
			"credits_remaining":    account.CreditsRemaining.Int64(),
			"credits_total":        account.CreditsTotal.Int64(),
			"credits_spent":        account.CreditsSpent.Int64(),
			"lifetime_cost_micros": account.LifetimeCostMicros,
			"active":               account.Active,
			"version":              account.Version + 1,
			"updated_at":           time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.Entry) error {
	var reservationID *string
	if entryInput.ReservationID != "" {
		value := entryInput.ReservationID
		reservationID = &value
	}
	entry := LedgerEntry{
		AccountID:      entryInput.AccountID.String(),
		Type:           entryInput.Type.String(),
		Amount:         entryInput.Amount,
		ReservationID:  reservationID,
		IdempotencyKey: entryInput.IdempotencyKey.String(),
		Metadata:       datatypesJSON(entryInput.MetadataJSON.String()),
		CreatedAt:      unixTime(entryInput.CreatedUnixUTC),
	}
	err := store.db.WithContext(ctx).Create(&entry).Error
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	createdAt := unixTime(reservation.CreatedUnixUTC)
	model := Reservation{
		ReservationID: reservation.ReservationID.String(),
		AccountID:     reservation.AccountID.String(),
		Amount:        reservation.Amount.Int64(),
		Status:        reservation.Status.String(),
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	var model Reservation
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("reservation_id = ?", reservationID.String()).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
	}
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.StorageError(err))
	}
	reservation, err := mapReservation(model)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservation, nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID ledger.ReservationID, from, to ledger.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Updates(map[string]any{"status": to.String(), "updated_at": time.Now().UTC()})
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.StorageError(result.Error))
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) SumActiveReservations(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Select("coalesce(sum(amount),0) as total").
		Where("account_id = ? AND status = ?", accountID.String(), ledger.ReservationStatusActive.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActive, ledger.StorageError(err))
	}
	reserved, err := ledger.NewCredits(sum.Total)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return reserved, nil
}

func (store *Store) ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	var rows []Reservation
	err := store.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", ledger.ReservationStatusActive.String(), unixTime(createdBeforeUnixUTC)).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageError(err))
	}
	reservations := make([]ledger.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := unixTime(beforeUnixUTC)
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerEntry
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.StorageError(err))
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerEntry(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

type sqlSum struct {
	Total int64
}

func mapAccount(model Account) (ledger.Account, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := ledger.NewTier(model.Tier)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	if model.CreditsRemaining < 0 {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	return ledger.Account{
		AccountID:          accountID,
		Tier:               tier,
		CreditsRemaining:   ledger.Credits(model.CreditsRemaining),
		CreditsTotal:       ledger.Credits(model.CreditsTotal),
		CreditsSpent:       ledger.Credits(model.CreditsSpent),
		LifetimeCostMicros: model.LifetimeCostMicros,
		Active:             model.Active,
		Version:            model.Version,
		CreatedUnixUTC:     model.CreatedAt.Unix(),
	}, nil
}

func mapReservation(model Reservation) (ledger.Reservation, error) {
	accountID, err := ledger.NewAccountID(model.AccountID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	reservationID, err := ledger.NewReservationID(model.ReservationID)
	if err != nil {
		return ledger.Reservation{}, err
	}
	amount, err := ledger.NewPositiveCredits(model.Amount)
	if err != nil {
		return ledger.Reservation{}, err
	}
	status, err := ledger.ParseReservationStatus(model.Status)
	if err != nil {
		return ledger.Reservation{}, err
	}
	return ledger.Reservation{
		AccountID:      accountID,
		ReservationID:  reservationID,
		Amount:         amount,
		Status:         status,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEntry(row LedgerEntry) (ledger.Entry, error) {
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	var reservationID string
	if row.ReservationID != nil {
		reservationID = *row.ReservationID
	}
	return ledger.Entry{
		EntryID:        row.EntryID,
		AccountID:      accountID,
		Type:           entryType,
		Amount:         row.Amount,
		ReservationID:  reservationID,
		IdempotencyKey: idempotencyKey,
		MetadataJSON:   metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func unixTime(unixUTC int64) time.Time {
	if unixUTC == 0 {
		return time.Now().UTC()
	}
	return time.Unix(unixUTC, 0).UTC()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		// NOT NULL and CHECK failures share the primary constraint code; only the extended codes mean a duplicate.
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}
