package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

const (
	constraintEntryIdempotencyKey = "uniq_entry_idem"
	constraintReservationPrimary  = "reservations_pkey"
	constraintPaymentPrimary      = "processed_payments_pkey"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectBalance           = "balance"
	errorSubjectEntry             = "entry"
	errorSubjectPayment           = "payment"
	errorSubjectReservation       = "reservation"
	errorSubjectSchema            = "schema"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeLock                 = "lock"
	errorCodeLookup               = "lookup"
	errorCodeMigrate              = "migrate"
	errorCodeSumActive            = "sum_active"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"

	sqlInsertAccount = `
		insert into accounts(account_id, tier, created_at, updated_at)
		values ($1, $2, to_timestamp($3), to_timestamp($3))
		on conflict (account_id) do nothing
	`

	sqlSelectAccountColumns = `
		select account_id, tier, credits_remaining, credits_total, credits_spent,
			lifetime_cost_micros, active, version, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1
	`

	sqlSelectAccount = sqlSelectAccountColumns

	sqlLockAccount = sqlSelectAccountColumns + ` for update`

	sqlUpdateAccount = `
		update accounts
		set tier = $3, credits_remaining = $4, credits_total = $5, credits_spent = $6,
			lifetime_cost_micros = $7, active = $8, version = version + 1, updated_at = now()
		where account_id = $1 and version = $2
	`

	sqlInsertEntry = `
		insert into ledger_entries(account_id, type, amount, reservation_id, idempotency_key, metadata, created_at)
		values ($1, $2, $3, nullif($4, ''), $5, coalesce(nullif($6, ''), '{}')::jsonb, to_timestamp($7))
	`

	sqlInsertReservation = `
		insert into reservations(reservation_id, account_id, amount, status, created_at, updated_at)
		values ($1, $2, $3, $4, to_timestamp($5), to_timestamp($5))
	`

	sqlSelectReservation = `
		select reservation_id, account_id, amount, status, extract(epoch from created_at)::bigint
		from reservations
		where reservation_id = $1
		for update
	`

	sqlUpdateReservationStatus = `
		update reservations
		set status = $3, updated_at = now()
		where reservation_id = $1 and status = $2
	`

	sqlSumActiveReservations = `
		select coalesce(sum(amount), 0) from reservations
		where account_id = $1 and status = 'active'
	`

	sqlListStaleReservations = `
		select reservation_id, account_id, amount, status, extract(epoch from created_at)::bigint
		from reservations
		where status = 'active' and created_at < to_timestamp($1)
		order by created_at asc
		limit $2
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id,
			type,
			amount,
			coalesce(reservation_id, ''),
			idempotency_key,
			metadata::text,
			extract(epoch from created_at)::bigint
		from ledger_entries
		where account_id = $1 and created_at < to_timestamp($2)
		order by created_at desc
		limit $3
	`
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using pgx. A Store returned by WithTx is bound to that transaction.
type Store struct {
	pool *pgxpool.Pool
	db   querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeMigrate, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.transaction(ctx, func(transactionStore *Store) error {
		return fn(ctx, transactionStore)
	})
}

func (store *Store) transaction(ctx context.Context, fn func(transactionStore *Store) error) error {
	if store.pool == nil {
		return fn(store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, ledger.StorageError(err))
	}
	if err := fn(&Store{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) GetOrCreateAccount(ctx context.Context, accountID ledger.AccountID, tier ledger.Tier, nowUnixUTC int64) (ledger.Account, error) {
	if _, err := store.db.Exec(ctx, sqlInsertAccount, accountID.String(), tier.String(), nowUnixUTC); err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeCreate, ledger.StorageError(err))
	}
	return store.scanAccount(ctx, sqlSelectAccount, accountID, errorCodeLookup)
}

func (store *Store) LockAccount(ctx context.Context, accountID ledger.AccountID) (ledger.Account, error) {
	return store.scanAccount(ctx, sqlLockAccount, accountID, errorCodeLock)
}

func (store *Store) scanAccount(ctx context.Context, query string, accountID ledger.AccountID, code string) (ledger.Account, error) {
	var (
		accountValue string
		tierValue    string
		account      ledger.Account
		remaining    int64
		total        int64
		spent        int64
	)
	err := store.db.QueryRow(ctx, query, accountID.String()).Scan(
		&accountValue,
		&tierValue,
		&remaining,
		&total,
		&spent,
		&account.LifetimeCostMicros,
		&account.Active,
		&account.Version,
		&account.CreatedUnixUTC,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.ErrUnknownAccount)
	}
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, code, ledger.StorageError(err))
	}
	parsedAccountID, err := ledger.NewAccountID(accountValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	tier, err := ledger.NewTier(tierValue)
	if err != nil {
		return ledger.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.AccountID = parsedAccountID
	account.Tier = tier
	account.CreditsRemaining = ledger.Credits(remaining)
	account.CreditsTotal = ledger.Credits(total)
	account.CreditsSpent = ledger.Credits(spent)
	return account, nil
}

func (store *Store) UpdateAccount(ctx context.Context, account ledger.Account) error {
	tag, err := store.db.Exec(ctx, sqlUpdateAccount,
		account.AccountID.String(),
		account.Version,
		account.Tier.String(),
		account.CreditsRemaining.Int64(),
		account.CreditsTotal.Int64(),
		account.CreditsSpent.Int64(),
		account.LifetimeCostMicros,
		account.Active,
	)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.StorageError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, ledger.ErrConcurrentUpdate)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entry ledger.Entry) error {
	_, err := store.db.Exec(ctx, sqlInsertEntry,
		entry.AccountID.String(),
		entry.Type.String(),
		entry.Amount,
		entry.ReservationID,
		entry.IdempotencyKey.String(),
		entry.MetadataJSON.String(),
		entry.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintEntryIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) CreateReservation(ctx context.Context, reservation ledger.Reservation) error {
	_, err := store.db.Exec(ctx, sqlInsertReservation,
		reservation.ReservationID.String(),
		reservation.AccountID.String(),
		reservation.Amount.Int64(),
		reservation.Status.String(),
		reservation.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintReservationPrimary) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, ledger.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, ledger.StorageError(err))
	}
	return nil
}

func (store *Store) GetReservation(ctx context.Context, reservationID ledger.ReservationID) (ledger.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlSelectReservation, reservationID.String())
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.StorageError(err))
	}
	defer rows.Close()
	reservations, err := scanReservations(rows)
	if err != nil {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	if len(reservations) == 0 {
		return ledger.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, ledger.ErrUnknownReservation)
	}
	return reservations[0], nil
}

func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID ledger.ReservationID, from, to ledger.ReservationStatus) error {
	tag, err := store.db.Exec(ctx, sqlUpdateReservationStatus, reservationID.String(), from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.StorageError(err))
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, ledger.ErrReservationClosed)
	}
	return nil
}

func (store *Store) SumActiveReservations(ctx context.Context, accountID ledger.AccountID) (ledger.Credits, error) {
	var sum int64
	if err := store.db.QueryRow(ctx, sqlSumActiveReservations, accountID.String()).Scan(&sum); err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumActive, ledger.StorageError(err))
	}
	reserved, err := ledger.NewCredits(sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return reserved, nil
}

func (store *Store) ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]ledger.Reservation, error) {
	rows, err := store.db.Query(ctx, sqlListStaleReservations, createdBeforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, ledger.StorageError(err))
	}
	defer rows.Close()
	reservations, err := scanReservations(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
	}
	return reservations, nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	if beforeUnixUTC == 0 {
		beforeUnixUTC = time.Now().UTC().Add(time.Second).Unix()
	}
	rows, err := store.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, ledger.StorageError(err))
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func scanReservations(rows pgx.Rows) ([]ledger.Reservation, error) {
	var reservations []ledger.Reservation
	for rows.Next() {
		var (
			reservationValue string
			accountValue     string
			amountValue      int64
			statusValue      string
			createdUnixUTC   int64
		)
		if err := rows.Scan(&reservationValue, &accountValue, &amountValue, &statusValue, &createdUnixUTC); err != nil {
			return nil, ledger.StorageError(err)
		}
		reservationID, err := ledger.NewReservationID(reservationValue)
		if err != nil {
			return nil, err
		}
		accountID, err := ledger.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewPositiveCredits(amountValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseReservationStatus(statusValue)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, ledger.Reservation{
			AccountID:      accountID,
			ReservationID:  reservationID,
			Amount:         amount,
			Status:         status,
			CreatedUnixUTC: createdUnixUTC,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.StorageError(err)
	}
	return reservations, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	var entries []ledger.Entry
	for rows.Next() {
		var (
			entry          ledger.Entry
			accountValue   string
			typeValue      string
			idempotencyKey string
			metadataValue  string
		)
		if err := rows.Scan(
			&entry.EntryID,
			&accountValue,
			&typeValue,
			&entry.Amount,
			&entry.ReservationID,
			&idempotencyKey,
			&metadataValue,
			&entry.CreatedUnixUTC,
		); err != nil {
			return nil, ledger.StorageError(err)
		}
		accountID, err := ledger.NewAccountID(accountValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(typeValue)
		if err != nil {
			return nil, err
		}
		key, err := ledger.NewIdempotencyKey(idempotencyKey)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entry.AccountID = accountID
		entry.Type = entryType
		entry.IdempotencyKey = key
		entry.MetadataJSON = metadata
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.StorageError(err)
	}
	return entries, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraint string) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
