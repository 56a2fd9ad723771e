package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
)

type stubStore struct {
	mu           sync.Mutex
	accounts     map[AccountID]Account
	reservations map[ReservationID]Reservation
	entries      []Entry
	entryKeys    map[string]struct{}
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts:     map[AccountID]Account{},
		reservations: map[ReservationID]Reservation{},
		entryKeys:    map[string]struct{}{},
	}
}

func (store *stubStore) seedAccount(test *testing.T, accountID AccountID, remaining Credits) {
	test.Helper()
	store.accounts[accountID] = Account{
		AccountID:        accountID,
		Tier:             DefaultTier,
		CreditsRemaining: remaining,
		CreditsTotal:     remaining,
		Active:           true,
	}
}

func (store *stubStore) mustAccount(test *testing.T, accountID AccountID) Account {
	test.Helper()
	account, ok := store.accounts[accountID]
	if !ok {
		test.Fatalf("account %s not found", accountID)
	}
	return account
}

func (store *stubStore) mustReservation(test *testing.T, reservationID ReservationID) Reservation {
	test.Helper()
	reservation, ok := store.reservations[reservationID]
	if !ok {
		test.Fatalf("reservation %s not found", reservationID)
	}
	return reservation
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(_ context.Context, accountID AccountID, tier Tier, nowUnixUTC int64) (Account, error) {
	if account, ok := store.accounts[accountID]; ok {
		return account, nil
	}
	account := Account{AccountID: accountID, Tier: tier, Active: true, CreatedUnixUTC: nowUnixUTC}
	store.accounts[accountID] = account
	return account, nil
}

func (store *stubStore) LockAccount(_ context.Context, accountID AccountID) (Account, error) {
	account, ok := store.accounts[accountID]
	if !ok {
		return Account{}, ErrUnknownAccount
	}
	return account, nil
}

func (store *stubStore) UpdateAccount(_ context.Context, account Account) error {
	stored, ok := store.accounts[account.AccountID]
	if !ok {
		return ErrUnknownAccount
	}
	if stored.Version != account.Version {
		return ErrConcurrentUpdate
	}
	account.Version++
	store.accounts[account.AccountID] = account
	return nil
}

func (store *stubStore) InsertEntry(_ context.Context, entry Entry) error {
	key := entry.AccountID.String() + "|" + entry.IdempotencyKey.String()
	if _, exists := store.entryKeys[key]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.entryKeys[key] = struct{}{}
	store.entries = append(store.entries, entry)
	return nil
}

func (store *stubStore) CreateReservation(_ context.Context, reservation Reservation) error {
	if _, exists := store.reservations[reservation.ReservationID]; exists {
		return ErrReservationExists
	}
	store.reservations[reservation.ReservationID] = reservation
	return nil
}

func (store *stubStore) GetReservation(_ context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return Reservation{}, ErrUnknownReservation
	}
	return reservation, nil
}

func (store *stubStore) UpdateReservationStatus(_ context.Context, reservationID ReservationID, from, to ReservationStatus) error {
	reservation, ok := store.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if reservation.Status != from {
		return ErrReservationClosed
	}
	reservation.Status = to
	store.reservations[reservationID] = reservation
	return nil
}

func (store *stubStore) SumActiveReservations(_ context.Context, accountID AccountID) (Credits, error) {
	var total Credits
	for _, reservation := range store.reservations {
		if reservation.AccountID == accountID && reservation.Status == ReservationStatusActive {
			total += reservation.Amount
		}
	}
	return total, nil
}

func (store *stubStore) ListStaleReservations(_ context.Context, createdBeforeUnixUTC int64, limit int) ([]Reservation, error) {
	var stale []Reservation
	for _, reservation := range store.reservations {
		if reservation.Status == ReservationStatusActive && reservation.CreatedUnixUTC < createdBeforeUnixUTC {
			stale = append(stale, reservation)
		}
	}
	sort.Slice(stale, func(left, right int) bool {
		return stale[left].CreatedUnixUTC < stale[right].CreatedUnixUTC
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (store *stubStore) ListEntries(_ context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	var entries []Entry
	for index := len(store.entries) - 1; index >= 0; index-- {
		entry := store.entries[index]
		if entry.AccountID == accountID && entry.CreatedUnixUTC < beforeUnixUTC {
			entries = append(entries, entry)
		}
		if limit > 0 && len(entries) == limit {
			break
		}
	}
	return entries, nil
}

type failingStore struct {
	*stubStore
	err error
}

func newFailingStore(test *testing.T, err error) *failingStore {
	test.Helper()
	return &failingStore{stubStore: newStubStore(test), err: err}
}

func (store *failingStore) WithTx(context.Context, func(ctx context.Context, txStore Store) error) error {
	return StorageError(store.err)
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	clock := int64(1_000)
	service, err := NewService(store, func() int64 { return clock }, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustReservationID(test *testing.T, raw string) ReservationID {
	test.Helper()
	reservationID, err := NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return key
}

func mustMetadata(test *testing.T, raw string) MetadataJSON {
	test.Helper()
	metadata, err := NewMetadataJSON(raw)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}
	return metadata
}

func assertConservation(test *testing.T, store *stubStore, accountID AccountID) {
	test.Helper()
	account := store.mustAccount(test, accountID)
	reserved, _ := store.SumActiveReservations(context.Background(), accountID)
	if reserved+account.CreditsRemaining != account.CreditsTotal-account.CreditsSpent {
		test.Fatalf("conservation broken: reserved=%d remaining=%d total=%d spent=%d",
			reserved, account.CreditsRemaining, account.CreditsTotal, account.CreditsSpent)
	}
}
