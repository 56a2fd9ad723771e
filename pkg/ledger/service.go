package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Service contains the domain logic over a Store.
type Service struct {
	store       Store
	nowFn       func() int64
	logger      OperationLogger
	defaultTier Tier
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, defaultTier: DefaultTier}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// ReserveRequest describes an admission hold. An empty ReservationID is generated.
type ReserveRequest struct {
	AccountID     AccountID
	Amount        Credits
	ReservationID ReservationID
	Metadata      MetadataJSON
}

// OpenAccount creates the account with the given tier, or returns the existing record unchanged.
func (service *Service) OpenAccount(ctx context.Context, accountID AccountID, tier Tier) (Account, error) {
	if tier == "" {
		tier = service.defaultTier
	}
	account, operationError := service.store.GetOrCreateAccount(ctx, accountID, tier, service.nowFn())
	service.logOperation(ctx, OperationLog{
		Operation: operationOpen,
		AccountID: accountID,
		Error:     operationError,
	})
	return account, operationError
}

// Balance returns remaining, total, and currently reserved credits.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	var balance Balance
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, accountID, service.defaultTier, service.nowFn())
		if err != nil {
			return err
		}
		reserved, err := transactionStore.SumActiveReservations(ctx, accountID)
		if err != nil {
			return err
		}
		balance = Balance{
			CreditsRemaining: account.CreditsRemaining,
			CreditsTotal:     account.CreditsTotal,
			CreditsReserved:  reserved,
			CreditsSpent:     account.CreditsSpent,
			Tier:             account.Tier,
			Active:           account.Active,
		}
		return nil
	})
	if err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Grant adds credits exactly once per dedup key.
func (service *Service) Grant(ctx context.Context, accountID AccountID, credits Credits, dedupKey IdempotencyKey, metadata MetadataJSON) (GrantResult, error) {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.GrantWithin(ctx, transactionStore, accountID, credits, dedupKey, metadata)
	})
	result := GrantApplied
	status := ""
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		result = GrantAlreadyApplied
		status = string(GrantAlreadyApplied)
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationGrant,
		AccountID:      accountID,
		Amount:         credits,
		IdempotencyKey: dedupKey,
		Metadata:       metadata,
		Status:         status,
		Error:          operationError,
	})
	if operationError != nil {
		return "", operationError
	}
	return result, nil
}

// GrantWithin applies a grant inside a transaction owned by the caller.
// It returns ErrDuplicateIdempotencyKey when the dedup key was already used for this account.
func (service *Service) GrantWithin(ctx context.Context, transactionStore Store, accountID AccountID, credits Credits, dedupKey IdempotencyKey, metadata MetadataJSON) error {
	if credits <= 0 {
		return fmt.Errorf("%w: grant must be greater than zero", ErrInvalidCredits)
	}
	if dedupKey.String() == "" {
		return fmt.Errorf("%w: grant requires a dedup key", ErrInvalidIdempotencyKey)
	}
	nowUnixUTC := service.nowFn()
	if _, err := transactionStore.GetOrCreateAccount(ctx, accountID, service.defaultTier, nowUnixUTC); err != nil {
		return err
	}
	account, err := transactionStore.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	// The entry goes first so a duplicate key aborts before the balance moves.
	if err := transactionStore.InsertEntry(ctx, Entry{
		AccountID:      accountID,
		Type:           EntryGrant,
		Amount:         credits.Int64(),
		IdempotencyKey: dedupKey,
		MetadataJSON:   metadata,
		CreatedUnixUTC: nowUnixUTC,
	}); err != nil {
		return err
	}
	account.CreditsRemaining += credits
	account.CreditsTotal += credits
	return transactionStore.UpdateAccount(ctx, account)
}

// Reserve holds an estimate against the account if enough credits remain.
func (service *Service) Reserve(ctx context.Context, request ReserveRequest) (Reservation, error) {
	reservationID := request.ReservationID
	if reservationID.IsZero() {
		reservationID = GenerateReservationID()
	}
	var reservation Reservation
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if request.Amount <= 0 {
			return fmt.Errorf("%w: reservation must be greater than zero", ErrInvalidCredits)
		}
		nowUnixUTC := service.nowFn()
		if _, err := transactionStore.GetOrCreateAccount(ctx, request.AccountID, service.defaultTier, nowUnixUTC); err != nil {
			return err
		}
		account, err := transactionStore.LockAccount(ctx, request.AccountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return ErrAccountInactive
		}
		if account.CreditsRemaining < request.Amount {
			return ErrInsufficientCredits
		}
		reservation = Reservation{
			AccountID:      request.AccountID,
			ReservationID:  reservationID,
			Amount:         request.Amount,
			Status:         ReservationStatusActive,
			CreatedUnixUTC: nowUnixUTC,
		}
		if err := transactionStore.CreateReservation(ctx, reservation); err != nil {
			return err
		}
		holdKey, err := deriveIdempotencyKey(reservationID, idempotencySuffixHold)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      request.AccountID,
			Type:           EntryHold,
			Amount:         -request.Amount.Int64(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: holdKey,
			MetadataJSON:   request.Metadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		account.CreditsRemaining -= request.Amount
		return transactionStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     request.AccountID,
		ReservationID: reservationID,
		Amount:        request.Amount,
		Metadata:      request.Metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	return reservation, nil
}

// Settle replaces the reserved estimate with the actual cost.
// Any shortfall beyond the remaining balance is reported as Overrun instead of failing.
func (service *Service) Settle(ctx context.Context, reservationID ReservationID, actual Credits, costMicros int64, metadata MetadataJSON) (SettleResult, error) {
	var (
		result    SettleResult
		accountID AccountID
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		if actual < 0 {
			return fmt.Errorf("%w: actual cost must not be negative", ErrInvalidCredits)
		}
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		accountID = reservation.AccountID
		if reservation.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		account, err := transactionStore.LockAccount(ctx, reservation.AccountID)
		if err != nil {
			return err
		}
		available := account.CreditsRemaining + reservation.Amount
		charged := actual
		if charged > available {
			charged = available
		}
		result = SettleResult{
			Reserved:         reservation.Amount,
			Charged:          charged,
			Overrun:          actual - charged,
			CreditsRemaining: available - charged,
		}
		if reservation.Amount > charged {
			result.Refunded = reservation.Amount - charged
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusSettled); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		reverseKey, err := deriveIdempotencyKey(reservationID, idempotencySuffixReverse)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      reservation.AccountID,
			Type:           EntryReverseHold,
			Amount:         reservation.Amount.Int64(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: reverseKey,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		spendKey, err := deriveIdempotencyKey(reservationID, idempotencySuffixSpend)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      reservation.AccountID,
			Type:           EntrySpend,
			Amount:         -charged.Int64(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: spendKey,
			MetadataJSON:   metadata,
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		account.CreditsRemaining = result.CreditsRemaining
		account.CreditsSpent += charged
		if costMicros > 0 {
			account.LifetimeCostMicros += costMicros
		}
		return transactionStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationSettle,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        result.Charged,
		Overrun:       result.Overrun,
		Metadata:      metadata,
		Error:         operationError,
	})
	if operationError != nil {
		return SettleResult{}, operationError
	}
	return result, nil
}

// Release returns the full reserved amount to the account.
func (service *Service) Release(ctx context.Context, reservationID ReservationID, metadata MetadataJSON) error {
	var (
		reservationAmount Credits
		accountID         AccountID
	)
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		reservation, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		accountID = reservation.AccountID
		if reservation.Status != ReservationStatusActive {
			return ErrReservationClosed
		}
		reservationAmount = reservation.Amount
		account, err := transactionStore.LockAccount(ctx, reservation.AccountID)
		if err != nil {
			return err
		}
		if err := transactionStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusActive, ReservationStatusReleased); err != nil {
			return err
		}
		releaseKey, err := deriveIdempotencyKey(reservationID, idempotencySuffixRelease)
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, Entry{
			AccountID:      reservation.AccountID,
			Type:           EntryReverseHold,
			Amount:         reservation.Amount.Int64(),
			ReservationID:  reservationID.String(),
			IdempotencyKey: releaseKey,
			MetadataJSON:   metadata,
			CreatedUnixUTC: service.nowFn(),
		}); err != nil {
			return err
		}
		account.CreditsRemaining += reservation.Amount
		return transactionStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationRelease,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        reservationAmount,
		Metadata:      metadata,
		Error:         operationError,
	})
	return operationError
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func deriveIdempotencyKey(reservationID ReservationID, suffix string) (IdempotencyKey, error) {
	combined := reservationID.String() + idempotencyKeyDelimiter + suffix
	return NewIdempotencyKey(combined)
}
