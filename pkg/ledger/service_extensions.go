package ledger

import (
	"context"
	"errors"
)

// SetTier moves an account to another tier.
func (service *Service) SetTier(ctx context.Context, accountID AccountID, tier Tier) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		return service.SetTierWithin(ctx, transactionStore, accountID, tier)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationSetTier,
		AccountID: accountID,
		Status:    statusOrError(tier.String(), operationError),
		Error:     operationError,
	})
	return operationError
}

// SetTierWithin changes the tier inside a transaction owned by the caller.
func (service *Service) SetTierWithin(ctx context.Context, transactionStore Store, accountID AccountID, tier Tier) error {
	if tier == "" {
		return ErrInvalidTier
	}
	if _, err := transactionStore.GetOrCreateAccount(ctx, accountID, tier, service.nowFn()); err != nil {
		return err
	}
	account, err := transactionStore.LockAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account.Tier == tier {
		return nil
	}
	account.Tier = tier
	return transactionStore.UpdateAccount(ctx, account)
}

// Deactivate blocks further reservations. Settling and releasing existing holds still works.
func (service *Service) Deactivate(ctx context.Context, accountID AccountID) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.LockAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if !account.Active {
			return nil
		}
		account.Active = false
		return transactionStore.UpdateAccount(ctx, account)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeactivate,
		AccountID: accountID,
		Error:     operationError,
	})
	return operationError
}

// ListEntries lists audit entries for an account before a cutoff time, newest first.
func (service *Service) ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

// Reservation reads one reservation by id.
func (service *Service) Reservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	var reservation Reservation
	err := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		found, err := transactionStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		reservation = found
		return nil
	})
	if err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// ReleaseStale releases active reservations older than maxAgeSeconds and reports how many were released.
// Reservations settled concurrently are skipped.
func (service *Service) ReleaseStale(ctx context.Context, maxAgeSeconds int64, limit int) (int, error) {
	cutoff := service.nowFn() - maxAgeSeconds
	stale, err := service.store.ListStaleReservations(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	metadata := MetadataFromMap(map[string]any{"reason": "stale"})
	released := 0
	for _, reservation := range stale {
		if ctx.Err() != nil {
			return released, ctx.Err()
		}
		err := service.Release(ctx, reservation.ReservationID, metadata)
		switch {
		case err == nil:
			released++
		case errors.Is(err, ErrReservationClosed):
		default:
			return released, err
		}
	}
	return released, nil
}

func statusOrError(status string, err error) string {
	if err != nil {
		return operationStatusError
	}
	return status
}
