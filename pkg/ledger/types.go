package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Credits is an integer count of prepaid credits.
type Credits int64

// NewCredits validates a non-negative credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// NewPositiveCredits validates a credit amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// AccountID identifies a tenant or user account.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the identifier is unset.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// GenerateReservationID returns a random reservation id.
func GenerateReservationID() ReservationID {
	return ReservationID{value: uuid.NewString()}
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// IsZero reports whether the identifier is unset.
func (id ReservationID) IsZero() bool {
	return id.value == ""
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// MetadataFromMap marshals a flat map into metadata.
func MetadataFromMap(values map[string]any) MetadataJSON {
	if len(values) == 0 {
		return MetadataJSON{value: "{}"}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return MetadataJSON{value: "{}"}
	}
	return MetadataJSON{value: string(encoded)}
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// Tier names the policy class an account is billed under.
type Tier string

// NewTier validates and normalizes a tier name.
func NewTier(raw string) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTier)
	}
	return Tier(normalized), nil
}

// String returns the tier name.
func (tier Tier) String() string {
	return string(tier)
}

// ReservationStatus defines reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusActive   ReservationStatus = "active"
	ReservationStatusSettled  ReservationStatus = "settled"
	ReservationStatusReleased ReservationStatus = "released"
)

// ParseReservationStatus validates a stored status value.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusActive, ReservationStatusSettled, ReservationStatusReleased:
		return ReservationStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// String returns the stored status value.
func (status ReservationStatus) String() string {
	return string(status)
}

// Reservation is a provisional debit held against an account pending settlement.
type Reservation struct {
	AccountID      AccountID
	ReservationID  ReservationID
	Amount         Credits
	Status         ReservationStatus
	CreatedUnixUTC int64
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryGrant       EntryType = "grant"
	EntryHold        EntryType = "hold"
	EntryReverseHold EntryType = "reverse_hold"
	EntrySpend       EntryType = "spend"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(raw) {
	case EntryGrant, EntryHold, EntryReverseHold, EntrySpend:
		return EntryType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the stored entry type.
func (entryType EntryType) String() string {
	return string(entryType)
}

// Entry is a single immutable line in the audit trail. Amount is signed.
type Entry struct {
	EntryID        string
	AccountID      AccountID
	Type           EntryType
	Amount         int64
	ReservationID  string
	IdempotencyKey IdempotencyKey
	MetadataJSON   MetadataJSON
	CreatedUnixUTC int64
}

// Account is the balance record for one tenant.
type Account struct {
	AccountID          AccountID
	Tier               Tier
	CreditsRemaining   Credits
	CreditsTotal       Credits
	CreditsSpent       Credits
	LifetimeCostMicros int64
	Active             bool
	Version            int64
	CreatedUnixUTC     int64
}

// Balance view for an account.
type Balance struct {
	CreditsRemaining Credits
	CreditsTotal     Credits
	CreditsReserved  Credits
	CreditsSpent     Credits
	Tier             Tier
	Active           bool
}

// GrantResult reports whether a grant mutated the balance.
type GrantResult string

const (
	GrantApplied        GrantResult = "applied"
	GrantAlreadyApplied GrantResult = "already_applied"
)

// SettleResult describes how a reservation was converted into a debit.
type SettleResult struct {
	Reserved         Credits
	Charged          Credits
	Refunded         Credits
	Overrun          Credits
	CreditsRemaining Credits
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, accountID AccountID, tier Tier, nowUnixUTC int64) (Account, error)
	// LockAccount reads the account for update within the current transaction.
	LockAccount(ctx context.Context, accountID AccountID) (Account, error)
	// UpdateAccount persists balances, tier, and status if Version still matches the stored row.
	UpdateAccount(ctx context.Context, account Account) error
	InsertEntry(ctx context.Context, entry Entry) error
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from, to ReservationStatus) error
	SumActiveReservations(ctx context.Context, accountID AccountID) (Credits, error)
	ListStaleReservations(ctx context.Context, createdBeforeUnixUTC int64, limit int) ([]Reservation, error)
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
}
