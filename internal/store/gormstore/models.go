package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Version guards compare-and-update writes.
type Account struct {
	AccountID          string    `gorm:"primaryKey"`
	Tier               string    `gorm:"not null"`
	CreditsRemaining   int64     `gorm:"not null"`
	CreditsTotal       int64     `gorm:"not null"`
	CreditsSpent       int64     `gorm:"not null"`
	LifetimeCostMicros int64     `gorm:"not null"`
	Active             bool      `gorm:"not null"`
	Version            int64     `gorm:"not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// LedgerEntry mirrors the ledger_entries table.
type LedgerEntry struct {
	EntryID        string         `gorm:"primaryKey"`
	AccountID      string         `gorm:"not null;index:uniq_entry_idem,unique,priority:1;index:idx_ledger_account_created,priority:1"`
	Type           string         `gorm:"not null"`
	Amount         int64          `gorm:"not null"`
	ReservationID  *string        `gorm:"index:idx_ledger_reservation"`
	IdempotencyKey string         `gorm:"not null;index:uniq_entry_idem,unique,priority:2"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_account_created,priority:2"`
}

func (LedgerEntry) TableName() string { return "ledger_entries" }

func (entry *LedgerEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null;index:idx_reservations_account_status,priority:1"`
	Amount        int64     `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_reservations_account_status,priority:2;index:idx_reservations_status_created,priority:1"`
	CreatedAt     time.Time `gorm:"not null;index:idx_reservations_status_created,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }

// ProcessedPayment mirrors the processed_payments table; the primary key is the settlement dedup key.
type ProcessedPayment struct {
	DedupKey        string `gorm:"primaryKey"`
	EventID         string
	SessionID       string `gorm:"index"`
	PaymentIntentID string `gorm:"index"`
	AccountID       string `gorm:"not null;index"`
	PlanID          string
	AmountPaid      int64
	Currency        string
	CreditsGranted  int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (ProcessedPayment) TableName() string { return "processed_payments" }

// Models lists every table the store needs, in migration order.
func Models() []any {
	return []any{&Account{}, &LedgerEntry{}, &Reservation{}, &ProcessedPayment{}}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
