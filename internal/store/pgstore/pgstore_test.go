package pgstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const envTestDatabaseURL = "CREDITGATE_TEST_POSTGRES_URL"

func TestIsUniqueViolationMatchesConstraint(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name       string
		err        error
		constraint string
		expected   bool
	}{
		{name: "nil", err: nil, constraint: constraintEntryIdempotencyKey, expected: false},
		{
			name:       "matching constraint",
			err:        fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintEntryIdempotencyKey}),
			constraint: constraintEntryIdempotencyKey,
			expected:   true,
		},
		{
			name:       "other constraint",
			err:        &pgconn.PgError{Code: pgUniqueViolationCode, ConstraintName: constraintReservationPrimary},
			constraint: constraintEntryIdempotencyKey,
			expected:   false,
		},
		{
			name:       "other code",
			err:        &pgconn.PgError{Code: "23503", ConstraintName: constraintPaymentPrimary},
			constraint: constraintPaymentPrimary,
			expected:   false,
		},
		{name: "plain error", err: errors.New("boom"), constraint: constraintPaymentPrimary, expected: false},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			if got := isUniqueViolation(testCase.err, testCase.constraint); got != testCase.expected {
				test.Fatalf("expected %v, got %v", testCase.expected, got)
			}
		})
	}
}

func TestLedgerRoundTripAgainstPostgres(test *testing.T) {
	databaseURL := os.Getenv(envTestDatabaseURL)
	if databaseURL == "" {
		test.Skipf("%s not set", envTestDatabaseURL)
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		test.Fatalf("connect: %v", err)
	}
	test.Cleanup(pool.Close)
	if err := Migrate(ctx, pool); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	service, err := ledger.NewService(New(pool), func() int64 { return 1_700_000_000 })
	if err != nil {
		test.Fatalf("ledger service: %v", err)
	}
	accountID, err := ledger.NewAccountID("pg-" + uuid.NewString())
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	seedKey, err := ledger.NewIdempotencyKey("seed")
	if err != nil {
		test.Fatalf("key: %v", err)
	}
	if _, err := service.Grant(ctx, accountID, 100, seedKey, ledger.MetadataJSON{}); err != nil {
		test.Fatalf("grant: %v", err)
	}
	if result, err := service.Grant(ctx, accountID, 100, seedKey, ledger.MetadataJSON{}); err != nil || result != ledger.GrantAlreadyApplied {
		test.Fatalf("expected duplicate grant to be absorbed, got %s (%v)", result, err)
	}
	reservation, err := service.Reserve(ctx, ledger.ReserveRequest{AccountID: accountID, Amount: 20})
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	result, err := service.Settle(ctx, reservation.ReservationID, 15, 0, ledger.MetadataJSON{})
	if err != nil {
		test.Fatalf("settle: %v", err)
	}
	if result.CreditsRemaining != 85 {
		test.Fatalf("expected 85 remaining, got %d", result.CreditsRemaining)
	}
	entries, err := service.ListEntries(ctx, accountID, 0, 10)
	if err != nil {
		test.Fatalf("list entries: %v", err)
	}
	if len(entries) != 4 {
		test.Fatalf("expected 4 entries, got %d", len(entries))
	}
}
