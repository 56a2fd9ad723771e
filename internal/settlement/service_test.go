package settlement_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/creditgate/internal/settlement"
	"github.com/MarkoPoloResearchLab/creditgate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditgate/pkg/ledger"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fixture struct {
	ledger     *ledger.Service
	settlement *settlement.Service
}

func newFixture(test *testing.T, plans ...settlement.Plan) fixture {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := gormstore.Migrate(db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return 1_700_000_000 }
	ledgerService, err := ledger.NewService(store, clock)
	if err != nil {
		test.Fatalf("ledger: %v", err)
	}
	settlementService, err := settlement.NewService(store, ledgerService, plans, clock, nil)
	if err != nil {
		test.Fatalf("settlement: %v", err)
	}
	return fixture{ledger: ledgerService, settlement: settlementService}
}

func (f fixture) mustBalance(test *testing.T, raw string) ledger.Balance {
	test.Helper()
	accountID, err := ledger.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	balance, err := f.ledger.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance
}

func TestSettlePaymentAppliesThenReportsDuplicate(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	event := settlement.PaymentEvent{EventID: "evt_1", SessionID: "cs_1", AccountID: "acct-1", CreditsGranted: 40, Status: "paid"}

	outcome, err := f.settlement.SettlePayment(context.Background(), event)
	if err != nil || outcome != settlement.OutcomeApplied {
		test.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	event.EventID = "evt_2"
	outcome, err = f.settlement.SettlePayment(context.Background(), event)
	if err != nil || outcome != settlement.OutcomeDuplicate {
		test.Fatalf("expected duplicate for a redelivered session, got %s (%v)", outcome, err)
	}
	if balance := f.mustBalance(test, "acct-1"); balance.CreditsRemaining != 40 {
		test.Fatalf("expected 40 credits, got %d", balance.CreditsRemaining)
	}
}

func TestSettlePaymentIgnoresNonSuccessStatus(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	event := settlement.PaymentEvent{SessionID: "cs_2", AccountID: "acct-2", CreditsGranted: 10, Status: "payment_failed"}

	outcome, err := f.settlement.SettlePayment(context.Background(), event)
	if err != nil || outcome != settlement.OutcomeIgnored {
		test.Fatalf("expected ignored, got %s (%v)", outcome, err)
	}
	event.Status = "succeeded"
	outcome, err = f.settlement.SettlePayment(context.Background(), event)
	if err != nil || outcome != settlement.OutcomeApplied {
		test.Fatalf("expected a later success to apply, got %s (%v)", outcome, err)
	}
}

func TestSettlePaymentUsesPlanCatalogue(test *testing.T) {
	test.Parallel()
	f := newFixture(test, settlement.Plan{ID: "pro_monthly", Credits: 500, Tier: "pro"})
	event := settlement.PaymentEvent{PaymentIntentID: "pi_9", AccountID: "acct-plan", PlanID: "pro_monthly", Status: "complete"}

	outcome, err := f.settlement.SettlePayment(context.Background(), event)
	if err != nil || outcome != settlement.OutcomeApplied {
		test.Fatalf("expected applied, got %s (%v)", outcome, err)
	}
	balance := f.mustBalance(test, "acct-plan")
	if balance.CreditsRemaining != 500 || balance.Tier != "pro" {
		test.Fatalf("expected 500 credits on pro, got %+v", balance)
	}
}

func TestSettlePaymentRejectsInvalidEvents(test *testing.T) {
	test.Parallel()
	f := newFixture(test)
	testCases := []struct {
		name     string
		event    settlement.PaymentEvent
		expected error
	}{
		{name: "no identifiers", event: settlement.PaymentEvent{AccountID: "a", CreditsGranted: 1}, expected: settlement.ErrInvalidPaymentEvent},
		{name: "no account", event: settlement.PaymentEvent{SessionID: "cs", CreditsGranted: 1}, expected: settlement.ErrInvalidPaymentEvent},
		{name: "no credits", event: settlement.PaymentEvent{SessionID: "cs", AccountID: "a"}, expected: settlement.ErrInvalidPaymentEvent},
		{name: "unknown plan", event: settlement.PaymentEvent{SessionID: "cs", AccountID: "a", PlanID: "gold"}, expected: settlement.ErrUnknownPlan},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			_, err := f.settlement.SettlePayment(context.Background(), testCase.event)
			if !errors.Is(err, testCase.expected) {
				test.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestDedupKeyNormalizesPair(test *testing.T) {
	test.Parallel()
	left, err := settlement.PaymentEvent{SessionID: " cs_1 ", PaymentIntentID: "pi_1"}.DedupKey()
	if err != nil {
		test.Fatalf("dedup key: %v", err)
	}
	right, err := settlement.PaymentEvent{SessionID: "cs_1", PaymentIntentID: "pi_1 "}.DedupKey()
	if err != nil {
		test.Fatalf("dedup key: %v", err)
	}
	if left != right {
		test.Fatalf("expected normalized keys to match, got %q and %q", left, right)
	}
	sessionOnly, _ := settlement.PaymentEvent{SessionID: "cs_1"}.DedupKey()
	if sessionOnly == left {
		test.Fatalf("expected session-only key to differ from the full pair")
	}
}
