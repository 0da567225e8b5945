package credit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/meetslot/meetslot-api/internal/pkg/metrics"
)

func newTestService(now func() time.Time) (*Service, *MemoryRepository) {
	repo := NewMemoryRepository()
	ledger := NewLedger(repo, LedgerOptions{MaxAttempts: 5, Backoff: time.Millisecond, Now: now})
	return NewService(repo, ledger, NewCostTable(repo, nil, 0, nil)), repo
}

func TestAddCreditsIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	userID := uuid.New()

	meta := TopupMeta{Type: TopupPackageGrant, ReferenceID: "package:1:100"}
	first, applied, err := svc.AddCredits(ctx, userID, 100, meta)
	if err != nil || !applied {
		t.Fatalf("first add: applied=%v err=%v", applied, err)
	}

	second, applied, err := svc.AddCredits(ctx, userID, 100, meta)
	if err != nil {
		t.Fatalf("second add: %v", err)
	}
	if applied {
		t.Fatal("expected second add to be skipped")
	}
	if second.ID != first.ID {
		t.Fatalf("expected stored row %s, got %s", first.ID, second.ID)
	}

	acc, _ := svc.GetBalance(ctx, userID)
	if acc.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", acc.Balance)
	}
}

func TestAddCreditsRejectsForfeitureType(t *testing.T) {
	svc, _ := newTestService(nil)

	_, _, err := svc.AddCredits(context.Background(), uuid.New(), 1, TopupMeta{Type: TopupForfeiture})
	if !errors.Is(err, ErrInvalidTopupType) {
		t.Fatalf("expected ErrInvalidTopupType, got %v", err)
	}
}

func TestForfeitIsIdempotentByReference(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	userID := uuid.New()

	if _, _, err := svc.AddCredits(ctx, userID, 50, TopupMeta{Type: TopupPackageGrant}); err != nil {
		t.Fatalf("add: %v", err)
	}

	meta := TopupMeta{ReferenceID: "forfeit:1:100"}
	taken, err := svc.Forfeit(ctx, userID, 30, meta)
	if err != nil || taken != 30 {
		t.Fatalf("first forfeit: taken=%d err=%v", taken, err)
	}

	taken, err = svc.Forfeit(ctx, userID, 30, meta)
	if err != nil || taken != 30 {
		t.Fatalf("repeated forfeit: taken=%d err=%v", taken, err)
	}

	acc, _ := svc.GetBalance(ctx, userID)
	if acc.Balance != 20 {
		t.Fatalf("expected balance 20, got %d", acc.Balance)
	}
}

func TestForfeitCountsForfeitedCredits(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	userID := uuid.New()
	forfeited := metrics.Get().CreditsForfeited

	if _, err := svc.Purchase(ctx, userID, 10, decimal.RequireFromString("1.00"), "USD", "pi_forfeit"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	before := testutil.ToFloat64(forfeited)
	taken, err := svc.Forfeit(ctx, userID, 4, TopupMeta{ReferenceID: "forfeit:metric"})
	if err != nil || taken != 4 {
		t.Fatalf("forfeit: taken=%d err=%v", taken, err)
	}
	if got := testutil.ToFloat64(forfeited) - before; got != 4 {
		t.Fatalf("expected 4 forfeited credits counted, got %v", got)
	}

	acc, _ := svc.GetBalance(ctx, userID)
	if acc.Balance != 6 {
		t.Fatalf("expected balance 6, got %d", acc.Balance)
	}
}

func TestReferenceOwnedByAnotherUser(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	owner, other := uuid.New(), uuid.New()

	if _, err := svc.Purchase(ctx, owner, 100, decimal.RequireFromString("5.00"), "USD", "pi_shared"); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	if _, err := svc.Purchase(ctx, other, 100, decimal.RequireFromString("5.00"), "USD", "pi_shared"); !errors.Is(err, ErrReferenceConflict) {
		t.Fatalf("expected ErrReferenceConflict for another user, got %v", err)
	}
	if _, _, err := svc.AddCredits(ctx, owner, 100, TopupMeta{Type: TopupAdminGrant, ReferenceID: "pi_shared"}); !errors.Is(err, ErrReferenceConflict) {
		t.Fatalf("expected ErrReferenceConflict for another topup type, got %v", err)
	}
	if _, err := svc.Forfeit(ctx, owner, 10, TopupMeta{ReferenceID: "pi_shared"}); !errors.Is(err, ErrReferenceConflict) {
		t.Fatalf("expected ErrReferenceConflict for forfeiture, got %v", err)
	}

	acc, _ := svc.GetBalance(ctx, other)
	if acc.Balance != 0 {
		t.Fatalf("other user was credited: %d", acc.Balance)
	}
	acc, _ = svc.GetBalance(ctx, owner)
	if acc.Balance != 100 {
		t.Fatalf("owner balance changed: %d", acc.Balance)
	}
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	userID := uuid.New()

	topup, err := svc.Purchase(ctx, userID, 500, decimal.RequireFromString("19.99"), "EUR", "pi_123")
	if err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if topup.TransactionType != TopupPurchase || topup.BalanceAfter != 500 || topup.Currency != "EUR" {
		t.Fatalf("unexpected topup: %+v", topup)
	}
	if !topup.AmountPaid.Equal(decimal.RequireFromString("19.99")) {
		t.Fatalf("unexpected amount: %s", topup.AmountPaid)
	}

	again, err := svc.Purchase(ctx, userID, 500, decimal.RequireFromString("19.99"), "EUR", "pi_123")
	if err != nil {
		t.Fatalf("repeated purchase: %v", err)
	}
	if again.ID != topup.ID {
		t.Fatal("repeated purchase created a new row")
	}

	if _, err := svc.Purchase(ctx, userID, 0, decimal.Zero, "EUR", "pi_124"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestGrantDescribesAdmin(t *testing.T) {
	svc, _ := newTestService(nil)
	adminID := uuid.New()

	topup, err := svc.Grant(context.Background(), uuid.New(), adminID, 10, "", "goodwill")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if topup.TransactionType != TopupAdminGrant {
		t.Fatalf("unexpected type %s", topup.TransactionType)
	}
	if !strings.Contains(topup.Description, adminID.String()) || !strings.HasSuffix(topup.Description, "goodwill") {
		t.Fatalf("unexpected description %q", topup.Description)
	}
}

func TestListTopupsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(nil)
	userID := uuid.New()

	for _, credits := range []int{1, 2, 3} {
		if _, _, err := svc.AddCredits(ctx, userID, credits, TopupMeta{Type: TopupAdminGrant}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	topups, err := svc.ListTopups(ctx, userID, Pagination{Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(topups) != 2 || topups[0].CreditsAdded != 3 || topups[1].CreditsAdded != 2 {
		t.Fatalf("unexpected page: %+v", topups)
	}
}

func TestCountStaleReservations(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := func() time.Time { return now }
	svc, _ := newTestService(func() time.Time { return clock() })
	userID := uuid.New()

	if _, _, err := svc.AddCredits(ctx, userID, 10, TopupMeta{Type: TopupAdminGrant}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := svc.Ledger().TryDebit(ctx, userID, 1, usageFor("n-old", ServiceEmail)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := svc.Ledger().TryDebit(ctx, userID, 1, usageFor("n-new", ServiceEmail)); err != nil {
		t.Fatalf("debit: %v", err)
	}

	count, err := svc.CountStaleReservations(ctx, time.Hour)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stale reservation, got %d", count)
	}
}

func TestSearchUsageFilters(t *testing.T) {
	ctx := context.Background()
	svc, repo := newTestService(nil)
	alice, bob := uuid.New(), uuid.New()

	for _, id := range []uuid.UUID{alice, bob} {
		if _, _, err := svc.AddCredits(ctx, id, 20, TopupMeta{Type: TopupAdminGrant}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	debits := []struct {
		user uuid.UUID
		id   string
		st   ServiceType
	}{
		{alice, "a-1", ServiceEmail},
		{alice, "a-2", ServiceSMS},
		{bob, "b-1", ServiceSMS},
	}
	for _, d := range debits {
		if _, err := svc.Ledger().TryDebit(ctx, d.user, 1, usageFor(d.id, d.st)); err != nil {
			t.Fatalf("debit %s: %v", d.id, err)
		}
	}
	if _, err := repo.SettleUsage(ctx, "a-2", UsageConfirmed); err != nil {
		t.Fatalf("settle: %v", err)
	}

	sms := ServiceSMS
	confirmed := UsageConfirmed
	tests := []struct {
		name    string
		filters UsageFilters
		want    int
	}{
		{name: "all", filters: UsageFilters{}, want: 3},
		{name: "by user", filters: UsageFilters{UserID: &alice}, want: 2},
		{name: "by service", filters: UsageFilters{ServiceType: &sms}, want: 2},
		{name: "by status", filters: UsageFilters{Status: &confirmed}, want: 1},
		{name: "user and service", filters: UsageFilters{UserID: &bob, ServiceType: &sms}, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.SearchUsage(ctx, tt.filters)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("expected %d rows, got %d", tt.want, len(got))
			}
		})
	}
}
