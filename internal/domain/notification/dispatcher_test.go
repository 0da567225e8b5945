package notification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/meetslot/meetslot-api/internal/domain/billing"
	"github.com/meetslot/meetslot-api/internal/domain/credit"
)

type testEnv struct {
	ledger     *credit.Ledger
	repo       *credit.MemoryRepository
	dispatcher *Dispatcher
	sent       map[string]int
}

func newTestEnv(t *testing.T, transport Transport) *testEnv {
	t.Helper()
	repo := credit.NewMemoryRepository()
	ledger := credit.NewLedger(repo, credit.LedgerOptions{Backoff: time.Millisecond})
	guard := billing.NewGuard(repo, ledger, credit.NewCostTable(repo, nil, 0, nil), nil)

	env := &testEnv{ledger: ledger, repo: repo, sent: make(map[string]int)}
	if transport == nil {
		transport = TransportFunc(func(_ context.Context, n *PendingNotification) error {
			env.sent[n.ID]++
			return nil
		})
	}
	env.dispatcher = NewDispatcher(guard, map[credit.ServiceType]Transport{credit.ServiceSMS: transport})
	return env
}

func (e *testEnv) fund(t *testing.T, userID uuid.UUID, credits int) {
	t.Helper()
	if _, err := e.ledger.Credit(context.Background(), userID, credits, &credit.TopupEntry{TransactionType: credit.TopupAdminGrant}, nil); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, userID uuid.UUID) int {
	t.Helper()
	acc, err := e.ledger.GetOrCreate(context.Background(), userID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return acc.Balance
}

func reminder(userID uuid.UUID, id string) *PendingNotification {
	return &PendingNotification{
		ID:        id,
		UserID:    userID,
		Type:      TypeBookingReminder,
		Channel:   credit.ServiceSMS,
		Recipient: "+15550100",
		Body:      "Your meeting starts in 1 hour",
	}
}

func TestDeliverSendsOnceAcrossRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, nil)
	userID := uuid.New()
	env.fund(t, userID, 10)

	outcome, err := env.dispatcher.Deliver(ctx, reminder(userID, "D1"))
	if err != nil || outcome != OutcomeSent {
		t.Fatalf("expected sent, got %s (%v)", outcome, err)
	}

	outcome, err = env.dispatcher.Deliver(ctx, reminder(userID, "D1"))
	if err != nil || outcome != OutcomeSkipped {
		t.Fatalf("expected skipped, got %s (%v)", outcome, err)
	}

	if env.sent["D1"] != 1 {
		t.Fatalf("expected one send, got %d", env.sent["D1"])
	}
	if got := env.balance(t, userID); got != 4 {
		t.Fatalf("expected balance 4, got %d", got)
	}
}

func TestDeliverRejectsWithoutCredits(t *testing.T) {
	env := newTestEnv(t, nil)
	userID := uuid.New()
	env.fund(t, userID, 5)

	outcome, err := env.dispatcher.Deliver(context.Background(), reminder(userID, "D2"))
	if err != nil || outcome != OutcomeRejected {
		t.Fatalf("expected rejected, got %s (%v)", outcome, err)
	}
	if env.sent["D2"] != 0 {
		t.Fatal("message sent without credits")
	}
}

func TestDeliverRefundsFailedSend(t *testing.T) {
	ctx := context.Background()
	sendErr := errors.New("gateway timeout")
	env := newTestEnv(t, TransportFunc(func(context.Context, *PendingNotification) error {
		return sendErr
	}))
	userID := uuid.New()
	env.fund(t, userID, 10)

	outcome, err := env.dispatcher.Deliver(ctx, reminder(userID, "D3"))
	if outcome != OutcomeFailed || !errors.Is(err, sendErr) {
		t.Fatalf("expected failed with send error, got %s (%v)", outcome, err)
	}
	if got := env.balance(t, userID); got != 10 {
		t.Fatalf("expected refund to restore 10, got %d", got)
	}

	u, err := env.repo.GetUsage(ctx, "D3")
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if u.Status != credit.UsageRefunded {
		t.Fatalf("expected refunded, got %s", u.Status)
	}
}

func TestDeliverRefundsPanickingTransport(t *testing.T) {
	env := newTestEnv(t, TransportFunc(func(context.Context, *PendingNotification) error {
		panic("nil client")
	}))
	userID := uuid.New()
	env.fund(t, userID, 6)

	outcome, err := env.dispatcher.Deliver(context.Background(), reminder(userID, "D4"))
	if outcome != OutcomeFailed || !errors.Is(err, ErrTransportPanic) {
		t.Fatalf("expected failed with panic error, got %s (%v)", outcome, err)
	}
	if got := env.balance(t, userID); got != 6 {
		t.Fatalf("expected refund to restore 6, got %d", got)
	}
}

func TestDeliverRetryAfterFailureChargesAgain(t *testing.T) {
	ctx := context.Background()
	fail := true
	var env *testEnv
	env = newTestEnv(t, TransportFunc(func(_ context.Context, n *PendingNotification) error {
		if fail {
			return errors.New("temporary")
		}
		env.sent[n.ID]++
		return nil
	}))
	userID := uuid.New()
	env.fund(t, userID, 6)

	if outcome, _ := env.dispatcher.Deliver(ctx, reminder(userID, "D5")); outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}

	fail = false
	outcome, err := env.dispatcher.Deliver(ctx, reminder(userID, "D5"))
	if err != nil || outcome != OutcomeSent {
		t.Fatalf("expected sent, got %s (%v)", outcome, err)
	}
	if got := env.balance(t, userID); got != 0 {
		t.Fatalf("expected one net charge, balance %d", got)
	}
}

func TestDeliverRefundsWhenContextEndsDuringSend(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t, TransportFunc(func(ctx context.Context, _ *PendingNotification) error {
		cancel()
		return ctx.Err()
	}))
	userID := uuid.New()
	env.fund(t, userID, 6)

	outcome, err := env.dispatcher.Deliver(ctx, reminder(userID, "D6"))
	if outcome != OutcomeFailed || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected failed with context error, got %s (%v)", outcome, err)
	}
	if got := env.balance(t, userID); got != 6 {
		t.Fatalf("expected refund after cancellation, balance %d", got)
	}
}

func TestDeliverUnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	n := reminder(uuid.New(), "D7")
	n.Channel = credit.ServiceWhatsApp

	outcome, err := env.dispatcher.Deliver(context.Background(), n)
	if outcome != OutcomeFailed || !errors.Is(err, ErrNoTransport) {
		t.Fatalf("expected ErrNoTransport, got %s (%v)", outcome, err)
	}
}

func TestDeliverWithBillingDisabled(t *testing.T) {
	sent := 0
	d := NewDispatcher(billing.NoopGuard{}, nil)
	d.Register(credit.ServiceEmail, TransportFunc(func(context.Context, *PendingNotification) error {
		sent++
		return nil
	}))

	n := reminder(uuid.New(), "D8")
	n.Channel = credit.ServiceEmail
	for i := 0; i < 2; i++ {
		if outcome, err := d.Deliver(context.Background(), n); err != nil || outcome != OutcomeSent {
			t.Fatalf("expected sent, got %s (%v)", outcome, err)
		}
	}
	if sent != 2 {
		t.Fatalf("expected 2 sends, got %d", sent)
	}
}

func TestRegisterWhileDelivering(t *testing.T) {
	var sent atomic.Int64
	count := TransportFunc(func(context.Context, *PendingNotification) error {
		sent.Add(1)
		return nil
	})
	d := NewDispatcher(billing.NoopGuard{}, map[credit.ServiceType]Transport{credit.ServiceSMS: count})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			d.Register(credit.ServiceWhatsApp, count)
		}
	}()
	go func() {
		defer wg.Done()
		n := reminder(uuid.New(), "D9")
		for i := 0; i < 100; i++ {
			if outcome, err := d.Deliver(context.Background(), n); err != nil || outcome != OutcomeSent {
				t.Errorf("expected sent, got %s (%v)", outcome, err)
				return
			}
		}
	}()
	wg.Wait()

	n := reminder(uuid.New(), "D10")
	n.Channel = credit.ServiceWhatsApp
	if outcome, err := d.Deliver(context.Background(), n); err != nil || outcome != OutcomeSent {
		t.Fatalf("expected sent over registered channel, got %s (%v)", outcome, err)
	}
	if got := sent.Load(); got != 101 {
		t.Fatalf("expected 101 sends, got %d", got)
	}
}
