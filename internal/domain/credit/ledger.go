package credit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/pkg/metrics"
)

const (
	defaultMaxAttempts = 5
	defaultBackoff     = 5 * time.Millisecond
	maxBackoff         = 250 * time.Millisecond
)

// LedgerOptions tunes the optimistic concurrency loop.
type LedgerOptions struct {
	MaxAttempts int
	Backoff     time.Duration
	Now         func() time.Time
}

// Ledger owns every balance mutation. Each write reads the account, checks the
// rule, and commits conditioned on the version it read; lost races are retried.
type Ledger struct {
	repo        Repository
	maxAttempts uint
	backoff     time.Duration
	now         func() time.Time
	metrics     *metrics.BillingMetrics
}

func NewLedger(repo Repository, opts LedgerOptions) *Ledger {
	l := &Ledger{
		repo:        repo,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		now:         time.Now,
		metrics:     metrics.Get(),
	}
	if opts.MaxAttempts > 0 {
		l.maxAttempts = uint(opts.MaxAttempts)
	}
	if opts.Backoff > 0 {
		l.backoff = opts.Backoff
	}
	if opts.Now != nil {
		l.now = opts.Now
	}
	return l
}

// Now returns the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

func (l *Ledger) GetOrCreate(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return l.repo.GetOrCreateAccount(ctx, userID)
}

// TryDebit takes amount from the balance and records usage as a reserved row in
// the same write. While the account is unlimited the balance is left untouched
// and the row is marked WasUnlimited.
func (l *Ledger) TryDebit(ctx context.Context, userID uuid.UUID, amount int, usage *UsageEntry) (*Account, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}
	if !usage.ServiceType.Valid() {
		return nil, ErrInvalidServiceType
	}

	return l.retry(ctx, "debit", userID, func() (*Account, error) {
		acc, err := l.repo.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return nil, err
		}

		now := l.now()
		unlimited := acc.UnlimitedActive(now)
		balance := acc.Balance
		if !unlimited {
			if balance < amount {
				return nil, ErrInsufficientCredits
			}
			balance -= amount
		}

		if usage.ID == uuid.Nil {
			usage.ID = uuid.New()
		}
		usage.UserID = userID
		usage.CreditsUsed = amount
		usage.BalanceAfter = balance
		usage.WasUnlimited = unlimited
		usage.UsedAt = now

		w := LedgerWrite{UserID: userID, ExpectedVersion: acc.Version, Balance: balance}
		if err := l.repo.WriteDebit(ctx, w, usage); err != nil {
			return nil, err
		}
		return l.applied(acc, balance), nil
	})
}

// Credit adds amount and appends topup. When settle is set, the usage row it
// names must still be reserved; it moves to settle.To in the same write.
func (l *Ledger) Credit(ctx context.Context, userID uuid.UUID, amount int, topup *TopupEntry, settle *Settlement) (*Account, error) {
	if amount < 0 {
		return nil, ErrInvalidAmount
	}

	acc, err := l.retry(ctx, "credit", userID, func() (*Account, error) {
		acc, err := l.repo.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return nil, err
		}

		balance := acc.Balance + amount
		l.stampTopup(topup, userID, amount, balance)

		w := LedgerWrite{UserID: userID, ExpectedVersion: acc.Version, Balance: balance}
		if err := l.repo.WriteCredit(ctx, w, topup, settle); err != nil {
			return nil, err
		}
		return l.applied(acc, balance), nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.TopupTotal.WithLabelValues(string(topup.TransactionType)).Inc()
	l.metrics.TopupCredits.WithLabelValues(string(topup.TransactionType)).Add(float64(amount))
	return acc, nil
}

// Debit removes up to amount outside of a send (forfeiture). The amount is
// clamped at the current balance; the second return value is what was taken.
func (l *Ledger) Debit(ctx context.Context, userID uuid.UUID, amount int, topup *TopupEntry) (*Account, int, error) {
	if amount < 0 {
		return nil, 0, ErrInvalidAmount
	}

	var taken int
	acc, err := l.retry(ctx, "forfeit", userID, func() (*Account, error) {
		acc, err := l.repo.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return nil, err
		}

		taken = min(amount, acc.Balance)
		balance := acc.Balance - taken
		l.stampTopup(topup, userID, -taken, balance)

		w := LedgerWrite{UserID: userID, ExpectedVersion: acc.Version, Balance: balance}
		if err := l.repo.WriteCredit(ctx, w, topup, nil); err != nil {
			return nil, err
		}
		return l.applied(acc, balance), nil
	})
	if err != nil {
		return nil, 0, err
	}

	l.metrics.TopupTotal.WithLabelValues(string(topup.TransactionType)).Inc()
	l.metrics.CreditsForfeited.Add(float64(taken))
	return acc, taken, nil
}

// SetUnlimited toggles the unlimited flag. A nil expiresAt means no expiry.
func (l *Ledger) SetUnlimited(ctx context.Context, userID uuid.UUID, unlimited bool, expiresAt *time.Time) (*Account, error) {
	until := sql.NullTime{}
	if unlimited && expiresAt != nil {
		until = sql.NullTime{Time: *expiresAt, Valid: true}
	}

	return l.retry(ctx, "unlimited", userID, func() (*Account, error) {
		acc, err := l.repo.GetOrCreateAccount(ctx, userID)
		if err != nil {
			return nil, err
		}
		if err := l.repo.WriteUnlimited(ctx, userID, acc.Version, unlimited, until); err != nil {
			return nil, err
		}
		out := l.applied(acc, acc.Balance)
		out.IsUnlimited = unlimited
		out.UnlimitedExpiresAt = until
		return out, nil
	})
}

func (l *Ledger) stampTopup(topup *TopupEntry, userID uuid.UUID, delta, balance int) {
	if topup.ID == uuid.Nil {
		topup.ID = uuid.New()
	}
	if topup.CreatedAt.IsZero() {
		topup.CreatedAt = l.now()
	}
	if topup.Currency == "" {
		topup.Currency = "USD"
	}
	topup.UserID = userID
	topup.CreditsAdded = delta
	topup.BalanceAfter = balance
}

func (l *Ledger) applied(acc *Account, balance int) *Account {
	out := *acc
	out.Balance = balance
	out.Version++
	out.UpdatedAt = l.now()
	return &out
}

// retry runs op until it commits. Only ErrVersionMismatch is retried; when the
// attempts run out the caller sees ErrConcurrencyConflict.
func (l *Ledger) retry(ctx context.Context, op string, userID uuid.UUID, fn func() (*Account, error)) (*Account, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.backoff
	b.MaxInterval = maxBackoff

	acc, err := backoff.Retry(ctx, func() (*Account, error) {
		if err := ctx.Err(); err != nil {
			return nil, backoff.Permanent(err)
		}
		acc, err := fn()
		if err == nil {
			return acc, nil
		}
		if errors.Is(err, ErrVersionMismatch) {
			l.metrics.LedgerConflicts.WithLabelValues(op).Inc()
			return nil, err
		}
		return nil, backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(l.maxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return acc, nil
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrVersionMismatch) {
		l.metrics.LedgerExhausted.WithLabelValues(op).Inc()
		log.Warn().
			Str("op", op).
			Str("user_id", userID.String()).
			Uint("attempts", l.maxAttempts).
			Msg("credit ledger retries exhausted")
		return nil, ErrConcurrencyConflict
	}
	return nil, err
}
