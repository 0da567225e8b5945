package credit

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/meetslot/meetslot-api/internal/pkg/metrics"
)

// TopupMeta describes a top-up row before the ledger stamps it.
type TopupMeta struct {
	Type          TopupType
	AmountPaid    decimal.Decimal
	Currency      string
	ReferenceID   string
	UserPackageID uuid.NullUUID
	Description   string
}

// Service is the read/admin surface of the credit ledger and the entry point
// for out-of-band top-ups.
type Service struct {
	repo    Repository
	ledger  *Ledger
	costs   *CostTable
	metrics *metrics.BillingMetrics
}

func NewService(repo Repository, ledger *Ledger, costs *CostTable) *Service {
	return &Service{repo: repo, ledger: ledger, costs: costs, metrics: metrics.Get()}
}

func (s *Service) Ledger() *Ledger { return s.ledger }

func (s *Service) Costs() *CostTable { return s.costs }

func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID) (*Account, error) {
	return s.ledger.GetOrCreate(ctx, userID)
}

// AddCredits appends a top-up of the given kind. A top-up whose reference was
// already recorded is not applied twice; the stored row is returned with applied=false.
func (s *Service) AddCredits(ctx context.Context, userID uuid.UUID, credits int, meta TopupMeta) (*TopupEntry, bool, error) {
	if credits < 0 {
		return nil, false, ErrInvalidAmount
	}
	if !meta.Type.valid() || meta.Type == TopupForfeiture {
		return nil, false, ErrInvalidTopupType
	}

	if meta.ReferenceID != "" {
		existing, err := s.repo.GetTopupByReference(ctx, meta.ReferenceID)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return replayed(existing, userID, meta.Type)
		}
	}

	topup := s.newTopup(meta)
	if _, err := s.ledger.Credit(ctx, userID, credits, topup, nil); err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			existing, getErr := s.repo.GetTopupByReference(ctx, meta.ReferenceID)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing == nil {
				return nil, false, err
			}
			return replayed(existing, userID, meta.Type)
		}
		return nil, false, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Str("type", string(meta.Type)).
		Int("credits", credits).
		Int("balance_after", topup.BalanceAfter).
		Str("reference_id", meta.ReferenceID).
		Msg("credit topup applied")
	return topup, true, nil
}

// Forfeit removes up to credits from the balance. It is idempotent by reference.
func (s *Service) Forfeit(ctx context.Context, userID uuid.UUID, credits int, meta TopupMeta) (int, error) {
	if credits < 0 {
		return 0, ErrInvalidAmount
	}
	meta.Type = TopupForfeiture

	if meta.ReferenceID != "" {
		existing, err := s.repo.GetTopupByReference(ctx, meta.ReferenceID)
		if err != nil {
			return 0, err
		}
		if existing != nil {
			if _, _, err := replayed(existing, userID, TopupForfeiture); err != nil {
				return 0, err
			}
			return -existing.CreditsAdded, nil
		}
	}

	topup := s.newTopup(meta)
	_, taken, err := s.ledger.Debit(ctx, userID, credits, topup)
	if err != nil {
		if errors.Is(err, ErrDuplicateReference) {
			return 0, nil
		}
		return 0, err
	}

	log.Info().
		Str("user_id", userID.String()).
		Int("requested", credits).
		Int("forfeited", taken).
		Str("reference_id", meta.ReferenceID).
		Msg("credits forfeited")
	return taken, nil
}

// Purchase records credits bought by the user.
func (s *Service) Purchase(ctx context.Context, userID uuid.UUID, credits int, amountPaid decimal.Decimal, currency, referenceID string) (*TopupEntry, error) {
	if credits <= 0 || amountPaid.IsNegative() {
		return nil, ErrInvalidAmount
	}
	topup, _, err := s.AddCredits(ctx, userID, credits, TopupMeta{
		Type:        TopupPurchase,
		AmountPaid:  amountPaid,
		Currency:    currency,
		ReferenceID: referenceID,
		Description: "Credit purchase",
	})
	return topup, err
}

// Grant records credits given by an administrator.
func (s *Service) Grant(ctx context.Context, userID, adminID uuid.UUID, credits int, referenceID, reason string) (*TopupEntry, error) {
	if credits <= 0 {
		return nil, ErrInvalidAmount
	}
	description := "Admin grant by " + adminID.String()
	if reason != "" {
		description += ": " + reason
	}
	topup, _, err := s.AddCredits(ctx, userID, credits, TopupMeta{
		Type:        TopupAdminGrant,
		ReferenceID: referenceID,
		Description: description,
	})
	return topup, err
}

func (s *Service) SetUnlimited(ctx context.Context, userID uuid.UUID, unlimited bool, expiresAt *time.Time) (*Account, error) {
	acc, err := s.ledger.SetUnlimited(ctx, userID, unlimited, expiresAt)
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Bool("unlimited", unlimited).Msg("credit unlimited mode changed")
	return acc, nil
}

func (s *Service) ListUsage(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]UsageEntry, error) {
	return s.repo.ListUsage(ctx, userID, pagination)
}

func (s *Service) SearchUsage(ctx context.Context, filters UsageFilters) ([]UsageEntry, error) {
	return s.repo.SearchUsage(ctx, filters)
}

func (s *Service) ListTopups(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TopupEntry, error) {
	return s.repo.ListTopups(ctx, userID, pagination)
}

// CountStaleReservations reports reservations that never settled within olderThan.
func (s *Service) CountStaleReservations(ctx context.Context, olderThan time.Duration) (int, error) {
	count, err := s.repo.CountReservedBefore(ctx, s.ledger.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	s.metrics.StaleReservation.Set(float64(count))
	if count > 0 {
		log.Warn().Int("count", count).Dur("older_than", olderThan).Msg("stale credit reservations found")
	}
	return count, nil
}

// replayed answers a top-up whose reference is already stored. The stored row
// only counts as the same top-up when it has the same owner and kind.
func replayed(existing *TopupEntry, userID uuid.UUID, kind TopupType) (*TopupEntry, bool, error) {
	if existing.UserID != userID || existing.TransactionType != kind {
		log.Warn().
			Str("user_id", userID.String()).
			Str("reference_id", existing.ReferenceID.String).
			Str("type", string(kind)).
			Msg("topup reference reused by a different top-up")
		return nil, false, ErrReferenceConflict
	}
	return existing, false, nil
}

func (s *Service) newTopup(meta TopupMeta) *TopupEntry {
	topup := &TopupEntry{
		AmountPaid:      meta.AmountPaid,
		Currency:        meta.Currency,
		TransactionType: meta.Type,
		UserPackageID:   meta.UserPackageID,
		Description:     meta.Description,
	}
	if meta.ReferenceID != "" {
		topup.ReferenceID = sql.NullString{String: meta.ReferenceID, Valid: true}
	}
	return topup
}
