package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/pkg/metrics"
)

// lost idempotency races re-read the usage row at most this many times
const maxReserveRounds = 3

// ReserveRequest asks to hold credits for one notification.
type ReserveRequest struct {
	UserID            uuid.UUID
	ServiceType       credit.ServiceType
	NotificationID    string
	Recipient         string
	RelatedEntityType string
}

// ReserveResult tells the sender what to do next.
//
// Success with AlreadySent: the message went out before, do not send again.
// Success with AlreadyCharged: a reservation is open from an earlier attempt, send without charging.
// !Success: the send must not happen; ErrorMessage explains why.
type ReserveResult struct {
	Success         bool   `json:"success"`
	AlreadyCharged  bool   `json:"already_charged,omitempty"`
	AlreadySent     bool   `json:"already_sent,omitempty"`
	CreditsReserved int    `json:"credits_reserved"`
	BalanceAfter    int    `json:"balance_after"`
	WasUnlimited    bool   `json:"was_unlimited,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// Guard is the reservation protocol every channel sender goes through.
// All methods are idempotent per notification id.
type Guard interface {
	ReserveCredits(ctx context.Context, req ReserveRequest) (ReserveResult, error)
	ConfirmCreditsUsed(ctx context.Context, notificationID string) error
	RefundCredits(ctx context.Context, notificationID string) error
}

// UsageObserver is told how many credits a confirmed send consumed.
type UsageObserver interface {
	RecordUsage(ctx context.Context, userID uuid.UUID, credits int) error
}

type guard struct {
	repo     credit.Repository
	ledger   *credit.Ledger
	costs    *credit.CostTable
	observer UsageObserver
	metrics  *metrics.BillingMetrics
}

// NewGuard wires the protocol over the credit ledger. observer may be nil.
func NewGuard(repo credit.Repository, ledger *credit.Ledger, costs *credit.CostTable, observer UsageObserver) Guard {
	return &guard{
		repo:     repo,
		ledger:   ledger,
		costs:    costs,
		observer: observer,
		metrics:  metrics.Get(),
	}
}

func (g *guard) ReserveCredits(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if req.NotificationID == "" {
		return ReserveResult{}, ErrMissingNotificationID
	}
	if req.UserID == uuid.Nil {
		return ReserveResult{}, ErrMissingUserID
	}
	if !req.ServiceType.Valid() {
		return ReserveResult{}, credit.ErrInvalidServiceType
	}

	service := string(req.ServiceType)
	start := time.Now()
	defer func() {
		g.metrics.ReserveDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}()

	for round := 0; round < maxReserveRounds; round++ {
		existing, err := g.repo.GetUsage(ctx, req.NotificationID)
		switch {
		case err == nil:
			if res, done := g.answerExisting(existing, req); done {
				return res, nil
			}
		case !errors.Is(err, credit.ErrUsageNotFound):
			g.metrics.ReserveTotal.WithLabelValues(service, "error").Inc()
			return ReserveResult{}, err
		}

		cost, err := g.costs.Cost(ctx, req.ServiceType)
		if err != nil {
			g.metrics.ReserveTotal.WithLabelValues(service, "error").Inc()
			return ReserveResult{}, err
		}

		usage := &credit.UsageEntry{
			ServiceType:       req.ServiceType,
			RelatedEntityID:   req.NotificationID,
			RelatedEntityType: req.RelatedEntityType,
			Recipient:         req.Recipient,
		}
		_, err = g.ledger.TryDebit(ctx, req.UserID, cost, usage)
		switch {
		case err == nil:
			result := "reserved"
			if usage.WasUnlimited {
				result = "unlimited"
			} else {
				g.metrics.CreditsDebited.WithLabelValues(service).Add(float64(cost))
			}
			g.metrics.ReserveTotal.WithLabelValues(service, result).Inc()
			log.Debug().
				Str("notification_id", req.NotificationID).
				Str("user_id", req.UserID.String()).
				Str("service_type", service).
				Int("credits", cost).
				Int("balance_after", usage.BalanceAfter).
				Int("attempt", usage.Attempts).
				Msg("credits reserved")
			return ReserveResult{
				Success:         true,
				CreditsReserved: cost,
				BalanceAfter:    usage.BalanceAfter,
				WasUnlimited:    usage.WasUnlimited,
			}, nil

		case errors.Is(err, credit.ErrInsufficientCredits):
			g.metrics.ReserveTotal.WithLabelValues(service, "insufficient").Inc()
			log.Info().
				Str("notification_id", req.NotificationID).
				Str("user_id", req.UserID.String()).
				Str("service_type", service).
				Int("credits", cost).
				Msg("reservation rejected: insufficient credits")
			return ReserveResult{Success: false, ErrorMessage: "insufficient credits"}, nil

		case errors.Is(err, credit.ErrDuplicateUsage):
			// another sender holds the row now; answer from what it wrote
			continue

		default:
			g.metrics.ReserveTotal.WithLabelValues(service, "error").Inc()
			return ReserveResult{}, err
		}
	}

	g.metrics.ReserveTotal.WithLabelValues(service, "error").Inc()
	return ReserveResult{}, fmt.Errorf("reserve %s: %w", req.NotificationID, credit.ErrConcurrencyConflict)
}

// answerExisting resolves a reservation from the stored row. done is false
// when the row was refunded and a fresh debit is due.
func (g *guard) answerExisting(u *credit.UsageEntry, req ReserveRequest) (ReserveResult, bool) {
	service := string(req.ServiceType)
	if u.UserID != req.UserID {
		log.Warn().
			Str("notification_id", req.NotificationID).
			Str("usage_user_id", u.UserID.String()).
			Str("request_user_id", req.UserID.String()).
			Msg("reservation user differs from stored usage row")
	}

	switch u.Status {
	case credit.UsageConfirmed:
		g.metrics.ReserveTotal.WithLabelValues(service, "already_sent").Inc()
		log.Info().Str("notification_id", req.NotificationID).Msg("notification already sent, skipping charge")
		return ReserveResult{Success: true, AlreadySent: true, CreditsReserved: u.CreditsUsed, BalanceAfter: u.BalanceAfter, WasUnlimited: u.WasUnlimited}, true
	case credit.UsageReserved:
		g.metrics.ReserveTotal.WithLabelValues(service, "already_charged").Inc()
		log.Info().Str("notification_id", req.NotificationID).Msg("notification already charged, reusing reservation")
		return ReserveResult{Success: true, AlreadyCharged: true, CreditsReserved: u.CreditsUsed, BalanceAfter: u.BalanceAfter, WasUnlimited: u.WasUnlimited}, true
	}
	return ReserveResult{}, false
}

func (g *guard) ConfirmCreditsUsed(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return ErrMissingNotificationID
	}

	u, err := g.repo.GetUsage(ctx, notificationID)
	if err != nil {
		if errors.Is(err, credit.ErrUsageNotFound) {
			g.integrityFault("confirm", notificationID)
			return nil
		}
		g.metrics.ConfirmTotal.WithLabelValues("error").Inc()
		return err
	}
	if u.Status != credit.UsageReserved {
		g.metrics.ConfirmTotal.WithLabelValues("noop").Inc()
		log.Debug().Str("notification_id", notificationID).Str("status", string(u.Status)).Msg("confirm on settled reservation ignored")
		return nil
	}

	ok, err := g.repo.SettleUsage(ctx, notificationID, credit.UsageConfirmed)
	if err != nil {
		g.metrics.ConfirmTotal.WithLabelValues("error").Inc()
		return err
	}
	if !ok {
		g.metrics.ConfirmTotal.WithLabelValues("noop").Inc()
		log.Debug().Str("notification_id", notificationID).Msg("reservation settled concurrently, confirm ignored")
		return nil
	}
	g.metrics.ConfirmTotal.WithLabelValues("confirmed").Inc()

	if g.observer != nil && !u.WasUnlimited && u.CreditsUsed > 0 {
		if err := g.observer.RecordUsage(ctx, u.UserID, u.CreditsUsed); err != nil {
			log.Warn().Err(err).
				Str("notification_id", notificationID).
				Str("user_id", u.UserID.String()).
				Msg("package usage tracking failed")
		}
	}
	return nil
}

func (g *guard) RefundCredits(ctx context.Context, notificationID string) error {
	if notificationID == "" {
		return ErrMissingNotificationID
	}

	u, err := g.repo.GetUsage(ctx, notificationID)
	if err != nil {
		if errors.Is(err, credit.ErrUsageNotFound) {
			g.integrityFault("refund", notificationID)
			return nil
		}
		g.metrics.RefundTotal.WithLabelValues("error").Inc()
		return err
	}
	if u.Status != credit.UsageReserved {
		g.metrics.RefundTotal.WithLabelValues("noop").Inc()
		log.Debug().Str("notification_id", notificationID).Str("status", string(u.Status)).Msg("refund on settled reservation ignored")
		return nil
	}

	if u.WasUnlimited || u.CreditsUsed == 0 {
		if _, err := g.repo.SettleUsage(ctx, notificationID, credit.UsageRefunded); err != nil {
			g.metrics.RefundTotal.WithLabelValues("error").Inc()
			return err
		}
		g.metrics.RefundTotal.WithLabelValues("refunded").Inc()
		return nil
	}

	topup := &credit.TopupEntry{
		TransactionType: credit.TopupRefund,
		RelatedEntityID: sql.NullString{String: notificationID, Valid: true},
		ReferenceID:     sql.NullString{String: fmt.Sprintf("refund:%s:%d", notificationID, u.Attempts), Valid: true},
		Description:     fmt.Sprintf("Refund for undelivered %s message", u.ServiceType),
	}
	settle := &credit.Settlement{RelatedEntityID: notificationID, To: credit.UsageRefunded}

	acc, err := g.ledger.Credit(ctx, u.UserID, u.CreditsUsed, topup, settle)
	if err != nil {
		if errors.Is(err, credit.ErrUsageNotReserved) || errors.Is(err, credit.ErrDuplicateReference) {
			g.metrics.RefundTotal.WithLabelValues("noop").Inc()
			log.Debug().Str("notification_id", notificationID).Msg("reservation settled concurrently, refund ignored")
			return nil
		}
		g.metrics.RefundTotal.WithLabelValues("error").Inc()
		return err
	}

	g.metrics.RefundTotal.WithLabelValues("refunded").Inc()
	g.metrics.CreditsRefunded.Add(float64(u.CreditsUsed))
	log.Info().
		Str("notification_id", notificationID).
		Str("user_id", u.UserID.String()).
		Int("credits", u.CreditsUsed).
		Int("balance_after", acc.Balance).
		Msg("credits refunded")
	return nil
}

func (g *guard) integrityFault(op, notificationID string) {
	g.metrics.IntegrityFaults.WithLabelValues(op).Inc()
	log.Error().
		Str("op", op).
		Str("notification_id", notificationID).
		Msg("no usage row for notification, reservation was never made")
}
