package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/meetslot/meetslot-api/internal/domain/credit"
	"github.com/meetslot/meetslot-api/internal/pkg/metrics"
)

// CreditGranter is the part of the credit service packages feed.
type CreditGranter interface {
	AddCredits(ctx context.Context, userID uuid.UUID, credits int, meta credit.TopupMeta) (*credit.TopupEntry, bool, error)
	Forfeit(ctx context.Context, userID uuid.UUID, credits int, meta credit.TopupMeta) (int, error)
	SetUnlimited(ctx context.Context, userID uuid.UUID, unlimited bool, expiresAt *time.Time) (*credit.Account, error)
}

// usage confirmed during a renewal forces a recompute at most this many times
const maxRenewAttempts = 5

type Service struct {
	repo    Repository
	credits CreditGranter
	metrics *metrics.BillingMetrics
	now     func() time.Time
}

func NewService(repo Repository, credits CreditGranter) *Service {
	return &Service{
		repo:    repo,
		credits: credits,
		metrics: metrics.Get(),
		now:     time.Now,
	}
}

func (s *Service) ListPackages(ctx context.Context) ([]*Package, error) {
	return s.repo.ListPackages(ctx)
}

func (s *Service) GetPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	p, err := s.repo.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrPackageNotFound
	}
	return p, nil
}

// GetCurrent returns the user's active package and its catalog entry.
func (s *Service) GetCurrent(ctx context.Context, userID uuid.UUID) (*UserPackage, *Package, error) {
	up, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if up == nil {
		return nil, nil, ErrNoActivePackage
	}
	p, err := s.GetPackage(ctx, up.PackageID)
	if err != nil {
		return nil, nil, err
	}
	return up, p, nil
}

// Assign starts a new period of packageID for the user. A previously active
// package is cancelled first.
func (s *Service) Assign(ctx context.Context, userID, packageID uuid.UUID, autoRenew bool) (*UserPackage, error) {
	p, err := s.GetPackage(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, ErrPackageNotFound
	}

	previous, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	var previousUnlimited bool
	if previous != nil {
		if _, err := s.repo.Cancel(ctx, previous.ID, "replaced"); err != nil {
			return nil, err
		}
		if prevPkg, err := s.repo.GetPackage(ctx, previous.PackageID); err == nil && prevPkg != nil {
			previousUnlimited = prevPkg.IsUnlimited()
		}
	}

	now := s.clock()
	up := &UserPackage{
		ID:             uuid.New(),
		UserID:         userID,
		PackageID:      p.ID,
		Status:         StatusActive,
		StartDate:      now,
		EndDate:        now.AddDate(0, 0, p.DurationDays),
		CreditsGranted: p.Included(),
		GrantsPending:  true,
		AutoRenew:      autoRenew,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Create(ctx, up); err != nil {
		return nil, err
	}

	if previousUnlimited && !p.IsUnlimited() {
		if _, err := s.credits.SetUnlimited(ctx, userID, false, nil); err != nil {
			return nil, err
		}
	}
	if err := s.applyGrants(ctx, up, p); err != nil {
		s.metrics.PackageEvents.WithLabelValues("assigned", "error").Inc()
		return nil, err
	}

	s.metrics.PackageEvents.WithLabelValues("assigned", "ok").Inc()
	log.Info().
		Str("user_id", userID.String()).
		Str("package_id", p.ID.String()).
		Str("user_package_id", up.ID.String()).
		Int("credits", up.CreditsGranted).
		Time("end_date", up.EndDate).
		Msg("package assigned")
	return up, nil
}

// Renew starts the next period. Unused credits roll over per the package
// percentage. The period advance is conditioned on the end date and usage it
// was computed from, so usage confirmed meanwhile forces a recompute. Grants
// follow the advance and carry period references; a renewal interrupted
// between the two is finished by the next call.
func (s *Service) Renew(ctx context.Context, userPackageID uuid.UUID) (*UserPackage, error) {
	var firstEnd time.Time
	for attempt := 0; attempt < maxRenewAttempts; attempt++ {
		up, err := s.repo.GetByID(ctx, userPackageID)
		if err != nil {
			return nil, err
		}
		if up == nil {
			return nil, ErrUserPackageNotFound
		}
		if up.Status != StatusActive {
			return nil, ErrPackageNotActive
		}
		p, err := s.GetPackage(ctx, up.PackageID)
		if err != nil {
			return nil, err
		}

		if up.GrantsPending {
			if err := s.applyGrants(ctx, up, p); err != nil {
				s.metrics.PackageEvents.WithLabelValues("renewed", "error").Inc()
				return nil, err
			}
			return up, nil
		}
		if attempt == 0 {
			firstEnd = up.EndDate
		} else if !up.EndDate.Equal(firstEnd) {
			// a concurrent renewal advanced the period first
			s.metrics.PackageEvents.WithLabelValues("renewed", "noop").Inc()
			log.Debug().Str("user_package_id", up.ID.String()).Msg("renewal already applied")
			return up, nil
		}

		rollover := p.Rollover(up.RemainingCredits())
		next := Period{
			StartDate:      up.EndDate,
			EndDate:        up.EndDate.AddDate(0, 0, p.DurationDays),
			CreditsGranted: p.Included() + rollover,
		}

		ok, err := s.repo.AdvancePeriod(ctx, up.ID, up.EndDate, up.CreditsUsed, next)
		if err != nil {
			s.metrics.PackageEvents.WithLabelValues("renewed", "error").Inc()
			return nil, err
		}
		if !ok {
			continue
		}

		log.Info().
			Str("user_id", up.UserID.String()).
			Str("user_package_id", up.ID.String()).
			Int("remaining", up.RemainingCredits()).
			Int("rollover", rollover).
			Int("credits_granted", next.CreditsGranted).
			Time("end_date", next.EndDate).
			Msg("package period advanced")

		up.StartDate = next.StartDate
		up.EndDate = next.EndDate
		up.CreditsGranted = next.CreditsGranted
		up.CreditsUsed = 0
		up.GrantsPending = true
		if err := s.applyGrants(ctx, up, p); err != nil {
			s.metrics.PackageEvents.WithLabelValues("renewed", "error").Inc()
			return nil, err
		}
		s.metrics.PackageEvents.WithLabelValues("renewed", "ok").Inc()
		return up, nil
	}

	s.metrics.PackageEvents.WithLabelValues("renewed", "conflict").Inc()
	return nil, ErrRenewalConflict
}

// Cancel stops the user's active package. Credits already granted stay on the ledger.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, reason string) error {
	up, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if up == nil {
		return ErrNoActivePackage
	}

	ok, err := s.repo.Cancel(ctx, up.ID, reason)
	if err != nil {
		return err
	}
	if ok {
		s.metrics.PackageEvents.WithLabelValues("cancelled", "ok").Inc()
		log.Info().Str("user_id", userID.String()).Str("user_package_id", up.ID.String()).Str("reason", reason).Msg("package cancelled")
	}
	return nil
}

// Expire ends a package. With forfeiture enabled the unused credits of the
// period leave the ledger, capped at the current balance.
func (s *Service) Expire(ctx context.Context, userPackageID uuid.UUID) error {
	up, err := s.repo.GetByID(ctx, userPackageID)
	if err != nil {
		return err
	}
	if up == nil {
		return ErrUserPackageNotFound
	}
	p, err := s.GetPackage(ctx, up.PackageID)
	if err != nil {
		return err
	}
	if err := s.applyGrants(ctx, up, p); err != nil {
		return err
	}

	ok, err := s.repo.Expire(ctx, up.ID)
	if err != nil {
		return err
	}
	if !ok && up.Status != StatusExpired {
		return nil
	}
	if ok {
		s.metrics.PackageEvents.WithLabelValues("expired", "ok").Inc()
		log.Info().Str("user_id", up.UserID.String()).Str("user_package_id", up.ID.String()).Msg("package expired")
	}

	// An already expired package still gets its forfeiture, so an interrupted expiry can be re-run.
	if p.ForfeitOnExpiry && !p.IsUnlimited() && up.RemainingCredits() > 0 {
		_, err := s.credits.Forfeit(ctx, up.UserID, up.RemainingCredits(), credit.TopupMeta{
			ReferenceID:   periodReference("forfeit", up.ID, up.StartDate),
			UserPackageID: uuid.NullUUID{UUID: up.ID, Valid: true},
			Description:   fmt.Sprintf("Unused credits of %s forfeited", p.Name),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// RecordUsage adds confirmed credits to the active package's period usage.
func (s *Service) RecordUsage(ctx context.Context, userID uuid.UUID, credits int) error {
	if credits <= 0 {
		return nil
	}
	up, err := s.repo.GetActiveByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if up == nil {
		return nil
	}
	return s.repo.AddUsage(ctx, up.ID, credits)
}

// RenewDue renews every auto-renew package whose period has ended.
// Periods missed entirely are caught up one per call.
func (s *Service) RenewDue(ctx context.Context, batch int) (int, error) {
	due, err := s.repo.ListDue(ctx, s.clock(), true, batch)
	if err != nil {
		return 0, err
	}

	renewed := 0
	for _, up := range due {
		if ctx.Err() != nil {
			return renewed, ctx.Err()
		}
		if _, err := s.Renew(ctx, up.ID); err != nil {
			log.Error().Err(err).Str("user_package_id", up.ID.String()).Msg("package renewal failed")
			continue
		}
		renewed++
	}
	return renewed, nil
}

// ExpireDue expires cancelled and non-renewing packages whose period has ended.
func (s *Service) ExpireDue(ctx context.Context, batch int) (int, error) {
	due, err := s.repo.ListDue(ctx, s.clock(), false, batch)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, up := range due {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		if err := s.Expire(ctx, up.ID); err != nil {
			log.Error().Err(err).Str("user_package_id", up.ID.String()).Msg("package expiry failed")
			continue
		}
		expired++
	}
	return expired, nil
}

// applyGrants feeds the current period of up into the ledger: unlimited mode
// for unlimited packages, otherwise a package_grant row plus a rollover row for
// whatever the period holds beyond the included credits. Both rows are keyed by
// the period start, so re-running after a partial failure grants nothing twice.
func (s *Service) applyGrants(ctx context.Context, up *UserPackage, p *Package) error {
	if !up.GrantsPending {
		return nil
	}
	if err := s.grant(ctx, up, p); err != nil {
		return err
	}
	if _, err := s.repo.MarkGranted(ctx, up.ID, up.StartDate); err != nil {
		return err
	}
	up.GrantsPending = false
	return nil
}

func (s *Service) grant(ctx context.Context, up *UserPackage, p *Package) error {
	if p.IsUnlimited() {
		end := up.EndDate
		_, err := s.credits.SetUnlimited(ctx, up.UserID, true, &end)
		return err
	}

	included := min(p.Included(), up.CreditsGranted)
	rollover := up.CreditsGranted - included

	pkgRef := uuid.NullUUID{UUID: up.ID, Valid: true}
	if included > 0 {
		_, _, err := s.credits.AddCredits(ctx, up.UserID, included, credit.TopupMeta{
			Type:          credit.TopupPackageGrant,
			AmountPaid:    p.Price,
			Currency:      p.Currency,
			ReferenceID:   periodReference("package", up.ID, up.StartDate),
			UserPackageID: pkgRef,
			Description:   fmt.Sprintf("%s credits", p.Name),
		})
		if err != nil {
			return err
		}
	}
	if rollover > 0 {
		_, _, err := s.credits.AddCredits(ctx, up.UserID, rollover, credit.TopupMeta{
			Type:          credit.TopupRollover,
			ReferenceID:   periodReference("rollover", up.ID, up.StartDate),
			UserPackageID: pkgRef,
			Description:   fmt.Sprintf("Rollover from previous %s period", p.Name),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Second)
}

func periodReference(kind string, userPackageID uuid.UUID, periodStart time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, userPackageID, periodStart.Unix())
}
