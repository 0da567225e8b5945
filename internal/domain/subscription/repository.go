package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

const queryTimeout = 3 * time.Second

// Repository defines package data access
type Repository interface {
	// Packages
	GetPackage(ctx context.Context, id uuid.UUID) (*Package, error)
	ListPackages(ctx context.Context) ([]*Package, error)

	// User packages
	Create(ctx context.Context, up *UserPackage) error
	GetByID(ctx context.Context, id uuid.UUID) (*UserPackage, error)
	GetActiveByUserID(ctx context.Context, userID uuid.UUID) (*UserPackage, error)
	// AdvancePeriod moves an active package to next only while its end date and
	// usage are still oldEnd and oldUsed. The advanced row has grants pending.
	AdvancePeriod(ctx context.Context, id uuid.UUID, oldEnd time.Time, oldUsed int, next Period) (bool, error)
	// MarkGranted clears grants_pending once the period starting at periodStart is on the ledger.
	MarkGranted(ctx context.Context, id uuid.UUID, periodStart time.Time) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	Expire(ctx context.Context, id uuid.UUID) (bool, error)
	AddUsage(ctx context.Context, id uuid.UUID, credits int) error
	// ListDue returns packages whose period ended at or before now.
	// renewable selects active auto-renew packages plus active ones with grants
	// pending; otherwise the ones to expire.
	ListDue(ctx context.Context, now time.Time, renewable bool, limit int) ([]*UserPackage, error)
}

type repository struct {
	db *sqlx.DB
}

// NewRepository creates package repository
func NewRepository(db *sqlx.DB) Repository {
	return &repository{db: db}
}

const packageColumns = `id, name, price, currency, credits_included, rollover_percentage,
	duration_days, forfeit_on_expiry, is_active, created_at`

const userPackageColumns = `id, user_id, package_id, status, start_date, end_date, credits_granted,
	credits_used, grants_pending, auto_renew, cancelled_at, cancel_reason, created_at, updated_at`

// Packages

func (r *repository) GetPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var p Package
	err := r.db.GetContext(ctx2, &p, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get package: %v", ErrInternal, err)
	}
	return &p, nil
}

func (r *repository) ListPackages(ctx context.Context) ([]*Package, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var packages []*Package
	err := r.db.SelectContext(ctx2, &packages, `
		SELECT `+packageColumns+`
		FROM packages
		WHERE is_active = true
		ORDER BY price
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list packages: %v", ErrInternal, err)
	}
	return packages, nil
}

// User packages

func (r *repository) Create(ctx context.Context, up *UserPackage) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO user_packages (
			id, user_id, package_id, status, start_date, end_date,
			credits_granted, credits_used, grants_pending, auto_renew, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, up.ID, up.UserID, up.PackageID, up.Status, up.StartDate, up.EndDate,
		up.CreditsGranted, up.CreditsUsed, up.GrantsPending, up.AutoRenew, up.CreatedAt, up.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%w: create user package: %v", ErrInternal, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*UserPackage, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var up UserPackage
	err := r.db.GetContext(ctx2, &up, `SELECT `+userPackageColumns+` FROM user_packages WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get user package: %v", ErrInternal, err)
	}
	return &up, nil
}

func (r *repository) GetActiveByUserID(ctx context.Context, userID uuid.UUID) (*UserPackage, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var up UserPackage
	err := r.db.GetContext(ctx2, &up, `
		SELECT `+userPackageColumns+`
		FROM user_packages
		WHERE user_id = $1 AND status = 'active'
		ORDER BY created_at DESC
		LIMIT 1
	`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get active user package: %v", ErrInternal, err)
	}
	return &up, nil
}

func (r *repository) AdvancePeriod(ctx context.Context, id uuid.UUID, oldEnd time.Time, oldUsed int, next Period) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE user_packages SET
			start_date = $4, end_date = $5, credits_granted = $6, credits_used = 0,
			grants_pending = true, updated_at = NOW()
		WHERE id = $1 AND end_date = $2 AND credits_used = $3
			AND status = 'active' AND grants_pending = false
	`, id, oldEnd, oldUsed, next.StartDate, next.EndDate, next.CreditsGranted)
	if err != nil {
		return false, fmt.Errorf("%w: advance period: %v", ErrInternal, err)
	}
	return affectedOne(result)
}

func (r *repository) MarkGranted(ctx context.Context, id uuid.UUID, periodStart time.Time) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE user_packages SET grants_pending = false, updated_at = NOW()
		WHERE id = $1 AND start_date = $2 AND grants_pending = true
	`, id, periodStart)
	if err != nil {
		return false, fmt.Errorf("%w: mark granted: %v", ErrInternal, err)
	}
	return affectedOne(result)
}

func (r *repository) Cancel(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE user_packages SET
			status = 'cancelled', cancelled_at = NOW(), cancel_reason = $2, auto_renew = false, updated_at = NOW()
		WHERE id = $1 AND status = 'active'
	`, id, reason)
	if err != nil {
		return false, fmt.Errorf("%w: cancel user package: %v", ErrInternal, err)
	}
	return affectedOne(result)
}

func (r *repository) Expire(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE user_packages SET
			status = 'expired', auto_renew = false, updated_at = NOW()
		WHERE id = $1 AND status IN ('active', 'cancelled')
	`, id)
	if err != nil {
		return false, fmt.Errorf("%w: expire user package: %v", ErrInternal, err)
	}
	return affectedOne(result)
}

func (r *repository) AddUsage(ctx context.Context, id uuid.UUID, credits int) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		UPDATE user_packages SET credits_used = credits_used + $2, updated_at = NOW()
		WHERE id = $1
	`, id, credits)
	if err != nil {
		return fmt.Errorf("%w: add usage: %v", ErrInternal, err)
	}
	return nil
}

func (r *repository) ListDue(ctx context.Context, now time.Time, renewable bool, limit int) ([]*UserPackage, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cond := `status = 'active' AND (grants_pending = true OR (auto_renew = true AND end_date <= $1))`
	if !renewable {
		cond = `(status = 'cancelled' OR (status = 'active' AND auto_renew = false)) AND end_date <= $1`
	}

	var due []*UserPackage
	err := r.db.SelectContext(ctx2, &due, `
		SELECT `+userPackageColumns+`
		FROM user_packages
		WHERE `+cond+`
		ORDER BY end_date
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list due packages: %v", ErrInternal, err)
	}
	return due, nil
}

func affectedOne(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows == 1, nil
}
