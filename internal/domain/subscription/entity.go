package subscription

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status represents user package status
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Package is a sellable bundle of credits for a fixed period.
type Package struct {
	ID                 uuid.UUID       `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Price              decimal.Decimal `db:"price" json:"price"`
	Currency           string          `db:"currency" json:"currency"`
	CreditsIncluded    sql.NullInt32   `db:"credits_included" json:"-"` // NULL = unlimited
	RolloverPercentage sql.NullInt32   `db:"rollover_percentage" json:"-"`
	DurationDays       int             `db:"duration_days" json:"duration_days"`
	ForfeitOnExpiry    bool            `db:"forfeit_on_expiry" json:"forfeit_on_expiry"`
	IsActive           bool            `db:"is_active" json:"is_active"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// IsUnlimited reports whether the package lifts the balance check instead of granting credits.
func (p *Package) IsUnlimited() bool {
	return !p.CreditsIncluded.Valid
}

// Included returns the credits granted per period, 0 for unlimited packages.
func (p *Package) Included() int {
	if !p.CreditsIncluded.Valid {
		return 0
	}
	return int(p.CreditsIncluded.Int32)
}

// Rollover returns floor(remaining * pct / 100); zero when the package has no rollover.
func (p *Package) Rollover(remaining int) int {
	if !p.RolloverPercentage.Valid || remaining <= 0 {
		return 0
	}
	return remaining * int(p.RolloverPercentage.Int32) / 100
}

// UserPackage is one user's subscription to a package. Renewal advances the
// period in place.
type UserPackage struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	UserID         uuid.UUID      `db:"user_id" json:"user_id"`
	PackageID      uuid.UUID      `db:"package_id" json:"package_id"`
	Status         Status         `db:"status" json:"status"`
	StartDate      time.Time      `db:"start_date" json:"start_date"`
	EndDate        time.Time      `db:"end_date" json:"end_date"`
	CreditsGranted int            `db:"credits_granted" json:"credits_granted"`
	CreditsUsed    int            `db:"credits_used" json:"credits_used"`
	GrantsPending  bool           `db:"grants_pending" json:"-"` // period advanced, ledger grants not yet confirmed
	AutoRenew      bool           `db:"auto_renew" json:"auto_renew"`
	CancelledAt    sql.NullTime   `db:"cancelled_at" json:"-"`
	CancelReason   sql.NullString `db:"cancel_reason" json:"-"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// RemainingCredits returns max(0, granted - used)
func (u *UserPackage) RemainingCredits() int {
	if u.CreditsUsed >= u.CreditsGranted {
		return 0
	}
	return u.CreditsGranted - u.CreditsUsed
}

// IsActiveAt checks status and period end at the given instant
func (u *UserPackage) IsActiveAt(now time.Time) bool {
	return u.Status == StatusActive && u.EndDate.After(now)
}

// IsActive checks if the package is active now
func (u *UserPackage) IsActive() bool {
	return u.IsActiveAt(time.Now())
}

// DaysRemaining returns whole days until the period ends
func (u *UserPackage) DaysRemaining(now time.Time) int {
	remaining := u.EndDate.Sub(now)
	if remaining < 0 {
		return 0
	}
	return int(remaining.Hours() / 24)
}

// Period is the mutable part of a user package that renewal replaces.
type Period struct {
	StartDate      time.Time
	EndDate        time.Time
	CreditsGranted int
}
