package subscription

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CancelRequest for POST /packages/cancel
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// AssignRequest for POST /admin/packages/assign
type AssignRequest struct {
	UserID    string `json:"user_id" validate:"required,uuid"`
	PackageID string `json:"package_id" validate:"required,uuid"`
	AutoRenew *bool  `json:"auto_renew,omitempty"`
}

// PackageResponse represents a package in API
type PackageResponse struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	Price              decimal.Decimal `json:"price"`
	Currency           string          `json:"currency"`
	CreditsIncluded    *int            `json:"credits_included"` // null = unlimited
	Unlimited          bool            `json:"unlimited"`
	RolloverPercentage *int            `json:"rollover_percentage,omitempty"`
	DurationDays       int             `json:"duration_days"`
	ForfeitOnExpiry    bool            `json:"forfeit_on_expiry"`
}

func PackageResponseFromEntity(p *Package) *PackageResponse {
	resp := &PackageResponse{
		ID:              p.ID,
		Name:            p.Name,
		Price:           p.Price,
		Currency:        p.Currency,
		Unlimited:       p.IsUnlimited(),
		DurationDays:    p.DurationDays,
		ForfeitOnExpiry: p.ForfeitOnExpiry,
	}
	if p.CreditsIncluded.Valid {
		v := int(p.CreditsIncluded.Int32)
		resp.CreditsIncluded = &v
	}
	if p.RolloverPercentage.Valid {
		v := int(p.RolloverPercentage.Int32)
		resp.RolloverPercentage = &v
	}
	return resp
}

// UserPackageResponse represents the caller's package period
type UserPackageResponse struct {
	ID               uuid.UUID        `json:"id"`
	Package          *PackageResponse `json:"package,omitempty"`
	Status           Status           `json:"status"`
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
	CreditsGranted   int              `json:"credits_granted"`
	CreditsUsed      int              `json:"credits_used"`
	RemainingCredits int              `json:"remaining_credits"`
	DaysRemaining    int              `json:"days_remaining"`
	AutoRenew        bool             `json:"auto_renew"`
	CancelReason     string           `json:"cancel_reason,omitempty"`
}

func UserPackageResponseFromEntity(up *UserPackage, p *Package, now time.Time) *UserPackageResponse {
	resp := &UserPackageResponse{
		ID:               up.ID,
		Status:           up.Status,
		StartDate:        up.StartDate,
		EndDate:          up.EndDate,
		CreditsGranted:   up.CreditsGranted,
		CreditsUsed:      up.CreditsUsed,
		RemainingCredits: up.RemainingCredits(),
		DaysRemaining:    up.DaysRemaining(now),
		AutoRenew:        up.AutoRenew,
		CancelReason:     up.CancelReason.String,
	}
	if p != nil {
		resp.Package = PackageResponseFromEntity(p)
	}
	return resp
}
