package credit

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UpdateCostRequest is the body of PUT /admin/credits/costs/{service}
type UpdateCostRequest struct {
	CreditCost *int `json:"credit_cost" validate:"required,gte=0,lte=10000"`
}

// PurchaseRequest records credits bought outside the API (payment provider callback, back office)
type PurchaseRequest struct {
	Credits     int             `json:"credits" validate:"required,gt=0"`
	AmountPaid  decimal.Decimal `json:"amount_paid"`
	Currency    string          `json:"currency" validate:"required,currency"`
	ReferenceID string          `json:"reference_id" validate:"required,max=128"`
}

type GrantRequest struct {
	Credits     int    `json:"credits" validate:"required,gt=0"`
	ReferenceID string `json:"reference_id" validate:"omitempty,max=128"`
	Reason      string `json:"reason" validate:"max=500"`
}

type UnlimitedRequest struct {
	Unlimited bool       `json:"unlimited"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// BalanceResponse represents the caller's ledger state
type BalanceResponse struct {
	Balance            int        `json:"balance"`
	IsUnlimited        bool       `json:"is_unlimited"`
	UnlimitedActive    bool       `json:"unlimited_active"`
	UnlimitedExpiresAt *time.Time `json:"unlimited_expires_at,omitempty"`
}

func BalanceResponseFromAccount(acc *Account, now time.Time) *BalanceResponse {
	resp := &BalanceResponse{
		Balance:         acc.Balance,
		IsUnlimited:     acc.IsUnlimited,
		UnlimitedActive: acc.UnlimitedActive(now),
	}
	if acc.UnlimitedExpiresAt.Valid {
		t := acc.UnlimitedExpiresAt.Time
		resp.UnlimitedExpiresAt = &t
	}
	return resp
}

type UsageResponse struct {
	ID              uuid.UUID   `json:"id"`
	ServiceType     ServiceType `json:"service_type"`
	CreditsUsed     int         `json:"credits_used"`
	NotificationID  string      `json:"notification_id"`
	Recipient       string      `json:"recipient"`
	BalanceAfter    int         `json:"balance_after"`
	WasUnlimited    bool        `json:"was_unlimited"`
	Status          UsageStatus `json:"status"`
	Attempts        int         `json:"attempts"`
	UsedAt          time.Time   `json:"used_at"`
	SettledAt       *time.Time  `json:"settled_at,omitempty"`
	UserID          *uuid.UUID  `json:"user_id,omitempty"`
}

func UsageResponseFromEntity(u *UsageEntry, withUser bool) *UsageResponse {
	resp := &UsageResponse{
		ID:             u.ID,
		ServiceType:    u.ServiceType,
		CreditsUsed:    u.CreditsUsed,
		NotificationID: u.RelatedEntityID,
		Recipient:      u.Recipient,
		BalanceAfter:   u.BalanceAfter,
		WasUnlimited:   u.WasUnlimited,
		Status:         u.Status,
		Attempts:       u.Attempts,
		UsedAt:         u.UsedAt,
	}
	if u.SettledAt.Valid {
		t := u.SettledAt.Time
		resp.SettledAt = &t
	}
	if withUser {
		id := u.UserID
		resp.UserID = &id
	}
	return resp
}

type TopupResponse struct {
	ID              uuid.UUID       `json:"id"`
	CreditsAdded    int             `json:"credits_added"`
	AmountPaid      decimal.Decimal `json:"amount_paid"`
	Currency        string          `json:"currency"`
	TransactionType TopupType       `json:"transaction_type"`
	BalanceAfter    int             `json:"balance_after"`
	UserPackageID   *uuid.UUID      `json:"user_package_id,omitempty"`
	ReferenceID     string          `json:"reference_id,omitempty"`
	Description     string          `json:"description,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

func TopupResponseFromEntity(t *TopupEntry) *TopupResponse {
	resp := &TopupResponse{
		ID:              t.ID,
		CreditsAdded:    t.CreditsAdded,
		AmountPaid:      t.AmountPaid,
		Currency:        t.Currency,
		TransactionType: t.TransactionType,
		BalanceAfter:    t.BalanceAfter,
		ReferenceID:     t.ReferenceID.String,
		Description:     t.Description,
		CreatedAt:       t.CreatedAt,
	}
	if t.UserPackageID.Valid {
		id := t.UserPackageID.UUID
		resp.UserPackageID = &id
	}
	return resp
}
