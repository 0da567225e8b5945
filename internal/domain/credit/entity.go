package credit

import (
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ServiceType is the delivery channel a credit is spent on.
type ServiceType string

const (
	ServiceEmail    ServiceType = "email"
	ServiceSMS      ServiceType = "sms"
	ServiceWhatsApp ServiceType = "whatsapp"
)

// ServiceTypes lists every billable channel.
var ServiceTypes = []ServiceType{ServiceEmail, ServiceSMS, ServiceWhatsApp}

// Valid reports whether s is one of the known channels.
func (s ServiceType) Valid() bool {
	switch s {
	case ServiceEmail, ServiceSMS, ServiceWhatsApp:
		return true
	}
	return false
}

// ParseServiceType normalizes user input ("SMS", " WhatsApp ") into a ServiceType.
func ParseServiceType(raw string) (ServiceType, error) {
	s := ServiceType(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", ErrInvalidServiceType
	}
	return s, nil
}

// UsageStatus is the reservation state of a usage row.
type UsageStatus string

const (
	UsageReserved  UsageStatus = "reserved"
	UsageConfirmed UsageStatus = "confirmed"
	UsageRefunded  UsageStatus = "refunded"
)

// Terminal reports whether no further transition is allowed from s.
func (s UsageStatus) Terminal() bool {
	return s == UsageConfirmed || s == UsageRefunded
}

// TopupType defines the reason credits were added to (or removed from) a ledger outside of sends.
type TopupType string

const (
	TopupPurchase     TopupType = "purchase"
	TopupPackageGrant TopupType = "package_grant"
	TopupRollover     TopupType = "rollover"
	TopupRefund       TopupType = "refund"
	TopupAdminGrant   TopupType = "admin_grant"
	TopupForfeiture   TopupType = "forfeiture"
)

func (t TopupType) valid() bool {
	switch t {
	case TopupPurchase, TopupPackageGrant, TopupRollover, TopupRefund, TopupAdminGrant, TopupForfeiture:
		return true
	}
	return false
}

// Account is the per-user credit ledger row. Version is the optimistic concurrency token.
type Account struct {
	UserID             uuid.UUID    `db:"user_id" json:"user_id"`
	Balance            int          `db:"balance" json:"balance"`
	IsUnlimited        bool         `db:"is_unlimited" json:"is_unlimited"`
	UnlimitedExpiresAt sql.NullTime `db:"unlimited_expires_at" json:"-"`
	Version            int64        `db:"version" json:"version"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time    `db:"updated_at" json:"updated_at"`
}

// UnlimitedActive reports whether sends bypass the balance at the given instant.
func (a *Account) UnlimitedActive(now time.Time) bool {
	if !a.IsUnlimited {
		return false
	}
	return !a.UnlimitedExpiresAt.Valid || a.UnlimitedExpiresAt.Time.After(now)
}

// UsageEntry is one row of the usage ledger, keyed by RelatedEntityID.
type UsageEntry struct {
	ID                uuid.UUID    `db:"id" json:"id"`
	UserID            uuid.UUID    `db:"user_id" json:"user_id"`
	ServiceType       ServiceType  `db:"service_type" json:"service_type"`
	CreditsUsed       int          `db:"credits_used" json:"credits_used"`
	RelatedEntityID   string       `db:"related_entity_id" json:"related_entity_id"`
	RelatedEntityType string       `db:"related_entity_type" json:"related_entity_type"`
	Recipient         string       `db:"recipient" json:"recipient"`
	BalanceAfter      int          `db:"balance_after" json:"balance_after"`
	WasUnlimited      bool         `db:"was_unlimited" json:"was_unlimited"`
	Status            UsageStatus  `db:"status" json:"status"`
	Attempts          int          `db:"attempts" json:"attempts"`
	UsedAt            time.Time    `db:"used_at" json:"used_at"`
	SettledAt         sql.NullTime `db:"settled_at" json:"-"`
}

// TopupEntry is one row of the top-up ledger. CreditsAdded is negative for forfeitures.
type TopupEntry struct {
	ID              uuid.UUID       `db:"id" json:"id"`
	UserID          uuid.UUID       `db:"user_id" json:"user_id"`
	CreditsAdded    int             `db:"credits_added" json:"credits_added"`
	AmountPaid      decimal.Decimal `db:"amount_paid" json:"amount_paid"`
	Currency        string          `db:"currency" json:"currency"`
	TransactionType TopupType       `db:"transaction_type" json:"transaction_type"`
	BalanceAfter    int             `db:"balance_after" json:"balance_after"`
	UserPackageID   uuid.NullUUID   `db:"user_package_id" json:"-"`
	ReferenceID     sql.NullString  `db:"reference_id" json:"-"`
	RelatedEntityID sql.NullString  `db:"related_entity_id" json:"-"`
	Description     string          `db:"description" json:"description"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
}

// CostEntry is one row of the global price list.
type CostEntry struct {
	ServiceType ServiceType `db:"service_type" json:"service_type"`
	CreditCost  int         `db:"credit_cost" json:"credit_cost"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// LedgerWrite is a version-guarded balance update. It applies only while the
// stored version still equals ExpectedVersion, and bumps the version by one.
type LedgerWrite struct {
	UserID          uuid.UUID
	ExpectedVersion int64
	Balance         int
}

// Settlement moves a reserved usage row to a terminal status inside a ledger write.
type Settlement struct {
	RelatedEntityID string
	To              UsageStatus
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

// UsageFilters provides admin-facing usage filtering.
type UsageFilters struct {
	UserID      *uuid.UUID
	Status      *UsageStatus
	ServiceType *ServiceType
	DateFrom    *time.Time
	DateTo      *time.Time
	Limit       int
	Offset      int
}
