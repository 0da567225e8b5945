package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const queryTimeout = 3 * time.Second

// Repository is the persistence boundary of the credit ledger.
// Every Write* method is atomic: the version-guarded ledger update and the
// row it appends either both commit or neither does.
type Repository interface {
	GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*Account, error)

	// WriteDebit applies w and appends usage as a reserved row. A refunded row
	// with the same RelatedEntityID is re-armed instead of duplicated.
	WriteDebit(ctx context.Context, w LedgerWrite, usage *UsageEntry) error
	// WriteCredit applies w, optionally settles a reserved usage row, and appends topup.
	WriteCredit(ctx context.Context, w LedgerWrite, topup *TopupEntry, settle *Settlement) error
	WriteUnlimited(ctx context.Context, userID uuid.UUID, expectedVersion int64, unlimited bool, until sql.NullTime) error

	// SettleUsage moves a reserved row to a terminal status without touching the balance.
	// It returns false when the row was not reserved anymore.
	SettleUsage(ctx context.Context, relatedEntityID string, to UsageStatus) (bool, error)
	GetUsage(ctx context.Context, relatedEntityID string) (*UsageEntry, error)
	ListUsage(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]UsageEntry, error)
	SearchUsage(ctx context.Context, filters UsageFilters) ([]UsageEntry, error)
	CountReservedBefore(ctx context.Context, before time.Time) (int, error)

	ListTopups(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TopupEntry, error)
	GetTopupByReference(ctx context.Context, referenceID string) (*TopupEntry, error)

	GetCost(ctx context.Context, serviceType ServiceType) (*CostEntry, error)
	ListCosts(ctx context.Context) ([]CostEntry, error)
	UpsertCost(ctx context.Context, serviceType ServiceType, cost int) error
}

// CreditRepository is the PostgreSQL implementation of Repository.
type CreditRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *CreditRepository {
	return &CreditRepository{db: db}
}

const accountColumns = `user_id, balance, is_unlimited, unlimited_expires_at, version, created_at, updated_at`

const usageColumns = `id, user_id, service_type, credits_used, related_entity_id, related_entity_type,
	recipient, balance_after, was_unlimited, status, attempts, used_at, settled_at`

const topupColumns = `id, user_id, credits_added, amount_paid, currency, transaction_type, balance_after,
	user_package_id, reference_id, related_entity_id, description, created_at`

func (r *CreditRepository) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_ledgers (user_id, balance, is_unlimited, version)
		VALUES ($1, 0, false, 0)
		ON CONFLICT (user_id) DO NOTHING
	`, userID); err != nil {
		return nil, fmt.Errorf("%w: ensure ledger: %v", ErrInternal, err)
	}

	var acc Account
	err := r.db.GetContext(ctx2, &acc, `SELECT `+accountColumns+` FROM credit_ledgers WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: get ledger: %v", ErrInternal, err)
	}
	return &acc, nil
}

func (r *CreditRepository) WriteDebit(ctx context.Context, w LedgerWrite, usage *UsageEntry) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := r.casBalance(ctx2, tx, w); err != nil {
		return err
	}

	var row struct {
		ID       uuid.UUID `db:"id"`
		Attempts int       `db:"attempts"`
	}
	err = tx.GetContext(ctx2, &row, `
		INSERT INTO credit_usage (
			id, user_id, service_type, credits_used, related_entity_id, related_entity_type,
			recipient, balance_after, was_unlimited, status, attempts, used_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'reserved', 1, $10)
		ON CONFLICT (related_entity_id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			service_type = EXCLUDED.service_type,
			credits_used = EXCLUDED.credits_used,
			related_entity_type = EXCLUDED.related_entity_type,
			recipient = EXCLUDED.recipient,
			balance_after = EXCLUDED.balance_after,
			was_unlimited = EXCLUDED.was_unlimited,
			status = 'reserved',
			attempts = credit_usage.attempts + 1,
			used_at = EXCLUDED.used_at,
			settled_at = NULL
		WHERE credit_usage.status = 'refunded'
		RETURNING id, attempts
	`, usage.ID, usage.UserID, usage.ServiceType, usage.CreditsUsed, usage.RelatedEntityID,
		usage.RelatedEntityType, usage.Recipient, usage.BalanceAfter, usage.WasUnlimited, usage.UsedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isUniqueViolation(err) {
			return ErrDuplicateUsage
		}
		return fmt.Errorf("%w: insert usage: %v", ErrInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}

	usage.ID = row.ID
	usage.Attempts = row.Attempts
	usage.Status = UsageReserved
	return nil
}

func (r *CreditRepository) WriteCredit(ctx context.Context, w LedgerWrite, topup *TopupEntry, settle *Settlement) error {
	if !topup.TransactionType.valid() {
		return ErrInvalidTopupType
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx2, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("%w: begin tx", ErrInternal)
	}
	defer tx.Rollback()

	if err := r.casBalance(ctx2, tx, w); err != nil {
		return err
	}

	if settle != nil {
		ok, err := settleUsage(ctx2, tx, settle.RelatedEntityID, settle.To)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUsageNotReserved
		}
	}

	_, err = tx.ExecContext(ctx2, `
		INSERT INTO credit_topups (
			id, user_id, credits_added, amount_paid, currency, transaction_type, balance_after,
			user_package_id, reference_id, related_entity_id, description, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, topup.ID, topup.UserID, topup.CreditsAdded, topup.AmountPaid, topup.Currency, topup.TransactionType,
		topup.BalanceAfter, topup.UserPackageID, topup.ReferenceID, topup.RelatedEntityID, topup.Description, topup.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("%w: insert topup: %v", ErrInternal, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit tx", ErrInternal)
	}
	return nil
}

func (r *CreditRepository) WriteUnlimited(ctx context.Context, userID uuid.UUID, expectedVersion int64, unlimited bool, until sql.NullTime) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	result, err := r.db.ExecContext(ctx2, `
		UPDATE credit_ledgers
		SET is_unlimited = $3, unlimited_expires_at = $4, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $2
	`, userID, expectedVersion, unlimited, until)
	if err != nil {
		return fmt.Errorf("%w: update unlimited", ErrInternal)
	}
	return versionResult(result)
}

func (r *CreditRepository) casBalance(ctx context.Context, tx *sqlx.Tx, w LedgerWrite) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE credit_ledgers
		SET balance = $3, version = version + 1, updated_at = NOW()
		WHERE user_id = $1 AND version = $2
	`, w.UserID, w.ExpectedVersion, w.Balance)
	if err != nil {
		return fmt.Errorf("%w: update ledger: %v", ErrInternal, err)
	}
	return versionResult(result)
}

func versionResult(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: rows affected", ErrInternal)
	}
	if rows == 0 {
		return ErrVersionMismatch
	}
	return nil
}

func settleUsage(ctx context.Context, exec sqlx.ExecerContext, relatedEntityID string, to UsageStatus) (bool, error) {
	if !to.Terminal() {
		return false, fmt.Errorf("%w: settle to %q", ErrInternal, to)
	}
	result, err := exec.ExecContext(ctx, `
		UPDATE credit_usage
		SET status = $2, settled_at = NOW()
		WHERE related_entity_id = $1 AND status = 'reserved'
	`, relatedEntityID, to)
	if err != nil {
		return false, fmt.Errorf("%w: settle usage: %v", ErrInternal, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected", ErrInternal)
	}
	return rows == 1, nil
}

func (r *CreditRepository) SettleUsage(ctx context.Context, relatedEntityID string, to UsageStatus) (bool, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return settleUsage(ctx2, r.db, relatedEntityID, to)
}

func (r *CreditRepository) GetUsage(ctx context.Context, relatedEntityID string) (*UsageEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry UsageEntry
	err := r.db.GetContext(ctx2, &entry, `SELECT `+usageColumns+` FROM credit_usage WHERE related_entity_id = $1`, relatedEntityID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUsageNotFound
		}
		return nil, fmt.Errorf("%w: get usage", ErrInternal)
	}
	return &entry, nil
}

func (r *CreditRepository) ListUsage(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]UsageEntry, error) {
	return r.SearchUsage(ctx, UsageFilters{UserID: &userID, Limit: pagination.Limit, Offset: pagination.Offset})
}

func (r *CreditRepository) SearchUsage(ctx context.Context, filters UsageFilters) ([]UsageEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	base := `SELECT ` + usageColumns + ` FROM credit_usage WHERE 1=1`
	args := make([]interface{}, 0, 7)
	idx := 1

	if filters.UserID != nil {
		base += fmt.Sprintf(" AND user_id = $%d", idx)
		args = append(args, *filters.UserID)
		idx++
	}
	if filters.Status != nil {
		base += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, *filters.Status)
		idx++
	}
	if filters.ServiceType != nil {
		base += fmt.Sprintf(" AND service_type = $%d", idx)
		args = append(args, *filters.ServiceType)
		idx++
	}
	if filters.DateFrom != nil {
		base += fmt.Sprintf(" AND used_at >= $%d", idx)
		args = append(args, *filters.DateFrom)
		idx++
	}
	if filters.DateTo != nil {
		base += fmt.Sprintf(" AND used_at <= $%d", idx)
		args = append(args, *filters.DateTo)
		idx++
	}

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}

	base = strings.TrimSpace(base) + fmt.Sprintf(" ORDER BY used_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, filters.Offset)

	entries := make([]UsageEntry, 0)
	if err := r.db.SelectContext(ctx2, &entries, base, args...); err != nil {
		return nil, fmt.Errorf("%w: search usage", ErrInternal)
	}
	return entries, nil
}

func (r *CreditRepository) CountReservedBefore(ctx context.Context, before time.Time) (int, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var count int
	err := r.db.GetContext(ctx2, &count, `SELECT COUNT(*) FROM credit_usage WHERE status = 'reserved' AND used_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("%w: count reserved", ErrInternal)
	}
	return count, nil
}

func (r *CreditRepository) ListTopups(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TopupEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	topups := make([]TopupEntry, 0)
	err := r.db.SelectContext(ctx2, &topups, `
		SELECT `+topupColumns+`
		FROM credit_topups
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list topups", ErrInternal)
	}
	return topups, nil
}

func (r *CreditRepository) GetTopupByReference(ctx context.Context, referenceID string) (*TopupEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var topup TopupEntry
	err := r.db.GetContext(ctx2, &topup, `SELECT `+topupColumns+` FROM credit_topups WHERE reference_id = $1`, referenceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get topup", ErrInternal)
	}
	return &topup, nil
}

func (r *CreditRepository) GetCost(ctx context.Context, serviceType ServiceType) (*CostEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var entry CostEntry
	err := r.db.GetContext(ctx2, &entry, `SELECT service_type, credit_cost, updated_at FROM credit_costs WHERE service_type = $1`, serviceType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: get cost", ErrInternal)
	}
	return &entry, nil
}

func (r *CreditRepository) ListCosts(ctx context.Context) ([]CostEntry, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	costs := make([]CostEntry, 0, len(ServiceTypes))
	if err := r.db.SelectContext(ctx2, &costs, `SELECT service_type, credit_cost, updated_at FROM credit_costs ORDER BY service_type`); err != nil {
		return nil, fmt.Errorf("%w: list costs", ErrInternal)
	}
	return costs, nil
}

func (r *CreditRepository) UpsertCost(ctx context.Context, serviceType ServiceType, cost int) error {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx2, `
		INSERT INTO credit_costs (service_type, credit_cost, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (service_type) DO UPDATE SET credit_cost = EXCLUDED.credit_cost, updated_at = NOW()
	`, serviceType, cost)
	if err != nil {
		return fmt.Errorf("%w: upsert cost", ErrInternal)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
