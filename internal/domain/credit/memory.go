package credit

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository. Every write runs in one critical
// section, which gives it the same atomicity as a SQL transaction.
type MemoryRepository struct {
	mu sync.RWMutex

	accounts map[uuid.UUID]*Account
	usage    map[string]*UsageEntry
	topups   []TopupEntry
	refs     map[string]int
	costs    map[ServiceType]CostEntry

	now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		accounts: make(map[uuid.UUID]*Account),
		usage:    make(map[string]*UsageEntry),
		topups:   make([]TopupEntry, 0),
		refs:     make(map[string]int),
		costs:    make(map[ServiceType]CostEntry),
		now:      time.Now,
	}
}

func (m *MemoryRepository) GetOrCreateAccount(ctx context.Context, userID uuid.UUID) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[userID]
	if !ok {
		now := m.now()
		acc = &Account{UserID: userID, CreatedAt: now, UpdatedAt: now}
		m.accounts[userID] = acc
	}
	out := *acc
	return &out, nil
}

// casLocked validates w against the stored row. Callers hold m.mu.
func (m *MemoryRepository) casLocked(w LedgerWrite) (*Account, error) {
	acc, ok := m.accounts[w.UserID]
	if !ok || acc.Version != w.ExpectedVersion {
		return nil, ErrVersionMismatch
	}
	if w.Balance < 0 {
		return nil, ErrInsufficientCredits
	}
	return acc, nil
}

func (m *MemoryRepository) WriteDebit(ctx context.Context, w LedgerWrite, usage *UsageEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.casLocked(w)
	if err != nil {
		return err
	}

	row := *usage
	row.Status = UsageReserved
	row.SettledAt = sql.NullTime{}
	row.Attempts = 1
	if existing, ok := m.usage[usage.RelatedEntityID]; ok {
		if existing.Status != UsageRefunded {
			return ErrDuplicateUsage
		}
		row.ID = existing.ID
		row.Attempts = existing.Attempts + 1
	}

	acc.Balance = w.Balance
	acc.Version++
	acc.UpdatedAt = m.now()
	m.usage[row.RelatedEntityID] = &row

	usage.ID = row.ID
	usage.Attempts = row.Attempts
	usage.Status = UsageReserved
	return nil
}

func (m *MemoryRepository) WriteCredit(ctx context.Context, w LedgerWrite, topup *TopupEntry, settle *Settlement) error {
	if !topup.TransactionType.valid() {
		return ErrInvalidTopupType
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.casLocked(w)
	if err != nil {
		return err
	}

	var usage *UsageEntry
	if settle != nil {
		u, ok := m.usage[settle.RelatedEntityID]
		if !ok || u.Status != UsageReserved {
			return ErrUsageNotReserved
		}
		usage = u
	}
	if topup.ReferenceID.Valid {
		if _, dup := m.refs[topup.ReferenceID.String]; dup {
			return ErrDuplicateReference
		}
	}

	now := m.now()
	acc.Balance = w.Balance
	acc.Version++
	acc.UpdatedAt = now
	if usage != nil {
		usage.Status = settle.To
		usage.SettledAt = sql.NullTime{Time: now, Valid: true}
	}
	if topup.ReferenceID.Valid {
		m.refs[topup.ReferenceID.String] = len(m.topups)
	}
	m.topups = append(m.topups, *topup)
	return nil
}

func (m *MemoryRepository) WriteUnlimited(ctx context.Context, userID uuid.UUID, expectedVersion int64, unlimited bool, until sql.NullTime) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[userID]
	if !ok || acc.Version != expectedVersion {
		return ErrVersionMismatch
	}
	acc.IsUnlimited = unlimited
	acc.UnlimitedExpiresAt = until
	acc.Version++
	acc.UpdatedAt = m.now()
	return nil
}

func (m *MemoryRepository) SettleUsage(ctx context.Context, relatedEntityID string, to UsageStatus) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[relatedEntityID]
	if !ok || u.Status != UsageReserved {
		return false, nil
	}
	u.Status = to
	u.SettledAt = sql.NullTime{Time: m.now(), Valid: true}
	return true, nil
}

func (m *MemoryRepository) GetUsage(ctx context.Context, relatedEntityID string) (*UsageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.usage[relatedEntityID]
	if !ok {
		return nil, ErrUsageNotFound
	}
	out := *u
	return &out, nil
}

func (m *MemoryRepository) ListUsage(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]UsageEntry, error) {
	return m.SearchUsage(ctx, UsageFilters{UserID: &userID, Limit: pagination.Limit, Offset: pagination.Offset})
}

func (m *MemoryRepository) SearchUsage(ctx context.Context, filters UsageFilters) ([]UsageEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]UsageEntry, 0)
	for _, u := range m.usage {
		if filters.UserID != nil && u.UserID != *filters.UserID {
			continue
		}
		if filters.Status != nil && u.Status != *filters.Status {
			continue
		}
		if filters.ServiceType != nil && u.ServiceType != *filters.ServiceType {
			continue
		}
		if filters.DateFrom != nil && u.UsedAt.Before(*filters.DateFrom) {
			continue
		}
		if filters.DateTo != nil && u.UsedAt.After(*filters.DateTo) {
			continue
		}
		result = append(result, *u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UsedAt.After(result[j].UsedAt) })

	limit := filters.Limit
	if limit <= 0 {
		limit = 50
	}
	return page(result, limit, filters.Offset), nil
}

func (m *MemoryRepository) CountReservedBefore(ctx context.Context, before time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, u := range m.usage {
		if u.Status == UsageReserved && u.UsedAt.Before(before) {
			count++
		}
	}
	return count, nil
}

func (m *MemoryRepository) ListTopups(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]TopupEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]TopupEntry, 0)
	for i := len(m.topups) - 1; i >= 0; i-- {
		if m.topups[i].UserID == userID {
			result = append(result, m.topups[i])
		}
	}

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}
	return page(result, limit, pagination.Offset), nil
}

func (m *MemoryRepository) GetTopupByReference(ctx context.Context, referenceID string) (*TopupEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx, ok := m.refs[referenceID]
	if !ok {
		return nil, nil
	}
	out := m.topups[idx]
	return &out, nil
}

func (m *MemoryRepository) GetCost(ctx context.Context, serviceType ServiceType) (*CostEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.costs[serviceType]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryRepository) ListCosts(ctx context.Context) ([]CostEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	costs := make([]CostEntry, 0, len(m.costs))
	for _, c := range m.costs {
		costs = append(costs, c)
	}
	sort.Slice(costs, func(i, j int) bool { return costs[i].ServiceType < costs[j].ServiceType })
	return costs, nil
}

func (m *MemoryRepository) UpsertCost(ctx context.Context, serviceType ServiceType, cost int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.costs[serviceType] = CostEntry{ServiceType: serviceType, CreditCost: cost, UpdatedAt: m.now()}
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset > len(items) {
		offset = len(items)
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
