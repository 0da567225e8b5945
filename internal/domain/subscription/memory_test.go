package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memRepo is an in-memory Repository for service and handler tests.
type memRepo struct {
	mu           sync.Mutex
	packages     map[uuid.UUID]*Package
	userPackages map[uuid.UUID]*UserPackage
	failAdvance  int
	failMark     int

	// beforeAdvance runs once, outside the lock, right before the next AdvancePeriod
	beforeAdvance func()
}

func newMemRepo(packages ...*Package) *memRepo {
	r := &memRepo{packages: make(map[uuid.UUID]*Package), userPackages: make(map[uuid.UUID]*UserPackage)}
	for _, p := range packages {
		r.packages[p.ID] = p
	}
	return r
}

func (r *memRepo) GetPackage(_ context.Context, id uuid.UUID) (*Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.packages[id]
	if !ok {
		return nil, nil
	}
	out := *p
	return &out, nil
}

func (r *memRepo) ListPackages(context.Context) ([]*Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Package, 0, len(r.packages))
	for _, p := range r.packages {
		if p.IsActive {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	return out, nil
}

func (r *memRepo) Create(_ context.Context, up *UserPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *up
	r.userPackages[up.ID] = &cp
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*UserPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.userPackages[id]
	if !ok {
		return nil, nil
	}
	out := *up
	return &out, nil
}

func (r *memRepo) GetActiveByUserID(_ context.Context, userID uuid.UUID) (*UserPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, up := range r.userPackages {
		if up.UserID == userID && up.Status == StatusActive {
			out := *up
			return &out, nil
		}
	}
	return nil, nil
}

func (r *memRepo) AdvancePeriod(_ context.Context, id uuid.UUID, oldEnd time.Time, oldUsed int, next Period) (bool, error) {
	r.mu.Lock()
	hook := r.beforeAdvance
	r.beforeAdvance = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAdvance > 0 {
		r.failAdvance--
		return false, errors.New("connection reset")
	}
	up, ok := r.userPackages[id]
	if !ok || up.Status != StatusActive || up.GrantsPending || !up.EndDate.Equal(oldEnd) || up.CreditsUsed != oldUsed {
		return false, nil
	}
	up.StartDate = next.StartDate
	up.EndDate = next.EndDate
	up.CreditsGranted = next.CreditsGranted
	up.CreditsUsed = 0
	up.GrantsPending = true
	return true, nil
}

func (r *memRepo) MarkGranted(_ context.Context, id uuid.UUID, periodStart time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMark > 0 {
		r.failMark--
		return false, errors.New("connection reset")
	}
	up, ok := r.userPackages[id]
	if !ok || !up.GrantsPending || !up.StartDate.Equal(periodStart) {
		return false, nil
	}
	up.GrantsPending = false
	return true, nil
}

func (r *memRepo) Cancel(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.userPackages[id]
	if !ok || up.Status != StatusActive {
		return false, nil
	}
	up.Status = StatusCancelled
	up.AutoRenew = false
	up.CancelReason.String, up.CancelReason.Valid = reason, true
	return true, nil
}

func (r *memRepo) Expire(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	up, ok := r.userPackages[id]
	if !ok || up.Status == StatusExpired {
		return false, nil
	}
	up.Status = StatusExpired
	up.AutoRenew = false
	return true, nil
}

func (r *memRepo) AddUsage(_ context.Context, id uuid.UUID, credits int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if up, ok := r.userPackages[id]; ok {
		up.CreditsUsed += credits
	}
	return nil
}

func (r *memRepo) ListDue(_ context.Context, now time.Time, renewable bool, limit int) ([]*UserPackage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	due := make([]*UserPackage, 0)
	for _, up := range r.userPackages {
		ended := !up.EndDate.After(now)
		match := up.Status == StatusActive && (up.GrantsPending || (up.AutoRenew && ended))
		if !renewable {
			match = ended && (up.Status == StatusCancelled || (up.Status == StatusActive && !up.AutoRenew))
		}
		if match && len(due) < limit {
			out := *up
			due = append(due, &out)
		}
	}
	return due, nil
}
