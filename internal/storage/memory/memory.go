// Package memory is an in-process Store used for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

type Store struct {
	mu       sync.RWMutex
	users    map[string]core.User
	byEmail  map[string]string
	expenses map[string]core.Expense
	now      func() time.Time
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:    make(map[string]core.User),
		byEmail:  make(map[string]string),
		expenses: make(map[string]core.Expense),
		now:      time.Now,
	}
}

// WithClock replaces the time source; tests use it for deterministic ordering.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error { return nil }

func (s *Store) CreateUser(ctx context.Context, u core.User) (core.User, error) {
	if err := ctx.Err(); err != nil {
		return core.User{}, storage.Unavailable("create user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u.Email = storage.NormalizeEmail(u.Email)
	if _, exists := s.byEmail[u.Email]; exists {
		return core.User{}, fmt.Errorf("create user %s: %w", u.Email, core.ErrConflict)
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now

	s.users[u.ID] = u
	s.byEmail[u.Email] = u.ID
	return u, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEmail[storage.NormalizeEmail(email)]
	if !ok {
		return core.User{}, fmt.Errorf("user by email: %w", core.ErrNotFound)
	}
	return s.users[id], nil
}

func (s *Store) UserByID(ctx context.Context, id string) (core.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return core.User{}, fmt.Errorf("user %s: %w", id, core.ErrNotFound)
	}
	return u, nil
}

func (s *Store) CreateExpense(ctx context.Context, ownerID string, in core.ExpenseInput) (core.Expense, error) {
	if err := in.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return core.Expense{}, storage.Unavailable("create expense", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, ok := s.users[ownerID]
	if !ok {
		return core.Expense{}, fmt.Errorf("create expense: owner %s: %w", ownerID, core.ErrNotFound)
	}
	e := core.NewExpense(uuid.NewString(), owner.Ref(), in, s.now())
	s.expenses[e.ID] = e
	return e, nil
}

func (s *Store) GetExpense(ctx context.Context, id string) (core.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(id)
}

func (s *Store) getLocked(id string) (core.Expense, error) {
	e, ok := s.expenses[id]
	if !ok {
		return core.Expense{}, fmt.Errorf("expense %s: %w", id, core.ErrNotFound)
	}
	e.User = s.users[e.UserID].Ref()
	return e, nil
}

func (s *Store) ListExpenses(ctx context.Context, f core.Filter) ([]core.Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, storage.Unavailable("list expenses", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterLocked(f), nil
}

func (s *Store) filterLocked(f core.Filter) []core.Expense {
	out := make([]core.Expense, 0)
	for _, e := range s.expenses {
		if !f.Matches(e) {
			continue
		}
		e.User = s.users[e.UserID].Ref()
		out = append(out, e)
	}
	storage.SortExpenses(out)
	return out
}

func (s *Store) UpdateExpense(ctx context.Context, id string, in core.ExpenseInput) (core.Expense, error) {
	if err := in.Validate(); err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getLocked(id)
	if err != nil {
		return core.Expense{}, err
	}
	if e.Status != core.StatusPending {
		return core.Expense{}, fmt.Errorf("update expense %s: %w", id, core.ErrConflict)
	}
	in.Normalize()
	e.Amount = in.Amount
	e.Category = in.Category
	e.Description = in.Description
	e.Date = in.Date
	e.Receipt = in.Receipt
	e.UpdatedAt = s.now().UTC()
	s.expenses[id] = e
	return e, nil
}

func (s *Store) UpdateExpenseStatus(ctx context.Context, id string, from, to core.Status) (core.Expense, error) {
	if err := ctx.Err(); err != nil {
		return core.Expense{}, storage.Unavailable("update expense status", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.getLocked(id)
	if err != nil {
		return core.Expense{}, err
	}
	if e.Status != from {
		return core.Expense{}, fmt.Errorf("update expense %s status: %w", id, core.ErrConflict)
	}
	e.Status = to
	e.UpdatedAt = s.now().UTC()
	s.expenses[id] = e
	return e, nil
}

func (s *Store) AggregateExpenses(ctx context.Context, f core.Filter) (core.Analytics, error) {
	if err := ctx.Err(); err != nil {
		return core.Analytics{}, storage.Unavailable("aggregate expenses", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return storage.Summarize(s.filterLocked(f)), nil
}

func (s *Store) CountExpensesByStatus(ctx context.Context, status core.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, e := range s.expenses {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}
