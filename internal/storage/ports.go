// Package storage defines the persistence ports for users and expenses.
// Adapters live in the memory, sqlite and postgres subpackages and are
// checked against the shared suite in storagetest.
package storage

import (
	"context"

	"rimborsi/internal/core"
)

// ExpenseStore persists expenses. Returned expenses always carry the
// owner summary in Expense.User.
type ExpenseStore interface {
	// CreateExpense assigns the id, forces PENDING and stamps timestamps.
	CreateExpense(ctx context.Context, ownerID string, in core.ExpenseInput) (core.Expense, error)
	GetExpense(ctx context.Context, id string) (core.Expense, error)
	// ListExpenses orders by date descending, newest creation first on ties.
	ListExpenses(ctx context.Context, f core.Filter) ([]core.Expense, error)
	// UpdateExpense rewrites the editable fields of a PENDING expense.
	UpdateExpense(ctx context.Context, id string, in core.ExpenseInput) (core.Expense, error)
	// UpdateExpenseStatus is a single conditional write: it only succeeds
	// while the stored status still equals from. A missing row yields
	// core.ErrNotFound, a status mismatch core.ErrConflict.
	UpdateExpenseStatus(ctx context.Context, id string, from, to core.Status) (core.Expense, error)
	AggregateExpenses(ctx context.Context, f core.Filter) (core.Analytics, error)
	CountExpensesByStatus(ctx context.Context, status core.Status) (int, error)
}

// UserStore persists users. Emails are compared case-insensitively.
type UserStore interface {
	// CreateUser fails with core.ErrConflict on a duplicate email.
	CreateUser(ctx context.Context, u core.User) (core.User, error)
	UserByEmail(ctx context.Context, email string) (core.User, error)
	UserByID(ctx context.Context, id string) (core.User, error)
}

// Store is what a backend provides to the application.
type Store interface {
	ExpenseStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
