// Package storagetest is the behavioural suite every storage.Store adapter
// must pass.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/core"
	"rimborsi/internal/storage"
)

// Opener returns an empty store. It is called once per subtest.
type Opener func(t *testing.T) storage.Store

func Run(t *testing.T, open Opener) {
	t.Run("Users", func(t *testing.T) { testUsers(t, open(t)) })
	t.Run("CreateExpense", func(t *testing.T) { testCreateExpense(t, open(t)) })
	t.Run("ListExpenses", func(t *testing.T) { testListExpenses(t, open(t)) })
	t.Run("UpdateExpenseStatus", func(t *testing.T) { testUpdateExpenseStatus(t, open(t)) })
	t.Run("ConcurrentDecision", func(t *testing.T) { testConcurrentDecision(t, open(t)) })
	t.Run("UpdateExpense", func(t *testing.T) { testUpdateExpense(t, open(t)) })
	t.Run("Aggregate", func(t *testing.T) { testAggregate(t, open(t)) })
}

func seedUser(t *testing.T, s storage.Store, email, name string, role core.Role) core.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), core.User{
		Email:        email,
		Name:         name,
		Role:         role,
		PasswordHash: "$2a$10$notarealhashnotarealhashnotarealhashnotarealhashnotar",
	})
	require.NoError(t, err)
	return u
}

func input(cents int64, cat core.Category, desc string, day int) core.ExpenseInput {
	return core.ExpenseInput{
		Amount:      core.Money{Cents: cents},
		Category:    cat,
		Description: desc,
		Date:        core.NewDate(2024, 1, day),
	}
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()

	u := seedUser(t, s, "John@Company.com", "John", core.RoleEmployee)
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "john@company.com", u.Email)
	assert.False(t, u.CreatedAt.IsZero())

	got, err := s.UserByEmail(ctx, "JOHN@company.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, core.RoleEmployee, got.Role)
	assert.NotEmpty(t, got.PasswordHash)

	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "John", got.Name)

	_, err = s.CreateUser(ctx, core.User{Email: "john@company.com", Name: "Dup", Role: core.RoleEmployee, PasswordHash: "x"})
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = s.UserByEmail(ctx, "nobody@company.com")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.UserByID(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testCreateExpense(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)

	e, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, core.StatusPending, e.Status)
	assert.Equal(t, john.ID, e.UserID)
	assert.Equal(t, core.UserRef{ID: john.ID, Name: "John", Email: "john@company.com"}, e.User)
	assert.Equal(t, int64(4500), e.Amount.Cents)
	assert.Equal(t, "2024-01-20", e.Date.String())
	assert.False(t, e.CreatedAt.IsZero())

	got, err := s.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, e.User, got.User)
	assert.Equal(t, "Team lunch", got.Description)

	withReceipt := input(1000, core.CategoryTravel, "Taxi", 21)
	withReceipt.Receipt = "/uploads/receipt.pdf"
	e2, err := s.CreateExpense(ctx, john.ID, withReceipt)
	require.NoError(t, err)
	assert.Equal(t, "/uploads/receipt.pdf", e2.Receipt)

	_, err = s.CreateExpense(ctx, john.ID, input(4500, core.Category("LUNCH"), "bad", 20))
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.CreateExpense(ctx, john.ID, input(0, core.CategoryFood, "free", 20))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.CreateExpense(ctx, "00000000-0000-0000-0000-000000000000", input(100, core.CategoryFood, "ghost", 20))
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.GetExpense(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testListExpenses(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)
	jane := seedUser(t, s, "jane@company.com", "Jane", core.RoleEmployee)

	lunch, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)
	flight, err := s.CreateExpense(ctx, john.ID, input(35000, core.CategoryTravel, "Flight", 25))
	require.NoError(t, err)
	license, err := s.CreateExpense(ctx, jane.ID, input(12000, core.CategorySoftware, "IDE license", 22))
	require.NoError(t, err)

	all, err := s.ListExpenses(ctx, core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, []string{flight.ID, license.ID, lunch.ID}, ids(all), "ordered by date descending")

	mine, err := s.ListExpenses(ctx, core.Filter{OwnerID: john.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{flight.ID, lunch.ID}, ids(mine))
	for _, e := range mine {
		assert.Equal(t, john.ID, e.UserID)
		assert.Equal(t, "John", e.User.Name)
	}

	food, err := s.ListExpenses(ctx, core.Filter{Category: core.CategoryFood})
	require.NoError(t, err)
	assert.Equal(t, []string{lunch.ID}, ids(food))

	ranged, err := s.ListExpenses(ctx, core.Filter{From: core.NewDate(2024, 1, 20), To: core.NewDate(2024, 1, 22)})
	require.NoError(t, err)
	assert.Equal(t, []string{license.ID, lunch.ID}, ids(ranged), "range is inclusive on both ends")

	none, err := s.ListExpenses(ctx, core.Filter{OwnerID: jane.ID, Category: core.CategoryFood})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)

	pending, err := s.ListExpenses(ctx, core.Filter{Status: core.StatusPending})
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func testUpdateExpenseStatus(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)
	e, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)

	approved, err := s.UpdateExpenseStatus(ctx, e.ID, core.StatusPending, core.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, approved.Status)
	assert.Equal(t, e.ID, approved.ID)
	assert.Equal(t, john.ID, approved.User.ID)
	assert.False(t, approved.UpdatedAt.Before(e.UpdatedAt))

	_, err = s.UpdateExpenseStatus(ctx, e.ID, core.StatusPending, core.StatusRejected)
	assert.ErrorIs(t, err, core.ErrConflict)

	got, err := s.GetExpense(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, got.Status, "terminal status must not change")

	_, err = s.UpdateExpenseStatus(ctx, "00000000-0000-0000-0000-000000000000", core.StatusPending, core.StatusApproved)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testConcurrentDecision(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)
	e, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		to := core.StatusApproved
		if i%2 == 1 {
			to = core.StatusRejected
		}
		wg.Add(1)
		go func(to core.Status) {
			defer wg.Done()
			_, err := s.UpdateExpenseStatus(ctx, e.ID, core.StatusPending, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, core.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(to)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one decision wins")
	assert.Equal(t, writers-1, conflicts)
}

func testUpdateExpense(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)
	e, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)

	edited, err := s.UpdateExpense(ctx, e.ID, input(5200, core.CategoryEntertainment, "Team dinner", 21))
	require.NoError(t, err)
	assert.Equal(t, int64(5200), edited.Amount.Cents)
	assert.Equal(t, core.CategoryEntertainment, edited.Category)
	assert.Equal(t, "Team dinner", edited.Description)
	assert.Equal(t, core.StatusPending, edited.Status)
	assert.Equal(t, john.ID, edited.UserID, "owner is immutable")

	_, err = s.UpdateExpense(ctx, e.ID, input(0, core.CategoryFood, "x", 21))
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = s.UpdateExpenseStatus(ctx, e.ID, core.StatusPending, core.StatusRejected)
	require.NoError(t, err)
	_, err = s.UpdateExpense(ctx, e.ID, input(100, core.CategoryFood, "late edit", 21))
	assert.ErrorIs(t, err, core.ErrConflict)

	_, err = s.UpdateExpense(ctx, "00000000-0000-0000-0000-000000000000", input(100, core.CategoryFood, "x", 21))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testAggregate(t *testing.T, s storage.Store) {
	ctx := context.Background()
	john := seedUser(t, s, "john@company.com", "John", core.RoleEmployee)
	jane := seedUser(t, s, "jane@company.com", "Jane", core.RoleEmployee)

	empty, err := s.AggregateExpenses(ctx, core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Count)
	assert.Equal(t, int64(0), empty.Total.Cents)
	assert.Empty(t, empty.ByCategory)
	assert.Empty(t, empty.ByStatus)

	lunch, err := s.CreateExpense(ctx, john.ID, input(4500, core.CategoryFood, "Team lunch", 20))
	require.NoError(t, err)
	_, err = s.UpdateExpenseStatus(ctx, lunch.ID, core.StatusPending, core.StatusApproved)
	require.NoError(t, err)
	_, err = s.CreateExpense(ctx, john.ID, input(12000, core.CategorySoftware, "IDE license", 22))
	require.NoError(t, err)
	_, err = s.CreateExpense(ctx, jane.ID, input(999, core.CategoryFood, "Coffee", 10))
	require.NoError(t, err)

	a, err := s.AggregateExpenses(ctx, core.Filter{OwnerID: john.ID})
	require.NoError(t, err)
	assert.Equal(t, int64(16500), a.Total.Cents)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, []core.CategoryTotal{
		{Category: core.CategoryFood, Total: core.Money{Cents: 4500}, Count: 1},
		{Category: core.CategorySoftware, Total: core.Money{Cents: 12000}, Count: 1},
	}, a.ByCategory)
	assert.Equal(t, []core.StatusTotal{
		{Status: core.StatusApproved, Total: core.Money{Cents: 4500}, Count: 1},
		{Status: core.StatusPending, Total: core.Money{Cents: 12000}, Count: 1},
	}, a.ByStatus)

	all, err := s.AggregateExpenses(ctx, core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(17499), all.Total.Cents)
	assert.Equal(t, 3, all.Count)
	assert.Equal(t, []core.CategoryTotal{
		{Category: core.CategoryFood, Total: core.Money{Cents: 5499}, Count: 2},
		{Category: core.CategorySoftware, Total: core.Money{Cents: 12000}, Count: 1},
	}, all.ByCategory)

	ranged, err := s.AggregateExpenses(ctx, core.Filter{From: core.NewDate(2024, 1, 15)})
	require.NoError(t, err)
	assert.Equal(t, 2, ranged.Count)

	pending, err := s.CountExpensesByStatus(ctx, core.StatusPending)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func ids(list []core.Expense) []string {
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.ID
	}
	return out
}
