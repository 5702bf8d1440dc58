package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/cache"
	"rimborsi/internal/core"
	"rimborsi/internal/realtime"
	"rimborsi/internal/storage/memory"
)

type recordingConn struct {
	id string

	mu     sync.Mutex
	events []core.ExpenseEvent
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(m realtime.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, m.Event)
	return true
}

func (c *recordingConn) received() []core.ExpenseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.ExpenseEvent(nil), c.events...)
}

type failingSink struct{ calls atomic.Int32 }

func (s *failingSink) Publish(context.Context, core.ExpenseEvent, core.Expense) error {
	s.calls.Add(1)
	return errors.New("broker down")
}

var (
	e1 = &core.Identity{UserID: "E1", Email: "john@company.com", Role: core.RoleEmployee}
	e2 = &core.Identity{UserID: "E2", Email: "jane@company.com", Role: core.RoleEmployee}
	a1 = &core.Identity{UserID: "A1", Email: "admin@company.com", Role: core.RoleAdmin}
)

type fixture struct {
	svc      *ExpenseService
	store    *memory.Store
	cache    *cache.LRUCache[core.Analytics]
	e1Conn   *recordingConn
	e2Conn   *recordingConn
	adminCon *recordingConn
	sink     *failingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	for _, id := range []*core.Identity{e1, e2, a1} {
		_, err := store.CreateUser(ctx, core.User{ID: id.UserID, Email: id.Email, Name: id.UserID, Role: id.Role})
		require.NoError(t, err)
	}

	reg := realtime.NewRegistry()
	f := &fixture{
		store:    store,
		cache:    cache.NewLRUCache[core.Analytics](16, time.Minute),
		e1Conn:   &recordingConn{id: "e1"},
		e2Conn:   &recordingConn{id: "e2"},
		adminCon: &recordingConn{id: "a1"},
		sink:     &failingSink{},
	}
	reg.Join(f.e1Conn, realtime.GroupsFor(*e1)...)
	reg.Join(f.e2Conn, realtime.GroupsFor(*e2)...)
	reg.Join(f.adminCon, realtime.GroupsFor(*a1)...)

	f.svc = NewExpenseService(store, f.cache, nil, realtime.NewBroadcaster(reg, nil), f.sink)
	return f
}

func lunch() core.ExpenseInput {
	return core.ExpenseInput{
		Amount:      core.Money{Cents: 4500},
		Category:    core.CategoryFood,
		Description: "Team lunch",
		Date:        core.NewDate(2024, 1, 20),
	}
}

func TestCreateThenApproveScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.svc.CreateExpense(ctx, e1, lunch())
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, created.Status)
	assert.Equal(t, "E1", created.UserID)
	assert.Equal(t, []core.ExpenseEvent{core.EventExpenseCreated}, f.e1Conn.received())
	assert.Equal(t, []core.ExpenseEvent{core.EventExpenseCreated}, f.adminCon.received())
	assert.Empty(t, f.e2Conn.received())

	approved, err := f.svc.UpdateExpenseStatus(ctx, a1, created.ID, core.StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, core.StatusApproved, approved.Status)
	assert.Equal(t, created.Amount, approved.Amount)
	assert.Equal(t, created.Category, approved.Category)
	assert.Equal(t, created.Description, approved.Description)
	assert.Equal(t, created.Date.String(), approved.Date.String())

	assert.Equal(t, []core.ExpenseEvent{core.EventExpenseCreated, core.EventExpenseStatusChanged}, f.e1Conn.received())
	assert.Equal(t, []core.ExpenseEvent{core.EventExpenseCreated}, f.adminCon.received())

	// The failing sink saw both events and neither write failed.
	assert.Equal(t, int32(2), f.sink.calls.Load())
}

func TestStatusChangeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateExpense(ctx, e1, lunch())
	require.NoError(t, err)

	_, err = f.svc.UpdateExpenseStatus(ctx, e1, created.ID, core.StatusApproved)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = f.svc.UpdateExpenseStatus(ctx, a1, created.ID, core.StatusPending)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.UpdateExpenseStatus(ctx, a1, created.ID, "ARCHIVED")
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.UpdateExpenseStatus(ctx, a1, "missing", core.StatusApproved)
	require.ErrorIs(t, err, core.ErrNotFound)

	got, err := f.svc.GetExpense(ctx, e1, created.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StatusPending, got.Status)

	_, err = f.svc.UpdateExpenseStatus(ctx, a1, created.ID, core.StatusRejected)
	require.NoError(t, err)
	_, err = f.svc.UpdateExpenseStatus(ctx, a1, created.ID, core.StatusApproved)
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestConcurrentDecisionsApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateExpense(ctx, e1, lunch())
	require.NoError(t, err)

	var ok, conflict atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			to := core.StatusApproved
			if i%2 == 1 {
				to = core.StatusRejected
			}
			_, err := f.svc.UpdateExpenseStatus(ctx, a1, created.ID, to)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, core.ErrConflict):
				conflict.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(7), conflict.Load())
	assert.Len(t, f.e1Conn.received(), 2)
}

func TestListScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.CreateExpense(ctx, e1, lunch())
	require.NoError(t, err)
	_, err = f.svc.CreateExpense(ctx, e2, lunch())
	require.NoError(t, err)

	own, err := f.svc.ListExpenses(ctx, e1, core.Filter{OwnerID: "E2"})
	require.NoError(t, err)
	require.Len(t, own, 1)
	assert.Equal(t, "E1", own[0].UserID)

	all, err := f.svc.ListExpenses(ctx, a1, core.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	onlyE2, err := f.svc.ListExpenses(ctx, a1, core.Filter{OwnerID: "E2"})
	require.NoError(t, err)
	require.Len(t, onlyE2, 1)
	assert.Equal(t, "E2", onlyE2[0].UserID)

	_, err = f.svc.ListExpenses(ctx, nil, core.Filter{})
	require.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = f.svc.ListExpenses(ctx, e1, core.Filter{Category: "SNACKS"})
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestAnalyticsScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	lunchExp, err := f.svc.CreateExpense(ctx, e1, lunch())
	require.NoError(t, err)
	_, err = f.svc.UpdateExpenseStatus(ctx, a1, lunchExp.ID, core.StatusApproved)
	require.NoError(t, err)
	_, err = f.svc.CreateExpense(ctx, e1, core.ExpenseInput{
		Amount:      core.Money{Cents: 12000},
		Category:    core.CategorySoftware,
		Description: "IDE licence",
		Date:        core.NewDate(2024, 1, 22),
	})
	require.NoError(t, err)

	a, err := f.svc.Analytics(ctx, a1, core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(16500), a.Total.Cents)
	assert.Equal(t, 2, a.Count)
	assert.Equal(t, 1, a.PendingCount)
	assert.Equal(t, []core.CategoryTotal{
		{Category: core.CategoryFood, Total: core.Money{Cents: 4500}, Count: 1},
		{Category: core.CategorySoftware, Total: core.Money{Cents: 12000}, Count: 1},
	}, a.ByCategory)
	assert.Equal(t, []core.StatusTotal{
		{Status: core.StatusApproved, Total: core.Money{Cents: 4500}, Count: 1},
		{Status: core.StatusPending, Total: core.Money{Cents: 12000}, Count: 1},
	}, a.ByStatus)

	emp, err := f.svc.Analytics(ctx, e2, core.Filter{})
	require.NoError(t, err)
	assert.Zero(t, emp.Count)
	assert.Zero(t, emp.PendingCount)
	assert.Empty(t, emp.ByCategory)

	// Cached until the next write.
	assert.Equal(t, 2, f.cache.Size())
	_, err = f.svc.CreateExpense(ctx, e2, lunch())
	require.NoError(t, err)
	assert.Zero(t, f.cache.Size())

	a, err = f.svc.Analytics(ctx, a1, core.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 3, a.Count)
	assert.Equal(t, 2, a.PendingCount)
}

func TestReadAndEditOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, err := f.svc.CreateExpense(ctx, e1, core.ExpenseInput{
		Amount:      core.Money{Cents: 4500},
		Category:    core.CategoryFood,
		Description: "Team lunch",
		Date:        core.NewDate(2024, 1, 20),
		Receipt:     "/uploads/r.png",
	})
	require.NoError(t, err)

	_, err = f.svc.GetExpense(ctx, e2, created.ID)
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.GetExpense(ctx, a1, created.ID)
	require.NoError(t, err)

	edit := lunch()
	edit.Description = "  Team lunch (client)  "
	updated, err := f.svc.UpdateExpense(ctx, e1, created.ID, edit)
	require.NoError(t, err)
	assert.Equal(t, "Team lunch (client)", updated.Description)
	assert.Equal(t, "/uploads/r.png", updated.Receipt)
	assert.Contains(t, f.adminCon.received(), core.EventExpenseUpdated)

	_, err = f.svc.UpdateExpense(ctx, e2, created.ID, edit)
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = f.svc.UpdateExpense(ctx, a1, created.ID, edit)
	require.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = f.svc.UpdateExpenseStatus(ctx, a1, created.ID, core.StatusApproved)
	require.NoError(t, err)
	_, err = f.svc.UpdateExpense(ctx, e1, created.ID, edit)
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestCreateRevalidates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bad := lunch()
	bad.Category = "SNACKS"
	_, err := f.svc.CreateExpense(ctx, e1, bad)
	require.ErrorIs(t, err, core.ErrValidation)

	bad = lunch()
	bad.Amount = core.Money{}
	_, err = f.svc.CreateExpense(ctx, e1, bad)
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = f.svc.CreateExpense(ctx, nil, lunch())
	require.ErrorIs(t, err, core.ErrInvalidToken)

	list, err := f.svc.ListExpenses(ctx, a1, core.Filter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.adminCon.received())
}
