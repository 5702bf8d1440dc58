// Package services runs every expense operation through the same pipeline:
// authorize, validate, persist, then notify.
package services

import (
	"context"
	"fmt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/policy"
	"rimborsi/internal/storage"
)

// EventSink receives committed expense changes. Sink failures are logged and
// never fail the write that produced the event.
type EventSink interface {
	Publish(ctx context.Context, event core.ExpenseEvent, e core.Expense) error
}

// AnalyticsCache memoizes aggregates between writes.
type AnalyticsCache interface {
	Get(key string) (core.Analytics, bool)
	Generation() uint64
	SetIfGeneration(gen uint64, key string, a core.Analytics) bool
	Purge()
}

// ExpenseService orchestrates expense operations across the store, the
// analytics cache and the event sinks.
type ExpenseService struct {
	store  storage.ExpenseStore
	cache  AnalyticsCache
	sinks  []EventSink
	logger *log.Logger
	events *log.StructuredLogger
}

// NewExpenseService wires the service. cache may be nil.
func NewExpenseService(store storage.ExpenseStore, cache AnalyticsCache, logger *log.Logger, sinks ...EventSink) *ExpenseService {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentExpense)
	return &ExpenseService{
		store:  store,
		cache:  cache,
		sinks:  sinks,
		logger: logger,
		events: log.NewStructuredLogger(logger),
	}
}

// requireActor rejects anonymous callers and unknown roles.
func requireActor(actor *core.Identity) error {
	return policy.Decide(actor, policy.OpListExpenses, policy.Resource{}).Err()
}

// CreateExpense files a new PENDING expense owned by the actor.
func (s *ExpenseService) CreateExpense(ctx context.Context, actor *core.Identity, in core.ExpenseInput) (core.Expense, error) {
	if err := requireActor(actor); err != nil {
		return core.Expense{}, err
	}
	if err := policy.Decide(actor, policy.OpCreateExpense, policy.Resource{OwnerID: actor.UserID}).Err(); err != nil {
		return core.Expense{}, err
	}
	in.Normalize()
	if err := in.Validate(); err != nil {
		return core.Expense{}, err
	}

	e, err := s.store.CreateExpense(ctx, actor.UserID, in)
	if err != nil {
		return core.Expense{}, fmt.Errorf("create expense: %w", err)
	}
	s.committed(ctx, actor, core.EventExpenseCreated, e)
	return e, nil
}

// ListExpenses returns the expenses the actor may see matching f, newest
// date first. Employees only ever see their own.
func (s *ExpenseService) ListExpenses(ctx context.Context, actor *core.Identity, f core.Filter) ([]core.Expense, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	scoped, err := policy.ScopeFilterFor(actor, f)
	if err != nil {
		return nil, err
	}
	list, err := s.store.ListExpenses(ctx, scoped)
	if err != nil {
		return nil, fmt.Errorf("list expenses: %w", err)
	}
	return list, nil
}

// GetExpense reads one expense. Another user's expense reads as not found.
func (s *ExpenseService) GetExpense(ctx context.Context, actor *core.Identity, id string) (core.Expense, error) {
	if err := requireActor(actor); err != nil {
		return core.Expense{}, err
	}
	e, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return core.Expense{}, fmt.Errorf("get expense: %w", err)
	}
	if err := policy.Decide(actor, policy.OpReadExpense, policy.Resource{OwnerID: e.UserID}).Err(); err != nil {
		return core.Expense{}, err
	}
	return e, nil
}

// UpdateExpense lets the owner edit a PENDING expense. An empty receipt
// keeps the stored one.
func (s *ExpenseService) UpdateExpense(ctx context.Context, actor *core.Identity, id string, in core.ExpenseInput) (core.Expense, error) {
	if err := requireActor(actor); err != nil {
		return core.Expense{}, err
	}
	current, err := s.store.GetExpense(ctx, id)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	res := policy.Resource{OwnerID: current.UserID, Status: current.Status}
	if err := policy.Decide(actor, policy.OpEditExpense, res).Err(); err != nil {
		return core.Expense{}, err
	}

	in.Normalize()
	if in.Receipt == "" {
		in.Receipt = current.Receipt
	}
	if err := in.Validate(); err != nil {
		return core.Expense{}, err
	}

	e, err := s.store.UpdateExpense(ctx, id, in)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense: %w", err)
	}
	s.committed(ctx, actor, core.EventExpenseUpdated, e)
	return e, nil
}

// UpdateExpenseStatus records an admin decision. Decisions are one-shot:
// the write only applies while the expense is still PENDING, so a second
// decision, concurrent or not, fails with core.ErrConflict.
func (s *ExpenseService) UpdateExpenseStatus(ctx context.Context, actor *core.Identity, id string, to core.Status) (core.Expense, error) {
	if err := requireActor(actor); err != nil {
		return core.Expense{}, err
	}
	if err := policy.Decide(actor, policy.OpChangeStatus, policy.Resource{}).Err(); err != nil {
		return core.Expense{}, err
	}
	if !to.IsValid() {
		return core.Expense{}, core.ErrInvalidStatus
	}
	if !core.StatusPending.CanTransitionTo(to) {
		return core.Expense{}, core.Invalid("status", "must be %s or %s", core.StatusApproved, core.StatusRejected)
	}

	e, err := s.store.UpdateExpenseStatus(ctx, id, core.StatusPending, to)
	if err != nil {
		return core.Expense{}, fmt.Errorf("update expense status: %w", err)
	}
	s.committed(ctx, actor, core.EventExpenseStatusChanged, e)
	return e, nil
}

// Analytics aggregates what the actor may see. Admins also get the global
// number of PENDING expenses.
func (s *ExpenseService) Analytics(ctx context.Context, actor *core.Identity, f core.Filter) (core.Analytics, error) {
	if err := f.Validate(); err != nil {
		return core.Analytics{}, err
	}
	scoped, err := policy.ScopeFilterFor(actor, f)
	if err != nil {
		return core.Analytics{}, err
	}
	withPending := policy.IncludesPendingCount(actor)

	key := "employee|" + scoped.Key()
	if withPending {
		key = "admin|" + scoped.Key()
	}
	var gen uint64
	if s.cache != nil {
		if a, ok := s.cache.Get(key); ok {
			return a, nil
		}
		gen = s.cache.Generation()
	}

	a, err := s.store.AggregateExpenses(ctx, scoped)
	if err != nil {
		return core.Analytics{}, fmt.Errorf("aggregate expenses: %w", err)
	}
	if withPending {
		n, err := s.store.CountExpensesByStatus(ctx, core.StatusPending)
		if err != nil {
			return core.Analytics{}, fmt.Errorf("count pending expenses: %w", err)
		}
		a.PendingCount = n
	}

	if s.cache != nil {
		s.cache.SetIfGeneration(gen, key, a)
	}
	return a, nil
}

func (s *ExpenseService) committed(ctx context.Context, actor *core.Identity, event core.ExpenseEvent, e core.Expense) {
	if s.cache != nil {
		s.cache.Purge()
	}
	s.events.LogExpenseEvent(ctx, event, actor, e)

	for _, sink := range s.sinks {
		if err := sink.Publish(ctx, event, e); err != nil {
			fields := log.NewFields().WithExpense(e)
			fields[log.FieldEvent] = string(event)
			s.events.LogError(ctx, "Event delivery failed", err, log.ComponentExpense, log.OpPublish, fields)
		}
	}
}
