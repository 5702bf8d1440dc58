package dashboard

import (
	"context"
	"fmt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/realtime"
)

// Refresh loads the expense list and analytics for f into st.
func Refresh(ctx context.Context, c *Client, st *Store, f core.Filter) error {
	list, err := c.ListExpenses(ctx, f)
	if err != nil {
		st.Dispatch(func(s State) State { return s.SetError(err.Error()) })
		return fmt.Errorf("load expenses: %w", err)
	}
	st.Dispatch(func(s State) State { return s.SetExpenses(list) })
	return refreshAnalytics(ctx, c, st, f)
}

func refreshAnalytics(ctx context.Context, c *Client, st *Store, f core.Filter) error {
	a, err := c.Analytics(ctx, f)
	if err != nil {
		st.Dispatch(func(s State) State { return s.SetError(err.Error()) })
		return fmt.Errorf("load analytics: %w", err)
	}
	st.Dispatch(func(s State) State { return s.SetAnalytics(a) })
	return nil
}

// Watch loads the dashboard and then keeps it reconciled with pushed events
// until ctx ends. Aggregates are reloaded after each event that touches
// them.
func Watch(ctx context.Context, c *Client, st *Store, f core.Filter, logger *log.Logger) error {
	if logger == nil {
		logger = log.Discard()
	}
	logger = logger.WithComponent(log.ComponentWatch)

	if err := Refresh(ctx, c, st, f); err != nil {
		return err
	}

	return c.Subscribe(ctx, func(m realtime.Message) {
		logger.DebugContext(ctx, "Event received",
			log.FieldEvent, string(m.Event),
			log.FieldExpenseID, m.Data.ID,
			log.FieldStatus, string(m.Data.Status))

		next := st.Dispatch(func(s State) State { return s.ApplyFiltered(m, f) })
		if next.AnalyticsStale {
			if err := refreshAnalytics(ctx, c, st, f); err != nil {
				logger.WarnContext(ctx, "Analytics reload failed", log.FieldError, err.Error())
			}
		}
	})
}

// Submit creates an expense and lists it in st without waiting for the
// pushed copy.
func Submit(ctx context.Context, c *Client, st *Store, f core.Filter, in core.ExpenseInput) (core.Expense, error) {
	e, err := c.CreateExpense(ctx, in)
	if err != nil {
		st.Dispatch(func(s State) State { return s.SetError(err.Error()) })
		return core.Expense{}, err
	}
	applyResult(ctx, c, st, f, realtime.Message{Event: core.EventExpenseCreated, Data: e})
	return e, nil
}

// Decide records a decision and applies the result to st. Decisions are
// pushed only to the submitter, so the deciding admin's view is updated
// from the response.
func Decide(ctx context.Context, c *Client, st *Store, f core.Filter, id string, to core.Status) (core.Expense, error) {
	e, err := c.UpdateStatus(ctx, id, to)
	if err != nil {
		st.Dispatch(func(s State) State { return s.SetError(err.Error()) })
		return core.Expense{}, err
	}
	applyResult(ctx, c, st, f, realtime.Message{Event: core.EventExpenseStatusChanged, Data: e})
	return e, nil
}

// applyResult reconciles a write the caller made itself. A failed analytics
// reload is recorded in the state and leaves AnalyticsStale set.
func applyResult(ctx context.Context, c *Client, st *Store, f core.Filter, m realtime.Message) {
	next := st.Dispatch(func(s State) State { return s.ApplyFiltered(m, f) })
	if next.AnalyticsStale {
		_ = refreshAnalytics(ctx, c, st, f)
	}
}
