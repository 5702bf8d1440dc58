// Package dashboard keeps a client-side view of expenses and analytics in
// step with API responses and pushed events.
package dashboard

import (
	"rimborsi/internal/core"
	"rimborsi/internal/realtime"
)

// State is an immutable snapshot: reducers return a new State and never
// modify the receiver's slices.
type State struct {
	Expenses  []core.Expense
	Analytics *core.Analytics
	// AnalyticsStale is set when a pushed event may have changed the
	// aggregates held in Analytics.
	AnalyticsStale bool
	Error          string
}

func (s State) indexOf(id string) int {
	for i, e := range s.Expenses {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// AddExpenseToList prepends e unless an expense with the same id is
// already listed.
func (s State) AddExpenseToList(e core.Expense) State {
	if s.indexOf(e.ID) >= 0 {
		return s
	}
	list := make([]core.Expense, 0, len(s.Expenses)+1)
	list = append(list, e)
	s.Expenses = append(list, s.Expenses...)
	return s
}

// UpdateExpenseInList replaces the listed expense with e's id in place.
// Unknown ids leave the state unchanged.
func (s State) UpdateExpenseInList(e core.Expense) State {
	i := s.indexOf(e.ID)
	if i < 0 {
		return s
	}
	list := make([]core.Expense, len(s.Expenses))
	copy(list, s.Expenses)
	list[i] = e
	s.Expenses = list
	return s
}

// RemoveExpenseFromList drops the listed expense with id.
func (s State) RemoveExpenseFromList(id string) State {
	i := s.indexOf(id)
	if i < 0 {
		return s
	}
	list := make([]core.Expense, 0, len(s.Expenses)-1)
	list = append(list, s.Expenses[:i]...)
	s.Expenses = append(list, s.Expenses[i+1:]...)
	return s
}

func (s State) SetExpenses(list []core.Expense) State {
	s.Expenses = append([]core.Expense(nil), list...)
	s.Error = ""
	return s
}

func (s State) SetAnalytics(a core.Analytics) State {
	s.Analytics = &a
	s.AnalyticsStale = false
	s.Error = ""
	return s
}

func (s State) SetError(msg string) State {
	s.Error = msg
	return s
}

// Apply reconciles a pushed event. Created expenses are added, updates and
// decisions replace the listed copy. Unknown events are ignored.
func (s State) Apply(m realtime.Message) State {
	switch m.Event {
	case core.EventExpenseCreated:
		s = s.AddExpenseToList(m.Data)
	case core.EventExpenseUpdated, core.EventExpenseStatusChanged:
		s = s.UpdateExpenseInList(m.Data)
	default:
		return s
	}
	if s.Analytics != nil {
		s.AnalyticsStale = true
	}
	return s
}

// ApplyFiltered is Apply for a view restricted to f. Events for expenses
// outside f never add them, and a listed expense that no longer matches f
// is dropped.
func (s State) ApplyFiltered(m realtime.Message, f core.Filter) State {
	if f.Matches(m.Data) {
		return s.Apply(m)
	}
	switch m.Event {
	case core.EventExpenseUpdated, core.EventExpenseStatusChanged:
		if s.indexOf(m.Data.ID) < 0 {
			return s
		}
		s = s.RemoveExpenseFromList(m.Data.ID)
		if s.Analytics != nil {
			s.AnalyticsStale = true
		}
	}
	return s
}

// Pending returns the listed expenses still awaiting a decision.
func (s State) Pending() []core.Expense {
	var out []core.Expense
	for _, e := range s.Expenses {
		if e.Status == core.StatusPending {
			out = append(out, e)
		}
	}
	return out
}
