package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"rimborsi/internal/core"
)

// Unavailable wraps a driver failure so callers can classify it while the
// underlying cause stays inspectable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrConflict) || errors.Is(err, core.ErrValidation) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, core.ErrPersistenceUnavailable, err)
}

// NormalizeEmail is the canonical stored form of an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Dialect captures the differences between the SQL backends that the
// shared query builders need to know about.
type Dialect struct {
	Placeholder func(n int) string
	DateArg     func(d core.Date) any
}

var (
	// SQLite stores calendar dates as YYYY-MM-DD text.
	SQLite = Dialect{
		Placeholder: func(int) string { return "?" },
		DateArg:     func(d core.Date) any { return d.String() },
	}
	// Postgres stores calendar dates in DATE columns.
	Postgres = Dialect{
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		DateArg:     func(d core.Date) any { return d.Time },
	}
)

// WhereClause renders the filter as a conjunctive SQL condition whose
// placeholders start at argument index start. Columns are referenced
// through the alias "e".
func (d Dialect) WhereClause(f core.Filter, start int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, d.Placeholder(start+len(args)-1)))
	}

	if f.OwnerID != "" {
		add("e.user_id = %s", f.OwnerID)
	}
	if f.Category != "" {
		add("e.category = %s", string(f.Category))
	}
	if f.Status != "" {
		add("e.status = %s", string(f.Status))
	}
	if !f.From.IsZero() {
		add("e.date >= %s", d.DateArg(f.From))
	}
	if !f.To.IsZero() {
		add("e.date <= %s", d.DateArg(f.To))
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// SortExpenses applies the listing order: date descending, then creation
// time descending, then id for a stable result.
func SortExpenses(list []core.Expense) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Date.Equal(b.Date.Time) {
			return a.Date.After(b.Date.Time)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

// Summarize folds expenses into analytics groups ordered by name.
func Summarize(list []core.Expense) core.Analytics {
	byCategory := map[core.Category]*core.CategoryTotal{}
	byStatus := map[core.Status]*core.StatusTotal{}
	var out core.Analytics

	for _, e := range list {
		ct, ok := byCategory[e.Category]
		if !ok {
			ct = &core.CategoryTotal{Category: e.Category}
			byCategory[e.Category] = ct
		}
		ct.Total = ct.Total.Add(e.Amount)
		ct.Count++

		st, ok := byStatus[e.Status]
		if !ok {
			st = &core.StatusTotal{Status: e.Status}
			byStatus[e.Status] = st
		}
		st.Total = st.Total.Add(e.Amount)
		st.Count++

		out.Total = out.Total.Add(e.Amount)
		out.Count++
	}

	for _, ct := range byCategory {
		out.ByCategory = append(out.ByCategory, *ct)
	}
	for _, st := range byStatus {
		out.ByStatus = append(out.ByStatus, *st)
	}
	SortAnalytics(&out)
	return out
}

// SortAnalytics orders groups by name and replaces nil slices with empty
// ones so the JSON shape is stable.
func SortAnalytics(a *core.Analytics) {
	if a.ByCategory == nil {
		a.ByCategory = []core.CategoryTotal{}
	}
	if a.ByStatus == nil {
		a.ByStatus = []core.StatusTotal{}
	}
	sort.Slice(a.ByCategory, func(i, j int) bool { return a.ByCategory[i].Category < a.ByCategory[j].Category })
	sort.Slice(a.ByStatus, func(i, j int) bool { return a.ByStatus[i].Status < a.ByStatus[j].Status })
}
