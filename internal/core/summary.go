package core

import (
	"strings"
)

// Filter narrows expense listings and aggregates. Zero fields are unset;
// set fields combine conjunctively. From and To are inclusive.
type Filter struct {
	OwnerID  string
	Category Category
	Status   Status
	From     Date
	To       Date
}

func (f Filter) Validate() error {
	if f.Category != "" && !f.Category.IsValid() {
		return ErrInvalidCategory
	}
	if f.Status != "" && !f.Status.IsValid() {
		return ErrInvalidStatus
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From.Time) {
		return Invalid("endDate", "must not be before startDate")
	}
	return nil
}

// Key is a stable cache key for the filter.
func (f Filter) Key() string {
	return strings.Join([]string{
		f.OwnerID,
		string(f.Category),
		string(f.Status),
		f.From.String(),
		f.To.String(),
	}, "|")
}

// Matches applies the filter to a single expense.
func (f Filter) Matches(e Expense) bool {
	if f.OwnerID != "" && e.UserID != f.OwnerID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && e.Date.Before(f.From.Time) {
		return false
	}
	if !f.To.IsZero() && e.Date.After(f.To.Time) {
		return false
	}
	return true
}

// CategoryTotal is the sum and count of expenses sharing a category.
type CategoryTotal struct {
	Category Category `json:"category"`
	Total    Money    `json:"total"`
	Count    int      `json:"count"`
}

// StatusTotal is the sum and count of expenses sharing a status.
type StatusTotal struct {
	Status Status `json:"status"`
	Total  Money  `json:"total"`
	Count  int    `json:"count"`
}

// Analytics summarises a filtered expense set. Groups with no expenses are
// omitted and groups are ordered by name. PendingCount is global and only
// filled for admins.
type Analytics struct {
	ByCategory   []CategoryTotal `json:"byCategory"`
	ByStatus     []StatusTotal   `json:"byStatus"`
	Total        Money           `json:"total"`
	Count        int             `json:"count"`
	PendingCount int             `json:"pendingCount"`
}
