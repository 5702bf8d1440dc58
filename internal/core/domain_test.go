package core

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestDateValidate(t *testing.T) {
	cases := []struct {
		d  Date
		ok bool
	}{
		{NewDate(2025, 1, 1), true},
		{NewDate(2025, 12, 31), true},
		{Date{Time: time.Time{}}, false}, // zero time
	}
	for i, tc := range cases {
		err := tc.d.Validate()
		if tc.ok && err != nil {
			t.Fatalf("case %d expected ok, got %v", i, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"2024-01-20", "2024-01-20", true},
		{"2024-01-20T00:00:00Z", "2024-01-20", true},
		{"2024-01-20T15:04:05.000Z", "2024-01-20", true},
		{"20/01/2024", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.in)
		if tc.ok {
			if err != nil || got.String() != tc.want {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.want, got, err)
			}
			continue
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("%q expected validation error, got %v", tc.in, err)
		}
	}
}

func TestExpenseInputValidate(t *testing.T) {
	good := ExpenseInput{
		Amount:      Money{Cents: 4500},
		Category:    CategoryFood,
		Description: "Team lunch",
		Date:        NewDate(2024, 1, 20),
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}

	bads := []struct {
		mutate func(*ExpenseInput)
		want   error
	}{
		{func(in *ExpenseInput) { in.Amount = Money{} }, ErrInvalidAmount},
		{func(in *ExpenseInput) { in.Category = "LUNCH" }, ErrInvalidCategory},
		{func(in *ExpenseInput) { in.Description = "   " }, ErrEmptyDescription},
		{func(in *ExpenseInput) { in.Description = strings.Repeat("x", MaxDescriptionLength+1) }, ErrDescriptionTooLong},
		{func(in *ExpenseInput) { in.Date = Date{} }, ErrInvalidDate},
	}
	for i, tc := range bads {
		in := good
		tc.mutate(&in)
		err := in.Validate()
		if !errors.Is(err, tc.want) {
			t.Fatalf("case %d expected %v, got %v", i, tc.want, err)
		}
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d expected error to match ErrValidation", i)
		}
	}
}

func TestDescriptionLengthCountsCharacters(t *testing.T) {
	in := ExpenseInput{
		Amount:      Money{Cents: 1},
		Category:    CategoryOther,
		Description: strings.Repeat("è", MaxDescriptionLength),
		Date:        NewDate(2024, 1, 1),
	}
	if err := in.Validate(); err != nil {
		t.Fatalf("expected %d multi-byte characters to be accepted, got %v", MaxDescriptionLength, err)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusApproved, true},
		{StatusPending, StatusRejected, true},
		{StatusPending, StatusPending, false},
		{StatusApproved, StatusRejected, false},
		{StatusRejected, StatusApproved, false},
		{StatusApproved, StatusPending, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Errorf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestParseEnums(t *testing.T) {
	if c, err := ParseCategory(" office_supplies "); err != nil || c != CategoryOfficeSupplies {
		t.Fatalf("ParseCategory: got %q, %v", c, err)
	}
	if _, err := ParseCategory("groceries"); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("ParseCategory: expected ErrInvalidCategory, got %v", err)
	}
	if r, err := ParseRole("admin"); err != nil || r != RoleAdmin {
		t.Fatalf("ParseRole: got %q, %v", r, err)
	}
	if _, err := ParseRole("MANAGER"); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("ParseRole: expected ErrInvalidRole, got %v", err)
	}
	if s, err := ParseStatus("approved"); err != nil || s != StatusApproved {
		t.Fatalf("ParseStatus: got %q, %v", s, err)
	}
	if len(Categories()) != 8 {
		t.Fatalf("expected 8 categories, got %d", len(Categories()))
	}
}

func TestNewExpenseIsPending(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	owner := UserRef{ID: "u1", Name: "John", Email: "john@company.com"}
	e := NewExpense("e1", owner, ExpenseInput{
		Amount:      Money{Cents: 4500},
		Category:    CategoryFood,
		Description: "  Team lunch ",
		Date:        NewDate(2024, 1, 20),
	}, now)

	if e.Status != StatusPending {
		t.Fatalf("expected PENDING, got %s", e.Status)
	}
	if e.UserID != "u1" || e.User != owner {
		t.Fatalf("owner not set: %+v", e)
	}
	if e.Description != "Team lunch" {
		t.Fatalf("description not trimmed: %q", e.Description)
	}
	if !e.CreatedAt.Equal(now) || !e.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps not stamped: %v %v", e.CreatedAt, e.UpdatedAt)
	}
}

func TestExpenseWireShape(t *testing.T) {
	e := Expense{
		ID:          "e1",
		Amount:      Money{Cents: 4500},
		Category:    CategoryFood,
		Description: "Team lunch",
		Date:        NewDate(2024, 1, 20),
		Status:      StatusPending,
		UserID:      "u1",
		User:        UserRef{ID: "u1", Name: "John", Email: "john@company.com"},
	}
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"id", "amount", "category", "description", "date", "status", "userId", "user", "createdAt", "updatedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, b)
		}
	}
	if _, ok := raw["receipt"]; ok {
		t.Errorf("empty receipt should be omitted: %s", b)
	}
	if raw["amount"] != 45.0 {
		t.Errorf("amount should be a number, got %#v", raw["amount"])
	}
	if raw["date"] != "2024-01-20" {
		t.Errorf("unexpected date %#v", raw["date"])
	}
}

func TestFilterMatchesAndValidate(t *testing.T) {
	e := Expense{UserID: "u1", Category: CategoryFood, Status: StatusPending, Date: NewDate(2024, 1, 20)}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"owner", Filter{OwnerID: "u1"}, true},
		{"other owner", Filter{OwnerID: "u2"}, false},
		{"category", Filter{Category: CategorySoftware}, false},
		{"status", Filter{Status: StatusPending}, true},
		{"inclusive range", Filter{From: NewDate(2024, 1, 20), To: NewDate(2024, 1, 20)}, true},
		{"before range", Filter{From: NewDate(2024, 1, 21)}, false},
		{"after range", Filter{To: NewDate(2024, 1, 19)}, false},
	}
	for _, tc := range cases {
		if got := tc.f.Matches(e); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}

	bad := Filter{From: NewDate(2024, 2, 1), To: NewDate(2024, 1, 1)}
	if err := bad.Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected inverted range to be rejected, got %v", err)
	}
}
