package core

import (
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	RoleEmployee Role = "EMPLOYEE"
	RoleAdmin    Role = "ADMIN"
)

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

const (
	CategoryTravel         Category = "TRAVEL"
	CategoryFood           Category = "FOOD"
	CategoryOfficeSupplies Category = "OFFICE_SUPPLIES"
	CategoryEquipment      Category = "EQUIPMENT"
	CategorySoftware       Category = "SOFTWARE"
	CategoryTraining       Category = "TRAINING"
	CategoryEntertainment  Category = "ENTERTAINMENT"
	CategoryOther          Category = "OTHER"
)

// MaxDescriptionLength is counted in characters, not bytes.
const MaxDescriptionLength = 500

// DateLayout is the calendar date format used on the wire and in storage.
const DateLayout = "2006-01-02"

type (
	Role     string
	Status   string
	Category string

	Date struct {
		time.Time
	}

	// UserRef is the owner summary embedded in every expense response.
	UserRef struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}

	User struct {
		ID           string    `json:"id"`
		Email        string    `json:"email"`
		Name         string    `json:"name"`
		Role         Role      `json:"role"`
		PasswordHash string    `json:"-"`
		CreatedAt    time.Time `json:"createdAt"`
		UpdatedAt    time.Time `json:"updatedAt"`
	}

	Expense struct {
		ID          string    `json:"id"`
		Amount      Money     `json:"amount"`
		Category    Category  `json:"category"`
		Description string    `json:"description"`
		Date        Date      `json:"date"`
		Status      Status    `json:"status"`
		Receipt     string    `json:"receipt,omitempty"`
		UserID      string    `json:"userId"`
		User        UserRef   `json:"user"`
		CreatedAt   time.Time `json:"createdAt"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	// ExpenseInput carries the caller-editable fields of an expense.
	ExpenseInput struct {
		Amount      Money
		Category    Category
		Description string
		Date        Date
		Receipt     string
	}

	// Identity is the authenticated actor extracted from a verified token.
	Identity struct {
		UserID string `json:"id"`
		Email  string `json:"email"`
		Role   Role   `json:"role"`
	}
)

var categories = []Category{
	CategoryTravel,
	CategoryFood,
	CategoryOfficeSupplies,
	CategoryEquipment,
	CategorySoftware,
	CategoryTraining,
	CategoryEntertainment,
	CategoryOther,
}

// Categories returns the closed category set in display order.
func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func (c Category) IsValid() bool {
	for _, known := range categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory accepts any letter case and surrounding whitespace.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.IsValid() {
		return "", ErrInvalidCategory
	}
	return c, nil
}

func (r Role) IsValid() bool {
	return r == RoleEmployee || r == RoleAdmin
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	if !r.IsValid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

func (s Status) IsValid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// IsTerminal reports whether no further decision may be taken.
func (s Status) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// CanTransitionTo encodes the one-shot decision rule: PENDING moves to
// APPROVED or REJECTED exactly once.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusPending && next.IsTerminal()
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// IsAdmin is false for the zero Identity.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

func (u User) Ref() UserRef {
	return UserRef{ID: u.ID, Name: u.Name, Email: u.Email}
}

func (u User) Identity() Identity {
	return Identity{UserID: u.ID, Email: u.Email, Role: u.Role}
}

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// ParseDate accepts a calendar date or a full RFC 3339 timestamp and keeps
// only the calendar day.
func ParseDate(s string) (Date, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(DateLayout, s); err == nil {
		return Date{Time: t}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return NewDate(t.Year(), int(t.Month()), t.Day()), nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return ErrInvalidDate
	}
	// Zero dates marshal as "" and must round-trip.
	if s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Normalize trims the free-text fields in place.
func (in *ExpenseInput) Normalize() {
	in.Description = strings.TrimSpace(in.Description)
	in.Receipt = strings.TrimSpace(in.Receipt)
}

func (in ExpenseInput) Validate() error {
	if err := in.Amount.Validate(); err != nil {
		return err
	}
	if !in.Category.IsValid() {
		return ErrInvalidCategory
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return ErrEmptyDescription
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return ErrDescriptionTooLong
	}
	return in.Date.Validate()
}

// NewExpense builds a freshly submitted expense: status is always PENDING
// and timestamps come from now.
func NewExpense(id string, owner UserRef, in ExpenseInput, now time.Time) Expense {
	in.Normalize()
	now = now.UTC()
	return Expense{
		ID:          id,
		Amount:      in.Amount,
		Category:    in.Category,
		Description: in.Description,
		Date:        in.Date,
		Status:      StatusPending,
		Receipt:     in.Receipt,
		UserID:      owner.ID,
		User:        owner,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
