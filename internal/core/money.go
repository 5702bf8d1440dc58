// Package core provides the expense domain model.
//
// Amounts are held as integer cents. Conversion from and to the decimal
// wire representation goes through shopspring/decimal so no float
// arithmetic touches stored values.
package core

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Money struct {
	Cents int64
}

var maxCents = decimal.NewFromInt((1<<63 - 1) / 100)

// ParseDecimalToCents converts a decimal string to cents with half-up rounding.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators. Signed,
// zero and sub-cent values are rejected.
//
// Examples:
//
//	ParseDecimalToCents("12.34") -> 1234, nil
//	ParseDecimalToCents("12,34") -> 1234, nil
//	ParseDecimalToCents("12.345") -> 1235, nil
func ParseDecimalToCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", "."))
	if err != nil {
		return 0, ErrInvalidAmount
	}
	return centsFromDecimal(d)
}

func centsFromDecimal(d decimal.Decimal) (int64, error) {
	if d.GreaterThan(maxCents) {
		return 0, ErrInvalidAmount
	}
	cents := d.Shift(2).Round(0)
	if !cents.IsPositive() {
		return 0, ErrInvalidAmount
	}
	return cents.IntPart(), nil
}

// ParseMoney is ParseDecimalToCents wrapped in a Money.
func ParseMoney(s string) (Money, error) {
	cents, err := ParseDecimalToCents(s)
	if err != nil {
		return Money{}, err
	}
	return Money{Cents: cents}, nil
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Decimal returns the amount in currency units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Cents, -2)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(2)
}

// MarshalJSON renders a JSON number with exactly two decimals.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalJSON accepts a JSON number or a numeric string. Zero is
// accepted here and rejected by Validate so callers get a field error.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return ErrInvalidAmount
	}
	if d.IsZero() {
		*m = Money{}
		return nil
	}
	cents, err := centsFromDecimal(d)
	if err != nil {
		return err
	}
	*m = Money{Cents: cents}
	return nil
}
