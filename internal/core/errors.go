package core

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every layer. Callers classify with errors.Is.
var (
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidToken           = errors.New("invalid token")
	ErrExpiredToken           = errors.New("token expired")
	ErrUnauthorized           = errors.New("insufficient permissions")
	ErrNotFound               = errors.New("not found")
	ErrValidation             = errors.New("validation failed")
	ErrConflict               = errors.New("conflict")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)

// ValidationError names the offending field. It matches ErrValidation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrInvalidAmount      = &ValidationError{Field: "amount", Message: "must be a positive amount of at least 0.01"}
	ErrInvalidCategory    = &ValidationError{Field: "category", Message: "unknown category"}
	ErrInvalidStatus      = &ValidationError{Field: "status", Message: "unknown status"}
	ErrInvalidRole        = &ValidationError{Field: "role", Message: "unknown role"}
	ErrInvalidDate        = &ValidationError{Field: "date", Message: "must be an ISO 8601 date"}
	ErrEmptyDescription   = &ValidationError{Field: "description", Message: "is required"}
	ErrDescriptionTooLong = &ValidationError{Field: "description", Message: fmt.Sprintf("must be at most %d characters", MaxDescriptionLength)}
)
