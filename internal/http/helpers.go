package http

import (
	"errors"
	"net/http"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// errorStatus maps the error taxonomy onto an HTTP status, a stable code
// and a client-safe message.
func errorStatus(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, core.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid credentials"
	case errors.Is(err, core.ErrExpiredToken):
		return http.StatusUnauthorized, "TOKEN_EXPIRED", "Authentication error"
	case errors.Is(err, core.ErrInvalidToken):
		return http.StatusUnauthorized, "INVALID_TOKEN", "Authentication error"
	case errors.Is(err, core.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED", "Insufficient permissions"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found"
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed"
	case errors.Is(err, core.ErrConflict):
		return http.StatusConflict, "CONFLICT", "Conflicting change"
	case errors.Is(err, core.ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable, "PERSISTENCE_UNAVAILABLE", "Service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal server error"
	}
}

// WriteError renders err as a JSON error body. Validation errors carry the
// offending field; unclassified errors are logged and reported as INTERNAL.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := errorStatus(err)
	body := ErrorBody{Error: message, Code: code}

	var verr *core.ValidationError
	if errors.As(err, &verr) {
		body.Error = verr.Error()
		body.Field = verr.Field
	}

	logger := log.FromContext(r.Context())
	switch {
	case status >= http.StatusInternalServerError:
		logger.ErrorContext(r.Context(), "Request failed", log.FieldError, err.Error(), log.FieldStatusCode, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		logger.WarnContext(r.Context(), "Request denied", log.FieldError, err.Error(), log.FieldStatusCode, status)
	default:
		logger.DebugContext(r.Context(), "Request rejected", log.FieldError, err.Error(), log.FieldStatusCode, status)
	}

	NewJSONResponse().Status(status).Body(body).Write(w)
}
