package http

import (
	"context"
	"net/http"
	"time"

	"rimborsi/internal/auth"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

type identityKey struct{}

// IdentityFrom returns the authenticated actor stored by the auth
// middleware, or nil for anonymous requests.
func IdentityFrom(ctx context.Context) *core.Identity {
	if id, ok := ctx.Value(identityKey{}).(core.Identity); ok {
		return &id
	}
	return nil
}

// authenticate requires a valid bearer token and stores the identity in
// the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _ := bearerToken(r)
		id, err := s.auth.VerifyToken(token)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), identityKey{}, id)
		logger := log.FromContext(ctx).With(log.FieldUserID, id.UserID, log.FieldRole, string(id.Role))
		next.ServeHTTP(w, r.WithContext(log.NewContext(ctx, logger)))
	})
}

type authResponse struct {
	Token string    `json:"token"`
	User  core.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	token, user, err := s.auth.IssueToken(r.Context(), req.Email, req.Password)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	OK(authResponse{Token: token, User: user}).Write(w)
}

// handleRegister is open to anonymous callers. A caller presenting a
// token registers on behalf of that identity, which only matters for
// admins creating admins.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var creator *core.Identity
	if token, present := bearerToken(r); present {
		id, err := s.auth.VerifyToken(token)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		creator = &id
	}

	var req registerRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	in := auth.RegisterInput{Email: req.Email, Password: req.Password, Name: req.Name}
	if req.Role != "" {
		role, err := core.ParseRole(req.Role)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		in.Role = role
	}

	token, user, err := s.auth.Register(r.Context(), in, creator)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	Created(authResponse{Token: token, User: user}).Write(w)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	id := IdentityFrom(r.Context())
	user, err := s.auth.CurrentUser(r.Context(), *id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	OK(user).Write(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	OK(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}).Write(w)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store answers within two seconds.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err.Error())
			ErrorResponse(http.StatusServiceUnavailable, "PERSISTENCE_UNAVAILABLE", "not ready").Write(w)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
