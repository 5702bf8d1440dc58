package auth

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/storage/memory"
)

const secret = "test-secret-with-enough-entropy"

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	svc, err := NewService(store, NewTokens(secret, 0), bcrypt.MinCost, nil)
	require.NoError(t, err)
	return svc, store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	token, u, err := svc.Register(ctx, RegisterInput{Email: " John@Company.com ", Password: "password123", Name: "John"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.Equal(t, "john@company.com", u.Email)
	assert.Equal(t, core.RoleEmployee, u.Role)
	assert.NotEqual(t, "password123", u.PasswordHash)

	id, err := svc.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, core.Identity{UserID: u.ID, Email: u.Email, Role: core.RoleEmployee}, id)

	loginToken, loggedIn, err := svc.IssueToken(ctx, "john@company.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, u.ID, loggedIn.ID)
	id, err = svc.VerifyToken(loginToken)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.UserID)

	me, err := svc.CurrentUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "John", me.Name)
}

func TestIssueTokenFailuresAreIndistinguishable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	_, _, err := svc.Register(ctx, RegisterInput{Email: "john@company.com", Password: "password123", Name: "John"}, nil)
	require.NoError(t, err)

	_, _, wrongPassword := svc.IssueToken(ctx, "john@company.com", "nope-nope")
	_, _, unknownEmail := svc.IssueToken(ctx, "ghost@company.com", "password123")

	assert.ErrorIs(t, wrongPassword, core.ErrInvalidCredentials)
	assert.ErrorIs(t, unknownEmail, core.ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownEmail.Error())
}

func TestServiceLogsUnderAuthComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(log.Config{Output: &buf, Level: slog.LevelInfo})
	svc, err := NewService(memory.New(), NewTokens(secret, 0), bcrypt.MinCost, logger)
	require.NoError(t, err)
	ctx := context.Background()

	_, u, err := svc.Register(ctx, RegisterInput{Email: "john@company.com", Password: "password123", Name: "John"}, nil)
	require.NoError(t, err)
	_, _, err = svc.IssueToken(ctx, "john@company.com", "wrong-password")
	require.ErrorIs(t, err, core.ErrInvalidCredentials)

	out := buf.String()
	assert.Contains(t, out, `msg="User registered"`)
	assert.Contains(t, out, `msg="Login failed"`)
	assert.Contains(t, out, "user_id="+u.ID)
	assert.Equal(t, 2, strings.Count(out, "component=auth"))
	assert.NotContains(t, out, "password123")
}

func TestRegisterRoles(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Register(ctx, RegisterInput{Email: "sneaky@company.com", Password: "password123", Name: "Sneaky", Role: core.RoleAdmin}, nil)
	assert.ErrorIs(t, err, core.ErrUnauthorized, "anonymous callers cannot self-promote")

	admin := &core.Identity{UserID: "a1", Email: "admin@company.com", Role: core.RoleAdmin}
	_, u, err := svc.Register(ctx, RegisterInput{Email: "boss@company.com", Password: "password123", Name: "Boss", Role: core.RoleAdmin}, admin)
	require.NoError(t, err)
	assert.Equal(t, core.RoleAdmin, u.Role)

	_, _, err = svc.Register(ctx, RegisterInput{Email: "boss@company.com", Password: "password123", Name: "Again"}, nil)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestRegisterValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"bad email", RegisterInput{Email: "not-an-email", Password: "password123", Name: "X"}, "email"},
		{"short password", RegisterInput{Email: "x@company.com", Password: "12345", Name: "X"}, "password"},
		{"blank name", RegisterInput{Email: "x@company.com", Password: "password123", Name: "  "}, "name"},
		{"unknown role", RegisterInput{Email: "x@company.com", Password: "password123", Name: "X", Role: "ROOT"}, "role"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Register(ctx, tc.in, nil)
			require.ErrorIs(t, err, core.ErrValidation)
			var verr *core.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestVerifyToken(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	tokens := NewTokens(secret, time.Hour)
	tokens.now = func() time.Time { return now }

	id := core.Identity{UserID: "u1", Email: "john@company.com", Role: core.RoleEmployee}
	token, err := tokens.Issue(id)
	require.NoError(t, err)

	got, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	now = now.Add(2 * time.Hour)
	_, err = tokens.Verify(token)
	assert.ErrorIs(t, err, core.ErrExpiredToken)

	unbounded, err := NewTokens(secret, 0).Issue(id)
	require.NoError(t, err)
	_, err = NewTokens("another-secret", 0).Verify(unbounded)
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = tokens.Verify("")
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = tokens.Verify("not.a.token")
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	tampered := token[:strings.LastIndex(token, ".")] + ".AAAA"
	_, err = tokens.Verify(tampered)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyTokenRejectsOtherAlgorithms(t *testing.T) {
	tokens := NewTokens(secret, 0)
	claims := Claims{UserID: "u1", Email: "john@company.com", Role: core.RoleAdmin}

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = tokens.Verify(none)
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = tokens.Verify(hs512)
	assert.ErrorIs(t, err, core.ErrInvalidToken)
}

func TestVerifyTokenRejectsIncompleteClaims(t *testing.T) {
	tokens := NewTokens(secret, 0)
	for _, claims := range []Claims{
		{Email: "john@company.com", Role: core.RoleEmployee},
		{UserID: "u1", Role: core.RoleEmployee},
		{UserID: "u1", Email: "john@company.com", Role: "MANAGER"},
	} {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		_, err = tokens.Verify(token)
		assert.ErrorIs(t, err, core.ErrInvalidToken)
	}
}
