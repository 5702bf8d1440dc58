package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rimborsi/internal/core"
)

// Claims is the signed token payload.
type Claims struct {
	UserID string    `json:"id"`
	Email  string    `json:"email"`
	Role   core.Role `json:"role"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens returns a signer. A zero ttl issues tokens without expiry.
func NewTokens(secret string, ttl time.Duration) *Tokens {
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(id core.Identity) (string, error) {
	now := t.now()
	claims := Claims{
		UserID: id.UserID,
		Email:  id.Email,
		Role:   id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if t.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(t.ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and the payload shape. Only HS256 is
// accepted.
func (t *Tokens) Verify(token string) (core.Identity, error) {
	if token == "" {
		return core.Identity{}, core.ErrInvalidToken
	}

	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return t.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return core.Identity{}, core.ErrExpiredToken
	}
	if err != nil {
		return core.Identity{}, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	if claims.UserID == "" || claims.Email == "" || !claims.Role.IsValid() {
		return core.Identity{}, fmt.Errorf("%w: incomplete claims", core.ErrInvalidToken)
	}
	return core.Identity{UserID: claims.UserID, Email: claims.Email, Role: claims.Role}, nil
}
