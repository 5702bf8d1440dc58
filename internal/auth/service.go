// Package auth verifies credentials, registers users and issues the bearer
// tokens shared by the REST API and the push channel.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/policy"
	"rimborsi/internal/storage"
)

const MinPasswordLength = 6

// Service implements login, registration and token verification.
type Service struct {
	users     storage.UserStore
	tokens    *Tokens
	cost      int
	dummyHash []byte
	logger    *log.Logger
}

// NewService wires the credential service. cost is the bcrypt cost; zero
// selects bcrypt.DefaultCost.
func NewService(users storage.UserStore, tokens *Tokens, cost int, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Discard()
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	// Unknown emails are compared against this hash so both failure paths
	// cost one bcrypt comparison.
	dummy, err := bcrypt.GenerateFromPassword([]byte("rimborsi-timing-equaliser"), cost)
	if err != nil {
		return nil, fmt.Errorf("prepare dummy hash: %w", err)
	}
	return &Service{
		users:     users,
		tokens:    tokens,
		cost:      cost,
		dummyHash: dummy,
		logger:    logger.WithComponent(log.ComponentAuth),
	}, nil
}

// RegisterInput is a registration request. An empty Role means EMPLOYEE.
type RegisterInput struct {
	Email    string
	Password string
	Name     string
	Role     core.Role
}

func (in RegisterInput) Validate() error {
	if _, err := mail.ParseAddress(in.Email); err != nil || !strings.Contains(in.Email, "@") {
		return core.Invalid("email", "must be a valid email address")
	}
	if len(in.Password) < MinPasswordLength {
		return core.Invalid("password", "must be at least %d characters", MinPasswordLength)
	}
	if strings.TrimSpace(in.Name) == "" {
		return core.Invalid("name", "is required")
	}
	if in.Role != "" && !in.Role.IsValid() {
		return core.ErrInvalidRole
	}
	return nil
}

// IssueToken exchanges credentials for a token. Unknown email and wrong
// password are indistinguishable to the caller.
func (s *Service) IssueToken(ctx context.Context, email, password string) (string, core.User, error) {
	u, err := s.users.UserByEmail(ctx, email)
	if errors.Is(err, core.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(password))
		s.logger.WarnContext(ctx, "Login failed", "reason", "unknown email")
		return "", core.User{}, core.ErrInvalidCredentials
	}
	if err != nil {
		return "", core.User{}, fmt.Errorf("issue token: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		s.logger.WarnContext(ctx, "Login failed", "reason", "password mismatch", log.FieldUserID, u.ID)
		return "", core.User{}, core.ErrInvalidCredentials
	}

	token, err := s.tokens.Issue(u.Identity())
	if err != nil {
		return "", core.User{}, err
	}
	s.logger.InfoContext(ctx, "User logged in", log.FieldUserID, u.ID, log.FieldRole, string(u.Role))
	return token, u, nil
}

// VerifyToken is the single verification path for HTTP and push clients.
func (s *Service) VerifyToken(token string) (core.Identity, error) {
	return s.tokens.Verify(token)
}

// Register creates a user and logs them in. creator is nil for
// self-service sign-up; only admins may create admins.
func (s *Service) Register(ctx context.Context, in RegisterInput, creator *core.Identity) (string, core.User, error) {
	in.Email = storage.NormalizeEmail(in.Email)
	in.Name = strings.TrimSpace(in.Name)
	if in.Role == "" {
		in.Role = core.RoleEmployee
	}
	if err := in.Validate(); err != nil {
		return "", core.User{}, err
	}
	if d := policy.Decide(creator, policy.OpRegisterUser, policy.Resource{TargetRole: in.Role}); !d.Allowed {
		return "", core.User{}, d.Err()
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), s.cost)
	if err != nil {
		return "", core.User{}, fmt.Errorf("hash password: %w", err)
	}

	u, err := s.users.CreateUser(ctx, core.User{
		Email:        in.Email,
		Name:         in.Name,
		Role:         in.Role,
		PasswordHash: string(hash),
	})
	if err != nil {
		return "", core.User{}, fmt.Errorf("register: %w", err)
	}

	token, err := s.tokens.Issue(u.Identity())
	if err != nil {
		return "", core.User{}, err
	}
	s.logger.InfoContext(ctx, "User registered", log.FieldUserID, u.ID, log.FieldRole, string(u.Role))
	return token, u, nil
}

// CurrentUser loads the account behind a verified identity.
func (s *Service) CurrentUser(ctx context.Context, id core.Identity) (core.User, error) {
	u, err := s.users.UserByID(ctx, id.UserID)
	if err != nil {
		return core.User{}, fmt.Errorf("current user: %w", err)
	}
	return u, nil
}
