package realtime

import (
	"errors"
	"fmt"
	"sync"

	"rimborsi/internal/core"
)

// State of a push connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateJoined
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrIllegalTransition is returned when a session is driven out of order.
var ErrIllegalTransition = errors.New("illegal session transition")

// Verifier turns a bearer token into an identity.
type Verifier interface {
	VerifyToken(token string) (core.Identity, error)
}

// Session drives one connection through its lifecycle and owns its group
// membership.
type Session struct {
	mu         sync.Mutex
	conn       Conn
	membership Membership
	state      State
	identity   core.Identity
}

// NewSession starts a session in StateConnecting.
func NewSession(conn Conn, membership Membership) *Session {
	return &Session{conn: conn, membership: membership}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity is the authenticated identity; ok is false before Joined.
func (s *Session) Identity() (core.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.state == StateJoined
}

// Handshake moves Connecting to Authenticating.
func (s *Session) Handshake() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition(StateConnecting, StateAuthenticating)
}

// Authenticate verifies token and joins the identity's groups. A failed
// verification disconnects the session without joining anything and returns
// the verifier's error.
func (s *Session) Authenticate(v Verifier, token string) (core.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAuthenticating {
		return core.Identity{}, fmt.Errorf("%w: authenticate from %s", ErrIllegalTransition, s.state)
	}
	id, err := v.VerifyToken(token)
	if err != nil {
		s.state = StateDisconnected
		return core.Identity{}, err
	}
	s.identity = id
	s.state = StateJoined
	s.membership.Join(s.conn, GroupsFor(id)...)
	return id, nil
}

// Close disconnects the session and removes it from every group. Closing a
// disconnected session is a no-op.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateJoined {
		s.membership.Leave(s.conn.ID())
	}
	s.state = StateDisconnected
}

func (s *Session) transition(from, to State) error {
	if s.state != from {
		return fmt.Errorf("%w: %s to %s", ErrIllegalTransition, s.state, to)
	}
	s.state = to
	return nil
}
