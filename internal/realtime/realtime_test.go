package realtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/core"
)

type fakeConn struct {
	id string

	mu       sync.Mutex
	received []Message
	full     bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return false
	}
	c.received = append(c.received, m)
	return true
}

func (c *fakeConn) events() []core.ExpenseEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ExpenseEvent, 0, len(c.received))
	for _, m := range c.received {
		out = append(out, m.Event)
	}
	return out
}

type fakeVerifier map[string]core.Identity

func (v fakeVerifier) VerifyToken(token string) (core.Identity, error) {
	if token == "expired" {
		return core.Identity{}, core.ErrExpiredToken
	}
	id, ok := v[token]
	if !ok {
		return core.Identity{}, core.ErrInvalidToken
	}
	return id, nil
}

var (
	employeeU7 = core.Identity{UserID: "U7", Email: "u7@company.com", Role: core.RoleEmployee}
	adminA1    = core.Identity{UserID: "A1", Email: "a1@company.com", Role: core.RoleAdmin}
	verifier   = fakeVerifier{"tok-u7": employeeU7, "tok-a1": adminA1}
)

func join(t *testing.T, m Membership, conn Conn, token string) *Session {
	t.Helper()
	s := NewSession(conn, m)
	require.NoError(t, s.Handshake())
	_, err := s.Authenticate(verifier, token)
	require.NoError(t, err)
	return s
}

func TestJoinedGroupsFollowRole(t *testing.T) {
	reg := NewRegistry()
	join(t, reg, newFakeConn("c-emp"), "tok-u7")
	join(t, reg, newFakeConn("c-adm"), "tok-a1")

	assert.Equal(t, []Group{"user:U7"}, reg.Groups("c-emp"))
	assert.Equal(t, []Group{GroupAdmins, "user:A1"}, reg.Groups("c-adm"))

	admins := reg.Members(GroupAdmins)
	require.Len(t, admins, 1)
	assert.Equal(t, "c-adm", admins[0].ID())
}

func TestSessionTransitions(t *testing.T) {
	reg := NewRegistry()

	t.Run("authenticate before handshake", func(t *testing.T) {
		s := NewSession(newFakeConn("c1"), reg)
		_, err := s.Authenticate(verifier, "tok-u7")
		require.ErrorIs(t, err, ErrIllegalTransition)
		assert.Equal(t, StateConnecting, s.State())
	})

	t.Run("double handshake", func(t *testing.T) {
		s := NewSession(newFakeConn("c2"), reg)
		require.NoError(t, s.Handshake())
		require.ErrorIs(t, s.Handshake(), ErrIllegalTransition)
	})

	t.Run("failed auth never joins", func(t *testing.T) {
		for _, token := range []string{"", "garbage", "expired"} {
			s := NewSession(newFakeConn("c3"), reg)
			require.NoError(t, s.Handshake())
			_, err := s.Authenticate(verifier, token)
			require.Error(t, err)
			assert.Equal(t, StateDisconnected, s.State())
			assert.Empty(t, reg.Groups("c3"))
			_, joined := s.Identity()
			assert.False(t, joined)
		}
	})

	t.Run("close leaves every group", func(t *testing.T) {
		s := join(t, reg, newFakeConn("c4"), "tok-a1")
		require.Len(t, reg.Groups("c4"), 2)
		s.Close()
		assert.Equal(t, StateDisconnected, s.State())
		assert.Empty(t, reg.Groups("c4"))
		for _, c := range reg.Members(GroupAdmins) {
			assert.NotEqual(t, "c4", c.ID())
		}
		s.Close()
		require.ErrorIs(t, s.Handshake(), ErrIllegalTransition)
	})
}

func TestRegistryConcurrentChurn(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := core.Identity{UserID: fmt.Sprintf("u%d", i%5), Email: "x@y.z", Role: core.RoleEmployee}
			if i%7 == 0 {
				id.Role = core.RoleAdmin
			}
			c := newFakeConn(fmt.Sprintf("c%d", i))
			reg.Join(c, GroupsFor(id)...)
			_ = reg.Members(UserGroup(id.UserID))
			if i%2 == 0 {
				reg.Leave(c.ID())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 25, reg.Connections())
	total := 0
	for i := 0; i < 5; i++ {
		total += len(reg.Members(UserGroup(fmt.Sprintf("u%d", i))))
	}
	assert.Equal(t, 25, total)
}

func TestBroadcastRouting(t *testing.T) {
	reg := NewRegistry()
	e1Phone := newFakeConn("e1-phone")
	e1Laptop := newFakeConn("e1-laptop")
	other := newFakeConn("e2")
	admin := newFakeConn("admin")

	reg.Join(e1Phone, UserGroup("E1"))
	reg.Join(e1Laptop, UserGroup("E1"))
	reg.Join(other, UserGroup("E2"))
	reg.Join(admin, UserGroup("A1"), GroupAdmins)

	b := NewBroadcaster(reg, nil)
	e := core.Expense{ID: "x1", UserID: "E1", Status: core.StatusPending}
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, core.EventExpenseCreated, e))
	e.Status = core.StatusApproved
	require.NoError(t, b.Publish(ctx, core.EventExpenseStatusChanged, e))

	want := []core.ExpenseEvent{core.EventExpenseCreated, core.EventExpenseStatusChanged}
	assert.Equal(t, want, e1Phone.events())
	assert.Equal(t, want, e1Laptop.events())
	assert.Equal(t, []core.ExpenseEvent{core.EventExpenseCreated}, admin.events())
	assert.Empty(t, other.events())

	require.Error(t, b.Publish(ctx, "expense:deleted", e))
}

func TestBroadcastDeduplicatesAndDrops(t *testing.T) {
	reg := NewRegistry()
	ownerAdmin := newFakeConn("owner-admin")
	stuck := newFakeConn("stuck")
	stuck.full = true
	reg.Join(ownerAdmin, UserGroup("A1"), GroupAdmins)
	reg.Join(stuck, UserGroup("A2"), GroupAdmins)

	b := NewBroadcaster(reg, nil)
	require.NoError(t, b.Publish(context.Background(), core.EventExpenseUpdated, core.Expense{ID: "x", UserID: "A1"}))

	assert.Len(t, ownerAdmin.events(), 1)
	assert.Empty(t, stuck.events())
}

func TestTargets(t *testing.T) {
	e := core.Expense{UserID: "E1"}
	assert.Equal(t, []Group{"user:E1", GroupAdmins}, Targets(core.EventExpenseUpdated, e))
	assert.Equal(t, []Group{"user:E1"}, Targets(core.EventExpenseStatusChanged, e))
	assert.Nil(t, Targets("other", e))
}
