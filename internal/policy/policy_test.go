package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/core"
)

var (
	employee = &core.Identity{UserID: "e1", Email: "john@company.com", Role: core.RoleEmployee}
	other    = &core.Identity{UserID: "e2", Email: "jane@company.com", Role: core.RoleEmployee}
	admin    = &core.Identity{UserID: "a1", Email: "admin@company.com", Role: core.RoleAdmin}
	rogue    = &core.Identity{UserID: "x1", Email: "x@company.com", Role: "MANAGER"}
)

func TestDecideTable(t *testing.T) {
	ownPending := Resource{OwnerID: "e1", Status: core.StatusPending}
	ownApproved := Resource{OwnerID: "e1", Status: core.StatusApproved}

	tests := []struct {
		name   string
		actor  *core.Identity
		op     Operation
		res    Resource
		allow  bool
		reason Reason
	}{
		{"anonymous create", nil, OpCreateExpense, Resource{}, false, ReasonUnauthenticated},
		{"anonymous list", nil, OpListExpenses, Resource{}, false, ReasonUnauthenticated},
		{"anonymous analytics", nil, OpReadAnalytics, Resource{}, false, ReasonUnauthenticated},
		{"anonymous status", nil, OpChangeStatus, Resource{}, false, ReasonUnauthenticated},

		{"employee creates own", employee, OpCreateExpense, Resource{OwnerID: "e1"}, true, ReasonNone},
		{"employee creates for other", employee, OpCreateExpense, Resource{OwnerID: "e2"}, false, ReasonNotOwner},
		{"admin creates own", admin, OpCreateExpense, Resource{OwnerID: "a1"}, true, ReasonNone},
		{"employee lists", employee, OpListExpenses, Resource{}, true, ReasonNone},
		{"employee analytics", employee, OpReadAnalytics, Resource{}, true, ReasonNone},

		{"employee changes status", employee, OpChangeStatus, ownPending, false, ReasonInsufficientRole},
		{"admin approves pending", admin, OpChangeStatus, ownPending, true, ReasonNone},
		{"admin re-decides", admin, OpChangeStatus, ownApproved, false, ReasonNotPending},

		{"employee reads own", employee, OpReadExpense, ownApproved, true, ReasonNone},
		{"employee reads other", other, OpReadExpense, ownApproved, false, ReasonNotOwner},
		{"admin reads any", admin, OpReadExpense, ownApproved, true, ReasonNone},

		{"employee edits own pending", employee, OpEditExpense, ownPending, true, ReasonNone},
		{"employee edits own decided", employee, OpEditExpense, ownApproved, false, ReasonNotPending},
		{"employee edits other", other, OpEditExpense, ownPending, false, ReasonNotOwner},
		{"admin edits other", admin, OpEditExpense, ownPending, false, ReasonInsufficientRole},

		{"unknown role list", rogue, OpListExpenses, Resource{}, false, ReasonUnknownRole},
		{"unknown role status", rogue, OpChangeStatus, ownPending, false, ReasonUnknownRole},
		{"unknown operation", admin, Operation("delete_expense"), ownPending, false, ReasonUnknownOperation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.actor, tt.op, tt.res)
			assert.Equal(t, tt.allow, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.allow, CanPerform(tt.actor, tt.op, tt.res))
		})
	}
}

func TestDecideRegister(t *testing.T) {
	tests := []struct {
		name   string
		actor  *core.Identity
		target core.Role
		allow  bool
	}{
		{"anonymous employee", nil, core.RoleEmployee, true},
		{"anonymous admin", nil, core.RoleAdmin, false},
		{"employee creates admin", employee, core.RoleAdmin, false},
		{"employee creates employee", employee, core.RoleEmployee, true},
		{"admin creates admin", admin, core.RoleAdmin, true},
		{"unknown target role", admin, core.Role("ROOT"), false},
		{"unknown actor role", rogue, core.RoleEmployee, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.actor, OpRegisterUser, Resource{TargetRole: tt.target})
			assert.Equal(t, tt.allow, d.Allowed)
		})
	}
}

func TestDecisionErr(t *testing.T) {
	assert.NoError(t, allow().Err())
	assert.ErrorIs(t, deny(ReasonUnauthenticated).Err(), core.ErrInvalidToken)
	assert.ErrorIs(t, deny(ReasonInsufficientRole).Err(), core.ErrUnauthorized)
	assert.ErrorIs(t, deny(ReasonUnknownRole).Err(), core.ErrUnauthorized)
	assert.ErrorIs(t, deny(ReasonNotOwner).Err(), core.ErrNotFound)
	assert.ErrorIs(t, deny(ReasonNotPending).Err(), core.ErrConflict)
}

func TestScopeFilterFor(t *testing.T) {
	requested := core.Filter{OwnerID: "e2", Category: core.CategoryFood}

	scoped, err := ScopeFilterFor(employee, requested)
	require.NoError(t, err)
	assert.Equal(t, "e1", scoped.OwnerID, "employee scope must be pinned to self")
	assert.Equal(t, core.CategoryFood, scoped.Category)

	scoped, err = ScopeFilterFor(admin, requested)
	require.NoError(t, err)
	assert.Equal(t, "e2", scoped.OwnerID, "admin keeps the requested owner filter")

	scoped, err = ScopeFilterFor(admin, core.Filter{})
	require.NoError(t, err)
	assert.Empty(t, scoped.OwnerID)

	_, err = ScopeFilterFor(nil, requested)
	assert.ErrorIs(t, err, core.ErrInvalidToken)

	_, err = ScopeFilterFor(rogue, requested)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestIncludesPendingCount(t *testing.T) {
	assert.True(t, IncludesPendingCount(admin))
	assert.False(t, IncludesPendingCount(employee))
	assert.False(t, IncludesPendingCount(nil))
}
