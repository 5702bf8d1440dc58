// Package policy is the single decision table for who may do what to which
// expense. It performs no I/O: callers load the resource first and ask.
package policy

import (
	"fmt"

	"rimborsi/internal/core"
)

type Operation string

const (
	OpCreateExpense Operation = "create_expense"
	OpListExpenses  Operation = "list_expenses"
	OpReadAnalytics Operation = "read_analytics"
	OpChangeStatus  Operation = "change_status"
	OpReadExpense   Operation = "read_expense"
	OpEditExpense   Operation = "edit_expense"
	OpRegisterUser  Operation = "register_user"
)

// Reason explains a denial. The zero Reason means allowed.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonUnauthenticated  Reason = "authentication required"
	ReasonUnknownRole      Reason = "unknown role"
	ReasonUnknownOperation Reason = "unknown operation"
	ReasonInsufficientRole Reason = "insufficient permissions"
	ReasonNotOwner         Reason = "expense belongs to another user"
	ReasonNotPending       Reason = "expense is no longer pending"
)

// Resource describes the record an operation targets. OwnerID and Status
// are only consulted by record-level operations; TargetRole only by
// OpRegisterUser.
type Resource struct {
	OwnerID    string
	Status     core.Status
	TargetRole core.Role
}

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision { return Decision{Allowed: true} }

func deny(r Reason) Decision { return Decision{Reason: r} }

// Err maps a denial onto the error taxonomy. Reading or editing another
// user's expense is reported as not found so ids do not leak.
func (d Decision) Err() error {
	switch d.Reason {
	case ReasonNone:
		if d.Allowed {
			return nil
		}
		return core.ErrUnauthorized
	case ReasonUnauthenticated:
		return fmt.Errorf("%w: %s", core.ErrInvalidToken, d.Reason)
	case ReasonNotOwner:
		return fmt.Errorf("expense: %w", core.ErrNotFound)
	case ReasonNotPending:
		return fmt.Errorf("%w: %s", core.ErrConflict, d.Reason)
	default:
		return fmt.Errorf("%w: %s", core.ErrUnauthorized, d.Reason)
	}
}

// Decide is total: every combination of actor, operation and resource
// yields a decision, and anything not explicitly allowed is denied.
// A nil actor is an anonymous caller.
func Decide(actor *core.Identity, op Operation, res Resource) Decision {
	if op == OpRegisterUser {
		return decideRegister(actor, res.TargetRole)
	}
	if actor == nil || actor.UserID == "" {
		return deny(ReasonUnauthenticated)
	}
	if !actor.Role.IsValid() {
		return deny(ReasonUnknownRole)
	}

	switch op {
	case OpCreateExpense:
		if res.OwnerID != actor.UserID {
			return deny(ReasonNotOwner)
		}
		return allow()

	case OpListExpenses, OpReadAnalytics:
		return allow()

	case OpChangeStatus:
		if !actor.IsAdmin() {
			return deny(ReasonInsufficientRole)
		}
		if res.Status != "" && res.Status != core.StatusPending {
			return deny(ReasonNotPending)
		}
		return allow()

	case OpReadExpense:
		if actor.IsAdmin() || res.OwnerID == actor.UserID {
			return allow()
		}
		return deny(ReasonNotOwner)

	case OpEditExpense:
		if res.OwnerID != actor.UserID {
			if actor.IsAdmin() {
				return deny(ReasonInsufficientRole)
			}
			return deny(ReasonNotOwner)
		}
		if res.Status != core.StatusPending {
			return deny(ReasonNotPending)
		}
		return allow()
	}

	return deny(ReasonUnknownOperation)
}

// Anonymous and employee callers may only create employees; admins may
// create either role.
func decideRegister(actor *core.Identity, target core.Role) Decision {
	if !target.IsValid() {
		return deny(ReasonUnknownRole)
	}
	if actor != nil && actor.UserID != "" {
		if !actor.Role.IsValid() {
			return deny(ReasonUnknownRole)
		}
		if actor.IsAdmin() {
			return allow()
		}
	}
	if target == core.RoleEmployee {
		return allow()
	}
	return deny(ReasonInsufficientRole)
}

// CanPerform is Decide reduced to a boolean.
func CanPerform(actor *core.Identity, op Operation, res Resource) bool {
	return Decide(actor, op, res).Allowed
}

// ScopeFilterFor narrows a listing or aggregate filter to what the actor
// may see. Employees are pinned to their own expenses regardless of the
// requested owner; admins keep the requested owner filter, if any.
func ScopeFilterFor(actor *core.Identity, f core.Filter) (core.Filter, error) {
	if d := Decide(actor, OpListExpenses, Resource{}); !d.Allowed {
		return core.Filter{}, d.Err()
	}
	if !actor.IsAdmin() {
		f.OwnerID = actor.UserID
	}
	return f, nil
}

// IncludesPendingCount reports whether analytics for this actor carry the
// global pending counter.
func IncludesPendingCount(actor *core.Identity) bool {
	return actor != nil && actor.IsAdmin()
}
