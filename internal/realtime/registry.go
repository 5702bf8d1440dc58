// Package realtime pushes expense changes to connected clients grouped by
// owner and role.
package realtime

import (
	"sort"
	"sync"

	"rimborsi/internal/core"
)

// Group names a delivery group.
type Group string

// GroupAdmins holds every connection authenticated as ADMIN.
const GroupAdmins Group = "admins"

// UserGroup is the group of all connections belonging to one user.
func UserGroup(userID string) Group {
	return Group("user:" + userID)
}

// GroupsFor lists the groups an identity joins once authenticated.
func GroupsFor(id core.Identity) []Group {
	groups := []Group{UserGroup(id.UserID)}
	if id.IsAdmin() {
		groups = append(groups, GroupAdmins)
	}
	return groups
}

// Message is the frame pushed to clients.
type Message struct {
	Event core.ExpenseEvent `json:"event"`
	Data  core.Expense      `json:"data"`
}

// Conn is a live connection as seen by the broadcaster. Send must not block;
// it reports false when the message was dropped.
type Conn interface {
	ID() string
	Send(Message) bool
}

// Membership tracks which connections belong to which groups. The in-process
// Registry implements it; a broker-backed implementation can replace it.
type Membership interface {
	Join(conn Conn, groups ...Group)
	// Leave removes the connection from every group at once.
	Leave(connID string)
	Members(group Group) []Conn
	Groups(connID string) []Group
}

type member struct {
	conn   Conn
	groups map[Group]struct{}
}

// Registry is an in-memory Membership.
type Registry struct {
	mu      sync.RWMutex
	members map[string]*member
	groups  map[Group]map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]*member),
		groups:  make(map[Group]map[string]Conn),
	}
}

func (r *Registry) Join(conn Conn, groups ...Group) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[conn.ID()]
	if !ok {
		m = &member{conn: conn, groups: make(map[Group]struct{})}
		r.members[conn.ID()] = m
	}
	for _, g := range groups {
		m.groups[g] = struct{}{}
		set, ok := r.groups[g]
		if !ok {
			set = make(map[string]Conn)
			r.groups[g] = set
		}
		set[conn.ID()] = conn
	}
}

func (r *Registry) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return
	}
	for g := range m.groups {
		set := r.groups[g]
		delete(set, connID)
		if len(set) == 0 {
			delete(r.groups, g)
		}
	}
	delete(r.members, connID)
}

func (r *Registry) Members(group Group) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.groups[group]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Groups(connID string) []Group {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	out := make([]Group, 0, len(m.groups))
	for g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connections reports how many connections are registered.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
