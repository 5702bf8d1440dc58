package realtime

import (
	"context"
	"fmt"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// Targets lists the groups an event is routed to.
func Targets(event core.ExpenseEvent, e core.Expense) []Group {
	owner := UserGroup(e.UserID)
	switch event {
	case core.EventExpenseCreated, core.EventExpenseUpdated:
		return []Group{owner, GroupAdmins}
	case core.EventExpenseStatusChanged:
		// The deciding admin already has the result.
		return []Group{owner}
	default:
		return nil
	}
}

// Broadcaster fans expense events out to the connections of their target
// groups.
type Broadcaster struct {
	membership Membership
	logger     *log.Logger
}

// NewBroadcaster creates a broadcaster over membership.
func NewBroadcaster(membership Membership, logger *log.Logger) *Broadcaster {
	if logger == nil {
		logger = log.Discard()
	}
	return &Broadcaster{
		membership: membership,
		logger:     logger.WithComponent(log.ComponentRealtime),
	}
}

// Publish delivers the event at most once to every connection in the target
// groups. Undeliverable messages are dropped for that connection only, so the
// returned error is reserved for unknown events.
func (b *Broadcaster) Publish(ctx context.Context, event core.ExpenseEvent, e core.Expense) error {
	if !event.IsValid() {
		return fmt.Errorf("unknown event %q", event)
	}
	msg := Message{Event: event, Data: e}

	seen := make(map[string]struct{})
	delivered, dropped := 0, 0
	for _, g := range Targets(event, e) {
		for _, c := range b.membership.Members(g) {
			if _, dup := seen[c.ID()]; dup {
				continue
			}
			seen[c.ID()] = struct{}{}
			if c.Send(msg) {
				delivered++
			} else {
				dropped++
			}
		}
	}

	b.logger.DebugContext(ctx, "Event broadcast",
		log.FieldEvent, string(event),
		log.FieldExpenseID, e.ID,
		log.FieldRecipients, delivered,
		"dropped", dropped)
	return nil
}
