// Package worker consumes the expense integration stream and turns it into
// user notifications.
package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"rimborsi/internal/amqp"
	"rimborsi/internal/cache"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// Audiences a notification can be addressed to.
const (
	AudienceUser   = "user"
	AudienceAdmins = "admins"
)

// Notification is one message for a submitter or for the approvers.
type Notification struct {
	Audience  string `json:"audience"`
	UserID    string `json:"user_id,omitempty"`
	ExpenseID string `json:"expense_id"`
	Message   string `json:"message"`
}

// Notifier delivers notifications, e.g. by mail or chat.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier delivers notifications as structured log lines.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.Discard()
	}
	return &LogNotifier{logger: logger.WithComponent(log.ComponentWorker)}
}

func (n *LogNotifier) Notify(ctx context.Context, msg Notification) error {
	n.logger.InfoContext(ctx, "Notification",
		"audience", msg.Audience,
		log.FieldUserID, msg.UserID,
		log.FieldExpenseID, msg.ExpenseID,
		"message", msg.Message)
	return nil
}

// Stats counts what the worker did with each message.
type Stats struct {
	Sent       int
	Skipped    int
	Duplicates int
}

// NotificationWorker tells admins about new claims and submitters about
// decisions. Redeliveries of an already notified change are skipped.
type NotificationWorker struct {
	notifier Notifier
	logger   *log.Logger
	seen     *cache.LRUCache[time.Time]

	mu    sync.Mutex
	stats Stats
}

// NewNotificationWorker remembers up to window handled changes for dedupTTL.
func NewNotificationWorker(notifier Notifier, window int, dedupTTL time.Duration, logger *log.Logger) *NotificationWorker {
	if logger == nil {
		logger = log.Discard()
	}
	return &NotificationWorker{
		notifier: notifier,
		logger:   logger.WithComponent(log.ComponentWorker),
		seen:     cache.NewLRUCache[time.Time](window, dedupTTL),
	}
}

// Seen exposes the dedup window so it can be registered with a cache.Manager.
func (w *NotificationWorker) Seen() cache.Cleaner { return w.seen }

// Handle is an amqp.Handler. Messages that can never be valid are wrapped in
// amqp.ErrDiscard; a failed delivery is returned as is so the broker retries.
func (w *NotificationWorker) Handle(ctx context.Context, msg *amqp.ExpenseMessage) error {
	if !msg.Event.IsValid() {
		return fmt.Errorf("unknown event %q: %w", msg.Event, amqp.ErrDiscard)
	}
	e := msg.Expense
	if e.ID == "" || e.UserID == "" {
		return fmt.Errorf("%s without expense or owner id: %w", msg.Event, amqp.ErrDiscard)
	}

	key := e.ID + "|" + string(msg.Event) + "|" + e.UpdatedAt.UTC().Format(time.RFC3339Nano)
	if _, dup := w.seen.Get(key); dup {
		w.count(func(s *Stats) { s.Duplicates++ })
		w.logger.DebugContext(ctx, "Duplicate delivery skipped", log.FieldExpenseID, e.ID, log.FieldEvent, string(msg.Event))
		return nil
	}

	n, ok := notificationFor(msg.Event, e)
	if !ok {
		w.seen.Set(key, msg.Timestamp)
		w.count(func(s *Stats) { s.Skipped++ })
		return nil
	}
	if err := w.notifier.Notify(ctx, n); err != nil {
		return fmt.Errorf("notify %s: %w", n.Audience, err)
	}

	w.seen.Set(key, msg.Timestamp)
	w.count(func(s *Stats) { s.Sent++ })
	w.logger.DebugContext(ctx, "Notification sent",
		log.FieldEvent, string(msg.Event),
		log.FieldExpenseID, e.ID,
		"lag_ms", time.Since(msg.Timestamp).Milliseconds())
	return nil
}

// notificationFor decides who hears about an event. Edits notify nobody.
func notificationFor(event core.ExpenseEvent, e core.Expense) (Notification, bool) {
	switch event {
	case core.EventExpenseCreated:
		submitter := e.User.Name
		if submitter == "" {
			submitter = e.UserID
		}
		return Notification{
			Audience:  AudienceAdmins,
			ExpenseID: e.ID,
			Message: fmt.Sprintf("%s submitted %s for %s (%s), awaiting review",
				submitter, e.Amount.String(), strings.ToLower(string(e.Category)), e.Description),
		}, true
	case core.EventExpenseStatusChanged:
		if !e.Status.IsTerminal() {
			return Notification{}, false
		}
		return Notification{
			Audience:  AudienceUser,
			UserID:    e.UserID,
			ExpenseID: e.ID,
			Message: fmt.Sprintf("Your expense %q of %s was %s",
				e.Description, e.Amount.String(), strings.ToLower(string(e.Status))),
		}, true
	}
	return Notification{}, false
}

func (w *NotificationWorker) count(f func(*Stats)) {
	w.mu.Lock()
	f(&w.stats)
	w.mu.Unlock()
}

func (w *NotificationWorker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
