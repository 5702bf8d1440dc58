package amqp

import (
	"encoding/json"
	"time"

	"rimborsi/internal/core"
)

// ExpenseMessage is the integration event published for every expense change.
type ExpenseMessage struct {
	Event     core.ExpenseEvent `json:"event"`
	Expense   core.Expense      `json:"expense"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewExpenseMessage stamps an event with the current time.
func NewExpenseMessage(event core.ExpenseEvent, e core.Expense) *ExpenseMessage {
	return &ExpenseMessage{
		Event:     event,
		Expense:   e,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON converts the message to JSON bytes
func (m *ExpenseMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ExpenseMessageFromJSON decodes a message published by this service.
func ExpenseMessageFromJSON(data []byte) (*ExpenseMessage, error) {
	var msg ExpenseMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// RoutingKey maps an event to its topic routing key.
func RoutingKey(event core.ExpenseEvent) string {
	switch event {
	case core.EventExpenseCreated:
		return "expense.created"
	case core.EventExpenseUpdated:
		return "expense.updated"
	case core.EventExpenseStatusChanged:
		return "expense.status_changed"
	default:
		return "expense.unknown"
	}
}
