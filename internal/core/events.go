package core

// ExpenseEvent names a change pushed to subscribers after a successful write.
type ExpenseEvent string

const (
	EventExpenseCreated       ExpenseEvent = "expense:created"
	EventExpenseUpdated       ExpenseEvent = "expense:updated"
	EventExpenseStatusChanged ExpenseEvent = "expense:statusChanged"
)

func (e ExpenseEvent) IsValid() bool {
	switch e {
	case EventExpenseCreated, EventExpenseUpdated, EventExpenseStatusChanged:
		return true
	}
	return false
}
