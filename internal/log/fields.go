package log

import "rimborsi/internal/core"

// Common field names for structured logging
const (
	FieldComponent     = "component"
	FieldRequestID     = "request_id"
	FieldClientIP      = "client_ip"
	FieldMethod        = "method"
	FieldPath          = "path"
	FieldQuery         = "query"
	FieldStatusCode    = "status_code"
	FieldDuration      = "duration_ms"
	FieldDurationHuman = "duration_human"
	FieldUserAgent     = "user_agent"
	FieldSuccess       = "success"
	FieldError         = "error"
	FieldOperation     = "operation"
	FieldUserID        = "user_id"
	FieldRole          = "role"
	FieldExpenseID     = "expense_id"
	FieldAmountCents   = "amount_cents"
	FieldCategory      = "category"
	FieldStatus        = "status"
	FieldEvent         = "event"
	FieldConnID        = "conn_id"
	FieldGroup         = "group"
	FieldRecipients    = "recipients"
)

// Components defines standard component names
const (
	ComponentApp      = "app"
	ComponentHTTP     = "http"
	ComponentAuth     = "auth"
	ComponentExpense  = "expense"
	ComponentStorage  = "storage"
	ComponentAMQP     = "amqp"
	ComponentRealtime = "realtime"
	ComponentCache    = "cache"
	ComponentUpload   = "upload"
	ComponentSecurity = "security"
	ComponentTrace    = "trace"
	ComponentBackend  = "backend"
	ComponentSeed     = "seed"
	ComponentWatch    = "watch"
	ComponentWorker   = "worker"
)

// Operations defines standard operation names
const (
	OpCreate    = "create"
	OpRead      = "read"
	OpUpdate    = "update"
	OpList      = "list"
	OpDecide    = "decide"
	OpAggregate = "aggregate"
	OpPublish   = "publish"
	OpLogin     = "login"
	OpRegister  = "register"
	OpSubscribe = "subscribe"
	OpShutdown  = "shutdown"
	OpStartup   = "startup"
)

// LogFields provides a builder pattern for structured log fields
type LogFields map[string]any

// NewFields creates a new LogFields instance
func NewFields() LogFields {
	return make(LogFields)
}

func (f LogFields) WithComponent(component string) LogFields {
	f[FieldComponent] = component
	return f
}

func (f LogFields) WithRequestID(requestID string) LogFields {
	if requestID != "" {
		f[FieldRequestID] = requestID
	}
	return f
}

func (f LogFields) WithClientIP(ip string) LogFields {
	f[FieldClientIP] = ip
	return f
}

func (f LogFields) WithError(err error) LogFields {
	if err != nil {
		f[FieldError] = err.Error()
	}
	return f
}

func (f LogFields) WithOperation(op string) LogFields {
	f[FieldOperation] = op
	return f
}

// WithActor adds the authenticated caller, if any.
func (f LogFields) WithActor(actor *core.Identity) LogFields {
	if actor != nil {
		f[FieldUserID] = actor.UserID
		f[FieldRole] = string(actor.Role)
	}
	return f
}

// WithExpense adds expense-related fields
func (f LogFields) WithExpense(e core.Expense) LogFields {
	f[FieldExpenseID] = e.ID
	f[FieldAmountCents] = e.Amount.Cents
	f[FieldCategory] = string(e.Category)
	f[FieldStatus] = string(e.Status)
	return f
}

func (f LogFields) WithHTTPRequest(method, path, query, userAgent string) LogFields {
	f[FieldMethod] = method
	f[FieldPath] = path
	f[FieldQuery] = query
	if userAgent != "" {
		f[FieldUserAgent] = userAgent
	}
	return f
}

func (f LogFields) WithHTTPResponse(statusCode int, durationMs int64, success bool) LogFields {
	f[FieldStatusCode] = statusCode
	f[FieldDuration] = durationMs
	f[FieldSuccess] = success
	return f
}

// ToSlice converts LogFields to a slice for slog. The component key is
// left out because Logger adds its own.
func (f LogFields) ToSlice() []any {
	slice := make([]any, 0, len(f)*2)
	for k, v := range f {
		if k == FieldComponent {
			continue
		}
		slice = append(slice, k, v)
	}
	return slice
}
