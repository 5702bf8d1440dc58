// Package http exposes the expense API over JSON, mounts the push channel
// and serves stored receipts.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"rimborsi/internal/auth"
	"rimborsi/internal/core"
	"rimborsi/internal/log"
	"rimborsi/internal/middleware/security"
	"rimborsi/internal/middleware/trace"
	"rimborsi/internal/upload"
)

// Authenticator is the credential surface the gateway needs.
type Authenticator interface {
	IssueToken(ctx context.Context, email, password string) (string, core.User, error)
	Register(ctx context.Context, in auth.RegisterInput, creator *core.Identity) (string, core.User, error)
	VerifyToken(token string) (core.Identity, error)
	CurrentUser(ctx context.Context, id core.Identity) (core.User, error)
}

// Expenses is the expense surface the gateway needs.
type Expenses interface {
	CreateExpense(ctx context.Context, actor *core.Identity, in core.ExpenseInput) (core.Expense, error)
	ListExpenses(ctx context.Context, actor *core.Identity, f core.Filter) ([]core.Expense, error)
	GetExpense(ctx context.Context, actor *core.Identity, id string) (core.Expense, error)
	UpdateExpense(ctx context.Context, actor *core.Identity, id string, in core.ExpenseInput) (core.Expense, error)
	UpdateExpenseStatus(ctx context.Context, actor *core.Identity, id string, to core.Status) (core.Expense, error)
	Analytics(ctx context.Context, actor *core.Identity, f core.Filter) (core.Analytics, error)
}

// Deps are the collaborators mounted by NewServer. Push and Ready are
// optional.
type Deps struct {
	Auth        Authenticator
	Expenses    Expenses
	Uploads     *upload.Store
	Push        http.Handler
	Ready       func(ctx context.Context) error
	CORSOrigins []string
	Logger      *log.Logger
}

type Server struct {
	http.Server
	auth     Authenticator
	expenses Expenses
	uploads  *upload.Store
	push     http.Handler
	ready    func(ctx context.Context) error
	logger   *log.Logger
	validate *validator.Validate
	trace    *trace.Middleware
	detector *security.Detector
}

// receiptCacheSeconds is the browser cache lifetime of stored receipts.
// Receipt names are random and never reused.
const receiptCacheSeconds = 3600

func NewServer(addr string, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.Discard()
	}
	s := &Server{
		auth:     deps.Auth,
		expenses: deps.Expenses,
		uploads:  deps.Uploads,
		push:     deps.Push,
		ready:    deps.Ready,
		logger:   logger.WithComponent(log.ComponentHTTP),
		validate: newValidator(),
	}
	s.detector = security.NewDetector(logger)
	s.trace = trace.NewMiddleware(logger, s.detector.ClientIP)

	s.Addr = addr
	s.Handler = s.routes(deps.CORSOrigins)
	s.ReadHeaderTimeout = 10 * time.Second
	s.IdleTimeout = 60 * time.Second
	s.MaxHeaderBytes = 1 << 16 // 64KB
	return s
}

func (s *Server) routes(origins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(s.trace.Handler)
	r.Use(log.Middleware(s.logger))
	r.Use(log.RequestIDMiddleware(trace.FromRequest))
	r.Use(s.detector.Handler)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", trace.HeaderRequestID},
		ExposedHeaders: []string{trace.HeaderRequestID},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, core.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed").Write(w)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/api/health", s.handleHealth)

	if s.push != nil {
		r.Get("/ws", s.push.ServeHTTP)
	}
	if s.uploads != nil {
		r.With(security.StaticAssetMiddleware(receiptCacheSeconds)).
			Handle(upload.PathPrefix+"*", s.uploads.Handler())
	}

	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/login", s.handleLogin)
		r.Post("/register", s.handleRegister)
		r.With(s.authenticate).Get("/me", s.handleMe)
	})

	r.Route("/api/expenses", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/", s.handleCreateExpense)
		r.Get("/", s.handleListExpenses)
		r.Get("/analytics", s.handleAnalytics)
		r.Get("/{id}", s.handleGetExpense)
		r.Put("/{id}", s.handleUpdateExpense)
		r.Patch("/{id}/status", s.handleUpdateExpenseStatus)
	})

	return r
}

// Metrics returns the request counters collected by the trace middleware.
func (s *Server) Metrics() trace.Metrics {
	return s.trace.GetMetrics()
}

// SecurityMetrics reports requests flagged by the probe detector.
func (s *Server) SecurityMetrics() security.DetectionMetrics {
	return s.detector.Metrics()
}
