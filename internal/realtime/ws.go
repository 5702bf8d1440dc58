package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

// HandlerConfig tunes the push endpoint.
type HandlerConfig struct {
	// OriginPatterns are passed to websocket.AcceptOptions; empty allows
	// same-origin only.
	OriginPatterns []string
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	OutboxSize     int
	// Reject writes the response for a failed authentication.
	Reject func(http.ResponseWriter, *http.Request, error)
}

// DefaultHandlerConfig pings every 30s and buffers 32 frames per connection.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 5 * time.Second,
		OutboxSize:   32,
	}
}

// ClientFrame is what clients may send.
type ClientFrame struct {
	Type string `json:"type"`
}

const (
	FrameLogout = "logout"
	FramePing   = "ping"
)

var errLogout = errors.New("client logout")

// Handler serves GET /ws.
type Handler struct {
	verifier   Verifier
	membership Membership
	cfg        HandlerConfig
	logger     *log.Logger
}

// NewHandler wires the push endpoint to a token verifier and a membership
// registry.
func NewHandler(verifier Verifier, membership Membership, cfg HandlerConfig, logger *log.Logger) *Handler {
	def := DefaultHandlerConfig()
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.Reject == nil {
		cfg.Reject = rejectJSON
	}
	if logger == nil {
		logger = log.Discard()
	}
	return &Handler{
		verifier:   verifier,
		membership: membership,
		cfg:        cfg,
		logger:     logger.WithComponent(log.ComponentRealtime),
	}
}

// TokenFromRequest reads the bearer token from the token query parameter or
// the Authorization header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn := newOutboxConn(uuid.NewString(), h.cfg.OutboxSize)
	logger := h.logger.With(log.FieldConnID, conn.ID())

	sess := NewSession(conn, h.membership)
	if err := sess.Handshake(); err != nil {
		logger.ErrorContext(r.Context(), "Session handshake failed", log.FieldError, err)
		return
	}
	id, err := sess.Authenticate(h.verifier, TokenFromRequest(r))
	if err != nil {
		logger.WarnContext(r.Context(), "Push connection rejected", log.FieldError, err)
		h.cfg.Reject(w, r, err)
		return
	}
	defer conn.close()
	defer sess.Close()

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.cfg.OriginPatterns})
	if err != nil {
		logger.WarnContext(r.Context(), "WebSocket upgrade failed", log.FieldError, err)
		return
	}
	defer ws.CloseNow()

	logger = logger.With(log.FieldUserID, id.UserID, log.FieldRole, string(id.Role))
	logger.InfoContext(r.Context(), "Client joined", "groups", len(GroupsFor(id)))

	err = h.serve(r.Context(), ws, conn)
	switch {
	case errors.Is(err, errLogout):
		_ = ws.Close(websocket.StatusNormalClosure, "logout")
		logger.InfoContext(r.Context(), "Client logged out")
	case err == nil, isNormalClose(err):
		_ = ws.Close(websocket.StatusNormalClosure, "closed")
		logger.InfoContext(r.Context(), "Client disconnected")
	default:
		_ = ws.Close(websocket.StatusInternalError, "closed")
		logger.DebugContext(r.Context(), "Client dropped", log.FieldError, err)
	}
}

func (h *Handler) serve(ctx context.Context, ws *websocket.Conn, conn *outboxConn) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return readLoop(ctx, ws) })
	g.Go(func() error { return h.writeLoop(ctx, ws, conn) })
	return g.Wait()
}

func readLoop(ctx context.Context, ws *websocket.Conn) error {
	for {
		var frame ClientFrame
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			return err
		}
		switch frame.Type {
		case FrameLogout:
			return errLogout
		case FramePing:
			// Keepalive only.
		}
	}
}

func (h *Handler) writeLoop(ctx context.Context, ws *websocket.Conn, conn *outboxConn) error {
	var tick <-chan time.Time
	if h.cfg.PingInterval > 0 {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-conn.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := wsjson.Write(writeCtx, ws, msg)
			cancel()
			if err != nil {
				return err
			}
		case <-tick:
			pingCtx, cancel := context.WithTimeout(ctx, h.cfg.WriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

func rejectJSON(w http.ResponseWriter, _ *http.Request, err error) {
	code := "INVALID_TOKEN"
	if errors.Is(err, core.ErrExpiredToken) {
		code = "TOKEN_EXPIRED"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "Authentication error", "code": code})
}

// outboxConn is a Conn backed by a bounded channel drained by the writer.
type outboxConn struct {
	id     string
	outbox chan Message
	done   chan struct{}
}

func newOutboxConn(id string, size int) *outboxConn {
	return &outboxConn{
		id:     id,
		outbox: make(chan Message, size),
		done:   make(chan struct{}),
	}
}

func (c *outboxConn) ID() string { return c.id }

func (c *outboxConn) Send(m Message) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- m:
		return true
	default:
		return false
	}
}

func (c *outboxConn) close() { close(c.done) }
