package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"rimborsi/internal/core"
	"rimborsi/internal/realtime"
)

// APIError is a non-2xx response from the API. It unwraps to the core
// sentinel named by Code so callers can use errors.Is.
type APIError struct {
	Status  int
	Code    string
	Message string
	Field   string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("api %d %s: %s (%s)", e.Status, e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

var codeErrors = map[string]error{
	"INVALID_CREDENTIALS":     core.ErrInvalidCredentials,
	"INVALID_TOKEN":           core.ErrInvalidToken,
	"TOKEN_EXPIRED":           core.ErrExpiredToken,
	"UNAUTHORIZED":            core.ErrUnauthorized,
	"NOT_FOUND":               core.ErrNotFound,
	"VALIDATION_ERROR":        core.ErrValidation,
	"CONFLICT":                core.ErrConflict,
	"PERSISTENCE_UNAVAILABLE": core.ErrPersistenceUnavailable,
}

func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

// Client talks to the expense API and its push channel on behalf of one
// user.
type Client struct {
	baseURL *url.URL
	http    *http.Client

	mu    sync.RWMutex
	token string
}

// NewClient targets the server at baseURL, e.g. "http://localhost:5000".
// A nil httpClient selects a client with a 15 second timeout.
func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: u, http: httpClient}, nil
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type authResponse struct {
	Token string    `json:"token"`
	User  core.User `json:"user"`
}

// Login exchanges credentials for a token and keeps it for later calls.
func (c *Client) Login(ctx context.Context, email, password string) (core.User, error) {
	var resp authResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", nil, body, &resp); err != nil {
		return core.User{}, err
	}
	c.SetToken(resp.Token)
	return resp.User, nil
}

func (c *Client) Me(ctx context.Context) (core.User, error) {
	var u core.User
	err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, nil, &u)
	return u, err
}

func (c *Client) ListExpenses(ctx context.Context, f core.Filter) ([]core.Expense, error) {
	var list []core.Expense
	err := c.do(ctx, http.MethodGet, "/api/expenses", filterQuery(f), nil, &list)
	return list, err
}

// Analytics requests aggregates over the filter's date range and owner.
func (c *Client) Analytics(ctx context.Context, f core.Filter) (core.Analytics, error) {
	f.Category, f.Status = "", ""
	var a core.Analytics
	err := c.do(ctx, http.MethodGet, "/api/expenses/analytics", filterQuery(f), nil, &a)
	return a, err
}

type expenseBody struct {
	Amount      core.Money `json:"amount"`
	Category    string     `json:"category"`
	Description string     `json:"description"`
	Date        string     `json:"date"`
	Receipt     string     `json:"receipt,omitempty"`
}

func (c *Client) CreateExpense(ctx context.Context, in core.ExpenseInput) (core.Expense, error) {
	body := expenseBody{
		Amount:      in.Amount,
		Category:    string(in.Category),
		Description: in.Description,
		Date:        in.Date.String(),
		Receipt:     in.Receipt,
	}
	var e core.Expense
	err := c.do(ctx, http.MethodPost, "/api/expenses", nil, body, &e)
	return e, err
}

func (c *Client) UpdateStatus(ctx context.Context, id string, to core.Status) (core.Expense, error) {
	var e core.Expense
	path := "/api/expenses/" + url.PathEscape(id) + "/status"
	err := c.do(ctx, http.MethodPatch, path, nil, map[string]string{"status": string(to)}, &e)
	return e, err
}

// Subscribe opens the push channel and calls handle for every event until
// ctx ends or the server closes the connection. A ctx cancellation returns
// nil.
func (c *Client) Subscribe(ctx context.Context, handle func(realtime.Message)) error {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"token": {c.Token()}}.Encode()

	conn, resp, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return decodeError(resp)
		}
		return fmt.Errorf("dial push channel: %w", err)
	}
	defer conn.CloseNow()

	for {
		var m realtime.Message
		if err := wsjson.Read(ctx, conn, &m); err != nil {
			if ctx.Err() != nil {
				conn.Close(websocket.StatusNormalClosure, "bye")
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read push channel: %w", err)
		}
		handle(m)
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *c.baseURL
	u.Path += path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "INTERNAL", Message: resp.Status}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
		Field string `json:"field"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err == nil && body.Code != "" {
		apiErr.Code, apiErr.Message, apiErr.Field = body.Code, body.Error, body.Field
	}
	return apiErr
}

func filterQuery(f core.Filter) url.Values {
	q := url.Values{}
	if f.Category != "" {
		q.Set("category", string(f.Category))
	}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if !f.From.IsZero() {
		q.Set("startDate", f.From.String())
	}
	if !f.To.IsZero() {
		q.Set("endDate", f.To.String())
	}
	if f.OwnerID != "" {
		q.Set("userId", f.OwnerID)
	}
	return q
}

// IsAuthError reports whether err means the stored token is no longer
// usable.
func IsAuthError(err error) bool {
	return errors.Is(err, core.ErrInvalidToken) || errors.Is(err, core.ErrExpiredToken)
}
