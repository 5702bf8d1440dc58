package http

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"rimborsi/internal/core"
)

// maxJSONBody caps JSON request bodies. Multipart bodies are capped by the
// upload limit instead.
const maxJSONBody = 1 << 20

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=6"`
	Name     string `json:"name" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=EMPLOYEE ADMIN"`
}

// expenseRequest is the create and edit body. Amount is decoded by
// core.Money and checked by the domain.
type expenseRequest struct {
	Amount      core.Money `json:"amount"`
	Category    string     `json:"category" validate:"required"`
	Description string     `json:"description" validate:"required,max=500"`
	Date        string     `json:"date" validate:"required"`
	Receipt     string     `json:"receipt"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check runs struct validation and reports the first failing field as a
// core.ValidationError.
func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return core.Invalid("", "invalid request")
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return core.Invalid(fe.Field(), "is required")
	case "email":
		return core.Invalid(fe.Field(), "must be a valid email address")
	case "min":
		return core.Invalid(fe.Field(), "must be at least %s characters", fe.Param())
	case "max":
		return core.Invalid(fe.Field(), "must be at most %s characters", fe.Param())
	case "oneof":
		return core.Invalid(fe.Field(), "must be one of %s", strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return core.Invalid(fe.Field(), "is invalid")
	}
}

// decodeJSON reads a single JSON object into dst and validates it.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, core.ErrValidation):
			return err
		case errors.As(err, &maxErr):
			return core.Invalid("", "request body too large")
		case errors.Is(err, io.EOF):
			return core.Invalid("", "request body is empty")
		default:
			return core.Invalid("", "malformed JSON body")
		}
	}
	return s.check(dst)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mediaType == "multipart/form-data"
}

// toInput converts a validated expense request into a domain input.
func (req expenseRequest) toInput() (core.ExpenseInput, error) {
	category, err := core.ParseCategory(req.Category)
	if err != nil {
		return core.ExpenseInput{}, err
	}
	date, err := core.ParseDate(req.Date)
	if err != nil {
		return core.ExpenseInput{}, err
	}
	return core.ExpenseInput{
		Amount:      req.Amount,
		Category:    category,
		Description: req.Description,
		Date:        date,
		Receipt:     req.Receipt,
	}, nil
}

// parseExpense reads an expense body sent either as JSON or as a multipart
// form with an optional "receipt" file. A stored receipt reference is
// returned so the caller can remove it when the write fails.
func (s *Server) parseExpense(w http.ResponseWriter, r *http.Request) (in core.ExpenseInput, stored string, err error) {
	var req expenseRequest
	if !isMultipart(r) {
		if err := s.decodeJSON(w, r, &req); err != nil {
			return core.ExpenseInput{}, "", err
		}
		in, err := req.toInput()
		return in, "", err
	}

	if s.uploads == nil {
		return core.ExpenseInput{}, "", core.Invalid("receipt", "uploads are disabled")
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.uploads.MaxBytes()+maxJSONBody)
	if err := r.ParseMultipartForm(maxJSONBody); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.ExpenseInput{}, "", core.Invalid("receipt", "must be at most %d bytes", s.uploads.MaxBytes())
		}
		return core.ExpenseInput{}, "", core.Invalid("", "malformed multipart body")
	}
	defer r.MultipartForm.RemoveAll()

	if raw := strings.TrimSpace(r.FormValue("amount")); raw != "" {
		if req.Amount, err = core.ParseMoney(raw); err != nil {
			return core.ExpenseInput{}, "", err
		}
	}
	req.Category = r.FormValue("category")
	req.Description = r.FormValue("description")
	req.Date = r.FormValue("date")
	req.Receipt = r.FormValue("receipt")
	if err := s.check(req); err != nil {
		return core.ExpenseInput{}, "", err
	}
	if in, err = req.toInput(); err != nil {
		return core.ExpenseInput{}, "", err
	}

	file, _, err := r.FormFile("receipt")
	if errors.Is(err, http.ErrMissingFile) {
		return in, "", nil
	}
	if err != nil {
		return core.ExpenseInput{}, "", core.Invalid("receipt", "unreadable file")
	}
	defer file.Close()

	ref, err := s.uploads.Save(file)
	if err != nil {
		return core.ExpenseInput{}, "", err
	}
	in.Receipt = ref
	return in, ref, nil
}

// parseFilter reads the listing and analytics query parameters. Unknown
// parameters are ignored.
func parseFilter(q url.Values) (core.Filter, error) {
	var f core.Filter
	var err error
	if v := strings.TrimSpace(q.Get("category")); v != "" {
		if f.Category, err = core.ParseCategory(v); err != nil {
			return core.Filter{}, err
		}
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		if f.Status, err = core.ParseStatus(v); err != nil {
			return core.Filter{}, err
		}
	}
	if f.From, err = parseQueryDate(q, "startDate"); err != nil {
		return core.Filter{}, err
	}
	if f.To, err = parseQueryDate(q, "endDate"); err != nil {
		return core.Filter{}, err
	}
	f.OwnerID = strings.TrimSpace(q.Get("userId"))
	return f, nil
}

func parseQueryDate(q url.Values, key string) (core.Date, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return core.Date{}, nil
	}
	d, err := core.ParseDate(v)
	if err != nil {
		return core.Date{}, core.Invalid(key, "must be an ISO 8601 date")
	}
	return d, nil
}

// bearerToken extracts the token from an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(token), true
}
