package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rimborsi/internal/core"
	"rimborsi/internal/log"
)

func (s *Server) handleCreateExpense(w http.ResponseWriter, r *http.Request) {
	in, stored, err := s.parseExpense(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	e, err := s.expenses.CreateExpense(r.Context(), IdentityFrom(r.Context()), in)
	if err != nil {
		s.discardReceipt(r, stored)
		WriteError(w, r, err)
		return
	}
	Created(e).Write(w)
}

func (s *Server) handleListExpenses(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	list, err := s.expenses.ListExpenses(r.Context(), IdentityFrom(r.Context()), f)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if list == nil {
		list = []core.Expense{}
	}
	OK(list).Write(w)
}

// handleAnalytics honours only the date range and owner; category and
// status are grouping dimensions of the result.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r.URL.Query())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	f.Category, f.Status = "", ""

	a, err := s.expenses.Analytics(r.Context(), IdentityFrom(r.Context()), f)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if a.ByCategory == nil {
		a.ByCategory = []core.CategoryTotal{}
	}
	if a.ByStatus == nil {
		a.ByStatus = []core.StatusTotal{}
	}
	OK(a).Write(w)
}

func (s *Server) handleGetExpense(w http.ResponseWriter, r *http.Request) {
	e, err := s.expenses.GetExpense(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	OK(e).Write(w)
}

func (s *Server) handleUpdateExpense(w http.ResponseWriter, r *http.Request) {
	in, stored, err := s.parseExpense(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	e, err := s.expenses.UpdateExpense(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		s.discardReceipt(r, stored)
		WriteError(w, r, err)
		return
	}
	OK(e).Write(w)
}

func (s *Server) handleUpdateExpenseStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := s.decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	to, err := core.ParseStatus(req.Status)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	e, err := s.expenses.UpdateExpenseStatus(r.Context(), IdentityFrom(r.Context()), chi.URLParam(r, "id"), to)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	OK(e).Write(w)
}

// discardReceipt removes a receipt stored for a write that did not commit.
func (s *Server) discardReceipt(r *http.Request, ref string) {
	if ref == "" || s.uploads == nil {
		return
	}
	if err := s.uploads.Remove(ref); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Orphan receipt not removed", log.FieldError, err.Error(), "receipt", ref)
	}
}
