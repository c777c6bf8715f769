package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ledgerbot/internal/services"
)

type statusResponse struct {
	Status string `json:"status"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, statusResponse{Status: "ok"})
}

// handleReady reports 503 until the ledger has loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.svc.Status().Ledger.Loaded {
		writeError(w, r, http.StatusServiceUnavailable, "not_ready", "ledger is still loading")
		return
	}
	writeSuccess(w, r, http.StatusOK, statusResponse{Status: "ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, r, http.StatusOK, s.svc.Status())
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		handleError(w, r, err)
		return
	}
	receipt, err := s.svc.Record(r.Context(), parseRecordRequest(p, user))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusCreated, receipt)
}

func (s *Server) handleRecategorize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	p := NewRequestBodyParser(r)
	if err := p.Parse(); err != nil {
		handleError(w, r, err)
		return
	}
	receipt, err := s.svc.Recategorize(r.Context(), id, p.Get("category"))
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, receipt)
}

// readQuery resolves the caller and the common query arguments.
func readQuery(w http.ResponseWriter, r *http.Request) (services.Query, bool) {
	user, err := userID(r)
	if err != nil {
		handleError(w, r, err)
		return services.Query{}, false
	}
	q, err := parseQuery(r, user)
	if err != nil {
		handleError(w, r, err)
		return services.Query{}, false
	}
	return q, true
}

// respond writes v on success and maps err otherwise.
func respond[T any](w http.ResponseWriter, r *http.Request, v T, err error) {
	if err != nil {
		handleError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, v)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		res, err := s.svc.Balance(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleTotal(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		res, err := s.svc.Total(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		res, err := s.svc.Summary(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		res, err := s.svc.Overview(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		res, err := s.svc.History(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if q, ok := readQuery(w, r); ok {
		q.Chart = chi.URLParam(r, "type")
		res, err := s.svc.Chart(r.Context(), q)
		respond(w, r, res, err)
	}
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	user, err := userID(r)
	if err != nil {
		handleError(w, r, err)
		return
	}
	cats, err := s.svc.Categories(r.Context(), user, r.URL.Query().Get("q"))
	respond(w, r, cats, err)
}
