package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/weaverproto/weaver-core/internal/query"
)

// Server wires the Query Interface's operations onto the RPC call
// convention of spec §6: path /rpc/{collection.namespace.method}?k=v
// for reads. This core exposes read operations only; writes flow
// through the federation network, not this RPC surface.
type Server struct {
	svc *query.Service
}

// NewServer builds a chi.Mux exposing the query methods listed in
// spec §4.F under /rpc/{method}.
func NewServer(svc *query.Service) *chi.Mux {
	s := &Server{svc: svc}

	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Route("/rpc", func(r chi.Router) {
		r.Get("/weaver.query.getEntry", s.handleGetEntry)
		r.Get("/weaver.query.getNotebook", s.handleGetNotebook)
		r.Get("/weaver.query.resolveEntry", s.handleResolveEntry)
		r.Get("/weaver.query.resolveNotebook", s.handleResolveNotebook)
		r.Get("/weaver.query.getProfile", s.handleGetProfile)
		r.Get("/weaver.query.getDraft", s.handleGetDraft)
		r.Get("/weaver.query.getEditHistory", s.handleGetEditHistory)
		r.Get("/weaver.query.listActorNotebooks", s.handleListActorNotebooks)
		r.Get("/weaver.query.listActorEntries", s.handleListActorEntries)
		r.Get("/weaver.query.getEntryFeed", s.handleGetEntryFeed)
		r.Get("/weaver.query.getNotebookFeed", s.handleGetNotebookFeed)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch query.As(err) {
	case query.KindNotFound:
		status = http.StatusNotFound
	case query.KindInvalidRequest:
		status = http.StatusBadRequest
	case query.KindUnauthorized:
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{"error": http.StatusText(status), "message": err.Error()})
}
