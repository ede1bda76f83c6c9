package transport

import (
	"net/http"
	"strconv"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/query"
)

func queryURI(r *http.Request, key string) (federation.URI, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return federation.URI{}, query.InvalidRequest("missing "+key+" parameter", nil)
	}
	uri, err := federation.ParseURI(raw)
	if err != nil {
		return federation.URI{}, query.InvalidRequest("invalid "+key+" parameter", err)
	}
	return uri, nil
}

func queryLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	uri, err := queryURI(r, "uri")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.svc.GetEntry(r.Context(), uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetNotebook(w http.ResponseWriter, r *http.Request) {
	uri, err := queryURI(r, "uri")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.svc.GetNotebook(r.Context(), uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolveEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	author, notebook, entry := q.Get("author"), q.Get("notebook"), q.Get("entry")
	if author == "" || notebook == "" || entry == "" {
		writeError(w, query.InvalidRequest("author, notebook and entry parameters are required", nil))
		return
	}
	view, err := s.svc.ResolveEntry(r.Context(), author, notebook, entry)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleResolveNotebook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	author, name := q.Get("author"), q.Get("name")
	if author == "" || name == "" {
		writeError(w, query.InvalidRequest("author and name parameters are required", nil))
		return
	}
	view, err := s.svc.ResolveNotebook(r.Context(), author, name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, query.InvalidRequest("missing actor parameter", nil))
		return
	}
	view, err := s.svc.GetProfile(r.Context(), actor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	uri, err := queryURI(r, "uri")
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.svc.GetDraft(r.Context(), uri)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetEditHistory(w http.ResponseWriter, r *http.Request) {
	uri, err := queryURI(r, "resource")
	if err != nil {
		writeError(w, err)
		return
	}
	resource := federation.ResourceRef{Did: uri.Did, Collection: uri.Collection, RKey: uri.RKey}
	view, err := s.svc.GetEditHistory(r.Context(), resource)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListActorNotebooks(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, query.InvalidRequest("missing actor parameter", nil))
		return
	}
	page, err := s.svc.ListActorNotebooks(r.Context(), actor, queryLimit(r), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleListActorEntries(w http.ResponseWriter, r *http.Request) {
	actor := r.URL.Query().Get("actor")
	if actor == "" {
		writeError(w, query.InvalidRequest("missing actor parameter", nil))
		return
	}
	page, err := s.svc.ListActorEntries(r.Context(), actor, queryLimit(r), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetEntryFeed(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.GetEntryFeed(r.Context(), queryLimit(r), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetNotebookFeed(w http.ResponseWriter, r *http.Request) {
	page, err := s.svc.GetNotebookFeed(r.Context(), queryLimit(r), r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
