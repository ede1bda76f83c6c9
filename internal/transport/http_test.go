package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/query"
	"github.com/weaverproto/weaver-core/internal/repository"
)

type fakeStore struct {
	entries map[federation.URI]query.EntryView
}

func (s *fakeStore) GetEntry(ctx context.Context, uri federation.URI) (query.EntryView, error) {
	v, ok := s.entries[uri]
	if !ok {
		return query.EntryView{}, repository.ErrNotFound
	}
	return v, nil
}
func (s *fakeStore) GetNotebook(context.Context, federation.URI) (query.NotebookView, error) {
	return query.NotebookView{}, repository.ErrNotFound
}
func (s *fakeStore) ResolveEntry(context.Context, string, string, string) (query.EntryView, error) {
	return query.EntryView{}, repository.ErrNotFound
}
func (s *fakeStore) ResolveNotebook(context.Context, string, string) (query.NotebookView, error) {
	return query.NotebookView{}, repository.ErrNotFound
}
func (s *fakeStore) GetProfile(context.Context, string) (query.ProfileView, error) {
	return query.ProfileView{}, repository.ErrNotFound
}
func (s *fakeStore) GetDraft(context.Context, federation.URI) (query.DraftView, error) {
	return query.DraftView{}, repository.ErrNotFound
}
func (s *fakeStore) GetEditHistory(context.Context, federation.ResourceRef) (query.EditHistoryView, error) {
	return query.EditHistoryView{}, repository.ErrNotFound
}
func (s *fakeStore) ListActorNotebooks(context.Context, string, int, query.Cursor) ([]query.NotebookView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) ListActorEntries(context.Context, string, int, query.Cursor) ([]query.EntryView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) GetEntryFeed(context.Context, int, query.Cursor) ([]query.EntryView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) GetNotebookFeed(context.Context, int, query.Cursor) ([]query.NotebookView, bool, error) {
	return nil, false, nil
}

func TestHandleGetEntryReturnsView(t *testing.T) {
	uri := federation.URI{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}
	svc := query.New(&fakeStore{entries: map[federation.URI]query.EntryView{uri: {URI: uri, Title: "Hello"}}})
	srv := NewServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/rpc/weaver.query.getEntry?uri="+uri.String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view query.EntryView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "Hello", view.Title)
}

func TestHandleGetEntryNotFoundReturns404(t *testing.T) {
	svc := query.New(&fakeStore{entries: map[federation.URI]query.EntryView{}})
	srv := NewServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/rpc/weaver.query.getEntry?uri=proto://did:plc:bob/weaver.notebook.entry/missing", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body["message"])
}

func TestHandleGetEntryMissingParamReturns400(t *testing.T) {
	svc := query.New(&fakeStore{})
	srv := NewServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/rpc/weaver.query.getEntry", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	svc := query.New(&fakeStore{})
	srv := NewServer(svc)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
