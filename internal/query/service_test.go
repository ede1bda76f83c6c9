package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/repository"
)

type fakeStore struct {
	entries map[federation.URI]EntryView
}

func (s *fakeStore) GetEntry(ctx context.Context, uri federation.URI) (EntryView, error) {
	v, ok := s.entries[uri]
	if !ok {
		return EntryView{}, repository.ErrNotFound
	}
	return v, nil
}
func (s *fakeStore) GetNotebook(ctx context.Context, uri federation.URI) (NotebookView, error) {
	return NotebookView{}, repository.ErrNotFound
}
func (s *fakeStore) ResolveEntry(ctx context.Context, authorDid, notebookPath, entryPath string) (EntryView, error) {
	return EntryView{}, repository.ErrNotFound
}
func (s *fakeStore) ResolveNotebook(ctx context.Context, authorDid, path string) (NotebookView, error) {
	return NotebookView{}, repository.ErrNotFound
}
func (s *fakeStore) GetProfile(ctx context.Context, actorDid string) (ProfileView, error) {
	return ProfileView{}, repository.ErrNotFound
}
func (s *fakeStore) GetDraft(ctx context.Context, uri federation.URI) (DraftView, error) {
	return DraftView{}, repository.ErrNotFound
}
func (s *fakeStore) GetEditHistory(ctx context.Context, resource federation.ResourceRef) (EditHistoryView, error) {
	return EditHistoryView{}, repository.ErrNotFound
}
func (s *fakeStore) ListActorNotebooks(ctx context.Context, actorDid string, limit int, after Cursor) ([]NotebookView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) ListActorEntries(ctx context.Context, actorDid string, limit int, after Cursor) ([]EntryView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) GetEntryFeed(ctx context.Context, limit int, after Cursor) ([]EntryView, bool, error) {
	return nil, false, nil
}
func (s *fakeStore) GetNotebookFeed(ctx context.Context, limit int, after Cursor) ([]NotebookView, bool, error) {
	return nil, false, nil
}

func TestGetEntryMapsNotFoundToKindNotFound(t *testing.T) {
	svc := New(&fakeStore{entries: map[federation.URI]EntryView{}})
	_, err := svc.GetEntry(context.Background(), federation.URI{Did: "did:plc:alice", RKey: "missing"})
	require.Error(t, err)
	require.Equal(t, KindNotFound, As(err))
}

func TestGetEntryReturnsStoredView(t *testing.T) {
	uri := federation.URI{Did: "did:plc:alice", RKey: "e1"}
	svc := New(&fakeStore{entries: map[federation.URI]EntryView{uri: {URI: uri, Title: "Hello"}}})
	view, err := svc.GetEntry(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, "Hello", view.Title)
}

func TestListActorEntriesRejectsUndecodableCursor(t *testing.T) {
	svc := New(&fakeStore{})
	_, err := svc.ListActorEntries(context.Background(), "did:plc:alice", 10, "not-valid-base64!!")
	require.Error(t, err)
	require.Equal(t, KindInvalidRequest, As(err))
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{SortKey: "2026-01-01T00:00:00Z", Tiebreaker: "proto://did:plc:alice/weaver.notebook.entry/e1"}
	decoded, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	require.Equal(t, c, decoded)
}
