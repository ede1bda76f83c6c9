package query

import (
	"context"
	"fmt"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/repository"
)

// Store is the analytical tier's read surface, implemented against the
// denormalization layer's tables and views (spec §4.F). Its methods
// return repository.ErrNotFound for an absent row so Service can map it
// to the public KindNotFound.
type Store interface {
	GetEntry(ctx context.Context, uri federation.URI) (EntryView, error)
	GetNotebook(ctx context.Context, uri federation.URI) (NotebookView, error)
	ResolveEntry(ctx context.Context, authorDid, notebookPath, entryPath string) (EntryView, error)
	ResolveNotebook(ctx context.Context, authorDid, path string) (NotebookView, error)
	GetProfile(ctx context.Context, actorDid string) (ProfileView, error)
	GetDraft(ctx context.Context, uri federation.URI) (DraftView, error)
	GetEditHistory(ctx context.Context, resource federation.ResourceRef) (EditHistoryView, error)

	ListActorNotebooks(ctx context.Context, actorDid string, limit int, after Cursor) ([]NotebookView, bool, error)
	ListActorEntries(ctx context.Context, actorDid string, limit int, after Cursor) ([]EntryView, bool, error)
	GetEntryFeed(ctx context.Context, limit int, after Cursor) ([]EntryView, bool, error)
	GetNotebookFeed(ctx context.Context, limit int, after Cursor) ([]NotebookView, bool, error)
}

const defaultLimit = 50
const maxLimit = 200

// Service implements the Query Interface's operations over a Store,
// translating repository errors into the public error kinds of spec §7
// and opaque cursors into paginated results.
type Service struct {
	store Store
}

// New creates a Service.
func New(store Store) *Service {
	return &Service{store: store}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func mapNotFound(err error, what string) error {
	if err == nil {
		return nil
	}
	if err == repository.ErrNotFound {
		return NotFound(what)
	}
	return Internal(err)
}

// GetEntry resolves get_entry(uri) -> EntryView.
func (s *Service) GetEntry(ctx context.Context, uri federation.URI) (EntryView, error) {
	view, err := s.store.GetEntry(ctx, uri)
	if err != nil {
		return EntryView{}, mapNotFound(err, fmt.Sprintf("entry %s not found", uri))
	}
	return view, nil
}

// GetNotebook resolves get_notebook(uri) -> NotebookView.
func (s *Service) GetNotebook(ctx context.Context, uri federation.URI) (NotebookView, error) {
	view, err := s.store.GetNotebook(ctx, uri)
	if err != nil {
		return NotebookView{}, mapNotFound(err, fmt.Sprintf("notebook %s not found", uri))
	}
	return view, nil
}

// ResolveEntry resolves resolve_entry(author, notebook_name, entry_name) -> EntryView.
func (s *Service) ResolveEntry(ctx context.Context, author, notebookName, entryName string) (EntryView, error) {
	view, err := s.store.ResolveEntry(ctx, author, notebookName, entryName)
	if err != nil {
		return EntryView{}, mapNotFound(err, fmt.Sprintf("entry %s/%s/%s not found", author, notebookName, entryName))
	}
	return view, nil
}

// ResolveNotebook resolves resolve_notebook(author, name) -> NotebookView.
func (s *Service) ResolveNotebook(ctx context.Context, author, name string) (NotebookView, error) {
	view, err := s.store.ResolveNotebook(ctx, author, name)
	if err != nil {
		return NotebookView{}, mapNotFound(err, fmt.Sprintf("notebook %s/%s not found", author, name))
	}
	return view, nil
}

// GetProfile resolves get_profile(actor) -> ProfileView.
func (s *Service) GetProfile(ctx context.Context, actor string) (ProfileView, error) {
	view, err := s.store.GetProfile(ctx, actor)
	if err != nil {
		return ProfileView{}, mapNotFound(err, fmt.Sprintf("profile %s not found", actor))
	}
	return view, nil
}

// GetDraft resolves the supplemented get_draft(uri) -> DraftView.
func (s *Service) GetDraft(ctx context.Context, uri federation.URI) (DraftView, error) {
	view, err := s.store.GetDraft(ctx, uri)
	if err != nil {
		return DraftView{}, mapNotFound(err, fmt.Sprintf("draft %s not found", uri))
	}
	return view, nil
}

// GetEditHistory resolves get_edit_history(resource_uri) -> {nodes, heads}.
func (s *Service) GetEditHistory(ctx context.Context, resource federation.ResourceRef) (EditHistoryView, error) {
	view, err := s.store.GetEditHistory(ctx, resource)
	if err != nil {
		return EditHistoryView{}, mapNotFound(err, fmt.Sprintf("edit history for %s not found", resource.URI()))
	}
	return view, nil
}

// ListActorNotebooks resolves list_actor_notebooks(actor, limit, cursor) -> Page<NotebookView>.
func (s *Service) ListActorNotebooks(ctx context.Context, actor string, limit int, cursor string) (Page[NotebookView], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page[NotebookView]{}, InvalidRequest("invalid cursor", err)
	}
	items, hasMore, err := s.store.ListActorNotebooks(ctx, actor, clampLimit(limit), after)
	if err != nil {
		return Page[NotebookView]{}, Internal(err)
	}
	return pageOf(items, hasMore, func(v NotebookView) Cursor {
		return Cursor{SortKey: v.UpdatedAt.UTC().Format(cursorTimeLayout), Tiebreaker: v.URI.String()}
	}), nil
}

// ListActorEntries resolves list_actor_entries(actor, limit, cursor) -> Page<EntryView>.
func (s *Service) ListActorEntries(ctx context.Context, actor string, limit int, cursor string) (Page[EntryView], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page[EntryView]{}, InvalidRequest("invalid cursor", err)
	}
	items, hasMore, err := s.store.ListActorEntries(ctx, actor, clampLimit(limit), after)
	if err != nil {
		return Page[EntryView]{}, Internal(err)
	}
	return pageOf(items, hasMore, func(v EntryView) Cursor {
		return Cursor{SortKey: v.UpdatedAt.UTC().Format(cursorTimeLayout), Tiebreaker: v.URI.String()}
	}), nil
}

// GetEntryFeed resolves get_entry_feed(limit, cursor).
func (s *Service) GetEntryFeed(ctx context.Context, limit int, cursor string) (Page[EntryView], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page[EntryView]{}, InvalidRequest("invalid cursor", err)
	}
	items, hasMore, err := s.store.GetEntryFeed(ctx, clampLimit(limit), after)
	if err != nil {
		return Page[EntryView]{}, Internal(err)
	}
	return pageOf(items, hasMore, func(v EntryView) Cursor {
		return Cursor{SortKey: v.CreatedAt.UTC().Format(cursorTimeLayout), Tiebreaker: v.URI.String()}
	}), nil
}

// GetNotebookFeed resolves get_notebook_feed(limit, cursor).
func (s *Service) GetNotebookFeed(ctx context.Context, limit int, cursor string) (Page[NotebookView], error) {
	after, err := DecodeCursor(cursor)
	if err != nil {
		return Page[NotebookView]{}, InvalidRequest("invalid cursor", err)
	}
	items, hasMore, err := s.store.GetNotebookFeed(ctx, clampLimit(limit), after)
	if err != nil {
		return Page[NotebookView]{}, Internal(err)
	}
	return pageOf(items, hasMore, func(v NotebookView) Cursor {
		return Cursor{SortKey: v.CreatedAt.UTC().Format(cursorTimeLayout), Tiebreaker: v.URI.String()}
	}), nil
}

const cursorTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func pageOf[T any](items []T, hasMore bool, cursorOf func(T) Cursor) Page[T] {
	page := Page[T]{Items: items}
	if hasMore && len(items) > 0 {
		page.NextCursor = EncodeCursor(cursorOf(items[len(items)-1]))
	}
	return page
}
