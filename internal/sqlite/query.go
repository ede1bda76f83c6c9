package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/query"
	"github.com/weaverproto/weaver-core/internal/repository"
)

// QueryStore implements query.Store against the analytical tier (spec
// §4.F): every method is a read hydrated by joining denormalized tables
// and refreshable views.
type QueryStore struct {
	db *DB
}

// NewQueryStore wraps db for the Query Interface.
func NewQueryStore(db *DB) *QueryStore {
	return &QueryStore{db: db}
}

func splitStrings(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func entryContent(fullRecord []byte) string {
	if len(fullRecord) == 0 {
		return ""
	}
	var rec federation.EntryRecord
	if err := json.Unmarshal(fullRecord, &rec); err != nil {
		return ""
	}
	return rec.Content
}

func (s *QueryStore) counterTotal(ctx context.Context, subject federation.ResourceRef, counter string) (int64, error) {
	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT total FROM engagement_counts
		WHERE subject_did = ? AND subject_collection = ? AND subject_rkey = ? AND counter = ?`,
		subject.Did, subject.Collection, subject.RKey, counter).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query: counter %s/%s: %w", subject.URI(), counter, err)
	}
	return total, nil
}

func (s *QueryStore) scanEntry(row interface {
	Scan(dest ...any) error
}) (query.EntryView, error) {
	var did, rkey, cid, title, path, tags, authorDids string
	var fullRecord []byte
	var createdAt, updatedAt time.Time
	if err := row.Scan(&did, &rkey, &cid, &title, &path, &tags, &authorDids, &fullRecord, &createdAt, &updatedAt); err != nil {
		return query.EntryView{}, err
	}
	view := query.EntryView{
		URI:        federation.URI{Did: did, Collection: federation.CollectionEntry, RKey: rkey},
		CID:        cid,
		Title:      title,
		Path:       path,
		Tags:       splitStrings(tags),
		AuthorDids: splitStrings(authorDids),
		Content:    entryContent(fullRecord),
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	return view, nil
}

const entryColumns = `did, rkey, cid, title, path, tags, author_dids, full_record, created_at, updated_at`

func (s *QueryStore) hydrateEntry(ctx context.Context, view query.EntryView) (query.EntryView, error) {
	subject := federation.ResourceRef{Did: view.URI.Did, Collection: federation.CollectionEntry, RKey: view.URI.RKey}
	likes, err := s.counterTotal(ctx, subject, federation.CounterLike)
	if err != nil {
		return query.EntryView{}, err
	}
	bookmarks, err := s.counterTotal(ctx, subject, federation.CounterBookmark)
	if err != nil {
		return query.EntryView{}, err
	}
	view.LikeCount = likes
	view.BookmarkCount = bookmarks
	return view, nil
}

// GetEntry resolves get_entry(uri) -> EntryView.
func (s *QueryStore) GetEntry(ctx context.Context, uri federation.URI) (query.EntryView, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE did = ? AND rkey = ? AND deleted_at IS NULL`, uri.Did, uri.RKey)
	view, err := s.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return query.EntryView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.EntryView{}, fmt.Errorf("query: get entry %s: %w", uri, err)
	}
	return s.hydrateEntry(ctx, view)
}

// ResolveEntry resolves resolve_entry(author, notebook_name, entry_name) -> EntryView.
// The notebook path component is accepted for symmetry with
// resolve_notebook's signature but entries are addressed by (author,
// entry_path) directly — a notebook's entry_uris membership does not
// change how an individual entry resolves.
func (s *QueryStore) ResolveEntry(ctx context.Context, authorDid, notebookPath, entryPath string) (query.EntryView, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM entries WHERE did = ? AND path = ? AND deleted_at IS NULL`, authorDid, entryPath)
	view, err := s.scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return query.EntryView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.EntryView{}, fmt.Errorf("query: resolve entry %s/%s: %w", authorDid, entryPath, err)
	}
	return s.hydrateEntry(ctx, view)
}

const notebookColumns = `did, rkey, cid, title, path, tags, publish_global, author_dids, entry_uris, created_at, updated_at`

func (s *QueryStore) scanNotebook(row interface {
	Scan(dest ...any) error
}) (query.NotebookView, error) {
	var did, rkey, cid, title, path, tags, authorDids, entryURIs string
	var publishGlobal bool
	var createdAt, updatedAt time.Time
	if err := row.Scan(&did, &rkey, &cid, &title, &path, &tags, &publishGlobal, &authorDids, &entryURIs, &createdAt, &updatedAt); err != nil {
		return query.NotebookView{}, err
	}
	return query.NotebookView{
		URI:           federation.URI{Did: did, Collection: federation.CollectionNotebook, RKey: rkey},
		CID:           cid,
		Title:         title,
		Path:          path,
		Tags:          splitStrings(tags),
		PublishGlobal: publishGlobal,
		AuthorDids:    splitStrings(authorDids),
		EntryURIs:     splitStrings(entryURIs),
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}, nil
}

func (s *QueryStore) hydrateNotebook(ctx context.Context, view query.NotebookView) (query.NotebookView, error) {
	subject := federation.ResourceRef{Did: view.URI.Did, Collection: federation.CollectionNotebook, RKey: view.URI.RKey}
	total, err := s.counterTotal(ctx, subject, federation.CounterSubscription)
	if err != nil {
		return query.NotebookView{}, err
	}
	view.SubscriptionCount = total
	return view, nil
}

// GetNotebook resolves get_notebook(uri) -> NotebookView.
func (s *QueryStore) GetNotebook(ctx context.Context, uri federation.URI) (query.NotebookView, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notebookColumns+` FROM notebooks WHERE did = ? AND rkey = ? AND deleted_at IS NULL`, uri.Did, uri.RKey)
	view, err := s.scanNotebook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return query.NotebookView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.NotebookView{}, fmt.Errorf("query: get notebook %s: %w", uri, err)
	}
	return s.hydrateNotebook(ctx, view)
}

// ResolveNotebook resolves resolve_notebook(author, name) -> NotebookView.
func (s *QueryStore) ResolveNotebook(ctx context.Context, authorDid, path string) (query.NotebookView, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+notebookColumns+` FROM notebooks WHERE did = ? AND path = ? AND deleted_at IS NULL`, authorDid, path)
	view, err := s.scanNotebook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return query.NotebookView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.NotebookView{}, fmt.Errorf("query: resolve notebook %s/%s: %w", authorDid, path, err)
	}
	return s.hydrateNotebook(ctx, view)
}

// GetProfile resolves get_profile(actor) -> ProfileView.
func (s *QueryStore) GetProfile(ctx context.Context, actorDid string) (query.ProfileView, error) {
	var view query.ProfileView
	var displayName, description, avatarCID, bannerCID, handle sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT did, display_name, description, avatar_cid, banner_cid, handle FROM merged_profiles WHERE did = ?`,
		actorDid).Scan(&view.Did, &displayName, &description, &avatarCID, &bannerCID, &handle)
	if errors.Is(err, sql.ErrNoRows) {
		return query.ProfileView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.ProfileView{}, fmt.Errorf("query: get profile %s: %w", actorDid, err)
	}
	view.DisplayName = displayName.String
	view.Description = description.String
	view.AvatarCID = avatarCID.String
	view.BannerCID = bannerCID.String
	view.Handle = handle.String

	subject := federation.ResourceRef{Did: actorDid, Collection: federation.CollectionProfile, RKey: "self"}
	followers, err := s.counterTotal(ctx, subject, federation.CounterFollower)
	if err != nil {
		return query.ProfileView{}, err
	}
	following, err := s.counterTotal(ctx, subject, federation.CounterFollowing)
	if err != nil {
		return query.ProfileView{}, err
	}
	view.FollowerCount = followers
	view.FollowingCount = following
	return view, nil
}

// GetDraft resolves the supplemented get_draft(uri) -> DraftView.
func (s *QueryStore) GetDraft(ctx context.Context, uri federation.URI) (query.DraftView, error) {
	var view query.DraftView
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT title, created_at FROM drafts WHERE did = ? AND rkey = ? AND deleted_at IS NULL`,
		uri.Did, uri.RKey).Scan(&title, &view.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return query.DraftView{}, repository.ErrNotFound
	}
	if err != nil {
		return query.DraftView{}, fmt.Errorf("query: get draft %s: %w", uri, err)
	}
	view.URI = uri
	view.Title = title.String
	return view, nil
}

// GetEditHistory resolves get_edit_history(resource_uri) -> {nodes, heads}.
func (s *QueryStore) GetEditHistory(ctx context.Context, resource federation.ResourceRef) (query.EditHistoryView, error) {
	dag := NewEditDagStore(s.db)
	nodes, err := dag.ListEditNodes(ctx, resource)
	if err != nil {
		return query.EditHistoryView{}, fmt.Errorf("query: edit history %s: %w", resource.URI(), err)
	}
	if len(nodes) == 0 {
		return query.EditHistoryView{}, repository.ErrNotFound
	}

	view := query.EditHistoryView{Resource: resource}
	for _, n := range nodes {
		view.Nodes = append(view.Nodes, query.EditNodeView{
			URI:       federation.URI{Did: n.Did, Collection: nodeCollection(n.NodeType), RKey: n.RKey},
			CID:       n.CID,
			NodeType:  n.NodeType,
			Root:      n.Root,
			Prev:      n.Prev,
			CreatedAt: n.CreatedAt,
		})
	}

	headRows, err := s.db.QueryContext(ctx, `
		SELECT head_did, head_rkey FROM edit_heads
		WHERE resource_did = ? AND resource_collection = ? AND resource_rkey = ?`,
		resource.Did, resource.Collection, resource.RKey)
	if err != nil {
		return query.EditHistoryView{}, fmt.Errorf("query: edit heads %s: %w", resource.URI(), err)
	}
	defer headRows.Close()

	nodeType := make(map[string]string, len(nodes))
	for _, n := range nodes {
		nodeType[n.Did+"/"+n.RKey] = n.NodeType
	}
	for headRows.Next() {
		var did, rkey string
		if err := headRows.Scan(&did, &rkey); err != nil {
			return query.EditHistoryView{}, fmt.Errorf("query: scan edit head: %w", err)
		}
		view.Heads = append(view.Heads, federation.URI{Did: did, Collection: nodeCollection(nodeType[did+"/"+rkey]), RKey: rkey})
	}
	return view, headRows.Err()
}

func nodeCollection(nodeType string) string {
	if nodeType == "root" {
		return federation.CollectionEditRoot
	}
	return federation.CollectionEditDiff
}

// ListActorNotebooks resolves list_actor_notebooks(actor, limit, cursor) -> Page<NotebookView>.
func (s *QueryStore) ListActorNotebooks(ctx context.Context, actorDid string, limit int, after query.Cursor) ([]query.NotebookView, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notebookColumns+` FROM notebooks
		WHERE did = ? AND deleted_at IS NULL AND (updated_at, rkey) < (?, ?)
		ORDER BY updated_at DESC, rkey DESC LIMIT ?`,
		actorDid, orDefaultTime(after.SortKey), after.Tiebreaker, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query: list actor notebooks %s: %w", actorDid, err)
	}
	defer rows.Close()

	var out []query.NotebookView
	for rows.Next() {
		view, err := s.scanNotebook(rows)
		if err != nil {
			return nil, false, fmt.Errorf("query: scan notebook: %w", err)
		}
		out = append(out, view)
	}
	return hydratePageNotebooks(ctx, s, out, limit)
}

// ListActorEntries resolves list_actor_entries(actor, limit, cursor) -> Page<EntryView>.
func (s *QueryStore) ListActorEntries(ctx context.Context, actorDid string, limit int, after query.Cursor) ([]query.EntryView, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE did = ? AND deleted_at IS NULL AND (updated_at, rkey) < (?, ?)
		ORDER BY updated_at DESC, rkey DESC LIMIT ?`,
		actorDid, orDefaultTime(after.SortKey), after.Tiebreaker, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query: list actor entries %s: %w", actorDid, err)
	}
	defer rows.Close()

	var out []query.EntryView
	for rows.Next() {
		view, err := s.scanEntry(rows)
		if err != nil {
			return nil, false, fmt.Errorf("query: scan entry: %w", err)
		}
		out = append(out, view)
	}
	return hydratePageEntries(ctx, s, out, limit)
}

// GetEntryFeed resolves get_entry_feed(limit, cursor): every live entry,
// newest first.
func (s *QueryStore) GetEntryFeed(ctx context.Context, limit int, after query.Cursor) ([]query.EntryView, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM entries
		WHERE deleted_at IS NULL AND (created_at, rkey) < (?, ?)
		ORDER BY created_at DESC, rkey DESC LIMIT ?`,
		orDefaultTime(after.SortKey), after.Tiebreaker, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query: entry feed: %w", err)
	}
	defer rows.Close()

	var out []query.EntryView
	for rows.Next() {
		view, err := s.scanEntry(rows)
		if err != nil {
			return nil, false, fmt.Errorf("query: scan entry: %w", err)
		}
		out = append(out, view)
	}
	return hydratePageEntries(ctx, s, out, limit)
}

// GetNotebookFeed resolves get_notebook_feed(limit, cursor): every
// publish_global notebook, newest first.
func (s *QueryStore) GetNotebookFeed(ctx context.Context, limit int, after query.Cursor) ([]query.NotebookView, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notebookColumns+` FROM notebooks
		WHERE deleted_at IS NULL AND publish_global = 1 AND (created_at, rkey) < (?, ?)
		ORDER BY created_at DESC, rkey DESC LIMIT ?`,
		orDefaultTime(after.SortKey), after.Tiebreaker, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query: notebook feed: %w", err)
	}
	defer rows.Close()

	var out []query.NotebookView
	for rows.Next() {
		view, err := s.scanNotebook(rows)
		if err != nil {
			return nil, false, fmt.Errorf("query: scan notebook: %w", err)
		}
		out = append(out, view)
	}
	return hydratePageNotebooks(ctx, s, out, limit)
}

func hydratePageEntries(ctx context.Context, s *QueryStore, rows []query.EntryView, limit int) ([]query.EntryView, bool, error) {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i, v := range rows {
		hydrated, err := s.hydrateEntry(ctx, v)
		if err != nil {
			return nil, false, err
		}
		rows[i] = hydrated
	}
	return rows, hasMore, nil
}

func hydratePageNotebooks(ctx context.Context, s *QueryStore, rows []query.NotebookView, limit int) ([]query.NotebookView, bool, error) {
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for i, v := range rows {
		hydrated, err := s.hydrateNotebook(ctx, v)
		if err != nil {
			return nil, false, err
		}
		rows[i] = hydrated
	}
	return rows, hasMore, nil
}

// orDefaultTime parses an RFC3339-nano sort key, defaulting to a time far
// in the future so an empty cursor (first page) includes every row under
// the "< sortKey" predicate.
func orDefaultTime(sortKey string) time.Time {
	if sortKey == "" {
		return time.Unix(1<<62, 0).UTC()
	}
	t, err := time.Parse("2006-01-02T15:04:05.000000000Z07:00", sortKey)
	if err != nil {
		return time.Unix(1<<62, 0).UTC()
	}
	return t
}
