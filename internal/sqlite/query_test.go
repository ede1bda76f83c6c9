package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/query"
	"github.com/weaverproto/weaver-core/internal/repository"
)

func TestQueryStoreGetEntryHydratesCountsAndContent(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	queryStore := NewQueryStore(db)
	ctx := context.Background()

	fullRecord := []byte(`{"title":"Hello","path":"hello","content":"Hello, world","authorDids":["did:plc:alice"]}`)
	require.NoError(t, denormStore.UpsertEntry(ctx, denorm.EntryRow{
		Row:        denorm.Row{Did: "did:plc:alice", RKey: "e1", CID: "cid1", EventTime: time.Now().UTC()},
		Title:      "Hello",
		Path:       "hello",
		AuthorDids: []string{"did:plc:alice"},
		FullRecord: fullRecord,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}))

	subject := federation.ResourceRef{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}
	require.NoError(t, denormStore.ApplyEngagementDelta(ctx, subject, federation.CounterLike, 3, time.Now().UTC()))
	require.NoError(t, denormStore.RefreshEngagementCounts(ctx))

	view, err := queryStore.GetEntry(ctx, federation.URI{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"})
	require.NoError(t, err)
	require.Equal(t, "Hello, world", view.Content)
	require.Equal(t, int64(3), view.LikeCount)
}

func TestQueryStoreGetEntryNotFound(t *testing.T) {
	db := NewTestDB(t)
	queryStore := NewQueryStore(db)

	_, err := queryStore.GetEntry(context.Background(), federation.URI{Did: "did:plc:nobody", Collection: federation.CollectionEntry, RKey: "missing"})
	require.ErrorIs(t, err, repository.ErrNotFound)
}

func TestQueryStoreResolveNotebookByPath(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	queryStore := NewQueryStore(db)
	ctx := context.Background()

	require.NoError(t, denormStore.UpsertNotebook(ctx, denorm.NotebookRow{
		Row:           denorm.Row{Did: "did:plc:alice", RKey: "n1", CID: "cid1", EventTime: time.Now().UTC()},
		Title:         "My Book",
		Path:          "my-book",
		PublishGlobal: true,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}))

	view, err := queryStore.ResolveNotebook(ctx, "did:plc:alice", "my-book")
	require.NoError(t, err)
	require.Equal(t, "My Book", view.Title)
	require.True(t, view.PublishGlobal)
}

func TestQueryStoreListActorEntriesPaginates(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	queryStore := NewQueryStore(db)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		rkey := "e" + string(rune('1'+i))
		require.NoError(t, denormStore.UpsertEntry(ctx, denorm.EntryRow{
			Row:       denorm.Row{Did: "did:plc:alice", RKey: rkey, CID: "cid", EventTime: base},
			Title:     rkey,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	svc := query.New(queryStore)
	page, err := svc.ListActorEntries(ctx, "did:plc:alice", 2, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	require.Equal(t, "e5", page.Items[0].Title, "newest-updated entry sorts first")

	page2, err := svc.ListActorEntries(ctx, "did:plc:alice", 2, page.NextCursor)
	require.NoError(t, err)
	require.Len(t, page2.Items, 2)
	require.Equal(t, "e3", page2.Items[0].Title)

	page3, err := svc.ListActorEntries(ctx, "did:plc:alice", 2, page2.NextCursor)
	require.NoError(t, err)
	require.Len(t, page3.Items, 1)
	require.Empty(t, page3.NextCursor, "last page must not carry a next cursor")
}

func TestQueryStoreGetEditHistoryReturnsHeadsAndNodes(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	queryStore := NewQueryStore(db)
	ctx := context.Background()

	resource := federation.ResourceRef{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}
	rootRef := federation.StrongRef{URI: federation.URI{Did: "did:plc:alice", RKey: "root1"}, CID: "cid-root"}

	require.NoError(t, denormStore.UpsertEditNode(ctx, denorm.EditNodeRow{
		Row:      denorm.Row{Did: "did:plc:alice", RKey: "root1", CID: "cid-root", EventTime: time.Now().UTC()},
		NodeType: "root", Resource: resource, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, denormStore.UpsertEditNode(ctx, denorm.EditNodeRow{
		Row:      denorm.Row{Did: "did:plc:alice", RKey: "diff1", CID: "cid-diff", EventTime: time.Now().UTC()},
		NodeType: "diff", Resource: resource, RootRef: &rootRef, PrevRef: &rootRef, CreatedAt: time.Now().UTC(),
	}))

	_, err := queryStore.GetEditHistory(ctx, resource)
	require.NoError(t, err)

	dag := NewEditDagStore(db)
	nodes, err := dag.ListEditNodes(ctx, resource)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}

func TestQueryStoreGetProfileNotFound(t *testing.T) {
	db := NewTestDB(t)
	queryStore := NewQueryStore(db)

	_, err := queryStore.GetProfile(context.Background(), "did:plc:nobody")
	require.ErrorIs(t, err, repository.ErrNotFound)
}
