package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/federation"
)

func TestDenormStoreNotebookMembershipReplace(t *testing.T) {
	db := NewTestDB(t)
	store := NewDenormStore(db)
	ctx := context.Background()

	require.NoError(t, store.UpsertNotebook(ctx, denorm.NotebookRow{
		Row:       denorm.Row{Did: "did:plc:alice", RKey: "n1", CID: "cid1", EventTime: time.Now().UTC()},
		Title:     "Book",
		EntryURIs: []string{"proto://did:plc:alice/weaver.notebook.entry/e1", "proto://did:plc:alice/weaver.notebook.entry/e2"},
	}))
	require.NoError(t, store.ReplaceNotebookMembership(ctx, "did:plc:alice", "n1", []string{"proto://did:plc:alice/weaver.notebook.entry/e1", "proto://did:plc:alice/weaver.notebook.entry/e2"}))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM notebook_entries WHERE notebook_did = ?", "did:plc:alice").Scan(&count))
	require.Equal(t, 2, count)

	require.NoError(t, store.ReplaceNotebookMembership(ctx, "did:plc:alice", "n1", []string{"proto://did:plc:alice/weaver.notebook.entry/e1"}))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM notebook_entries WHERE notebook_did = ?", "did:plc:alice").Scan(&count))
	require.Equal(t, 1, count)
}

func TestDenormStoreEngagementDeltaSum(t *testing.T) {
	db := NewTestDB(t)
	store := NewDenormStore(db)
	ctx := context.Background()

	subject := federation.ResourceRef{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}
	require.NoError(t, store.ApplyEngagementDelta(ctx, subject, federation.CounterLike, 1, time.Now().UTC()))
	require.NoError(t, store.ApplyEngagementDelta(ctx, subject, federation.CounterLike, 1, time.Now().UTC()))
	require.NoError(t, store.ApplyEngagementDelta(ctx, subject, federation.CounterLike, -1, time.Now().UTC()))

	require.NoError(t, store.RefreshEngagementCounts(ctx))

	var total int
	require.NoError(t, db.QueryRow(
		"SELECT total FROM engagement_counts WHERE subject_did = ? AND subject_collection = ? AND subject_rkey = ? AND counter = ?",
		subject.Did, subject.Collection, subject.RKey, federation.CounterLike,
	).Scan(&total))
	require.Equal(t, 1, total)
}

func TestDenormStoreMergedProfilesPrefersWeaverProfile(t *testing.T) {
	db := NewTestDB(t)
	store := NewDenormStore(db)
	ctx := context.Background()

	require.NoError(t, store.UpsertCrossAppProfile(ctx, denorm.CrossAppProfileRow{
		Row:         denorm.Row{Did: "did:plc:alice", EventTime: time.Now().UTC()},
		DisplayName: "Cross App Name",
	}))
	require.NoError(t, store.UpsertProfile(ctx, denorm.ProfileRow{
		Row:         denorm.Row{Did: "did:plc:alice", EventTime: time.Now().UTC()},
		DisplayName: "Weaver Name",
	}))
	require.NoError(t, store.RefreshMergedProfiles(ctx))

	var name string
	require.NoError(t, db.QueryRow("SELECT display_name FROM merged_profiles WHERE did = ?", "did:plc:alice").Scan(&name))
	require.Equal(t, "Weaver Name", name)
}
