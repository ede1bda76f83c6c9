package denorm_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/sqlite"
)

func newTestSink(t *testing.T) (*denorm.Sink, *sqlite.DenormStore, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.New(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())
	t.Cleanup(func() { db.Close() })

	store := sqlite.NewDenormStore(db)
	return denorm.New(store, nil), store, db
}

func marshalRecord(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestSinkProjectsEntryAndNotebook(t *testing.T) {
	sink, _, db := newTestSink(t)
	ctx := context.Background()

	entryEvt := federation.RecordEvent{
		Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1", CID: "cid1",
		Rev: federation.NewRev(), Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.EntryRecord{Title: "Hello", Path: "/hello"}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, entryEvt))

	var title string
	require.NoError(t, db.QueryRow("SELECT title FROM entries WHERE did = ? AND rkey = ?", "did:plc:alice", "e1").Scan(&title))
	require.Equal(t, "Hello", title)

	notebookEvt := federation.RecordEvent{
		Did: "did:plc:alice", Collection: federation.CollectionNotebook, RKey: "n1", CID: "cid2",
		Rev: federation.NewRev(), Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.NotebookRecord{
			Title: "My Book", EntryURIs: []string{federation.URI{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}.String()},
		}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, notebookEvt))

	var memberCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM notebook_entries WHERE notebook_did = ? AND notebook_rkey = ?", "did:plc:alice", "n1").Scan(&memberCount))
	require.Equal(t, 1, memberCount)
}

func TestSinkOrderingRejectsStaleRewrite(t *testing.T) {
	sink, _, db := newTestSink(t)
	ctx := context.Background()

	newer := time.Now().UTC()
	older := newer.Add(-time.Hour)

	latest := federation.RecordEvent{
		Did: "did:plc:bob", Collection: federation.CollectionEntry, RKey: "e1", CID: "cid-new",
		Rev: federation.NewRev(), Op: federation.OpUpdate, EventTime: newer,
		RecordJSON: marshalRecord(t, federation.EntryRecord{Title: "New Title"}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, latest))

	stale := federation.RecordEvent{
		Did: "did:plc:bob", Collection: federation.CollectionEntry, RKey: "e1", CID: "cid-old",
		Rev: federation.NewRev(), Op: federation.OpUpdate, EventTime: older,
		RecordJSON: marshalRecord(t, federation.EntryRecord{Title: "Old Title"}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, stale))

	var title string
	require.NoError(t, db.QueryRow("SELECT title FROM entries WHERE did = ? AND rkey = ?", "did:plc:bob", "e1").Scan(&title))
	require.Equal(t, "New Title", title, "stale out-of-order write must not overwrite newer state")
}

func TestSinkDeleteTombstonesRow(t *testing.T) {
	sink, _, db := newTestSink(t)
	ctx := context.Background()

	create := federation.RecordEvent{
		Did: "did:plc:carol", Collection: federation.CollectionEntry, RKey: "e1", CID: "cid1",
		Rev: federation.NewRev(), Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.EntryRecord{Title: "Doomed"}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, create))

	del := federation.RecordEvent{
		Did: "did:plc:carol", Collection: federation.CollectionEntry, RKey: "e1", CID: "cid1",
		Op: federation.OpDelete, EventTime: time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, del))

	var deletedAt *time.Time
	require.NoError(t, db.QueryRow("SELECT deleted_at FROM entries WHERE did = ? AND rkey = ?", "did:plc:carol", "e1").Scan(&deletedAt))
	require.NotNil(t, deletedAt)
}

func TestSinkEngagementDeltaLifecycle(t *testing.T) {
	sink, store, db := newTestSink(t)
	ctx := context.Background()

	subject := federation.StrongRef{URI: federation.URI{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}, CID: "cid1"}

	like := federation.RecordEvent{
		Did: "did:plc:bob", Collection: federation.CollectionLike, RKey: "like1",
		Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.LikeRecord{Subject: subject}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, like))
	require.NoError(t, store.RefreshEngagementCounts(ctx))

	var total int
	require.NoError(t, db.QueryRow(
		"SELECT total FROM engagement_counts WHERE subject_did = ? AND subject_rkey = ? AND counter = ?",
		"did:plc:alice", "e1", federation.CounterLike,
	).Scan(&total))
	require.Equal(t, 1, total)

	unlike := federation.RecordEvent{
		Did: "did:plc:bob", Collection: federation.CollectionLike, RKey: "like1",
		Op: federation.OpDelete, EventTime: time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, unlike))
	require.NoError(t, store.RefreshEngagementCounts(ctx))

	require.NoError(t, db.QueryRow(
		"SELECT total FROM engagement_counts WHERE subject_did = ? AND subject_rkey = ? AND counter = ?",
		"did:plc:alice", "e1", federation.CounterLike,
	).Scan(&total))
	require.Equal(t, 0, total)
}

func editResource() federation.ResourceRef {
	return federation.ResourceRef{Did: "did:plc:erin", Collection: federation.CollectionEntry, RKey: "e1"}
}

func TestSinkFlagsDiffWhoseRootDisagreesWithPrevRoot(t *testing.T) {
	sink, _, db := newTestSink(t)
	ctx := context.Background()
	resource := editResource()

	rootEvt := federation.RecordEvent{
		Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: "root1", CID: "cid-root1",
		Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.EditRootRecord{Doc: federation.EditDocRef{Resource: &resource}}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, rootEvt))
	root1 := federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: "root1"}, CID: "cid-root1"}

	diffEvt := federation.RecordEvent{
		Did: resource.Did, Collection: federation.CollectionEditDiff, RKey: "diff1", CID: "cid-diff1",
		Op: federation.OpCreate, EventTime: time.Now().UTC().Add(time.Minute),
		RecordJSON: marshalRecord(t, federation.EditDiffRecord{
			// Root names a node that doesn't exist and disagrees with
			// prev's actual root (root1) — this must be rejected.
			Root: federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: "bogus-root"}, CID: "cid-bogus"},
			Prev: &root1,
			Doc:  federation.EditDocRef{Resource: &resource},
		}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, diffEvt))

	var validationState string
	require.NoError(t, db.QueryRow("SELECT validation_state FROM edit_nodes WHERE did = ? AND rkey = ?", resource.Did, "diff1").Scan(&validationState))
	require.Equal(t, string(federation.ValidationInvalidRoot), validationState)

	var headCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM edit_nodes WHERE resource_did = ? AND validation_state = 'ok'", resource.Did).Scan(&headCount))
	require.Equal(t, 1, headCount, "only the root node should remain admissible")
}

func TestSinkFlagsDiffThatWouldCreateACycle(t *testing.T) {
	sink, _, db := newTestSink(t)
	ctx := context.Background()
	resource := editResource()

	rootEvt := federation.RecordEvent{
		Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: "root1", CID: "cid-root1",
		Op: federation.OpCreate, EventTime: time.Now().UTC(),
		RecordJSON: marshalRecord(t, federation.EditRootRecord{Doc: federation.EditDocRef{Resource: &resource}}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, rootEvt))
	root1 := federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: "root1"}, CID: "cid-root1"}

	diff1Evt := federation.RecordEvent{
		Did: resource.Did, Collection: federation.CollectionEditDiff, RKey: "diff1", CID: "cid-diff1",
		Op: federation.OpCreate, EventTime: time.Now().UTC().Add(time.Minute),
		RecordJSON: marshalRecord(t, federation.EditDiffRecord{Root: root1, Prev: &root1, Doc: federation.EditDocRef{Resource: &resource}}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, diff1Evt))
	diff1 := federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditDiff, RKey: "diff1"}, CID: "cid-diff1"}

	// A "root" node that names diff1 as its own prev would close a cycle:
	// root1 -> diff1 -> root1. Reuse the edit.diff collection with the
	// same (did, rkey) as a legitimate root so WouldCreateCycle can see
	// root1 already exists as an ancestor of diff1.
	cycleEvt := federation.RecordEvent{
		Did: resource.Did, Collection: federation.CollectionEditDiff, RKey: "root1", CID: "cid-root1-v2",
		Op: federation.OpUpdate, EventTime: time.Now().UTC().Add(2 * time.Minute),
		RecordJSON: marshalRecord(t, federation.EditDiffRecord{Root: root1, Prev: &diff1, Doc: federation.EditDocRef{Resource: &resource}}),
	}
	require.NoError(t, sink.OnRecordEvent(ctx, cycleEvt))

	var validationState string
	require.NoError(t, db.QueryRow("SELECT validation_state FROM edit_nodes WHERE did = ? AND rkey = ?", resource.Did, "root1").Scan(&validationState))
	require.Equal(t, string(federation.ValidationInvalidCycle), validationState)
}

func TestRefresherHandleMappingsKeepsOneActive(t *testing.T) {
	sink, store, db := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, sink.OnIdentityEvent(ctx, federation.IdentityEvent{Did: "did:plc:dan", Handle: "dan.example", EventTime: time.Unix(1000, 0).UTC()}))
	require.NoError(t, sink.OnIdentityEvent(ctx, federation.IdentityEvent{Did: "did:plc:dan", Handle: "dan2.example", EventTime: time.Unix(2000, 0).UTC()}))

	require.NoError(t, store.RefreshHandleMappings(ctx))

	var activeCount int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM handle_mappings WHERE did = ? AND freed = 0", "did:plc:dan").Scan(&activeCount))
	require.Equal(t, 1, activeCount)

	var activeHandle string
	require.NoError(t, db.QueryRow("SELECT handle FROM handle_mappings WHERE did = ? AND freed = 0", "did:plc:dan").Scan(&activeHandle))
	require.Equal(t, "dan2.example", activeHandle)
}
