package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/editdag"
	"github.com/weaverproto/weaver-core/internal/federation"
)

func TestEditDagStoreHeadsAndOwner(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	dagStore := NewEditDagStore(db)
	ctx := context.Background()

	resource := federation.ResourceRef{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}

	root := denorm.EditNodeRow{
		Row:      denorm.Row{Did: "did:plc:alice", RKey: "root1", CID: "c1", EventTime: time.Now().UTC()},
		NodeType: "root", Resource: resource,
	}
	require.NoError(t, denormStore.UpsertEditNode(ctx, root))

	diff1 := denorm.EditNodeRow{
		Row:      denorm.Row{Did: "did:plc:alice", RKey: "diff1", CID: "c2", EventTime: time.Now().UTC()},
		NodeType: "diff", Resource: resource,
		PrevRef: &federation.StrongRef{URI: federation.URI{Did: "did:plc:alice", RKey: "root1"}, CID: "c1"},
	}
	require.NoError(t, denormStore.UpsertEditNode(ctx, diff1))

	nodes, err := dagStore.ListEditNodes(ctx, resource)
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	owner, err := dagStore.ResourceOwner(ctx, resource)
	require.NoError(t, err)
	require.Equal(t, "did:plc:alice", owner)

	resolver := editdag.NewResolver(dagStore, time.Minute)
	require.NoError(t, resolver.RefreshOnce(ctx))

	var headRKey string
	require.NoError(t, db.QueryRow(`
		SELECT head_rkey FROM edit_heads WHERE resource_did = ? AND resource_rkey = ?
	`, resource.Did, resource.RKey).Scan(&headRKey))
	require.Equal(t, "diff1", headRKey)

	var contributorCount int
	require.NoError(t, db.QueryRow(`
		SELECT COUNT(*) FROM contributors WHERE resource_did = ? AND resource_rkey = ?
	`, resource.Did, resource.RKey).Scan(&contributorCount))
	require.Equal(t, 1, contributorCount, "single-author resource has one contributor (the owner)")

	var permRole string
	require.NoError(t, db.QueryRow(`
		SELECT role FROM permissions WHERE resource_did = ? AND resource_rkey = ? AND principal_did = ?
	`, resource.Did, resource.RKey, "did:plc:alice").Scan(&permRole))
	require.Equal(t, "owner", permRole)
}

func TestEditDagStoreCollaboratorsRespectExpiry(t *testing.T) {
	db := NewTestDB(t)
	denormStore := NewDenormStore(db)
	dagStore := NewEditDagStore(db)
	ctx := context.Background()

	resource := federation.ResourceRef{Did: "did:plc:alice", Collection: federation.CollectionEntry, RKey: "e1"}

	invite := denorm.CollabInviteRow{
		Row: denorm.Row{Did: "did:plc:alice", RKey: "invite1", EventTime: time.Now().UTC()},
		Resource: resource, Invitee: "did:plc:bob", Scope: "edit",
		ExpiresAt: time.Now().UTC().Add(time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, denormStore.UpsertCollabInvite(ctx, invite))

	accept := denorm.CollabAcceptRow{
		Row:       denorm.Row{Did: "did:plc:bob", RKey: "accept1", EventTime: time.Now().UTC()},
		InviteDid: "did:plc:alice", InviteRKey: "invite1", Resource: resource,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, denormStore.UpsertCollabAccept(ctx, accept))

	collabs, err := dagStore.ListActiveCollaborators(ctx)
	require.NoError(t, err)
	require.Len(t, collabs, 1)
	require.Equal(t, "did:plc:bob", collabs[0].Did)
	require.Equal(t, "edit", collabs[0].Scope)

	expiredInvite := denorm.CollabInviteRow{
		Row:       denorm.Row{Did: "did:plc:alice", RKey: "invite2", EventTime: time.Now().UTC()},
		Resource:  resource, Invitee: "did:plc:carol", Scope: "edit",
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, denormStore.UpsertCollabInvite(ctx, expiredInvite))

	expiredAccept := denorm.CollabAcceptRow{
		Row:        denorm.Row{Did: "did:plc:carol", RKey: "accept2", EventTime: time.Now().UTC()},
		InviteDid:  "did:plc:alice", InviteRKey: "invite2", Resource: resource,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, denormStore.UpsertCollabAccept(ctx, expiredAccept))

	collabs, err = dagStore.ListActiveCollaborators(ctx)
	require.NoError(t, err)
	require.Len(t, collabs, 1, "expired invite must not surface as an active collaborator")
}
