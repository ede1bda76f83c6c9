package shard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/config"
)

func TestCollabAdapterPublishAndDiscoverSession(t *testing.T) {
	router := New(config.ShardConfig{BaseDir: t.TempDir(), IdleTimeout: time.Minute}, nil)
	defer router.Close()
	adapter := NewCollabAdapter(router, 2*time.Minute)

	ctx := context.Background()
	resource := testResource()
	expiresAt := time.Now().Add(2 * time.Minute).UTC()

	require.NoError(t, adapter.PublishSession(ctx, resource, "node-1", "/ip4/127.0.0.1/tcp/4000", expiresAt))

	sessions, err := adapter.ActiveSessions(ctx, resource)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "node-1", sessions[0].NodeID)

	require.NoError(t, adapter.RetractSession(ctx, resource))
	sessions, err = adapter.ActiveSessions(ctx, resource)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestCollabAdapterPublishRootThenDiff(t *testing.T) {
	router := New(config.ShardConfig{BaseDir: t.TempDir(), IdleTimeout: time.Minute}, nil)
	defer router.Close()
	adapter := NewCollabAdapter(router, 2*time.Minute)

	ctx := context.Background()
	resource := testResource()

	rootRef, err := adapter.PublishEditRoot(ctx, resource, []byte("snapshot-bytes"))
	require.NoError(t, err)
	require.Equal(t, "weaver.edit.root", rootRef.URI.Collection)

	diffRef, err := adapter.PublishEditDiff(ctx, resource, rootRef, rootRef, []byte("diff-bytes"))
	require.NoError(t, err)
	require.Equal(t, "weaver.edit.diff", diffRef.URI.Collection)

	sh, err := router.Open(ctx, resource)
	require.NoError(t, err)
	nodes, err := sh.EditNodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
}
