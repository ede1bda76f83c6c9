package shard

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// CollabAdapter implements collab.Publisher and collab.Discovery
// against the hot-tier shard router. Publishing a federation-protocol
// record for real is out of scope (spec "federation-protocol
// signing/repository layout details beyond what the ingester consumes"
// is a Non-goal); this core is both writer and reader of its own
// shard, which plays the role the original's PDS write path would.
type CollabAdapter struct {
	router *Router
	sessionTTL time.Duration
}

// NewCollabAdapter builds a CollabAdapter. sessionTTL is stored on the
// adapter but not read by its methods; PublishSession writes the
// expiresAt its caller passes.
func NewCollabAdapter(router *Router, sessionTTL time.Duration) *CollabAdapter {
	return &CollabAdapter{router: router, sessionTTL: sessionTTL}
}

// PublishSession writes the resource's collab session record (spec
// §4.D step 3).
func (a *CollabAdapter) PublishSession(ctx context.Context, resource federation.ResourceRef, nodeID, relayURL string, expiresAt time.Time) error {
	sh, err := a.router.Open(ctx, resource)
	if err != nil {
		return fmt.Errorf("shard: open for publish session: %w", err)
	}
	now := time.Now().UTC()
	return sh.UpsertSession(ctx, Session{
		NodeID:      nodeID,
		OwnerDid:    resource.Did,
		RelayURL:    relayURL,
		CreatedAt:   now,
		ExpiresAt:   &expiresAt,
		RefreshedAt: now,
	})
}

// RetractSession removes the resource's collab session record (spec
// §5 Cancellation "deleting the session record").
func (a *CollabAdapter) RetractSession(ctx context.Context, resource federation.ResourceRef) error {
	sh, err := a.router.Open(ctx, resource)
	if err != nil {
		return fmt.Errorf("shard: open for retract session: %w", err)
	}
	sessions, err := sh.ActiveSessions(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("shard: list sessions for retract: %w", err)
	}
	for _, sess := range sessions {
		if sess.OwnerDid != resource.Did {
			continue
		}
		if err := sh.DeleteSession(ctx, sess.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// ActiveSessions implements collab.Discovery over the shard's session
// cache (spec §4.D step 4 "discover peers... query the hot tier").
func (a *CollabAdapter) ActiveSessions(ctx context.Context, resource federation.ResourceRef) ([]federation.CollabSessionRecord, error) {
	sh, err := a.router.Open(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("shard: open for active sessions: %w", err)
	}
	sessions, err := sh.ActiveSessions(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("shard: list active sessions: %w", err)
	}
	out := make([]federation.CollabSessionRecord, 0, len(sessions))
	for _, sess := range sessions {
		var expiresAt time.Time
		if sess.ExpiresAt != nil {
			expiresAt = *sess.ExpiresAt
		}
		out = append(out, federation.CollabSessionRecord{
			Resource:  federation.StrongRef{URI: resource.URI()},
			NodeID:    sess.NodeID,
			RelayURL:  sess.RelayURL,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: expiresAt,
		})
	}
	return out, nil
}

// PublishEditRoot mirrors a new snapshot anchor into the shard's
// edit-graph mirror (spec §4.D step 6 "first publish... edit.root").
func (a *CollabAdapter) PublishEditRoot(ctx context.Context, resource federation.ResourceRef, snapshot []byte) (federation.StrongRef, error) {
	sh, err := a.router.Open(ctx, resource)
	if err != nil {
		return federation.StrongRef{}, fmt.Errorf("shard: open for publish root: %w", err)
	}
	rkey := uuid.NewString()
	cid := contentID(snapshot)
	now := time.Now().UTC()
	node := EditNode{
		Did:         resource.Did,
		RKey:        rkey,
		CID:         cid,
		Rev:         federation.NewRev(),
		NodeType:    "root",
		HasSnapshot: true,
		CreatedAt:   now,
		EventTime:   now,
	}
	if err := sh.UpsertEditNode(ctx, node); err != nil {
		return federation.StrongRef{}, err
	}
	return federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditRoot, RKey: rkey}, CID: cid}, nil
}

// PublishEditDiff mirrors an incremental diff into the shard's
// edit-graph mirror (spec §4.D step 6 "subsequent... edit.diff").
func (a *CollabAdapter) PublishEditDiff(ctx context.Context, resource federation.ResourceRef, root, prev federation.StrongRef, inlineDiff []byte) (federation.StrongRef, error) {
	sh, err := a.router.Open(ctx, resource)
	if err != nil {
		return federation.StrongRef{}, fmt.Errorf("shard: open for publish diff: %w", err)
	}
	rkey := uuid.NewString()
	cid := contentID(inlineDiff)
	now := time.Now().UTC()
	node := EditNode{
		Did:           resource.Did,
		RKey:          rkey,
		CID:           cid,
		Rev:           federation.NewRev(),
		NodeType:      "diff",
		Root:          &root,
		Prev:          &prev,
		HasInlineDiff: len(inlineDiff) > 0,
		CreatedAt:     now,
		EventTime:     now,
	}
	if err := sh.UpsertEditNode(ctx, node); err != nil {
		return federation.StrongRef{}, err
	}
	return federation.StrongRef{URI: federation.URI{Did: resource.Did, Collection: federation.CollectionEditDiff, RKey: rkey}, CID: cid}, nil
}

func contentID(payload []byte) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, payload).String()
}
