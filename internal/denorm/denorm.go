package denorm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaverproto/weaver-core/internal/editdag"
	"github.com/weaverproto/weaver-core/internal/federation"
)

// Sink implements ingest.Sink, translating raw record/identity/account
// events into the typed tables (spec §4.B "incremental" discipline).
// Periodic refreshes (merged profiles, engagement counts, handle
// mappings) are driven separately by Refresher.
type Sink struct {
	store  Store
	logger *slog.Logger
}

// New builds a Sink over store.
func New(store Store, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

// OnRecordEvent projects one record event into its typed table, per
// spec §4.B's collection → table mapping. Unrecognized collections are
// ignored rather than treated as an error: the raw tier already has the
// durable copy, and not every collection in the federation namespace is
// in this core's scope.
func (s *Sink) OnRecordEvent(ctx context.Context, evt federation.RecordEvent) error {
	switch evt.Collection {
	case federation.CollectionProfile:
		row, err := projectProfile(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertProfile(ctx, row)

	case federation.CollectionCrossAppProfile:
		row, err := projectCrossAppProfile(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertCrossAppProfile(ctx, row)

	case federation.CollectionNotebook:
		row, err := projectNotebook(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		if err := s.store.UpsertNotebook(ctx, row); err != nil {
			return err
		}
		if evt.Op != federation.OpDelete {
			if err := s.store.ReplaceNotebookMembership(ctx, evt.Did, evt.RKey, row.EntryURIs); err != nil {
				return err
			}
		}
		return s.applyEngagement(ctx, evt)

	case federation.CollectionEntry:
		row, err := projectEntry(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		if err := s.store.UpsertEntry(ctx, row); err != nil {
			return err
		}
		return s.applyEngagement(ctx, evt)

	case federation.CollectionEditDraft:
		row, err := projectDraft(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertDraft(ctx, row)

	case federation.CollectionEditRoot, federation.CollectionEditDiff:
		row, err := projectEditNode(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		if evt.Op != federation.OpDelete {
			row.ValidationState = s.classifyEditNode(ctx, row)
		}
		return s.store.UpsertEditNode(ctx, row)

	case federation.CollectionCollabInvite:
		row, err := projectCollabInvite(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertCollabInvite(ctx, row)

	case federation.CollectionCollabAccept:
		row, err := projectCollabAccept(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertCollabAccept(ctx, row)

	case federation.CollectionCollabSession:
		row, err := projectCollabSession(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		return s.store.UpsertCollabSession(ctx, row)

	case federation.CollectionLike, federation.CollectionBookmark, federation.CollectionSubscription, federation.CollectionFollow:
		return s.applyEngagement(ctx, evt)

	default:
		return nil
	}
}

// applyEngagement handles the signed-increment side of a create/delete
// on a counted collection (spec §4.B "Counts"). Create derives the
// (subject, counter) pairs and remembers them; delete recalls what was
// remembered since the tombstone carries no body.
func (s *Sink) applyEngagement(ctx context.Context, evt federation.RecordEvent) error {
	if !engagementTracked(evt.Collection) {
		return nil
	}

	switch evt.Op {
	case federation.OpCreate:
		deltas, err := engagementDeltasOnCreate(evt)
		if err != nil {
			return s.warn(evt, err)
		}
		for _, d := range deltas {
			if err := s.store.ApplyEngagementDelta(ctx, d.Subject, d.Counter, 1, evt.EventTime); err != nil {
				return err
			}
			if err := s.store.RememberEngagementSubject(ctx, evt.Did, evt.RKey, d.Subject, d.Counter); err != nil {
				return err
			}
		}
		return nil

	case federation.OpDelete:
		subjects, err := s.store.RecallEngagementSubjects(ctx, evt.Did, evt.RKey)
		if err != nil {
			return err
		}
		for _, sub := range subjects {
			if err := s.store.ApplyEngagementDelta(ctx, sub.Subject, sub.Counter, -1, evt.EventTime); err != nil {
				return err
			}
		}
		return s.store.ForgetEngagementSubjects(ctx, evt.Did, evt.RKey)

	default:
		return nil
	}
}

// classifyEditNode checks a newly-projected root/diff node against the
// resource's already-admitted nodes before it's written. A root never
// names a prev so it's always admissible; a diff is refused (flagged,
// not dropped) if it would close a cycle (spec §4.C "A cycle MUST NOT
// exist by construction") or if its root disagrees with the root of the
// node its prev names (spec §8 "A diff whose root differs from its
// prev.root is rejected by the graph loader"). Flagging rather than
// dropping mirrors how a revision gap is handled in internal/ingest: the
// row is kept for the raw picture, and editdag's graph loader is what
// excludes it from head computation.
func (s *Sink) classifyEditNode(ctx context.Context, row EditNodeRow) federation.ValidationState {
	if row.NodeType != "diff" || row.PrevRef == nil {
		return federation.ValidationOK
	}

	existing, err := s.store.ListEditNodesForResource(ctx, row.Resource)
	if err != nil {
		s.logger.Warn("denorm: failed to list edit nodes for admission check", "resource", row.Resource.URI(), "error", err)
		return federation.ValidationOK
	}

	nodes := make([]editdag.Node, 0, len(existing))
	for _, n := range existing {
		nodes = append(nodes, toEditDagNode(n))
	}

	if row.RootRef != nil {
		if prev, ok := findEditDagNode(nodes, row.PrevRef.URI.Did, row.PrevRef.URI.RKey); ok && prev.Root != nil {
			if prev.Root.URI.Did != row.RootRef.URI.Did || prev.Root.URI.RKey != row.RootRef.URI.RKey {
				s.logger.Warn("denorm: diff root disagrees with prev.root", "did", row.Did, "rkey", row.RKey)
				return federation.ValidationInvalidRoot
			}
		}
	}

	if editdag.WouldCreateCycle(row.Did, row.RKey, *row.PrevRef, nodes) {
		s.logger.Warn("denorm: admitting diff would create a cycle", "did", row.Did, "rkey", row.RKey)
		return federation.ValidationInvalidCycle
	}

	return federation.ValidationOK
}

func toEditDagNode(row EditNodeRow) editdag.Node {
	return editdag.Node{
		Did:       row.Did,
		RKey:      row.RKey,
		CID:       row.CID,
		Rev:       row.Rev,
		NodeType:  row.NodeType,
		Resource:  row.Resource,
		Root:      row.RootRef,
		Prev:      row.PrevRef,
		HasInline: row.HasInline,
		HasSnap:   row.HasSnap,
		CreatedAt: row.CreatedAt,
		EventTime: row.EventTime,
	}
}

func findEditDagNode(nodes []editdag.Node, did, rkey string) (editdag.Node, bool) {
	for _, n := range nodes {
		if n.Did == did && n.RKey == rkey {
			return n, true
		}
	}
	return editdag.Node{}, false
}

func (s *Sink) warn(evt federation.RecordEvent, err error) error {
	s.logger.Warn("denorm: failed to project record", "collection", evt.Collection, "did", evt.Did, "rkey", evt.RKey, "error", err)
	return fmt.Errorf("denorm: project %s: %w", evt.Collection, err)
}

func (s *Sink) OnIdentityEvent(ctx context.Context, evt federation.IdentityEvent) error {
	return s.store.RecordIdentityEvent(ctx, evt)
}

func (s *Sink) OnAccountEvent(ctx context.Context, evt federation.AccountEvent) error {
	return s.store.RecordAccountStatus(ctx, evt)
}
