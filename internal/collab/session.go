package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaverproto/weaver-core/internal/crdt"
	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/p2p"
)

// PresenceState is the last-known cursor/selection of one remote
// participant, keyed by transport peer id so ordering survives a did
// being reused across devices (spec §5 "Presence messages from a
// single sender are observed in logical-timestamp order per receiver").
type PresenceState struct {
	Did             string
	DisplayName     string
	Position        uint64
	Selection       *[2]uint64
	LastLogicalTime uint64
	UpdatedAt       time.Time
}

// Session is one open collaboration session on a resource: a CRDT
// document, a joined gossip topic, and the presence state of every
// other participant observed on it (spec §4.D).
type Session struct {
	resource  federation.ResourceRef
	did       string
	doc       *crdt.Document
	transport TopicTransport
	publisher Publisher
	logger    *slog.Logger
	cancel    context.CancelFunc

	cursorClock atomic.Uint64

	mu              sync.Mutex
	presence        map[string]*PresenceState
	closed          bool
	rootRef         *federation.StrongRef
	lastRef         *federation.StrongRef
	publishedVector crdt.Version
}

// Resource returns the resource this session is editing.
func (s *Session) Resource() federation.ResourceRef { return s.resource }

// Text returns the document's current live text.
func (s *Session) Text() string { return s.doc.Text() }

// Presence returns a snapshot of every known participant's last cursor.
func (s *Session) Presence() map[string]PresenceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]PresenceState, len(s.presence))
	for peer, st := range s.presence {
		out[peer] = *st
	}
	return out
}

// Insert applies a local character insertion and broadcasts it (spec
// §4.D step 5).
func (s *Session) Insert(ctx context.Context, after crdt.ID, ch rune) error {
	op, err := s.doc.LocalInsert(after, ch)
	if err != nil {
		return fmt.Errorf("collab: local insert: %w", err)
	}
	return s.broadcastUpdate(ctx, op)
}

// Delete tombstones a character and broadcasts it.
func (s *Session) Delete(ctx context.Context, target crdt.ID) error {
	op, err := s.doc.LocalDelete(target)
	if err != nil {
		return fmt.Errorf("collab: local delete: %w", err)
	}
	return s.broadcastUpdate(ctx, op)
}

// requestFullSync asks the topic for a full document export (spec §4.D
// "Convergence"), used when an inbound update referenced an element this
// peer hasn't seen yet.
func (s *Session) requestFullSync(ctx context.Context) error {
	payload, err := json.Marshal(p2p.SnapshotRequestPayload{SenderID: s.did})
	if err != nil {
		return fmt.Errorf("collab: marshal snapshot request: %w", err)
	}
	return s.transport.Publish(ctx, p2p.Message{Kind: p2p.KindSnapshotRequest, Payload: payload})
}

func anyMissingDependency(errs []error) bool {
	for _, err := range errs {
		var missing *crdt.MissingDependencyError
		if errors.As(err, &missing) {
			return true
		}
	}
	return false
}

func (s *Session) broadcastUpdate(ctx context.Context, op crdt.Op) error {
	data, err := json.Marshal([]crdt.Op{op})
	if err != nil {
		return fmt.Errorf("collab: marshal update: %w", err)
	}
	payload, err := json.Marshal(p2p.UpdatePayload{Data: data})
	if err != nil {
		return fmt.Errorf("collab: marshal update payload: %w", err)
	}
	return s.transport.Publish(ctx, p2p.Message{Kind: p2p.KindUpdate, Payload: payload})
}

// BroadcastCursor announces this peer's current cursor/selection (spec
// §4.D "Cursor"). LogicalTime is a per-session monotonic counter, not
// wall-clock time, so receivers can order a sender's own messages
// without relying on clock synchronization.
func (s *Session) BroadcastCursor(ctx context.Context, position uint64, selection *[2]uint64) error {
	payload, err := json.Marshal(p2p.CursorPayload{
		SenderID:    s.did,
		Position:    position,
		Selection:   selection,
		LogicalTime: s.cursorClock.Add(1),
	})
	if err != nil {
		return fmt.Errorf("collab: marshal cursor payload: %w", err)
	}
	return s.transport.Publish(ctx, p2p.Message{Kind: p2p.KindCursor, Payload: payload})
}

// Publish persists the document's current state back through the
// federation write path (spec §4.D "Persistence"): the first call
// writes a full snapshot as an edit.root record, every subsequent call
// writes only the delta since the last publish as an edit.diff record
// chained off it.
func (s *Session) Publish(ctx context.Context, resource federation.ResourceRef) (federation.StrongRef, error) {
	s.mu.Lock()
	rootRef := s.rootRef
	lastRef := s.lastRef
	since := s.publishedVector
	s.mu.Unlock()

	if rootRef == nil {
		snapshot, err := json.Marshal(s.doc.Snapshot())
		if err != nil {
			return federation.StrongRef{}, fmt.Errorf("collab: marshal snapshot: %w", err)
		}
		ref, err := s.publisher.PublishEditRoot(ctx, resource, snapshot)
		if err != nil {
			return federation.StrongRef{}, fmt.Errorf("collab: publish edit root: %w", err)
		}
		s.mu.Lock()
		s.rootRef = &ref
		s.lastRef = &ref
		s.publishedVector = s.doc.Version()
		s.mu.Unlock()
		return ref, nil
	}

	delta := s.doc.ExportUpdatesSince(since)
	diffBytes, err := json.Marshal(delta)
	if err != nil {
		return federation.StrongRef{}, fmt.Errorf("collab: marshal diff: %w", err)
	}
	ref, err := s.publisher.PublishEditDiff(ctx, resource, *rootRef, *lastRef, diffBytes)
	if err != nil {
		return federation.StrongRef{}, fmt.Errorf("collab: publish edit diff: %w", err)
	}
	s.mu.Lock()
	s.lastRef = &ref
	s.publishedVector = s.doc.Version()
	s.mu.Unlock()
	return ref, nil
}

// receiveLoop dispatches inbound gossip messages until ctx is canceled
// (spec §4.D steps 4-6), the single task that owns this Document per
// spec §5.
func (s *Session) receiveLoop(ctx context.Context) {
	for {
		received, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("collab: receive failed", "resource", s.resource.URI(), "error", err)
			return
		}
		s.dispatch(ctx, received)
	}
}

func (s *Session) dispatch(ctx context.Context, received p2p.Received) {
	switch received.Message.Kind {
	case p2p.KindJoin:
		var join p2p.JoinPayload
		if err := json.Unmarshal(received.Message.Payload, &join); err != nil {
			s.logger.Warn("collab: malformed join payload", "from", received.FromPeer, "error", err)
			return
		}
		s.mu.Lock()
		s.presence[received.FromPeer] = &PresenceState{Did: join.Did, DisplayName: join.DisplayName, UpdatedAt: time.Now().UTC()}
		s.mu.Unlock()

	case p2p.KindUpdate:
		var payload p2p.UpdatePayload
		if err := json.Unmarshal(received.Message.Payload, &payload); err != nil {
			s.logger.Warn("collab: malformed update payload", "from", received.FromPeer, "error", err)
			return
		}
		var ops []crdt.Op
		if err := json.Unmarshal(payload.Data, &ops); err != nil {
			s.logger.Warn("collab: malformed update ops", "from", received.FromPeer, "error", err)
			return
		}
		if errs := s.doc.ImportUpdates(ops); len(errs) > 0 {
			s.logger.Warn("collab: some update ops buffered or rejected", "from", received.FromPeer, "count", len(errs))
			if anyMissingDependency(errs) {
				if err := s.requestFullSync(ctx); err != nil {
					s.logger.Warn("collab: request full sync failed", "resource", s.resource.URI(), "error", err)
				}
			}
		}

	case p2p.KindSnapshotRequest:
		var req p2p.SnapshotRequestPayload
		if err := json.Unmarshal(received.Message.Payload, &req); err != nil {
			s.logger.Warn("collab: malformed snapshot request", "from", received.FromPeer, "error", err)
			return
		}
		data, err := json.Marshal(s.doc.Snapshot())
		if err != nil {
			s.logger.Warn("collab: marshal snapshot for full sync failed", "error", err)
			return
		}
		respPayload, err := json.Marshal(p2p.SnapshotResponsePayload{Data: data})
		if err != nil {
			s.logger.Warn("collab: marshal snapshot response failed", "error", err)
			return
		}
		if err := s.transport.Publish(ctx, p2p.Message{Kind: p2p.KindSnapshotResponse, Payload: respPayload}); err != nil {
			s.logger.Warn("collab: publish snapshot response failed", "resource", s.resource.URI(), "error", err)
		}

	case p2p.KindSnapshotResponse:
		var payload p2p.SnapshotResponsePayload
		if err := json.Unmarshal(received.Message.Payload, &payload); err != nil {
			s.logger.Warn("collab: malformed snapshot response", "from", received.FromPeer, "error", err)
			return
		}
		var ops []crdt.Op
		if err := json.Unmarshal(payload.Data, &ops); err != nil {
			s.logger.Warn("collab: malformed snapshot response ops", "from", received.FromPeer, "error", err)
			return
		}
		if errs := s.doc.ImportUpdates(ops); len(errs) > 0 {
			s.logger.Warn("collab: some ops from full sync still unresolved", "from", received.FromPeer, "count", len(errs))
		}

	case p2p.KindCursor:
		var cursor p2p.CursorPayload
		if err := json.Unmarshal(received.Message.Payload, &cursor); err != nil {
			s.logger.Warn("collab: malformed cursor payload", "from", received.FromPeer, "error", err)
			return
		}
		s.mu.Lock()
		existing, ok := s.presence[received.FromPeer]
		if ok && cursor.LogicalTime <= existing.LastLogicalTime {
			// Stale relative to a message already observed from this
			// sender; drop rather than reorder (spec §5).
			s.mu.Unlock()
			return
		}
		if !ok {
			existing = &PresenceState{Did: cursor.SenderID}
			s.presence[received.FromPeer] = existing
		}
		existing.Position = cursor.Position
		existing.Selection = cursor.Selection
		existing.LastLogicalTime = cursor.LogicalTime
		existing.UpdatedAt = time.Now().UTC()
		s.mu.Unlock()

	case p2p.KindLeave:
		var leave p2p.LeavePayload
		if err := json.Unmarshal(received.Message.Payload, &leave); err != nil {
			s.logger.Warn("collab: malformed leave payload", "from", received.FromPeer, "error", err)
			return
		}
		s.mu.Lock()
		delete(s.presence, received.FromPeer)
		s.mu.Unlock()

	default:
		s.logger.Warn("collab: unknown message kind", "from", received.FromPeer, "kind", received.Message.Kind)
	}
}

// publishLoop periodically persists the document's converged state back
// through the federation write path (spec §4.D "Persistence", driven by
// config's snapshot_every interval) until ctx is canceled.
func (s *Session) publishLoop(ctx context.Context, resource federation.ResourceRef, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Publish(ctx, resource); err != nil {
				s.logger.Warn("collab: periodic publish failed", "resource", resource.URI(), "error", err)
			}
		}
	}
}

// close announces a graceful Leave, retracts the session record, and
// tears down the topic (spec §4.D step 7).
func (s *Session) close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	leavePayload, _ := json.Marshal(p2p.LeavePayload{Did: s.did})
	if err := s.transport.Publish(ctx, p2p.Message{Kind: p2p.KindLeave, Payload: leavePayload}); err != nil {
		s.logger.Warn("collab: announce leave failed", "resource", s.resource.URI(), "error", err)
	}

	if err := s.publisher.RetractSession(ctx, s.resource); err != nil {
		s.logger.Warn("collab: retract session record failed", "resource", s.resource.URI(), "error", err)
	}

	s.cancel()
	return s.transport.Close()
}
