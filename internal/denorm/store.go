// Package denorm implements the Denormalization Layer (spec §4.B): it
// turns raw record events into typed, queryable tables via incremental
// materialized views (one row write per insert, no base-state read) and
// periodic refreshable views (merged profiles, engagement counts).
package denorm

import (
	"context"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// Row is the shape shared by every incrementally-projected table: an
// identity, the event that produced it, and a soft-delete marker. Store
// implementations use EventTime/Rev to decide whether an incoming write
// supersedes what's already stored (spec §4.B "Ordering").
type Row struct {
	Did       string
	RKey      string
	CID       string
	Rev       federation.Rev
	EventTime time.Time
	DeletedAt *time.Time
}

// ProfileRow projects weaver.actor.profile.
type ProfileRow struct {
	Row
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
}

// CrossAppProfileRow projects the external app.bsky.actor.profile.
type CrossAppProfileRow struct {
	Row
	DisplayName string
	Description string
	AvatarCID   string
}

// NotebookRow projects weaver.notebook.book.
type NotebookRow struct {
	Row
	Title         string
	Path          string
	Tags          []string
	PublishGlobal bool
	AuthorDids    []string
	EntryURIs     []string
	FullRecord    []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// EntryRow projects weaver.notebook.entry.
type EntryRow struct {
	Row
	Title      string
	Path       string
	Tags       []string
	AuthorDids []string
	FullRecord []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DraftRow projects weaver.edit.draft.
type DraftRow struct {
	Row
	Title     string
	CreatedAt time.Time
}

// EditNodeRow projects weaver.edit.root / weaver.edit.diff.
type EditNodeRow struct {
	Row
	NodeType   string // "root" or "diff"
	Resource   federation.ResourceRef
	RootRef    *federation.StrongRef
	PrevRef    *federation.StrongRef
	HasInline  bool
	HasSnap    bool
	CreatedAt  time.Time
	// ValidationState flags a node the admission check in Sink refused to
	// treat as structurally sound — a cycle-closing diff or one whose
	// root disagrees with its prev's root (spec §4.C, §8). The row is
	// still stored so the raw picture stays complete, but editdag's
	// graph loader excludes anything other than ValidationOK from head
	// computation and canonical resolution.
	ValidationState federation.ValidationState
}

// CollabInviteRow projects weaver.collab.invite.
type CollabInviteRow struct {
	Row
	Resource  federation.ResourceRef
	Invitee   string
	Scope     string
	Message   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CollabAcceptRow projects weaver.collab.accept.
type CollabAcceptRow struct {
	Row
	InviteDid  string
	InviteRKey string
	Resource   federation.ResourceRef
	CreatedAt  time.Time
}

// CollabSessionRow projects weaver.collab.session.
type CollabSessionRow struct {
	Row
	Resource  federation.ResourceRef
	NodeID    string
	RelayURL  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// EngagementSubject is one recalled (subject, counter) pair for a
// feedback/graph record, used to emit the correct negative delta on
// delete.
type EngagementSubject struct {
	Subject federation.ResourceRef
	Counter string
}

// Store is the persistence surface the incremental and periodic views
// write through. Implementations must apply spec §4.B's ordering rule:
// an incoming row replaces the stored one only if its (event_time, rev)
// is greater, so a late-arriving stale event never regresses state.
type Store interface {
	UpsertProfile(ctx context.Context, row ProfileRow) error
	UpsertCrossAppProfile(ctx context.Context, row CrossAppProfileRow) error
	RefreshMergedProfiles(ctx context.Context) error

	UpsertNotebook(ctx context.Context, row NotebookRow) error
	UpsertEntry(ctx context.Context, row EntryRow) error
	ReplaceNotebookMembership(ctx context.Context, notebookDid, notebookRKey string, entryURIs []string) error
	UpsertDraft(ctx context.Context, row DraftRow) error

	UpsertEditNode(ctx context.Context, row EditNodeRow) error
	// ListEditNodesForResource returns the live edit nodes already
	// admitted for resource, regardless of ValidationState, so the
	// admission check can walk the existing chain before writing a new
	// node (spec §4.C, §8).
	ListEditNodesForResource(ctx context.Context, resource federation.ResourceRef) ([]EditNodeRow, error)
	UpsertCollabInvite(ctx context.Context, row CollabInviteRow) error
	UpsertCollabAccept(ctx context.Context, row CollabAcceptRow) error
	UpsertCollabSession(ctx context.Context, row CollabSessionRow) error

	// ApplyEngagementDelta records a signed increment for a counter on a
	// subject (spec §4.B "Counts"); RefreshEngagementCounts sums them.
	ApplyEngagementDelta(ctx context.Context, subject federation.ResourceRef, counter string, delta int, eventTime time.Time) error
	RefreshEngagementCounts(ctx context.Context) error

	// RememberEngagementSubject and ForgetEngagementSubject let a create
	// record's subject be recovered when its eventual delete tombstone
	// arrives without the original record body (spec §4.B, §3 invariant
	// 1: delete is a tombstone, carrying only the key).
	RememberEngagementSubject(ctx context.Context, did, rkey string, subject federation.ResourceRef, counter string) error
	RecallEngagementSubjects(ctx context.Context, did, rkey string) ([]EngagementSubject, error)
	ForgetEngagementSubjects(ctx context.Context, did, rkey string) error

	// RefreshHandleMappings recomputes the active mapping per spec §3
	// invariant 5: for any did, at most one row with freed = 0; a later
	// identity event flips earlier ones to freed.
	RefreshHandleMappings(ctx context.Context) error
	RecordIdentityEvent(ctx context.Context, evt federation.IdentityEvent) error
	RecordAccountStatus(ctx context.Context, evt federation.AccountEvent) error
}
