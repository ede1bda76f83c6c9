package denorm

import (
	"encoding/json"
	"fmt"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// baseRow builds the common Row fields shared by every projection,
// including the tombstone for delete ops.
func baseRow(evt federation.RecordEvent) Row {
	r := Row{
		Did:       evt.Did,
		RKey:      evt.RKey,
		CID:       evt.CID,
		Rev:       evt.Rev,
		EventTime: evt.EventTime,
	}
	if evt.Op == federation.OpDelete {
		t := evt.EventTime
		r.DeletedAt = &t
	}
	return r
}

func projectProfile(evt federation.RecordEvent) (ProfileRow, error) {
	row := ProfileRow{Row: baseRow(evt)}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.ProfileRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return ProfileRow{}, fmt.Errorf("project profile: %w", err)
	}
	row.DisplayName = rec.DisplayName
	row.Description = rec.Description
	if rec.Avatar != nil {
		row.AvatarCID = rec.Avatar.Link
	}
	if rec.Banner != nil {
		row.BannerCID = rec.Banner.Link
	}
	return row, nil
}

func projectCrossAppProfile(evt federation.RecordEvent) (CrossAppProfileRow, error) {
	row := CrossAppProfileRow{Row: baseRow(evt)}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.CrossAppProfileRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return CrossAppProfileRow{}, fmt.Errorf("project cross-app profile: %w", err)
	}
	row.DisplayName = rec.DisplayName
	row.Description = rec.Description
	if rec.Avatar != nil {
		row.AvatarCID = rec.Avatar.Link
	}
	return row, nil
}

func projectNotebook(evt federation.RecordEvent) (NotebookRow, error) {
	row := NotebookRow{Row: baseRow(evt), CreatedAt: evt.EventTime, UpdatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.NotebookRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return NotebookRow{}, fmt.Errorf("project notebook: %w", err)
	}
	row.Title = rec.Title
	row.Path = rec.Path
	row.Tags = rec.Tags
	row.PublishGlobal = rec.PublishGlobal
	row.AuthorDids = rec.AuthorDids
	row.EntryURIs = rec.EntryURIs
	row.FullRecord = evt.RecordJSON
	if len(row.AuthorDids) == 0 {
		row.AuthorDids = []string{evt.Did}
	}
	return row, nil
}

func projectEntry(evt federation.RecordEvent) (EntryRow, error) {
	row := EntryRow{Row: baseRow(evt), CreatedAt: evt.EventTime, UpdatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.EntryRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return EntryRow{}, fmt.Errorf("project entry: %w", err)
	}
	row.Title = rec.Title
	row.Path = rec.Path
	row.Tags = rec.Tags
	row.AuthorDids = rec.AuthorDids
	row.FullRecord = evt.RecordJSON
	if len(row.AuthorDids) == 0 {
		row.AuthorDids = []string{evt.Did}
	}
	return row, nil
}

func projectDraft(evt federation.RecordEvent) (DraftRow, error) {
	row := DraftRow{Row: baseRow(evt), CreatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.EditDraftRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return DraftRow{}, fmt.Errorf("project draft: %w", err)
	}
	row.Title = rec.Title
	if !rec.CreatedAt.IsZero() {
		row.CreatedAt = rec.CreatedAt
	}
	return row, nil
}

// projectEditNode handles both weaver.edit.root and weaver.edit.diff,
// since both resolve to one edit_nodes row shape (spec §3 "Edit node").
func projectEditNode(evt federation.RecordEvent) (EditNodeRow, error) {
	row := EditNodeRow{Row: baseRow(evt), CreatedAt: evt.EventTime, ValidationState: federation.ValidationOK}
	if evt.Op == federation.OpDelete {
		return row, nil
	}

	switch evt.Collection {
	case federation.CollectionEditRoot:
		var rec federation.EditRootRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return EditNodeRow{}, fmt.Errorf("project edit root: %w", err)
		}
		row.NodeType = "root"
		row.HasSnap = true
		if rec.Doc.Resource != nil {
			row.Resource = *rec.Doc.Resource
		}
		if !rec.CreatedAt.IsZero() {
			row.CreatedAt = rec.CreatedAt
		}
		root := federation.StrongRef{URI: federation.URI{Did: evt.Did, Collection: evt.Collection, RKey: evt.RKey}, CID: evt.CID}
		row.RootRef = &root

	case federation.CollectionEditDiff:
		var rec federation.EditDiffRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return EditNodeRow{}, fmt.Errorf("project edit diff: %w", err)
		}
		row.NodeType = "diff"
		row.RootRef = &rec.Root
		if rec.Prev != nil {
			row.PrevRef = rec.Prev
		}
		row.HasInline = len(rec.InlineDiff) > 0
		row.HasSnap = rec.Snapshot != nil
		if rec.Doc.Resource != nil {
			row.Resource = *rec.Doc.Resource
		}
		if !rec.CreatedAt.IsZero() {
			row.CreatedAt = rec.CreatedAt
		}

	default:
		return EditNodeRow{}, fmt.Errorf("project edit node: unexpected collection %q", evt.Collection)
	}

	return row, nil
}

func projectCollabInvite(evt federation.RecordEvent) (CollabInviteRow, error) {
	row := CollabInviteRow{Row: baseRow(evt), CreatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.CollabInviteRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return CollabInviteRow{}, fmt.Errorf("project collab invite: %w", err)
	}
	row.Resource = federation.ResourceRef{Did: rec.Resource.URI.Did, Collection: rec.Resource.URI.Collection, RKey: rec.Resource.URI.RKey}
	row.Invitee = rec.Invitee
	row.Scope = rec.Scope
	row.Message = rec.Message
	row.ExpiresAt = rec.ExpiresAt
	if !rec.CreatedAt.IsZero() {
		row.CreatedAt = rec.CreatedAt
	}
	return row, nil
}

func projectCollabAccept(evt federation.RecordEvent) (CollabAcceptRow, error) {
	row := CollabAcceptRow{Row: baseRow(evt), CreatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.CollabAcceptRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return CollabAcceptRow{}, fmt.Errorf("project collab accept: %w", err)
	}
	row.InviteDid = rec.Invite.URI.Did
	row.InviteRKey = rec.Invite.URI.RKey
	row.Resource = federation.ResourceRef{Did: rec.Resource.Did, Collection: rec.Resource.Collection, RKey: rec.Resource.RKey}
	if !rec.CreatedAt.IsZero() {
		row.CreatedAt = rec.CreatedAt
	}
	return row, nil
}

func projectCollabSession(evt federation.RecordEvent) (CollabSessionRow, error) {
	row := CollabSessionRow{Row: baseRow(evt), CreatedAt: evt.EventTime}
	if evt.Op == federation.OpDelete {
		return row, nil
	}
	var rec federation.CollabSessionRecord
	if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
		return CollabSessionRow{}, fmt.Errorf("project collab session: %w", err)
	}
	row.Resource = federation.ResourceRef{Did: rec.Resource.URI.Did, Collection: rec.Resource.URI.Collection, RKey: rec.Resource.URI.RKey}
	row.NodeID = rec.NodeID
	row.RelayURL = rec.RelayURL
	if !rec.CreatedAt.IsZero() {
		row.CreatedAt = rec.CreatedAt
	}
	row.ExpiresAt = rec.ExpiresAt
	return row, nil
}

// engagementDelta is one (subject, counter) pair a create contributes to
// engagement_deltas (spec §4.B "Counts").
type engagementDelta struct {
	Subject federation.ResourceRef
	Counter string
}

func profileOf(did string) federation.ResourceRef {
	return federation.ResourceRef{Did: did, Collection: federation.CollectionProfile, RKey: "self"}
}

// engagementDeltasOnCreate derives the (subject, counter) pairs a create
// event contributes. The corresponding delete-time decrement is recalled
// from what was remembered here, since a delete tombstone carries no
// record body (spec §3 invariant 1).
func engagementDeltasOnCreate(evt federation.RecordEvent) ([]engagementDelta, error) {
	switch evt.Collection {
	case federation.CollectionLike:
		var rec federation.LikeRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return nil, fmt.Errorf("project like: %w", err)
		}
		subj := federation.ResourceRef{Did: rec.Subject.URI.Did, Collection: rec.Subject.URI.Collection, RKey: rec.Subject.URI.RKey}
		return []engagementDelta{{Subject: subj, Counter: federation.CounterLike}}, nil

	case federation.CollectionBookmark:
		var rec federation.BookmarkRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return nil, fmt.Errorf("project bookmark: %w", err)
		}
		subj := federation.ResourceRef{Did: rec.Subject.URI.Did, Collection: rec.Subject.URI.Collection, RKey: rec.Subject.URI.RKey}
		return []engagementDelta{{Subject: subj, Counter: federation.CounterBookmark}}, nil

	case federation.CollectionSubscription:
		var rec federation.SubscriptionRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return nil, fmt.Errorf("project subscription: %w", err)
		}
		subj := federation.ResourceRef{Did: rec.Subject.URI.Did, Collection: rec.Subject.URI.Collection, RKey: rec.Subject.URI.RKey}
		return []engagementDelta{{Subject: subj, Counter: federation.CounterSubscription}}, nil

	case federation.CollectionFollow:
		var rec federation.FollowRecord
		if err := json.Unmarshal(evt.RecordJSON, &rec); err != nil {
			return nil, fmt.Errorf("project follow: %w", err)
		}
		return []engagementDelta{
			{Subject: profileOf(rec.Subject), Counter: federation.CounterFollower},
			{Subject: profileOf(evt.Did), Counter: federation.CounterFollowing},
		}, nil

	case federation.CollectionNotebook:
		return []engagementDelta{{Subject: profileOf(evt.Did), Counter: federation.CounterNotebook}}, nil

	case federation.CollectionEntry:
		return []engagementDelta{{Subject: profileOf(evt.Did), Counter: federation.CounterEntry}}, nil

	default:
		return nil, nil
	}
}

// engagementTracked reports whether a collection's create/delete
// lifecycle drives an engagement counter at all, independent of op.
func engagementTracked(collection string) bool {
	switch collection {
	case federation.CollectionLike, federation.CollectionBookmark, federation.CollectionSubscription,
		federation.CollectionFollow, federation.CollectionNotebook, federation.CollectionEntry:
		return true
	default:
		return false
	}
}
