package federation

import "time"

// The types below mirror the named collections of spec §6. They are the
// decoded shape of RecordEvent.RecordJSON for each collection; the
// denormalization layer type-switches on Collection and unmarshals into
// the matching struct.

// ProfileRecord is "{platform}.actor.profile".
type ProfileRecord struct {
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
	Banner      *BlobRef `json:"banner,omitempty"`
}

// CrossAppProfileRecord is the external "{social-app}.actor.profile" used
// by the merged-profile view with lower priority than ProfileRecord.
type CrossAppProfileRecord struct {
	DisplayName string   `json:"displayName"`
	Description string   `json:"description"`
	Avatar      *BlobRef `json:"avatar,omitempty"`
}

// NotebookRecord is "{platform}.notebook.book".
type NotebookRecord struct {
	Title         string   `json:"title"`
	Path          string   `json:"path"`
	Tags          []string `json:"tags,omitempty"`
	PublishGlobal bool     `json:"publishGlobal"`
	AuthorDids    []string `json:"authorDids,omitempty"`
	EntryURIs     []string `json:"entryUris,omitempty"`
}

// EntryRecord is "{platform}.notebook.entry".
type EntryRecord struct {
	Title      string      `json:"title"`
	Path       string      `json:"path"`
	Content    string      `json:"content"`
	AuthorDids []string    `json:"authorDids,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Embeds     []StrongRef `json:"embeds,omitempty"`
}

// EditDocRef is the polymorphic "doc" field on edit.root/edit.diff: either
// a resource strong-reference or a draft key, per spec §6.
type EditDocRef struct {
	Resource *ResourceRef `json:"resource,omitempty"`
	DraftKey *string      `json:"draftKey,omitempty"`
}

// EditRootRecord is "{platform}.edit.root": a full snapshot anchor.
type EditRootRecord struct {
	Doc       EditDocRef `json:"doc"`
	Snapshot  BlobRef    `json:"snapshot"`
	CreatedAt time.Time  `json:"createdAt"`
}

// EditDiffRecord is "{platform}.edit.diff": a delta relative to prev.
type EditDiffRecord struct {
	Root       StrongRef  `json:"root"`
	Prev       *StrongRef `json:"prev,omitempty"`
	InlineDiff []byte     `json:"inlineDiff,omitempty"`
	Snapshot   *BlobRef   `json:"snapshot,omitempty"`
	Doc        EditDocRef `json:"doc"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// EditDraftRecord is "{platform}.edit.draft": an unpublished-content stub.
type EditDraftRecord struct {
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// CollabInviteRecord is "{platform}.collab.invite".
type CollabInviteRecord struct {
	Resource  StrongRef `json:"resource"`
	Invitee   string    `json:"invitee"`
	Scope     string    `json:"scope"`
	Message   string    `json:"message,omitempty"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// CollabAcceptRecord is "{platform}.collab.accept".
type CollabAcceptRecord struct {
	Invite    StrongRef `json:"invite"`
	Resource  URI       `json:"resource"`
	CreatedAt time.Time `json:"createdAt"`
}

// CollabSessionRecord is "{platform}.collab.session": ephemeral presence
// advertisement for peer discovery.
type CollabSessionRecord struct {
	Resource  StrongRef `json:"resource"`
	NodeID    string    `json:"nodeId"`
	RelayURL  string    `json:"relayUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// LikeRecord is "weaver.feedback.like": a +1 to Subject's like counter.
type LikeRecord struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// BookmarkRecord is "weaver.feedback.bookmark": a +1 to Subject's
// bookmark counter.
type BookmarkRecord struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// SubscriptionRecord is "weaver.notebook.subscription": a +1 to a
// notebook's subscription counter.
type SubscriptionRecord struct {
	Subject   StrongRef `json:"subject"`
	CreatedAt time.Time `json:"createdAt"`
}

// FollowRecord is "weaver.graph.follow": a +1 to the followed actor's
// follower counter and to the follower's own following counter.
type FollowRecord struct {
	Subject   string    `json:"subject"` // followed actor's did
	CreatedAt time.Time `json:"createdAt"`
}

// Collection name constants for the collections consumed by the core
// (spec §6).
const (
	CollectionProfile         = "weaver.actor.profile"
	CollectionCrossAppProfile = "app.bsky.actor.profile"
	CollectionNotebook        = "weaver.notebook.book"
	CollectionEntry           = "weaver.notebook.entry"
	CollectionEditRoot        = "weaver.edit.root"
	CollectionEditDiff        = "weaver.edit.diff"
	CollectionEditDraft       = "weaver.edit.draft"
	CollectionCollabInvite    = "weaver.collab.invite"
	CollectionCollabAccept    = "weaver.collab.accept"
	CollectionCollabSession   = "weaver.collab.session"
	CollectionLike            = "weaver.feedback.like"
	CollectionBookmark        = "weaver.feedback.bookmark"
	CollectionSubscription    = "weaver.notebook.subscription"
	CollectionFollow          = "weaver.graph.follow"
)

// Engagement counter names, as stored in engagement_deltas.counter /
// engagement_counts.counter.
const (
	CounterLike         = "like_count"
	CounterBookmark     = "bookmark_count"
	CounterSubscription = "subscription_count"
	CounterFollower     = "follower_count"
	CounterFollowing    = "following_count"
	CounterNotebook     = "notebook_count"
	CounterEntry        = "entry_count"
)
