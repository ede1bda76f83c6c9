// Package query implements the Query Interface (spec §4.F): the
// read-side operations consumed by an external serving layer
// (transport/mcptools), hydrated via joins against the denormalization
// layer's projections and refreshable views.
package query

import (
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// EntryView is the hydrated read model for "{platform}.notebook.entry".
type EntryView struct {
	URI            federation.URI
	CID            string
	Title          string
	Path           string
	Tags           []string
	AuthorDids     []string
	Content        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LikeCount      int64
	BookmarkCount  int64
}

// NotebookView is the hydrated read model for "{platform}.notebook.book".
type NotebookView struct {
	URI               federation.URI
	CID               string
	Title             string
	Path              string
	Tags              []string
	PublishGlobal     bool
	AuthorDids        []string
	EntryURIs         []string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SubscriptionCount int64
}

// ProfileView is the hydrated read model for an actor's merged profile
// (spec §4.B "merged profile view").
type ProfileView struct {
	Did         string
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
	Handle      string
	FollowerCount  int64
	FollowingCount int64
}

// DraftView is the hydrated read model for "{platform}.edit.draft" (not
// named by §4.F's operation list but present in the original's surface
// and reused by editors to resume an unpublished title).
type DraftView struct {
	URI       federation.URI
	Title     string
	CreatedAt time.Time
}

// EditNodeView is one node in an edit graph's history.
type EditNodeView struct {
	URI       federation.URI
	CID       string
	NodeType  string
	Root      *federation.StrongRef
	Prev      *federation.StrongRef
	CreatedAt time.Time
}

// EditHistoryView is the result of get_edit_history: every known node
// plus the current head set (more than one head means the resource is
// divergent, spec §4.C, §8 property 4).
type EditHistoryView struct {
	Resource federation.ResourceRef
	Nodes    []EditNodeView
	Heads    []federation.URI
}

// Page is an opaque-cursor-paginated result set (spec §4.F "All
// pagination uses an opaque cursor").
type Page[T any] struct {
	Items      []T
	NextCursor string
}
