// Package editdag implements the Edit DAG & Head Resolver (spec §4.C):
// it reads the edit_nodes table the denormalization layer populates,
// computes per-resource heads by anti-join, and resolves the canonical
// state of a resource by walking its DAG from head back to root.
package editdag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// Node is one edit_nodes row as seen by this package.
type Node struct {
	Did        string
	RKey       string
	CID        string
	Rev        federation.Rev
	NodeType   string // "root" or "diff"
	Resource   federation.ResourceRef
	Root       *federation.StrongRef
	Prev       *federation.StrongRef
	HasInline  bool
	HasSnap    bool
	CreatedAt  time.Time
	EventTime  time.Time
}

func (n Node) ref() federation.StrongRef {
	return federation.StrongRef{URI: federation.URI{Did: n.Did, Collection: n.Resource.Collection, RKey: n.RKey}, CID: n.CID}
}

// Store is the read/write surface editdag needs from the analytical
// tier: edit_nodes for graph traversal, collab_invites/accepts for
// collaborator computation, and the refreshable output tables.
type Store interface {
	ListEditNodes(ctx context.Context, resource federation.ResourceRef) ([]Node, error)
	ListAllLiveEditNodes(ctx context.Context) ([]Node, error)

	RefreshEditHeads(ctx context.Context, resource federation.ResourceRef, heads []Node, refreshedAt time.Time) error
	RefreshAllHeads(ctx context.Context, byResource map[federation.ResourceRef][]Node, refreshedAt time.Time) error

	ListActiveCollaborators(ctx context.Context) ([]Collaborator, error)
	RefreshCollaborators(ctx context.Context, collaborators []Collaborator, refreshedAt time.Time) error
	RefreshPermissions(ctx context.Context, permissions []Permission, refreshedAt time.Time) error
	RefreshContributors(ctx context.Context, contributors []Contributor, refreshedAt time.Time) error

	// ResourceOwner resolves the creating author of a resource — the
	// first root node's did, or the resource's own did if no root has
	// arrived yet.
	ResourceOwner(ctx context.Context, resource federation.ResourceRef) (string, error)
}

// Collaborator is a collab_invites/collab_accepts pair matched on
// (resource, invitee=accepter), unexpired at evaluation time (spec §3
// "Collaborators").
type Collaborator struct {
	Resource federation.ResourceRef
	Did      string
	Scope    string
}

// Permission is the union of the resource owner and its collaborators
// with a granted scope (spec §3 "Permissions").
type Permission struct {
	Resource  federation.ResourceRef
	Principal string
	Role      string // "owner" or "collaborator"
	Scope     string
}

// Contributor is the union of owners, edit-node authors, and
// collaborators who have published a matching-rkey record (spec §3
// "Contributors").
type Contributor struct {
	Resource federation.ResourceRef
	Did      string
}

// Resolver computes heads, resolves canonical resource state, and keeps
// the refreshable views (heads, collaborators, permissions,
// contributors) current.
type Resolver struct {
	store    Store
	interval time.Duration
}

// NewResolver builds a Resolver that refreshes on the given interval
// (spec §4.C "Refresh every minute").
func NewResolver(store Store, interval time.Duration) *Resolver {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Resolver{store: store, interval: interval}
}

// Run blocks until ctx is cancelled, refreshing heads and the
// collaborator/permission/contributor views on each tick.
func (r *Resolver) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RefreshOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// RefreshOnce recomputes heads for every resource with edit nodes, then
// derives collaborators/permissions/contributors from the resulting
// graph plus collab records.
func (r *Resolver) RefreshOnce(ctx context.Context) error {
	nodes, err := r.store.ListAllLiveEditNodes(ctx)
	if err != nil {
		return fmt.Errorf("editdag: list edit nodes: %w", err)
	}

	byResource := map[federation.ResourceRef][]Node{}
	for _, n := range nodes {
		byResource[n.Resource] = append(byResource[n.Resource], n)
	}

	heads := map[federation.ResourceRef][]Node{}
	for resource, rNodes := range byResource {
		heads[resource] = computeHeads(rNodes)
	}

	if err := r.store.RefreshAllHeads(ctx, heads, time.Now().UTC()); err != nil {
		return fmt.Errorf("editdag: refresh heads: %w", err)
	}

	collabs, err := r.store.ListActiveCollaborators(ctx)
	if err != nil {
		return fmt.Errorf("editdag: list collaborators: %w", err)
	}
	if err := r.store.RefreshCollaborators(ctx, collabs, time.Now().UTC()); err != nil {
		return fmt.Errorf("editdag: refresh collaborators: %w", err)
	}

	var permissions []Permission
	var contributors []Contributor
	seenResources := map[federation.ResourceRef]bool{}

	addOwnerAndContributors := func(resource federation.ResourceRef) error {
		if seenResources[resource] {
			return nil
		}
		seenResources[resource] = true

		owner, err := r.store.ResourceOwner(ctx, resource)
		if err != nil {
			return err
		}
		if owner != "" {
			permissions = append(permissions, Permission{Resource: resource, Principal: owner, Role: "owner", Scope: "owner"})
			contributors = append(contributors, Contributor{Resource: resource, Did: owner})
		}
		return nil
	}

	for resource, rNodes := range byResource {
		if err := addOwnerAndContributors(resource); err != nil {
			return fmt.Errorf("editdag: resolve owner: %w", err)
		}
		seenAuthors := map[string]bool{}
		for _, n := range rNodes {
			if !seenAuthors[n.Did] {
				seenAuthors[n.Did] = true
				contributors = append(contributors, Contributor{Resource: resource, Did: n.Did})
			}
		}
	}

	for _, c := range collabs {
		if err := addOwnerAndContributors(c.Resource); err != nil {
			return fmt.Errorf("editdag: resolve owner for collaborator: %w", err)
		}
		permissions = append(permissions, Permission{Resource: c.Resource, Principal: c.Did, Role: "collaborator", Scope: c.Scope})
		contributors = append(contributors, Contributor{Resource: c.Resource, Did: c.Did})
	}

	if err := r.store.RefreshPermissions(ctx, permissions, time.Now().UTC()); err != nil {
		return fmt.Errorf("editdag: refresh permissions: %w", err)
	}
	if err := r.store.RefreshContributors(ctx, dedupContributors(contributors), time.Now().UTC()); err != nil {
		return fmt.Errorf("editdag: refresh contributors: %w", err)
	}

	return nil
}

func dedupContributors(in []Contributor) []Contributor {
	seen := map[Contributor]bool{}
	var out []Contributor
	for _, c := range in {
		if seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// computeHeads returns the nodes with no children: none of the other
// nodes in the same resource names them as prev (spec §4.C "Head
// computation", implemented as an anti-join over prev references). A
// diff whose prev hasn't arrived yet is itself a head until it does
// (spec §4.C "Failure semantics").
func computeHeads(nodes []Node) []Node {
	hasChild := map[string]bool{} // did|rkey -> has a child
	for _, n := range nodes {
		if n.Prev != nil {
			hasChild[n.Prev.URI.Did+"|"+n.Prev.URI.RKey] = true
		}
	}

	var heads []Node
	for _, n := range nodes {
		if !hasChild[n.Did+"|"+n.RKey] {
			heads = append(heads, n)
		}
	}

	sort.Slice(heads, func(i, j int) bool {
		return heads[i].Did+heads[i].RKey < heads[j].Did+heads[j].RKey
	})
	return heads
}

// ErrDivergent is returned by ResolveCanonical when a resource has more
// than one head (spec §4.C: "the serving layer surfaces all heads and
// their authors; merge is an editor-level operation outside this spec").
type ErrDivergent struct {
	Resource federation.ResourceRef
	Heads    []Node
}

func (e *ErrDivergent) Error() string {
	return fmt.Sprintf("editdag: resource %s is divergent with %d heads", e.Resource.URI(), len(e.Heads))
}

// ErrCycle is returned by ResolveCanonical when stored data contains a
// cycle despite the admission-time check in internal/denorm
// (Sink.classifyEditNode, using WouldCreateCycle below) that's meant to
// prevent one (spec §4.C "A cycle MUST NOT exist by construction").
type ErrCycle struct {
	Resource federation.ResourceRef
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("editdag: stored edit graph of resource %s contains a cycle", e.Resource.URI())
}

// ResolveCanonical walks the DAG for resource from its head back to its
// root, returning the ordered chain root→...→head (spec §4.C "Canonical
// resource resolution"). It returns ErrDivergent if more than one head
// exists.
func ResolveCanonical(resource federation.ResourceRef, nodes []Node) ([]Node, error) {
	heads := computeHeads(nodes)
	if len(heads) == 0 {
		return nil, nil
	}
	if len(heads) > 1 {
		return nil, &ErrDivergent{Resource: resource, Heads: heads}
	}

	byKey := map[string]Node{}
	for _, n := range nodes {
		byKey[n.Did+"|"+n.RKey] = n
	}

	var chain []Node
	cur := heads[0]
	visited := map[string]bool{}
	for {
		key := cur.Did + "|" + cur.RKey
		if visited[key] {
			// Cycle in stored data despite admission-time prevention;
			// surface it rather than loop forever.
			return nil, &ErrCycle{Resource: resource}
		}
		visited[key] = true
		chain = append([]Node{cur}, chain...)

		if cur.Prev == nil {
			break
		}
		prevKey := cur.Prev.URI.Did + "|" + cur.Prev.URI.RKey
		prev, ok := byKey[prevKey]
		if !ok {
			// prev hasn't arrived yet; treat what we have as a partial
			// chain rooted at the earliest known node.
			break
		}
		cur = prev
	}

	return chain, nil
}

// WouldCreateCycle reports whether admitting a diff naming prevRef as
// its predecessor would create a cycle, by checking whether the new
// node's own (did, rkey) already appears as an ancestor of prevRef
// within the given resource's known nodes (spec §4.C).
func WouldCreateCycle(newDid, newRKey string, prevRef federation.StrongRef, nodes []Node) bool {
	byKey := map[string]Node{}
	for _, n := range nodes {
		byKey[n.Did+"|"+n.RKey] = n
	}

	visited := map[string]bool{}
	cur, ok := byKey[prevRef.URI.Did+"|"+prevRef.URI.RKey]
	for ok {
		key := cur.Did + "|" + cur.RKey
		if key == newDid+"|"+newRKey {
			return true
		}
		if visited[key] {
			// Already-cyclic stored data; don't loop forever, but don't
			// claim this particular admission caused it either.
			return false
		}
		visited[key] = true
		if cur.Prev == nil {
			return false
		}
		cur, ok = byKey[cur.Prev.URI.Did+"|"+cur.Prev.URI.RKey]
	}
	return false
}

// ResolvePublishedTieBreak implements spec §4.C's "tie-break for
// most-up-to-date across multiple authors": highest event_time, then
// rev, then lexicographically smallest did.
func ResolvePublishedTieBreak(candidates []Node) (Node, bool) {
	if len(candidates) == 0 {
		return Node{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if isBetterPublished(c, best) {
			best = c
		}
	}
	return best, true
}

func isBetterPublished(a, b Node) bool {
	if !a.EventTime.Equal(b.EventTime) {
		return a.EventTime.After(b.EventTime)
	}
	if a.Rev != b.Rev {
		return b.Rev.Less(a.Rev)
	}
	return a.Did < b.Did
}
