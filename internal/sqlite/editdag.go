package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/weaverproto/weaver-core/internal/editdag"
	"github.com/weaverproto/weaver-core/internal/federation"
)

// EditDagStore implements editdag.Store against the analytical tier.
type EditDagStore struct {
	db *DB
}

// NewEditDagStore wraps db for the edit-DAG resolver's reads/writes.
func NewEditDagStore(db *DB) *EditDagStore {
	return &EditDagStore{db: db}
}

func scanEditNode(rows *sql.Rows) (editdag.Node, error) {
	var n editdag.Node
	var rev string
	var rootDid, rootRKey, rootCID, prevDid, prevRKey, prevCID sql.NullString
	var hasInline, hasSnap int
	if err := rows.Scan(
		&n.Did, &n.RKey, &n.CID, &rev, &n.NodeType,
		&n.Resource.Did, &n.Resource.Collection, &n.Resource.RKey,
		&rootDid, &rootRKey, &rootCID, &prevDid, &prevRKey, &prevCID,
		&hasInline, &hasSnap, &n.CreatedAt, &n.EventTime,
	); err != nil {
		return editdag.Node{}, err
	}
	n.Rev = federation.Rev(rev)
	n.HasInline = hasInline != 0
	n.HasSnap = hasSnap != 0
	if rootDid.Valid && rootDid.String != "" {
		n.Root = &federation.StrongRef{URI: federation.URI{Did: rootDid.String, RKey: rootRKey.String}, CID: rootCID.String}
	}
	if prevDid.Valid && prevDid.String != "" {
		n.Prev = &federation.StrongRef{URI: federation.URI{Did: prevDid.String, RKey: prevRKey.String}, CID: prevCID.String}
	}
	return n, nil
}

const editNodeColumns = `
	did, rkey, cid, rev, node_type, resource_did, resource_collection, resource_rkey,
	root_did, root_rkey, root_cid, prev_did, prev_rkey, prev_cid,
	has_inline_diff, has_snapshot, created_at, event_time
`

func (s *EditDagStore) ListEditNodes(ctx context.Context, resource federation.ResourceRef) ([]editdag.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+editNodeColumns+`
		FROM edit_nodes
		WHERE resource_did = ? AND resource_collection = ? AND resource_rkey = ? AND deleted_at IS NULL AND validation_state = 'ok'
	`, resource.Did, resource.Collection, resource.RKey)
	if err != nil {
		return nil, fmt.Errorf("list edit nodes resource=%s: %w", resource.URI(), err)
	}
	defer rows.Close()

	var out []editdag.Node
	for rows.Next() {
		n, err := scanEditNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// ListAllLiveEditNodes returns the nodes the graph loader builds heads
// and canonical chains from. Nodes flagged invalid_cycle or invalid_root
// by the denorm admission check (spec §4.C, §8) are excluded — this is
// the "rejected by the graph loader" spec wording in effect.
func (s *EditDagStore) ListAllLiveEditNodes(ctx context.Context) ([]editdag.Node, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+editNodeColumns+` FROM edit_nodes WHERE deleted_at IS NULL AND validation_state = 'ok'`)
	if err != nil {
		return nil, fmt.Errorf("list all live edit nodes: %w", err)
	}
	defer rows.Close()

	var out []editdag.Node
	for rows.Next() {
		n, err := scanEditNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edit node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *EditDagStore) RefreshEditHeads(ctx context.Context, resource federation.ResourceRef, heads []editdag.Node, refreshedAt time.Time) error {
	return s.refreshAllHeads(ctx, map[federation.ResourceRef][]editdag.Node{resource: heads}, refreshedAt)
}

func (s *EditDagStore) RefreshAllHeads(ctx context.Context, byResource map[federation.ResourceRef][]editdag.Node, refreshedAt time.Time) error {
	return s.refreshAllHeads(ctx, byResource, refreshedAt)
}

func (s *EditDagStore) refreshAllHeads(ctx context.Context, byResource map[federation.ResourceRef][]editdag.Node, refreshedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for resource := range byResource {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM edit_heads WHERE resource_did = ? AND resource_collection = ? AND resource_rkey = ?
		`, resource.Did, resource.Collection, resource.RKey); err != nil {
			return fmt.Errorf("clear edit heads resource=%s: %w", resource.URI(), err)
		}
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO edit_heads (resource_did, resource_collection, resource_rkey, head_did, head_rkey, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_did, resource_collection, resource_rkey, head_did, head_rkey) DO UPDATE SET
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare edit heads insert: %w", err)
	}
	defer stmt.Close()

	for resource, heads := range byResource {
		for _, h := range heads {
			if _, err := stmt.ExecContext(ctx, resource.Did, resource.Collection, resource.RKey, h.Did, h.RKey, refreshedAt.UTC()); err != nil {
				return fmt.Errorf("insert edit head resource=%s head=%s/%s: %w", resource.URI(), h.Did, h.RKey, err)
			}
		}
	}

	return tx.Commit()
}

// ListActiveCollaborators joins collab_invites to collab_accepts on the
// invite identity and filters invites that have expired (spec §3
// "Collaborators").
func (s *EditDagStore) ListActiveCollaborators(ctx context.Context) ([]editdag.Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.resource_did, i.resource_collection, i.resource_rkey, a.accepter_did, i.scope
		FROM collab_accepts a
		JOIN collab_invites i ON i.inviter_did = a.invite_did AND i.rkey = a.invite_rkey
		WHERE a.deleted_at IS NULL AND i.deleted_at IS NULL
		  AND (i.expires_at IS NULL OR i.expires_at > ?)
	`, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list active collaborators: %w", err)
	}
	defer rows.Close()

	var out []editdag.Collaborator
	for rows.Next() {
		var c editdag.Collaborator
		if err := rows.Scan(&c.Resource.Did, &c.Resource.Collection, &c.Resource.RKey, &c.Did, &c.Scope); err != nil {
			return nil, fmt.Errorf("scan collaborator: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *EditDagStore) RefreshCollaborators(ctx context.Context, collaborators []editdag.Collaborator, refreshedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM collaborators`); err != nil {
		return fmt.Errorf("clear collaborators: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO collaborators (resource_did, resource_collection, resource_rkey, collaborator_did, scope, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_did, resource_collection, resource_rkey, collaborator_did) DO UPDATE SET
			scope = excluded.scope, refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare collaborators insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range collaborators {
		if _, err := stmt.ExecContext(ctx, c.Resource.Did, c.Resource.Collection, c.Resource.RKey, c.Did, c.Scope, refreshedAt.UTC()); err != nil {
			return fmt.Errorf("insert collaborator resource=%s did=%s: %w", c.Resource.URI(), c.Did, err)
		}
	}

	return tx.Commit()
}

func (s *EditDagStore) RefreshPermissions(ctx context.Context, permissions []editdag.Permission, refreshedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
		return fmt.Errorf("clear permissions: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO permissions (resource_did, resource_collection, resource_rkey, principal_did, role, scope, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(resource_did, resource_collection, resource_rkey, principal_did) DO UPDATE SET
			role = excluded.role, scope = excluded.scope, refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare permissions insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range permissions {
		if _, err := stmt.ExecContext(ctx, p.Resource.Did, p.Resource.Collection, p.Resource.RKey, p.Principal, p.Role, p.Scope, refreshedAt.UTC()); err != nil {
			return fmt.Errorf("insert permission resource=%s principal=%s: %w", p.Resource.URI(), p.Principal, err)
		}
	}

	return tx.Commit()
}

func (s *EditDagStore) RefreshContributors(ctx context.Context, contributors []editdag.Contributor, refreshedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM contributors`); err != nil {
		return fmt.Errorf("clear contributors: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO contributors (resource_did, resource_collection, resource_rkey, contributor_did, refreshed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_did, resource_collection, resource_rkey, contributor_did) DO UPDATE SET
			refreshed_at = excluded.refreshed_at
	`)
	if err != nil {
		return fmt.Errorf("prepare contributors insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range contributors {
		if _, err := stmt.ExecContext(ctx, c.Resource.Did, c.Resource.Collection, c.Resource.RKey, c.Did, refreshedAt.UTC()); err != nil {
			return fmt.Errorf("insert contributor resource=%s did=%s: %w", c.Resource.URI(), c.Did, err)
		}
	}

	return tx.Commit()
}

// ResourceOwner resolves the creating author of a resource: the root
// edit node's did if one has arrived, otherwise the resource's own did
// (an entry/notebook is always addressed under its creator's did).
func (s *EditDagStore) ResourceOwner(ctx context.Context, resource federation.ResourceRef) (string, error) {
	var did string
	err := s.db.QueryRowContext(ctx, `
		SELECT did FROM edit_nodes
		WHERE resource_did = ? AND resource_collection = ? AND resource_rkey = ? AND node_type = 'root' AND deleted_at IS NULL AND validation_state = 'ok'
		ORDER BY event_time ASC LIMIT 1
	`, resource.Did, resource.Collection, resource.RKey).Scan(&did)
	if err == sql.ErrNoRows {
		return resource.Did, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve resource owner resource=%s: %w", resource.URI(), err)
	}
	return did, nil
}
