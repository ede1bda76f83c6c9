package shard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// Permission mirrors one row of the analytical tier's permissions view
// for fast per-request checks (spec §4.E "permissions cache").
type Permission struct {
	PrincipalDid string
	Role         string
	Scope        string
	RefreshedAt  time.Time
}

// UpsertPermission writes or replaces a cached permission row.
func (s *Shard) UpsertPermission(ctx context.Context, p Permission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_permissions (principal_did, role, scope, refreshed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal_did) DO UPDATE SET
			role = excluded.role, scope = excluded.scope, refreshed_at = excluded.refreshed_at`,
		p.PrincipalDid, p.Role, p.Scope, p.RefreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("shard: upsert permission %s: %w", p.PrincipalDid, err)
	}
	return nil
}

// Permissions lists every cached permission row for this resource.
func (s *Shard) Permissions(ctx context.Context) ([]Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT principal_did, role, scope, refreshed_at FROM shard_permissions`)
	if err != nil {
		return nil, fmt.Errorf("shard: list permissions: %w", err)
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var p Permission
		if err := rows.Scan(&p.PrincipalDid, &p.Role, &p.Scope, &p.RefreshedAt); err != nil {
			return nil, fmt.Errorf("shard: scan permission: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Session mirrors an active collab session for peer discovery (spec
// §4.E "sessions cache").
type Session struct {
	NodeID      string
	OwnerDid    string
	RelayURL    string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RefreshedAt time.Time
}

// UpsertSession writes or replaces a cached session row.
func (s *Shard) UpsertSession(ctx context.Context, sess Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_sessions (node_id, owner_did, relay_url, created_at, expires_at, refreshed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			owner_did = excluded.owner_did, relay_url = excluded.relay_url,
			created_at = excluded.created_at, expires_at = excluded.expires_at, refreshed_at = excluded.refreshed_at`,
		sess.NodeID, sess.OwnerDid, sess.RelayURL, sess.CreatedAt.UTC(), nullTime(sess.ExpiresAt), sess.RefreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("shard: upsert session %s: %w", sess.NodeID, err)
	}
	return nil
}

// DeleteSession removes a session row, e.g. on Leave (spec §4.D step 7).
func (s *Shard) DeleteSession(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shard_sessions WHERE node_id = ?`, nodeID)
	if err != nil {
		return fmt.Errorf("shard: delete session %s: %w", nodeID, err)
	}
	return nil
}

// ActiveSessions returns sessions that have not yet expired (spec §4.D
// "Timeouts... expires_at: peers that do not refresh are evicted from
// discovery results").
func (s *Shard) ActiveSessions(ctx context.Context, now time.Time) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, owner_did, relay_url, created_at, expires_at, refreshed_at
		FROM shard_sessions
		WHERE expires_at IS NULL OR expires_at > ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("shard: list active sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.NodeID, &sess.OwnerDid, &sess.RelayURL, &sess.CreatedAt, &sess.ExpiresAt, &sess.RefreshedAt); err != nil {
			return nil, fmt.Errorf("shard: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// PendingInvite mirrors an unaccepted collab invite (spec §4.E
// "pending_invites").
type PendingInvite struct {
	InviterDid string
	RKey       string
	InviteeDid string
	Scope      string
	Message    string
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// UpsertPendingInvite writes or replaces a cached pending-invite row.
func (s *Shard) UpsertPendingInvite(ctx context.Context, inv PendingInvite) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_pending_invites (inviter_did, rkey, invitee_did, scope, message, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(inviter_did, rkey) DO UPDATE SET
			invitee_did = excluded.invitee_did, scope = excluded.scope, message = excluded.message,
			expires_at = excluded.expires_at, created_at = excluded.created_at`,
		inv.InviterDid, inv.RKey, inv.InviteeDid, inv.Scope, inv.Message, nullTime(inv.ExpiresAt), inv.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("shard: upsert pending invite %s/%s: %w", inv.InviterDid, inv.RKey, err)
	}
	return nil
}

// DeletePendingInvite removes a pending invite, e.g. once accepted.
func (s *Shard) DeletePendingInvite(ctx context.Context, inviterDid, rkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shard_pending_invites WHERE inviter_did = ? AND rkey = ?`, inviterDid, rkey)
	if err != nil {
		return fmt.Errorf("shard: delete pending invite %s/%s: %w", inviterDid, rkey, err)
	}
	return nil
}

// Collaborator mirrors a materialized invite+accept pair (spec §4.E
// "collaborators").
type Collaborator struct {
	CollaboratorDid string
	Scope           string
	RefreshedAt     time.Time
}

// UpsertCollaborator writes or replaces a cached collaborator row.
func (s *Shard) UpsertCollaborator(ctx context.Context, c Collaborator) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_collaborators (collaborator_did, scope, refreshed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collaborator_did) DO UPDATE SET
			scope = excluded.scope, refreshed_at = excluded.refreshed_at`,
		c.CollaboratorDid, c.Scope, c.RefreshedAt.UTC())
	if err != nil {
		return fmt.Errorf("shard: upsert collaborator %s: %w", c.CollaboratorDid, err)
	}
	return nil
}

// Collaborators lists every cached collaborator row for this resource.
func (s *Shard) Collaborators(ctx context.Context) ([]Collaborator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT collaborator_did, scope, refreshed_at FROM shard_collaborators`)
	if err != nil {
		return nil, fmt.Errorf("shard: list collaborators: %w", err)
	}
	defer rows.Close()

	var out []Collaborator
	for rows.Next() {
		var c Collaborator
		if err := rows.Scan(&c.CollaboratorDid, &c.Scope, &c.RefreshedAt); err != nil {
			return nil, fmt.Errorf("shard: scan collaborator: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EditNode mirrors one row of the edit-graph for the hot path (spec
// §4.E "local edit-graph mirrors").
type EditNode struct {
	Did           string
	RKey          string
	CID           string
	Rev           federation.Rev
	NodeType      string
	Root          *federation.StrongRef
	Prev          *federation.StrongRef
	HasInlineDiff bool
	HasSnapshot   bool
	CreatedAt     time.Time
	EventTime     time.Time
}

// UpsertEditNode mirrors an edit-graph node into the shard.
func (s *Shard) UpsertEditNode(ctx context.Context, n EditNode) error {
	var rootDid, rootRKey, prevDid, prevRKey *string
	if n.Root != nil {
		rootDid, rootRKey = &n.Root.URI.Did, &n.Root.URI.RKey
	}
	if n.Prev != nil {
		prevDid, prevRKey = &n.Prev.URI.Did, &n.Prev.URI.RKey
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shard_edit_nodes (did, rkey, cid, rev, node_type, root_did, root_rkey, prev_did, prev_rkey, has_inline_diff, has_snapshot, created_at, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, node_type = excluded.node_type,
			root_did = excluded.root_did, root_rkey = excluded.root_rkey,
			prev_did = excluded.prev_did, prev_rkey = excluded.prev_rkey,
			has_inline_diff = excluded.has_inline_diff, has_snapshot = excluded.has_snapshot,
			created_at = excluded.created_at, event_time = excluded.event_time`,
		n.Did, n.RKey, n.CID, string(n.Rev), n.NodeType, rootDid, rootRKey, prevDid, prevRKey,
		n.HasInlineDiff, n.HasSnapshot, n.CreatedAt.UTC(), n.EventTime.UTC())
	if err != nil {
		return fmt.Errorf("shard: upsert edit node %s/%s: %w", n.Did, n.RKey, err)
	}
	return nil
}

// EditNodes lists the shard's mirrored edit-graph nodes.
func (s *Shard) EditNodes(ctx context.Context) ([]EditNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did, rkey, cid, rev, node_type, root_did, root_rkey, prev_did, prev_rkey, has_inline_diff, has_snapshot, created_at, event_time
		FROM shard_edit_nodes`)
	if err != nil {
		return nil, fmt.Errorf("shard: list edit nodes: %w", err)
	}
	defer rows.Close()

	var out []EditNode
	for rows.Next() {
		var n EditNode
		var rev string
		var rootDid, rootRKey, prevDid, prevRKey *string
		if err := rows.Scan(&n.Did, &n.RKey, &n.CID, &rev, &n.NodeType, &rootDid, &rootRKey, &prevDid, &prevRKey,
			&n.HasInlineDiff, &n.HasSnapshot, &n.CreatedAt, &n.EventTime); err != nil {
			return nil, fmt.Errorf("shard: scan edit node: %w", err)
		}
		n.Rev = federation.Rev(rev)
		if rootDid != nil && rootRKey != nil {
			n.Root = &federation.StrongRef{URI: federation.URI{Did: *rootDid, RKey: *rootRKey}}
		}
		if prevDid != nil && prevRKey != nil {
			n.Prev = &federation.StrongRef{URI: federation.URI{Did: *prevDid, RKey: *prevRKey}}
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// SetDraftTitle mirrors a draft's working title for fast display (spec
// §4.E "optionally: ... draft titles").
func (s *Shard) SetDraftTitle(ctx context.Context, title string, updatedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shard_draft`)
	if err != nil {
		return fmt.Errorf("shard: clear draft title: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO shard_draft (title, updated_at) VALUES (?, ?)`, title, updatedAt.UTC())
	if err != nil {
		return fmt.Errorf("shard: set draft title: %w", err)
	}
	return nil
}

// DraftTitle returns the mirrored draft title, if any.
func (s *Shard) DraftTitle(ctx context.Context) (string, bool, error) {
	var title string
	err := s.db.QueryRowContext(ctx, `SELECT title FROM shard_draft LIMIT 1`).Scan(&title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("shard: get draft title: %w", err)
	}
	return title, true, nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
