package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/weaverproto/weaver-core/internal/denorm"
	"github.com/weaverproto/weaver-core/internal/federation"
)

// DenormStore implements denorm.Store against the analytical tier.
type DenormStore struct {
	db *DB
}

// NewDenormStore wraps db for the denormalization layer's reads/writes.
func NewDenormStore(db *DB) *DenormStore {
	return &DenormStore{db: db}
}

// newerThan is the shared ordering predicate of spec §4.B: an incoming
// row only replaces the stored one if its (event_time, rev) is greater.
const newerThan = `excluded.event_time > %[1]s.event_time OR (excluded.event_time = %[1]s.event_time AND excluded.rev > %[1]s.rev)`

func joinStrings(items []string) string {
	return strings.Join(items, ",")
}

func (s *DenormStore) UpsertProfile(ctx context.Context, row denorm.ProfileRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO profiles (did, cid, rev, display_name, description, avatar_cid, banner_cid, event_time, indexed_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, display_name = excluded.display_name,
			description = excluded.description, avatar_cid = excluded.avatar_cid, banner_cid = excluded.banner_cid,
			event_time = excluded.event_time, indexed_at = excluded.indexed_at, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "profiles"),
		row.Did, row.CID, string(row.Rev), row.DisplayName, row.Description, row.AvatarCID, row.BannerCID,
		row.EventTime.UTC(), time.Now().UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert profile did=%s: %w", row.Did, err)
	}
	return nil
}

func (s *DenormStore) UpsertCrossAppProfile(ctx context.Context, row denorm.CrossAppProfileRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO cross_app_profiles (did, cid, rev, display_name, description, avatar_cid, event_time, indexed_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, display_name = excluded.display_name,
			description = excluded.description, avatar_cid = excluded.avatar_cid,
			event_time = excluded.event_time, indexed_at = excluded.indexed_at, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "cross_app_profiles"),
		row.Did, row.CID, string(row.Rev), row.DisplayName, row.Description, row.AvatarCID,
		row.EventTime.UTC(), time.Now().UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert cross-app profile did=%s: %w", row.Did, err)
	}
	return nil
}

// RefreshMergedProfiles recomputes merged_profiles with weaver-profile
// priority over cross-app, joined against the active handle mapping
// (spec §3 "Profile", "Handle mappings").
func (s *DenormStore) RefreshMergedProfiles(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO merged_profiles (did, display_name, description, avatar_cid, banner_cid, handle, refreshed_at)
		SELECT
			d.did,
			COALESCE(p.display_name, c.display_name),
			COALESCE(p.description, c.description),
			COALESCE(p.avatar_cid, c.avatar_cid),
			p.banner_cid,
			h.handle,
			?
		FROM (
			SELECT did FROM profiles WHERE deleted_at IS NULL
			UNION
			SELECT did FROM cross_app_profiles WHERE deleted_at IS NULL
		) d
		LEFT JOIN profiles p ON p.did = d.did AND p.deleted_at IS NULL
		LEFT JOIN cross_app_profiles c ON c.did = d.did AND c.deleted_at IS NULL
		LEFT JOIN handle_mappings h ON h.did = d.did AND h.freed = 0
		ON CONFLICT(did) DO UPDATE SET
			display_name = excluded.display_name, description = excluded.description,
			avatar_cid = excluded.avatar_cid, banner_cid = excluded.banner_cid,
			handle = excluded.handle, refreshed_at = excluded.refreshed_at
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("refresh merged profiles: %w", err)
	}
	return nil
}

func (s *DenormStore) UpsertNotebook(ctx context.Context, row denorm.NotebookRow) error {
	publishGlobal := 0
	if row.PublishGlobal {
		publishGlobal = 1
	}
	fullRecord := row.FullRecord
	if fullRecord == nil {
		fullRecord = []byte{}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO notebooks (did, rkey, cid, rev, title, path, tags, publish_global, author_dids, entry_uris, full_record, created_at, updated_at, event_time, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, title = excluded.title, path = excluded.path,
			tags = excluded.tags, publish_global = excluded.publish_global, author_dids = excluded.author_dids,
			entry_uris = excluded.entry_uris, full_record = excluded.full_record, updated_at = excluded.updated_at,
			event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "notebooks"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.Title, row.Path, joinStrings(row.Tags), publishGlobal,
		joinStrings(row.AuthorDids), joinStrings(row.EntryURIs), fullRecord,
		row.CreatedAt.UTC(), row.UpdatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert notebook did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) UpsertEntry(ctx context.Context, row denorm.EntryRow) error {
	fullRecord := row.FullRecord
	if fullRecord == nil {
		fullRecord = []byte{}
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO entries (did, rkey, cid, rev, title, path, tags, author_dids, full_record, created_at, updated_at, event_time, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, title = excluded.title, path = excluded.path,
			tags = excluded.tags, author_dids = excluded.author_dids, full_record = excluded.full_record,
			updated_at = excluded.updated_at, event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "entries"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.Title, row.Path, joinStrings(row.Tags),
		joinStrings(row.AuthorDids), fullRecord, row.CreatedAt.UTC(), row.UpdatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert entry did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) ReplaceNotebookMembership(ctx context.Context, notebookDid, notebookRKey string, entryURIs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM notebook_entries WHERE notebook_did = ? AND notebook_rkey = ?`, notebookDid, notebookRKey); err != nil {
		return fmt.Errorf("clear notebook membership: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO notebook_entries (entry_did, entry_rkey, notebook_did, notebook_rkey, position)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare notebook membership insert: %w", err)
	}
	defer stmt.Close()

	for i, uri := range entryURIs {
		parsed, err := federation.ParseURI(uri)
		if err != nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, parsed.Did, parsed.RKey, notebookDid, notebookRKey, i); err != nil {
			return fmt.Errorf("insert notebook membership: %w", err)
		}
	}

	return tx.Commit()
}

func (s *DenormStore) UpsertDraft(ctx context.Context, row denorm.DraftRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO drafts (did, rkey, cid, rev, title, created_at, event_time, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, title = excluded.title,
			event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "drafts"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.Title, row.CreatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert draft did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) UpsertEditNode(ctx context.Context, row denorm.EditNodeRow) error {
	hasInline, hasSnap := 0, 0
	if row.HasInline {
		hasInline = 1
	}
	if row.HasSnap {
		hasSnap = 1
	}

	var rootDid, rootRKey, rootCID string
	if row.RootRef != nil {
		rootDid, rootRKey, rootCID = row.RootRef.URI.Did, row.RootRef.URI.RKey, row.RootRef.CID
	}
	var prevDid, prevRKey, prevCID string
	if row.PrevRef != nil {
		prevDid, prevRKey, prevCID = row.PrevRef.URI.Did, row.PrevRef.URI.RKey, row.PrevRef.CID
	}

	validationState := string(row.ValidationState)
	if validationState == "" {
		validationState = string(federation.ValidationOK)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO edit_nodes (
			did, rkey, cid, rev, node_type, resource_did, resource_collection, resource_rkey,
			root_did, root_rkey, root_cid, prev_did, prev_rkey, prev_cid,
			has_inline_diff, has_snapshot, created_at, event_time, deleted_at, validation_state
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, node_type = excluded.node_type,
			resource_did = excluded.resource_did, resource_collection = excluded.resource_collection, resource_rkey = excluded.resource_rkey,
			root_did = excluded.root_did, root_rkey = excluded.root_rkey, root_cid = excluded.root_cid,
			prev_did = excluded.prev_did, prev_rkey = excluded.prev_rkey, prev_cid = excluded.prev_cid,
			has_inline_diff = excluded.has_inline_diff, has_snapshot = excluded.has_snapshot,
			event_time = excluded.event_time, deleted_at = excluded.deleted_at, validation_state = excluded.validation_state
		WHERE `+newerThan, "edit_nodes"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.NodeType,
		row.Resource.Did, row.Resource.Collection, row.Resource.RKey,
		rootDid, rootRKey, rootCID, prevDid, prevRKey, prevCID,
		hasInline, hasSnap, row.CreatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt), validationState)
	if err != nil {
		return fmt.Errorf("upsert edit node did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

// ListEditNodesForResource returns every live edit node recorded for
// resource, including validation_state != 'ok' rows, so the denorm
// admission check can see the full chain before deciding whether a new
// node should be flagged (spec §4.C, §8).
func (s *DenormStore) ListEditNodesForResource(ctx context.Context, resource federation.ResourceRef) ([]denorm.EditNodeRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT did, rkey, cid, rev, node_type, resource_did, resource_collection, resource_rkey,
			root_did, root_rkey, root_cid, prev_did, prev_rkey, prev_cid,
			has_inline_diff, has_snapshot, created_at, event_time, validation_state
		FROM edit_nodes
		WHERE resource_did = ? AND resource_collection = ? AND resource_rkey = ? AND deleted_at IS NULL
	`, resource.Did, resource.Collection, resource.RKey)
	if err != nil {
		return nil, fmt.Errorf("list edit nodes for resource=%s: %w", resource.URI(), err)
	}
	defer rows.Close()

	var out []denorm.EditNodeRow
	for rows.Next() {
		var row denorm.EditNodeRow
		var rev, validationState string
		var rootDid, rootRKey, rootCID, prevDid, prevRKey, prevCID sql.NullString
		var hasInline, hasSnap int
		if err := rows.Scan(
			&row.Did, &row.RKey, &row.CID, &rev, &row.NodeType,
			&row.Resource.Did, &row.Resource.Collection, &row.Resource.RKey,
			&rootDid, &rootRKey, &rootCID, &prevDid, &prevRKey, &prevCID,
			&hasInline, &hasSnap, &row.CreatedAt, &row.EventTime, &validationState,
		); err != nil {
			return nil, fmt.Errorf("scan edit node: %w", err)
		}
		row.Rev = federation.Rev(rev)
		row.ValidationState = federation.ValidationState(validationState)
		row.HasInline = hasInline != 0
		row.HasSnap = hasSnap != 0
		if rootDid.Valid && rootDid.String != "" {
			row.RootRef = &federation.StrongRef{URI: federation.URI{Did: rootDid.String, RKey: rootRKey.String}, CID: rootCID.String}
		}
		if prevDid.Valid && prevDid.String != "" {
			row.PrevRef = &federation.StrongRef{URI: federation.URI{Did: prevDid.String, RKey: prevRKey.String}, CID: prevCID.String}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *DenormStore) UpsertCollabInvite(ctx context.Context, row denorm.CollabInviteRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO collab_invites (
			inviter_did, rkey, cid, rev, resource_did, resource_collection, resource_rkey,
			invitee_did, scope, message, expires_at, created_at, event_time, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(inviter_did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, resource_did = excluded.resource_did,
			resource_collection = excluded.resource_collection, resource_rkey = excluded.resource_rkey,
			invitee_did = excluded.invitee_did, scope = excluded.scope, message = excluded.message,
			expires_at = excluded.expires_at, event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "collab_invites"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.Resource.Did, row.Resource.Collection, row.Resource.RKey,
		row.Invitee, row.Scope, row.Message, nullTime(&row.ExpiresAt), row.CreatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert collab invite did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) UpsertCollabAccept(ctx context.Context, row denorm.CollabAcceptRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO collab_accepts (
			accepter_did, rkey, cid, rev, invite_did, invite_rkey,
			resource_did, resource_collection, resource_rkey, created_at, event_time, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(accepter_did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, invite_did = excluded.invite_did, invite_rkey = excluded.invite_rkey,
			resource_did = excluded.resource_did, resource_collection = excluded.resource_collection, resource_rkey = excluded.resource_rkey,
			event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "collab_accepts"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.InviteDid, row.InviteRKey,
		row.Resource.Did, row.Resource.Collection, row.Resource.RKey, row.CreatedAt.UTC(), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert collab accept did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) UpsertCollabSession(ctx context.Context, row denorm.CollabSessionRow) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO collab_sessions (
			did, rkey, cid, rev, resource_did, resource_collection, resource_rkey,
			node_id, relay_url, created_at, expires_at, event_time, deleted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey) DO UPDATE SET
			cid = excluded.cid, rev = excluded.rev, resource_did = excluded.resource_did,
			resource_collection = excluded.resource_collection, resource_rkey = excluded.resource_rkey,
			node_id = excluded.node_id, relay_url = excluded.relay_url,
			expires_at = excluded.expires_at, event_time = excluded.event_time, deleted_at = excluded.deleted_at
		WHERE `+newerThan, "collab_sessions"),
		row.Did, row.RKey, row.CID, string(row.Rev), row.Resource.Did, row.Resource.Collection, row.Resource.RKey,
		row.NodeID, row.RelayURL, row.CreatedAt.UTC(), nullTime(&row.ExpiresAt), row.EventTime.UTC(), nullTime(row.DeletedAt))
	if err != nil {
		return fmt.Errorf("upsert collab session did=%s rkey=%s: %w", row.Did, row.RKey, err)
	}
	return nil
}

func (s *DenormStore) ApplyEngagementDelta(ctx context.Context, subject federation.ResourceRef, counter string, delta int, eventTime time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_deltas (subject_did, subject_collection, subject_rkey, counter, delta, event_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`, subject.Did, subject.Collection, subject.RKey, counter, delta, eventTime.UTC())
	if err != nil {
		return fmt.Errorf("apply engagement delta: %w", err)
	}
	return nil
}

func (s *DenormStore) RefreshEngagementCounts(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_counts (subject_did, subject_collection, subject_rkey, counter, total, refreshed_at)
		SELECT subject_did, subject_collection, subject_rkey, counter, SUM(delta), ?
		FROM engagement_deltas
		GROUP BY subject_did, subject_collection, subject_rkey, counter
		ON CONFLICT(subject_did, subject_collection, subject_rkey, counter) DO UPDATE SET
			total = excluded.total, refreshed_at = excluded.refreshed_at
	`, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("refresh engagement counts: %w", err)
	}
	return nil
}

func (s *DenormStore) RememberEngagementSubject(ctx context.Context, did, rkey string, subject federation.ResourceRef, counter string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engagement_subjects (did, rkey, subject_did, subject_collection, subject_rkey, counter)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(did, rkey, counter) DO UPDATE SET
			subject_did = excluded.subject_did, subject_collection = excluded.subject_collection, subject_rkey = excluded.subject_rkey
	`, did, rkey, subject.Did, subject.Collection, subject.RKey, counter)
	if err != nil {
		return fmt.Errorf("remember engagement subject did=%s rkey=%s: %w", did, rkey, err)
	}
	return nil
}

func (s *DenormStore) RecallEngagementSubjects(ctx context.Context, did, rkey string) ([]denorm.EngagementSubject, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_did, subject_collection, subject_rkey, counter
		FROM engagement_subjects WHERE did = ? AND rkey = ?
	`, did, rkey)
	if err != nil {
		return nil, fmt.Errorf("recall engagement subjects did=%s rkey=%s: %w", did, rkey, err)
	}
	defer rows.Close()

	var out []denorm.EngagementSubject
	for rows.Next() {
		var es denorm.EngagementSubject
		if err := rows.Scan(&es.Subject.Did, &es.Subject.Collection, &es.Subject.RKey, &es.Counter); err != nil {
			return nil, fmt.Errorf("scan engagement subject: %w", err)
		}
		out = append(out, es)
	}
	return out, rows.Err()
}

func (s *DenormStore) ForgetEngagementSubjects(ctx context.Context, did, rkey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM engagement_subjects WHERE did = ? AND rkey = ?`, did, rkey)
	if err != nil {
		return fmt.Errorf("forget engagement subjects did=%s rkey=%s: %w", did, rkey, err)
	}
	return nil
}

// RefreshHandleMappings enforces spec §3 invariant 5: for any did, at
// most one active (freed = 0) row, the one with the greatest event_time.
func (s *DenormStore) RefreshHandleMappings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE handle_mappings SET freed = 1
		WHERE freed = 0 AND event_time < (
			SELECT MAX(h2.event_time) FROM handle_mappings h2 WHERE h2.did = handle_mappings.did
		)
	`)
	if err != nil {
		return fmt.Errorf("refresh handle mappings: %w", err)
	}
	return nil
}

func (s *DenormStore) RecordIdentityEvent(ctx context.Context, evt federation.IdentityEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handle_mappings (handle, did, freed, account_status, source, event_time)
		VALUES (?, ?, 0, '', 'identity', ?)
	`, evt.Handle, evt.Did, evt.EventTime.UTC())
	if err != nil {
		return fmt.Errorf("record identity event did=%s: %w", evt.Did, err)
	}
	return nil
}

func (s *DenormStore) RecordAccountStatus(ctx context.Context, evt federation.AccountEvent) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE handle_mappings SET account_status = ? WHERE did = ?
	`, string(evt.Status), evt.Did)
	if err != nil {
		return fmt.Errorf("record account status did=%s: %w", evt.Did, err)
	}
	return nil
}

func nullTime(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
