package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// RawStore implements ingest.Store against the analytical tier. Writes to
// each table happen from a single caller (the ingester's committer), so
// no additional locking is done here beyond what database/sql already
// serializes through the connection pool.
type RawStore struct {
	db *DB
}

// NewRawStore wraps db for raw-tier writes and reads.
func NewRawStore(db *DB) *RawStore {
	return &RawStore{db: db}
}

func (s *RawStore) InsertRecordEvents(ctx context.Context, events []federation.RecordEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO raw_record_events
			(did, collection, rkey, cid, rev, record_json, op, seq, event_time, indexed_at, is_live, validation_state)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert record events: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, evt := range events {
		isLive := 0
		if evt.IsLive && evt.Op != federation.OpDelete {
			isLive = 1
		}
		if _, err := stmt.ExecContext(ctx, evt.Did, evt.Collection, evt.RKey, evt.CID, string(evt.Rev),
			evt.RecordJSON, string(evt.Op), evt.Seq, evt.EventTime.UTC(), now, isLive, string(evt.ValidationState)); err != nil {
			return fmt.Errorf("insert record event did=%s rkey=%s: %w", evt.Did, evt.RKey, err)
		}
	}

	return tx.Commit()
}

func (s *RawStore) InsertIdentityEvents(ctx context.Context, events []federation.IdentityEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_identity_events (did, handle, seq, event_time, indexed_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert identity events: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, evt := range events {
		if _, err := stmt.ExecContext(ctx, evt.Did, evt.Handle, evt.Seq, evt.EventTime.UTC(), now); err != nil {
			return fmt.Errorf("insert identity event did=%s: %w", evt.Did, err)
		}
	}

	return tx.Commit()
}

func (s *RawStore) InsertAccountEvents(ctx context.Context, events []federation.AccountEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_account_events (did, active, status, seq, event_time, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert account events: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, evt := range events {
		active := 0
		if evt.Active {
			active = 1
		}
		if _, err := stmt.ExecContext(ctx, evt.Did, active, string(evt.Status), evt.Seq, evt.EventTime.UTC(), now); err != nil {
			return fmt.Errorf("insert account event did=%s: %w", evt.Did, err)
		}
	}

	return tx.Commit()
}

func (s *RawStore) InsertDeadLetters(ctx context.Context, events []federation.DeadLetterEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dead_letter_events (id, seq, raw_bytes, error, received_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert dead letters: %w", err)
	}
	defer stmt.Close()

	for _, evt := range events {
		if _, err := stmt.ExecContext(ctx, evt.ID, evt.Seq, evt.RawBytes, evt.Error, evt.ReceivedAt.UTC()); err != nil {
			return fmt.Errorf("insert dead letter id=%s: %w", evt.ID, err)
		}
	}

	return tx.Commit()
}

func (s *RawStore) GetAccountRevisionState(ctx context.Context, did string) (*federation.AccountRevisionState, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT did, last_rev, last_cid, last_seq, last_event_time
		FROM account_revision_state WHERE did = ?
	`, did)

	var state federation.AccountRevisionState
	var rev, cid string
	var lastEventTime time.Time
	if err := row.Scan(&state.Did, &rev, &cid, &state.LastSeq, &lastEventTime); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get account revision state did=%s: %w", did, err)
	}
	state.LastRev = federation.Rev(rev)
	state.LastCID = cid
	state.LastEventTime = lastEventTime
	return &state, true, nil
}

func (s *RawStore) UpsertAccountRevisionState(ctx context.Context, state federation.AccountRevisionState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_revision_state (did, last_rev, last_cid, last_seq, last_event_time)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(did) DO UPDATE SET
			last_rev = excluded.last_rev,
			last_cid = excluded.last_cid,
			last_seq = excluded.last_seq,
			last_event_time = excluded.last_event_time
	`, state.Did, string(state.LastRev), state.LastCID, state.LastSeq, state.LastEventTime.UTC())
	if err != nil {
		return fmt.Errorf("upsert account revision state did=%s: %w", state.Did, err)
	}
	return nil
}

func (s *RawStore) GetCursor(ctx context.Context, consumerID string) (*federation.Cursor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT consumer_id, seq, event_time, updated_at FROM cursors WHERE consumer_id = ?
	`, consumerID)

	var c federation.Cursor
	if err := row.Scan(&c.ConsumerID, &c.Seq, &c.EventTime, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get cursor consumer=%s: %w", consumerID, err)
	}
	return &c, nil
}

func (s *RawStore) SaveCursor(ctx context.Context, cursor federation.Cursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (consumer_id, seq, event_time, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(consumer_id) DO UPDATE SET
			seq = excluded.seq,
			event_time = excluded.event_time,
			updated_at = excluded.updated_at
	`, cursor.ConsumerID, cursor.Seq, cursor.EventTime.UTC(), cursor.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save cursor consumer=%s: %w", cursor.ConsumerID, err)
	}
	return nil
}

func (s *RawStore) RecordEventExists(ctx context.Context, did, rkey, cid string, rev federation.Rev) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM raw_record_events WHERE did = ? AND rkey = ? AND cid = ? AND rev = ? LIMIT 1
	`, did, rkey, cid, string(rev)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check record event existence did=%s rkey=%s: %w", did, rkey, err)
	}
	return true, nil
}

func (s *RawStore) ListInvalidGaps(ctx context.Context, limit int) ([]federation.RecordEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT did, collection, rkey, cid, rev, op, seq, event_time
		FROM raw_record_events
		WHERE validation_state = 'invalid_gap'
		ORDER BY id ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invalid gaps: %w", err)
	}
	defer rows.Close()

	var out []federation.RecordEvent
	for rows.Next() {
		var evt federation.RecordEvent
		var rev, op string
		if err := rows.Scan(&evt.Did, &evt.Collection, &evt.RKey, &evt.CID, &rev, &op, &evt.Seq, &evt.EventTime); err != nil {
			return nil, fmt.Errorf("scan invalid gap row: %w", err)
		}
		evt.Rev = federation.Rev(rev)
		evt.Op = federation.Op(op)
		evt.ValidationState = federation.ValidationInvalidGap
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *RawStore) ClearValidationState(ctx context.Context, did, rkey, cid string, rev federation.Rev) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE raw_record_events SET validation_state = 'ok'
		WHERE did = ? AND rkey = ? AND cid = ? AND rev = ?
	`, did, rkey, cid, string(rev))
	if err != nil {
		return fmt.Errorf("clear validation state did=%s rkey=%s: %w", did, rkey, err)
	}
	return nil
}
