package ingest

import (
	"context"

	"github.com/weaverproto/weaver-core/internal/federation"
)

// Store is the raw-tier persistence the ingester writes through. Inserts
// within one table are serialized by the caller (a single committer
// goroutine per table, spec §4.A "Concurrency") so IndexedAt stays
// monotonic; Store implementations do not need their own locking for
// that property, only for concurrent access from the read side.
type Store interface {
	InsertRecordEvents(ctx context.Context, events []federation.RecordEvent) error
	InsertIdentityEvents(ctx context.Context, events []federation.IdentityEvent) error
	InsertAccountEvents(ctx context.Context, events []federation.AccountEvent) error
	InsertDeadLetters(ctx context.Context, events []federation.DeadLetterEvent) error

	GetAccountRevisionState(ctx context.Context, did string) (*federation.AccountRevisionState, bool, error)
	UpsertAccountRevisionState(ctx context.Context, state federation.AccountRevisionState) error

	GetCursor(ctx context.Context, consumerID string) (*federation.Cursor, error)
	SaveCursor(ctx context.Context, cursor federation.Cursor) error

	// RecordEventExists supports the idempotent-duplicate check of spec
	// §4.A: "if (did, rkey, cid, rev) already present, skip".
	RecordEventExists(ctx context.Context, did, rkey, cid string, rev federation.Rev) (bool, error)

	// ListInvalidGaps returns record events flagged invalid_gap for the
	// background validator (spec §4.A, §7 Recovery).
	ListInvalidGaps(ctx context.Context, limit int) ([]federation.RecordEvent, error)
	ClearValidationState(ctx context.Context, did, rkey string, cid string, rev federation.Rev) error
}

// Sink receives successfully-validated record, identity, and account
// events so the denormalization layer (component B) can run its
// incremental materialized views. The ingester calls this synchronously
// after a successful raw-table insert, per spec's flow description in
// §2: "Events enter at A, are written to the raw-events tables, and
// trigger incremental materialized views in B."
type Sink interface {
	OnRecordEvent(ctx context.Context, event federation.RecordEvent) error
	OnIdentityEvent(ctx context.Context, event federation.IdentityEvent) error
	OnAccountEvent(ctx context.Context, event federation.AccountEvent) error
}

// NopSink discards events; useful for standalone raw ingestion or tests
// that only assert on the raw tables.
type NopSink struct{}

func (NopSink) OnRecordEvent(context.Context, federation.RecordEvent) error     { return nil }
func (NopSink) OnIdentityEvent(context.Context, federation.IdentityEvent) error { return nil }
func (NopSink) OnAccountEvent(context.Context, federation.AccountEvent) error   { return nil }
