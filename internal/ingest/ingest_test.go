package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/stream"
)

// fakeSource replays a fixed slice of frames once Dial is called, then
// closes its channel. It ignores fromSeq for simplicity in these tests.
type fakeSource struct {
	frames []stream.Frame
}

func (f *fakeSource) Dial(ctx context.Context, fromSeq int64) (<-chan stream.Frame, <-chan error, error) {
	out := make(chan stream.Frame, len(f.frames))
	errs := make(chan error)
	for _, fr := range f.frames {
		out <- fr
	}
	close(out)
	return out, errs, nil
}

// memStore is a minimal in-memory Store for exercising the Ingester
// without a database.
type memStore struct {
	mu       sync.Mutex
	records  []federation.RecordEvent
	idents   []federation.IdentityEvent
	accounts []federation.AccountEvent
	dead     []federation.DeadLetterEvent
	revState map[string]federation.AccountRevisionState
	cursor   *federation.Cursor
	seen     map[string]bool
}

func newMemStore() *memStore {
	return &memStore{
		revState: map[string]federation.AccountRevisionState{},
		seen:     map[string]bool{},
	}
}

func (m *memStore) InsertRecordEvents(ctx context.Context, events []federation.RecordEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		key := e.Did + "|" + e.RKey + "|" + e.CID + "|" + string(e.Rev)
		if m.seen[key] {
			continue
		}
		m.seen[key] = true
		m.records = append(m.records, e)
	}
	return nil
}

func (m *memStore) InsertIdentityEvents(ctx context.Context, events []federation.IdentityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.idents = append(m.idents, events...)
	return nil
}

func (m *memStore) InsertAccountEvents(ctx context.Context, events []federation.AccountEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, events...)
	return nil
}

func (m *memStore) InsertDeadLetters(ctx context.Context, events []federation.DeadLetterEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = append(m.dead, events...)
	return nil
}

func (m *memStore) GetAccountRevisionState(ctx context.Context, did string) (*federation.AccountRevisionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.revState[did]
	if !ok {
		return nil, false, nil
	}
	return &s, true, nil
}

func (m *memStore) UpsertAccountRevisionState(ctx context.Context, state federation.AccountRevisionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revState[state.Did] = state
	return nil
}

func (m *memStore) GetCursor(ctx context.Context, consumerID string) (*federation.Cursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursor, nil
}

func (m *memStore) SaveCursor(ctx context.Context, cursor federation.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := cursor
	m.cursor = &c
	return nil
}

func (m *memStore) RecordEventExists(ctx context.Context, did, rkey, cid string, rev federation.Rev) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := did + "|" + rkey + "|" + cid + "|" + string(rev)
	return m.seen[key], nil
}

func (m *memStore) ListInvalidGaps(ctx context.Context, limit int) ([]federation.RecordEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []federation.RecordEvent
	for _, r := range m.records {
		if r.ValidationState == federation.ValidationInvalidGap {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ClearValidationState(ctx context.Context, did, rkey, cid string, rev federation.Rev) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		r := &m.records[i]
		if r.Did == did && r.RKey == rkey && r.CID == cid && string(r.Rev) == string(rev) {
			r.ValidationState = federation.ValidationOK
		}
	}
	return nil
}

func recordFrame(t *testing.T, seq int64, did, rkey, cid, rev, op string) stream.Frame {
	t.Helper()
	p := stream.RecordPayload{
		Did:        did,
		Collection: federation.CollectionEntry,
		RKey:       rkey,
		CID:        cid,
		Rev:        rev,
		Op:         op,
		Record:     json.RawMessage(`{}`),
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return stream.Frame{Kind: stream.KindRecord, Seq: seq, EventTime: time.Now().UTC(), Payload: raw}
}

func TestIngesterFlushesBatchOnClose(t *testing.T) {
	rev1 := string(federation.NewRevAt(time.Unix(1000, 0)))
	rev2 := string(federation.NewRevAt(time.Unix(2000, 0)))

	src := &fakeSource{frames: []stream.Frame{
		recordFrame(t, 1, "did:plc:alice", "a1", "cid1", rev1, "create"),
		recordFrame(t, 2, "did:plc:alice", "a2", "cid2", rev2, "create"),
	}}
	store := newMemStore()

	ing := New(Config{ConsumerID: "test"}, src, store, nil, nil, prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := ing.Run(ctx)
	require.NoError(t, err)

	require.Len(t, store.records, 2)
	require.NotNil(t, store.cursor)
	require.Equal(t, int64(2), store.cursor.Seq)
}

func TestIngesterDeadLettersBadFrame(t *testing.T) {
	bad := stream.Frame{Kind: stream.KindRecord, Seq: 1, Payload: json.RawMessage(`{not json`)}
	src := &fakeSource{frames: []stream.Frame{bad}}
	store := newMemStore()

	ing := New(Config{ConsumerID: "test"}, src, store, nil, nil, prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = ing.Run(ctx)

	require.Empty(t, store.records)
	require.Len(t, store.dead, 1)
}

func TestIngesterFlagsOutOfOrderRevAsInvalidGap(t *testing.T) {
	newer := string(federation.NewRevAt(time.Unix(5000, 0)))
	older := string(federation.NewRevAt(time.Unix(1000, 0)))

	src := &fakeSource{frames: []stream.Frame{
		recordFrame(t, 1, "did:plc:bob", "a1", "cid1", newer, "create"),
		recordFrame(t, 2, "did:plc:bob", "a2", "cid2", older, "create"),
	}}
	store := newMemStore()

	ing := New(Config{ConsumerID: "test"}, src, store, nil, nil, prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = ing.Run(ctx)

	require.Len(t, store.records, 2)
	var sawGap bool
	for _, r := range store.records {
		if r.RKey == "a2" {
			sawGap = r.ValidationState == federation.ValidationInvalidGap
		}
	}
	require.True(t, sawGap, "second (older-rev) event should be flagged invalid_gap")
}

func TestIngesterSkipsDuplicateRecordEvent(t *testing.T) {
	rev := string(federation.NewRevAt(time.Unix(1000, 0)))
	frame := recordFrame(t, 1, "did:plc:carol", "a1", "cid1", rev, "create")

	src := &fakeSource{frames: []stream.Frame{frame, frame}}
	store := newMemStore()

	ing := New(Config{ConsumerID: "test"}, src, store, nil, nil, prometheus.NewRegistry())
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = ing.Run(ctx)

	require.Len(t, store.records, 1)
}

// TestSaveCursorNeverAdvancesPastLastFlush reproduces the scenario where
// CursorEvery frames have been classified into pending but not all of
// them have been flushed yet: saveCursor must persist only the
// high-water mark of the last successful flush, never pending's
// still-uncommitted high-water mark (spec §4.A Backpressure).
func TestSaveCursorNeverAdvancesPastLastFlush(t *testing.T) {
	store := newMemStore()
	ing := New(Config{ConsumerID: "test", BatchSize: 200, CursorEvery: 500}, nil, store, nil, nil, prometheus.NewRegistry())

	for seq := int64(1); seq <= 400; seq++ {
		ing.classify(recordFrame(t, seq, "did:plc:erin", "r"+string(rune(seq)), "cid", string(federation.NewRevAt(time.Unix(seq, 0))), "create"))
	}
	ing.flush(context.Background())
	require.Equal(t, int64(400), ing.committedSeq)

	for seq := int64(401); seq <= 500; seq++ {
		ing.classify(recordFrame(t, seq, "did:plc:erin", "r"+string(rune(seq)), "cid", string(federation.NewRevAt(time.Unix(seq, 0))), "create"))
	}
	// 500 frames have now been classified (CursorEvery threshold), but
	// frames 401-500 are still unflushed.
	ing.saveCursor(context.Background())

	require.NotNil(t, store.cursor)
	require.Equal(t, int64(400), store.cursor.Seq, "cursor must not advance past the last committed flush")
}

func TestGapValidatorClearsResolvedGap(t *testing.T) {
	store := newMemStore()
	store.records = []federation.RecordEvent{
		{Did: "did:plc:dan", RKey: "a1", CID: "cid1", Rev: "older", ValidationState: federation.ValidationInvalidGap},
	}
	store.revState["did:plc:dan"] = federation.AccountRevisionState{Did: "did:plc:dan", LastRev: "zzzz"}

	v := NewGapValidator(store, time.Millisecond)
	err := v.sweepOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, federation.ValidationOK, store.records[0].ValidationState)
}
