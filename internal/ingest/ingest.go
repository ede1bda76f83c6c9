// Package ingest implements the Firehose Ingester (spec §4.A): it
// consumes the federation event stream, classifies and decodes frames,
// writes them to the raw event tables, maintains per-account revision
// state for gap detection, and persists a resumable cursor.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/weaverproto/weaver-core/internal/federation"
	"github.com/weaverproto/weaver-core/internal/stream"
)

// Config tunes batching and cursor-persistence cadence (spec §4.A
// "updated at least every N events or T seconds").
type Config struct {
	ConsumerID    string
	BatchSize     int
	BatchInterval time.Duration
	CursorEvery   int
	CursorPeriod  time.Duration
	MaxBackoff    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 200
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 2 * time.Second
	}
	if c.CursorEvery <= 0 {
		c.CursorEvery = 500
	}
	if c.CursorPeriod <= 0 {
		c.CursorPeriod = 5 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	return c
}

// Ingester is a single logical consumer identified by ConsumerID; spec
// §4.A permits multiple consumers with distinct IDs to coexist against
// the same source and store, each with its own cursor.
type Ingester struct {
	cfg    Config
	source stream.Source
	store  Store
	sink   Sink
	logger *slog.Logger
	metrics *Metrics

	pending batch

	// committedSeq/committedTime are the high-water mark of the last
	// frame actually written by flush. saveCursor persists these, never
	// pending's, so a crash between classify and the next flush cannot
	// advance the cursor past unflushed events (spec §4.A Backpressure).
	committedSeq  int64
	committedTime time.Time
}

// batch accumulates decoded events between flushes. Insertion into each
// raw table happens from exactly this one committer, preserving
// indexed_at monotonicity per table (spec §4.A Concurrency).
type batch struct {
	records    []federation.RecordEvent
	identities []federation.IdentityEvent
	accounts   []federation.AccountEvent
	deadLetters []federation.DeadLetterEvent
	highSeq    int64
	highTime   time.Time
}

func (b *batch) empty() bool {
	return len(b.records) == 0 && len(b.identities) == 0 && len(b.accounts) == 0 && len(b.deadLetters) == 0
}

func (b *batch) reset() {
	b.records = b.records[:0]
	b.identities = b.identities[:0]
	b.accounts = b.accounts[:0]
	b.deadLetters = b.deadLetters[:0]
	b.highSeq = 0
	b.highTime = time.Time{}
}

// New builds an Ingester. reg may be nil to skip metrics registration
// (e.g. in tests that construct multiple ingesters against one default
// registry).
func New(cfg Config, source stream.Source, store Store, sink Sink, logger *slog.Logger, reg prometheus.Registerer) *Ingester {
	cfg = cfg.withDefaults()
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingester{
		cfg:     cfg,
		source:  source,
		store:   store,
		sink:    sink,
		logger:  logger.With("consumer_id", cfg.ConsumerID),
		metrics: NewMetrics(reg, cfg.ConsumerID),
	}
}

// Run consumes the stream until ctx is cancelled. On cancellation it
// flushes the current batch, advances the cursor to the committed
// high-water mark, and returns (spec §5 Cancellation).
func (ing *Ingester) Run(ctx context.Context) error {
	cursor, err := ing.store.GetCursor(ctx, ing.cfg.ConsumerID)
	if err != nil {
		return fmt.Errorf("ingest: load cursor: %w", err)
	}
	fromSeq := int64(0)
	if cursor != nil {
		fromSeq = cursor.Seq
		ing.committedSeq = cursor.Seq
		ing.committedTime = cursor.EventTime
	}

	frames, streamErrs, err := ing.source.Dial(ctx, fromSeq)
	if err != nil {
		return fmt.Errorf("ingest: dial stream: %w", err)
	}

	ticker := time.NewTicker(ing.cfg.BatchInterval)
	defer ticker.Stop()

	sinceLastCursor := 0
	lastCursorSave := time.Now()

	for {
		select {
		case <-ctx.Done():
			ing.flush(context.Background())
			ing.saveCursor(context.Background())
			return ctx.Err()

		case err, ok := <-streamErrs:
			if ok && err != nil {
				ing.logger.Warn("stream error", "error", err)
			}

		case f, ok := <-frames:
			if !ok {
				// Upstream closed for good (ctx cancellation already
				// handled above); flush what we have and stop.
				ing.flush(context.Background())
				ing.saveCursor(context.Background())
				return nil
			}
			ing.classify(f)
			sinceLastCursor++
			if len(ing.pending.records)+len(ing.pending.identities)+len(ing.pending.accounts)+len(ing.pending.deadLetters) >= ing.cfg.BatchSize {
				ing.flush(ctx)
			}
			if sinceLastCursor >= ing.cfg.CursorEvery || time.Since(lastCursorSave) >= ing.cfg.CursorPeriod {
				ing.saveCursor(ctx)
				sinceLastCursor = 0
				lastCursorSave = time.Now()
			}

		case <-ticker.C:
			ing.flush(ctx)
			if time.Since(lastCursorSave) >= ing.cfg.CursorPeriod {
				ing.saveCursor(ctx)
				lastCursorSave = time.Now()
			}
		}
	}
}

// classify routes one frame into the pending batch, decoding it and
// dead-lettering on failure (spec §4.A "Decode failure").
func (ing *Ingester) classify(f stream.Frame) {
	if f.Seq > ing.pending.highSeq {
		ing.pending.highSeq = f.Seq
	}
	if f.EventTime.After(ing.pending.highTime) {
		ing.pending.highTime = f.EventTime
	}

	switch f.Kind {
	case stream.KindRecord:
		evt, err := decodeRecord(f)
		if err != nil {
			ing.deadLetter(f, err)
			return
		}
		ing.pending.records = append(ing.pending.records, evt)

	case stream.KindIdentity:
		evt, err := decodeIdentity(f)
		if err != nil {
			ing.deadLetter(f, err)
			return
		}
		ing.pending.identities = append(ing.pending.identities, evt)

	case stream.KindAccount:
		evt, err := decodeAccount(f)
		if err != nil {
			ing.deadLetter(f, err)
			return
		}
		ing.pending.accounts = append(ing.pending.accounts, evt)

	case stream.KindInfo:
		// Heartbeats and restart notices carry no row of their own.

	default:
		ing.deadLetter(f, fmt.Errorf("unknown frame kind %q", f.Kind))
	}
}

func (ing *Ingester) deadLetter(f stream.Frame, cause error) {
	ing.metrics.DecodeErrors.Inc()
	ing.pending.deadLetters = append(ing.pending.deadLetters, federation.DeadLetterEvent{
		ID:         uuid.NewString(),
		Seq:        f.Seq,
		RawBytes:   f.Payload,
		Error:      cause.Error(),
		ReceivedAt: time.Now().UTC(),
	})
	ing.logger.Warn("dead-lettered frame", "seq", f.Seq, "kind", f.Kind, "error", cause)
}

// flush commits the pending batch and advances committedSeq/committedTime
// to what this call wrote. If the sink blocks, this call blocks with it —
// backpressure propagates to the read loop, and saveCursor can only ever
// persist up through the last successful flush (spec §4.A Backpressure).
func (ing *Ingester) flush(ctx context.Context) {
	if ing.pending.empty() {
		return
	}
	start := time.Now()
	defer func() {
		ing.metrics.BatchFlushLatency.Observe(time.Since(start).Seconds())
	}()

	records := ing.dedupAndGapCheck(ctx, ing.pending.records)
	if len(records) > 0 {
		if err := ing.store.InsertRecordEvents(ctx, records); err != nil {
			ing.logger.Error("failed to insert record events", "error", err, "count", len(records))
		} else {
			ing.metrics.EventsIngested.WithLabelValues("record").Add(float64(len(records)))
			for _, evt := range records {
				if err := ing.sink.OnRecordEvent(ctx, evt); err != nil {
					ing.logger.Error("sink rejected record event", "error", err, "did", evt.Did, "rkey", evt.RKey)
				}
			}
		}
	}

	if len(ing.pending.identities) > 0 {
		if err := ing.store.InsertIdentityEvents(ctx, ing.pending.identities); err != nil {
			ing.logger.Error("failed to insert identity events", "error", err)
		} else {
			ing.metrics.EventsIngested.WithLabelValues("identity").Add(float64(len(ing.pending.identities)))
			for _, evt := range ing.pending.identities {
				if err := ing.sink.OnIdentityEvent(ctx, evt); err != nil {
					ing.logger.Error("sink rejected identity event", "error", err, "did", evt.Did)
				}
			}
		}
	}

	if len(ing.pending.accounts) > 0 {
		if err := ing.store.InsertAccountEvents(ctx, ing.pending.accounts); err != nil {
			ing.logger.Error("failed to insert account events", "error", err)
		} else {
			ing.metrics.EventsIngested.WithLabelValues("account").Add(float64(len(ing.pending.accounts)))
			for _, evt := range ing.pending.accounts {
				if err := ing.sink.OnAccountEvent(ctx, evt); err != nil {
					ing.logger.Error("sink rejected account event", "error", err, "did", evt.Did)
				}
			}
		}
	}

	if len(ing.pending.deadLetters) > 0 {
		if err := ing.store.InsertDeadLetters(ctx, ing.pending.deadLetters); err != nil {
			ing.logger.Error("failed to insert dead letters", "error", err)
		}
	}

	if ing.pending.highSeq > ing.committedSeq {
		ing.committedSeq = ing.pending.highSeq
	}
	if ing.pending.highTime.After(ing.committedTime) {
		ing.committedTime = ing.pending.highTime
	}

	ing.pending.reset()
}

// dedupAndGapCheck applies the idempotent-duplicate rule and per-account
// gap detection to a batch of record events immediately before commit
// (spec §4.A "Duplicate", "Gap").
func (ing *Ingester) dedupAndGapCheck(ctx context.Context, events []federation.RecordEvent) []federation.RecordEvent {
	if len(events) == 0 {
		return events
	}

	out := make([]federation.RecordEvent, 0, len(events))
	// Track the running per-did watermark across this batch so that
	// multiple events for the same did within one batch are still
	// checked against each other in arrival order, not just against the
	// state as of the start of the batch.
	running := map[string]federation.AccountRevisionState{}

	for _, evt := range events {
		exists, err := ing.store.RecordEventExists(ctx, evt.Did, evt.RKey, evt.CID, evt.Rev)
		if err != nil {
			ing.logger.Error("duplicate check failed", "error", err, "did", evt.Did, "rkey", evt.RKey)
		} else if exists {
			ing.metrics.DuplicatesSkipped.Inc()
			continue
		}

		prior, ok := running[evt.Did]
		var priorPtr *federation.AccountRevisionState
		if ok {
			priorPtr = &prior
		} else {
			stored, found, err := ing.store.GetAccountRevisionState(ctx, evt.Did)
			if err == nil && found {
				priorPtr = stored
			}
		}

		state, next := classifyGap(priorPtr, evt)
		evt.ValidationState = state
		if state == federation.ValidationInvalidGap {
			ing.metrics.GapsDetected.Inc()
		}
		running[evt.Did] = next

		out = append(out, evt)
	}

	for did, state := range running {
		state.Did = did
		if err := ing.store.UpsertAccountRevisionState(ctx, state); err != nil {
			ing.logger.Error("failed to persist account revision state", "error", err, "did", did)
		}
	}

	return out
}

func (ing *Ingester) saveCursor(ctx context.Context) {
	if ing.committedSeq == 0 {
		return
	}
	cursor := federation.Cursor{
		ConsumerID: ing.cfg.ConsumerID,
		Seq:        ing.committedSeq,
		EventTime:  ing.committedTime,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := ing.store.SaveCursor(ctx, cursor); err != nil {
		ing.logger.Error("failed to save cursor", "error", err)
		return
	}
	ing.metrics.CursorSeq.Set(float64(cursor.Seq))
}
