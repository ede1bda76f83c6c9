package crdt

import (
	"errors"
	"fmt"
	"sync"
)

// Version is an opaque vector-clock-like marker (spec §4.D "Model"): the
// highest Lamport clock seen from each replica. A nil or empty Version
// means "from the beginning", so ExportUpdatesSince(nil) is a full
// snapshot export.
type Version map[string]uint64

// Clone returns an independent copy of v.
func (v Version) Clone() Version {
	out := make(Version, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Document is one collaboratively-edited resource's CRDT state: the RGA
// plus the append-only operation log and version vector needed to
// export deltas and full snapshots.
type Document struct {
	mu      sync.Mutex
	replica string
	rga     *RGA
	log     []Op
	applied map[ID]bool
	vector  Version

	// pending buffers ops that couldn't be applied because the element
	// they depend on hasn't arrived yet, keyed by that missing ID.
	// Replayed once the dependency is observed, so a causally-dependent
	// op delivered out of order (gossip gives no ordering guarantee) is
	// not lost — it converges once its dependency shows up, rather than
	// relying solely on a full-sync round trip (spec §4.D "Convergence").
	pending map[ID][]Op
}

// NewDocument creates an empty document owned by the given replica
// (the local peer's node_id, spec §4.D step 2).
func NewDocument(replica string) *Document {
	return &Document{
		replica: replica,
		rga:     NewRGA(),
		applied: make(map[ID]bool),
		vector:  Version{},
		pending: make(map[ID][]Op),
	}
}

// Text returns the document's current live text.
func (d *Document) Text() string {
	return d.rga.Text()
}

// Version returns a copy of the document's current version vector.
func (d *Document) Version() Version {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// nextLocalID is only safe under the single-owner assumption of spec
// §5's collaboration domain: one task owns a Document and serializes
// LocalInsert/LocalDelete calls through it.
func (d *Document) nextLocalID() ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ID{Clock: d.rga.Clock() + 1, Replica: d.replica}
}

// LocalInsert applies a local insertion of ch immediately after the
// character identified by after (the zero ID means "at the document
// head") and returns the generated Op for broadcast (spec §4.D step 5).
func (d *Document) LocalInsert(after ID, ch rune) (Op, error) {
	op := Op{Origin: d.nextLocalID(), Kind: OpInsert, After: after, Ch: ch}
	if err := d.apply(op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// LocalDelete tombstones the character identified by target and returns
// the generated Op for broadcast.
func (d *Document) LocalDelete(target ID) (Op, error) {
	op := Op{Origin: d.nextLocalID(), Kind: OpDelete, Target: target}
	if err := d.apply(op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// ApplyRemote imports a peer-originated update. Idempotent, commutative,
// associative: applying the same op twice, or in a different order
// relative to other non-causally-dependent ops, converges to the same
// document (spec §4.D "Convergence").
func (d *Document) ApplyRemote(op Op) error {
	return d.apply(op)
}

func (d *Document) apply(op Op) error {
	d.mu.Lock()
	if d.applied[op.Origin] {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.rga.Apply(op); err != nil {
		var missing *MissingDependencyError
		if errors.As(err, &missing) {
			d.mu.Lock()
			d.pending[missing.Missing] = append(d.pending[missing.Missing], op)
			d.mu.Unlock()
			return err
		}
		return fmt.Errorf("crdt: apply op %+v: %w", op.Origin, err)
	}

	d.mu.Lock()
	d.applied[op.Origin] = true
	d.log = append(d.log, op)
	if op.Origin.Clock > d.vector[op.Origin.Replica] {
		d.vector[op.Origin.Replica] = op.Origin.Clock
	}
	waiting := d.pending[op.Origin]
	delete(d.pending, op.Origin)
	d.mu.Unlock()

	// Replaying may itself unblock further waiters (a chain of
	// dependent inserts arriving in reverse order), so each replay goes
	// back through apply rather than being applied directly.
	for _, waiter := range waiting {
		_ = d.apply(waiter)
	}
	return nil
}

// PendingCount returns the number of ops currently buffered on a missing
// dependency, for diagnostics and tests.
func (d *Document) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ops := range d.pending {
		n += len(ops)
	}
	return n
}

// ExportUpdatesSince returns every applied op not yet reflected in since
// (spec §4.D "Export of updates since version V"). A nil/empty since
// returns the full operation log, serving as the document's snapshot
// export — reapplying it elsewhere reconstructs identical state because
// insertion/deletion order is resolved deterministically by before().
func (d *Document) ExportUpdatesSince(since Version) []Op {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []Op
	for _, op := range d.log {
		if op.Origin.Clock > since[op.Origin.Replica] {
			out = append(out, op)
		}
	}
	return out
}

// Snapshot exports the document's full state (spec §4.D "Export of a
// compact snapshot").
func (d *Document) Snapshot() []Op {
	return d.ExportUpdatesSince(nil)
}

// ImportUpdates applies a batch of ops, typically the result of
// ExportUpdatesSince or Snapshot from a peer (spec §4.D "Import of
// updates"). An op with an unmet dependency is buffered and retried once
// that dependency is observed, rather than lost (spec §4.D
// "Convergence"); an op that is malformed in some other way (e.g. an
// unknown kind) is skipped for good, so it doesn't block convergence of
// the rest (spec §4.D "Malformed update: rejected locally"). Either way
// the failing op's error is reported, not swallowed.
func (d *Document) ImportUpdates(ops []Op) []error {
	var errs []error
	for _, op := range ops {
		if err := d.ApplyRemote(op); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
