package crdt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalInsertBuildsText(t *testing.T) {
	doc := NewDocument("alice")

	op1, err := doc.LocalInsert(ID{}, 'h')
	require.NoError(t, err)
	op2, err := doc.LocalInsert(op1.Origin, 'i')
	require.NoError(t, err)
	_ = op2

	require.Equal(t, "hi", doc.Text())
}

func TestLocalDeleteTombstones(t *testing.T) {
	doc := NewDocument("alice")

	op1, err := doc.LocalInsert(ID{}, 'h')
	require.NoError(t, err)
	_, err = doc.LocalInsert(op1.Origin, 'i')
	require.NoError(t, err)

	_, err = doc.LocalDelete(op1.Origin)
	require.NoError(t, err)

	require.Equal(t, "i", doc.Text())
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	doc := NewDocument("alice")
	op, err := doc.LocalInsert(ID{}, 'x')
	require.NoError(t, err)

	require.NoError(t, doc.ApplyRemote(op))
	require.NoError(t, doc.ApplyRemote(op))
	require.Equal(t, "x", doc.Text())
}

func TestConcurrentInsertConvergesRegardlessOfOrder(t *testing.T) {
	opA := Op{Origin: ID{Clock: 5, Replica: "alice"}, Kind: OpInsert, Ch: 'a'}
	opB := Op{Origin: ID{Clock: 5, Replica: "bob"}, Kind: OpInsert, Ch: 'b'}

	docAB := NewDocument("alice")
	require.NoError(t, docAB.ApplyRemote(opA))
	require.NoError(t, docAB.ApplyRemote(opB))

	docBA := NewDocument("bob")
	require.NoError(t, docBA.ApplyRemote(opB))
	require.NoError(t, docBA.ApplyRemote(opA))

	require.Equal(t, docAB.Text(), docBA.Text(), "replicas must converge regardless of delivery order")
	// Same clock: "alice" < "bob" lexicographically, so alice's insert
	// sorts first per before()'s tie-break.
	require.Equal(t, "ab", docAB.Text())
}

func TestExportUpdatesSinceReturnsOnlyNewOps(t *testing.T) {
	doc := NewDocument("alice")
	op1, err := doc.LocalInsert(ID{}, 'a')
	require.NoError(t, err)

	v1 := doc.Version()

	op2, err := doc.LocalInsert(op1.Origin, 'b')
	require.NoError(t, err)

	delta := doc.ExportUpdatesSince(v1)
	require.Len(t, delta, 1)
	require.Equal(t, op2.Origin, delta[0].Origin)
}

func TestSnapshotRoundTripsIntoFreshDocument(t *testing.T) {
	source := NewDocument("alice")
	op1, err := source.LocalInsert(ID{}, 'h')
	require.NoError(t, err)
	op2, err := source.LocalInsert(op1.Origin, 'i')
	require.NoError(t, err)
	_, err = source.LocalDelete(op2.Origin)
	require.NoError(t, err)

	snapshot := source.Snapshot()

	dest := NewDocument("bob")
	errs := dest.ImportUpdates(snapshot)
	require.Empty(t, errs)
	require.Equal(t, source.Text(), dest.Text())
}

func TestApplyRemoteBuffersOutOfOrderDependencyAndReplaysOnArrival(t *testing.T) {
	source := NewDocument("alice")
	op1, err := source.LocalInsert(ID{}, 'h')
	require.NoError(t, err)
	op2, err := source.LocalInsert(op1.Origin, 'i')
	require.NoError(t, err)

	dest := NewDocument("bob")
	// op2 arrives before its dependency op1: gossip delivery gives no
	// ordering guarantee (spec §4.D "Convergence").
	err = dest.ApplyRemote(op2)
	require.Error(t, err)
	var missing *MissingDependencyError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, op1.Origin, missing.Missing)
	require.Equal(t, 1, dest.PendingCount())
	require.Equal(t, "", dest.Text(), "the dependent op must not be lost, just deferred")

	require.NoError(t, dest.ApplyRemote(op1))
	require.Equal(t, 0, dest.PendingCount(), "arrival of the dependency must drain the buffer")
	require.Equal(t, "hi", dest.Text())
}

func TestImportUpdatesSkipsMalformedOpWithoutAbortingBatch(t *testing.T) {
	doc := NewDocument("alice")
	good := Op{Origin: ID{Clock: 1, Replica: "bob"}, Kind: OpInsert, Ch: 'y'}
	bad := Op{Origin: ID{Clock: 2, Replica: "bob"}, Kind: OpInsert, After: ID{Clock: 99, Replica: "ghost"}, Ch: 'z'}
	another := Op{Origin: ID{Clock: 3, Replica: "carol"}, Kind: OpInsert, Ch: 'w'}

	errs := doc.ImportUpdates([]Op{good, bad, another})
	require.Len(t, errs, 1)
	require.Contains(t, doc.Text(), "y")
	require.Contains(t, doc.Text(), "w")
}
