package editdag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/weaverproto/weaver-core/internal/federation"
)

func ref(did, rkey, cid string) *federation.StrongRef {
	return &federation.StrongRef{URI: federation.URI{Did: did, RKey: rkey}, CID: cid}
}

func timeAt(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

func TestComputeHeadsSingleChain(t *testing.T) {
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1"}
	diff1 := Node{Did: "did:plc:a", RKey: "diff1", CID: "c2", Prev: ref("did:plc:a", "root1", "c1")}
	diff2 := Node{Did: "did:plc:a", RKey: "diff2", CID: "c3", Prev: ref("did:plc:a", "diff1", "c2")}

	heads := computeHeads([]Node{root, diff1, diff2})
	require.Len(t, heads, 1)
	require.Equal(t, "diff2", heads[0].RKey)
}

func TestComputeHeadsDivergentBranches(t *testing.T) {
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1"}
	branchA := Node{Did: "did:plc:a", RKey: "diffA", CID: "c2", Prev: ref("did:plc:a", "root1", "c1")}
	branchB := Node{Did: "did:plc:b", RKey: "diffB", CID: "c3", Prev: ref("did:plc:a", "root1", "c1")}

	heads := computeHeads([]Node{root, branchA, branchB})
	require.Len(t, heads, 2)
}

func TestComputeHeadsOrphanDiffIsHead(t *testing.T) {
	// prev references a node that hasn't arrived yet.
	orphan := Node{Did: "did:plc:a", RKey: "diff1", CID: "c2", Prev: ref("did:plc:a", "root-not-yet-seen", "c0")}
	heads := computeHeads([]Node{orphan})
	require.Len(t, heads, 1)
}

func TestResolveCanonicalWalksRootToHead(t *testing.T) {
	resource := federation.ResourceRef{Did: "did:plc:a", Collection: federation.CollectionEntry, RKey: "e1"}
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1", Resource: resource}
	diff1 := Node{Did: "did:plc:a", RKey: "diff1", CID: "c2", Resource: resource, Prev: ref("did:plc:a", "root1", "c1")}
	diff2 := Node{Did: "did:plc:a", RKey: "diff2", CID: "c3", Resource: resource, Prev: ref("did:plc:a", "diff1", "c2")}

	chain, err := ResolveCanonical(resource, []Node{diff2, root, diff1})
	require.NoError(t, err)
	require.Len(t, chain, 3)
	require.Equal(t, []string{"root1", "diff1", "diff2"}, []string{chain[0].RKey, chain[1].RKey, chain[2].RKey})
}

func TestResolveCanonicalDivergentReturnsError(t *testing.T) {
	resource := federation.ResourceRef{Did: "did:plc:a", Collection: federation.CollectionEntry, RKey: "e1"}
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1", Resource: resource}
	branchA := Node{Did: "did:plc:a", RKey: "diffA", CID: "c2", Resource: resource, Prev: ref("did:plc:a", "root1", "c1")}
	branchB := Node{Did: "did:plc:b", RKey: "diffB", CID: "c3", Resource: resource, Prev: ref("did:plc:a", "root1", "c1")}

	_, err := ResolveCanonical(resource, []Node{root, branchA, branchB})
	var divergent *ErrDivergent
	require.ErrorAs(t, err, &divergent)
	require.Len(t, divergent.Heads, 2)
}

func TestWouldCreateCycleDetectsSelfReference(t *testing.T) {
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1"}
	diff1 := Node{Did: "did:plc:a", RKey: "diff1", CID: "c2", Prev: ref("did:plc:a", "root1", "c1")}

	// diff1 naming root1 as prev is fine (already the case); but root1
	// naming diff1 as its own prev (which would make root1 a diff,
	// nonsensical, but exercises the cycle arithmetic) must be caught.
	creates := WouldCreateCycle("did:plc:a", "root1", federation.StrongRef{URI: federation.URI{Did: "did:plc:a", RKey: "diff1"}, CID: "c2"}, []Node{root, diff1})
	require.True(t, creates)
}

func TestWouldCreateCycleAllowsNewDiff(t *testing.T) {
	root := Node{Did: "did:plc:a", RKey: "root1", CID: "c1"}
	creates := WouldCreateCycle("did:plc:a", "diff1", federation.StrongRef{URI: federation.URI{Did: "did:plc:a", RKey: "root1"}, CID: "c1"}, []Node{root})
	require.False(t, creates)
}

func TestResolvePublishedTieBreak(t *testing.T) {
	t1 := timeAt(100)
	t2 := timeAt(200)

	older := Node{Did: "did:plc:a", RKey: "e1", EventTime: t1}
	newer := Node{Did: "did:plc:b", RKey: "e1", EventTime: t2}

	best, ok := ResolvePublishedTieBreak([]Node{older, newer})
	require.True(t, ok)
	require.Equal(t, "did:plc:b", best.Did)
}

func TestResolvePublishedTieBreakFallsBackToDid(t *testing.T) {
	t1 := timeAt(100)
	a := Node{Did: "did:plc:z", RKey: "e1", EventTime: t1, Rev: "same"}
	b := Node{Did: "did:plc:a", RKey: "e1", EventTime: t1, Rev: "same"}

	best, ok := ResolvePublishedTieBreak([]Node{a, b})
	require.True(t, ok)
	require.Equal(t, "did:plc:a", best.Did)
}
