package radix

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightseekorg/smg/internal/worker"
)

func TestTree_Match_EmptyTree_NoMatch(t *testing.T) {
	tr := New(4, 1000)

	// GIVEN an empty tree
	// WHEN matching any key
	res := tr.Match([]int32{1, 2, 3, 4})

	// THEN nothing matches
	assert.Equal(t, 0, res.AlignedLen)
	assert.Empty(t, res.Workers)
}

func TestTree_Insert_Match_SharedPrefix(t *testing.T) {
	tr := New(4, 1000)

	// GIVEN two keys sharing their first 8 elements (2 pages) but diverging after
	keyA := []int32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	keyB := []int32{1, 2, 3, 4, 5, 6, 7, 8, 99, 98, 97, 96}

	tr.Insert(keyA, "w-a")
	tr.Insert(keyB, "w-b")

	// WHEN matching a query sharing only the first 8 elements with both
	query := []int32{1, 2, 3, 4, 5, 6, 7, 8, 50, 51, 52, 53}
	res := tr.Match(query)

	// THEN the matched length is the shared 8-element prefix (2 pages)
	require.Equal(t, 8, res.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a", "w-b"}, res.Workers)
}

func TestTree_Match_AlignsDownToPageSize(t *testing.T) {
	tr := New(4, 1000)
	tr.Insert([]int32{1, 2, 3, 4, 5, 6, 7, 8}, "w-a")

	// GIVEN a query that matches 6 of 8 inserted elements (not page-aligned)
	res := tr.Match([]int32{1, 2, 3, 4, 5, 6, 99, 99})

	// THEN the reported match is floored to the nearest page boundary (4)
	assert.Equal(t, 4, res.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a"}, res.Workers)
}

func TestTree_Insert_SubPageKey_IsDropped(t *testing.T) {
	tr := New(4, 1000)

	// GIVEN a key shorter than one page
	tr.Insert([]int32{1, 2, 3}, "w-a")

	// THEN nothing was recorded (spec I1: insertions round down to page_size)
	res := tr.Match([]int32{1, 2, 3})
	assert.Equal(t, 0, res.AlignedLen)
	assert.Empty(t, res.Workers)
}

func TestTree_Insert_SecondWorker_SamePrefix_UnionsWorkers(t *testing.T) {
	tr := New(4, 1000)
	key := []int32{1, 2, 3, 4, 5, 6, 7, 8}

	tr.Insert(key, "w-a")
	tr.Insert(key, "w-b")

	res := tr.Match(key)
	require.Equal(t, 8, res.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a", "w-b"}, res.Workers)
}

// TestTree_Insert_PropagatesWorkerToAncestors verifies invariant I2: for any
// node N and worker W in N.workers, every ancestor of N also contains W.
func TestTree_Insert_PropagatesWorkerToAncestors(t *testing.T) {
	tr := New(4, 1000)

	tr.Insert([]int32{1, 2, 3, 4}, "w-a")
	// Extends the existing leaf by another page, forcing a deeper node.
	tr.Insert([]int32{1, 2, 3, 4, 5, 6, 7, 8}, "w-b")

	// The shallow 4-element prefix must report BOTH workers, since w-b's
	// insertion must have added w-b to every ancestor along its path.
	res := tr.Match([]int32{1, 2, 3, 4})
	assert.Equal(t, 4, res.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a", "w-b"}, res.Workers)
}

func TestTree_Insert_EdgeSplit_DivergingSuffix_KeepsBothBranches(t *testing.T) {
	tr := New(1, 1000)

	tr.Insert([]int32{1, 2, 3}, "w-a")
	tr.Insert([]int32{1, 2, 4}, "w-b")

	resCommon := tr.Match([]int32{1, 2})
	assert.Equal(t, 2, resCommon.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a", "w-b"}, resCommon.Workers)

	resA := tr.Match([]int32{1, 2, 3})
	assert.Equal(t, 3, resA.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-a"}, resA.Workers)

	resB := tr.Match([]int32{1, 2, 4})
	assert.Equal(t, 3, resB.AlignedLen)
	assert.ElementsMatch(t, []worker.ID{"w-b"}, resB.Workers)
}

func TestTree_RemoveWorker_ClearsAllNodes(t *testing.T) {
	tr := New(4, 1000)
	key := []int32{1, 2, 3, 4, 5, 6, 7, 8}
	tr.Insert(key, "w-a")
	tr.Insert(key, "w-b")

	tr.RemoveWorker("w-a")

	res := tr.Match(key)
	assert.ElementsMatch(t, []worker.ID{"w-b"}, res.Workers)
}

// TestTree_LRUEviction_BoundsSize verifies invariant I3: total accounted size
// never exceeds max_size; least-recently-touched leaves are evicted first.
func TestTree_LRUEviction_BoundsSize(t *testing.T) {
	tr := New(1, 3) // page size 1, max 3 elements accounted

	for i := int32(0); i < 5; i++ {
		tr.Insert([]int32{i * 10}, worker.ID("w-a"))
	}

	stats := tr.Stats()
	assert.LessOrEqual(t, stats.Size, int64(3))

	// Oldest single-element keys were evicted; newest remain reachable.
	assert.Equal(t, 0, tr.Match([]int32{0}).AlignedLen)
	assert.Equal(t, 0, tr.Match([]int32{10}).AlignedLen)
	assert.Equal(t, 1, tr.Match([]int32{40}).AlignedLen)
}

// TestTree_Touch_RefreshesRecencyWithoutWorkers verifies Touch moves a leaf
// to the MRU end of the LRU list without mutating worker membership.
func TestTree_Touch_RefreshesRecencyWithoutWorkers(t *testing.T) {
	tr := New(1, 3)

	tr.Insert([]int32{1}, "w-a") // A
	tr.Insert([]int32{2}, "w-a") // B
	tr.Insert([]int32{3}, "w-a") // C

	// Touch A so it is no longer the least-recently-used entry.
	tr.Touch([]int32{1})

	// Insert D, which should evict B (the now-oldest untouched leaf), not A.
	tr.Insert([]int32{4}, "w-a") // D

	assert.Equal(t, 1, tr.Match([]int32{1}).AlignedLen, "A should survive (touched)")
	assert.Equal(t, 0, tr.Match([]int32{2}).AlignedLen, "B should be evicted")
	assert.Equal(t, 1, tr.Match([]int32{3}).AlignedLen, "C should survive")
	assert.Equal(t, 1, tr.Match([]int32{4}).AlignedLen, "D should be present")
}

func TestTree_EvictTo_ForcesSizeDown(t *testing.T) {
	tr := New(1, 1000)
	for i := int32(0); i < 5; i++ {
		tr.Insert([]int32{i}, "w-a")
	}
	require.Equal(t, int64(5), tr.TotalSize())

	tr.EvictTo(2)

	assert.LessOrEqual(t, tr.TotalSize(), int64(2))
}

// TestTree_Deterministic verifies that identical insert sequences against
// fresh trees produce identical match results (spec invariant I4 flavor:
// the structure is a pure function of the insert sequence).
func TestTree_Deterministic(t *testing.T) {
	build := func() *Tree {
		tr := New(4, 1000)
		tr.Insert([]int32{1, 2, 3, 4, 5, 6, 7, 8}, "w-a")
		tr.Insert([]int32{1, 2, 3, 4, 9, 10, 11, 12}, "w-b")
		return tr
	}
	t1, t2 := build(), build()

	q := []int32{1, 2, 3, 4, 9, 10, 11, 12}
	assert.Equal(t, t1.Match(q), t2.Match(q))
}
