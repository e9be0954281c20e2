// Package radix implements the multi-tenant approximate radix tree (spec
// §3, §4.8): a path-compressed trie whose nodes carry the set of workers
// believed to hold that prefix in their KV cache.
//
// Built fresh against the teacher's sim/prefix_cache_index_test.go
// behavioral contract (block hashing, per-worker LRU, deterministic
// results) generalized into a real path-compressed trie per spec §4.8,
// combining: edge/children node shape from other_examples' mlxvllm
// radix-node.go (adapted from single-tenant pointer-based to multi-tenant
// arena-based), path-compression/splitting technique from other_examples'
// bart routing trie, and an index-arena ownership model (spec §9) with an
// intrusive LRU list directly modeled on the teacher's KVBlock free-list
// (sim/kvcache.go's appendToFreeList/removeFromFreeList) — but ordering
// nodes by recency instead of by free/in-use.
package radix

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightseekorg/smg/internal/worker"
)

const noNode int32 = -1

// node is one arena slot. Only nodes with no children participate in the
// LRU list; an internal node (with children) is never evicted directly —
// eviction only removes leaves, promoting a newly-childless parent into the
// LRU list (spec I3).
type node struct {
	edge     []int32 // path-compressed chunk of the key, element type erased to int32
	children map[int32]int32
	workers  map[worker.ID]struct{}
	size     int // len(edge), contributes to the tree's accounted size
	lastTick uint64

	parent int32
	prevLRU int32
	nextLRU int32
	inLRU   bool
	free    bool // true if this arena slot is on the free list
}

func newNode(parent int32) *node {
	return &node{
		children: map[int32]int32{},
		workers:  map[worker.ID]struct{}{},
		parent:   parent,
		prevLRU:  noNode,
		nextLRU:  noNode,
	}
}

// MatchResult is the outcome of Match: the aligned prefix length and the
// set of workers believed to hold that prefix.
type MatchResult struct {
	AlignedLen int
	Workers    []worker.ID
}

// Tree is a single multi-tenant approximate radix tree over a key alphabet
// erased to int32 (callers pass token ids directly, or rune values cast to
// int32 for the char-alphabet/HTTP-mode path — same algorithm either way,
// per spec §4.8 "two type-specialized trees identical algorithms").
type Tree struct {
	mu sync.RWMutex

	pageSize int
	maxSize  int64

	nodes    []*node
	freeList []int32

	totalSize int64
	clock     uint64

	lruHead int32
	lruTail int32

	lastEviction time.Time
	metric       *treeMetrics
}

type treeMetrics struct {
	size      prometheus.Gauge
	evictions prometheus.Counter
}

func newTreeMetrics(r prometheus.Registerer, label string) *treeMetrics {
	if r == nil {
		return nil
	}
	m := &treeMetrics{
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "gateway_radix_tree_size",
			Help:        "Accounted size of a cache-aware radix tree.",
			ConstLabels: prometheus.Labels{"tree": label},
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "gateway_radix_tree_evictions_total",
			Help:        "Total number of leaf evictions from a cache-aware radix tree.",
			ConstLabels: prometheus.Labels{"tree": label},
		}),
	}
	r.MustRegister(m.size, m.evictions)
	return m
}

// New creates an empty Tree. pageSize must be >= 1 (spec §4.8).
func New(pageSize int, maxSize int64) *Tree {
	return NewWithMetrics(pageSize, maxSize, nil, "")
}

// NewWithMetrics creates an empty Tree that also reports size/eviction
// counters to registerer, labeled by label (e.g. a tenant or pool name). A
// nil registerer disables metrics, matching prometheus's own nil-registerer
// idiom used throughout this module (spec §6 "Metrics").
func NewWithMetrics(pageSize int, maxSize int64, registerer prometheus.Registerer, label string) *Tree {
	if pageSize < 1 {
		pageSize = 1
	}
	t := &Tree{
		pageSize: pageSize,
		maxSize:  maxSize,
		lruHead:  noNode,
		lruTail:  noNode,
		metric:   newTreeMetrics(registerer, label),
	}
	root := newNode(noNode)
	t.nodes = append(t.nodes, root) // index 0 is always the root
	return t
}

func (t *Tree) root() *node { return t.nodes[0] }

func alignDown(n, page int) int {
	if page <= 0 {
		return n
	}
	return (n / page) * page
}

// Match walks the tree following key and returns the deepest reached
// prefix, aligned down to a multiple of page size (spec I1, I4).
func (t *Tree) Match(key []int32) MatchResult {
	t.mu.RLock()
	defer t.mu.RUnlock()

	cur := t.root()
	total := 0
	for total < len(key) {
		childID, ok := cur.children[key[total]]
		if !ok {
			break
		}
		child := t.nodes[childID]
		common := commonPrefixLen(child.edge, key[total:])
		total += common
		if common < len(child.edge) {
			cur = child
			break
		}
		cur = child
	}

	aligned := alignDown(total, t.pageSize)
	return MatchResult{AlignedLen: aligned, Workers: workerList(cur.workers)}
}

func commonPrefixLen(a, b []int32) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func workerList(set map[worker.ID]struct{}) []worker.ID {
	out := make([]worker.ID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Insert records that w holds key, truncated down to a page-aligned length
// (spec I1: "insertions ... are rounded down to a multiple of page_size").
// It splits edges as needed (spec §4.8 insert) and touches last-access
// along the full path.
func (t *Tree) Insert(key []int32, w worker.ID) {
	aligned := alignDown(len(key), t.pageSize)
	if aligned == 0 {
		return
	}
	key = key[:aligned]

	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	tick := t.clock

	curID := int32(0)
	total := 0
	for total < len(key) {
		cur := t.nodes[curID]
		childID, ok := cur.children[key[total]]
		if !ok {
			t.lruRemoveLocked(curID) // cur gains a child, so it leaves the LRU list
			leafID := t.allocLeaf(curID, key[total:], w, tick)
			cur.children[key[total]] = leafID
			t.addWorkerAlongPath(curID, w, tick)
			return
		}
		child := t.nodes[childID]
		common := commonPrefixLen(child.edge, key[total:])
		if common == len(child.edge) {
			total += common
			curID = childID
			continue
		}
		// Partial match: split child's edge at the divergence point.
		midID := t.splitEdge(curID, childID, common)
		total += common
		if total == len(key) {
			t.addWorkerAlongPath(midID, w, tick)
			return
		}
		leafID := t.allocLeaf(midID, key[total:], w, tick)
		t.nodes[midID].children[key[total]] = leafID
		t.addWorkerAlongPath(midID, w, tick)
		return
	}
	// Consumed the whole (aligned) key exactly at an existing node boundary.
	t.addWorkerAlongPath(curID, w, tick)
}

// splitEdge splits child (a child of parentID) at position common,
// inserting a new mid node in its place. Both the mid node and the shrunk
// original child keep their own worker sets per spec §4.8: mid inherits a
// copy of the pre-split child's worker set (it represents the same cached
// prefix, just shortened); the shrunk child's own worker set is unchanged.
func (t *Tree) splitEdge(parentID, childID int32, common int) int32 {
	child := t.nodes[childID]
	midEdge := append([]int32{}, child.edge[:common]...)
	remaining := append([]int32{}, child.edge[common:]...)

	mid := newNode(parentID)
	mid.edge = midEdge
	mid.size = len(midEdge)
	for id := range child.workers {
		mid.workers[id] = struct{}{}
	}
	midID := t.allocID(mid)

	child.edge = remaining
	child.size = len(remaining)
	child.parent = midID
	mid.children[remaining[0]] = childID

	parent := t.nodes[parentID]
	// parent.children[firstElemOfOriginalEdge] currently points at childID;
	// retarget it at mid using the first element of mid's (the original)
	// edge, which is unchanged by the split.
	parent.children[midEdge[0]] = midID

	return midID
}

func (n *node) isLeaf() bool { return len(n.children) == 0 }

// addWorkerAlongPath adds w to id and every ancestor up to (but excluding)
// the root, refreshing last-access and moving any leaf among them to the
// LRU tail (spec §4.8: "Add worker to workers of every node on the path.
// Update last_access = now() on all touched nodes").
func (t *Tree) addWorkerAlongPath(id int32, w worker.ID, tick uint64) {
	for id > 0 {
		n := t.nodes[id]
		n.workers[w] = struct{}{}
		n.lastTick = tick
		if n.isLeaf() {
			t.lruTouchLocked(id)
		}
		id = n.parent
	}
}

// touchPath refreshes last-access (without adding a worker) from id up to
// the root; used by Touch for the on_complete cheap re-walk.
func (t *Tree) touchPath(id int32, tick uint64) {
	for id > 0 {
		n := t.nodes[id]
		n.lastTick = tick
		if n.isLeaf() {
			t.lruTouchLocked(id)
		}
		id = n.parent
	}
}

func (t *Tree) allocLeaf(parentID int32, edge []int32, w worker.ID, tick uint64) int32 {
	n := newNode(parentID)
	n.edge = append([]int32{}, edge...)
	n.size = len(n.edge)
	n.workers[w] = struct{}{}
	n.lastTick = tick
	id := t.allocID(n)
	t.totalSize += int64(n.size)
	t.reportSize()
	t.lruPushTailLocked(id)
	t.maybeEvictLocked()
	return id
}

func (t *Tree) reportSize() {
	if t.metric != nil {
		t.metric.size.Set(float64(t.totalSize))
	}
}

func (t *Tree) allocID(n *node) int32 {
	if len(t.freeList) > 0 {
		id := t.freeList[len(t.freeList)-1]
		t.freeList = t.freeList[:len(t.freeList)-1]
		n.free = false
		t.nodes[id] = n
		return id
	}
	id := int32(len(t.nodes))
	t.nodes = append(t.nodes, n)
	return id
}

// --- LRU list (leaves only) -------------------------------------------------

func (t *Tree) lruPushTailLocked(id int32) {
	n := t.nodes[id]
	if n.inLRU {
		t.lruRemoveLocked(id)
	}
	n.prevLRU = t.lruTail
	n.nextLRU = noNode
	n.inLRU = true
	if t.lruTail != noNode {
		t.nodes[t.lruTail].nextLRU = id
	} else {
		t.lruHead = id
	}
	t.lruTail = id
}

func (t *Tree) lruTouchLocked(id int32) {
	t.lruPushTailLocked(id)
}

func (t *Tree) lruRemoveLocked(id int32) {
	n := t.nodes[id]
	if !n.inLRU {
		return
	}
	if n.prevLRU != noNode {
		t.nodes[n.prevLRU].nextLRU = n.nextLRU
	} else {
		t.lruHead = n.nextLRU
	}
	if n.nextLRU != noNode {
		t.nodes[n.nextLRU].prevLRU = n.prevLRU
	} else {
		t.lruTail = n.prevLRU
	}
	n.prevLRU, n.nextLRU = noNode, noNode
	n.inLRU = false
}

// maybeEvictLocked enforces I3: while totalSize exceeds maxSize, evict the
// least-recently-touched leaf, recursing upward when a parent becomes a
// childless, workerless leaf itself.
func (t *Tree) maybeEvictLocked() {
	if t.maxSize <= 0 {
		return
	}
	for t.totalSize > t.maxSize {
		if t.lruHead == noNode {
			return
		}
		t.evictNodeLocked(t.lruHead)
	}
}

func (t *Tree) evictNodeLocked(id int32) {
	if id == 0 {
		return // never evict the root
	}
	n := t.nodes[id]
	t.lruRemoveLocked(id)
	t.totalSize -= int64(n.size)
	t.reportSize()
	parentID := n.parent

	t.freeID(id)
	t.lastEviction = time.Now()
	if t.metric != nil {
		t.metric.evictions.Inc()
	}

	if parentID == noNode {
		return
	}
	parent := t.nodes[parentID]
	for k, v := range parent.children {
		if v == id {
			delete(parent.children, k)
			break
		}
	}
	if parent.isLeaf() && len(parent.workers) == 0 && parentID != 0 {
		// Empty internal node with no direct workers of its own: merge
		// upward by evicting it too (spec I3 "path decompression is not
		// required; empty internal nodes may be merged lazily" — we take
		// the simpler route of dropping it, since it carries no
		// information once childless and workerless).
		t.evictNodeLocked(parentID)
	} else if parent.isLeaf() {
		t.lruPushTailLocked(parentID)
	}
}

func (t *Tree) freeID(id int32) {
	t.nodes[id] = newNode(noNode)
	t.nodes[id].free = true
	t.freeList = append(t.freeList, id)
}

// Touch refreshes last-access along key's matched path without modifying
// worker membership (spec §4.9 on_complete: "refresh last_access along the
// same key path (cheap re-walk)").
func (t *Tree) Touch(key []int32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.clock++
	tick := t.clock

	cur := int32(0)
	total := 0
	for total < len(key) {
		n := t.nodes[cur]
		childID, ok := n.children[key[total]]
		if !ok {
			break
		}
		child := t.nodes[childID]
		common := commonPrefixLen(child.edge, key[total:])
		total += common
		cur = childID
		if common < len(child.edge) {
			break
		}
	}
	t.touchPath(cur, tick)
}

// RemoveWorker marks w absent by deleting it from every node's worker set. This is O(nodes); spec §4.8 allows a cheaper lazy scheme
// (stale entries simply treated as empty on next match), but an explicit
// sweep keeps MatchResult.Workers free of dead ids without per-match
// filtering cost, and this is only called on worker removal, not the hot
// path.
func (t *Tree) RemoveWorker(w worker.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, n := range t.nodes {
		if n.free || id == 0 {
			continue
		}
		delete(n.workers, w)
	}
}

// Stats is the read-only diagnostic view spec §6 names per-tree.
type Stats struct {
	Size         int64
	Nodes        int
	LastEviction time.Time
}

// Stats returns diagnostic counters for this tree.
func (t *Tree) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	live := 0
	for id, n := range t.nodes {
		if id != 0 && !n.free {
			live++
		}
	}
	return Stats{Size: t.totalSize, Nodes: live, LastEviction: t.lastEviction}
}

// EvictTo forces eviction down to targetSize (used by the background
// eviction tick, spec §4.9 "Eviction runs on a background tick").
func (t *Tree) EvictTo(targetSize int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.maxSize
	t.maxSize = targetSize
	t.maybeEvictLocked()
	t.maxSize = old
}

// TotalSize returns the current accounted size (spec P4).
func (t *Tree) TotalSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSize
}
