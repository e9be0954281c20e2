package routing

import (
	"sort"
	"sync"
	"time"

	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/worker"
)

// Bucket buckets requests by text length against adaptive boundaries, each
// bucket bound to a worker subset; on imbalance it falls back to the
// least-loaded eligible worker (spec §4.7, same imbalance thresholds as the
// cache-aware policy).
type Bucket struct {
	mu           sync.Mutex
	boundaries   []int // ascending length thresholds; len(boundaries)+1 buckets
	observed     []int // recent observed lengths, capped, feeding boundary adjustment
	lastAdjusted time.Time
	adjustEvery  time.Duration

	balanceAbs float64
	balanceRel float64
}

// NewBucket creates a Bucket policy with initial length boundaries.
func NewBucket(initialBoundaries []int, adjustEvery time.Duration, balanceAbs, balanceRel float64) *Bucket {
	b := append([]int{}, initialBoundaries...)
	sort.Ints(b)
	return &Bucket{
		boundaries:  b,
		adjustEvery: adjustEvery,
		balanceAbs:  balanceAbs,
		balanceRel:  balanceRel,
	}
}

func (b *Bucket) bucketOf(length int) (idx, numBuckets int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return sort.SearchInts(b.boundaries, length), len(b.boundaries) + 1
}

func (b *Bucket) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}

	if imbalanced(candidates, b.balanceAbs, b.balanceRel) {
		return best(candidates), true
	}

	idx, numBuckets := b.bucketOf(len(req.Text))
	subset := subsetForBucket(candidates, idx, numBuckets)
	if len(subset) == 0 {
		subset = candidates
	}
	return best(subset), true
}

// subsetForBucket deterministically partitions candidates into
// len(boundaries)+1 groups by worker id order, assigning bucket idx its
// modular slice. Adaptive boundaries change which length maps to which
// bucket; the worker partition itself is derived fresh from the current
// eligible set each call, since the worker pool is the thing that changes
// underneath a fixed boundary set.
func subsetForBucket(candidates []*worker.Worker, idx, numBuckets int) []*worker.Worker {
	sorted := append([]*worker.Worker{}, candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	if numBuckets > len(sorted) {
		numBuckets = len(sorted)
	}
	if numBuckets == 0 {
		return sorted
	}
	var subset []*worker.Worker
	for i, w := range sorted {
		if i%numBuckets == idx%numBuckets {
			subset = append(subset, w)
		}
	}
	return subset
}

func imbalanced(candidates []*worker.Worker, absThreshold, relThreshold float64) bool {
	if len(candidates) == 0 {
		return false
	}
	min, max := candidates[0].Active(), candidates[0].Active()
	for _, w := range candidates[1:] {
		if a := w.Active(); a < min {
			min = a
		} else if a > max {
			max = a
		}
	}
	floor := min
	if floor < 1 {
		floor = 1
	}
	return float64(max-min) > absThreshold && float64(max) > relThreshold*float64(floor)
}

// OnComplete feeds the observed text length into the adaptive boundary
// recomputation, run at most once per AdjustEvery (spec §4.7 "adjusted
// every adjust_interval based on observed length distribution").
func (b *Bucket) OnComplete(req *RoutingRequest, w *worker.Worker, stats Stats) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observed = append(b.observed, len(req.Text))
	if len(b.observed) > 1000 {
		b.observed = b.observed[len(b.observed)-1000:]
	}
	if b.adjustEvery <= 0 || time.Since(b.lastAdjusted) < b.adjustEvery {
		return
	}
	b.recomputeBoundariesLocked()
	b.lastAdjusted = time.Now()
}

// recomputeBoundariesLocked sets the n boundaries to the evenly spaced
// quantiles that split the recently observed length distribution into n+1
// parts (the quartile points when n is 3). Caller holds b.mu.
func (b *Bucket) recomputeBoundariesLocked() {
	if len(b.observed) == 0 {
		return
	}
	sorted := append([]int{}, b.observed...)
	sort.Ints(sorted)
	n := len(b.boundaries)
	if n == 0 {
		return
	}
	next := make([]int, n)
	for i := 0; i < n; i++ {
		pos := (i + 1) * len(sorted) / (n + 1)
		if pos >= len(sorted) {
			pos = len(sorted) - 1
		}
		next[i] = sorted[pos]
	}
	b.boundaries = next
}

func (b *Bucket) OnAdmit(*RoutingRequest, *worker.Worker)                 {}
func (b *Bucket) OnFail(*RoutingRequest, *worker.Worker, gatewayerr.Kind) {}
func (b *Bucket) OnWorkersChanged(View)                                  {}
