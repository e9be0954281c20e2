package routing

import (
	"math/rand"
	"sync/atomic"

	"github.com/lightseekorg/smg/internal/worker"
)

// Random selects uniformly over eligible \ exclude (spec §4.7).
type Random struct {
	NoopLifecycle
	rng *rand.Rand
}

// NewRandom creates a Random policy.
func NewRandom() *Random {
	return &Random{rng: rand.New(rand.NewSource(1))}
}

func (p *Random) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}
	return candidates[p.rng.Intn(len(candidates))], true
}

// RoundRobin selects the next eligible worker after a monotonic counter
// (spec §4.7). The counter indexes into the eligible set ordered as
// returned by the view, giving each call a well-defined successor even as
// the eligible set's membership changes between calls.
type RoundRobin struct {
	NoopLifecycle
	counter uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (p *RoundRobin) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}
	n := atomic.AddUint64(&p.counter, 1) - 1
	return candidates[int(n%uint64(len(candidates)))], true
}

// PowerOfTwo samples two distinct eligible workers and picks the one with
// lower Active load, falling back to LoadTokens then worker id (spec §4.7).
type PowerOfTwo struct {
	NoopLifecycle
	rng *rand.Rand
}

func NewPowerOfTwo() *PowerOfTwo {
	return &PowerOfTwo{rng: rand.New(rand.NewSource(1))}
}

func (p *PowerOfTwo) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	i := p.rng.Intn(len(candidates))
	j := p.rng.Intn(len(candidates) - 1)
	if j >= i {
		j++
	}
	a, b := candidates[i], candidates[j]
	return betterOfTwo(a, b), true
}

// betterOfTwo implements the PowerOfTwo and cache-aware tie-break rule
// shared across the spec: lowest Active, then lowest LoadTokens, then
// stable id order.
func betterOfTwo(a, b *worker.Worker) *worker.Worker {
	if a.Active() != b.Active() {
		if a.Active() < b.Active() {
			return a
		}
		return b
	}
	if a.LoadTokens() != b.LoadTokens() {
		if a.LoadTokens() < b.LoadTokens() {
			return a
		}
		return b
	}
	if a.ID < b.ID {
		return a
	}
	return b
}

// best returns the tie-broken best worker among candidates by the same
// rule as betterOfTwo, generalized to N candidates (used by the cache-aware,
// bucket and manual policies, and by prefix-hash when its ring is empty).
func best(candidates []*worker.Worker) *worker.Worker {
	if len(candidates) == 0 {
		return nil
	}
	b := candidates[0]
	for _, c := range candidates[1:] {
		b = betterOfTwo(b, c)
	}
	return b
}
