package routing

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/lightseekorg/smg/internal/worker"
)

const virtualNodesPerWorker = 100

// ring is an immutable hash ring snapshot, published via atomic.Pointer on
// every OnWorkersChanged (spec §9 "copy-on-write publication" pattern,
// reused here for the policy's own rebuilt-on-change index rather than just
// the registry).
type ring struct {
	hashes  []uint64
	owners  []worker.ID // parallel to hashes
	workers map[worker.ID]*worker.Worker
}

func buildRing(all []*worker.Worker) *ring {
	r := &ring{workers: make(map[worker.ID]*worker.Worker, len(all))}
	for _, w := range all {
		r.workers[w.ID] = w
		for v := 0; v < virtualNodesPerWorker; v++ {
			h := xxhash.Sum64String(string(w.ID) + "#" + strconv.Itoa(v))
			r.hashes = append(r.hashes, h)
			r.owners = append(r.owners, w.ID)
		}
	}
	order := make([]int, len(r.hashes))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if r.hashes[a] != r.hashes[b] {
			return r.hashes[a] < r.hashes[b]
		}
		return r.owners[a] < r.owners[b]
	})
	hashes := make([]uint64, len(order))
	owners := make([]worker.ID, len(order))
	for i, k := range order {
		hashes[i], owners[i] = r.hashes[k], r.owners[k]
	}
	r.hashes, r.owners = hashes, owners
	return r
}

// locate returns the ring position (index into owners) for key's hash.
func (r *ring) locate(keyHash uint64) int {
	if len(r.hashes) == 0 {
		return -1
	}
	i := sort.Search(len(r.hashes), func(i int) bool { return r.hashes[i] >= keyHash })
	if i == len(r.hashes) {
		i = 0
	}
	return i
}

// walkForEligible walks clockwise from idx, skipping owners not present in
// eligible, and returns the first match (spec §4.7: "walk clockwise past
// unhealthy").
func (r *ring) walkForEligible(idx int, eligible map[worker.ID]*worker.Worker) (*worker.Worker, bool) {
	if idx < 0 {
		return nil, false
	}
	n := len(r.owners)
	for i := 0; i < n; i++ {
		id := r.owners[(idx+i)%n]
		if w, ok := eligible[id]; ok {
			return w, true
		}
	}
	return nil, false
}

// ConsistentHashing hashes the routing key (or an implicit key derived from
// headers) onto a ring, walking clockwise past ineligible owners (spec
// §4.7). A special X-SMG-Target-Worker header names a worker by its id and
// selects it directly, failing closed (returns none) if no eligible worker
// has that id; a positional index in the header is not accepted.
type ConsistentHashing struct {
	NoopLifecycle
	r atomic.Pointer[ring]
}

func NewConsistentHashing() *ConsistentHashing {
	c := &ConsistentHashing{}
	c.r.Store(&ring{})
	return c
}

func (c *ConsistentHashing) OnWorkersChanged(view View) {
	c.r.Store(buildRing(view.All()))
}

func (c *ConsistentHashing) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	eligible := map[worker.ID]*worker.Worker{}
	for _, w := range view.Eligible(exclude) {
		eligible[w.ID] = w
	}
	if len(eligible) == 0 {
		return nil, false
	}

	if req.Headers != nil {
		if target, ok := req.Headers["X-SMG-Target-Worker"]; ok && target != "" {
			w, ok := eligible[worker.ID(target)]
			return w, ok // fails closed: absent/ineligible -> ok=false
		}
	}

	r := c.r.Load()
	if len(r.owners) == 0 {
		return nil, false
	}
	h := xxhash.Sum64String(req.Key())
	idx := r.locate(h)
	return r.walkForEligible(idx, eligible)
}

// PrefixHash hashes the first PrefixTokenCount tokens to a ring position; if
// the landed worker's load exceeds avg*load_factor, it walks the ring for a
// less-loaded alternative (spec §4.7).
type PrefixHash struct {
	NoopLifecycle
	r          atomic.Pointer[ring]
	loadFactor float64
}

// NewPrefixHash creates a PrefixHash policy. loadFactor <= 0 defaults to 1.5.
func NewPrefixHash(loadFactor float64) *PrefixHash {
	if loadFactor <= 0 {
		loadFactor = 1.5
	}
	p := &PrefixHash{loadFactor: loadFactor}
	p.r.Store(&ring{})
	return p
}

func (p *PrefixHash) OnWorkersChanged(view View) {
	p.r.Store(buildRing(view.All()))
}

func (p *PrefixHash) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}
	eligible := map[worker.ID]*worker.Worker{}
	var totalActive int64
	for _, w := range candidates {
		eligible[w.ID] = w
		totalActive += w.Active()
	}
	avg := float64(totalActive) / float64(len(candidates))

	key := prefixKey(req)
	r := p.r.Load()
	if len(r.owners) == 0 {
		return best(candidates), true
	}
	h := xxhash.Sum64String(key)
	idx := r.locate(h)
	w, ok := r.walkForEligible(idx, eligible)
	if !ok {
		return nil, false
	}
	if float64(w.Active()) <= avg*p.loadFactor {
		return w, true
	}
	// Landed worker overloaded relative to average: walk the ring further
	// for the next eligible owner instead of falling back to a blind scan.
	n := len(r.owners)
	for i := 1; i < n; i++ {
		id := r.owners[(idx+i)%n]
		cand, ok := eligible[id]
		if !ok || cand.ID == w.ID {
			continue
		}
		if float64(cand.Active()) <= avg*p.loadFactor {
			return cand, true
		}
	}
	return w, true
}

func prefixKey(req *RoutingRequest) string {
	if len(req.Tokens) > 0 {
		n := req.PrefixTokenCount
		if n <= 0 || n > len(req.Tokens) {
			n = len(req.Tokens)
		}
		s := fmt.Sprintf("%v", req.Tokens[:n])
		return s
	}
	n := req.PrefixTokenCount
	if n <= 0 || n > len(req.Text) {
		n = len(req.Text)
	}
	return req.Text[:n]
}
