package routing

import (
	"math/rand"
	"sync"
	"time"

	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/worker"
)

// AssignmentMode controls how Manual picks a fresh worker when a routing
// key has no usable pinned candidate (spec §4.7).
type AssignmentMode int

const (
	AssignRandom AssignmentMode = iota
	AssignMinLoad
	AssignMinGroup
)

type pin struct {
	primary  worker.ID
	fallback worker.ID
	lastUsed time.Time
}

// Manual pins a routing_key to a primary worker (remembering a fallback),
// evicting idle entries past MaxIdle (spec §4.7). Per spec §9's open
// question, when both primary and fallback are ineligible this
// implementation assigns a fresh worker and replaces the stalest of the two
// candidates, rather than leaving the key unpinned.
type Manual struct {
	mode    AssignmentMode
	maxIdle time.Duration
	rng     *rand.Rand

	// Fine-grained lock per key bucket would require a sharded map; for the
	// pin table's size in practice a single RWMutex over the whole map is
	// the teacher's own convention for small, infrequently-written maps
	// (sim/admission.go's AdmissionPolicy state), so wide locking is used
	// here too, with the eviction sweep sharing it rather than taking a
	// second global lock per spec §5 ("global lock only for eviction sweep").
	mu   sync.RWMutex
	pins map[string]*pin
}

// NewManual creates a Manual policy.
func NewManual(mode AssignmentMode, maxIdle time.Duration) *Manual {
	return &Manual{
		mode:    mode,
		maxIdle: maxIdle,
		rng:     rand.New(rand.NewSource(1)),
		pins:    map[string]*pin{},
	}
}

func (m *Manual) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}
	byID := make(map[worker.ID]*worker.Worker, len(candidates))
	for _, w := range candidates {
		byID[w.ID] = w
	}

	key := req.RoutingKey
	if key == "" {
		return m.assignFresh(candidates, byID, "", false)
	}

	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pins[key]
	if ok {
		if w, ok := byID[p.primary]; ok {
			p.lastUsed = now
			return w, true
		}
		if w, ok := byID[p.fallback]; ok {
			p.primary, p.fallback = p.fallback, p.primary
			p.lastUsed = now
			return w, true
		}
		// Both ineligible: the fresh worker replaces the fallback (the
		// stalest candidate) and the old primary becomes the fallback.
		chosen := m.pickByMode(candidates)
		if chosen == nil {
			return nil, false
		}
		p.primary, p.fallback = chosen.ID, p.primary
		p.lastUsed = now
		return chosen, true
	}
	return m.assignFreshLocked(candidates, byID, key, now)
}

func (m *Manual) assignFresh(candidates []*worker.Worker, byID map[worker.ID]*worker.Worker, key string, _ bool) (*worker.Worker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignFreshLocked(candidates, byID, key, time.Now())
}

func (m *Manual) assignFreshLocked(candidates []*worker.Worker, byID map[worker.ID]*worker.Worker, key string, now time.Time) (*worker.Worker, bool) {
	chosen := m.pickByMode(candidates)
	if chosen == nil {
		return nil, false
	}
	if key != "" {
		var fallback worker.ID
		for _, w := range candidates {
			if w.ID != chosen.ID {
				fallback = w.ID
				break
			}
		}
		m.pins[key] = &pin{primary: chosen.ID, fallback: fallback, lastUsed: now}
	}
	return chosen, true
}

func (m *Manual) pickByMode(candidates []*worker.Worker) *worker.Worker {
	switch m.mode {
	case AssignMinLoad:
		return best(candidates)
	case AssignMinGroup:
		// Group by label "group"; pick the least-populated group's
		// least-loaded member. Falls back to min-load if no labels set.
		groups := map[string][]*worker.Worker{}
		for _, w := range candidates {
			g := w.Labels["group"]
			groups[g] = append(groups[g], w)
		}
		var smallestGroup []*worker.Worker
		for _, g := range groups {
			if smallestGroup == nil || len(g) < len(smallestGroup) {
				smallestGroup = g
			}
		}
		return best(smallestGroup)
	default:
		return candidates[m.rng.Intn(len(candidates))]
	}
}

func (m *Manual) OnWorkersChanged(view View) {
	live := map[worker.ID]struct{}{}
	for _, w := range view.All() {
		live[w.ID] = struct{}{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for key, p := range m.pins {
		if now.Sub(p.lastUsed) > m.maxIdle && m.maxIdle > 0 {
			delete(m.pins, key)
			continue
		}
		_, primaryLive := live[p.primary]
		_, fallbackLive := live[p.fallback]
		if !primaryLive && !fallbackLive {
			delete(m.pins, key)
		}
	}
}

func (m *Manual) OnAdmit(*RoutingRequest, *worker.Worker)                 {}
func (m *Manual) OnComplete(*RoutingRequest, *worker.Worker, Stats)       {}
func (m *Manual) OnFail(*RoutingRequest, *worker.Worker, gatewayerr.Kind) {}
