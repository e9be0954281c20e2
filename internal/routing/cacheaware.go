package routing

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/radix"
	"github.com/lightseekorg/smg/internal/worker"
)

// CacheAwareConfig holds the cache-aware policy's tunables (spec §6
// "Cache-aware" group).
type CacheAwareConfig struct {
	CacheThreshold      float64 // in [0,1]
	BalanceAbsThreshold float64
	BalanceRelThreshold float64
	PageSize            int
	MaxTreeSize         int64
	EvictionInterval    time.Duration
}

// CacheAwarePolicy routes by matching a request's key against a
// per-model radix tree that mirrors each worker's probable KV cache
// contents (spec §4.9). One logical tree per model (spec §3), created
// lazily on first use of a model id.
type CacheAwarePolicy struct {
	cfg        CacheAwareConfig
	registerer prometheus.Registerer

	mu    sync.Mutex
	trees map[string]*radix.Tree
	seen  map[worker.ID]struct{}

	stop chan struct{}
	done chan struct{}
}

// NewCacheAwarePolicy creates a CacheAwarePolicy. registerer may be nil.
func NewCacheAwarePolicy(cfg CacheAwareConfig, registerer prometheus.Registerer) *CacheAwarePolicy {
	return &CacheAwarePolicy{
		cfg:        cfg,
		registerer: registerer,
		trees:      map[string]*radix.Tree{},
		seen:       map[worker.ID]struct{}{},
	}
}

func (p *CacheAwarePolicy) treeFor(modelID string) *radix.Tree {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trees[modelID]
	if !ok {
		t = radix.NewWithMetrics(p.cfg.PageSize, p.cfg.MaxTreeSize, p.registerer, modelID)
		p.trees[modelID] = t
	}
	return t
}

func keyFor(req *RoutingRequest) []int32 {
	if len(req.Tokens) > 0 {
		return req.Tokens
	}
	key := make([]int32, len(req.Text))
	for i, r := range req.Text {
		key[i] = int32(r)
	}
	return key
}

func (p *CacheAwarePolicy) Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
	candidates := view.Eligible(exclude)
	if len(candidates) == 0 {
		return nil, false
	}

	if imbalanced(candidates, p.cfg.BalanceAbsThreshold, p.cfg.BalanceRelThreshold) {
		return best(candidates), true
	}

	key := keyFor(req)
	if len(key) == 0 {
		return best(candidates), true
	}

	tree := p.treeFor(req.ModelID)
	match := tree.Match(key)

	ratio := float64(match.AlignedLen) / float64(len(key))
	if ratio >= p.cfg.CacheThreshold && len(match.Workers) > 0 {
		byID := make(map[worker.ID]*worker.Worker, len(candidates))
		for _, w := range candidates {
			byID[w.ID] = w
		}
		var hit []*worker.Worker
		for _, id := range match.Workers {
			if w, ok := byID[id]; ok {
				hit = append(hit, w)
			}
		}
		if len(hit) > 0 {
			return best(hit), true
		}
	}
	// No sufficiently-matched worker among eligible candidates: per spec
	// §4.8's fallback, route to whichever eligible worker "most needs a
	// fresh prefix". Workers share one tree per model rather than owning
	// separate trees, so this degenerates to the plain load tie-break.
	return best(candidates), true
}

func (p *CacheAwarePolicy) OnAdmit(req *RoutingRequest, w *worker.Worker) {
	key := keyFor(req)
	if len(key) == 0 {
		return
	}
	p.treeFor(req.ModelID).Insert(key, w.ID)
}

func (p *CacheAwarePolicy) OnComplete(req *RoutingRequest, w *worker.Worker, stats Stats) {
	key := keyFor(req)
	if len(key) == 0 {
		return
	}
	p.treeFor(req.ModelID).Touch(key)
}

func (p *CacheAwarePolicy) OnFail(req *RoutingRequest, w *worker.Worker, kind gatewayerr.Kind) {}

// OnWorkersChanged removes workers no longer present from every model's
// tree (spec §4.9 step 7: "remove dead workers from all worker_set fields
// lazily").
func (p *CacheAwarePolicy) OnWorkersChanged(view View) {
	live := map[worker.ID]struct{}{}
	for _, w := range view.All() {
		live[w.ID] = struct{}{}
	}
	p.mu.Lock()
	dead := make([]worker.ID, 0)
	for id := range p.seen {
		if _, ok := live[id]; !ok {
			dead = append(dead, id)
		}
	}
	p.seen = live
	trees := make([]*radix.Tree, 0, len(p.trees))
	for _, t := range p.trees {
		trees = append(trees, t)
	}
	p.mu.Unlock()

	for _, id := range dead {
		for _, t := range trees {
			t.RemoveWorker(id)
		}
	}
}

// Start runs the background eviction tick (spec §4.9: "Eviction runs on a
// background tick at eviction_interval; it enforces I3 by calling
// evict_lru(max_tree_size)"). Mirrors the health monitor's stop/done
// channel shutdown.
func (p *CacheAwarePolicy) Start(ctx context.Context) {
	if p.cfg.EvictionInterval <= 0 {
		return
	}
	p.mu.Lock()
	if p.stop != nil {
		p.mu.Unlock()
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

func (p *CacheAwarePolicy) run(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.mu.Lock()
			trees := make([]*radix.Tree, 0, len(p.trees))
			for _, t := range p.trees {
				trees = append(trees, t)
			}
			p.mu.Unlock()
			for _, t := range trees {
				t.EvictTo(p.cfg.MaxTreeSize)
			}
		}
	}
}

// FlushCache discards every per-model tree (spec §6 "flush_cache()": clears
// all trees and empties policy caches).
func (p *CacheAwarePolicy) FlushCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trees = map[string]*radix.Tree{}
}

// Close stops the background eviction tick, if running.
func (p *CacheAwarePolicy) Close() {
	p.mu.Lock()
	stop := p.stop
	done := p.done
	p.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
