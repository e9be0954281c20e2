// Package registry owns the authoritative set of workers and publishes
// cheap, consistent read snapshots to the hot path. Grounded on the
// teacher's RouterState/RoutingSnapshot publication pattern
// (sim/router_state.go, sim/cluster/cluster.go: a []RoutingSnapshot rebuilt
// before every routing decision) generalized from "rebuild every simulated
// step" to "publish a new immutable View via atomic pointer swap on every
// add/remove" (spec §9, "Global mutable state"). Health and circuit changes
// do not publish a new View: they are read live from the shared Worker
// records the View points at.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/worker"
)

// Capabilities is the external collaborator Add queries for capability
// probing, with its own timeout, independent of the Health Monitor's
// recurring probe. A failed query does not stop admission: workers are
// admitted with Healthy=false and health is established by the Health
// Monitor before the worker becomes eligible (spec §4.1).
type Capabilities interface {
	Query(ctx context.Context, url string, timeout time.Duration) error
}

// View is a read-only, consistent view of the worker set at a point in
// time. A single route() call must observe one View from first selection
// to last retry (spec §4.1 contract).
type View struct {
	workers []*worker.Worker
	byID    map[worker.ID]*worker.Worker
	taken   time.Time
}

// All returns every worker in the view, regardless of role or eligibility.
func (v *View) All() []*worker.Worker { return v.workers }

// Get returns the worker with the given id, if still present in this view.
func (v *View) Get(id worker.ID) (*worker.Worker, bool) {
	w, ok := v.byID[id]
	return w, ok
}

// Eligible returns workers that are healthy and circuit-not-open, excluding
// any id present in exclude.
func (v *View) Eligible(exclude map[worker.ID]struct{}) []*worker.Worker {
	now := time.Now()
	out := make([]*worker.Worker, 0, len(v.workers))
	for _, w := range v.workers {
		if _, skip := exclude[w.ID]; skip {
			continue
		}
		if w.Eligible(now) {
			out = append(out, w)
		}
	}
	return out
}

// OfRole filters the view to a single role (used by the PD coordinator).
func (v *View) OfRole(role worker.Role) *View {
	filtered := make([]*worker.Worker, 0, len(v.workers))
	byID := make(map[worker.ID]*worker.Worker, len(v.workers))
	for _, w := range v.workers {
		if w.Role == role {
			filtered = append(filtered, w)
			byID[w.ID] = w
		}
	}
	return &View{workers: filtered, byID: byID, taken: v.taken}
}

// Registry owns the worker set. Mutations are rare; reads are hot-path and
// must never block on a writer for long.
type Registry struct {
	mu           sync.Mutex // serializes writers only
	current      atomic.Pointer[View]
	nextSeq      uint64
	capabilities Capabilities
	log          *logrus.Entry
	startupWait  time.Duration

	onChanged []func(*View) // policy index-rebuild hooks (spec §3 PolicyState lifecycle)
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithCapabilities sets the capability-query collaborator used by Add.
func WithCapabilities(c Capabilities) Option {
	return func(r *Registry) { r.capabilities = c }
}

// WithStartupTimeout sets worker_startup_timeout (spec §4.1).
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Registry) { r.startupWait = d }
}

// WithLogger sets the logger used for add/remove lifecycle events.
func WithLogger(log *logrus.Entry) Option {
	return func(r *Registry) { r.log = log }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:         logrus.WithField("component", "registry"),
		startupWait: 5 * time.Second,
	}
	empty := &View{byID: map[worker.ID]*worker.Worker{}}
	r.current.Store(empty)
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnWorkersChanged registers a callback invoked (synchronously, from the
// writer) after every successful Add/Remove, so policies can rebuild
// indexes (spec §4.6 on_workers_changed).
func (r *Registry) OnWorkersChanged(fn func(*View)) {
	r.mu.Lock()
	r.onChanged = append(r.onChanged, fn)
	r.mu.Unlock()
}

// Add validates and admits a worker. Capability query failures (if a
// Capabilities collaborator is configured) do not block admission — the
// worker simply stays ineligible until the Health Monitor marks it healthy
// (spec §4.1 partial-failure semantics).
func (r *Registry) Add(ctx context.Context, spec worker.Spec) (worker.ID, error) {
	if spec.URL == "" {
		return "", fmt.Errorf("registry: worker URL must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextSeq++
	id := worker.ID(fmt.Sprintf("w-%d", r.nextSeq))
	w := worker.New(id, spec)

	if r.capabilities != nil {
		probeCtx, cancel := context.WithTimeout(ctx, r.startupWait)
		err := r.capabilities.Query(probeCtx, spec.URL, r.startupWait)
		cancel()
		if err != nil {
			r.log.WithError(err).WithField("worker", id).Warn("capability query failed; admitting as ineligible")
		}
	}

	old := r.current.Load()
	next := cloneWithAdd(old, w)
	r.current.Store(next)
	r.log.WithField("worker", id).WithField("url", spec.URL).Info("worker added")
	r.notify(next)
	return id, nil
}

// Remove marks a worker for drain: it is excluded from all future
// snapshots immediately; in-flight requests finish on the old handle since
// they hold a reference from a View taken before removal.
func (r *Registry) Remove(id worker.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current.Load()
	w, ok := old.byID[id]
	if !ok {
		return fmt.Errorf("registry: unknown worker %q", id)
	}
	w.SetDraining()

	next := cloneWithRemove(old, id)
	r.current.Store(next)
	r.log.WithField("worker", id).Info("worker removed")
	r.notify(next)
	return nil
}

func (r *Registry) notify(v *View) {
	for _, fn := range r.onChanged {
		fn(v)
	}
}

// Snapshot returns the current View. Cheap: a single atomic load.
func (r *Registry) Snapshot() *View { return r.current.Load() }

// WorkersOfRole returns a View filtered to the given role.
func (r *Registry) WorkersOfRole(role worker.Role) *View {
	return r.current.Load().OfRole(role)
}

func cloneWithAdd(old *View, w *worker.Worker) *View {
	workers := make([]*worker.Worker, 0, len(old.workers)+1)
	workers = append(workers, old.workers...)
	workers = append(workers, w)
	byID := make(map[worker.ID]*worker.Worker, len(workers))
	for _, ww := range workers {
		byID[ww.ID] = ww
	}
	return &View{workers: workers, byID: byID, taken: time.Now()}
}

func cloneWithRemove(old *View, id worker.ID) *View {
	workers := make([]*worker.Worker, 0, len(old.workers))
	for _, ww := range old.workers {
		if ww.ID != id {
			workers = append(workers, ww)
		}
	}
	byID := make(map[worker.ID]*worker.Worker, len(workers))
	for _, ww := range workers {
		byID[ww.ID] = ww
	}
	return &View{workers: workers, byID: byID, taken: time.Now()}
}
