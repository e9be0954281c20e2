// Package worker defines the per-backend handle the rest of the router
// mutates and reads: identity, role, health, circuit state and load
// counters. Grounded on the teacher's RoutingSnapshot (sim/routing.go) and
// generalized from a read-only snapshot struct into the live, mutable
// record spec §3 describes — mutation is internal (atomics + a short-lived
// lock for the compound circuit state), reads are via Snapshot().
package worker

import (
	"sync"
	"sync/atomic"
	"time"
)

// Role identifies what part of the prefill/decode split a worker serves.
type Role int

const (
	RoleRegular Role = iota
	RolePrefill
	RoleDecode
)

func (r Role) String() string {
	switch r {
	case RolePrefill:
		return "prefill"
	case RoleDecode:
		return "decode"
	default:
		return "regular"
	}
}

// Runtime identifies the transport a worker speaks.
type Runtime int

const (
	RuntimeHTTP Runtime = iota
	RuntimeGRPC
	RuntimeExternal
)

// CircuitState is the circuit breaker's view of a worker, stored packed
// alongside OpenUntil so breaker and router reads never tear.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// ID is a process-local stable worker identifier.
type ID string

// Spec is the input to registry.Add: the static description of a backend.
type Spec struct {
	URL            string
	Role           Role
	BootstrapPort  int // only meaningful for RolePrefill
	Runtime        Runtime
	Priority       uint8
	Cost           float32
	Labels         map[string]string
	HealthEndpoint string
}

// Worker is the mutable per-backend record. Zero value is not usable;
// construct with New. All exported accessors are safe for concurrent use.
type Worker struct {
	ID  ID
	URL string

	Role          Role
	BootstrapPort int
	Runtime       Runtime
	Priority      uint8
	Cost          float32
	Labels        map[string]string

	HealthEndpoint string

	healthy int32 // atomic bool (0/1)

	active     int64 // atomic: requests in flight
	loadTokens int64 // atomic: best-effort sum of in+out tokens assigned

	mu                   sync.RWMutex
	circuit              CircuitState
	openUntil            time.Time
	consecutiveFailures  uint32
	consecutiveSuccesses uint32

	// health-monitor-owned counters, distinct from breaker counters.
	healthConsecutiveOK   uint32
	healthConsecutiveFail uint32

	draining int32 // atomic bool (0/1): set by registry.Remove
}

// New creates a Worker record. Workers start unhealthy; the Health Monitor
// must establish health before the worker becomes eligible (spec §4.1).
func New(id ID, spec Spec) *Worker {
	labels := spec.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	return &Worker{
		ID:             id,
		URL:            spec.URL,
		Role:           spec.Role,
		BootstrapPort:  spec.BootstrapPort,
		Runtime:        spec.Runtime,
		Priority:       spec.Priority,
		Cost:           spec.Cost,
		Labels:         labels,
		HealthEndpoint: spec.HealthEndpoint,
		circuit:        CircuitClosed,
	}
}

// Healthy reports the Health Monitor's current view of this worker.
func (w *Worker) Healthy() bool { return atomic.LoadInt32(&w.healthy) == 1 }

// SetHealthy sets the health flag. Called only by the Health Monitor.
func (w *Worker) SetHealthy(v bool) {
	if v {
		atomic.StoreInt32(&w.healthy, 1)
	} else {
		atomic.StoreInt32(&w.healthy, 0)
	}
}

// Draining reports whether the worker has been removed from the registry
// and is only finishing in-flight requests.
func (w *Worker) Draining() bool { return atomic.LoadInt32(&w.draining) == 1 }

// SetDraining marks the worker as draining. Called only by the registry.
func (w *Worker) SetDraining() { atomic.StoreInt32(&w.draining, 1) }

// Active returns the current in-flight request count.
func (w *Worker) Active() int64 { return atomic.LoadInt64(&w.active) }

// IncActive increments the in-flight counter; called on admission.
func (w *Worker) IncActive() { atomic.AddInt64(&w.active, 1) }

// DecActive decrements the in-flight counter; called on completion/failure/cancellation.
func (w *Worker) DecActive() { atomic.AddInt64(&w.active, -1) }

// LoadTokens returns the best-effort token-load gauge.
func (w *Worker) LoadTokens() int64 { return atomic.LoadInt64(&w.loadTokens) }

// AddLoadTokens adjusts the token-load gauge by delta (may be negative on completion).
func (w *Worker) AddLoadTokens(delta int64) { atomic.AddInt64(&w.loadTokens, delta) }

// Circuit returns the breaker's current state and, for Open, the time it
// lazily transitions to HalfOpen.
func (w *Worker) Circuit() (CircuitState, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.circuit, w.openUntil
}

// SetCircuit sets the breaker state directly. Called only by the breaker.
func (w *Worker) SetCircuit(s CircuitState, openUntil time.Time) {
	w.mu.Lock()
	w.circuit = s
	w.openUntil = openUntil
	w.mu.Unlock()
}

// ConsecutiveFailures/Successes back the breaker's window counters.
func (w *Worker) ConsecutiveFailures() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveFailures
}

func (w *Worker) ConsecutiveSuccesses() uint32 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.consecutiveSuccesses
}

// SetConsecutive sets both breaker counters atomically with respect to each other.
func (w *Worker) SetConsecutive(failures, successes uint32) {
	w.mu.Lock()
	w.consecutiveFailures = failures
	w.consecutiveSuccesses = successes
	w.mu.Unlock()
}

// HealthCounters returns the Health Monitor's consecutive OK/fail counts.
func (w *Worker) HealthCounters() (ok, fail uint32) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.healthConsecutiveOK, w.healthConsecutiveFail
}

// SetHealthCounters sets the Health Monitor's consecutive OK/fail counts.
func (w *Worker) SetHealthCounters(ok, fail uint32) {
	w.mu.Lock()
	w.healthConsecutiveOK = ok
	w.healthConsecutiveFail = fail
	w.mu.Unlock()
}

// Eligible reports whether this worker may be selected: healthy and the
// circuit is not Open (lazily transitioning Open→HalfOpen if its timeout
// has elapsed, per spec §4.3).
func (w *Worker) Eligible(now time.Time) bool {
	if w.Draining() || !w.Healthy() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.circuit == CircuitOpen && !now.Before(w.openUntil) {
		w.circuit = CircuitHalfOpen
		w.consecutiveSuccesses = 0
	}
	return w.circuit != CircuitOpen
}

// View is an immutable, copy-out snapshot of a worker's observable state,
// safe to retain across goroutines and read without further synchronization.
type View struct {
	ID            ID
	URL           string
	Role          Role
	Runtime       Runtime
	BootstrapPort int
	Priority      uint8
	Cost          float32
	Labels        map[string]string
	Healthy       bool
	Active        int64
	LoadTokens    int64
	Circuit       CircuitState
	Eligible      bool
}

// Snapshot copies out the current observable state of the worker.
func (w *Worker) Snapshot(now time.Time) View {
	circuit, _ := w.Circuit()
	return View{
		ID:            w.ID,
		URL:           w.URL,
		Role:          w.Role,
		Runtime:       w.Runtime,
		BootstrapPort: w.BootstrapPort,
		Priority:      w.Priority,
		Cost:          w.Cost,
		Labels:        w.Labels,
		Healthy:       w.Healthy(),
		Active:        w.Active(),
		LoadTokens:    w.LoadTokens(),
		Circuit:       circuit,
		Eligible:      w.Eligible(now),
	}
}
