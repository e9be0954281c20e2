// Package breaker implements the per-worker circuit breaker (spec §4.3).
// Driven by request outcomes, independent of the Health Monitor. Grounded
// directly on the spec's state machine; logging follows the teacher's
// small-struct-with-constructor convention (sim/admission.go) and its
// logrus usage throughout sim/.
package breaker

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/worker"
)

// Config holds the breaker's tunables (spec §6 "Breaker" group).
type Config struct {
	FailureThreshold uint32        // cb_failure_threshold
	SuccessThreshold uint32        // cb_success_threshold
	Timeout          time.Duration // cb_timeout_duration
	Window           time.Duration // cb_window_duration
	Disabled         bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		Window:           10 * time.Second,
	}
}

// Breaker evaluates request outcomes against a shared Config and mutates
// the affected Worker's circuit state directly (the state lives on the
// Worker record itself, per spec §3, so eligibility checks elsewhere need
// no separate lookup).
type Breaker struct {
	cfg Config
	log *logrus.Entry

	// windowStart, per worker, is tracked on the worker record's own
	// counters: a failure window is approximated by resetting counters
	// whenever a success is observed, and by the breaker checking elapsed
	// time against Window before counting a failure (sliding window by
	// truncation, which is what the teacher's own counters-not-timestamps
	// style favors throughout sim/admission.go's TokenBucket).
	//
	// Concurrent requests against the same worker can call RecordFailure at
	// once; this map needs its own short lock distinct from the worker
	// record's own lock (spec §5: "compound updates use a short lock").
	mu            sync.Mutex
	windowStarted map[worker.ID]time.Time
}

// New creates a Breaker. log may be nil for a no-op logger field.
func New(cfg Config, log *logrus.Entry) *Breaker {
	if log == nil {
		log = logrus.WithField("component", "breaker")
	}
	return &Breaker{cfg: cfg, log: log, windowStarted: map[worker.ID]time.Time{}}
}

// RecordSuccess reports a successful dispatch outcome for w.
func (b *Breaker) RecordSuccess(w *worker.Worker) {
	if b.cfg.Disabled {
		return
	}
	state, _ := w.Circuit()
	switch state {
	case worker.CircuitHalfOpen:
		successes := w.ConsecutiveSuccesses() + 1
		w.SetConsecutive(0, successes)
		if successes >= b.cfg.SuccessThreshold {
			w.SetCircuit(worker.CircuitClosed, time.Time{})
			w.SetConsecutive(0, 0)
			b.log.WithField("worker", w.ID).Info("circuit closed after recovery")
		}
	case worker.CircuitClosed:
		w.SetConsecutive(0, w.ConsecutiveSuccesses()+1)
	case worker.CircuitOpen:
		// Lazy transition to HalfOpen happens in Worker.Eligible; a success
		// recorded here while still nominally Open means a probe raced the
		// transition. Treat it as a HalfOpen success.
		w.SetCircuit(worker.CircuitHalfOpen, time.Time{})
		w.SetConsecutive(0, 1)
	}
}

// RecordFailure reports a failing dispatch outcome for w. Call only for
// outcomes gatewayerr.CountsAsFailure classifies as countable (spec §4.3:
// client cancellation and fatal 4xx validation errors are excluded by the
// caller before reaching here).
func (b *Breaker) RecordFailure(w *worker.Worker) {
	if b.cfg.Disabled {
		return
	}
	now := time.Now()
	state, _ := w.Circuit()

	if state == worker.CircuitHalfOpen {
		b.openWorker(w, now)
		return
	}

	b.mu.Lock()
	start, tracked := b.windowStarted[w.ID]
	if !tracked || now.Sub(start) > b.cfg.Window {
		b.windowStarted[w.ID] = now
		b.mu.Unlock()
		w.SetConsecutive(1, 0)
	} else {
		b.mu.Unlock()
		w.SetConsecutive(w.ConsecutiveFailures()+1, 0)
	}

	if w.ConsecutiveFailures() >= b.cfg.FailureThreshold {
		b.openWorker(w, now)
	}
}

func (b *Breaker) openWorker(w *worker.Worker, now time.Time) {
	w.SetCircuit(worker.CircuitOpen, now.Add(b.cfg.Timeout))
	w.SetConsecutive(0, 0)
	b.mu.Lock()
	delete(b.windowStarted, w.ID)
	b.mu.Unlock()
	b.log.WithField("worker", w.ID).Warn("circuit opened")
}
