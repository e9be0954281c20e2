// Package metrics centralizes the Prometheus collectors that don't belong
// to a single component's lifecycle (gate occupancy, per-worker active/
// circuit gauges, retry attempt counts) — spec §3 "Metrics registry".
// Grounded on health.newMetrics' nil-registerer idiom: collectors are
// always constructed so callers never nil-check before calling Set/Inc;
// MustRegister is skipped when the registerer is nil. (radix.newTreeMetrics
// differs: it returns nil for a nil registerer and the tree nil-checks.)
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lightseekorg/smg/internal/worker"
)

// Collectors bundles the gateway-wide gauges and counters spec §3 names.
type Collectors struct {
	WorkerActive       *prometheus.GaugeVec
	WorkerCircuitState *prometheus.GaugeVec
	GateQueueDepth     prometheus.Gauge
	GateInflight       prometheus.Gauge
	RetryAttempts      prometheus.Counter
}

// New constructs the collectors and registers them if r is non-nil.
func New(r prometheus.Registerer) *Collectors {
	c := &Collectors{
		WorkerActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_worker_active",
			Help: "In-flight request count per worker.",
		}, []string{"worker_id"}),
		WorkerCircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_worker_circuit_state",
			Help: "Circuit breaker state per worker (0=closed, 1=open, 2=half-open).",
		}, []string{"worker_id"}),
		GateQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_gate_queue_depth",
			Help: "Number of requests currently queued at the concurrency gate.",
		}),
		GateInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_gate_inflight",
			Help: "Number of requests currently holding a gate permit.",
		}),
		RetryAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_retry_attempts_total",
			Help: "Total number of dispatch attempts made by the retry engine, across all requests.",
		}),
	}
	if r != nil {
		r.MustRegister(c.WorkerActive, c.WorkerCircuitState, c.GateQueueDepth, c.GateInflight, c.RetryAttempts)
	}
	return c
}

// ObserveGate records the gate's current occupancy.
func (c *Collectors) ObserveGate(inflight, queueDepth int) {
	c.GateInflight.Set(float64(inflight))
	c.GateQueueDepth.Set(float64(queueDepth))
}

// ObserveRetry adds attempts to the running retry-attempt total.
func (c *Collectors) ObserveRetry(attempts int) {
	c.RetryAttempts.Add(float64(attempts))
}

// ObserveWorkers refreshes the per-worker active/circuit gauges from a
// registry snapshot.
func (c *Collectors) ObserveWorkers(workers []*worker.Worker) {
	for _, w := range workers {
		c.WorkerActive.WithLabelValues(string(w.ID)).Set(float64(w.Active()))
		state, _ := w.Circuit()
		c.WorkerCircuitState.WithLabelValues(string(w.ID)).Set(float64(state))
	}
}
