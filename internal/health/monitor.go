// Package health implements the per-worker liveness probe loop (spec §4.2).
// Grounded on other_examples' croissant health checker: one goroutine per
// watched worker, a sync.RWMutex-guarded job map, and stop/done channel
// shutdown — generalized from croissant's single-descriptor-set watcher to
// registry-driven add/remove via Registry.OnWorkersChanged.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/registry"
	"github.com/lightseekorg/smg/internal/worker"
)

// Prober is the external collaborator (spec §6): a cheap liveness check.
type Prober interface {
	Probe(ctx context.Context, w *worker.Worker, timeout time.Duration) error
}

// Config holds the monitor's tunables (spec §6 "Health" group).
type Config struct {
	Interval         time.Duration // health_check_interval
	Timeout          time.Duration // health_check_timeout
	FailureThreshold uint32        // health_failure_threshold
	SuccessThreshold uint32        // health_success_threshold
	Disabled         bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Second,
		Timeout:          2 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
}

type metrics struct {
	jobs          prometheus.Gauge
	checksTotal   prometheus.Counter
	failuresTotal prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{
		jobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_health_jobs",
			Help: "Number of workers currently being health-checked.",
		}),
		checksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_health_checks_total",
			Help: "Total number of health probes issued.",
		}),
		failuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_health_check_failures_total",
			Help: "Total number of failed health probes.",
		}),
	}
	if r != nil {
		r.MustRegister(m.jobs, m.checksTotal, m.failuresTotal)
	}
	return m
}

// Monitor runs a periodic probe against every worker currently in the
// registry, flipping Worker.Healthy per spec §4.2's threshold rules.
type Monitor struct {
	cfg    Config
	prober Prober
	log    *logrus.Entry
	metric *metrics

	mu   sync.RWMutex
	jobs map[worker.ID]*job

	stop chan struct{}
	done chan struct{}
}

type job struct {
	w      *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor bound to reg. There is no separate start call:
// probe jobs start as reg reports workers via Registry.OnWorkersChanged,
// including workers added to reg afterward.
func New(cfg Config, reg *registry.Registry, prober Prober, registerer prometheus.Registerer) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		prober: prober,
		log:    logrus.WithField("component", "health"),
		metric: newMetrics(registerer),
		jobs:   map[worker.ID]*job{},
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	reg.OnWorkersChanged(func(v *registry.View) { m.sync(v) })
	return m
}

// sync starts jobs for newly-seen workers and stops jobs for removed ones.
// Mirrors croissant Checker.run's dsChan reconciliation, but driven
// synchronously by the registry's own change notification instead of a
// buffered channel, since Add/Remove already serialize registry writers.
func (m *Monitor) sync(v *registry.View) {
	if m.cfg.Disabled {
		return
	}
	seen := map[worker.ID]struct{}{}
	m.mu.Lock()
	for _, w := range v.All() {
		seen[w.ID] = struct{}{}
		if _, exists := m.jobs[w.ID]; exists {
			continue
		}
		m.startJob(w)
	}
	for id, j := range m.jobs {
		if _, ok := seen[id]; !ok {
			j.cancel()
			delete(m.jobs, id)
			m.metric.jobs.Dec()
		}
	}
	m.mu.Unlock()
}

// startJob must be called with m.mu held.
func (m *Monitor) startJob(w *worker.Worker) {
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{w: w, cancel: cancel, done: make(chan struct{})}
	m.jobs[w.ID] = j
	m.metric.jobs.Inc()
	go m.run(ctx, j)
}

func (m *Monitor) run(ctx context.Context, j *job) {
	defer close(j.done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.probeOnce(ctx, j.w)
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, w *worker.Worker) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	m.metric.checksTotal.Inc()
	err := m.prober.Probe(probeCtx, w, m.cfg.Timeout)

	ok, fail := w.HealthCounters()
	if err != nil {
		m.metric.failuresTotal.Inc()
		ok, fail = 0, fail+1
		w.SetHealthCounters(ok, fail)
		if fail >= m.cfg.FailureThreshold && w.Healthy() {
			w.SetHealthy(false)
			m.log.WithField("worker", w.ID).Warn("worker marked unhealthy")
		}
		return
	}

	ok, fail = ok+1, 0
	w.SetHealthCounters(ok, fail)
	if ok >= m.cfg.SuccessThreshold && !w.Healthy() {
		w.SetHealthy(true)
		m.log.WithField("worker", w.ID).Info("worker marked healthy")
	}
}

// Close stops all probe goroutines and waits for them to exit.
func (m *Monitor) Close() {
	close(m.stop)
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		j.cancel()
		jobs = append(jobs, j)
	}
	m.jobs = map[worker.ID]*job{}
	m.mu.Unlock()
	for _, j := range jobs {
		<-j.done
	}
	close(m.done)
}
