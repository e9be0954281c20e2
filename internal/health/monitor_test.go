package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightseekorg/smg/internal/registry"
	"github.com/lightseekorg/smg/internal/worker"
)

type fakeProber struct {
	err error
}

func (f *fakeProber) Probe(ctx context.Context, w *worker.Worker, timeout time.Duration) error {
	return f.err
}

func newTestMonitor(prober Prober, cfg Config) (*Monitor, *registry.Registry) {
	reg := registry.New()
	m := New(cfg, reg, prober, nil)
	return m, reg
}

// TestMonitor_ProbeOnce_MarksUnhealthyAfterFailureThreshold verifies spec
// §4.2: a worker starting healthy is flipped unhealthy only once consecutive
// probe failures reach health_failure_threshold.
func TestMonitor_ProbeOnce_MarksUnhealthyAfterFailureThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FailureThreshold = 2
	fp := &fakeProber{err: errors.New("connection refused")}
	m, _ := newTestMonitor(fp, cfg)

	w := worker.New("w-1", worker.Spec{URL: "http://w-1"})
	w.SetHealthy(true)

	m.probeOnce(context.Background(), w)
	assert.True(t, w.Healthy())

	m.probeOnce(context.Background(), w)
	assert.False(t, w.Healthy())
}

// TestMonitor_ProbeOnce_MarksHealthyAfterSuccessThreshold verifies the
// recovery leg: a newly-admitted (unhealthy) worker becomes eligible only
// after health_success_threshold consecutive successful probes.
func TestMonitor_ProbeOnce_MarksHealthyAfterSuccessThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SuccessThreshold = 2
	fp := &fakeProber{}
	m, _ := newTestMonitor(fp, cfg)

	w := worker.New("w-1", worker.Spec{URL: "http://w-1"})
	require.False(t, w.Healthy())

	m.probeOnce(context.Background(), w)
	assert.False(t, w.Healthy())

	m.probeOnce(context.Background(), w)
	assert.True(t, w.Healthy())
}

// TestMonitor_Sync_StartsAndStopsJobsWithRegistry verifies the monitor
// tracks the registry's worker set via OnWorkersChanged: adding a worker
// starts a job, removing it stops one.
func TestMonitor_Sync_StartsAndStopsJobsWithRegistry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Interval = time.Hour
	fp := &fakeProber{}
	m, reg := newTestMonitor(fp, cfg)
	defer m.Close()

	id, err := reg.Add(context.Background(), worker.Spec{URL: "http://w-1"})
	require.NoError(t, err)

	m.mu.RLock()
	_, tracked := m.jobs[id]
	m.mu.RUnlock()
	assert.True(t, tracked)

	require.NoError(t, reg.Remove(id))

	m.mu.RLock()
	_, stillTracked := m.jobs[id]
	m.mu.RUnlock()
	assert.False(t, stillTracked)
}

// TestMonitor_Disabled_NeverStartsJobs verifies health_disabled skips the
// probe loop entirely (workers stay at whatever Healthy value they start with).
func TestMonitor_Disabled_NeverStartsJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Disabled = true
	fp := &fakeProber{}
	m, reg := newTestMonitor(fp, cfg)
	defer m.Close()

	id, err := reg.Add(context.Background(), worker.Spec{URL: "http://w-1"})
	require.NoError(t, err)

	m.mu.RLock()
	_, tracked := m.jobs[id]
	m.mu.RUnlock()
	assert.False(t, tracked)
}
