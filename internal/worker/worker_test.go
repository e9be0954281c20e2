package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorker_StartsUnhealthyAndIneligible(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1"})
	assert.False(t, w.Healthy())
	assert.False(t, w.Eligible(time.Now()))
}

func TestWorker_HealthyAndClosed_IsEligible(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1"})
	w.SetHealthy(true)
	assert.True(t, w.Eligible(time.Now()))
}

func TestWorker_Draining_NeverEligible(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1"})
	w.SetHealthy(true)
	w.SetDraining()
	assert.False(t, w.Eligible(time.Now()))
	assert.True(t, w.Draining())
}

func TestWorker_CircuitOpen_NotEligibleUntilTimeout(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1"})
	w.SetHealthy(true)
	now := time.Now()
	w.SetCircuit(CircuitOpen, now.Add(time.Minute))

	assert.False(t, w.Eligible(now))

	state, _ := w.Circuit()
	assert.Equal(t, CircuitOpen, state)

	assert.True(t, w.Eligible(now.Add(2*time.Minute)))
	state, _ = w.Circuit()
	assert.Equal(t, CircuitHalfOpen, state)
}

func TestWorker_ActiveAndLoadTokens_TrackDeltas(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1"})
	w.IncActive()
	w.IncActive()
	w.AddLoadTokens(100)
	assert.Equal(t, int64(2), w.Active())
	assert.Equal(t, int64(100), w.LoadTokens())

	w.DecActive()
	w.AddLoadTokens(-40)
	assert.Equal(t, int64(1), w.Active())
	assert.Equal(t, int64(60), w.LoadTokens())
}

func TestWorker_Snapshot_ReflectsLiveState(t *testing.T) {
	w := New("w-1", Spec{URL: "http://w-1", Role: RolePrefill})
	w.SetHealthy(true)
	w.IncActive()

	v := w.Snapshot(time.Now())
	assert.Equal(t, ID("w-1"), v.ID)
	assert.Equal(t, RolePrefill, v.Role)
	assert.True(t, v.Healthy)
	assert.Equal(t, int64(1), v.Active)
	assert.True(t, v.Eligible)
}
