package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lightseekorg/smg/internal/breaker"
	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/worker"
)

func newTestWorker(id worker.ID) *worker.Worker {
	w := worker.New(id, worker.Spec{URL: "http://" + string(id)})
	w.SetHealthy(true)
	return w
}

func TestEngine_Do_SucceedsFirstAttempt(t *testing.T) {
	w := newTestWorker("w-1")
	e := New(DefaultConfig(), breaker.New(breaker.DefaultConfig(), nil), nil)

	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		if _, skip := exclude[w.ID]; skip {
			return nil, false
		}
		return w, true
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		return Outcome{StatusCode: 200}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, w, res.Worker)
}

// TestEngine_Do_RetriesTransientFailure_ThenSucceeds verifies P9: a
// transient failure consumes one attempt and re-selects, excluding the
// failed worker.
func TestEngine_Do_RetriesTransientFailure_ThenSucceeds(t *testing.T) {
	w1 := newTestWorker("w-1")
	w2 := newTestWorker("w-2")
	cfg := DefaultConfig()
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	e := New(cfg, breaker.New(breaker.DefaultConfig(), nil), nil)

	calls := 0
	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		if _, skip := exclude[w1.ID]; !skip {
			return w1, true
		}
		if _, skip := exclude[w2.ID]; !skip {
			return w2, true
		}
		return nil, false
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		calls++
		if w == w1 {
			return Outcome{StatusCode: 503}, nil
		}
		return Outcome{StatusCode: 200}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, w2, res.Worker)
	assert.Equal(t, 2, calls)
}

// TestEngine_Do_ExhaustsWorkers_ReturnsNoHealthyWorkers verifies the loop
// fails when selection has nothing left to exclude to.
func TestEngine_Do_ExhaustsWorkers_ReturnsNoHealthyWorkers(t *testing.T) {
	w := newTestWorker("w-1")
	e := New(DefaultConfig(), breaker.New(breaker.DefaultConfig(), nil), nil)

	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		if _, skip := exclude[w.ID]; skip {
			return nil, false
		}
		return w, true
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		return Outcome{StatusCode: 503}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.Error(t, res.Err)
	assert.True(t, gatewayerr.Is(res.Err, gatewayerr.NoHealthyWorkers))
}

// TestEngine_Do_ResponseStarted_DisablesRetry verifies the spec §4.4/§9
// streaming rule: once response bytes crossed the boundary, failure is
// terminal even if the status would otherwise be retryable.
func TestEngine_Do_ResponseStarted_DisablesRetry(t *testing.T) {
	w := newTestWorker("w-1")
	e := New(DefaultConfig(), breaker.New(breaker.DefaultConfig(), nil), nil)

	calls := 0
	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		if _, skip := exclude[w.ID]; skip {
			return nil, false
		}
		return w, true
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		calls++
		return Outcome{StatusCode: 503, ResponseStarted: true}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.Error(t, res.Err)
	assert.Equal(t, 1, calls)
	assert.True(t, gatewayerr.Is(res.Err, gatewayerr.WorkerTransient))
}

// TestEngine_Do_MaxRetries_BoundsAttempts verifies P9: total attempts never
// exceed retry_max_retries even with an unlimited worker pool.
func TestEngine_Do_MaxRetries_BoundsAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	e := New(cfg, breaker.New(breaker.DefaultConfig(), nil), nil)

	n := 0
	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		n++
		return newTestWorker(worker.ID("w-dyn")), true
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		return Outcome{StatusCode: 503}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.Error(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
}

func TestEngine_Do_ClientCancelled_NotRetried(t *testing.T) {
	w := newTestWorker("w-1")
	e := New(DefaultConfig(), breaker.New(breaker.DefaultConfig(), nil), nil)

	calls := 0
	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		return w, true
	}
	attempt := func(ctx context.Context, w *worker.Worker) (Outcome, error) {
		calls++
		return Outcome{ClientCanceled: true}, nil
	}

	res := e.Do(context.Background(), sel, attempt)
	require.Error(t, res.Err)
	assert.Equal(t, 1, calls)
	assert.True(t, gatewayerr.Is(res.Err, gatewayerr.ClientCancelled))
}

func TestBackoffDelay_RespectsMaxAndMultiplier(t *testing.T) {
	cfg := Config{InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, Multiplier: 2, Jitter: 0}

	d0 := backoffDelay(cfg, 0, nil)
	d1 := backoffDelay(cfg, 1, nil)
	d5 := backoffDelay(cfg, 5, nil)

	assert.Equal(t, 10*time.Millisecond, d0)
	assert.Equal(t, 20*time.Millisecond, d1)
	assert.LessOrEqual(t, d5, cfg.MaxBackoff)
}
