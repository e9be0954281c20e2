// Package retry implements the bounded retry loop wrapping each dispatch to
// a worker (spec §4.4): exponential backoff with jitter, retryable-status
// classification, and worker reselection on transient failure.
//
// Grounded on the corpus's exponential-backoff-on-transient-error idiom
// (other_examples' redpanda consumer loop: classify the error, compute a
// capped backoff, sleep, retry) generalized from a fixed linear backoff into
// spec §4.4's `min(initial * multiplier^n, max) * jitter` formula, and tied
// into this module's Policy/Breaker/gatewayerr types instead of a bare
// time.Sleep loop.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/breaker"
	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/worker"
)

// Config holds the retry engine's tunables (spec §6 "Retries" group).
type Config struct {
	MaxRetries     int // retry_max_retries; total attempts including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64 // fractional, e.g. 0.2 means +-20%
	Disabled       bool
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// Outcome is what a single dispatch attempt reported back.
type Outcome struct {
	StatusCode     int
	TransportErr   bool
	ClientCanceled bool
	ResponseStarted bool // true once any response bytes crossed the gateway->client boundary
	Err            error
}

// Attempt performs one dispatch to w. Implementations live in the router
// package, which owns the Transport collaborator; retry only needs the
// outcome classification.
type Attempt func(ctx context.Context, w *worker.Worker) (Outcome, error)

// Select picks the next worker to try, excluding ids already attempted for
// this request. Returns ok=false when no eligible worker remains.
type Select func(exclude map[worker.ID]struct{}) (w *worker.Worker, ok bool)

// Engine wraps dispatch attempts in the bounded retry loop.
type Engine struct {
	cfg     Config
	breaker *breaker.Breaker
	log     *logrus.Entry
	rng     *rand.Rand
}

// New creates an Engine. log may be nil.
func New(cfg Config, br *breaker.Breaker, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.WithField("component", "retry")
	}
	return &Engine{cfg: cfg, breaker: br, log: log, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// Result is what Do returns to the Router Facade.
type Result struct {
	Worker   *worker.Worker
	Attempts int
	Err      error
}

// Do runs the bounded retry loop (spec §4.4, §4.11 step 5): select a
// worker, attempt, and on a retryable, not-yet-streamed failure loop back to
// selection excluding workers already tried.
func (e *Engine) Do(ctx context.Context, sel Select, attempt Attempt) Result {
	tried := map[worker.ID]struct{}{}
	var lastErr error
	var lastWorker *worker.Worker

	maxRetries := e.cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	for n := 0; n < maxRetries; n++ {
		if err := ctx.Err(); err != nil {
			return Result{Worker: lastWorker, Attempts: n, Err: gatewayerr.New(gatewayerr.DeadlineExceeded)}
		}

		w, ok := sel(tried)
		if !ok {
			if lastErr == nil {
				return Result{Worker: lastWorker, Attempts: n, Err: gatewayerr.New(gatewayerr.NoHealthyWorkers)}
			}
			return Result{Worker: lastWorker, Attempts: n, Err: &gatewayerr.Error{Kind: gatewayerr.NoHealthyWorkers, Attempts: n, Err: lastErr}}
		}
		tried[w.ID] = struct{}{}
		lastWorker = w

		outcome, err := attempt(ctx, w)
		if err == nil && outcome.Err == nil {
			if e.breaker != nil {
				e.breaker.RecordSuccess(w)
			}
			return Result{Worker: w, Attempts: n + 1, Err: nil}
		}

		if outcome.ClientCanceled {
			return Result{Worker: w, Attempts: n + 1, Err: gatewayerr.New(gatewayerr.ClientCancelled)}
		}

		countsAsFailure := gatewayerr.CountsAsFailure(outcome.StatusCode, outcome.TransportErr)
		if countsAsFailure && e.breaker != nil {
			e.breaker.RecordFailure(w)
		}

		retryable := !e.cfg.Disabled && !outcome.ResponseStarted &&
			gatewayerr.Retryable(outcome.StatusCode, outcome.TransportErr)

		if !retryable {
			cause := outcome.Err
			if cause == nil {
				cause = err
			}
			kind := gatewayerr.WorkerFatal
			if outcome.ResponseStarted {
				kind = gatewayerr.WorkerTransient
			}
			return Result{Worker: w, Attempts: n + 1, Err: &gatewayerr.Error{Kind: kind, Worker: string(w.ID), Attempts: n + 1, Err: cause}}
		}

		lastErr = &gatewayerr.Error{Kind: gatewayerr.WorkerTransient, Worker: string(w.ID), Attempts: n + 1, Err: outcome.Err}
		e.log.WithField("worker", w.ID).WithField("attempt", n+1).Warn("retryable dispatch failure")

		if n == maxRetries-1 {
			break
		}
		if err := e.sleepBackoff(ctx, n); err != nil {
			return Result{Worker: w, Attempts: n + 1, Err: gatewayerr.New(gatewayerr.DeadlineExceeded)}
		}
	}

	if lastErr == nil {
		lastErr = gatewayerr.New(gatewayerr.NoHealthyWorkers)
	}
	return Result{Worker: lastWorker, Attempts: maxRetries, Err: lastErr}
}

// sleepBackoff sleeps delay_n = min(initial * multiplier^n, max) with
// multiplicative jitter in [1-jitter, 1+jitter] (spec §4.4), or returns
// early if ctx is canceled first.
func (e *Engine) sleepBackoff(ctx context.Context, n int) error {
	delay := backoffDelay(e.cfg, n, e.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func backoffDelay(cfg Config, n int, rng *rand.Rand) time.Duration {
	base := float64(cfg.InitialBackoff) * pow(cfg.Multiplier, n)
	if max := float64(cfg.MaxBackoff); cfg.MaxBackoff > 0 && base > max {
		base = max
	}
	if cfg.Jitter > 0 {
		factor := 1 - cfg.Jitter + rng.Float64()*2*cfg.Jitter
		base *= factor
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

func pow(base float64, n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= base
	}
	return result
}
