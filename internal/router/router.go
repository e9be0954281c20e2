package router

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/breaker"
	"github.com/lightseekorg/smg/internal/gate"
	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/metrics"
	"github.com/lightseekorg/smg/internal/registry"
	"github.com/lightseekorg/smg/internal/retry"
	"github.com/lightseekorg/smg/internal/routing"
	"github.com/lightseekorg/smg/internal/worker"
)

// Response is what Route returns to the surrounding server on success.
type Response struct {
	Worker      worker.ID
	Attempts    int
	Stream      ResponseStream
	TokensInAcc int
}

// DiagnosticSnapshot is the read-only diagnostic structure: per-worker
// health/circuit/load only. It carries no per-tree radix stats and no
// per-worker retry counts.
type DiagnosticSnapshot struct {
	Workers []worker.View
}

// Router is the facade wiring gate, registry, policy, retry engine and
// breaker into route() (spec §4.11).
type Router struct {
	gate      *gate.Gate
	registry  *registry.Registry
	policy    routing.Policy
	retry     *retry.Engine
	breaker   *breaker.Breaker
	transport Transport
	log       *logrus.Entry
	metrics   *metrics.Collectors
}

// New creates a Router. All dependencies are constructed values, per spec
// §9's "no process-wide singletons" design note: the facade just holds
// references. m may be nil (metrics disabled).
func New(g *gate.Gate, reg *registry.Registry, policy routing.Policy, retryEngine *retry.Engine, br *breaker.Breaker, transport Transport, log *logrus.Entry, m *metrics.Collectors) *Router {
	if log == nil {
		log = logrus.WithField("component", "router")
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Router{gate: g, registry: reg, policy: policy, retry: retryEngine, breaker: br, transport: transport, log: log, metrics: m}
}

// Route implements spec §4.11's route(req) -> Response.
func (r *Router) Route(ctx context.Context, req *routing.RoutingRequest) (*Response, error) {
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	permit, err := r.gate.Acquire(ctx)
	r.metrics.ObserveGate(r.gate.Inflight(), r.gate.QueueDepth())
	if err != nil {
		return nil, err
	}
	released := false
	release := func() {
		if !released {
			released = true
			permit.Release()
		}
	}
	defer release()

	view := r.registry.Snapshot()

	sel := func(exclude map[worker.ID]struct{}) (*worker.Worker, bool) {
		return r.policy.Select(req, view, exclude)
	}

	var stream ResponseStream
	attempt := func(ctx context.Context, w *worker.Worker) (retry.Outcome, error) {
		r.policy.OnAdmit(req, w)
		w.IncActive()
		defer w.DecActive()

		start := time.Now()
		s, err := r.transport.Send(ctx, w, toTransportView(req))
		if err != nil {
			r.policy.OnFail(req, w, gatewayerr.WorkerTransient)
			return retry.Outcome{TransportErr: true, Err: err}, nil
		}

		responseStarted := false
		var tokensOut int
		for {
			chunk, err := s.Next(ctx)
			if err != nil {
				if err == ErrStreamDone || err == io.EOF {
					break
				}
				if ctx.Err() != nil {
					s.Close()
					r.policy.OnFail(req, w, gatewayerr.ClientCancelled)
					return retry.Outcome{ClientCanceled: true, ResponseStarted: responseStarted, Err: err}, nil
				}
				s.Close()
				r.policy.OnFail(req, w, gatewayerr.WorkerTransient)
				return retry.Outcome{TransportErr: true, ResponseStarted: responseStarted, Err: err}, nil
			}
			if len(chunk.Data) > 0 {
				responseStarted = true
			}
			tokensOut += chunk.TokensOut
			if chunk.FinishedOK {
				break
			}
		}
		s.Close()

		stats := routing.Stats{TokensOut: tokensOut, Duration: time.Since(start)}
		r.policy.OnComplete(req, w, stats)
		stream = s
		return retry.Outcome{StatusCode: 200, ResponseStarted: responseStarted}, nil
	}

	result := r.retry.Do(ctx, sel, attempt)
	r.metrics.ObserveRetry(result.Attempts)
	r.metrics.ObserveWorkers(view.All())
	if result.Err != nil {
		return nil, result.Err
	}
	return &Response{Worker: result.Worker.ID, Attempts: result.Attempts, Stream: stream}, nil
}

func toTransportView(req *routing.RoutingRequest) *RoutingRequestView {
	return &RoutingRequestView{
		Text:        req.Text,
		Tokens:      req.Tokens,
		ModelID:     req.ModelID,
		IsStreaming: req.IsStreaming,
		Deadline:    req.Deadline,
		Headers:     req.Headers,
	}
}

// AddWorker admits a new worker (spec §6 admin surface).
func (r *Router) AddWorker(ctx context.Context, spec worker.Spec) (worker.ID, error) {
	return r.registry.Add(ctx, spec)
}

// RemoveWorker drains and removes a worker.
func (r *Router) RemoveWorker(id worker.ID) error {
	return r.registry.Remove(id)
}

// ListWorkers returns a snapshot view of every worker.
func (r *Router) ListWorkers() []worker.View {
	now := time.Now()
	all := r.registry.Snapshot().All()
	views := make([]worker.View, 0, len(all))
	for _, w := range all {
		views = append(views, w.Snapshot(now))
	}
	return views
}

// Snapshot returns the diagnostic read-only view (spec §6).
func (r *Router) Snapshot() DiagnosticSnapshot {
	return DiagnosticSnapshot{Workers: r.ListWorkers()}
}

// flusher is implemented by policies that own cache state worth clearing
// (currently only the cache-aware policy's per-model radix trees).
type flusher interface {
	FlushCache()
}

// FlushCache clears all trees and empties policy caches (spec §6
// "flush_cache()"), a no-op for policies with no such state.
func (r *Router) FlushCache() {
	if f, ok := r.policy.(flusher); ok {
		f.FlushCache()
	}
}
