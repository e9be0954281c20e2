// Package gate implements the concurrency gate (spec §4.5): a bounded
// semaphore plus a bounded FIFO wait queue with per-request deadlines.
// Grounded on other_examples' steel-browser orchestrator Pool: a
// channel-as-semaphore with context-aware Acquire and non-blocking Release
// via select/default — generalized here to add the bounded FIFO queue spec
// §4.5 requires (the teacher example blocks callers directly on the
// channel with no separate queue accounting; we need queue_size/
// queue_timeout/Overloaded to be distinguishable from "still holding a
// permit").
package gate

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/lightseekorg/smg/internal/gatewayerr"
)

// Config holds the gate's tunables (spec §6 "Concurrency" group).
type Config struct {
	MaxConcurrent int
	QueueSize     int
	QueueTimeout  time.Duration
	// RateLimitPerSecond, if > 0, additionally throttles permit refill via a
	// token bucket layered on top of the semaphore (spec §4.5 "optional
	// token-bucket"). Zero disables it.
	RateLimitPerSecond float64
}

// Gate bounds in-flight requests to Config.MaxConcurrent, queueing excess
// callers FIFO up to Config.QueueSize and rejecting beyond that.
type Gate struct {
	cfg Config

	mu      sync.Mutex
	active  int
	waiters *list.List // of *waiter, FIFO order

	tokens     float64
	lastRefill time.Time
}

type waiter struct {
	ready   chan struct{}
	granted bool // set under g.mu by Release when handed a permit
}

// New creates a Gate from cfg.
func New(cfg Config) *Gate {
	return &Gate{
		cfg:        cfg,
		waiters:    list.New(),
		tokens:     float64(cfg.MaxConcurrent),
		lastRefill: time.Now(),
	}
}

// Permit represents one acquired concurrency slot; call Release exactly
// once when the request completes (spec P1: one acquire, one release).
type Permit struct {
	g *Gate
}

// Acquire blocks until a permit is available, the request's context is
// canceled, or the queue rejects/times out the caller (spec §4.5).
func (g *Gate) Acquire(ctx context.Context) (*Permit, error) {
	g.mu.Lock()
	if g.tryTakeLocked() {
		g.mu.Unlock()
		return &Permit{g: g}, nil
	}
	if g.waiters.Len() >= g.cfg.QueueSize {
		g.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.Overloaded)
	}
	w := &waiter{ready: make(chan struct{})}
	elem := g.waiters.PushBack(w)
	g.mu.Unlock()

	timer := time.NewTimer(g.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		return &Permit{g: g}, nil
	case <-timer.C:
		g.mu.Lock()
		// If Release already popped this waiter and handed it a permit
		// just before the timer fired, honor the permit rather than
		// dropping it silently.
		if w.granted {
			g.mu.Unlock()
			return &Permit{g: g}, nil
		}
		g.waiters.Remove(elem)
		g.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.QueueTimeout)
	case <-ctx.Done():
		g.mu.Lock()
		if !w.granted {
			g.waiters.Remove(elem)
		}
		g.mu.Unlock()
		if w.granted {
			return &Permit{g: g}, nil
		}
		return nil, gatewayerr.New(gatewayerr.DeadlineExceeded)
	}
}

// tryTakeLocked attempts to take a slot without queueing. Caller holds g.mu.
func (g *Gate) tryTakeLocked() bool {
	g.refillLocked()
	if g.active < g.cfg.MaxConcurrent && (g.cfg.RateLimitPerSecond <= 0 || g.tokens >= 1) {
		g.active++
		if g.cfg.RateLimitPerSecond > 0 {
			g.tokens--
		}
		return true
	}
	return false
}

func (g *Gate) refillLocked() {
	if g.cfg.RateLimitPerSecond <= 0 {
		return
	}
	now := time.Now()
	elapsed := now.Sub(g.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	g.tokens += elapsed * g.cfg.RateLimitPerSecond
	if max := float64(g.cfg.MaxConcurrent); g.tokens > max {
		g.tokens = max
	}
	g.lastRefill = now
}

// Release returns the permit. Safe to call exactly once.
func (p *Permit) Release() {
	g := p.g
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active--
	if front := g.waiters.Front(); front != nil {
		g.waiters.Remove(front)
		g.active++
		w := front.Value.(*waiter)
		w.granted = true
		close(w.ready)
	}
}

// Inflight returns the current number of held permits (diagnostic use).
func (g *Gate) Inflight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// QueueDepth returns the current number of queued waiters (diagnostic use).
func (g *Gate) QueueDepth() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}
