// Package pd implements the prefill/decode coordinator (spec §4.10): two
// disjoint worker pools with role-specific policies, and two dispatch
// disciplines (parallel rendezvous vs sequential handoff).
//
// Grounded on the teacher's InstanceScheduler two-phase dispatch
// (sim/scheduler.go: admit a request to a prefill phase, then a decode
// phase, against separate instance pools) generalized from a single
// simulated scheduler stepping both phases serially into two independently
// dispatched network calls, one per pool, coordinated either in parallel
// (rendezvous metadata) or sequentially (output-limited prefill probe).
package pd

import (
	"context"
	"fmt"
	"net/url"
	"sync/atomic"

	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/registry"
	"github.com/lightseekorg/smg/internal/routing"
	"github.com/lightseekorg/smg/internal/worker"
)

// Mode selects the dispatch discipline (spec §6 "PD" group, pd_mode).
type Mode int

const (
	// ModeOff disables PD coordination entirely; callers should not use
	// this package's Coordinator in that case.
	ModeOff Mode = iota
	// ModeParallel dispatches prefill and decode simultaneously with shared
	// rendezvous metadata (spec §4.10 "backend A").
	ModeParallel
	// ModeSequential probes prefill with output-limit=1, then dispatches
	// decode with the full request (spec §4.10 "backend B").
	ModeSequential
)

// PairStrategy selects how a prefill worker and decode worker are paired.
type PairStrategy int

const (
	PairAnyToAny PairStrategy = iota
	PairCoLocated
	PairLeastLoaded
)

// Rendezvous is the shared metadata injected into both legs of a parallel
// dispatch so the backend KV transfer can pair them (spec §6: "the only
// bit-exact obligation ... {bootstrap_host, bootstrap_port, room_id}").
type Rendezvous struct {
	BootstrapHost string
	BootstrapPort int
	RoomID        string
}

// Headers renders the rendezvous as the three header fields the worker
// transport passes through verbatim.
func (r Rendezvous) Headers() map[string]string {
	return map[string]string{
		"bootstrap_host": r.BootstrapHost,
		"bootstrap_port": fmt.Sprintf("%d", r.BootstrapPort),
		"room_id":        r.RoomID,
	}
}

// Leg is one half of a PD dispatch: which worker, and (for sequential mode)
// whether this leg should cap output tokens to 1 and discard the body.
type Leg struct {
	Worker       *worker.Worker
	ProbeOnly    bool // sequential prefill leg: output-token-limit=1, discard body
	RoutingKey   string
}

// Plan is the outcome of selecting a prefill/decode pair for one request.
type Plan struct {
	Mode       Mode
	Prefill    Leg
	Decode     Leg
	Rendezvous Rendezvous
}

// Coordinator owns the prefill and decode policies and pool registries.
type Coordinator struct {
	mode     Mode
	pair     PairStrategy
	prefills *registry.Registry
	decodes  *registry.Registry

	prefillPolicy routing.Policy
	decodePolicy  routing.Policy

	roomSeq uint64
}

// New creates a Coordinator over the given prefill/decode registries and
// policies.
func New(mode Mode, pair PairStrategy, prefills, decodes *registry.Registry, prefillPolicy, decodePolicy routing.Policy) *Coordinator {
	return &Coordinator{
		mode:          mode,
		pair:          pair,
		prefills:      prefills,
		decodes:       decodes,
		prefillPolicy: prefillPolicy,
		decodePolicy:  decodePolicy,
	}
}

// SelectPair runs select_prefill_worker()/select_decode_worker() (spec
// §4.10) and applies the configured pairing strategy.
func (c *Coordinator) SelectPair(req *routing.RoutingRequest) (Plan, error) {
	prefillView := c.prefills.WorkersOfRole(worker.RolePrefill)
	decodeView := c.decodes.WorkersOfRole(worker.RoleDecode)

	prefillW, ok := c.prefillPolicy.Select(req, prefillView, nil)
	if !ok {
		return Plan{}, gatewayerr.New(gatewayerr.NoHealthyWorkers)
	}
	decodeW, ok := c.selectDecode(req, decodeView, prefillW)
	if !ok {
		return Plan{}, gatewayerr.New(gatewayerr.NoHealthyWorkers)
	}

	plan := Plan{
		Mode:    c.mode,
		Prefill: Leg{Worker: prefillW, ProbeOnly: c.mode == ModeSequential},
		Decode:  Leg{Worker: decodeW},
	}
	if c.mode == ModeParallel {
		plan.Rendezvous = c.newRendezvous(prefillW)
	}
	return plan, nil
}

func (c *Coordinator) selectDecode(req *routing.RoutingRequest, view *registry.View, prefillW *worker.Worker) (*worker.Worker, bool) {
	switch c.pair {
	case PairCoLocated:
		group := prefillW.Labels["group"]
		candidates := view.Eligible(nil)
		var colocated []*worker.Worker
		for _, w := range candidates {
			if w.Labels["group"] == group && group != "" {
				colocated = append(colocated, w)
			}
		}
		if len(colocated) > 0 {
			return pickLeastLoaded(colocated), true
		}
		return c.decodePolicy.Select(req, view, nil)
	case PairLeastLoaded:
		candidates := view.Eligible(nil)
		if len(candidates) == 0 {
			return nil, false
		}
		return pickLeastLoaded(candidates), true
	default:
		return c.decodePolicy.Select(req, view, nil)
	}
}

func pickLeastLoaded(candidates []*worker.Worker) *worker.Worker {
	best := candidates[0]
	for _, w := range candidates[1:] {
		if w.Active() < best.Active() {
			best = w
		}
	}
	return best
}

func (c *Coordinator) newRendezvous(prefillW *worker.Worker) Rendezvous {
	seq := atomic.AddUint64(&c.roomSeq, 1)
	host := prefillW.URL
	if u, err := url.Parse(prefillW.URL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	return Rendezvous{
		BootstrapHost: host,
		BootstrapPort: prefillW.BootstrapPort,
		RoomID:        fmt.Sprintf("room-%d-%d", prefillW.BootstrapPort, seq),
	}
}

// Dispatcher is the external collaborator used to send one leg of a PD
// plan; the caller (Router Facade) supplies its Transport-backed
// implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, w *worker.Worker, req *routing.RoutingRequest, headers map[string]string, probeOnly bool) error
}

// Execute runs the plan's dispatch discipline. Parallel mode sends both
// legs concurrently and fails both if either fails (spec §4.10: "Failure of
// either half cancels the other"). Sequential mode probes prefill first,
// discards its body, then dispatches decode with the full request.
func (c *Coordinator) Execute(ctx context.Context, d Dispatcher, plan Plan, req *routing.RoutingRequest) error {
	switch plan.Mode {
	case ModeParallel:
		return c.executeParallel(ctx, d, plan, req)
	case ModeSequential:
		return c.executeSequential(ctx, d, plan, req)
	default:
		return d.Dispatch(ctx, plan.Decode.Worker, req, nil, false)
	}
}

func (c *Coordinator) executeParallel(ctx context.Context, d Dispatcher, plan Plan, req *routing.RoutingRequest) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	headers := plan.Rendezvous.Headers()
	errs := make(chan error, 2)
	go func() { errs <- d.Dispatch(ctx, plan.Prefill.Worker, req, headers, plan.Prefill.ProbeOnly) }()
	go func() { errs <- d.Dispatch(ctx, plan.Decode.Worker, req, headers, false) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil && first == nil {
			first = err
			cancel() // failure of either half cancels the other
		}
	}
	return first
}

func (c *Coordinator) executeSequential(ctx context.Context, d Dispatcher, plan Plan, req *routing.RoutingRequest) error {
	if err := d.Dispatch(ctx, plan.Prefill.Worker, req, nil, true); err != nil {
		return err
	}
	return d.Dispatch(ctx, plan.Decode.Worker, req, nil, false)
}
