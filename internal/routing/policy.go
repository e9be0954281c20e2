package routing

import (
	"github.com/lightseekorg/smg/internal/gatewayerr"
	"github.com/lightseekorg/smg/internal/worker"
)

// Policy is the pluggable load-balancing strategy (spec §4.6). Select must
// never return an ineligible or excluded worker, and must never block.
type Policy interface {
	Select(req *RoutingRequest, view View, exclude map[worker.ID]struct{}) (*worker.Worker, bool)
	OnAdmit(req *RoutingRequest, w *worker.Worker)
	OnComplete(req *RoutingRequest, w *worker.Worker, stats Stats)
	OnFail(req *RoutingRequest, w *worker.Worker, kind gatewayerr.Kind)
	OnWorkersChanged(view View)
}

// NoopLifecycle provides default (no-op) OnAdmit/OnComplete/OnFail/
// OnWorkersChanged implementations for policies with no per-request or
// per-topology state to track, mirroring the teacher's embedding pattern
// for optional hook methods (sim/policy package's base admission type).
type NoopLifecycle struct{}

func (NoopLifecycle) OnAdmit(*RoutingRequest, *worker.Worker)                  {}
func (NoopLifecycle) OnComplete(*RoutingRequest, *worker.Worker, Stats)        {}
func (NoopLifecycle) OnFail(*RoutingRequest, *worker.Worker, gatewayerr.Kind)  {}
func (NoopLifecycle) OnWorkersChanged(View)                                   {}
