// Package gateway wires a loaded config.Config into a running set of
// components: registry, breaker, gate, retry engine, routing policy,
// health monitor, and the router facade — the construction the teacher
// does ad hoc in cmd/root.go's runCmd, generalized here into one factory
// so both `gatewayctl serve` and tests can build the same graph.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/lightseekorg/smg/internal/breaker"
	"github.com/lightseekorg/smg/internal/config"
	"github.com/lightseekorg/smg/internal/gate"
	"github.com/lightseekorg/smg/internal/health"
	"github.com/lightseekorg/smg/internal/metrics"
	"github.com/lightseekorg/smg/internal/pd"
	"github.com/lightseekorg/smg/internal/registry"
	"github.com/lightseekorg/smg/internal/retry"
	"github.com/lightseekorg/smg/internal/router"
	"github.com/lightseekorg/smg/internal/routing"
	"github.com/lightseekorg/smg/internal/transporthttp"
	"github.com/lightseekorg/smg/internal/worker"
)

// Gateway bundles the constructed graph along with the background
// components (health monitor, cache-aware eviction ticker) that need a
// Close.
type Gateway struct {
	Router  *router.Router
	Monitor *health.Monitor
	PD      *pd.Coordinator

	cache *routing.CacheAwarePolicy
}

// Build constructs the full component graph from cfg. registerer may be
// nil (metrics disabled); log may be nil (a default logrus logger is used).
func Build(cfg *config.Config, registerer prometheus.Registerer, log *logrus.Entry) (*Gateway, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: invalid config: %w", err)
	}

	reg := registry.New(registry.WithLogger(log))
	br := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout.Std(),
		Window:           cfg.Breaker.Window.Std(),
		Disabled:         cfg.Breaker.Disabled,
	}, log)

	g := gate.New(gate.Config{
		MaxConcurrent:      cfg.Concurrency.MaxConcurrentRequests,
		QueueSize:          cfg.Concurrency.QueueSize,
		QueueTimeout:       cfg.Concurrency.QueueTimeout.Std(),
		RateLimitPerSecond: cfg.Concurrency.RateLimitTokensPerSec,
	})

	re := retry.New(retry.Config{
		MaxRetries:     cfg.Retries.MaxRetries,
		InitialBackoff: cfg.Retries.InitialBackoff.Std(),
		MaxBackoff:     cfg.Retries.MaxBackoff.Std(),
		Multiplier:     cfg.Retries.Multiplier,
		Jitter:         cfg.Retries.Jitter,
		Disabled:       cfg.Retries.Disabled,
	}, br, log)

	policy, cache := buildPolicy(cfg, registerer)
	reg.OnWorkersChanged(func(v *registry.View) { policy.OnWorkersChanged(v) })

	transport := transporthttp.New(cfg.Health.Timeout.Std()+30*time.Second, "")

	var monitor *health.Monitor
	if !cfg.Health.Disabled {
		monitor = health.New(health.Config{
			Interval:         cfg.Health.Interval.Std(),
			Timeout:          cfg.Health.Timeout.Std(),
			FailureThreshold: cfg.Health.FailureThreshold,
			SuccessThreshold: cfg.Health.SuccessThreshold,
			Disabled:         cfg.Health.Disabled,
		}, reg, transport, registerer)
	}

	m := metrics.New(registerer)
	r := router.New(g, reg, policy, re, br, transport, log, m)

	gw := &Gateway{Router: r, Monitor: monitor, cache: cache}

	if cache != nil {
		cache.Start(context.Background())
	}

	if cfg.PD.Mode != "off" {
		mode := pd.ModeParallel
		if cfg.PD.Mode == "sequential" {
			mode = pd.ModeSequential
		}
		prefillPolicy, _ := buildPolicy(cfg, registerer)
		decodePolicy, _ := buildPolicy(cfg, registerer)
		gw.PD = pd.New(mode, pairStrategyOf(cfg.PD.PairStrategy), reg, reg, prefillPolicy, decodePolicy)
	}

	for _, wc := range cfg.Workers {
		if _, err := reg.Add(context.Background(), workerSpecOf(wc)); err != nil {
			return nil, fmt.Errorf("gateway: adding configured worker %s: %w", wc.URL, err)
		}
	}

	return gw, nil
}

// Close stops background components started by Build.
func (gw *Gateway) Close() {
	if gw.Monitor != nil {
		gw.Monitor.Close()
	}
	if gw.cache != nil {
		gw.cache.Close()
	}
}

func buildPolicy(cfg *config.Config, registerer prometheus.Registerer) (routing.Policy, *routing.CacheAwarePolicy) {
	switch cfg.Policy {
	case "random":
		return routing.NewRandom(), nil
	case "power-of-two":
		return routing.NewPowerOfTwo(), nil
	case "consistent-hashing":
		return routing.NewConsistentHashing(), nil
	case "prefix-hash":
		return routing.NewPrefixHash(1.5), nil
	case "manual":
		return routing.NewManual(routing.AssignMinLoad, 5*time.Minute), nil
	case "bucket":
		return routing.NewBucket([]int{64, 256, 1024}, time.Minute, cfg.Cache.BalanceAbsThreshold, cfg.Cache.BalanceRelThreshold), nil
	case "cache-aware":
		p := routing.NewCacheAwarePolicy(routing.CacheAwareConfig{
			CacheThreshold:      cfg.Cache.Threshold,
			BalanceAbsThreshold: cfg.Cache.BalanceAbsThreshold,
			BalanceRelThreshold: cfg.Cache.BalanceRelThreshold,
			PageSize:            cfg.Cache.PageSize,
			MaxTreeSize:         cfg.Cache.MaxTreeSize,
			EvictionInterval:    cfg.Cache.EvictionInterval.Std(),
		}, registerer)
		return p, p
	default:
		return routing.NewRoundRobin(), nil
	}
}

func pairStrategyOf(s string) pd.PairStrategy {
	switch s {
	case "co-located":
		return pd.PairCoLocated
	case "least-loaded":
		return pd.PairLeastLoaded
	default:
		return pd.PairAnyToAny
	}
}

func workerSpecOf(wc config.WorkerConfig) worker.Spec {
	return worker.Spec{
		URL:            wc.URL,
		Role:           roleOf(wc.Role),
		BootstrapPort:  wc.BootstrapPort,
		Runtime:        runtimeOf(wc.Runtime),
		Priority:       wc.Priority,
		Cost:           wc.Cost,
		Labels:         wc.Labels,
		HealthEndpoint: wc.HealthEndpoint,
	}
}

func roleOf(s string) worker.Role {
	switch s {
	case "prefill":
		return worker.RolePrefill
	case "decode":
		return worker.RoleDecode
	default:
		return worker.RoleRegular
	}
}

func runtimeOf(s string) worker.Runtime {
	switch s {
	case "grpc":
		return worker.RuntimeGRPC
	case "external":
		return worker.RuntimeExternal
	default:
		return worker.RuntimeHTTP
	}
}
