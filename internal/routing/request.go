// Package routing defines the Policy interface (spec §4.6), the trivial
// policies (spec §4.7), and the cache-aware policy (spec §4.9).
//
// Grounded on the teacher's RoutingPolicy/AdmissionPolicy interface pair
// (sim/routing.go, sim/admission.go): a small method-set interface plus a
// handful of concrete implementations selected by configuration, the same
// shape spec §9 calls for ("dispatches on the variant" without an ambient
// interface table on the hot path — Go's static interface dispatch already
// avoids the tax the spec is warning against in its source language).
package routing

import (
	"time"

	"github.com/lightseekorg/smg/internal/worker"
)

// RoutingRequest is the selection input (spec §3 glossary "RoutingRequest").
type RoutingRequest struct {
	Tokens             []int32 // present only once tokenization has run
	Text               string  // always present
	ModelID            string
	RoutingKey         string // explicit session key, if any
	TargetWorkerIndex  *int
	IsStreaming        bool
	Deadline           time.Time
	Headers            map[string]string // Authorization, X-Forwarded-For, Cookie, X-SMG-Target-Worker
	PrefixTokenCount   int // used by PrefixHash
}

// Key returns the effective routing key for hash-based policies: the
// explicit routing key if set, else a best-effort implicit key derived from
// headers (spec §4.7 ConsistentHashing: "hash routing_key (or implicit key)").
func (r *RoutingRequest) Key() string {
	if r.RoutingKey != "" {
		return r.RoutingKey
	}
	if r.Headers != nil {
		if v := r.Headers["Authorization"]; v != "" {
			return v
		}
		if v := r.Headers["X-Forwarded-For"]; v != "" {
			return v
		}
		if v := r.Headers["Cookie"]; v != "" {
			return v
		}
	}
	return r.Text
}

// Stats is reported to Policy.OnComplete (spec §4.6: "stats: tokens_in,
// tokens_out, duration").
type Stats struct {
	TokensIn  int
	TokensOut int
	Duration  time.Duration
}

// View is the read subset of registry.View a policy needs. Kept as an
// interface (rather than importing registry.View directly) so policy unit
// tests can supply a fake view without constructing a real Registry.
type View interface {
	All() []*worker.Worker
	Eligible(exclude map[worker.ID]struct{}) []*worker.Worker
}
