// Package router implements the Router Facade (spec §4.11): the single
// entry point wiring the concurrency gate, registry, policy, retry engine
// and breaker into one route(req) -> Response call.
//
// Grounded on the teacher's Simulator.Step request-lifecycle driver
// (sim/simulator.go), generalized from a single-threaded discrete-event
// loop into the concurrent per-request goroutine pipeline spec §5 asks for:
// each call to Route runs on its own goroutine, suspending (never blocking
// a thread) at the same points sim/simulator.go models as discrete events
// (admission, dispatch, completion).
package router

import (
	"context"
	"errors"
	"time"

	"github.com/lightseekorg/smg/internal/worker"
)

// Tokenizer converts raw text into the token-id alphabet used by the
// gRPC/token-mode radix tree (spec §6).
type Tokenizer interface {
	Tokenize(ctx context.Context, text, modelID string) ([]int32, error)
}

// Chunk is one piece of a streamed worker response.
type Chunk struct {
	Data       []byte
	TokensOut  int // incremental token count carried by this chunk, if known
	FinishedOK bool
}

// ResponseStream is the per-dispatch streaming handle a Transport returns.
type ResponseStream interface {
	// Next returns the next chunk, or io.EOF-equivalent via ErrStreamDone
	// once the stream ends cleanly.
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// ErrStreamDone is the sentinel ResponseStream.Next returns on clean
// end-of-stream (the io.EOF-style contract spec §6 names).
var ErrStreamDone = errors.New("router: stream done")

// Transport sends a request to a worker and returns a stream of response
// chunks (spec §6 "Worker transport").
type Transport interface {
	Send(ctx context.Context, w *worker.Worker, req *RoutingRequestView) (ResponseStream, error)
}

// RoutingRequestView is the subset of a routing request the transport needs
// to actually perform the send; kept separate from routing.RoutingRequest
// so this package does not need to import routing's policy-facing type for
// its collaborator interfaces.
type RoutingRequestView struct {
	Text        string
	Tokens      []int32
	ModelID     string
	IsStreaming bool
	Deadline    time.Time
	Headers     map[string]string
}

// HealthProbe is the cheap liveness check collaborator (spec §6).
type HealthProbe interface {
	Probe(ctx context.Context, w *worker.Worker, timeout time.Duration) error
}
