// Package gatewayerr defines the router's error taxonomy.
//
// Kinds are stable across releases; the surrounding server maps them to HTTP
// status codes (see spec §7). Retry/breaker bookkeeping is never exposed to
// callers beyond the final Kind and an optional diagnostic header the server
// layer attaches itself.
package gatewayerr

import "fmt"

// Kind is a closed taxonomy of router-level failure classes.
type Kind int

const (
	// Unknown is the zero value and should never be returned by the router.
	Unknown Kind = iota
	// NoHealthyWorkers means selection exhausted the eligible worker set.
	NoHealthyWorkers
	// Overloaded means the concurrency gate and its queue are both full.
	Overloaded
	// QueueTimeout means a request waited longer than the configured queue timeout.
	QueueTimeout
	// DeadlineExceeded means the request's deadline passed during processing.
	DeadlineExceeded
	// WorkerTransient is a retryable transport/status failure from a worker.
	WorkerTransient
	// WorkerFatal is a non-retryable 4xx (excluding 408/429) from a worker.
	WorkerFatal
	// ClientCancelled means the caller disconnected or canceled; not a breaker failure.
	ClientCancelled
	// ConfigurationInvalid is raised at startup for bad configuration.
	ConfigurationInvalid
)

func (k Kind) String() string {
	switch k {
	case NoHealthyWorkers:
		return "NoHealthyWorkers"
	case Overloaded:
		return "Overloaded"
	case QueueTimeout:
		return "QueueTimeout"
	case DeadlineExceeded:
		return "DeadlineExceeded"
	case WorkerTransient:
		return "WorkerTransient"
	case WorkerFatal:
		return "WorkerFatal"
	case ClientCancelled:
		return "ClientCancelled"
	case ConfigurationInvalid:
		return "ConfigurationInvalid"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by the router's public surface.
type Error struct {
	Kind     Kind
	Worker   string // worker id of the last attempt, if any
	Attempts int    // total dispatch attempts made
	Err      error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (worker=%s attempts=%d): %v", e.Kind, e.Worker, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s (worker=%s attempts=%d)", e.Kind, e.Worker, e.Attempts)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind with no wrapped cause.
func New(kind Kind) *Error { return &Error{Kind: kind} }

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Is reports whether err is a gatewayerr *Error of the given kind.
// Supports errors.Is-style callers via direct kind comparison on Unwrap chains.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ge, ok := err.(*Error); ok {
			return ge.Kind == kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether a plain (non-gatewayerr) status/transport
// outcome should be retried, per spec §4.4's retryable-status classification.
func Retryable(statusCode int, transportErr bool) bool {
	if transportErr {
		return true
	}
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// CountsAsFailure reports whether an outcome should count toward the circuit
// breaker's consecutive-failure tally (spec §4.3: same set as Retryable, plus
// unreachable/timeout, which Retryable(_, true) already covers).
func CountsAsFailure(statusCode int, transportErr bool) bool {
	return Retryable(statusCode, transportErr)
}
