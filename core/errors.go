// Error taxonomy for the scheduling core.
//
// Resource-exhaustion errors (ErrOutOfMemory, ErrInsufficientCache) are
// handled locally by the batch planner, which shrinks the batch instead of
// stalling the loop. Ingress validation failures (ErrInvalidRequest) never
// enter the wait queue. Runner failures (ExecutionError) abort the affected
// batch and are surfaced per request. Ref-count underflow and slot
// double-free are cache-corruption invariants and panic.

package core

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfMemory means the block store cannot satisfy an allocation
	// even after eviction reclaimed everything reclaimable.
	ErrOutOfMemory = errors.New("block store out of memory")

	// ErrInsufficientCache means eviction exhausted all ref-count-0 nodes
	// before reaching its target free count.
	ErrInsufficientCache = errors.New("insufficient evictable cache")

	// ErrInvalidRequest means the sampling/stop configuration is malformed.
	// Rejected at ingress; such a request never enters the wait queue.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrAdmissionDenied means the ingress admission policy rejected the
	// request (for example a token-bucket rate limit).
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrEngineClosed means Submit or Cancel was called after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrUnknownRequest means Cancel named a request id the engine has
	// never seen or has already retired.
	ErrUnknownRequest = errors.New("unknown request")
)

// ExecutionError wraps a failure of the external model-execution step.
// All requests in the affected batch transition to aborted and the error is
// surfaced to each of them; the loop itself keeps running.
type ExecutionError struct {
	Step int
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("model execution failed at step %d: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
