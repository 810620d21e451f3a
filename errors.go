package lakesched

import (
	"errors"
	"fmt"

	"github.com/Pam-La/lakesched/internal/blockmap"
)

var (
	ErrInvalidConfig      = errors.New("lakesched: invalid configuration")
	ErrInvalidWork        = errors.New("lakesched: work item has no proc")
	ErrQueueFull          = errors.New("lakesched: work queue full")
	ErrNotStarted         = errors.New("lakesched: runtime not started")
	ErrClosed             = errors.New("lakesched: runtime closed")
	ErrChainPoolExhausted = errors.New("lakesched: chain pool exhausted")
	ErrReserve            = errors.New("lakesched: virtual memory reservation failed")

	// ErrOutOfBlocks is the cause carried by a FatalError when the block
	// bitmap has no run large enough.
	ErrOutOfBlocks = blockmap.ErrOutOfBlocks
)

// FatalError is the panic value for faults the runtime cannot continue
// past: memory exhaustion, a full queue under BackpressureAbort.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("lakesched: fatal in %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// fatal logs at critical level and panics. Raised inside a fiber, the panic
// travels through the coroutine to the worker and takes the process down.
func (rt *Runtime) fatal(op string, err error) {
	rt.logger.Crit().
		Str("op", op).
		Err(err).
		Log("fatal scheduler fault")
	panic(&FatalError{Op: op, Err: err})
}
