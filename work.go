package lakesched

import (
	"fmt"

	"github.com/Pam-La/lakesched/internal/chain"
)

// Proc is the body of a work item. The Job is only valid for the duration
// of the call.
type Proc func(j *Job, arg any)

// Work is a unit of submission. Name shows up in logs and Job.Name.
type Work struct {
	Proc Proc
	Arg  any
	Name string
}

// Chain is the completion handle returned by SubmitChain. The zero Chain
// tracks nothing and is always satisfied.
type Chain struct {
	ref chain.Ref
}

func (c Chain) IsZero() bool { return c.ref.IsZero() }

func (c Chain) String() string { return c.ref.String() }

type entryKind uint8

const (
	entryWork entryKind = iota
	// entryShutdown tells the worker that runs it to exit.
	entryShutdown
)

// entry is what the work queue carries.
type entry struct {
	work  Work
	chain chain.Ref
	kind  entryKind
}

// submit queues items on behalf of from, the fiber producing them, or nil
// for a goroutine outside the runtime.
func (rt *Runtime) submit(from *fiberState, items []Work, withChain bool) (Chain, error) {
	switch state(rt.state.Load()) {
	case stateNew:
		return Chain{}, ErrNotStarted
	case stateRunning:
	default:
		return Chain{}, ErrClosed
	}
	for i := range items {
		if items[i].Proc == nil {
			return Chain{}, fmt.Errorf("%w: item %d (%q)", ErrInvalidWork, i, items[i].Name)
		}
	}
	if len(items) == 0 {
		return Chain{}, nil
	}

	var ref chain.Ref
	if withChain {
		r, err := rt.chains.Lease(int64(len(items)))
		if err != nil {
			return Chain{}, fmt.Errorf("%w: %w", ErrChainPoolExhausted, err)
		}
		ref = r
	}
	for i := range items {
		if err := rt.enqueue(from, entry{work: items[i], chain: ref}); err != nil {
			left := len(items) - i
			if !ref.IsZero() {
				rt.chains.DoneN(ref, int64(left))
			}
			return Chain{ref: ref}, fmt.Errorf("%w: %d of %d items not queued", err, left, len(items))
		}
	}
	return Chain{ref: ref}, nil
}

// enqueue applies the backpressure policy when the ring is full.
func (rt *Runtime) enqueue(from *fiberState, e entry) error {
	if rt.queue.Enqueue(e) {
		return nil
	}
	switch rt.opts.backpressure {
	case BackpressureReject:
		return ErrQueueFull
	case BackpressureAbort:
		rt.fatal("enqueue", ErrQueueFull)
	}
	rt.enqueueBlocking(from, e)
	return nil
}

// enqueueBlocking retries until e fits. A fiber producer gives its worker
// back between attempts and is resumed once the ring has room; spinning on
// the worker would leave nobody to drain the queue.
func (rt *Runtime) enqueueBlocking(from *fiberState, e entry) {
	var (
		b      backoff
		warned bool
	)
	for !rt.queue.Enqueue(e) {
		if !warned {
			warned = true
			rt.logger.Warning().
				Uint64("capacity", rt.queue.Cap()).
				Str("work", e.work.Name).
				Bool("fiber", from != nil).
				Log("work queue full, producer blocking")
		}
		if from != nil {
			from.suspendOn(waitingForRoom)
			continue
		}
		b.wait(rt.opts.idleBackoff)
	}
}
