package lakesched

import (
	"math"
	"sync/atomic"

	"github.com/Pam-La/lakesched/internal/drifter"
	"github.com/Pam-La/lakesched/internal/fiber"
)

type disposition uint8

const (
	// dispositionDone: the fiber ran out of bound work and can be reused.
	dispositionDone disposition = iota
	// dispositionWait: the fiber is suspended until waitOn is satisfied.
	dispositionWait
	// dispositionExit: the fiber ran a shutdown entry.
	dispositionExit
)

const noWorker = -1

// waitingForRoom in waitOn parks a fiber until the work queue has room
// instead of on a chain. Its index half is never a valid chain index.
const waitingForRoom = uint64(math.MaxUint32)

// fiberState is one of the fixed fibers. Between switches it is owned by
// whichever table (free or waiting) holds its index; while switched in it
// is owned by the worker recorded in worker.
type fiberState struct {
	index int
	rt    *Runtime
	job   Job

	// nil until the fiber is first bound.
	coro        fiber.Coroutine
	entry       entry
	disposition disposition
	retired     bool

	waitOn atomic.Uint64
	worker atomic.Int32
	arena  *drifter.Drifter
}

func newFiberState(rt *Runtime, index int) *fiberState {
	reserve := rt.opts.fiberReserve
	f := &fiberState{
		index: index,
		rt:    rt,
		arena: drifter.New(rt.mem.Bytes(), rt.blocks, drifter.Region{
			Off:  uint64(index) * reserve,
			Size: reserve,
		}),
	}
	f.job = Job{rt: rt, f: f}
	f.worker.Store(noWorker)
	return f
}

// materialize creates the coroutine on first use. Reports whether it did.
func (f *fiberState) materialize() bool {
	if f.coro != nil {
		return false
	}
	f.coro = f.rt.opts.coroutines(f.main)
	return true
}

// suspendOn gives the worker back until on is satisfied: a packed chain
// that must drain, or waitingForRoom.
func (f *fiberState) suspendOn(on uint64) {
	f.waitOn.Store(on)
	f.disposition = dispositionWait
	f.coro.Suspend()
	f.waitOn.Store(0)
}

// main is the coroutine body. Each pass runs the bound entry and, while its
// chain still has items outstanding, keeps pulling more work in place
// instead of switching back to the worker.
func (f *fiberState) main(c fiber.Coroutine) {
	rt := f.rt
	for !f.retired {
		for {
			if f.entry.kind == entryShutdown {
				f.entry = entry{}
				f.disposition = dispositionExit
				break
			}
			finished := rt.execute(f)
			f.disposition = dispositionDone
			if finished {
				break
			}
			next, ok := rt.queue.Dequeue()
			if !ok {
				break
			}
			f.entry = next
			rt.stats.rebinds.Add(1)
		}
		c.Suspend()
	}
}
