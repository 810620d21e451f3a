package lakesched

import (
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

type counters struct {
	executed      atomic.Uint64
	switches      atomic.Uint64
	rebinds       atomic.Uint64
	materialized  atomic.Uint64
	parks         atomic.Uint64
	resumes       atomic.Uint64
	inlineResumes atomic.Uint64
	stalls        atomic.Uint64
}

// Stats is a point-in-time view; fields are read independently and need not
// agree with each other under load.
type Stats struct {
	Workers int
	Fibers  int

	// Executed counts finished work items.
	Executed uint64
	// Switches counts worker-to-fiber switches.
	Switches uint64
	// Rebinds counts items a fiber picked up in place without switching out.
	Rebinds uint64
	// Materialized counts fibers that got a coroutine.
	Materialized uint64
	// Parks counts fibers placed in the waiting table.
	Parks uint64
	// Resumes counts parked fibers taken back out once their chain drained.
	Resumes uint64
	// InlineResumes counts waits that drained between suspend and park.
	InlineResumes uint64
	// QueueFull counts enqueue attempts that found the ring full.
	QueueFull uint64
	// Stalls counts times a worker saw queued work and no free fiber for
	// longer than the idle backoff.
	Stalls uint64

	Queued        int
	WaitingFibers int
	FreeFibers    int
	LeasedChains  int64

	FreeBlocks     int64
	TotalBlocks    uint64
	CommittedBytes int64
	PeakCommitted  int64
}

func (rt *Runtime) Stats() Stats {
	return Stats{
		Workers:        len(rt.workers),
		Fibers:         len(rt.fibers),
		Executed:       rt.stats.executed.Load(),
		Switches:       rt.stats.switches.Load(),
		Rebinds:        rt.stats.rebinds.Load(),
		Materialized:   rt.stats.materialized.Load(),
		Parks:          rt.stats.parks.Load(),
		Resumes:        rt.stats.resumes.Load(),
		InlineResumes:  rt.stats.inlineResumes.Load(),
		QueueFull:      rt.queue.Rejected(),
		Stalls:         rt.stats.stalls.Load(),
		Queued:         rt.queue.Len(),
		WaitingFibers:  rt.waiting.Len(),
		FreeFibers:     rt.free.Len(),
		LeasedChains:   rt.chains.InUse(),
		FreeBlocks:     rt.blocks.FreeBlocks(),
		TotalBlocks:    rt.blocks.Blocks(),
		CommittedBytes: rt.mem.Committed(),
		PeakCommitted:  rt.mem.Peak(),
	}
}

// BlockUsage returns a bitset with one bit per block of the reservation, set
// when the block is handed out or belongs to a fiber's home region.
func (rt *Runtime) BlockUsage() *bitset.BitSet {
	return rt.blocks.Snapshot()
}
