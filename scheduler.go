package lakesched

import (
	"runtime"
	"time"

	"github.com/Pam-La/lakesched/internal/assert"
	"github.com/Pam-La/lakesched/internal/chain"
)

// idleSpins is how many times an idle worker yields the processor before it
// starts sleeping.
const idleSpins = 16

type backoff struct {
	spins int
	sleep time.Duration
}

func (b *backoff) wait(limit time.Duration) {
	if b.spins < idleSpins {
		b.spins++
		runtime.Gosched()
		return
	}
	if b.sleep == 0 {
		b.sleep = time.Microsecond
	} else {
		b.sleep = min(b.sleep*2, limit)
	}
	time.Sleep(b.sleep)
}

func (b *backoff) reset() { *b = backoff{} }

type worker struct {
	index int
}

// workerLoop is the scheduler loop for one worker. It returns after the
// worker has run a shutdown entry.
func (rt *Runtime) workerLoop(w *worker) error {
	if rt.opts.lockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	<-rt.goSignal
	rt.logger.Debug().Int("worker", w.index).Log("worker started")

	var (
		idle      backoff
		stalledAt time.Time
		warned    bool
	)
	for {
		f, stalled := rt.acquireNextFiber()
		if f == nil {
			switch {
			case !stalled:
				stalledAt, warned = time.Time{}, false
			case stalledAt.IsZero():
				stalledAt = time.Now()
			case !warned && time.Since(stalledAt) > rt.opts.idleBackoff:
				// 모든 파이버가 Yield에 묶여 있으면 큐에 쌓인 일을 집을 파이버가 없다.
				warned = true
				rt.stats.stalls.Add(1)
				rt.logger.Warning().
					Int("worker", w.index).
					Int("queued", rt.queue.Len()).
					Int("waiting", rt.waiting.Len()).
					Dur("stalled", time.Since(stalledAt)).
					Log("queued work but no free fiber")
			}
			idle.wait(rt.opts.idleBackoff)
			continue
		}
		idle.reset()
		stalledAt, warned = time.Time{}, false
		if rt.drive(w, f) {
			rt.logger.Debug().Int("worker", w.index).Log("worker exiting")
			return nil
		}
	}
}

// acquireNextFiber prefers a parked fiber that is ready to continue, then a
// free fiber bound to the next queued entry. stalled reports queued work
// with no free fiber to run it.
func (rt *Runtime) acquireNextFiber() (f *fiberState, stalled bool) {
	if idx, ok := rt.waiting.TakeFunc(rt.ready); ok {
		rt.stats.resumes.Add(1)
		return rt.fibers[idx], false
	}
	if rt.queue.Len() == 0 {
		return nil, false
	}
	idx, ok := rt.free.Take()
	if !ok {
		return nil, true
	}
	e, ok := rt.queue.Dequeue()
	if !ok {
		rt.free.Put(idx)
		return nil, false
	}
	f = rt.fibers[idx]
	f.entry = e
	if f.materialize() {
		rt.stats.materialized.Add(1)
	}
	return f, false
}

func (rt *Runtime) ready(idx uint32) bool {
	on := rt.fibers[idx].waitOn.Load()
	if on == waitingForRoom {
		return uint64(rt.queue.Len()) < rt.queue.Cap()
	}
	return rt.chains.Remaining(chain.Unpack(on)) == 0
}

// drive switches into f and files it according to how it came back. Reports
// whether the worker should exit.
func (rt *Runtime) drive(w *worker, f *fiberState) bool {
	for {
		rt.switchTo(w, f)
		switch f.disposition {
		case dispositionWait:
			// 대기 표시 이후 park 전에 카운터가 0이 됐을 수 있다. 그 경우
			// 아무도 이 파이버를 깨우지 않으므로 여기서 바로 재개한다.
			if rt.ready(uint32(f.index)) {
				rt.stats.inlineResumes.Add(1)
				continue
			}
			rt.stats.parks.Add(1)
			rt.waiting.Put(uint32(f.index))
			return false
		case dispositionExit:
			rt.free.Put(uint32(f.index))
			return true
		default:
			rt.free.Put(uint32(f.index))
			return false
		}
	}
}

func (rt *Runtime) switchTo(w *worker, f *fiberState) {
	if !f.worker.CompareAndSwap(noWorker, int32(w.index)) {
		assert.Thatf(false, "fiber %d switched in by worker %d while bound to worker %d",
			f.index, w.index, f.worker.Load())
		f.worker.Store(int32(w.index))
	}
	if obs := rt.opts.observer; obs != nil {
		obs(w.index, f.index, true)
	}
	rt.stats.switches.Add(1)
	f.coro.Resume()
	if obs := rt.opts.observer; obs != nil {
		obs(w.index, f.index, false)
	}
	f.worker.Store(noWorker)
}

// execute runs the bound entry to completion, resets the fiber's arena and
// counts the item against its chain. Reports whether the chain just
// drained.
func (rt *Runtime) execute(f *fiberState) bool {
	e := f.entry
	e.work.Proc(&f.job, e.work.Arg)
	rt.stats.executed.Add(1)
	if err := f.arena.Reset(); err != nil {
		rt.logger.Err().
			Int("fiber", f.index).
			Str("work", e.work.Name).
			Err(err).
			Log("arena reset failed")
	}
	f.entry = entry{}
	if e.chain.IsZero() {
		return false
	}
	return rt.chains.Done(e.chain) == 0
}
