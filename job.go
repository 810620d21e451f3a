package lakesched

import (
	"errors"
	"fmt"

	"github.com/Pam-La/lakesched/internal/assert"
	"github.com/Pam-La/lakesched/internal/blockmap"
	"github.com/Pam-La/lakesched/internal/drifter"
)

// Handoff is a region detached from one fiber's arena so another fiber can
// adopt it. Whoever holds it last when its scope closes returns the memory.
type Handoff = drifter.Handoff

// Job is the handle a work item gets to the runtime and to the fiber running
// it. It must not be retained after the item returns or used from another
// goroutine.
type Job struct {
	rt *Runtime
	f  *fiberState
}

func (j *Job) Runtime() *Runtime { return j.rt }

func (j *Job) Logger() *Logger { return j.rt.logger }

// Name is the current work item's name.
func (j *Job) Name() string { return j.f.entry.work.Name }

// WorkerIndex is the worker currently driving this fiber. It can differ
// before and after Yield.
func (j *Job) WorkerIndex() int { return int(j.f.worker.Load()) }

func (j *Job) FiberIndex() int { return j.f.index }

func (j *Job) Submit(items ...Work) error {
	_, err := j.rt.submit(j.f, items, false)
	return err
}

func (j *Job) SubmitChain(items ...Work) (Chain, error) {
	return j.rt.submit(j.f, items, true)
}

// Yield suspends the fiber until every item of c has finished, then returns
// c's counter to the pool. Only one fiber may yield on a given chain.
func (j *Job) Yield(c Chain) {
	if c.IsZero() {
		return
	}
	rt, f := j.rt, j.f
	assert.Thatf(rt.chains.Valid(c.ref), "yield on stale chain %v", c.ref)
	if rt.chains.Remaining(c.ref) > 0 {
		f.suspendOn(c.ref.Pack())
	}
	rt.chains.Release(c.ref)
}

// Drift returns size bytes from the fiber's arena, valid until the innermost
// scope is left or the item returns.
func (j *Job) Drift(size, align int) []byte {
	checkSize("drift", size)
	b, err := j.f.arena.Drift(uint64(size), uint64(align))
	if err != nil {
		j.driftFailed("drift", size, err)
	}
	return b
}

// DriftAlias is Drift that leaves the bump cursor at the start of the
// returned bytes, for scratch space the next allocation may overwrite.
func (j *Job) DriftAlias(size, align int) []byte {
	checkSize("drift alias", size)
	b, err := j.f.arena.DriftAlias(uint64(size), uint64(align))
	if err != nil {
		j.driftFailed("drift alias", size, err)
	}
	return b
}

func checkSize(op string, size int) {
	if size < 0 {
		panic(fmt.Errorf("lakesched: %s: negative size %d", op, size))
	}
}

func (j *Job) driftFailed(op string, size int, err error) {
	if errors.Is(err, blockmap.ErrOutOfBlocks) {
		j.rt.fatal(op, err)
	}
	panic(fmt.Errorf("lakesched: %s %d bytes: %w", op, size, err))
}

func (j *Job) EnterScope() { j.f.arena.Enter() }

// LeaveScope runs the scope's deferred hooks, then releases everything
// drifted since the matching EnterScope.
func (j *Job) LeaveScope() {
	if err := j.f.arena.Leave(); err != nil {
		panic(fmt.Errorf("lakesched: leave scope: %w", err))
	}
}

// Scope runs fn inside its own arena scope.
func (j *Job) Scope(fn func()) {
	j.EnterScope()
	defer j.LeaveScope()
	fn()
}

// Defer registers fn to run when the innermost scope closes, before its
// memory is returned.
func (j *Job) Defer(fn func()) { j.f.arena.Defer(fn) }

// Detach carves a region that outlives the current item unless nobody
// adopts it.
func (j *Job) Detach(size int) (*Handoff, []byte) {
	checkSize("detach", size)
	h, b, err := j.f.arena.Detach(uint64(size))
	if err != nil {
		j.driftFailed("detach", size, err)
	}
	return h, b
}

// Adopt takes ownership of h into the innermost scope. It reports false if
// h was already reclaimed or belongs to nobody.
func (j *Job) Adopt(h *Handoff) ([]byte, bool) {
	b, err := j.f.arena.Adopt(h)
	if err != nil {
		return nil, false
	}
	return b, true
}
