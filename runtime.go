package lakesched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/Pam-La/lakesched/internal/async"
	"github.com/Pam-La/lakesched/internal/blockmap"
	"github.com/Pam-La/lakesched/internal/chain"
	"github.com/Pam-La/lakesched/internal/fiber"
	"github.com/Pam-La/lakesched/internal/vmem"
)

type state int32

const (
	stateNew state = iota
	stateRunning
	stateStopping
	stateClosed
)

// Runtime owns the reservation, the work queue, the chain pool and the fixed
// set of fibers and workers.
type Runtime struct {
	opts   *options
	logger *Logger

	mem    *vmem.Mapping
	blocks *blockmap.Bitmap
	queue  *async.RingBuffer[entry]
	chains *chain.Pool

	fibers  []*fiberState
	free    *fiber.Slots
	waiting *fiber.Slots
	workers []*worker

	goSignal chan struct{}
	group    errgroup.Group
	done     chan struct{}
	joinErr  error

	state     atomic.Int32
	closeOnce sync.Once
	closeErr  error

	stats counters
}

// New reserves memory and builds every fixed structure. No worker runs until
// Start.
func New(opts ...Option) (*Runtime, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		opts:     cfg,
		logger:   cfg.logger,
		goSignal: make(chan struct{}),
		done:     make(chan struct{}),
	}

	rt.mem, err = vmem.Reserve(cfg.memoryBudget, vmem.Options{HugePages: cfg.hugePages})
	if err != nil {
		rt.logger.Crit().
			Uint64("budget", cfg.memoryBudget).
			Err(err).
			Log("virtual memory reservation failed")
		return nil, fmt.Errorf("%w: %w", ErrReserve, err)
	}
	if err := rt.build(); err != nil {
		return nil, multierr.Append(err, rt.mem.Close())
	}

	rt.logger.Info().
		Int("workers", cfg.workers).
		Int("fibers", cfg.fibers).
		Uint64("budget", cfg.memoryBudget).
		Uint64("block_size", cfg.blockSize).
		Uint64("roots", cfg.rootBytes).
		Str("backpressure", cfg.backpressure.String()).
		Bool("huge_pages", rt.mem.HugePages()).
		Log("runtime created")
	return rt, nil
}

func (rt *Runtime) build() error {
	cfg := rt.opts
	var err error
	if rt.blocks, err = blockmap.New(cfg.memoryBudget, cfg.blockSize, cfg.rootBytes, rt.mem); err != nil {
		return err
	}
	// home regions stay committed for the runtime's life.
	if err = rt.mem.Commit(0, cfg.rootBytes); err != nil {
		return err
	}
	if rt.queue, err = async.NewRingBuffer[entry](cfg.queueCapacity); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if rt.chains, err = chain.NewPool(cfg.chainPool); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if rt.free, err = fiber.NewSlots(cfg.fibers, true); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if rt.waiting, err = fiber.NewSlots(cfg.fibers, false); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	rt.fibers = make([]*fiberState, cfg.fibers)
	for i := range rt.fibers {
		rt.fibers[i] = newFiberState(rt, i)
	}
	rt.workers = make([]*worker, cfg.workers)
	for i := range rt.workers {
		rt.workers[i] = &worker{index: i}
	}
	return nil
}

// Run is the bootstrap: it builds a runtime, runs worker 0 on the calling
// goroutine and the rest in the background, and submits main as the first
// item. When main returns every worker is told to exit; Run returns once
// all have joined and the reservation is released.
func Run(main Proc, arg any, opts ...Option) error {
	if main == nil {
		return ErrInvalidWork
	}
	rt, err := New(opts...)
	if err != nil {
		return err
	}

	rt.state.Store(int32(stateRunning))
	if _, err := rt.submit(nil, []Work{{
		Name: "main",
		Arg:  arg,
		Proc: func(j *Job, arg any) {
			main(j, arg)
			rt.beginShutdown(j.f)
		},
	}}, false); err != nil {
		rt.state.Store(int32(stateNew))
		return multierr.Append(err, rt.Close())
	}
	for _, w := range rt.workers[1:] {
		rt.group.Go(func() error { return rt.workerLoop(w) })
	}
	rt.logger.Info().Int("workers", len(rt.workers)).Log("runtime started")
	close(rt.goSignal)

	// worker 0가 panic하면 join 없이 그대로 전파된다.
	err = rt.workerLoop(rt.workers[0])
	rt.joinErr = multierr.Append(err, rt.group.Wait())
	close(rt.done)
	return rt.Close()
}

// Start runs every worker in the background.
func (rt *Runtime) Start() error {
	if !rt.state.CompareAndSwap(int32(stateNew), int32(stateRunning)) {
		return fmt.Errorf("%w: start called twice", ErrClosed)
	}
	for _, w := range rt.workers {
		rt.group.Go(func() error { return rt.workerLoop(w) })
	}
	go func() {
		rt.joinErr = rt.group.Wait()
		close(rt.done)
	}()
	rt.logger.Info().Int("workers", len(rt.workers)).Log("runtime started")
	close(rt.goSignal)
	return nil
}

// beginShutdown stops new submissions and queues one shutdown entry per
// worker. Entries already queued ahead of them still run. from is the fiber
// calling it, or nil.
func (rt *Runtime) beginShutdown(from *fiberState) bool {
	if !rt.state.CompareAndSwap(int32(stateRunning), int32(stateStopping)) {
		return false
	}
	for range rt.workers {
		rt.enqueueBlocking(from, entry{kind: entryShutdown, work: Work{Name: "shutdown"}})
	}
	return true
}

// Shutdown asks every worker to exit and waits until they have, or until ctx
// is done.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	switch state(rt.state.Load()) {
	case stateNew:
		return ErrNotStarted
	case stateClosed:
		return ErrClosed
	}
	rt.beginShutdown(nil)
	select {
	case <-rt.done:
		return rt.joinErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the runtime down if it is still running, retires every idle
// fiber and releases the reservation. Fibers still parked in Yield or on a
// full queue are abandoned.
func (rt *Runtime) Close() error {
	rt.closeOnce.Do(func() {
		var err error
		if state(rt.state.Load()) != stateNew {
			rt.beginShutdown(nil)
			<-rt.done
			err = rt.joinErr
		}
		rt.state.Store(int32(stateClosed))

		abandoned := 0
		for _, f := range rt.fibers {
			if f.coro == nil || f.coro.Done() {
				continue
			}
			if f.disposition == dispositionWait {
				abandoned++
				continue
			}
			f.retired = true
			f.coro.Resume()
		}
		if abandoned > 0 {
			rt.logger.Warning().
				Int("fibers", abandoned).
				Log("closing with fibers still waiting on chains")
		}

		err = multierr.Append(err, rt.mem.Close())
		rt.closeErr = err
		rt.logger.Info().
			Uint64("executed", rt.stats.executed.Load()).
			Err(err).
			Log("runtime closed")
	})
	return rt.closeErr
}

// Submit queues items with no completion tracking. It is for goroutines
// outside the runtime: under BackpressureBlock it spins on a full queue, so
// work items use Job.Submit instead.
func (rt *Runtime) Submit(items ...Work) error {
	_, err := rt.submit(nil, items, false)
	return err
}

// SubmitChain queues items and returns a Chain that drains once all of them
// have finished.
func (rt *Runtime) SubmitChain(items ...Work) (Chain, error) {
	return rt.submit(nil, items, true)
}

// Wait blocks a goroutine that is not a fiber until c drains, then returns
// c's counter to the pool. Fibers use Job.Yield instead.
func (rt *Runtime) Wait(ctx context.Context, c Chain) error {
	if c.IsZero() {
		return nil
	}
	var b backoff
	for rt.chains.Remaining(c.ref) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		b.wait(rt.opts.idleBackoff)
	}
	rt.chains.Release(c.ref)
	return nil
}

func (rt *Runtime) Logger() *Logger { return rt.logger }

func (rt *Runtime) Workers() int { return len(rt.workers) }

func (rt *Runtime) Fibers() int { return len(rt.fibers) }
