package lakesched

import (
	"fmt"
	"runtime"
	"time"

	"github.com/pbnjay/memory"

	"github.com/Pam-La/lakesched/internal/blockmap"
	"github.com/Pam-La/lakesched/internal/fiber"
	"github.com/Pam-La/lakesched/internal/vmem"
)

const (
	DefaultBlockSize       = blockmap.DefaultBlockSize
	DefaultFibersPerWorker = 32
	DefaultQueueCapacity   = 4096
	DefaultChainPool       = 1024
	DefaultFiberReserve    = 64 << 10
	DefaultIdleBackoff     = 500 * time.Microsecond

	minMemoryBudget = 64 << 20
	maxMemoryBudget = 4 << 30
)

// Backpressure decides what Submit does when the work queue is full.
type Backpressure uint8

const (
	// BackpressureBlock spins the producer with backoff until a slot frees up.
	BackpressureBlock Backpressure = iota
	// BackpressureReject returns ErrQueueFull; items that did not make it
	// into the queue are subtracted from the chain.
	BackpressureReject
	// BackpressureAbort treats a full queue as a fatal fault.
	BackpressureAbort
)

func (b Backpressure) String() string {
	switch b {
	case BackpressureBlock:
		return "block"
	case BackpressureReject:
		return "reject"
	case BackpressureAbort:
		return "abort"
	default:
		return fmt.Sprintf("Backpressure(%d)", uint8(b))
	}
}

// SwitchObserver is called by a worker immediately before it switches into a
// fiber (entering true) and immediately after control comes back.
type SwitchObserver func(worker, fiber int, entering bool)

type options struct {
	workers       int
	fibers        int
	queueCapacity uint64
	chainPool     int
	memoryBudget  uint64
	blockSize     uint64
	fiberReserve  uint64
	hugePages     bool
	backpressure  Backpressure
	logger        *Logger
	idleBackoff   time.Duration
	observer      SwitchObserver
	lockOSThread  bool
	coroutines    fiber.Factory

	// derived by resolveOptions
	rootBytes uint64
}

// Option configures a Runtime.
type Option interface {
	apply(*options) error
}

type optionImpl struct {
	applyFunc func(*options) error
}

func (o *optionImpl) apply(opts *options) error {
	return o.applyFunc(opts)
}

// WithWorkers sets the number of worker goroutines. Defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: workers %d", ErrInvalidConfig, n)
		}
		opts.workers = n
		return nil
	}}
}

// WithFibers sets the fixed fiber count. Defaults to DefaultFibersPerWorker
// per worker.
func WithFibers(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 || n >= 1<<31 {
			return fmt.Errorf("%w: fibers %d", ErrInvalidConfig, n)
		}
		opts.fibers = n
		return nil
	}}
}

// WithQueueCapacity sets the work queue size, a power of two.
func WithQueueCapacity(n uint64) Option {
	return &optionImpl{func(opts *options) error {
		if n < 2 || n&(n-1) != 0 {
			return fmt.Errorf("%w: queue capacity %d is not a power of two >= 2", ErrInvalidConfig, n)
		}
		opts.queueCapacity = n
		return nil
	}}
}

// WithChainPool sets how many chain counters may be leased at once.
func WithChainPool(n int) Option {
	return &optionImpl{func(opts *options) error {
		if n < 1 {
			return fmt.Errorf("%w: chain pool %d", ErrInvalidConfig, n)
		}
		opts.chainPool = n
		return nil
	}}
}

// WithMemoryBudget sets the size of the virtual reservation.
func WithMemoryBudget(bytes uint64) Option {
	return &optionImpl{func(opts *options) error {
		opts.memoryBudget = bytes
		return nil
	}}
}

// WithBlockSize sets the commit granularity, a power-of-two multiple of the
// page size.
func WithBlockSize(bytes uint64) Option {
	return &optionImpl{func(opts *options) error {
		if bytes < vmem.PageSize || bytes&(bytes-1) != 0 {
			return fmt.Errorf("%w: block size %d", ErrInvalidConfig, bytes)
		}
		opts.blockSize = bytes
		return nil
	}}
}

// WithFiberReserve sets the size of each fiber's home region, carved out of
// the front of the reservation. Rounded up to whole pages.
func WithFiberReserve(bytes uint64) Option {
	return &optionImpl{func(opts *options) error {
		if bytes == 0 {
			return fmt.Errorf("%w: fiber reserve must be positive", ErrInvalidConfig)
		}
		opts.fiberReserve = (bytes + vmem.PageSize - 1) &^ (vmem.PageSize - 1)
		return nil
	}}
}

// WithHugePages asks the kernel to back the reservation with huge pages.
func WithHugePages(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.hugePages = enabled
		return nil
	}}
}

func WithBackpressure(policy Backpressure) Option {
	return &optionImpl{func(opts *options) error {
		if policy > BackpressureAbort {
			return fmt.Errorf("%w: backpressure %v", ErrInvalidConfig, policy)
		}
		opts.backpressure = policy
		return nil
	}}
}

// WithLogger replaces the default stderr logger. A nil logger disables
// logging.
func WithLogger(logger *Logger) Option {
	return &optionImpl{func(opts *options) error {
		opts.logger = logger
		return nil
	}}
}

// WithIdleBackoff caps how long an idle worker sleeps between polls.
func WithIdleBackoff(d time.Duration) Option {
	return &optionImpl{func(opts *options) error {
		if d <= 0 {
			return fmt.Errorf("%w: idle backoff %v", ErrInvalidConfig, d)
		}
		opts.idleBackoff = d
		return nil
	}}
}

func WithSwitchObserver(fn SwitchObserver) Option {
	return &optionImpl{func(opts *options) error {
		opts.observer = fn
		return nil
	}}
}

// WithLockOSThread wires each worker loop to its own OS thread.
func WithLockOSThread(enabled bool) Option {
	return &optionImpl{func(opts *options) error {
		opts.lockOSThread = enabled
		return nil
	}}
}

// resolveOptions applies opts over the defaults and checks that the derived
// memory layout fits the budget.
func resolveOptions(opts []Option) (*options, error) {
	cfg := &options{
		queueCapacity: DefaultQueueCapacity,
		chainPool:     DefaultChainPool,
		blockSize:     DefaultBlockSize,
		fiberReserve:  DefaultFiberReserve,
		backpressure:  BackpressureBlock,
		logger:        defaultLogger(),
		idleBackoff:   DefaultIdleBackoff,
		coroutines:    fiber.NewHandoff,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.workers == 0 {
		cfg.workers = runtime.GOMAXPROCS(0)
	}
	if cfg.fibers == 0 {
		cfg.fibers = cfg.workers * DefaultFibersPerWorker
	}
	if cfg.memoryBudget == 0 {
		cfg.memoryBudget = defaultMemoryBudget()
	}

	cfg.memoryBudget &^= cfg.blockSize - 1
	roots := uint64(cfg.fibers) * cfg.fiberReserve
	if roots/cfg.fiberReserve != uint64(cfg.fibers) {
		return nil, fmt.Errorf("%w: fiber reserve overflows", ErrInvalidConfig)
	}
	cfg.rootBytes = (roots + cfg.blockSize - 1) &^ (cfg.blockSize - 1)
	if cfg.rootBytes+cfg.blockSize > cfg.memoryBudget {
		return nil, fmt.Errorf("%w: budget %d cannot hold %d fiber reserves of %d plus one block of %d",
			ErrInvalidConfig, cfg.memoryBudget, cfg.fibers, cfg.fiberReserve, cfg.blockSize)
	}
	return cfg, nil
}

// defaultMemoryBudget is an eighth of physical memory, clamped.
func defaultMemoryBudget() uint64 {
	total := memory.TotalMemory() / 8
	return min(max(total, minMemoryBudget), maxMemoryBudget)
}
