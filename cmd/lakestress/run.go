package main

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/Pam-La/lakesched"
)

type runOptions struct {
	workers   int
	fibers    int
	items     int
	rounds    int
	fanout    int
	budgetMiB uint64
	queue     uint64
	seed      uint64
}

func init() {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the stress scenarios",
		Long: `The run command executes every scenario once per round:

  conservation  a chain of items that each mark their own slot
  nested        parents that each wait on a chain of children
  churn         items that drift randomly sized buffers in nested scopes

It exits non-zero if any invariant was violated.

Example:
  lakestress run --workers 8 --items 10000 --rounds 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(opts)
		},
	}
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Worker count (0 = GOMAXPROCS)")
	cmd.Flags().IntVar(&opts.fibers, "fibers", 0, "Fiber count (0 = 32 per worker)")
	cmd.Flags().IntVar(&opts.items, "items", 2000, "Items per scenario per round")
	cmd.Flags().IntVar(&opts.rounds, "rounds", 5, "Rounds to run")
	cmd.Flags().IntVar(&opts.fanout, "fanout", 8, "Children per parent in the nested scenario")
	cmd.Flags().Uint64Var(&opts.budgetMiB, "budget", 0, "Virtual reservation in MiB (0 = derived from physical memory)")
	cmd.Flags().Uint64Var(&opts.queue, "queue", lakesched.DefaultQueueCapacity, "Work queue capacity, a power of two")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Seed for the churn scenario")
	rootCmd.AddCommand(cmd)
}

type report struct {
	Rounds     int             `json:"rounds"`
	Items      int64           `json:"items"`
	Elapsed    time.Duration   `json:"elapsed_ns"`
	Violations []string        `json:"violations"`
	Stats      lakesched.Stats `json:"stats"`
}

// checker collects violations from any fiber.
type checker struct {
	mu    sync.Mutex
	count int
	msgs  []string
}

const maxReported = 32

func (c *checker) failf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	if len(c.msgs) < maxReported {
		c.msgs = append(c.msgs, fmt.Sprintf(format, args...))
	}
}

func runStress(opts runOptions) error {
	if opts.items < 1 || opts.rounds < 1 || opts.fanout < 1 {
		return fmt.Errorf("items, rounds and fanout must be positive")
	}
	if opts.fibers != 0 && opts.fibers < 4 {
		return fmt.Errorf("need at least 4 fibers, got %d", opts.fibers)
	}
	options := []lakesched.Option{
		lakesched.WithLogger(logger()),
		lakesched.WithQueueCapacity(opts.queue),
	}
	if opts.workers > 0 {
		options = append(options, lakesched.WithWorkers(opts.workers))
	}
	if opts.fibers > 0 {
		options = append(options, lakesched.WithFibers(opts.fibers))
	}
	if opts.budgetMiB > 0 {
		options = append(options, lakesched.WithMemoryBudget(opts.budgetMiB<<20))
	}

	var (
		chk      checker
		executed atomic.Int64
		rep      report
	)
	start := time.Now()
	err := lakesched.Run(func(j *lakesched.Job, _ any) {
		rt := j.Runtime()
		baseBlocks := rt.Stats().FreeBlocks
		for r := 0; r < opts.rounds; r++ {
			conservation(j, &chk, &executed, opts.items)
			// every waiting parent pins a fiber; leave room for the children.
			parents := min(opts.items/opts.fanout+1, rt.Fibers()/2)
			nested(j, &chk, &executed, parents, opts.fanout)
			churn(j, &chk, &executed, opts.items, opts.seed+uint64(r))
			if free := rt.Stats().FreeBlocks; free != baseBlocks {
				chk.failf("round %d: %d free blocks after churn, want %d", r, free, baseBlocks)
			}
			j.Logger().Debug().Int("round", r).Int64("executed", executed.Load()).Log("round finished")
		}
		rep.Stats = rt.Stats()
	}, nil, options...)
	if err != nil {
		return err
	}

	rep.Rounds = opts.rounds
	rep.Items = executed.Load()
	rep.Elapsed = time.Since(start)
	rep.Violations = chk.msgs
	if jsonOut {
		if err := printJSON(rep); err != nil {
			return err
		}
	} else {
		printReport(rep)
	}
	if chk.count > 0 {
		return fmt.Errorf("%d invariant violations", chk.count)
	}
	return nil
}

func submitAndWait(j *lakesched.Job, chk *checker, scenario string, work []lakesched.Work) bool {
	c, err := j.SubmitChain(work...)
	if err != nil {
		chk.failf("%s: submit: %v", scenario, err)
		return false
	}
	j.Yield(c)
	return true
}

// conservation checks that each item of a chain ran exactly once by the time
// the waiter resumes.
func conservation(j *lakesched.Job, chk *checker, executed *atomic.Int64, n int) {
	hits := make([]atomic.Int32, n)
	work := make([]lakesched.Work, n)
	for i := range work {
		work[i] = lakesched.Work{Name: "mark", Arg: i, Proc: func(_ *lakesched.Job, arg any) {
			hits[arg.(int)].Add(1)
			executed.Add(1)
		}}
	}
	if !submitAndWait(j, chk, "conservation", work) {
		return
	}
	for i := range hits {
		if h := hits[i].Load(); h != 1 {
			chk.failf("conservation: item %d ran %d times", i, h)
		}
	}
}

// nested checks that a parent resumes only after its own children finished.
func nested(j *lakesched.Job, chk *checker, executed *atomic.Int64, parents, fanout int) {
	work := make([]lakesched.Work, parents)
	for i := range work {
		work[i] = lakesched.Work{Name: "parent", Arg: i, Proc: func(j *lakesched.Job, arg any) {
			var done atomic.Int32
			children := make([]lakesched.Work, fanout)
			for k := range children {
				children[k] = lakesched.Work{Name: "child", Proc: func(*lakesched.Job, any) {
					done.Add(1)
					executed.Add(1)
				}}
			}
			if !submitAndWait(j, chk, "nested", children) {
				return
			}
			if d := done.Load(); d != int32(fanout) {
				chk.failf("nested: parent %d resumed with %d/%d children done", arg.(int), d, fanout)
			}
			executed.Add(1)
		}}
	}
	submitAndWait(j, chk, "nested", work)
}

// churn drifts randomly sized buffers inside nested scopes and verifies each
// buffer still holds its fill pattern when its scope closes.
func churn(j *lakesched.Job, chk *checker, executed *atomic.Int64, n int, seed uint64) {
	work := make([]lakesched.Work, n)
	for i := range work {
		work[i] = lakesched.Work{Name: "churn", Arg: uint64(i), Proc: func(j *lakesched.Job, arg any) {
			rng := rand.New(rand.NewPCG(seed, arg.(uint64)))
			churnScope(j, chk, rng, 3)
			executed.Add(1)
		}}
	}
	submitAndWait(j, chk, "churn", work)
}

func churnScope(j *lakesched.Job, chk *checker, rng *rand.Rand, depth int) {
	j.Scope(func() {
		size := rng.IntN(256<<10) + 1
		buf := j.Drift(size, 1<<rng.IntN(7))
		fill := byte(rng.IntN(255) + 1)
		buf[0], buf[len(buf)-1] = fill, fill
		if depth > 0 {
			churnScope(j, chk, rng, depth-1)
		}
		if buf[0] != fill || buf[len(buf)-1] != fill {
			chk.failf("churn: %d-byte buffer overwritten by a child scope", size)
		}
	})
}

func printReport(rep report) {
	st := rep.Stats
	fmt.Printf("rounds:          %d\n", rep.Rounds)
	fmt.Printf("items:           %d\n", rep.Items)
	fmt.Printf("elapsed:         %v\n", rep.Elapsed)
	fmt.Printf("workers/fibers:  %d/%d\n", st.Workers, st.Fibers)
	fmt.Printf("switches:        %d\n", st.Switches)
	fmt.Printf("rebinds:         %d\n", st.Rebinds)
	fmt.Printf("parks/resumes:   %d/%d (inline %d)\n", st.Parks, st.Resumes, st.InlineResumes)
	fmt.Printf("materialized:    %d\n", st.Materialized)
	fmt.Printf("queue full:      %d\n", st.QueueFull)
	fmt.Printf("stalls:          %d\n", st.Stalls)
	fmt.Printf("peak committed:  %d bytes\n", st.PeakCommitted)
	if len(rep.Violations) == 0 {
		fmt.Println("violations:      none")
		return
	}
	fmt.Println("violations:")
	for _, v := range rep.Violations {
		fmt.Printf("  - %s\n", v)
	}
}
