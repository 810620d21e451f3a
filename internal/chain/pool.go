// Package chain owns the fixed pool of dependency counters ("chains").
// A chain is leased with the number of work items that share it, decremented
// once per completed item and released by whoever waited on it.
package chain

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/Pam-La/lakesched/internal/assert"
)

var (
	ErrInvalidPoolSize = errors.New("chain pool size must be in [1, 1<<20]")
	ErrExhausted       = errors.New("chain pool exhausted")
)

type counter struct {
	n   atomic.Int64
	gen atomic.Uint32
	_   [counterSize - 12]byte
}

// Ref는 (index, generation) 쌍이다. 제로 값은 "체인 없음"을 뜻한다.
type Ref struct {
	idx uint32
	gen uint32
}

func (r Ref) IsZero() bool {
	return r.gen == 0
}

func (r Ref) Index() int {
	return int(r.idx)
}

// Pack encodes r into one word so it can live in an atomic.
func (r Ref) Pack() uint64 {
	return uint64(r.gen)<<32 | uint64(r.idx)
}

func Unpack(v uint64) Ref {
	return Ref{idx: uint32(v), gen: uint32(v >> 32)}
}

func (r Ref) String() string {
	if r.IsZero() {
		return "chain(none)"
	}
	return fmt.Sprintf("chain(%d@%d)", r.idx, r.gen)
}

type Pool struct {
	slots []counter
	hint  atomic.Uint32
	inUse atomic.Int64
}

func NewPool(size int) (*Pool, error) {
	if size < 1 || size > maxPoolSize {
		return nil, ErrInvalidPoolSize
	}
	p := &Pool{slots: make([]counter, size)}
	for i := range p.slots {
		p.slots[i].n.Store(free)
		p.slots[i].gen.Store(firstGeneration)
	}
	return p, nil
}

func (p *Pool) Size() int {
	return len(p.slots)
}

// InUse is the number of leased counters.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}

// Lease claims a free counter initialised to count.
func (p *Pool) Lease(count int64) (Ref, error) {
	if count < 0 {
		return Ref{}, fmt.Errorf("chain: negative count %d", count)
	}
	n := uint32(len(p.slots))
	start := p.hint.Add(1)
	for i := uint32(0); i < n; i++ {
		idx := (start + i) % n
		c := &p.slots[idx]
		if c.n.Load() != free {
			continue
		}
		if !c.n.CompareAndSwap(free, count) {
			continue
		}
		p.inUse.Add(1)
		return Ref{idx: idx, gen: c.gen.Load()}, nil
	}
	return Ref{}, ErrExhausted
}

// Done records one completed member and returns how many remain.
func (p *Pool) Done(r Ref) int64 {
	return p.DoneN(r, 1)
}

// DoneN retires k members at once.
func (p *Pool) DoneN(r Ref, k int64) int64 {
	if r.IsZero() {
		return 0
	}
	c := &p.slots[r.idx]
	assert.Thatf(c.gen.Load() == r.gen, "%v decremented after release", r)
	left := c.n.Add(-k)
	assert.Thatf(left >= 0, "%v decremented below zero", r)
	return left
}

// Remaining reads the counter. A stale ref (its lease already released) reads
// as satisfied.
func (p *Pool) Remaining(r Ref) int64 {
	if r.IsZero() {
		return 0
	}
	c := &p.slots[r.idx]
	n := c.n.Load()
	if c.gen.Load() != r.gen || n == free {
		return 0
	}
	return n
}

// Valid reports whether r still names a live lease.
func (p *Pool) Valid(r Ref) bool {
	if r.IsZero() || int(r.idx) >= len(p.slots) {
		return false
	}
	c := &p.slots[r.idx]
	return c.gen.Load() == r.gen && c.n.Load() != free
}

// Release returns the counter to the pool. The generation moves first so a
// stale holder can never observe the next lease's count under its own ref.
func (p *Pool) Release(r Ref) {
	if r.IsZero() {
		return
	}
	c := &p.slots[r.idx]
	if !c.gen.CompareAndSwap(r.gen, r.gen+1) {
		assert.Thatf(false, "%v released twice", r)
		return
	}
	if r.gen+1 == 0 {
		c.gen.Store(firstGeneration)
	}
	c.n.Store(free)
	p.inUse.Add(-1)
}
