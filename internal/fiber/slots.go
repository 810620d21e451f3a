package fiber

import (
	"errors"
	"sync/atomic"
)

var ErrInvalidSlots = errors.New("fiber: slot table size must be in [1, 1<<31)")

// Empty는 인덱스가 없는 슬롯 값이다.
const Empty = ^uint32(0)

// Slots is a fixed table of fiber indices used for both the free list and the
// waiting list. Each cell packs (generation<<32 | index); every successful CAS
// moves the generation so a scanner holding an old read can never complete a
// stale swap.
type Slots struct {
	cells []atomic.Uint64
	hint  atomic.Uint32
	count atomic.Int64
}

func pack(gen, idx uint32) uint64 {
	return uint64(gen)<<32 | uint64(idx)
}

func unpack(v uint64) (gen, idx uint32) {
	return uint32(v >> 32), uint32(v)
}

// NewSlots builds a table of n cells; when filled, cell i holds index i.
func NewSlots(n int, filled bool) (*Slots, error) {
	if n < 1 || n >= 1<<31 {
		return nil, ErrInvalidSlots
	}
	s := &Slots{cells: make([]atomic.Uint64, n)}
	for i := range s.cells {
		idx := Empty
		if filled {
			idx = uint32(i)
		}
		s.cells[i].Store(pack(0, idx))
	}
	if filled {
		s.count.Store(int64(n))
	}
	return s, nil
}

func (s *Slots) Cap() int {
	return len(s.cells)
}

// Len is approximate under concurrent use.
func (s *Slots) Len() int {
	return int(s.count.Load())
}

// Put parks idx in an empty cell. The table is sized to hold every index, so
// Put only retries while racing other writers.
func (s *Slots) Put(idx uint32) {
	n := uint32(len(s.cells))
	for {
		start := s.hint.Add(1)
		for i := uint32(0); i < n; i++ {
			c := &s.cells[(start+i)%n]
			v := c.Load()
			gen, cur := unpack(v)
			if cur != Empty {
				continue
			}
			if c.CompareAndSwap(v, pack(gen+1, idx)) {
				s.count.Add(1)
				return
			}
		}
	}
}

// Take removes any parked index.
func (s *Slots) Take() (uint32, bool) {
	return s.TakeFunc(nil)
}

// TakeFunc removes the first parked index for which ready reports true. A nil
// ready accepts any index.
func (s *Slots) TakeFunc(ready func(idx uint32) bool) (uint32, bool) {
	if s.count.Load() == 0 {
		return Empty, false
	}
	n := uint32(len(s.cells))
	start := s.hint.Load()
	for i := uint32(0); i < n; i++ {
		c := &s.cells[(start+i)%n]
		v := c.Load()
		gen, idx := unpack(v)
		if idx == Empty {
			continue
		}
		if ready != nil && !ready(idx) {
			continue
		}
		if c.CompareAndSwap(v, pack(gen+1, Empty)) {
			s.count.Add(-1)
			return idx, true
		}
	}
	return Empty, false
}
