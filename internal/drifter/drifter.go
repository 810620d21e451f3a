// Package drifter is the per-fiber scoped bump allocator. Memory comes from
// the block bitmap in whole regions; scopes snapshot the bump position and
// hand every region linked after the snapshot back on exit.
package drifter

import (
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/Pam-La/lakesched/internal/assert"
)

var (
	ErrBadAlign    = errors.New("drifter: alignment must be a power of two")
	ErrNoScope     = errors.New("drifter: leave without matching enter")
	ErrForeignHand = errors.New("drifter: handoff not owned by this arena")
)

// Source hands out and takes back whole regions of the shared mapping.
type Source interface {
	Acquire(size uint64) (uint64, error)
	Release(off, size uint64) error
	Granularity() uint64
}

// Region은 매핑 안의 연속된 커밋 구간 하나다. 체인은 head에서 tail 방향으로만 자라고
// 해제도 tail 쪽부터 스코프 단위로 일어난다.
type Region struct {
	Off  uint64
	Size uint64
	next *Region
	// home regions come from the roots carve-out and are never released.
	home bool
}

// cursor is one scope snapshot: the tail region and bump offset at entry,
// plus what must happen before that scope's memory goes away.
type cursor struct {
	tail   *Region
	offset uint64
	flush  []func()
	owned  []*Handoff
}

// Drifter is owned by exactly one fiber at a time and is not safe for
// concurrent use.
type Drifter struct {
	mem []byte
	src Source

	head   *Region
	tail   *Region
	offset uint64

	cursors []cursor
	// root-level hooks and handoffs, settled by Reset.
	root cursor

	spare    *Region
	released atomic.Uint64
	acquired atomic.Uint64
}

// New builds an arena whose first region is home, which it never returns.
// home may be zero-sized, in which case the first allocation acquires.
func New(mem []byte, src Source, home Region) *Drifter {
	h := &Region{Off: home.Off, Size: home.Size, home: true}
	return &Drifter{
		mem:  mem,
		src:  src,
		head: h,
		tail: h,
	}
}

// Head is the home region.
func (d *Drifter) Head() *Region { return d.head }

// Tail is the region the bump cursor currently lives in.
func (d *Drifter) Tail() *Region { return d.tail }

// Offset is the bump position inside Tail.
func (d *Drifter) Offset() uint64 { return d.offset }

// Depth is the number of open scopes.
func (d *Drifter) Depth() int { return len(d.cursors) }

// Regions counts the regions linked from head, home included.
func (d *Drifter) Regions() int {
	n := 0
	for r := d.head; r != nil; r = r.next {
		n++
	}
	return n
}

// Drift bump-allocates size bytes aligned to align.
func (d *Drifter) Drift(size, align uint64) ([]byte, error) {
	start, err := d.place(size, align)
	if err != nil {
		return nil, err
	}
	d.offset = start + size
	return d.slice(start, size), nil
}

// DriftAlias allocates like Drift but leaves the cursor at the start of the
// returned bytes, so the next allocation overlaps them.
func (d *Drifter) DriftAlias(size, align uint64) ([]byte, error) {
	start, err := d.place(size, align)
	if err != nil {
		return nil, err
	}
	d.offset = start
	return d.slice(start, size), nil
}

func (d *Drifter) slice(start, size uint64) []byte {
	abs := d.tail.Off + start
	return d.mem[abs : abs+size : abs+size]
}

// place returns the tail-relative start for size bytes, linking a new tail
// region when the current one is too small.
func (d *Drifter) place(size, align uint64) (uint64, error) {
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, ErrBadAlign
	}
	if start, ok := fit(d.tail, d.offset, size, align); ok {
		return start, nil
	}

	gran := d.src.Granularity()
	need := size
	if align > gran {
		need += align
	}
	need = (need + gran - 1) / gran * gran
	if need == 0 {
		need = gran
	}
	off, err := d.src.Acquire(need)
	if err != nil {
		return 0, fmt.Errorf("drifter: acquire %d bytes: %w", need, err)
	}
	d.acquired.Add(1)

	r := d.node(off, need)
	d.tail.next = r
	d.tail = r
	d.offset = 0

	start, ok := fit(r, 0, size, align)
	assert.That(ok, "fresh region too small for its request")
	return start, nil
}

func fit(r *Region, offset, size, align uint64) (uint64, bool) {
	abs := r.Off + offset
	aligned := (abs + align - 1) &^ (align - 1)
	start := aligned - r.Off
	if start+size > r.Size || start+size < start {
		return 0, false
	}
	return start, true
}

func (d *Drifter) node(off, size uint64) *Region {
	r := d.spare
	if r != nil {
		d.spare = r.next
		*r = Region{}
	} else {
		r = &Region{}
	}
	r.Off, r.Size = off, size
	return r
}

// Enter pushes a scope snapshot.
func (d *Drifter) Enter() {
	d.cursors = append(d.cursors, cursor{tail: d.tail, offset: d.offset})
}

// Leave pops the innermost scope: pending flushes run first (newest first),
// then every region linked after the snapshot tail is released and the bump
// position rewinds to the snapshot.
func (d *Drifter) Leave() error {
	n := len(d.cursors)
	if n == 0 {
		assert.That(false, "drifter scope underflow")
		return ErrNoScope
	}
	runFlush(d.cursors[n-1].flush)
	c := d.cursors[n-1]
	d.cursors[n-1] = cursor{}
	d.cursors = d.cursors[:n-1]
	err := d.settle(c.owned)
	d.truncate(c.tail)
	d.offset = c.offset
	return err
}

// Defer registers fn to run when the innermost scope is left, or at Reset
// when no scope is open.
func (d *Drifter) Defer(fn func()) {
	c := d.current()
	c.flush = append(c.flush, fn)
}

// Reset closes every open scope and rewinds to the start of the home region.
// Called when the owning fiber's work item finishes.
func (d *Drifter) Reset() error {
	var err error
	for len(d.cursors) > 0 {
		err = multierr.Append(err, d.Leave())
	}
	runFlush(d.root.flush)
	err = multierr.Append(err, d.settle(d.root.owned))
	d.root = cursor{}
	d.truncate(d.head)
	d.offset = 0
	return err
}

// Stats reports (regions acquired, regions released) over the arena's life.
func (d *Drifter) Stats() (acquired, released uint64) {
	return d.acquired.Load(), d.released.Load()
}

func (d *Drifter) current() *cursor {
	if n := len(d.cursors); n > 0 {
		return &d.cursors[n-1]
	}
	return &d.root
}

// truncate releases every region after keep.
func (d *Drifter) truncate(keep *Region) {
	r := keep.next
	keep.next = nil
	d.tail = keep
	for r != nil {
		next := r.next
		if !r.home {
			if err := d.src.Release(r.Off, r.Size); err != nil {
				assert.Thatf(false, "release region [%d,+%d): %v", r.Off, r.Size, err)
			}
			d.released.Add(1)
		}
		r.next = d.spare
		d.spare = r
		r = next
	}
}

func runFlush(fns []func()) {
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}
