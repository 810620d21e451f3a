package drifter

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
)

// Handoff is a region whose ownership moves between arenas explicitly, e.g. a
// log buffer started by one work item and finished by another in the same
// chain. Exactly one arena reclaims it: the last one to own it.
type Handoff struct {
	region Region
	owner  atomic.Pointer[Drifter]
}

// Owner is the arena that will reclaim h, or nil once reclaimed.
func (h *Handoff) Owner() *Drifter { return h.owner.Load() }

// Detach acquires a region of at least size bytes outside the bump chain. It
// belongs to the current scope until another arena adopts it.
func (d *Drifter) Detach(size uint64) (*Handoff, []byte, error) {
	gran := d.src.Granularity()
	need := max((size+gran-1)/gran*gran, gran)
	off, err := d.src.Acquire(need)
	if err != nil {
		return nil, nil, fmt.Errorf("drifter: detach %d bytes: %w", need, err)
	}
	d.acquired.Add(1)
	h := &Handoff{region: Region{Off: off, Size: need}}
	h.owner.Store(d)
	c := d.current()
	c.owned = append(c.owned, h)
	return h, d.mem[off : off+size : off+size], nil
}

// Adopt takes ownership of h into the current scope. It fails if h was
// already reclaimed or moved elsewhere.
func (d *Drifter) Adopt(h *Handoff) ([]byte, error) {
	for {
		prev := h.owner.Load()
		if prev == nil {
			return nil, ErrForeignHand
		}
		if prev == d {
			break
		}
		if h.owner.CompareAndSwap(prev, d) {
			break
		}
	}
	c := d.current()
	c.owned = append(c.owned, h)
	off, size := h.region.Off, h.region.Size
	return d.mem[off : off+size : off+size], nil
}

// settle reclaims the handoffs in list this arena still owns; ones adopted
// elsewhere are left alone.
func (d *Drifter) settle(list []*Handoff) error {
	var errs error
	for _, h := range list {
		if !h.owner.CompareAndSwap(d, nil) {
			continue
		}
		if err := d.src.Release(h.region.Off, h.region.Size); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		d.released.Add(1)
	}
	return errs
}
