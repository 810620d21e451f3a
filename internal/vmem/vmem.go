// Package vmem reserves the single virtual region the scheduler carves its
// arenas from, and moves slices of it in and out of physical memory.
package vmem

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrInvalidSize  = errors.New("vmem: reservation size must be a positive multiple of the page size")
	ErrOutOfRange   = errors.New("vmem: range outside reservation")
	ErrClosed       = errors.New("vmem: mapping already released")
	ErrUnaligned    = errors.New("vmem: range not page aligned")
	errReserveLimit = errors.New("vmem: reservation exceeds address space")
)

// PageSize는 commit/decommit 경계 단위다.
const PageSize = 4096

type Options struct {
	// HugePages asks the kernel to back committed ranges with transparent huge
	// pages. Best effort: ignored where unsupported.
	HugePages bool
}

// Mapping is one reserved virtual range. Offsets handed out by the block
// allocator index into Bytes().
type Mapping struct {
	data   []byte
	huge   bool
	closed atomic.Bool

	committed atomic.Int64
	peak      atomic.Int64
}

// Reserve maps size bytes of address space without committing physical memory.
func Reserve(size uint64, opts Options) (*Mapping, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, ErrInvalidSize
	}
	if size > uint64(^uint(0)>>1) {
		return nil, errReserveLimit
	}
	data, huge, err := reserve(int(size), opts.HugePages)
	if err != nil {
		return nil, fmt.Errorf("vmem: reserve %d bytes: %w", size, err)
	}
	return &Mapping{data: data, huge: huge}, nil
}

func (m *Mapping) Bytes() []byte {
	return m.data
}

func (m *Mapping) Size() uint64 {
	return uint64(len(m.data))
}

// HugePages reports whether huge-page advice was accepted for the mapping.
func (m *Mapping) HugePages() bool {
	return m.huge
}

// Commit backs [off, off+size) with physical memory.
func (m *Mapping) Commit(off, size uint64) error {
	span, err := m.span(off, size)
	if err != nil {
		return err
	}
	if err := commit(span); err != nil {
		return fmt.Errorf("vmem: commit [%d,+%d): %w", off, size, err)
	}
	m.raise(m.committed.Add(int64(size)))
	return nil
}

// Decommit returns [off, off+size) to the kernel. Contents read back as zero.
func (m *Mapping) Decommit(off, size uint64) error {
	span, err := m.span(off, size)
	if err != nil {
		return err
	}
	if err := decommit(span); err != nil {
		return fmt.Errorf("vmem: decommit [%d,+%d): %w", off, size, err)
	}
	m.committed.Add(-int64(size))
	return nil
}

// Committed is the number of bytes currently committed.
func (m *Mapping) Committed() int64 {
	return m.committed.Load()
}

// Peak is the high-water mark of Committed.
func (m *Mapping) Peak() int64 {
	return m.peak.Load()
}

// Close unmaps the reservation. Slices obtained from Bytes must not be used
// afterwards.
func (m *Mapping) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	data := m.data
	m.data = nil
	return release(data)
}

func (m *Mapping) raise(v int64) {
	for {
		p := m.peak.Load()
		if v <= p || m.peak.CompareAndSwap(p, v) {
			return
		}
	}
}

func (m *Mapping) span(off, size uint64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if off%PageSize != 0 || size%PageSize != 0 {
		return nil, ErrUnaligned
	}
	end := off + size
	if end < off || end > uint64(len(m.data)) {
		return nil, ErrOutOfRange
	}
	return m.data[off:end:end], nil
}
