// Package blockmap tracks which fixed-size blocks of the reserved region are
// handed out. One bit per block, set means free.
package blockmap

import (
	"errors"
	"fmt"
	"math/bits"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"
)

var (
	ErrOutOfBlocks    = errors.New("blockmap: no free run large enough")
	ErrInvalidLayout  = errors.New("blockmap: invalid layout")
	ErrRootsTooLarge  = errors.New("blockmap: roots exceed reservation")
	errZeroAllocation = errors.New("blockmap: zero-sized request")
)

// DefaultBlockSize는 커밋/해제 단위(256 KiB)다.
const DefaultBlockSize = 256 << 10

const wordBits = 64

// Committer backs and releases physical memory for claimed blocks.
type Committer interface {
	Commit(off, size uint64) error
	Decommit(off, size uint64) error
}

// Bitmap is a lock-free first-fit block allocator. Claims are per-word CAS
// with rollback when a run straddles words and another caller got there first.
type Bitmap struct {
	words     []atomic.Uint64
	blocks    uint64
	blockSize uint64
	shift     uint
	roots     uint64
	mem       Committer

	free atomic.Int64
}

// New lays a bitmap over total bytes. The first roots bytes (rounded up to
// whole blocks) are claimed before any other caller can see the map and are
// never returned by Acquire.
func New(total, blockSize, roots uint64, mem Committer) (*Bitmap, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidLayout, blockSize)
	}
	if total < blockSize {
		return nil, fmt.Errorf("%w: total %d smaller than one block", ErrInvalidLayout, total)
	}
	blocks := total / blockSize
	rootBlocks := (roots + blockSize - 1) / blockSize
	if rootBlocks > blocks {
		return nil, ErrRootsTooLarge
	}

	b := &Bitmap{
		words:     make([]atomic.Uint64, (blocks+wordBits-1)/wordBits),
		blocks:    blocks,
		blockSize: blockSize,
		shift:     uint(bits.TrailingZeros64(blockSize)),
		roots:     rootBlocks,
		mem:       mem,
	}
	for i := range b.words {
		lo := uint64(i) * wordBits
		hi := min(lo+wordBits, blocks)
		var w uint64
		for blk := max(lo, rootBlocks); blk < hi; blk++ {
			w |= 1 << (blk - lo)
		}
		b.words[i].Store(w)
	}
	b.free.Store(int64(blocks - rootBlocks))
	return b, nil
}

func (b *Bitmap) BlockSize() uint64 { return b.blockSize }

func (b *Bitmap) Blocks() uint64 { return b.blocks }

// RootBlocks is the number of blocks reserved by New for roots.
func (b *Bitmap) RootBlocks() uint64 { return b.roots }

// FreeBlocks is a point-in-time count of free blocks.
func (b *Bitmap) FreeBlocks() int64 { return b.free.Load() }

// Granularity rounds requests: every acquisition is a whole number of blocks.
func (b *Bitmap) Granularity() uint64 { return b.blockSize }

func (b *Bitmap) count(size uint64) uint64 {
	return (size + b.blockSize - 1) >> b.shift
}

// Acquire claims ceil(size/blockSize) contiguous blocks, commits them and
// returns the byte offset of the run.
func (b *Bitmap) Acquire(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errZeroAllocation
	}
	n := b.count(size)
	for {
		start, ok := b.findRun(n)
		if !ok {
			return 0, fmt.Errorf("%w: %d blocks requested, %d free", ErrOutOfBlocks, n, b.free.Load())
		}
		if !b.claim(start, n) {
			continue
		}
		b.free.Add(-int64(n))
		off, length := start<<b.shift, n<<b.shift
		if b.mem != nil {
			if err := b.mem.Commit(off, length); err != nil {
				b.unclaim(start, n)
				b.free.Add(int64(n))
				return 0, err
			}
		}
		return off, nil
	}
}

// Release decommits and frees the blocks covering [off, off+size).
func (b *Bitmap) Release(off, size uint64) error {
	if size == 0 {
		return errZeroAllocation
	}
	start, n := off>>b.shift, b.count(size)
	if off&(b.blockSize-1) != 0 || start < b.roots || start+n > b.blocks {
		return fmt.Errorf("%w: release [%d,+%d)", ErrInvalidLayout, off, size)
	}
	if b.mem != nil {
		if err := b.mem.Decommit(off, n<<b.shift); err != nil {
			return err
		}
	}
	b.unclaim(start, n)
	b.free.Add(int64(n))
	return nil
}

// findRun scans a racy snapshot for n consecutive free bits.
func (b *Bitmap) findRun(n uint64) (uint64, bool) {
	var runStart, runLen uint64
	for i := range b.words {
		w := b.words[i].Load()
		base := uint64(i) * wordBits
		switch {
		case w == 0:
			runLen = 0
			continue
		case w == ^uint64(0) && base+wordBits <= b.blocks:
			if runLen == 0 {
				runStart = base
			}
			runLen += wordBits
			if runLen >= n {
				return runStart, true
			}
			continue
		}
		for bit := uint64(0); bit < wordBits && base+bit < b.blocks; bit++ {
			if w&(1<<bit) == 0 {
				runLen = 0
				continue
			}
			if runLen == 0 {
				runStart = base + bit
			}
			runLen++
			if runLen >= n {
				return runStart, true
			}
		}
	}
	return 0, false
}

// claim clears bits [start, start+n) word by word. If any word no longer has
// all its bits set the words already taken are restored.
func (b *Bitmap) claim(start, n uint64) bool {
	end := start + n
	for blk := start; blk < end; {
		wi := blk / wordBits
		mask := spanMask(blk, end)
		w := &b.words[wi]
		for {
			old := w.Load()
			if old&mask != mask {
				b.unclaim(start, blk-start)
				return false
			}
			if w.CompareAndSwap(old, old&^mask) {
				break
			}
		}
		blk = (wi + 1) * wordBits
	}
	return true
}

func (b *Bitmap) unclaim(start, n uint64) {
	end := start + n
	for blk := start; blk < end; {
		wi := blk / wordBits
		b.words[wi].Or(spanMask(blk, end))
		blk = (wi + 1) * wordBits
	}
}

// spanMask covers bits from blk up to end, clipped to blk's word.
func spanMask(blk, end uint64) uint64 {
	lo := blk % wordBits
	hi := min(end-(blk-lo), wordBits)
	if hi-lo == wordBits {
		return ^uint64(0)
	}
	return ((uint64(1) << (hi - lo)) - 1) << lo
}

// Snapshot copies the claimed/free state; a set bit in the result means the
// block is in use (roots included).
func (b *Bitmap) Snapshot() *bitset.BitSet {
	used := bitset.New(uint(b.blocks))
	for i := range b.words {
		w := b.words[i].Load()
		base := uint64(i) * wordBits
		for bit := uint64(0); bit < wordBits && base+bit < b.blocks; bit++ {
			if w&(1<<bit) == 0 {
				used.Set(uint(base + bit))
			}
		}
	}
	return used
}
