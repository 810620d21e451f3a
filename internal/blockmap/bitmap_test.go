package blockmap

import (
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlock = 4096

type countingCommitter struct {
	committed atomic.Int64
	failNext  atomic.Bool
}

func (c *countingCommitter) Commit(_, size uint64) error {
	if c.failNext.CompareAndSwap(true, false) {
		return errors.New("commit refused")
	}
	c.committed.Add(int64(size))
	return nil
}

func (c *countingCommitter) Decommit(_, size uint64) error {
	c.committed.Add(-int64(size))
	return nil
}

func TestNewValidatesLayout(t *testing.T) {
	_, err := New(1<<20, 3000, 0, nil)
	require.ErrorIs(t, err, ErrInvalidLayout)
	_, err = New(1024, testBlock, 0, nil)
	require.ErrorIs(t, err, ErrInvalidLayout)
	_, err = New(4*testBlock, testBlock, 5*testBlock, nil)
	require.ErrorIs(t, err, ErrRootsTooLarge)
}

func TestRootsAreNeverHandedOut(t *testing.T) {
	b, err := New(16*testBlock, testBlock, 3*testBlock+1, nil)
	require.NoError(t, err)
	require.EqualValues(t, 4, b.RootBlocks())
	require.EqualValues(t, 12, b.FreeBlocks())

	off, err := b.Acquire(1)
	require.NoError(t, err)
	assert.EqualValues(t, 4*testBlock, off, "first allocation lands right after roots")

	snap := b.Snapshot()
	for i := uint(0); i < 5; i++ {
		assert.True(t, snap.Test(i), "block %d should be in use", i)
	}
	assert.False(t, snap.Test(5))

	require.ErrorIs(t, b.Release(0, testBlock), ErrInvalidLayout)
}

func TestAcquireReleaseReuse(t *testing.T) {
	mem := &countingCommitter{}
	b, err := New(8*testBlock, testBlock, 0, mem)
	require.NoError(t, err)

	a, err := b.Acquire(2 * testBlock)
	require.NoError(t, err)
	c, err := b.Acquire(3*testBlock - 7)
	require.NoError(t, err)
	assert.EqualValues(t, 0, a)
	assert.EqualValues(t, 2*testBlock, c)
	assert.EqualValues(t, 5*testBlock, mem.committed.Load())

	require.NoError(t, b.Release(a, 2*testBlock))
	assert.EqualValues(t, 3*testBlock, mem.committed.Load())

	again, err := b.Acquire(testBlock)
	require.NoError(t, err)
	assert.EqualValues(t, 0, again, "first fit reuses the released hole")

	_, err = b.Acquire(4 * testBlock)
	require.ErrorIs(t, err, ErrOutOfBlocks)
	big, err := b.Acquire(3 * testBlock)
	require.NoError(t, err)
	assert.EqualValues(t, 5*testBlock, big)
	assert.EqualValues(t, 1, b.FreeBlocks())
}

func TestRunAcrossWordBoundary(t *testing.T) {
	b, err := New(200*testBlock, testBlock, 60*testBlock, nil)
	require.NoError(t, err)

	off, err := b.Acquire(70 * testBlock)
	require.NoError(t, err)
	require.EqualValues(t, 60*testBlock, off)

	snap := b.Snapshot()
	assert.EqualValues(t, 130, snap.Count())
	require.NoError(t, b.Release(off, 70*testBlock))
	assert.EqualValues(t, 60, b.Snapshot().Count())
	assert.EqualValues(t, 140, b.FreeBlocks())
}

func TestCommitFailureRollsBack(t *testing.T) {
	mem := &countingCommitter{}
	b, err := New(8*testBlock, testBlock, 0, mem)
	require.NoError(t, err)

	mem.failNext.Store(true)
	_, err = b.Acquire(2 * testBlock)
	require.Error(t, err)
	assert.EqualValues(t, 8, b.FreeBlocks())
	assert.EqualValues(t, 0, b.Snapshot().Count())
}

func TestSpanMask(t *testing.T) {
	assert.Equal(t, ^uint64(0), spanMask(64, 128))
	assert.Equal(t, uint64(0b1110), spanMask(1, 4))
	assert.Equal(t, uint64(1)<<63, spanMask(63, 70))
	assert.Equal(t, uint64(0b11), spanMask(128, 130))
}

// Concurrent acquirers must never see overlapping runs.
func TestConcurrentAcquireDisjoint(t *testing.T) {
	const (
		workers = 8
		rounds  = 400
		blocks  = 512
	)
	b, err := New(blocks*testBlock, testBlock, 0, &countingCommitter{})
	require.NoError(t, err)

	owner := make([]atomic.Int32, blocks)
	var overlaps atomic.Int64
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int32) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(id), 7))
			type held struct{ off, size uint64 }
			var mine []held
			for i := 0; i < rounds; i++ {
				if len(mine) > 0 && rng.IntN(3) == 0 {
					h := mine[len(mine)-1]
					mine = mine[:len(mine)-1]
					for blk := h.off / testBlock; blk < (h.off+h.size)/testBlock; blk++ {
						owner[blk].Store(0)
					}
					if err := b.Release(h.off, h.size); err != nil {
						t.Errorf("release: %v", err)
						return
					}
					continue
				}
				size := uint64(rng.IntN(6)+1) * testBlock
				off, err := b.Acquire(size)
				if errors.Is(err, ErrOutOfBlocks) {
					continue
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				for blk := off / testBlock; blk < (off+size)/testBlock; blk++ {
					if !owner[blk].CompareAndSwap(0, id+1) {
						overlaps.Add(1)
					}
				}
				mine = append(mine, held{off, size})
			}
			for _, h := range mine {
				for blk := h.off / testBlock; blk < (h.off+h.size)/testBlock; blk++ {
					owner[blk].Store(0)
				}
				if err := b.Release(h.off, h.size); err != nil {
					t.Errorf("release: %v", err)
				}
			}
		}(int32(w))
	}
	wg.Wait()

	require.Zero(t, overlaps.Load(), "two acquirers claimed the same block")
	assert.EqualValues(t, blocks, b.FreeBlocks())
	assert.True(t, b.Snapshot().Equal(bitset.New(blocks)), "every block returned")
}
