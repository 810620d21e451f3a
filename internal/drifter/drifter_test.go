package drifter

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lakeassert "github.com/Pam-La/lakesched/internal/assert"
	"github.com/Pam-La/lakesched/internal/blockmap"
)

const (
	testBlock  = 4096
	testBlocks = 64
	homeSize   = 2 * testBlock
)

func newArena(t *testing.T) (*Drifter, *blockmap.Bitmap, []byte) {
	t.Helper()
	mem := make([]byte, testBlocks*testBlock)
	bm, err := blockmap.New(uint64(len(mem)), testBlock, homeSize, nil)
	require.NoError(t, err)
	return New(mem, bm, Region{Off: 0, Size: homeSize}), bm, mem
}

func absOffset(mem, b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(b))) - uintptr(unsafe.Pointer(unsafe.SliceData(mem))))
}

func TestDriftBumpsInsideHome(t *testing.T) {
	d, bm, mem := newArena(t)

	a, err := d.Drift(10, 1)
	require.NoError(t, err)
	b, err := d.Drift(8, 8)
	require.NoError(t, err)

	require.Len(t, a, 10)
	require.Len(t, b, 8)
	assert.EqualValues(t, 16, absOffset(mem, b), "second allocation aligned up from 10 to 16")
	assert.EqualValues(t, 24, d.Offset())
	assert.Equal(t, 1, d.Regions())
	assert.EqualValues(t, testBlocks-2, bm.FreeBlocks())

	_, err = d.Drift(1, 3)
	require.ErrorIs(t, err, ErrBadAlign)
}

func TestDriftLinksNewRegionWhenFull(t *testing.T) {
	d, bm, _ := newArena(t)

	_, err := d.Drift(homeSize-8, 1)
	require.NoError(t, err)
	big, err := d.Drift(3*testBlock+1, 16)
	require.NoError(t, err)
	require.Len(t, big, 3*testBlock+1)

	assert.Equal(t, 2, d.Regions())
	assert.EqualValues(t, 4*testBlock, d.Tail().Size, "request rounded up to whole blocks")
	assert.EqualValues(t, testBlocks-2-4, bm.FreeBlocks())

	require.NoError(t, d.Reset())
	assert.Equal(t, 1, d.Regions())
	assert.EqualValues(t, testBlocks-2, bm.FreeBlocks())
	acquired, released := d.Stats()
	assert.EqualValues(t, 1, acquired)
	assert.EqualValues(t, 1, released)
}

func TestScopeLeavesParentUntouched(t *testing.T) {
	d, bm, mem := newArena(t)

	parent, err := d.Drift(100, 1)
	require.NoError(t, err)
	for i := range parent {
		parent[i] = byte(i)
	}
	want := bytes.Clone(parent)
	mark := d.Offset()

	d.Enter()
	require.Equal(t, 1, d.Depth())
	child, err := d.Drift(64, 1)
	require.NoError(t, err)
	for i := range child {
		child[i] = 0xEE
	}
	_, err = d.Drift(5*testBlock, 1)
	require.NoError(t, err)
	_, err = d.Drift(2*testBlock, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Regions())
	require.NoError(t, d.Leave())

	assert.Equal(t, 0, d.Depth())
	assert.Equal(t, want, parent, "parent bytes changed across a child scope")
	assert.Equal(t, mark, d.Offset())
	assert.Equal(t, 1, d.Regions())
	assert.EqualValues(t, testBlocks-2, bm.FreeBlocks(), "child regions returned to the bitmap")

	again, err := d.Drift(64, 1)
	require.NoError(t, err)
	assert.Equal(t, absOffset(mem, child), absOffset(mem, again), "parent frontier reset to the scope snapshot")
}

func TestNestedScopesUnwindInOrder(t *testing.T) {
	d, bm, _ := newArena(t)

	d.Enter()
	_, err := d.Drift(3*testBlock, 1)
	require.NoError(t, err)
	d.Enter()
	_, err = d.Drift(3*testBlock, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Regions())

	require.NoError(t, d.Leave())
	assert.Equal(t, 2, d.Regions())
	require.NoError(t, d.Leave())
	assert.Equal(t, 1, d.Regions())
	assert.EqualValues(t, testBlocks-2, bm.FreeBlocks())

	if !lakeassert.Enabled {
		require.ErrorIs(t, d.Leave(), ErrNoScope)
	}
}

func TestDriftAliasOverlapsNext(t *testing.T) {
	d, _, mem := newArena(t)

	_, err := d.Drift(3, 1)
	require.NoError(t, err)
	scratch, err := d.DriftAlias(32, 8)
	require.NoError(t, err)
	next, err := d.Drift(16, 8)
	require.NoError(t, err)

	assert.EqualValues(t, 8, absOffset(mem, scratch))
	assert.Equal(t, absOffset(mem, scratch), absOffset(mem, next))
}

func TestDeferredFlushRunsBeforeRelease(t *testing.T) {
	d, bm, _ := newArena(t)

	var order []string
	d.Enter()
	buf, err := d.Drift(4*testBlock, 1)
	require.NoError(t, err)
	copy(buf, "pending")
	d.Defer(func() {
		order = append(order, "flush-1:"+string(buf[:7]))
		assert.EqualValues(t, testBlocks-2-4, bm.FreeBlocks(), "region still held during flush")
	})
	d.Defer(func() { order = append(order, "flush-2") })
	require.NoError(t, d.Leave())

	assert.Equal(t, []string{"flush-2", "flush-1:pending"}, order)

	order = nil
	d.Defer(func() { order = append(order, "root") })
	d.Enter()
	d.Defer(func() { order = append(order, "inner") })
	require.NoError(t, d.Reset())
	assert.Equal(t, []string{"inner", "root"}, order)
}

func TestHandoffReclaimedOnlyByOwner(t *testing.T) {
	mem := make([]byte, testBlocks*testBlock)
	bm, err := blockmap.New(uint64(len(mem)), testBlock, 2*homeSize, nil)
	require.NoError(t, err)
	a := New(mem, bm, Region{Off: 0, Size: homeSize})
	b := New(mem, bm, Region{Off: homeSize, Size: homeSize})
	base := bm.FreeBlocks()

	h, buf, err := a.Detach(100)
	require.NoError(t, err)
	copy(buf, "continued")
	assert.Same(t, a, h.Owner())
	assert.EqualValues(t, base-1, bm.FreeBlocks())

	b.Enter()
	got, err := b.Adopt(h)
	require.NoError(t, err)
	assert.Equal(t, "continued", string(got[:9]))
	assert.Same(t, b, h.Owner())

	require.NoError(t, a.Reset())
	assert.EqualValues(t, base-1, bm.FreeBlocks(), "previous owner must not reclaim")

	require.NoError(t, b.Leave())
	assert.EqualValues(t, base, bm.FreeBlocks())
	assert.Nil(t, h.Owner())

	_, err = a.Adopt(h)
	require.ErrorIs(t, err, ErrForeignHand)
}

func TestUnadoptedHandoffReturnsWithCreator(t *testing.T) {
	d, bm, _ := newArena(t)
	_, _, err := d.Detach(testBlock + 1)
	require.NoError(t, err)
	assert.EqualValues(t, testBlocks-2-2, bm.FreeBlocks())
	require.NoError(t, d.Reset())
	assert.EqualValues(t, testBlocks-2, bm.FreeBlocks())
}
