package chain

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterFillsCacheLine(t *testing.T) {
	if got := unsafe.Sizeof(counter{}); got != CacheLineSize {
		t.Fatalf("unexpected counter size: got=%d want=%d", got, CacheLineSize)
	}
}

func TestNewPoolBounds(t *testing.T) {
	_, err := NewPool(0)
	require.ErrorIs(t, err, ErrInvalidPoolSize)
	_, err = NewPool(maxPoolSize + 1)
	require.ErrorIs(t, err, ErrInvalidPoolSize)
}

func TestLeaseCountdownRelease(t *testing.T) {
	p, err := NewPool(4)
	require.NoError(t, err)

	r, err := p.Lease(3)
	require.NoError(t, err)
	require.False(t, r.IsZero())
	assert.True(t, p.Valid(r))
	assert.EqualValues(t, 1, p.InUse())

	assert.EqualValues(t, 2, p.Done(r))
	assert.EqualValues(t, 0, p.DoneN(r, 2))
	assert.EqualValues(t, 0, p.Remaining(r))
	assert.True(t, p.Valid(r), "a drained chain stays leased until released")

	p.Release(r)
	assert.False(t, p.Valid(r))
	assert.EqualValues(t, 0, p.InUse())
	assert.EqualValues(t, 0, p.Remaining(r))
}

func TestStaleRefDoesNotSeeNextLease(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)

	old, err := p.Lease(0)
	require.NoError(t, err)
	p.Release(old)

	fresh, err := p.Lease(5)
	require.NoError(t, err)
	require.Equal(t, old.Index(), fresh.Index())
	require.NotEqual(t, old, fresh)

	assert.EqualValues(t, 0, p.Remaining(old))
	assert.EqualValues(t, 5, p.Remaining(fresh))
	assert.False(t, p.Valid(old))
}

func TestRefPackRoundTrip(t *testing.T) {
	p, err := NewPool(3)
	require.NoError(t, err)
	r, err := p.Lease(2)
	require.NoError(t, err)
	assert.Equal(t, r, Unpack(r.Pack()))
	assert.True(t, Unpack(0).IsZero())
}

func TestExhaustion(t *testing.T) {
	p, err := NewPool(2)
	require.NoError(t, err)
	_, err = p.Lease(1)
	require.NoError(t, err)
	_, err = p.Lease(1)
	require.NoError(t, err)
	_, err = p.Lease(1)
	require.ErrorIs(t, err, ErrExhausted)
}

func TestZeroRef(t *testing.T) {
	p, err := NewPool(1)
	require.NoError(t, err)
	var r Ref
	assert.True(t, r.IsZero())
	assert.Equal(t, "chain(none)", r.String())
	assert.EqualValues(t, 0, p.Remaining(r))
	assert.EqualValues(t, 0, p.Done(r))
	assert.False(t, p.Valid(r))
	p.Release(r)
	assert.EqualValues(t, 0, p.InUse())
}

func TestConcurrentLeasesAreUnique(t *testing.T) {
	const (
		goroutines = 8
		rounds     = 2000
	)
	p, err := NewPool(goroutines)
	require.NoError(t, err)

	held := make([]sync.Mutex, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				r, err := p.Lease(1)
				if err != nil {
					continue
				}
				if !held[r.Index()].TryLock() {
					t.Errorf("slot %d leased twice", r.Index())
					return
				}
				if p.Done(r) != 0 {
					t.Errorf("unexpected remaining on %v", r)
				}
				held[r.Index()].Unlock()
				p.Release(r)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 0, p.InUse())
}
