package fiber

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandoffInterleaves(t *testing.T) {
	var trace []string
	c := NewHandoff(func(c Coroutine) {
		trace = append(trace, "body:1")
		c.Suspend()
		trace = append(trace, "body:2")
		c.Suspend()
		trace = append(trace, "body:3")
	})

	require.False(t, c.Done())
	require.True(t, c.Resume())
	trace = append(trace, "home:1")
	require.True(t, c.Resume())
	trace = append(trace, "home:2")
	require.False(t, c.Resume())
	require.True(t, c.Done())
	require.False(t, c.Resume(), "resuming a finished coroutine is a no-op")

	assert.Equal(t, []string{"body:1", "home:1", "body:2", "home:2", "body:3"}, trace)
}

func TestHandoffResumedFromManyGoroutines(t *testing.T) {
	const steps = 1000
	var n int
	c := NewHandoff(func(c Coroutine) {
		for i := 0; i < steps; i++ {
			n++
			c.Suspend()
		}
	})

	var mu sync.Mutex
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				alive := c.Resume()
				mu.Unlock()
				if !alive {
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, steps, n)
}

func TestHandoffPropagatesPanic(t *testing.T) {
	boom := errors.New("boom")
	c := NewHandoff(func(Coroutine) { panic(boom) })

	defer func() {
		r := recover()
		require.NotNil(t, r)
		pe, ok := r.(*PanicError)
		require.True(t, ok)
		assert.ErrorIs(t, pe, boom)
		assert.True(t, c.Done())
	}()
	c.Resume()
	t.Fatal("Resume should have panicked")
}
