// Package fiber provides the stackful coroutine used to run work items and the
// index tables that recycle and park them.
package fiber

import (
	"fmt"
	"sync/atomic"
)

// Coroutine is a body of code that can give control back to whoever resumed
// it and later continue from the same point. Exactly one side runs at a time.
type Coroutine interface {
	// Resume transfers control into the coroutine and returns once it calls
	// Suspend or its body returns. It reports false if the body has returned.
	Resume() bool
	// Suspend is called from inside the body.
	Suspend()
	Done() bool
}

// Factory materializes a coroutine for body. Nothing runs until the first
// Resume.
type Factory func(body func(Coroutine)) Coroutine

// PanicError carries a panic out of a coroutine body to the resuming side.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("fiber: coroutine panicked: %v", e.Value)
}

func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// handoff runs the body on its own goroutine and passes a single token back
// and forth over two unbuffered channels, so the goroutine stack plays the
// role of the fiber stack.
type handoff struct {
	body    func(Coroutine)
	in      chan struct{}
	out     chan struct{}
	started bool
	done    atomic.Bool
	panic   any
}

// NewHandoff is the portable Factory.
func NewHandoff(body func(Coroutine)) Coroutine {
	return &handoff{
		body: body,
		in:   make(chan struct{}),
		out:  make(chan struct{}),
	}
}

var _ Factory = NewHandoff

func (c *handoff) Resume() bool {
	if c.done.Load() {
		return false
	}
	if !c.started {
		c.started = true
		go c.run()
	} else {
		c.in <- struct{}{}
	}
	<-c.out
	if c.done.Load() {
		if p := c.panic; p != nil {
			c.panic = nil
			panic(&PanicError{Value: p})
		}
		return false
	}
	return true
}

func (c *handoff) Suspend() {
	c.out <- struct{}{}
	<-c.in
}

func (c *handoff) Done() bool {
	return c.done.Load()
}

func (c *handoff) run() {
	defer func() {
		c.panic = recover()
		c.done.Store(true)
		c.out <- struct{}{}
	}()
	c.body(c)
}
