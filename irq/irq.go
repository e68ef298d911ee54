// Package irq models interrupt context on a host. Peripherals raise lines from
// any goroutine; handlers are delivered one at a time, lowest line first, and
// always run to completion.
package irq

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
)

const MaxLines = 32

type Line uint8

const (
	LineLETIMER0 Line = 1
	LineI2C0     Line = 2
	LineI2C1     Line = 3
)

type Handler func()

var ErrLineTaken = errors.New("irq: line already has a handler")
var ErrInvalidLine = errors.New("irq: invalid line")

type Controller struct {
	// mx is held for the duration of every handler; holding it is being in
	// interrupt context
	mx       sync.Mutex
	handlers [MaxLines]Handler
	pending  atomic.Uint32
	wake     chan struct{}
	spurious atomic.Uint64
}

func New() *Controller {
	return &Controller{wake: make(chan struct{}, 1)}
}

func (c *Controller) Attach(line Line, h Handler) error {
	if line >= MaxLines {
		return fmt.Errorf("%w: %d", ErrInvalidLine, line)
	}
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.handlers[line] != nil {
		return fmt.Errorf("%w: %d", ErrLineTaken, line)
	}
	c.handlers[line] = h
	return nil
}

// Raise marks line pending. Never blocks.
func (c *Controller) Raise(line Line) {
	c.pending.Or(1 << line)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) Pending() uint32 {
	return c.pending.Load()
}

// Service delivers pending interrupts until none remain and returns the number
// delivered. Handlers that raise further lines are serviced in the same call.
func (c *Controller) Service() int {
	n := 0
	for c.serviceOne() {
		n++
	}
	return n
}

func (c *Controller) serviceOne() bool {
	for {
		cur := c.pending.Load()
		if cur == 0 {
			return false
		}
		line := Line(bits.TrailingZeros32(cur))
		if !c.pending.CompareAndSwap(cur, cur&^(1<<line)) {
			continue
		}
		c.mx.Lock()
		h := c.handlers[line]
		if h == nil {
			c.spurious.Add(1)
		} else {
			h()
		}
		c.mx.Unlock()
		return true
	}
}

// Serve delivers interrupts as they are raised until ctx is done.
func (c *Controller) Serve(ctx context.Context) error {
	for {
		c.Service()
		select {
		case <-c.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Spurious counts raised lines that had no handler attached.
func (c *Controller) Spurious() uint64 {
	return c.spurious.Load()
}
