// Package i2csim is a byte-level model of an I2C master peripheral with
// devices attached to its bus. Every command queues the flags the hardware
// would raise and signals the interrupt line, one flag set per interrupt.
package i2csim

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mklimuk/sensorloop/i2c"
)

var _ i2c.Controller = &Controller{}

// Device is a bus target. Address is called with the R/W bit when the master
// sends the device's address; returning false NACKs it.
type Device interface {
	Address(read bool) bool
	Write(b byte) bool
	Read() byte
	Stop()
}

// Flusher is implemented by devices that only learn the outcome of a write
// when the transaction ends.
type Flusher interface {
	Flush() error
}

// Blocking marks devices whose Address and Flush do host I/O. The controller
// calls them on a worker goroutine and queues the outcome when they return,
// so the interrupt handler that issued the command never waits on the bus.
type Blocking interface {
	Blocking()
}

type phase uint8

const (
	phaseIdle phase = iota
	phaseAddressing
	phaseWriting
	phaseReading
	phaseHeld
	phaseWaiting
)

type Controller struct {
	mx      sync.Mutex
	raise   func()
	latency time.Duration
	devices map[uint8]Device

	phase   phase
	active  Device
	gen     uint64
	workers sync.WaitGroup
	rx     byte
	queue  []i2c.Status
	fault  i2c.Status
	trace  []string
}

type Opt func(*Controller)

// WithLatency delays every interrupt by d, roughly one byte time on the wire.
func WithLatency(d time.Duration) Opt {
	return func(c *Controller) {
		c.latency = d
	}
}

// New returns a controller that calls raise whenever a flag becomes pending.
// raise must not block.
func New(raise func(), opts ...Opt) *Controller {
	c := &Controller{
		raise:   raise,
		devices: make(map[uint8]Device),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Attach connects dev at the 7-bit address addr.
func (c *Controller) Attach(addr uint8, dev Device) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.devices[addr&0x7F] = dev
}

// InjectFault makes the next bus command report s instead of its normal
// outcome.
func (c *Controller) InjectFault(s i2c.Status) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.fault = s
}

// Trace returns the bus symbols seen so far, e.g. "S 0xAA A 0x00 A Sr ...".
func (c *Controller) Trace() string {
	c.mx.Lock()
	defer c.mx.Unlock()
	return strings.Join(c.trace, " ")
}

func (c *Controller) ResetTrace() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.trace = nil
}

func (c *Controller) Start() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.phase == phaseIdle {
		c.record("S")
	} else {
		c.record("Sr")
	}
	if c.injected() {
		return
	}
	c.phase = phaseAddressing
	c.push(i2c.StatusStart)
}

func (c *Controller) Transmit(b byte) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.record(hexByte(b))
	if c.injected() {
		return
	}
	switch c.phase {
	case phaseAddressing:
		read := b&0x01 != 0
		dev := c.devices[b>>1]
		if dev == nil {
			c.addressed(nil, read, false)
			return
		}
		if _, ok := dev.(Blocking); ok {
			c.phase = phaseWaiting
			c.offload(func() bool { return dev.Address(read) }, func(ack bool) {
				c.addressed(dev, read, ack)
			})
			return
		}
		c.addressed(dev, read, dev.Address(read))
	case phaseWriting:
		if !c.active.Write(b) {
			c.record("N")
			c.push(i2c.StatusNack)
			return
		}
		c.record("A")
		c.push(i2c.StatusAck)
	default:
		c.push(i2c.StatusBusErr)
	}
}

func (c *Controller) Receive() byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.rx
}

func (c *Controller) Ack() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.record("A")
	if c.injected() {
		return
	}
	if c.phase != phaseReading {
		c.push(i2c.StatusBusErr)
		return
	}
	c.clockIn()
}

func (c *Controller) Nack() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.record("N")
	if c.phase == phaseReading {
		c.phase = phaseHeld
	}
}

func (c *Controller) Stop() {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.record("P")
	dev := c.active
	c.active = nil
	c.phase = phaseIdle
	if dev == nil {
		c.push(i2c.StatusStop)
		return
	}
	dev.Stop()
	f, ok := dev.(Flusher)
	if !ok {
		c.push(i2c.StatusStop)
		return
	}
	if _, blocking := dev.(Blocking); blocking {
		c.offload(func() bool { return f.Flush() == nil }, c.stopped)
		return
	}
	c.stopped(f.Flush() == nil)
}

func (c *Controller) stopped(ok bool) {
	if !ok {
		c.push(i2c.StatusBusErr)
		return
	}
	c.push(i2c.StatusStop)
}

// addressed completes an address phase once the target has answered.
func (c *Controller) addressed(dev Device, read, ack bool) {
	if !ack {
		c.record("N")
		c.phase = phaseHeld
		c.push(i2c.StatusNack)
		return
	}
	c.record("A")
	c.active = dev
	c.push(i2c.StatusAck)
	if read {
		c.phase = phaseReading
		c.clockIn()
		return
	}
	c.phase = phaseWriting
}

// offload runs call on a worker and hands its outcome to done under the lock.
// An Abort in between drops the outcome. Callers hold c.mx.
func (c *Controller) offload(call func() bool, done func(bool)) {
	gen := c.gen
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		ok := call()
		c.mx.Lock()
		defer c.mx.Unlock()
		if c.gen != gen {
			return
		}
		done(ok)
	}()
}

// Wait blocks until no device call is running on a worker. Its outcome, if
// any, is queued by then.
func (c *Controller) Wait() {
	c.workers.Wait()
}

func (c *Controller) Abort() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.active != nil {
		c.active.Stop()
	}
	c.active = nil
	c.phase = phaseIdle
	c.queue = nil
	c.fault = 0
	c.gen++
}

func (c *Controller) Flags() i2c.Status {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.queue) == 0 {
		return 0
	}
	return c.queue[0]
}

func (c *Controller) ClearFlags(s i2c.Status) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if len(c.queue) == 0 || s == 0 || c.queue[0]&^s != 0 {
		return
	}
	c.queue = c.queue[1:]
	if len(c.queue) > 0 {
		c.signal()
	}
}

func (c *Controller) clockIn() {
	c.rx = c.active.Read()
	c.record(hexByte(c.rx))
	c.push(i2c.StatusRxData)
}

func (c *Controller) injected() bool {
	if c.fault == 0 {
		return false
	}
	c.push(c.fault)
	c.fault = 0
	return true
}

func (c *Controller) push(s i2c.Status) {
	c.queue = append(c.queue, s)
	if len(c.queue) == 1 {
		c.signal()
	}
}

func (c *Controller) signal() {
	if c.raise == nil {
		return
	}
	if c.latency > 0 {
		time.AfterFunc(c.latency, c.raise)
		return
	}
	c.raise()
}

func (c *Controller) record(sym string) {
	c.trace = append(c.trace, sym)
}

func hexByte(b byte) string {
	return fmt.Sprintf("0x%02X", b)
}
