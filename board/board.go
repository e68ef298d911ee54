// Package board holds the one-time setup collaborators of the application:
// peripheral clock gating, pin routes and the setup delay.
package board

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Peripheral identifies a clocked peripheral.
type Peripheral uint8

const (
	LETIMER0 Peripheral = iota
	I2C0
	I2C1
	GPIO
)

func (p Peripheral) String() string {
	switch p {
	case LETIMER0:
		return "LETIMER0"
	case I2C0:
		return "I2C0"
	case I2C1:
		return "I2C1"
	case GPIO:
		return "GPIO"
	default:
		return fmt.Sprintf("peripheral(%d)", uint8(p))
	}
}

var ErrClockDisabled = errors.New("board: peripheral clock not enabled")

// Clocks is the peripheral clock gate. Enable is idempotent.
type Clocks struct {
	mx      sync.Mutex
	enabled map[Peripheral]bool
}

func NewClocks() *Clocks {
	return &Clocks{enabled: make(map[Peripheral]bool)}
}

func (c *Clocks) Enable(p Peripheral) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.enabled[p] = true
}

func (c *Clocks) Enabled(p Peripheral) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.enabled[p]
}

// Require returns ErrClockDisabled when p is not clocked.
func (c *Clocks) Require(p Peripheral) error {
	if !c.Enabled(p) {
		return fmt.Errorf("%s: %w", p, ErrClockDisabled)
	}
	return nil
}

// Route is a pin route location passed to peripheral configuration.
type Route uint32

// Thunderboard Sense 2 routes for the sensor bus and timer outputs.
const (
	RouteI2C1SCL Route = 19
	RouteI2C1SDA Route = 19
	RouteOut0    Route = 28
	RouteOut1    Route = 28
)

// SensorPowerUp is the delay the Si1133 needs after power is applied.
const SensorPowerUp = 80 * time.Millisecond

// Delay busy-waits for d. Setup only; never call it from a handler.
func Delay(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
