package si1133

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mklimuk/sensorloop"
	"github.com/mklimuk/sensorloop/board"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
)

const DefaultAddress = 0x55

const (
	RegPartID = 0x00
	RegHWID   = 0x01
	RegRevID  = 0x02
)

// ExpectedPartID is the PART_ID register value of every Si1133.
const ExpectedPartID = 0x33

// MaxRead is the widest value a single read can return.
const MaxRead = 4

var ErrInvalidCount = errors.New("si1133: byte count out of range")

// Engine is the transaction engine the sensor is read through.
type Engine interface {
	Open() error
	Begin(d i2c.Descriptor) error
	LastResult() i2c.Result
}

// Si1133 represents a Silicon Labs Si1133 UV index and ambient light sensor
// read asynchronously through the interrupt-driven engine.
// See: https://www.silabs.com/documents/public/data-sheets/Si1133.pdf
//
// Usage: Open, then call Read from a dispatcher handler and PartID (or
// Result) from the handler bound to the completion flag.
type Si1133 struct {
	engine  Engine
	address uint8
	powerUp time.Duration
	buf     [MaxRead]byte
}

type Config struct {
	Address uint8
	PowerUp time.Duration
}

type ConfigOption func(*Config)

func WithAddress(address uint8) ConfigOption {
	return func(c *Config) {
		c.Address = address
	}
}

// WithPowerUp overrides the delay waited before the bus is opened.
func WithPowerUp(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.PowerUp = d
	}
}

func New(engine Engine, opts ...ConfigOption) *Si1133 {
	config := &Config{
		Address: DefaultAddress,
		PowerUp: board.SensorPowerUp,
	}
	for _, opt := range opts {
		opt(config)
	}
	return &Si1133{engine: engine, address: config.Address, powerUp: config.PowerUp}
}

func (s *Si1133) Address() uint8 {
	return s.address
}

// Open waits for the sensor to power up and opens the engine. It busy-waits
// and must only be called during setup.
func (s *Si1133) Open() error {
	board.Delay(s.powerUp)
	if err := s.engine.Open(); err != nil {
		return fmt.Errorf("si1133: open: %w", err)
	}
	return nil
}

// Read starts reading n bytes from reg. done is posted when the transaction
// completes, whether it succeeded or not.
func (s *Si1133) Read(done event.Flag, reg uint8, n int) error {
	if n < 1 || n > MaxRead {
		return fmt.Errorf("%w: %d", ErrInvalidCount, n)
	}
	err := s.engine.Begin(i2c.Descriptor{
		Address:    s.address,
		Register:   reg,
		Direction:  i2c.Read,
		Count:      n,
		Buffer:     s.buf[:n],
		Completion: done,
	})
	if err != nil {
		return fmt.Errorf("si1133: read reg %#x: %w", reg, err)
	}
	return nil
}

// Result returns the last completed transaction.
func (s *Si1133) Result() i2c.Result {
	return s.engine.LastResult()
}

// PartID returns the value of the last completed read, or 0 if it failed.
func (s *Si1133) PartID() uint32 {
	return s.engine.LastResult().Value()
}

// Probe reads PART_ID over a blocking bus.
func Probe(ctx context.Context, bus sensorloop.I2CBus, address byte) (byte, error) {
	err := bus.WriteToAddr(ctx, address, []byte{RegPartID})
	if err != nil {
		return 0, fmt.Errorf("si1133: could not write part id register request: %w", err)
	}
	resp := make([]byte, 1)
	err = bus.ReadFromAddr(ctx, address, resp)
	if err != nil {
		return 0, fmt.Errorf("si1133: could not read part id register: %w", err)
	}
	return resp[0], nil
}
