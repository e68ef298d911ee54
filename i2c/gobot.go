package i2c

import (
	"context"
	"fmt"
	"sync"

	gi2c "gobot.io/x/gobot/v2/drivers/i2c"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/sensorloop"
)

var _ sensorloop.I2CBus = &GobotBus{}
var _ drivers.I2C = &GobotBus{}

// gobotDevice is the part of gobot's generic driver the bus uses.
type gobotDevice interface {
	Start() error
	Halt() error
	Read(data []byte) error
	Write(data []byte) error
}

// GobotBus drives a board I2C bus through gobot generic drivers, one per
// target address. Every operation holds the bus for its whole duration.
type GobotBus struct {
	mx       sync.Mutex
	open     func(address byte) gobotDevice
	devs     map[byte]gobotDevice
	finalize func() error
}

// NewGobotBus uses the given connector. bus selects the board bus number.
func NewGobotBus(conn gi2c.Connector, bus int) *GobotBus {
	return newGobotBus(func(address byte) gobotDevice {
		return gi2c.NewGenericDriver(conn, fmt.Sprintf("dev%#x", address), int(address), func(c gi2c.Config) {
			c.SetBus(bus)
		})
	})
}

func newGobotBus(open func(address byte) gobotDevice) *GobotBus {
	return &GobotBus{
		open: open,
		devs: make(map[byte]gobotDevice),
	}
}

// OpenNanoPiBus connects the NanoPi NEO bus adaptor.
func OpenNanoPiBus(bus int) (*GobotBus, error) {
	npi := nanopi.NewNeoAdaptor()
	err := npi.I2cBusAdaptor.Connect()
	if err != nil {
		return nil, fmt.Errorf("could not connect nanopi i2c adaptor: %w", err)
	}
	b := NewGobotBus(npi, bus)
	b.finalize = npi.I2cBusAdaptor.Finalize
	return b, nil
}

// device returns the started driver for address. Callers hold b.mx.
func (b *GobotBus) device(address byte) (gobotDevice, error) {
	if d, ok := b.devs[address]; ok {
		return d, nil
	}
	d := b.open(address)
	if err := d.Start(); err != nil {
		return nil, fmt.Errorf("could not start driver for %#x: %w", address, err)
	}
	b.devs[address] = d
	return d, nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.device(address)
	if err != nil {
		return err
	}
	if err := d.Read(buffer); err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.device(address)
	if err != nil {
		return err
	}
	if err := d.Write(buffer); err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Tx writes w and then reads into r without letting another operation onto
// the bus in between. gobot has no repeated start, so a STOP separates them.
func (b *GobotBus) Tx(addr uint16, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	d, err := b.device(byte(addr))
	if err != nil {
		return err
	}
	if len(w) > 0 {
		if err := d.Write(w); err != nil {
			return fmt.Errorf("i2c tx write to %#x: %w", addr, err)
		}
	}
	if len(r) > 0 {
		if err := d.Read(r); err != nil {
			return fmt.Errorf("i2c tx read from %#x: %w", addr, err)
		}
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

// Close halts every driver and finalizes the adaptor, if this bus owns it.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var err error
	for addr, d := range b.devs {
		if herr := d.Halt(); herr != nil && err == nil {
			err = fmt.Errorf("could not halt driver for %#x: %w", addr, herr)
		}
		delete(b.devs, addr)
	}
	if b.finalize != nil {
		if ferr := b.finalize(); ferr != nil && err == nil {
			err = ferr
		}
		b.finalize = nil
	}
	return err
}
