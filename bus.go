package sensorloop

import (
	"context"
	"fmt"

	"tinygo.org/x/drivers"
)

var ErrBusBusy = fmt.Errorf("I2C engine is busy (command not completed)")

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

// I2CBus is a blocking, host-attached bus. The interrupt-driven engine never
// talks to one directly; it goes through a bridge device in i2csim.
type I2CBus interface {
	AddressableReader
	AddressableWriter
}

var _ drivers.I2C = txBus{}

type txBus struct {
	bus I2CBus
}

// AsTx adapts a blocking I2CBus to the combined write-then-read Tx shape
// used by TinyGo drivers. The halves are two separate bus operations, so
// another user of the bus may get in between. Buses that can hold the bus
// across both implement drivers.I2C themselves.
func AsTx(bus I2CBus) drivers.I2C {
	return txBus{bus: bus}
}

func (t txBus) Tx(addr uint16, w, r []byte) error {
	ctx := context.Background()
	if len(w) > 0 || len(r) == 0 {
		err := t.bus.WriteToAddr(ctx, byte(addr), w)
		if err != nil {
			return fmt.Errorf("tx write to %#x: %w", addr, err)
		}
	}
	if len(r) == 0 {
		return nil
	}
	err := t.bus.ReadFromAddr(ctx, byte(addr), r)
	if err != nil {
		return fmt.Errorf("tx read from %#x: %w", addr, err)
	}
	return nil
}
