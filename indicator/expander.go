package indicator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/mklimuk/sensorloop"
)

const DefaultExpanderAddress = 0x21

// MCP23017 registers in the power-on bank (IOCON.BANK = 0).
const (
	regIODIRA = 0x00
	regIODIRB = 0x01
	regOLATA  = 0x14
	regOLATB  = 0x15
)

// Expander drives LEDs wired to the ports of an MCP23017 I/O expander on a
// host bus. Pins are named GPA0..GPA7 and GPB0..GPB7.
// See: https://ww1.microchip.com/downloads/en/devicedoc/20001952c.pdf
type Expander struct {
	mx         sync.Mutex
	transport  sensorloop.I2CBus
	address    byte
	retryLimit int
	pins       map[Key]expanderPin
	latch      [2]byte
}

type expanderPin struct {
	port int
	bit  byte
}

type ExpanderOpt func(*Expander)

func WithExpanderAddress(address byte) ExpanderOpt {
	return func(e *Expander) {
		e.address = address
	}
}

// WithRetryLimit sets how many times a write is attempted while the bus
// reports busy.
func WithRetryLimit(n int) ExpanderOpt {
	return func(e *Expander) {
		e.retryLimit = n
	}
}

// OpenExpander maps channels, keyed by the "led1.green" form, onto expander
// pins and configures the used pins as outputs, all off.
func OpenExpander(ctx context.Context, bus sensorloop.I2CBus, pins map[string]string, opts ...ExpanderOpt) (*Expander, error) {
	e := &Expander{
		transport:  bus,
		address:    DefaultExpanderAddress,
		retryLimit: 2,
		pins:       make(map[Key]expanderPin, len(pins)),
	}
	for _, opt := range opts {
		opt(e)
	}
	dir := [2]byte{0xFF, 0xFF}
	for k, name := range pins {
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		pin, err := parseExpanderPin(name)
		if err != nil {
			return nil, fmt.Errorf("indicator: %s: %w", key, err)
		}
		e.pins[key] = pin
		dir[pin.port] &^= pin.bit
	}
	if err := e.write(ctx, regOLATA, 0x00); err != nil {
		return nil, err
	}
	if err := e.write(ctx, regOLATB, 0x00); err != nil {
		return nil, err
	}
	if err := e.write(ctx, regIODIRA, dir[0]); err != nil {
		return nil, err
	}
	if err := e.write(ctx, regIODIRB, dir[1]); err != nil {
		return nil, err
	}
	return e, nil
}

func parseExpanderPin(name string) (expanderPin, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if len(name) != 4 || !strings.HasPrefix(name, "GP") {
		return expanderPin{}, fmt.Errorf("invalid expander pin %q", name)
	}
	var port int
	switch name[2] {
	case 'A':
		port = 0
	case 'B':
		port = 1
	default:
		return expanderPin{}, fmt.Errorf("invalid expander port in %q", name)
	}
	n, err := strconv.Atoi(name[3:])
	if err != nil || n > 7 {
		return expanderPin{}, fmt.Errorf("invalid expander pin number in %q", name)
	}
	return expanderPin{port: port, bit: 1 << n}, nil
}

func (e *Expander) Set(led LED, c Color, on bool) error {
	if err := check(led, c); err != nil {
		return err
	}
	key := Key{LED: led, Color: c}
	pin, ok := e.pins[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnwired, key)
	}
	e.mx.Lock()
	defer e.mx.Unlock()
	latch := e.latch[pin.port]
	if on {
		latch |= pin.bit
	} else {
		latch &^= pin.bit
	}
	if latch == e.latch[pin.port] {
		return nil
	}
	reg := byte(regOLATA)
	if pin.port == 1 {
		reg = regOLATB
	}
	if err := e.write(context.Background(), reg, latch); err != nil {
		return fmt.Errorf("indicator: %s: %w", key, err)
	}
	e.latch[pin.port] = latch
	return nil
}

// write retries while the bus reports busy, releasing it between attempts.
func (e *Expander) write(ctx context.Context, reg, value byte) error {
	var err error
	for i := e.retryLimit; i > 0; i-- {
		err = e.transport.WriteToAddr(ctx, e.address, []byte{reg, value})
		if err == nil {
			return nil
		}
		if !errors.Is(err, sensorloop.ErrBusBusy) {
			return fmt.Errorf("could not write expander register %#x: %w", reg, err)
		}
		_ = e.transport.Release(ctx)
	}
	return fmt.Errorf("could not write expander register %#x (retry limit reached): %w", reg, err)
}
