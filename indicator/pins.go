package indicator

import (
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// Pins drives each wired channel through a GPIO output. Channels are active
// high unless the pins were built with ActiveLow.
type Pins struct {
	pins      map[Key]gpio.PinOut
	activeLow bool
}

type PinsOpt func(*Pins)

// ActiveLow inverts the output level, for LEDs sunk by the pin.
func ActiveLow() PinsOpt {
	return func(p *Pins) {
		p.activeLow = true
	}
}

func NewPins(pins map[Key]gpio.PinOut, opts ...PinsOpt) *Pins {
	p := &Pins{pins: pins}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OpenPins initializes the host drivers and resolves pin names, keyed by the
// "led1.green" form, through the gpio registry.
func OpenPins(names map[string]string, opts ...PinsOpt) (*Pins, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("indicator: host init: %w", err)
	}
	for _, drv := range state.Loaded {
		slog.Debug("periph driver loaded", "name", drv.String())
	}
	pins := make(map[Key]gpio.PinOut, len(names))
	for k, name := range names {
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		pin := gpioreg.ByName(name)
		if pin == nil {
			return nil, fmt.Errorf("indicator: %s: no gpio named %q", key, name)
		}
		pins[key] = pin
	}
	p := NewPins(pins, opts...)
	for key := range pins {
		if err := p.Set(key.LED, key.Color, false); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pins) Set(led LED, c Color, on bool) error {
	if err := check(led, c); err != nil {
		return err
	}
	key := Key{LED: led, Color: c}
	pin, ok := p.pins[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnwired, key)
	}
	level := gpio.Level(on != p.activeLow)
	if err := pin.Out(level); err != nil {
		return fmt.Errorf("indicator: %s on %s: %w", key, pin, err)
	}
	return nil
}

// Halt releases every pin.
func (p *Pins) Halt() error {
	for key, pin := range p.pins {
		if err := pin.Halt(); err != nil {
			return fmt.Errorf("indicator: halt %s: %w", key, err)
		}
	}
	return nil
}
