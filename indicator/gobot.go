package indicator

import (
	"fmt"

	"gobot.io/x/gobot/v2/drivers/gpio"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
)

// Gobot drives each wired channel through a gobot LED driver.
type Gobot struct {
	leds  map[Key]*gpio.LedDriver
	close func() error
}

// NewGobot creates one LED driver per channel on writer, keyed by the
// "led1.green" form and mapped to the adaptor's pin ids.
func NewGobot(writer gpio.DigitalWriter, pins map[string]string) (*Gobot, error) {
	g := &Gobot{leds: make(map[Key]*gpio.LedDriver, len(pins))}
	for k, pin := range pins {
		key, err := ParseKey(k)
		if err != nil {
			return nil, err
		}
		led := gpio.NewLedDriver(writer, pin)
		if err := led.Start(); err != nil {
			return nil, fmt.Errorf("indicator: start %s on pin %s: %w", key, pin, err)
		}
		if err := led.Off(); err != nil {
			return nil, fmt.Errorf("indicator: %s on pin %s: %w", key, pin, err)
		}
		g.leds[key] = led
	}
	return g, nil
}

// OpenNanoPi connects a NanoPi NEO adaptor and wires the LEDs to its header
// pins.
func OpenNanoPi(pins map[string]string) (*Gobot, error) {
	npi := nanopi.NewNeoAdaptor()
	if err := npi.Connect(); err != nil {
		return nil, fmt.Errorf("indicator: adaptor connect error: %w", err)
	}
	g, err := NewGobot(npi, pins)
	if err != nil {
		_ = npi.Finalize()
		return nil, err
	}
	g.close = npi.Finalize
	return g, nil
}

func (g *Gobot) Set(led LED, c Color, on bool) error {
	if err := check(led, c); err != nil {
		return err
	}
	key := Key{LED: led, Color: c}
	d, ok := g.leds[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnwired, key)
	}
	var err error
	if on {
		err = d.On()
	} else {
		err = d.Off()
	}
	if err != nil {
		return fmt.Errorf("indicator: %s: %w", key, err)
	}
	return nil
}

func (g *Gobot) Close() error {
	for key, d := range g.leds {
		if err := d.Halt(); err != nil {
			return fmt.Errorf("indicator: halt %s: %w", key, err)
		}
	}
	if g.close != nil {
		return g.close()
	}
	return nil
}
