package app

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/sensorloop/indicator"
	"github.com/mklimuk/sensorloop/letimer"
	"github.com/mklimuk/sensorloop/si1133"
)

var ErrInvalidConfig = errors.New("app: invalid config")

const maxRetries = 16

// Bus backends.
const (
	BusSim     = "sim"
	BusMCP2221 = "mcp2221"
	BusGeneric = "generic"
	BusGobot   = "gobot"
)

// Indicator backends.
const (
	IndicatorConsole  = "console"
	IndicatorPins     = "pins"
	IndicatorGobot    = "gobot"
	IndicatorExpander = "expander"
	IndicatorNone     = "none"
)

type Config struct {
	Period    time.Duration   `yaml:"period"`
	Active    time.Duration   `yaml:"active"`
	Address   uint8           `yaml:"address"`
	Register  uint8           `yaml:"register"`
	Bytes     int             `yaml:"bytes"`
	Expected  uint32          `yaml:"expected"`
	Retries   int             `yaml:"retries"`
	Bus       BusConfig       `yaml:"bus"`
	Indicator IndicatorConfig `yaml:"indicator"`
}

type BusConfig struct {
	Kind    string        `yaml:"kind"`
	Device  string        `yaml:"device,omitempty"`
	Speed   string        `yaml:"speed,omitempty"`
	Latency time.Duration `yaml:"latency,omitempty"`
}

type IndicatorConfig struct {
	Kind      string            `yaml:"kind"`
	LED       uint8             `yaml:"led"`
	Pins      map[string]string `yaml:"pins,omitempty"`
	ActiveLow bool              `yaml:"active_low,omitempty"`
	Address   uint8             `yaml:"address,omitempty"` // I/O expander address
}

// DefaultConfig reads the Si1133 part id every three seconds.
func DefaultConfig() Config {
	return Config{
		Period:   3 * time.Second,
		Active:   2 * time.Millisecond,
		Address:  si1133.DefaultAddress,
		Register: si1133.RegPartID,
		Bytes:    1,
		Expected: si1133.ExpectedPartID,
		Retries:  2,
		Bus: BusConfig{
			Kind:  BusSim,
			Speed: "400kHz",
		},
		Indicator: IndicatorConfig{
			Kind: IndicatorConsole,
			LED:  uint8(indicator.LED1),
		},
	}
}

// LoadConfig reads YAML from path over the defaults.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("app: could not open config: %w", err)
	}
	defer f.Close()
	return DecodeConfig(f)
}

func DecodeConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("app: could not decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Encode(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("app: could not encode config: %w", err)
	}
	return enc.Close()
}

func (c Config) Validate() error {
	if err := c.Timer().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Address > 0x7F {
		return fmt.Errorf("%w: address %#x is not 7-bit", ErrInvalidConfig, c.Address)
	}
	if c.Bytes < 1 || c.Bytes > si1133.MaxRead {
		return fmt.Errorf("%w: bytes %d out of range 1..%d", ErrInvalidConfig, c.Bytes, si1133.MaxRead)
	}
	if c.Bytes < si1133.MaxRead && c.Expected>>(8*c.Bytes) != 0 {
		return fmt.Errorf("%w: expected %#x does not fit in %d bytes", ErrInvalidConfig, c.Expected, c.Bytes)
	}
	if c.Retries < 0 || c.Retries > maxRetries {
		return fmt.Errorf("%w: retries %d out of range 0..%d", ErrInvalidConfig, c.Retries, maxRetries)
	}
	switch c.Bus.Kind {
	case BusSim, BusMCP2221, BusGeneric, BusGobot:
	default:
		return fmt.Errorf("%w: unknown bus %q", ErrInvalidConfig, c.Bus.Kind)
	}
	if _, err := c.Bus.Frequency(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Indicator.Kind {
	case IndicatorConsole, IndicatorPins, IndicatorGobot, IndicatorNone:
	case IndicatorExpander:
		if c.Bus.Kind == BusSim {
			return fmt.Errorf("%w: expander indicator needs a host bus", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown indicator %q", ErrInvalidConfig, c.Indicator.Kind)
	}
	if _, err := indicator.ParseKey(fmt.Sprintf("led%d.red", c.Indicator.LED)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	for k := range c.Indicator.Pins {
		if _, err := indicator.ParseKey(k); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

// Timer maps the schedule onto the timer. Only compare1 interrupts; the
// other sub-events are bound to halting handlers.
func (c Config) Timer() letimer.Config {
	return letimer.Config{
		Period:    c.Period,
		Active:    c.Active,
		Comp0:     letimer.SubEvent{Flag: FlagComp0},
		Comp1:     letimer.SubEvent{Enabled: true, Flag: FlagComp1},
		Underflow: letimer.SubEvent{Flag: FlagUnderflow},
	}
}

// Frequency parses the bus speed, e.g. "400kHz". Zero means the adapter
// default.
func (b BusConfig) Frequency() (physic.Frequency, error) {
	var f physic.Frequency
	if b.Speed == "" {
		return 0, nil
	}
	if err := f.Set(b.Speed); err != nil {
		return 0, fmt.Errorf("bus speed %q: %w", b.Speed, err)
	}
	return f, nil
}

func (c IndicatorConfig) led() indicator.LED {
	return indicator.LED(c.LED)
}
