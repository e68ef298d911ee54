package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v2"
	"tinygo.org/x/drivers"

	"github.com/mklimuk/sensorloop"
	"github.com/mklimuk/sensorloop/adapter"
	"github.com/mklimuk/sensorloop/app"
	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/i2c"
	"github.com/mklimuk/sensorloop/i2c/i2csim"
	"github.com/mklimuk/sensorloop/indicator"
	"github.com/mklimuk/sensorloop/loopctx"
	"github.com/mklimuk/sensorloop/si1133"
)

// loopFlags are shared by every command that builds the loop.
var loopFlags = []cli.Flag{
	&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file"},
	&cli.StringFlag{Name: "bus", Usage: "bus backend: sim, mcp2221, generic or gobot"},
	&cli.StringFlag{Name: "device", Usage: "bus device: i2c-dev name, MCP2221 index or board bus number"},
	&cli.StringFlag{Name: "speed", Usage: "bus speed, e.g. 100kHz"},
	&cli.StringFlag{Name: "indicator", Usage: "indicator backend: console, pins, gobot, expander or none"},
	&cli.DurationFlag{Name: "period", Usage: "timer period"},
	&cli.DurationFlag{Name: "active", Usage: "timer active window"},
	&cli.StringFlag{Name: "address", Usage: "sensor address, e.g. 0x55"},
	&cli.IntFlag{Name: "retries", Usage: "re-reads after a failed transaction"},
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(c *cli.Context) (app.Config, error) {
	cfg := app.DefaultConfig()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = app.LoadConfig(path)
		if err != nil {
			return app.Config{}, err
		}
	}
	if c.IsSet("bus") {
		cfg.Bus.Kind = c.String("bus")
	}
	if c.IsSet("device") {
		cfg.Bus.Device = c.String("device")
	}
	if c.IsSet("speed") {
		cfg.Bus.Speed = c.String("speed")
	}
	if c.IsSet("indicator") {
		cfg.Indicator.Kind = c.String("indicator")
	}
	if c.IsSet("period") {
		cfg.Period = c.Duration("period")
	}
	if c.IsSet("active") {
		cfg.Active = c.Duration("active")
	}
	if c.IsSet("address") {
		addr, err := strconv.ParseUint(c.String("address"), 0, 8)
		if err != nil {
			return app.Config{}, fmt.Errorf("%w: address %q", app.ErrInvalidConfig, c.String("address"))
		}
		cfg.Address = uint8(addr)
	}
	if c.IsSet("retries") {
		cfg.Retries = c.Int("retries")
	}
	return cfg, cfg.Validate()
}

// openBus opens the host bus named by the config. The simulated bus has no
// host side and returns nil.
func openBus(ctx context.Context, cfg app.Config) (sensorloop.I2CBus, func() error, error) {
	speed, err := cfg.Bus.Frequency()
	if err != nil {
		return nil, nil, err
	}
	nop := func() error { return nil }
	switch cfg.Bus.Kind {
	case app.BusMCP2221:
		index := 0
		if cfg.Bus.Device != "" {
			index, err = strconv.Atoi(cfg.Bus.Device)
			if err != nil {
				return nil, nil, fmt.Errorf("mcp2221 device must be an index: %w", err)
			}
		}
		a := adapter.NewMCP2221(adapter.WithOpener(adapter.OpenHID(index)))
		if speed > 0 {
			if err := a.SetSpeed(ctx, speed); err != nil {
				return nil, nil, err
			}
		}
		return a, nop, nil
	case app.BusGeneric:
		b, err := i2c.NewGenericBus(cfg.Bus.Device)
		if err != nil {
			return nil, nil, err
		}
		if speed > 0 {
			if err := b.SetSpeed(speed); err != nil {
				_ = b.Close()
				return nil, nil, err
			}
		}
		return b, b.Close, nil
	case app.BusGobot:
		n := 0
		if cfg.Bus.Device != "" {
			n, err = strconv.Atoi(cfg.Bus.Device)
			if err != nil {
				return nil, nil, fmt.Errorf("gobot device must be a bus number: %w", err)
			}
		}
		b, err := i2c.OpenNanoPiBus(n)
		if err != nil {
			return nil, nil, err
		}
		return b, b.Close, nil
	default:
		return nil, nop, nil
	}
}

func txOf(bus sensorloop.I2CBus) drivers.I2C {
	if tx, ok := bus.(drivers.I2C); ok {
		return tx
	}
	return sensorloop.AsTx(bus)
}

func openIndicator(ctx context.Context, cfg app.Config, bus sensorloop.I2CBus) (indicator.Indicator, func() error, error) {
	nop := func() error { return nil }
	switch cfg.Indicator.Kind {
	case app.IndicatorExpander:
		if bus == nil {
			return nil, nil, fmt.Errorf("expander indicator needs a host bus")
		}
		var opts []indicator.ExpanderOpt
		if cfg.Indicator.Address != 0 {
			opts = append(opts, indicator.WithExpanderAddress(cfg.Indicator.Address))
		}
		e, err := indicator.OpenExpander(ctx, bus, cfg.Indicator.Pins, opts...)
		if err != nil {
			return nil, nil, err
		}
		return e, nop, nil
	case app.IndicatorConsole:
		return indicator.NewConsole(console.Writer()), nop, nil
	case app.IndicatorPins:
		var opts []indicator.PinsOpt
		if cfg.Indicator.ActiveLow {
			opts = append(opts, indicator.ActiveLow())
		}
		p, err := indicator.OpenPins(cfg.Indicator.Pins, opts...)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Halt, nil
	case app.IndicatorGobot:
		g, err := indicator.OpenNanoPi(cfg.Indicator.Pins)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return indicator.NewRecorder(), nop, nil
	}
}

// loop is a built sensor loop plus the resources it holds.
type loop struct {
	*app.App
	leds    *indicator.Recorder
	closers []func() error
}

func (l *loop) Close() error {
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		errs = append(errs, l.closers[i]())
	}
	return errors.Join(errs...)
}

// buildLoop wires the configured backends into an app and runs its setup.
func buildLoop(ctx context.Context, cfg app.Config) (*loop, error) {
	l := &loop{leds: indicator.NewRecorder()}
	bus, closer, err := openBus(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("bus initialization error: %w", err)
	}
	l.closers = append(l.closers, closer)

	var dev i2csim.Device = si1133.NewSimulated()
	if bus != nil {
		dev = i2csim.NewTxDevice(txOf(bus), uint16(cfg.Address), cfg.Bytes)
	}

	ind, closeInd, err := openIndicator(ctx, cfg, bus)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("indicator initialization error: %w", err)
	}
	l.closers = append(l.closers, closeInd)

	a, err := app.New(cfg, dev, indicator.Multi{l.leds, ind}, app.WithLogger(loopctx.Logger(ctx)))
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	if err := a.Setup(ctx); err != nil {
		_ = l.Close()
		return nil, err
	}
	l.App = a
	slog.Debug("loop ready", "bus", cfg.Bus.Kind, "indicator", cfg.Indicator.Kind)
	return l, nil
}
