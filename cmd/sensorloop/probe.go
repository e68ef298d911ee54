package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensorloop/app"
	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/loopctx"
	"github.com/mklimuk/sensorloop/si1133"
)

var probeCmd = cli.Command{
	Name:  "probe",
	Usage: "read the sensor part id once over a host bus",
	Flags: loopFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(console.ExitError, "configuration error: %s", console.Red(err))
		}
		if cfg.Bus.Kind == app.BusSim {
			return console.Exit(console.ExitError, "probe needs a host bus (--bus mcp2221, generic or gobot)")
		}
		ctx := loopctx.SetVerbose(c.Context, c.Bool("verbose"))
		bus, closeBus, err := openBus(ctx, cfg)
		if err != nil {
			return console.Exit(console.ExitError, "bus initialization error: %s", console.Red(err))
		}
		defer func() { _ = closeBus() }()

		id, err := si1133.Probe(ctx, bus, cfg.Address)
		if err != nil {
			return console.Exit(console.ExitError, "probe error: %s", console.Red(err))
		}
		if uint32(id) != cfg.Expected {
			console.Printf("part id %s (expected %s)\n", console.Red(fmtAddr(id)), fmtAddr(uint8(cfg.Expected)))
			return nil
		}
		console.Printf("part id %s\n", console.Green(fmtAddr(id)))
		return nil
	},
}
