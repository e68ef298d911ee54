package main

import (
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
)

var configCmd = cli.Command{
	Name:  "config",
	Usage: "print the effective configuration",
	Flags: loopFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(console.ExitError, "configuration error: %s", console.Red(err))
		}
		if err := cfg.Encode(console.Writer()); err != nil {
			return console.Exit(console.ExitError, "encoding error: %s", console.Red(err))
		}
		return nil
	},
}
