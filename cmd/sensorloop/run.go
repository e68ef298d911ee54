package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/loopctx"
)

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run the sensor loop until interrupted",
	Flags: loopFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(console.ExitError, "configuration error: %s", console.Red(err))
		}
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = loopctx.SetVerbose(ctx, c.Bool("verbose"))

		l, err := buildLoop(ctx, cfg)
		if err != nil {
			return console.Exit(console.ExitError, "setup error: %s", console.Red(err))
		}
		defer func() {
			if err := l.Close(); err != nil {
				console.Warnf("could not release resources: %s", err)
			}
		}()

		console.PInfof(console.PictoTimer, "reading %s every %s (bus %s)",
			console.White(fmtAddr(cfg.Address)), console.White(cfg.Period), console.White(cfg.Bus.Kind))
		err = l.Run(ctx)
		printStatus(l)
		var halt *event.HaltError
		switch {
		case errors.As(err, &halt):
			return console.Exit(console.ExitHalted, "%s loop halted: %s", console.PictoStop, console.Red(halt))
		case err != nil && !errors.Is(err, context.Canceled):
			return console.Exit(console.ExitError, "loop error: %s", console.Red(err))
		}
		return nil
	},
}
