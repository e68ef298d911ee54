package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/sensorloop/app"
	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/event"
	"github.com/mklimuk/sensorloop/i2c"
	"github.com/mklimuk/sensorloop/letimer"
	"github.com/mklimuk/sensorloop/loopctx"
)

var errQuit = errors.New("quit")

var faults = map[string]i2c.Status{
	"nack":    i2c.StatusNack,
	"arb":     i2c.StatusArbLost,
	"bus":     i2c.StatusBusErr,
	"timeout": i2c.StatusTimeout,
}

var shellCommands = []string{"tick", "comp0", "uf", "post", "fault", "status", "help", "quit"}

const shellHelp = `tick            raise the compare1 edge (starts a read)
comp0, uf       raise the compare0 or underflow edge (masked, never posted)
post N          set event flag N pending (unbound flags halt the loop)
fault KIND      make the next bus command fail: nack, arb, bus, timeout
status          print counters, last read and LED state
quit            stop the loop and exit
`

// session executes console commands against a loop.
type session struct {
	loop *loop
	out  io.Writer
}

func (s *session) exec(args []string) error {
	switch args[0] {
	case "tick":
		return s.loop.Tick()
	case "comp0":
		return s.loop.Trigger(letimer.Comp0)
	case "uf":
		return s.loop.Trigger(letimer.Underflow)
	case "post":
		if len(args) != 2 {
			return fmt.Errorf("usage: post N")
		}
		n, err := strconv.ParseUint(args[1], 0, 8)
		if err != nil {
			return fmt.Errorf("invalid flag %q", args[1])
		}
		return s.loop.Post(event.Flag(n))
	case "fault":
		if len(args) != 2 {
			return fmt.Errorf("usage: fault nack|arb|bus|timeout")
		}
		st, ok := faults[strings.ToLower(args[1])]
		if !ok {
			return fmt.Errorf("unknown fault %q", args[1])
		}
		if s.loop.Config().Bus.Kind != app.BusSim {
			return fmt.Errorf("faults can only be injected on the simulated bus")
		}
		s.loop.Bus().InjectFault(st)
		return nil
	case "status":
		printStatus(s.loop)
		return nil
	case "help":
		_, err := io.WriteString(s.out, shellHelp)
		return err
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
}

var consoleCmd = cli.Command{
	Name:  "console",
	Usage: "run the loop with an interactive prompt to inject events",
	Flags: loopFlags,
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return console.Exit(console.ExitError, "configuration error: %s", console.Red(err))
		}
		ctx, cancel := context.WithCancel(loopctx.SetVerbose(c.Context, c.Bool("verbose")))
		defer cancel()

		shell, err := console.NewShell("sensorloop> ", shellCommands...)
		if err != nil {
			return console.Exit(console.ExitError, "prompt error: %s", console.Red(err))
		}
		defer shell.Close()
		console.SetOutput(shell.Stdout(), shell.Stdout())

		l, err := buildLoop(ctx, cfg)
		if err != nil {
			return console.Exit(console.ExitError, "setup error: %s", console.Red(err))
		}
		defer l.Close()

		done := make(chan error, 1)
		go func() {
			done <- l.Run(ctx)
		}()

		s := &session{loop: l, out: shell.Stdout()}
		lines := make(chan []string)
		readErr := make(chan error, 1)
		go func() {
			for {
				args, err := shell.Next()
				if err != nil {
					readErr <- err
					return
				}
				lines <- args
			}
		}()
		for {
			select {
			case err := <-done:
				var halt *event.HaltError
				if errors.As(err, &halt) {
					return console.Exit(console.ExitHalted, "%s loop halted: %s", console.PictoStop, console.Red(halt))
				}
				if err != nil {
					return console.Exit(console.ExitError, "loop error: %s", console.Red(err))
				}
				return nil
			case err := <-readErr:
				cancel()
				<-done
				if errors.Is(err, console.ErrQuit) {
					return nil
				}
				return console.Exit(console.ExitError, "prompt error: %s", console.Red(err))
			case args := <-lines:
				err := s.exec(args)
				if errors.Is(err, errQuit) {
					cancel()
					<-done
					return nil
				}
				if err != nil {
					console.Errorf("%s", err)
				}
			}
		}
	},
}
