package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/karalabe/hid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/sensorloop/adapter"
	"github.com/mklimuk/sensorloop/cmd/sensorloop/console"
	"github.com/mklimuk/sensorloop/loopctx"
)

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect the MCP2221 USB to I2C adapter",
	Subcommands: cli.Commands{
		&mcp2221LsCmd,
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
	},
}

var deviceFlag = &cli.IntFlag{Name: "device", Aliases: []string{"d"}, Usage: "adapter index"}

var mcp2221LsCmd = cli.Command{
	Name:  "ls",
	Usage: "list attached adapters with their device index",
	Action: func(c *cli.Context) error {
		devices := hid.Enumerate(adapter.VendorID, adapter.ProductID)
		if len(devices) == 0 {
			console.Warnf("no MCP2221 adapter found")
			return nil
		}
		w := tabwriter.NewWriter(console.Writer(), 8, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "INDEX\tPATH\tSERIAL\tMANUFACTURER\tPRODUCT\n")
		for i, dev := range devices {
			_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", i, dev.Path, dev.Serial, dev.Manufacturer, dev.Product)
		}
		return w.Flush()
	},
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Flags: []cli.Flag{deviceFlag},
	Action: func(c *cli.Context) error {
		return printAdapterStatus(c, func(ctx context.Context, a *adapter.MCP2221) (*adapter.MCP2221Status, error) {
			return a.Status(ctx)
		})
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel the current transfer and free the bus",
	Flags: []cli.Flag{deviceFlag},
	Action: func(c *cli.Context) error {
		return printAdapterStatus(c, func(ctx context.Context, a *adapter.MCP2221) (*adapter.MCP2221Status, error) {
			return a.ReleaseBus(ctx)
		})
	},
}

func printAdapterStatus(c *cli.Context, get func(context.Context, *adapter.MCP2221) (*adapter.MCP2221Status, error)) error {
	ctx := loopctx.SetVerbose(c.Context, c.Bool("verbose"))
	a := adapter.NewMCP2221(adapter.WithOpener(adapter.OpenHID(c.Int("device"))))
	status, err := get(ctx, a)
	if err != nil {
		return console.Exit(console.ExitError, "adapter communication error: %s", console.Red(err))
	}
	console.PInfof(console.PictoPin, "adapter %s", console.White(strconv.Itoa(c.Int("device"))))
	enc := yaml.NewEncoder(console.Writer())
	defer enc.Close()
	if err := enc.Encode(status); err != nil {
		return console.Exit(console.ExitError, "encoding error: %s", console.Red(err))
	}
	return nil
}
