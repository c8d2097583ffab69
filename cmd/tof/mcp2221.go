package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/mklimuk/tof/adapter"
	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/snsctx"
)

var indexFlag = &cli.IntFlag{
	Name:  "index",
	Usage: "bridge index as listed by usb detect",
}

var mcp2221Cmd = cli.Command{
	Name:  "mcp2221",
	Usage: "inspect and unblock the USB-I2C bridge",
	Subcommands: cli.Commands{
		&mcp2221StatusCmd,
		&mcp2221ReleaseCmd,
		&mcp2221GPIOCmd,
	},
}

var mcp2221StatusCmd = cli.Command{
	Name:  "status",
	Flags: []cli.Flag{indexFlag},
	Action: func(c *cli.Context) error {
		return withBridge(c, func(ctx context.Context, a *adapter.MCP2221) (any, error) {
			return a.Status(ctx)
		})
	},
}

var mcp2221ReleaseCmd = cli.Command{
	Name:  "release",
	Usage: "cancel a stuck I2C transfer",
	Flags: []cli.Flag{indexFlag},
	Action: func(c *cli.Context) error {
		return withBridge(c, func(ctx context.Context, a *adapter.MCP2221) (any, error) {
			return a.ReleaseBus(ctx)
		})
	},
}

var mcp2221GPIOCmd = cli.Command{
	Name:  "gpio",
	Usage: "show GPIO designations and levels",
	Flags: []cli.Flag{indexFlag},
	Action: func(c *cli.Context) error {
		return withBridge(c, func(ctx context.Context, a *adapter.MCP2221) (any, error) {
			params, err := a.GetGPIOParameters(ctx)
			if err != nil {
				return nil, err
			}
			values, err := a.ReadGPIO(ctx)
			if err != nil {
				return nil, err
			}
			return map[string]any{"parameters": params, "values": values}, nil
		})
	},
}

// withBridge runs fn against the selected bridge and prints its result as
// YAML.
func withBridge(c *cli.Context, fn func(ctx context.Context, a *adapter.MCP2221) (any, error)) error {
	a := adapter.NewMCP2221(adapter.WithIndex(c.Int("index")))
	defer func() { _ = a.Close() }()
	ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
	res, err := fn(ctx, a)
	if err != nil {
		return console.Exit(1, "adapter communication error: %s", console.Red(err))
	}
	enc := yaml.NewEncoder(os.Stdout)
	defer func() { _ = enc.Close() }()
	if err := enc.Encode(res); err != nil {
		return console.Exit(1, "encoding error: %s", console.Red(err))
	}
	return nil
}
