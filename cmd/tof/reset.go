package main

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/snsctx"
)

var resetCmd = cli.Command{
	Name:      "reset",
	Usage:     "pulse the reset line of a configured sensor",
	ArgsUsage: "<sensor>",
	Flags: []cli.Flag{
		configFlag,
		&cli.BoolFlag{
			Name:    "yes",
			Aliases: []string{"y"},
			Usage:   "do not ask for confirmation",
		},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 1 {
			return console.Exit(1, "expected 1 argument, got %d", c.NArg())
		}
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		name := c.Args().First()
		var target *config.Sensor
		for i := range cfg.Sensors {
			if cfg.Sensors[i].Name == name {
				target = &cfg.Sensors[i]
			}
		}
		if target == nil {
			return console.Exit(1, "no sensor named %s", console.Bold(name))
		}
		if target.Reset == "" {
			return console.Exit(1, "sensor %s has no reset line", console.Bold(name))
		}
		if !c.Bool("yes") {
			answer, err := console.YesOrNo("reset " + name + " (" + target.Reset + ")?")
			if err != nil {
				return console.Exit(1, "prompt error: %s", console.Red(err))
			}
			if answer != console.Yes {
				return nil
			}
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openHardware(ctx, cfg, slog.Default())
		if err != nil {
			return console.Exit(1, "could not open bus: %s", console.Red(err))
		}
		defer func() { _ = hw.Close() }()
		pin, err := hw.output(target.Reset)
		if err != nil {
			return console.Exit(1, "could not open reset line: %s", console.Red(err))
		}
		if err := tof.PulseReset(ctx, clock.New(), pin, tof.ResetHold); err != nil {
			return console.Exit(1, "reset failed: %s", console.Red(err))
		}
		console.PInfof(console.PictoPin, "%s reset through %s", console.Bold(name), target.Reset)
		return nil
	},
}
