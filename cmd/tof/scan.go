package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/tof/cmd/tof/console"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/ranging"
	"github.com/mklimuk/tof/snsctx"
)

const (
	firstAddress = 0x08
	lastAddress  = 0x77
	probeTimeout = 50 * time.Millisecond
)

var scanCmd = cli.Command{
	Name:  "scan",
	Usage: "list the addresses answering on the configured bus",
	Flags: []cli.Flag{configFlag},
	Action: func(c *cli.Context) error {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return console.Exit(1, "configuration error: %s", console.Red(err))
		}
		ctx := snsctx.SetVerbose(c.Context, c.Bool("verbose"))
		hw, err := openHardware(ctx, cfg, slog.Default())
		if err != nil {
			return console.Exit(1, "could not open bus: %s", console.Red(err))
		}
		defer func() { _ = hw.Close() }()

		found := 0
		w := tabwriter.NewWriter(os.Stdout, 8, 0, 2, ' ', 0)
		_, _ = fmt.Fprintf(w, "ADDRESS\tDEVICE\n")
		buf := make([]byte, 1)
		for addr := byte(firstAddress); addr <= lastAddress; addr++ {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := hw.arbiter.ReadFromAddr(pctx, addr, buf)
			cancel()
			if err != nil {
				continue
			}
			found++
			_, _ = fmt.Fprintf(w, "%#x\t%s\n", addr, describe(cfg, addr))
		}
		_ = w.Flush()
		console.Infof("%s devices found", console.Green(found))
		return nil
	},
}

// describe names what is expected at addr according to cfg.
func describe(cfg *config.Config, addr byte) string {
	for _, s := range cfg.Sensors {
		if s.Address == addr {
			return fmt.Sprintf("%s (%s)", s.Name, s.Chip)
		}
	}
	switch {
	case addr == ranging.VL53L1XDefaultAddress:
		return "time-of-flight sensor at default address"
	case addr >= 0x20 && addr <= 0x27:
		return "port expander?"
	}
	return "unknown"
}
