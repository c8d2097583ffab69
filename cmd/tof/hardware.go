package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"go.uber.org/multierr"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/host/v3"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/adapter"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/gpio"
	"github.com/mklimuk/tof/i2c"
	"github.com/mklimuk/tof/imu"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// hardware is the opened bus adapter and every line resolved from the
// configuration.
type hardware struct {
	arbiter   *tof.Arbiter
	mcp       *adapter.MCP2221
	board     *nanopi.Adaptor
	expanders map[uint8]*gpio.MCP23017
	hostReady bool
	closers   []io.Closer
	logger    *slog.Logger
}

func openHardware(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*hardware, error) {
	speed, err := cfg.BusSpeed()
	if err != nil {
		return nil, err
	}
	h := &hardware{expanders: make(map[uint8]*gpio.MCP23017), logger: logger}
	var bus tof.I2CBus
	switch cfg.Adapter.Kind {
	case config.AdapterMCP2221:
		m := adapter.NewMCP2221(adapter.WithIndex(cfg.Adapter.Index), adapter.WithLogger(logger))
		if err := m.Init(ctx, speed); err != nil {
			return nil, fmt.Errorf("could not initialize MCP2221: %w", err)
		}
		h.mcp, bus = m, m
		h.closers = append(h.closers, m)
		if err := m.UseAsGPIO(ctx, bridgePins(cfg)...); err != nil {
			return nil, fmt.Errorf("could not configure MCP2221 reset lines: %w", err)
		}
	case config.AdapterGobot:
		board, err := h.connectBoard(cfg.Adapter.Board)
		if err != nil {
			return nil, err
		}
		busNr := -1
		if cfg.Adapter.Device != "" {
			if busNr, err = strconv.Atoi(cfg.Adapter.Device); err != nil {
				return nil, fmt.Errorf("gobot bus must be a number, got %q", cfg.Adapter.Device)
			}
		}
		gb := i2c.NewGobotBus(board, busNr)
		bus = gb
		h.closers = append(h.closers, gb)
	default:
		gb, err := i2c.NewGenericBus(cfg.Adapter.Device, logger)
		if err != nil {
			return nil, err
		}
		h.hostReady = true
		if err := gb.SetSpeed(speed); err != nil {
			logger.Warn("keeping default bus speed", "error", err)
		}
		bus = gb
		h.closers = append(h.closers, gb)
	}
	h.arbiter = tof.NewArbiter(bus, arbiterOptions(cfg, logger)...)
	return h, nil
}

func arbiterOptions(cfg *config.Config, logger *slog.Logger) []tof.ArbiterOpt {
	opts := []tof.ArbiterOpt{tof.WithArbiterLogger(logger)}
	if cfg.Adapter.TxTimeout > 0 {
		opts = append(opts, tof.WithTxTimeout(cfg.Adapter.TxTimeout))
	}
	return opts
}

// bridgePins lists the MCP2221 GP pins used as reset lines.
func bridgePins(cfg *config.Config) []int {
	lines := make([]string, 0, len(cfg.Sensors)+1)
	for _, s := range cfg.Sensors {
		lines = append(lines, s.Reset)
	}
	if cfg.IMU != nil {
		lines = append(lines, cfg.IMU.Reset)
	}
	var pins []int
	for _, l := range lines {
		ref, err := config.ParsePin(l)
		if err == nil && ref.Kind == config.PinMCP2221 {
			pins = append(pins, int(ref.Bit))
		}
	}
	return pins
}

func (h *hardware) connectBoard(name string) (*nanopi.Adaptor, error) {
	if name != "" && name != "nanopi" {
		return nil, fmt.Errorf("unsupported gobot board %q", name)
	}
	board := nanopi.NewNeoAdaptor()
	if err := board.Connect(); err != nil {
		return nil, fmt.Errorf("adaptor connect error: %w", err)
	}
	h.board = board
	h.closers = append(h.closers, closerFunc(board.Finalize))
	return board, nil
}

func (h *hardware) initHost() error {
	if h.hostReady {
		return nil
	}
	if _, err := host.Init(); err != nil {
		return fmt.Errorf("could not init host: %w", err)
	}
	h.hostReady = true
	return nil
}

// output resolves a reset line. An empty name means the sensor has none.
func (h *hardware) output(name string) (tof.OutputPin, error) {
	if name == "" {
		return nil, nil
	}
	ref, err := config.ParsePin(name)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case config.PinMCP2221:
		if h.mcp == nil {
			return nil, fmt.Errorf("%s: no MCP2221 adapter configured", ref)
		}
		return h.mcp.Pin(int(ref.Bit)), nil
	case config.PinMCP23017:
		port := gpio.PortA
		if ref.Port == "B" {
			port = gpio.PortB
		}
		return h.expander(ref.Address).Pin(port, ref.Bit), nil
	case config.PinGobot:
		if h.board == nil {
			return nil, fmt.Errorf("%s: no gobot board configured", ref)
		}
		return gpio.NewGobotOutput(h.board, ref.Name), nil
	default:
		if err := h.initHost(); err != nil {
			return nil, err
		}
		return gpio.OpenOutput(ref.Name)
	}
}

// input resolves a data-ready line. An empty name selects polling.
func (h *hardware) input(name string) (tof.EdgeInput, error) {
	if name == "" {
		return nil, nil
	}
	ref, err := config.ParsePin(name)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case config.PinPeriph:
		if err := h.initHost(); err != nil {
			return nil, err
		}
		return gpio.OpenEdgeInput(ref.Name)
	case config.PinGobot:
		if h.board == nil {
			return nil, fmt.Errorf("%s: no gobot board configured", ref)
		}
		return gpio.NewGobotLevelInput(h.board, ref.Name, 0, nil), nil
	default:
		return nil, fmt.Errorf("%s cannot be used as a data-ready line", ref)
	}
}

// expander returns the MCP23017 at address. It shares the sensors' arbiter.
func (h *hardware) expander(address uint8) *gpio.MCP23017 {
	exp, ok := h.expanders[address]
	if !ok {
		exp = gpio.NewMCP23017(h.arbiter, address)
		h.expanders[address] = exp
	}
	return exp
}

// imuConn opens the SPI link of the IMU: a periph port when one is named,
// the gobot board's SPI bus otherwise.
func (h *hardware) imuConn(c *config.IMU) (imu.Conn, error) {
	if c.SPI == "" {
		if h.board == nil {
			return nil, fmt.Errorf("imu: no spi port")
		}
		d := imu.NewGobotDriver(h.board, c.Name)
		if err := d.Start(); err != nil {
			return nil, fmt.Errorf("could not start spi driver: %w", err)
		}
		h.closers = append(h.closers, closerFunc(d.Halt))
		return &imu.GobotConn{Driver: d}, nil
	}
	if err := h.initHost(); err != nil {
		return nil, err
	}
	speed, err := c.BusSpeed()
	if err != nil {
		return nil, err
	}
	conn, closer, err := imu.OpenSPI(c.SPI, speed)
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, closer)
	return conn, nil
}

// Close releases everything in reverse order of opening.
func (h *hardware) Close() error {
	var err error
	for i := len(h.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, h.closers[i].Close())
	}
	return err
}
