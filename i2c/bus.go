// Package i2c provides sensor buses backed by Linux I2C character devices,
// either through periph or through a gobot adaptor.
package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/tof"
)

var _ tof.I2CBus = &GenericBus{}
var _ tof.Transactor = &GenericBus{}

// GenericBus is a periph I2C bus. Register reads are done with a repeated
// start.
type GenericBus struct {
	bus i2c.BusCloser
}

// NewGenericBus initializes the host drivers and opens dev ("/dev/i2c-1",
// "I2C1" or "" for the first bus).
func NewGenericBus(dev string, logger *slog.Logger) (*GenericBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		logger.Debug("host driver loaded", "driver", driver.String())
	}
	for _, failure := range state.Failed {
		logger.Debug("host driver failed", "driver", failure.D.String(), "error", failure.Err)
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	return &GenericBus{
		bus: bus,
	}, nil
}

// SetSpeed changes the bus clock when the driver allows it.
func (b *GenericBus) SetSpeed(f physic.Frequency) error {
	if err := b.bus.SetSpeed(f); err != nil {
		return fmt.Errorf("could not set i2c speed to %s: %w", f, err)
	}
	return nil
}

// Tx writes w and reads r with a repeated start. periph cannot abort an
// exchange in flight, so ctx is not consulted here and a bus timeout only
// takes effect between exchanges.
func (b *GenericBus) Tx(ctx context.Context, address byte, w, r []byte) error {
	if err := b.bus.Tx(uint16(address), w, r); err != nil {
		return fmt.Errorf("i2c exchange with %#x failed: %w", address, err)
	}
	return nil
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// Release is a no-op: the kernel driver never leaves a transfer pending.
func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
