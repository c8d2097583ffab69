package i2c

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/tof"
)

var _ tof.I2CBus = &GobotBus{}

// GobotBus runs the sensor bus over a gobot adaptor such as the NanoPi one.
// Connections are opened lazily, one per device address.
type GobotBus struct {
	adaptor i2c.Connector
	bus     int

	mx    sync.Mutex
	conns map[byte]i2c.Connection
}

// NewGobotBus uses bus number busNr of a connected adaptor. A negative
// busNr selects the adaptor's default bus.
func NewGobotBus(adaptor i2c.Connector, busNr int) *GobotBus {
	if busNr < 0 {
		busNr = adaptor.DefaultI2cBus()
	}
	return &GobotBus{adaptor: adaptor, bus: busNr, conns: make(map[byte]i2c.Connection)}
}

func (b *GobotBus) conn(address byte) (i2c.Connection, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.adaptor.GetI2cConnection(int(address), b.bus)
	if err != nil {
		return nil, fmt.Errorf("could not open connection to %#x on bus %d: %w", address, b.bus, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	n, err := c.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	n, err := c.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from %x: %d of %d", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

// Close closes every connection opened so far.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var err error
	for addr, c := range b.conns {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%#x: %w", addr, cerr))
		}
		delete(b.conns, addr)
	}
	return err
}
