package imu

import (
	"fmt"
	"io"

	gobotspi "gobot.io/x/gobot/v2/drivers/spi"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
)

// MaxSpeed is the register access limit of the chip.
const MaxSpeed = 1 * physic.MegaHertz

// OpenSPI opens a periph SPI port (e.g. "/dev/spidev0.0" or "SPI0.0") in
// mode 3. host.Init must have been called.
func OpenSPI(name string, speed physic.Frequency) (Conn, io.Closer, error) {
	if speed == 0 || speed > MaxSpeed {
		speed = MaxSpeed
	}
	port, err := spireg.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open SPI port %s: %w", name, err)
	}
	conn, err := port.Connect(speed, spi.Mode3, 8)
	if err != nil {
		_ = port.Close()
		return nil, nil, fmt.Errorf("could not connect to SPI port %s: %w", name, err)
	}
	return conn, port, nil
}

// GobotConn adapts a started gobot SPI driver.
//
// Example usage:
//
//	d := imu.NewGobotDriver(nanopi.NewNeoAdaptor(), "imu")
//	if err := d.Start(); err != nil { ... }
//	s, err := imu.NewMPU9250(ctx, cfg, &imu.GobotConn{Driver: d})
type GobotConn struct {
	Driver *gobotspi.Driver
}

// NewGobotDriver returns a gobot SPI driver set up for the chip. Start it
// before use.
func NewGobotDriver(adaptor gobotspi.Connector, name string) *gobotspi.Driver {
	d := gobotspi.NewDriver(adaptor, name)
	d.SetMode(3)
	d.SetSpeed(1_000_000)
	return d
}

type gobotOps interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// Tx clocks w out. A register read keeps the first byte as the command and
// fills r after it.
func (g *GobotConn) Tx(w, r []byte) error {
	if g == nil || g.Driver == nil {
		return fmt.Errorf("spi driver not initialized")
	}
	ops, ok := g.Driver.Connection().(gobotOps)
	if !ok {
		return fmt.Errorf("spi connection does not support required operations")
	}
	if len(r) == 0 {
		if len(w) == 0 {
			return nil
		}
		return ops.WriteBytes(w)
	}
	if len(w) != len(r) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	data := make([]byte, len(w)-1)
	if err := ops.ReadCommandData(w[:1], data); err != nil {
		return err
	}
	r[0] = 0
	copy(r[1:], data)
	return nil
}
