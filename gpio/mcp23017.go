package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/tof"
)

type registry int

const DefaultMCP23017Address = 0x21

const (
	IODIRA registry = iota
	IOPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCONA
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPINTENB
	DEFVALB
	INTCONB
	IOCONB
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// Port selects one of the two 8-bit ports.
type Port int

const (
	PortA Port = iota
	PortB
)

func (p Port) String() string {
	if p == PortB {
		return "B"
	}
	return "A"
}

// BankAddr maps registers to addresses for IOCON.BANK = 0 and 1.
var BankAddr = []map[registry]byte{
	{
		IODIRA: 0x00, IODIRB: 0x01,
		IOPOLA: 0x02, IOPOLB: 0x03,
		GPINTENA: 0x04, GPINTENB: 0x05,
		DEFVALA: 0x06, DEFVALB: 0x07,
		INTCONA: 0x08, INTCONB: 0x09,
		IOCONA: 0x0A, IOCONB: 0x0B,
		GPPUA: 0x0C, GPPUB: 0x0D,
		INTFA: 0x0E, INTFB: 0x0F,
		INTCAPA: 0x10, INTCAPB: 0x11,
		GPIOA: 0x12, GPIOB: 0x13,
		OLATA: 0x14, OLATB: 0x15,
	},
	{
		IODIRA: 0x00, IODIRB: 0x10,
		IOPOLA: 0x01, IOPOLB: 0x11,
		GPINTENA: 0x02, GPINTENB: 0x12,
		DEFVALA: 0x03, DEFVALB: 0x13,
		INTCONA: 0x04, INTCONB: 0x14,
		IOCONA: 0x05, IOCONB: 0x15,
		GPPUA: 0x06, GPPUB: 0x16,
		INTFA: 0x07, INTFB: 0x17,
		INTCAPA: 0x08, INTCAPB: 0x18,
		GPIOA: 0x09, GPIOB: 0x19,
		OLATA: 0x0A, OLATB: 0x1A,
	},
}

func (p Port) reg(a, b registry) registry {
	if p == PortB {
		return b
	}
	return a
}

// MCP23017 is a 16-bit I2C port expander. Its pins usually drive the reset
// lines of a sensor fleet that shares the expander's bus.
type MCP23017 struct {
	mx         sync.Mutex
	transport  tof.I2CBus
	bank       int
	address    byte
	retryLimit int
}

func NewMCP23017(bus tof.I2CBus, address byte) *MCP23017 {
	return &MCP23017{retryLimit: 1, transport: bus, address: address}
}

// retry repeats op while the adapter reports it is busy, releasing the bus
// in between.
func (m *MCP23017) retry(ctx context.Context, what string, op func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, tof.ErrBusBusy) {
			return fmt.Errorf("could not %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, val byte) error {
	return m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], val})
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry) (byte, error) {
	err := m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
	if err != nil {
		return 0x00, fmt.Errorf("could not set I/O registry address: %w", err)
	}
	buf := make([]byte, 1)
	err = m.transport.ReadFromAddr(ctx, m.address, buf)
	if err != nil {
		return 0x00, fmt.Errorf("could not read gpio data: %w", err)
	}
	return buf[0], nil
}

func (m *MCP23017) write(ctx context.Context, what string, reg registry, val byte) error {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.retry(ctx, what, func() error {
		return m.writeRegistry(ctx, reg, val)
	})
}

func (m *MCP23017) read(ctx context.Context, what string, reg registry) (byte, error) {
	m.mx.Lock()
	defer m.mx.Unlock()
	var res byte
	err := m.retry(ctx, what, func() error {
		var err error
		res, err = m.readRegistry(ctx, reg)
		return err
	})
	return res, err
}

// SetDirection writes IODIR of a port. A set bit makes the pin an input.
func (m *MCP23017) SetDirection(ctx context.Context, p Port, inout byte) error {
	return m.write(ctx, "set direction of gpio "+p.String(), p.reg(IODIRA, IODIRB), inout)
}

// PullUp enables pull-up resistors on the set bits of a port.
func (m *MCP23017) PullUp(ctx context.Context, p Port, settings byte) error {
	return m.write(ctx, "set pull-up on gpio "+p.String(), p.reg(GPPUA, GPPUB), settings)
}

// ReadPort reads the pin levels of a port.
func (m *MCP23017) ReadPort(ctx context.Context, p Port) (byte, error) {
	return m.read(ctx, "read gpio "+p.String(), p.reg(GPIOA, GPIOB))
}

func (m *MCP23017) Read(ctx context.Context) ([]byte, error) {
	a, err := m.ReadPort(ctx, PortA)
	if err != nil {
		return nil, err
	}
	b, err := m.ReadPort(ctx, PortB)
	if err != nil {
		return nil, err
	}
	return []byte{a, b}, nil
}

// ReadSettings reads the IOCON register.
func (m *MCP23017) ReadSettings(ctx context.Context) (byte, error) {
	return m.read(ctx, "read settings", IOCONA)
}

func (m *MCP23017) WriteSettings(ctx context.Context, settings byte) error {
	return m.write(ctx, "write settings", IOCONA, settings)
}

// SetPin switches one pin to output and drives it. The other pins of the
// port keep their latched levels and directions.
func (m *MCP23017) SetPin(ctx context.Context, p Port, bit uint8, level tof.Level) error {
	if bit > 7 {
		return fmt.Errorf("no pin %s%d on MCP23017", p, bit)
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	mask := byte(1) << bit
	what := fmt.Sprintf("drive pin %s%d %s", p, bit, level)
	return m.retry(ctx, what, func() error {
		olat, err := m.readRegistry(ctx, p.reg(OLATA, OLATB))
		if err != nil {
			return err
		}
		if level == tof.High {
			olat |= mask
		} else {
			olat &^= mask
		}
		if err := m.writeRegistry(ctx, p.reg(OLATA, OLATB), olat); err != nil {
			return err
		}
		dir, err := m.readRegistry(ctx, p.reg(IODIRA, IODIRB))
		if err != nil {
			return err
		}
		if dir&mask == 0 {
			return nil
		}
		return m.writeRegistry(ctx, p.reg(IODIRA, IODIRB), dir&^mask)
	})
}

// Pin returns one expander pin as a reset line.
func (m *MCP23017) Pin(p Port, bit uint8) *ExpanderPin {
	return &ExpanderPin{exp: m, port: p, bit: bit}
}

var _ tof.OutputPin = &ExpanderPin{}

type ExpanderPin struct {
	exp  *MCP23017
	port Port
	bit  uint8
}

func (e *ExpanderPin) Out(ctx context.Context, level tof.Level) error {
	return e.exp.SetPin(ctx, e.port, e.bit, level)
}

func (e *ExpanderPin) String() string {
	return fmt.Sprintf("mcp23017@%#x:%s%d", e.exp.address, e.port, e.bit)
}
