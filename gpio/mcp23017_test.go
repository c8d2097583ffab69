package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/fake"
)

func newExpander(t *testing.T) (*MCP23017, *fake.Bus) {
	t.Helper()
	bus := fake.NewBus()
	bus.AddDevice(DefaultMCP23017Address, false)
	// power-on state: every pin is an input
	bus.Set(DefaultMCP23017Address, 0x00, 0xFF, 0xFF)
	return NewMCP23017(bus, DefaultMCP23017Address), bus
}

func TestMCP23017_SetPinSwitchesToOutput(t *testing.T) {
	exp, bus := newExpander(t)
	ctx := context.Background()

	require.NoError(t, exp.SetPin(ctx, PortB, 3, tof.Low))
	assert.Equal(t, byte(0xF7), bus.Get(DefaultMCP23017Address, 0x01))
	assert.Equal(t, byte(0xFF), bus.Get(DefaultMCP23017Address, 0x00), "port A untouched")
	assert.Equal(t, byte(0x00), bus.Get(DefaultMCP23017Address, 0x15))

	require.NoError(t, exp.SetPin(ctx, PortB, 3, tof.High))
	assert.Equal(t, byte(0x08), bus.Get(DefaultMCP23017Address, 0x15))
	// direction was already output
	assert.Len(t, bus.WritesTo(DefaultMCP23017Address, 0x01), 1)
}

func TestMCP23017_SetPinKeepsOtherLatches(t *testing.T) {
	exp, bus := newExpander(t)
	bus.Set(DefaultMCP23017Address, 0x14, 0x81)
	ctx := context.Background()

	require.NoError(t, exp.SetPin(ctx, PortA, 2, tof.High))
	assert.Equal(t, byte(0x85), bus.Get(DefaultMCP23017Address, 0x14))
	require.NoError(t, exp.SetPin(ctx, PortA, 7, tof.Low))
	assert.Equal(t, byte(0x05), bus.Get(DefaultMCP23017Address, 0x14))
	assert.Equal(t, byte(0x7B), bus.Get(DefaultMCP23017Address, 0x00))
}

func TestMCP23017_SetPinOutOfRange(t *testing.T) {
	exp, bus := newExpander(t)
	assert.Error(t, exp.SetPin(context.Background(), PortA, 8, tof.High))
	assert.Empty(t, bus.Writes(DefaultMCP23017Address))
}

func TestMCP23017_Pin(t *testing.T) {
	exp, bus := newExpander(t)
	pin := exp.Pin(PortA, 0)
	assert.Equal(t, "mcp23017@0x21:A0", pin.String())

	require.NoError(t, tof.PulseReset(context.Background(), clock.New(), pin, 0))
	assert.Equal(t, [][]byte{{0x00}, {0x01}}, bus.WritesTo(DefaultMCP23017Address, 0x14))
}

func TestMCP23017_DirectionUsesPortRegister(t *testing.T) {
	exp, bus := newExpander(t)
	ctx := context.Background()
	require.NoError(t, exp.SetDirection(ctx, PortA, 0x0F))
	require.NoError(t, exp.SetDirection(ctx, PortB, 0xF0))
	require.NoError(t, exp.PullUp(ctx, PortB, 0xAA))
	assert.Equal(t, byte(0x0F), bus.Get(DefaultMCP23017Address, 0x00))
	assert.Equal(t, byte(0xF0), bus.Get(DefaultMCP23017Address, 0x01))
	assert.Equal(t, byte(0xAA), bus.Get(DefaultMCP23017Address, 0x0D))
}

func TestMCP23017_Read(t *testing.T) {
	exp, bus := newExpander(t)
	bus.Set(DefaultMCP23017Address, 0x12, 0x3C, 0xC3)
	res, err := exp.Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x3C, 0xC3}, res)
}

func TestMCP23017_BusyReleasesBus(t *testing.T) {
	exp, bus := newExpander(t)
	bus.Fail = func(op string, address byte) error {
		return tof.ErrBusBusy
	}
	err := exp.SetDirection(context.Background(), PortA, 0x00)
	assert.ErrorIs(t, err, tof.ErrBusBusy)
	assert.ErrorContains(t, err, "retry limit reached")
	assert.Equal(t, 1, bus.Releases())
}

func TestMCP23017_OtherErrorsDoNotRelease(t *testing.T) {
	exp, bus := newExpander(t)
	boom := errors.New("nack")
	bus.Fail = func(op string, address byte) error {
		return boom
	}
	_, err := exp.ReadSettings(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, bus.Releases())
}
