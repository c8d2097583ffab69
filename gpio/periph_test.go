package gpio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"github.com/mklimuk/tof"
)

func TestPeriphOutput_Out(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO17", Num: 17}
	out := NewPeriphOutput(pin)
	ctx := context.Background()

	require.NoError(t, out.Out(ctx, tof.High))
	assert.Equal(t, gpio.High, pin.Read())
	require.NoError(t, out.Out(ctx, tof.Low))
	assert.Equal(t, gpio.Low, pin.Read())
}

func TestPeriphEdgeInput_WaitForEdge(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO27", Num: 27, EdgesChan: make(chan gpio.Level, 1)}
	in, err := NewPeriphEdgeInput(pin)
	require.NoError(t, err)

	pin.EdgesChan <- gpio.Low
	require.NoError(t, in.WaitForEdge(context.Background()))
}

func TestPeriphEdgeInput_Cancelled(t *testing.T) {
	pin := &gpiotest.Pin{N: "GPIO27", Num: 27, EdgesChan: make(chan gpio.Level)}
	in, err := NewPeriphEdgeInput(pin)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, in.WaitForEdge(ctx), context.DeadlineExceeded)
}
