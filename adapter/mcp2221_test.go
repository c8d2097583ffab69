package adapter

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/snsctx"
)

// hidDevice answers each request with the next scripted response.
type hidDevice struct {
	requests  [][]byte
	responses [][]byte
	closed    int
}

func (h *hidDevice) Write(b []byte) (int, error) {
	h.requests = append(h.requests, append([]byte(nil), b...))
	return len(b), nil
}

func (h *hidDevice) Read(b []byte) (int, error) {
	res := make([]byte, packetSize)
	if len(h.responses) > 0 {
		copy(res, h.responses[0])
		h.responses = h.responses[1:]
	}
	return copy(b, res), nil
}

func (h *hidDevice) Close() error {
	h.closed++
	return nil
}

func newTestAdapter(h *hidDevice) *MCP2221 {
	return NewMCP2221(
		WithOpener(func(int) (Device, error) { return h, nil }),
		WithResponseWait(0),
	)
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdWriteData, 0x00}}}
	d := newTestAdapter(h)
	require.NoError(t, d.WriteToAddr(context.Background(), 0x29, []byte{0x01, 0x0F}))
	require.Len(t, h.requests, 1)
	assert.Equal(t, []byte{cmdWriteData, 0x02, 0x00, 0x52, 0x01, 0x0F}, h.requests[0][:6])
	// opened and closed for the single command
	assert.Equal(t, 1, h.closed)
}

func TestMCP2221_WriteBusy(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdWriteData, 0x01}}}
	err := newTestAdapter(h).WriteToAddr(context.Background(), 0x29, []byte{0x00})
	assert.ErrorIs(t, err, tof.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	h := &hidDevice{responses: [][]byte{
		{cmdReadData, 0x00},
		{cmdGetReadData, 0x00, 0x00, 0x02, 0xEA, 0xCC},
	}}
	buf := make([]byte, 2)
	require.NoError(t, newTestAdapter(h).ReadFromAddr(context.Background(), 0x29, buf))
	assert.Equal(t, []byte{0xEA, 0xCC}, buf)
	require.Len(t, h.requests, 2)
	assert.Equal(t, []byte{cmdReadData, 0x02, 0x00, 0x53}, h.requests[0][:4])
	assert.Equal(t, byte(cmdGetReadData), h.requests[1][0])
}

func TestMCP2221_ReadErrors(t *testing.T) {
	tests := []struct {
		name      string
		responses [][]byte
		expected  string
	}{
		{"engine error", [][]byte{{cmdReadData}, {cmdGetReadData, 0x41}}, "I2C engine"},
		{"short data", [][]byte{{cmdReadData}, {cmdGetReadData, 0x00, 0x00, 0x01}}, "expected 2, got 1"},
		{"nack", [][]byte{{cmdReadData}, {cmdGetReadData, 0x00, 0x00, 127}}, "got 127"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := &hidDevice{responses: test.responses}
			err := newTestAdapter(h).ReadFromAddr(context.Background(), 0x29, make([]byte, 2))
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.expected)
		})
	}
}

func TestMCP2221_ReadTooLong(t *testing.T) {
	h := &hidDevice{}
	err := newTestAdapter(h).ReadFromAddr(context.Background(), 0x29, make([]byte, 61))
	require.Error(t, err)
	assert.Empty(t, h.requests)
}

func TestMCP2221_InitKeepsHandle(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdStatus, 0x00, 0x00, 0x20}, {cmdWriteData}}}
	d := newTestAdapter(h)
	ctx := context.Background()
	require.NoError(t, d.Init(ctx, 400*physic.KiloHertz))
	// 12MHz / 400kHz - 3
	assert.Equal(t, []byte{cmdStatus, 0x00, 0x00, statusSetSpeed, 27}, h.requests[0][:5])

	require.NoError(t, d.WriteToAddr(ctx, 0x29, []byte{0x00}))
	assert.Zero(t, h.closed)
	require.NoError(t, d.Close())
	assert.Equal(t, 1, h.closed)
}

func TestMCP2221_InitUnsupportedSpeed(t *testing.T) {
	h := &hidDevice{}
	err := newTestAdapter(h).Init(context.Background(), 10*physic.KiloHertz)
	require.Error(t, err)
	assert.Empty(t, h.requests)
}

func TestMCP2221_GPIOPin(t *testing.T) {
	tests := []struct {
		pin      int
		level    tof.Level
		expected string
	}{
		{0, tof.High, "500001010100"},
		{0, tof.Low, "500001000100"},
		{2, tof.High, "50000000000000000000010101"},
		{3, tof.Low, "500000000000000000000000000001000100"},
	}
	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			h := &hidDevice{responses: [][]byte{{cmdSetGPIOOutput, 0x00}}}
			d := newTestAdapter(h)
			require.NoError(t, d.Pin(test.pin).Out(context.Background(), test.level))
			expected, err := hex.DecodeString(test.expected)
			require.NoError(t, err)
			assert.Equal(t, expected, h.requests[0][:len(expected)])
		})
	}
}

func TestMCP2221_GPIOPinNotGPIO(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdSetGPIOOutput, 0x00, 0x00, 0xEE}}}
	err := newTestAdapter(h).Pin(0).Out(context.Background(), tof.High)
	assert.ErrorIs(t, err, ErrCommandFailed)
}

func TestMCP2221_GPIOPinOutOfRange(t *testing.T) {
	h := &hidDevice{}
	assert.Error(t, newTestAdapter(h).SetGPIOOutput(context.Background(), 4, tof.High))
}

func TestMCP2221_VerboseStillSends(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdStatus}}}
	_, err := newTestAdapter(h).Status(snsctx.SetVerbose(context.Background(), true))
	require.NoError(t, err)
	assert.Len(t, h.requests, 1)
}

func TestMCP2221_CancelledContext(t *testing.T) {
	h := &hidDevice{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := newTestAdapter(h).WriteToAddr(ctx, 0x29, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.requests)
}

func TestBufferToStatus(t *testing.T) {
	buf := make([]byte, packetSize)
	copy(buf[9:], []byte{0x10, 0x00, 0x08, 0x00, 0x03, 27, 0x64, 0x52, 0x00})
	buf[25] = 0x01
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		I2CSpeedDivider:        27,
		I2CTimeout:             100,
		CurrentAddress:         "5200",
		LastWriteRequestedSize: 16,
		LastWriteSentSize:      8,
		ReadPending:            1,
	}, bufferToStatus(buf))
}

func TestMCP2221_UseAsGPIO(t *testing.T) {
	get := make([]byte, packetSize)
	get[0] = cmdGetSRAM
	// GP0 dedicated (SSPND), GP1 interrupt detection, GP2 input, GP3 output
	get[22], get[23], get[24], get[25] = 0x02, 0x04, 0x08, 0x00
	h := &hidDevice{responses: [][]byte{get, {cmdSetSRAM, 0x00}}}
	d := newTestAdapter(h)

	require.NoError(t, d.UseAsGPIO(context.Background(), 0, 2))
	require.Len(t, h.requests, 2)
	assert.Equal(t, byte(cmdGetSRAM), h.requests[0][0])
	set := h.requests[1]
	assert.Equal(t, byte(cmdSetSRAM), set[0])
	assert.Equal(t, byte(0x80), set[7])
	assert.Equal(t, []byte{0x00, 0x04, 0x00, 0x00}, set[8:12])
}

func TestMCP2221_UseAsGPIONoPins(t *testing.T) {
	h := &hidDevice{}
	require.NoError(t, newTestAdapter(h).UseAsGPIO(context.Background()))
	assert.Empty(t, h.requests)
}

func TestMCP2221_UseAsGPIOUnknownPin(t *testing.T) {
	h := &hidDevice{responses: [][]byte{{cmdGetSRAM, 0x00}}}
	assert.Error(t, newTestAdapter(h).UseAsGPIO(context.Background(), 5))
}
