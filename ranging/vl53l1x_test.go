package ranging

import (
	"context"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/continuous"
	"github.com/mklimuk/tof/fake"
)

// newL1XBus returns a bus with a freshly booted VL53L1X at the default
// address. The interrupt is active low and reports data ready.
func newL1XBus() *fake.Bus {
	bus := fake.NewBus()
	bus.AddDevice(VL53L1XDefaultAddress, true)
	bus.Set(VL53L1XDefaultAddress, l1xIdentificationModelID, 0xEA, 0xCC)
	bus.Set(VL53L1XDefaultAddress, l1xFirmwareSystemStatus, 0x01)
	bus.Set(VL53L1XDefaultAddress, l1xOscMeasuredFastOscFrequency, 0xB0, 0x00)
	bus.Set(VL53L1XDefaultAddress, l1xResultOscCalibrateVal, 0x03, 0x00)
	bus.Set(VL53L1XDefaultAddress, l1xGPIOHVMuxCtrl, 0x11)
	bus.Set(VL53L1XDefaultAddress, l1xPhasecalResultVCSELStart, 0x0B)
	return bus
}

// l1xResult fills the result block: range complete, sigma 0.5mm.
func l1xResult(bus *fake.Bus, addr byte, status byte, distance uint16) {
	buf := make([]byte, 17)
	buf[0] = status
	buf[3], buf[4] = 0x10, 0x00
	buf[10] = 0x02
	buf[13], buf[14] = byte(distance>>8), byte(distance)
	buf[16] = 0x80
	bus.Set(addr, l1xResultRangeStatus, buf...)
}

func moveOnAddressWrite(reg uint16) fake.WriteHook {
	return func(b *fake.Bus, address byte, register uint16, data []byte) {
		if register == reg {
			b.Move(address, data[0])
		}
	}
}

func TestVL53L1X_Init(t *testing.T) {
	bus := newL1XBus()
	reset := &fake.Pin{Name: "xshut"}
	s, err := NewVL53L1X(context.Background(), tof.SensorConfig{Name: "front", Reset: reset}, tof.NewArbiter(bus))
	require.NoError(t, err)
	assert.Equal(t, "front", s.Name())

	h := reset.History()
	require.Len(t, h, 2)
	assert.Equal(t, tof.Low, h[0].Level)
	assert.Equal(t, tof.High, h[1].Level)
	assert.GreaterOrEqual(t, h[1].At.Sub(h[0].At), tof.ResetHold)

	assert.Equal(t, [][]byte{{0x00}, {0x01}}, bus.WritesTo(VL53L1XDefaultAddress, l1xSoftReset))
	// 2V8 mode
	assert.Equal(t, byte(0x01), bus.Get(VL53L1XDefaultAddress, l1xPadI2CHVExtsupConfig)&0x01)
	// long distance mode
	assert.Equal(t, byte(0x0F), bus.Get(VL53L1XDefaultAddress, l1xRangeConfigVCSELPeriodA))
	assert.Equal(t, byte(0x0D), bus.Get(VL53L1XDefaultAddress, l1xRangeConfigVCSELPeriodB))
	// full 16x16 window on the optical centre
	assert.Equal(t, byte(199), bus.Get(VL53L1XDefaultAddress, l1xROIConfigUserROICentreSpad))
	assert.Equal(t, byte(0xFF), bus.Get(VL53L1XDefaultAddress, l1xROIConfigUserROIRequestedXYSize))
	assert.NotEmpty(t, bus.WritesTo(VL53L1XDefaultAddress, l1xRangeConfigTimeoutMacropA))
	assert.NotEmpty(t, bus.WritesTo(VL53L1XDefaultAddress, l1xRangeConfigTimeoutMacropB))
	// ranging does not start before the measurement task does
	assert.Empty(t, bus.WritesTo(VL53L1XDefaultAddress, l1xSystemModeStart))
}

func TestVL53L1X_InitWrongModel(t *testing.T) {
	bus := newL1XBus()
	bus.Set(VL53L1XDefaultAddress, l1xIdentificationModelID, 0xEE, 0xAA)
	_, err := NewVL53L1X(context.Background(), tof.SensorConfig{Name: "front"}, tof.NewArbiter(bus))
	require.ErrorIs(t, err, tof.ErrInit)
	assert.Contains(t, err.Error(), "unexpected model ID")
}

func TestVL53L1X_InitBusFailure(t *testing.T) {
	bus := newL1XBus()
	errNack := errors.New("nack")
	bus.Fail = func(op string, address byte) error {
		if op == "write" {
			return errNack
		}
		return nil
	}
	_, err := NewVL53L1X(context.Background(), tof.SensorConfig{Name: "front"}, tof.NewArbiter(bus))
	require.ErrorIs(t, err, tof.ErrInit)
	assert.ErrorIs(t, err, errNack)
}

func TestVL53L1X_InitPeriodShorterThanBudget(t *testing.T) {
	bus := newL1XBus()
	cfg := tof.SensorConfig{
		Name:                   "front",
		TimingBudget:           100 * time.Millisecond,
		InterMeasurementPeriod: 50 * time.Millisecond,
	}
	_, err := NewVL53L1X(context.Background(), cfg, tof.NewArbiter(bus))
	require.ErrorIs(t, err, tof.ErrInit)
	// nothing was sent to the chip
	assert.Empty(t, bus.Writes(VL53L1XDefaultAddress))
}

func TestVL53L1X_AddressReassignment(t *testing.T) {
	bus := newL1XBus()
	bus.Hook = moveOnAddressWrite(l1xI2CSlaveDeviceAddress)
	_, err := NewVL53L1X(context.Background(), tof.SensorConfig{Name: "rear", Address: 0x30}, tof.NewArbiter(bus))
	require.NoError(t, err)
	assert.False(t, bus.Has(VL53L1XDefaultAddress))
	assert.True(t, bus.Has(0x30))
	assert.NotEmpty(t, bus.WritesTo(0x30, l1xSoftReset))
}

func TestVL53L1X_AlreadyAtTargetAddress(t *testing.T) {
	bus := newL1XBus()
	bus.Move(VL53L1XDefaultAddress, 0x31)
	_, err := NewVL53L1X(context.Background(), tof.SensorConfig{Name: "rear", Address: 0x31}, tof.NewArbiter(bus))
	require.NoError(t, err)
	assert.Empty(t, bus.WritesTo(0x31, l1xI2CSlaveDeviceAddress))
}

func TestVL53L1X_SetROI(t *testing.T) {
	tests := []struct {
		name     string
		roi      tof.ROI
		centre   bool
		expected byte
	}{
		{"default", tof.ROI{}, true, 0xFF},
		{"small", tof.ROI{Width: 4, Height: 4}, false, 0x33},
		{"clamped", tof.ROI{Width: 2, Height: 20}, true, 0xF3},
		{"rectangular", tof.ROI{Width: 8, Height: 6}, false, 0x57},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			bus := fake.NewBus()
			bus.AddDevice(VL53L1XDefaultAddress, true)
			d := &VL53L1X{regs: registers{bus: tof.NewArbiter(bus), addr: VL53L1XDefaultAddress, wide: true}}
			require.NoError(t, d.SetROI(context.Background(), test.roi))
			assert.Equal(t, test.expected, bus.Get(VL53L1XDefaultAddress, l1xROIConfigUserROIRequestedXYSize))
			assert.Equal(t, test.centre, len(bus.WritesTo(VL53L1XDefaultAddress, l1xROIConfigUserROICentreSpad)) == 1)
		})
	}
}

func TestVL53L1X_StartAndStop(t *testing.T) {
	bus := newL1XBus()
	d := &VL53L1X{
		regs:            registers{bus: tof.NewArbiter(bus), addr: VL53L1XDefaultAddress, wide: true},
		oscCalibrateVal: 0x0300,
		period:          69 * time.Millisecond,
		savedVHVInit:    0xA0,
	}
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))
	// 768 * 69 * 1.075
	assert.Equal(t, [][]byte{{0x00, 0x00, 0xDE, 0x86}}, bus.WritesTo(VL53L1XDefaultAddress, l1xSystemIntermeasurementPeriod))
	assert.Equal(t, byte(l1xModeStartContinuous), bus.Get(VL53L1XDefaultAddress, l1xSystemModeStart))

	d.calibrated = true
	require.NoError(t, d.Stop(ctx))
	assert.Equal(t, byte(l1xModeStop), bus.Get(VL53L1XDefaultAddress, l1xSystemModeStart))
	assert.Equal(t, byte(0xA0), bus.Get(VL53L1XDefaultAddress, l1xVHVConfigInit))
	assert.False(t, d.calibrated)
}

func TestVL53L1X_DataReadyFollowsInterruptPolarity(t *testing.T) {
	tests := []struct {
		level    byte
		status   byte
		expected bool
	}{
		{0, 0x02, true},
		{0, 0x03, false},
		{1, 0x03, true},
		{1, 0x02, false},
	}
	for _, test := range tests {
		t.Run(hex.EncodeToString([]byte{test.level, test.status}), func(t *testing.T) {
			bus := newL1XBus()
			bus.Set(VL53L1XDefaultAddress, l1xGPIOTioHVStatus, test.status)
			d := &VL53L1X{regs: registers{bus: tof.NewArbiter(bus), addr: VL53L1XDefaultAddress, wide: true}, readyLevel: test.level}
			ready, err := d.DataReady(context.Background())
			require.NoError(t, err)
			assert.Equal(t, test.expected, ready)
		})
	}
}

func TestVL53L1X_DecodeResult(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		given    string
		expected tof.Measurement
	}{
		{
			"0900000000000000000002000000780000",
			tof.Measurement{DistanceMM: 120, SigmaMM: 0.5, Status: tof.StatusValid, Timestamp: at},
		},
		{
			// upper status bits are ignored
			"e90000000000000000000d000000780000",
			tof.Measurement{DistanceMM: 120, SigmaMM: 3.25, Status: tof.StatusValid, Timestamp: at},
		},
		{
			"0400000000000000000000000010000000",
			tof.Measurement{DistanceMM: 4096, Status: tof.StatusSignalFail, Timestamp: at},
		},
		{
			"0700000000000000000000000000280000",
			tof.Measurement{DistanceMM: 40, Status: tof.StatusOtherFail, Timestamp: at},
		},
	}
	for _, test := range tests {
		t.Run(test.given, func(t *testing.T) {
			buf, err := hex.DecodeString(test.given)
			require.NoError(t, err)
			assert.Equal(t, test.expected, decodeL1XResult(buf, at))
		})
	}
}

func TestTimeoutEncoding(t *testing.T) {
	tests := []struct {
		mclks    uint32
		expected uint16
	}{
		{0, 0x0000},
		{1, 0x0000},
		{2, 0x0001},
		{256, 0x00FF},
		{257, 0x0180},
		{1436, 0x03B3},
	}
	for _, test := range tests {
		t.Run(hex.EncodeToString([]byte{byte(test.expected >> 8), byte(test.expected)}), func(t *testing.T) {
			assert.Equal(t, test.expected, encodeTimeout(test.mclks))
			if test.mclks > 0 {
				// encoding drops low bits but never gains time
				assert.LessOrEqual(t, decodeTimeout(test.expected), test.mclks)
			}
		})
	}
}

func TestVL53L1X_ContinuousRanging(t *testing.T) {
	bus := newL1XBus()
	bus.Hook = moveOnAddressWrite(l1xI2CSlaveDeviceAddress)
	edge := fake.NewEdge()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := NewVL53L1X(ctx, tof.SensorConfig{Name: "front", Address: 0x30, Ready: edge}, tof.NewArbiter(bus))
	require.NoError(t, err)
	l1xResult(bus, 0x30, 0x09, 120)

	pool := continuous.NewPool(ctx, 1, nil)
	got := make(chan tof.Measurement, 8)
	require.NoError(t, s.StartContinuous(ctx, pool, func(m tof.Measurement) { got <- m }))
	for range 5 {
		edge.Fire()
	}
	for range 5 {
		select {
		case m := <-got:
			assert.Equal(t, 120, m.DistanceMM)
			assert.Equal(t, 0.5, m.SigmaMM)
			assert.Equal(t, tof.StatusValid, m.Status)
		case <-time.After(time.Second):
			t.Fatal("measurement not delivered")
		}
	}
	assert.Equal(t, 120, s.LatestMeasurement().DistanceMM)
	// calibration is frozen once per start
	assert.Len(t, bus.WritesTo(0x30, l1xPhasecalConfigOverride), 1)

	cancel()
	require.NoError(t, pool.Wait())
	assert.Equal(t, byte(l1xModeStop), bus.Get(0x30, l1xSystemModeStart))
}
