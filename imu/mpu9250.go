// Package imu drives the accelerometer, gyroscope and thermometer of an
// InvenSense MPU9250 over SPI.
package imu

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/continuous"
)

const (
	regSmplrtDiv    = 0x19
	regConfig       = 0x1A
	regGyroConfig   = 0x1B
	regAccelConfig  = 0x1C
	regAccelConfig2 = 0x1D
	regIntPinCfg    = 0x37
	regIntEnable    = 0x38
	regIntStatus    = 0x3A
	regAccelXOutH   = 0x3B
	regUserCtrl     = 0x6A
	regPwrMgmt1     = 0x6B
	regPwrMgmt2     = 0x6C
	regWhoAmI       = 0x75

	readFlag = 0x80

	pwrReset     = 0x80
	pwrSleep     = 0x40
	pwrAutoClock = 0x01

	// active low, latched until any register read
	intPinActiveLowLatched = 0xB0
	intRawDataReady        = 0x01

	// SPI only
	userI2CDisable = 0x10

	// 41Hz low pass on both gyro and accelerometer
	dlpf41Hz = 0x03

	accelSensitivity = 16384.0 // LSB/g at ±2g
	gyroSensitivity  = 131.0   // LSB/(°/s) at ±250°/s
	tempSensitivity  = 333.87
	tempOffset       = 21.0

	resetDelay = 100 * time.Millisecond
)

const DefaultSamplePeriod = 10 * time.Millisecond

var whoAmI = map[byte]string{0x71: "mpu9250", 0x73: "mpu9255"}

// Motion is one accelerometer and gyroscope sample.
type Motion struct {
	Accel     [3]float64 `json:"accel"` // g
	Gyro      [3]float64 `json:"gyro"`  // °/s
	TempC     float64    `json:"temp"`
	Timestamp time.Time  `json:"timestamp"`
}

func (m Motion) String() string {
	return fmt.Sprintf("accel %.3f %.3f %.3f g, gyro %.2f %.2f %.2f °/s, %.1f°C",
		m.Accel[0], m.Accel[1], m.Accel[2], m.Gyro[0], m.Gyro[1], m.Gyro[2], m.TempC)
}

// Conn is a full-duplex transfer with the chip select held for its
// duration. periph's spi.Conn satisfies it.
type Conn interface {
	Tx(w, r []byte) error
}

// Sensor is an initialized IMU ready for continuous sampling.
type Sensor = continuous.Sensor[Motion]

// MPU9250 is the device side of the IMU driven by the measurement task.
type MPU9250 struct {
	conn  Conn
	clock clock.Clock
	log   *slog.Logger
}

var _ continuous.Device[Motion] = &MPU9250{}

// NewMPU9250 resets the chip and configures ±2g and ±250°/s ranges with a
// sample every cfg.InterMeasurementPeriod.
func NewMPU9250(ctx context.Context, cfg tof.SensorConfig, conn Conn, opts ...continuous.Option) (*Sensor, error) {
	o := continuous.NewOptions(opts...)
	d := &MPU9250{
		conn:  conn,
		clock: o.Clock,
		log:   o.Logger.With("sensor", cfg.Name, "chip", "mpu9250"),
	}
	if err := tof.PulseReset(ctx, o.Clock, cfg.Reset, tof.ResetHold); err != nil {
		return nil, fmt.Errorf("%w: mpu9250 %s: reset: %w", tof.ErrInit, cfg.Name, err)
	}
	if err := d.init(ctx, cfg.InterMeasurementPeriod); err != nil {
		return nil, fmt.Errorf("%w: mpu9250 %s: %w", tof.ErrInit, cfg.Name, err)
	}
	d.log.Info("initialization complete")
	return continuous.NewSensor(cfg.Name, d, cfg.Ready, nil, opts...), nil
}

func (d *MPU9250) init(ctx context.Context, period time.Duration) error {
	id, err := d.read8(regWhoAmI)
	if err != nil {
		return err
	}
	model, ok := whoAmI[id]
	if !ok {
		return fmt.Errorf("unexpected WHO_AM_I: %#x", id)
	}
	d.log.Info("found device", "model", model)
	if err := d.write(regPwrMgmt1, pwrReset); err != nil {
		return err
	}
	if err := tof.Sleep(ctx, d.clock, resetDelay); err != nil {
		return err
	}
	steps := [][2]byte{
		{regPwrMgmt1, pwrAutoClock},
		{regPwrMgmt2, 0x00},
		{regUserCtrl, userI2CDisable},
		{regConfig, dlpf41Hz},
		{regSmplrtDiv, sampleDivider(period)},
		{regGyroConfig, 0x00},
		{regAccelConfig, 0x00},
		{regAccelConfig2, dlpf41Hz},
		{regIntPinCfg, intPinActiveLowLatched},
	}
	for _, s := range steps {
		if err := d.write(s[0], s[1]); err != nil {
			return err
		}
	}
	return nil
}

// sampleDivider converts a sample period to SMPLRT_DIV for the 1kHz
// internal rate.
func sampleDivider(period time.Duration) byte {
	if period <= 0 {
		period = DefaultSamplePeriod
	}
	div := period.Milliseconds() - 1
	switch {
	case div < 0:
		return 0
	case div > 0xFF:
		return 0xFF
	default:
		return byte(div)
	}
}

func (d *MPU9250) Start(ctx context.Context) error {
	if err := d.write(regPwrMgmt1, pwrAutoClock); err != nil {
		return err
	}
	return d.write(regIntEnable, intRawDataReady)
}

func (d *MPU9250) Stop(ctx context.Context) error {
	if err := d.write(regIntEnable, 0x00); err != nil {
		return err
	}
	return d.write(regPwrMgmt1, pwrSleep)
}

func (d *MPU9250) DataReady(ctx context.Context) (bool, error) {
	v, err := d.read8(regIntStatus)
	if err != nil {
		return false, err
	}
	return v&intRawDataReady != 0, nil
}

func (d *MPU9250) Read(ctx context.Context) (Motion, error) {
	buf := make([]byte, 14)
	if err := d.read(regAccelXOutH, buf); err != nil {
		return Motion{}, err
	}
	return decodeMotion(buf, d.clock.Now()), nil
}

// Rearm reads INT_STATUS, which releases the latched interrupt line.
func (d *MPU9250) Rearm(ctx context.Context) error {
	_, err := d.read8(regIntStatus)
	return err
}

func decodeMotion(buf []byte, at time.Time) Motion {
	word := func(i int) float64 {
		return float64(int16(binary.BigEndian.Uint16(buf[i : i+2])))
	}
	m := Motion{Timestamp: at}
	for i := range 3 {
		m.Accel[i] = word(i*2) / accelSensitivity
		m.Gyro[i] = word(8+i*2) / gyroSensitivity
	}
	m.TempC = word(6)/tempSensitivity + tempOffset
	return m
}

func (d *MPU9250) write(reg, val byte) error {
	if err := d.conn.Tx([]byte{reg, val}, nil); err != nil {
		return fmt.Errorf("could not write register %#x: %w", reg, err)
	}
	return nil
}

func (d *MPU9250) read(reg byte, buf []byte) error {
	w := make([]byte, len(buf)+1)
	w[0] = reg | readFlag
	r := make([]byte, len(w))
	if err := d.conn.Tx(w, r); err != nil {
		return fmt.Errorf("could not read register %#x: %w", reg, err)
	}
	copy(buf, r[1:])
	return nil
}

func (d *MPU9250) read8(reg byte) (byte, error) {
	buf := make([]byte, 1)
	err := d.read(reg, buf)
	return buf[0], err
}
