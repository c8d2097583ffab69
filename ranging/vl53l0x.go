package ranging

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

const VL53L0XDefaultAddress = 0x29

const vl53l0xModelID = 0xEE

// VL53L0X register map
const (
	l0xSysrangeStart                      = 0x00
	l0xSystemSequenceConfig               = 0x01
	l0xSystemIntermeasurementPeriod       = 0x04
	l0xSystemInterruptConfigGPIO          = 0x0A
	l0xSystemInterruptClear               = 0x0B
	l0xResultInterruptStatus              = 0x13
	l0xResultRangeStatus                  = 0x14
	l0xFinalRangeConfigMinCountRateRtnLim = 0x44
	l0xMSRCConfigTimeoutMacrop            = 0x46
	l0xPreRangeConfigVCSELPeriod          = 0x50
	l0xPreRangeConfigTimeoutMacropHi      = 0x51
	l0xMSRCConfigControl                  = 0x60
	l0xFinalRangeConfigVCSELPeriod        = 0x70
	l0xFinalRangeConfigTimeoutMacropHi    = 0x71
	l0xGPIOHVMuxActiveHigh                = 0x84
	l0xI2CSlaveDeviceAddress              = 0x8A
	l0xVHVConfigPadSCLSDAExtsupHV         = 0x89
	l0xGlobalConfigSpadEnablesRef0        = 0xB0
	l0xGlobalConfigRefEnStartSelect       = 0xB6
	l0xDynamicSpadNumRequestedRefSpad     = 0x4E
	l0xDynamicSpadRefEnStartOffset        = 0x4F
	l0xIdentificationModelID              = 0xC0
	l0xOscCalibrateVal                    = 0xF8
	l0xPowerManagementGO1PowerForce       = 0x80
	l0xInternalTuning                     = 0xFF
	l0xStopVariable                       = 0x91
	l0xSpadInfo                           = 0x92
	l0xSpadInfoStrobe                     = 0x83
	l0xSpadInfoTrigger                    = 0x94
	l0xSpadInfoEnable                     = 0x81
)

const (
	l0xSysrangeModeStartStop  byte = 0x01
	l0xSysrangeModeBackToBack byte = 0x02
	l0xSysrangeModeTimed      byte = 0x04
)

// overheads of the sequence steps, in µs
const (
	l0xStartOverhead      = 1320
	l0xEndOverhead        = 960
	l0xMSRCOverhead       = 660
	l0xTCCOverhead        = 590
	l0xDSSOverhead        = 690
	l0xPreRangeOverhead   = 660
	l0xFinalRangeOverhead = 550
	l0xMinTimingBudget    = 20000
)

// VL53L0X device range status codes
const (
	l0xStatusMSRCNoTarget  = 4
	l0xStatusSNRCheck      = 5
	l0xStatusRangeComplete = 11
)

// default tuning settings from the vendor API
var l0xTuning = [][2]byte{
	{0xFF, 0x01}, {0x00, 0x00},
	{0xFF, 0x00}, {0x09, 0x00}, {0x10, 0x00}, {0x11, 0x00},
	{0x24, 0x01}, {0x25, 0xFF}, {0x75, 0x00},
	{0xFF, 0x01}, {0x4E, 0x2C}, {0x48, 0x00}, {0x30, 0x20},
	{0xFF, 0x00}, {0x30, 0x09}, {0x54, 0x00}, {0x31, 0x04},
	{0x32, 0x03}, {0x40, 0x83}, {0x46, 0x25}, {0x60, 0x00},
	{0x27, 0x00}, {0x50, 0x06}, {0x51, 0x00}, {0x52, 0x96},
	{0x56, 0x08}, {0x57, 0x30}, {0x61, 0x00}, {0x62, 0x00},
	{0x64, 0x00}, {0x65, 0x00}, {0x66, 0xA0},
	{0xFF, 0x01}, {0x22, 0x32}, {0x47, 0x14}, {0x49, 0xFF}, {0x4A, 0x00},
	{0xFF, 0x00}, {0x7A, 0x0A}, {0x7B, 0x00}, {0x78, 0x21},
	{0xFF, 0x01}, {0x23, 0x34}, {0x42, 0x00}, {0x44, 0xFF},
	{0x45, 0x26}, {0x46, 0x05}, {0x40, 0x40}, {0x0E, 0x06},
	{0x20, 0x1A}, {0x43, 0x40},
	{0xFF, 0x00}, {0x34, 0x03}, {0x35, 0x44},
	{0xFF, 0x01}, {0x31, 0x04}, {0x4B, 0x09}, {0x4C, 0x05}, {0x4D, 0x04},
	{0xFF, 0x00}, {0x44, 0x00}, {0x45, 0x20}, {0x47, 0x08},
	{0x48, 0x28}, {0x67, 0x00}, {0x70, 0x04}, {0x71, 0x01},
	{0x72, 0xFE}, {0x76, 0x00}, {0x77, 0x00},
	{0xFF, 0x01}, {0x0D, 0x01},
	{0xFF, 0x00}, {0x80, 0x01}, {0x01, 0xF8},
	{0xFF, 0x01}, {0x8E, 0x01}, {0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00},
}

type l0xSequence struct {
	tcc, msrc, dss, preRange, finalRange bool
}

type l0xTimeouts struct {
	preRangeVCSELPclks, finalRangeVCSELPclks uint32
	msrcDSSTCCMclks, preRangeMclks           uint32
	finalRangeMclks                          uint32
	msrcDSSTCCUs, preRangeUs, finalRangeUs   uint32
}

// VL53L0X is the short-range time-of-flight chip.
type VL53L0X struct {
	regs  registers
	clock clock.Clock
	log   *slog.Logger

	stopVariable byte
	period       time.Duration
	budget       uint32
}

var _ continuous.Device[tof.Measurement] = &VL53L0X{}

// NewVL53L0X resets the chip, optionally moves it to cfg.Address, runs the
// reference calibration and configures the timing budget.
func NewVL53L0X(ctx context.Context, cfg tof.SensorConfig, bus tof.Transactor, opts ...continuous.Option) (*Sensor, error) {
	cfg = withDefaults(cfg)
	o := continuous.NewOptions(opts...)
	log := o.Logger.With("sensor", cfg.Name, "chip", "vl53l0x")

	log.Info("toggling reset line")
	if err := tof.PulseReset(ctx, o.Clock, cfg.Reset, tof.ResetHold); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "reset", err)
	}
	d := &VL53L0X{
		regs:  registers{bus: bus, addr: VL53L0XDefaultAddress},
		clock: o.Clock,
		log:   log,
	}
	if err := d.locate(ctx, cfg.Address); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "address", err)
	}
	log.Info("data init", "address", fmt.Sprintf("%#x", d.regs.addr))
	if err := d.dataInit(ctx); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "data init", err)
	}
	log.Info("static init")
	if err := d.staticInit(ctx); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "static init", err)
	}
	log.Info("setting timing budget", "budget", cfg.TimingBudget, "period", cfg.InterMeasurementPeriod)
	if err := d.SetTimingBudget(ctx, cfg.TimingBudget); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "timing budget", err)
	}
	log.Info("reference calibration")
	if err := d.calibrate(ctx); err != nil {
		return nil, initErr("vl53l0x", cfg.Name, "calibration", err)
	}
	d.period = cfg.InterMeasurementPeriod
	log.Info("initialization complete")
	return continuous.NewSensor(cfg.Name, d, cfg.Ready, tof.Measurement.Valid, opts...), nil
}

func (d *VL53L0X) Address() byte {
	return d.regs.addr
}

func (d *VL53L0X) locate(ctx context.Context, target byte) error {
	_, err := d.regs.read8(ctx, l0xIdentificationModelID)
	if err != nil {
		if target == 0 || target == VL53L0XDefaultAddress {
			return err
		}
		d.regs.addr = target
		if _, terr := d.regs.read8(ctx, l0xIdentificationModelID); terr != nil {
			return fmt.Errorf("no device at default or target address: %w", err)
		}
		return nil
	}
	if target == 0 || target == VL53L0XDefaultAddress {
		return nil
	}
	return d.SetAddress(ctx, target)
}

// SetAddress moves the chip to a new 7-bit address until the next reset.
func (d *VL53L0X) SetAddress(ctx context.Context, addr byte) error {
	if err := d.regs.write(ctx, l0xI2CSlaveDeviceAddress, addr&0x7F); err != nil {
		return err
	}
	d.regs.addr = addr & 0x7F
	return nil
}

func (d *VL53L0X) dataInit(ctx context.Context) error {
	model, err := d.regs.read8(ctx, l0xIdentificationModelID)
	if err != nil {
		return err
	}
	if model != vl53l0xModelID {
		return fmt.Errorf("unexpected model ID: %#x", model)
	}
	// 2V8 I/O
	if err := d.regs.update(ctx, l0xVHVConfigPadSCLSDAExtsupHV, func(v byte) byte { return v | 0x01 }); err != nil {
		return err
	}
	// standard I2C mode
	if err := d.regs.write(ctx, 0x88, 0x00); err != nil {
		return err
	}
	if err := d.regs.pairs(ctx, [][2]byte{{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00}}); err != nil {
		return err
	}
	if d.stopVariable, err = d.regs.read8(ctx, l0xStopVariable); err != nil {
		return err
	}
	if err := d.regs.pairs(ctx, [][2]byte{{0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00}}); err != nil {
		return err
	}
	// disable the MSRC and pre-range signal rate limit checks
	if err := d.regs.update(ctx, l0xMSRCConfigControl, func(v byte) byte { return v | 0x12 }); err != nil {
		return err
	}
	// 0.25 MCPS in 9.7 fixed point
	if err := d.regs.write16(ctx, l0xFinalRangeConfigMinCountRateRtnLim, 32); err != nil {
		return err
	}
	return d.regs.write(ctx, l0xSystemSequenceConfig, 0xFF)
}

func (d *VL53L0X) staticInit(ctx context.Context) error {
	count, aperture, err := d.spadInfo(ctx)
	if err != nil {
		return fmt.Errorf("could not read SPAD info: %w", err)
	}
	refMap := make([]byte, 6)
	if err := d.regs.read(ctx, l0xGlobalConfigSpadEnablesRef0, refMap); err != nil {
		return err
	}
	err = d.regs.pairs(ctx, [][2]byte{
		{l0xInternalTuning, 0x01},
		{l0xDynamicSpadRefEnStartOffset, 0x00},
		{l0xDynamicSpadNumRequestedRefSpad, 0x2C},
		{l0xInternalTuning, 0x00},
		{l0xGlobalConfigRefEnStartSelect, 0xB4},
	})
	if err != nil {
		return err
	}
	selectRefSpads(refMap, count, aperture)
	if err := d.regs.write(ctx, l0xGlobalConfigSpadEnablesRef0, refMap...); err != nil {
		return err
	}
	if err := d.regs.pairs(ctx, l0xTuning); err != nil {
		return err
	}
	// new sample ready interrupt, active low
	if err := d.regs.write(ctx, l0xSystemInterruptConfigGPIO, 0x04); err != nil {
		return err
	}
	if err := d.regs.update(ctx, l0xGPIOHVMuxActiveHigh, func(v byte) byte { return v &^ 0x10 }); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l0xSystemInterruptClear, 0x01); err != nil {
		return err
	}
	d.budget, err = d.timingBudget(ctx)
	if err != nil {
		return err
	}
	// skip MSRC and TCC by default
	return d.regs.write(ctx, l0xSystemSequenceConfig, 0xE8)
}

// selectRefSpads keeps count reference SPADs enabled, starting at the first
// SPAD of the right type.
func selectRefSpads(refMap []byte, count byte, aperture bool) {
	first := 0
	if aperture {
		first = 12
	}
	enabled := byte(0)
	for i := range 48 {
		if i < first || enabled == count {
			refMap[i/8] &^= 1 << (i % 8)
		} else if (refMap[i/8]>>(i%8))&0x01 != 0 {
			enabled++
		}
	}
}

func (d *VL53L0X) spadInfo(ctx context.Context) (byte, bool, error) {
	r := &d.regs
	err := r.pairs(ctx, [][2]byte{{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00}, {0xFF, 0x06}})
	if err != nil {
		return 0, false, err
	}
	if err := r.update(ctx, l0xSpadInfoStrobe, func(v byte) byte { return v | 0x04 }); err != nil {
		return 0, false, err
	}
	err = r.pairs(ctx, [][2]byte{{0xFF, 0x07}, {l0xSpadInfoEnable, 0x01}, {0x80, 0x01}, {l0xSpadInfoTrigger, 0x6B}, {l0xSpadInfoStrobe, 0x00}})
	if err != nil {
		return 0, false, err
	}
	err = waitFor(ctx, d.clock, bootTimeout, pollInterval, func() (bool, error) {
		v, err := r.read8(ctx, l0xSpadInfoStrobe)
		return v != 0x00, err
	})
	if err != nil {
		return 0, false, err
	}
	if err := r.write(ctx, l0xSpadInfoStrobe, 0x01); err != nil {
		return 0, false, err
	}
	tmp, err := r.read8(ctx, l0xSpadInfo)
	if err != nil {
		return 0, false, err
	}
	if err := r.pairs(ctx, [][2]byte{{l0xSpadInfoEnable, 0x00}, {0xFF, 0x06}}); err != nil {
		return 0, false, err
	}
	if err := r.update(ctx, l0xSpadInfoStrobe, func(v byte) byte { return v &^ 0x04 }); err != nil {
		return 0, false, err
	}
	if err := r.pairs(ctx, [][2]byte{{0xFF, 0x01}, {0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00}}); err != nil {
		return 0, false, err
	}
	return tmp & 0x7F, (tmp>>7)&0x01 == 1, nil
}

// calibrate runs the VHV and phase reference calibrations.
func (d *VL53L0X) calibrate(ctx context.Context) error {
	for _, step := range []struct{ seq, vhv byte }{{0x01, 0x40}, {0x02, 0x00}} {
		if err := d.regs.write(ctx, l0xSystemSequenceConfig, step.seq); err != nil {
			return err
		}
		if err := d.singleRefCalibration(ctx, step.vhv); err != nil {
			return err
		}
	}
	return d.regs.write(ctx, l0xSystemSequenceConfig, 0xE8)
}

func (d *VL53L0X) singleRefCalibration(ctx context.Context, vhv byte) error {
	if err := d.regs.write(ctx, l0xSysrangeStart, l0xSysrangeModeStartStop|vhv); err != nil {
		return err
	}
	err := waitFor(ctx, d.clock, bootTimeout, pollInterval, func() (bool, error) {
		return d.DataReady(ctx)
	})
	if err != nil {
		return err
	}
	if err := d.regs.write(ctx, l0xSystemInterruptClear, 0x01); err != nil {
		return err
	}
	return d.regs.write(ctx, l0xSysrangeStart, 0x00)
}

func (d *VL53L0X) sequence(ctx context.Context) (l0xSequence, error) {
	v, err := d.regs.read8(ctx, l0xSystemSequenceConfig)
	if err != nil {
		return l0xSequence{}, err
	}
	return l0xSequence{
		tcc:        (v>>4)&0x1 != 0,
		dss:        (v>>3)&0x1 != 0,
		msrc:       (v>>2)&0x1 != 0,
		preRange:   (v>>6)&0x1 != 0,
		finalRange: (v>>7)&0x1 != 0,
	}, nil
}

func (d *VL53L0X) timeouts(ctx context.Context, seq l0xSequence) (l0xTimeouts, error) {
	var t l0xTimeouts
	v, err := d.regs.read8(ctx, l0xPreRangeConfigVCSELPeriod)
	if err != nil {
		return t, err
	}
	t.preRangeVCSELPclks = decodeVCSELPeriod(v)
	msrc, err := d.regs.read8(ctx, l0xMSRCConfigTimeoutMacrop)
	if err != nil {
		return t, err
	}
	t.msrcDSSTCCMclks = uint32(msrc) + 1
	t.msrcDSSTCCUs = l0xMclksToMicroseconds(t.msrcDSSTCCMclks, t.preRangeVCSELPclks)
	pre, err := d.regs.read16(ctx, l0xPreRangeConfigTimeoutMacropHi)
	if err != nil {
		return t, err
	}
	t.preRangeMclks = decodeTimeout(pre)
	t.preRangeUs = l0xMclksToMicroseconds(t.preRangeMclks, t.preRangeVCSELPclks)
	if v, err = d.regs.read8(ctx, l0xFinalRangeConfigVCSELPeriod); err != nil {
		return t, err
	}
	t.finalRangeVCSELPclks = decodeVCSELPeriod(v)
	final, err := d.regs.read16(ctx, l0xFinalRangeConfigTimeoutMacropHi)
	if err != nil {
		return t, err
	}
	t.finalRangeMclks = decodeTimeout(final)
	if seq.preRange {
		t.finalRangeMclks -= t.preRangeMclks
	}
	t.finalRangeUs = l0xMclksToMicroseconds(t.finalRangeMclks, t.finalRangeVCSELPclks)
	return t, nil
}

// usedBudget sums the enabled steps other than the final range.
func usedBudget(seq l0xSequence, t l0xTimeouts) uint32 {
	used := uint32(l0xEndOverhead)
	if seq.tcc {
		used += t.msrcDSSTCCUs + l0xTCCOverhead
	}
	if seq.dss {
		used += 2 * (t.msrcDSSTCCUs + l0xDSSOverhead)
	} else if seq.msrc {
		used += t.msrcDSSTCCUs + l0xMSRCOverhead
	}
	if seq.preRange {
		used += t.preRangeUs + l0xPreRangeOverhead
	}
	return used
}

func (d *VL53L0X) timingBudget(ctx context.Context) (uint32, error) {
	seq, err := d.sequence(ctx)
	if err != nil {
		return 0, err
	}
	t, err := d.timeouts(ctx, seq)
	if err != nil {
		return 0, err
	}
	// the read-back start overhead differs from the one used when setting
	budget := usedBudget(seq, t) + 1910
	if seq.finalRange {
		budget += t.finalRangeUs + l0xFinalRangeOverhead
	}
	return budget, nil
}

// SetTimingBudget gives the final range step whatever the other steps leave
// of budget.
func (d *VL53L0X) SetTimingBudget(ctx context.Context, budget time.Duration) error {
	us := uint32(budget / time.Microsecond)
	if us < l0xMinTimingBudget {
		return fmt.Errorf("timing budget %s too short", budget)
	}
	seq, err := d.sequence(ctx)
	if err != nil {
		return err
	}
	if !seq.finalRange {
		return nil
	}
	t, err := d.timeouts(ctx, seq)
	if err != nil {
		return err
	}
	used := usedBudget(seq, t) + l0xStartOverhead + l0xFinalRangeOverhead
	if used > us {
		return fmt.Errorf("timing budget %s too short for enabled steps (%dµs)", budget, used)
	}
	mclks := l0xMicrosecondsToMclks(us-used, t.finalRangeVCSELPclks)
	if seq.preRange {
		mclks += t.preRangeMclks
	}
	if err := d.regs.write16(ctx, l0xFinalRangeConfigTimeoutMacropHi, encodeTimeout(mclks)); err != nil {
		return err
	}
	d.budget = us
	return nil
}

// Start begins timed ranging, or back-to-back ranging when no period is
// set.
func (d *VL53L0X) Start(ctx context.Context) error {
	err := d.regs.pairs(ctx, [][2]byte{
		{0x80, 0x01}, {0xFF, 0x01}, {0x00, 0x00},
		{l0xStopVariable, d.stopVariable},
		{0x00, 0x01}, {0xFF, 0x00}, {0x80, 0x00},
	})
	if err != nil {
		return err
	}
	if d.period <= 0 {
		return d.regs.write(ctx, l0xSysrangeStart, l0xSysrangeModeBackToBack)
	}
	period := uint32(d.period.Milliseconds())
	osc, err := d.regs.read16(ctx, l0xOscCalibrateVal)
	if err != nil {
		return err
	}
	if osc != 0 {
		period *= uint32(osc)
	}
	if err := d.regs.write32(ctx, l0xSystemIntermeasurementPeriod, period); err != nil {
		return err
	}
	return d.regs.write(ctx, l0xSysrangeStart, l0xSysrangeModeTimed)
}

func (d *VL53L0X) Stop(ctx context.Context) error {
	return d.regs.pairs(ctx, [][2]byte{
		{l0xSysrangeStart, l0xSysrangeModeStartStop},
		{0xFF, 0x01}, {0x00, 0x00}, {l0xStopVariable, 0x00}, {0x00, 0x01}, {0xFF, 0x00},
	})
}

func (d *VL53L0X) DataReady(ctx context.Context) (bool, error) {
	v, err := d.regs.read8(ctx, l0xResultInterruptStatus)
	if err != nil {
		return false, err
	}
	return v&0x07 != 0, nil
}

func (d *VL53L0X) Read(ctx context.Context) (tof.Measurement, error) {
	buf := make([]byte, 12)
	if err := d.regs.read(ctx, l0xResultRangeStatus, buf); err != nil {
		return tof.Measurement{}, err
	}
	return decodeL0XResult(buf, d.clock.Now()), nil
}

func (d *VL53L0X) Rearm(ctx context.Context) error {
	return d.regs.write(ctx, l0xSystemInterruptClear, 0x01)
}

// decodeL0XResult reads the 12-byte block starting at RESULT_RANGE_STATUS.
// The chip reports no sigma estimate in this mode.
func decodeL0XResult(buf []byte, at time.Time) tof.Measurement {
	status := tof.StatusOtherFail
	switch (buf[0] & 0x78) >> 3 {
	case l0xStatusRangeComplete:
		status = tof.StatusValid
	case l0xStatusMSRCNoTarget, l0xStatusSNRCheck:
		status = tof.StatusSignalFail
	}
	return tof.Measurement{
		DistanceMM: int(binary.BigEndian.Uint16(buf[10:12])),
		Status:     status,
		Timestamp:  at,
	}
}

func decodeVCSELPeriod(reg byte) uint32 {
	return (uint32(reg) + 1) << 1
}

// l0xMacroPeriod returns the macro period in ns.
func l0xMacroPeriod(vcselPclks uint32) uint32 {
	return (2304*vcselPclks*1655 + 500) / 1000
}

func l0xMclksToMicroseconds(mclks, vcselPclks uint32) uint32 {
	macro := l0xMacroPeriod(vcselPclks)
	return (mclks*macro + 500) / 1000
}

func l0xMicrosecondsToMclks(us, vcselPclks uint32) uint32 {
	macro := l0xMacroPeriod(vcselPclks)
	return (us*1000 + macro/2) / macro
}
