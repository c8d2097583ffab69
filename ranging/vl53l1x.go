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

const VL53L1XDefaultAddress = 0x29

const vl53l1xModelID = 0xEACC

// VL53L1X register map (16-bit indices)
const (
	l1xSoftReset                           uint16 = 0x0000
	l1xI2CSlaveDeviceAddress               uint16 = 0x0001
	l1xOscMeasuredFastOscFrequency         uint16 = 0x0006
	l1xVHVConfigTimeoutMacropLoopBound     uint16 = 0x0008
	l1xVHVConfigInit                       uint16 = 0x000B
	l1xAlgoPartToPartRangeOffsetMM         uint16 = 0x001E
	l1xMMConfigOuterOffsetMM               uint16 = 0x0022
	l1xDSSConfigTargetTotalRateMCPS        uint16 = 0x0024
	l1xPadI2CHVExtsupConfig                uint16 = 0x002E
	l1xGPIOHVMuxCtrl                       uint16 = 0x0030
	l1xGPIOTioHVStatus                     uint16 = 0x0031
	l1xSigmaEstEffectivePulseWidthNS       uint16 = 0x0036
	l1xSigmaEstEffectiveAmbientWidthNS     uint16 = 0x0037
	l1xAlgoCrosstalkCompValidHeightMM      uint16 = 0x0039
	l1xAlgoRangeIgnoreValidHeightMM        uint16 = 0x003E
	l1xAlgoRangeMinClip                    uint16 = 0x003F
	l1xAlgoConsistencyCheckTolerance       uint16 = 0x0040
	l1xCalConfigVCSELStart                 uint16 = 0x0047
	l1xPhasecalConfigTimeoutMacrop         uint16 = 0x004B
	l1xPhasecalConfigOverride              uint16 = 0x004D
	l1xDSSConfigROIModeControl             uint16 = 0x004F
	l1xSystemThreshRateHigh                uint16 = 0x0050
	l1xSystemThreshRateLow                 uint16 = 0x0052
	l1xDSSConfigManualEffectiveSpadsSelect uint16 = 0x0054
	l1xDSSConfigApertureAttenuation        uint16 = 0x0057
	l1xMMConfigTimeoutMacropA              uint16 = 0x005A
	l1xMMConfigTimeoutMacropB              uint16 = 0x005C
	l1xRangeConfigTimeoutMacropA           uint16 = 0x005E
	l1xRangeConfigVCSELPeriodA             uint16 = 0x0060
	l1xRangeConfigTimeoutMacropB           uint16 = 0x0061
	l1xRangeConfigVCSELPeriodB             uint16 = 0x0063
	l1xRangeConfigSigmaThresh              uint16 = 0x0064
	l1xRangeConfigMinCountRateRtnLimitMCPS uint16 = 0x0066
	l1xRangeConfigValidPhaseHigh           uint16 = 0x0069
	l1xSystemIntermeasurementPeriod        uint16 = 0x006C
	l1xSystemGroupedParameterHold0         uint16 = 0x0071
	l1xSystemSeedConfig                    uint16 = 0x0077
	l1xSDConfigWOISD0                      uint16 = 0x0078
	l1xSDConfigWOISD1                      uint16 = 0x0079
	l1xSDConfigInitialPhaseSD0             uint16 = 0x007A
	l1xSDConfigInitialPhaseSD1             uint16 = 0x007B
	l1xSystemGroupedParameterHold1         uint16 = 0x007C
	l1xSDConfigQuantifier                  uint16 = 0x007E
	l1xROIConfigUserROICentreSpad          uint16 = 0x007F
	l1xROIConfigUserROIRequestedXYSize     uint16 = 0x0080
	l1xSystemSequenceConfig                uint16 = 0x0081
	l1xSystemGroupedParameterHold          uint16 = 0x0082
	l1xSystemInterruptClear                uint16 = 0x0086
	l1xSystemModeStart                     uint16 = 0x0087
	l1xResultRangeStatus                   uint16 = 0x0089
	l1xPhasecalResultVCSELStart            uint16 = 0x00D8
	l1xResultOscCalibrateVal               uint16 = 0x00DE
	l1xFirmwareSystemStatus                uint16 = 0x00E5
	l1xIdentificationModelID               uint16 = 0x010F
)

const (
	l1xTargetRate  = 0x0A00
	l1xTimingGuard = 4528 // µs
	l1xMaxBudget   = 1100000

	l1xModeStartContinuous = 0x40
	l1xModeStop            = 0x80
)

// VL53L1X range status codes
const (
	l1xStatusSignalFail    = 4
	l1xStatusRangeComplete = 9
)

// VL53L1X is the long-range time-of-flight chip. It runs in long distance
// mode with autonomous (timed) ranging.
type VL53L1X struct {
	regs  registers
	clock clock.Clock
	log   *slog.Logger

	fastOscFrequency uint16
	oscCalibrateVal  uint16
	// level of GPIO__TIO_HV_STATUS bit 0 that means data ready
	readyLevel byte
	period     time.Duration

	calibrated      bool
	savedVHVInit    byte
	savedVHVTimeout byte
}

var _ continuous.Device[tof.Measurement] = &VL53L1X{}

// NewVL53L1X resets the chip, optionally moves it to cfg.Address and
// configures it for continuous ranging.
func NewVL53L1X(ctx context.Context, cfg tof.SensorConfig, bus tof.Transactor, opts ...continuous.Option) (*Sensor, error) {
	cfg = withDefaults(cfg)
	o := continuous.NewOptions(opts...)
	log := o.Logger.With("sensor", cfg.Name, "chip", "vl53l1x")
	if cfg.InterMeasurementPeriod < cfg.TimingBudget {
		return nil, initErr("vl53l1x", cfg.Name, "timing", fmt.Errorf("inter-measurement period %s shorter than timing budget %s", cfg.InterMeasurementPeriod, cfg.TimingBudget))
	}

	log.Info("toggling reset line")
	if err := tof.PulseReset(ctx, o.Clock, cfg.Reset, tof.ResetHold); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "reset", err)
	}
	d := &VL53L1X{
		regs:  registers{bus: bus, addr: VL53L1XDefaultAddress, wide: true},
		clock: o.Clock,
		log:   log,
	}
	if err := d.locate(ctx, cfg.Address); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "address", err)
	}
	log.Info("data init", "address", fmt.Sprintf("%#x", d.regs.addr))
	if err := d.dataInit(ctx); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "data init", err)
	}
	log.Info("static init")
	if err := d.staticInit(ctx); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "static init", err)
	}
	log.Info("setting ROI")
	if err := d.SetROI(ctx, cfg.ROI); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "roi", err)
	}
	log.Info("setting timing budget", "budget", cfg.TimingBudget, "period", cfg.InterMeasurementPeriod)
	if err := d.SetTimingBudget(ctx, cfg.TimingBudget); err != nil {
		return nil, initErr("vl53l1x", cfg.Name, "timing budget", err)
	}
	d.period = cfg.InterMeasurementPeriod
	log.Info("initialization complete")
	return continuous.NewSensor(cfg.Name, d, cfg.Ready, tof.Measurement.Valid, opts...), nil
}

func (d *VL53L1X) Address() byte {
	return d.regs.addr
}

// locate finds the chip at its default address and moves it to target. A
// chip already answering at target is used as is.
func (d *VL53L1X) locate(ctx context.Context, target byte) error {
	_, err := d.regs.read16(ctx, l1xIdentificationModelID)
	if err != nil {
		if target == 0 || target == VL53L1XDefaultAddress {
			return err
		}
		d.regs.addr = target
		if _, terr := d.regs.read16(ctx, l1xIdentificationModelID); terr != nil {
			return fmt.Errorf("no device at default or target address: %w", err)
		}
		return nil
	}
	if target == 0 || target == VL53L1XDefaultAddress {
		return nil
	}
	return d.SetAddress(ctx, target)
}

// SetAddress moves the chip to a new 7-bit address. The change lasts until
// the next reset.
func (d *VL53L1X) SetAddress(ctx context.Context, addr byte) error {
	if err := d.regs.write(ctx, l1xI2CSlaveDeviceAddress, addr&0x7F); err != nil {
		return err
	}
	d.regs.addr = addr & 0x7F
	return nil
}

func (d *VL53L1X) dataInit(ctx context.Context) error {
	model, err := d.regs.read16(ctx, l1xIdentificationModelID)
	if err != nil {
		return err
	}
	if model != vl53l1xModelID {
		return fmt.Errorf("unexpected model ID: %#x", model)
	}
	if err := d.regs.write(ctx, l1xSoftReset, 0x00); err != nil {
		return err
	}
	if err := tof.Sleep(ctx, d.clock, time.Millisecond); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l1xSoftReset, 0x01); err != nil {
		return err
	}
	err = waitFor(ctx, d.clock, bootTimeout, pollInterval, func() (bool, error) {
		status, err := d.regs.read8(ctx, l1xFirmwareSystemStatus)
		return status&0x01 != 0, err
	})
	if err != nil {
		return fmt.Errorf("device did not boot: %w", err)
	}
	// 2V8 I/O
	if err := d.regs.update(ctx, l1xPadI2CHVExtsupConfig, func(v byte) byte { return v | 0x01 }); err != nil {
		return err
	}
	if d.fastOscFrequency, err = d.regs.read16(ctx, l1xOscMeasuredFastOscFrequency); err != nil {
		return err
	}
	if d.fastOscFrequency == 0 {
		return fmt.Errorf("invalid oscillator frequency")
	}
	if d.oscCalibrateVal, err = d.regs.read16(ctx, l1xResultOscCalibrateVal); err != nil {
		return err
	}
	return nil
}

func (d *VL53L1X) staticInit(ctx context.Context) error {
	r := &d.regs
	steps := []func() error{
		func() error { return r.write16(ctx, l1xDSSConfigTargetTotalRateMCPS, l1xTargetRate) },
		func() error { return r.write(ctx, l1xGPIOTioHVStatus, 0x02) },
		func() error { return r.write(ctx, l1xSigmaEstEffectivePulseWidthNS, 8) },
		func() error { return r.write(ctx, l1xSigmaEstEffectiveAmbientWidthNS, 16) },
		func() error { return r.write(ctx, l1xAlgoCrosstalkCompValidHeightMM, 0x01) },
		func() error { return r.write(ctx, l1xAlgoRangeIgnoreValidHeightMM, 0xFF) },
		func() error { return r.write(ctx, l1xAlgoRangeMinClip, 0) },
		func() error { return r.write(ctx, l1xAlgoConsistencyCheckTolerance, 2) },
		// general config
		func() error { return r.write16(ctx, l1xSystemThreshRateHigh, 0x0000) },
		func() error { return r.write16(ctx, l1xSystemThreshRateLow, 0x0000) },
		func() error { return r.write(ctx, l1xDSSConfigApertureAttenuation, 0x38) },
		// timing config
		func() error { return r.write16(ctx, l1xRangeConfigSigmaThresh, 360) },
		func() error { return r.write16(ctx, l1xRangeConfigMinCountRateRtnLimitMCPS, 192) },
		// dynamic config
		func() error { return r.write(ctx, l1xSystemGroupedParameterHold0, 0x01) },
		func() error { return r.write(ctx, l1xSystemGroupedParameterHold1, 0x01) },
		func() error { return r.write(ctx, l1xSDConfigQuantifier, 2) },
		func() error { return r.write(ctx, l1xSystemGroupedParameterHold, 0x00) },
		func() error { return r.write(ctx, l1xSystemSeedConfig, 1) },
		// low power auto mode: VHV, phasecal, DSS1, range
		func() error { return r.write(ctx, l1xSystemSequenceConfig, 0x8B) },
		func() error { return r.write16(ctx, l1xDSSConfigManualEffectiveSpadsSelect, 200<<8) },
		func() error { return r.write(ctx, l1xDSSConfigROIModeControl, 2) },
		func() error { return d.setLongDistanceMode(ctx) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	offset, err := r.read16(ctx, l1xMMConfigOuterOffsetMM)
	if err != nil {
		return err
	}
	if err := r.write16(ctx, l1xAlgoPartToPartRangeOffsetMM, offset*4); err != nil {
		return err
	}
	mux, err := r.read8(ctx, l1xGPIOHVMuxCtrl)
	if err != nil {
		return err
	}
	// bit 4 set means active-low interrupt
	d.readyLevel = 1
	if mux&0x10 != 0 {
		d.readyLevel = 0
	}
	return nil
}

func (d *VL53L1X) setLongDistanceMode(ctx context.Context) error {
	return d.regs.pairs(ctx, [][2]byte{
		{byte(l1xRangeConfigVCSELPeriodA), 0x0F},
		{byte(l1xRangeConfigVCSELPeriodB), 0x0D},
		{byte(l1xRangeConfigValidPhaseHigh), 0xB8},
		{byte(l1xSDConfigWOISD0), 0x0F},
		{byte(l1xSDConfigWOISD1), 0x0D},
		{byte(l1xSDConfigInitialPhaseSD0), 14},
		{byte(l1xSDConfigInitialPhaseSD1), 14},
	})
}

// SetROI sets the receiving window. Sizes are clamped to 4..16 SPADs; zero
// means 16.
func (d *VL53L1X) SetROI(ctx context.Context, roi tof.ROI) error {
	w, h := clampROI(roi.Width), clampROI(roi.Height)
	// windows over 10 SPADs are centred on the optical centre
	if w > 10 || h > 10 {
		if err := d.regs.write(ctx, l1xROIConfigUserROICentreSpad, 199); err != nil {
			return err
		}
	}
	return d.regs.write(ctx, l1xROIConfigUserROIRequestedXYSize, (h-1)<<4|(w-1))
}

func clampROI(v uint8) uint8 {
	switch {
	case v == 0 || v > 16:
		return 16
	case v < 4:
		return 4
	default:
		return v
	}
}

// SetTimingBudget splits the budget between the two ranging phases.
func (d *VL53L1X) SetTimingBudget(ctx context.Context, budget time.Duration) error {
	us := uint32(budget / time.Microsecond)
	if us <= l1xTimingGuard {
		return fmt.Errorf("timing budget %s too short", budget)
	}
	rangeTimeout := us - l1xTimingGuard
	if rangeTimeout > l1xMaxBudget {
		return fmt.Errorf("timing budget %s too long", budget)
	}
	rangeTimeout /= 2

	periodA, err := d.regs.read8(ctx, l1xRangeConfigVCSELPeriodA)
	if err != nil {
		return err
	}
	macro := l1xMacroPeriod(d.fastOscFrequency, periodA)
	phasecal := l1xTimeoutToMclks(1000, macro)
	if phasecal > 0xFF {
		phasecal = 0xFF
	}
	if err := d.regs.write(ctx, l1xPhasecalConfigTimeoutMacrop, byte(phasecal)); err != nil {
		return err
	}
	if err := d.regs.write16(ctx, l1xMMConfigTimeoutMacropA, encodeTimeout(l1xTimeoutToMclks(1, macro))); err != nil {
		return err
	}
	if err := d.regs.write16(ctx, l1xRangeConfigTimeoutMacropA, encodeTimeout(l1xTimeoutToMclks(rangeTimeout, macro))); err != nil {
		return err
	}

	periodB, err := d.regs.read8(ctx, l1xRangeConfigVCSELPeriodB)
	if err != nil {
		return err
	}
	macro = l1xMacroPeriod(d.fastOscFrequency, periodB)
	if err := d.regs.write16(ctx, l1xMMConfigTimeoutMacropB, encodeTimeout(l1xTimeoutToMclks(1, macro))); err != nil {
		return err
	}
	return d.regs.write16(ctx, l1xRangeConfigTimeoutMacropB, encodeTimeout(l1xTimeoutToMclks(rangeTimeout, macro)))
}

// Start begins timed ranging at the configured inter-measurement period.
func (d *VL53L1X) Start(ctx context.Context) error {
	pll := uint32(d.oscCalibrateVal & 0x3FF)
	period := uint32(float64(pll) * float64(d.period.Milliseconds()) * 1.075)
	if err := d.regs.write32(ctx, l1xSystemIntermeasurementPeriod, period); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l1xSystemInterruptClear, 0x01); err != nil {
		return err
	}
	return d.regs.write(ctx, l1xSystemModeStart, l1xModeStartContinuous)
}

func (d *VL53L1X) Stop(ctx context.Context) error {
	if err := d.regs.write(ctx, l1xSystemModeStart, l1xModeStop); err != nil {
		return err
	}
	d.calibrated = false
	if d.savedVHVInit != 0 {
		if err := d.regs.write(ctx, l1xVHVConfigInit, d.savedVHVInit); err != nil {
			return err
		}
	}
	if d.savedVHVTimeout != 0 {
		if err := d.regs.write(ctx, l1xVHVConfigTimeoutMacropLoopBound, d.savedVHVTimeout); err != nil {
			return err
		}
	}
	return d.regs.write(ctx, l1xPhasecalConfigOverride, 0x00)
}

func (d *VL53L1X) DataReady(ctx context.Context) (bool, error) {
	status, err := d.regs.read8(ctx, l1xGPIOTioHVStatus)
	if err != nil {
		return false, err
	}
	return status&0x01 == d.readyLevel, nil
}

// Read fetches the latest result. The first read after a start freezes the
// VHV and phase calibration found by the device.
func (d *VL53L1X) Read(ctx context.Context) (tof.Measurement, error) {
	if !d.calibrated {
		if err := d.setupManualCalibration(ctx); err != nil {
			return tof.Measurement{}, err
		}
		d.calibrated = true
	}
	buf := make([]byte, 17)
	if err := d.regs.read(ctx, l1xResultRangeStatus, buf); err != nil {
		return tof.Measurement{}, err
	}
	if err := d.updateDSS(ctx, buf); err != nil {
		return tof.Measurement{}, err
	}
	return decodeL1XResult(buf, d.clock.Now()), nil
}

// Rearm clears the interrupt so the next result can raise it.
func (d *VL53L1X) Rearm(ctx context.Context) error {
	return d.regs.write(ctx, l1xSystemInterruptClear, 0x01)
}

func (d *VL53L1X) setupManualCalibration(ctx context.Context) error {
	var err error
	if d.savedVHVInit, err = d.regs.read8(ctx, l1xVHVConfigInit); err != nil {
		return err
	}
	if d.savedVHVTimeout, err = d.regs.read8(ctx, l1xVHVConfigTimeoutMacropLoopBound); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l1xVHVConfigInit, d.savedVHVInit&0x7F); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l1xVHVConfigTimeoutMacropLoopBound, (d.savedVHVTimeout&0x03)+(3<<2)); err != nil {
		return err
	}
	if err := d.regs.write(ctx, l1xPhasecalConfigOverride, 0x01); err != nil {
		return err
	}
	start, err := d.regs.read8(ctx, l1xPhasecalResultVCSELStart)
	if err != nil {
		return err
	}
	return d.regs.write(ctx, l1xCalConfigVCSELStart, start)
}

// updateDSS adjusts the number of enabled SPADs to keep the return rate near
// the target.
func (d *VL53L1X) updateDSS(ctx context.Context, buf []byte) error {
	spads := uint32(binary.BigEndian.Uint16(buf[3:5]))
	if spads != 0 {
		total := uint32(binary.BigEndian.Uint16(buf[15:17])) + uint32(binary.BigEndian.Uint16(buf[7:9]))
		if total > 0xFFFF {
			total = 0xFFFF
		}
		perSpad := (total << 16) / spads
		if perSpad != 0 {
			required := (uint32(l1xTargetRate) << 16) / perSpad
			if required > 0xFFFF {
				required = 0xFFFF
			}
			return d.regs.write16(ctx, l1xDSSConfigManualEffectiveSpadsSelect, uint16(required))
		}
	}
	return d.regs.write16(ctx, l1xDSSConfigManualEffectiveSpadsSelect, 0x8000)
}

// decodeL1XResult reads the 17-byte result block starting at
// RESULT__RANGE_STATUS.
func decodeL1XResult(buf []byte, at time.Time) tof.Measurement {
	status := tof.StatusOtherFail
	switch buf[0] & 0x1F {
	case l1xStatusRangeComplete:
		status = tof.StatusValid
	case l1xStatusSignalFail:
		status = tof.StatusSignalFail
	}
	return tof.Measurement{
		DistanceMM: int(binary.BigEndian.Uint16(buf[13:15])),
		// sigma is in 14.2 fixed point
		SigmaMM:   float64(binary.BigEndian.Uint16(buf[9:11])) / 4,
		Status:    status,
		Timestamp: at,
	}
}

// l1xMacroPeriod returns the macro period in µs, 12.12 fixed point.
func l1xMacroPeriod(fastOsc uint16, vcselPeriod byte) uint32 {
	pll := (uint32(1) << 30) / uint32(fastOsc)
	pclks := (uint32(vcselPeriod) + 1) << 1
	macro := uint32(2304) * pll
	macro >>= 6
	macro *= pclks
	macro >>= 6
	return macro
}

func l1xTimeoutToMclks(us, macro uint32) uint32 {
	return ((us << 12) + (macro >> 1)) / macro
}

func encodeTimeout(mclks uint32) uint16 {
	if mclks == 0 {
		return 0
	}
	ls := mclks - 1
	var ms uint16
	for ls&0xFFFFFF00 > 0 {
		ls >>= 1
		ms++
	}
	return ms<<8 | uint16(ls&0xFF)
}

func decodeTimeout(reg uint16) uint32 {
	return uint32(reg&0x00FF)<<(reg>>8) + 1
}
