// Package ranging drives ST time-of-flight ranging sensors: the short-range
// VL53L0X and the long-range VL53L1X.
package ranging

import (
	"context"
	"fmt"
	"time"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/continuous"
)

const (
	DefaultTimingBudget           = 66 * time.Millisecond
	DefaultInterMeasurementPeriod = 69 * time.Millisecond

	bootTimeout  = 500 * time.Millisecond
	pollInterval = time.Millisecond
)

// Sensor is an initialized ranging device ready for continuous measurement.
type Sensor = continuous.Sensor[tof.Measurement]

// Init brings a device up and returns it as a Sensor.
type Init func(ctx context.Context, cfg tof.SensorConfig, bus tof.Transactor, opts ...continuous.Option) (*Sensor, error)

// Chips maps chip names used in configuration to their initializers.
var Chips = map[string]Init{
	"vl53l0x": NewVL53L0X,
	"vl53l1x": NewVL53L1X,
}

func withDefaults(cfg tof.SensorConfig) tof.SensorConfig {
	if cfg.TimingBudget == 0 {
		cfg.TimingBudget = DefaultTimingBudget
	}
	if cfg.InterMeasurementPeriod == 0 {
		cfg.InterMeasurementPeriod = DefaultInterMeasurementPeriod
	}
	return cfg
}

func initErr(chip, name, stage string, err error) error {
	return fmt.Errorf("%w: %s %s: %s: %w", tof.ErrInit, chip, name, stage, err)
}
