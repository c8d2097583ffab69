package tof

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInit           = errors.New("sensor initialization failed")
	ErrSpawn          = errors.New("could not spawn measurement task")
	ErrAlreadyStarted = errors.New("continuous measurement already started")
	// ErrNotReady means the device has no new data yet. It is not a failure.
	ErrNotReady = errors.New("data not ready")
)

// Sensor is the capability every device variant offers once initialized.
type Sensor[M any] interface {
	// StartContinuous arms the device and hands it to a background task that
	// calls cb with every valid reading. It succeeds at most once.
	StartContinuous(ctx context.Context, sp Spawner, cb func(M)) error
	// LatestMeasurement never blocks. It returns the zero value until the
	// first reading lands.
	LatestMeasurement() M
}

// Spawner runs long-lived tasks. Spawn fails with ErrSpawn when no slot is
// left.
type Spawner interface {
	Spawn(name string, fn func(ctx context.Context) error) error
}

// ROI is the receiving SPAD window, in SPADs. Zero means full field of view.
type ROI struct {
	Width  uint8 `yaml:"width"`
	Height uint8 `yaml:"height"`
}

// SensorConfig is built once per sensor and not mutated afterwards.
type SensorConfig struct {
	Name string
	// Address is the 7-bit address assigned during bring-up. Zero keeps the
	// chip default.
	Address                byte
	TimingBudget           time.Duration
	InterMeasurementPeriod time.Duration
	ROI                    ROI
	Reset                  OutputPin
	// Ready is the data-ready line. A nil Ready makes the task poll the
	// device instead.
	Ready EdgeInput
}
