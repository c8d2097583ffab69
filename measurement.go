package tof

import (
	"fmt"
	"time"
)

// RangeStatus is the quality flag the device attaches to a range.
type RangeStatus int

const (
	StatusValid RangeStatus = iota
	StatusSignalFail
	StatusOtherFail
)

func (s RangeStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusSignalFail:
		return "signal-fail"
	case StatusOtherFail:
		return "other-fail"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Measurement is one range reading. It is replaced wholesale every cycle.
type Measurement struct {
	DistanceMM int         `json:"distance_mm"`
	SigmaMM    float64     `json:"sigma_mm"`
	Status     RangeStatus `json:"status"`
	Timestamp  time.Time   `json:"timestamp"`
}

func (m Measurement) Valid() bool {
	return m.Status == StatusValid
}

func (m Measurement) String() string {
	return fmt.Sprintf("%dmm ±%.2fmm (%s)", m.DistanceMM, m.SigmaMM, m.Status)
}
