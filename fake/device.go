// Package fake provides hardware-free stand-ins for devices, pins and buses.
package fake

import (
	"context"
	"sync"
	"time"
)

// Call is one recorded invocation.
type Call struct {
	Op string
	At time.Time
}

// Device is a behavior-driven stand-in for a chip driven by the measurement
// task. Nil behaviors succeed with zero values. Behaviors must be set before
// the device is shared.
//
// Example usage:
//
//	dev := &fake.Device[tof.Measurement]{
//		ReadFunc: func(ctx context.Context) (tof.Measurement, error) {
//			return tof.Measurement{DistanceMM: 120}, nil
//		},
//	}
type Device[M any] struct {
	ReadFunc      func(ctx context.Context) (M, error)
	RearmFunc     func(ctx context.Context) error
	StopFunc      func(ctx context.Context) error
	StartFunc     func(ctx context.Context) error
	DataReadyFunc func(ctx context.Context) (bool, error)
	// Now stamps calls. Defaults to time.Now.
	Now func() time.Time

	mx    sync.Mutex
	calls []Call
}

func (d *Device[M]) Read(ctx context.Context) (M, error) {
	d.record("read")
	if d.ReadFunc == nil {
		var zero M
		return zero, nil
	}
	return d.ReadFunc(ctx)
}

func (d *Device[M]) Rearm(ctx context.Context) error {
	d.record("rearm")
	if d.RearmFunc == nil {
		return nil
	}
	return d.RearmFunc(ctx)
}

func (d *Device[M]) Stop(ctx context.Context) error {
	d.record("stop")
	if d.StopFunc == nil {
		return nil
	}
	return d.StopFunc(ctx)
}

func (d *Device[M]) Start(ctx context.Context) error {
	d.record("start")
	if d.StartFunc == nil {
		return nil
	}
	return d.StartFunc(ctx)
}

func (d *Device[M]) DataReady(ctx context.Context) (bool, error) {
	d.record("ready")
	if d.DataReadyFunc == nil {
		return true, nil
	}
	return d.DataReadyFunc(ctx)
}

// Calls returns recorded calls, filtered by op when given.
func (d *Device[M]) Calls(op ...string) []Call {
	d.mx.Lock()
	defer d.mx.Unlock()
	res := make([]Call, 0, len(d.calls))
	for _, c := range d.calls {
		if len(op) == 0 || c.Op == op[0] {
			res = append(res, c)
		}
	}
	return res
}

func (d *Device[M]) Count(op string) int {
	return len(d.Calls(op))
}

func (d *Device[M]) record(op string) {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	d.mx.Lock()
	d.calls = append(d.calls, Call{Op: op, At: now()})
	d.mx.Unlock()
}
