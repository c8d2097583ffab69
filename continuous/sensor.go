package continuous

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/mklimuk/tof"
)

var _ tof.Sensor[tof.Measurement] = (*Sensor[tof.Measurement])(nil)

// Sensor is an initialized device together with its latest reading. It runs
// at most one measurement task.
type Sensor[M any] struct {
	name  string
	dev   Device[M]
	ready tof.EdgeInput
	valid func(M) bool
	opts  Options

	latest  atomic.Pointer[M]
	started atomic.Bool
	task    atomic.Pointer[task[M]]
}

// NewSensor wraps an initialized device. A nil ready selects polling; a nil
// valid forwards every reading.
func NewSensor[M any](name string, dev Device[M], ready tof.EdgeInput, valid func(M) bool, opts ...Option) *Sensor[M] {
	if valid == nil {
		valid = func(M) bool { return true }
	}
	o := NewOptions(opts...)
	o.Logger = o.Logger.With("sensor", name)
	return &Sensor[M]{
		name:  name,
		dev:   dev,
		ready: ready,
		valid: valid,
		opts:  o,
	}
}

func (s *Sensor[M]) Name() string {
	return s.name
}

// StartContinuous arms the device and spawns its task. The sensor is
// consumed by the first call whatever its outcome.
func (s *Sensor[M]) StartContinuous(ctx context.Context, sp tof.Spawner, cb func(M)) error {
	if !s.started.CompareAndSwap(false, true) {
		return fmt.Errorf("%s: %w", s.name, tof.ErrAlreadyStarted)
	}
	if cb == nil {
		cb = func(M) {}
	}
	err := s.dev.Start(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: could not start ranging: %w", tof.ErrInit, s.name, err)
	}
	t := &task[M]{
		dev:     s.dev,
		ready:   s.ready,
		valid:   s.valid,
		record:  s.store,
		deliver: cb,
		opts:    s.opts,
		clock:   s.opts.Clock,
		log:     s.opts.Logger,
	}
	s.task.Store(t)
	err = sp.Spawn(s.name, t.run)
	if err != nil {
		_ = s.dev.Stop(ctx)
		return fmt.Errorf("%s: %w", s.name, err)
	}
	return nil
}

func (s *Sensor[M]) LatestMeasurement() M {
	m := s.latest.Load()
	if m == nil {
		var zero M
		return zero
	}
	return *m
}

// Stats is zero until the task is started.
func (s *Sensor[M]) Stats() Stats {
	t := s.task.Load()
	if t == nil {
		return Stats{}
	}
	return t.stats()
}

func (s *Sensor[M]) store(m M) {
	s.latest.Store(&m)
}
