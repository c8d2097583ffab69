// Package fleet brings a set of sensors sharing one bus up in order and runs
// their measurement tasks.
//
// Every reset line is driven low before the first sensor is touched, so
// chips that power up on the same default address stay silent until their
// turn. Each chip is then released, initialised and moved to its configured
// address before the next one is.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.uber.org/multierr"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/continuous"
)

var ErrDuplicate = errors.New("duplicate sensor")

// Policy decides what a failed slot does to the rest of the fleet.
type Policy int

const (
	// FailFast aborts on the first failure and stops what was started.
	FailFast Policy = iota
	// Isolate holds a failed sensor in reset and starts the others.
	Isolate
)

func (p Policy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Isolate:
		return "isolate"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParsePolicy accepts the names returned by Policy.String.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "isolate":
		return Isolate, nil
	default:
		return FailFast, fmt.Errorf("unknown fleet policy %q", s)
	}
}

// Init brings one device up through the shared bus.
type Init[M any] func(ctx context.Context, cfg tof.SensorConfig, bus tof.Transactor, opts ...continuous.Option) (*continuous.Sensor[M], error)

// Slot is one sensor position in the fleet.
type Slot[M any] struct {
	Config   tof.SensorConfig
	Init     Init[M]
	Callback func(M)
}

type options struct {
	policy   Policy
	logger   *slog.Logger
	poolSize int
	arbiter  []tof.ArbiterOpt
	task     []continuous.Option
}

type Option func(*options)

func WithPolicy(p Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithPoolSize limits the number of concurrently running tasks. It defaults
// to one per slot.
func WithPoolSize(n int) Option {
	return func(o *options) {
		o.poolSize = n
	}
}

func WithArbiterOptions(opts ...tof.ArbiterOpt) Option {
	return func(o *options) {
		o.arbiter = append(o.arbiter, opts...)
	}
}

// WithTaskOptions is passed to every slot's Init.
func WithTaskOptions(opts ...continuous.Option) Option {
	return func(o *options) {
		o.task = append(o.task, opts...)
	}
}

// Fleet owns the bus, the reset lines and the tasks of its sensors.
type Fleet[M any] struct {
	arbiter *tof.Arbiter
	pool    *continuous.Pool
	cancel  context.CancelFunc
	logger  *slog.Logger

	mx      sync.Mutex
	sensors []*continuous.Sensor[M]
	failed  map[string]error
	err     error
}

// Start wraps bus in an arbiter and brings every slot up in order. A bus
// that already is an arbiter is used as is, so expander reset lines can
// share it with the sensors. Tasks run until ctx is cancelled or Stop is
// called.
func Start[M any](ctx context.Context, bus tof.I2CBus, slots []Slot[M], opts ...Option) (*Fleet[M], error) {
	o := options{logger: slog.Default(), poolSize: len(slots)}
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkSlots(slots); err != nil {
		return nil, err
	}
	o.arbiter = append([]tof.ArbiterOpt{tof.WithArbiterLogger(o.logger)}, o.arbiter...)
	o.task = append([]continuous.Option{continuous.WithLogger(o.logger)}, o.task...)

	arbiter, ok := bus.(*tof.Arbiter)
	if !ok {
		arbiter = tof.NewArbiter(bus, o.arbiter...)
	}
	runCtx, cancel := context.WithCancel(ctx)
	f := &Fleet[M]{
		arbiter: arbiter,
		pool:    continuous.NewPool(runCtx, o.poolSize, o.logger),
		cancel:  cancel,
		logger:  o.logger,
		failed:  make(map[string]error),
	}
	f.logger.Info("starting fleet", "sensors", len(slots), "policy", o.policy)

	// keep every chip off the bus until its turn
	held := make([]bool, len(slots))
	for i, s := range slots {
		if s.Config.Reset == nil {
			continue
		}
		err := s.Config.Reset.Out(ctx, tof.Low)
		if err == nil {
			held[i] = true
			continue
		}
		err = fmt.Errorf("%s: could not hold reset line: %w", s.Config.Name, err)
		if o.policy == FailFast {
			return nil, f.abort(err)
		}
		f.fail(s.Config.Name, err)
	}
	if slices.Contains(held, true) {
		if err := tof.Sleep(ctx, continuous.NewOptions(o.task...).Clock, tof.ResetHold); err != nil {
			return nil, f.abort(err)
		}
	}

	for _, s := range slots {
		if _, ok := f.failed[s.Config.Name]; ok {
			continue
		}
		sensor, err := s.Init(ctx, s.Config, f.arbiter, o.task...)
		if err == nil {
			err = sensor.StartContinuous(runCtx, f.pool, s.Callback)
		}
		if err != nil {
			err = fmt.Errorf("%s: %w", s.Config.Name, err)
			if o.policy == FailFast {
				return nil, f.abort(err)
			}
			f.fail(s.Config.Name, err)
			if s.Config.Reset != nil {
				if rerr := s.Config.Reset.Out(ctx, tof.Low); rerr != nil {
					f.logger.Warn("could not hold failed sensor in reset", "sensor", s.Config.Name, "error", rerr)
				}
			}
			continue
		}
		f.mx.Lock()
		f.sensors = append(f.sensors, sensor)
		f.mx.Unlock()
		f.logger.Info("sensor running", "sensor", s.Config.Name, "address", fmt.Sprintf("%#x", s.Config.Address))
	}
	f.logger.Info("fleet started", "running", len(f.sensors), "failed", len(f.failed))
	return f, nil
}

func checkSlots[M any](slots []Slot[M]) error {
	names := make(map[string]bool, len(slots))
	addrs := make(map[byte]string, len(slots))
	for _, s := range slots {
		if s.Init == nil {
			return fmt.Errorf("%s: no initializer", s.Config.Name)
		}
		if names[s.Config.Name] {
			return fmt.Errorf("%w: name %s", ErrDuplicate, s.Config.Name)
		}
		names[s.Config.Name] = true
		if s.Config.Address == 0 {
			continue
		}
		if other, ok := addrs[s.Config.Address]; ok {
			return fmt.Errorf("%w: %s and %s both at %#x", ErrDuplicate, other, s.Config.Name, s.Config.Address)
		}
		addrs[s.Config.Address] = s.Config.Name
	}
	return nil
}

func (f *Fleet[M]) fail(name string, err error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.logger.Error("sensor failed", "sensor", name, "error", err)
	f.failed[name] = err
	f.err = multierr.Append(f.err, err)
}

// abort stops the tasks started so far and waits for them.
func (f *Fleet[M]) abort(err error) error {
	f.logger.Error("fleet start aborted", "error", err)
	f.cancel()
	_ = f.pool.Wait()
	return err
}

func (f *Fleet[M]) Arbiter() *tof.Arbiter {
	return f.arbiter
}

// Sensors returns the running sensors in start order.
func (f *Fleet[M]) Sensors() []*continuous.Sensor[M] {
	f.mx.Lock()
	defer f.mx.Unlock()
	return append([]*continuous.Sensor[M](nil), f.sensors...)
}

func (f *Fleet[M]) Sensor(name string) (*continuous.Sensor[M], bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	for _, s := range f.sensors {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

// Failed maps the names of isolated sensors to their errors.
func (f *Fleet[M]) Failed() map[string]error {
	f.mx.Lock()
	defer f.mx.Unlock()
	res := make(map[string]error, len(f.failed))
	for k, v := range f.failed {
		res[k] = v
	}
	return res
}

// Err combines the errors of all isolated sensors.
func (f *Fleet[M]) Err() error {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.err
}

// Stop cancels every task. Use Wait to block until they are done.
func (f *Fleet[M]) Stop() {
	f.cancel()
}

func (f *Fleet[M]) Wait() error {
	return f.pool.Wait()
}
