// Package continuous runs devices in continuous measurement mode and keeps
// them running through bus and device faults.
package continuous

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Device is the narrow protocol the measurement task drives.
type Device[M any] interface {
	// Start puts the device into continuous ranging.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Read fetches the measurement signalled by the last data-ready event.
	Read(ctx context.Context) (M, error)
	// Rearm clears the data-ready condition so the next one can fire.
	Rearm(ctx context.Context) error
	// DataReady reports whether a new measurement is waiting.
	DataReady(ctx context.Context) (bool, error)
}

type State int32

const (
	StateNormal State = iota
	StateAwaitingDataReady
	StateRecovering
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateAwaitingDataReady:
		return "awaiting-data-ready"
	case StateRecovering:
		return "recovering"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type Backoff struct {
	// RestartDelay separates stop and start during recovery.
	RestartDelay time.Duration `yaml:"restart_delay"`
	// FailureBackoff is slept after a recovery attempt fails.
	FailureBackoff time.Duration `yaml:"failure_backoff"`
	// ProbeInterval separates readiness probes while recovering.
	ProbeInterval time.Duration `yaml:"probe_interval"`
	// PollInterval separates readiness probes of devices without a
	// data-ready line.
	PollInterval time.Duration `yaml:"poll_interval"`
	// EdgeTimeout is how long to wait for an edge before asking the device
	// directly. Zero or negative waits forever.
	EdgeTimeout time.Duration `yaml:"edge_timeout"`
	// RetryInterval is how long a recovering device is probed before the
	// task tries another restart. Negative keeps probing without restarts.
	RetryInterval time.Duration `yaml:"retry_interval"`
}

var DefaultBackoff = Backoff{
	RestartDelay:   100 * time.Millisecond,
	FailureBackoff: 500 * time.Millisecond,
	ProbeInterval:  10 * time.Millisecond,
	PollInterval:   5 * time.Millisecond,
	EdgeTimeout:    time.Second,
	RetryInterval:  time.Second,
}

type Options struct {
	Logger       *slog.Logger
	Clock        clock.Clock
	Backoff      Backoff
	OnTransition func(from, to State)
	StopTimeout  time.Duration
}

type Option func(*Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

// WithBackoff overrides the non-zero fields of b.
func WithBackoff(b Backoff) Option {
	return func(o *Options) {
		if b.RestartDelay > 0 {
			o.Backoff.RestartDelay = b.RestartDelay
		}
		if b.FailureBackoff > 0 {
			o.Backoff.FailureBackoff = b.FailureBackoff
		}
		if b.ProbeInterval > 0 {
			o.Backoff.ProbeInterval = b.ProbeInterval
		}
		if b.PollInterval > 0 {
			o.Backoff.PollInterval = b.PollInterval
		}
		if b.EdgeTimeout != 0 {
			o.Backoff.EdgeTimeout = b.EdgeTimeout
		}
		if b.RetryInterval != 0 {
			o.Backoff.RetryInterval = b.RetryInterval
		}
	}
}

// WithTransitionHook registers fn to be called on every state change, from
// the task goroutine.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(o *Options) {
		o.OnTransition = fn
	}
}

// NewOptions resolves opts over the defaults.
func NewOptions(opts ...Option) Options {
	o := Options{
		Logger:      slog.Default(),
		Clock:       clock.New(),
		Backoff:     DefaultBackoff,
		StopTimeout: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	// negative edge timeout disables the fallback probe
	if o.Backoff.EdgeTimeout < 0 {
		o.Backoff.EdgeTimeout = 0
	}
	return o
}
