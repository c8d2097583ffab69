package continuous

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/tof"
)

// Stats is a snapshot of a task's counters.
type Stats struct {
	State           State
	Reads           uint64
	Delivered       uint64
	Invalid         uint64
	ReadErrors      uint64
	RearmErrors     uint64
	WaitErrors      uint64
	Restarts        uint64
	RestartFailures uint64
	Probes          uint64
}

type counters struct {
	reads           atomic.Uint64
	delivered       atomic.Uint64
	invalid         atomic.Uint64
	readErrors      atomic.Uint64
	rearmErrors     atomic.Uint64
	waitErrors      atomic.Uint64
	restarts        atomic.Uint64
	restartFailures atomic.Uint64
	probes          atomic.Uint64
}

// task owns one device for its whole life. Every device call happens on the
// task goroutine so operations on one device never interleave.
type task[M any] struct {
	dev     Device[M]
	ready   tof.EdgeInput
	valid   func(M) bool
	record  func(M)
	deliver func(M)

	opts  Options
	clock clock.Clock
	log   *slog.Logger

	state atomic.Int32
	counters
}

func (t *task[M]) State() State {
	return State(t.state.Load())
}

func (t *task[M]) stats() Stats {
	return Stats{
		State:           t.State(),
		Reads:           t.reads.Load(),
		Delivered:       t.delivered.Load(),
		Invalid:         t.invalid.Load(),
		ReadErrors:      t.readErrors.Load(),
		RearmErrors:     t.rearmErrors.Load(),
		WaitErrors:      t.waitErrors.Load(),
		Restarts:        t.restarts.Load(),
		RestartFailures: t.restartFailures.Load(),
		Probes:          t.probes.Load(),
	}
}

// run loops until ctx is cancelled. Device faults never end it.
func (t *task[M]) run(ctx context.Context) error {
	mode := "edge"
	if t.ready == nil {
		mode = "poll"
	}
	t.log.Info("continuous measurement started", "ready", mode)
	defer t.shutdown(ctx)
	for ctx.Err() == nil {
		if t.State() == StateRecovering {
			ready := t.awaitRecovered(ctx)
			if ctx.Err() != nil {
				break
			}
			t.setState(StateNormal)
			if !ready {
				// restarted; wait for the first measurement as usual
				continue
			}
		} else if err := t.awaitData(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			t.waitErrors.Add(1)
			t.log.Warn("waiting for data failed", "error", err)
			t.recover(ctx)
			continue
		}
		t.cycle(ctx)
	}
	return nil
}

// cycle reads one measurement and rearms the device.
func (t *task[M]) cycle(ctx context.Context) {
	m, err := t.dev.Read(ctx)
	if errors.Is(err, tof.ErrNotReady) {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		t.readErrors.Add(1)
		t.log.Warn("could not read measurement", "error", err)
		t.recover(ctx)
		return
	}
	t.reads.Add(1)
	t.record(m)
	if t.valid(m) {
		t.delivered.Add(1)
		t.deliver(m)
	} else {
		t.invalid.Add(1)
		t.log.Debug("measurement not forwarded", "measurement", m)
	}
	if err := t.dev.Rearm(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		t.rearmErrors.Add(1)
		t.log.Warn("could not rearm device", "error", err)
		t.recover(ctx)
	}
}

// recover restarts the device. When the restart fails the task backs off and
// switches to probing.
func (t *task[M]) recover(ctx context.Context) {
	if t.restart(ctx) || ctx.Err() != nil {
		return
	}
	t.setState(StateRecovering)
	t.log.Warn("recovery failed, probing device", "backoff", t.opts.Backoff.FailureBackoff)
	_ = tof.Sleep(ctx, t.clock, t.opts.Backoff.FailureBackoff)
}

// restart is stop, pause, start. Only the outcome of start counts.
func (t *task[M]) restart(ctx context.Context) bool {
	t.restarts.Add(1)
	t.log.Info("attempting device recovery")
	if err := t.dev.Stop(ctx); err != nil {
		t.log.Debug("stop failed during recovery", "error", err)
	}
	if tof.Sleep(ctx, t.clock, t.opts.Backoff.RestartDelay) != nil {
		return false
	}
	if err := t.dev.Start(ctx); err != nil {
		t.restartFailures.Add(1)
		t.log.Error("could not restart device", "error", err)
		return false
	}
	t.log.Info("device recovered")
	return true
}

// awaitRecovered probes the device until it reports data and retries the
// restart every RetryInterval. It returns true when data is ready and false
// after a successful restart or when ctx is done.
func (t *task[M]) awaitRecovered(ctx context.Context) bool {
	retry := t.clock.Now().Add(t.opts.Backoff.RetryInterval)
	for {
		ok, err := t.dev.DataReady(ctx)
		if ctx.Err() != nil {
			return false
		}
		if err == nil && ok {
			t.log.Info("device responding again", "probes", t.probes.Load())
			return true
		}
		t.probes.Add(1)
		if err != nil {
			t.log.Warn("device probe failed, retrying", "error", err)
		} else {
			t.log.Debug("device not ready, retrying")
		}
		if t.opts.Backoff.RetryInterval > 0 && !t.clock.Now().Before(retry) {
			if t.restart(ctx) || ctx.Err() != nil {
				return false
			}
			retry = t.clock.Now().Add(t.opts.Backoff.RetryInterval)
		}
		if tof.Sleep(ctx, t.clock, t.opts.Backoff.ProbeInterval) != nil {
			return false
		}
	}
}

// awaitData suspends until the device signals a new measurement.
func (t *task[M]) awaitData(ctx context.Context) error {
	t.setState(StateAwaitingDataReady)
	defer func() {
		if t.State() == StateAwaitingDataReady {
			t.setState(StateNormal)
		}
	}()
	if t.ready == nil {
		return t.poll(ctx)
	}
	for {
		err := t.waitEdge(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// no edge in time; the line may have been missed while latched
		ok, err := t.dev.DataReady(ctx)
		if err != nil {
			return err
		}
		if ok {
			t.log.Debug("data ready without edge")
			return nil
		}
	}
}

func (t *task[M]) waitEdge(ctx context.Context) error {
	if t.opts.Backoff.EdgeTimeout <= 0 {
		return t.ready.WaitForEdge(ctx)
	}
	wctx, cancel := t.clock.WithTimeout(ctx, t.opts.Backoff.EdgeTimeout)
	defer cancel()
	return t.ready.WaitForEdge(wctx)
}

func (t *task[M]) poll(ctx context.Context) error {
	for {
		ok, err := t.dev.DataReady(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := tof.Sleep(ctx, t.clock, t.opts.Backoff.PollInterval); err != nil {
			return err
		}
	}
}

func (t *task[M]) setState(to State) {
	from := State(t.state.Swap(int32(to)))
	if from == to {
		return
	}
	if from == StateRecovering || to == StateRecovering {
		t.log.Info("recovery state changed", "from", from, "to", to)
	}
	if t.opts.OnTransition != nil {
		t.opts.OnTransition(from, to)
	}
}

func (t *task[M]) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.opts.StopTimeout)
	defer cancel()
	if err := t.dev.Stop(sctx); err != nil {
		t.log.Warn("could not stop device", "error", err)
	}
	t.log.Info("continuous measurement stopped", "stats", t.stats())
}
