package tof

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// ResetHold is the minimum time a reset line must stay at each level.
const ResetHold = 10 * time.Millisecond

type Level bool

const (
	Low  Level = false
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// OutputPin drives a reset (XSHUT) line.
type OutputPin interface {
	Out(ctx context.Context, level Level) error
}

// EdgeInput is a data-ready line. WaitForEdge suspends the caller until the
// configured edge is seen or ctx is done.
type EdgeInput interface {
	WaitForEdge(ctx context.Context) error
}

// PulseReset drives the line low, waits hold, drives it high and waits hold
// again so the device can boot.
func PulseReset(ctx context.Context, clk clock.Clock, pin OutputPin, hold time.Duration) error {
	if pin == nil {
		return nil
	}
	if hold < ResetHold {
		hold = ResetHold
	}
	if err := pin.Out(ctx, Low); err != nil {
		return fmt.Errorf("could not pull reset line low: %w", err)
	}
	if err := Sleep(ctx, clk, hold); err != nil {
		return err
	}
	if err := pin.Out(ctx, High); err != nil {
		return fmt.Errorf("could not release reset line: %w", err)
	}
	return Sleep(ctx, clk, hold)
}

// Sleep waits for d on clk unless ctx is done first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
