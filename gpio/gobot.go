package gpio

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/tof"
)

// DefaultLevelPoll is how often a gobot input is sampled.
const DefaultLevelPoll = 2 * time.Millisecond

var _ tof.OutputPin = &GobotOutput{}
var _ tof.EdgeInput = &GobotLevelInput{}

// GobotOutput drives a header pin of a gobot adaptor ("7", "PA6").
type GobotOutput struct {
	w   gpio.DigitalWriter
	pin string
}

func NewGobotOutput(w gpio.DigitalWriter, pin string) *GobotOutput {
	return &GobotOutput{w: w, pin: pin}
}

func (o *GobotOutput) Out(ctx context.Context, level tof.Level) error {
	var v byte
	if level == tof.High {
		v = 1
	}
	if err := o.w.DigitalWrite(o.pin, v); err != nil {
		return fmt.Errorf("could not drive pin %s %s: %w", o.pin, level, err)
	}
	return nil
}

func (o *GobotOutput) String() string {
	return "gobot:" + o.pin
}

// GobotLevelInput samples an active-low interrupt line. The sensors hold
// the line low until the interrupt is cleared, so seeing the level is
// enough and no edge can be missed between samples.
type GobotLevelInput struct {
	r        gpio.DigitalReader
	pin      string
	interval time.Duration
	clock    clock.Clock
}

func NewGobotLevelInput(r gpio.DigitalReader, pin string, interval time.Duration, clk clock.Clock) *GobotLevelInput {
	if interval <= 0 {
		interval = DefaultLevelPoll
	}
	if clk == nil {
		clk = clock.New()
	}
	return &GobotLevelInput{r: r, pin: pin, interval: interval, clock: clk}
}

func (i *GobotLevelInput) WaitForEdge(ctx context.Context) error {
	for {
		v, err := i.r.DigitalRead(i.pin)
		if err != nil {
			return fmt.Errorf("could not read pin %s: %w", i.pin, err)
		}
		if v == 0 {
			return nil
		}
		if err := tof.Sleep(ctx, i.clock, i.interval); err != nil {
			return err
		}
	}
}

func (i *GobotLevelInput) String() string {
	return "gobot:" + i.pin
}
