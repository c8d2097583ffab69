// Package gpio provides reset and data-ready lines for sensors: host pins
// through periph or gobot, and MCP23017 expander pins.
package gpio

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"

	"github.com/mklimuk/tof"
)

// edgePoll bounds how long a periph edge wait runs before the context is
// checked again.
const edgePoll = 50 * time.Millisecond

var _ tof.OutputPin = &PeriphOutput{}
var _ tof.EdgeInput = &PeriphEdgeInput{}

type PeriphOutput struct {
	pin gpio.PinOut
}

// OpenOutput looks a pin up by name ("GPIO17", "PA6"). host.Init must have
// been called.
func OpenOutput(name string) (*PeriphOutput, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin %s", name)
	}
	return &PeriphOutput{pin: p}, nil
}

func NewPeriphOutput(pin gpio.PinOut) *PeriphOutput {
	return &PeriphOutput{pin: pin}
}

func (o *PeriphOutput) Out(ctx context.Context, level tof.Level) error {
	if err := o.pin.Out(gpio.Level(level)); err != nil {
		return fmt.Errorf("could not drive %s %s: %w", o.pin, level, err)
	}
	return nil
}

func (o *PeriphOutput) String() string {
	return o.pin.String()
}

// PeriphEdgeInput waits for falling edges, which is how the sensors signal
// a new sample.
type PeriphEdgeInput struct {
	pin gpio.PinIn
}

// OpenEdgeInput looks a pin up by name and arms falling edge detection with
// a pull-up.
func OpenEdgeInput(name string) (*PeriphEdgeInput, error) {
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin %s", name)
	}
	return NewPeriphEdgeInput(p)
}

func NewPeriphEdgeInput(pin gpio.PinIn) (*PeriphEdgeInput, error) {
	if err := pin.In(gpio.PullUp, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("could not set up edge detection on %s: %w", pin, err)
	}
	return &PeriphEdgeInput{pin: pin}, nil
}

func (e *PeriphEdgeInput) WaitForEdge(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.pin.WaitForEdge(edgePoll) {
			return nil
		}
	}
}

func (e *PeriphEdgeInput) String() string {
	return e.pin.String()
}
