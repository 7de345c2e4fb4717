package gpio

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/tof"
)

var (
	_ tof.OutputPin  = &PeriphOutput{}
	_ tof.EdgeWaiter = &PeriphInterrupt{}
)

// ByName initializes the host drivers and looks the pin up in the registry
// (e.g. "GPIO17" or "11" on a Raspberry Pi).
func ByName(name string) (gpio.PinIO, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no gpio pin named %q", name)
	}
	return p, nil
}

// PeriphOutput is a host gpio used as a select line.
type PeriphOutput struct {
	pin gpio.PinOut
}

func NewPeriphOutput(pin gpio.PinOut) *PeriphOutput {
	return &PeriphOutput{pin: pin}
}

func (o *PeriphOutput) Set(ctx context.Context, level tof.Level) error {
	if err := o.pin.Out(gpio.Level(level)); err != nil {
		return fmt.Errorf("could not set %s %s: %w", o.pin, level, err)
	}
	return nil
}

type InterruptOpts struct {
	Slice    time.Duration
	Fallback time.Duration
}

type InterruptOpt func(*InterruptOpts)

// WithWaitSlice bounds each blocking edge wait so that ctx is checked in between.
func WithWaitSlice(d time.Duration) InterruptOpt {
	return func(o *InterruptOpts) {
		o.Slice = d
	}
}

// WithFallback returns from WaitForEdge after d even when no edge came so
// that a missed edge only delays polling.
func WithFallback(d time.Duration) InterruptOpt {
	return func(o *InterruptOpts) {
		o.Fallback = d
	}
}

func newInterruptOpts(opts []InterruptOpt) InterruptOpts {
	config := InterruptOpts{Slice: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&config)
	}
	return config
}

// PeriphInterrupt waits for an edge of the shared active-low interrupt
// line. Both edges are armed: while one chip holds the line low the pulses
// of the others produce no falling edge, the release does.
type PeriphInterrupt struct {
	pin    gpio.PinIn
	config InterruptOpts
}

func NewPeriphInterrupt(pin gpio.PinIn, opts ...InterruptOpt) (*PeriphInterrupt, error) {
	if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("could not configure %s as interrupt input: %w", pin, err)
	}
	return &PeriphInterrupt{pin: pin, config: newInterruptOpts(opts)}, nil
}

func (i *PeriphInterrupt) WaitForEdge(ctx context.Context) error {
	var deadline time.Time
	if i.config.Fallback > 0 {
		deadline = time.Now().Add(i.config.Fallback)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i.pin.WaitForEdge(i.config.Slice) {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
	}
}

// Halt releases a goroutine blocked in the driver's edge wait.
func (i *PeriphInterrupt) Halt() error {
	return i.pin.Halt()
}
