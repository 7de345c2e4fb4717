package gpio

import (
	"context"
	"fmt"
	"time"

	ggpio "gobot.io/x/gobot/v2/drivers/gpio"

	"github.com/mklimuk/tof"
)

var (
	_ tof.OutputPin  = &GobotOutput{}
	_ tof.EdgeWaiter = &GobotInterrupt{}
)

// GobotOutput drives a board pin (e.g. "7" on a NanoPi header) through a
// gobot adaptor.
type GobotOutput struct {
	writer ggpio.DigitalWriter
	pin    string
}

func NewGobotOutput(writer ggpio.DigitalWriter, pin string) *GobotOutput {
	return &GobotOutput{writer: writer, pin: pin}
}

func (o *GobotOutput) Set(ctx context.Context, level tof.Level) error {
	var val byte
	if level {
		val = 1
	}
	if err := o.writer.DigitalWrite(o.pin, val); err != nil {
		return fmt.Errorf("could not set pin %s %s: %w", o.pin, level, err)
	}
	return nil
}

// GobotInterrupt polls an active-low interrupt pin every interval. The
// adaptors expose no edge events so a low level counts as the edge.
type GobotInterrupt struct {
	reader   ggpio.DigitalReader
	pin      string
	interval time.Duration
	fallback time.Duration
}

func NewGobotInterrupt(reader ggpio.DigitalReader, pin string, interval time.Duration, opts ...InterruptOpt) *GobotInterrupt {
	config := newInterruptOpts(opts)
	return &GobotInterrupt{
		reader:   reader,
		pin:      pin,
		interval: interval,
		fallback: config.Fallback,
	}
}

func (i *GobotInterrupt) WaitForEdge(ctx context.Context) error {
	var timeout <-chan time.Time
	if i.fallback > 0 {
		t := time.NewTimer(i.fallback)
		defer t.Stop()
		timeout = t.C
	}
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		val, err := i.reader.DigitalRead(i.pin)
		if err != nil {
			return fmt.Errorf("could not read interrupt pin %s: %w", i.pin, err)
		}
		if val == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return nil
		case <-ticker.C:
		}
	}
}
