// Package flock runs a group of ranging chips sharing one bus and one
// interrupt line.
//
// The chips pulse the shared line when they have a frame. The line does not
// tell which chip pulsed it and pulses auto-clear within about 100µs, so
// every wake-up polls all chips. Results are handed out one at a time in the
// order the poll found them. This ordering is approximate across chips since
// polling and time stamping take time, results of one chip are never
// reordered.
package flock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/vl53l5cx"
)

// Ranger is one chip in the ranging state.
type Ranger interface {
	IsReady(ctx context.Context) (bool, error)
	GetData(ctx context.Context) (*vl53l5cx.Results, error)
}

// Event is one frame of one chip.
type Event struct {
	Device       int
	Results      *vl53l5cx.Results
	TemperatureC int8
	Timestamp    time.Time
}

type Opts struct {
	Logger *slog.Logger
	Now    func() time.Time
}

type Opt func(*Opts)

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// WithClock sets the time source used to stamp events.
func WithClock(now func() time.Time) Opt {
	return func(o *Opts) {
		o.Now = now
	}
}

func newOpts(opts []Opt) Opts {
	config := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// Flock polls a group of rangers. It is not safe for concurrent use.
type Flock struct {
	rangers []Ranger
	irq     tof.EdgeWaiter
	config  Opts
	// pending holds at most one event per device.
	pending []Event
	queued  []bool
}

func New(rangers []Ranger, irq tof.EdgeWaiter, opts ...Opt) *Flock {
	return &Flock{
		rangers: rangers,
		irq:     irq,
		config:  newOpts(opts),
		pending: make([]Event, 0, len(rangers)),
		queued:  make([]bool, len(rangers)),
	}
}

func (f *Flock) Len() int {
	return len(f.rangers)
}

// Pending returns the number of events waiting to be handed out.
func (f *Flock) Pending() int {
	return len(f.pending)
}

// Next returns the next frame of any chip. It waits on the interrupt line
// for as long as no chip has data, bounded only by ctx.
func (f *Flock) Next(ctx context.Context) (Event, error) {
	for {
		if err := f.poll(ctx); err != nil {
			return Event{}, err
		}
		if len(f.pending) > 0 {
			ev := f.pending[0]
			n := copy(f.pending, f.pending[1:])
			f.pending = f.pending[:n]
			f.queued[ev.Device] = false
			return ev, nil
		}
		if err := f.irq.WaitForEdge(ctx); err != nil {
			return Event{}, fmt.Errorf("flock: wait for interrupt: %w", err)
		}
	}
}

// poll queues a frame for every ready chip without one pending.
func (f *Flock) poll(ctx context.Context) error {
	for i, r := range f.rangers {
		if f.queued[i] {
			continue
		}
		ready, err := r.IsReady(ctx)
		if err != nil {
			return &DeviceError{Device: i, Err: err}
		}
		if !ready {
			continue
		}
		ts := f.config.Now()
		res, err := r.GetData(ctx)
		if errors.Is(err, vl53l5cx.ErrFrameDiscarded) {
			continue
		}
		if err != nil {
			return &DeviceError{Device: i, Err: err}
		}
		f.pending = append(f.pending, Event{
			Device:       i,
			Results:      res,
			TemperatureC: res.TemperatureC,
			Timestamp:    ts,
		})
		f.queued[i] = true
	}
	return nil
}

// DeviceError ends the session of one chip of the flock.
type DeviceError struct {
	Device int
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("flock: device %d: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}
