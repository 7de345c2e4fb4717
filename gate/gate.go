// Package gate makes exactly one chip of a group reachable on a shared bus
// at a time by driving one select line per chip.
//
// Chips of a group usually share the factory default address until they
// have been given their own, so setup operations go through WithEach or
// ZipWithEach which raise one line, run the operation and lower the line
// again before moving to the next chip.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mklimuk/tof"
)

var (
	ErrConsumed       = errors.New("gate: keeper consumed by a transition")
	ErrLengthMismatch = errors.New("gate: lines and devices count differ")
)

type Opts struct {
	Logger *slog.Logger
}

type Opt func(*Opts)

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Keeper pairs select lines with one device value each.
type Keeper[D any] struct {
	lines    []tof.OutputPin
	devices  []D
	consumed bool
	log      *slog.Logger
}

// New lowers every line and returns a keeper over devices. lines[i]
// selects devices[i].
func New[D any](ctx context.Context, lines []tof.OutputPin, devices []D, opts ...Opt) (*Keeper[D], error) {
	if len(lines) != len(devices) {
		return nil, fmt.Errorf("%w: %d lines, %d devices", ErrLengthMismatch, len(lines), len(devices))
	}
	config := Opts{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	k := &Keeper[D]{lines: lines, devices: devices, log: config.Logger}
	if err := k.setAll(ctx, tof.Low); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *Keeper[D]) Len() int {
	return len(k.lines)
}

// Lines returns the select lines in device order.
func (k *Keeper[D]) Lines() []tof.OutputPin {
	return k.lines
}

// Devices returns the device values. They must not be used for bus access
// outside of the keeper while several of them share an address.
func (k *Keeper[D]) Devices() []D {
	return k.devices
}

// OpenAll raises every line, making the whole group reachable. Only safe
// once every device answers on its own address.
func (k *Keeper[D]) OpenAll(ctx context.Context) error {
	if k.consumed {
		return ErrConsumed
	}
	return k.setAll(ctx, tof.High)
}

// CloseAll lowers every line.
func (k *Keeper[D]) CloseAll(ctx context.Context) error {
	if k.consumed {
		return ErrConsumed
	}
	return k.setAll(ctx, tof.Low)
}

func (k *Keeper[D]) setAll(ctx context.Context, level tof.Level) error {
	for i, line := range k.lines {
		if err := line.Set(ctx, level); err != nil {
			return &Error{Index: i, Err: fmt.Errorf("set line %s: %w", level, err)}
		}
	}
	return nil
}

// run selects device i alone for the duration of f.
func (k *Keeper[D]) run(ctx context.Context, i int, f func() error) error {
	if err := k.lines[i].Set(ctx, tof.High); err != nil {
		return &Error{Index: i, Err: fmt.Errorf("raise line: %w", err)}
	}
	k.log.Debug("device selected", "index", i)
	ferr := f()
	if err := k.lines[i].Set(ctx, tof.Low); err != nil && ferr == nil {
		return &Error{Index: i, Err: fmt.Errorf("lower line: %w", err)}
	}
	if ferr != nil {
		return &Error{Index: i, Err: ferr}
	}
	return nil
}

// WithEach calls f for every device in index order, the device being the
// only one selected during the call. The first failure stops the iteration
// and is returned as an *Error, results of the other devices are dropped.
func WithEach[D, X any](ctx context.Context, k *Keeper[D], f func(ctx context.Context, i int, dev D) (X, error)) ([]X, error) {
	if k.consumed {
		return nil, ErrConsumed
	}
	if err := k.setAll(ctx, tof.Low); err != nil {
		return nil, err
	}
	out := make([]X, len(k.devices))
	for i, dev := range k.devices {
		err := k.run(ctx, i, func() error {
			x, err := f(ctx, i, dev)
			out[i] = x
			return err
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Sweep calls f for every device in index order like WithEach but does
// not stop at a failure. Every failure is returned as an *Error, joined.
func Sweep[D any](ctx context.Context, k *Keeper[D], f func(ctx context.Context, i int, dev D) error) error {
	if k.consumed {
		return ErrConsumed
	}
	var errs []error
	for i, line := range k.lines {
		if err := line.Set(ctx, tof.Low); err != nil {
			errs = append(errs, &Error{Index: i, Err: fmt.Errorf("lower line: %w", err)})
		}
	}
	for i, dev := range k.devices {
		if err := k.run(ctx, i, func() error { return f(ctx, i, dev) }); err != nil {
			k.log.Warn("device failed", "index", i, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ZipWithEach is WithEach with one extra input per device.
func ZipWithEach[D, I, X any](ctx context.Context, k *Keeper[D], in []I, f func(ctx context.Context, i int, dev D, in I) (X, error)) ([]X, error) {
	if len(in) != k.Len() {
		return nil, fmt.Errorf("%w: %d inputs for %d devices", ErrLengthMismatch, len(in), k.Len())
	}
	return WithEach(ctx, k, func(ctx context.Context, i int, dev D) (X, error) {
		return f(ctx, i, dev, in[i])
	})
}

// Transition moves the group to new device values through WithEach and
// returns a keeper over them on the same lines. k is consumed on success
// and left usable on failure.
func Transition[D, E any](ctx context.Context, k *Keeper[D], f func(ctx context.Context, i int, dev D) (E, error)) (*Keeper[E], error) {
	next, err := WithEach(ctx, k, f)
	if err != nil {
		return nil, err
	}
	k.consumed = true
	return &Keeper[E]{lines: k.lines, devices: next, log: k.log}, nil
}

// Error reports the first device of the group an operation failed on.
type Error struct {
	Index int
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gate: device %d: %v", e.Index, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
