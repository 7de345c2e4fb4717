package flock

import (
	"context"
	"errors"
	"fmt"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/gate"
	"github.com/mklimuk/tof/transport"
	"github.com/mklimuk/tof/vl53l5cx"
)

// Session is a flock of VL53L5CX chips ranging on their own addresses.
type Session struct {
	keeper *gate.Keeper[*vl53l5cx.Ranging]
	irq    tof.EdgeWaiter
	flock  *Flock
	config Opts
}

// Start starts ranging on every idle device of k with configs[i], then
// selects the whole group. k is consumed. If a device fails to start, the
// ones already ranging are stopped again.
func Start(ctx context.Context, k *gate.Keeper[*vl53l5cx.Device], irq tof.EdgeWaiter, configs []vl53l5cx.RangingConfig, opts ...Opt) (*Session, error) {
	if len(configs) != k.Len() {
		return nil, fmt.Errorf("flock: start: %d configs for %d devices", len(configs), k.Len())
	}
	config := newOpts(opts)
	started := make([]*vl53l5cx.Ranging, k.Len())
	keeper, err := gate.Transition(ctx, k, func(ctx context.Context, i int, dev *vl53l5cx.Device) (*vl53l5cx.Ranging, error) {
		r, err := dev.StartRanging(ctx, configs[i])
		started[i] = r
		return r, err
	})
	if err != nil {
		// k is still usable after a failed transition
		serr := gate.Sweep(ctx, k, func(ctx context.Context, i int, dev *vl53l5cx.Device) error {
			if started[i] == nil {
				return nil
			}
			_, err := started[i].Stop(ctx)
			return err
		})
		if serr != nil {
			config.Logger.Error("could not stop ranging", "error", serr)
		}
		return nil, fmt.Errorf("flock: start: %w", err)
	}
	if err := keeper.OpenAll(ctx); err != nil {
		if serr := stopAll(ctx, keeper); serr != nil {
			config.Logger.Error("could not stop ranging", "error", serr)
		}
		return nil, fmt.Errorf("flock: start: %w", err)
	}
	rangers := make([]Ranger, keeper.Len())
	for i, r := range keeper.Devices() {
		rangers[i] = r
	}
	config.Logger.Info("flock ranging", "devices", keeper.Len())
	return &Session{
		keeper: keeper,
		irq:    irq,
		flock:  New(rangers, irq, opts...),
		config: config,
	}, nil
}

// Next returns the next frame of any chip of the session.
func (s *Session) Next(ctx context.Context) (Event, error) {
	return s.flock.Next(ctx)
}

// Rangings returns the ranging sessions in device order.
func (s *Session) Rangings() []*vl53l5cx.Ranging {
	return s.keeper.Devices()
}

// Stop stops every chip through the gate and hands back the idle devices
// and the interrupt line. When a chip fails to stop the remaining ones are
// still stopped and the failures are returned, the session keeps the chips
// that are still ranging and Stop may be retried.
func (s *Session) Stop(ctx context.Context) (*gate.Keeper[*vl53l5cx.Device], tof.EdgeWaiter, error) {
	k, err := gate.Transition(ctx, s.keeper, func(ctx context.Context, i int, r *vl53l5cx.Ranging) (*vl53l5cx.Device, error) {
		if r.Stopped() {
			return r.Device(), nil
		}
		return r.Stop(ctx)
	})
	if err != nil {
		if serr := stopAll(ctx, s.keeper); serr != nil {
			err = serr
		}
		return nil, nil, fmt.Errorf("flock: stop: %w", err)
	}
	s.config.Logger.Info("flock stopped", "devices", k.Len())
	return k, s.irq, nil
}

// Close stops every chip not stopped yet. It is meant to be deferred. A
// chip which cannot be stopped makes Close panic once the others are
// stopped.
func (s *Session) Close() {
	if err := stopAll(context.Background(), s.keeper); err != nil {
		if errors.Is(err, gate.ErrConsumed) {
			return
		}
		panic(err)
	}
}

// stopAll stops every ranging chip of k, going on past failures.
func stopAll(ctx context.Context, k *gate.Keeper[*vl53l5cx.Ranging]) error {
	return gate.Sweep(ctx, k, func(ctx context.Context, i int, r *vl53l5cx.Ranging) error {
		if r.Stopped() {
			return nil
		}
		_, err := r.Stop(ctx)
		return err
	})
}

var ErrDuplicateAddress = errors.New("flock: duplicate address")

type AssembleOpts struct {
	Transport []transport.Opt
	Device    []vl53l5cx.Opt
	Gate      []gate.Opt
}

// Assemble brings up the chips selected by lines, all answering on the
// factory address: one at a time each is pinged, initialised with fw and
// moved to addrs[i].
func Assemble(ctx context.Context, bus tof.I2CTxBus, lines []tof.OutputPin, fw vl53l5cx.Firmware, addrs []tof.Address, opts AssembleOpts) (*gate.Keeper[*vl53l5cx.Device], error) {
	if len(addrs) != len(lines) {
		return nil, fmt.Errorf("flock: assemble: %d addresses for %d lines", len(addrs), len(lines))
	}
	seen := map[tof.Address]bool{}
	for _, a := range addrs {
		if seen[a] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAddress, a)
		}
		seen[a] = true
	}
	devices := make([]*vl53l5cx.Device, len(lines))
	for i := range devices {
		trOpts := append([]transport.Opt{transport.WithAddress(tof.DefaultAddress)}, opts.Transport...)
		devices[i] = vl53l5cx.New(transport.New(bus, trOpts...), opts.Device...)
	}
	k, err := gate.New(ctx, lines, devices, opts.Gate...)
	if err != nil {
		return nil, fmt.Errorf("flock: assemble: %w", err)
	}
	_, err = gate.ZipWithEach(ctx, k, addrs, func(ctx context.Context, i int, dev *vl53l5cx.Device, addr tof.Address) (struct{}, error) {
		if err := dev.Ping(ctx); err != nil {
			return struct{}{}, err
		}
		if err := dev.Init(ctx, fw); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, dev.SetAddress(ctx, addr)
	})
	if err != nil {
		return nil, fmt.Errorf("flock: assemble: %w", err)
	}
	return k, nil
}
