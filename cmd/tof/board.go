package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/adapter"
	"github.com/mklimuk/tof/config"
	"github.com/mklimuk/tof/gpio"
	"github.com/mklimuk/tof/i2c"
	"github.com/mklimuk/tof/transport"
)

// board is the hardware described by a config: the shared bus, one select
// line per sensor and the interrupt line.
type board struct {
	bus     tof.I2CTxBus
	lines   []tof.OutputPin
	irq     tof.EdgeWaiter
	closers []func() error
}

func (b *board) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			slog.Warn("could not release board", "error", err)
		}
	}
}

func transportOpts(cfg config.Config) []transport.Opt {
	opts := []transport.Opt{}
	if cfg.Bus.TxDelay > 0 {
		opts = append(opts, transport.WithTxDelay(cfg.Bus.TxDelay))
	}
	return opts
}

func i2cOpts(cfg config.Config) []i2c.Opt {
	opts := []i2c.Opt{}
	if cfg.Bus.MaxTransfer > 0 {
		opts = append(opts, i2c.WithMaxTransfer(cfg.Bus.MaxTransfer))
	}
	return opts
}

func openBoard(ctx context.Context, cfg config.Config) (*board, error) {
	b := &board{}
	var pins func(name string) (tof.OutputPin, error)
	switch cfg.Bus.Adapter {
	case config.AdapterMCP2221:
		a := adapter.NewMCP2221()
		if cfg.Bus.SpeedHz > 0 {
			if err := a.SetSpeed(ctx, cfg.Bus.SpeedHz); err != nil {
				return nil, err
			}
		}
		if err := a.EnableInterrupt(ctx); err != nil {
			return nil, err
		}
		b.bus = a
		b.irq = a.Interrupt(cfg.Interrupt.PollInterval)
		pins = func(name string) (tof.OutputPin, error) {
			n, err := strconv.Atoi(name)
			if err != nil || n < 0 || n >= adapter.GPIOCount {
				return nil, fmt.Errorf("invalid mcp2221 pin %q", name)
			}
			return a.Output(n), nil
		}
	case config.AdapterPeriph:
		opts := i2cOpts(cfg)
		if cfg.Bus.SpeedHz > 0 {
			opts = append(opts, i2c.WithSpeed(physic.Frequency(cfg.Bus.SpeedHz)*physic.Hertz))
		}
		bus, err := i2c.NewGenericBus(cfg.Bus.Device, opts...)
		if err != nil {
			return nil, err
		}
		b.bus = bus
		b.closers = append(b.closers, bus.Close)
		pin, err := gpio.ByName(cfg.Interrupt.Pin)
		if err != nil {
			b.Close()
			return nil, err
		}
		irq, err := gpio.NewPeriphInterrupt(pin, gpio.WithFallback(cfg.Interrupt.Fallback))
		if err != nil {
			b.Close()
			return nil, err
		}
		b.irq = irq
		b.closers = append(b.closers, irq.Halt)
		pins = func(name string) (tof.OutputPin, error) {
			p, err := gpio.ByName(name)
			if err != nil {
				return nil, err
			}
			return gpio.NewPeriphOutput(p), nil
		}
	case config.AdapterNanoPi:
		npi := nanopi.NewNeoAdaptor()
		if err := npi.Connect(); err != nil {
			return nil, fmt.Errorf("adaptor connect error: %w", err)
		}
		b.closers = append(b.closers, npi.Finalize)
		bus := i2c.NewGobotBus(npi, cfg.Bus.Number, i2cOpts(cfg)...)
		b.bus = bus
		b.closers = append(b.closers, bus.Close)
		b.irq = gpio.NewGobotInterrupt(npi, cfg.Interrupt.Pin, cfg.Interrupt.PollInterval, gpio.WithFallback(cfg.Interrupt.Fallback))
		pins = func(name string) (tof.OutputPin, error) {
			return gpio.NewGobotOutput(npi, name), nil
		}
	default:
		return nil, fmt.Errorf("unknown bus adapter %q", cfg.Bus.Adapter)
	}

	if cfg.Select.Kind == config.SelectMCP23017 {
		exp := gpio.NewMCP23017(b.bus, cfg.Select.Address, gpio.WithRetryLimit(3))
		if err := exp.InitOutputs(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("could not init select expander: %w", err)
		}
		pins = func(name string) (tof.OutputPin, error) {
			n, err := strconv.Atoi(name)
			if err != nil || n < 0 || n > 15 {
				return nil, fmt.Errorf("invalid mcp23017 pin %q", name)
			}
			return exp.Output(n), nil
		}
	}
	for _, s := range cfg.Sensors {
		p, err := pins(s.Select)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("sensor %s: %w", s.Name, err)
		}
		b.lines = append(b.lines, p)
	}
	return b, nil
}
