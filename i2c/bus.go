package i2c

import (
	"context"
	"fmt"
	"log/slog"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/mklimuk/tof"
)

var (
	_ tof.I2CTxBus        = &GenericBus{}
	_ tof.TransferLimiter = &GenericBus{}
)

// DefaultMaxTransfer is the largest message the Linux i2c-dev driver accepts.
const DefaultMaxTransfer = 8192

type Opts struct {
	Speed       physic.Frequency
	MaxTransfer int
	Logger      *slog.Logger
}

type Opt func(*Opts)

// WithSpeed sets the bus clock, the chips accept up to 1MHz.
func WithSpeed(f physic.Frequency) Opt {
	return func(o *Opts) {
		o.Speed = f
	}
}

// WithMaxTransfer bounds the bytes carried by one message, offset included.
func WithMaxTransfer(n int) Opt {
	return func(o *Opts) {
		o.MaxTransfer = n
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

func newOpts(opts []Opt) Opts {
	config := Opts{MaxTransfer: DefaultMaxTransfer}
	for _, opt := range opts {
		opt(&config)
	}
	if config.MaxTransfer <= 0 {
		config.MaxTransfer = DefaultMaxTransfer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return config
}

// GenericBus is a host I2C bus (e.g. /dev/i2c-1) driven through periph.io.
type GenericBus struct {
	bus i2c.BusCloser
	max int
	log *slog.Logger
}

// NewGenericBus opens the named bus, "" meaning the first one available.
func NewGenericBus(dev string, opts ...Opt) (*GenericBus, error) {
	config := newOpts(opts)
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		config.Logger.Debug("host driver loaded", "driver", driver.String())
	}
	bus, err := i2creg.Open(dev)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c bus: %w", err)
	}
	b, err := Wrap(bus, opts...)
	if err != nil {
		_ = bus.Close()
		return nil, err
	}
	return b, nil
}

// Wrap uses an already open periph bus.
func Wrap(bus i2c.BusCloser, opts ...Opt) (*GenericBus, error) {
	config := newOpts(opts)
	if config.Speed != 0 {
		if err := bus.SetSpeed(config.Speed); err != nil {
			return nil, fmt.Errorf("could not set i2c speed to %s: %w", config.Speed, err)
		}
	}
	config.Logger.Debug("i2c bus ready", "bus", bus.String(), "speed", config.Speed.String(), "max transfer", config.MaxTransfer)
	return &GenericBus{bus: bus, max: config.MaxTransfer, log: config.Logger}, nil
}

func (b *GenericBus) MaxTransfer() (read int, write int) {
	return b.max, b.max
}

func (b *GenericBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), nil, buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	err := b.bus.Tx(uint16(address), buffer, nil)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	return nil
}

// TxToAddr writes w then reads r with a repeated start in between.
func (b *GenericBus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	err := b.bus.Tx(uint16(address), w, r)
	if err != nil {
		return fmt.Errorf("could not transfer on i2c bus %x: %w", address, err)
	}
	return nil
}

func (b *GenericBus) Release(ctx context.Context) error {
	return nil
}

func (b *GenericBus) Close() error {
	return b.bus.Close()
}
