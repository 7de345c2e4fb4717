package i2c

import (
	"context"
	"fmt"
	"io"
	"sync"

	gi2c "gobot.io/x/gobot/v2/drivers/i2c"

	"github.com/mklimuk/tof"
)

var (
	_ tof.I2CTxBus        = &GobotBus{}
	_ tof.TransferLimiter = &GobotBus{}
)

// GobotBus runs the chips through a gobot adaptor (e.g. nanopi.NewNeoAdaptor).
// The offset write and the data read of TxToAddr are two transactions with a
// stop in between. The chips keep the offset across the stop. Gobot only
// offers repeated start reads for 8-bit registers (ReadBlockData), which
// cannot carry the 16-bit offset. Use the periph bus where a single combined
// transaction is required.
type GobotBus struct {
	mx      sync.Mutex
	adaptor gi2c.Connector
	busNr   int
	max     int
	conns   map[byte]gi2c.Connection
}

// NewGobotBus uses bus busNr of the adaptor. Only WithMaxTransfer applies.
func NewGobotBus(adaptor gi2c.Connector, busNr int, opts ...Opt) *GobotBus {
	config := newOpts(opts)
	return &GobotBus{
		adaptor: adaptor,
		busNr:   busNr,
		max:     config.MaxTransfer,
		conns:   map[byte]gi2c.Connection{},
	}
}

func (b *GobotBus) MaxTransfer() (read int, write int) {
	return b.max, b.max
}

func (b *GobotBus) conn(address byte) (gi2c.Connection, error) {
	if c, ok := b.conns[address]; ok {
		return c, nil
	}
	c, err := b.adaptor.GetI2cConnection(int(address), b.busNr)
	if err != nil {
		return nil, fmt.Errorf("could not open i2c connection to %x on bus %d: %w", address, b.busNr, err)
	}
	b.conns[address] = c
	return c, nil
}

func (b *GobotBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	return read(c, address, buffer)
}

func (b *GobotBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	return write(c, address, buffer)
}

func (b *GobotBus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, err := b.conn(address)
	if err != nil {
		return err
	}
	if err := write(c, address, w); err != nil {
		return err
	}
	return read(c, address, r)
}

func read(r io.Reader, address byte, buffer []byte) error {
	n, err := r.Read(buffer)
	if err != nil {
		return fmt.Errorf("could not read from i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short read from i2c bus %x: %d of %d bytes", address, n, len(buffer))
	}
	return nil
}

func write(w io.Writer, address byte, buffer []byte) error {
	n, err := w.Write(buffer)
	if err != nil {
		return fmt.Errorf("could not write to i2c bus %x: %w", address, err)
	}
	if n != len(buffer) {
		return fmt.Errorf("short write to i2c bus %x: %d of %d bytes", address, n, len(buffer))
	}
	return nil
}

func (b *GobotBus) Release(ctx context.Context) error {
	return nil
}

// Close closes every connection opened so far.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	var first error
	for addr, c := range b.conns {
		if err := c.Close(); err != nil && first == nil {
			first = fmt.Errorf("could not close i2c connection to %x: %w", addr, err)
		}
		delete(b.conns, addr)
	}
	return first
}
