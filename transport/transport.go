// Package transport moves bytes between a ToF chip driver and the I2C bus.
//
// Every transaction starts with the 16-bit big-endian register offset. Reads
// are issued as a combined write-offset/read transaction, writes carry the
// offset and the payload in a single transaction since the chip rejects the
// two being split. Transfers larger than the bus limits are chunked, each
// chunk re-sending its own offset. The chip needs a short idle gap after every
// transaction, which is enforced here.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/tof"
)

// DefaultTxDelay is the idle time observed after every bus transaction.
const DefaultTxDelay = 1300 * time.Microsecond

const offsetLen = 2

type Opts struct {
	TxDelay  time.Duration
	MaxRead  int
	MaxWrite int
	Address  tof.Address
	Logger   *slog.Logger
}

type Opt func(*Opts)

func WithTxDelay(delay time.Duration) Opt {
	return func(o *Opts) {
		o.TxDelay = delay
	}
}

// WithMaxRead bounds the number of data bytes read in one transaction.
func WithMaxRead(n int) Opt {
	return func(o *Opts) {
		o.MaxRead = n
	}
}

// WithMaxWrite bounds the number of bytes written in one transaction,
// including the two offset bytes.
func WithMaxWrite(n int) Opt {
	return func(o *Opts) {
		o.MaxWrite = n
	}
}

func WithAddress(addr tof.Address) Opt {
	return func(o *Opts) {
		o.Address = addr
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Transport binds one chip address to a shared bus.
type Transport struct {
	bus    tof.I2CTxBus
	config Opts
	buf    []byte
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a transport on the given bus. Limits advertised by the bus
// through tof.TransferLimiter are used unless overridden by options.
func New(bus tof.I2CTxBus, opts ...Opt) *Transport {
	config := Opts{
		TxDelay: DefaultTxDelay,
		Address: tof.DefaultAddress,
	}
	if l, ok := bus.(tof.TransferLimiter); ok {
		config.MaxRead, config.MaxWrite = l.MaxTransfer()
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxWrite != 0 && config.MaxWrite <= offsetLen {
		config.MaxWrite = offsetLen + 1
	}
	return &Transport{
		bus:    bus,
		config: config,
		sleep:  sleep,
	}
}

// Address returns the address transfers are currently sent to.
func (t *Transport) Address() tof.Address {
	return t.config.Address
}

// AddressChanged must be called once the chip has been told to answer on a
// new address.
func (t *Transport) AddressChanged(addr tof.Address) {
	t.config.Logger.Debug("transport address changed", "from", t.config.Address, "to", addr)
	t.config.Address = addr
}

// Delay suspends the caller for d or until ctx is done.
func (t *Transport) Delay(ctx context.Context, d time.Duration) error {
	return t.sleep(ctx, d)
}

// Read fills out with the content of the chip memory starting at offset.
func (t *Transport) Read(ctx context.Context, offset uint16, out []byte) error {
	chunk := len(out)
	if t.config.MaxRead > 0 && chunk > t.config.MaxRead {
		chunk = t.config.MaxRead
	}
	var off [offsetLen]byte
	for pos := 0; pos < len(out); pos += chunk {
		end := min(pos+chunk, len(out))
		at := offset + uint16(pos)
		binary.BigEndian.PutUint16(off[:], at)
		err := t.bus.TxToAddr(ctx, byte(t.config.Address), off[:], out[pos:end])
		if err != nil {
			return &Error{Op: "read", Address: t.config.Address, Offset: at, Err: err}
		}
		if err := t.sleep(ctx, t.config.TxDelay); err != nil {
			return err
		}
	}
	return nil
}

// Write stores data in the chip memory starting at offset.
func (t *Transport) Write(ctx context.Context, offset uint16, data []byte) error {
	chunk := len(data)
	if t.config.MaxWrite > 0 && chunk > t.config.MaxWrite-offsetLen {
		chunk = t.config.MaxWrite - offsetLen
	}
	if cap(t.buf) < chunk+offsetLen {
		t.buf = make([]byte, chunk+offsetLen)
	}
	pos := 0
	for {
		end := min(pos+chunk, len(data))
		at := offset + uint16(pos)
		frame := t.buf[:offsetLen+end-pos]
		binary.BigEndian.PutUint16(frame, at)
		copy(frame[offsetLen:], data[pos:end])
		err := t.bus.WriteToAddr(ctx, byte(t.config.Address), frame)
		if err != nil {
			return &Error{Op: "write", Address: t.config.Address, Offset: at, Err: err}
		}
		if err := t.sleep(ctx, t.config.TxDelay); err != nil {
			return err
		}
		pos = end
		if pos >= len(data) {
			break
		}
	}
	return nil
}

// WriteReg is a convenience single register write.
func (t *Transport) WriteReg(ctx context.Context, offset uint16, v byte) error {
	return t.Write(ctx, offset, []byte{v})
}

// ReadReg is a convenience single register read.
func (t *Transport) ReadReg(ctx context.Context, offset uint16) (byte, error) {
	var b [1]byte
	err := t.Read(ctx, offset, b[:])
	return b[0], err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Error reports a failed bus transaction. Bus errors are fatal for the
// operation in progress, no retry is attempted.
type Error struct {
	Op      string
	Address tof.Address
	Offset  uint16
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s at %s offset %#04x: %v", e.Op, e.Address, e.Offset, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
