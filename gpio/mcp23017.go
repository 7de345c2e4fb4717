package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/tof"
)

type registry int

const DefaultMCP23017Address = 0x21

const (
	IODIRA registry = iota
	IOPOLA
	GPINTENA
	DEFVALA
	INTCONA
	IOCONA
	GPPUA
	INTFA
	INTCAPA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPINTENB
	DEFVALB
	INTCONB
	IOCONB
	GPPUB
	INTFB
	INTCAPB
	GPIOB
	OLATB
)

// BankAddr maps registers to addresses for IOCON.BANK = 0 and 1.
var BankAddr = []map[registry]byte{
	{
		IODIRA:   0x00,
		IOPOLA:   0x02,
		GPINTENA: 0x04,
		DEFVALA:  0x06,
		INTCONA:  0x08,
		IOCONA:   0x0A,
		GPPUA:    0x0C,
		INTFA:    0x0E,
		INTCAPA:  0x10,
		GPIOA:    0x12,
		OLATA:    0x14,
		IODIRB:   0x01,
		IOPOLB:   0x03,
		GPINTENB: 0x05,
		DEFVALB:  0x07,
		INTCONB:  0x09,
		IOCONB:   0x0B,
		GPPUB:    0x0D,
		INTFB:    0x0F,
		INTCAPB:  0x11,
		GPIOB:    0x13,
		OLATB:    0x15,
	},
	{
		IODIRA:   0x00,
		IOPOLA:   0x01,
		GPINTENA: 0x02,
		DEFVALA:  0x03,
		INTCONA:  0x04,
		IOCONA:   0x05,
		GPPUA:    0x06,
		INTFA:    0x07,
		INTCAPA:  0x08,
		GPIOA:    0x09,
		OLATA:    0x0A,
		IODIRB:   0x10,
		IOPOLB:   0x11,
		GPINTENB: 0x12,
		DEFVALB:  0x13,
		INTCONB:  0x14,
		IOCONB:   0x15,
		GPPUB:    0x16,
		INTFB:    0x17,
		INTCAPB:  0x18,
		GPIOB:    0x19,
		OLATB:    0x1A,
	},
}

type MCP23017Opts struct {
	Bank       int
	RetryLimit int
}

type MCP23017Opt func(*MCP23017Opts)

// WithBank selects the register layout matching IOCON.BANK.
func WithBank(bank int) MCP23017Opt {
	return func(o *MCP23017Opts) {
		o.Bank = bank
	}
}

// WithRetryLimit sets how many times a busy bus is retried.
func WithRetryLimit(n int) MCP23017Opt {
	return func(o *MCP23017Opts) {
		o.RetryLimit = n
	}
}

// MCP23017 is a 16 line I2C expander. Port A holds pins 0-7, port B pins 8-15.
// Used as a bank of select lines it lets one bus host carry large flocks.
type MCP23017 struct {
	mx         sync.Mutex
	transport  tof.I2CBus
	bank       int
	address    byte
	retryLimit int
	latch      [2]byte
}

func NewMCP23017(bus tof.I2CBus, address byte, opts ...MCP23017Opt) *MCP23017 {
	config := MCP23017Opts{RetryLimit: 1}
	for _, opt := range opts {
		opt(&config)
	}
	if config.RetryLimit < 1 {
		config.RetryLimit = 1
	}
	return &MCP23017{
		retryLimit: config.RetryLimit,
		transport:  bus,
		address:    address,
		bank:       config.Bank & 1,
	}
}

// retry runs f until it succeeds or fails with something other than a busy bus.
func (m *MCP23017) retry(ctx context.Context, what string, f func() error) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = f()
		if err == nil {
			return nil
		}
		if !errors.Is(err, tof.ErrBusBusy) {
			return fmt.Errorf("could not %s: %w", what, err)
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("could not %s (retry limit reached): %w", what, err)
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, value byte, what string) error {
	return m.retry(ctx, what, func() error {
		m.mx.Lock()
		defer m.mx.Unlock()
		return m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], value})
	})
}

func (m *MCP23017) readRegistry(ctx context.Context, reg registry, what string) (byte, error) {
	var res byte
	err := m.retry(ctx, what, func() error {
		m.mx.Lock()
		defer m.mx.Unlock()
		err := m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg]})
		if err != nil {
			return fmt.Errorf("could not set I/O registry address: %w", err)
		}
		buf := make([]byte, 1)
		err = m.transport.ReadFromAddr(ctx, m.address, buf)
		if err != nil {
			return fmt.Errorf("could not read gpio data: %w", err)
		}
		res = buf[0]
		return nil
	})
	return res, err
}

// InitA sets IODIR registry to inout on I/O pool A (1 = input).
func (m *MCP23017) InitA(ctx context.Context, inout byte) error {
	return m.writeRegistry(ctx, IODIRA, inout, "initialize gpio A set")
}

// InitB sets IODIR registry to inout on I/O pool B (1 = input).
func (m *MCP23017) InitB(ctx context.Context, inout byte) error {
	return m.writeRegistry(ctx, IODIRB, inout, "initialize gpio B set")
}

// PullUpA sets up pull up resistors on set A
func (m *MCP23017) PullUpA(ctx context.Context, settings byte) error {
	return m.writeRegistry(ctx, GPPUA, settings, "set pull-up on gpio A set")
}

// PullUpB sets up pull up resistors on set B
func (m *MCP23017) PullUpB(ctx context.Context, settings byte) error {
	return m.writeRegistry(ctx, GPPUB, settings, "set pull-up on gpio B set")
}

func (m *MCP23017) Read(ctx context.Context) ([]byte, error) {
	res := make([]byte, 2)
	var err error
	res[0], err = m.ReadA(ctx)
	if err != nil {
		return nil, err
	}
	res[1], err = m.ReadB(ctx)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReadA reads gpio A set values
func (m *MCP23017) ReadA(ctx context.Context) (byte, error) {
	return m.readRegistry(ctx, GPIOA, "read gpio A set")
}

// ReadB reads gpio B set values
func (m *MCP23017) ReadB(ctx context.Context) (byte, error) {
	return m.readRegistry(ctx, GPIOB, "read gpio B set")
}

// ReadSettingsA reads contents of IOCON registry
func (m *MCP23017) ReadSettingsA(ctx context.Context) (byte, error) {
	return m.readRegistry(ctx, IOCONA, "read gpio A settings")
}

func (m *MCP23017) WriteSettingsA(ctx context.Context, settings byte) error {
	return m.writeRegistry(ctx, IOCONA, settings, "write settings on gpio A set")
}

func (m *MCP23017) ReadSettingsB(ctx context.Context) (byte, error) {
	return m.readRegistry(ctx, IOCONB, "read gpio B settings")
}

func (m *MCP23017) WriteSettingsB(ctx context.Context, settings byte) error {
	return m.writeRegistry(ctx, IOCONB, settings, "write settings on gpio B set")
}

// InitOutputs turns every pin into a low output.
func (m *MCP23017) InitOutputs(ctx context.Context) error {
	if err := m.WriteLatch(ctx, 0, 0); err != nil {
		return err
	}
	if err := m.InitA(ctx, 0x00); err != nil {
		return err
	}
	return m.InitB(ctx, 0x00)
}

// WriteLatch sets the output latch of port (0 = A, 1 = B).
func (m *MCP23017) WriteLatch(ctx context.Context, port int, value byte) error {
	reg, name := OLATA, "A"
	if port == 1 {
		reg, name = OLATB, "B"
	}
	if err := m.writeRegistry(ctx, reg, value, "write latch on gpio "+name+" set"); err != nil {
		return err
	}
	m.mx.Lock()
	m.latch[port&1] = value
	m.mx.Unlock()
	return nil
}

// SetPin drives a single output pin (0-15) leaving the others as last written.
func (m *MCP23017) SetPin(ctx context.Context, pin int, level tof.Level) error {
	if pin < 0 || pin > 15 {
		return fmt.Errorf("invalid mcp23017 pin %d", pin)
	}
	port, bit := pin/8, byte(1)<<(pin%8)
	m.mx.Lock()
	value := m.latch[port]
	m.mx.Unlock()
	if level {
		value |= bit
	} else {
		value &^= bit
	}
	return m.WriteLatch(ctx, port, value)
}

// Output returns pin as a select line.
func (m *MCP23017) Output(pin int) tof.OutputPin {
	return &expanderPin{dev: m, pin: pin}
}

type expanderPin struct {
	dev *MCP23017
	pin int
}

func (p *expanderPin) Set(ctx context.Context, level tof.Level) error {
	return p.dev.SetPin(ctx, p.pin, level)
}

func (p *expanderPin) String() string {
	return fmt.Sprintf("mcp23017/%x/%d", p.dev.address, p.pin)
}
