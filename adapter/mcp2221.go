package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/snsctx"
)

const VendorID = 0x04D8
const ProductID = 0x00DD

// MaxTransfer is the number of I2C bytes carried by one HID report.
const MaxTransfer = 60

const (
	reportSize = 64
	clockHz    = 12_000_000
)

const (
	cmdStatus         byte = 0x10
	cmdGetI2CData     byte = 0x40
	cmdSetGPIO        byte = 0x50
	cmdGetGPIO        byte = 0x51
	cmdSetSRAM        byte = 0x60
	cmdGetSRAM        byte = 0x61
	cmdI2CWrite       byte = 0x90
	cmdI2CRead        byte = 0x91
	cmdI2CReadRepeat  byte = 0x93
	cmdI2CWriteNoStop byte = 0x94
	cmdGetFlash       byte = 0xB0
	cmdSetFlash       byte = 0xB1
)

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")
var ErrNotFound = errors.New("MCP2221 device not found")

var (
	_ tof.I2CTxBus        = &MCP2221{}
	_ tof.TransferLimiter = &MCP2221{}
)

// hidDevice is the part of an open HID device the adapter talks to.
type hidDevice interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type MCP2221Opts struct {
	// Index selects the adapter when several are plugged in, -1 requires
	// exactly one.
	Index        int
	ResponseWait time.Duration
	Logger       *slog.Logger
}

type MCP2221Opt func(*MCP2221Opts)

func WithIndex(i int) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.Index = i
	}
}

// WithResponseWait sets the time left to the adapter between a request and
// reading its response.
func WithResponseWait(d time.Duration) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.ResponseWait = d
	}
}

func WithLogger(l *slog.Logger) MCP2221Opt {
	return func(o *MCP2221Opts) {
		o.Logger = l
	}
}

// MCP2221 drives a Microchip MCP2221(A) USB to I2C/GPIO bridge. The HID
// device is opened for every exchange so several processes may share the
// adapter.
type MCP2221 struct {
	mx       sync.Mutex
	request  []byte
	response []byte
	config   MCP2221Opts
	open     func() (hidDevice, error)
}

type MCP2221Status struct {
	I2CState               byte
	I2CDataBufferCounter   int
	I2CSpeedDivider        int
	I2CTimeout             int
	CurrentAddress         string
	LastWriteRequestedSize uint16
	LastWriteSentSize      uint16
	Interrupt              bool
	ReadPending            int
}

type GPIOMode byte

const (
	GPIOModeOut         GPIOMode = 0b00000000
	GPIOModeIn          GPIOMode = 0b00001000
	GPIOModeNoOperation GPIOMode = 0xEF
)

func (m GPIOMode) String() string {
	switch m {
	case GPIOModeIn:
		return "INPUT"
	case GPIOModeOut:
		return "OUTPUT"
	default:
		return "NOOP"
	}
}

type GPIODesignation byte

const (
	GPIOOperation GPIODesignation = 0b00000000
	// This is alternate function of GPIO0
	GPIO0LedUartRx GPIODesignation = 0b00000001
	// This is the dedicated function operation of GPIO0
	GPIO0SSPND GPIODesignation = 0b00000010
	// This is the dedicated function of GPIO1
	GPIO1ClockOutput GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO1
	GPIO1ADC1 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO1
	GPIO1LedUartTx GPIODesignation = 0b00000011
	// This is the alternate function 2 of GPIO1
	GPIO1InterruptDetection GPIODesignation = 0b00000100
	// This is the dedicated function of GPIO2
	GPIO2ClockOutput GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO2
	GPIO2ADC2 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO2
	GPIO2DAC1 GPIODesignation = 0b00000011
	// This is the dedicated function of GPIO3
	GPIO3LEDI2C GPIODesignation = 0b00000001
	// This is the alternate function 0 of GPIO3
	GPIO3ADC3 GPIODesignation = 0b00000010
	// This is the alternate function 1 of GPIO3
	GPIO3DAC2 GPIODesignation = 0b00000011
)

const gpioModeMask = 0b00001000
const gpioOperationMask = 0b00000111

// GPIOCount is the number of general purpose pins of the adapter.
const GPIOCount = 4

// interruptPin is the only pin able to detect edges.
const interruptPin = 1

type MCP2221GPIOValues struct {
	GPIO0Mode  GPIOMode `yaml:"GP0_mode"`
	GPIO0Value byte     `yaml:"GPIO0"`
	GPIO1Mode  GPIOMode `yaml:"GP1_mode"`
	GPIO1Value byte     `yaml:"GPIO1"`
	GPIO2Mode  GPIOMode `yaml:"GP2_mode"`
	GPIO2Value byte     `yaml:"GPIO2"`
	GPIO3Mode  GPIOMode `yaml:"GP3_mode"`
	GPIO3Value byte     `yaml:"GPIO3"`
}

type MCP2221GPIOParameters struct {
	GPIO0Mode        GPIOMode        `yaml:"GP0_mode"`
	GPIO0Designation GPIODesignation `yaml:"GP0_designation"`
	GPIO1Mode        GPIOMode        `yaml:"GP1_mode"`
	GPIO1Designation GPIODesignation `yaml:"GP1_designation"`
	GPIO2Mode        GPIOMode        `yaml:"GP2_mode"`
	GPIO2Designation GPIODesignation `yaml:"GP2_designation"`
	GPIO3Mode        GPIOMode        `yaml:"GP3_mode"`
	GPIO3Designation GPIODesignation `yaml:"GP3_designation"`
}

func NewMCP2221(opts ...MCP2221Opt) *MCP2221 {
	config := MCP2221Opts{
		Index:        -1,
		ResponseWait: 50 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	d := &MCP2221{
		request:  make([]byte, reportSize),
		response: make([]byte, reportSize),
		config:   config,
	}
	d.open = d.openHID
	return d
}

func (d *MCP2221) MaxTransfer() (read int, write int) {
	return MaxTransfer, MaxTransfer
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.write(ctx, cmdI2CWrite, address, buffer)
}

func (d *MCP2221) write(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	if len(buffer) > MaxTransfer {
		return fmt.Errorf("write to %x failed: %d bytes exceed the %d byte report", address, len(buffer), MaxTransfer)
	}
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address << 1
	copy(d.request[4:], buffer)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.response[1] == 0x01 {
		d.config.Logger.Debug("adapter busy", "address", address)
		return tof.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.read(ctx, cmdI2CRead, address, buffer)
}

// TxToAddr writes w without a stop condition then reads r after a repeated
// start.
func (d *MCP2221) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.write(ctx, cmdI2CWriteNoStop, address, w); err != nil {
		return err
	}
	return d.read(ctx, cmdI2CReadRepeat, address, r)
}

func (d *MCP2221) read(ctx context.Context, cmd byte, address byte, buffer []byte) error {
	if len(buffer) > MaxTransfer {
		return fmt.Errorf("bus read from %x failed: %d bytes exceed the %d byte report", address, len(buffer), MaxTransfer)
	}
	d.resetBuffers()
	d.request[0] = cmd
	binary.LittleEndian.PutUint16(d.request[1:3], uint16(len(buffer)))
	d.request[3] = address<<1 + 1
	err := d.send(ctx, true)
	// we iterated several times with no result
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.response[1] == 0x01 {
		return tof.ErrBusBusy
	}
	d.resetBuffers()
	d.request[0] = cmdGetI2CData
	err = d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.response[1] == 0x41 {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.response[3] == 127 || int(d.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.response[3])
	}
	copy(buffer, d.response[4:])
	return nil
}

// SetSpeed sets the I2C clock. The adapter supports 47kHz to 4MHz, the
// chips behind it up to 1MHz.
func (d *MCP2221) SetSpeed(ctx context.Context, hz int) error {
	if hz < clockHz/258 || hz > clockHz/3 {
		return fmt.Errorf("unsupported I2C speed: %d Hz", hz)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[3] = 0x20
	d.request[4] = byte(clockHz/hz - 3)
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set speed command failed: %w", err)
	}
	if d.response[3] == 0x21 {
		return tof.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) SetGPIOParameters(ctx context.Context, params MCP2221GPIOParameters) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetFlash
	d.request[1] = 0x01
	d.request[2] = byte(params.GPIO0Designation) | byte(params.GPIO0Mode)
	d.request[3] = byte(params.GPIO1Designation) | byte(params.GPIO1Mode)
	d.request[4] = byte(params.GPIO2Designation) | byte(params.GPIO2Mode)
	d.request[5] = byte(params.GPIO3Designation) | byte(params.GPIO3Mode)
	err := d.send(ctx, true)
	if err != nil {
		return fmt.Errorf("set GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return ErrCommandFailed
	}
	return nil
}

func (d *MCP2221) Read(ctx context.Context) ([]byte, error) {
	res, err := d.ReadGPIO(ctx)
	if err != nil {
		return nil, err
	}
	return []byte{res.GPIO0Value, res.GPIO1Value, res.GPIO2Value, res.GPIO3Value}, nil
}

func (d *MCP2221) ReadGPIO(ctx context.Context) (MCP2221GPIOValues, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetGPIO
	err := d.send(ctx, true)
	var res MCP2221GPIOValues
	if err != nil {
		return res, fmt.Errorf("read GPIO values command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return res, ErrCommandFailed
	}
	modes := [GPIOCount]*GPIOMode{&res.GPIO0Mode, &res.GPIO1Mode, &res.GPIO2Mode, &res.GPIO3Mode}
	values := [GPIOCount]*byte{&res.GPIO0Value, &res.GPIO1Value, &res.GPIO2Value, &res.GPIO3Value}
	for i := range modes {
		*values[i] = d.response[2+2*i]
		*modes[i] = GPIOModeNoOperation
		if d.response[3+2*i] != byte(GPIOModeNoOperation) {
			*modes[i] = GPIOMode(d.response[3+2*i] << 3)
		}
	}
	return res, nil
}

func (d *MCP2221) GetGPIOParameters(ctx context.Context) (MCP2221GPIOParameters, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetFlash
	d.request[1] = 0x01
	err := d.send(ctx, true)
	if err != nil {
		return MCP2221GPIOParameters{}, fmt.Errorf("get GP parameters command write failed: %w", err)
	}
	if d.response[1] == 0x01 {
		return MCP2221GPIOParameters{}, ErrCommandUnsupported
	}
	return MCP2221GPIOParameters{
		GPIO0Mode:        GPIOMode(d.response[4] & gpioModeMask),
		GPIO0Designation: GPIODesignation(d.response[4] & gpioOperationMask),
		GPIO1Mode:        GPIOMode(d.response[5] & gpioModeMask),
		GPIO1Designation: GPIODesignation(d.response[5] & gpioOperationMask),
		GPIO2Mode:        GPIOMode(d.response[6] & gpioModeMask),
		GPIO2Designation: GPIODesignation(d.response[6] & gpioOperationMask),
		GPIO3Mode:        GPIOMode(d.response[7] & gpioModeMask),
		GPIO3Designation: GPIODesignation(d.response[7] & gpioOperationMask),
	}, nil
}

// SetGPIO drives pin as an output at level. The pin must be designated for
// GPIO operation.
func (d *MCP2221) SetGPIO(ctx context.Context, pin int, level tof.Level) error {
	if pin < 0 || pin >= GPIOCount {
		return fmt.Errorf("invalid GPIO pin: %d", pin)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetGPIO
	i := 2 + 4*pin
	d.request[i] = 0xFF // alter output value
	if level == tof.High {
		d.request[i+1] = 0x01
	}
	d.request[i+2] = 0xFF // alter direction
	d.request[i+3] = 0x00 // output
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set GPIO %d failed: %w", pin, err)
	}
	if d.response[1] != 0x00 || d.response[i] == 0xEE {
		return fmt.Errorf("set GPIO %d: %w", pin, ErrCommandFailed)
	}
	return nil
}

// Output returns pin as a select line.
func (d *MCP2221) Output(pin int) tof.OutputPin {
	return &gpioOutput{adapter: d, pin: pin}
}

type gpioOutput struct {
	adapter *MCP2221
	pin     int
}

func (o *gpioOutput) Set(ctx context.Context, level tof.Level) error {
	return o.adapter.SetGPIO(ctx, o.pin, level)
}

// EnableInterrupt designates GP1 as the interrupt-on-change input with
// detection on both edges and clears the interrupt flag. The line is shared,
// a chip pulsing it while another holds it low only shows as a release.
func (d *MCP2221) EnableInterrupt(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdGetSRAM
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("get SRAM settings failed: %w", err)
	}
	var current [GPIOCount]byte
	copy(current[:], d.response[22:26])
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	d.request[7] = 0xFF // alter GP designation
	copy(d.request[8:], current[:])
	d.request[8+interruptPin] = byte(GPIOModeIn) | byte(GPIO1InterruptDetection)
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set interrupt pin failed: %w", err)
	}
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	// alter interrupt settings, enable positive and negative edge, clear flag
	d.request[6] = 1<<7 | 1<<4 | 1<<3 | 1<<2 | 1<<1 | 1
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("set interrupt edge failed: %w", err)
	}
	return nil
}

// ClearInterrupt resets the interrupt flag.
func (d *MCP2221) ClearInterrupt(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdSetSRAM
	d.request[6] = 1<<7 | 1
	if err := d.send(ctx, true); err != nil {
		return fmt.Errorf("clear interrupt failed: %w", err)
	}
	return nil
}

// Interrupt returns the interrupt flag as an edge waiter. The adapter only
// latches edges, so the flag is polled every interval.
func (d *MCP2221) Interrupt(interval time.Duration) tof.EdgeWaiter {
	return &interruptFlag{adapter: d, interval: interval}
}

type interruptFlag struct {
	adapter  *MCP2221
	interval time.Duration
}

func (f *interruptFlag) WaitForEdge(ctx context.Context) error {
	for {
		status, err := f.adapter.Status(ctx)
		if err != nil {
			return err
		}
		if status.Interrupt {
			return f.adapter.ClearInterrupt(ctx)
		}
		timer := time.NewTimer(f.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.resetBuffers()
	d.request[0] = cmdStatus
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		8: I2C engine state
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
		24: Interrupt edge detector state
		25: I2C read pending
	*/
	status := &MCP2221Status{
		I2CState:             buffer[8],
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		Interrupt:            buffer[24] != 0,
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

func (d *MCP2221) Release(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	_, err := d.releaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.releaseBus(ctx)
}

func (d *MCP2221) releaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.resetBuffers()
	d.request[0] = cmdStatus
	d.request[2] = 0x10
	err := d.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.response), nil
}

func (d *MCP2221) openHID() (hidDevice, error) {
	devs := hid.Enumerate(VendorID, ProductID)
	if len(devs) == 0 {
		return nil, ErrNotFound
	}
	idx := d.config.Index
	if idx < 0 {
		if len(devs) > 1 {
			return nil, fmt.Errorf("ambiguous device identification: %d adapters found", len(devs))
		}
		idx = 0
	}
	if idx >= len(devs) {
		return nil, fmt.Errorf("no device with id %d", idx)
	}
	dev, err := devs[idx].Open()
	if err != nil {
		return nil, fmt.Errorf("error opening device: %w", err)
	}
	return dev, nil
}

func (d *MCP2221) send(ctx context.Context, response bool) error {
	dev, err := d.open()
	if err != nil {
		return err
	}
	defer func() {
		if err := dev.Close(); err != nil {
			d.config.Logger.Warn("could not close adapter", "error", err)
		}
	}()
	snsctx.Dump(ctx, d.config.Logger, "sending message to adapter", d.request)
	n, err := dev.Write(d.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	if d.config.ResponseWait > 0 {
		time.Sleep(d.config.ResponseWait)
	}
	n, err = dev.Read(d.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	snsctx.Dump(ctx, d.config.Logger, "read message from adapter", d.response)
	return nil
}

func (d *MCP2221) resetBuffers() {
	clear(d.request)
	clear(d.response)
}
