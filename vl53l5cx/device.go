// Package vl53l5cx drives the ST VL53L5CX 8x8 multi-zone time-of-flight
// ranging chip.
//
// The chip runs a vendor firmware uploaded over the bus by Init. After that
// the driver talks to the firmware through a small mailbox in the UI page
// (the device configuration interface, DCI) to configure ranging, and reads
// result frames from the start of the same page.
package vl53l5cx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mklimuk/tof"
)

var (
	ErrUnexpectedSignature = errors.New("vl53l5cx: unexpected device signature")
	ErrTimeout             = errors.New("vl53l5cx: timeout waiting for the chip")
	ErrMCU                 = errors.New("vl53l5cx: chip firmware error")
)

// Transport is the byte level access to one chip.
type Transport interface {
	Read(ctx context.Context, offset uint16, out []byte) error
	Write(ctx context.Context, offset uint16, data []byte) error
	Delay(ctx context.Context, d time.Duration) error
	Address() tof.Address
	AddressChanged(addr tof.Address)
}

type State uint8

const (
	StateFresh State = iota
	StatePinged
	StateIdle
	StateRanging
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StatePinged:
		return "pinged"
	case StateIdle:
		return "idle"
	case StateRanging:
		return "ranging"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

const (
	DefaultPollInterval = 10 * time.Millisecond
	DefaultPollTimeout  = 2 * time.Second
	MaxTargetsPerZone   = 4
)

type Opts struct {
	TargetsPerZone    int
	PollInterval      time.Duration
	PollTimeout       time.Duration
	DiscardFirstFrame bool
	SeparationCheck   bool
	Logger            *slog.Logger
}

type Opt func(*Opts)

// WithTargetsPerZone sets how many targets the firmware reports per zone,
// between 1 and MaxTargetsPerZone.
func WithTargetsPerZone(n int) Opt {
	return func(o *Opts) {
		o.TargetsPerZone = n
	}
}

// WithPollInterval sets the pause between two reads of a firmware
// acknowledge register.
func WithPollInterval(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollInterval = d
	}
}

func WithPollTimeout(d time.Duration) Opt {
	return func(o *Opts) {
		o.PollTimeout = d
	}
}

// WithDiscardFirstFrame drops the first frame of every ranging session.
func WithDiscardFirstFrame() Opt {
	return func(o *Opts) {
		o.DiscardFirstFrame = true
	}
}

// WithTargetSeparationCheck demotes targets of one zone reported closer to
// each other than MinTargetSeparationMM.
func WithTargetSeparationCheck() Opt {
	return func(o *Opts) {
		o.SeparationCheck = true
	}
}

func WithLogger(l *slog.Logger) Opt {
	return func(o *Opts) {
		o.Logger = l
	}
}

// Device is a single chip. It is not safe for concurrent use.
type Device struct {
	tr     Transport
	config Opts
	state  State

	offsetData [offsetBufferSize]byte
	xtalkData  [xtalkBufferSize]byte
}

func New(tr Transport, opts ...Opt) *Device {
	config := Opts{
		TargetsPerZone: 1,
		PollInterval:   DefaultPollInterval,
		PollTimeout:    DefaultPollTimeout,
	}
	for _, opt := range opts {
		opt(&config)
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	config.Logger = config.Logger.With("sensor", "vl53l5cx")
	return &Device{tr: tr, config: config}
}

func (d *Device) State() State {
	return d.state
}

func (d *Device) Address() tof.Address {
	return d.tr.Address()
}

func (d *Device) TargetsPerZone() int {
	return d.config.TargetsPerZone
}

// Ping checks that a VL53L5CX answers on the current address.
func (d *Device) Ping(ctx context.Context) error {
	if d.state == StateRanging {
		return &StateError{Op: "ping", State: d.state}
	}
	if err := d.page(ctx, pageBoot); err != nil {
		return fmt.Errorf("vl53l5cx: ping: %w", err)
	}
	var id [2]byte
	if err := d.tr.Read(ctx, regDeviceID, id[:]); err != nil {
		return fmt.Errorf("vl53l5cx: ping: %w", err)
	}
	if err := d.page(ctx, pageUI); err != nil {
		return fmt.Errorf("vl53l5cx: ping: %w", err)
	}
	if id[0] != expectedDeviceID || id[1] != expectedRevisionID {
		return &SignatureError{DeviceID: id[0], RevisionID: id[1]}
	}
	if d.state == StateFresh {
		d.state = StatePinged
	}
	d.config.Logger.Debug("chip answered", "address", d.tr.Address())
	return nil
}

// SetAddress moves the chip to a new bus address. Only the chip being
// addressed must be reachable on the bus while this runs.
func (d *Device) SetAddress(ctx context.Context, addr tof.Address) error {
	if d.state == StateRanging {
		return &StateError{Op: "set address", State: d.state}
	}
	if _, err := tof.NewAddress(uint8(addr)); err != nil {
		return fmt.Errorf("vl53l5cx: set address: %w", err)
	}
	if err := d.page(ctx, pageBoot); err != nil {
		return fmt.Errorf("vl53l5cx: set address: %w", err)
	}
	if err := d.wr(ctx, regI2CAddress, byte(addr)); err != nil {
		return fmt.Errorf("vl53l5cx: set address: %w", err)
	}
	d.tr.AddressChanged(addr)
	if err := d.page(ctx, pageUI); err != nil {
		return fmt.Errorf("vl53l5cx: set address: %w", err)
	}
	return nil
}

func (d *Device) page(ctx context.Context, p byte) error {
	return d.wr(ctx, regPageSelect, p)
}

func (d *Device) wr(ctx context.Context, reg uint16, v byte) error {
	return d.tr.Write(ctx, reg, []byte{v})
}

func (d *Device) rd(ctx context.Context, reg uint16) (byte, error) {
	var b [1]byte
	err := d.tr.Read(ctx, reg, b[:])
	return b[0], err
}

type regWrite struct {
	reg uint16
	val byte
}

func (d *Device) writeSeq(ctx context.Context, seq []regWrite) error {
	for _, w := range seq {
		if err := d.wr(ctx, w.reg, w.val); err != nil {
			return err
		}
	}
	return nil
}

// pollForAnswer reads size bytes at reg until out[pos]&mask equals
// expected. For mailbox reads a status byte of 0x7F or more is a firmware
// error.
func (d *Device) pollForAnswer(ctx context.Context, size, pos int, reg uint16, mask, expected byte) error {
	buf := make([]byte, size)
	tries := int(d.config.PollTimeout / d.config.PollInterval)
	for i := 0; ; i++ {
		if err := d.tr.Read(ctx, reg, buf); err != nil {
			return err
		}
		if size >= 4 && buf[2] >= mcuErrorMarker {
			return &MCUError{Status: buf[2], Reg: reg}
		}
		if buf[pos]&mask == expected {
			return nil
		}
		if i >= tries {
			return fmt.Errorf("%w: register %#04x", ErrTimeout, reg)
		}
		if err := d.tr.Delay(ctx, d.config.PollInterval); err != nil {
			return err
		}
	}
}

// SignatureError is returned by Ping when something else than a VL53L5CX
// answers.
type SignatureError struct {
	DeviceID   byte
	RevisionID byte
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("vl53l5cx: unexpected device signature %#02x/%#02x", e.DeviceID, e.RevisionID)
}

func (e *SignatureError) Unwrap() error {
	return ErrUnexpectedSignature
}

type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("vl53l5cx: %s not allowed in state %s", e.Op, e.State)
}

// MCUError reports an error flagged by the chip firmware.
type MCUError struct {
	Status byte
	Reg    uint16
}

func (e *MCUError) Error() string {
	return fmt.Sprintf("vl53l5cx: firmware error %#02x at %#04x", e.Status, e.Reg)
}

func (e *MCUError) Unwrap() error {
	return ErrMCU
}
