package chiptest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mklimuk/tof"
)

var (
	ErrNoAck     = errors.New("chiptest: no acknowledge")
	ErrCollision = errors.New("chiptest: more than one chip answered")
)

// Bus is a shared I2C bus with every chip behind its own select (LPn)
// line. A chip answers only while its line is high. Lines start high, as
// pulled up on a real board.
type Bus struct {
	chips []*Chip
	lines []*Line
	irq   *Interrupt
	txs   int
}

func NewBus(chips ...*Chip) *Bus {
	b := &Bus{chips: chips, irq: NewInterrupt()}
	for _, c := range chips {
		c.irq = b.irq
		b.lines = append(b.lines, &Line{level: tof.High})
	}
	return b
}

// Lines returns the select lines in chip order.
func (b *Bus) Lines() []tof.OutputPin {
	out := make([]tof.OutputPin, len(b.lines))
	for i, l := range b.lines {
		out[i] = l
	}
	return out
}

func (b *Bus) Line(i int) *Line {
	return b.lines[i]
}

// Interrupt returns the interrupt line shared by all chips.
func (b *Bus) Interrupt() *Interrupt {
	return b.irq
}

// Transactions counts transactions addressed to the bus.
func (b *Bus) Transactions() int {
	return b.txs
}

func (b *Bus) target(address byte) (*Chip, error) {
	b.txs++
	var found *Chip
	for i, c := range b.chips {
		if b.lines[i].level != tof.High || byte(c.addr) != address {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("%w at %#02x", ErrCollision, address)
		}
		found = c
	}
	if found == nil {
		return nil, fmt.Errorf("%w at %#02x", ErrNoAck, address)
	}
	return found, nil
}

func (b *Bus) TxToAddr(ctx context.Context, address byte, w, r []byte) error {
	c, err := b.target(address)
	if err != nil {
		return err
	}
	if len(w) != 2 {
		return fmt.Errorf("chiptest: expected a 2 byte offset, got %d bytes", len(w))
	}
	return c.Read(ctx, binary.BigEndian.Uint16(w), r)
}

func (b *Bus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	c, err := b.target(address)
	if err != nil {
		return err
	}
	if len(buffer) < 3 {
		return fmt.Errorf("chiptest: write of %d bytes carries no data", len(buffer))
	}
	return c.Write(ctx, binary.BigEndian.Uint16(buffer), buffer[2:])
}

func (b *Bus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	return errors.New("chiptest: reads without an offset are not supported")
}

func (b *Bus) Release(ctx context.Context) error {
	return nil
}

// Line is a select line.
type Line struct {
	level tof.Level
}

func (l *Line) Set(ctx context.Context, level tof.Level) error {
	l.level = level
	return nil
}

func (l *Line) Level() tof.Level {
	return l.level
}

// Interrupt is the open-drain interrupt line. Pulses are remembered until
// waited for, several pulses in a row count as one.
type Interrupt struct {
	ch chan struct{}
}

func NewInterrupt() *Interrupt {
	return &Interrupt{ch: make(chan struct{}, 1)}
}

func (i *Interrupt) Pulse() {
	select {
	case i.ch <- struct{}{}:
	default:
	}
}

func (i *Interrupt) WaitForEdge(ctx context.Context) error {
	select {
	case <-i.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
