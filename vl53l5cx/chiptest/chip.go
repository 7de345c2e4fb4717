// Package chiptest emulates VL53L5CX chips at register level for tests.
//
// A Chip models the paged register map, the boot and stop handshakes and
// the firmware mailbox (commands and DCI parameter access). It does not run
// any ranging algorithm, frames are published by the test with Publish.
// Chips are used directly as a driver transport or put behind a Bus with
// one select line each.
package chiptest

import (
	"context"
	"encoding/binary"
	"errors"
	"time"

	"github.com/mklimuk/tof"
)

const (
	regPageSelect uint16 = 0x7FFF

	pageBoot byte = 0x00
	pageMCU  byte = 0x01
	pageUI   byte = 0x02

	regGO2Status0 uint16 = 0x0006
	regGO2Status1 uint16 = 0x0007
	regXshutCtrl  uint16 = 0x0009
	regI2CAddress uint16 = 0x0004
	regMCUStop0   uint16 = 0x0014
	regBootStatus uint16 = 0x0021

	uiCmdStatus uint16 = 0x2C00
	uiCmdStart  uint16 = 0x2C04
	uiCmdEnd    uint16 = 0x2FFF
	nvmCmdAddr  uint16 = 0x2FD8
	nvmDataSize        = 492

	// DCI indexes the emulator acts on.
	DCIOutputConfig  uint16 = 0xD968
	DCIOutputEnables uint16 = 0xD970
	DCIOutputList    uint16 = 0xD980
	dciRangeData     uint16 = 0x5440
)

// ErrInjected is returned by transfers failing on purpose.
var ErrInjected = errors.New("chiptest: injected bus failure")

type Chip struct {
	page    byte
	mem     map[byte]*[0x8000]byte
	addr    tof.Address
	dci     map[uint16][]byte
	ranging bool
	stream  byte
	stops   int
	starts  int

	transfers int
	failAt    int
	reject    bool
	irq       *Interrupt
}

// NewChip returns a powered up chip answering on the factory address.
func NewChip() *Chip {
	c := &Chip{
		mem:    map[byte]*[0x8000]byte{},
		addr:   tof.DefaultAddress,
		dci:    map[uint16][]byte{},
		stream: 0xFF,
	}
	boot := c.pageMem(pageBoot)
	boot[0x0000] = 0xF0
	boot[0x0001] = 0x02
	boot[regGO2Status0] = 0x01
	c.pageMem(pageMCU)[regBootStatus] = 0x10
	c.setStatus(false)
	return c
}

func (c *Chip) pageMem(p byte) *[0x8000]byte {
	m, ok := c.mem[p]
	if !ok {
		m = new([0x8000]byte)
		c.mem[p] = m
	}
	return m
}

func (c *Chip) setStatus(failed bool) {
	status := []byte{0x02, 0x03, 0x00, 0x00}
	if failed {
		status[2] = 0x7F
	}
	copy(c.pageMem(pageUI)[uiCmdStatus:], status)
}

func (c *Chip) transfer() error {
	c.transfers++
	if c.failAt > 0 && c.transfers >= c.failAt {
		return ErrInjected
	}
	return nil
}

// Read reads the selected page starting at offset.
func (c *Chip) Read(ctx context.Context, offset uint16, out []byte) error {
	if err := c.transfer(); err != nil {
		return err
	}
	if offset == regPageSelect {
		out[0] = c.page
		return nil
	}
	copy(out, c.pageMem(c.page)[offset:])
	return nil
}

// Write writes the selected page starting at offset.
func (c *Chip) Write(ctx context.Context, offset uint16, data []byte) error {
	if err := c.transfer(); err != nil {
		return err
	}
	if offset == regPageSelect {
		c.page = data[0]
		return nil
	}
	copy(c.pageMem(c.page)[offset:], data)
	switch c.page {
	case pageBoot:
		c.bootWrite(offset, data[0])
	case pageUI:
		if int(offset)+len(data) == int(uiCmdEnd)+1 {
			c.command(offset, data)
		}
	}
	return nil
}

func (c *Chip) Delay(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (c *Chip) Address() tof.Address {
	return c.addr
}

func (c *Chip) AddressChanged(addr tof.Address) {
	c.addr = addr
}

func (c *Chip) bootWrite(reg uint16, v byte) {
	mem := c.pageMem(pageBoot)
	switch reg {
	case regMCUStop0:
		if v == 0x01 {
			c.stops++
			mem[regGO2Status0] |= 0x80
			mem[regGO2Status1] = 0x84
		} else {
			mem[regGO2Status0] &^= 0x80
		}
	case regXshutCtrl:
		c.ranging = v == 0x05
	case regI2CAddress:
		c.addr = tof.Address(v)
	}
}

// command handles a write ending at the top of the mailbox.
func (c *Chip) command(offset uint16, data []byte) {
	c.setStatus(c.reject)
	c.reject = false
	mem := c.pageMem(pageUI)
	switch {
	case offset == nvmCmdAddr:
		for i := 0; i < nvmDataSize; i++ {
			mem[int(uiCmdStart)+i] = byte(i)
		}
	case len(data) == 4 && data[1] == 0x03:
		c.starts++
	case len(data) == 12 && data[9] == 0x02:
		c.dciRead(data)
	case len(data) >= 12 && data[len(data)-4] == 0x05:
		c.dciWrite(data)
	}
}

func (c *Chip) dciRead(cmd []byte) {
	idx := binary.BigEndian.Uint16(cmd)
	size := int(cmd[2])<<4 | int(cmd[3])>>4
	buf := make([]byte, size+12)
	copy(buf, cmd[:4])
	copy(buf[4:], c.dci[idx])
	swapWords(buf)
	copy(c.pageMem(pageUI)[uiCmdStart:], buf)
}

func (c *Chip) dciWrite(frame []byte) {
	idx := binary.BigEndian.Uint16(frame)
	size := int(frame[2])<<4 | int(frame[3])>>4
	data := make([]byte, size)
	copy(data, frame[4:4+size])
	swapWords(data)
	c.dci[idx] = data
	if idx == DCIOutputConfig {
		info := make([]byte, 12)
		binary.LittleEndian.PutUint16(info[8:], uint16(binary.LittleEndian.Uint32(data)))
		c.dci[dciRangeData] = info
	}
}

// DCI returns a firmware parameter as last written by the driver, in host
// byte order.
func (c *Chip) DCI(idx uint16) []byte {
	return c.dci[idx]
}

// Peek returns n bytes of a page.
func (c *Chip) Peek(page byte, offset uint16, n int) []byte {
	out := make([]byte, n)
	copy(out, c.pageMem(page)[offset:])
	return out
}

// Poke overwrites bytes of a page.
func (c *Chip) Poke(page byte, offset uint16, data []byte) {
	copy(c.pageMem(page)[offset:], data)
}

// Page returns the selected page.
func (c *Chip) Page() byte {
	return c.page
}

// Ranging reports whether the driver left the chip in interrupt (ranging)
// mode.
func (c *Chip) Ranging() bool {
	return c.ranging
}

// Starts counts start commands.
func (c *Chip) Starts() int {
	return c.starts
}

// Stops counts stop commands.
func (c *Chip) Stops() int {
	return c.stops
}

// Transfers counts bus transactions.
func (c *Chip) Transfers() int {
	return c.transfers
}

// FailAfter makes every transfer past the next n fail with ErrInjected.
func (c *Chip) FailAfter(n int) {
	c.failAt = c.transfers + n + 1
}

// Recover undoes FailAfter.
func (c *Chip) Recover() {
	c.failAt = 0
}

// RejectNextCommand makes the firmware report an error for the next
// mailbox command.
func (c *Chip) RejectNextCommand() {
	c.reject = true
}

// Publish makes a new frame available, laid out as the driver programmed
// it, and pulses the interrupt line if any.
func (c *Chip) Publish(f Frame) {
	list := make([]uint32, len(c.dci[DCIOutputList])/4)
	for i := range list {
		list[i] = binary.LittleEndian.Uint32(c.dci[DCIOutputList][4*i:])
	}
	var enables uint32
	if len(c.dci[DCIOutputEnables]) >= 4 {
		enables = binary.LittleEndian.Uint32(c.dci[DCIOutputEnables])
	}
	size := 0
	if len(c.dci[DCIOutputConfig]) >= 4 {
		size = int(binary.LittleEndian.Uint32(c.dci[DCIOutputConfig]))
	}
	c.stream++
	if c.stream == 0xFF {
		c.stream = 0
	}
	c.Poke(pageUI, 0, EncodeFrame(list, enables, size, c.stream, f))
	if c.irq != nil {
		c.irq.Pulse()
	}
}

func swapWords(b []byte) {
	for i := 0; i+3 < len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}
