package adapter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
)

// fakeHID answers every report through respond and keeps the requests.
type fakeHID struct {
	requests [][]byte
	respond  func(req []byte) []byte
	last     []byte
	closed   int
}

func (f *fakeHID) Write(b []byte) (int, error) {
	req := append([]byte(nil), b...)
	f.requests = append(f.requests, req)
	f.last = req
	return len(b), nil
}

func (f *fakeHID) Read(b []byte) (int, error) {
	res := make([]byte, reportSize)
	res[0] = f.last[0]
	if f.respond != nil {
		copy(res, f.respond(f.last))
	}
	return copy(b, res), nil
}

func (f *fakeHID) Close() error {
	f.closed++
	return nil
}

func newTestAdapter(dev *fakeHID) *MCP2221 {
	d := NewMCP2221(WithResponseWait(0))
	d.open = func() (hidDevice, error) { return dev, nil }
	return d
}

func TestMCP2221_TxToAddr(t *testing.T) {
	dev := &fakeHID{respond: func(req []byte) []byte {
		res := make([]byte, reportSize)
		res[0] = req[0]
		if req[0] == cmdGetI2CData {
			res[3] = 2
			res[4], res[5] = 0xF0, 0x02
		}
		return res
	}}
	d := newTestAdapter(dev)
	out := make([]byte, 2)

	err := d.TxToAddr(context.Background(), 0x29, []byte{0x00, 0x00}, out)

	require.NoError(t, err)
	assert.Equal(t, []byte{0xF0, 0x02}, out)
	require.Len(t, dev.requests, 3)
	assert.Equal(t, []byte{cmdI2CWriteNoStop, 2, 0, 0x52, 0, 0}, dev.requests[0][:6])
	assert.Equal(t, []byte{cmdI2CReadRepeat, 2, 0, 0x53}, dev.requests[1][:4])
	assert.Equal(t, cmdGetI2CData, dev.requests[2][0])
	assert.Equal(t, 3, dev.closed, "device opened per exchange")
}

func TestMCP2221_WriteBusy(t *testing.T) {
	dev := &fakeHID{respond: func(req []byte) []byte {
		return []byte{req[0], 0x01}
	}}
	d := newTestAdapter(dev)

	err := d.WriteToAddr(context.Background(), 0x29, []byte{0x7F, 0xFF, 0x00})
	assert.ErrorIs(t, err, tof.ErrBusBusy)
}

func TestMCP2221_TransferLimit(t *testing.T) {
	d := newTestAdapter(&fakeHID{})
	r, w := d.MaxTransfer()
	assert.Equal(t, 60, r)
	assert.Equal(t, 60, w)

	err := d.WriteToAddr(context.Background(), 0x29, make([]byte, 61))
	assert.ErrorContains(t, err, "exceed")
}

func TestMCP2221_ReadSizeMismatch(t *testing.T) {
	dev := &fakeHID{respond: func(req []byte) []byte {
		res := make([]byte, reportSize)
		res[0] = req[0]
		if req[0] == cmdGetI2CData {
			res[3] = 127
		}
		return res
	}}
	d := newTestAdapter(dev)

	err := d.ReadFromAddr(context.Background(), 0x29, make([]byte, 4))
	assert.ErrorContains(t, err, "invalid data size byte")
}

func TestMCP2221_SetSpeed(t *testing.T) {
	dev := &fakeHID{}
	d := newTestAdapter(dev)

	require.NoError(t, d.SetSpeed(context.Background(), 400_000))
	assert.Equal(t, []byte{cmdStatus, 0, 0, 0x20, 27}, dev.requests[0][:5])

	assert.Error(t, d.SetSpeed(context.Background(), 10_000))
}

func TestMCP2221_SetGPIO(t *testing.T) {
	dev := &fakeHID{}
	d := newTestAdapter(dev)

	require.NoError(t, d.Output(2).Set(context.Background(), tof.High))

	req := dev.requests[0]
	assert.Equal(t, cmdSetGPIO, req[0])
	assert.Equal(t, []byte{0xFF, 0x01, 0xFF, 0x00}, req[10:14])
	assert.Equal(t, []byte{0, 0, 0, 0}, req[2:6], "other pins untouched")

	assert.Error(t, d.SetGPIO(context.Background(), 4, tof.Low))
}

func TestMCP2221_InterruptWait(t *testing.T) {
	polls := 0
	dev := &fakeHID{respond: func(req []byte) []byte {
		res := make([]byte, reportSize)
		res[0] = req[0]
		if req[0] == cmdStatus {
			polls++
			if polls == 3 {
				res[24] = 1
			}
		}
		return res
	}}
	d := newTestAdapter(dev)

	require.NoError(t, d.Interrupt(time.Millisecond).WaitForEdge(context.Background()))

	assert.Equal(t, 3, polls)
	last := dev.requests[len(dev.requests)-1]
	assert.Equal(t, cmdSetSRAM, last[0])
	assert.Equal(t, byte(0x81), last[6], "flag cleared")
}

func TestMCP2221_InterruptHonoursContext(t *testing.T) {
	d := newTestAdapter(&fakeHID{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	err := d.Interrupt(time.Millisecond).WaitForEdge(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMCP2221_EnableInterrupt(t *testing.T) {
	dev := &fakeHID{respond: func(req []byte) []byte {
		res := make([]byte, reportSize)
		res[0] = req[0]
		if req[0] == cmdGetSRAM {
			copy(res[22:], []byte{0x00, 0x00, 0x02, 0x01})
		}
		return res
	}}
	d := newTestAdapter(dev)

	require.NoError(t, d.EnableInterrupt(context.Background()))

	require.Len(t, dev.requests, 3)
	assert.Equal(t, []byte{0x00, 0x0C, 0x02, 0x01}, dev.requests[1][8:12])
	assert.Equal(t, byte(0x9F), dev.requests[2][6], "both edges armed")
}

func TestMCP2221_NotFound(t *testing.T) {
	d := NewMCP2221()
	d.open = func() (hidDevice, error) { return nil, ErrNotFound }

	_, err := d.Status(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestBufferToStatus(t *testing.T) {
	buf := make([]byte, reportSize)
	buf[8] = 0x45
	buf[9], buf[10] = 0x10, 0x01
	buf[14] = 27
	buf[16], buf[17] = 0x52, 0x00
	buf[24] = 1
	buf[25] = 2

	s := bufferToStatus(buf)

	assert.Equal(t, byte(0x45), s.I2CState)
	assert.Equal(t, uint16(0x0110), s.LastWriteRequestedSize)
	assert.Equal(t, 27, s.I2CSpeedDivider)
	assert.Equal(t, "5200", s.CurrentAddress)
	assert.True(t, s.Interrupt)
	assert.Equal(t, 2, s.ReadPending)
}
