package i2c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"

	"github.com/mklimuk/tof/transport"
)

func TestGenericBus_Transfers(t *testing.T) {
	pb := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x29, W: []byte{0x7F, 0xFF, 0x00}},
			{Addr: 0x29, W: []byte{0x00, 0x00}, R: []byte{0xF0, 0x02}},
			{Addr: 0x30, R: []byte{0x42}},
		},
	}
	b, err := Wrap(pb, WithSpeed(physic.MegaHertz))
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.WriteToAddr(ctx, 0x29, []byte{0x7F, 0xFF, 0x00}))
	id := make([]byte, 2)
	require.NoError(t, b.TxToAddr(ctx, 0x29, []byte{0x00, 0x00}, id))
	assert.Equal(t, []byte{0xF0, 0x02}, id)
	one := make([]byte, 1)
	require.NoError(t, b.ReadFromAddr(ctx, 0x30, one))
	assert.Equal(t, byte(0x42), one[0])
	assert.NoError(t, b.Release(ctx))

	assert.NoError(t, b.Close(), "every recorded transfer played")
}

func TestGenericBus_Error(t *testing.T) {
	b, err := Wrap(&i2ctest.Playback{DontPanic: true})
	require.NoError(t, err)

	err = b.TxToAddr(context.Background(), 0x29, []byte{0, 0}, make([]byte, 2))
	assert.ErrorContains(t, err, "could not transfer on i2c bus 29")
}

func TestGenericBus_FirmwarePageChunked(t *testing.T) {
	page := make([]byte, 0x8000)
	for i := range page {
		page[i] = byte(i * 7)
	}
	var ops []i2ctest.IO
	for pos := 0; pos < len(page); pos += DefaultMaxTransfer - 2 {
		end := min(pos+DefaultMaxTransfer-2, len(page))
		w := append([]byte{byte(pos >> 8), byte(pos)}, page[pos:end]...)
		ops = append(ops, i2ctest.IO{Addr: 0x29, W: w})
	}
	require.Len(t, ops, 5)
	b, err := Wrap(&i2ctest.Playback{Ops: ops})
	require.NoError(t, err)
	r, w := b.MaxTransfer()
	assert.Equal(t, DefaultMaxTransfer, r)
	assert.Equal(t, DefaultMaxTransfer, w)

	tr := transport.New(b, transport.WithTxDelay(0))
	require.NoError(t, tr.Write(context.Background(), 0x0000, page))

	for _, op := range ops {
		assert.LessOrEqual(t, len(op.W), DefaultMaxTransfer)
	}
	assert.NoError(t, b.Close(), "every chunk written")
}

func TestGenericBus_MaxTransferOption(t *testing.T) {
	b, err := Wrap(&i2ctest.Playback{}, WithMaxTransfer(32))
	require.NoError(t, err)
	_, w := b.MaxTransfer()
	assert.Equal(t, 32, w)
}
