package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/flock"
	"github.com/mklimuk/tof/transport"
	"github.com/mklimuk/tof/vl53l5cx"
	"github.com/mklimuk/tof/vl53l5cx/chiptest"
)

func rangingSession(t *testing.T, chips ...*chiptest.Chip) *flock.Session {
	t.Helper()
	ctx := context.Background()
	bus := chiptest.NewBus(chips...)
	addrs := make([]tof.Address, len(chips))
	configs := make([]vl53l5cx.RangingConfig, len(chips))
	for i := range chips {
		addrs[i] = tof.Address(0x30 + i)
		configs[i] = vl53l5cx.DefaultRangingConfig()
	}
	fw := vl53l5cx.Firmware{
		Image:                make([]byte, 0x15000),
		DefaultConfiguration: make([]byte, 972),
		DefaultXtalk:         make([]byte, 776),
		NVMCommand:           make([]byte, 40),
	}
	k, err := flock.Assemble(ctx, bus, bus.Lines(), fw, addrs, flock.AssembleOpts{
		Transport: []transport.Opt{transport.WithTxDelay(0)},
		Device:    []vl53l5cx.Opt{vl53l5cx.WithPollInterval(time.Millisecond)},
	})
	require.NoError(t, err)
	s, err := flock.Start(ctx, k, bus.Interrupt(), configs)
	require.NoError(t, err)
	return s
}

func TestStopSession(t *testing.T) {
	chips := []*chiptest.Chip{chiptest.NewChip(), chiptest.NewChip()}
	s := rangingSession(t, chips...)
	chips[1].FailAfter(0)

	err := stopSession(context.Background(), s)

	require.ErrorIs(t, err, chiptest.ErrInjected)
	assert.False(t, chips[0].Ranging(), "healthy chip stopped")
	assert.True(t, chips[1].Ranging())

	chips[1].Recover()
	require.NoError(t, stopSession(context.Background(), s))
	for _, c := range chips {
		assert.False(t, c.Ranging())
		assert.Equal(t, 1, c.Stops())
	}
}
