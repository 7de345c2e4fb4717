package vl53l5cx

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/vl53l5cx/chiptest"
)

func idleDevice(t *testing.T, chip *chiptest.Chip, opts ...Opt) *Device {
	t.Helper()
	dev := New(chip, opts...)
	ctx := context.Background()
	require.NoError(t, dev.Ping(ctx))
	require.NoError(t, dev.Init(ctx, testFirmware()))
	require.Equal(t, StateIdle, dev.State())
	return dev
}

func TestDevice_Ping(t *testing.T) {
	chip := chiptest.NewChip()
	dev := New(chip)
	require.NoError(t, dev.Ping(context.Background()))
	assert.Equal(t, StatePinged, dev.State())
	assert.Equal(t, pageUI, chip.Page(), "ping leaves the UI page selected")
}

func TestDevice_PingSignature(t *testing.T) {
	chip := chiptest.NewChip()
	chip.Poke(pageBoot, regDeviceID, []byte{0xEA})
	dev := New(chip)

	err := dev.Ping(context.Background())

	require.ErrorIs(t, err, ErrUnexpectedSignature)
	var serr *SignatureError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, byte(0xEA), serr.DeviceID)
	assert.Equal(t, byte(0x02), serr.RevisionID)
	assert.Equal(t, StateFresh, dev.State())
}

func TestDevice_InitRequiresPing(t *testing.T) {
	dev := New(chiptest.NewChip())
	err := dev.Init(context.Background(), testFirmware())
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "init", serr.Op)
	assert.Equal(t, StateFresh, serr.State)
}

func TestDevice_Init(t *testing.T) {
	chip := chiptest.NewChip()
	image := make([]byte, firmwareSize)
	for i := range image {
		image[i] = byte(i / firmwarePageSize)
	}
	fw := testFirmware()
	fw.Image = image
	dev := New(chip, WithTargetsPerZone(2))
	require.NoError(t, dev.Ping(context.Background()))

	require.NoError(t, dev.Init(context.Background(), fw))

	assert.Equal(t, StateIdle, dev.State())
	assert.Equal(t, byte(1), chip.Peek(0x0A, 0x10, 1)[0], "second firmware page")
	assert.Equal(t, byte(2), chip.Peek(0x0B, 0x4FFF, 1)[0], "last firmware page")
	assert.Equal(t, []byte{2, 0, 1, 0}, chip.DCI(dciPipeControl))
	assert.Equal(t, byte(2), chip.DCI(dciFWNbTarget)[0x0C])
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(chip.DCI(dciSingleRange)))
	// the NVM offsets are kept for later resolution changes
	assert.Equal(t, byte(100), dev.offsetData[100])
}

func TestDevice_InitRejectsFirmware(t *testing.T) {
	chip := chiptest.NewChip()
	dev := New(chip)
	require.NoError(t, dev.Ping(context.Background()))
	before := chip.Transfers()

	err := dev.Init(context.Background(), Firmware{Image: make([]byte, 10)})

	assert.ErrorContains(t, err, "firmware image too short")
	assert.Equal(t, before, chip.Transfers())
}

func TestDevice_InitAbortsOnBusError(t *testing.T) {
	chip := chiptest.NewChip()
	dev := New(chip)
	require.NoError(t, dev.Ping(context.Background()))
	before := chip.Transfers()
	chip.FailAfter(10)

	err := dev.Init(context.Background(), testFirmware())

	require.ErrorIs(t, err, chiptest.ErrInjected)
	assert.ErrorContains(t, err, "vl53l5cx: init: software reboot")
	assert.Equal(t, StatePinged, dev.State())
	assert.Equal(t, before+11, chip.Transfers(), "no transfer after the failing one")
}

func TestDevice_InitFirmwareError(t *testing.T) {
	chip := chiptest.NewChip()
	dev := New(chip)
	require.NoError(t, dev.Ping(context.Background()))
	chip.RejectNextCommand()

	err := dev.Init(context.Background(), testFirmware())

	require.ErrorIs(t, err, ErrMCU)
	assert.ErrorContains(t, err, "offset calibration")
}

func TestDevice_SetAddress(t *testing.T) {
	chip := chiptest.NewChip()
	dev := New(chip)
	require.NoError(t, dev.Ping(context.Background()))

	require.NoError(t, dev.SetAddress(context.Background(), 0x31))
	assert.Equal(t, tof.Address(0x31), dev.Address())
	assert.Equal(t, byte(0x31), chip.Peek(pageBoot, regI2CAddress, 1)[0])
	assert.Equal(t, pageUI, chip.Page())

	err := dev.SetAddress(context.Background(), 0x80)
	assert.ErrorIs(t, err, tof.ErrInvalidAddress)
}

func TestDevice_RangingLifecycle(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	ctx := context.Background()
	cfg := RangingConfig{
		Resolution:        Resolution4x4,
		Mode:              ModeAutonomous,
		IntegrationTimeMS: 20,
		FrequencyHz:       10,
		SharpenerPct:      20,
		TargetOrder:       TargetOrderClosest,
	}

	r, err := dev.StartRanging(ctx, cfg)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, StateRanging, dev.State())
	assert.True(t, chip.Ranging())
	assert.Equal(t, 1, chip.Starts())
	assert.Equal(t, byte(10), chip.DCI(dciFreqHz)[1])
	assert.Equal(t, uint32(20000), binary.LittleEndian.Uint32(chip.DCI(dciIntTime)))
	assert.Equal(t, byte(51), chip.DCI(dciSharpener)[0x0D])
	assert.Equal(t, byte(1), chip.DCI(dciTargetOrder)[0])
	assert.Equal(t, []byte{0, 3, 0, 2, 0, 0, 0, 0}, chip.DCI(dciRangingMode))
	assert.Equal(t, byte(4), chip.DCI(dciZoneConfig)[0])

	ready, err := r.IsReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready, "nothing measured yet")

	chip.Publish(chiptest.Frame{
		TemperatureC:    28,
		TargetsDetected: []uint8{1},
		DistanceMM:      []int16{120},
		TargetStatus:    []uint8{StatusValid},
	})

	ready, err = r.IsReady(ctx)
	require.NoError(t, err)
	require.True(t, ready)
	ready, err = r.IsReady(ctx)
	require.NoError(t, err)
	assert.False(t, ready, "same stream count")

	res, err := r.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, int8(28), res.TemperatureC)
	assert.Equal(t, "valid(120)", res.Measurements[0][0][0].String())

	idle, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Same(t, dev, idle)
	assert.Equal(t, StateIdle, dev.State())
	assert.False(t, chip.Ranging())
	assert.Equal(t, 1, chip.Stops())

	_, err = r.Stop(ctx)
	assert.ErrorIs(t, err, ErrStopped)
	r.Close()
	assert.Equal(t, 1, chip.Stops(), "stop command sent once")

	_, err = r.GetData(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestDevice_CloseStops(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	func() {
		r, err := dev.StartRanging(context.Background(), DefaultRangingConfig())
		require.NoError(t, err)
		defer r.Close()
	}()
	assert.Equal(t, 1, chip.Stops())
	assert.Equal(t, StateIdle, dev.State())
}

func TestDevice_ClosePanicsOnFailedStop(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	r, err := dev.StartRanging(context.Background(), DefaultRangingConfig())
	require.NoError(t, err)
	chip.FailAfter(0)

	assert.Panics(t, r.Close)
}

func TestDevice_FailedStopCanBeRetried(t *testing.T) {
	ctx := context.Background()
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	r, err := dev.StartRanging(ctx, DefaultRangingConfig())
	require.NoError(t, err)
	chip.FailAfter(0)

	_, err = r.Stop(ctx)
	require.ErrorIs(t, err, chiptest.ErrInjected)
	assert.False(t, r.Stopped())
	assert.True(t, chip.Ranging())
	assert.Equal(t, StateRanging, dev.State())
	assert.Panics(t, r.Close, "close retries the stop")

	chip.Recover()
	idle, err := r.Stop(ctx)
	require.NoError(t, err)
	assert.Same(t, dev, idle)
	assert.True(t, r.Stopped())
	assert.False(t, chip.Ranging())
	assert.Equal(t, 1, chip.Stops())
	assert.NotPanics(t, r.Close)
}

func TestDevice_StartRangingInvalidConfig(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	before := chip.Transfers()

	_, err := dev.StartRanging(context.Background(), RangingConfig{Resolution: Resolution8x8, FrequencyHz: 61})

	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, before, chip.Transfers(), "no bus traffic")
	assert.Equal(t, StateIdle, dev.State())
}

func TestDevice_StartRangingTwice(t *testing.T) {
	dev := idleDevice(t, chiptest.NewChip())
	r, err := dev.StartRanging(context.Background(), DefaultRangingConfig())
	require.NoError(t, err)
	defer r.Close()

	_, err = dev.StartRanging(context.Background(), DefaultRangingConfig())
	var serr *StateError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, StateRanging, serr.State)
	assert.ErrorAs(t, dev.Ping(context.Background()), &serr)
}

func TestDevice_DiscardFirstFrame(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip, WithDiscardFirstFrame())
	ctx := context.Background()
	r, err := dev.StartRanging(ctx, DefaultRangingConfig())
	require.NoError(t, err)
	defer r.Close()

	chip.Publish(chiptest.Frame{})
	_, err = r.GetData(ctx)
	assert.ErrorIs(t, err, ErrFrameDiscarded)

	chip.Publish(chiptest.Frame{})
	res, err := r.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), res.StreamCount)
}

func TestDevice_8x8MultiTarget(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip, WithTargetsPerZone(2), WithTargetSeparationCheck())
	ctx := context.Background()
	r, err := dev.StartRanging(ctx, RangingConfig{Resolution: Resolution8x8, FrequencyHz: 15, TargetOrder: TargetOrderStrongest})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, byte(8), chip.DCI(dciZoneConfig)[0])
	assert.Equal(t, byte(2), chip.DCI(dciTargetOrder)[0])

	f := chiptest.Frame{
		TargetsDetected: make([]uint8, 64),
		DistanceMM:      make([]int16, 128),
		TargetStatus:    make([]uint8, 128),
	}
	f.TargetsDetected[63] = 2
	f.DistanceMM[126], f.DistanceMM[127] = 800, 1000
	f.TargetStatus[126], f.TargetStatus[127] = StatusValid, StatusValid
	chip.Publish(f)

	res, err := r.GetData(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonTargetsTooClose, res.Measurements[0][7][7].Reason())
	assert.Equal(t, ReasonTargetsTooClose, res.Measurements[1][7][7].Reason())
}

func TestDevice_ReadyReportsFirmwareError(t *testing.T) {
	chip := chiptest.NewChip()
	dev := idleDevice(t, chip)
	r, err := dev.StartRanging(context.Background(), DefaultRangingConfig())
	require.NoError(t, err)
	defer r.Close()

	chip.Poke(pageUI, 0, []byte{0xFF, 0x00, 0x42, 0x80})
	_, err = r.IsReady(context.Background())
	var merr *MCUError
	require.ErrorAs(t, err, &merr)
	assert.Equal(t, byte(0x42), merr.Status)
}
