package vl53l5cx

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mklimuk/tof"
)

var (
	// ErrStopped is returned when a ranging session is used after Stop.
	ErrStopped = errors.New("vl53l5cx: ranging stopped")
	// ErrFrameDiscarded is returned by GetData for the first frame of a
	// session when the device drops it.
	ErrFrameDiscarded = errors.New("vl53l5cx: first frame discarded")
)

const autoStopFlag uint32 = 0x4FF

// StartRanging configures the chip and starts a ranging session. The
// configuration is validated before any bus traffic.
func (d *Device) StartRanging(ctx context.Context, cfg RangingConfig) (*Ranging, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if d.state != StateIdle {
		return nil, &StateError{Op: "start ranging", State: d.state}
	}
	if err := d.applyConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("vl53l5cx: start ranging: %w", err)
	}
	size, err := d.startSession(ctx, cfg.Resolution)
	if err != nil {
		return nil, fmt.Errorf("vl53l5cx: start ranging: %w", err)
	}
	d.state = StateRanging
	d.config.Logger.Info("ranging started",
		"address", d.tr.Address(),
		"resolution", cfg.Resolution,
		"mode", cfg.Mode,
		"frequency", cfg.FrequencyHz)
	return &Ranging{
		dev:         d,
		config:      cfg,
		frameSize:   size,
		streamCount: 0xFF,
		decoder: Decoder{
			SeparationCheck: d.config.SeparationCheck,
			Logger:          d.config.Logger,
		},
	}, nil
}

// applyConfig sets the resolution first, the frequency limits depend on it.
func (d *Device) applyConfig(ctx context.Context, cfg RangingConfig) error {
	if err := d.setResolution(ctx, cfg.Resolution); err != nil {
		return fmt.Errorf("resolution: %w", err)
	}
	if cfg.FrequencyHz != 0 {
		if err := d.dciReplace(ctx, dciFreqHz, 4, 0x01, []byte{cfg.FrequencyHz}); err != nil {
			return fmt.Errorf("frequency: %w", err)
		}
	}
	if err := d.setMode(ctx, cfg.Mode); err != nil {
		return fmt.Errorf("mode: %w", err)
	}
	if cfg.Mode == ModeAutonomous {
		us := uint32Bytes(cfg.IntegrationTimeMS * 1000)
		if err := d.dciReplace(ctx, dciIntTime, 20, 0x00, us); err != nil {
			return fmt.Errorf("integration time: %w", err)
		}
	}
	sharpener := byte(uint32(cfg.SharpenerPct) * 255 / 100)
	if err := d.dciReplace(ctx, dciSharpener, 16, 0x0D, []byte{sharpener}); err != nil {
		return fmt.Errorf("sharpener: %w", err)
	}
	order := byte(1)
	if cfg.TargetOrder == TargetOrderStrongest {
		order = 2
	}
	if err := d.dciReplace(ctx, dciTargetOrder, 4, 0x00, []byte{order}); err != nil {
		return fmt.Errorf("target order: %w", err)
	}
	return nil
}

func (d *Device) setResolution(ctx context.Context, res Resolution) error {
	dss, zone := [3]byte{64, 64, 4}, [4]byte{4, 4, 8, 8}
	if res == Resolution8x8 {
		dss, zone = [3]byte{16, 16, 1}, [4]byte{8, 8, 4, 4}
	}
	data, err := d.dciRead(ctx, dciDSSConfig, 16)
	if err != nil {
		return err
	}
	data[0x04], data[0x06], data[0x09] = dss[0], dss[1], dss[2]
	if err := d.dciWrite(ctx, dciDSSConfig, data); err != nil {
		return err
	}
	data, err = d.dciRead(ctx, dciZoneConfig, 8)
	if err != nil {
		return err
	}
	data[0x00], data[0x01], data[0x04], data[0x05] = zone[0], zone[1], zone[2], zone[3]
	if err := d.dciWrite(ctx, dciZoneConfig, data); err != nil {
		return err
	}
	if err := d.sendOffsetData(ctx, res); err != nil {
		return err
	}
	return d.sendXtalkData(ctx, res)
}

func (d *Device) setMode(ctx context.Context, mode Mode) error {
	data, err := d.dciRead(ctx, dciRangingMode, 8)
	if err != nil {
		return err
	}
	single := uint32(0)
	switch mode {
	case ModeContinuous:
		data[0x01], data[0x03] = 0x01, 0x03
	case ModeAutonomous:
		data[0x01], data[0x03] = 0x03, 0x02
		single = 1
	}
	if err := d.dciWrite(ctx, dciRangingMode, data); err != nil {
		return err
	}
	return d.dciWrite(ctx, dciSingleRange, uint32Bytes(single))
}

// startSession programs the frame layout and issues the start command. It
// returns the frame size confirmed by the firmware.
func (d *Device) startSession(ctx context.Context, res Resolution) (int, error) {
	list, size := outputLayout(res, d.config.TargetsPerZone)
	if err := d.dciWrite(ctx, dciOutputList, list.bytes()); err != nil {
		return 0, err
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header, uint32(size))
	binary.LittleEndian.PutUint32(header[4:], uint32(len(list)+1))
	if err := d.dciWrite(ctx, dciOutputConfig, header); err != nil {
		return 0, err
	}
	enables := make([]byte, 0, 16)
	for _, e := range outputEnables {
		enables = binary.LittleEndian.AppendUint32(enables, e)
	}
	if err := d.dciWrite(ctx, dciOutputEnables, enables); err != nil {
		return 0, err
	}
	err := d.writeSeq(ctx, []regWrite{
		{regPageSelect, pageBoot},
		{regXshutCtrl, 0x05},
		{regPageSelect, pageUI},
	})
	if err != nil {
		return 0, err
	}
	if err := d.tr.Write(ctx, uiCmdEnd-3, []byte{0x00, 0x03, 0x00, 0x00}); err != nil {
		return 0, err
	}
	if err := d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03); err != nil {
		return 0, err
	}
	data, err := d.dciRead(ctx, uiRangeDataAddr, 12)
	if err != nil {
		return 0, err
	}
	if got := int(binary.LittleEndian.Uint16(data[8:])); got != size {
		return 0, fmt.Errorf("firmware reports %d byte frames, expected %d", got, size)
	}
	return size, nil
}

// Ranging is an active ranging session. It is ended by Stop, Close must be
// deferred to guarantee the chip is stopped on every path.
type Ranging struct {
	dev         *Device
	config      RangingConfig
	decoder     Decoder
	frameSize   int
	streamCount uint8
	frames      int
	stopped     bool
}

func (r *Ranging) Config() RangingConfig {
	return r.config
}

func (r *Ranging) Address() tof.Address {
	return r.dev.tr.Address()
}

// IsReady reports whether a new frame is available.
func (r *Ranging) IsReady(ctx context.Context) (bool, error) {
	if r.stopped {
		return false, ErrStopped
	}
	var status [4]byte
	if err := r.dev.tr.Read(ctx, 0x0000, status[:]); err != nil {
		return false, fmt.Errorf("vl53l5cx: ready check: %w", err)
	}
	if status[0] != r.streamCount && status[0] != 0xFF && status[1] == 0x05 &&
		status[2]&0x05 == 0x05 && status[3]&0x10 == 0x10 {
		r.streamCount = status[0]
		return true, nil
	}
	if status[3]&0x80 != 0 {
		return false, &MCUError{Status: status[2], Reg: 0x0000}
	}
	return false, nil
}

// GetRawData reads the last frame. It returns stale content unless IsReady
// reported a new frame.
func (r *Ranging) GetRawData(ctx context.Context) (*RawResults, error) {
	if r.stopped {
		return nil, ErrStopped
	}
	frame := make([]byte, r.frameSize)
	if err := r.dev.tr.Read(ctx, 0x0000, frame); err != nil {
		return nil, fmt.Errorf("vl53l5cx: get data: %w", err)
	}
	r.frames++
	if r.frames == 1 && r.dev.config.DiscardFirstFrame {
		r.dev.config.Logger.Debug("first frame discarded", "address", r.dev.tr.Address())
		return nil, ErrFrameDiscarded
	}
	raw, err := parseFrame(frame, r.config.Resolution, r.dev.config.TargetsPerZone)
	if err != nil {
		return nil, err
	}
	r.streamCount = raw.StreamCount
	return raw, nil
}

// GetData reads and decodes the last frame. The returned value is owned by
// the caller.
func (r *Ranging) GetData(ctx context.Context) (*Results, error) {
	raw, err := r.GetRawData(ctx)
	if err != nil {
		return nil, err
	}
	return r.decoder.Decode(raw), nil
}

// Stop ends the session and returns the idle device. Once the chip has
// stopped later calls return ErrStopped. A failed stop leaves the session
// ranging and may be retried.
func (r *Ranging) Stop(ctx context.Context) (*Device, error) {
	if r.stopped {
		return nil, ErrStopped
	}
	if err := r.dev.stop(ctx); err != nil {
		return nil, fmt.Errorf("vl53l5cx: stop ranging: %w", err)
	}
	r.stopped = true
	r.dev.state = StateIdle
	r.dev.config.Logger.Info("ranging stopped", "address", r.dev.tr.Address(), "frames", r.frames)
	return r.dev, nil
}

// Device returns the underlying device. It is only usable on its own once
// the session is stopped.
func (r *Ranging) Device() *Device {
	return r.dev
}

// Stopped reports whether the chip has been stopped.
func (r *Ranging) Stopped() bool {
	return r.stopped
}

// Close stops the session unless Stop already did. A chip which cannot be
// stopped is left mid scan, Close panics then.
func (r *Ranging) Close() {
	if r.stopped {
		return
	}
	if _, err := r.Stop(context.Background()); err != nil {
		panic(err)
	}
}

func (d *Device) stop(ctx context.Context) error {
	var flag [4]byte
	if err := d.tr.Read(ctx, regAutoStop, flag[:]); err != nil {
		return err
	}
	if binary.LittleEndian.Uint32(flag[:]) != autoStopFlag {
		err := d.writeSeq(ctx, []regWrite{
			{regPageSelect, pageBoot},
			{regMCUStop1, 0x16},
			{regMCUStop0, 0x01},
		})
		if err != nil {
			return err
		}
		if err := d.waitMCUStop(ctx); err != nil {
			return err
		}
	}
	status, err := d.rd(ctx, regGO2Status0)
	if err != nil {
		return err
	}
	if status&0x80 != 0 {
		code, err := d.rd(ctx, regGO2Status1)
		if err != nil {
			return err
		}
		if code != 0x84 && code != 0x85 {
			return &MCUError{Status: code, Reg: regGO2Status1}
		}
	}
	return d.writeSeq(ctx, []regWrite{
		{regPageSelect, pageBoot},
		{regMCUStop0, 0x00},
		{regMCUStop1, 0x00},
		{regXshutCtrl, 0x04},
		{regPageSelect, pageUI},
	})
}

func (d *Device) waitMCUStop(ctx context.Context) error {
	deadline := 500
	for i := 0; ; i++ {
		status, err := d.rd(ctx, regGO2Status0)
		if err != nil {
			return err
		}
		if status&0x80 != 0 {
			return nil
		}
		if i >= deadline {
			return fmt.Errorf("%w: mcu stop", ErrTimeout)
		}
		if err := d.tr.Delay(ctx, 10*time.Millisecond); err != nil {
			return err
		}
	}
}
