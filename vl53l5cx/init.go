package vl53l5cx

import (
	"context"
	"fmt"
	"time"
)

// Init uploads the firmware and the default calibration and configuration.
// The chip state is undefined if any step fails, Init must then be retried
// from a power cycle.
func (d *Device) Init(ctx context.Context, fw Firmware) error {
	if d.state != StatePinged {
		return &StateError{Op: "init", State: d.state}
	}
	if n := d.config.TargetsPerZone; n < 1 || n > MaxTargetsPerZone {
		return fmt.Errorf("vl53l5cx: init: %d targets per zone out of [1, %d]", n, MaxTargetsPerZone)
	}
	if err := fw.Validate(); err != nil {
		return err
	}
	steps := []struct {
		name string
		run  func(ctx context.Context) error
	}{
		{"software reboot", d.reboot},
		{"firmware access", d.enableFirmwareAccess},
		{"firmware download", func(ctx context.Context) error { return d.download(ctx, fw.Image) }},
		{"mcu reset", d.resetMCU},
		{"offset calibration", func(ctx context.Context) error { return d.loadOffsets(ctx, fw.NVMCommand) }},
		{"xtalk calibration", func(ctx context.Context) error { return d.loadXtalk(ctx, fw.DefaultXtalk) }},
		{"default configuration", func(ctx context.Context) error { return d.loadConfiguration(ctx, fw.DefaultConfiguration) }},
		{"pipe control", d.setupPipe},
	}
	start := time.Now()
	for _, step := range steps {
		d.config.Logger.Debug("init step", "step", step.name, "address", d.tr.Address())
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("vl53l5cx: init: %s: %w", step.name, err)
		}
	}
	d.state = StateIdle
	d.config.Logger.Info("chip initialised", "address", d.tr.Address(), "took", time.Since(start))
	return nil
}

func (d *Device) reboot(ctx context.Context) error {
	err := d.writeSeq(ctx, []regWrite{
		{regPageSelect, pageBoot},
		{regXshutCtrl, 0x04},
		{0x000F, 0x40},
		{0x000A, 0x03},
	})
	if err != nil {
		return err
	}
	if _, err := d.rd(ctx, regPageSelect); err != nil {
		return err
	}
	err = d.writeSeq(ctx, []regWrite{
		{regMCUCtrl, 0x01},
		{0x0101, 0x00},
		{0x0102, 0x00},
		{0x010A, 0x01},
		{0x4002, 0x01},
		{0x4002, 0x00},
		{0x010A, 0x03},
		{0x0103, 0x01},
		{regMCUCtrl, 0x00},
		{0x000F, 0x43},
	})
	if err != nil {
		return err
	}
	if err := d.tr.Delay(ctx, time.Millisecond); err != nil {
		return err
	}
	err = d.writeSeq(ctx, []regWrite{
		{0x000F, 0x40},
		{0x000A, 0x01},
	})
	if err != nil {
		return err
	}
	if err := d.tr.Delay(ctx, 100*time.Millisecond); err != nil {
		return err
	}
	if err := d.page(ctx, pageBoot); err != nil {
		return err
	}
	return d.pollForAnswer(ctx, 1, 0, regGO2Status0, 0xff, 0x01)
}

// enableFirmwareAccess powers the firmware RAM and wakes the MCU.
func (d *Device) enableFirmwareAccess(ctx context.Context) error {
	err := d.writeSeq(ctx, []regWrite{
		{0x000E, 0x01},
		{regPageSelect, pageUI},
		{0x0003, 0x0D},
		{regPageSelect, pageMCU},
	})
	if err != nil {
		return err
	}
	if err := d.pollForAnswer(ctx, 1, 0, regBootStatus, 0x10, 0x10); err != nil {
		return err
	}
	if err := d.page(ctx, pageBoot); err != nil {
		return err
	}
	if _, err := d.rd(ctx, regPageSelect); err != nil {
		return err
	}
	err = d.writeSeq(ctx, []regWrite{
		{regMCUCtrl, 0x01},
		{regPageSelect, pageBoot},
		{0x0101, 0x00},
		{0x0102, 0x00},
		{0x010A, 0x01},
		{0x4002, 0x01},
		{0x4002, 0x00},
		{0x010A, 0x03},
		{0x0103, 0x01},
		{0x400F, 0x00},
		{0x021A, 0x43},
		{0x021A, 0x03},
		{0x021A, 0x01},
		{0x021A, 0x00},
		{0x0219, 0x00},
		{0x021B, 0x00},
		{regPageSelect, pageBoot},
	})
	if err != nil {
		return err
	}
	if _, err := d.rd(ctx, regPageSelect); err != nil {
		return err
	}
	return d.writeSeq(ctx, []regWrite{
		{regMCUCtrl, 0x00},
		{regPageSelect, pageMCU},
		{0x0020, 0x07},
		{0x0020, 0x06},
	})
}

// download writes the firmware image into the three firmware pages and
// checks the MCU picked it up.
func (d *Device) download(ctx context.Context, image []byte) error {
	for i := 0; i*firmwarePageSize < firmwareSize; i++ {
		start := i * firmwarePageSize
		end := min(start+firmwarePageSize, firmwareSize)
		if err := d.page(ctx, pageFirmware+byte(i)); err != nil {
			return err
		}
		if err := d.tr.Write(ctx, 0x0000, image[start:end]); err != nil {
			return err
		}
	}
	err := d.writeSeq(ctx, []regWrite{
		{regPageSelect, pageMCU},
		{regPageSelect, pageUI},
		{0x0003, 0x0D},
		{regPageSelect, pageMCU},
	})
	if err != nil {
		return err
	}
	if err := d.pollForAnswer(ctx, 1, 0, regBootStatus, 0x10, 0x10); err != nil {
		return err
	}
	if err := d.page(ctx, pageBoot); err != nil {
		return err
	}
	if _, err := d.rd(ctx, regPageSelect); err != nil {
		return err
	}
	return d.wr(ctx, regMCUCtrl, 0x01)
}

func (d *Device) resetMCU(ctx context.Context) error {
	err := d.writeSeq(ctx, []regWrite{
		{regPageSelect, pageBoot},
		{0x0114, 0x00},
		{0x0115, 0x00},
		{0x0116, 0x42},
		{0x0117, 0x00},
		{0x000B, 0x00},
	})
	if err != nil {
		return err
	}
	if _, err := d.rd(ctx, regPageSelect); err != nil {
		return err
	}
	err = d.writeSeq(ctx, []regWrite{
		{regMCUCtrl, 0x00},
		{0x000B, 0x01},
	})
	if err != nil {
		return err
	}
	if err := d.waitMCUBoot(ctx); err != nil {
		return err
	}
	return d.page(ctx, pageUI)
}

// waitMCUBoot waits up to half a second for the MCU to report it booted.
// Running out of time is not an error, the chip keeps booting and later
// mailbox polls catch a dead MCU.
func (d *Device) waitMCUBoot(ctx context.Context) error {
	for i := 0; i < 500; i++ {
		status, err := d.rd(ctx, regGO2Status0)
		if err != nil {
			return err
		}
		if status&0x80 != 0 {
			code, err := d.rd(ctx, regGO2Status1)
			if err != nil {
				return err
			}
			if code != 0 {
				return &MCUError{Status: code, Reg: regGO2Status1}
			}
			return nil
		}
		if err := d.tr.Delay(ctx, time.Millisecond); err != nil {
			return err
		}
		if status&0x01 != 0 {
			return nil
		}
	}
	d.config.Logger.Warn("mcu boot not confirmed", "address", d.tr.Address())
	return nil
}

// loadOffsets reads the factory offset calibration from the chip NVM and
// sends it back in the 4x4 layout the firmware boots with.
func (d *Device) loadOffsets(ctx context.Context, nvmCmd []byte) error {
	if err := d.tr.Write(ctx, nvmCmdAddr, nvmCmd); err != nil {
		return err
	}
	if err := d.pollForAnswer(ctx, 4, 0, uiCmdStatus, 0xff, 0x02); err != nil {
		return err
	}
	nvm := make([]byte, nvmDataSize)
	if err := d.tr.Read(ctx, uiCmdStart, nvm); err != nil {
		return err
	}
	copy(d.offsetData[:], nvm)
	return d.sendOffsetData(ctx, Resolution4x4)
}

func (d *Device) loadXtalk(ctx context.Context, xtalk []byte) error {
	copy(d.xtalkData[:], xtalk)
	return d.sendXtalkData(ctx, Resolution4x4)
}

func (d *Device) loadConfiguration(ctx context.Context, cfg []byte) error {
	if err := d.tr.Write(ctx, defaultCfgAddr, cfg); err != nil {
		return err
	}
	return d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03)
}

// setupPipe sets the number of reported targets and single range
// operation.
func (d *Device) setupPipe(ctx context.Context) error {
	targets := byte(d.config.TargetsPerZone)
	if err := d.dciWrite(ctx, dciPipeControl, []byte{targets, 0x00, 0x01, 0x00}); err != nil {
		return err
	}
	if targets != 1 {
		if err := d.dciReplace(ctx, dciFWNbTarget, 16, 0x0C, []byte{targets}); err != nil {
			return err
		}
	}
	return d.dciWrite(ctx, dciSingleRange, uint32Bytes(1))
}
