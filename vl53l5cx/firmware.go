package vl53l5cx

import (
	"fmt"
	"os"
	"path/filepath"
)

// Firmware file names expected by LoadFirmware.
const (
	FirmwareImageFile = "firmware.bin"
	DefaultConfigFile = "default_configuration.bin"
	DefaultXtalkFile  = "default_xtalk.bin"
	NVMCommandFile    = "get_nvm_cmd.bin"
)

// Firmware is the vendor supplied blob set flashed into the chip during Init.
// Its content is opaque to this driver.
type Firmware struct {
	Image                []byte
	DefaultConfiguration []byte
	DefaultXtalk         []byte
	NVMCommand           []byte
}

// Validate checks blob sizes against the chip memory layout.
func (f Firmware) Validate() error {
	if len(f.Image) < firmwareSize {
		return fmt.Errorf("vl53l5cx: firmware image too short: %d < %d bytes", len(f.Image), firmwareSize)
	}
	if len(f.DefaultConfiguration) != configSize {
		return fmt.Errorf("vl53l5cx: default configuration must be %d bytes, got %d", configSize, len(f.DefaultConfiguration))
	}
	if len(f.DefaultXtalk) != xtalkBufferSize {
		return fmt.Errorf("vl53l5cx: default xtalk must be %d bytes, got %d", xtalkBufferSize, len(f.DefaultXtalk))
	}
	if len(f.NVMCommand) == 0 {
		return fmt.Errorf("vl53l5cx: empty NVM command")
	}
	return nil
}

// LoadFirmware reads the firmware blob set from dir.
func LoadFirmware(dir string) (Firmware, error) {
	var fw Firmware
	files := []struct {
		name string
		dst  *[]byte
	}{
		{FirmwareImageFile, &fw.Image},
		{DefaultConfigFile, &fw.DefaultConfiguration},
		{DefaultXtalkFile, &fw.DefaultXtalk},
		{NVMCommandFile, &fw.NVMCommand},
	}
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f.name))
		if err != nil {
			return Firmware{}, fmt.Errorf("vl53l5cx: could not read firmware file: %w", err)
		}
		*f.dst = data
	}
	if err := fw.Validate(); err != nil {
		return Firmware{}, err
	}
	return fw, nil
}
