package vl53l5cx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFirmware() Firmware {
	return Firmware{
		Image:                make([]byte, firmwareSize),
		DefaultConfiguration: make([]byte, configSize),
		DefaultXtalk:         make([]byte, xtalkBufferSize),
		NVMCommand:           make([]byte, 40),
	}
}

func writeFirmware(t *testing.T, dir string, fw Firmware) {
	t.Helper()
	files := map[string][]byte{
		FirmwareImageFile: fw.Image,
		DefaultConfigFile: fw.DefaultConfiguration,
		DefaultXtalkFile:  fw.DefaultXtalk,
		NVMCommandFile:    fw.NVMCommand,
	}
	for name, data := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o600))
	}
}

func TestLoadFirmware(t *testing.T) {
	dir := t.TempDir()
	want := testFirmware()
	want.NVMCommand[0] = 0x54
	writeFirmware(t, dir, want)

	fw, err := LoadFirmware(dir)

	require.NoError(t, err)
	assert.Equal(t, want, fw)
}

func TestLoadFirmware_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFirmware(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := testFirmware()
	bad.DefaultXtalk = bad.DefaultXtalk[:10]
	writeFirmware(t, dir, bad)
	_, err = LoadFirmware(dir)
	assert.EqualError(t, err, "vl53l5cx: default xtalk must be 776 bytes, got 10")
}
