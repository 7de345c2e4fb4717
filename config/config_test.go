package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/vl53l5cx"
)

const board = `
bus:
  adapter: periph
  device: /dev/i2c-1
  speed_hz: 1000000
select:
  kind: mcp23017
  address: 0x21
interrupt:
  pin: GPIO4
  fallback: 200ms
firmware: /opt/tof/firmware
targets_per_zone: 2
separation_check: true
ranging:
  resolution: 8x8
  mode: autonomous
  integration_ms: 20
  frequency_hz: 10
  target_order: closest
sensors:
  - name: left
    select: "0"
    address: 0x30
  - name: right
    select: "1"
    address: 0x31
    ranging:
      resolution: 4x4
      frequency_hz: 12
mqtt:
  url: tcp://localhost:1883/robot
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(path, []byte(board), 0o600))

	c, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, AdapterPeriph, c.Bus.Adapter)
	assert.Equal(t, 1_000_000, c.Bus.SpeedHz)
	assert.Equal(t, uint8(0x21), c.Select.Address)
	assert.Equal(t, 200*time.Millisecond, c.Interrupt.Fallback)
	assert.Equal(t, 5*time.Millisecond, c.Interrupt.PollInterval, "default kept")
	assert.Equal(t, []tof.Address{0x30, 0x31}, c.Addresses())
	assert.Len(t, c.DeviceOpts(), 2)

	configs, err := c.RangingConfigs()
	require.NoError(t, err)
	assert.Equal(t, vl53l5cx.RangingConfig{
		Resolution:        vl53l5cx.Resolution8x8,
		Mode:              vl53l5cx.ModeAutonomous,
		IntegrationTimeMS: 20,
		FrequencyHz:       10,
		SharpenerPct:      5,
		TargetOrder:       vl53l5cx.TargetOrderClosest,
	}, configs[0])
	assert.Equal(t, vl53l5cx.RangingConfig{
		Resolution:  vl53l5cx.Resolution4x4,
		Mode:        vl53l5cx.ModeContinuous,
		FrequencyHz: 12,
		TargetOrder: vl53l5cx.TargetOrderStrongest,
	}, configs[1])
}

func TestMarshalRoundTrip(t *testing.T) {
	c := Default()
	data, err := c.Marshal()
	require.NoError(t, err)

	back, err := Parse(data)

	require.NoError(t, err)
	assert.Equal(t, c, back)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(c *Config)
		wantErr string
	}{
		{name: "default", modify: func(c *Config) {}},
		{name: "adapter", modify: func(c *Config) { c.Bus.Adapter = "ftdi" }, wantErr: `unknown bus adapter "ftdi"`},
		{name: "max transfer", modify: func(c *Config) { c.Bus.MaxTransfer = 2 }, wantErr: "max transfer 2"},
		{name: "select kind", modify: func(c *Config) { c.Select.Kind = "mux" }, wantErr: `unknown select kind "mux"`},
		{name: "expander address", modify: func(c *Config) {
			c.Select = Select{Kind: SelectMCP23017, Address: 0x80}
		}, wantErr: "expander"},
		{name: "no interrupt", modify: func(c *Config) { c.Interrupt.Pin = "" }, wantErr: "no interrupt pin"},
		{name: "no poll interval", modify: func(c *Config) { c.Interrupt.PollInterval = 0 }, wantErr: "mcp2221 interrupt needs a poll interval"},
		{name: "periph without poll interval", modify: func(c *Config) {
			c.Bus.Adapter = AdapterPeriph
			c.Interrupt.PollInterval = 0
		}},
		{name: "nanopi without fallback", modify: func(c *Config) { c.Bus.Adapter = AdapterNanoPi }, wantErr: "needs a fallback"},
		{name: "nanopi with fallback", modify: func(c *Config) {
			c.Bus.Adapter = AdapterNanoPi
			c.Interrupt.Fallback = 100 * time.Millisecond
		}},
		{name: "targets", modify: func(c *Config) { c.TargetsPerZone = 5 }, wantErr: "targets per zone 5"},
		{name: "no sensors", modify: func(c *Config) { c.Sensors = nil }, wantErr: "no sensors"},
		{name: "duplicate address", modify: func(c *Config) {
			c.Sensors = append(c.Sensors, Sensor{Name: "tof1", Select: "2", Address: 0x30})
		}, wantErr: "share address 0x30"},
		{name: "duplicate select", modify: func(c *Config) {
			c.Sensors = append(c.Sensors, Sensor{Name: "tof1", Select: "0", Address: 0x31})
		}, wantErr: `share select line "0"`},
		{name: "factory address in flock", modify: func(c *Config) {
			c.Sensors = append(c.Sensors, Sensor{Name: "tof1", Select: "2", Address: 0x29})
		}, wantErr: "keeps the factory address"},
		{name: "unknown mode", modify: func(c *Config) { c.Ranging.Mode = "burst" }, wantErr: `unknown ranging mode "burst"`},
		{name: "ranging violation", modify: func(c *Config) {
			c.Ranging.Resolution = "4x4"
			c.Ranging.FrequencyHz = 30
		}, wantErr: "frequency"},
		{name: "mqtt without url", modify: func(c *Config) { c.MQTT = &MQTT{} }, wantErr: "mqtt sink without url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.modify(&c)

			err := c.Validate()

			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_RangingErrorKeepsType(t *testing.T) {
	c := Default()
	c.Ranging.SharpenerPct = 100

	err := c.Validate()

	assert.ErrorIs(t, err, vl53l5cx.ErrInvalidConfig)
}
