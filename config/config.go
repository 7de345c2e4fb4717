// Package config reads the board description: which bus host the chips hang
// off, how they are selected and how they range.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/tof"
	"github.com/mklimuk/tof/vl53l5cx"
)

var ErrInvalid = errors.New("invalid board config")

const (
	AdapterMCP2221 = "mcp2221"
	AdapterPeriph  = "periph"
	AdapterNanoPi  = "nanopi"

	SelectPin      = "pin"
	SelectMCP23017 = "mcp23017"
)

type Bus struct {
	// Adapter is one of mcp2221, periph or nanopi.
	Adapter string `yaml:"adapter"`
	// Device names the periph bus (e.g. "/dev/i2c-1" or "1").
	Device string `yaml:"device,omitempty"`
	// Number is the gobot bus number.
	Number  int           `yaml:"number,omitempty"`
	SpeedHz int           `yaml:"speed_hz,omitempty"`
	TxDelay time.Duration `yaml:"tx_delay,omitempty"`
	// MaxTransfer bounds one periph or gobot message, the i2c-dev limit
	// when zero.
	MaxTransfer int `yaml:"max_transfer,omitempty"`
}

type Select struct {
	// Kind is pin (host or adapter gpio) or mcp23017.
	Kind    string `yaml:"kind"`
	Address uint8  `yaml:"address,omitempty"`
}

type Interrupt struct {
	Pin          string        `yaml:"pin"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	Fallback     time.Duration `yaml:"fallback,omitempty"`
}

type Ranging struct {
	Resolution    string `yaml:"resolution"`
	Mode          string `yaml:"mode"`
	IntegrationMS uint32 `yaml:"integration_ms,omitempty"`
	FrequencyHz   uint8  `yaml:"frequency_hz,omitempty"`
	SharpenerPct  uint8  `yaml:"sharpener_pct,omitempty"`
	TargetOrder   string `yaml:"target_order,omitempty"`
}

type Sensor struct {
	Name    string   `yaml:"name"`
	Select  string   `yaml:"select"`
	Address uint8    `yaml:"address"`
	Ranging *Ranging `yaml:"ranging,omitempty"`
}

type Record struct {
	Path string `yaml:"path"`
}

type MQTT struct {
	URL      string `yaml:"url"`
	ClientID string `yaml:"client_id,omitempty"`
	QoS      byte   `yaml:"qos,omitempty"`
}

type Config struct {
	Bus               Bus       `yaml:"bus"`
	Select            Select    `yaml:"select"`
	Interrupt         Interrupt `yaml:"interrupt"`
	Firmware          string    `yaml:"firmware"`
	TargetsPerZone    int       `yaml:"targets_per_zone,omitempty"`
	DiscardFirstFrame bool      `yaml:"discard_first_frame,omitempty"`
	SeparationCheck   bool      `yaml:"separation_check,omitempty"`
	Ranging           Ranging   `yaml:"ranging"`
	Sensors           []Sensor  `yaml:"sensors"`
	Record            *Record   `yaml:"record,omitempty"`
	MQTT              *MQTT     `yaml:"mqtt,omitempty"`
}

// Default is a single 4x4 chip on an MCP2221 adapter, selected by GP0.
func Default() Config {
	return Config{
		Bus:            Bus{Adapter: AdapterMCP2221, SpeedHz: 400_000},
		Select:         Select{Kind: SelectPin},
		Interrupt:      Interrupt{Pin: "1", PollInterval: 5 * time.Millisecond},
		Firmware:       "firmware",
		TargetsPerZone: 1,
		Ranging: Ranging{
			Resolution:   "4x4",
			Mode:         "continuous",
			FrequencyHz:  1,
			SharpenerPct: 5,
			TargetOrder:  "strongest",
		},
		Sensors: []Sensor{{Name: "tof0", Select: "0", Address: 0x30}},
	}
}

// Load reads the file at path over Default.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("could not read board config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	c := Default()
	c.Sensors = nil
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("could not parse board config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the board layout and every sensor's ranging config.
func (c Config) Validate() error {
	switch c.Bus.Adapter {
	case AdapterMCP2221, AdapterPeriph, AdapterNanoPi:
	default:
		return invalid("unknown bus adapter %q", c.Bus.Adapter)
	}
	if c.Bus.MaxTransfer != 0 && c.Bus.MaxTransfer < 3 {
		return invalid("max transfer %d leaves no room for data", c.Bus.MaxTransfer)
	}
	switch c.Select.Kind {
	case SelectPin:
	case SelectMCP23017:
		if _, err := tof.NewAddress(c.Select.Address); err != nil {
			return invalid("expander: %v", err)
		}
	default:
		return invalid("unknown select kind %q", c.Select.Kind)
	}
	if c.Interrupt.Pin == "" {
		return invalid("no interrupt pin")
	}
	if c.Bus.Adapter != AdapterPeriph && c.Interrupt.PollInterval <= 0 {
		return invalid("%s interrupt needs a poll interval", c.Bus.Adapter)
	}
	// a polled level misses pulses shorter than the interval
	if c.Bus.Adapter == AdapterNanoPi && c.Interrupt.Fallback <= 0 {
		return invalid("nanopi interrupt is polled and needs a fallback")
	}
	if c.TargetsPerZone < 1 || c.TargetsPerZone > 4 {
		return invalid("targets per zone %d not within [1, 4]", c.TargetsPerZone)
	}
	if len(c.Sensors) == 0 {
		return invalid("no sensors")
	}
	names := map[string]bool{}
	addrs := map[uint8]string{}
	selects := map[string]string{}
	for i, s := range c.Sensors {
		if s.Name == "" {
			return invalid("sensor %d has no name", i)
		}
		if names[s.Name] {
			return invalid("duplicate sensor name %q", s.Name)
		}
		names[s.Name] = true
		if _, err := tof.NewAddress(s.Address); err != nil {
			return invalid("sensor %s: %v", s.Name, err)
		}
		if s.Address == uint8(tof.DefaultAddress) && len(c.Sensors) > 1 {
			return invalid("sensor %s keeps the factory address", s.Name)
		}
		if other, ok := addrs[s.Address]; ok {
			return invalid("sensors %s and %s share address %#02x", other, s.Name, s.Address)
		}
		addrs[s.Address] = s.Name
		if other, ok := selects[s.Select]; ok {
			return invalid("sensors %s and %s share select line %q", other, s.Name, s.Select)
		}
		selects[s.Select] = s.Name
		rc, err := c.RangingConfig(i)
		if err != nil {
			return invalid("sensor %s: %v", s.Name, err)
		}
		if err := rc.Validate(); err != nil {
			return fmt.Errorf("sensor %s: %w", s.Name, err)
		}
	}
	if c.MQTT != nil && c.MQTT.URL == "" {
		return invalid("mqtt sink without url")
	}
	if c.Record != nil && c.Record.Path == "" {
		return invalid("record sink without path")
	}
	return nil
}

// Addresses returns the target address of every sensor.
func (c Config) Addresses() []tof.Address {
	out := make([]tof.Address, len(c.Sensors))
	for i, s := range c.Sensors {
		out[i] = tof.Address(s.Address)
	}
	return out
}

// RangingConfigs returns the ranging config of every sensor.
func (c Config) RangingConfigs() ([]vl53l5cx.RangingConfig, error) {
	out := make([]vl53l5cx.RangingConfig, len(c.Sensors))
	for i := range c.Sensors {
		rc, err := c.RangingConfig(i)
		if err != nil {
			return nil, err
		}
		out[i] = rc
	}
	return out, nil
}

// RangingConfig returns the config of sensor i, its own ranging section
// replacing the board wide one. The result is not validated.
func (c Config) RangingConfig(i int) (vl53l5cx.RangingConfig, error) {
	r := c.Ranging
	if i >= 0 && i < len(c.Sensors) && c.Sensors[i].Ranging != nil {
		r = *c.Sensors[i].Ranging
	}
	return r.Parse()
}

func (r Ranging) Parse() (vl53l5cx.RangingConfig, error) {
	rc := vl53l5cx.RangingConfig{
		IntegrationTimeMS: r.IntegrationMS,
		FrequencyHz:       r.FrequencyHz,
		SharpenerPct:      r.SharpenerPct,
	}
	switch strings.ToLower(r.Resolution) {
	case "4x4", "":
		rc.Resolution = vl53l5cx.Resolution4x4
	case "8x8":
		rc.Resolution = vl53l5cx.Resolution8x8
	default:
		return rc, fmt.Errorf("unknown resolution %q", r.Resolution)
	}
	switch strings.ToLower(r.Mode) {
	case "continuous", "":
		rc.Mode = vl53l5cx.ModeContinuous
	case "autonomous":
		rc.Mode = vl53l5cx.ModeAutonomous
	default:
		return rc, fmt.Errorf("unknown ranging mode %q", r.Mode)
	}
	switch strings.ToLower(r.TargetOrder) {
	case "strongest", "":
		rc.TargetOrder = vl53l5cx.TargetOrderStrongest
	case "closest":
		rc.TargetOrder = vl53l5cx.TargetOrderClosest
	default:
		return rc, fmt.Errorf("unknown target order %q", r.TargetOrder)
	}
	return rc, nil
}

// DeviceOpts returns the chip options the board asks for.
func (c Config) DeviceOpts() []vl53l5cx.Opt {
	opts := []vl53l5cx.Opt{vl53l5cx.WithTargetsPerZone(c.TargetsPerZone)}
	if c.DiscardFirstFrame {
		opts = append(opts, vl53l5cx.WithDiscardFirstFrame())
	}
	if c.SeparationCheck {
		opts = append(opts, vl53l5cx.WithTargetSeparationCheck())
	}
	return opts
}
