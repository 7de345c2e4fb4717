package vl53l5cx

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig is matched by every ranging configuration violation.
var ErrInvalidConfig = errors.New("vl53l5cx: invalid ranging config")

// Resolution is the number of zones of the measurement grid.
type Resolution uint8

const (
	Resolution4x4 Resolution = 16
	Resolution8x8 Resolution = 64
)

// Dim returns the grid side.
func (r Resolution) Dim() int {
	if r == Resolution8x8 {
		return 8
	}
	return 4
}

func (r Resolution) Zones() int {
	return int(r)
}

func (r Resolution) String() string {
	switch r {
	case Resolution4x4:
		return "4x4"
	case Resolution8x8:
		return "8x8"
	}
	return fmt.Sprintf("Resolution(%d)", uint8(r))
}

func (r Resolution) valid() bool {
	return r == Resolution4x4 || r == Resolution8x8
}

// integrationUnits is the number of integration periods a single frame
// takes at the given resolution.
func (r Resolution) integrationUnits() uint32 {
	if r == Resolution8x8 {
		return 4
	}
	return 1
}

// maxFrequency is the highest ranging frequency accepted at r.
func (r Resolution) maxFrequency() uint8 {
	if r == Resolution8x8 {
		return 60
	}
	return 15
}

type Mode uint8

const (
	// ModeContinuous ranges back to back, the integration time being the
	// whole frame period.
	ModeContinuous Mode = iota
	// ModeAutonomous integrates for IntegrationTimeMS once per frame
	// period, leaving the chip idle in between.
	ModeAutonomous
)

func (m Mode) String() string {
	switch m {
	case ModeContinuous:
		return "continuous"
	case ModeAutonomous:
		return "autonomous"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// TargetOrder selects which target is reported first when a zone sees
// more than one.
type TargetOrder uint8

const (
	TargetOrderClosest TargetOrder = iota
	TargetOrderStrongest
)

func (o TargetOrder) String() string {
	switch o {
	case TargetOrderClosest:
		return "closest"
	case TargetOrderStrongest:
		return "strongest"
	}
	return fmt.Sprintf("TargetOrder(%d)", uint8(o))
}

// RangingConfig is applied as a whole when a ranging session starts.
// It is validated then, not at construction.
type RangingConfig struct {
	Resolution Resolution
	Mode       Mode
	// IntegrationTimeMS is only used in autonomous mode.
	IntegrationTimeMS uint32
	// FrequencyHz is the frame rate. Zero keeps the chip default in
	// continuous mode.
	FrequencyHz uint8
	// SharpenerPct of 0 disables the sharpener.
	SharpenerPct uint8
	TargetOrder  TargetOrder
}

// DefaultRangingConfig is the chip power-on configuration.
func DefaultRangingConfig() RangingConfig {
	return RangingConfig{
		Resolution:   Resolution4x4,
		Mode:         ModeContinuous,
		FrequencyHz:  1,
		SharpenerPct: 5,
		TargetOrder:  TargetOrderStrongest,
	}
}

// Validate reports the first violated constraint as a *ConfigError.
func (c RangingConfig) Validate() error {
	if !c.Resolution.valid() {
		return &ConfigError{Field: "resolution", Value: c.Resolution, Reason: "must be 4x4 or 8x8"}
	}
	if c.Mode != ModeContinuous && c.Mode != ModeAutonomous {
		return &ConfigError{Field: "mode", Value: c.Mode, Reason: "unknown mode"}
	}
	if c.TargetOrder != TargetOrderClosest && c.TargetOrder != TargetOrderStrongest {
		return &ConfigError{Field: "target order", Value: c.TargetOrder, Reason: "unknown order"}
	}
	if c.SharpenerPct > 99 {
		return &ConfigError{Field: "sharpener", Value: c.SharpenerPct, Reason: "must be at most 99%"}
	}
	maxFreq := c.Resolution.maxFrequency()
	if c.Mode == ModeAutonomous || c.FrequencyHz != 0 {
		if c.FrequencyHz < 1 || c.FrequencyHz > maxFreq {
			return &ConfigError{
				Field:  "frequency",
				Value:  c.FrequencyHz,
				Reason: fmt.Sprintf("must be within [1, %d] Hz at %s", maxFreq, c.Resolution),
			}
		}
	}
	if c.Mode != ModeAutonomous {
		return nil
	}
	if c.IntegrationTimeMS < 2 || c.IntegrationTimeMS > 1000 {
		return &ConfigError{Field: "integration time", Value: c.IntegrationTimeMS, Reason: "must be within [2, 1000] ms"}
	}
	budget := (c.IntegrationTimeMS + 1) * c.Resolution.integrationUnits() * uint32(c.FrequencyHz)
	if budget >= 1000 {
		return &ConfigError{
			Field:  "integration time",
			Value:  c.IntegrationTimeMS,
			Reason: fmt.Sprintf("does not fit a %d Hz frame at %s", c.FrequencyHz, c.Resolution),
		}
	}
	return nil
}

type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("vl53l5cx: invalid ranging config: %s %v %s", e.Field, e.Value, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}
