package vl53l5cx

import (
	"fmt"
	"log/slog"
)

// MinTargetSeparationMM is the smallest distance between two targets of one
// zone the chip can tell apart.
const MinTargetSeparationMM = 600

// Target status codes reported by the firmware.
const (
	StatusValid         uint8 = 5
	StatusWrapAround    uint8 = 6
	StatusLargePulse    uint8 = 9
	StatusNoTargetFound uint8 = 255
)

type Kind uint8

const (
	KindInvalid Kind = iota
	KindValid
	KindSemiValid
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindInvalid:
		return "invalid"
	case KindValid:
		return "valid"
	case KindSemiValid:
		return "semi-valid"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

type ErrorReason uint8

const (
	ReasonNone ErrorReason = iota
	// ReasonTargetStatusButNoTarget marks a usable status reported for a
	// target index the zone did not detect.
	ReasonTargetStatusButNoTarget
	// ReasonTargetsTooClose marks targets of one zone closer to each other
	// than MinTargetSeparationMM.
	ReasonTargetsTooClose
)

func (r ErrorReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonTargetStatusButNoTarget:
		return "target status but no target"
	case ReasonTargetsTooClose:
		return "targets too close"
	}
	return fmt.Sprintf("ErrorReason(%d)", uint8(r))
}

// Measurement is the trust-classified distance of one target in one zone.
// It is only produced by the decoder.
type Measurement struct {
	kind     Kind
	distance int16
	status   uint8
	reason   ErrorReason
}

func (m Measurement) Kind() Kind {
	return m.kind
}

// DistanceMM is the reported distance. It is only meaningful for valid and
// semi-valid measurements.
func (m Measurement) DistanceMM() int16 {
	return m.distance
}

func (m Measurement) Status() uint8 {
	return m.status
}

func (m Measurement) Reason() ErrorReason {
	return m.reason
}

// Usable reports valid and semi-valid measurements.
func (m Measurement) Usable() bool {
	return m.kind == KindValid || m.kind == KindSemiValid
}

func (m Measurement) String() string {
	switch m.kind {
	case KindValid:
		return fmt.Sprintf("valid(%d)", m.distance)
	case KindSemiValid:
		return fmt.Sprintf("semi-valid(%d, %d)", m.distance, m.status)
	case KindError:
		return fmt.Sprintf("error(%d, %d, %s)", m.distance, m.status, m.reason)
	}
	return fmt.Sprintf("invalid(%d, %d)", m.distance, m.status)
}

// classify builds the measurement of target t of a zone which detected
// targets.
func classify(t int, detected uint8, distance int16, status uint8) Measurement {
	m := Measurement{distance: distance, status: status}
	usableStatus := status == StatusValid || status == StatusWrapAround || status == StatusLargePulse
	if t >= int(detected) {
		if usableStatus {
			m.kind = KindError
			m.reason = ReasonTargetStatusButNoTarget
		}
		return m
	}
	switch {
	case status == StatusValid && distance > 0:
		m.kind = KindValid
	case (status == StatusWrapAround || status == StatusLargePulse) && distance > 0:
		m.kind = KindSemiValid
	}
	return m
}

// Results is a decoded frame. Zone matrices are indexed [row][col], target
// matrices [target][row][col].
type Results struct {
	Resolution   Resolution
	Targets      int
	StreamCount  uint8
	TemperatureC int8

	AmbientPerSPAD  [][]uint32
	SPADsEnabled    [][]uint32
	TargetsDetected [][]uint8

	Measurements  [][][]Measurement
	SignalPerSPAD [][][]uint32
	RangeSigmaMM  [][][]uint16
	Reflectance   [][][]uint8

	raw *RawResults
}

// Raw returns the frame the results were decoded from.
func (r *Results) Raw() *RawResults {
	return r.raw
}

// Distances returns the usable distances of target t, -1 elsewhere.
func (r *Results) Distances(t int) [][]int16 {
	out := make([][]int16, len(r.Measurements[t]))
	for row, cols := range r.Measurements[t] {
		out[row] = make([]int16, len(cols))
		for col, m := range cols {
			out[row][col] = -1
			if m.Usable() {
				out[row][col] = m.distance
			}
		}
	}
	return out
}

// Decoder turns raw frames into Results.
type Decoder struct {
	SeparationCheck bool
	Logger          *slog.Logger
}

func grid[T any](dim int) [][]T {
	g := make([][]T, dim)
	for i := range g {
		g[i] = make([]T, dim)
	}
	return g
}

func targetGrid[T any](targets, dim int) [][][]T {
	g := make([][][]T, targets)
	for i := range g {
		g[i] = grid[T](dim)
	}
	return g
}

func (d Decoder) Decode(raw *RawResults) *Results {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dim := raw.Resolution.Dim()
	targets := raw.Targets
	res := &Results{
		Resolution:      raw.Resolution,
		Targets:         targets,
		StreamCount:     raw.StreamCount,
		TemperatureC:    raw.TemperatureC,
		AmbientPerSPAD:  grid[uint32](dim),
		SPADsEnabled:    grid[uint32](dim),
		TargetsDetected: grid[uint8](dim),
		Measurements:    targetGrid[Measurement](targets, dim),
		SignalPerSPAD:   targetGrid[uint32](targets, dim),
		RangeSigmaMM:    targetGrid[uint16](targets, dim),
		Reflectance:     targetGrid[uint8](targets, dim),
		raw:             raw,
	}
	for zone := 0; zone < raw.Resolution.Zones(); zone++ {
		row, col := zone/dim, zone%dim
		detected := raw.TargetsDetected[zone]
		res.AmbientPerSPAD[row][col] = raw.AmbientPerSPAD[zone]
		res.SPADsEnabled[row][col] = raw.SPADsEnabled[zone]
		res.TargetsDetected[row][col] = detected
		for t := 0; t < targets; t++ {
			i := zone*targets + t
			m := classify(t, detected, raw.DistanceMM[i], raw.TargetStatus[i])
			if m.reason == ReasonTargetStatusButNoTarget {
				logger.Warn("target status without a detected target",
					"zone", zone, "target", t, "detected", detected, "status", m.status)
			}
			res.Measurements[t][row][col] = m
			res.SignalPerSPAD[t][row][col] = raw.SignalPerSPAD[i]
			res.RangeSigmaMM[t][row][col] = raw.RangeSigmaMM[i]
			res.Reflectance[t][row][col] = raw.Reflectance[i]
		}
		if d.SeparationCheck {
			checkSeparation(res.Measurements, row, col)
		}
	}
	return res
}

// checkSeparation demotes usable targets of one zone closer to each other
// than MinTargetSeparationMM.
func checkSeparation(m [][][]Measurement, row, col int) {
	tooClose := make([]bool, len(m))
	for a := 0; a < len(m); a++ {
		for b := a + 1; b < len(m); b++ {
			ma, mb := m[a][row][col], m[b][row][col]
			if !ma.Usable() || !mb.Usable() {
				continue
			}
			diff := int(ma.distance) - int(mb.distance)
			if diff < 0 {
				diff = -diff
			}
			if diff < MinTargetSeparationMM {
				tooClose[a], tooClose[b] = true, true
			}
		}
	}
	for t, demote := range tooClose {
		if demote {
			m[t][row][col].kind = KindError
			m[t][row][col].reason = ReasonTargetsTooClose
		}
	}
}
