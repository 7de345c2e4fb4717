// Package record keeps ranging sessions in CBOR files: one header naming the
// session and its sensors followed by one entry per frame. Frames are kept
// raw so that replays can decode them again with other settings.
package record

import (
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/mklimuk/tof/vl53l5cx"
)

var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR encoder mode: %v", err))
	}
	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create record CBOR decoder mode: %v", err))
	}
}

// Version is bumped whenever the entry layout changes.
const Version = 1

type Sensor struct {
	Name       string `cbor:"1,keyasint"`
	Address    uint8  `cbor:"2,keyasint"`
	Resolution uint8  `cbor:"3,keyasint"`
	Targets    int    `cbor:"4,keyasint"`
}

type Header struct {
	Version int       `cbor:"1,keyasint"`
	Session string    `cbor:"2,keyasint"`
	Started time.Time `cbor:"3,keyasint"`
	Sensors []Sensor  `cbor:"4,keyasint"`
}

// NewHeader starts a session with a fresh id.
func NewHeader(started time.Time, sensors ...Sensor) Header {
	return Header{
		Version: Version,
		Session: uuid.New().String(),
		Started: started,
		Sensors: sensors,
	}
}

// Frame mirrors vl53l5cx.RawResults.
type Frame struct {
	Resolution      uint8    `cbor:"1,keyasint"`
	Targets         int      `cbor:"2,keyasint"`
	StreamCount     uint8    `cbor:"3,keyasint"`
	TemperatureC    int8     `cbor:"4,keyasint"`
	AmbientPerSPAD  []uint32 `cbor:"5,keyasint"`
	SPADsEnabled    []uint32 `cbor:"6,keyasint"`
	TargetsDetected []uint8  `cbor:"7,keyasint"`
	SignalPerSPAD   []uint32 `cbor:"8,keyasint"`
	RangeSigmaMM    []uint16 `cbor:"9,keyasint"`
	DistanceMM      []int16  `cbor:"10,keyasint"`
	Reflectance     []uint8  `cbor:"11,keyasint"`
	TargetStatus    []uint8  `cbor:"12,keyasint"`
}

func FrameOf(raw *vl53l5cx.RawResults) Frame {
	return Frame{
		Resolution:      uint8(raw.Resolution),
		Targets:         raw.Targets,
		StreamCount:     raw.StreamCount,
		TemperatureC:    raw.TemperatureC,
		AmbientPerSPAD:  raw.AmbientPerSPAD,
		SPADsEnabled:    raw.SPADsEnabled,
		TargetsDetected: raw.TargetsDetected,
		SignalPerSPAD:   raw.SignalPerSPAD,
		RangeSigmaMM:    raw.RangeSigmaMM,
		DistanceMM:      raw.DistanceMM,
		Reflectance:     raw.Reflectance,
		TargetStatus:    raw.TargetStatus,
	}
}

// Raw checks the array sizes against the resolution and target count.
func (f Frame) Raw() (*vl53l5cx.RawResults, error) {
	res := vl53l5cx.Resolution(f.Resolution)
	if res != vl53l5cx.Resolution4x4 && res != vl53l5cx.Resolution8x8 {
		return nil, fmt.Errorf("invalid frame resolution %d", f.Resolution)
	}
	if f.Targets < 1 || f.Targets > 4 {
		return nil, fmt.Errorf("invalid frame target count %d", f.Targets)
	}
	zones, cells := res.Zones(), res.Zones()*f.Targets
	for _, n := range []struct {
		name      string
		got, want int
	}{
		{"ambient", len(f.AmbientPerSPAD), zones},
		{"spads", len(f.SPADsEnabled), zones},
		{"targets detected", len(f.TargetsDetected), zones},
		{"signal", len(f.SignalPerSPAD), cells},
		{"sigma", len(f.RangeSigmaMM), cells},
		{"distance", len(f.DistanceMM), cells},
		{"reflectance", len(f.Reflectance), cells},
		{"status", len(f.TargetStatus), cells},
	} {
		if n.got != n.want {
			return nil, fmt.Errorf("invalid frame %s size %d, expected %d", n.name, n.got, n.want)
		}
	}
	return &vl53l5cx.RawResults{
		Resolution:      res,
		Targets:         f.Targets,
		StreamCount:     f.StreamCount,
		TemperatureC:    f.TemperatureC,
		AmbientPerSPAD:  f.AmbientPerSPAD,
		SPADsEnabled:    f.SPADsEnabled,
		TargetsDetected: f.TargetsDetected,
		SignalPerSPAD:   f.SignalPerSPAD,
		RangeSigmaMM:    f.RangeSigmaMM,
		DistanceMM:      f.DistanceMM,
		Reflectance:     f.Reflectance,
		TargetStatus:    f.TargetStatus,
	}, nil
}

type Entry struct {
	Timestamp time.Time `cbor:"1,keyasint"`
	Device    int       `cbor:"2,keyasint"`
	Frame     Frame     `cbor:"3,keyasint"`
}

func NewEncoder(w io.Writer) *cbor.Encoder {
	return encMode.NewEncoder(w)
}

func NewDecoder(r io.Reader) *cbor.Decoder {
	return decMode.NewDecoder(r)
}

func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
