package vl53l5cx

import (
	"encoding/binary"
	"fmt"
)

// blockHeader describes one block of a result frame: a 4-bit type (the
// element width in bytes for array blocks), a 12-bit size and the 16-bit
// firmware index of the data.
type blockHeader uint32

func makeBlockHeader(typ, size int, idx uint16) blockHeader {
	return blockHeader(uint32(typ&0xF) | uint32(size&0xFFF)<<4 | uint32(idx)<<16)
}

func (h blockHeader) typ() int    { return int(h & 0xF) }
func (h blockHeader) size() int   { return int(h>>4) & 0xFFF }
func (h blockHeader) idx() uint16 { return uint16(h >> 16) }

// isArray reports blocks carrying one element per zone (or per target).
func (h blockHeader) isArray() bool {
	return h.typ() >= 0x1 && h.typ() < 0xD
}

// payload is the number of bytes following the header.
func (h blockHeader) payload() int {
	if h.typ() > 0x1 && h.typ() < 0xD {
		return h.typ() * h.size()
	}
	return h.size()
}

// perZone reports blocks with one element per zone whatever the number of
// targets.
func (h blockHeader) perZone() bool {
	return h.idx() >= idxAmbientRate && h.idx() < idxAmbientRate+960
}

var outputList = [...]blockHeader{
	0x0000000D, // start
	0x54B400C0, // metadata
	0x54C00040, // common data
	0x54D00104, // ambient rate
	0x55D00404, // spad count
	0xCF7C0401, // targets detected
	0xCFBC0404, // signal rate
	0xD2BC0402, // range sigma
	0xD33C0402, // distance
	0xD43C0401, // reflectance
	0xD47C0401, // target status
	0xCC5008C0, // motion detection
}

// Every block but motion detection is requested.
var outputEnables = [4]uint32{0x000007FF, 0, 0, 0xC0000000}

// outputLayout returns the output list sized for res and targets together
// with the number of bytes of a frame.
func outputLayout(res Resolution, targets int) (blockList, int) {
	list := outputList
	size := 0
	for i, h := range list {
		if outputEnables[i/32]&(1<<(i%32)) == 0 {
			continue
		}
		if h.isArray() {
			n := res.Zones()
			if !h.perZone() {
				n *= targets
			}
			h = makeBlockHeader(h.typ(), n, h.idx())
			list[i] = h
			size += h.typ() * n
		} else {
			size += h.size()
		}
		size += 4
	}
	return list[:], size + 24
}

type blockList []blockHeader

func (l blockList) bytes() []byte {
	out := make([]byte, 0, 4*len(l))
	for _, h := range l {
		out = binary.LittleEndian.AppendUint32(out, uint32(h))
	}
	return out
}

// RawResults holds one frame as reported by the chip, converted to
// physical units. Zone arrays hold Zones() entries, target arrays
// Zones()*Targets entries laid out zone major.
type RawResults struct {
	Resolution   Resolution
	Targets      int
	StreamCount  uint8
	TemperatureC int8

	AmbientPerSPAD  []uint32 // kcps/SPAD
	SPADsEnabled    []uint32
	TargetsDetected []uint8

	SignalPerSPAD []uint32 // kcps/SPAD
	RangeSigmaMM  []uint16
	DistanceMM    []int16
	Reflectance   []uint8 // percent
	TargetStatus  []uint8
}

func NewRawResults(res Resolution, targets int) *RawResults {
	zones := res.Zones()
	return &RawResults{
		Resolution:      res,
		Targets:         targets,
		AmbientPerSPAD:  make([]uint32, zones),
		SPADsEnabled:    make([]uint32, zones),
		TargetsDetected: make([]uint8, zones),
		SignalPerSPAD:   make([]uint32, zones*targets),
		RangeSigmaMM:    make([]uint16, zones*targets),
		DistanceMM:      make([]int16, zones*targets),
		Reflectance:     make([]uint8, zones*targets),
		TargetStatus:    make([]uint8, zones*targets),
	}
}

const frameHeaderSize = 16

// parseFrame decodes a frame as read from the chip. The frame is modified.
func parseFrame(frame []byte, res Resolution, targets int) (*RawResults, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("vl53l5cx: frame too short: %d bytes", len(frame))
	}
	raw := NewRawResults(res, targets)
	raw.StreamCount = frame[0]
	swapWords(frame)
	for i := frameHeaderSize; i+4 <= len(frame); i += 4 {
		h := blockHeader(binary.LittleEndian.Uint32(frame[i:]))
		n := h.payload()
		if i+4+n > len(frame) {
			return nil, fmt.Errorf("vl53l5cx: block %#04x overruns frame: %d > %d", h.idx(), i+4+n, len(frame))
		}
		p := frame[i+4 : i+4+n]
		switch h.idx() {
		case idxMetadata:
			if len(p) > 8 {
				raw.TemperatureC = int8(p[8])
			}
		case idxAmbientRate:
			for j := range raw.AmbientPerSPAD {
				if 4*j+4 > len(p) {
					break
				}
				raw.AmbientPerSPAD[j] = binary.LittleEndian.Uint32(p[4*j:]) / 2048
			}
		case idxSpadCount:
			for j := range raw.SPADsEnabled {
				if 4*j+4 > len(p) {
					break
				}
				raw.SPADsEnabled[j] = binary.LittleEndian.Uint32(p[4*j:])
			}
		case idxTargetDetected:
			copy(raw.TargetsDetected, p)
		case idxSignalRate:
			for j := range raw.SignalPerSPAD {
				if 4*j+4 > len(p) {
					break
				}
				raw.SignalPerSPAD[j] = binary.LittleEndian.Uint32(p[4*j:]) / 2048
			}
		case idxRangeSigma:
			for j := range raw.RangeSigmaMM {
				if 2*j+2 > len(p) {
					break
				}
				raw.RangeSigmaMM[j] = binary.LittleEndian.Uint16(p[2*j:]) / 128
			}
		case idxDistance:
			for j := range raw.DistanceMM {
				if 2*j+2 > len(p) {
					break
				}
				raw.DistanceMM[j] = max(int16(binary.LittleEndian.Uint16(p[2*j:]))/4, 0)
			}
		case idxReflectance:
			for j := range raw.Reflectance {
				if j >= len(p) {
					break
				}
				raw.Reflectance[j] = p[j] / 2
			}
		case idxTargetStatus:
			copy(raw.TargetStatus, p)
		}
		i += n
	}
	return raw, nil
}
