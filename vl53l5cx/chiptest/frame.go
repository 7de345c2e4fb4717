package chiptest

import "encoding/binary"

const (
	idxMetadata       uint16 = 0x54B4
	idxAmbientRate    uint16 = 0x54D0
	idxSpadCount      uint16 = 0x55D0
	idxTargetDetected uint16 = 0xCF7C
	idxSignalRate     uint16 = 0xCFBC
	idxRangeSigma     uint16 = 0xD2BC
	idxDistance       uint16 = 0xD33C
	idxReflectance    uint16 = 0xD43C
	idxTargetStatus   uint16 = 0xD47C

	frameHeaderSize = 16
)

// Frame is the content of one measurement in physical units. Per target
// slices are laid out zone major. Short or nil slices leave the remaining
// elements zero.
type Frame struct {
	TemperatureC int8

	AmbientPerSPAD  []uint32
	SPADsEnabled    []uint32
	TargetsDetected []uint8

	SignalPerSPAD []uint32
	RangeSigmaMM  []uint16
	DistanceMM    []int16
	Reflectance   []uint8
	TargetStatus  []uint8
}

// EncodeFrame lays f out the way the firmware does for the given output
// list and enable mask (first 32 entries), in bus byte order. The result
// is size bytes long when the blocks fit.
func EncodeFrame(list []uint32, enables uint32, size int, stream byte, f Frame) []byte {
	frame := make([]byte, frameHeaderSize, max(size, frameHeaderSize))
	for i, h := range list {
		if i == 0 || i >= 32 || enables&(1<<i) == 0 {
			continue
		}
		frame = binary.LittleEndian.AppendUint32(frame, h)
		p := make([]byte, payload(h))
		encodeBlock(p, uint16(h>>16), f)
		frame = append(frame, p...)
	}
	if len(frame) < size {
		frame = append(frame, make([]byte, size-len(frame))...)
	}
	swapWords(frame)
	frame[0], frame[1], frame[2], frame[3] = stream, 0x05, 0x05, 0x10
	return frame
}

func payload(h uint32) int {
	typ, size := int(h&0xF), int(h>>4)&0xFFF
	if typ > 0x1 && typ < 0xD {
		return typ * size
	}
	return size
}

func encodeBlock(p []byte, idx uint16, f Frame) {
	switch idx {
	case idxMetadata:
		if len(p) > 8 {
			p[8] = byte(f.TemperatureC)
		}
	case idxAmbientRate:
		putUint32s(p, f.AmbientPerSPAD, 2048)
	case idxSpadCount:
		putUint32s(p, f.SPADsEnabled, 1)
	case idxTargetDetected:
		copy(p, f.TargetsDetected)
	case idxSignalRate:
		putUint32s(p, f.SignalPerSPAD, 2048)
	case idxRangeSigma:
		for i, v := range f.RangeSigmaMM {
			if 2*i+2 > len(p) {
				return
			}
			binary.LittleEndian.PutUint16(p[2*i:], v*128)
		}
	case idxDistance:
		for i, v := range f.DistanceMM {
			if 2*i+2 > len(p) {
				return
			}
			binary.LittleEndian.PutUint16(p[2*i:], uint16(v*4))
		}
	case idxReflectance:
		for i, v := range f.Reflectance {
			if i >= len(p) {
				return
			}
			p[i] = v * 2
		}
	case idxTargetStatus:
		copy(p, f.TargetStatus)
	}
}

func putUint32s(p []byte, vals []uint32, scale uint32) {
	for i, v := range vals {
		if 4*i+4 > len(p) {
			return
		}
		binary.LittleEndian.PutUint32(p[4*i:], v*scale)
	}
}
