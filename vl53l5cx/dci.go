package vl53l5cx

import (
	"context"
	"encoding/binary"
	"fmt"
)

// The firmware stores its data as big-endian 32-bit words. Buffers are kept
// in host (little-endian) order on our side and swapped on the way in and
// out.
func swapWords(b []byte) {
	for i := 0; i+3 < len(b); i += 4 {
		b[i], b[i+1], b[i+2], b[i+3] = b[i+3], b[i+2], b[i+1], b[i]
	}
}

func dciHeader(idx uint16, size int) [4]byte {
	return [4]byte{
		byte(idx >> 8),
		byte(idx),
		byte((size & 0xff0) >> 4),
		byte((size & 0xf) << 4),
	}
}

// dciRead fetches size bytes of the firmware parameter at idx.
func (d *Device) dciRead(ctx context.Context, idx uint16, size int) ([]byte, error) {
	h := dciHeader(idx, size)
	cmd := []byte{h[0], h[1], h[2], h[3], 0x00, 0x00, 0x00, 0x0f, 0x00, 0x02, 0x00, 0x08}
	if err := d.tr.Write(ctx, uiCmdEnd-11, cmd); err != nil {
		return nil, fmt.Errorf("dci read %#04x: %w", idx, err)
	}
	if err := d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03); err != nil {
		return nil, fmt.Errorf("dci read %#04x: %w", idx, err)
	}
	buf := make([]byte, size+12)
	if err := d.tr.Read(ctx, uiCmdStart, buf); err != nil {
		return nil, fmt.Errorf("dci read %#04x: %w", idx, err)
	}
	swapWords(buf)
	return buf[4 : 4+size], nil
}

// dciWrite stores data as the firmware parameter at idx.
func (d *Device) dciWrite(ctx context.Context, idx uint16, data []byte) error {
	size := len(data)
	buf := make([]byte, size+12)
	h := dciHeader(idx, size)
	copy(buf, h[:])
	copy(buf[4:], data)
	swapWords(buf[4 : 4+size])
	copy(buf[4+size:], []byte{0x00, 0x00, 0x00, 0x0f, 0x05, 0x01, byte((size + 8) >> 8), byte(size + 8)})
	addr := uiCmdEnd - uint16(size+12) + 1
	if err := d.tr.Write(ctx, addr, buf); err != nil {
		return fmt.Errorf("dci write %#04x: %w", idx, err)
	}
	if err := d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03); err != nil {
		return fmt.Errorf("dci write %#04x: %w", idx, err)
	}
	return nil
}

// dciReplace patches part of a firmware parameter.
func (d *Device) dciReplace(ctx context.Context, idx uint16, size, pos int, patch []byte) error {
	data, err := d.dciRead(ctx, idx, size)
	if err != nil {
		return err
	}
	copy(data[pos:], patch)
	return d.dciWrite(ctx, idx, data)
}

func uint32Bytes(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

// averageGrid folds the 8x8 grid of n-byte little-endian values starting at
// off into a 4x4 grid and clears the remaining 48 entries.
func averageGrid(buf []byte, off, n int, signed bool) {
	get := func(i int) int64 {
		p := buf[off+i*n:]
		if n == 2 {
			if signed {
				return int64(int16(binary.LittleEndian.Uint16(p)))
			}
			return int64(binary.LittleEndian.Uint16(p))
		}
		return int64(binary.LittleEndian.Uint32(p))
	}
	put := func(i int, v int64) {
		p := buf[off+i*n:]
		if n == 2 {
			binary.LittleEndian.PutUint16(p, uint16(v))
			return
		}
		binary.LittleEndian.PutUint32(p, uint32(v))
	}
	for j := 0; j < 4; j++ {
		for i := 0; i < 4; i++ {
			base := 2*i + 16*j
			sum := get(base) + get(base+1) + get(base+8) + get(base+9)
			put(i+4*j, sum/4)
		}
	}
	clear(buf[off+16*n : off+64*n])
}

// sendOffsetData uploads the offset calibration adapted to res.
func (d *Device) sendOffsetData(ctx context.Context, res Resolution) error {
	buf := make([]byte, offsetBufferSize+8)
	copy(buf, d.offsetData[:])
	if res == Resolution4x4 {
		copy(buf[0x10:], []byte{0x0F, 0x04, 0x04, 0x00, 0x08, 0x10, 0x10, 0x07})
		swapWords(buf[:offsetBufferSize])
		averageGrid(buf, 0x3C, 4, false)
		averageGrid(buf, 0x140, 2, true)
		swapWords(buf[:offsetBufferSize])
	}
	copy(buf, buf[8:])
	copy(buf[0x1E0:], []byte{0x00, 0x00, 0x00, 0x0F, 0x03, 0x01, 0x01, 0xE4})
	if err := d.tr.Write(ctx, offsetDataAddr, buf[:offsetBufferSize]); err != nil {
		return fmt.Errorf("offset upload: %w", err)
	}
	if err := d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03); err != nil {
		return fmt.Errorf("offset upload: %w", err)
	}
	return nil
}

// sendXtalkData uploads the cross-talk calibration adapted to res.
func (d *Device) sendXtalkData(ctx context.Context, res Resolution) error {
	buf := make([]byte, xtalkBufferSize)
	copy(buf, d.xtalkData[:])
	if res == Resolution4x4 {
		copy(buf[0x08:], []byte{0x0F, 0x04, 0x04, 0x17, 0x08, 0x10, 0x10, 0x07})
		copy(buf[0x20:], []byte{0x00, 0x78, 0x00, 0x08, 0x00, 0x00, 0x00, 0x08})
		swapWords(buf)
		averageGrid(buf, 0x34, 4, false)
		swapWords(buf)
		copy(buf[0x134:], []byte{0xA0, 0xFC, 0x01, 0x00})
		clear(buf[0x78:0x7C])
	}
	if err := d.tr.Write(ctx, xtalkDataAddr, buf); err != nil {
		return fmt.Errorf("xtalk upload: %w", err)
	}
	if err := d.pollForAnswer(ctx, 4, 1, uiCmdStatus, 0xff, 0x03); err != nil {
		return fmt.Errorf("xtalk upload: %w", err)
	}
	return nil
}
