// Package protocol implements the framed serial link spoken by external
// pin boards: variable-length integers inside CRC-protected message
// blocks, plus the command set for step streaming, input edge events and
// spindle control.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package protocol

// EncodeUint32 appends v in the 7-bit variable-length encoding. Range
// checks use the signed view of the value while the shifts use the raw
// bits, so small negative numbers stay short on the wire.
func EncodeUint32(out *[]byte, v int32) {
	uv := uint32(v)
	sv := int32(v)
	if sv >= 0xc000000 || sv < -0x4000000 {
		*out = append(*out, byte(((uv>>28)&0x7f)|0x80))
	}
	if sv >= 0x180000 || sv < -0x80000 {
		*out = append(*out, byte(((uv>>21)&0x7f)|0x80))
	}
	if sv >= 0x3000 || sv < -0x1000 {
		*out = append(*out, byte(((uv>>14)&0x7f)|0x80))
	}
	if sv >= 0x60 || sv < -0x20 {
		*out = append(*out, byte(((uv>>7)&0x7f)|0x80))
	}
	*out = append(*out, byte(uv&0x7f))
}

// DecodeUint32 reads one encoded integer at pos and returns the value
// with the position past it.
func DecodeUint32(buf []byte, pos int) (int32, int) {
	c := buf[pos]
	pos++
	v := int32(c & 0x7f)
	if (c & 0x60) == 0x60 {
		v |= -0x20
	}
	for (c & 0x80) != 0 {
		c = buf[pos]
		pos++
		v = (v << 7) | int32(c&0x7f)
	}
	return v, pos
}
