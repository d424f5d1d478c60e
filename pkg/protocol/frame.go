// This file may be distributed under the terms of the GNU GPLv3 license.
package protocol

import "errors"

// Frame layout: length byte, sequence byte, payload, CRC16 (two bytes,
// high first), sync byte. Length covers the whole frame. The sequence
// byte carries a 4-bit rolling counter; the upper bits are reserved.
const (
	FrameMin        = 5
	FrameMax        = 64
	FramePayloadMax = FrameMax - FrameMin
	FrameSync       = 0x7e
	SeqMask         = 0x0f
)

var (
	ErrFrameTooLarge = errors.New("protocol: payload exceeds frame size")
	ErrFrameShort    = errors.New("protocol: incomplete frame")
	ErrFrameCRC      = errors.New("protocol: crc mismatch")
	ErrFrameSync     = errors.New("protocol: missing sync byte")
)

// AppendFrame appends one wire frame wrapping payload to dst and returns
// the extended slice. Senders on the tick path pass a recycled buffer.
func AppendFrame(dst []byte, seq int, payload []byte) ([]byte, error) {
	if len(payload) > FramePayloadMax {
		return dst, ErrFrameTooLarge
	}
	start := len(dst)
	dst = append(dst, byte(FrameMin+len(payload)), byte(seq&SeqMask))
	dst = append(dst, payload...)
	hi, lo := CRC16CCITT(dst[start:])
	dst = append(dst, hi, lo, FrameSync)
	return dst, nil
}

// EncodeFrame wraps payload into one wire frame with the given sequence
// number.
func EncodeFrame(seq int, payload []byte) ([]byte, error) {
	return AppendFrame(nil, seq, payload)
}

// DecodeFrame extracts the first complete frame from buf. It returns the
// payload, the received sequence, and the number of bytes consumed.
// consumed is non-zero on a framing error so the caller can discard the
// garbage and resynchronize.
func DecodeFrame(buf []byte) (payload []byte, seq int, consumed int, err error) {
	// Skip leading noise up to a plausible length byte.
	start := 0
	for start < len(buf) && (buf[start] < FrameMin || buf[start] > FrameMax) {
		start++
	}
	if start == len(buf) {
		return nil, 0, start, ErrFrameShort
	}
	n := int(buf[start])
	if start+n > len(buf) {
		return nil, 0, start, ErrFrameShort
	}
	frame := buf[start : start+n]
	if frame[n-1] != FrameSync {
		return nil, 0, start + 1, ErrFrameSync
	}
	hi, lo := CRC16CCITT(frame[:n-3])
	if frame[n-3] != hi || frame[n-2] != lo {
		return nil, 0, start + 1, ErrFrameCRC
	}
	return frame[2 : n-3], int(frame[1] & SeqMask), start + n, nil
}
