// Package signal defines the bit-field signal types shared across the motion
// kernel: per-axis masks for step/direction/limit state, control signals,
// and the debounced input descriptor table.
//
// Bit i of an AxisSignals value corresponds to the same logical axis for the
// life of the process.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package signal

import "strings"

// MaxAxes is the number of axis bits an AxisSignals value can carry.
const MaxAxes = 6

// Logical axis indices.
const (
	X = iota
	Y
	Z
	A
	B
	C
)

var axisNames = [MaxAxes]string{"X", "Y", "Z", "A", "B", "C"}

// AxisSignals is a bit-field over the configured axes, one bit per axis.
// Used for step outputs, direction outputs, limit state and axis-lock masks.
type AxisSignals uint8

// AxisBit returns the mask with only the given axis bit set.
func AxisBit(axis int) AxisSignals {
	return AxisSignals(1) << uint(axis)
}

// AxisMask returns the mask with the low n axis bits set.
func AxisMask(n int) AxisSignals {
	return AxisSignals(1)<<uint(n) - 1
}

// Has reports whether the given axis bit is set.
func (s AxisSignals) Has(axis int) bool {
	return s&AxisBit(axis) != 0
}

// Set sets the given axis bit.
func (s *AxisSignals) Set(axis int) {
	*s |= AxisBit(axis)
}

// Clear clears the given axis bit.
func (s *AxisSignals) Clear(axis int) {
	*s &^= AxisBit(axis)
}

// Any reports whether any axis bit is set.
func (s AxisSignals) Any() bool {
	return s != 0
}

// Count returns the number of set axis bits.
func (s AxisSignals) Count() int {
	n := 0
	for v := s; v != 0; v &= v - 1 {
		n++
	}
	return n
}

// Xor returns the whole-value XOR with an invert mask.
func (s AxisSignals) Xor(mask AxisSignals) AxisSignals {
	return s ^ mask
}

// Value returns the raw bit-field value.
func (s AxisSignals) Value() uint8 {
	return uint8(s)
}

func (s AxisSignals) String() string {
	if s == 0 {
		return "-"
	}
	var sb strings.Builder
	for i := 0; i < MaxAxes; i++ {
		if s.Has(i) {
			sb.WriteString(axisNames[i])
		}
	}
	return sb.String()
}

// ControlSignals is a bit-field of the machine control inputs. A set bit
// means the signal is asserted, after invert-mask correction.
type ControlSignals uint8

const (
	Reset ControlSignals = 1 << iota
	FeedHold
	CycleStart
	SafetyDoor
	EStop
)

// Has reports whether all bits in mask are asserted.
func (s ControlSignals) Has(mask ControlSignals) bool {
	return s&mask == mask
}

// Any reports whether any bit in mask is asserted.
func (s ControlSignals) Any(mask ControlSignals) bool {
	return s&mask != 0
}

// Xor returns the whole-value XOR with an invert mask.
func (s ControlSignals) Xor(mask ControlSignals) ControlSignals {
	return s ^ mask
}

// Value returns the raw bit-field value.
func (s ControlSignals) Value() uint8 {
	return uint8(s)
}

func (s ControlSignals) String() string {
	names := []struct {
		bit  ControlSignals
		name string
	}{
		{Reset, "reset"},
		{FeedHold, "feed_hold"},
		{CycleStart, "cycle_start"},
		{SafetyDoor, "safety_door"},
		{EStop, "e_stop"},
	}
	var parts []string
	for _, n := range names {
		if s.Has(n.bit) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "|")
}
