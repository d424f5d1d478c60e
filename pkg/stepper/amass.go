// Adaptive multi-axis step smoothing. Slow segments over-drive the step
// timer by a power of two and spread each Bresenham step over multiple
// ticks, which keeps multi-axis motion smooth at low step rates.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepper

// MaxAmassLevel bounds smoothing to an 8x timer over-drive.
const MaxAmassLevel = 3

// Cutoff step frequencies in Hz. A segment slower than a cutoff moves up
// one level.
const (
	amassCutoff1 = 8000
	amassCutoff2 = 4000
	amassCutoff3 = 2000
)

// AmassAdjust picks the smoothing level for a segment from its raw
// cycles-per-tick value and applies it: the returned cycles are divided
// and nSteps multiplied by 2^level. maxLevel comes from capability
// negotiation; zero disables smoothing.
func AmassAdjust(cycles uint32, nSteps uint16, timerFreq uint32, maxLevel uint8) (uint32, uint16, uint8) {
	if maxLevel == 0 {
		return cycles, nSteps, 0
	}
	if maxLevel > MaxAmassLevel {
		maxLevel = MaxAmassLevel
	}
	var level uint8
	switch {
	case cycles < timerFreq/amassCutoff1:
		level = 0
	case cycles < timerFreq/amassCutoff2:
		level = 1
	case cycles < timerFreq/amassCutoff3:
		level = 2
	default:
		level = 3
	}
	if level > maxLevel {
		level = maxLevel
	}
	return cycles >> level, nSteps << level, level
}
