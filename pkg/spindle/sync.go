// Spindle-synchronized motion. Threading and other synced moves slave
// the feed axis to measured spindle position: at every cruising segment
// the tracker compares where the axis should be against where the
// spindle says it should be and folds a PID correction into the segment
// period. Acceleration and deceleration segments pass through untouched
// but still advance the expected position.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"sync"

	"cnc-motion-go/pkg/stepper"
)

// Tracker implements stepper.SyncController.
type Tracker struct {
	mu  sync.Mutex
	enc *Encoder
	pid *PID

	timerFreq float64
	minCycles uint32

	programmedRate float64 // mm per spindle revolution
	stepsPerMM     float64
	blockStart     float64 // axis-equivalent spindle position at block start, mm
	prevPos        float64 // expected position at the previous segment end, mm
}

// NewTracker builds the sync controller. minCycles bounds corrected
// segment periods to what the pulse hardware sustains.
func NewTracker(enc *Encoder, pid *PID, timerFreq float64, minCycles uint32) *Tracker {
	return &Tracker{
		enc:       enc,
		pid:       pid,
		timerFreq: timerFreq,
		minCycles: minCycles,
	}
}

// BlockStart latches the spindle position the block's motion is measured
// from and resets the loop.
func (t *Tracker) BlockStart(b *stepper.Block) {
	t.mu.Lock()
	t.programmedRate = b.ProgrammedRate
	t.stepsPerMM = b.StepsPerMM
	t.blockStart = t.enc.Position() * b.ProgrammedRate
	t.prevPos = 0
	t.pid.Reset()
	t.mu.Unlock()
}

// SegmentTicks returns the corrected period for a synchronized segment,
// or zero to keep the prepared timing.
func (t *Tracker) SegmentTicks(seg *stepper.Segment) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !seg.Cruising || seg.NSteps == 0 {
		// Still accelerating; only track the expected position.
		t.prevPos = seg.TargetPosition
		return 0
	}

	// Segment execution rate in Hz, the PID sample rate.
	dt := t.timerFreq / float64(seg.CyclesPerTick*uint32(seg.NSteps))

	actual := t.enc.Position()*t.programmedRate - t.blockStart
	correction := t.pid.Update(t.prevPos, actual, dt)
	stepDelta := correction * t.stepsPerMM

	nStep := float64(seg.NSteps)
	corrected := (nStep + stepDelta) * float64(seg.CyclesPerTick) / nStep
	ticks := t.minCycles
	if corrected > float64(t.minCycles) {
		ticks = uint32(corrected)
	}

	t.prevPos = seg.TargetPosition
	return ticks
}
