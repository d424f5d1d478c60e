// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"testing"

	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

func newTestTracker(minCycles uint32) (*Tracker, *fakeSpindlePort, *Encoder) {
	port := &fakeSpindlePort{}
	enc := NewEncoder(port, 4, 1_000_000)
	enc.Start()
	pid := NewPID(settings.PIDValues{PGain: 1})
	return NewTracker(enc, pid, 1_000_000, minCycles), port, enc
}

func syncBlock() *stepper.Block {
	return &stepper.Block{
		Steps:          [signal.MaxAxes]uint32{signal.Z: 200},
		StepEventCount: 200,
		SpindleSync:    true,
		ProgrammedRate: 2,   // mm per revolution
		StepsPerMM:     100, // feed axis
	}
}

func TestTrackerOnTargetKeepsTiming(t *testing.T) {
	tr, port, _ := newTestTracker(10)
	port.index(0, 0)
	port.feedCapture(1000, 4)

	block := syncBlock()
	tr.BlockStart(block)

	// Spindle has not advanced since block start: no correction, but
	// the corrected period equals the prepared one.
	seg := &stepper.Segment{
		Block:         block,
		NSteps:        100,
		CyclesPerTick: 1000,
		SpindleSync:   true,
		Cruising:      true,
	}
	if ticks := tr.SegmentTicks(seg); ticks != 1000 {
		t.Fatalf("on-target ticks %d, want 1000", ticks)
	}
}

func TestTrackerSpeedsUpWhenBehind(t *testing.T) {
	tr, port, _ := newTestTracker(10)
	port.index(0, 0)
	port.feedCapture(1000, 4)

	block := syncBlock()
	tr.BlockStart(block)

	// First segment on target.
	tr.SegmentTicks(&stepper.Segment{
		Block: block, NSteps: 100, CyclesPerTick: 1000,
		SpindleSync: true, Cruising: true, TargetPosition: 1,
	})

	// Spindle jumps a full revolution (2 mm) while the axis expected
	// 1 mm: the axis is behind and the period must shrink.
	port.index(2000, 4)
	port.feedCapture(3000, 8)
	ticks := tr.SegmentTicks(&stepper.Segment{
		Block: block, NSteps: 100, CyclesPerTick: 1000,
		SpindleSync: true, Cruising: true, TargetPosition: 2,
	})
	if ticks >= 1000 {
		t.Fatalf("lagging axis period %d did not shrink", ticks)
	}
	if ticks < 10 {
		t.Fatalf("period %d under the hardware floor", ticks)
	}
}

func TestTrackerClampsToPulseFloor(t *testing.T) {
	tr, port, _ := newTestTracker(500)
	port.index(0, 0)
	port.feedCapture(1000, 4)

	block := syncBlock()
	tr.BlockStart(block)

	// Huge measured lead: the raw correction would collapse the period
	// below what the pulse hardware sustains.
	port.index(2000, 4)
	port.index(3000, 8)
	port.feedCapture(4000, 12)
	ticks := tr.SegmentTicks(&stepper.Segment{
		Block: block, NSteps: 100, CyclesPerTick: 1000,
		SpindleSync: true, Cruising: true, TargetPosition: 0.5,
	})
	if ticks != 500 {
		t.Fatalf("period %d, want clamp at 500", ticks)
	}
}

func TestTrackerAccelSegmentsPassThrough(t *testing.T) {
	tr, port, _ := newTestTracker(10)
	port.index(0, 0)
	port.feedCapture(1000, 4)

	block := syncBlock()
	tr.BlockStart(block)

	seg := &stepper.Segment{
		Block: block, NSteps: 50, CyclesPerTick: 2000,
		SpindleSync: true, TargetPosition: 0.5,
	}
	if ticks := tr.SegmentTicks(seg); ticks != 0 {
		t.Fatalf("accelerating segment corrected to %d, want untouched", ticks)
	}
}

func TestTrackerBlockStartResetsLoop(t *testing.T) {
	tr, port, _ := newTestTracker(10)
	port.index(0, 0)
	port.feedCapture(1000, 4)

	block := syncBlock()
	tr.BlockStart(block)
	tr.SegmentTicks(&stepper.Segment{
		Block: block, NSteps: 100, CyclesPerTick: 1000,
		SpindleSync: true, Cruising: true, TargetPosition: 1,
	})

	// A new block re-anchors on the current spindle position, so an
	// on-target segment is uncorrected again.
	tr.BlockStart(block)
	ticks := tr.SegmentTicks(&stepper.Segment{
		Block: block, NSteps: 100, CyclesPerTick: 1000,
		SpindleSync: true, Cruising: true, TargetPosition: 1,
	})
	if ticks != 1000 {
		t.Fatalf("fresh block ticks %d, want 1000", ticks)
	}
}
