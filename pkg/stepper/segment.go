// Package stepper executes prepared motion segments on the step timer.
// A Block is one planned linear move with its Bresenham ratios; a Segment
// is a constant-rate slice of a block sized for one timer programming.
// Segments are produced ahead of time and consumed by the Scheduler's
// tick handler through a fixed ring buffer.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepper

import (
	"sync"

	"cnc-motion-go/pkg/signal"
)

// Block is one planned move shared by all its segments.
type Block struct {
	ID        uint32
	Direction signal.AxisSignals // set bit steps toward negative

	// Steps holds per-axis step counts; StepEventCount is the dominant
	// axis count driving the Bresenham line.
	Steps          [signal.MaxAxes]uint32
	StepEventCount uint32

	// Spindle-synchronized motion. ProgrammedRate is mm advanced per
	// spindle revolution and StepsPerMM converts the feed axis.
	SpindleSync    bool
	ProgrammedRate float64
	StepsPerMM     float64
}

// Segment is one constant-rate slice of a block.
type Segment struct {
	Block *Block

	// NSteps timer ticks at CyclesPerTick each; with AMASS the tick
	// count is already multiplied and CyclesPerTick divided.
	NSteps        uint16
	CyclesPerTick uint32
	AmassLevel    uint8

	// Spindle sync bookkeeping: TargetPosition is mm into the block at
	// the segment end, Cruising marks constant-velocity segments.
	SpindleSync    bool
	Cruising       bool
	TargetPosition float64
}

// BufferSize must be a power of two; one slot stays unused.
const BufferSize = 8

// Buffer is the segment ring between the preparer and the tick handler.
type Buffer struct {
	mu         sync.Mutex
	slots      [BufferSize]*Segment
	head, tail uint8
}

func NewBuffer() *Buffer { return &Buffer{} }

// Put appends a segment; false when the ring is full.
func (b *Buffer) Put(seg *Segment) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	next := (b.head + 1) & (BufferSize - 1)
	if next == b.tail {
		return false
	}
	b.slots[b.head] = seg
	b.head = next
	return true
}

// Get removes the oldest segment, nil when empty.
func (b *Buffer) Get() *Segment {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tail == b.head {
		return nil
	}
	seg := b.slots[b.tail]
	b.slots[b.tail] = nil
	b.tail = (b.tail + 1) & (BufferSize - 1)
	return seg
}

// Clear drops all queued segments.
func (b *Buffer) Clear() {
	b.mu.Lock()
	for i := range b.slots {
		b.slots[i] = nil
	}
	b.head, b.tail = 0, 0
	b.mu.Unlock()
}

// Len reports queued segments.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int((b.head - b.tail) & (BufferSize - 1))
}

// Free reports remaining capacity.
func (b *Buffer) Free() int { return BufferSize - 1 - b.Len() }
