// Segment execution on the periodic step timer. The tick handler pulls
// segments from the ring, runs the Bresenham line for every axis and
// hands the resulting step bits to the pulse generator. All mutable
// execution state sits behind one mutex held only for the duration of a
// tick.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepper

import (
	"sync"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/signal"
)

// Cycles-per-tick ceilings. Smoothed segments keep the timer undivided
// and clamp earlier; unsmoothed segments may run through the prescaled
// range.
const (
	MaxCyclesAmass     = 1<<18 - 1
	MaxCyclesPrescaled = 1<<23 - 1
)

// SyncController adjusts segment timing to follow the spindle. BlockStart
// is called once when a synchronized block begins executing and
// SegmentTicks for every synchronized segment; a zero return keeps the
// prepared timing.
type SyncController interface {
	BlockStart(b *Block)
	SegmentTicks(seg *Segment) uint32
}

// Scheduler drives one stepper port.
type Scheduler struct {
	mu    sync.Mutex
	port  hal.StepperPort
	pulse *Generator
	buf   *Buffer
	sync  SyncController

	numAxes   int
	amassMax  uint8
	timerFreq uint32

	running   bool
	execSeg   *Segment
	execBlock *Block
	remaining uint16
	threshold uint32
	counters  [signal.MaxAxes]uint32
	steps     [signal.MaxAxes]uint32
	dirOut    signal.AxisSignals
	position  [signal.MaxAxes]int64
	stepMask  signal.AxisSignals

	onIdle    func()
	onSegDone func()
}

// Config assembles a Scheduler.
type Config struct {
	Port       hal.StepperPort
	Pulse      *Generator
	Buffer     *Buffer
	NumAxes    int
	AmassLevel uint8
	TimerFreq  uint32
}

func NewScheduler(cfg Config) *Scheduler {
	return &Scheduler{
		port:      cfg.Port,
		pulse:     cfg.Pulse,
		buf:       cfg.Buffer,
		numAxes:   cfg.NumAxes,
		amassMax:  cfg.AmassLevel,
		timerFreq: cfg.TimerFreq,
		stepMask:  signal.AxisMask(cfg.NumAxes),
	}
}

// SetSyncController installs the spindle tracking hook. Call before
// motion starts.
func (s *Scheduler) SetSyncController(sc SyncController) {
	s.mu.Lock()
	s.sync = sc
	s.mu.Unlock()
}

// SetIdleCallback registers fn to run when the segment ring drains.
func (s *Scheduler) SetIdleCallback(fn func()) {
	s.mu.Lock()
	s.onIdle = fn
	s.mu.Unlock()
}

// SetSegmentCallback registers fn to run each time a segment finishes,
// from tick context. Producers use it to top the ring back up.
func (s *Scheduler) SetSegmentCallback(fn func()) {
	s.mu.Lock()
	s.onSegDone = fn
	s.mu.Unlock()
}

// SetStepMask suppresses step output for axes outside mask. Homing locks
// each axis as its switch engages while the others keep moving.
func (s *Scheduler) SetStepMask(mask signal.AxisSignals) {
	s.mu.Lock()
	s.stepMask = mask
	s.mu.Unlock()
}

// ClampCyclesPerTick bounds a raw period to what the timer can hold.
func (s *Scheduler) ClampCyclesPerTick(cycles uint32, amass bool) uint32 {
	if amass {
		if cycles > MaxCyclesAmass {
			return MaxCyclesAmass
		}
		return cycles
	}
	if cycles > MaxCyclesPrescaled {
		return MaxCyclesPrescaled
	}
	return cycles
}

// PrepareSegment applies smoothing and clamping to a raw segment timing
// and stamps the result into seg.
func (s *Scheduler) PrepareSegment(seg *Segment, rawCycles uint32) {
	cycles, nSteps, level := AmassAdjust(rawCycles, seg.NSteps, s.timerFreq, s.amassMax)
	seg.NSteps = nSteps
	seg.AmassLevel = level
	seg.CyclesPerTick = s.ClampCyclesPerTick(cycles, level > 0 || s.amassMax > 0)
}

// WakeUp energizes the motors and starts the step timer. The first tick
// loads the first queued segment.
func (s *Scheduler) WakeUp() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.port.Enable(signal.AxisMask(s.numAxes))
	s.port.SetTickHandler(s.onTick)
	s.port.StartTimer(s.timerFreq / 1000)
}

// GoIdle stops the step timer. With clear set the execution state and the
// segment ring are dropped, as after a reset or alarm.
func (s *Scheduler) GoIdle(clear bool) {
	s.port.StopTimer()
	s.mu.Lock()
	s.running = false
	if clear {
		s.execSeg = nil
		s.execBlock = nil
		s.remaining = 0
		s.threshold = 0
		for i := range s.counters {
			s.counters[i] = 0
		}
	}
	s.mu.Unlock()
	if clear {
		s.buf.Clear()
	}
}

// Running reports whether the step timer is live.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Position returns the machine position in steps per axis.
func (s *Scheduler) Position() [signal.MaxAxes]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.position
}

// SetPosition overwrites the step counters, used when an origin is
// established after homing.
func (s *Scheduler) SetPosition(pos [signal.MaxAxes]int64) {
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
}

// onTick runs once per step timer period.
func (s *Scheduler) onTick() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.execSeg == nil && !s.loadSegment() {
		s.running = false
		onIdle := s.onIdle
		s.mu.Unlock()
		s.port.StopTimer()
		if onIdle != nil {
			onIdle()
		}
		return
	}

	var out signal.AxisSignals
	for a := 0; a < s.numAxes; a++ {
		s.counters[a] += s.steps[a]
		if s.counters[a] > s.threshold {
			s.counters[a] -= s.threshold
			if !s.stepMask.Has(a) {
				continue
			}
			out.Set(a)
			if s.dirOut.Has(a) {
				s.position[a]--
			} else {
				s.position[a]++
			}
		}
	}

	s.remaining--
	segDone := s.remaining == 0
	if segDone {
		s.execSeg = nil
	}
	onSegDone := s.onSegDone
	s.mu.Unlock()

	s.pulse.Begin(out)
	if segDone && onSegDone != nil {
		onSegDone()
	}
}

// loadSegment pulls the next segment, programming direction and timing.
// Caller holds the lock.
func (s *Scheduler) loadSegment() bool {
	seg := s.buf.Get()
	if seg == nil {
		return false
	}
	newBlock := seg.Block != s.execBlock
	if newBlock {
		s.execBlock = seg.Block
		s.dirOut = seg.Block.Direction
		s.port.SetDir(s.dirOut)
		// The Bresenham counters run prescaled by the maximum smoothing
		// level so the per-level downshift below never drops a bit and
		// every commanded step is emitted exactly once.
		s.threshold = seg.Block.StepEventCount << MaxAmassLevel
		half := s.threshold >> 1
		for a := 0; a < s.numAxes; a++ {
			s.counters[a] = half
		}
	}
	for a := 0; a < s.numAxes; a++ {
		s.steps[a] = seg.Block.Steps[a] << (MaxAmassLevel - seg.AmassLevel)
	}

	cycles := seg.CyclesPerTick
	if seg.SpindleSync && s.sync != nil {
		if newBlock {
			s.sync.BlockStart(seg.Block)
		}
		if c := s.sync.SegmentTicks(seg); c > 0 {
			cycles = c
		}
	}

	s.execSeg = seg
	s.remaining = seg.NSteps
	s.port.SetReload(cycles)
	return true
}
