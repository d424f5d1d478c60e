// Homing cycle. Each configured cycle seeks its axes into their switches
// at the search rate, then alternates pull-off and slow re-approach
// passes to locate the trip point precisely, ending pulled off. The
// locate sequence runs 2*LocateCycles+2 passes so every locate approach
// is paired with a pull-off and the axis always comes to rest clear of
// the switch. Axes lock individually as their switch engages so a
// shared cycle finishes every axis. Machine space is all-negative: the
// homed position is the pull-off distance inside the switch end of
// travel.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package limits

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

// Search overshoot past configured travel, and locate approach distance
// in pull-off units.
const (
	searchScalar = 1.5
	locateScalar = 5.0
)

// Segment size cap while streaming a homing move, in steps. Small enough
// that the tick count fits a segment after maximum smoothing.
const homingSegmentSteps = 2000

var (
	ErrHomingActive = errors.New("limits: homing cycle already running")
	ErrNoCycleAxes  = errors.New("limits: no axes configured for cycle")
)

// HomingConfig assembles a Homing state machine.
type HomingConfig struct {
	Scheduler *stepper.Scheduler
	Buffer    *stepper.Buffer
	Reader    *signal.Reader
	Inputs    hal.InputPort
	Stepper   hal.StepperPort
	Monitor   *alarm.Monitor
	Settings  *settings.Settings
	Caps      hal.Capabilities
	TimerFreq uint32

	// Dwell blocks for the switch debounce delay between passes.
	Dwell func(ms uint)
}

// Homing runs homing cycles. One cycle at a time.
type Homing struct {
	cfg HomingConfig

	mu        sync.Mutex
	active    bool
	cycleAxes signal.AxisSignals
	engaged   signal.AxisSignals
	approach  bool
	abortCode alarm.Code

	// streaming state for the move in progress
	block     *stepper.Block
	remaining uint32
	rawCycles uint32

	engagedCh chan struct{}
	idleCh    chan struct{}
	abortCh   chan struct{}
}

func NewHoming(cfg HomingConfig) *Homing {
	return &Homing{cfg: cfg}
}

// Active reports whether a cycle is running; the limit dispatch uses it
// to route events here instead of faulting.
func (h *Homing) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// Abort stops the cycle and latches the given alarm. Wired to reset and
// safety door events by the kernel.
func (h *Homing) Abort(code alarm.Code) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.abortCode = code
	h.mu.Unlock()
	select {
	case h.abortCh <- struct{}{}:
	default:
	}
}

// OnLimits consumes limit state while homing: during an approach each
// engaged axis locks in place, and when every cycle axis has engaged the
// pass is complete.
func (h *Homing) OnLimits(state signal.AxisSignals) {
	h.mu.Lock()
	if !h.active || !h.approach {
		h.mu.Unlock()
		return
	}
	h.engaged |= state & h.cycleAxes
	lock := signal.AxisMask(h.cfg.Settings.NumAxes) &^ h.engaged
	all := h.engaged == h.cycleAxes
	h.mu.Unlock()

	h.cfg.Scheduler.SetStepMask(lock)
	if all {
		h.cfg.Scheduler.GoIdle(true)
		select {
		case h.engagedCh <- struct{}{}:
		default:
		}
	}
}

// CycleAll homes every configured cycle in order.
func (h *Homing) CycleAll(ctx context.Context) error {
	for _, mask := range h.cfg.Settings.Homing.Cycles {
		if !mask.Any() {
			continue
		}
		if err := h.Cycle(ctx, mask); err != nil {
			return err
		}
	}
	return nil
}

// Cycle homes the axes in mask.
func (h *Homing) Cycle(ctx context.Context, mask signal.AxisSignals) error {
	if !mask.Any() {
		return ErrNoCycleAxes
	}
	h.mu.Lock()
	if h.active {
		h.mu.Unlock()
		return ErrHomingActive
	}
	h.active = true
	h.cycleAxes = mask
	h.abortCode = alarm.None
	h.engagedCh = make(chan struct{}, 1)
	h.idleCh = make(chan struct{}, 1)
	h.abortCh = make(chan struct{}, 1)
	h.mu.Unlock()

	if err := h.cfg.Monitor.SetState(alarm.StateHoming); err != nil {
		h.finish()
		return err
	}

	h.cfg.Scheduler.SetIdleCallback(h.onIdle)
	h.cfg.Scheduler.SetSegmentCallback(h.pump)
	h.cfg.Inputs.LimitsEnable(true, true)

	// The first search runs past the longest configured travel.
	var search float64
	for a := 0; a < h.cfg.Settings.NumAxes; a++ {
		if mask.Has(a) {
			search = math.Max(search, -h.cfg.Settings.MaxTravel[a])
		}
	}
	search *= searchScalar

	err := h.runPasses(ctx, mask, 2*h.cfg.Settings.Homing.LocateCycles+2,
		search, h.cfg.Settings.Homing.SeekRate)
	if err == nil {
		err = h.squareGanged(ctx, mask)
	}
	if err == nil {
		h.setMachinePositions(mask)
		err = h.cfg.Monitor.SetState(alarm.StateIdle)
	}

	h.cfg.Inputs.LimitsEnable(h.cfg.Settings.Limits.HardEnabled, false)
	h.cfg.Scheduler.SetIdleCallback(nil)
	h.cfg.Scheduler.SetSegmentCallback(nil)
	h.cfg.Scheduler.SetStepMask(signal.AxisMask(h.cfg.Settings.NumAxes))
	h.finish()
	return err
}

func (h *Homing) finish() {
	h.mu.Lock()
	h.active = false
	h.mu.Unlock()
}

// runPasses alternates approach and pull-off, starting on an approach
// and ending pulled off.
func (h *Homing) runPasses(ctx context.Context, mask signal.AxisSignals, passes int, travel, rate float64) error {
	hs := &h.cfg.Settings.Homing
	approach := true

	for pass := 0; pass < passes; pass++ {
		if err := h.runMove(ctx, mask, travel, rate, approach); err != nil {
			return err
		}

		state := h.cfg.Reader.Limits() & mask
		if approach && state != mask {
			return h.fail(alarm.HomingFailApproach, "switch not reached")
		}
		if !approach && state.Any() {
			return h.fail(alarm.HomingFailPulloff, "switch still engaged after pull-off")
		}

		if h.cfg.Dwell != nil {
			h.cfg.Dwell(hs.DebounceDelay)
		}

		approach = !approach
		if approach {
			travel = hs.Pulloff * locateScalar
			rate = hs.FeedRate
		} else {
			travel = hs.Pulloff
			rate = hs.SeekRate
		}
	}
	return nil
}

// squareGanged re-locates each motor of a ganged pair on its own so dual
// motor gantries end square. Three sub-cycles: both motors homed by the
// main passes, then a locate pass per motor.
func (h *Homing) squareGanged(ctx context.Context, mask signal.AxisSignals) error {
	ganged := mask & h.cfg.Caps.GangedAxes
	if !ganged.Any() {
		return nil
	}
	hs := &h.cfg.Settings.Homing
	for _, mode := range []hal.SquaringMode{hal.SquareA, hal.SquareB} {
		h.cfg.Stepper.DisableMotors(ganged, mode)
		if err := h.runPasses(ctx, ganged, 2, hs.Pulloff*locateScalar, hs.FeedRate); err != nil {
			h.cfg.Stepper.DisableMotors(0, hal.SquareBoth)
			return err
		}
	}
	h.cfg.Stepper.DisableMotors(0, hal.SquareBoth)
	return nil
}

// runMove streams one pass through the segment ring and waits for its
// outcome.
func (h *Homing) runMove(ctx context.Context, mask signal.AxisSignals, travel, rate float64, approach bool) error {
	s := h.cfg.Settings
	hs := &s.Homing

	// Direction: an axis with its homing direction bit set seeks toward
	// negative; pull-off runs the other way.
	var dir signal.AxisSignals
	for a := 0; a < s.NumAxes; a++ {
		if !mask.Has(a) {
			continue
		}
		toNegative := hs.DirMask.Has(a)
		if !approach {
			toNegative = !toNegative
		}
		if toNegative {
			dir.Set(a)
		}
	}

	block := &stepper.Block{Direction: dir}
	var maxSteps uint32
	maxPerMM := 0.0
	active := 0
	for a := 0; a < s.NumAxes; a++ {
		if !mask.Has(a) {
			continue
		}
		steps := uint32(travel * s.StepsPerMM[a])
		block.Steps[a] = steps
		if steps > maxSteps {
			maxSteps = steps
			maxPerMM = s.StepsPerMM[a]
		}
		active++
	}
	if maxSteps == 0 {
		return ErrNoCycleAxes
	}
	block.StepEventCount = maxSteps

	// All active axes travel together, so the vector rate scales with
	// sqrt of their count to keep each axis at the configured rate.
	stepRate := rate / 60 * maxPerMM * math.Sqrt(float64(active))
	rawCycles := uint32(float64(h.cfg.TimerFreq) / stepRate)

	h.mu.Lock()
	h.approach = approach
	h.engaged = 0
	h.block = block
	h.remaining = maxSteps
	h.rawCycles = rawCycles
	h.mu.Unlock()

	// Drop stale completion signals from the previous pass.
	select {
	case <-h.engagedCh:
	default:
	}
	select {
	case <-h.idleCh:
	default:
	}

	h.cfg.Scheduler.SetStepMask(signal.AxisMask(s.NumAxes))
	h.pump()
	h.cfg.Scheduler.WakeUp()

	select {
	case <-h.engagedCh:
		return nil
	case <-h.idleCh:
		// Travel exhausted. For an approach the pass check turns this
		// into a failure; for a pull-off it is the normal outcome.
		return nil
	case <-h.abortCh:
		h.cfg.Scheduler.GoIdle(true)
		h.mu.Lock()
		code := h.abortCode
		h.mu.Unlock()
		return h.fail(code, "cycle aborted")
	case <-ctx.Done():
		h.cfg.Scheduler.GoIdle(true)
		h.fail(alarm.HomingFailReset, "context canceled")
		return ctx.Err()
	}
}

// pump tops the segment ring up from the move in progress. Runs from
// tick context and from runMove.
func (h *Homing) pump() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.remaining > 0 && h.cfg.Buffer.Free() > 0 {
		n := h.remaining
		if n > homingSegmentSteps {
			n = homingSegmentSteps
		}
		seg := &stepper.Segment{Block: h.block, NSteps: uint16(n)}
		h.cfg.Scheduler.PrepareSegment(seg, h.rawCycles)
		if !h.cfg.Buffer.Put(seg) {
			return
		}
		h.remaining -= n
	}
}

func (h *Homing) onIdle() {
	select {
	case h.idleCh <- struct{}{}:
	default:
	}
}

func (h *Homing) fail(code alarm.Code, detail string) error {
	h.cfg.Scheduler.GoIdle(true)
	h.cfg.Monitor.Raise(code)
	return fmt.Errorf("limits: homing failed (%s): %s", code, detail)
}

// setMachinePositions establishes machine coordinates for the homed
// axes: travel is negative, with the origin at the positive extreme, so
// a homed axis rests the pull-off distance inside its switch end.
func (h *Homing) setMachinePositions(mask signal.AxisSignals) {
	s := h.cfg.Settings
	pos := h.cfg.Scheduler.Position()
	for a := 0; a < s.NumAxes; a++ {
		if !mask.Has(a) {
			continue
		}
		switch {
		case s.Homing.ForceSetOrigin:
			pos[a] = 0
		case s.Homing.DirMask.Has(a):
			pos[a] = int64(math.Round((s.MaxTravel[a] + s.Homing.Pulloff) * s.StepsPerMM[a]))
		default:
			pos[a] = int64(math.Round(-s.Homing.Pulloff * s.StepsPerMM[a]))
		}
	}
	h.cfg.Scheduler.SetPosition(pos)
}
