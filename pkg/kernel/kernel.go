// Package kernel wires a hardware target to the motion components: the
// step scheduler, the debounced input pipeline, limit and homing
// supervision, and the spindle regulator. It owns machine state and is
// the surface a planner or protocol front end talks to.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/debounce"
	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/limits"
	"cnc-motion-go/pkg/log"
	"cnc-motion-go/pkg/metrics"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/spindle"
	"cnc-motion-go/pkg/stepper"
)

var (
	ErrNotIdle        = errors.New("kernel: machine not idle")
	ErrProbeTriggered = errors.New("kernel: probe already triggered")
	ErrNoProbe        = errors.New("kernel: no probe input fitted")
	ErrAtSpeedTimeout = errors.New("kernel: spindle at-speed timeout")
	ErrQueueFull      = errors.New("kernel: block queue full")
)

// maxSegmentSteps caps one segment so level shifts cannot overflow the
// segment step counter.
const maxSegmentSteps = 2000

// blockQueueSize bounds pending blocks awaiting segmentation.
const blockQueueSize = 32

// serviceHz is the rate of the spindle/metrics service loop.
const serviceHz = 1000

// job is one queued block with its segmentation progress.
type job struct {
	block     *stepper.Block
	remaining uint32
	cycles    uint32 // step timer cycles per step at the programmed rate
}

// ProbeResult is the captured machine position at probe contact.
type ProbeResult struct {
	Triggered bool
	Position  [signal.MaxAxes]int64
}

// Kernel binds one hardware target to the motion components.
type Kernel struct {
	drv      hal.Driver
	caps     hal.Capabilities
	set      *settings.Settings
	notifier *settings.Notifier
	logger   *log.Logger
	mm       *metrics.MotionMetrics

	reader  *signal.Reader
	filter  *debounce.Filter
	buf     *stepper.Buffer
	gen     *stepper.Generator
	sch     *stepper.Scheduler
	mon     *alarm.Monitor
	homing  *limits.Homing
	limits  *limits.Manager
	enc     *spindle.Encoder
	pwm     *spindle.PWM
	reg     *spindle.Regulator
	tracker *spindle.Tracker
	coolant hal.CoolantPort

	mu      sync.Mutex
	jobs    []*job
	probing bool
	probe   ProbeResult
	holding bool
}

// New builds a kernel for the given target. The driver is initialized,
// capabilities are negotiated and every component is wired; the machine
// comes up idle with motion stopped.
func New(drv hal.Driver, set *settings.Settings, notifier *settings.Notifier) (*Kernel, error) {
	if err := set.Validate(); err != nil {
		return nil, err
	}
	if err := drv.Init(set); err != nil {
		return nil, fmt.Errorf("kernel: driver init: %w", err)
	}

	k := &Kernel{
		drv:      drv,
		caps:     drv.Capabilities(),
		set:      set,
		notifier: notifier,
		logger:   log.New("motion"),
		mm:       metrics.GlobalMetrics(),
		mon:      alarm.NewMonitor(),
		buf:      stepper.NewBuffer(),
		coolant:  drv.Coolant(),
	}

	freq := drv.StepTimerFreq()
	k.gen = stepper.NewGenerator(drv.Stepper(), freq, set.Steppers)
	k.sch = stepper.NewScheduler(stepper.Config{
		Port:       drv.Stepper(),
		Pulse:      k.gen,
		Buffer:     k.buf,
		NumAxes:    set.NumAxes,
		AmassLevel: k.caps.AmassLevel,
		TimerFreq:  freq,
	})

	k.reader = signal.NewReader(signal.ReaderConfig{
		NumAxes:       set.NumAxes,
		LimitInvert:   set.Limits.Invert,
		ControlInvert: set.ControlInvert,
		ProbeInvert:   set.ProbeInvert,
		EStopAsReset:  k.caps.EStop,
		Debounce:      k.caps.SoftwareDebounce && set.SoftwareDebounce,
	}, drv.Inputs().Pins())
	drv.Inputs().BindInputs(k.reader.Inputs())

	k.filter = debounce.NewFilter(debounce.Config{
		Enabled: k.caps.SoftwareDebounce && set.SoftwareDebounce,
	}, drv.DelayMs)
	drv.Inputs().SetEdgeHandler(k.filter.OnEdge)

	k.homing = limits.NewHoming(limits.HomingConfig{
		Scheduler: k.sch,
		Buffer:    k.buf,
		Reader:    k.reader,
		Inputs:    drv.Inputs(),
		Stepper:   drv.Stepper(),
		Monitor:   k.mon,
		Settings:  set,
		Caps:      k.caps,
		TimerFreq: freq,
		Dwell:     func(ms uint) { drv.DelayMs(ms, nil) },
	})
	k.limits = limits.NewManager(k.sch, k.reader, k.mon, set, k.homing)
	k.limits.SetHoldFunc(k.Hold)

	if set.Spindle.PPR > 0 {
		k.enc = spindle.NewEncoder(drv.Spindle(), set.Spindle.PPR, float64(freq))
	}
	k.pwm = spindle.NewPWM(set.Spindle, float64(freq))
	k.reg = spindle.NewRegulator(drv.Spindle(), k.enc, k.pwm, set.Spindle)
	if k.caps.SpindleSync && k.enc != nil {
		k.tracker = spindle.NewTracker(k.enc, spindle.NewPID(set.PositionPID),
			float64(freq), k.gen.MinCyclesPerTick())
		k.sch.SetSyncController(k.tracker)
	}

	k.filter.SetHandler(signal.GroupLimit, k.limits.OnLimitGroup)
	k.filter.SetHandler(signal.GroupControl, k.onControlGroup)
	k.filter.SetHandler(signal.GroupProbe, k.onProbeGroup)
	k.sch.SetSegmentCallback(k.pump)
	k.sch.SetIdleCallback(k.onIdle)
	k.mon.SetRaiseCallback(k.onAlarm)

	if notifier != nil {
		notifier.Subscribe(k.onSettingsChanged)
	}

	drv.Inputs().LimitsEnable(set.Limits.HardEnabled, false)

	k.logger.WithFields(log.Fields{
		"axes":     set.NumAxes,
		"debounce": k.caps.SoftwareDebounce && set.SoftwareDebounce,
		"sync":     k.tracker != nil,
	}).Info("Motion kernel initialized")
	return k, nil
}

func (k *Kernel) onSettingsChanged(s *settings.Settings) {
	if k.sch.Running() || k.homing.Active() {
		k.logger.Warn("Deferring settings reconfiguration until motion stops")
		return
	}
	k.gen.Reconfigure(s.Steppers)
	k.drv.SettingsChanged(s)
	k.drv.Inputs().LimitsEnable(s.Limits.HardEnabled, false)
}

// Monitor exposes the alarm monitor for status front ends.
func (k *Kernel) Monitor() *alarm.Monitor { return k.mon }

// Position returns the machine position in steps per axis.
func (k *Kernel) Position() [signal.MaxAxes]int64 { return k.sch.Position() }

// SubmitBlock queues a block for execution. stepRate is in steps per
// second at the block's dominant axis. Soft limits are checked against
// the block's target before anything is queued.
func (k *Kernel) SubmitBlock(b *stepper.Block, stepRate float64) error {
	if st := k.mon.State(); st != alarm.StateIdle && st != alarm.StateRun {
		return fmt.Errorf("%w: %s", ErrNotIdle, st)
	}
	if err := k.limits.CheckSoft(k.blockTarget(b)); err != nil {
		return err
	}
	if stepRate <= 0 || b.StepEventCount == 0 {
		return nil
	}

	cycles := uint32(float64(k.drv.StepTimerFreq()) / stepRate)

	k.mu.Lock()
	if len(k.jobs) >= blockQueueSize {
		k.mu.Unlock()
		return ErrQueueFull
	}
	k.jobs = append(k.jobs, &job{block: b, remaining: b.StepEventCount, cycles: cycles})
	k.mu.Unlock()

	k.pump()
	if err := k.mon.SetState(alarm.StateRun); err != nil {
		return err
	}
	k.sch.WakeUp()
	return nil
}

// blockTarget converts a block's signed step deltas into the absolute
// target in millimetres for the soft limit check.
func (k *Kernel) blockTarget(b *stepper.Block) [signal.MaxAxes]float64 {
	pos := k.sch.Position()
	var target [signal.MaxAxes]float64
	for a := 0; a < k.set.NumAxes; a++ {
		delta := int64(b.Steps[a])
		if b.Direction.Has(a) {
			delta = -delta
		}
		target[a] = float64(pos[a]+delta) / k.set.StepsPerMM[a]
	}
	return target
}

// pump segments queued blocks into the ring. Runs from tick context via
// the segment callback and inline on submit.
func (k *Kernel) pump() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for len(k.jobs) > 0 && k.buf.Free() > 0 {
		j := k.jobs[0]
		n := j.remaining
		if n > maxSegmentSteps {
			n = maxSegmentSteps
		}
		seg := &stepper.Segment{
			Block:       j.block,
			NSteps:      uint16(n),
			SpindleSync: j.block.SpindleSync,
			Cruising:    true,
		}
		k.sch.PrepareSegment(seg, j.cycles)
		if !k.buf.Put(seg) {
			return
		}
		j.remaining -= n
		if j.remaining == 0 {
			k.jobs = k.jobs[1:]
		}
	}
}

func (k *Kernel) onIdle() {
	k.mu.Lock()
	drained := len(k.jobs) == 0
	k.mu.Unlock()
	if !drained {
		return
	}
	if k.mon.State() == alarm.StateRun {
		if err := k.mon.SetState(alarm.StateIdle); err == nil {
			k.logger.Debug("Motion drained, machine idle")
		}
	}
}

// Hold stops step generation at the current segment boundary. Queued
// segments and blocks stay put for CycleStart.
func (k *Kernel) Hold() {
	k.mu.Lock()
	if k.holding {
		k.mu.Unlock()
		return
	}
	k.holding = true
	k.mu.Unlock()

	k.sch.GoIdle(false)
	if k.mon.State() == alarm.StateRun {
		_ = k.mon.SetState(alarm.StateHold)
	}
	k.logger.Info("Feed hold")
}

// CycleStart resumes motion held by Hold.
func (k *Kernel) CycleStart() {
	k.mu.Lock()
	if !k.holding {
		k.mu.Unlock()
		return
	}
	k.holding = false
	pending := len(k.jobs) > 0 || k.buf.Len() > 0
	k.mu.Unlock()

	if k.mon.State() == alarm.StateHold {
		_ = k.mon.SetState(alarm.StateIdle)
	}
	if !pending {
		return
	}
	if err := k.mon.SetState(alarm.StateRun); err != nil {
		return
	}
	k.sch.WakeUp()
	k.logger.Info("Cycle start")
}

// Reset aborts motion and drops all queued work. A reset during homing
// latches a homing alarm; otherwise the machine returns to idle.
func (k *Kernel) Reset() {
	k.homing.Abort(alarm.HomingFailReset)
	k.sch.GoIdle(true)

	k.mu.Lock()
	k.jobs = nil
	k.holding = false
	k.mu.Unlock()

	if k.mon.State() == alarm.StateRun || k.mon.State() == alarm.StateHold {
		_ = k.mon.SetState(alarm.StateIdle)
	}
	k.logger.Info("Reset")
}

// ClearAlarm unlatches a fault. It refuses while the fault's input is
// still engaged.
func (k *Kernel) ClearAlarm() error {
	switch k.mon.Code() {
	case alarm.HardLimit:
		if k.reader.Limits().Any() {
			return alarm.ErrAlarmPending
		}
	case alarm.EStop:
		if k.reader.Controls().Has(signal.EStop) {
			return alarm.ErrAlarmPending
		}
	}
	return k.mon.Clear()
}

// HomeAll runs the configured homing sequence.
func (k *Kernel) HomeAll(ctx context.Context) error {
	err := k.homing.CycleAll(ctx)
	k.rewire()
	return err
}

// Home runs one homing cycle for the given axes.
func (k *Kernel) Home(ctx context.Context, mask signal.AxisSignals) error {
	err := k.homing.Cycle(ctx, mask)
	k.rewire()
	return err
}

// rewire reclaims the scheduler callbacks homing borrowed.
func (k *Kernel) rewire() {
	k.sch.SetSegmentCallback(k.pump)
	k.sch.SetIdleCallback(k.onIdle)
}

// onControlGroup dispatches debounced control edges.
func (k *Kernel) onControlGroup(changed []*signal.Input) {
	for _, in := range changed {
		k.mm.RecordInputEdge("control")
		if in.ID == signal.InputLimitsOverride {
			// Level-sensitive: holding the switch suppresses hard limit
			// faults so the operator can jog off an engaged switch.
			k.limits.SetOverride(in.Settled())
			continue
		}
		if !in.Active {
			continue
		}
		switch in.ID {
		case signal.InputReset:
			k.Reset()
		case signal.InputEStop:
			k.eStop()
		case signal.InputFeedHold:
			k.Hold()
		case signal.InputCycleStart:
			k.CycleStart()
		case signal.InputSafetyDoor:
			k.safetyDoor()
		}
	}
}

func (k *Kernel) eStop() {
	k.homing.Abort(alarm.HomingFailReset)
	k.sch.GoIdle(true)
	k.reg.SetState(hal.SpindleState{}, 0)
	k.mu.Lock()
	k.jobs = nil
	k.holding = false
	k.mu.Unlock()
	k.mon.Raise(alarm.EStop)
}

func (k *Kernel) safetyDoor() {
	k.homing.Abort(alarm.HomingFailDoor)
	k.Hold()
	k.logger.Warn("Safety door open")
}

// onProbeGroup captures the machine position at probe contact.
func (k *Kernel) onProbeGroup(changed []*signal.Input) {
	k.mm.RecordInputEdge("probe")
	k.mu.Lock()
	armed := k.probing
	k.mu.Unlock()
	if !armed || !k.reader.Probe().Triggered {
		return
	}
	pos := k.sch.Position()
	k.sch.GoIdle(false)
	k.mu.Lock()
	k.probing = false
	k.probe = ProbeResult{Triggered: true, Position: pos}
	k.mu.Unlock()
	k.logger.Debug("Probe contact")
}

// ProbeBegin arms probe capture for the next probing move. away flips
// the trigger polarity for away-from-workpiece cycles.
func (k *Kernel) ProbeBegin(away bool) error {
	if k.reader.Lookup(signal.InputProbe) == nil {
		return ErrNoProbe
	}
	k.reader.SetProbeAway(away)
	if k.reader.Probe().Triggered {
		return ErrProbeTriggered
	}
	k.mu.Lock()
	k.probing = true
	k.probe = ProbeResult{}
	k.mu.Unlock()
	return nil
}

// ProbeEnd disarms capture and returns the result. Triggered is false
// when the move finished without contact.
func (k *Kernel) ProbeEnd() ProbeResult {
	k.reader.SetProbeAway(false)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.probing = false
	return k.probe
}

// SpindleSet commands the spindle; with an encoder fitted the regulator
// trims PWM toward rpm.
func (k *Kernel) SpindleSet(state hal.SpindleState, rpm float64) {
	k.reg.SetState(state, rpm)
}

// SpindleAtSpeed reports whether measured RPM is within tolerance of the
// programmed RPM. Targets without an encoder always report true.
func (k *Kernel) SpindleAtSpeed() bool {
	if !k.caps.SpindleAtSpeed || k.enc == nil {
		return true
	}
	return k.reg.AtSpeed()
}

// WaitAtSpeed blocks until the spindle reaches speed or timeout elapses,
// raising an alarm on timeout.
func (k *Kernel) WaitAtSpeed(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !k.SpindleAtSpeed() {
		if time.Now().After(deadline) {
			k.mon.Raise(alarm.SpindleAtSpeedTimeout)
			return ErrAtSpeedTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			k.drv.DelayMs(10, nil)
		}
	}
	return nil
}

// CoolantSet switches the coolant outputs.
func (k *Kernel) CoolantSet(state hal.CoolantState) {
	k.coolant.SetState(state)
}

// Delay waits ms milliseconds on the target's timer; with done non-nil
// it returns at once.
func (k *Kernel) Delay(ms uint, done func()) {
	k.drv.DelayMs(ms, done)
}

// onAlarm runs when a fault latches. Queued work is dropped so a later
// clear cannot resume motion the operator no longer expects.
func (k *Kernel) onAlarm(code alarm.Code) {
	k.mu.Lock()
	k.jobs = nil
	k.holding = false
	k.mu.Unlock()
	k.mm.RecordAlarm(code.String())
	k.logger.WithField("code", code.String()).Error("Alarm raised")
}

// Run is the service loop: spindle regulation, slip supervision and
// metrics. It returns when ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second / serviceHz)
	defer tick.Stop()
	report := time.NewTicker(250 * time.Millisecond)
	defer report.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			if k.enc != nil {
				k.reg.Tick(serviceHz)
				if k.enc.SlipError() {
					// Capture already realigned to the live pulse count;
					// the spindle keeps running.
					k.mm.EncoderSlips.Inc(nil)
					k.logger.Warn("Encoder slip detected, capture re-armed")
				}
			}
		case <-report.C:
			k.publishMetrics()
		}
	}
}

func (k *Kernel) publishMetrics() {
	pos := k.sch.Position()
	names := []string{"x", "y", "z", "a", "b", "c"}
	for a := 0; a < k.set.NumAxes; a++ {
		k.mm.SetMachinePosition(names[a], pos[a])
	}
	lim := k.reader.Limits()
	for a := 0; a < k.set.NumAxes; a++ {
		k.mm.SetLimitState(names[a], lim.Has(a))
	}
	if k.enc != nil {
		k.mm.SetSpindleStatus(k.enc.RPM(), k.reg.TargetRPM(), 0, k.SpindleAtSpeed())
	}
	k.mm.MachineState.Set(nil, float64(k.mon.State()))
	k.mm.SegmentRingDepth.Set(nil, float64(k.buf.Len()))
	k.mm.UpdateSystemMetrics()
}

// GetStatus returns a machine status snapshot.
func (k *Kernel) GetStatus() map[string]any {
	pos := k.sch.Position()
	position := make(map[string]int64, k.set.NumAxes)
	mpos := make(map[string]float64, k.set.NumAxes)
	names := []string{"x", "y", "z", "a", "b", "c"}
	for a := 0; a < k.set.NumAxes; a++ {
		position[names[a]] = pos[a]
		mpos[names[a]] = float64(pos[a]) / k.set.StepsPerMM[a]
	}

	status := map[string]any{
		"state":       k.mon.State().String(),
		"alarm":       k.mon.Code().String(),
		"position":    position,
		"mpos":        mpos,
		"limits":      k.reader.Limits().String(),
		"controls":    k.reader.Controls().String(),
		"probe":       k.reader.Probe().Triggered,
		"ring_depth":  k.buf.Len(),
		"homing":      k.homing.Active(),
		"spindle_on":  k.drv.Spindle().State().On,
		"spindle_ccw": k.drv.Spindle().State().CCW,
	}
	if k.enc != nil {
		status["spindle_rpm"] = k.enc.RPM()
		status["spindle_target_rpm"] = k.reg.TargetRPM()
		status["spindle_at_speed"] = k.SpindleAtSpeed()
	}
	cool := k.coolant.State()
	status["coolant_flood"] = cool.Flood
	status["coolant_mist"] = cool.Mist
	return status
}
