// This file may be distributed under the terms of the GNU GPLv3 license.
package serialhal

import (
	"sync"
	"sync/atomic"
	"time"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/protocol"
	"cnc-motion-go/pkg/signal"
)

// StepperPort paces the scheduler timer host-side and streams each tick
// to the board as one step sample.
type StepperPort struct {
	d *Driver

	mu      sync.Mutex
	tick    func()
	running bool
	session int
	dir     signal.AxisSignals
	pending signal.AxisSignals

	reload atomic.Uint32

	pulseAssert   func()
	pulseDeassert func()
}

func newStepperPort(d *Driver) *StepperPort {
	return &StepperPort{d: d}
}

func (p *StepperPort) Enable(axes signal.AxisSignals) {
	_ = p.d.send(protocol.CmdEnable, int32(axes.Value()))
}

// DisableMotors is a no-op: serial boards do not advertise ganged axes.
func (p *StepperPort) DisableMotors(axes signal.AxisSignals, mode hal.SquaringMode) {}

func (p *StepperPort) SetStep(axes signal.AxisSignals) {
	p.mu.Lock()
	p.pending |= axes
	p.mu.Unlock()
}

func (p *StepperPort) SetDir(axes signal.AxisSignals) {
	p.mu.Lock()
	p.dir = axes
	p.mu.Unlock()
}

func (p *StepperPort) StartTimer(reload uint32) {
	p.reload.Store(reload)
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.session++
	id := p.session
	p.mu.Unlock()
	go p.run(id)
}

func (p *StepperPort) SetReload(reload uint32) {
	p.reload.Store(reload)
}

func (p *StepperPort) StopTimer() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *StepperPort) SetTickHandler(fn func()) {
	p.mu.Lock()
	p.tick = fn
	p.mu.Unlock()
}

// ConfigurePulse keeps the callbacks; pulse shaping itself happens on
// the board, configured through SettingsChanged.
func (p *StepperPort) ConfigurePulse(delay, width uint32, assert, deassert func()) {
	p.mu.Lock()
	p.pulseAssert = assert
	p.pulseDeassert = deassert
	p.mu.Unlock()
}

// ArmPulse flushes the tick's step bits as one wire sample.
func (p *StepperPort) ArmPulse() {
	p.mu.Lock()
	assert := p.pulseAssert
	deassert := p.pulseDeassert
	p.mu.Unlock()
	if assert != nil {
		assert()
	}
	if deassert != nil {
		deassert()
	}

	p.mu.Lock()
	steps := p.pending
	dir := p.dir
	p.pending = 0
	p.mu.Unlock()
	if !steps.Any() {
		return
	}
	_ = p.d.send(protocol.CmdSteps,
		int32(dir.Value()), int32(steps.Value()), int32(p.reload.Load()))
}

// run paces ticks in wall time from the board's timer frequency.
func (p *StepperPort) run(id int) {
	freq := float64(p.d.StepTimerFreq())
	for {
		p.mu.Lock()
		if !p.running || p.session != id {
			p.mu.Unlock()
			return
		}
		tick := p.tick
		p.mu.Unlock()

		tick()

		cycles := p.reload.Load()
		time.Sleep(time.Duration(float64(cycles) / freq * float64(time.Second)))
	}
}

// inputBit maps an input ID to its bit in the armed mask.
func inputBit(id signal.InputID) uint16 { return 1 << uint(id) }

// remotePin mirrors the last level the board reported for one input.
// Interrupt arming lives in the port's shared mask so a bank-wide
// enable is one atomic mutation.
type remotePin struct {
	mu    sync.Mutex
	level bool
	id    signal.InputID
	port  *InputPort
}

func (p *remotePin) Read() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *remotePin) EnableInterrupt(enable bool) {
	if enable {
		p.port.armed.SetBits(inputBit(p.id))
	} else {
		p.port.armed.ClearBits(inputBit(p.id))
	}
}

func (p *remotePin) set(level bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.level == level {
		return false
	}
	p.level = level
	return p.port.armed.Any(inputBit(p.id))
}

// InputPort mirrors the board's input bank.
type InputPort struct {
	d *Driver

	armed signal.Atomic16

	mu   sync.Mutex
	pins map[signal.InputID]*remotePin
	byID map[signal.InputID]*signal.Input
	edge func(in *signal.Input)
}

func newInputPort(d *Driver, numAxes int) *InputPort {
	p := &InputPort{
		d:    d,
		pins: map[signal.InputID]*remotePin{},
		byID: map[signal.InputID]*signal.Input{},
	}
	ids := []signal.InputID{
		signal.InputProbe, signal.InputReset, signal.InputEStop,
		signal.InputFeedHold, signal.InputCycleStart, signal.InputSafetyDoor,
		signal.InputLimitsOverride,
	}
	for a := 0; a < numAxes; a++ {
		ids = append(ids, signal.LimitInput(a))
	}
	var armed uint16
	for _, id := range ids {
		p.pins[id] = &remotePin{id: id, port: p}
		armed |= inputBit(id)
	}
	p.armed.SetValue(armed)
	return p
}

func (p *InputPort) Pins() map[signal.InputID]signal.Pin {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[signal.InputID]signal.Pin, len(p.pins))
	for id, pin := range p.pins {
		out[id] = pin
	}
	return out
}

func (p *InputPort) BindInputs(inputs []*signal.Input) {
	p.mu.Lock()
	for _, in := range inputs {
		p.byID[in.ID] = in
	}
	p.mu.Unlock()
}

func (p *InputPort) LimitsEnable(on, homing bool) {
	var mask uint16
	p.mu.Lock()
	for id := range p.pins {
		if id >= signal.InputLimitX && id <= signal.InputLimitC {
			mask |= inputBit(id)
		}
	}
	p.mu.Unlock()
	if on {
		p.armed.SetBits(mask)
	} else {
		p.armed.ClearBits(mask)
	}
	var onArg, homingArg int32
	if on {
		onArg = 1
	}
	if homing {
		homingArg = 1
	}
	_ = p.d.send(protocol.CmdLimitsEnable, onArg, homingArg)
}

func (p *InputPort) SetEdgeHandler(fn func(in *signal.Input)) {
	p.mu.Lock()
	p.edge = fn
	p.mu.Unlock()
}

// onEvent applies a board input event and forwards the edge.
func (p *InputPort) onEvent(id signal.InputID, level bool) {
	p.mu.Lock()
	pin := p.pins[id]
	in := p.byID[id]
	edge := p.edge
	p.mu.Unlock()
	if pin == nil {
		return
	}
	if pin.set(level) && edge != nil && in != nil {
		edge(in)
	}
}

// SpindlePort relays spindle commands and mirrors encoder events.
type SpindlePort struct {
	d *Driver

	mu      sync.Mutex
	state   hal.SpindleState
	pwm     uint16
	ticks   uint32
	pulses  uint32
	trigger uint32
	nextCap uint32
	armed   bool

	capture func(ticks, pulses uint32)
	index   func(ticks, pulses uint32)
}

func spindleFlags(s hal.SpindleState) int32 {
	var f int32
	if s.On {
		f |= 1
	}
	if s.CCW {
		f |= 2
	}
	return f
}

func (p *SpindlePort) SetState(s hal.SpindleState, pwm uint16) {
	p.mu.Lock()
	p.state = s
	p.pwm = pwm
	p.mu.Unlock()
	_ = p.d.send(protocol.CmdSpindle, spindleFlags(s), int32(pwm))
}

func (p *SpindlePort) State() hal.SpindleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *SpindlePort) UpdatePWM(v uint16) {
	p.mu.Lock()
	p.pwm = v
	s := p.state
	p.mu.Unlock()
	_ = p.d.send(protocol.CmdSpindle, spindleFlags(s), int32(v))
}

func (p *SpindlePort) EncoderTicks() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ticks
}

func (p *SpindlePort) EncoderPulses() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses
}

func (p *SpindlePort) EncoderStart(trigger uint32) {
	p.mu.Lock()
	p.trigger = trigger
	p.nextCap = trigger
	p.armed = true
	p.ticks = 0
	p.pulses = 0
	p.mu.Unlock()
}

func (p *SpindlePort) EncoderStop() {
	p.mu.Lock()
	p.armed = false
	p.mu.Unlock()
}

func (p *SpindlePort) RearmCapture(from uint32) {
	p.mu.Lock()
	p.nextCap = from + p.trigger
	p.mu.Unlock()
}

func (p *SpindlePort) SetCaptureHandler(fn func(ticks, pulses uint32)) {
	p.mu.Lock()
	p.capture = fn
	p.mu.Unlock()
}

func (p *SpindlePort) SetIndexHandler(fn func(ticks, pulses uint32)) {
	p.mu.Lock()
	p.index = fn
	p.mu.Unlock()
}

// onEvent folds one encoder event from the board into the local capture
// state, synthesizing the capture-compare interrupt from the trigger
// count.
func (p *SpindlePort) onEvent(ticks, pulses uint32, isIndex bool) {
	p.mu.Lock()
	p.ticks = ticks
	p.pulses = pulses
	armed := p.armed
	capture := p.capture
	index := p.index
	fireCap := armed && p.trigger > 0 && pulses >= p.nextCap
	if fireCap {
		p.nextCap = pulses + p.trigger
	}
	p.mu.Unlock()
	if !armed {
		return
	}
	if isIndex && index != nil {
		index(ticks, pulses)
	}
	if fireCap && capture != nil {
		capture(ticks, pulses)
	}
}

// CoolantPort relays the coolant relays.
type CoolantPort struct {
	d *Driver

	mu    sync.Mutex
	state hal.CoolantState
}

func (p *CoolantPort) SetState(s hal.CoolantState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	var f int32
	if s.Flood {
		f |= 1
	}
	if s.Mist {
		f |= 2
	}
	_ = p.d.send(protocol.CmdCoolant, f)
}

func (p *CoolantPort) State() hal.CoolantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
