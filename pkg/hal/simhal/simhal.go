// Package simhal is a simulated hardware target. The step timer runs on
// a goroutine, step pulses integrate into a tracked machine position,
// limit and probe switches engage from position-driven scripts, and the
// spindle synthesizes encoder captures from its commanded state. It
// backs the kernel's tests and the daemon's dry-run mode.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package simhal

import (
	"runtime"
	"sync"
	"time"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// Config tunes the simulation.
type Config struct {
	NumAxes   int
	TimerFreq uint32

	// TimeScale divides wall-clock delays so dwell-heavy sequences run
	// fast under test; zero means real time.
	TimeScale uint

	Caps hal.Capabilities
}

// DefaultConfig returns a three-axis simulator with every capability on.
func DefaultConfig() Config {
	return Config{
		NumAxes:   3,
		TimerFreq: 1_000_000,
		TimeScale: 1000,
		Caps: hal.Capabilities{
			AmassLevel:       3,
			SoftwareDebounce: true,
			StepPulseDelay:   true,
			SpindleSync:      true,
			SpindlePID:       true,
			SpindleAtSpeed:   true,
			SpindleDir:       true,
			SafetyDoor:       true,
			LimitsOverride:   true,
		},
	}
}

// Driver is the simulated target.
type Driver struct {
	cfg Config

	stepper *StepperPort
	inputs  *InputPort
	spindle *SpindlePort
	coolant *CoolantPort
}

func New(cfg Config) *Driver {
	d := &Driver{cfg: cfg}
	d.stepper = newStepperPort(cfg.NumAxes)
	d.inputs = newInputPort(cfg.NumAxes)
	d.spindle = &SpindlePort{}
	d.coolant = &CoolantPort{}
	d.stepper.afterTick = d.afterTick
	return d
}

func (d *Driver) Init(s *settings.Settings) error { return nil }

func (d *Driver) SettingsChanged(s *settings.Settings) {}

func (d *Driver) Capabilities() hal.Capabilities { return d.cfg.Caps }

func (d *Driver) StepTimerFreq() uint32 { return d.cfg.TimerFreq }

func (d *Driver) Stepper() hal.StepperPort { return d.stepper }
func (d *Driver) Inputs() hal.InputPort    { return d.inputs }
func (d *Driver) Spindle() hal.SpindlePort { return d.spindle }
func (d *Driver) Coolant() hal.CoolantPort { return d.coolant }

// DelayMs sleeps scaled-down wall time, inline or on a timer goroutine.
func (d *Driver) DelayMs(ms uint, done func()) {
	dur := time.Duration(ms) * time.Millisecond
	if d.cfg.TimeScale > 1 {
		dur /= time.Duration(d.cfg.TimeScale)
	}
	if done == nil {
		time.Sleep(dur)
		return
	}
	time.AfterFunc(dur, done)
}

// Position returns the simulated machine position integrated from step
// pulses.
func (d *Driver) Position() [signal.MaxAxes]int64 { return d.stepper.position() }

// SetLimitScript installs fn, evaluated after every tick with the
// simulated position; returned bits engage the limit switches.
func (d *Driver) SetLimitScript(fn func(pos [signal.MaxAxes]int64) signal.AxisSignals) {
	d.inputs.mu.Lock()
	d.inputs.limitScript = fn
	d.inputs.mu.Unlock()
}

// SetProbeScript installs fn; a true return trips the probe input.
func (d *Driver) SetProbeScript(fn func(pos [signal.MaxAxes]int64) bool) {
	d.inputs.mu.Lock()
	d.inputs.probeScript = fn
	d.inputs.mu.Unlock()
}

// Spin synthesizes encoder state for a spindle turning at the given RPM:
// capture events arrive as if the spindle had been at speed for the
// elapsed revolutions.
func (d *Driver) Spin(rpm float64, revolutions int, ppr uint32) {
	d.spindle.spin(rpm, revolutions, ppr, float64(d.cfg.TimerFreq))
}

// SetInput drives a simulated input pin directly, bypassing the scripts.
func (d *Driver) SetInput(id signal.InputID, engaged bool) {
	d.inputs.setLevel(id, engaged)
}

func (d *Driver) afterTick() {
	d.inputs.evaluate(d.stepper.position())
	// Let the consuming side run between ticks.
	runtime.Gosched()
}

// StepperPort simulates the step output stage and both timers.
type StepperPort struct {
	mu        sync.Mutex
	numAxes   int
	tick      func()
	running   bool
	session   int
	dir       signal.AxisSignals
	enabled   signal.AxisSignals
	squaring  hal.SquaringMode
	squareOff signal.AxisSignals
	pos       [signal.MaxAxes]int64

	pulseAssert   func()
	pulseDeassert func()
	pending       signal.AxisSignals
	lastStep      signal.AxisSignals

	afterTick func()
}

func newStepperPort(numAxes int) *StepperPort {
	return &StepperPort{numAxes: numAxes}
}

func (p *StepperPort) Enable(axes signal.AxisSignals) {
	p.mu.Lock()
	p.enabled = axes
	p.mu.Unlock()
}

func (p *StepperPort) DisableMotors(axes signal.AxisSignals, mode hal.SquaringMode) {
	p.mu.Lock()
	p.squareOff = axes
	p.squaring = mode
	p.mu.Unlock()
}

// SetStep integrates rising edges into the simulated position.
func (p *StepperPort) SetStep(axes signal.AxisSignals) {
	p.mu.Lock()
	rising := axes &^ p.lastStep
	p.lastStep = axes
	for a := 0; a < p.numAxes; a++ {
		if !rising.Has(a) {
			continue
		}
		if p.dir.Has(a) {
			p.pos[a]--
		} else {
			p.pos[a]++
		}
	}
	p.mu.Unlock()
}

func (p *StepperPort) SetDir(axes signal.AxisSignals) {
	p.mu.Lock()
	p.dir = axes
	p.mu.Unlock()
}

func (p *StepperPort) StartTimer(reload uint32) {
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

func (p *StepperPort) SetReload(reload uint32) {}

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

func (p *StepperPort) ConfigurePulse(delay, width uint32, assert, deassert func()) {
	p.mu.Lock()
	p.pulseAssert = assert
	p.pulseDeassert = deassert
	p.mu.Unlock()
}

// ArmPulse completes the pulse synchronously; simulated time has no
// sub-tick resolution.
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
}

func (p *StepperPort) run(id int) {
	for {
		p.mu.Lock()
		if !p.running || p.session != id {
			p.mu.Unlock()
			return
		}
		tick := p.tick
		after := p.afterTick
		p.mu.Unlock()
		tick()
		if after != nil {
			after()
		}
	}
}

func (p *StepperPort) position() [signal.MaxAxes]int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pos
}

// inputBit maps an input ID to its bit in the armed mask.
func inputBit(id signal.InputID) uint16 { return 1 << uint(id) }

// simPin is one simulated input pin. Arming state lives in the port's
// shared mask.
type simPin struct {
	mu    sync.Mutex
	level bool
	id    signal.InputID
	port  *InputPort
}

func (p *simPin) Read() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *simPin) EnableInterrupt(enable bool) {
	if enable {
		p.port.armed.SetBits(inputBit(p.id))
	} else {
		p.port.armed.ClearBits(inputBit(p.id))
	}
}

// set returns true when the level changed with the pin armed.
func (p *simPin) set(level bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.level == level {
		return false
	}
	p.level = level
	return p.port.armed.Any(inputBit(p.id))
}

// InputPort simulates the input pin bank.
type InputPort struct {
	armed signal.Atomic16

	mu          sync.Mutex
	pins        map[signal.InputID]*simPin
	byID        map[signal.InputID]*signal.Input
	edge        func(in *signal.Input)
	limitScript func(pos [signal.MaxAxes]int64) signal.AxisSignals
	probeScript func(pos [signal.MaxAxes]int64) bool
	numAxes     int
}

func newInputPort(numAxes int) *InputPort {
	p := &InputPort{
		pins:    map[signal.InputID]*simPin{},
		byID:    map[signal.InputID]*signal.Input{},
		numAxes: numAxes,
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
		p.pins[id] = &simPin{id: id, port: p}
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
	for a := 0; a < p.numAxes; a++ {
		if _, ok := p.pins[signal.LimitInput(a)]; ok {
			mask |= inputBit(signal.LimitInput(a))
		}
	}
	p.mu.Unlock()
	if on {
		p.armed.SetBits(mask)
	} else {
		p.armed.ClearBits(mask)
	}
}

func (p *InputPort) SetEdgeHandler(fn func(in *signal.Input)) {
	p.mu.Lock()
	p.edge = fn
	p.mu.Unlock()
}

func (p *InputPort) setLevel(id signal.InputID, level bool) {
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

// evaluate runs the switch scripts against the current position.
func (p *InputPort) evaluate(pos [signal.MaxAxes]int64) {
	p.mu.Lock()
	limits := p.limitScript
	probe := p.probeScript
	p.mu.Unlock()
	if limits != nil {
		engaged := limits(pos)
		for a := 0; a < p.numAxes; a++ {
			p.setLevel(signal.LimitInput(a), engaged.Has(a))
		}
	}
	if probe != nil {
		p.setLevel(signal.InputProbe, probe(pos))
	}
}

// SpindlePort simulates the spindle drive and encoder.
type SpindlePort struct {
	mu      sync.Mutex
	state   hal.SpindleState
	pwm     uint16
	ticks   uint32
	pulses  uint32
	trigger uint32
	armed   bool

	capture func(ticks, pulses uint32)
	index   func(ticks, pulses uint32)
}

func (p *SpindlePort) SetState(s hal.SpindleState, pwm uint16) {
	p.mu.Lock()
	p.state = s
	p.pwm = pwm
	p.mu.Unlock()
}

func (p *SpindlePort) State() hal.SpindleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *SpindlePort) UpdatePWM(v uint16) {
	p.mu.Lock()
	p.pwm = v
	p.mu.Unlock()
}

// PWM reports the last duty value for assertions.
func (p *SpindlePort) PWM() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pwm
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

func (p *SpindlePort) RearmCapture(from uint32) {}

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

// spin advances the synthetic encoder by whole revolutions at rpm.
func (p *SpindlePort) spin(rpm float64, revolutions int, ppr uint32, timerFreq float64) {
	p.mu.Lock()
	if !p.armed || rpm <= 0 {
		p.mu.Unlock()
		return
	}
	trigger := p.trigger
	capture := p.capture
	index := p.index
	ticksPerPulse := uint32(60 * timerFreq / (float64(ppr) * rpm))
	p.mu.Unlock()

	for rev := 0; rev < revolutions; rev++ {
		if index != nil {
			index(p.EncoderTicks(), p.EncoderPulses())
		}
		for i := uint32(0); i < ppr; i++ {
			p.mu.Lock()
			p.ticks += ticksPerPulse
			p.pulses++
			fire := trigger > 0 && p.pulses%trigger == 0
			ticks, pulses := p.ticks, p.pulses
			p.mu.Unlock()
			if fire && capture != nil {
				capture(ticks, pulses)
			}
		}
	}
}

// CoolantPort mirrors the coolant relays.
type CoolantPort struct {
	mu    sync.Mutex
	state hal.CoolantState
}

func (p *CoolantPort) SetState(s hal.CoolantState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *CoolantPort) State() hal.CoolantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
