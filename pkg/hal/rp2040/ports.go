//go:build rp2040

// This file may be distributed under the terms of the GNU GPLv3 license.
package rp2040

import (
	"machine"
	"runtime"
	"sync"
	"sync/atomic"

	"tinygo.org/x/drivers/servo"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// StepperPort feeds the PIO pulser and paces the scheduler tick against
// the hardware microsecond timer. Step inversion is not applied here,
// the PIO bank idles low; dir and enable inversion are.
type StepperPort struct {
	pulser  *pulser
	numAxes int

	dir    [signal.MaxAxes]machine.Pin
	enable machine.Pin

	mu           sync.Mutex
	tick         func()
	running      bool
	session      int
	dirInvert    signal.AxisSignals
	enableInvert bool

	reload atomic.Uint32

	pending    signal.AxisSignals
	pulseDelay uint8
	pulseWidth uint16
	assert     func()
	deassert   func()
}

func (p *StepperPort) configure(s settings.StepperSettings) {
	p.mu.Lock()
	p.dirInvert = s.DirInvert
	p.enableInvert = s.EnableInvert.Any()
	p.mu.Unlock()
}

func (p *StepperPort) Enable(axes signal.AxisSignals) {
	if p.enable == noPin {
		return
	}
	p.mu.Lock()
	level := axes.Any() != p.enableInvert
	p.mu.Unlock()
	p.enable.Set(level)
}

// DisableMotors is a no-op, the step bank has one motor per axis.
func (p *StepperPort) DisableMotors(axes signal.AxisSignals, mode hal.SquaringMode) {}

// SetStep accumulates the pending pulse mask; the pins themselves belong
// to the PIO state machine.
func (p *StepperPort) SetStep(axes signal.AxisSignals) {
	p.mu.Lock()
	p.pending |= axes
	p.mu.Unlock()
}

func (p *StepperPort) SetDir(axes signal.AxisSignals) {
	p.mu.Lock()
	out := axes.Xor(p.dirInvert)
	p.mu.Unlock()
	for a := 0; a < p.numAxes; a++ {
		if p.dir[a] != noPin {
			p.dir[a].Set(out.Has(a))
		}
	}
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

func (p *StepperPort) SetReload(reload uint32) { p.reload.Store(reload) }

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
	if delay > 0xff {
		delay = 0xff
	}
	if width > 0xffff {
		width = 0xffff
	}
	p.mu.Lock()
	p.pulseDelay = uint8(delay)
	p.pulseWidth = uint16(width)
	p.assert = assert
	p.deassert = deassert
	p.mu.Unlock()
}

// ArmPulse hands the accumulated mask to the PIO, which times the delay,
// assert and deassert phases in hardware.
func (p *StepperPort) ArmPulse() {
	p.mu.Lock()
	assert := p.assert
	deassert := p.deassert
	p.mu.Unlock()
	if assert != nil {
		assert()
	}
	p.mu.Lock()
	mask := p.pending
	p.pending = 0
	delay := p.pulseDelay
	width := p.pulseWidth
	p.mu.Unlock()
	if mask.Any() {
		p.pulser.push(mask.Value(), delay, width)
	}
	if deassert != nil {
		deassert()
	}
}

func (p *StepperPort) run(id int) {
	next := ticksNow() + p.reload.Load()
	for {
		p.mu.Lock()
		if !p.running || p.session != id {
			p.mu.Unlock()
			return
		}
		tick := p.tick
		p.mu.Unlock()

		for int32(ticksNow()-next) < 0 {
			runtime.Gosched()
		}
		tick()
		next += p.reload.Load()
	}
}

// irqPin is one interrupt-capable input.
type irqPin struct {
	pin machine.Pin
	irq atomic.Bool
	in  *signal.Input
}

func (w *irqPin) Read() bool { return w.pin.Get() }

func (w *irqPin) EnableInterrupt(enable bool) { w.irq.Store(enable) }

// InputPort routes pin change interrupts to the registered edge handler.
type InputPort struct {
	mu    sync.Mutex
	pins  map[signal.InputID]*irqPin
	byPin map[machine.Pin]*irqPin
	edge  func(in *signal.Input)
}

func newInputPort() *InputPort {
	return &InputPort{
		pins:  map[signal.InputID]*irqPin{},
		byPin: map[machine.Pin]*irqPin{},
	}
}

func (p *InputPort) add(id signal.InputID, pin machine.Pin) error {
	w := &irqPin{pin: pin}
	w.irq.Store(true)
	p.pins[id] = w
	p.byPin[pin] = w
	return pin.SetInterrupt(machine.PinToggle, p.onEdge)
}

// onEdge runs in interrupt context.
func (p *InputPort) onEdge(pin machine.Pin) {
	w := p.byPin[pin]
	if w == nil || !w.irq.Load() {
		return
	}
	edge := p.edge
	if edge != nil && w.in != nil {
		edge(w.in)
	}
}

func (p *InputPort) Pins() map[signal.InputID]signal.Pin {
	out := make(map[signal.InputID]signal.Pin, len(p.pins))
	for id, pin := range p.pins {
		out[id] = pin
	}
	return out
}

func (p *InputPort) BindInputs(inputs []*signal.Input) {
	p.mu.Lock()
	for _, in := range inputs {
		if w := p.pins[in.ID]; w != nil {
			w.in = in
		}
	}
	p.mu.Unlock()
}

func (p *InputPort) LimitsEnable(on, homing bool) {
	for id, w := range p.pins {
		if id >= signal.InputLimitX && id <= signal.InputLimitC {
			w.irq.Store(on)
		}
	}
}

func (p *InputPort) SetEdgeHandler(fn func(in *signal.Input)) {
	p.mu.Lock()
	p.edge = fn
	p.mu.Unlock()
}

// ESC pulse endpoints in microseconds, the usual hobby ESC range.
const (
	escStopUS = 1000
	escFullUS = 2000
)

// SpindlePort drives the relays plus either a PWM channel or an ESC, and
// counts encoder pulses in pin interrupts against the microsecond timer.
type SpindlePort struct {
	on  machine.Pin
	ccw machine.Pin

	pwm    servo.PWM
	pwmPin machine.Pin
	pwmCh  uint8
	pwmTop uint32
	esc    *servo.Servo

	hasEncoder bool
	hasIndex   bool

	mu        sync.Mutex
	state     hal.SpindleState
	period    uint16
	invertOn  bool
	invertCCW bool
	invertPWM bool

	armed   atomic.Bool
	pulses  atomic.Uint32
	trigger atomic.Uint32
	nextCap atomic.Uint32
	epoch   atomic.Uint32

	capture func(ticks, pulses uint32)
	index   func(ticks, pulses uint32)
}

func (p *SpindlePort) configure(s settings.SpindleSettings) {
	p.mu.Lock()
	p.invertOn = s.InvertOn
	p.invertCCW = s.InvertCCW
	p.invertPWM = s.InvertPWM
	if s.PWMFreq > 0 {
		p.period = uint16(float64(timerFreq) / s.PWMFreq)
	}
	period := p.period
	p.mu.Unlock()

	if p.pwm != nil && period > 0 {
		p.pwm.Configure(machine.PWMConfig{Period: uint64(1e9 / s.PWMFreq)})
		if ch, err := p.pwm.Channel(p.pwmPin); err == nil {
			p.pwmCh = ch
			p.pwmTop = p.pwm.Top()
		}
	}
}

func (p *SpindlePort) SetState(s hal.SpindleState, pwm uint16) {
	p.mu.Lock()
	p.state = s
	onLevel := s.On != p.invertOn
	ccwLevel := s.CCW != p.invertCCW
	p.mu.Unlock()
	if p.on != noPin {
		p.on.Set(onLevel)
	}
	if p.ccw != noPin {
		p.ccw.Set(ccwLevel)
	}
	if !s.On && p.esc != nil {
		p.esc.SetMicroseconds(escStopUS)
		return
	}
	p.UpdatePWM(pwm)
}

func (p *SpindlePort) State() hal.SpindleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *SpindlePort) UpdatePWM(v uint16) {
	p.mu.Lock()
	period := p.period
	invert := p.invertPWM
	p.mu.Unlock()
	if period == 0 {
		return
	}
	if v > period {
		v = period
	}
	if p.esc != nil {
		us := escStopUS + int16(uint32(v)*(escFullUS-escStopUS)/uint32(period))
		p.esc.SetMicroseconds(us)
		return
	}
	if p.pwm == nil || p.pwmTop == 0 {
		return
	}
	duty := uint32(v) * p.pwmTop / uint32(period)
	if invert {
		duty = p.pwmTop - duty
	}
	p.pwm.Set(p.pwmCh, duty)
}

func (p *SpindlePort) EncoderTicks() uint32 { return ticksNow() - p.epoch.Load() }

func (p *SpindlePort) EncoderPulses() uint32 { return p.pulses.Load() }

func (p *SpindlePort) EncoderStart(trigger uint32) {
	p.pulses.Store(0)
	p.trigger.Store(trigger)
	p.nextCap.Store(trigger)
	p.epoch.Store(ticksNow())
	p.armed.Store(true)
}

func (p *SpindlePort) EncoderStop() { p.armed.Store(false) }

func (p *SpindlePort) RearmCapture(from uint32) {
	p.nextCap.Store(from + p.trigger.Load())
}

func (p *SpindlePort) SetCaptureHandler(fn func(ticks, pulses uint32)) { p.capture = fn }

func (p *SpindlePort) SetIndexHandler(fn func(ticks, pulses uint32)) { p.index = fn }

// onPulse and onIndex run in interrupt context.
func (p *SpindlePort) onPulse(machine.Pin) {
	if !p.armed.Load() {
		return
	}
	n := p.pulses.Add(1)
	trigger := p.trigger.Load()
	if trigger == 0 || n < p.nextCap.Load() {
		return
	}
	p.nextCap.Store(n + trigger)
	if p.capture != nil {
		p.capture(ticksNow()-p.epoch.Load(), n)
	}
}

func (p *SpindlePort) onIndex(machine.Pin) {
	if !p.armed.Load() || p.index == nil {
		return
	}
	p.index(ticksNow()-p.epoch.Load(), p.pulses.Load())
}

// CoolantPort switches the coolant outputs.
type CoolantPort struct {
	flood machine.Pin
	mist  machine.Pin

	mu    sync.Mutex
	state hal.CoolantState
}

func (p *CoolantPort) SetState(s hal.CoolantState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.flood != noPin {
		p.flood.Set(s.Flood)
	}
	if p.mist != noPin {
		p.mist.Set(s.Mist)
	}
}

func (p *CoolantPort) State() hal.CoolantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
