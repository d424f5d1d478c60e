// This file may be distributed under the terms of the GNU GPLv3 license.
package rpihal

import (
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// StepperPort drives step/dir/enable pins. The scheduler timer is a
// goroutine pacing reload cycles in wall time; pulse width and delay are
// produced with short sleeps in the tick path.
type StepperPort struct {
	d       *Driver
	numAxes int

	step   [signal.MaxAxes]gpio.PinIO
	dir    [signal.MaxAxes]gpio.PinIO
	enable gpio.PinIO

	mu           sync.Mutex
	tick         func()
	running      bool
	session      int
	stepInvert   signal.AxisSignals
	dirInvert    signal.AxisSignals
	enableInvert bool

	reload atomic.Uint32

	pulseDelay    time.Duration
	pulseWidth    time.Duration
	pulseAssert   func()
	pulseDeassert func()
}

func (p *StepperPort) configure(s settings.StepperSettings) {
	p.mu.Lock()
	p.stepInvert = s.StepInvert
	p.dirInvert = s.DirInvert
	p.enableInvert = s.EnableInvert.Any()
	p.mu.Unlock()
}

func (p *StepperPort) Enable(axes signal.AxisSignals) {
	if p.enable == nil {
		return
	}
	level := axes.Any()
	p.mu.Lock()
	if p.enableInvert {
		level = !level
	}
	p.mu.Unlock()
	p.enable.Out(gpio.Level(level))
}

// DisableMotors is a no-op: this target has one driver per axis.
func (p *StepperPort) DisableMotors(axes signal.AxisSignals, mode hal.SquaringMode) {}

func (p *StepperPort) SetStep(axes signal.AxisSignals) {
	p.mu.Lock()
	inv := p.stepInvert
	p.mu.Unlock()
	out := axes.Xor(inv)
	for a := 0; a < p.numAxes; a++ {
		p.step[a].Out(gpio.Level(out.Has(a)))
	}
}

func (p *StepperPort) SetDir(axes signal.AxisSignals) {
	p.mu.Lock()
	inv := p.dirInvert
	p.mu.Unlock()
	out := axes.Xor(inv)
	for a := 0; a < p.numAxes; a++ {
		p.dir[a].Out(gpio.Level(out.Has(a)))
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
	p.mu.Lock()
	p.pulseDelay = time.Duration(delay) * time.Second / timerFreq
	p.pulseWidth = time.Duration(width) * time.Second / timerFreq
	p.pulseAssert = assert
	p.pulseDeassert = deassert
	p.mu.Unlock()
}

// ArmPulse completes the pulse inline; at GPIO speeds the sleeps are the
// pulse shaping.
func (p *StepperPort) ArmPulse() {
	p.mu.Lock()
	delay := p.pulseDelay
	width := p.pulseWidth
	assert := p.pulseAssert
	deassert := p.pulseDeassert
	p.mu.Unlock()
	if assert != nil {
		time.Sleep(delay)
		assert()
	}
	time.Sleep(width)
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
		p.mu.Unlock()

		tick()

		cycles := p.reload.Load()
		time.Sleep(time.Duration(cycles) * time.Second / timerFreq)
	}
}

// watchedPin wraps a GPIO input with the interrupt gate.
type watchedPin struct {
	pin gpio.PinIO
	irq atomic.Bool
}

func (w *watchedPin) Read() bool { return w.pin.Read() == gpio.High }

func (w *watchedPin) EnableInterrupt(enable bool) { w.irq.Store(enable) }

// InputPort runs one edge watcher goroutine per connected input.
type InputPort struct {
	d *Driver

	mu   sync.Mutex
	pins map[signal.InputID]*watchedPin
	byID map[signal.InputID]*signal.Input
	edge func(in *signal.Input)
}

func newInputPort(d *Driver) *InputPort {
	return &InputPort{
		d:    d,
		pins: map[signal.InputID]*watchedPin{},
		byID: map[signal.InputID]*signal.Input{},
	}
}

func (p *InputPort) add(id signal.InputID, pin gpio.PinIO) {
	w := &watchedPin{pin: pin}
	w.irq.Store(true)
	p.pins[id] = w
}

func (p *InputPort) start() {
	for id, w := range p.pins {
		go p.watch(id, w)
	}
}

func (p *InputPort) watch(id signal.InputID, w *watchedPin) {
	for {
		select {
		case <-p.d.closed:
			return
		default:
		}
		if !w.pin.WaitForEdge(time.Second) {
			continue
		}
		if !w.irq.Load() {
			continue
		}
		p.mu.Lock()
		in := p.byID[id]
		edge := p.edge
		p.mu.Unlock()
		if edge != nil && in != nil {
			edge(in)
		}
	}
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
	p.mu.Lock()
	defer p.mu.Unlock()
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

// SpindlePort switches the spindle relays and shapes speed on hardware
// PWM. Encoder counting is edge-watched against the virtual timebase.
type SpindlePort struct {
	d *Driver

	on       gpio.PinIO
	ccw      gpio.PinIO
	pwm      gpio.PinIO
	pulsePin gpio.PinIO
	indexPin gpio.PinIO

	mu       sync.Mutex
	state    hal.SpindleState
	period   uint16
	pwmFreq  physic.Frequency
	start    time.Time
	pulses   uint32
	trigger  uint32
	nextCap  uint32
	armed    bool
	capture  func(ticks, pulses uint32)
	index    func(ticks, pulses uint32)
}

func (p *SpindlePort) configure(s settings.SpindleSettings) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.PWMFreq > 0 {
		p.period = uint16(float64(timerFreq) / s.PWMFreq)
		p.pwmFreq = physic.Frequency(s.PWMFreq) * physic.Hertz
	}
}

func (p *SpindlePort) SetState(s hal.SpindleState, pwm uint16) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.on != nil {
		p.on.Out(gpio.Level(s.On))
	}
	if p.ccw != nil {
		p.ccw.Out(gpio.Level(s.CCW))
	}
	p.UpdatePWM(pwm)
}

func (p *SpindlePort) State() hal.SpindleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *SpindlePort) UpdatePWM(v uint16) {
	if p.pwm == nil {
		return
	}
	p.mu.Lock()
	period := p.period
	freq := p.pwmFreq
	p.mu.Unlock()
	if period == 0 {
		return
	}
	duty := gpio.Duty(uint64(v) * uint64(gpio.DutyMax) / uint64(period))
	if duty > gpio.DutyMax {
		duty = gpio.DutyMax
	}
	p.pwm.PWM(duty, freq)
}

// ticksNow is the virtual encoder timer, microseconds since arming.
func (p *SpindlePort) ticksNow() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint32(time.Since(p.start).Microseconds())
}

func (p *SpindlePort) EncoderTicks() uint32 { return p.ticksNow() }

func (p *SpindlePort) EncoderPulses() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses
}

func (p *SpindlePort) EncoderStart(trigger uint32) {
	p.mu.Lock()
	p.trigger = trigger
	p.nextCap = trigger
	p.pulses = 0
	p.start = time.Now()
	p.armed = true
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

// watchEncoder counts pulse edges and fires capture/index callbacks.
func (p *SpindlePort) watchEncoder() {
	if p.indexPin != nil {
		go p.watchIndex()
	}
	for {
		select {
		case <-p.d.closed:
			return
		default:
		}
		if !p.pulsePin.WaitForEdge(time.Second) {
			continue
		}
		p.mu.Lock()
		if !p.armed {
			p.mu.Unlock()
			continue
		}
		p.pulses++
		pulses := p.pulses
		fire := p.trigger > 0 && pulses >= p.nextCap
		if fire {
			p.nextCap = pulses + p.trigger
		}
		capture := p.capture
		ticks := uint32(time.Since(p.start).Microseconds())
		p.mu.Unlock()
		if fire && capture != nil {
			capture(ticks, pulses)
		}
	}
}

func (p *SpindlePort) watchIndex() {
	for {
		select {
		case <-p.d.closed:
			return
		default:
		}
		if !p.indexPin.WaitForEdge(time.Second) {
			continue
		}
		p.mu.Lock()
		armed := p.armed
		index := p.index
		pulses := p.pulses
		ticks := uint32(time.Since(p.start).Microseconds())
		p.mu.Unlock()
		if armed && index != nil {
			index(ticks, pulses)
		}
	}
}

// CoolantPort switches the coolant relays.
type CoolantPort struct {
	flood gpio.PinIO
	mist  gpio.PinIO

	mu    sync.Mutex
	state hal.CoolantState
}

func (p *CoolantPort) SetState(s hal.CoolantState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if p.flood != nil {
		p.flood.Out(gpio.Level(s.Flood))
	}
	if p.mist != nil {
		p.mist.Out(gpio.Level(s.Mist))
	}
}

func (p *CoolantPort) State() hal.CoolantState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}
