// This file may be distributed under the terms of the GNU GPLv3 license.
package limits

import (
	"context"
	"sync"
	"testing"
	"time"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

// fakeStepPort runs the step timer on a goroutine per session so the
// homing cycle executes end to end. The script hook runs after every
// tick on the timer goroutine, standing in for the machine's physics.
type fakeStepPort struct {
	mu       sync.Mutex
	tick     func()
	running  bool
	session  int
	ticks    int
	script   func(n int)
	enabled  signal.AxisSignals
	dir      signal.AxisSignals
	disables []hal.SquaringMode
}

func (p *fakeStepPort) Enable(axes signal.AxisSignals) {
	p.mu.Lock()
	p.enabled = axes
	p.mu.Unlock()
}

func (p *fakeStepPort) DisableMotors(axes signal.AxisSignals, m hal.SquaringMode) {
	p.mu.Lock()
	p.disables = append(p.disables, m)
	p.mu.Unlock()
}

func (p *fakeStepPort) SetStep(axes signal.AxisSignals) {}

func (p *fakeStepPort) SetDir(axes signal.AxisSignals) {
	p.mu.Lock()
	p.dir = axes
	p.mu.Unlock()
}

func (p *fakeStepPort) SetReload(reload uint32) {}

func (p *fakeStepPort) SetTickHandler(fn func()) {
	p.mu.Lock()
	p.tick = fn
	p.mu.Unlock()
}

func (p *fakeStepPort) ConfigurePulse(delay, width uint32, assert, deassert func()) {}
func (p *fakeStepPort) ArmPulse()                                                  {}

func (p *fakeStepPort) StartTimer(reload uint32) {
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

func (p *fakeStepPort) StopTimer() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
}

func (p *fakeStepPort) run(id int) {
	for {
		p.mu.Lock()
		if !p.running || p.session != id {
			p.mu.Unlock()
			return
		}
		tick := p.tick
		script := p.script
		p.ticks++
		n := p.ticks
		p.mu.Unlock()
		tick()
		if script != nil {
			script(n)
		}
	}
}

// switchPin is a limit pin flipped by the physics script.
type switchPin struct {
	mu    sync.Mutex
	level bool
}

func (p *switchPin) Read() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.level
}

func (p *switchPin) EnableInterrupt(enable bool) {}

func (p *switchPin) set(level bool) {
	p.mu.Lock()
	p.level = level
	p.mu.Unlock()
}

// fakeInputs records limit interrupt enable calls.
type fakeInputs struct {
	mu      sync.Mutex
	enables [][2]bool
}

func (f *fakeInputs) Pins() map[signal.InputID]signal.Pin { return nil }
func (f *fakeInputs) BindInputs(inputs []*signal.Input)   {}
func (f *fakeInputs) SetEdgeHandler(fn func(in *signal.Input)) {}

func (f *fakeInputs) LimitsEnable(on, homing bool) {
	f.mu.Lock()
	f.enables = append(f.enables, [2]bool{on, homing})
	f.mu.Unlock()
}

type homingRig struct {
	port   *fakeStepPort
	inputs *fakeInputs
	pins   map[int]*switchPin
	reader *signal.Reader
	sch    *stepper.Scheduler
	mon    *alarm.Monitor
	set    *settings.Settings
	homing *Homing
}

func newHomingRig(t *testing.T) *homingRig {
	t.Helper()
	set := settings.Default()
	set.Homing.SeekRate = 600
	set.Homing.FeedRate = 60
	set.Homing.Pulloff = 1
	set.Homing.LocateCycles = 1
	set.Homing.DebounceDelay = 0
	for a := 0; a < set.NumAxes; a++ {
		set.StepsPerMM[a] = 10
		set.MaxTravel[a] = -100
		set.Homing.DirMask.Set(a)
	}

	port := &fakeStepPort{}
	buf := stepper.NewBuffer()
	gen := stepper.NewGenerator(port, 1_000_000, set.Steppers)
	sch := stepper.NewScheduler(stepper.Config{
		Port:      port,
		Pulse:     gen,
		Buffer:    buf,
		NumAxes:   set.NumAxes,
		TimerFreq: 1_000_000,
	})

	pins := map[int]*switchPin{}
	pinMap := map[signal.InputID]signal.Pin{}
	for a := 0; a < set.NumAxes; a++ {
		p := &switchPin{}
		pins[a] = p
		pinMap[signal.LimitInput(a)] = p
	}
	reader := signal.NewReader(signal.ReaderConfig{NumAxes: set.NumAxes}, pinMap)

	inputs := &fakeInputs{}
	mon := alarm.NewMonitor()
	h := NewHoming(HomingConfig{
		Scheduler: sch,
		Buffer:    buf,
		Reader:    reader,
		Inputs:    inputs,
		Stepper:   port,
		Monitor:   mon,
		Settings:  set,
		TimerFreq: 1_000_000,
		Dwell:     func(ms uint) {},
	})

	return &homingRig{
		port: port, inputs: inputs, pins: pins, reader: reader,
		sch: sch, mon: mon, set: set, homing: h,
	}
}

// switchAt models a switch that engages when the axis is at or below the
// given step position.
func (r *homingRig) switchAt(positions map[int]int64) {
	r.port.script = func(n int) {
		pos := r.sch.Position()
		changed := false
		for a, trip := range positions {
			engaged := pos[a] <= trip
			if engaged != r.pins[a].Read() {
				r.pins[a].set(engaged)
				changed = true
			}
		}
		if changed {
			r.homing.OnLimits(r.reader.Limits())
		}
	}
}

func (r *homingRig) runCycle(t *testing.T, mask signal.AxisSignals) error {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- r.homing.Cycle(context.Background(), mask) }()
	select {
	case err := <-errCh:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("homing cycle did not finish")
		return nil
	}
}

func TestHomingCycleLocatesSwitch(t *testing.T) {
	r := newHomingRig(t)
	r.switchAt(map[int]int64{signal.X: -1000})

	var mask signal.AxisSignals
	mask.Set(signal.X)
	if err := r.runCycle(t, mask); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	// Machine space is all-negative: homed X rests at max travel plus
	// pull-off, in steps.
	pos := r.sch.Position()
	want := int64((r.set.MaxTravel[signal.X] + r.set.Homing.Pulloff) * r.set.StepsPerMM[signal.X])
	if pos[signal.X] != want {
		t.Fatalf("homed position %d, want %d", pos[signal.X], want)
	}
	if r.mon.State() != alarm.StateIdle {
		t.Fatalf("state %v after homing, want idle", r.mon.State())
	}
	if r.pins[signal.X].Read() {
		t.Fatal("switch still engaged after final pull-off")
	}

	// Limit interrupts entered homing mode and were restored after.
	r.inputs.mu.Lock()
	defer r.inputs.mu.Unlock()
	if len(r.inputs.enables) < 2 {
		t.Fatal("limit interrupts not reconfigured")
	}
	first := r.inputs.enables[0]
	last := r.inputs.enables[len(r.inputs.enables)-1]
	if first != [2]bool{true, true} || last[1] != false {
		t.Fatalf("limit enables %v", r.inputs.enables)
	}
}

func TestHomingLocksAxesIndividually(t *testing.T) {
	r := newHomingRig(t)
	trips := map[int]int64{signal.X: -500, signal.Y: -800}
	r.switchAt(trips)

	// Snapshot X when Y engages: X must have stopped at its own switch.
	var xAtYTrip int64
	base := r.port.script
	seen := false
	r.port.script = func(n int) {
		base(n)
		if !seen && r.pins[signal.Y].Read() {
			seen = true
			xAtYTrip = r.sch.Position()[signal.X]
		}
	}

	var mask signal.AxisSignals
	mask.Set(signal.X)
	mask.Set(signal.Y)
	if err := r.runCycle(t, mask); err != nil {
		t.Fatalf("homing failed: %v", err)
	}
	if !seen {
		t.Fatal("Y switch never engaged")
	}
	if xAtYTrip < -505 || xAtYTrip > -495 {
		t.Fatalf("X drifted to %d after its switch engaged", xAtYTrip)
	}
}

func TestHomingFailApproach(t *testing.T) {
	r := newHomingRig(t)
	// No switch ever engages.
	var mask signal.AxisSignals
	mask.Set(signal.X)
	if err := r.runCycle(t, mask); err == nil {
		t.Fatal("homing succeeded without a switch")
	}
	if r.mon.Code() != alarm.HomingFailApproach {
		t.Fatalf("alarm %v, want homing_fail_approach", r.mon.Code())
	}
}

func TestHomingFailPulloff(t *testing.T) {
	r := newHomingRig(t)
	// Switch engages and sticks.
	engaged := false
	r.port.script = func(n int) {
		if !engaged && r.sch.Position()[signal.X] <= -300 {
			engaged = true
			r.pins[signal.X].set(true)
			r.homing.OnLimits(r.reader.Limits())
		}
	}

	var mask signal.AxisSignals
	mask.Set(signal.X)
	if err := r.runCycle(t, mask); err == nil {
		t.Fatal("homing succeeded with a stuck switch")
	}
	if r.mon.Code() != alarm.HomingFailPulloff {
		t.Fatalf("alarm %v, want homing_fail_pulloff", r.mon.Code())
	}
}

func TestHomingAbort(t *testing.T) {
	r := newHomingRig(t)
	r.port.script = func(n int) {
		if n == 20 {
			r.homing.Abort(alarm.HomingFailDoor)
		}
	}

	var mask signal.AxisSignals
	mask.Set(signal.X)
	if err := r.runCycle(t, mask); err == nil {
		t.Fatal("aborted homing reported success")
	}
	if r.mon.Code() != alarm.HomingFailDoor {
		t.Fatalf("alarm %v, want homing_fail_door", r.mon.Code())
	}
}

func TestHomingForceSetOrigin(t *testing.T) {
	r := newHomingRig(t)
	r.set.Homing.ForceSetOrigin = true
	r.switchAt(map[int]int64{signal.X: -1000})

	var mask signal.AxisSignals
	mask.Set(signal.X)
	if err := r.runCycle(t, mask); err != nil {
		t.Fatalf("homing failed: %v", err)
	}
	if pos := r.sch.Position(); pos[signal.X] != 0 {
		t.Fatalf("forced origin position %d, want 0", pos[signal.X])
	}
}

func TestHomingGangedSquaring(t *testing.T) {
	r := newHomingRig(t)
	var ganged signal.AxisSignals
	ganged.Set(signal.Y)
	r.homing.cfg.Caps = hal.Capabilities{GangedAxes: ganged}
	r.switchAt(map[int]int64{signal.Y: -700})

	var mask signal.AxisSignals
	mask.Set(signal.Y)
	if err := r.runCycle(t, mask); err != nil {
		t.Fatalf("homing failed: %v", err)
	}

	r.port.mu.Lock()
	defer r.port.mu.Unlock()
	want := []hal.SquaringMode{hal.SquareA, hal.SquareB, hal.SquareBoth}
	if len(r.port.disables) != len(want) {
		t.Fatalf("squaring sequence %v, want %v", r.port.disables, want)
	}
	for i := range want {
		if r.port.disables[i] != want[i] {
			t.Fatalf("squaring sequence %v, want %v", r.port.disables, want)
		}
	}
}

func TestHomingRejectsConcurrentCycle(t *testing.T) {
	r := newHomingRig(t)
	r.switchAt(map[int]int64{signal.X: -1000})

	// Freeze the fake timer on its first tick so the first cycle is
	// provably still active when the second call lands.
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	base := r.port.script
	r.port.script = func(n int) {
		once.Do(func() {
			close(started)
			<-release
		})
		base(n)
	}

	var mask signal.AxisSignals
	mask.Set(signal.X)
	errCh := make(chan error, 1)
	go func() { errCh <- r.homing.Cycle(context.Background(), mask) }()
	<-started
	second := r.homing.Cycle(context.Background(), mask)
	close(release)
	if second != ErrHomingActive {
		t.Fatalf("second cycle error %v, want ErrHomingActive", second)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("first cycle failed: %v", err)
	}
}
