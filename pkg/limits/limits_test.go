// This file may be distributed under the terms of the GNU GPLv3 license.
package limits

import (
	"testing"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

type managerRig struct {
	port   *fakeStepPort
	pins   map[int]*switchPin
	reader *signal.Reader
	sch    *stepper.Scheduler
	mon    *alarm.Monitor
	set    *settings.Settings
	mgr    *Manager
}

func newManagerRig(t *testing.T) *managerRig {
	t.Helper()
	set := settings.Default()
	set.Limits.HardEnabled = true
	set.Limits.SoftEnabled = true
	set.Limits.CheckHardState = true
	for a := 0; a < set.NumAxes; a++ {
		set.MaxTravel[a] = -200
	}

	port := &fakeStepPort{}
	buf := stepper.NewBuffer()
	gen := stepper.NewGenerator(port, 1_000_000, set.Steppers)
	sch := stepper.NewScheduler(stepper.Config{
		Port: port, Pulse: gen, Buffer: buf,
		NumAxes: set.NumAxes, TimerFreq: 1_000_000,
	})

	pins := map[int]*switchPin{}
	pinMap := map[signal.InputID]signal.Pin{}
	for a := 0; a < set.NumAxes; a++ {
		p := &switchPin{}
		pins[a] = p
		pinMap[signal.LimitInput(a)] = p
	}
	reader := signal.NewReader(signal.ReaderConfig{NumAxes: set.NumAxes}, pinMap)

	mon := alarm.NewMonitor()
	mgr := NewManager(sch, reader, mon, set, nil)
	return &managerRig{port: port, pins: pins, reader: reader, sch: sch, mon: mon, set: set, mgr: mgr}
}

func limitEdge(axis int) []*signal.Input {
	return []*signal.Input{{ID: signal.LimitInput(axis), Axis: axis, Group: signal.GroupLimit}}
}

func TestHardLimitHaltsAndLatches(t *testing.T) {
	r := newManagerRig(t)
	r.pins[signal.X].set(true)
	r.mgr.OnLimitGroup(limitEdge(signal.X))

	if r.mon.Code() != alarm.HardLimit {
		t.Fatalf("alarm %v, want hard_limit", r.mon.Code())
	}
	if r.sch.Running() {
		t.Fatal("scheduler still running after hard limit")
	}
}

func TestHardLimitGlitchIgnoredWithStateCheck(t *testing.T) {
	r := newManagerRig(t)
	// Edge reported but the switch already released.
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.None {
		t.Fatalf("glitch latched alarm %v", r.mon.Code())
	}
}

func TestHardLimitEdgeFaultsWithoutStateCheck(t *testing.T) {
	r := newManagerRig(t)
	r.set.Limits.CheckHardState = false
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.HardLimit {
		t.Fatalf("alarm %v, want hard_limit on bare edge", r.mon.Code())
	}
}

func TestHardLimitDisabled(t *testing.T) {
	r := newManagerRig(t)
	r.set.Limits.HardEnabled = false
	r.pins[signal.X].set(true)
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.None {
		t.Fatalf("disabled hard limits latched %v", r.mon.Code())
	}
}

func TestLimitsOverrideSuppressesFault(t *testing.T) {
	r := newManagerRig(t)
	r.set.Limits.OverrideEnabled = true
	r.mgr.SetOverride(true)
	r.pins[signal.X].set(true)
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.None {
		t.Fatalf("override did not suppress fault: %v", r.mon.Code())
	}

	// Released override restores faulting.
	r.mgr.SetOverride(false)
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.HardLimit {
		t.Fatal("fault not restored after override release")
	}
}

func TestSoftLimitHoldsThenLatches(t *testing.T) {
	r := newManagerRig(t)
	held := false
	r.mgr.SetHoldFunc(func() { held = true })

	var target [signal.MaxAxes]float64
	target[signal.X] = -250 // past -200 travel
	if err := r.mgr.CheckSoft(target); err == nil {
		t.Fatal("out-of-travel target accepted")
	}
	if !held {
		t.Fatal("soft limit did not initiate feed hold")
	}
	if r.mon.Code() != alarm.SoftLimit {
		t.Fatalf("alarm %v, want soft_limit", r.mon.Code())
	}
}

func TestSoftLimitPositiveSideAndInRange(t *testing.T) {
	r := newManagerRig(t)
	var target [signal.MaxAxes]float64
	target[signal.Y] = 1 // machine space is all-negative
	if err := r.mgr.CheckSoft(target); err == nil {
		t.Fatal("positive target accepted")
	}

	r2 := newManagerRig(t)
	var ok [signal.MaxAxes]float64
	ok[signal.X] = -100
	if err := r2.mgr.CheckSoft(ok); err != nil {
		t.Fatalf("in-range target rejected: %v", err)
	}
	if r2.mon.Code() != alarm.None {
		t.Fatal("in-range target latched an alarm")
	}
}

func TestSoftLimitDisabled(t *testing.T) {
	r := newManagerRig(t)
	r.set.Limits.SoftEnabled = false
	var target [signal.MaxAxes]float64
	target[signal.X] = -500
	if err := r.mgr.CheckSoft(target); err != nil {
		t.Fatalf("disabled soft limits rejected target: %v", err)
	}
}

func TestLimitEventsRoutedToActiveHoming(t *testing.T) {
	r := newManagerRig(t)
	h := NewHoming(HomingConfig{
		Scheduler: r.sch,
		Buffer:    stepper.NewBuffer(),
		Reader:    r.reader,
		Inputs:    &fakeInputs{},
		Stepper:   r.port,
		Monitor:   r.mon,
		Settings:  r.set,
		TimerFreq: 1_000_000,
	})
	r.mgr.homing = h
	h.mu.Lock()
	h.active = true
	h.mu.Unlock()

	r.pins[signal.X].set(true)
	r.mgr.OnLimitGroup(limitEdge(signal.X))
	if r.mon.Code() != alarm.None {
		t.Fatal("limit event faulted instead of routing to homing")
	}
}
