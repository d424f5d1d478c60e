// This file may be distributed under the terms of the GNU GPLv3 license.
package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/hal/simhal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

func testSettings() *settings.Settings {
	s := settings.Default()
	s.SoftwareDebounce = false
	for i := 0; i < signal.MaxAxes; i++ {
		s.StepsPerMM[i] = 10
		s.MaxRate[i] = 6000
		s.MaxTravel[i] = -100
	}
	s.Homing.SeekRate = 600
	s.Homing.FeedRate = 60
	s.Homing.Pulloff = 1
	s.Homing.LocateCycles = 1
	s.Homing.DebounceDelay = 1
	s.Limits.CheckHardState = true
	return s
}

func newRig(t *testing.T, mutate func(*settings.Settings)) (*Kernel, *simhal.Driver) {
	t.Helper()
	s := testSettings()
	if mutate != nil {
		mutate(s)
	}
	drv := simhal.New(simhal.DefaultConfig())
	var n settings.Notifier
	k, err := New(drv, s, &n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k, drv
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func axisBlock(axis int, steps uint32, negative bool) *stepper.Block {
	b := &stepper.Block{ID: 1, StepEventCount: steps}
	b.Steps[axis] = steps
	if negative {
		b.Direction = signal.AxisBit(axis)
	}
	return b
}

func TestSubmitBlockRunsToCompletion(t *testing.T) {
	k, drv := newRig(t, nil)

	if err := k.SubmitBlock(axisBlock(signal.X, 500, false), 5000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "block completion", func() bool {
		return k.Position()[signal.X] == 500 && k.Monitor().State() == alarm.StateIdle
	})

	if got := drv.Position()[signal.X]; got != 500 {
		t.Errorf("simulated position = %d, want 500", got)
	}
	if st := k.GetStatus(); st["state"] != "idle" {
		t.Errorf("status state = %v, want idle", st["state"])
	}
}

func TestSubmitBlockRejectsWhenAlarmed(t *testing.T) {
	k, _ := newRig(t, nil)
	k.Monitor().Raise(alarm.HardLimit)

	err := k.SubmitBlock(axisBlock(signal.X, 10, false), 1000)
	if !errors.Is(err, ErrNotIdle) {
		t.Fatalf("SubmitBlock during alarm = %v, want ErrNotIdle", err)
	}
}

func TestFeedHoldAndCycleStart(t *testing.T) {
	k, _ := newRig(t, nil)

	if err := k.SubmitBlock(axisBlock(signal.X, 100000, false), 50000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "motion start", func() bool {
		return k.Position()[signal.X] > 100
	})

	k.Hold()
	if st := k.Monitor().State(); st != alarm.StateHold {
		t.Fatalf("state after hold = %s, want hold", st)
	}
	held := k.Position()[signal.X]
	time.Sleep(20 * time.Millisecond)
	if got := k.Position()[signal.X]; got != held {
		t.Fatalf("position moved during hold: %d -> %d", held, got)
	}

	k.CycleStart()
	waitFor(t, 10*time.Second, "resume to completion", func() bool {
		return k.Position()[signal.X] == 100000
	})
}

func TestControlInputsHoldAndResume(t *testing.T) {
	k, drv := newRig(t, nil)

	if err := k.SubmitBlock(axisBlock(signal.Y, 100000, false), 50000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "motion start", func() bool {
		return k.Position()[signal.Y] > 100
	})

	drv.SetInput(signal.InputFeedHold, true)
	waitFor(t, time.Second, "hold state", func() bool {
		return k.Monitor().State() == alarm.StateHold
	})

	drv.SetInput(signal.InputFeedHold, false)
	drv.SetInput(signal.InputCycleStart, true)
	waitFor(t, 10*time.Second, "resume to completion", func() bool {
		return k.Position()[signal.Y] == 100000
	})
}

func TestHardLimitLatchesAlarm(t *testing.T) {
	k, drv := newRig(t, func(s *settings.Settings) {
		s.Limits.HardEnabled = true
	})
	drv.SetLimitScript(func(pos [signal.MaxAxes]int64) signal.AxisSignals {
		var st signal.AxisSignals
		if pos[signal.X] >= 300 {
			st.Set(signal.X)
		}
		return st
	})

	if err := k.SubmitBlock(axisBlock(signal.X, 1000, false), 5000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "hard limit alarm", func() bool {
		return k.Monitor().Code() == alarm.HardLimit
	})
	if st := k.Monitor().State(); st != alarm.StateAlarm {
		t.Errorf("state = %s, want alarm", st)
	}
	if pos := k.Position()[signal.X]; pos >= 1000 {
		t.Errorf("motion not halted, position %d", pos)
	}

	// Switch still engaged: the fault must stay latched.
	if err := k.ClearAlarm(); !errors.Is(err, alarm.ErrAlarmPending) {
		t.Fatalf("ClearAlarm with switch engaged = %v, want ErrAlarmPending", err)
	}

	drv.SetLimitScript(nil)
	drv.SetInput(signal.LimitInput(signal.X), false)
	if err := k.ClearAlarm(); err != nil {
		t.Fatalf("ClearAlarm after release: %v", err)
	}
	if st := k.Monitor().State(); st != alarm.StateIdle {
		t.Errorf("state after clear = %s, want idle", st)
	}
}

func TestLimitsOverrideInputSuppressesFault(t *testing.T) {
	k, drv := newRig(t, func(s *settings.Settings) {
		s.Limits.HardEnabled = true
		s.Limits.OverrideEnabled = true
		s.Limits.CheckHardState = false
	})

	// Held override lets the switch engage and release without faulting.
	drv.SetInput(signal.InputLimitsOverride, true)
	drv.SetInput(signal.LimitInput(signal.X), true)
	time.Sleep(10 * time.Millisecond)
	if code := k.Monitor().Code(); code != alarm.None {
		t.Fatalf("limit faulted with override held: %s", code)
	}
	drv.SetInput(signal.LimitInput(signal.X), false)

	// Released override restores faulting on the next edge.
	drv.SetInput(signal.InputLimitsOverride, false)
	drv.SetInput(signal.LimitInput(signal.X), true)
	waitFor(t, time.Second, "hard limit fault", func() bool {
		return k.Monitor().Code() == alarm.HardLimit
	})
}

func TestSoftLimitRejectsSubmit(t *testing.T) {
	k, _ := newRig(t, func(s *settings.Settings) {
		s.Limits.SoftEnabled = true
	})

	// Positive travel from the origin leaves machine space immediately.
	if err := k.SubmitBlock(axisBlock(signal.X, 100, false), 1000); err == nil {
		t.Fatal("SubmitBlock past soft limit succeeded")
	}
	if code := k.Monitor().Code(); code != alarm.SoftLimit {
		t.Errorf("alarm = %s, want soft limit", code)
	}
	if err := k.ClearAlarm(); err != nil {
		t.Errorf("ClearAlarm: %v", err)
	}
}

func TestEStopInput(t *testing.T) {
	// Target variant with the reset pin wired as e-stop.
	cfg := simhal.DefaultConfig()
	cfg.Caps.EStop = true
	drv := simhal.New(cfg)
	var n settings.Notifier
	k, err := New(drv, testSettings(), &n)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	drv.SetInput(signal.InputEStop, true)
	waitFor(t, time.Second, "e-stop state", func() bool {
		return k.Monitor().State() == alarm.StateEStop
	})
	if err := k.ClearAlarm(); !errors.Is(err, alarm.ErrAlarmPending) {
		t.Fatalf("ClearAlarm with e-stop engaged = %v, want ErrAlarmPending", err)
	}
	drv.SetInput(signal.InputEStop, false)
	if err := k.ClearAlarm(); err != nil {
		t.Fatalf("ClearAlarm after release: %v", err)
	}
}

func TestResetInputAbortsMotion(t *testing.T) {
	k, drv := newRig(t, nil)

	if err := k.SubmitBlock(axisBlock(signal.Z, 100000, false), 50000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "motion start", func() bool {
		return k.Position()[signal.Z] > 100
	})

	drv.SetInput(signal.InputReset, true)
	waitFor(t, time.Second, "idle after reset", func() bool {
		return k.Monitor().State() == alarm.StateIdle && !k.sch.Running()
	})
	stopped := k.Position()[signal.Z]
	time.Sleep(20 * time.Millisecond)
	if got := k.Position()[signal.Z]; got != stopped {
		t.Errorf("position moved after reset: %d -> %d", stopped, got)
	}
}

func TestProbeCapture(t *testing.T) {
	k, drv := newRig(t, nil)
	drv.SetProbeScript(func(pos [signal.MaxAxes]int64) bool {
		return pos[signal.X] >= 200
	})

	if err := k.ProbeBegin(false); err != nil {
		t.Fatalf("ProbeBegin: %v", err)
	}
	if err := k.SubmitBlock(axisBlock(signal.X, 1000, false), 5000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "probe contact", func() bool {
		st := k.GetStatus()
		return st["probe"] == true
	})

	res := k.ProbeEnd()
	if !res.Triggered {
		t.Fatal("probe result not triggered")
	}
	if res.Position[signal.X] < 200 || res.Position[signal.X] > 210 {
		t.Errorf("captured position = %d, want ~200", res.Position[signal.X])
	}
	k.Reset()
}

func TestProbeBeginWhileTriggered(t *testing.T) {
	k, drv := newRig(t, nil)
	drv.SetInput(signal.InputProbe, true)

	if err := k.ProbeBegin(false); !errors.Is(err, ErrProbeTriggered) {
		t.Fatalf("ProbeBegin with probe triggered = %v, want ErrProbeTriggered", err)
	}
}

func TestHomingThroughKernel(t *testing.T) {
	k, drv := newRig(t, nil)
	// Home direction defaults toward positive travel; the switches sit at
	// the positive end.
	drv.SetLimitScript(func(pos [signal.MaxAxes]int64) signal.AxisSignals {
		var st signal.AxisSignals
		for a := 0; a < 3; a++ {
			if pos[a] >= 900 {
				st.Set(a)
			}
		}
		return st
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := k.HomeAll(ctx); err != nil {
		t.Fatalf("HomeAll: %v", err)
	}

	// Machine origin sits one pull-off inside the switch.
	pos := k.Position()
	for a := 0; a < 3; a++ {
		if pos[a] != -10 {
			t.Errorf("axis %d homed position = %d, want -10", a, pos[a])
		}
	}
	if k.Monitor().State() != alarm.StateIdle {
		t.Errorf("state after homing = %s, want idle", k.Monitor().State())
	}

	// Normal motion must work again once homing hands the scheduler back.
	if err := k.SubmitBlock(axisBlock(signal.X, 50, false), 1000); err != nil {
		t.Fatalf("SubmitBlock after homing: %v", err)
	}
	waitFor(t, 5*time.Second, "post-homing block", func() bool {
		return k.Position()[signal.X] == 40
	})
}

func TestSpindleCommandAndAtSpeed(t *testing.T) {
	k, drv := newRig(t, func(s *settings.Settings) {
		s.Spindle.PPR = 4
	})

	k.SpindleSet(hal.SpindleState{On: true}, 600)
	if !drv.Spindle().State().On {
		t.Fatal("spindle not switched on")
	}
	if k.SpindleAtSpeed() {
		t.Fatal("at speed before the spindle turned")
	}

	drv.Spin(600, 10, 4)
	if !k.SpindleAtSpeed() {
		t.Errorf("not at speed with encoder at target RPM")
	}

	st := k.GetStatus()
	if rpm, ok := st["spindle_rpm"].(float64); !ok || rpm < 590 || rpm > 610 {
		t.Errorf("status spindle_rpm = %v, want ~600", st["spindle_rpm"])
	}
}

func TestWaitAtSpeedTimeout(t *testing.T) {
	k, _ := newRig(t, func(s *settings.Settings) {
		s.Spindle.PPR = 4
	})

	k.SpindleSet(hal.SpindleState{On: true}, 600)
	err := k.WaitAtSpeed(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrAtSpeedTimeout) {
		t.Fatalf("WaitAtSpeed = %v, want ErrAtSpeedTimeout", err)
	}
	if code := k.Monitor().Code(); code != alarm.SpindleAtSpeedTimeout {
		t.Errorf("alarm = %s, want at-speed timeout", code)
	}
}

func TestEncoderSlipKeepsSpindleRunning(t *testing.T) {
	k, drv := newRig(t, func(s *settings.Settings) {
		s.Spindle.PPR = 4
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go k.Run(ctx)

	k.SpindleSet(hal.SpindleState{On: true}, 600)
	before := k.mm.EncoderSlips.Get(nil)

	// A revolution with an extra pulse leaves the count misaligned at the
	// next index.
	drv.Spin(600, 1, 4)
	drv.Spin(600, 1, 5)
	drv.Spin(600, 1, 4)

	waitFor(t, 2*time.Second, "slip counted", func() bool {
		return k.mm.EncoderSlips.Get(nil) > before
	})
	if code := k.Monitor().Code(); code != alarm.None {
		t.Fatalf("slip raised alarm %s", code)
	}
	if !drv.Spindle().State().On {
		t.Error("spindle switched off after slip")
	}
}

func TestDebouncedControlDispatch(t *testing.T) {
	k, drv := newRig(t, func(s *settings.Settings) {
		s.SoftwareDebounce = true
	})

	if err := k.SubmitBlock(axisBlock(signal.X, 100000, false), 50000); err != nil {
		t.Fatalf("SubmitBlock: %v", err)
	}
	waitFor(t, 5*time.Second, "motion start", func() bool {
		return k.Position()[signal.X] > 100
	})

	drv.SetInput(signal.InputFeedHold, true)
	waitFor(t, 2*time.Second, "debounced hold", func() bool {
		return k.Monitor().State() == alarm.StateHold
	})
	k.Reset()
}

func TestCoolantPassthrough(t *testing.T) {
	k, drv := newRig(t, nil)

	k.CoolantSet(hal.CoolantState{Flood: true})
	if !drv.Coolant().State().Flood {
		t.Error("flood coolant not switched on")
	}
	st := k.GetStatus()
	if st["coolant_flood"] != true || st["coolant_mist"] != false {
		t.Errorf("status coolant = %v/%v", st["coolant_flood"], st["coolant_mist"])
	}
}
