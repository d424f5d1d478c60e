// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"testing"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
)

func testSpindleSettings() settings.SpindleSettings {
	return settings.SpindleSettings{
		RPMMin:           0,
		RPMMax:           1000,
		PPR:              4,
		PID:              settings.PIDValues{PGain: 1},
		AtSpeedTolerance: 0.1,
	}
}

func newTestRegulator() (*Regulator, *fakeSpindlePort, *Encoder) {
	port := &fakeSpindlePort{}
	enc := NewEncoder(port, 4, 1_000_000)
	s := testSpindleSettings()
	pwm := NewPWM(s, 0)
	return NewRegulator(port, enc, pwm, s), port, enc
}

// spinAt feeds captures so the encoder reads the given RPM.
func spinAt(port *fakeSpindlePort, rpm float64) {
	// ticksPerPulse = 60 * timerFreq / (ppr * rpm)
	tpp := uint32(60 * 1_000_000 / (4 * rpm))
	port.feedCapture(port.ticks+tpp*4, port.pulses+4)
}

func TestRegulatorWarmupGate(t *testing.T) {
	r, port, _ := newTestRegulator()

	r.SetState(hal.SpindleState{On: true}, 600)
	if r.State() != PIDPending {
		t.Fatal("regulator not pending after spindle on")
	}
	if !port.started {
		t.Fatal("encoder not started with spindle")
	}

	// Warmup ticks alone do not close the loop.
	for i := 0; i < warmupTicks+50; i++ {
		r.Tick(1000)
	}
	if r.State() == PIDActive {
		t.Fatal("loop closed without index pulses")
	}
	if len(port.pwmHist) != 0 {
		t.Fatal("pending regulator updated PWM")
	}

	// Three revolutions proven by the index pulse arm the loop.
	port.index(0, 0)
	port.index(1000, 4)
	port.index(2000, 8)
	spinAt(port, 600)
	r.Tick(1000)
	if r.State() != PIDActive {
		t.Fatal("loop did not close after warmup and index pulses")
	}
}

func TestRegulatorTrimsPWM(t *testing.T) {
	r, port, _ := newTestRegulator()
	r.SetState(hal.SpindleState{On: true}, 600)

	for i := 0; i < warmupTicks; i++ {
		r.Tick(1000)
	}
	port.index(0, 0)
	port.index(1000, 4)
	port.index(2000, 8)
	spinAt(port, 500) // running 100 RPM slow
	r.Tick(1000)      // closes the loop
	spinAt(port, 500)
	r.Tick(1000)

	if len(port.pwmHist) == 0 {
		t.Fatal("active regulator never updated PWM")
	}
	// P-gain 1 and 100 RPM of lag: output follows 700 RPM.
	pwm := NewPWM(testSpindleSettings(), 0)
	want := pwm.Value(700)
	got := port.pwmHist[len(port.pwmHist)-1]
	if got != want {
		t.Fatalf("trimmed PWM %d, want %d", got, want)
	}
}

func TestRegulatorOffDisables(t *testing.T) {
	r, port, _ := newTestRegulator()
	r.SetState(hal.SpindleState{On: true}, 600)
	r.SetState(hal.SpindleState{}, 0)

	if r.State() != PIDDisabled {
		t.Fatal("regulator still armed after spindle off")
	}
	if !port.stopped {
		t.Fatal("encoder not stopped with spindle")
	}
	r.Tick(1000)
	if len(port.pwmHist) != 0 {
		t.Fatal("disabled regulator updated PWM")
	}
}

func TestRegulatorAtSpeed(t *testing.T) {
	r, port, _ := newTestRegulator()
	r.SetState(hal.SpindleState{On: true}, 600)

	spinAt(port, 595)
	if !r.AtSpeed() {
		t.Fatal("595 RPM outside ±10% of 600")
	}
	spinAt(port, 500)
	if r.AtSpeed() {
		t.Fatal("500 RPM inside ±10% of 600")
	}
}

func TestPWMMapping(t *testing.T) {
	s := settings.SpindleSettings{
		RPMMin:        100,
		RPMMax:        1100,
		DisableOnZero: true,
	}
	p := NewPWM(s, 0)
	if v := p.Value(0); v != 0 {
		t.Errorf("zero RPM duty %d, want 0", v)
	}
	if v := p.Value(100); v != 0 {
		t.Errorf("min RPM duty %d, want 0", v)
	}
	if v := p.Value(1100); v != p.Period() {
		t.Errorf("max RPM duty %d, want period %d", v, p.Period())
	}
	if v := p.Value(2000); v != p.Period() {
		t.Errorf("over-range duty %d, want clamped to period", v)
	}
	mid := p.Value(600)
	if mid == 0 || mid == p.Period() {
		t.Errorf("mid-range duty %d not between rails", mid)
	}
}

func TestPWMInverted(t *testing.T) {
	s := settings.SpindleSettings{RPMMin: 0, RPMMax: 1000, InvertPWM: true, DisableOnZero: true}
	p := NewPWM(s, 0)
	if v := p.Value(0); v != p.Period() {
		t.Errorf("inverted off duty %d, want period", v)
	}
	if v := p.Value(1000); v != 0 {
		t.Errorf("inverted full duty %d, want 0", v)
	}
}
