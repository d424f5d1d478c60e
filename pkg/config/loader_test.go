package config

import (
	"testing"

	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

func TestSettingsDefaults(t *testing.T) {
	cfg, err := LoadString("[machine]\n")
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	s, err := Settings(cfg)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}

	want := settings.Default()
	if s.NumAxes != want.NumAxes {
		t.Errorf("num axes: got %d, want %d", s.NumAxes, want.NumAxes)
	}
	if s.StepsPerMM[signal.X] != want.StepsPerMM[signal.X] {
		t.Errorf("steps per mm: got %v, want %v", s.StepsPerMM[signal.X], want.StepsPerMM[signal.X])
	}
	if s.Homing.Cycles != want.Homing.Cycles {
		t.Errorf("homing cycles: got %v, want %v", s.Homing.Cycles, want.Homing.Cycles)
	}
}

func TestSettingsFull(t *testing.T) {
	data := `
[machine]
num_axes: 4
software_debounce: false
probe_invert: true

[axis x]
steps_per_mm: 320
max_rate: 900
max_travel: 450
step_invert: true
limit_invert: true
home_dir: negative

[axis a]
steps_per_mm: 100
dir_invert: true

[steppers]
pulse_us: 4
pulse_delay_us: 2

[homing]
seek_rate: 1000
feed_rate: 50
pulloff: 2.5
locate_cycles: 2
debounce_ms: 100
force_set_origin: true
cycle_1: x, y
cycle_2: z

[limits]
hard: true
soft: true
override: true

[spindle]
rpm_min: 100
rpm_max: 24000
pwm_freq: 10000
encoder_ppr: 120
pid_p: 2.5
pid_i: 0.05
at_speed_tolerance: 0.05

[sync]
pid_p: 4.0
pid_max_error: 0.5

[control]
invert: reset, e_stop
disable_pullup: safety_door
`

	cfg, err := LoadString(data)
	if err != nil {
		t.Fatalf("LoadString failed: %v", err)
	}

	s, err := Settings(cfg)
	if err != nil {
		t.Fatalf("Settings failed: %v", err)
	}

	if s.NumAxes != 4 {
		t.Errorf("num axes: got %d, want 4", s.NumAxes)
	}
	if s.SoftwareDebounce {
		t.Error("expected software debounce off")
	}
	if !s.ProbeInvert {
		t.Error("expected probe invert on")
	}

	if s.StepsPerMM[signal.X] != 320 {
		t.Errorf("x steps per mm: got %v", s.StepsPerMM[signal.X])
	}
	if s.MaxRate[signal.X] != 900 {
		t.Errorf("x max rate: got %v", s.MaxRate[signal.X])
	}
	if s.MaxTravel[signal.X] != -450 {
		t.Errorf("x max travel: got %v, want -450", s.MaxTravel[signal.X])
	}
	if !s.Steppers.StepInvert.Has(signal.X) {
		t.Error("expected x step invert")
	}
	if !s.Steppers.DirInvert.Has(signal.A) {
		t.Error("expected a dir invert")
	}
	if !s.Limits.Invert.Has(signal.X) {
		t.Error("expected x limit invert")
	}
	if !s.Homing.DirMask.Has(signal.X) {
		t.Error("expected x homing toward negative")
	}
	if s.StepsPerMM[signal.A] != 100 {
		t.Errorf("a steps per mm: got %v", s.StepsPerMM[signal.A])
	}

	if s.Steppers.PulseMicroseconds != 4 {
		t.Errorf("pulse width: got %v", s.Steppers.PulseMicroseconds)
	}
	if s.Steppers.PulseDelayMicroseconds != 2 {
		t.Errorf("pulse delay: got %v", s.Steppers.PulseDelayMicroseconds)
	}

	if s.Homing.SeekRate != 1000 || s.Homing.FeedRate != 50 {
		t.Errorf("homing rates: got %v/%v", s.Homing.SeekRate, s.Homing.FeedRate)
	}
	if s.Homing.Pulloff != 2.5 {
		t.Errorf("pulloff: got %v", s.Homing.Pulloff)
	}
	if s.Homing.LocateCycles != 2 {
		t.Errorf("locate cycles: got %d", s.Homing.LocateCycles)
	}
	if s.Homing.DebounceDelay != 100 {
		t.Errorf("homing debounce: got %d", s.Homing.DebounceDelay)
	}
	if !s.Homing.ForceSetOrigin {
		t.Error("expected force set origin")
	}
	wantCycle1 := signal.AxisBit(signal.X) | signal.AxisBit(signal.Y)
	if s.Homing.Cycles[0] != wantCycle1 {
		t.Errorf("cycle 1: got %v, want %v", s.Homing.Cycles[0], wantCycle1)
	}
	if s.Homing.Cycles[1] != signal.AxisBit(signal.Z) {
		t.Errorf("cycle 2: got %v", s.Homing.Cycles[1])
	}
	if s.Homing.Cycles[2] != 0 {
		t.Errorf("cycle 3 should be empty, got %v", s.Homing.Cycles[2])
	}

	if !s.Limits.HardEnabled || !s.Limits.SoftEnabled || !s.Limits.OverrideEnabled {
		t.Error("expected hard, soft and override limits enabled")
	}

	if s.Spindle.RPMMin != 100 || s.Spindle.RPMMax != 24000 {
		t.Errorf("spindle range: got %v..%v", s.Spindle.RPMMin, s.Spindle.RPMMax)
	}
	if s.Spindle.PPR != 120 {
		t.Errorf("encoder ppr: got %d", s.Spindle.PPR)
	}
	if s.Spindle.PID.PGain != 2.5 || s.Spindle.PID.IGain != 0.05 {
		t.Errorf("spindle pid: got %+v", s.Spindle.PID)
	}
	if s.Spindle.AtSpeedTolerance != 0.05 {
		t.Errorf("at-speed tolerance: got %v", s.Spindle.AtSpeedTolerance)
	}
	if s.PositionPID.PGain != 4.0 || s.PositionPID.MaxError != 0.5 {
		t.Errorf("sync pid: got %+v", s.PositionPID)
	}

	wantInvert := signal.Reset | signal.EStop
	if s.ControlInvert != wantInvert {
		t.Errorf("control invert: got %v, want %v", s.ControlInvert, wantInvert)
	}
	if s.ControlDisablePullup != signal.SafetyDoor {
		t.Errorf("control disable pullup: got %v", s.ControlDisablePullup)
	}
}

func TestSettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "unknown axis letter",
			data: "[axis q]\nsteps_per_mm: 100\n",
		},
		{
			name: "axes out of range",
			data: "[machine]\nnum_axes: 9\n",
		},
		{
			name: "negative seek rate",
			data: "[homing]\nseek_rate: -10\n",
		},
		{
			name: "bad control name",
			data: "[control]\ninvert: panic_button\n",
		},
		{
			name: "bad home dir",
			data: "[axis x]\nhome_dir: sideways\n",
		},
		{
			name: "inverted spindle range",
			data: "[spindle]\nrpm_min: 5000\nrpm_max: 100\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadString(tt.data)
			if err != nil {
				t.Fatalf("LoadString failed: %v", err)
			}
			if _, err := Settings(cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}
