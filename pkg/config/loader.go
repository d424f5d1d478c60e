package config

import (
	"strings"

	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// Every option is optional; missing options keep the compiled defaults
// from settings.Default(). Section layout:
//
//	[machine]   num_axes, software_debounce, probe_invert
//	[axis x]    steps_per_mm, max_rate, max_travel, step_invert,
//	            dir_invert, enable_invert, deenergize, limit_invert,
//	            limit_disable_pullup, home_dir
//	[steppers]  pulse_us, pulse_delay_us
//	[homing]    seek_rate, feed_rate, pulloff, locate_cycles,
//	            debounce_ms, force_set_origin, cycle_1 .. cycle_6
//	[limits]    hard, soft, check_hard_state, override
//	[spindle]   rpm_min, rpm_max, pwm_freq, encoder_ppr, invert_on,
//	            invert_ccw, invert_pwm, disable_on_zero,
//	            at_speed_tolerance, pid_p, pid_i, pid_d, pid_i_max,
//	            pid_d_max, pid_max_error
//	[sync]      pid_p, pid_i, pid_d, pid_i_max, pid_d_max, pid_max_error
//	[control]   invert, disable_pullup (lists of signal names)

var axisLetters = map[string]int{
	"x": signal.X, "y": signal.Y, "z": signal.Z,
	"a": signal.A, "b": signal.B, "c": signal.C,
}

var controlNames = map[string]signal.ControlSignals{
	"reset":       signal.Reset,
	"feed_hold":   signal.FeedHold,
	"cycle_start": signal.CycleStart,
	"safety_door": signal.SafetyDoor,
	"e_stop":      signal.EStop,
}

// Settings builds a settings.Settings from a parsed config, starting from
// the compiled defaults and overriding whatever the file provides. The
// result is validated before return.
func Settings(c *Config) (*settings.Settings, error) {
	s := settings.Default()

	if err := loadMachine(c, s); err != nil {
		return nil, err
	}
	if err := loadAxes(c, s); err != nil {
		return nil, err
	}
	if err := loadSteppers(c, s); err != nil {
		return nil, err
	}
	if err := loadHoming(c, s); err != nil {
		return nil, err
	}
	if err := loadLimits(c, s); err != nil {
		return nil, err
	}
	if err := loadSpindle(c, s); err != nil {
		return nil, err
	}
	if err := loadControl(c, s); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func loadMachine(c *Config, s *settings.Settings) error {
	sec := c.GetSectionOptional("machine")
	if sec == nil {
		return nil
	}
	var err error
	minAxes, maxAxes := 3, signal.MaxAxes
	if s.NumAxes, err = sec.GetIntWithBounds("num_axes", &minAxes, &maxAxes, s.NumAxes); err != nil {
		return err
	}
	if s.SoftwareDebounce, err = sec.GetBool("software_debounce", s.SoftwareDebounce); err != nil {
		return err
	}
	if s.ProbeInvert, err = sec.GetBool("probe_invert", s.ProbeInvert); err != nil {
		return err
	}
	return nil
}

func loadAxes(c *Config, s *settings.Settings) error {
	for _, sec := range c.GetPrefixSections("axis ") {
		letter := strings.TrimSpace(strings.TrimPrefix(sec.GetName(), "axis "))
		axis, ok := axisLetters[strings.ToLower(letter)]
		if !ok {
			return NewConfigError(sec.GetName(), "", "unknown axis letter")
		}

		var err error
		if s.StepsPerMM[axis], err = sec.GetFloatWithBounds("steps_per_mm",
			FloatBounds{Above: ptr(0.0)}, s.StepsPerMM[axis]); err != nil {
			return err
		}
		if s.MaxRate[axis], err = sec.GetFloatWithBounds("max_rate",
			FloatBounds{Above: ptr(0.0)}, s.MaxRate[axis]); err != nil {
			return err
		}
		// Travel is written as a positive span; stored negative per the
		// machine-space convention.
		travel, err := sec.GetFloat("max_travel", -s.MaxTravel[axis])
		if err != nil {
			return err
		}
		if travel < 0 {
			travel = -travel
		}
		s.MaxTravel[axis] = -travel

		if err := axisFlag(sec, "step_invert", axis, &s.Steppers.StepInvert); err != nil {
			return err
		}
		if err := axisFlag(sec, "dir_invert", axis, &s.Steppers.DirInvert); err != nil {
			return err
		}
		if err := axisFlag(sec, "enable_invert", axis, &s.Steppers.EnableInvert); err != nil {
			return err
		}
		if err := axisFlag(sec, "deenergize", axis, &s.Steppers.Deenergize); err != nil {
			return err
		}
		if err := axisFlag(sec, "limit_invert", axis, &s.Limits.Invert); err != nil {
			return err
		}
		if err := axisFlag(sec, "limit_disable_pullup", axis, &s.Limits.DisablePullup); err != nil {
			return err
		}

		dir, err := sec.GetChoice("home_dir", []string{"positive", "negative"}, "positive")
		if err != nil {
			return err
		}
		if dir == "negative" {
			s.Homing.DirMask.Set(axis)
		} else {
			s.Homing.DirMask.Clear(axis)
		}
	}
	return nil
}

// axisFlag sets or clears one axis bit of mask from a boolean option.
func axisFlag(sec *Section, option string, axis int, mask *signal.AxisSignals) error {
	on, err := sec.GetBool(option, mask.Has(axis))
	if err != nil {
		return err
	}
	if on {
		mask.Set(axis)
	} else {
		mask.Clear(axis)
	}
	return nil
}

func loadSteppers(c *Config, s *settings.Settings) error {
	sec := c.GetSectionOptional("steppers")
	if sec == nil {
		return nil
	}
	var err error
	if s.Steppers.PulseMicroseconds, err = sec.GetFloatWithBounds("pulse_us",
		FloatBounds{Above: ptr(0.0)}, s.Steppers.PulseMicroseconds); err != nil {
		return err
	}
	if s.Steppers.PulseDelayMicroseconds, err = sec.GetFloatWithBounds("pulse_delay_us",
		FloatBounds{MinVal: ptr(0.0)}, s.Steppers.PulseDelayMicroseconds); err != nil {
		return err
	}
	return nil
}

func loadHoming(c *Config, s *settings.Settings) error {
	sec := c.GetSectionOptional("homing")
	if sec == nil {
		return nil
	}
	var err error
	if s.Homing.SeekRate, err = sec.GetFloatWithBounds("seek_rate",
		FloatBounds{Above: ptr(0.0)}, s.Homing.SeekRate); err != nil {
		return err
	}
	if s.Homing.FeedRate, err = sec.GetFloatWithBounds("feed_rate",
		FloatBounds{Above: ptr(0.0)}, s.Homing.FeedRate); err != nil {
		return err
	}
	if s.Homing.Pulloff, err = sec.GetFloatWithBounds("pulloff",
		FloatBounds{MinVal: ptr(0.0)}, s.Homing.Pulloff); err != nil {
		return err
	}
	minCycles, maxCycles := 1, 128
	if s.Homing.LocateCycles, err = sec.GetIntWithBounds("locate_cycles",
		&minCycles, &maxCycles, s.Homing.LocateCycles); err != nil {
		return err
	}
	zero := 0
	debounce, err := sec.GetIntWithBounds("debounce_ms", &zero, nil, int(s.Homing.DebounceDelay))
	if err != nil {
		return err
	}
	s.Homing.DebounceDelay = uint(debounce)
	if s.Homing.ForceSetOrigin, err = sec.GetBool("force_set_origin", s.Homing.ForceSetOrigin); err != nil {
		return err
	}

	// cycle_1 .. cycle_6 replace the default homing order when any is
	// present. cycle_1: z / cycle_2: x, y mirrors the default.
	first := true
	for i := 0; i < signal.MaxAxes; i++ {
		opt := "cycle_" + string(rune('1'+i))
		if !sec.HasOption(opt) {
			continue
		}
		if first {
			s.Homing.Cycles = [signal.MaxAxes]signal.AxisSignals{}
			first = false
		}
		letters, err := sec.GetList(opt, ",")
		if err != nil {
			return err
		}
		mask, err := axisList(sec, opt, letters)
		if err != nil {
			return err
		}
		s.Homing.Cycles[i] = mask
	}
	return nil
}

// axisList converts a list of axis letters into a mask.
func axisList(sec *Section, option string, letters []string) (signal.AxisSignals, error) {
	var mask signal.AxisSignals
	for _, l := range letters {
		axis, ok := axisLetters[strings.ToLower(l)]
		if !ok {
			return 0, ErrInvalidValue(sec.GetName(), option, l, "axis letter")
		}
		mask.Set(axis)
	}
	return mask, nil
}

func loadLimits(c *Config, s *settings.Settings) error {
	sec := c.GetSectionOptional("limits")
	if sec == nil {
		return nil
	}
	var err error
	if s.Limits.HardEnabled, err = sec.GetBool("hard", s.Limits.HardEnabled); err != nil {
		return err
	}
	if s.Limits.SoftEnabled, err = sec.GetBool("soft", s.Limits.SoftEnabled); err != nil {
		return err
	}
	if s.Limits.CheckHardState, err = sec.GetBool("check_hard_state", s.Limits.CheckHardState); err != nil {
		return err
	}
	if s.Limits.OverrideEnabled, err = sec.GetBool("override", s.Limits.OverrideEnabled); err != nil {
		return err
	}
	return nil
}

func loadSpindle(c *Config, s *settings.Settings) error {
	if sec := c.GetSectionOptional("spindle"); sec != nil {
		var err error
		if s.Spindle.RPMMin, err = sec.GetFloatWithBounds("rpm_min",
			FloatBounds{MinVal: ptr(0.0)}, s.Spindle.RPMMin); err != nil {
			return err
		}
		if s.Spindle.RPMMax, err = sec.GetFloatWithBounds("rpm_max",
			FloatBounds{Above: ptr(0.0)}, s.Spindle.RPMMax); err != nil {
			return err
		}
		if s.Spindle.PWMFreq, err = sec.GetFloatWithBounds("pwm_freq",
			FloatBounds{Above: ptr(0.0)}, s.Spindle.PWMFreq); err != nil {
			return err
		}
		zero := 0
		ppr, err := sec.GetIntWithBounds("encoder_ppr", &zero, nil, int(s.Spindle.PPR))
		if err != nil {
			return err
		}
		s.Spindle.PPR = uint32(ppr)
		if s.Spindle.InvertOn, err = sec.GetBool("invert_on", s.Spindle.InvertOn); err != nil {
			return err
		}
		if s.Spindle.InvertCCW, err = sec.GetBool("invert_ccw", s.Spindle.InvertCCW); err != nil {
			return err
		}
		if s.Spindle.InvertPWM, err = sec.GetBool("invert_pwm", s.Spindle.InvertPWM); err != nil {
			return err
		}
		if s.Spindle.DisableOnZero, err = sec.GetBool("disable_on_zero", s.Spindle.DisableOnZero); err != nil {
			return err
		}
		if s.Spindle.AtSpeedTolerance, err = sec.GetFloatWithBounds("at_speed_tolerance",
			FloatBounds{MinVal: ptr(0.0)}, s.Spindle.AtSpeedTolerance); err != nil {
			return err
		}
		if err := loadPID(sec, &s.Spindle.PID); err != nil {
			return err
		}
	}
	if sec := c.GetSectionOptional("sync"); sec != nil {
		if err := loadPID(sec, &s.PositionPID); err != nil {
			return err
		}
	}
	return nil
}

func loadPID(sec *Section, pid *settings.PIDValues) error {
	var err error
	if pid.PGain, err = sec.GetFloat("pid_p", pid.PGain); err != nil {
		return err
	}
	if pid.IGain, err = sec.GetFloat("pid_i", pid.IGain); err != nil {
		return err
	}
	if pid.DGain, err = sec.GetFloat("pid_d", pid.DGain); err != nil {
		return err
	}
	if pid.IMaxError, err = sec.GetFloat("pid_i_max", pid.IMaxError); err != nil {
		return err
	}
	if pid.DMaxError, err = sec.GetFloat("pid_d_max", pid.DMaxError); err != nil {
		return err
	}
	if pid.MaxError, err = sec.GetFloat("pid_max_error", pid.MaxError); err != nil {
		return err
	}
	return nil
}

func loadControl(c *Config, s *settings.Settings) error {
	sec := c.GetSectionOptional("control")
	if sec == nil {
		return nil
	}
	invert, err := controlList(sec, "invert")
	if err != nil {
		return err
	}
	if sec.HasOption("invert") {
		s.ControlInvert = invert
	}
	pullup, err := controlList(sec, "disable_pullup")
	if err != nil {
		return err
	}
	if sec.HasOption("disable_pullup") {
		s.ControlDisablePullup = pullup
	}
	return nil
}

func controlList(sec *Section, option string) (signal.ControlSignals, error) {
	names, err := sec.GetList(option, ",", nil)
	if err != nil {
		return 0, err
	}
	var mask signal.ControlSignals
	for _, n := range names {
		bit, ok := controlNames[strings.ToLower(n)]
		if !ok {
			return 0, ErrInvalidValue(sec.GetName(), option, n, "control signal name")
		}
		mask |= bit
	}
	return mask, nil
}

func ptr(v float64) *float64 { return &v }
