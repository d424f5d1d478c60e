// Package settings holds the persisted machine configuration the motion
// kernel consumes. The kernel reads these values but never writes them;
// storage and the settings protocol live outside the kernel.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package settings

import (
	"errors"
	"fmt"
	"sync"

	"cnc-motion-go/pkg/signal"
)

// Validation errors
var (
	ErrNumAxes      = errors.New("settings: axis count out of range")
	ErrPulseWidth   = errors.New("settings: step pulse width must be positive")
	ErrLocateCycles = errors.New("settings: homing locate cycles out of range")
	ErrMaxTravel    = errors.New("settings: max travel must be negative")
	ErrSpindleRange = errors.New("settings: spindle rpm_min must be below rpm_max")
)

// PIDValues is one gain set with its clamps. A zero clamp disables clamping
// for that term.
type PIDValues struct {
	PGain     float64
	IGain     float64
	DGain     float64
	IMaxError float64
	DMaxError float64
	MaxError  float64
}

// StepperSettings configures step pulse generation and output polarity.
type StepperSettings struct {
	PulseMicroseconds      float64
	PulseDelayMicroseconds float64
	StepInvert             signal.AxisSignals
	DirInvert              signal.AxisSignals
	EnableInvert           signal.AxisSignals
	Deenergize             signal.AxisSignals
}

// HomingSettings configures the homing cycle.
type HomingSettings struct {
	SeekRate       float64 // mm/min, search passes
	FeedRate       float64 // mm/min, locate passes
	Pulloff        float64 // mm
	LocateCycles   int
	DebounceDelay  uint // ms dwell between passes
	DirMask        signal.AxisSignals
	ForceSetOrigin bool

	// Cycles lists the axis mask homed by each pass of a full homing
	// sequence; empty masks are skipped.
	Cycles [signal.MaxAxes]signal.AxisSignals
}

// LimitSettings configures limit switch handling.
type LimitSettings struct {
	HardEnabled     bool
	SoftEnabled     bool
	CheckHardState  bool // re-check pin state before raising a hard limit
	Invert          signal.AxisSignals
	DisablePullup   signal.AxisSignals
	OverrideEnabled bool
}

// SpindleSettings configures the spindle and its encoder.
type SpindleSettings struct {
	RPMMin           float64
	RPMMax           float64
	PWMFreq          float64
	PPR              uint32 // encoder pulses per revolution, 0 = no encoder
	PID              PIDValues
	InvertOn         bool
	InvertCCW        bool
	InvertPWM        bool
	DisableOnZero    bool
	AtSpeedTolerance float64 // fraction, e.g. 0.1 for ±10%
}

// Settings is the whole configuration block consumed by the kernel.
type Settings struct {
	NumAxes int

	StepsPerMM [signal.MaxAxes]float64
	MaxRate    [signal.MaxAxes]float64 // mm/min
	MaxTravel  [signal.MaxAxes]float64 // stored negative, machine space convention

	Steppers StepperSettings
	Homing   HomingSettings
	Limits   LimitSettings
	Spindle  SpindleSettings

	// PositionPID is the gain set for spindle-synchronized motion.
	PositionPID PIDValues

	ControlInvert        signal.ControlSignals
	ControlDisablePullup signal.ControlSignals
	ProbeInvert          bool
	SoftwareDebounce     bool
}

// Default returns the settings used before persistent storage loads.
func Default() *Settings {
	s := &Settings{
		NumAxes: 3,
		Steppers: StepperSettings{
			PulseMicroseconds: 10,
		},
		Homing: HomingSettings{
			SeekRate:      500,
			FeedRate:      25,
			Pulloff:       1.0,
			LocateCycles:  1,
			DebounceDelay: 250,
		},
		Limits: LimitSettings{
			SoftEnabled: false,
			HardEnabled: false,
		},
		Spindle: SpindleSettings{
			RPMMin:           0,
			RPMMax:           1000,
			PWMFreq:          5000,
			DisableOnZero:    true,
			AtSpeedTolerance: 0.1,
			PID: PIDValues{
				PGain: 1.0, IGain: 0.01, MaxError: 250, IMaxError: 20,
			},
		},
		PositionPID: PIDValues{
			PGain: 1.0, MaxError: 0.25,
		},
		SoftwareDebounce: true,
	}
	s.Homing.Cycles[0] = signal.AxisBit(signal.Z)
	s.Homing.Cycles[1] = signal.AxisBit(signal.X) | signal.AxisBit(signal.Y)
	for i := 0; i < signal.MaxAxes; i++ {
		s.StepsPerMM[i] = 250
		s.MaxRate[i] = 500
		s.MaxTravel[i] = -200
	}
	return s
}

// Validate checks the invariants the kernel depends on.
func (s *Settings) Validate() error {
	if s.NumAxes < 3 || s.NumAxes > signal.MaxAxes {
		return fmt.Errorf("%w: %d", ErrNumAxes, s.NumAxes)
	}
	if s.Steppers.PulseMicroseconds <= 0 {
		return ErrPulseWidth
	}
	if s.Homing.LocateCycles < 1 || s.Homing.LocateCycles > 128 {
		return fmt.Errorf("%w: %d", ErrLocateCycles, s.Homing.LocateCycles)
	}
	for i := 0; i < s.NumAxes; i++ {
		if s.MaxTravel[i] >= 0 {
			return fmt.Errorf("%w: axis %d", ErrMaxTravel, i)
		}
	}
	if s.Spindle.RPMMin >= s.Spindle.RPMMax {
		return ErrSpindleRange
	}
	return nil
}

// AxisMask returns the mask covering all configured axes.
func (s *Settings) AxisMask() signal.AxisSignals {
	return signal.AxisMask(s.NumAxes)
}

// HomingMask returns the union of all configured homing cycle masks.
func (s *Settings) HomingMask() signal.AxisSignals {
	var mask signal.AxisSignals
	for _, c := range s.Homing.Cycles {
		mask |= c
	}
	return mask & s.AxisMask()
}

// Notifier distributes settings-changed events to kernel components so
// derived state (invert tables, timer reloads, PID gains) is recomputed.
type Notifier struct {
	mu   sync.Mutex
	subs []func(*Settings)
}

// Subscribe registers a settings-changed callback.
func (n *Notifier) Subscribe(fn func(*Settings)) {
	n.mu.Lock()
	n.subs = append(n.subs, fn)
	n.mu.Unlock()
}

// Apply validates the settings and invokes every subscriber.
func (n *Notifier) Apply(s *Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	subs := make([]func(*Settings), len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
	return nil
}
