// Package hal defines the hardware contract the motion kernel is written
// against. Every target (simulator, Linux GPIO, serial pin board, MCU)
// populates one Driver which is constructed once at startup and threaded
// explicitly through the kernel's components.
//
// Handlers registered through Set*Handler run in the target's
// interrupt-equivalent context (a timer goroutine or a real ISR under
// TinyGo) and must not block.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package hal

import (
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// SquaringMode selects which motor of a ganged pair stays enabled during
// gantry squaring.
type SquaringMode int

const (
	SquareBoth SquaringMode = iota
	SquareA
	SquareB
)

// Capabilities is negotiated once at init; the kernel derives behavior
// (debounce table, pulse policy, AMASS depth, ganged homing) from it.
type Capabilities struct {
	AmassLevel       uint8 // 0..3
	SoftwareDebounce bool
	StepPulseDelay   bool
	SpindleSync      bool
	SpindlePID       bool
	SpindleAtSpeed   bool
	SpindleDir       bool
	EStop            bool
	SafetyDoor       bool
	LimitsOverride   bool

	// GangedAxes marks logical axes driven by two motors.
	GangedAxes signal.AxisSignals
}

// StepperPort is the step/direction output stage plus its two timers: the
// periodic scheduler timer and the one-shot pulse timer.
type StepperPort interface {
	// Enable energizes the given motors. Enable-pin inversion is the
	// target's concern.
	Enable(axes signal.AxisSignals)

	// DisableMotors de-energizes one motor of each ganged pair for gantry
	// squaring. SquareBoth with an empty mask restores normal operation.
	DisableMotors(axes signal.AxisSignals, mode SquaringMode)

	// SetStep and SetDir write the output pins; step/dir invert masks are
	// applied by the target.
	SetStep(axes signal.AxisSignals)
	SetDir(axes signal.AxisSignals)

	// StartTimer begins periodic tick interrupts, the first after reload
	// timer ticks. SetReload reprograms the next period from within the
	// tick handler.
	StartTimer(reload uint32)
	SetReload(reload uint32)
	StopTimer()
	SetTickHandler(fn func())

	// ConfigurePulse programs the one-shot pulse timer: after ArmPulse,
	// assert fires delayTicks later (skipped when delayTicks is zero and
	// assert is nil) and deassert at delayTicks+widthTicks.
	ConfigurePulse(delayTicks, widthTicks uint32, assert, deassert func())
	ArmPulse()
}

// InputPort acquires limit/control/probe state and reports raw edges.
type InputPort interface {
	// Pins returns the HAL-owned physical pins for building the input
	// descriptor table. Missing inputs are simply absent.
	Pins() map[signal.InputID]signal.Pin

	// BindInputs hands the target the built descriptor table so its edge
	// path can report the matching descriptor.
	BindInputs(inputs []*signal.Input)

	// LimitsEnable turns limit pin interrupts on or off; homing is true
	// while a homing cycle runs.
	LimitsEnable(on, homing bool)

	// SetEdgeHandler registers the raw edge callback. It runs in
	// interrupt context with the descriptor whose pin changed.
	SetEdgeHandler(fn func(in *signal.Input))
}

// SpindleState is the commanded on/off state and rotation direction.
type SpindleState struct {
	On  bool
	CCW bool
}

// SpindlePort actuates the spindle and surfaces encoder events.
type SpindlePort interface {
	// SetState starts or stops the spindle with the given PWM value.
	SetState(state SpindleState, pwm uint16)
	State() SpindleState
	UpdatePWM(value uint16)

	// EncoderTicks reads the free-running encoder timer (counts up).
	// EncoderPulses reads the hardware pulse counter.
	EncoderTicks() uint32
	EncoderPulses() uint32

	// EncoderStart arms the capture-compare interrupt to fire every
	// trigger pulses; RearmCapture re-triggers relative to the given
	// count after an index mismatch.
	EncoderStart(trigger uint32)
	EncoderStop()
	RearmCapture(fromPulses uint32)

	// Capture fires every trigger pulses; Index fires once per
	// revolution. Both deliver the timer and counter at the event.
	SetCaptureHandler(fn func(ticks, pulses uint32))
	SetIndexHandler(fn func(ticks, pulses uint32))
}

// CoolantState mirrors the coolant outputs.
type CoolantState struct {
	Flood bool
	Mist  bool
}

// CoolantPort switches coolant outputs. Kept on the contract because the
// alarm path guarantees actuator state is left untouched on a forced stop.
type CoolantPort interface {
	SetState(state CoolantState)
	State() CoolantState
}

// Driver is the per-target capability table.
type Driver interface {
	// Init brings up the target; called once before any other method.
	Init(s *settings.Settings) error

	// SettingsChanged reconfigures target-derived state (invert tables,
	// pulse timer reloads, encoder trigger counts).
	SettingsChanged(s *settings.Settings)

	Capabilities() Capabilities

	// StepTimerFreq returns the scheduler/pulse timer frequency in Hz.
	StepTimerFreq() uint32

	Stepper() StepperPort
	Inputs() InputPort
	Spindle() SpindlePort
	Coolant() CoolantPort

	// DelayMs waits ms milliseconds. With a callback it returns at once
	// and invokes the callback from timer context; with nil it blocks.
	DelayMs(ms uint, done func())
}
