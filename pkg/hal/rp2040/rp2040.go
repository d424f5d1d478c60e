//go:build rp2040

// Package rp2040 targets Raspberry Pi Pico class boards under TinyGo.
// Step pulses come out of a PIO state machine so pulse width and delay
// are hardware-timed; the scheduler tick is paced against the 1 MHz
// hardware timer; inputs and the encoder run on pin interrupts. The
// spindle drives either a PWM group directly or an RC-style ESC through
// the servo driver.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package rp2040

import (
	"errors"
	"machine"
	"runtime/volatile"
	"time"
	"unsafe"

	"tinygo.org/x/drivers/servo"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// The free-running 64-bit timer counts microseconds. Only the low word
// is read; tick arithmetic is done modulo 2^32.
const (
	timerFreq     = 1_000_000
	timerBase     = 0x40054000
	timerTIMERAWL = timerBase + 0x0C
)

var timerRAWL = (*volatile.Register32)(unsafe.Pointer(uintptr(timerTIMERAWL)))

func ticksNow() uint32 { return timerRAWL.Get() }

var ErrTooManyAxes = errors.New("rp2040: step bank wider than supported")

const noPin = machine.NoPin

// Config is the pin assignment. Step pins must be consecutive GPIOs
// starting at StepBase, the PIO out bank requirement.
type Config struct {
	NumAxes  int
	StepBase machine.Pin
	Dir      [signal.MaxAxes]machine.Pin
	Enable   machine.Pin

	Limit      [signal.MaxAxes]machine.Pin
	Probe      machine.Pin
	Reset      machine.Pin
	FeedHold   machine.Pin
	CycleStart machine.Pin
	SafetyDoor machine.Pin

	SpindleOn  machine.Pin
	SpindleCCW machine.Pin

	// PWM is the slice covering SpindlePWMPin. With SpindleESC set the
	// same slice feeds the servo driver with 50 Hz ESC pulses instead.
	PWM           servo.PWM
	SpindlePWMPin machine.Pin
	SpindleESC    bool

	EncoderPulse machine.Pin
	EncoderIndex machine.Pin

	CoolantFlood machine.Pin
	CoolantMist  machine.Pin
}

// DefaultConfig maps a Pico CNC expansion board.
func DefaultConfig() Config {
	return Config{
		NumAxes:       3,
		StepBase:      machine.GPIO2, // GP2..GP4
		Dir:           [signal.MaxAxes]machine.Pin{machine.GPIO5, machine.GPIO6, machine.GPIO7, noPin, noPin, noPin},
		Enable:        machine.GPIO8,
		Limit:         [signal.MaxAxes]machine.Pin{machine.GPIO10, machine.GPIO11, machine.GPIO12, noPin, noPin, noPin},
		Probe:         machine.GPIO13,
		Reset:         machine.GPIO14,
		FeedHold:      machine.GPIO15,
		CycleStart:    machine.GPIO16,
		SpindleOn:     machine.GPIO20,
		SpindleCCW:    machine.GPIO21,
		PWM:           machine.PWM1,
		SpindlePWMPin: machine.GPIO19,
		EncoderPulse:  machine.GPIO17,
		EncoderIndex:  machine.GPIO18,
		CoolantFlood:  machine.GPIO22,
	}
}

// Driver implements hal.Driver on RP2040 peripherals.
type Driver struct {
	cfg Config

	stepper *StepperPort
	inputs  *InputPort
	spindle *SpindlePort
	coolant *CoolantPort
}

func New(cfg Config) *Driver {
	if cfg.NumAxes == 0 {
		cfg.NumAxes = 3
	}
	return &Driver{cfg: cfg}
}

// Init claims the PIO state machine, configures the pins and hooks the
// input interrupts.
func (d *Driver) Init(s *settings.Settings) error {
	if d.cfg.NumAxes > pulseMaskBits {
		return ErrTooManyAxes
	}

	pulser, err := newPulser(d.cfg.StepBase, uint8(d.cfg.NumAxes))
	if err != nil {
		return err
	}
	sp := &StepperPort{pulser: pulser, numAxes: d.cfg.NumAxes}
	for a := 0; a < d.cfg.NumAxes; a++ {
		sp.dir[a] = d.cfg.Dir[a]
		if sp.dir[a] != noPin {
			sp.dir[a].Configure(machine.PinConfig{Mode: machine.PinOutput})
			sp.dir[a].Low()
		}
	}
	if d.cfg.Enable != noPin {
		d.cfg.Enable.Configure(machine.PinConfig{Mode: machine.PinOutput})
		d.cfg.Enable.Low()
	}
	sp.enable = d.cfg.Enable
	d.stepper = sp

	ip := newInputPort()
	add := func(id signal.InputID, pin machine.Pin) error {
		if pin == noPin {
			return nil
		}
		pin.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
		return ip.add(id, pin)
	}
	for a := 0; a < d.cfg.NumAxes; a++ {
		if err := add(signal.LimitInput(a), d.cfg.Limit[a]); err != nil {
			return err
		}
	}
	if err := add(signal.InputProbe, d.cfg.Probe); err != nil {
		return err
	}
	if err := add(signal.InputReset, d.cfg.Reset); err != nil {
		return err
	}
	if err := add(signal.InputFeedHold, d.cfg.FeedHold); err != nil {
		return err
	}
	if err := add(signal.InputCycleStart, d.cfg.CycleStart); err != nil {
		return err
	}
	if err := add(signal.InputSafetyDoor, d.cfg.SafetyDoor); err != nil {
		return err
	}
	d.inputs = ip

	spn := &SpindlePort{on: d.cfg.SpindleOn, ccw: d.cfg.SpindleCCW}
	if spn.on != noPin {
		spn.on.Configure(machine.PinConfig{Mode: machine.PinOutput})
		spn.on.Low()
	}
	if spn.ccw != noPin {
		spn.ccw.Configure(machine.PinConfig{Mode: machine.PinOutput})
		spn.ccw.Low()
	}
	if d.cfg.PWM != nil && d.cfg.SpindlePWMPin != noPin {
		if d.cfg.SpindleESC {
			esc, err := servo.New(d.cfg.PWM, d.cfg.SpindlePWMPin)
			if err != nil {
				return err
			}
			spn.esc = &esc
			esc.SetMicroseconds(escStopUS)
		} else {
			spn.pwm = d.cfg.PWM
			spn.pwmPin = d.cfg.SpindlePWMPin
		}
	}
	if d.cfg.EncoderPulse != noPin {
		d.cfg.EncoderPulse.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
		if err := d.cfg.EncoderPulse.SetInterrupt(machine.PinRising, spn.onPulse); err != nil {
			return err
		}
		spn.hasEncoder = true
		if d.cfg.EncoderIndex != noPin {
			d.cfg.EncoderIndex.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
			if err := d.cfg.EncoderIndex.SetInterrupt(machine.PinRising, spn.onIndex); err != nil {
				return err
			}
			spn.hasIndex = true
		}
	}
	d.spindle = spn

	cp := &CoolantPort{flood: d.cfg.CoolantFlood, mist: d.cfg.CoolantMist}
	if cp.flood != noPin {
		cp.flood.Configure(machine.PinConfig{Mode: machine.PinOutput})
		cp.flood.Low()
	}
	if cp.mist != noPin {
		cp.mist.Configure(machine.PinConfig{Mode: machine.PinOutput})
		cp.mist.Low()
	}
	d.coolant = cp

	d.SettingsChanged(s)
	return nil
}

func (d *Driver) SettingsChanged(s *settings.Settings) {
	d.stepper.configure(s.Steppers)
	d.spindle.configure(s.Spindle)
}

func (d *Driver) Capabilities() hal.Capabilities {
	caps := hal.Capabilities{
		AmassLevel:       3,
		SoftwareDebounce: true,
		StepPulseDelay:   true,
		SpindleDir:       d.cfg.SpindleCCW != noPin,
		SafetyDoor:       d.cfg.SafetyDoor != noPin,
	}
	if d.cfg.EncoderPulse != noPin {
		caps.SpindlePID = true
		caps.SpindleAtSpeed = true
		// Interrupt-counted pulses against the microsecond timer are
		// tight enough for threading passes.
		caps.SpindleSync = d.cfg.EncoderIndex != noPin
	}
	return caps
}

func (d *Driver) StepTimerFreq() uint32 { return timerFreq }

func (d *Driver) Stepper() hal.StepperPort { return d.stepper }
func (d *Driver) Inputs() hal.InputPort    { return d.inputs }
func (d *Driver) Spindle() hal.SpindlePort { return d.spindle }
func (d *Driver) Coolant() hal.CoolantPort { return d.coolant }

func (d *Driver) DelayMs(ms uint, done func()) {
	if done == nil {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		return
	}
	go func() {
		time.Sleep(time.Duration(ms) * time.Millisecond)
		done()
	}()
}
