// Package rpihal targets Raspberry Pi class boards through periph.io
// memory-mapped GPIO. Step pacing runs on a host goroutine against a
// virtual 1 MHz timebase, pulse shaping uses short sleeps, input edges
// come from per-pin edge watchers and the spindle runs on hardware PWM
// with an optional low-count encoder on GPIO.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package rpihal

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/log"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// timerFreq is the virtual step timer frequency. Reload values convert
// to wall-clock sleeps at this rate.
const timerFreq = 1_000_000

var ErrPinMissing = errors.New("rpihal: pin not found")

// lookupPin resolves a pin name; the tests substitute gpiotest pins.
var lookupPin = func(name string) gpio.PinIO { return gpioreg.ByName(name) }

// hostInit brings up periph; the tests stub it out.
var hostInit = func() error {
	_, err := host.Init()
	return err
}

// Config names the GPIO assignment. Empty names leave the input or
// output unconnected.
type Config struct {
	NumAxes int

	Step   [signal.MaxAxes]string
	Dir    [signal.MaxAxes]string
	Enable string

	Limit      [signal.MaxAxes]string
	Probe      string
	Reset      string
	FeedHold   string
	CycleStart string
	SafetyDoor string

	SpindleOn    string
	SpindleDir   string
	SpindlePWM   string
	EncoderPulse string
	EncoderIndex string

	CoolantFlood string
	CoolantMist  string
}

// DefaultConfig maps a common three-axis Pi CNC hat.
func DefaultConfig() Config {
	return Config{
		NumAxes:      3,
		Step:         [signal.MaxAxes]string{"GPIO17", "GPIO27", "GPIO22"},
		Dir:          [signal.MaxAxes]string{"GPIO5", "GPIO6", "GPIO13"},
		Enable:       "GPIO23",
		Limit:        [signal.MaxAxes]string{"GPIO16", "GPIO19", "GPIO26"},
		Probe:        "GPIO4",
		Reset:        "GPIO20",
		FeedHold:     "GPIO21",
		CycleStart:   "GPIO12",
		SpindleOn:    "GPIO24",
		SpindleDir:   "GPIO25",
		SpindlePWM:   "GPIO18",
		CoolantFlood: "GPIO8",
	}
}

// Driver implements hal.Driver on periph.io GPIO.
type Driver struct {
	cfg    Config
	logger *log.Logger
	closed chan struct{}

	stepper *StepperPort
	inputs  *InputPort
	spindle *SpindlePort
	coolant *CoolantPort
}

func New(cfg Config) *Driver {
	if cfg.NumAxes == 0 {
		cfg.NumAxes = 3
	}
	return &Driver{
		cfg:    cfg,
		logger: log.New("motion"),
		closed: make(chan struct{}),
	}
}

// Init claims the pins and starts the edge watchers.
func (d *Driver) Init(s *settings.Settings) error {
	if err := hostInit(); err != nil {
		return fmt.Errorf("rpihal: host init: %w", err)
	}

	out := func(name string) (gpio.PinIO, error) {
		if name == "" {
			return nil, nil
		}
		pin := lookupPin(name)
		if pin == nil {
			return nil, fmt.Errorf("%w: %s", ErrPinMissing, name)
		}
		if err := pin.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("rpihal: %s: %w", name, err)
		}
		return pin, nil
	}

	sp := &StepperPort{d: d, numAxes: d.cfg.NumAxes}
	for a := 0; a < d.cfg.NumAxes; a++ {
		var err error
		if sp.step[a], err = out(d.cfg.Step[a]); err != nil {
			return err
		}
		if sp.dir[a], err = out(d.cfg.Dir[a]); err != nil {
			return err
		}
		if sp.step[a] == nil || sp.dir[a] == nil {
			return fmt.Errorf("%w: axis %d step/dir", ErrPinMissing, a)
		}
	}
	var err error
	if sp.enable, err = out(d.cfg.Enable); err != nil {
		return err
	}
	d.stepper = sp

	ip := newInputPort(d)
	add := func(id signal.InputID, name string) error {
		if name == "" {
			return nil
		}
		pin := lookupPin(name)
		if pin == nil {
			return fmt.Errorf("%w: %s", ErrPinMissing, name)
		}
		if err := pin.In(gpio.PullUp, gpio.BothEdges); err != nil {
			return fmt.Errorf("rpihal: %s: %w", name, err)
		}
		ip.add(id, pin)
		return nil
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

	spn := &SpindlePort{d: d}
	if spn.on, err = out(d.cfg.SpindleOn); err != nil {
		return err
	}
	if spn.ccw, err = out(d.cfg.SpindleDir); err != nil {
		return err
	}
	if d.cfg.SpindlePWM != "" {
		spn.pwm = lookupPin(d.cfg.SpindlePWM)
		if spn.pwm == nil {
			return fmt.Errorf("%w: %s", ErrPinMissing, d.cfg.SpindlePWM)
		}
	}
	if d.cfg.EncoderPulse != "" {
		pulse := lookupPin(d.cfg.EncoderPulse)
		if pulse == nil {
			return fmt.Errorf("%w: %s", ErrPinMissing, d.cfg.EncoderPulse)
		}
		if err := pulse.In(gpio.PullUp, gpio.RisingEdge); err != nil {
			return fmt.Errorf("rpihal: %s: %w", d.cfg.EncoderPulse, err)
		}
		spn.pulsePin = pulse
		if d.cfg.EncoderIndex != "" {
			index := lookupPin(d.cfg.EncoderIndex)
			if index == nil {
				return fmt.Errorf("%w: %s", ErrPinMissing, d.cfg.EncoderIndex)
			}
			if err := index.In(gpio.PullUp, gpio.RisingEdge); err != nil {
				return fmt.Errorf("rpihal: %s: %w", d.cfg.EncoderIndex, err)
			}
			spn.indexPin = index
		}
		go spn.watchEncoder()
	}
	d.spindle = spn

	cp := &CoolantPort{}
	if cp.flood, err = out(d.cfg.CoolantFlood); err != nil {
		return err
	}
	if cp.mist, err = out(d.cfg.CoolantMist); err != nil {
		return err
	}
	d.coolant = cp

	d.SettingsChanged(s)
	ip.start()
	d.logger.WithField("axes", d.cfg.NumAxes).Info("GPIO target initialized")
	return nil
}

// SettingsChanged refreshes the invert masks and PWM scale.
func (d *Driver) SettingsChanged(s *settings.Settings) {
	d.stepper.configure(s.Steppers)
	d.spindle.configure(s.Spindle)
}

func (d *Driver) Capabilities() hal.Capabilities {
	caps := hal.Capabilities{
		AmassLevel:       3,
		SoftwareDebounce: true,
		StepPulseDelay:   true,
		SpindleDir:       d.cfg.SpindleDir != "",
		SafetyDoor:       d.cfg.SafetyDoor != "",
	}
	if d.cfg.EncoderPulse != "" {
		// Edge-watched encoders are too coarse for spindle-synchronized
		// motion but fine for closed-loop RPM.
		caps.SpindlePID = true
		caps.SpindleAtSpeed = true
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
	time.AfterFunc(time.Duration(ms)*time.Millisecond, done)
}

// Close stops the watchers and releases the pins.
func (d *Driver) Close() {
	select {
	case <-d.closed:
		return
	default:
	}
	close(d.closed)
	d.stepper.StopTimer()
}
