// This file may be distributed under the terms of the GNU GPLv3 license.
package rpihal

import (
	"errors"
	"sync"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"

	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// recPin records every output level written to it.
type recPin struct {
	gpiotest.Pin

	mu     sync.Mutex
	levels []gpio.Level
}

func (r *recPin) Out(l gpio.Level) error {
	r.mu.Lock()
	r.levels = append(r.levels, l)
	r.mu.Unlock()
	return r.Pin.Out(l)
}

func (r *recPin) last() (gpio.Level, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.levels) == 0 {
		return gpio.Low, false
	}
	return r.levels[len(r.levels)-1], true
}

func newRecPin(name string) *recPin {
	return &recPin{Pin: gpiotest.Pin{N: name, EdgesChan: make(chan gpio.Level, 16)}}
}

func newEdgePin(name string) *gpiotest.Pin {
	return &gpiotest.Pin{N: name, EdgesChan: make(chan gpio.Level, 16)}
}

// withPins substitutes the pin registry for the duration of a test.
func withPins(t *testing.T, pins map[string]gpio.PinIO) {
	t.Helper()
	oldLookup, oldInit := lookupPin, hostInit
	lookupPin = func(name string) gpio.PinIO { return pins[name] }
	hostInit = func() error { return nil }
	t.Cleanup(func() {
		lookupPin = oldLookup
		hostInit = oldInit
	})
}

func threeAxisConfig() Config {
	return Config{
		NumAxes: 3,
		Step:    [signal.MaxAxes]string{"step_x", "step_y", "step_z"},
		Dir:     [signal.MaxAxes]string{"dir_x", "dir_y", "dir_z"},
		Limit:   [signal.MaxAxes]string{"limit_x", "limit_y", "limit_z"},
	}
}

func threeAxisPins() (map[string]gpio.PinIO, map[string]*recPin, map[string]*gpiotest.Pin) {
	pins := map[string]gpio.PinIO{}
	outs := map[string]*recPin{}
	ins := map[string]*gpiotest.Pin{}
	for _, n := range []string{"step_x", "step_y", "step_z", "dir_x", "dir_y", "dir_z"} {
		p := newRecPin(n)
		pins[n] = p
		outs[n] = p
	}
	for _, n := range []string{"limit_x", "limit_y", "limit_z"} {
		p := newEdgePin(n)
		pins[n] = p
		ins[n] = p
	}
	return pins, outs, ins
}

func TestInitMissingPin(t *testing.T) {
	withPins(t, map[string]gpio.PinIO{})
	d := New(threeAxisConfig())
	if err := d.Init(settings.Default()); !errors.Is(err, ErrPinMissing) {
		t.Fatalf("Init = %v, want ErrPinMissing", err)
	}
}

func TestStepInvertApplied(t *testing.T) {
	pins, outs, _ := threeAxisPins()
	withPins(t, pins)
	d := New(threeAxisConfig())
	s := settings.Default()
	s.Steppers.StepInvert = signal.AxisBit(signal.Y)
	if err := d.Init(s); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer d.Close()

	d.Stepper().SetStep(signal.AxisBit(signal.X))

	if l, ok := outs["step_x"].last(); !ok || l != gpio.High {
		t.Errorf("step_x = %v, want high", l)
	}
	// Y idles high with its step output inverted.
	if l, ok := outs["step_y"].last(); !ok || l != gpio.High {
		t.Errorf("step_y = %v, want high (inverted idle)", l)
	}
	if l, ok := outs["step_z"].last(); !ok || l != gpio.Low {
		t.Errorf("step_z = %v, want low", l)
	}
}

func TestDirOutput(t *testing.T) {
	pins, outs, _ := threeAxisPins()
	withPins(t, pins)
	d := New(threeAxisConfig())
	if err := d.Init(settings.Default()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer d.Close()

	d.Stepper().SetDir(signal.AxisBit(signal.Z))
	if l, _ := outs["dir_z"].last(); l != gpio.High {
		t.Errorf("dir_z = %v, want high", l)
	}
	if l, _ := outs["dir_x"].last(); l != gpio.Low {
		t.Errorf("dir_x = %v, want low", l)
	}
}

func TestEdgeDispatchAndGating(t *testing.T) {
	pins, _, ins := threeAxisPins()
	withPins(t, pins)
	d := New(threeAxisConfig())
	if err := d.Init(settings.Default()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer d.Close()

	reader := signal.NewReader(signal.ReaderConfig{NumAxes: 3}, d.Inputs().Pins())
	d.Inputs().BindInputs(reader.Inputs())

	var mu sync.Mutex
	var got []signal.InputID
	d.Inputs().SetEdgeHandler(func(in *signal.Input) {
		mu.Lock()
		got = append(got, in.ID)
		mu.Unlock()
	})

	// Gated off: the edge must be swallowed.
	d.Inputs().LimitsEnable(false, false)
	ins["limit_x"].EdgesChan <- gpio.High
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	n := len(got)
	mu.Unlock()
	if n != 0 {
		t.Fatalf("edge dispatched while gated off")
	}

	d.Inputs().LimitsEnable(true, false)
	ins["limit_y"].EdgesChan <- gpio.High
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n = len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != signal.InputLimitY {
		t.Fatalf("edges = %v, want [limit_y]", got)
	}
}

func TestEncoderCapture(t *testing.T) {
	pins, _, _ := threeAxisPins()
	pulse := newEdgePin("enc_pulse")
	pins["enc_pulse"] = pulse
	withPins(t, pins)

	cfg := threeAxisConfig()
	cfg.EncoderPulse = "enc_pulse"
	d := New(cfg)
	if err := d.Init(settings.Default()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer d.Close()

	if !d.Capabilities().SpindlePID {
		t.Fatal("encoder configured but SpindlePID capability missing")
	}

	var mu sync.Mutex
	var captured []uint32
	d.Spindle().SetCaptureHandler(func(ticks, pulses uint32) {
		mu.Lock()
		captured = append(captured, pulses)
		mu.Unlock()
	})
	d.Spindle().EncoderStart(2)

	for i := 0; i < 4; i++ {
		pulse.EdgesChan <- gpio.High
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(captured)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 2 || captured[0] != 2 || captured[1] != 4 {
		t.Fatalf("captures = %v, want [2 4]", captured)
	}
	if d.Spindle().EncoderPulses() != 4 {
		t.Errorf("pulses = %d, want 4", d.Spindle().EncoderPulses())
	}
}
