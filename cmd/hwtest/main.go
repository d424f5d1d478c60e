// hwtest is a command-line tool for exercising a hardware target without
// the full daemon. It jogs axes, watches inputs, ramps the spindle and
// toggles coolant so a new wiring loom can be verified stage by stage.
//
// Usage:
//
//	hwtest -driver serial -device /dev/ttyUSB0 [options]
//
// Options:
//
//	-driver string     Target: sim, serial, rpi (default "sim")
//	-device string     Serial device path (serial driver)
//	-baud int          Baud rate (default 250000)
//	-axes int          Axis count (default 3)
//	-test string       Test to run: steps, inputs, spindle, coolant, home, all (default "steps")
//	-distance float    Jog distance in mm (default 5)
//	-rate float        Jog rate in mm/min (default 300)
//	-rpm float         Spindle test speed (default 600)
//	-duration duration Input watch window (default 10s)
//
// Examples:
//
//	# Jog every axis back and forth on the simulator
//	hwtest -test steps
//
//	# Watch limit and control inputs on a serial pin board
//	hwtest -driver serial -device /dev/ttyUSB0 -test inputs -duration 30s
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/hal/rpihal"
	"cnc-motion-go/pkg/hal/serialhal"
	"cnc-motion-go/pkg/hal/simhal"
	"cnc-motion-go/pkg/kernel"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

var axisNames = []string{"X", "Y", "Z", "A", "B", "C"}

func main() {
	driver := flag.String("driver", "sim", "Target: sim, serial, rpi")
	device := flag.String("device", "", "Serial device path (serial driver)")
	baud := flag.Int("baud", 250000, "Baud rate")
	axes := flag.Int("axes", 3, "Axis count")
	test := flag.String("test", "steps", "Test to run: steps, inputs, spindle, coolant, home, all")
	distance := flag.Float64("distance", 5, "Jog distance in mm")
	rate := flag.Float64("rate", 300, "Jog rate in mm/min")
	rpm := flag.Float64("rpm", 600, "Spindle test speed")
	duration := flag.Duration("duration", 10*time.Second, "Input watch window")

	flag.Parse()

	set := settings.Default()
	set.NumAxes = *axes
	// Jogs run against an unhomed machine.
	set.Limits.SoftEnabled = false

	drv, err := buildDriver(*driver, *device, *baud, *axes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	k, err := kernel.New(drv, set, &settings.Notifier{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: kernel init: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go k.Run(ctx)

	caps := drv.Capabilities()
	fmt.Printf("Target: %s (%d axes, timer %d Hz)\n", *driver, *axes, drv.StepTimerFreq())
	fmt.Printf("Capabilities: amass=%d debounce=%v spindle_pid=%v sync=%v\n\n",
		caps.AmassLevel, caps.SoftwareDebounce, caps.SpindlePID, caps.SpindleSync)

	run := func(name string, fn func() error) {
		fmt.Printf("=== %s ===\n", name)
		if err := fn(); err != nil {
			fmt.Printf("FAIL: %v\n\n", err)
			os.Exit(1)
		}
		fmt.Printf("PASS\n\n")
	}

	switch *test {
	case "steps":
		run("steps", func() error { return testSteps(ctx, k, set, *distance, *rate) })
	case "inputs":
		run("inputs", func() error { return testInputs(ctx, k, *duration) })
	case "spindle":
		run("spindle", func() error { return testSpindle(ctx, k, *rpm) })
	case "coolant":
		run("coolant", func() error { return testCoolant(k) })
	case "home":
		run("home", func() error { return k.HomeAll(ctx) })
	case "all":
		run("steps", func() error { return testSteps(ctx, k, set, *distance, *rate) })
		run("coolant", func() error { return testCoolant(k) })
		run("spindle", func() error { return testSpindle(ctx, k, *rpm) })
		run("inputs", func() error { return testInputs(ctx, k, *duration) })
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown test %q\n", *test)
		os.Exit(1)
	}
}

func buildDriver(name, device string, baud, axes int) (hal.Driver, error) {
	switch name {
	case "sim":
		cfg := simhal.DefaultConfig()
		cfg.NumAxes = axes
		cfg.TimeScale = 0
		return simhal.New(cfg), nil
	case "serial":
		if device == "" {
			return nil, fmt.Errorf("-device is required for the serial driver")
		}
		return serialhal.New(serialhal.Config{
			Device:  device,
			Baud:    baud,
			NumAxes: axes,
		})
	case "rpi":
		cfg := rpihal.DefaultConfig()
		cfg.NumAxes = axes
		return rpihal.New(cfg), nil
	}
	return nil, fmt.Errorf("unknown driver %q", name)
}

// testSteps jogs each axis out and back and checks the position counter
// returns to where it started.
func testSteps(ctx context.Context, k *kernel.Kernel, set *settings.Settings, distance, rate float64) error {
	for a := 0; a < set.NumAxes; a++ {
		start := k.Position()[a]
		steps := uint32(distance * set.StepsPerMM[a])
		stepRate := rate / 60.0 * set.StepsPerMM[a]

		for pass, dir := range []signal.AxisSignals{0, signal.AxisBit(a)} {
			b := &stepper.Block{
				ID:             uint32(a*2 + pass + 1),
				Direction:      dir,
				StepEventCount: steps,
			}
			b.Steps[a] = steps
			if err := k.SubmitBlock(b, stepRate); err != nil {
				return fmt.Errorf("axis %s submit: %w", axisNames[a], err)
			}
			if err := waitIdle(ctx, k); err != nil {
				return err
			}
		}

		end := k.Position()[a]
		fmt.Printf("  %s: %d steps out and back, counter %d -> %d\n",
			axisNames[a], steps, start, end)
		if end != start {
			return fmt.Errorf("axis %s did not return: %d != %d", axisNames[a], end, start)
		}
	}
	return nil
}

// waitIdle polls until the queued motion drains.
func waitIdle(ctx context.Context, k *kernel.Kernel) error {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
		if st, ok := k.GetStatus()["state"].(string); ok && st == "Idle" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("motion did not finish")
		}
	}
}

// testInputs prints the input snapshot once a second so limit switches
// and control buttons can be toggled by hand and observed.
func testInputs(ctx context.Context, k *kernel.Kernel, window time.Duration) error {
	fmt.Printf("  watching inputs for %s, toggle switches now\n", window)
	end := time.Now().Add(window)
	for time.Now().Before(end) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		status := k.GetStatus()
		fmt.Printf("  state=%v limits=%v controls=%v probe=%v\n",
			status["state"], status["limits"], status["controls"], status["probe"])
	}
	return nil
}

// testSpindle ramps the spindle to the requested speed, waits for
// at-speed if an encoder is fitted, then stops it.
func testSpindle(ctx context.Context, k *kernel.Kernel, rpm float64) error {
	fmt.Printf("  spindle on at %.0f rpm\n", rpm)
	k.SpindleSet(hal.SpindleState{On: true}, rpm)

	if err := k.WaitAtSpeed(ctx, 10*time.Second); err != nil {
		k.SpindleSet(hal.SpindleState{}, 0)
		return fmt.Errorf("at-speed: %w", err)
	}
	status := k.GetStatus()
	fmt.Printf("  at speed, reported rpm=%v\n", status["spindle_rpm"])

	k.SpindleSet(hal.SpindleState{}, 0)
	fmt.Printf("  spindle off\n")
	return nil
}

// testCoolant toggles flood then mist.
func testCoolant(k *kernel.Kernel) error {
	for _, st := range []hal.CoolantState{{Flood: true}, {Mist: true}, {}} {
		k.CoolantSet(st)
		fmt.Printf("  coolant flood=%v mist=%v\n", st.Flood, st.Mist)
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}
