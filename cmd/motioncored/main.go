// motioncored runs the motion kernel as a host daemon. It loads a
// machine profile, brings up the selected hardware target, and serves
// the websocket/REST telemetry API plus Prometheus metrics.
//
// Usage:
//
//	motioncored -config ~/machine.cfg [options]
//
// Options:
//
//	-config string   Machine profile (required)
//	-api string      Telemetry API address (default ":7130")
//	-metrics string  Prometheus metrics address, empty disables (default ":9100")
//	-level string    Log level: debug, info, warn, error (default "info")
//	-logfile string  Log file path (default: stdout)
//	-home            Run the homing cycle on startup
//
// Examples:
//
//	# Simulated target
//	motioncored -config sim.cfg
//
//	# Serial pin board with debug logging
//	motioncored -config machine.cfg -level debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	osignal "os/signal"
	"strings"
	"syscall"
	"time"

	"cnc-motion-go/pkg/config"
	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/hal/rpihal"
	"cnc-motion-go/pkg/hal/serialhal"
	"cnc-motion-go/pkg/hal/simhal"
	"cnc-motion-go/pkg/kernel"
	"cnc-motion-go/pkg/log"
	"cnc-motion-go/pkg/metrics"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/telemetry"
)

func main() {
	configFile := flag.String("config", "", "Machine profile (required)")
	apiAddr := flag.String("api", ":7130", "Telemetry API address")
	metricsAddr := flag.String("metrics", ":9100", "Prometheus metrics address, empty disables")
	level := flag.String("level", "info", "Log level: debug, info, warn, error")
	logFile := flag.String("logfile", "", "Log file path (default: stdout)")
	homeOnStart := flag.Bool("home", false, "Run the homing cycle on startup")

	flag.Parse()

	if *configFile == "" {
		fmt.Fprintf(os.Stderr, "Error: -config is required\n")
		flag.Usage()
		os.Exit(1)
	}

	logger := log.New("motion")
	log.ConfigureFromEnv(logger)
	logger.SetLevel(log.ParseLevel(*level))
	if *logFile != "" {
		w, err := log.NewRotatingFileWriter(log.RotationConfig{Filename: *logFile})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer w.Close()
		logger.SetWriter(w)
		logger.SetColorize(false)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.WithError(err).Error("Config load failed")
		os.Exit(1)
	}

	set, err := config.Settings(cfg)
	if err != nil {
		logger.WithError(err).Error("Config invalid")
		os.Exit(1)
	}

	drv, name, err := buildDriver(cfg, set)
	if err != nil {
		logger.WithError(err).Error("Driver setup failed")
		os.Exit(1)
	}

	if unused := cfg.GetUnusedSections(); len(unused) > 0 {
		logger.WithField("sections", strings.Join(unused, ", ")).Warn("Unused config sections")
	}
	if err := cfg.CheckUnusedOptions(); err != nil {
		logger.WithError(err).Warn("Unused config options")
	}

	notifier := &settings.Notifier{}
	k, err := kernel.New(drv, set, notifier)
	if err != nil {
		logger.WithError(err).Error("Kernel init failed")
		os.Exit(1)
	}

	logger.WithFields(log.Fields{
		"driver": name,
		"axes":   set.NumAxes,
		"api":    *apiAddr,
	}).Info("Motion kernel up")

	api := telemetry.New(telemetry.Config{
		Addr:    *apiAddr,
		Machine: k,
	})
	if err := api.Start(); err != nil {
		logger.WithError(err).Error("Telemetry start failed")
		os.Exit(1)
	}
	defer api.Stop()

	if *metricsAddr != "" {
		ms := metrics.NewMetricsServer(metrics.GlobalMetrics(), *metricsAddr)
		ms.StartAsync()
		defer ms.Shutdown(context.Background())
	}

	ctx, stop := osignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGHUP re-reads the machine profile and pushes it to every
	// settings subscriber. Pin assignments are fixed at startup; rates,
	// homing and PID parameters take effect on the next cycle.
	hup := make(chan os.Signal, 1)
	osignal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := reloadSettings(*configFile, notifier); err != nil {
				logger.WithError(err).Error("Config reload failed")
				continue
			}
			logger.Info("Config reloaded")
		}
	}()

	if *homeOnStart {
		homeCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err := k.HomeAll(homeCtx)
		cancel()
		if err != nil {
			logger.WithError(err).Error("Startup homing failed")
		}
	}

	if err := k.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("Kernel stopped")
		os.Exit(1)
	}
	logger.Info("Shutting down")
}

// reloadSettings re-reads the machine profile and applies the result
// through the notifier. A file that fails to parse or validate leaves
// the running settings untouched.
func reloadSettings(path string, n *settings.Notifier) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	set, err := config.Settings(cfg)
	if err != nil {
		return err
	}
	return n.Apply(set)
}

// buildDriver constructs the hardware target named in the [machine]
// section: sim, serial or rpi.
func buildDriver(cfg *config.Config, set *settings.Settings) (hal.Driver, string, error) {
	name := "sim"
	if sec := cfg.GetSectionOptional("machine"); sec != nil {
		var err error
		name, err = sec.GetChoice("driver", []string{"sim", "serial", "rpi"}, "sim")
		if err != nil {
			return nil, "", err
		}
	}

	switch name {
	case "sim":
		scfg := simhal.DefaultConfig()
		scfg.NumAxes = set.NumAxes
		scfg.TimeScale = 0
		return simhal.New(scfg), name, nil

	case "serial":
		sec, err := cfg.GetSection("serial")
		if err != nil {
			return nil, "", err
		}
		device, err := sec.Get("device")
		if err != nil {
			return nil, "", err
		}
		baud, err := sec.GetInt("baud", 0)
		if err != nil {
			return nil, "", err
		}
		timeout, err := sec.GetFloat("connect_timeout", 10)
		if err != nil {
			return nil, "", err
		}
		drv, err := serialhal.New(serialhal.Config{
			Device:         device,
			Baud:           baud,
			ConnectTimeout: time.Duration(timeout * float64(time.Second)),
			NumAxes:        set.NumAxes,
		})
		if err != nil {
			return nil, "", err
		}
		return drv, name, nil

	case "rpi":
		rcfg, err := rpiConfig(cfg, set)
		if err != nil {
			return nil, "", err
		}
		return rpihal.New(rcfg), name, nil
	}
	return nil, "", fmt.Errorf("unknown driver %q", name)
}

// rpiConfig builds the GPIO assignment from the [rpi] section, starting
// from the default hat mapping. Pin descriptors may carry ! and ~
// prefixes; inversion folds into the limit and control invert masks,
// and ~ disables the pull-up on that input.
func rpiConfig(cfg *config.Config, set *settings.Settings) (rpihal.Config, error) {
	rcfg := rpihal.DefaultConfig()
	rcfg.NumAxes = set.NumAxes

	sec := cfg.GetSectionOptional("rpi")
	if sec == nil {
		return rcfg, nil
	}

	outOpts := config.PinOptions{}
	inOpts := config.PinOptions{CanInvert: true, CanPullup: true}
	letters := []string{"x", "y", "z", "a", "b", "c"}

	for a := 0; a < set.NumAxes; a++ {
		if err := outPin(sec, "step_"+letters[a], outOpts, &rcfg.Step[a]); err != nil {
			return rcfg, err
		}
		if err := outPin(sec, "dir_"+letters[a], outOpts, &rcfg.Dir[a]); err != nil {
			return rcfg, err
		}

		pin, err := sec.GetPinOptional("limit_"+letters[a], inOpts)
		if err != nil {
			return rcfg, err
		}
		if pin != nil {
			rcfg.Limit[a] = pin.Name
			if pin.Invert {
				set.Limits.Invert.Set(a)
			}
			if pin.Pullup < 0 {
				set.Limits.DisablePullup.Set(a)
			}
		}
	}

	outs := map[string]*string{
		"enable":        &rcfg.Enable,
		"spindle_on":    &rcfg.SpindleOn,
		"spindle_dir":   &rcfg.SpindleDir,
		"spindle_pwm":   &rcfg.SpindlePWM,
		"coolant_flood": &rcfg.CoolantFlood,
		"coolant_mist":  &rcfg.CoolantMist,
	}
	for opt, dst := range outs {
		if err := outPin(sec, opt, outOpts, dst); err != nil {
			return rcfg, err
		}
	}

	ins := map[string]struct {
		dst *string
		bit signal.ControlSignals
	}{
		"probe":         {&rcfg.Probe, 0},
		"encoder_pulse": {&rcfg.EncoderPulse, 0},
		"encoder_index": {&rcfg.EncoderIndex, 0},
		"reset":         {&rcfg.Reset, signal.Reset},
		"feed_hold":     {&rcfg.FeedHold, signal.FeedHold},
		"cycle_start":   {&rcfg.CycleStart, signal.CycleStart},
		"safety_door":   {&rcfg.SafetyDoor, signal.SafetyDoor},
	}
	for opt, in := range ins {
		pin, err := sec.GetPinOptional(opt, inOpts)
		if err != nil {
			return rcfg, err
		}
		if pin == nil {
			continue
		}
		*in.dst = pin.Name
		if opt == "probe" {
			if pin.Invert {
				set.ProbeInvert = true
			}
			continue
		}
		if in.bit != 0 {
			if pin.Invert {
				set.ControlInvert |= in.bit
			}
			if pin.Pullup < 0 {
				set.ControlDisablePullup |= in.bit
			}
		}
	}

	return rcfg, nil
}

func outPin(sec *config.Section, option string, opts config.PinOptions, dst *string) error {
	pin, err := sec.GetPinOptional(option, opts)
	if err != nil {
		return err
	}
	if pin != nil {
		*dst = pin.Name
	}
	return nil
}
