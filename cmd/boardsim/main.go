// boardsim simulates a pin board speaking the wire protocol over a Unix
// socket, so the serial driver can be exercised end to end without
// hardware. It answers the identify handshake, consumes step samples
// into a position counter, and models an encoder-equipped spindle whose
// speed follows the commanded PWM. Input edges are injected from stdin.
//
// Usage:
//
//	boardsim -listen /tmp/pinboard.sock [options]
//
// Options:
//
//	-listen string  Unix socket path (default "/tmp/pinboard.sock")
//	-freq int       Board timer frequency in Hz (default 1000000)
//	-ppr int        Encoder pulses per revolution, 0 disables (default 360)
//	-max-rpm float  Spindle speed at full PWM (default 1000)
//	-door           Advertise a safety door input
//	-estop          Advertise a hardwired e-stop input
//	-verbose        Print every received command
//
// Stdin commands while a host is connected:
//
//	limit_x on|off      (any input name: probe, feed_hold, limit_y, ...)
//	pos                 print the position counters
//	quit
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"cnc-motion-go/pkg/hal/serialhal"
	"cnc-motion-go/pkg/protocol"
	"cnc-motion-go/pkg/signal"
)

func main() {
	listen := flag.String("listen", "/tmp/pinboard.sock", "Unix socket path")
	freq := flag.Int("freq", 1_000_000, "Board timer frequency in Hz")
	ppr := flag.Int("ppr", 360, "Encoder pulses per revolution, 0 disables")
	maxRPM := flag.Float64("max-rpm", 1000, "Spindle speed at full PWM")
	pwmPeriod := flag.Int("pwm-period", 200, "Full-scale PWM duty, timer freq over host pwm_freq")
	door := flag.Bool("door", false, "Advertise a safety door input")
	estop := flag.Bool("estop", false, "Advertise a hardwired e-stop input")
	verbose := flag.Bool("verbose", false, "Print every received command")

	flag.Parse()

	flags := int32(serialhal.FlagSpindleDir)
	if *ppr > 0 {
		flags |= serialhal.FlagSpindleEncoder | serialhal.FlagSpindleAtSpeed
	}
	if *door {
		flags |= serialhal.FlagSafetyDoor
	}
	if *estop {
		flags |= serialhal.FlagEStop
	}

	os.Remove(*listen)
	ln, err := net.Listen("unix", *listen)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer ln.Close()
	fmt.Printf("Pin board simulator on %s (flags %#x, %d Hz)\n", *listen, flags, *freq)
	fmt.Printf("Point the host at it with: motioncored ... [serial] device: %s\n\n", *listen)

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		fmt.Println("Host connected")
		b := &board{
			conn:    conn,
			flags:   flags,
			freq:    int32(*freq),
			ppr:     *ppr,
			maxRPM:  *maxRPM,
			period:  *pwmPeriod,
			verbose: *verbose,
			done:    make(chan struct{}),
		}
		go b.stdinLoop()
		go b.encoderLoop()
		b.run()
		close(b.done)
		conn.Close()
		fmt.Println("Host disconnected")
	}
}

// board is one connected session's state.
type board struct {
	conn    net.Conn
	flags   int32
	freq    int32
	ppr     int
	maxRPM  float64
	period  int
	verbose bool
	done    chan struct{}

	mu         sync.Mutex
	seq        int
	pos        [signal.MaxAxes]int64
	enabled    int32
	spindleOn  bool
	spindleCCW bool
	spindlePWM int32
	rpm        float64 // modelled speed, lags the pwm command
	pulses     float64
	ticks      float64
}

func (b *board) run() {
	var acc []byte
	buf := make([]byte, 4096)
	for {
		n, err := b.conn.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			for {
				payload, _, consumed, derr := protocol.DecodeFrame(acc)
				if consumed > 0 {
					acc = acc[consumed:]
				}
				if derr != nil {
					break
				}
				msgs, merr := protocol.DecodeMessages(payload)
				if merr != nil {
					fmt.Printf("  undecodable frame: %v\n", merr)
					continue
				}
				for _, m := range msgs {
					b.handle(m)
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (b *board) handle(m protocol.Message) {
	if b.verbose {
		fmt.Printf("  <- cmd %#x args %v\n", m.Cmd, m.Args)
	}
	switch m.Cmd {
	case protocol.CmdIdentify:
		b.send(protocol.EvtIdentity, b.flags, b.freq)
	case protocol.CmdEnable:
		b.mu.Lock()
		b.enabled = m.Args[0]
		b.mu.Unlock()
	case protocol.CmdSteps:
		b.applySteps(m.Args[0], m.Args[1])
	case protocol.CmdSpindle:
		b.mu.Lock()
		b.spindleOn = m.Args[0]&1 != 0
		b.spindleCCW = m.Args[0]&2 != 0
		b.spindlePWM = m.Args[1]
		b.mu.Unlock()
	case protocol.CmdConfigPulse, protocol.CmdCoolant, protocol.CmdLimitsEnable:
		// State the simulator does not model beyond acknowledging.
	default:
		fmt.Printf("  unexpected command %#x\n", m.Cmd)
	}
}

// applySteps advances the position counters for one step sample. A set
// direction bit steps toward negative.
func (b *board) applySteps(dirMask, stepMask int32) {
	b.mu.Lock()
	for a := 0; a < signal.MaxAxes; a++ {
		if stepMask&(1<<a) == 0 {
			continue
		}
		if dirMask&(1<<a) != 0 {
			b.pos[a]--
		} else {
			b.pos[a]++
		}
	}
	b.mu.Unlock()
}

func (b *board) send(cmd int, args ...int32) {
	var payload []byte
	protocol.EncodeMessage(&payload, cmd, args...)
	b.mu.Lock()
	frame, err := protocol.EncodeFrame(b.seq, payload)
	b.seq = (b.seq + 1) & protocol.SeqMask
	b.mu.Unlock()
	if err == nil {
		b.conn.Write(frame)
	}
}

// encoderLoop streams encoder events while the spindle runs. The
// modelled speed chases the PWM-proportional target so the host's PID
// sees a plant with some lag.
func (b *board) encoderLoop() {
	if b.ppr == 0 {
		return
	}
	const hz = 20
	tick := time.NewTicker(time.Second / hz)
	defer tick.Stop()
	lastRev := int64(0)
	for {
		select {
		case <-b.done:
			return
		case <-tick.C:
		}

		b.mu.Lock()
		target := 0.0
		if b.spindleOn {
			target = float64(b.spindlePWM) / float64(b.period) * b.maxRPM
		}
		b.rpm += (target - b.rpm) * 0.2
		b.ticks += float64(b.freq) / hz
		b.pulses += b.rpm / 60.0 * float64(b.ppr) / hz
		ticks := int32(int64(b.ticks))
		pulses := int32(int64(b.pulses))
		rev := int64(b.pulses) / int64(b.ppr)
		index := rev != lastRev
		lastRev = rev
		b.mu.Unlock()

		if pulses > 0 {
			b.send(protocol.EvtEncoder, ticks, pulses, boolArg(index))
		}
	}
}

// stdinLoop injects input edges typed at the console.
func (b *board) stdinLoop() {
	inputs := map[string]signal.InputID{}
	for id := signal.InputProbe; id <= signal.InputLimitC; id++ {
		inputs[id.String()] = id
	}
	inputs[signal.InputLimitsOverride.String()] = signal.InputLimitsOverride

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		select {
		case <-b.done:
			return
		default:
		}
		fields := strings.Fields(strings.ToLower(sc.Text()))
		if len(fields) == 0 {
			continue
		}
		switch {
		case fields[0] == "quit":
			os.Exit(0)
		case fields[0] == "pos":
			b.mu.Lock()
			fmt.Printf("  position %v rpm %.1f\n", b.pos, b.rpm)
			b.mu.Unlock()
		case len(fields) == 2:
			id, ok := inputs[fields[0]]
			if !ok {
				fmt.Printf("  unknown input %q\n", fields[0])
				continue
			}
			level := fields[1] == "on" || fields[1] == "1"
			b.send(protocol.EvtInput, int32(id), boolArg(level))
			fmt.Printf("  -> %s %v\n", id, level)
		default:
			fmt.Println("  commands: <input> on|off, pos, quit")
		}
	}
}

func boolArg(v bool) int32 {
	if v {
		return 1
	}
	return 0
}
