// Package serialhal drives an external step pin board over a serial
// link. The scheduler timer runs host-side and every tick is streamed
// to the board as a step sample; the board shapes the pulses, pushes
// input edges and relays spindle encoder events. See pkg/protocol for
// the wire format.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package serialhal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/log"
	"cnc-motion-go/pkg/pool"
	"cnc-motion-go/pkg/protocol"
	"cnc-motion-go/pkg/serial"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// Identity capability flag bits reported by the board.
const (
	FlagSpindleDir = 1 << iota
	FlagSpindleAtSpeed
	FlagSpindleEncoder
	FlagSafetyDoor
	FlagEStop
	FlagLimitsOverride
)

var (
	ErrIdentifyTimeout = errors.New("serialhal: board did not identify")
	ErrClosed          = errors.New("serialhal: link closed")
)

// Config selects the serial device and link options.
type Config struct {
	Device         string
	Baud           int
	ConnectTimeout time.Duration
	NumAxes        int
}

// transport is the byte stream to the board.
type transport interface {
	io.ReadWriteCloser
}

// Driver implements hal.Driver over a serial pin board.
type Driver struct {
	cfg    Config
	logger *log.Logger

	wmu  sync.Mutex
	link transport
	seq  int

	identified chan struct{}
	idOnce     sync.Once
	caps       hal.Capabilities
	freq       uint32
	closed     chan struct{}

	stepper *StepperPort
	inputs  *InputPort
	spindle *SpindlePort
	coolant *CoolantPort
}

// New opens the configured serial device. A Unix socket path connects
// to a board simulator instead of a tty.
func New(cfg Config) (*Driver, error) {
	if fi, err := os.Stat(cfg.Device); err == nil && fi.Mode()&os.ModeSocket != 0 {
		port, err := serial.OpenSocket(cfg.Device, cfg.ConnectTimeout)
		if err != nil {
			return nil, err
		}
		return newWithTransport(cfg, port), nil
	}

	device, err := serial.ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	scfg := serial.DefaultConfig()
	scfg.Device = device
	if cfg.Baud > 0 {
		scfg.BaudRate = cfg.Baud
	}
	if cfg.ConnectTimeout > 0 {
		scfg.ConnectTimeout = cfg.ConnectTimeout
	}
	port, err := serial.Open(scfg)
	if err != nil {
		return nil, err
	}
	// Drop whatever the board emitted while no one was listening.
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	return newWithTransport(cfg, port), nil
}

// newWithTransport wires the driver over an arbitrary byte stream; the
// tests run it against an in-memory board.
func newWithTransport(cfg Config, link transport) *Driver {
	if cfg.NumAxes == 0 {
		cfg.NumAxes = 3
	}
	d := &Driver{
		cfg:        cfg,
		logger:     log.New("motion"),
		link:       link,
		identified: make(chan struct{}),
		closed:     make(chan struct{}),
		freq:       1_000_000,
	}
	d.stepper = newStepperPort(d)
	d.inputs = newInputPort(d, cfg.NumAxes)
	d.spindle = &SpindlePort{d: d}
	d.coolant = &CoolantPort{d: d}
	go d.readLoop()
	return d
}

// Init performs the identify handshake.
func (d *Driver) Init(s *settings.Settings) error {
	timeout := d.cfg.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	if err := d.send(protocol.CmdIdentify); err != nil {
		return err
	}
	select {
	case <-d.identified:
	case <-time.After(timeout):
		return ErrIdentifyTimeout
	case <-d.closed:
		return ErrClosed
	}
	d.SettingsChanged(s)
	d.logger.WithFields(log.Fields{
		"device":     d.cfg.Device,
		"timer_freq": d.freq,
	}).Info("Pin board connected")
	return nil
}

func (d *Driver) SettingsChanged(s *settings.Settings) {
	// Pulse shaping lives on the board; push the current timing.
	width := int32(float64(d.freq) / 1e6 * s.Steppers.PulseMicroseconds)
	delay := int32(float64(d.freq) / 1e6 * s.Steppers.PulseDelayMicroseconds)
	_ = d.send(protocol.CmdConfigPulse, delay, width)
}

func (d *Driver) Capabilities() hal.Capabilities { return d.caps }

func (d *Driver) StepTimerFreq() uint32 { return d.freq }

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

// Close tears the link down.
func (d *Driver) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
	}
	close(d.closed)
	return d.link.Close()
}

func (d *Driver) send(cmd int, args ...int32) error {
	payload := pool.GetBuffer()
	defer pool.PutBuffer(payload)
	protocol.EncodeMessage(payload, cmd, args...)
	frame := pool.GetBuffer()
	defer pool.PutBuffer(frame)
	d.wmu.Lock()
	defer d.wmu.Unlock()
	buf, err := protocol.AppendFrame(*frame, d.seq, *payload)
	if err != nil {
		return err
	}
	*frame = buf
	d.seq = (d.seq + 1) & protocol.SeqMask
	_, err = d.link.Write(buf)
	return err
}

// readLoop decodes board frames and dispatches events.
func (d *Driver) readLoop() {
	var acc []byte
	buf := make([]byte, 256)
	for {
		n, err := d.link.Read(buf)
		if n > 0 {
			acc = append(acc, buf[:n]...)
			acc = d.dispatch(acc)
		}
		if err != nil {
			select {
			case <-d.closed:
			default:
				d.logger.WithError(err).Warn("Pin board link read failed")
			}
			return
		}
	}
}

func (d *Driver) dispatch(acc []byte) []byte {
	for {
		payload, _, consumed, err := protocol.DecodeFrame(acc)
		if consumed > 0 {
			acc = acc[consumed:]
		}
		if err != nil {
			if errors.Is(err, protocol.ErrFrameShort) {
				return acc
			}
			continue
		}
		msgs, err := protocol.DecodeMessages(payload)
		if err != nil {
			d.logger.WithError(err).Warn("Dropping undecodable frame")
			continue
		}
		for _, m := range msgs {
			d.handle(m)
		}
	}
}

func (d *Driver) handle(m protocol.Message) {
	switch m.Cmd {
	case protocol.EvtIdentity:
		flags := uint32(m.Args[0])
		d.caps = hal.Capabilities{
			AmassLevel:       3,
			SoftwareDebounce: true,
			StepPulseDelay:   true,
			SpindleDir:       flags&FlagSpindleDir != 0,
			SpindleAtSpeed:   flags&FlagSpindleAtSpeed != 0,
			SpindleSync:      flags&FlagSpindleEncoder != 0,
			SpindlePID:       flags&FlagSpindleEncoder != 0,
			SafetyDoor:       flags&FlagSafetyDoor != 0,
			EStop:            flags&FlagEStop != 0,
			LimitsOverride:   flags&FlagLimitsOverride != 0,
		}
		if m.Args[1] > 0 {
			d.freq = uint32(m.Args[1])
		}
		d.idOnce.Do(func() { close(d.identified) })
	case protocol.EvtInput:
		d.inputs.onEvent(signal.InputID(m.Args[0]), m.Args[1] != 0)
	case protocol.EvtEncoder:
		d.spindle.onEvent(uint32(m.Args[0]), uint32(m.Args[1]), m.Args[2] != 0)
	default:
		d.logger.WithField("cmd", fmt.Sprintf("%#x", m.Cmd)).Warn("Unexpected board message")
	}
}
