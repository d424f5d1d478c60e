// Closed-loop RPM regulation. The regulator samples the encoder on a
// periodic tick and trims the PWM output around the open-loop value. It
// arms through a warmup state so the spindle is spinning and the encoder
// has proven itself before the loop closes.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"math"
	"sync"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
)

// PIDState is the regulator arming state.
type PIDState int

const (
	// PIDDisabled: open-loop PWM only.
	PIDDisabled PIDState = iota

	// PIDPending: spindle commanded on, waiting for warmup ticks and
	// confirmed encoder revolutions.
	PIDPending

	// PIDActive: loop closed, PWM trimmed every tick.
	PIDActive
)

// Warmup gate: this many regulator ticks and at least this many index
// pulses before the loop closes.
const (
	warmupTicks   = 500 // at the 1 kHz tick, 500 ms
	warmupIndexes = 2
)

// Regulator closes the RPM loop.
type Regulator struct {
	mu   sync.Mutex
	port hal.SpindlePort
	enc  *Encoder
	pid  *PID
	pwm  *PWM

	state     PIDState
	tickCount uint32
	targetRPM float64
	tolerance float64
}

func NewRegulator(port hal.SpindlePort, enc *Encoder, pwm *PWM, s settings.SpindleSettings) *Regulator {
	return &Regulator{
		port:      port,
		enc:       enc,
		pid:       NewPID(s.PID),
		pwm:       pwm,
		tolerance: s.AtSpeedTolerance,
	}
}

// SetState commands the spindle on or off at the given RPM. Off disables
// the loop; on re-arms the warmup gate.
func (r *Regulator) SetState(state hal.SpindleState, rpm float64) {
	r.mu.Lock()
	r.targetRPM = rpm
	if state.On && rpm > 0 {
		r.state = PIDPending
		r.tickCount = 0
		r.pid.Reset()
	} else {
		r.state = PIDDisabled
	}
	r.mu.Unlock()
	r.port.SetState(state, r.pwm.Value(rpm))
	if r.enc == nil {
		return
	}
	if state.On {
		r.enc.Start()
	} else {
		r.enc.Stop()
	}
}

// State reports the arming state.
func (r *Regulator) State() PIDState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TargetRPM reports the commanded speed.
func (r *Regulator) TargetRPM() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetRPM
}

// Tick advances the regulator; call it periodically at sampleRate Hz.
func (r *Regulator) Tick(sampleRate float64) {
	if r.enc == nil {
		return
	}
	r.mu.Lock()
	switch r.state {
	case PIDDisabled:
		r.mu.Unlock()
		return
	case PIDPending:
		if r.tickCount < warmupTicks {
			r.tickCount++
			r.mu.Unlock()
			return
		}
		if r.enc.IndexCount() <= warmupIndexes {
			r.mu.Unlock()
			return
		}
		r.state = PIDActive
		r.pid.Reset()
	}
	target := r.targetRPM
	r.mu.Unlock()

	actual := r.enc.RPM()
	trim := r.pid.Update(target, actual, sampleRate)
	r.port.UpdatePWM(r.pwm.Value(target + trim))
}

// AtSpeed reports whether measured RPM is inside the programmed
// tolerance band of the target.
func (r *Regulator) AtSpeed() bool {
	if r.enc == nil {
		return true
	}
	r.mu.Lock()
	target := r.targetRPM
	tol := r.tolerance
	r.mu.Unlock()
	if target == 0 {
		return r.enc.RPM() == 0
	}
	return math.Abs(r.enc.RPM()-target) <= target*tol
}
