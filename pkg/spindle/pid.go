// Package spindle covers closed-loop spindle control: the PID primitive,
// the encoder-backed RPM and angular position estimator, PWM output
// mapping, the RPM regulator and the motion synchronization controller
// that slaves the feed axis to measured spindle position.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"math"

	"cnc-motion-go/pkg/settings"
)

// PID is an incremental regulator tolerant of irregular sample rates: the
// integral contribution is scaled by the ratio of the previous sample
// rate to the current one, and the derivative by its inverse, so a
// segment twice as long contributes twice the area and half the slope.
type PID struct {
	cfg      settings.PIDValues
	iError   float64
	dError   float64
	prevRate float64
}

func NewPID(cfg settings.PIDValues) *PID {
	p := &PID{cfg: cfg}
	p.Reset()
	return p
}

// Reset clears accumulated state between control sessions.
func (p *PID) Reset() {
	p.iError = 0
	p.dError = 0
	p.prevRate = 1
}

func clampAbs(v, limit float64) float64 {
	if limit != 0 && math.Abs(v) > limit {
		return math.Copysign(limit, v)
	}
	return v
}

// Update advances the regulator one sample and returns the correction.
// sampleRate is the rate this sample was taken at, in Hz; it may differ
// from the previous call's.
func (p *PID) Update(command, actual, sampleRate float64) float64 {
	err := command - actual

	out := p.cfg.PGain * err

	if p.cfg.IGain != 0 {
		p.iError += err * (p.prevRate / sampleRate)
		p.iError = clampAbs(p.iError, p.cfg.IMaxError)
		out += p.cfg.IGain * p.iError
	}

	if p.cfg.DGain != 0 {
		dErr := (err - p.dError) * (sampleRate / p.prevRate)
		dErr = clampAbs(dErr, p.cfg.DMaxError)
		out += p.cfg.DGain * dErr
		p.dError = err
	}

	p.prevRate = sampleRate

	return clampAbs(out, p.cfg.MaxError)
}
