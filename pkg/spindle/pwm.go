// PWM output mapping for the spindle.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import "cnc-motion-go/pkg/settings"

// PWM converts a commanded RPM into a duty value for the HAL. The duty
// range is the timer period derived from the configured PWM frequency.
type PWM struct {
	period        uint16
	rpmMin        float64
	rpmMax        float64
	disableOnZero bool
	invert        bool
}

func NewPWM(s settings.SpindleSettings, clockHz float64) *PWM {
	period := uint16(0xffff)
	if s.PWMFreq > 0 {
		if p := clockHz / s.PWMFreq; p < float64(period) {
			period = uint16(p)
		}
	}
	return &PWM{
		period:        period,
		rpmMin:        s.RPMMin,
		rpmMax:        s.RPMMax,
		disableOnZero: s.DisableOnZero,
		invert:        s.InvertPWM,
	}
}

// Period returns the PWM timer period in duty units.
func (p *PWM) Period() uint16 { return p.period }

// Value maps an RPM to a duty value, clamping into the configured range.
// A zero RPM with disable-on-zero set returns the off value.
func (p *PWM) Value(rpm float64) uint16 {
	if rpm <= 0 && p.disableOnZero {
		return p.off()
	}
	if rpm < p.rpmMin {
		rpm = p.rpmMin
	}
	if rpm > p.rpmMax {
		rpm = p.rpmMax
	}
	scale := (rpm - p.rpmMin) / (p.rpmMax - p.rpmMin)
	v := uint16(scale * float64(p.period))
	if p.invert {
		v = p.period - v
	}
	return v
}

func (p *PWM) off() uint16 {
	if p.invert {
		return p.period
	}
	return 0
}
