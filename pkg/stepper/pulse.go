// Step pulse generation. The generator programs the one-shot pulse timer
// once per settings change and then only arms it from the tick handler,
// so the per-tick path stays cheap.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package stepper

import (
	"sync"

	"cnc-motion-go/pkg/hal"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
)

// Policy selects how a step pulse is produced.
type Policy uint8

const (
	// PolicyImmediate raises the step outputs inline and arms only the
	// deassert.
	PolicyImmediate Policy = iota

	// PolicyDelayed latches the outputs and lets the pulse timer raise
	// them after the direction setup delay.
	PolicyDelayed
)

// Generator owns the step pulse timing for one stepper port.
type Generator struct {
	mu         sync.Mutex
	port       hal.StepperPort
	policy     Policy
	pending    signal.AxisSignals
	widthTicks uint32
	delayTicks uint32
	timerFreq  uint32
}

// NewGenerator configures the pulse timer from the stepper settings.
func NewGenerator(port hal.StepperPort, timerFreq uint32, s settings.StepperSettings) *Generator {
	g := &Generator{port: port, timerFreq: timerFreq}
	g.Reconfigure(s)
	return g
}

func microsToTicks(freq uint32, micros float64) uint32 {
	return uint32(float64(freq) / 1e6 * micros)
}

// Reconfigure reprograms pulse width and delay. Must not be called while
// motion runs.
func (g *Generator) Reconfigure(s settings.StepperSettings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.widthTicks = microsToTicks(g.timerFreq, s.PulseMicroseconds)
	g.delayTicks = microsToTicks(g.timerFreq, s.PulseDelayMicroseconds)
	if g.delayTicks > 0 {
		g.policy = PolicyDelayed
		g.port.ConfigurePulse(g.delayTicks, g.widthTicks, g.assert, g.deassert)
	} else {
		g.policy = PolicyImmediate
		g.port.ConfigurePulse(0, g.widthTicks, nil, g.deassert)
	}
}

// Policy reports the active pulse policy.
func (g *Generator) Policy() Policy {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// Begin emits one step pulse for the given outputs. Runs in tick context.
func (g *Generator) Begin(outbits signal.AxisSignals) {
	g.mu.Lock()
	policy := g.policy
	g.pending = outbits
	g.mu.Unlock()
	if policy == PolicyImmediate {
		g.port.SetStep(outbits)
	}
	g.port.ArmPulse()
}

func (g *Generator) assert() {
	g.mu.Lock()
	out := g.pending
	g.mu.Unlock()
	g.port.SetStep(out)
}

func (g *Generator) deassert() {
	g.port.SetStep(0)
}

// MinCyclesPerTick is the fastest tick period the pulse hardware can
// sustain: two pulse widths plus the setup delay.
func (g *Generator) MinCyclesPerTick() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.widthTicks*2 + g.delayTicks
}
