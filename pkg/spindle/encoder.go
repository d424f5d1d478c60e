// Spindle encoder estimator. The HAL reports a capture event every
// trigger pulses carrying the free-running timer and pulse counter; RPM
// derives from the averaged timer ticks per pulse and angular position
// interpolates between pulses with the timer. The once-per-revolution
// index pulse both anchors the revolution count and detects slipped
// pulses.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package spindle

import (
	"sync"

	"cnc-motion-go/pkg/hal"
)

// CaptureTrigger is how many encoder pulses separate capture events.
const CaptureTrigger = 4

// rpmTimeout is how long without pulses before RPM reads as zero.
const rpmTimeout = 0.25 // seconds

// Encoder tracks spindle speed and angular position from pulse captures.
type Encoder struct {
	mu   sync.Mutex
	port hal.SpindlePort

	ppr           uint32
	rpmFactor     float64 // 60 * timerFreq / ppr
	pulseDistance float64 // revolutions per pulse
	maximumTT     uint32  // staleness bound on the capture timer delta

	tpp        float64 // timer ticks per pulse, averaged per capture
	timerLast  uint32
	pulsesLast uint32

	indexCount  uint32
	pulsesIndex uint32
	slip        bool
}

// NewEncoder derives the conversion constants from the pulses-per-rev
// count and the encoder timer frequency.
func NewEncoder(port hal.SpindlePort, ppr uint32, timerFreq float64) *Encoder {
	e := &Encoder{
		port:          port,
		ppr:           ppr,
		rpmFactor:     60 * timerFreq / float64(ppr),
		pulseDistance: 1 / float64(ppr),
		maximumTT:     uint32(rpmTimeout*timerFreq) * CaptureTrigger,
	}
	port.SetCaptureHandler(e.onCapture)
	port.SetIndexHandler(e.onIndex)
	return e
}

// Start arms pulse capture and zeroes the estimator.
func (e *Encoder) Start() {
	e.mu.Lock()
	e.tpp = 0
	e.timerLast = 0
	e.pulsesLast = 0
	e.indexCount = 0
	e.pulsesIndex = 0
	e.slip = false
	e.mu.Unlock()
	e.port.EncoderStart(CaptureTrigger)
}

// Stop disarms capture.
func (e *Encoder) Stop() {
	e.port.EncoderStop()
}

func (e *Encoder) onCapture(ticks, pulses uint32) {
	e.mu.Lock()
	if n := pulses - e.pulsesLast; n > 0 {
		e.tpp = float64(ticks-e.timerLast) / float64(n)
	}
	e.timerLast = ticks
	e.pulsesLast = pulses
	e.mu.Unlock()
}

func (e *Encoder) onIndex(ticks, pulses uint32) {
	e.mu.Lock()
	if e.indexCount > 0 && pulses-e.pulsesIndex != e.ppr {
		// Missed or spurious pulses since the last index; flag it and
		// realign capture to the current count.
		e.slip = true
		e.mu.Unlock()
		e.port.RearmCapture(pulses)
		e.mu.Lock()
	}
	e.indexCount++
	e.pulsesIndex = pulses
	e.mu.Unlock()
}

// RPM returns the estimated speed; zero when pulses stopped arriving.
func (e *Encoder) RPM() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tpp == 0 {
		return 0
	}
	if e.port.EncoderTicks()-e.timerLast > e.maximumTT {
		return 0
	}
	return e.rpmFactor / e.tpp
}

// Position returns the angular position in revolutions since Start,
// interpolated between pulses with the capture timer.
func (e *Encoder) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := float64(e.indexCount)
	if e.tpp == 0 {
		return pos
	}
	// Pulses counted at the last capture plus the fraction of a pulse
	// the timer has advanced since.
	fraction := float64(e.port.EncoderTicks()-e.timerLast) / e.tpp
	return pos + (float64(e.pulsesLast-e.pulsesIndex)+fraction)*e.pulseDistance
}

// IndexCount reports completed revolutions since Start.
func (e *Encoder) IndexCount() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.indexCount
}

// SlipError reports a pulse count mismatch at an index pulse and clears
// the flag.
func (e *Encoder) SlipError() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.slip
	e.slip = false
	return s
}
