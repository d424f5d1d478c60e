// Package limits handles limit switch events and the homing cycle. Limit
// edges arrive through the debounced input pipeline; outside homing an
// engaged switch is a hard limit fault that halts motion immediately,
// while homing consumes the same events to locate the switches.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package limits

import (
	"fmt"
	"sync"

	"cnc-motion-go/pkg/alarm"
	"cnc-motion-go/pkg/settings"
	"cnc-motion-go/pkg/signal"
	"cnc-motion-go/pkg/stepper"
)

// Manager routes limit events and enforces travel bounds.
type Manager struct {
	mu       sync.Mutex
	sch      *stepper.Scheduler
	reader   *signal.Reader
	mon      *alarm.Monitor
	set      *settings.Settings
	homing   *Homing
	hold     func()
	override bool
}

// NewManager wires the limit pipeline. homing may be nil when the target
// has no switches to locate.
func NewManager(sch *stepper.Scheduler, reader *signal.Reader, mon *alarm.Monitor, set *settings.Settings, homing *Homing) *Manager {
	return &Manager{
		sch:    sch,
		reader: reader,
		mon:    mon,
		set:    set,
		homing: homing,
	}
}

// SetHoldFunc registers the feed hold initiator used by soft limit
// violations.
func (m *Manager) SetHoldFunc(fn func()) {
	m.mu.Lock()
	m.hold = fn
	m.mu.Unlock()
}

// SetOverride suppresses hard limit faults while the override input is
// held, letting an operator jog off an engaged switch.
func (m *Manager) SetOverride(on bool) {
	m.mu.Lock()
	m.override = on && m.set.Limits.OverrideEnabled
	m.mu.Unlock()
}

// OnLimitGroup is the debounce dispatch target for the limit group.
func (m *Manager) OnLimitGroup(changed []*signal.Input) {
	state := m.reader.Limits()

	if m.homing != nil && m.homing.Active() {
		m.homing.OnLimits(state)
		return
	}

	m.mu.Lock()
	hard := m.set.Limits.HardEnabled && !m.override
	recheck := m.set.Limits.CheckHardState
	m.mu.Unlock()

	if !hard {
		return
	}
	// With the re-check enabled a glitch that already released does not
	// fault; otherwise the edge alone is enough.
	if recheck && !state.Any() {
		return
	}

	m.sch.GoIdle(true)
	m.mon.Raise(alarm.HardLimit)
}

// CheckSoft validates a target in machine coordinates (mm). A violation
// initiates feed hold and latches the soft limit alarm.
func (m *Manager) CheckSoft(target [signal.MaxAxes]float64) error {
	if !m.set.Limits.SoftEnabled {
		return nil
	}
	for a := 0; a < m.set.NumAxes; a++ {
		if target[a] > 0 || target[a] < m.set.MaxTravel[a] {
			m.mu.Lock()
			hold := m.hold
			m.mu.Unlock()
			if hold != nil {
				hold()
			}
			m.mon.Raise(alarm.SoftLimit)
			return fmt.Errorf("target %.3f outside travel on axis %d", target[a], a)
		}
	}
	return nil
}
