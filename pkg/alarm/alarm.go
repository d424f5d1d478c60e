// Package alarm holds the machine state machine and the alarm latch.
// An alarm is a latched fault that blocks motion until explicitly
// cleared; the state machine gates which operations are legal while one
// is pending.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package alarm

import (
	"errors"
	"fmt"
	"sync"
)

// Code identifies a latched fault.
type Code int

const (
	None Code = iota
	HardLimit
	SoftLimit
	EStop
	HomingFailReset
	HomingFailDoor
	HomingFailPulloff
	HomingFailApproach
	SpindleSlip
	SpindleAtSpeedTimeout
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case HardLimit:
		return "hard_limit"
	case SoftLimit:
		return "soft_limit"
	case EStop:
		return "e_stop"
	case HomingFailReset:
		return "homing_fail_reset"
	case HomingFailDoor:
		return "homing_fail_door"
	case HomingFailPulloff:
		return "homing_fail_pulloff"
	case HomingFailApproach:
		return "homing_fail_approach"
	case SpindleSlip:
		return "spindle_slip"
	case SpindleAtSpeedTimeout:
		return "spindle_at_speed_timeout"
	default:
		return "unknown"
	}
}

// State is the machine operating state.
type State int

const (
	StateIdle State = iota
	StateRun
	StateHoming
	StateHold
	StateAlarm
	StateEStop
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRun:
		return "run"
	case StateHoming:
		return "homing"
	case StateHold:
		return "hold"
	case StateAlarm:
		return "alarm"
	case StateEStop:
		return "estop"
	default:
		return "unknown"
	}
}

// Common errors
var (
	ErrAlarmPending = errors.New("alarm: fault pending, clear it first")
	ErrEStopActive  = errors.New("alarm: e-stop engaged")
)

// Monitor latches alarms and tracks machine state. The raise callback
// runs outside the lock and may stop motion or notify operators.
type Monitor struct {
	mu      sync.Mutex
	state   State
	code    Code
	onRaise func(code Code)
}

func NewMonitor() *Monitor {
	return &Monitor{state: StateIdle}
}

// SetRaiseCallback registers fn to run whenever an alarm latches.
func (m *Monitor) SetRaiseCallback(fn func(code Code)) {
	m.mu.Lock()
	m.onRaise = fn
	m.mu.Unlock()
}

// Raise latches an alarm and moves to the alarm state. A second alarm
// while one is latched keeps the first code.
func (m *Monitor) Raise(code Code) {
	m.mu.Lock()
	if m.code != None {
		m.mu.Unlock()
		return
	}
	m.code = code
	if code == EStop {
		m.state = StateEStop
	} else {
		m.state = StateAlarm
	}
	fn := m.onRaise
	m.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}

// Clear drops the latched alarm. E-stop cannot be cleared while the
// input is still engaged; the caller checks that first.
func (m *Monitor) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code == None {
		return nil
	}
	m.code = None
	m.state = StateIdle
	return nil
}

// Code returns the latched alarm, None when healthy.
func (m *Monitor) Code() Code {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.code
}

// State returns the machine state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetState moves between operating states. Transitions out of an alarmed
// state are rejected until the alarm clears.
func (m *Monitor) SetState(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.code != None {
		return fmt.Errorf("%w: %s", ErrAlarmPending, m.code)
	}
	m.state = s
	return nil
}

// GetStatus reports monitor state for telemetry.
func (m *Monitor) GetStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]any{
		"state": m.state.String(),
		"alarm": m.code.String(),
	}
}
