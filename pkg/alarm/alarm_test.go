// This file may be distributed under the terms of the GNU GPLv3 license.
package alarm

import "testing"

func TestRaiseLatchesFirstCode(t *testing.T) {
	m := NewMonitor()
	var raised []Code
	m.SetRaiseCallback(func(c Code) { raised = append(raised, c) })

	m.Raise(HardLimit)
	m.Raise(SoftLimit) // ignored while latched

	if m.Code() != HardLimit {
		t.Fatalf("latched code %v, want hard_limit", m.Code())
	}
	if m.State() != StateAlarm {
		t.Fatalf("state %v, want alarm", m.State())
	}
	if len(raised) != 1 || raised[0] != HardLimit {
		t.Fatalf("raise callback saw %v, want one hard_limit", raised)
	}
}

func TestEStopEntersEStopState(t *testing.T) {
	m := NewMonitor()
	m.Raise(EStop)
	if m.State() != StateEStop {
		t.Fatalf("state %v, want estop", m.State())
	}
}

func TestSetStateBlockedWhileAlarmed(t *testing.T) {
	m := NewMonitor()
	m.Raise(HomingFailApproach)
	if err := m.SetState(StateRun); err == nil {
		t.Fatal("transition out of alarm allowed without clear")
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if err := m.SetState(StateRun); err != nil {
		t.Fatalf("transition after clear failed: %v", err)
	}
	if m.State() != StateRun {
		t.Fatalf("state %v, want run", m.State())
	}
}

func TestGetStatus(t *testing.T) {
	m := NewMonitor()
	m.Raise(SpindleSlip)
	st := m.GetStatus()
	if st["state"] != "alarm" || st["alarm"] != "spindle_slip" {
		t.Fatalf("status %v", st)
	}
}
