// This file may be distributed under the terms of the GNU GPLv3 license.
package stepper

import "testing"

func TestAmassAdjust(t *testing.T) {
	const freq = 8_000_000 // cutoffs at 1000, 2000, 4000 cycles

	tests := []struct {
		name       string
		cycles     uint32
		nSteps     uint16
		maxLevel   uint8
		wantCycles uint32
		wantSteps  uint16
		wantLevel  uint8
	}{
		{"fast segment stays level 0", 500, 10, 3, 500, 10, 0},
		{"below 8kHz doubles", 1500, 10, 3, 750, 20, 1},
		{"below 4kHz quadruples", 3000, 10, 3, 750, 40, 2},
		{"below 2kHz octuples", 40_000, 10, 3, 5000, 80, 3},
		{"capability caps the level", 40_000, 10, 1, 20_000, 20, 1},
		{"disabled leaves timing alone", 40_000, 10, 0, 40_000, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cycles, nSteps, level := AmassAdjust(tt.cycles, tt.nSteps, freq, tt.maxLevel)
			if cycles != tt.wantCycles || nSteps != tt.wantSteps || level != tt.wantLevel {
				t.Errorf("got cycles=%d steps=%d level=%d, want %d/%d/%d",
					cycles, nSteps, level, tt.wantCycles, tt.wantSteps, tt.wantLevel)
			}
		})
	}
}

func TestClampCyclesPerTick(t *testing.T) {
	sch := NewScheduler(Config{NumAxes: 3, TimerFreq: 8_000_000})

	if got := sch.ClampCyclesPerTick(MaxCyclesAmass+1, true); got != MaxCyclesAmass {
		t.Errorf("smoothed clamp: got %d, want %d", got, MaxCyclesAmass)
	}
	if got := sch.ClampCyclesPerTick(MaxCyclesPrescaled+1, false); got != MaxCyclesPrescaled {
		t.Errorf("prescaled clamp: got %d, want %d", got, MaxCyclesPrescaled)
	}
	if got := sch.ClampCyclesPerTick(1234, true); got != 1234 {
		t.Errorf("in-range value changed: got %d", got)
	}
}

func TestPrepareSegment(t *testing.T) {
	sch := NewScheduler(Config{NumAxes: 3, TimerFreq: 8_000_000, AmassLevel: 3})

	seg := &Segment{NSteps: 10}
	sch.PrepareSegment(seg, 3000)
	if seg.AmassLevel != 2 || seg.CyclesPerTick != 750 || seg.NSteps != 40 {
		t.Errorf("got level=%d cycles=%d steps=%d", seg.AmassLevel, seg.CyclesPerTick, seg.NSteps)
	}

	// A very slow segment smooths and then clamps.
	seg = &Segment{NSteps: 1}
	sch.PrepareSegment(seg, 1<<23)
	if seg.CyclesPerTick != MaxCyclesAmass {
		t.Errorf("slow segment cycles=%d, want clamp %d", seg.CyclesPerTick, MaxCyclesAmass)
	}
}
