package signal

import "testing"

// fakePin is a settable pin for reader tests.
type fakePin struct {
	level      bool
	intEnabled bool
}

func (p *fakePin) Read() bool              { return p.level }
func (p *fakePin) EnableInterrupt(en bool) { p.intEnabled = en }

func testPins(numAxes int) map[InputID]Pin {
	pins := map[InputID]Pin{
		InputProbe:      &fakePin{},
		InputReset:      &fakePin{},
		InputFeedHold:   &fakePin{},
		InputCycleStart: &fakePin{},
		InputSafetyDoor: &fakePin{},
	}
	for axis := 0; axis < numAxes; axis++ {
		pins[LimitInput(axis)] = &fakePin{}
	}
	return pins
}

func TestReaderLimits(t *testing.T) {
	pins := testPins(3)
	r := NewReader(ReaderConfig{NumAxes: 3}, pins)

	pins[InputLimitY].(*fakePin).level = true

	state := r.Limits()
	if state != AxisBit(Y) {
		t.Errorf("Limits = %s, want Y", state)
	}
}

func TestReaderLimitInvert(t *testing.T) {
	pins := testPins(3)
	r := NewReader(ReaderConfig{NumAxes: 3, LimitInvert: AxisBit(X)}, pins)

	// X idles high with an inverted (NC) switch; reads as not triggered.
	pins[InputLimitX].(*fakePin).level = true

	if state := r.Limits(); state.Any() {
		t.Errorf("Limits = %s, want none", state)
	}

	// Switch opens, pin falls, X reports triggered.
	pins[InputLimitX].(*fakePin).level = false
	if state := r.Limits(); state != AxisBit(X) {
		t.Errorf("Limits = %s, want X", state)
	}
}

func TestReaderControls(t *testing.T) {
	pins := testPins(3)
	r := NewReader(ReaderConfig{NumAxes: 3}, pins)

	pins[InputFeedHold].(*fakePin).level = true
	pins[InputSafetyDoor].(*fakePin).level = true

	state := r.Controls()
	if state != FeedHold|SafetyDoor {
		t.Errorf("Controls = %s, want feed_hold|safety_door", state)
	}
}

func TestReaderEStopVariant(t *testing.T) {
	pins := testPins(3)
	pins[InputEStop] = pins[InputReset]
	delete(pins, InputReset)

	r := NewReader(ReaderConfig{NumAxes: 3, EStopAsReset: true}, pins)

	pins[InputEStop].(*fakePin).level = true
	if state := r.Controls(); state != EStop {
		t.Errorf("Controls = %s, want e_stop", state)
	}
	if r.Lookup(InputReset) != nil {
		t.Error("reset input should not exist in e-stop variant")
	}
}

func TestReaderLimitsOverride(t *testing.T) {
	pins := testPins(3)
	override := &fakePin{}
	pins[InputLimitsOverride] = override
	r := NewReader(ReaderConfig{NumAxes: 3}, pins)

	pins[InputLimitZ].(*fakePin).level = true
	if state := r.Limits(); state != AxisBit(Z) {
		t.Errorf("Limits = %s, want Z", state)
	}

	override.level = true // held, masks all limits
	if state := r.Limits(); state.Any() {
		t.Errorf("Limits with override = %s, want none", state)
	}
}

func TestReaderProbeAway(t *testing.T) {
	pins := testPins(3)
	r := NewReader(ReaderConfig{NumAxes: 3}, pins)

	if r.Probe().Triggered {
		t.Error("probe should be idle")
	}

	r.SetProbeAway(true)
	if !r.Probe().Triggered {
		t.Error("away probing inverts the idle probe state")
	}

	r.SetProbeAway(false)
	pins[InputProbe].(*fakePin).level = true
	if !r.Probe().Triggered {
		t.Error("probe should be triggered")
	}
}

func TestReaderDebounceNegotiation(t *testing.T) {
	pins := testPins(3)
	r := NewReader(ReaderConfig{NumAxes: 3, Debounce: true}, pins)

	for _, in := range r.Inputs() {
		wantDebounce := in.Group&(GroupProbe|GroupKeypad|GroupMPG) == 0
		if in.Debounce != wantDebounce {
			t.Errorf("input %s: Debounce = %v, want %v", in.ID, in.Debounce, wantDebounce)
		}
	}
}
