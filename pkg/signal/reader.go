// Reader latches raw pin levels into semantic bit-fields.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package signal

// ProbeState is the probe input after invert correction.
type ProbeState struct {
	Triggered bool
	Connected bool
}

// ReaderConfig holds the invert masks and board-variant options applied when
// building the input table. Boards that share one port between control and
// limit pins and boards that split them are both expressed here rather than
// as separate read paths.
type ReaderConfig struct {
	NumAxes       int
	LimitInvert   AxisSignals
	ControlInvert ControlSignals
	ProbeInvert   bool
	EStopAsReset  bool // reset pin wired as e-stop
	Debounce      bool // software debounce capability negotiated
}

// Reader polls limit, control and probe pin state and applies the per-pin
// invert masks derived from configuration.
type Reader struct {
	cfg    ReaderConfig
	inputs []*Input

	probeAwayInvert bool
}

// NewReader builds the input descriptor table. pins maps logical input IDs
// to HAL-owned pins; inputs without a pin are left out of the table.
func NewReader(cfg ReaderConfig, pins map[InputID]Pin) *Reader {
	r := &Reader{cfg: cfg}

	add := func(id InputID, axis int, group Group) {
		pin, ok := pins[id]
		if !ok {
			return
		}
		r.inputs = append(r.inputs, &Input{
			ID:       id,
			Axis:     axis,
			Group:    group,
			Pin:      pin,
			Invert:   r.inverted(id, axis),
			Debounce: cfg.Debounce && NeedsDebounce(group),
		})
	}

	add(InputProbe, -1, GroupProbe)
	if cfg.EStopAsReset {
		add(InputEStop, -1, GroupControl)
	} else {
		add(InputReset, -1, GroupControl)
	}
	add(InputFeedHold, -1, GroupControl)
	add(InputCycleStart, -1, GroupControl)
	add(InputSafetyDoor, -1, GroupControl)
	for axis := 0; axis < cfg.NumAxes; axis++ {
		add(LimitInput(axis), axis, GroupLimit)
	}
	add(InputKeypadStrobe, -1, GroupKeypad)
	add(InputModeSelect, -1, GroupMPG)
	add(InputLimitsOverride, -1, GroupControl)

	return r
}

func (r *Reader) inverted(id InputID, axis int) bool {
	switch {
	case id == InputProbe:
		return r.cfg.ProbeInvert
	case axis >= 0:
		return r.cfg.LimitInvert.Has(axis)
	default:
		return r.cfg.ControlInvert.Any(controlBit(id))
	}
}

func controlBit(id InputID) ControlSignals {
	switch id {
	case InputReset:
		return Reset
	case InputFeedHold:
		return FeedHold
	case InputCycleStart:
		return CycleStart
	case InputSafetyDoor:
		return SafetyDoor
	case InputEStop:
		return EStop
	}
	return 0
}

// Inputs returns the descriptor table.
func (r *Reader) Inputs() []*Input {
	return r.inputs
}

// Lookup returns the descriptor for a logical input, or nil.
func (r *Reader) Lookup(id InputID) *Input {
	for _, in := range r.inputs {
		if in.ID == id {
			return in
		}
	}
	return nil
}

// Limits returns limit switch state, one bit per axis, invert-corrected.
// Triggered is 1. An engaged limits-override switch masks all limits.
func (r *Reader) Limits() AxisSignals {
	var state AxisSignals
	for _, in := range r.inputs {
		if in.Group == GroupLimit && in.Settled() {
			state.Set(in.Axis)
		}
	}
	if in := r.Lookup(InputLimitsOverride); in != nil && in.Settled() {
		state = 0
	}
	return state
}

// Controls returns control signal state, invert-corrected.
func (r *Reader) Controls() ControlSignals {
	var state ControlSignals
	for _, in := range r.inputs {
		if in.Group == GroupControl && in.Settled() {
			state |= controlBit(in.ID)
		}
	}
	return state
}

// SetProbeAway flips the probe polarity for away-from-workpiece probing
// cycles; called at probe cycle start.
func (r *Reader) SetProbeAway(away bool) {
	r.probeAwayInvert = away
}

// Probe returns the probe input state.
func (r *Reader) Probe() ProbeState {
	in := r.Lookup(InputProbe)
	if in == nil {
		return ProbeState{}
	}
	triggered := in.Settled()
	if r.probeAwayInvert {
		triggered = !triggered
	}
	return ProbeState{Triggered: triggered, Connected: true}
}
