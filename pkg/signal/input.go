// Input descriptor table for limit, control and probe pins.
//
// This file may be distributed under the terms of the GNU GPLv3 license.
package signal

// Group tags an input with the dispatch class its state changes belong to.
type Group uint8

const (
	GroupControl Group = 1 << iota
	GroupLimit
	GroupProbe
	GroupKeypad
	GroupMPG
)

// InputID identifies a logical input.
type InputID int

const (
	InputProbe InputID = iota
	InputReset
	InputFeedHold
	InputCycleStart
	InputSafetyDoor
	InputEStop
	InputLimitX
	InputLimitY
	InputLimitZ
	InputLimitA
	InputLimitB
	InputLimitC
	InputKeypadStrobe
	InputModeSelect
	InputLimitsOverride
)

func (id InputID) String() string {
	names := map[InputID]string{
		InputProbe:          "probe",
		InputReset:          "reset",
		InputFeedHold:       "feed_hold",
		InputCycleStart:     "cycle_start",
		InputSafetyDoor:     "safety_door",
		InputEStop:          "e_stop",
		InputLimitX:         "limit_x",
		InputLimitY:         "limit_y",
		InputLimitZ:         "limit_z",
		InputLimitA:         "limit_a",
		InputLimitB:         "limit_b",
		InputLimitC:         "limit_c",
		InputKeypadStrobe:   "keypad_strobe",
		InputModeSelect:     "mode_select",
		InputLimitsOverride: "limits_override",
	}
	if n, ok := names[id]; ok {
		return n
	}
	return "unknown"
}

// LimitInput returns the input ID of the limit switch for an axis.
func LimitInput(axis int) InputID {
	return InputLimitX + InputID(axis)
}

// Pin is the physical pin an input descriptor references. The pin itself is
// owned by the HAL target; the descriptor only observes it.
type Pin interface {
	// Read returns the raw pin level, true for high.
	Read() bool

	// EnableInterrupt enables or disables edge interrupts for the pin.
	// Disabled while the input sits in the debounce queue.
	EnableInterrupt(enable bool)
}

// Input describes one debounced digital input. Active is latched by the edge
// path and cleared when the settle timer drains the queue; both run from
// timer-callback context.
type Input struct {
	ID     InputID
	Axis   int // valid for limit inputs only
	Group  Group
	Pin    Pin
	Invert bool

	// Debounce is computed once at configuration time from capability
	// negotiation; probe, keypad and MPG inputs are never debounced.
	Debounce bool

	Active bool
}

// Settled reports whether the pin still reads in its triggered polarity.
func (in *Input) Settled() bool {
	level := in.Pin.Read()
	if in.Invert {
		level = !level
	}
	return level
}

// NeedsDebounce reports whether an input group takes the debounce path when
// software debounce is available.
func NeedsDebounce(g Group) bool {
	return g&(GroupProbe|GroupKeypad|GroupMPG) == 0
}
