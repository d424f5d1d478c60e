// This file may be distributed under the terms of the GNU GPLv3 license.
package protocol

import "errors"

// Command identifiers, host to board unless noted.
const (
	CmdIdentify     = 0x01 // request board identity and capabilities
	CmdEnable       = 0x02 // motor enable mask
	CmdConfigPulse  = 0x03 // step pulse delay and width in board ticks
	CmdSteps        = 0x04 // one step sample: dir mask, step mask, interval
	CmdSpindle      = 0x05 // on/ccw flags and pwm value
	CmdCoolant      = 0x06 // flood/mist flags
	CmdLimitsEnable = 0x07 // limit interrupt gate, homing flag

	// Board to host.
	EvtIdentity = 0x41 // capability flags, timer frequency
	EvtInput    = 0x42 // input id, level
	EvtEncoder  = 0x43 // ticks, pulses, index flag
)

var ErrShortPayload = errors.New("protocol: truncated command payload")

// Message is one decoded command or event.
type Message struct {
	Cmd  int
	Args []int32
}

// argCount is the expected argument count per command, -1 for variable.
var argCount = map[int]int{
	CmdIdentify:     0,
	CmdEnable:       1,
	CmdConfigPulse:  2,
	CmdSteps:        3,
	CmdSpindle:      2,
	CmdCoolant:      1,
	CmdLimitsEnable: 2,
	EvtIdentity:     2,
	EvtInput:        2,
	EvtEncoder:      3,
}

// EncodeMessage appends one command with its arguments to out.
func EncodeMessage(out *[]byte, cmd int, args ...int32) {
	EncodeUint32(out, int32(cmd))
	for _, a := range args {
		EncodeUint32(out, a)
	}
}

// DecodeMessages splits a frame payload into its messages.
func DecodeMessages(payload []byte) ([]Message, error) {
	var msgs []Message
	pos := 0
	for pos < len(payload) {
		v, next := DecodeUint32(payload, pos)
		pos = next
		cmd := int(v)
		n, ok := argCount[cmd]
		if !ok {
			return nil, errors.New("protocol: unknown command")
		}
		m := Message{Cmd: cmd}
		for i := 0; i < n; i++ {
			if pos >= len(payload) {
				return nil, ErrShortPayload
			}
			var a int32
			a, pos = DecodeUint32(payload, pos)
			m.Args = append(m.Args, a)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}
