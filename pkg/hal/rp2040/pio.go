//go:build rp2040

// This file may be distributed under the terms of the GNU GPLv3 license.
package rp2040

import (
	"machine"

	pio "github.com/tinygo-org/pio/rp2-pio"
)

// pulseMaskBits is the width of the step mask field in a pulse command
// word. Command layout, shifted out LSB first:
//
//	bits  0..7   delay cycles before assert
//	bits  8..15  step pin mask
//	bits 16..31  pulse width cycles
const pulseMaskBits = 8

// pulseProgramOrigin pins the program at instruction memory offset 0 so
// the jump targets below stay valid.
const pulseProgramOrigin = 0

// pulseProgram shapes one step pulse per FIFO word:
//
//	0: pull block
//	1: out x, 8       delay cycles
//	2: jmp x--, 2
//	3: out pins, 8    assert step bank
//	4: out x, 16      width cycles
//	5: jmp x--, 5
//	6: mov pins, null deassert
//	   wrap to 0
func pulseProgram() []uint16 {
	return []uint16{
		pio.EncodePull(false, true),
		pio.EncodeOut(pio.SrcDestX, pulseMaskBits),
		pio.EncodeJmp(2, pio.JmpXNZeroDec),
		pio.EncodeOut(pio.SrcDestPins, pulseMaskBits),
		pio.EncodeOut(pio.SrcDestX, 16),
		pio.EncodeJmp(5, pio.JmpXNZeroDec),
		pio.EncodeMov(pio.SrcDestPins, pio.SrcDestNull),
	}
}

// pulser owns one PIO state machine clocked at the step timer frequency,
// so delay and width fields are timer ticks.
type pulser struct {
	sm pio.StateMachine
}

func newPulser(stepBase machine.Pin, numAxes uint8) (*pulser, error) {
	p := pio.PIO0
	sm, err := p.ClaimStateMachine()
	if err != nil {
		return nil, err
	}
	prog := pulseProgram()
	offset, err := p.AddProgram(prog, pulseProgramOrigin)
	if err != nil {
		sm.Unclaim()
		return nil, err
	}

	for i := uint8(0); i < numAxes; i++ {
		(stepBase + machine.Pin(i)).Configure(machine.PinConfig{Mode: p.PinMode()})
	}

	cfg := pio.DefaultStateMachineConfig()
	cfg.SetOutPins(stepBase, numAxes)
	cfg.SetOutShift(true, false, 32)
	cfg.SetWrap(offset, offset+uint8(len(prog))-1)
	whole, frac, err := pio.ClkDivFromFrequency(timerFreq, machine.CPUFrequency())
	if err != nil {
		sm.Unclaim()
		return nil, err
	}
	cfg.SetClkDivIntFrac(whole, frac)

	sm.Init(offset, cfg)
	sm.SetPindirsConsecutive(stepBase, numAxes, true)
	sm.SetPinsConsecutive(stepBase, numAxes, false)
	sm.SetEnabled(true)
	return &pulser{sm: sm}, nil
}

// push queues one pulse. Blocks only when four pulses are already
// pending, which the scheduler tick rate cannot reach.
func (p *pulser) push(mask uint8, delay uint8, width uint16) {
	for p.sm.IsTxFIFOFull() {
	}
	p.sm.TxPut(uint32(delay) | uint32(mask)<<8 | uint32(width)<<16)
}

func (p *pulser) stop() {
	p.sm.SetEnabled(false)
	p.sm.ClearFIFOs()
	p.sm.Restart()
	p.sm.SetEnabled(true)
}
