// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rhs holds functions to build and decode the binary command
// frames consumed by the RHS2116 stimulator chips.
package rhs // import "github.com/go-lpc/stim/rhs"

import (
	"encoding/binary"
	"fmt"

	"github.com/go-lpc/stim/clock"
)

// Electrode is a stimulation source index, in [0, NumElectrodes).
type Electrode uint16

func (e Electrode) MEA() int  { return int(e) / ElectrodesPerMEA }
func (e Electrode) Chip() int { return (int(e) % ElectrodesPerMEA) / LinesPerChip }
func (e Electrode) Line() int { return int(e) % LinesPerChip }

func (e Electrode) valid() bool { return int(e) < NumElectrodes }

// Chip addresses a stimulator chip.
type Chip struct {
	MEA int
	ID  int
}

// AllChips returns the address of every chip of the instrument.
func AllChips() []Chip {
	chips := make([]Chip, 0, NumMEAs*ChipsPerMEA)
	for mea := 0; mea < NumMEAs; mea++ {
		for id := 0; id < ChipsPerMEA; id++ {
			chips = append(chips, Chip{MEA: mea, ID: id})
		}
	}
	return chips
}

// Position returns the sub-command position of the k-th command addressed
// to chip (mea, chip). Position 0 is the slot header.
func Position(mea, chip, k int) int {
	return mea*16 + chip*4 + k%4 + 1
}

// Phase selects which sub-phases of the bandpass/pulse/discharge sequence
// a pulse burst includes.
type Phase uint8

const (
	Middle Phase = 0
	Start  Phase = 1
	End    Phase = 2
	Single Phase = Start | End
)

func (p Phase) String() string {
	switch p {
	case Middle:
		return "middle"
	case Start:
		return "start"
	case End:
		return "end"
	case Single:
		return "single"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Write is a register write sub-command.
type Write struct {
	Reg  uint8
	Data uint16
}

func (w Write) encode(p []byte) {
	p[0] = uint8(w.Data)
	p[1] = uint8(w.Data >> 8)
	p[2] = w.Reg
	p[3] = flagWrite
}

// Entry requests a pulse burst on a set of electrodes.
// Delay counts samples before the period boundary; a negative delay
// executes immediately, -Delay samples after reception.
type Entry struct {
	Delay      int32
	Electrodes []Electrode
	Phase      Phase
}

// Plan is a stimulation plan, relative to a period boundary.
type Plan []Entry

// Slot is a fixed-size command word: a handshake word, a target time word
// and NumSubCmds chip-addressed sub-commands.
type Slot [SlotSize]byte

func newSlot(target uint32) Slot {
	var s Slot
	binary.LittleEndian.PutUint32(s[4:8], target)
	for pos := 1; pos <= NumSubCmds; pos++ {
		copy(s.cmd(pos), noop[:])
	}
	return s
}

func (s *Slot) cmd(pos int) []byte {
	beg := 4 + 4*pos
	return s[beg : beg+4]
}

func (s *Slot) set(pos int, w Write) {
	w.encode(s.cmd(pos))
}

// Handshake returns the handshake byte and whether the hardware
// checks it against its receive counter.
func (s *Slot) Handshake() (uint8, bool) {
	return s[0], s[1] != 0
}

// SetHandshake sets the receive counter value the hardware should reach
// once it has received this slot.
func (s *Slot) SetHandshake(ack uint8) {
	s[0] = ack
	s[1] = 0xff
}

// Target returns the target time word of the slot.
func (s *Slot) Target() uint32 {
	return binary.LittleEndian.Uint32(s[4:8])
}

// IsImmediate reports whether the slot is executed on reception.
func (s *Slot) IsImmediate() bool {
	return s.Target()&clock.Immediate != 0
}

// Writes returns the register writes held by the slot, keyed by
// sub-command position.
func (s *Slot) Writes() map[int]Write {
	o := make(map[int]Write)
	for pos := 1; pos <= NumSubCmds; pos++ {
		p := s.cmd(pos)
		if p[3] != flagWrite {
			continue
		}
		o[pos] = Write{
			Reg:  p[2],
			Data: uint16(p[0]) | uint16(p[1])<<8,
		}
	}
	return o
}

// Frame is an ordered sequence of slots, in non-decreasing target time.
type Frame struct {
	Slots []Slot
}

// Len returns the number of slots in the frame.
func (f Frame) Len() int { return len(f.Slots) }
