// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhs

import (
	"fmt"
	"sort"

	"github.com/go-lpc/stim/clock"
)

// Timing describes the shape of a biphasic pulse, in samples.
type Timing struct {
	Pulse     int // duration of each polarity
	Discharge int // duration of the charge recovery
}

// DefaultTiming is the pulse shape used by the instrument.
var DefaultTiming = Timing{Pulse: 6, Discharge: 17}

func (t Timing) offsets() [numSubPhases]int {
	return [numSubPhases]int{
		onset:        -2,
		pulseOn:      0,
		flip:         t.Pulse,
		pulseOff:     2 * t.Pulse,
		dischargeOff: 2*t.Pulse + t.Discharge,
		offset:       2*t.Pulse + t.Discharge + 6,
	}
}

// Encoder turns stimulation plans into command frames.
type Encoder struct {
	timing Timing
}

// NewEncoder returns an encoder using the provided pulse shape.
func NewEncoder(t Timing) *Encoder {
	return &Encoder{timing: t}
}

// Encode encodes the plan with the default pulse shape.
func Encode(boundary clock.Sample, plan Plan) []Frame {
	enc := Encoder{timing: DefaultTiming}
	return enc.Encode(boundary, plan)
}

type group struct {
	delay int32
	elecs []Electrode
	phase Phase
}

// Encode returns one frame per unique delay of the plan, ordered by
// ascending target time. Entries sharing a delay are merged.
// Groups whose slots interleave in time share one frame, so slots are
// always sent in non-decreasing target order.
// Encode panics on an unknown phase or electrode.
func (enc *Encoder) Encode(boundary clock.Sample, plan Plan) []Frame {
	var (
		groups []*group
		idx    = make(map[int32]*group)
	)
	for _, e := range plan {
		if e.Phase > Single {
			panic(fmt.Errorf("rhs: unknown phase %v (delay=%d)", e.Phase, e.Delay))
		}
		g, ok := idx[e.Delay]
		if !ok {
			g = &group{delay: e.Delay}
			idx[e.Delay] = g
			groups = append(groups, g)
		}
		g.elecs = append(g.elecs, e.Electrodes...)
		g.phase |= e.Phase
	}

	// immediate groups first, then farthest deadline first.
	sort.SliceStable(groups, func(i, j int) bool {
		di, dj := groups[i].delay, groups[j].delay
		if (di < 0) != (dj < 0) {
			return di < 0
		}
		return di > dj
	})

	frames := make([]Frame, 0, len(groups))
	for _, g := range groups {
		if len(g.elecs) == 0 {
			continue
		}
		f := enc.frame(Target(boundary, g.delay), g.elecs, g.phase)
		if n := len(frames); n > 0 && overlaps(frames[n-1], f) {
			frames[n-1] = merge(frames[n-1], f)
			continue
		}
		frames = append(frames, f)
	}
	return frames
}

// earlier reports whether target a executes before target b.
// Immediate targets are only ordered among themselves.
func earlier(a, b uint32) bool {
	ia, ib := a&clock.Immediate != 0, b&clock.Immediate != 0
	switch {
	case ia != ib:
		return ia
	case ia:
		return a&^clock.Immediate < b&^clock.Immediate
	}
	return clock.Before(clock.Sample(a), clock.Sample(b))
}

// overlaps reports whether the first slot of next executes before the
// last slot of prev.
func overlaps(prev, next Frame) bool {
	var (
		last  = prev.Slots[len(prev.Slots)-1].Target()
		first = next.Slots[0].Target()
	)
	if (last&clock.Immediate != 0) != (first&clock.Immediate != 0) {
		return false
	}
	return earlier(first, last)
}

// merge interleaves the slots of two frames by target time.
// Slots of a with the same target as slots of b come first.
func merge(a, b Frame) Frame {
	o := make([]Slot, 0, len(a.Slots)+len(b.Slots))
	i, j := 0, 0
	for i < len(a.Slots) && j < len(b.Slots) {
		if earlier(b.Slots[j].Target(), a.Slots[i].Target()) {
			o = append(o, b.Slots[j])
			j++
			continue
		}
		o = append(o, a.Slots[i])
		i++
	}
	o = append(o, a.Slots[i:]...)
	o = append(o, b.Slots[j:]...)
	return Frame{Slots: o}
}

// Target returns the target time word of a group of pulses scheduled
// delay samples before boundary.
func Target(boundary clock.Sample, delay int32) uint32 {
	if delay < 0 {
		return clock.Immediate | uint32(-int64(delay)%clock.Modulus)
	}
	return uint32(clock.Add(boundary, -int(delay)))
}

func shift(target uint32, n int) uint32 {
	if target&clock.Immediate != 0 {
		v := int(target&^clock.Immediate) + n
		if v < 0 {
			v = 0
		}
		return clock.Immediate | uint32(v%clock.Modulus)
	}
	return uint32(clock.Add(clock.Sample(target), n))
}

func (enc *Encoder) frame(target uint32, elecs []Electrode, phase Phase) Frame {
	var (
		masks = make(map[int]uint16)
		poss  []int
	)
	for _, e := range elecs {
		if !e.valid() {
			panic(fmt.Errorf("rhs: invalid electrode %d", e))
		}
		pos := Position(e.MEA(), e.Chip(), 0)
		if _, dup := masks[pos]; !dup {
			poss = append(poss, pos)
		}
		masks[pos] |= 1 << e.Line()
	}
	sort.Ints(poss)

	var (
		subs  = phaseTable[phase]
		offs  = enc.timing.offsets()
		slots = make([]Slot, len(subs))
	)
	for i, sp := range subs {
		slot := newSlot(shift(target, offs[sp]))
		switch sp {
		case onset:
			for _, c := range AllChips() {
				slot.set(Position(c.MEA, c.ID, 0), Write{RegLoCutSelect, 0xffff})
				slot.set(Position(c.MEA, c.ID, 1), Write{RegFastSettle, 0xffff})
			}
		case pulseOn:
			for _, pos := range poss {
				slot.set(pos, Write{RegStimOn, masks[pos]})
			}
		case flip:
			for _, pos := range poss {
				slot.set(pos, Write{RegPolarity, 0})
			}
		case pulseOff:
			for _, pos := range poss {
				slot.set(pos, Write{RegStimOn, 0})
				slot.set(pos+1, Write{RegRecoveryOn, masks[pos]})
			}
		case dischargeOff:
			for _, pos := range poss {
				slot.set(pos, Write{RegRecoveryOn, 0})
				slot.set(pos+1, Write{RegPolarity, 0xffff})
			}
		case offset:
			for _, c := range AllChips() {
				slot.set(Position(c.MEA, c.ID, 0), Write{RegFastSettle, 0})
				slot.set(Position(c.MEA, c.ID, 1), Write{RegLoCutSelect, 0})
			}
		}
		slots[i] = slot
	}
	return Frame{Slots: slots}
}

// Settings holds the static configuration of the stimulators.
type Settings struct {
	Amplitude uint8
	Step      StepSize
	Recovery  Recovery
	Timing    Timing
}

// DefaultSettings are the settings applied when no condition DB is available.
var DefaultSettings = Settings{
	Amplitude: 10,
	Step:      Step1uA,
	Recovery:  Recover1nA,
	Timing:    DefaultTiming,
}

// Validate checks the settings name known register values.
func (s Settings) Validate() error {
	if _, ok := stepWrites[s.Step]; !ok {
		return fmt.Errorf("rhs: unknown step size %q", s.Step)
	}
	if _, ok := recoveryWrites[s.Recovery]; !ok {
		return fmt.Errorf("rhs: unknown recovery current %q", s.Recovery)
	}
	if s.Timing.Pulse <= 0 || s.Timing.Discharge < 0 {
		return fmt.Errorf("rhs: invalid pulse timing %+v", s.Timing)
	}
	return nil
}

// InitWrites returns the chip initialisation sequence.
func InitWrites(s Settings) []Write {
	step := stepWrites[s.Step]
	ws := []Write{
		{RegStimEnableA, 0},
		{RegStimEnableB, 0},
		{RegDigOut, 0},
		{RegADCHiCut1, 0x0016},
		{RegADCHiCut2, 0x0017},
		{RegADCLoCutA, 0x000a},
		{RegADCLoCutB, 0x0012},
		{RegAmpPower, 0xffff},
		{RegAmpPowerLG, 0xffff},
		{RegFastSettle, 0},
		{RegLoCutSelect, 0},
		step[0],
		step[1],
		{RegRecoveryDAC, 0x0080},
		recoveryWrites[s.Recovery],
		{RegStimOn, 0},
		{RegPolarity, 0xffff},
		{RegRecoverySwOn, 0},
		{RegRecoveryOn, 0},
	}
	ws = append(ws, AmplitudeWrites(s.Amplitude)...)
	ws = append(ws,
		Write{RegStimEnableA, stimEnableA},
		Write{RegStimEnableB, stimEnableB},
	)
	return ws
}

// AmplitudeWrites returns the writes setting the current trim of every
// stimulation line, for both polarities.
func AmplitudeWrites(amp uint8) []Write {
	ws := make([]Write, 0, 32)
	for _, base := range []uint8{RegNegCurrent, RegPosCurrent} {
		for i := uint8(0); i < 16; i++ {
			ws = append(ws, Write{base + i, 0x8000 | uint16(amp)})
		}
	}
	return ws
}

// DigAuxWrites returns the write switching the digital auxiliary output.
func DigAuxWrites(on bool) []Write {
	if on {
		return []Write{{RegDigOut, 0x0a00}}
	}
	return []Write{{RegDigOut, 0}}
}

// RegisterFrame broadcasts the writes to every chip, 4 writes per chip
// per slot, all slots sharing the same target time word.
func RegisterFrame(target uint32, ws []Write) Frame {
	chips := AllChips()
	var f Frame
	for beg := 0; beg < len(ws); beg += 4 {
		end := beg + 4
		if end > len(ws) {
			end = len(ws)
		}
		slot := newSlot(target)
		for _, c := range chips {
			for k, w := range ws[beg:end] {
				slot.set(Position(c.MEA, c.ID, k), w)
			}
		}
		f.Slots = append(f.Slots, slot)
	}
	return f
}

// ReadFrame returns a frame reading back the provided registers of every
// chip, 2 reads per chip per slot. The chips answer on the data stream.
func ReadFrame(target uint32, regs []uint8) Frame {
	chips := AllChips()
	var f Frame
	for beg := 0; beg < len(regs); beg += 2 {
		end := beg + 2
		if end > len(regs) {
			end = len(regs)
		}
		slot := newSlot(target)
		for _, c := range chips {
			for k, reg := range regs[beg:end] {
				p := slot.cmd(Position(c.MEA, c.ID, k))
				p[0] = 0
				p[1] = 0
				p[2] = reg
				p[3] = flagRead
			}
		}
		f.Slots = append(f.Slots, slot)
	}
	return f
}
