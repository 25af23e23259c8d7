// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhs

import (
	"io"

	"github.com/go-lpc/stim/clock"
	"golang.org/x/xerrors"
)

// Decoder reads (and validates) slots from an underlying data source.
type Decoder struct {
	r   io.Reader
	err error
}

// NewDecoder creates a decoder that reads and validates slots from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Decode reads the next slot from the underlying reader.
// Decode returns io.EOF when no more slot is available.
func (dec *Decoder) Decode(slot *Slot) error {
	if dec.err != nil {
		return dec.err
	}

	_, dec.err = io.ReadFull(dec.r, slot[:])
	switch {
	case dec.err == io.EOF:
		return io.EOF
	case dec.err != nil:
		return xerrors.Errorf("rhs: could not read slot: %w", dec.err)
	}

	if tgt := slot.Target(); tgt&clock.Immediate == 0 && tgt >= clock.Modulus {
		return xerrors.Errorf("rhs: invalid slot target time 0x%x", tgt)
	}

	for pos := 1; pos <= NumSubCmds; pos++ {
		switch p := slot.cmd(pos); p[3] {
		case flagWrite, flagRead:
			// ok.
		default:
			return xerrors.Errorf(
				"rhs: invalid sub-command flag 0x%x at position %d",
				p[3], pos,
			)
		}
	}
	return nil
}

// DecodeFrame reads n slots from the underlying reader.
func (dec *Decoder) DecodeFrame(n int) (Frame, error) {
	f := Frame{Slots: make([]Slot, n)}
	for i := range f.Slots {
		err := dec.Decode(&f.Slots[i])
		if err != nil {
			if err == io.EOF && i > 0 {
				err = io.ErrUnexpectedEOF
			}
			return f, xerrors.Errorf("rhs: could not decode slot %d/%d: %w", i, n, err)
		}
	}
	return f, nil
}

// Pulse describes a pulse burst recovered from a frame.
type Pulse struct {
	Target     uint32
	Electrodes []Electrode
}

// Pulses returns the pulse bursts switched on by the frame.
func (f Frame) Pulses() []Pulse {
	var o []Pulse
	for i := range f.Slots {
		slot := &f.Slots[i]
		var elecs []Electrode
		for pos := 1; pos <= NumSubCmds; pos++ {
			p := slot.cmd(pos)
			if p[3] != flagWrite || p[2] != RegStimOn {
				continue
			}
			var (
				mask = uint16(p[0]) | uint16(p[1])<<8
				mea  = (pos - 1) / 16
				chip = ((pos - 1) % 16) / 4
			)
			for line := 0; line < LinesPerChip; line++ {
				if mask&(1<<line) == 0 {
					continue
				}
				elecs = append(elecs, Electrode(mea*ElectrodesPerMEA+chip*LinesPerChip+line))
			}
		}
		if len(elecs) > 0 {
			o = append(o, Pulse{Target: slot.Target(), Electrodes: elecs})
		}
	}
	return o
}
