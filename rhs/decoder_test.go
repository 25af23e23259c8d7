// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rhs

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/go-lpc/stim/clock"
	"golang.org/x/xerrors"
)

func TestDecoder(t *testing.T) {
	valid := newSlot(1234)
	valid.set(Position(1, 2, 3), Write{RegStimOn, 0x7})

	badTarget := newSlot(0)
	binary.LittleEndian.PutUint32(badTarget[4:8], clock.Modulus)

	badFlag := newSlot(1234)
	badFlag.cmd(3)[3] = 0x42

	for _, tc := range []struct {
		name string
		raw  []byte
		want error
	}{
		{
			name: "no data",
			want: io.EOF,
		},
		{
			name: "short slot",
			raw:  valid[:100],
			want: xerrors.Errorf("rhs: could not read slot: %w", io.ErrUnexpectedEOF),
		},
		{
			name: "valid",
			raw:  valid[:],
		},
		{
			name: "invalid-target",
			raw:  badTarget[:],
			want: xerrors.Errorf("rhs: invalid slot target time 0x17d784"),
		},
		{
			name: "invalid-flag",
			raw:  badFlag[:],
			want: xerrors.Errorf("rhs: invalid sub-command flag 0x42 at position 3"),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				slot Slot
				dec  = NewDecoder(bytes.NewReader(tc.raw))
				err  = dec.Decode(&slot)
			)
			switch {
			case err == nil && tc.want == nil:
				if slot != valid {
					t.Fatalf("invalid decoded slot")
				}
				writes := slot.Writes()
				if got, want := writes[Position(1, 2, 3)], (Write{RegStimOn, 7}); got != want {
					t.Fatalf("invalid write: got=%+v, want=%+v", got, want)
				}
			case err != nil && tc.want != nil:
				if got, want := err.Error(), tc.want.Error(); got != want {
					t.Fatalf("invalid error:\ngot= %v\nwant=%v", got, want)
				}
			default:
				t.Fatalf("invalid error: got=%v, want=%v", err, tc.want)
			}
		})
	}
}

func TestDecodeFrameShort(t *testing.T) {
	slot := newSlot(10)
	dec := NewDecoder(bytes.NewReader(slot[:]))
	_, err := dec.DecodeFrame(2)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !xerrors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("invalid error: %+v", err)
	}
}
