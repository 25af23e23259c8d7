// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/usb"
)

func record(t *testing.T, fname string, pkts []usb.Packet) {
	t.Helper()
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create recording: %+v", err)
	}
	rec := usb.NewRecorder(f)
	for _, p := range pkts {
		raw, _ := p.MarshalBinary()
		_, err = rec.Write(raw)
		if err != nil {
			t.Fatalf("could not record transfer: %+v", err)
		}
	}
	err = rec.Close()
	if err != nil {
		t.Fatalf("could not close recording: %+v", err)
	}
}

func TestProcess(t *testing.T) {
	tmp := t.TempDir()

	pulse := rhs.RegisterFrame(1590, []rhs.Write{{Reg: rhs.RegStimOn, Data: 0x0004}}).Slots[0]
	pulse.SetHandshake(1)
	aux := rhs.RegisterFrame(clock.Immediate|3, rhs.DigAuxWrites(true)).Slots[0]

	for _, tc := range []struct {
		name    string
		verbose bool
		pkts    []usb.Packet
		want    string
	}{
		{
			name: "stim",
			pkts: []usb.Packet{
				{Kind: usb.KindReset, Payload: []byte{0, 1, 0, 0}},
				{Kind: usb.KindPort, Payload: []byte{1, 1, 0, 0, 8, 0x88, 0x13}},
				{Kind: usb.KindStim, Payload: pulse[:]},
				{Kind: usb.KindRegister, Payload: []byte{2, 0xff, 0, 0, 1, 2}},
			},
			want: `=== transfer 0: reset ===
=== transfer 1: port ===
port:    5000
=== transfer 2: stim ===
ack:     1 (checked)
target:  1590
writes:  16
pulse:   electrodes=[2 17 32 47 62 77 92 107 122 137 152 167 182 197 212 227]
=== transfer 3: register ===
ack:     2
payload: 0102
`,
		},
		{
			name:    "verbose",
			verbose: true,
			pkts: []usb.Packet{
				{Kind: usb.KindStim, Payload: aux[:]},
			},
			want: `=== transfer 0: stim ===
ack:     0
target:  immediate+3
writes:  16
  pos=01 reg=  1 data=0x0a00
  pos=05 reg=  1 data=0x0a00
  pos=09 reg=  1 data=0x0a00
  pos=13 reg=  1 data=0x0a00
  pos=17 reg=  1 data=0x0a00
  pos=21 reg=  1 data=0x0a00
  pos=25 reg=  1 data=0x0a00
  pos=29 reg=  1 data=0x0a00
  pos=33 reg=  1 data=0x0a00
  pos=37 reg=  1 data=0x0a00
  pos=41 reg=  1 data=0x0a00
  pos=45 reg=  1 data=0x0a00
  pos=49 reg=  1 data=0x0a00
  pos=53 reg=  1 data=0x0a00
  pos=57 reg=  1 data=0x0a00
  pos=61 reg=  1 data=0x0a00
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(tmp, tc.name+".usb")
			record(t, fname, tc.pkts)

			out := new(bytes.Buffer)
			err := process(out, fname, tc.verbose)
			if err != nil {
				t.Fatalf("could not process file: %+v", err)
			}
			if got, want := out.String(), tc.want; got != want {
				t.Fatalf("invalid output:\ngot:\n%s\nwant:\n%s", got, want)
			}
		})
	}
}

func TestProcessErrors(t *testing.T) {
	tmp := t.TempDir()

	var slot rhs.Slot // zero flags are invalid sub-commands.
	for _, tc := range []struct {
		name string
		pkts []usb.Packet
		want string
	}{
		{
			name: "bad-slot",
			pkts: []usb.Packet{{Kind: usb.KindStim, Payload: slot[:]}},
			want: "could not decode slot of transfer 0: rhs: invalid sub-command flag 0x0 at position 1",
		},
		{
			name: "short-slot",
			pkts: []usb.Packet{{Kind: usb.KindStim, Payload: slot[:10]}},
			want: "could not decode slot of transfer 0: rhs: could not read slot: unexpected EOF",
		},
		{
			name: "short-register",
			pkts: []usb.Packet{{Kind: usb.KindRegister, Payload: []byte{1}}},
			want: "invalid register transfer 0 (len=1)",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fname := filepath.Join(tmp, tc.name+".usb")
			record(t, fname, tc.pkts)

			err := process(new(bytes.Buffer), fname, false)
			if err == nil {
				t.Fatalf("expected an error")
			}
			if got, want := err.Error(), tc.want; !strings.Contains(got, want) {
				t.Fatalf("invalid error:\ngot= %q\nwant=%q", got, want)
			}
		})
	}

	err := process(new(bytes.Buffer), filepath.Join(tmp, "missing.usb"), false)
	if err == nil {
		t.Fatalf("expected an error")
	}
}
