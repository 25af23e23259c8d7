// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// rhs-dump decodes and displays recorded USB transfers.
//
// Usage: rhs-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]
//
// Example:
//
//	$> rhs-dump ./stim.usb
//	=== transfer 0: reset ===
//	=== transfer 1: port ===
//	port:    5000
//	=== transfer 2: stim ===
//	ack:     1 (checked)
//	target:  1590
//	writes:  4
//	pulse:   electrodes=[17]
//	[...]
package main // import "github.com/go-lpc/stim/cmd/rhs-dump"

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"

	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/usb"
)

func main() {
	xmain(os.Stdout, os.Args[1:])
}

func xmain(w io.Writer, args []string) {
	log.SetPrefix("rhs-dump: ")
	log.SetFlags(0)

	fset := flag.NewFlagSet("rhs-dump", flag.ExitOnError)
	verbose := fset.Bool("v", false, "display all register writes")

	fset.Usage = func() {
		fmt.Printf(`rhs-dump decodes and displays recorded USB transfers.

Usage: rhs-dump [OPTIONS] FILE1 [FILE2 [FILE3 ...]]

Example:

 $> rhs-dump ./stim.usb
 === transfer 0: reset ===
 === transfer 1: port ===
 port:    5000
 === transfer 2: stim ===
 ack:     1 (checked)
 target:  1590
 writes:  4
 pulse:   electrodes=[17]
 [...]

`)
		fset.PrintDefaults()
	}

	err := fset.Parse(args)
	if err != nil {
		log.Fatalf("could not parse arguments: %+v", err)
	}

	if fset.NArg() == 0 {
		fset.Usage()
		log.Fatalf("missing path to input USB file")
	}

	for _, fname := range fset.Args() {
		err := process(w, fname, *verbose)
		if err != nil {
			log.Fatalf("could not dump file %q: %+v", fname, err)
		}
	}
}

func process(w io.Writer, fname string, verbose bool) error {
	wbuf := bufio.NewWriter(w)
	defer wbuf.Flush()

	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", fname, err)
	}
	defer f.Close()

	r := usb.NewReader(f)
loop:
	for i := 0; ; i++ {
		p, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break loop
			}
			return fmt.Errorf("could not read transfer %d: %w", i, err)
		}
		fmt.Fprintf(wbuf, "=== transfer %d: %v ===\n", i, p.Kind)

		switch p.Kind {
		case usb.KindStim:
			var slot rhs.Slot
			err = rhs.NewDecoder(bytes.NewReader(p.Payload)).Decode(&slot)
			if err != nil {
				return fmt.Errorf("could not decode slot of transfer %d: %w", i, err)
			}
			dumpSlot(wbuf, &slot, verbose)

		case usb.KindRegister:
			if len(p.Payload) < 4 {
				return fmt.Errorf("invalid register transfer %d (len=%d)", i, len(p.Payload))
			}
			fmt.Fprintf(wbuf, "ack:     %d\n", p.Payload[0])
			fmt.Fprintf(wbuf, "payload: %x\n", p.Payload[4:])

		case usb.KindPort:
			if len(p.Payload) < 7 {
				return fmt.Errorf("invalid port transfer %d (len=%d)", i, len(p.Payload))
			}
			fmt.Fprintf(wbuf, "port:    %d\n", binary.LittleEndian.Uint16(p.Payload[5:7]))
		}
	}

	return nil
}

func dumpSlot(w io.Writer, slot *rhs.Slot, verbose bool) {
	ack, checked := slot.Handshake()
	switch {
	case checked:
		fmt.Fprintf(w, "ack:     %d (checked)\n", ack)
	default:
		fmt.Fprintf(w, "ack:     %d\n", ack)
	}

	switch tgt := slot.Target(); {
	case slot.IsImmediate():
		fmt.Fprintf(w, "target:  immediate+%d\n", tgt&^uint32(clock.Immediate))
	default:
		fmt.Fprintf(w, "target:  %d\n", tgt)
	}

	ws := slot.Writes()
	fmt.Fprintf(w, "writes:  %d\n", len(ws))
	if verbose {
		pos := make([]int, 0, len(ws))
		for k := range ws {
			pos = append(pos, k)
		}
		sort.Ints(pos)
		for _, k := range pos {
			fmt.Fprintf(w, "  pos=%02d reg=%3d data=0x%04x\n", k, ws[k].Reg, ws[k].Data)
		}
	}

	for _, p := range (rhs.Frame{Slots: []rhs.Slot{*slot}}).Pulses() {
		fmt.Fprintf(w, "pulse:   electrodes=%v\n", p.Electrodes)
	}
}
