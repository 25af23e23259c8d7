// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usb

import (
	"fmt"
	"io"
	"sync"
)

// Loopback emulates the receive counter of the FPGA: it acknowledges the
// bulk transfers written to it and forwards them to an optional writer.
// It allows to run a transport without the stimulator attached.
type Loopback struct {
	mu   sync.Mutex
	w    io.Writer
	acks chan uint8
	cnt  uint8
}

// NewLoopback returns an emulated device forwarding transfers to w.
// w may be nil.
func NewLoopback(w io.Writer) *Loopback {
	return &Loopback{w: w, acks: make(chan uint8, 256)}
}

// Acks returns the stream of receive counter values.
func (lb *Loopback) Acks() <-chan uint8 { return lb.acks }

func (lb *Loopback) Write(p []byte) (int, error) {
	var pkt Packet
	err := pkt.UnmarshalBinary(p)
	if err != nil {
		return 0, fmt.Errorf("usb: could not decode transfer: %w", err)
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()

	if lb.w != nil {
		_, err = lb.w.Write(p)
		if err != nil {
			return 0, err
		}
	}

	switch pkt.Kind {
	case KindReset:
		lb.cnt = 0
		return len(p), nil
	case KindPort:
		lb.cnt++
	case KindStim, KindRegister:
		if len(pkt.Payload) > 1 && pkt.Payload[1] != 0 && pkt.Payload[0] == lb.cnt+1 {
			lb.cnt++
		}
	}

	select {
	case lb.acks <- lb.cnt:
	default:
	}
	return len(p), nil
}
