// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Kind is the command type of a bulk transfer.
type Kind uint8

const (
	KindPort     Kind = 1 // UDP port announcement
	KindStim     Kind = 2 // stimulator slot, forwarded to the chips
	KindRegister Kind = 3 // FPGA register writes
	KindReset    Kind = 4 // receive counter reset
)

func (k Kind) String() string {
	switch k {
	case KindPort:
		return "port"
	case KindStim:
		return "stim"
	case KindRegister:
		return "register"
	case KindReset:
		return "reset"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

const preambleSize = 8

var preamble = [preambleSize - 1]byte{0x01, 0x02, 0x03, 0x04, 0xfd, 0xfe, 0xff}

// MaxRegisterPayload is the largest accepted register-write payload, in bytes.
const MaxRegisterPayload = 500

// Packet is a single bulk transfer: a preamble word carrying the command
// type, followed by the payload.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// MarshalBinary returns the bytes sent on the wire.
func (p Packet) MarshalBinary() ([]byte, error) {
	o := make([]byte, preambleSize+len(p.Payload))
	copy(o, preamble[:])
	o[preambleSize-1] = byte(p.Kind)
	copy(o[preambleSize:], p.Payload)
	return o, nil
}

// UnmarshalBinary decodes a bulk transfer.
func (p *Packet) UnmarshalBinary(raw []byte) error {
	if len(raw) < preambleSize {
		return fmt.Errorf("usb: short packet (len=%d)", len(raw))
	}
	if !bytes.Equal(raw[:preambleSize-1], preamble[:]) {
		return fmt.Errorf("usb: invalid preamble %x", raw[:preambleSize])
	}
	p.Kind = Kind(raw[preambleSize-1])
	p.Payload = append(p.Payload[:0], raw[preambleSize:]...)
	return nil
}

// Recorder is a device that records bulk transfers to a stream,
// each transfer being prefixed with its little-endian uint32 length.
type Recorder struct {
	mu  sync.Mutex
	w   io.Writer
	buf [4]byte
}

// NewRecorder returns a device recording bulk transfers to w.
func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{w: w}
}

func (rec *Recorder) Write(p []byte) (int, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	binary.LittleEndian.PutUint32(rec.buf[:], uint32(len(p)))
	_, err := rec.w.Write(rec.buf[:])
	if err != nil {
		return 0, fmt.Errorf("usb: could not record transfer length: %w", err)
	}
	n, err := rec.w.Write(p)
	if err != nil {
		return n, fmt.Errorf("usb: could not record transfer: %w", err)
	}
	return n, nil
}

func (rec *Recorder) Close() error {
	if c, ok := rec.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Reader reads bulk transfers back from a recorded stream.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader returns a reader of the bulk transfers recorded in r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, buf: make([]byte, 4)}
}

// Next reads the next recorded transfer.
// Next returns io.EOF when the stream is exhausted.
func (r *Reader) Next() (Packet, error) {
	var p Packet
	_, err := io.ReadFull(r.r, r.buf[:4])
	if err != nil {
		if err == io.EOF {
			return p, err
		}
		return p, fmt.Errorf("usb: could not read transfer length: %w", err)
	}
	n := int(binary.LittleEndian.Uint32(r.buf[:4]))
	if n > cap(r.buf) {
		r.buf = make([]byte, n)
	}
	raw := r.buf[:n]
	_, err = io.ReadFull(r.r, raw)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return p, fmt.Errorf("usb: could not read transfer: %w", err)
	}
	err = p.UnmarshalBinary(raw)
	return p, err
}
