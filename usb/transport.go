// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package usb holds the bulk transport to the instrument, with delivery
// confirmation through the hardware receive counter.
package usb // import "github.com/go-lpc/stim/usb"

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/rhs"
)

// Option configures a Transport.
type Option func(*config)

type config struct {
	timeout  time.Duration // ack polling timeout
	resend   int           // resend the frame every n-th failed attempt
	attempts int           // abandon the frame after n failed attempts
	queue    int
	alert    func()
}

func newConfig() config {
	return config{
		timeout:  50 * time.Millisecond,
		resend:   10,
		attempts: 100,
		queue:    64,
	}
}

// WithAckTimeout sets the time waited for each acknowledgement.
func WithAckTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

// WithRetries sets how often a frame is resent and after how many failed
// attempts it is abandoned.
func WithRetries(resend, attempts int) Option {
	return func(cfg *config) {
		cfg.resend = resend
		cfg.attempts = attempts
	}
}

// WithQueue sets the number of requests buffered before Send blocks.
func WithQueue(n int) Option {
	return func(cfg *config) {
		cfg.queue = n
	}
}

// WithUnreachable registers a function called when the device stops
// acknowledging frames. It is called again only after the device has
// acknowledged a frame in between.
func WithUnreachable(f func()) Option {
	return func(cfg *config) {
		cfg.alert = f
	}
}

type request struct {
	kind  Kind
	frame rhs.Frame
	data  []byte
	port  uint16
}

// Transport serializes every traffic class to the device.
// Only the goroutine executing Run touches the ack counter.
type Transport struct {
	dev  io.Writer
	acks <-chan uint8
	msg  log.MsgStream
	cfg  config

	reqs chan request

	expected    uint8  // receive counter value awaited from the hardware
	observed    uint8  // last receive counter value seen
	port        uint16 // UDP port announced to the hardware, 0 if none
	unreachable bool
	pkts        [][]byte
}

// New creates a transport writing bulk transfers to dev and reading the
// hardware receive counter from acks.
func New(dev io.Writer, acks <-chan uint8, msg log.MsgStream, opts ...Option) *Transport {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Transport{
		dev:  dev,
		acks: acks,
		msg:  msg,
		cfg:  cfg,
		reqs: make(chan request, cfg.queue),
	}
}

func (tr *Transport) enqueue(ctx context.Context, req request) error {
	select {
	case tr.reqs <- req:
		return nil
	default:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("usb: could not queue %v request: %w", req.kind, ctx.Err())
	case tr.reqs <- req:
		return nil
	}
}

// Send queues a stimulator frame.
func (tr *Transport) Send(ctx context.Context, f rhs.Frame) error {
	if f.Len() == 0 {
		return nil
	}
	return tr.enqueue(ctx, request{kind: KindStim, frame: f})
}

// WriteRegisters queues raw FPGA register writes.
func (tr *Transport) WriteRegisters(ctx context.Context, p []byte) error {
	data := make([]byte, len(p))
	copy(data, p)
	return tr.enqueue(ctx, request{kind: KindRegister, data: data})
}

// SetPort queues a receive counter reset followed by the announcement of
// the UDP port the hardware streams its data to.
func (tr *Transport) SetPort(ctx context.Context, port uint16) error {
	return tr.enqueue(ctx, request{kind: KindPort, port: port})
}

// Run processes queued requests until ctx is done.
func (tr *Transport) Run(ctx context.Context) error {
	tr.msg.Debugf("transport started")
	defer tr.msg.Debugf("transport stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-tr.reqs:
			err := tr.handle(ctx, req)
			if err != nil {
				// only cancellation interrupts a request.
				return nil
			}
		}
	}
}

func (tr *Transport) handle(ctx context.Context, req request) error {
	tr.drain()
	tr.pkts = tr.pkts[:0]
	switch req.kind {
	case KindStim:
		for i := range req.frame.Slots {
			slot := req.frame.Slots[i]
			slot.SetHandshake(tr.expected + 1 + uint8(i))
			tr.packet(KindStim, slot[:])
		}
		tr.expected += uint8(len(req.frame.Slots))

	case KindRegister:
		if len(req.data) > MaxRegisterPayload {
			tr.msg.Warnf("too many register writes in command (%d bytes > %d)", len(req.data), MaxRegisterPayload)
			return nil
		}
		tr.expected++
		p := make([]byte, 4+len(req.data))
		p[0] = tr.expected
		p[1] = 0xff
		copy(p[4:], req.data)
		tr.packet(KindRegister, p)

	case KindPort:
		tr.port = req.port
		tr.portPackets()
		tr.msg.Infof("sent UDP port %d", req.port)

	default:
		panic(fmt.Errorf("usb: invalid request kind %v", req.kind))
	}

	tr.write()
	ok, err := tr.await(ctx, req.kind)
	if err != nil || ok || req.kind == KindPort || tr.port == 0 {
		return err
	}
	return tr.resync(ctx)
}

// portPackets resets the hardware receive counter and announces the UDP
// port. The port transfer is acknowledged with counter 1.
func (tr *Transport) portPackets() {
	p := make([]byte, 7)
	copy(p, []byte{1, 1, 0, 0, 0x08}) // 0x08: set all ports at once
	binary.LittleEndian.PutUint16(p[5:], tr.port)
	tr.packet(KindReset, []byte{0, 1, 0, 0})
	tr.packet(KindPort, p)
	tr.expected = 1
}

// resync realigns the hardware receive counter after an abandoned frame,
// which the hardware may never have received.
func (tr *Transport) resync(ctx context.Context) error {
	tr.msg.Warnf("resynchronizing receive counter (recv=%d, expected=%d)", tr.observed, tr.expected)
	tr.drain()
	tr.pkts = tr.pkts[:0]
	tr.portPackets()
	tr.write()
	_, err := tr.await(ctx, KindPort)
	return err
}

func (tr *Transport) packet(k Kind, payload []byte) {
	raw, _ := Packet{Kind: k, Payload: payload}.MarshalBinary()
	tr.pkts = append(tr.pkts, raw)
}

// drain discards receive counter values reported before the request.
func (tr *Transport) drain() {
	for {
		select {
		case v := <-tr.acks:
			tr.observed = v
		default:
			return
		}
	}
}

// write sends the pending transfers. A failed transfer is left to the
// acknowledgement loop, which resends it.
func (tr *Transport) write() {
	for _, p := range tr.pkts {
		_, err := tr.dev.Write(p)
		if err != nil {
			tr.msg.Errorf("could not send bulk transfer: %+v", err)
			return
		}
	}
}

// await polls the receive counter until it matches the expected value.
// It reports whether the frame was acknowledged.
func (tr *Transport) await(ctx context.Context, kind Kind) (bool, error) {
	timer := time.NewTimer(tr.cfg.timeout)
	defer timer.Stop()

	for failures := 0; ; {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case v := <-tr.acks:
			tr.observed = v
			if v == tr.expected {
				if tr.unreachable {
					tr.msg.Infof("device reachable again")
					tr.unreachable = false
				}
				return true, nil
			}
		case <-timer.C:
		}

		failures++
		if failures >= tr.cfg.attempts {
			tr.msg.Warnf(
				"abandoning %v frame after %d attempts (recv=%d, expected=%d)",
				kind, failures, tr.observed, tr.expected,
			)
			if !tr.unreachable {
				tr.unreachable = true
				tr.msg.Errorf("device unreachable")
				if tr.cfg.alert != nil {
					tr.cfg.alert()
				}
			}
			return false, nil
		}

		if failures%tr.cfg.resend == 0 {
			tr.msg.Warnf(
				"resending %v frame: attempt %d, recv=%d, expected=%d",
				kind, failures, tr.observed, tr.expected,
			)
			tr.write()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(tr.cfg.timeout)
	}
}
