// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *syncBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncBuffer) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// fakeFPGA applies slots whose handshake matches its receive counter and
// reports the counter after each transfer.
type fakeFPGA struct {
	mu   sync.Mutex
	pkts []Packet
	acks chan uint8
	cnt  uint8
	lose int  // number of transfers to lose
	mute bool // do not report the counter
}

func newFakeFPGA() *fakeFPGA {
	return &fakeFPGA{acks: make(chan uint8, 256)}
}

func (dev *fakeFPGA) Write(p []byte) (int, error) {
	var pkt Packet
	err := pkt.UnmarshalBinary(p)
	if err != nil {
		return 0, err
	}

	dev.mu.Lock()
	defer dev.mu.Unlock()

	dev.pkts = append(dev.pkts, pkt)
	if dev.lose > 0 {
		dev.lose--
		return len(p), nil
	}

	switch pkt.Kind {
	case KindReset:
		dev.cnt = 0
		return len(p), nil
	case KindPort:
		dev.cnt++
	case KindStim, KindRegister:
		if pkt.Payload[1] != 0 && pkt.Payload[0] == dev.cnt+1 {
			dev.cnt++
		}
	}

	if !dev.mute {
		select {
		case dev.acks <- dev.cnt:
		default:
		}
	}
	return len(p), nil
}

func (dev *fakeFPGA) state() (int, uint8) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return len(dev.pkts), dev.cnt
}

func (dev *fakeFPGA) packets() []Packet {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	return append([]Packet(nil), dev.pkts...)
}

func waitFor(t *testing.T, name string, cond func() bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for %s", name)
		case <-time.After(time.Millisecond):
		}
	}
}

func stimFrame(n int) rhs.Frame {
	ws := make([]rhs.Write, 4*n)
	for i := range ws {
		ws[i] = rhs.Write{Reg: rhs.RegStimOn, Data: uint16(i)}
	}
	return rhs.RegisterFrame(clock.Immediate, ws)
}

func runTransport(t *testing.T, tr *Transport) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Run(ctx)
	}()
	return cancel, done
}

func TestTransport(t *testing.T) {
	var (
		dev = newFakeFPGA()
		out = new(syncBuffer)
		msg = log.NewMsgStream("usb", log.LvlDebug, out)
		tr  = New(dev, dev.acks, msg, WithAckTimeout(time.Millisecond))
		ctx = context.Background()
	)

	cancel, done := runTransport(t, tr)
	defer cancel()

	f3 := stimFrame(3)
	for _, f := range []func() error{
		func() error { return tr.SetPort(ctx, 5000) },
		func() error { return tr.Send(ctx, f3) },
		func() error { return tr.WriteRegisters(ctx, []byte{1, 2, 3, 4}) },
		func() error { return tr.WriteRegisters(ctx, make([]byte, MaxRegisterPayload+1)) },
		func() error { return tr.Send(ctx, rhs.Frame{}) },
		func() error { return tr.Send(ctx, stimFrame(1)) },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not queue request: %+v", err)
		}
	}

	waitFor(t, "acknowledgements", func() bool {
		n, cnt := dev.state()
		return n == 7 && cnt == 6
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("transport failed: %+v", err)
	}

	if got, want := tr.expected, uint8(6); got != want {
		t.Fatalf("invalid expected counter: got=%d, want=%d", got, want)
	}

	pkts := dev.packets()
	for i, tc := range []struct {
		kind Kind
		head []byte
	}{
		{KindReset, []byte{0, 1, 0, 0}},
		{KindPort, []byte{1, 1, 0, 0, 0x08, 0x88, 0x13}},
		{KindStim, []byte{2, 0xff}},
		{KindStim, []byte{3, 0xff}},
		{KindStim, []byte{4, 0xff}},
		{KindRegister, []byte{5, 0xff, 0, 0, 1, 2, 3, 4}},
		{KindStim, []byte{6, 0xff}},
	} {
		if pkts[i].Kind != tc.kind {
			t.Fatalf("packet %d: invalid kind: got=%v, want=%v", i, pkts[i].Kind, tc.kind)
		}
		if got := pkts[i].Payload[:len(tc.head)]; !bytes.Equal(got, tc.head) {
			t.Fatalf("packet %d: invalid header: got=%v, want=%v", i, got, tc.head)
		}
		if tc.kind == KindStim {
			if got, want := len(pkts[i].Payload), rhs.SlotSize; got != want {
				t.Fatalf("packet %d: invalid slot size: got=%d, want=%d", i, got, want)
			}
		}
	}

	for i := range f3.Slots {
		if _, ok := f3.Slots[i].Handshake(); ok {
			t.Fatalf("queued frame modified by transport")
		}
	}

	if !strings.Contains(out.String(), "too many register writes in command (501 bytes > 500)") {
		t.Fatalf("missing warning about register payload:\n%s", out.String())
	}
}

func TestTransportResend(t *testing.T) {
	var (
		dev = newFakeFPGA()
		out = new(syncBuffer)
		msg = log.NewMsgStream("usb", log.LvlDebug, out)
		tr  = New(dev, dev.acks, msg, WithAckTimeout(time.Millisecond))
	)
	dev.lose = 1

	cancel, done := runTransport(t, tr)
	defer cancel()

	if err := tr.Send(context.Background(), stimFrame(2)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}

	waitFor(t, "acknowledgement", func() bool {
		_, cnt := dev.state()
		return cnt == 2
	})
	cancel()
	<-done

	// the second slot is applied once, even though it was sent twice.
	n, cnt := dev.state()
	if n != 4 || cnt != 2 {
		t.Fatalf("invalid device state: transfers=%d, counter=%d", n, cnt)
	}
	if !strings.Contains(out.String(), "resending stim frame: attempt 10, recv=0, expected=2") {
		t.Fatalf("missing resend warning:\n%s", out.String())
	}
}

func TestTransportUnreachable(t *testing.T) {
	var (
		dev    = newFakeFPGA()
		out    = new(syncBuffer)
		msg    = log.NewMsgStream("usb", log.LvlDebug, out)
		alerts = 0
		tr     = New(
			dev, dev.acks, msg,
			WithAckTimeout(time.Millisecond),
			WithUnreachable(func() { alerts++ }),
		)
	)
	dev.mute = true

	cancel, done := runTransport(t, tr)
	defer cancel()

	// report a stale counter value until both frames are abandoned.
	spam, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-spam.Done():
				return
			case dev.acks <- 0xee:
			}
		}
	}()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tr.Send(ctx, stimFrame(1)); err != nil {
			t.Fatalf("could not queue frame: %+v", err)
		}
	}

	waitFor(t, "abandoned frames", func() bool {
		return strings.Count(out.String(), "abandoning stim frame after 100 attempts") == 2
	})
	stop()
	wg.Wait()

	// next frame: the device answers again.
	dev.mu.Lock()
	dev.mute = false
	dev.mu.Unlock()

	if err := tr.Send(ctx, stimFrame(1)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}
	waitFor(t, "recovery", func() bool {
		return strings.Contains(out.String(), "device reachable again")
	})
	cancel()
	<-done

	if got, want := strings.Count(out.String(), "device unreachable"), 1; got != want {
		t.Fatalf("invalid number of unreachable messages: got=%d, want=%d\n%s", got, want, out.String())
	}
	if alerts != 1 {
		t.Fatalf("invalid number of alerts: %d", alerts)
	}

	// each abandoned frame: 1 transfer + 9 resends.
	n, cnt := dev.state()
	if n != 21 || cnt != 3 {
		t.Fatalf("invalid device state: transfers=%d, counter=%d", n, cnt)
	}
}

func TestTransportCancel(t *testing.T) {
	var (
		dev = newFakeFPGA()
		msg = log.NewMsgStream("usb", log.LvlError, new(syncBuffer))
		tr  = New(dev, dev.acks, msg, WithQueue(0))
	)
	dev.mute = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tr.Send(ctx, stimFrame(1))
	if err == nil || err.Error() != "usb: could not queue stim request: context canceled" {
		t.Fatalf("invalid error: %+v", err)
	}

	stop, done := runTransport(t, tr)
	if err := tr.Send(context.Background(), stimFrame(1)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}
	waitFor(t, "transfer", func() bool {
		n, _ := dev.state()
		return n == 1
	})
	stop()
	if err := <-done; err != nil {
		t.Fatalf("transport failed: %+v", err)
	}
}

func TestTransportResync(t *testing.T) {
	var (
		dev = newFakeFPGA()
		out = new(syncBuffer)
		msg = log.NewMsgStream("usb", log.LvlDebug, out)
		tr  = New(
			dev, dev.acks, msg,
			WithAckTimeout(time.Millisecond),
			WithRetries(2, 4),
		)
	)

	cancel, done := runTransport(t, tr)
	defer cancel()

	ctx := context.Background()
	if err := tr.SetPort(ctx, 5000); err != nil {
		t.Fatalf("could not queue port: %+v", err)
	}
	waitFor(t, "port", func() bool {
		n, _ := dev.state()
		return n == 2
	})

	// the frame and its resend never reach the device.
	dev.mu.Lock()
	dev.lose = 2
	dev.mu.Unlock()
	if err := tr.Send(ctx, stimFrame(1)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}
	if err := tr.Send(ctx, stimFrame(1)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}
	waitFor(t, "recovery", func() bool {
		_, cnt := dev.state()
		return cnt == 2
	})
	cancel()
	<-done

	var kinds []Kind
	for _, p := range dev.packets() {
		kinds = append(kinds, p.Kind)
	}
	want := []Kind{
		KindReset, KindPort,
		KindStim, KindStim, // lost
		KindReset, KindPort,
		KindStim,
	}
	if !reflect.DeepEqual(kinds, want) {
		t.Fatalf("invalid transfers:\ngot= %v\nwant=%v", kinds, want)
	}
	if got := strings.Count(out.String(), "abandoning stim frame after 4 attempts"); got != 1 {
		t.Fatalf("invalid number of abandoned frames: %d\n%s", got, out.String())
	}
	if !strings.Contains(out.String(), "resynchronizing receive counter (recv=1, expected=2)") {
		t.Fatalf("missing resync message:\n%s", out.String())
	}
}

func TestTransportQueueFirst(t *testing.T) {
	var (
		dev = newFakeFPGA()
		msg = log.NewMsgStream("usb", log.LvlError, new(syncBuffer))
		tr  = New(dev, dev.acks, msg, WithQueue(1))
	)

	// an expired context still hands off when the queue has room.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := tr.Send(ctx, stimFrame(1)); err != nil {
		t.Fatalf("could not queue frame: %+v", err)
	}

	// a full queue bounds Send by its context.
	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := tr.Send(ctx, stimFrame(1))
	if err == nil {
		t.Fatalf("expected an error queuing into a full queue")
	}
	if d := time.Since(start); d > 5*time.Second {
		t.Fatalf("send blocked for %v", d)
	}
}
