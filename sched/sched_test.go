// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"bytes"
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
)

var testTiming = Timing{
	Cycle:            400,
	Window:           40,
	StartOffset:      400,
	DetectSlack:      20,
	MinDecisionDelay: 100,
	MinCommandDelay:  50,
}

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

type fakeSender struct {
	clk clock.Reader

	mu     sync.Mutex
	frames []rhs.Frame
	times  []clock.Sample
}

func (s *fakeSender) Send(ctx context.Context, f rhs.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	s.times = append(s.times, s.clk.Now())
	return nil
}

func (s *fakeSender) sent() ([]rhs.Frame, []clock.Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]rhs.Frame(nil), s.frames...), append([]clock.Sample(nil), s.times...)
}

func (s *fakeSender) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func waitFor(t *testing.T, name string, cond func() bool) {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for !cond() {
		select {
		case <-timeout:
			t.Fatalf("timeout waiting for %s", name)
		case <-time.After(100 * time.Microsecond):
		}
	}
}

func recv[T any](t *testing.T, name string, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timeout waiting for %s", name)
	}
	panic("unreachable")
}

func windowAt(win *Window, start, end clock.Sample) func() bool {
	return func() bool {
		b, e := win.Bounds()
		return b == start && e == end
	}
}

type fixture struct {
	clk  *clock.Clock
	win  *Window
	evts chan Evidence
	reps chan Report
	decs chan Decision
	tlms chan Telemetry
	out  *fakeSender
	log  *syncBuffer
	msg  log.MsgStream
}

func newFixture(now clock.Sample) *fixture {
	clk := clock.New(now)
	f := &fixture{
		clk:  clk,
		win:  new(Window),
		evts: make(chan Evidence, 4),
		reps: make(chan Report, 4),
		decs: make(chan Decision, 4),
		tlms: make(chan Telemetry, 4),
		out:  &fakeSender{clk: clk},
		log:  new(syncBuffer),
	}
	f.msg = log.NewMsgStream("sched", log.LvlDebug, f.log)
	return f
}

func (f *fixture) links() Links {
	return Links{
		Evidence:  f.evts,
		Reports:   f.reps,
		Decisions: f.decs,
		Telemetry: f.tlms,
	}
}

func (f *fixture) run(t *testing.T, s interface{ Run(context.Context) error }) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("scheduler failed: %+v", err)
		}
	}
}

func TestWindow(t *testing.T) {
	var win Window
	win.publish(clock.Modulus-10, 30)
	for _, tc := range []struct {
		s    clock.Sample
		want bool
	}{
		{clock.Modulus - 11, false},
		{clock.Modulus - 10, true},
		{clock.Modulus - 1, true},
		{0, true},
		{29, true},
		{30, false},
	} {
		if got := win.Contains(tc.s); got != tc.want {
			t.Fatalf("contains(%d): got=%v, want=%v", tc.s, got, tc.want)
		}
	}

	if win.Over() {
		t.Fatalf("fresh window is over")
	}
	win.MarkOver()
	if !win.Over() {
		t.Fatalf("window not over")
	}
	win.publish(30, 70)
	if win.Over() {
		t.Fatalf("published window is over")
	}

	if win.Complete(clock.Modulus - 10) {
		t.Fatalf("completed a past window")
	}
	if win.Over() {
		t.Fatalf("past evidence closed the current window")
	}
	if !win.Complete(30) {
		t.Fatalf("could not complete current window")
	}
	if !win.Over() {
		t.Fatalf("completed window is not over")
	}
}

func TestGroups(t *testing.T) {
	l := newLoop(clock.New(0), Links{}, nil, nil, nil)
	got := l.groups(Plan{
		{Delay: 10, Site: Site{0, 1}},
		{Delay: -3, Site: Site{1, 0}},
		{Delay: 200, Site: Site{2, 4}},
		{Delay: 10, Site: Site{3, 14}},
	})
	want := rhs.Plan{
		{Delay: 200, Electrodes: []rhs.Electrode{34}},
		{Delay: 10, Electrodes: []rhs.Electrode{1, 59}},
		{Delay: -3, Electrodes: []rhs.Electrode{15}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid groups:\ngot= %+v\nwant=%+v", got, want)
	}
}

func TestValidate(t *testing.T) {
	l := newLoop(clock.New(0), Links{}, nil, nil, nil)
	for _, tc := range []struct {
		plan Plan
		want string
	}{
		{Plan{{Delay: 1, Site: Site{3, 14}}}, ""},
		{Plan{{Delay: 1, Site: Site{0, 15}}}, "sched: invalid site {Network:0 Slot:15}"},
		{Plan{{Delay: 1, Site: Site{-1, 0}}}, "sched: invalid site {Network:-1 Slot:0}"},
		{Plan{{Delay: 1, Site: Site{16, 0}}}, "sched: site {Network:16 Slot:0} maps to invalid electrode 240"},
	} {
		err := l.validate(tc.plan)
		switch {
		case err == nil && tc.want == "":
		case err == nil:
			t.Fatalf("expected error %q", tc.want)
		case err.Error() != tc.want:
			t.Fatalf("invalid error:\ngot= %q\nwant=%q", err, tc.want)
		}
	}
}
