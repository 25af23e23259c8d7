// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/go-lpc/stim/clock"
)

func TestBlind(t *testing.T) {
	f := newFixture(1000)
	s := NewBlind(
		f.clk, f.links(), f.out, f.msg,
		WithTiming(testTiming),
		WithPoll(100*time.Microsecond),
	)
	stop := f.run(t, s)
	defer stop()

	// the first period starts at 1200.
	select {
	case rep := <-f.reps:
		t.Fatalf("early report: %+v", rep)
	case <-time.After(5 * time.Millisecond):
	}
	f.clk.Set(1200)

	rep := recv(t, "report", f.reps)
	if rep.Index != 0 || rep.Evidence != nil {
		t.Fatalf("invalid report: %+v", rep)
	}

	f.decs <- Decision{
		Index: 1,
		Plan: Plan{
			{Delay: 10, Site: Site{0, 1}},
			{Delay: 50, Site: Site{0, 2}},
			{Delay: -5, Site: Site{0, 3}},
			{Delay: 50, Site: Site{1, 2}},
		},
	}
	waitFor(t, "frames", func() bool { return f.out.len() == 3 })

	frames, _ := f.out.sent()
	var got []uint32
	for _, fr := range frames {
		if fr.Len() != 4 {
			t.Fatalf("blind frame with %d slots", fr.Len())
		}
		got = append(got, fr.Pulses()[0].Target)
	}
	want := []uint32{clock.Immediate | 5, 1550, 1590}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("invalid targets:\ngot= %v\nwant=%v", got, want)
	}

	tlm := recv(t, "telemetry", f.tlms)
	if tlm.Index != 0 || len(tlm.Plan) != 3 || len(tlm.Evidence) != 0 {
		t.Fatalf("invalid telemetry: %+v", tlm)
	}

	f.clk.Set(1600)
	rep = recv(t, "report", f.reps)
	if rep.Index != 1 || !rep.Received {
		t.Fatalf("invalid report: %+v", rep)
	}
}

func TestBlindStream(t *testing.T) {
	const (
		base = 1990
		tick = 200 * time.Microsecond // duration of a sample
	)
	timing := Timing{
		Cycle:            2000,
		Window:           40,
		StartOffset:      2000,
		DetectSlack:      20,
		MinDecisionDelay: 300,
		MinCommandDelay:  100,
	}

	f := newFixture(base)
	s := NewBlind(
		f.clk, f.links(), f.out, f.msg,
		WithTiming(timing),
		WithPoll(100*time.Microsecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		beg := time.Now()
		ticker := time.NewTicker(50 * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				f.clk.Set(clock.Sample(base + int(time.Since(beg)/tick)))
			}
		}
	}()

	stop := f.run(t, s)
	defer stop()

	rep := recv(t, "report", f.reps)
	if rep.Index != 0 {
		t.Fatalf("invalid report: %+v", rep)
	}

	// 9 delay groups: more than the hardware can buffer.
	var plan Plan
	for i := 0; i < 9; i++ {
		plan = append(plan, Pulse{Delay: int32(100 * i), Site: Site{0, i}})
	}
	f.decs <- Decision{Index: 1, Plan: plan}

	waitFor(t, "frames", func() bool { return f.out.len() == 9 })
	frames, times := f.out.sent()

	const boundary = 4000
	for i, fr := range frames {
		delay := 100 * (8 - i)
		target := clock.Sample(boundary - delay)
		ps := fr.Pulses()
		if len(ps) != 1 || ps[0].Target != uint32(target) {
			t.Fatalf("frame %d: invalid pulses %+v (want target=%d)", i, ps, target)
		}
		if got, want := int(ps[0].Electrodes[0]), 8-i; got != want {
			t.Fatalf("frame %d: invalid electrode: got=%d, want=%d", i, got, want)
		}
		sent := times[i]
		if clock.Before(sent, clock.Add(target, -timing.MinCommandDelay)) || !clock.Before(sent, target) {
			t.Fatalf(
				"frame %d: sent at %d, outside of [%d, %d)",
				i, sent, clock.Add(target, -timing.MinCommandDelay), target,
			)
		}
	}
}
