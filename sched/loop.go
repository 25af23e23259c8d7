// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
)

// waitUntil polls the clock until it reaches limit or stop reports true.
// It returns whether stop fired.
func (l *loop) waitUntil(ctx context.Context, limit clock.Sample, stop func() bool) (bool, error) {
	tick := time.NewTicker(l.cfg.poll)
	defer tick.Stop()

	for {
		if stop != nil && stop() {
			return true, nil
		}
		if !clock.Before(l.clk.Now(), limit) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-tick.C:
		}
	}
}

// first returns the start of the first period.
func (l *loop) first() clock.Sample {
	t := l.cfg.timing
	return clock.Align(l.clk.Now(), t.Cycle, t.StartOffset)
}

// advance returns the boundary following start whose decision deadline is
// still ahead, and the number of periods skipped to reach it.
func (l *loop) advance(start clock.Sample, index uint64) (clock.Sample, int) {
	var (
		t        = l.cfg.timing
		boundary = clock.Add(start, t.Cycle)
		skipped  = 0
	)
	for clock.Before(clock.Add(boundary, -t.MinDecisionDelay), l.clk.Now()) {
		boundary = clock.Add(boundary, t.Cycle)
		skipped++
		l.msg.Warnf(
			"missed period %d, moved boundary to %d (overhead=%v)",
			index, boundary, clock.Duration(clock.Dist(l.clk.Now(), boundary)),
		)
	}
	return boundary, skipped
}

func (l *loop) report(r Report) {
	select {
	case l.links.Reports <- r:
	default:
		l.msg.Warnf("report for period %d dropped: decision process not listening", r.Index)
	}
}

func (l *loop) telemetry(index uint64, evt Evidence, plan Plan) {
	if l.links.Telemetry == nil {
		return
	}
	tlm := Telemetry{
		Index:    index,
		Evidence: evt.network(l.cfg.plot),
		Plan:     plan.network(l.cfg.plot),
	}
	select {
	case l.links.Telemetry <- tlm:
	default:
	}
}

// await waits for the plan tagged tag, until the clock reaches deadline.
// Plans with another tag are discarded.
func (l *loop) await(ctx context.Context, tag uint64, deadline clock.Sample) (Plan, bool, error) {
	tick := time.NewTicker(l.cfg.poll)
	defer tick.Stop()

	for {
		if !clock.Before(l.clk.Now(), deadline) {
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case dec := <-l.links.Decisions:
			if dec.Index != tag {
				l.msg.Warnf("mismatch: received plan %d for period %d", dec.Index, tag)
				continue
			}
			if err := l.validate(dec.Plan); err != nil {
				l.msg.Errorf("discarding plan %d: %+v", dec.Index, err)
				continue
			}
			return dec.Plan, true, nil
		case <-tick.C:
		}
	}
}

func (l *loop) validate(plan Plan) error {
	for _, p := range plan {
		if p.Site.Slot < 0 || p.Site.Slot >= rhs.LinesPerChip || p.Site.Network < 0 {
			return fmt.Errorf("sched: invalid site %+v", p.Site)
		}
		if e := l.cfg.mapping(p.Site); int(e) >= rhs.NumElectrodes {
			return fmt.Errorf("sched: site %+v maps to invalid electrode %d", p.Site, e)
		}
	}
	return nil
}

// groups merges the plan into delay groups, by descending delay.
func (l *loop) groups(plan Plan) rhs.Plan {
	var (
		idx = make(map[int32]int)
		o   rhs.Plan
	)
	for _, p := range plan {
		i, ok := idx[p.Delay]
		if !ok {
			i = len(o)
			idx[p.Delay] = i
			o = append(o, rhs.Entry{Delay: p.Delay})
		}
		o[i].Electrodes = append(o[i].Electrodes, l.cfg.mapping(p.Site))
	}
	sort.Slice(o, func(i, j int) bool { return o[i].Delay > o[j].Delay })
	return o
}

// send hands frames to the transport. The hand-off gives up at deadline:
// frames still pending then are dropped.
func (l *loop) send(ctx context.Context, deadline clock.Sample, frames []rhs.Frame) error {
	left := 0
	if now := l.clk.Now(); clock.Before(now, deadline) {
		left = clock.Dist(now, deadline)
	}
	sctx, cancel := context.WithTimeout(ctx, clock.Duration(left))
	defer cancel()

	for i, f := range frames {
		err := l.out.Send(sctx, f)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			l.msg.Warnf(
				"transport busy past deadline %d: dropping %d frames (%+v)",
				deadline, len(frames)-i, err,
			)
			return nil
		}
	}
	return nil
}
