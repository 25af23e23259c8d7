// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"context"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
)

// ClosedLoop stimulates in response to the spike evidence of each period.
type ClosedLoop struct {
	loop
	win *Window
}

// NewClosedLoop creates a closed-loop scheduler publishing its response
// windows in win.
func NewClosedLoop(clk clock.Reader, win *Window, links Links, out Sender, msg log.MsgStream, opts ...Option) *ClosedLoop {
	return &ClosedLoop{
		loop: newLoop(clk, links, out, msg, opts),
		win:  win,
	}
}

// Run schedules periods until ctx is done.
func (s *ClosedLoop) Run(ctx context.Context) error {
	var (
		t        = s.cfg.timing
		start    = s.first()
		index    = s.cfg.first
		received = false
	)
	s.msg.Infof("closed loop: first period %d at %d (now=%d)", index, start, s.clk.Now())

	for {
		s.win.publish(start, clock.Add(start, t.Window))

		limit := clock.Add(start, t.Window+t.DetectSlack)
		over, err := s.waitUntil(ctx, limit, s.win.Over)
		if err != nil {
			return nil
		}

		evt := s.collect(over, index)

		s.report(Report{Index: index, Evidence: evt, Received: received})
		received = false

		boundary, skipped := s.advance(start, index)
		deadline := clock.Add(boundary, -t.MinDecisionDelay)

		plan, ok, err := s.await(ctx, index+1, deadline)
		if err != nil {
			return nil
		}
		if ok {
			received = true
			err = s.dispatch(ctx, boundary, plan)
			if err != nil {
				return nil
			}
		}

		s.telemetry(index, evt, plan)
		s.msg.Debugf(
			"period %d done: %d pulses, boundary=%d, now=%d",
			index, len(plan), boundary, s.clk.Now(),
		)

		start = boundary
		index += 1 + uint64(skipped)
	}
}

// collect returns the evidence of the period. When the detector did not
// complete the window in time, queued evidence is stale and discarded.
func (s *ClosedLoop) collect(over bool, index uint64) Evidence {
	var (
		evt Evidence
		n   int
	)
drain:
	for {
		select {
		case v := <-s.links.Evidence:
			evt = v
			n++
		default:
			break drain
		}
	}

	if !over {
		s.win.MarkOver()
		if n > 0 {
			s.msg.Warnf("missed detection for period %d: discarding %d stale evidence tables", index, n)
		} else {
			s.msg.Warnf("missed detection for period %d", index)
		}
		evt = nil
	}
	if evt == nil {
		evt = make(Evidence)
	}
	return evt
}

func (s *ClosedLoop) dispatch(ctx context.Context, boundary clock.Sample, plan Plan) error {
	groups := s.groups(plan)
	if len(groups) == 0 {
		return nil
	}
	if s.cfg.artefact {
		groups[0].Phase |= rhs.Start
		groups[len(groups)-1].Phase |= rhs.End
	}
	return s.send(ctx, boundary, s.enc.Encode(boundary, groups))
}
