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

// Blind applies externally provided plans at each period boundary,
// without collecting evidence.
type Blind struct {
	loop
}

// NewBlind creates an open-loop scheduler.
func NewBlind(clk clock.Reader, links Links, out Sender, msg log.MsgStream, opts ...Option) *Blind {
	return &Blind{loop: newLoop(clk, links, out, msg, opts)}
}

// Run schedules periods until ctx is done.
func (s *Blind) Run(ctx context.Context) error {
	var (
		t        = s.cfg.timing
		start    = s.first()
		index    = s.cfg.first
		received = false
	)
	s.msg.Infof("open loop: first period %d at %d (now=%d)", index, start, s.clk.Now())

	for {
		_, err := s.waitUntil(ctx, start, nil)
		if err != nil {
			return nil
		}

		s.report(Report{Index: index, Received: received})
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
		s.telemetry(index, nil, plan)

		start = boundary
		index += 1 + uint64(skipped)
	}
}

func (s *Blind) dispatch(ctx context.Context, boundary clock.Sample, plan Plan) error {
	groups := s.groups(plan)
	if len(groups) <= FIFODepth {
		return s.send(ctx, boundary, s.enc.Encode(boundary, groups))
	}

	// the hardware cannot buffer every group: stream them, each just
	// before its own deadline.
	for _, g := range groups {
		deadline := boundary
		if g.Delay >= 0 {
			deadline = clock.Add(boundary, -int(g.Delay))
			_, err := s.waitUntil(ctx, clock.Add(deadline, -s.cfg.timing.MinCommandDelay), nil)
			if err != nil {
				return err
			}
		}
		err := s.send(ctx, deadline, s.enc.Encode(boundary, rhs.Plan{g}))
		if err != nil {
			return err
		}
	}
	s.msg.Debugf("streamed %d delay groups before boundary %d", len(groups), boundary)
	return nil
}
