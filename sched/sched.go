// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sched paces stimulation periods against the sample clock,
// exchanges spike evidence for stimulation plans and hands the encoded
// command frames to the transport.
package sched // import "github.com/go-lpc/stim/sched"

import (
	"context"
	"time"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
)

const (
	Cycle            = 4340      // period length (250ms)
	ResponseWindow   = 434       // evoked response window (25ms)
	StartOffset      = 6 * Cycle // delay before the first period
	DetectSlack      = 173       // maximum spike detection latency
	MinDecisionDelay = 1388      // plans must be ready this long before the boundary
	MinCommandDelay  = 1041      // streamed commands are sent this long before their target

	// FIFODepth is the number of delay groups the hardware can buffer.
	FIFODepth = 7
)

// Timing holds the period pacing parameters, in samples.
type Timing struct {
	Cycle            int
	Window           int
	StartOffset      int
	DetectSlack      int
	MinDecisionDelay int
	MinCommandDelay  int
}

// DefaultTiming is the pacing of the instrument.
var DefaultTiming = Timing{
	Cycle:            Cycle,
	Window:           ResponseWindow,
	StartOffset:      StartOffset,
	DetectSlack:      DetectSlack,
	MinDecisionDelay: MinDecisionDelay,
	MinCommandDelay:  MinCommandDelay,
}

// Site is an electrode of a network.
type Site struct {
	Network int
	Slot    int
}

// Evidence holds, per site, the spike offsets relative to period start.
type Evidence map[Site][]int32

func (evt Evidence) network(n int) Evidence {
	o := make(Evidence)
	for site, v := range evt {
		if site.Network == n {
			o[site] = v
		}
	}
	return o
}

// Pulse requests a stimulation of a site, Delay samples before the
// period boundary. A negative delay executes immediately, -Delay samples
// after reception.
type Pulse struct {
	Delay int32
	Site  Site
}

// Plan is the stimulation decided for a period.
type Plan []Pulse

func (plan Plan) network(n int) Plan {
	var o Plan
	for _, p := range plan {
		if p.Site.Network == n {
			o = append(o, p)
		}
	}
	return o
}

// Report is sent downstream once per period.
type Report struct {
	Index    uint64
	Evidence Evidence
	Received bool // whether the previous plan was received in time
}

// Decision is the plan for the period following Index-1.
type Decision struct {
	Index uint64
	Plan  Plan
}

// Telemetry describes a completed period, for the plot network.
type Telemetry struct {
	Index    uint64
	Evidence Evidence
	Plan     Plan
}

// Mapping maps a site to its stimulation electrode.
type Mapping func(Site) rhs.Electrode

// DefaultMapping maps the networks onto consecutive groups of 15 electrodes.
func DefaultMapping(s Site) rhs.Electrode {
	return rhs.Electrode(s.Network*rhs.LinesPerChip + s.Slot)
}

// Sender delivers command frames to the hardware.
type Sender interface {
	Send(ctx context.Context, f rhs.Frame) error
}

// Links holds the channels a scheduler exchanges data with.
// Telemetry is optional. Evidence is only used by the closed loop.
type Links struct {
	Evidence  <-chan Evidence
	Reports   chan<- Report
	Decisions <-chan Decision
	Telemetry chan<- Telemetry
}

// Option configures a scheduler.
type Option func(*config)

type config struct {
	timing   Timing
	poll     time.Duration
	artefact bool
	mapping  Mapping
	plot     int
	first    uint64
	pulse    rhs.Timing
}

func newConfig() config {
	return config{
		timing:   DefaultTiming,
		poll:     time.Millisecond,
		artefact: true,
		mapping:  DefaultMapping,
		pulse:    rhs.DefaultTiming,
	}
}

// WithTiming sets the period pacing.
func WithTiming(t Timing) Option {
	return func(cfg *config) {
		cfg.timing = t
	}
}

// WithPoll sets the clock polling interval.
func WithPoll(d time.Duration) Option {
	return func(cfg *config) {
		cfg.poll = d
	}
}

// WithArtefactCancellation enables the bandpass pole shift around the
// pulses of a closed-loop period.
func WithArtefactCancellation(v bool) Option {
	return func(cfg *config) {
		cfg.artefact = v
	}
}

// WithMapping sets the site to electrode mapping.
func WithMapping(m Mapping) Option {
	return func(cfg *config) {
		cfg.mapping = m
	}
}

// WithPlotNetwork selects the network sent on the telemetry channel.
func WithPlotNetwork(n int) Option {
	return func(cfg *config) {
		cfg.plot = n
	}
}

// WithFirstIndex sets the index of the first period.
func WithFirstIndex(i uint64) Option {
	return func(cfg *config) {
		cfg.first = i
	}
}

// WithPulse sets the pulse shape.
func WithPulse(t rhs.Timing) Option {
	return func(cfg *config) {
		cfg.pulse = t
	}
}

// loop holds the pacing machinery shared by both schedulers.
type loop struct {
	clk   clock.Reader
	links Links
	out   Sender
	enc   *rhs.Encoder
	msg   log.MsgStream
	cfg   config
}

func newLoop(clk clock.Reader, links Links, out Sender, msg log.MsgStream, opts []Option) loop {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return loop{
		clk:   clk,
		links: links,
		out:   out,
		enc:   rhs.NewEncoder(cfg.pulse),
		msg:   msg,
		cfg:   cfg,
	}
}
