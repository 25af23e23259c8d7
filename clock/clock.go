// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package clock holds the wrapping hardware sample counter and the
// wraparound-safe arithmetic used to compare points on it.
package clock // import "github.com/go-lpc/stim/clock"

import (
	"sync/atomic"
	"time"
)

const (
	Rate    = 17361     // sampling frequency in Hz
	Modulus = 1_562_500 // the counter wraps back to zero after ~90s of samples

	// Immediate marks a target time that the hardware executes on reception.
	// The low bits then carry an offset relative to reception.
	Immediate = 0x80000000
)

// Sample is a position on the wrapping sample clock, in [0, Modulus).
type Sample uint32

// Before reports whether a comes strictly before b on the circular clock.
// Points more than half a wrap apart are considered to be in the past.
func Before(a, b Sample) bool {
	return (int64(b)-int64(a)+3*Modulus/2)%Modulus > Modulus/2
}

// After reports whether a comes strictly after b on the circular clock.
func After(a, b Sample) bool {
	return Before(b, a)
}

// Add moves s by n samples, wrapping around Modulus.
// n may be negative.
func Add(s Sample, n int) Sample {
	v := (int64(s) + int64(n)) % Modulus
	if v < 0 {
		v += Modulus
	}
	return Sample(v)
}

// Dist returns the forward distance, in samples, from a to b.
func Dist(a, b Sample) int {
	return int((int64(b) - int64(a) + Modulus) % Modulus)
}

// Align returns the first cycle boundary at or below now, moved forward
// by offset samples.
func Align(now Sample, cycle, offset int) Sample {
	base := (int(now) / cycle) * cycle
	return Add(Sample(base), offset)
}

// Duration converts a number of samples into wall-clock time.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / Rate
}

// Reader is a read-only view on the sample clock.
type Reader interface {
	Now() Sample
}

// Clock is the single-writer handle on the sample clock.
// Acquisition calls Set; every other component only reads it.
type Clock struct {
	v atomic.Uint32
}

// New returns a clock starting at s.
func New(s Sample) *Clock {
	clk := &Clock{}
	clk.Set(s)
	return clk
}

// Set publishes the newest sample counter received from the hardware.
func (clk *Clock) Set(s Sample) {
	clk.v.Store(uint32(s) % Modulus)
}

// Now returns the last published sample counter.
func (clk *Clock) Now() Sample {
	return Sample(clk.v.Load())
}

var _ Reader = (*Clock)(nil)
