// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sched

import (
	"sync"

	"github.com/go-lpc/stim/clock"
)

// Window is the response window of the current period, shared with the
// spike detector.
type Window struct {
	mu    sync.Mutex
	start clock.Sample
	end   clock.Sample
	over  bool
}

func (w *Window) publish(start, end clock.Sample) {
	w.mu.Lock()
	w.start = start
	w.end = end
	w.over = false
	w.mu.Unlock()
}

// Bounds returns the [start, end) bounds of the window.
func (w *Window) Bounds() (start, end clock.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.start, w.end
}

// Contains reports whether s falls inside the window.
func (w *Window) Contains(s clock.Sample) bool {
	start, end := w.Bounds()
	return !clock.Before(s, start) && clock.Before(s, end)
}

// MarkOver signals the evidence of the window is complete.
func (w *Window) MarkOver() {
	w.mu.Lock()
	w.over = true
	w.mu.Unlock()
}

// Over reports whether the evidence of the window is complete.
func (w *Window) Over() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.over
}

// Complete marks the window over if it still starts at start.
// It reports whether the window was marked.
func (w *Window) Complete(start clock.Sample) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.start != start {
		return false
	}
	w.over = true
	return true
}
