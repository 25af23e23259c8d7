// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stimsrv runs the stimulation controller: the USB transport, the
// active scheduler and the control port.
package stimsrv // import "github.com/go-lpc/stim/stimsrv"

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-daq/tdaq/log"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/sched"
	"golang.org/x/sync/errgroup"
)

// Mode is the operating mode of the controller.
type Mode int

const (
	Idle        Mode = 0 // no scheduler, queues discarded
	Spontaneous Mode = 1 // recording of spontaneous activity, no stimulation
	ClosedLoop  Mode = 2
	OpenLoop    Mode = 3
	Restart     Mode = 4 // closed loop restarted from a fresh period index
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Spontaneous:
		return "spontaneous"
	case ClosedLoop:
		return "closed-loop"
	case OpenLoop:
		return "open-loop"
	case Restart:
		return "restart"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Hardware is the command path to the stimulator.
type Hardware interface {
	Send(ctx context.Context, f rhs.Frame) error
	WriteRegisters(ctx context.Context, p []byte) error
	SetPort(ctx context.Context, port uint16) error
	Run(ctx context.Context) error
}

// Option configures a controller.
type Option func(*config)

type config struct {
	settings rhs.Settings
	sched    []sched.Option
	addr     string
	port     uint16
	queue    int
	mode     Mode
}

func newConfig() config {
	return config{
		settings: rhs.DefaultSettings,
		queue:    8,
		mode:     Idle,
	}
}

// WithSettings sets the stimulator settings sent at start-up.
func WithSettings(s rhs.Settings) Option {
	return func(cfg *config) {
		cfg.settings = s
	}
}

// WithSchedOptions sets the options of the schedulers.
func WithSchedOptions(opts ...sched.Option) Option {
	return func(cfg *config) {
		cfg.sched = append(cfg.sched, opts...)
	}
}

// WithControl serves the control port on addr.
func WithControl(addr string) Option {
	return func(cfg *config) {
		cfg.addr = addr
	}
}

// WithPort announces the UDP data port to the hardware at start-up.
func WithPort(port uint16) Option {
	return func(cfg *config) {
		cfg.port = port
	}
}

// WithQueue sets the depth of the evidence, report and decision queues.
func WithQueue(n int) Option {
	return func(cfg *config) {
		cfg.queue = n
	}
}

// WithMode sets the mode entered at start-up.
func WithMode(m Mode) Option {
	return func(cfg *config) {
		cfg.mode = m
	}
}

type modeReq struct {
	mode Mode
	errc chan error
}

type job struct {
	mode   Mode
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller owns the scheduler lifecycle.
type Controller struct {
	clk clock.Reader
	hw  Hardware
	msg log.MsgStream
	cfg config
	win *sched.Window

	evts chan sched.Evidence
	reps chan sched.Report
	decs chan sched.Decision
	tlms chan sched.Telemetry

	reqs chan modeReq

	mu   sync.RWMutex
	mode Mode
}

// New creates a controller driving hw, paced by clk.
func New(clk clock.Reader, hw Hardware, msg log.MsgStream, opts ...Option) *Controller {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Controller{
		clk:  clk,
		hw:   hw,
		msg:  msg,
		cfg:  cfg,
		win:  new(sched.Window),
		evts: make(chan sched.Evidence, cfg.queue),
		reps: make(chan sched.Report, cfg.queue),
		decs: make(chan sched.Decision, cfg.queue),
		tlms: make(chan sched.Telemetry, cfg.queue),
		reqs: make(chan modeReq),
		mode: Idle,
	}
}

// Window returns the response window published by the closed loop.
func (ctl *Controller) Window() *sched.Window { return ctl.win }

// Telemetry returns the stream of completed periods.
func (ctl *Controller) Telemetry() <-chan sched.Telemetry { return ctl.tlms }

// Mode returns the current mode.
func (ctl *Controller) Mode() Mode {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	return ctl.mode
}

// Run starts the hardware command path, initializes the stimulator chips
// and serves mode changes until ctx is done.
func (ctl *Controller) Run(ctx context.Context) error {
	err := ctl.cfg.settings.Validate()
	if err != nil {
		return fmt.Errorf("stimsrv: invalid settings: %w", err)
	}

	var srv *server
	if ctl.cfg.addr != "" {
		srv, err = newServer(ctl, ctl.cfg.addr)
		if err != nil {
			return fmt.Errorf("stimsrv: could not create control server: %w", err)
		}
	}

	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return ctl.hw.Run(ctx)
	})

	if srv != nil {
		grp.Go(func() error {
			<-ctx.Done()
			return srv.close()
		})
		grp.Go(func() error {
			return srv.serve(ctx)
		})
	}

	grp.Go(func() error {
		err := ctl.init(ctx)
		if err != nil {
			return err
		}
		return ctl.supervise(ctx)
	})

	return grp.Wait()
}

func (ctl *Controller) init(ctx context.Context) error {
	if ctl.cfg.port != 0 {
		err := ctl.hw.SetPort(ctx, ctl.cfg.port)
		if err != nil {
			return fmt.Errorf("stimsrv: could not set UDP port: %w", err)
		}
	}

	f := rhs.RegisterFrame(clock.Immediate, rhs.InitWrites(ctl.cfg.settings))
	err := ctl.hw.Send(ctx, f)
	if err != nil {
		return fmt.Errorf("stimsrv: could not initialize stimulator: %w", err)
	}
	ctl.msg.Infof(
		"stimulator initialized (amp=%d, step=%s, recovery=%s)",
		ctl.cfg.settings.Amplitude, ctl.cfg.settings.Step, ctl.cfg.settings.Recovery,
	)
	return nil
}

// SetMode switches the controller to mode m. The running scheduler is
// stopped and the queues are emptied before the new one starts.
func (ctl *Controller) SetMode(ctx context.Context, m Mode) error {
	switch m {
	case Idle, Spontaneous, ClosedLoop, OpenLoop, Restart:
	default:
		return fmt.Errorf("stimsrv: invalid mode %d", int(m))
	}

	req := modeReq{mode: m, errc: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return fmt.Errorf("stimsrv: could not request mode %v: %w", m, ctx.Err())
	case ctl.reqs <- req:
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("stimsrv: could not switch to mode %v: %w", m, ctx.Err())
	case err := <-req.errc:
		return err
	}
}

func (ctl *Controller) supervise(ctx context.Context) error {
	var cur *job
	defer func() {
		ctl.stop(cur)
	}()

	if ctl.cfg.mode != Idle {
		cur = ctl.start(ctx, ctl.cfg.mode)
	}

	for {
		var done <-chan struct{}
		if cur != nil {
			done = cur.done
		}

		select {
		case <-ctx.Done():
			return nil

		case <-done:
			ctl.msg.Warnf("%v scheduler stopped", cur.mode)
			cur = nil
			ctl.setMode(Idle)

		case req := <-ctl.reqs:
			old := ctl.Mode()
			ctl.msg.Infof("changing mode from %v to %v", old, req.mode)
			if req.mode == ClosedLoop && cur != nil && cur.mode == ClosedLoop {
				req.errc <- nil
				continue
			}
			ctl.stop(cur)
			cur = nil
			ctl.drain()
			cur = ctl.start(ctx, req.mode)
			req.errc <- nil
		}
	}
}

func (ctl *Controller) start(ctx context.Context, m Mode) *job {
	var run func(context.Context) error
	links := sched.Links{
		Evidence:  ctl.evts,
		Reports:   ctl.reps,
		Decisions: ctl.decs,
		Telemetry: ctl.tlms,
	}
	switch m {
	case ClosedLoop, Restart:
		m = ClosedLoop
		run = sched.NewClosedLoop(ctl.clk, ctl.win, links, ctl.hw, ctl.msg, ctl.cfg.sched...).Run
	case OpenLoop:
		links.Evidence = nil
		run = sched.NewBlind(ctl.clk, links, ctl.hw, ctl.msg, ctl.cfg.sched...).Run
	}
	ctl.setMode(m)
	if run == nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	j := &job{mode: m, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(j.done)
		err := run(ctx)
		if err != nil {
			ctl.msg.Errorf("%v scheduler failed: %+v", m, err)
		}
	}()
	return j
}

func (ctl *Controller) stop(j *job) {
	if j == nil {
		return
	}
	j.cancel()
	<-j.done
	ctl.msg.Infof("stopped %v scheduler", j.mode)
}

func (ctl *Controller) setMode(m Mode) {
	ctl.mu.Lock()
	ctl.mode = m
	ctl.mu.Unlock()
}

// drain discards the pending evidence, reports and decisions.
func (ctl *Controller) drain() {
	n := 0
	for {
		select {
		case <-ctl.evts:
		case <-ctl.reps:
		case <-ctl.decs:
		default:
			if n > 0 {
				ctl.msg.Debugf("emptied queues (%d items)", n)
			}
			return
		}
		n++
	}
}

// Evidence queues the spike evidence of the response window starting at
// start, and marks that window complete. Evidence is dropped when the queue
// is full, when no closed loop runs or when the window has already moved on.
func (ctl *Controller) Evidence(start clock.Sample, evt sched.Evidence) {
	if ctl.Mode() != ClosedLoop {
		return
	}
	if cur, _ := ctl.win.Bounds(); cur != start {
		ctl.msg.Warnf("stale evidence for window %d (current=%d): dropping table", start, cur)
		return
	}
	select {
	case ctl.evts <- evt:
	default:
		ctl.msg.Warnf("evidence queue full: dropping table")
		return
	}
	if !ctl.win.Complete(start) {
		ctl.msg.Warnf("window %d closed while queuing its evidence", start)
	}
}

// Report returns the next period report.
func (ctl *Controller) Report(ctx context.Context) (sched.Report, error) {
	select {
	case <-ctx.Done():
		return sched.Report{}, fmt.Errorf("stimsrv: could not receive report: %w", ctx.Err())
	case r := <-ctl.reps:
		return r, nil
	}
}

// Decide queues the plan of a period.
func (ctl *Controller) Decide(ctx context.Context, d sched.Decision) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("stimsrv: could not queue plan %d: %w", d.Index, ctx.Err())
	case ctl.decs <- d:
		return nil
	}
}

// SetAmplitude sets the stimulation current amplitude, in steps, on all
// electrodes. The amplitude is clipped to [1, 255].
func (ctl *Controller) SetAmplitude(ctx context.Context, amp int) error {
	switch {
	case amp > 255:
		ctl.msg.Warnf("high amplitude %d: clipping to 255", amp)
		amp = 255
	case amp <= 0:
		ctl.msg.Warnf("low amplitude %d: setting to 1", amp)
		amp = 1
	}
	f := rhs.RegisterFrame(clock.Immediate, rhs.AmplitudeWrites(uint8(amp)))
	err := ctl.hw.Send(ctx, f)
	if err != nil {
		return fmt.Errorf("stimsrv: could not set amplitude: %w", err)
	}
	return nil
}

// SetDigAux switches the digital auxiliary outputs at target. Targets with
// the clock.Immediate bit set apply on reception.
func (ctl *Controller) SetDigAux(ctx context.Context, on bool, target uint32) error {
	f := rhs.RegisterFrame(target, rhs.DigAuxWrites(on))
	err := ctl.hw.Send(ctx, f)
	if err != nil {
		return fmt.Errorf("stimsrv: could not set digital aux outputs: %w", err)
	}
	return nil
}

// WriteRegisters sends raw FPGA register writes.
func (ctl *Controller) WriteRegisters(ctx context.Context, p []byte) error {
	err := ctl.hw.WriteRegisters(ctx, p)
	if err != nil {
		return fmt.Errorf("stimsrv: could not write FPGA registers: %w", err)
	}
	return nil
}

// ReadRegisters requests a read-back of the given chip registers.
func (ctl *Controller) ReadRegisters(ctx context.Context, regs []uint8) error {
	f := rhs.ReadFrame(clock.Immediate, regs)
	err := ctl.hw.Send(ctx, f)
	if err != nil {
		return fmt.Errorf("stimsrv: could not read chip registers: %w", err)
	}
	return nil
}
