// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stim-srv starts a TDAQ server driving the stimulator.
//
// The server receives the sample clock on /clock, the hardware receive
// counter on /ack and the spike evidence of each response window on /spikes.
// Response windows are published on /window, completed periods on
// /telemetry.
// Plans are exchanged over the control port (see stim-ctl).
package main // import "github.com/go-lpc/stim/cmd/stim-srv"

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/go-daq/tdaq"
	"github.com/go-daq/tdaq/flags"
	"github.com/go-lpc/stim"
	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/sched"
	"github.com/go-lpc/stim/stimdb"
	"github.com/go-lpc/stim/stimsrv"
	"github.com/go-lpc/stim/usb"
	"github.com/go-lpc/stim/usb/bulk"
	"github.com/go-lpc/stim/usb/ftdidev"
	"github.com/sbinet/pmon"
)

func main() {
	log.SetPrefix("stim-srv: ")
	log.SetFlags(0)

	var (
		ctlAddr = flag.String("ctl", ":44100", "[ip]:port of the control port")
		dump    = flag.String("dump", "", "record USB transfers to file instead of driving the device")
		devKind = flag.String("dev", "bulk", "command path to the hardware (bulk, ftdi)")
		dsn     = flag.String("db", "", "MySQL DSN of the condition DB")
		setup   = flag.String("setup", "default", "name of the setup in the condition DB")
		udp     = flag.Uint("udp", 0, "UDP port the hardware streams its data to")
		mode    = flag.Int("mode", int(stimsrv.ClosedLoop), "mode entered on /start")
		plot    = flag.Int("plot", 0, "network published on /telemetry")
		doMon   = flag.Bool("pmon", false, "enable pmon monitoring")
		freq    = flag.Duration("freq", 1*time.Second, "pmon frequency")
		mlock   = flag.Bool("mlock", false, "lock the process memory")
	)

	cmd := flags.New()

	if v, _ := stim.Version(); v != "" {
		log.Printf("version: %s", v)
	}

	if *mode < int(stimsrv.Idle) || *mode > int(stimsrv.Restart) {
		log.Fatalf("invalid mode %d", *mode)
	}
	if *udp > 0xffff {
		log.Fatalf("invalid UDP port %d", *udp)
	}
	switch *devKind {
	case "bulk", "ftdi":
	default:
		log.Fatalf("invalid device kind %q", *devKind)
	}

	if *mlock {
		err := lockMemory()
		if err != nil {
			log.Fatalf("could not lock memory: %+v", err)
		}
	}

	if *doMon {
		err := monitor(*freq)
		if err != nil {
			log.Fatalf("could not start monitoring: %+v", err)
		}
	}

	dev := newStim(config{
		ctl:   *ctlAddr,
		dump:  *dump,
		kind:  *devKind,
		dsn:   *dsn,
		setup: *setup,
		udp:   uint16(*udp),
		mode:  stimsrv.Mode(*mode),
		plot:  *plot,
	})

	srv := tdaq.New(cmd, os.Stdout)
	srv.CmdHandle("/config", dev.OnConfig)
	srv.CmdHandle("/init", dev.OnInit)
	srv.CmdHandle("/reset", dev.OnReset)
	srv.CmdHandle("/start", dev.OnStart)
	srv.CmdHandle("/stop", dev.OnStop)
	srv.CmdHandle("/quit", dev.OnQuit)

	srv.InputHandle("/clock", dev.onClock)
	srv.InputHandle("/ack", dev.onAck)
	srv.InputHandle("/spikes", dev.onSpikes)

	srv.OutputHandle("/window", dev.window)
	srv.OutputHandle("/telemetry", dev.telemetry)

	srv.RunHandle(dev.run)

	err := srv.Run(context.Background())
	if err != nil {
		log.Panicf("error: %+v", err)
	}
}

func monitor(freq time.Duration) error {
	p, err := pmon.Monitor(os.Getpid())
	if err != nil {
		return fmt.Errorf("could not monitor pid=%d: %w", os.Getpid(), err)
	}
	f, err := os.Create(filepath.Join(os.TempDir(), fmt.Sprintf("stim-srv-%d-pmon.log", os.Getpid())))
	if err != nil {
		return fmt.Errorf("could not create pmon log file: %w", err)
	}
	p.W = f
	p.Freq = freq

	go func() {
		defer f.Close()
		log.Printf("run pmon (log=%q)...", f.Name())
		err := p.Run()
		if err != nil {
			log.Printf("could not run pmon: %+v", err)
		}
	}()
	return nil
}

type config struct {
	ctl   string
	dump  string
	kind  string // bulk or ftdi
	dsn   string
	setup string
	udp   uint16
	mode  stimsrv.Mode
	plot  int
}

type stimulator struct {
	cfg config

	settings rhs.Settings
	mapping  sched.Mapping
	db       *stimdb.DB

	clk  *clock.Clock
	acks chan uint8
	dev  io.WriteCloser
	ctl  atomic.Pointer[stimsrv.Controller]
	poll time.Duration // /window polling period
	last [2]clock.Sample

	alert func()
}

func newStim(cfg config) *stimulator {
	return &stimulator{
		cfg:      cfg,
		settings: rhs.DefaultSettings,
		mapping:  sched.DefaultMapping,
		clk:      clock.New(0),
		acks:     make(chan uint8, 256),
		poll:     time.Millisecond,
		alert:    alertMail,
	}
}

func (dev *stimulator) OnConfig(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /config command...")
	if dev.cfg.dsn == "" {
		ctx.Msg.Infof("no condition DB: using default settings")
		return nil
	}

	db, err := stimdb.Open(dev.cfg.dsn)
	if err != nil {
		return fmt.Errorf("could not open condition DB: %w", err)
	}
	dev.db = db

	dev.settings, err = db.Settings(ctx.Ctx, dev.cfg.setup)
	if err != nil {
		return fmt.Errorf("could not retrieve settings for %q: %w", dev.cfg.setup, err)
	}

	dev.mapping, err = db.Mapping(ctx.Ctx, dev.cfg.setup)
	if err != nil {
		return fmt.Errorf("could not retrieve mapping for %q: %w", dev.cfg.setup, err)
	}
	ctx.Msg.Infof("settings for %q from %q: %+v", dev.cfg.setup, db.Name(), dev.settings)
	return nil
}

func (dev *stimulator) OnInit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /init command...")
	err := dev.closeDevice()
	if err != nil {
		ctx.Msg.Warnf("could not close previous device: %+v", err)
	}

	var (
		w    io.Writer
		acks <-chan uint8 = dev.acks
	)
	switch {
	case dev.cfg.dump == "" && dev.cfg.kind == "ftdi":
		d, err := ftdidev.Open(ftdidev.VendorID, ftdidev.ProductID)
		if err != nil {
			return fmt.Errorf("could not open stimulator device: %w", err)
		}
		dev.dev = d
		w = d
	case dev.cfg.dump == "":
		d, err := bulk.Open(bulk.VendorID, bulk.ProductID)
		if err != nil {
			return fmt.Errorf("could not open stimulator device: %w", err)
		}
		dev.dev = d
		w = d
	default:
		f, err := os.Create(dev.cfg.dump)
		if err != nil {
			return fmt.Errorf("could not create USB dump file: %w", err)
		}
		rec := usb.NewRecorder(f)
		lb := usb.NewLoopback(rec)
		dev.dev = rec
		w = lb
		acks = lb.Acks()
		ctx.Msg.Infof("recording USB transfers to %q", dev.cfg.dump)
	}

	tr := usb.New(w, acks, ctx.Msg, usb.WithUnreachable(func() { go dev.alert() }))

	opts := []stimsrv.Option{
		stimsrv.WithSettings(dev.settings),
		stimsrv.WithMode(dev.cfg.mode),
		stimsrv.WithPort(dev.cfg.udp),
		stimsrv.WithSchedOptions(
			sched.WithMapping(dev.mapping),
			sched.WithPlotNetwork(dev.cfg.plot),
			sched.WithPulse(dev.settings.Timing),
		),
	}
	if dev.cfg.ctl != "" {
		opts = append(opts, stimsrv.WithControl(dev.cfg.ctl))
	}
	dev.ctl.Store(stimsrv.New(dev.clk, tr, ctx.Msg, opts...))
	return nil
}

func (dev *stimulator) OnReset(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /reset command...")
	dev.ctl.Store(nil)
	return dev.closeDevice()
}

func (dev *stimulator) OnStart(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /start command...")
	if dev.ctl.Load() == nil {
		return fmt.Errorf("stimulator not initialized")
	}
	if dev.db == nil {
		return nil
	}

	err := dev.db.Record(ctx.Ctx, stimdb.Session{
		Setup:    dev.cfg.setup,
		Mode:     dev.cfg.mode.String(),
		Start:    time.Now(),
		Settings: dev.settings,
	})
	if err != nil {
		ctx.Msg.Errorf("could not record session: %+v", err)
	}
	return nil
}

func (dev *stimulator) OnStop(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /stop command...")
	return nil
}

func (dev *stimulator) OnQuit(ctx tdaq.Context, resp *tdaq.Frame, req tdaq.Frame) error {
	ctx.Msg.Debugf("received /quit command...")
	dev.ctl.Store(nil)
	err := dev.closeDevice()
	if err != nil {
		return err
	}
	if dev.db != nil {
		err = dev.db.Close()
		dev.db = nil
		if err != nil {
			return fmt.Errorf("could not close condition DB: %w", err)
		}
	}
	return nil
}

func (dev *stimulator) closeDevice() error {
	if dev.dev == nil {
		return nil
	}
	err := dev.dev.Close()
	dev.dev = nil
	if err != nil {
		return fmt.Errorf("could not close stimulator device: %w", err)
	}
	return nil
}

func (dev *stimulator) onClock(ctx tdaq.Context, src tdaq.Frame) error {
	dec := tdaq.NewDecoder(bytes.NewReader(src.Body))
	v := dec.ReadU32()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("could not decode sample clock: %w", err)
	}
	dev.clk.Set(clock.Sample(v))
	return nil
}

func (dev *stimulator) onAck(ctx tdaq.Context, src tdaq.Frame) error {
	dec := tdaq.NewDecoder(bytes.NewReader(src.Body))
	v := dec.ReadU8()
	if err := dec.Err(); err != nil {
		return fmt.Errorf("could not decode receive counter: %w", err)
	}
	select {
	case dev.acks <- v:
	default:
		ctx.Msg.Warnf("receive counter queue full: dropping %d", v)
	}
	return nil
}

func (dev *stimulator) onSpikes(ctx tdaq.Context, src tdaq.Frame) error {
	start, evt, err := stimsrv.DecodeEvidence(src.Body)
	if err != nil {
		return err
	}
	if ctl := dev.ctl.Load(); ctl != nil {
		ctl.Evidence(start, evt)
	}
	return nil
}

// window publishes each new response window to the spike detector.
func (dev *stimulator) window(ctx tdaq.Context, dst *tdaq.Frame) error {
	tick := time.NewTicker(dev.poll)
	defer tick.Stop()

	for {
		if ctl := dev.ctl.Load(); ctl != nil {
			beg, end := ctl.Window().Bounds()
			if beg != end && (beg != dev.last[0] || end != dev.last[1]) {
				dev.last = [2]clock.Sample{beg, end}
				dst.Body = stimsrv.EncodeWindow(beg, end)
				return nil
			}
		}
		select {
		case <-ctx.Ctx.Done():
			dst.Body = nil
			return nil
		case <-tick.C:
		}
	}
}

func (dev *stimulator) telemetry(ctx tdaq.Context, dst *tdaq.Frame) error {
	ctl := dev.ctl.Load()
	if ctl == nil {
		<-ctx.Ctx.Done()
		dst.Body = nil
		return nil
	}

	select {
	case <-ctx.Ctx.Done():
		dst.Body = nil
		return nil
	case tlm := <-ctl.Telemetry():
		dst.Body = stimsrv.EncodeTelemetry(tlm)
	}
	return nil
}

func (dev *stimulator) run(ctx tdaq.Context) error {
	ctl := dev.ctl.Load()
	if ctl == nil {
		return fmt.Errorf("stimulator not initialized")
	}
	return ctl.Run(ctx.Ctx)
}
