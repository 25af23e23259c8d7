// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package stimsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-lpc/stim/clock"
	"github.com/go-lpc/stim/sched"
)

// Request is a control port command.
type Request struct {
	Name string           `json:"name"`
	Args *json.RawMessage `json:"args,omitempty"`
}

// Reply is the answer to a control port command.
type Reply struct {
	Msg    string     `json:"msg"`
	Mode   *int       `json:"mode,omitempty"`
	Report *ReportMsg `json:"report,omitempty"`
}

// SiteMsg is the evidence of one site.
type SiteMsg struct {
	Network int     `json:"network"`
	Slot    int     `json:"slot"`
	Spikes  []int32 `json:"spikes,omitempty"`
}

// ReportMsg is the control port form of a period report.
type ReportMsg struct {
	Index    uint64    `json:"index"`
	Received bool      `json:"received"`
	Evidence []SiteMsg `json:"evidence"`
}

// PulseMsg is the control port form of a pulse.
type PulseMsg struct {
	Delay   int32 `json:"delay"`
	Network int   `json:"network"`
	Slot    int   `json:"slot"`
}

// PlanMsg is the control port form of a decision.
type PlanMsg struct {
	Index  uint64     `json:"index"`
	Pulses []PulseMsg `json:"pulses"`
}

func newReportMsg(r sched.Report) *ReportMsg {
	msg := &ReportMsg{
		Index:    r.Index,
		Received: r.Received,
		Evidence: make([]SiteMsg, 0, len(r.Evidence)),
	}
	for site, spikes := range r.Evidence {
		msg.Evidence = append(msg.Evidence, SiteMsg{
			Network: site.Network,
			Slot:    site.Slot,
			Spikes:  spikes,
		})
	}
	sort.Slice(msg.Evidence, func(i, j int) bool {
		a, b := msg.Evidence[i], msg.Evidence[j]
		if a.Network != b.Network {
			return a.Network < b.Network
		}
		return a.Slot < b.Slot
	})
	return msg
}

func (msg PlanMsg) decision() sched.Decision {
	d := sched.Decision{
		Index: msg.Index,
		Plan:  make(sched.Plan, len(msg.Pulses)),
	}
	for i, p := range msg.Pulses {
		d.Plan[i] = sched.Pulse{
			Delay: p.Delay,
			Site:  sched.Site{Network: p.Network, Slot: p.Slot},
		}
	}
	return d
}

// server exposes a controller on a TCP control port.
type server struct {
	ctl net.Listener
	msg *log.Logger
	dev *Controller

	timeout time.Duration // maximum time a command may block
}

func newServer(dev *Controller, addr string) (*server, error) {
	ctl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not create stim-ctl server on %q: %w", addr, err)
	}

	srv := &server{
		ctl:     ctl,
		msg:     log.New(os.Stdout, "stim-svc: ", 0),
		dev:     dev,
		timeout: 5 * time.Second,
	}
	return srv, nil
}

func (srv *server) serve(ctx context.Context) error {
	for {
		conn, err := srv.ctl.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("could not accept connection: %w", err)
		}

		err = srv.handle(ctx, conn)
		if err != nil {
			srv.msg.Printf("could not serve %v: %+v", conn.RemoteAddr(), err)
			continue
		}
	}
}

func (srv *server) handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	srv.msg.Printf("serving %v...", conn.RemoteAddr())
	defer srv.msg.Printf("serving %v... [done]", conn.RemoteAddr())

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	dec := json.NewDecoder(conn)
	for {
		var req Request
		err := dec.Decode(&req)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			srv.msg.Printf("could not decode command request: %+v", err)
			srv.reply(conn, Reply{}, err)
			return fmt.Errorf("could not decode command request: %w", err)
		}
		srv.msg.Printf("received request: name=%q", req.Name)

		if strings.ToLower(req.Name) == "quit" {
			srv.reply(conn, Reply{}, nil)
			return nil
		}

		rep, err := srv.exec(ctx, req)
		if err != nil {
			srv.msg.Printf("could not run %q: %+v", req.Name, err)
		}
		srv.reply(conn, rep, err)
	}
}

func (srv *server) exec(ctx context.Context, req Request) (Reply, error) {
	var rep Reply
	ctx, cancel := context.WithTimeout(ctx, srv.timeout)
	defer cancel()

	switch name := strings.ToLower(req.Name); name {
	case "mode":
		var mode int
		err := decodeArgs(req, &mode)
		if err != nil {
			return rep, err
		}
		err = srv.dev.SetMode(ctx, Mode(mode))
		if err != nil {
			return rep, err
		}
		cur := int(srv.dev.Mode())
		rep.Mode = &cur

	case "status":
		cur := int(srv.dev.Mode())
		rep.Mode = &cur

	case "stim_amp":
		var amp int
		err := decodeArgs(req, &amp)
		if err != nil {
			return rep, err
		}
		return rep, srv.dev.SetAmplitude(ctx, amp)

	case "digaux_on", "digaux_off":
		target := uint32(clock.Immediate)
		if req.Args != nil {
			err := decodeArgs(req, &target)
			if err != nil {
				return rep, err
			}
		}
		return rep, srv.dev.SetDigAux(ctx, name == "digaux_on", target)

	case "report":
		r, err := srv.dev.Report(ctx)
		if err != nil {
			return rep, err
		}
		rep.Report = newReportMsg(r)

	case "plan":
		var plan PlanMsg
		err := decodeArgs(req, &plan)
		if err != nil {
			return rep, err
		}
		return rep, srv.dev.Decide(ctx, plan.decision())

	case "fpga":
		var args []int
		err := decodeArgs(req, &args)
		if err != nil {
			return rep, err
		}
		p, err := bytesFrom(args)
		if err != nil {
			return rep, fmt.Errorf("invalid %q payload: %w", req.Name, err)
		}
		return rep, srv.dev.WriteRegisters(ctx, p)

	case "read":
		var args []int
		err := decodeArgs(req, &args)
		if err != nil {
			return rep, err
		}
		regs, err := bytesFrom(args)
		if err != nil {
			return rep, fmt.Errorf("invalid %q payload: %w", req.Name, err)
		}
		return rep, srv.dev.ReadRegisters(ctx, regs)

	default:
		return rep, fmt.Errorf("unknown command %q", req.Name)
	}

	return rep, nil
}

func decodeArgs(req Request, ptr interface{}) error {
	if req.Args == nil {
		return fmt.Errorf("missing %q payload", req.Name)
	}
	err := json.Unmarshal(*req.Args, ptr)
	if err != nil {
		return fmt.Errorf("could not decode %q payload: %w", req.Name, err)
	}
	return nil
}

func bytesFrom(vs []int) ([]byte, error) {
	o := make([]byte, len(vs))
	for i, v := range vs {
		if v < 0 || v > 0xff {
			return nil, fmt.Errorf("byte %d out of range (%d)", i, v)
		}
		o[i] = byte(v)
	}
	return o, nil
}

func (srv *server) reply(conn net.Conn, rep Reply, err error) {
	rep.Msg = "ok"
	if err != nil {
		rep.Msg = fmt.Sprintf("%+v", err)
	}

	_ = json.NewEncoder(conn).Encode(rep)
}

func (srv *server) close() error {
	return srv.ctl.Close()
}
