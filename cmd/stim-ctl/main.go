// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stim-ctl sends commands to the control port of a stim-srv process.
//
// Usage: stim-ctl [OPTIONS] [CMD [ARGS...]]
//
// Without a command, stim-ctl starts an interactive shell.
//
// Commands:
//
//	status                    display the current mode
//	mode N                    0: idle, 1: spontaneous, 2: closed loop, 3: open loop, 4: restart
//	stim_amp N                set the stimulation amplitude, in [1, 255]
//	digaux_on [TARGET]        switch the digital auxiliary output on
//	digaux_off [TARGET]       switch the digital auxiliary output off
//	report                    fetch the next period report
//	plan INDEX [D:NET:SLOT..] submit the plan of period INDEX
//	fpga B1 [B2...]           write raw FPGA registers
//	read R1 [R2...]           read back chip registers
//	quit                      close the connection
package main // import "github.com/go-lpc/stim/cmd/stim-ctl"

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/go-lpc/stim/stimsrv"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("stim-ctl: ")
	log.SetFlags(0)

	addr := flag.String("addr", ":44100", "[ip]:port of the stim-srv control port")
	flag.Parse()

	cli, err := dial(*addr)
	if err != nil {
		log.Fatalf("could not connect to %q: %+v", *addr, err)
	}
	defer cli.close()

	if flag.NArg() > 0 {
		err = cli.run(os.Stdout, strings.Join(flag.Args(), " "))
		if err != nil {
			log.Fatalf("%+v", err)
		}
		return
	}

	err = shell(cli)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func shell(cli *client) error {
	term := liner.NewLiner()
	defer term.Close()
	term.SetCtrlCAborts(true)

	for {
		line, err := term.Prompt("stim> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("could not read command: %w", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		term.AppendHistory(line)

		err = cli.run(os.Stdout, line)
		if err != nil {
			log.Printf("%+v", err)
		}
		if line == "quit" {
			return nil
		}
	}
}

type client struct {
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
}

func dial(addr string) (*client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &client{
		conn: conn,
		enc:  json.NewEncoder(conn),
		dec:  json.NewDecoder(conn),
	}, nil
}

func (cli *client) close() error {
	return cli.conn.Close()
}

// run sends the command line to the server and displays its reply.
func (cli *client) run(w io.Writer, line string) error {
	req, err := parse(line)
	if err != nil {
		return fmt.Errorf("could not parse command %q: %w", line, err)
	}

	err = cli.enc.Encode(req)
	if err != nil {
		return fmt.Errorf("could not send command %q: %w", req.Name, err)
	}

	var rep stimsrv.Reply
	err = cli.dec.Decode(&rep)
	if err != nil {
		return fmt.Errorf("could not decode reply to %q: %w", req.Name, err)
	}

	if rep.Msg != "ok" {
		return fmt.Errorf("command %q failed: %s", req.Name, rep.Msg)
	}

	switch {
	case rep.Mode != nil:
		fmt.Fprintf(w, "mode: %v\n", stimsrv.Mode(*rep.Mode))
	case rep.Report != nil:
		r := rep.Report
		fmt.Fprintf(w, "period %d (plan received: %v)\n", r.Index, r.Received)
		for _, evt := range r.Evidence {
			fmt.Fprintf(w, "  net=%d slot=%2d spikes=%v\n", evt.Network, evt.Slot, evt.Spikes)
		}
	default:
		fmt.Fprintf(w, "ok\n")
	}
	return nil
}

// parse converts a command line into a control port request.
func parse(line string) (stimsrv.Request, error) {
	var (
		req  stimsrv.Request
		toks = strings.Fields(line)
		args interface{}
	)
	if len(toks) == 0 {
		return req, fmt.Errorf("empty command")
	}
	req.Name = strings.ToLower(toks[0])
	toks = toks[1:]

	switch req.Name {
	case "status", "report", "quit":
		if len(toks) != 0 {
			return req, fmt.Errorf("%s takes no argument", req.Name)
		}

	case "mode", "stim_amp":
		if len(toks) != 1 {
			return req, fmt.Errorf("%s takes exactly one argument", req.Name)
		}
		v, err := strconv.Atoi(toks[0])
		if err != nil {
			return req, fmt.Errorf("invalid %s value %q: %w", req.Name, toks[0], err)
		}
		args = v

	case "digaux_on", "digaux_off":
		switch len(toks) {
		case 0:
		case 1:
			v, err := strconv.ParseUint(toks[0], 0, 32)
			if err != nil {
				return req, fmt.Errorf("invalid target %q: %w", toks[0], err)
			}
			args = uint32(v)
		default:
			return req, fmt.Errorf("%s takes at most one argument", req.Name)
		}

	case "plan":
		if len(toks) < 1 {
			return req, fmt.Errorf("plan requires a period index")
		}
		idx, err := strconv.ParseUint(toks[0], 10, 64)
		if err != nil {
			return req, fmt.Errorf("invalid period index %q: %w", toks[0], err)
		}
		plan := stimsrv.PlanMsg{Index: idx, Pulses: []stimsrv.PulseMsg{}}
		for _, tok := range toks[1:] {
			p, err := parsePulse(tok)
			if err != nil {
				return req, err
			}
			plan.Pulses = append(plan.Pulses, p)
		}
		args = plan

	case "fpga", "read":
		if len(toks) == 0 {
			return req, fmt.Errorf("%s requires at least one byte", req.Name)
		}
		vs := make([]int, len(toks))
		for i, tok := range toks {
			v, err := strconv.ParseUint(tok, 0, 8)
			if err != nil {
				return req, fmt.Errorf("invalid byte %q: %w", tok, err)
			}
			vs[i] = int(v)
		}
		args = vs

	default:
		return req, fmt.Errorf("unknown command %q", req.Name)
	}

	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return req, fmt.Errorf("could not encode %s arguments: %w", req.Name, err)
		}
		msg := json.RawMessage(raw)
		req.Args = &msg
	}
	return req, nil
}

// parsePulse parses a DELAY:NETWORK:SLOT pulse.
func parsePulse(tok string) (stimsrv.PulseMsg, error) {
	var p stimsrv.PulseMsg
	fs := strings.Split(tok, ":")
	if len(fs) != 3 {
		return p, fmt.Errorf("invalid pulse %q (want DELAY:NETWORK:SLOT)", tok)
	}
	delay, err := strconv.ParseInt(fs[0], 10, 32)
	if err != nil {
		return p, fmt.Errorf("invalid pulse delay %q: %w", fs[0], err)
	}
	nw, err := strconv.Atoi(fs[1])
	if err != nil {
		return p, fmt.Errorf("invalid pulse network %q: %w", fs[1], err)
	}
	slot, err := strconv.Atoi(fs[2])
	if err != nil {
		return p, fmt.Errorf("invalid pulse slot %q: %w", fs[2], err)
	}
	p.Delay = int32(delay)
	p.Network = nw
	p.Slot = slot
	return p, nil
}
