// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stim-boot starts the processes of the stimulation pipeline and
// keeps them running until one of them fails or stim-boot is interrupted.
//
// Usage: stim-boot [OPTIONS] [CMD1 [CMD2 ...]]
//
// Each command is a quoted command line. Command lines may also be listed,
// one per line, in the file given with -f. Processes are started in order,
// -delay apart, so the run-control server can come up before its clients.
// Without commands, stim-boot starts stim-srv with its default
// configuration.
//
// The output of each process goes to $STIMLOGDIR/<name>.log
// (default: /var/log/stim).
//
// Example:
//
//	$> stim-boot -pmon "stim-srv -id stim -lvl DEBUG" "stim-detector -id spikes"
package main // import "github.com/go-lpc/stim/cmd/stim-boot"

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
	"golang.org/x/sync/errgroup"
)

func main() {
	log.SetPrefix("stim-boot: ")
	log.SetFlags(0)

	var (
		fname = flag.String("f", "", "file listing the command lines to start")
		delay = flag.Duration("delay", 500*time.Millisecond, "delay between two process starts")
		grace = flag.Duration("grace", 5*time.Second, "time given to a process to exit once interrupted")
		kill  = flag.Bool("kill", true, "kill already running instances before starting")
		doMon = flag.Bool("pmon", false, "enable pmon monitoring")
		freq  = flag.Duration("freq", 1*time.Second, "pmon frequency")
	)
	flag.Parse()

	lines := flag.Args()
	if *fname != "" {
		f, err := os.Open(*fname)
		if err != nil {
			log.Fatalf("could not open command file: %+v", err)
		}
		ls, err := readLines(f)
		f.Close()
		if err != nil {
			log.Fatalf("could not read command file %q: %+v", *fname, err)
		}
		lines = append(ls, lines...)
	}
	if len(lines) == 0 {
		lines = []string{"stim-srv"}
	}

	dir := os.Getenv("STIMLOGDIR")
	if dir == "" {
		dir = "/var/log/stim"
	}

	procs, err := newProcs(lines, dir)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	if *kill {
		killall(procs)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	b := booter{delay: *delay, grace: *grace, mon: *doMon, freq: *freq}
	err = b.run(ctx, procs)
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

// readLines returns the command lines of r. Blank lines and lines starting
// with '#' are ignored.
func readLines(r io.Reader) ([]string, error) {
	var (
		lines []string
		sc    = bufio.NewScanner(r)
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

// proc is a process of the pipeline.
type proc struct {
	name string // log name, unique within the pipeline
	cmd  *exec.Cmd
	log  string
	out  *os.File
}

func newProcs(lines []string, dir string) ([]*proc, error) {
	var (
		procs = make([]*proc, 0, len(lines))
		seen  = make(map[string]int)
	)
	for _, line := range lines {
		toks := strings.Fields(line)
		if len(toks) == 0 {
			return nil, fmt.Errorf("empty command line")
		}
		var (
			cmd  = exec.Command(toks[0], toks[1:]...)
			base = filepath.Base(toks[0])
			name = base
		)
		if n := seen[base]; n > 0 {
			name = fmt.Sprintf("%s-%d", base, n)
		}
		seen[base]++
		procs = append(procs, &proc{
			name: name,
			cmd:  cmd,
			log:  filepath.Join(dir, name+".log"),
		})
	}
	return procs, nil
}

func killall(procs []*proc) {
	done := make(map[string]bool)
	for _, p := range procs {
		exe := filepath.Base(p.cmd.Path)
		if done[exe] {
			continue
		}
		done[exe] = true
		kill := exec.Command("killall", exe)
		kill.Stderr = os.Stderr
		kill.Stdout = os.Stdout
		err := kill.Run()
		if err != nil {
			log.Printf("could not kill %q: %+v", exe, err)
		}
	}
}

type booter struct {
	delay time.Duration // between two starts
	grace time.Duration // between interrupt and kill
	mon   bool
	freq  time.Duration
}

// run starts procs in order and waits for them. The first failure stops
// the whole pipeline. Processes exiting cleanly leave the others running.
func (b booter) run(ctx context.Context, procs []*proc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grp, ctx := errgroup.WithContext(ctx)
	for i, p := range procs {
		if i > 0 {
			select {
			case <-ctx.Done():
				return b.wait(grp)
			case <-time.After(b.delay):
			}
		}
		err := b.start(p)
		if err != nil {
			cancel()
			_ = grp.Wait()
			return fmt.Errorf("could not boot stimulation pipeline: %w", err)
		}
		p := p
		grp.Go(func() error {
			return b.supervise(ctx, p)
		})
	}
	return b.wait(grp)
}

func (b booter) wait(grp *errgroup.Group) error {
	err := grp.Wait()
	if err != nil {
		return fmt.Errorf("could not run stimulation pipeline: %w", err)
	}
	return nil
}

func (b booter) start(p *proc) error {
	out, err := os.Create(p.log)
	if err != nil {
		return fmt.Errorf("could not create output log file for %q: %w", p.name, err)
	}
	p.out = out
	p.cmd.Stdout = out
	p.cmd.Stderr = out

	log.Printf("starting %q...", p.name)
	err = p.cmd.Start()
	if err != nil {
		out.Close()
		return fmt.Errorf("could not start %q: %w", p.name, err)
	}

	if !b.mon {
		return nil
	}

	pid := p.cmd.Process.Pid
	mon, err := pmon.Monitor(pid)
	if err != nil {
		log.Printf("could not monitor %q (pid=%d): %+v", p.name, pid, err)
		return nil
	}
	f, err := os.Create(strings.TrimSuffix(p.log, ".log") + "-pmon.log")
	if err != nil {
		log.Printf("could not create pmon log file for %q: %+v", p.name, err)
		return nil
	}
	mon.W = f
	mon.Freq = b.freq

	go func() {
		defer f.Close()
		err := mon.Run()
		if err != nil {
			log.Printf("could not run pmon for %q: %+v", p.name, err)
		}
	}()
	return nil
}

// supervise waits for p to exit. When ctx is done, p is interrupted and,
// past the grace period, killed.
func (b booter) supervise(ctx context.Context, p *proc) error {
	defer p.out.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- p.cmd.Wait()
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("%q failed: %w", p.name, err)
		}
		log.Printf("%q exited", p.name)
		return nil

	case <-ctx.Done():
		log.Printf("stopping %q...", p.name)
		err := p.cmd.Process.Signal(os.Interrupt)
		if err != nil {
			log.Printf("could not interrupt %q: %+v", p.name, err)
		}
		select {
		case <-errc:
		case <-time.After(b.grace):
			log.Printf("%q did not stop: killing it", p.name)
			_ = p.cmd.Process.Kill()
			<-errc
		}
		return nil
	}
}
