// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command stim-sql displays the stimulation setup stored in the condition DB.
package main // import "github.com/go-lpc/stim/cmd/stim-sql"

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/sched"
	"github.com/go-lpc/stim/stimdb"
)

func main() {
	log.SetPrefix("stim-sql: ")
	log.SetFlags(0)

	var (
		dsn   = flag.String("db", "stim@tcp(localhost:3306)/stimsrv", "MySQL DSN of the condition DB")
		setup = flag.String("setup", "default", "setup to inspect")
		nets  = flag.Int("networks", 4, "number of networks to display")
	)

	flag.Parse()

	log.Printf("setup: %q", *setup)

	db, err := stimdb.Open(*dsn)
	if err != nil {
		log.Fatalf("could not open stim db: %+v", err)
	}
	defer db.Close()

	err = doQuery(os.Stdout, db, *setup, *nets)
	if err != nil {
		log.Fatalf("could not do query: %+v", err)
	}
}

type setupDB interface {
	Settings(ctx context.Context, setup string) (rhs.Settings, error)
	Mapping(ctx context.Context, setup string) (sched.Mapping, error)
}

func doQuery(w io.Writer, db setupDB, setup string, nets int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	set, err := db.Settings(ctx, setup)
	if err != nil {
		return fmt.Errorf("could not get settings (setup=%q): %w", setup, err)
	}
	fmt.Fprintf(w, "amplitude: %d\n", set.Amplitude)
	fmt.Fprintf(w, "step:      %s\n", set.Step)
	fmt.Fprintf(w, "recovery:  %s\n", set.Recovery)
	fmt.Fprintf(w, "pulse:     %d samples (discharge=%d)\n", set.Timing.Pulse, set.Timing.Discharge)
	fmt.Fprintf(w, "init:      %d writes\n", len(rhs.InitWrites(set)))

	mapping, err := db.Mapping(ctx, setup)
	if err != nil {
		return fmt.Errorf("could not get mapping (setup=%q): %w", setup, err)
	}
	for n := 0; n < nets; n++ {
		fmt.Fprintf(w, "network %d:", n)
		for slot := 0; slot < rhs.LinesPerChip; slot++ {
			fmt.Fprintf(w, " %3d", mapping(sched.Site{Network: n, Slot: slot}))
		}
		fmt.Fprintf(w, "\n")
	}
	return nil
}
