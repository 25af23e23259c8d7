// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package stimdb holds types to retrieve the stimulator settings and the
// electrode geometry from the condition database, and to record the
// stimulation sessions.
package stimdb // import "github.com/go-lpc/stim/stimdb"

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-lpc/stim/rhs"
	"github.com/go-lpc/stim/sched"
	"github.com/go-sql-driver/mysql"
)

var (
	drvName = "mysql"
)

// DB exposes convenience methods to retrieve the stimulation setup from
// the condition database.
type DB struct {
	db   *sql.DB
	name string // name of the condition database
}

// Open opens a connection to the database described by the MySQL data
// source name dsn (e.g. "user:pass@tcp(localhost:3306)/stim").
func Open(dsn string) (*DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("stimdb: could not parse DSN: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	dbname := cfg.DBName

	db, err := sql.Open(drvName, cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("stimdb: could not open %q db: %w", dbname, err)
	}

	err = ping(db, dbname)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db, name: dbname}, nil
}

func ping(db *sql.DB, dbname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("stimdb: could not ping %q db: %w", dbname, err)
	}

	return nil
}

func (db *DB) Name() string { return db.name }

func (db *DB) Close() error {
	return db.db.Close()
}

// Settings returns the latest stimulator settings of the setup.
func (db *DB) Settings(ctx context.Context, setup string) (rhs.Settings, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		set   rhs.Settings
		found = false
	)
	rows, err := db.db.QueryContext(
		ctx,
		`
SELECT amplitude, step, recovery, pulse, discharge FROM settings
WHERE setup=?
ORDER BY datetime DESC LIMIT 1
`,
		setup,
	)
	if err != nil {
		return set, fmt.Errorf("stimdb: could not query settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			amp       uint8
			step, rec string
		)
		err = rows.Scan(&amp, &step, &rec, &set.Timing.Pulse, &set.Timing.Discharge)
		if err != nil {
			return set, fmt.Errorf("stimdb: could not get settings value: %w", err)
		}
		set.Amplitude = amp
		set.Step = rhs.StepSize(step)
		set.Recovery = rhs.Recovery(rec)
		found = true
	}

	if err := rows.Err(); err != nil {
		return set, fmt.Errorf("stimdb: could not scan db for settings: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return set, fmt.Errorf("stimdb: context error while retrieving settings: %w", err)
	}

	if !found {
		return set, fmt.Errorf("stimdb: no settings for setup %q: %w", setup, sql.ErrNoRows)
	}

	err = set.Validate()
	if err != nil {
		return set, fmt.Errorf("stimdb: invalid settings for setup %q: %w", setup, err)
	}

	return set, nil
}

// Mapping returns the site to electrode mapping of the setup.
// Sites missing from the database fall back to sched.DefaultMapping.
func (db *DB) Mapping(ctx context.Context, setup string) (sched.Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.db.QueryContext(
		ctx,
		"SELECT network, slot, electrode FROM electrodes WHERE setup=?",
		setup,
	)
	if err != nil {
		return nil, fmt.Errorf("stimdb: could not run electrodes query: %w", err)
	}
	defer rows.Close()

	table := make(map[sched.Site]rhs.Electrode)
	for i := 0; rows.Next(); i++ {
		var (
			site sched.Site
			elec uint16
		)
		err = rows.Scan(&site.Network, &site.Slot, &elec)
		if err != nil {
			return nil, fmt.Errorf("stimdb: could not scan row %d for electrodes: %w", i, err)
		}
		if elec >= rhs.NumElectrodes {
			return nil, fmt.Errorf("stimdb: invalid electrode %d for site %+v", elec, site)
		}
		table[site] = rhs.Electrode(elec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stimdb: could not scan db for electrodes: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("stimdb: context error while retrieving electrodes: %w", err)
	}

	return func(s sched.Site) rhs.Electrode {
		if e, ok := table[s]; ok {
			return e
		}
		return sched.DefaultMapping(s)
	}, nil
}

// Session describes a stimulation session.
type Session struct {
	Setup    string
	Mode     string
	Start    time.Time
	Settings rhs.Settings
}

// Record stores the session in the database.
func (db *DB) Record(ctx context.Context, s Session) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := db.db.ExecContext(
		ctx,
		`
INSERT INTO sessions (setup, mode, datetime, amplitude, step, recovery, pulse, discharge)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`,
		s.Setup, s.Mode, s.Start.UTC(),
		int64(s.Settings.Amplitude), string(s.Settings.Step), string(s.Settings.Recovery),
		int64(s.Settings.Timing.Pulse), int64(s.Settings.Timing.Discharge),
	)
	if err != nil {
		return fmt.Errorf("stimdb: could not record session: %w", err)
	}
	return nil
}
