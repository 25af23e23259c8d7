// Copyright 2026 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package fakedb registers an in-memory "fakedb" SQL driver serving canned
// tables, for tests of the condition database layer.
package fakedb // import "github.com/go-lpc/stim/internal/fakedb"

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
)

// Rows is the content of a canned table.
type Rows struct {
	Names  []string
	Values [][]driver.Value
}

// Tables maps table names to their content. A query reads the table
// named after its FROM clause.
type Tables map[string]Rows

// Stmt is a statement sent to the fake DB.
type Stmt struct {
	Query string
	Args  []driver.Value
}

// Journal lists the statements sent to the fake DB, in order.
type Journal struct {
	Queries []Stmt
	Execs   []Stmt
}

var state struct {
	run  sync.Mutex // serializes Run
	mu   sync.Mutex
	tbls Tables
	jrnl Journal
}

// Run runs f with the fake DB serving tbls.
// Run returns the statements f sent to the DB.
func Run(ctx context.Context, tbls Tables, f func(ctx context.Context) error) (Journal, error) {
	state.run.Lock()
	defer state.run.Unlock()

	state.mu.Lock()
	state.tbls = tbls
	state.jrnl = Journal{}
	state.mu.Unlock()

	err := f(ctx)

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.jrnl, err
}

func init() {
	sql.Register("fakedb", drv{})
}

type drv struct{}

func (drv) Open(name string) (driver.Conn, error) { return conn{}, nil }

// conn answers queries directly: database/sql never prepares statements
// on a connection implementing QueryerContext and ExecerContext.
type conn struct{}

func (conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("fakedb: prepared statements not supported (query=%q)", query)
}

func (conn) Close() error { return nil }

func (conn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakedb: transactions not supported")
}

var reFrom = regexp.MustCompile(`(?i)\bFROM\s+(\w+)`)

func (conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.jrnl.Queries = append(state.jrnl.Queries, Stmt{Query: query, Args: values(args)})

	m := reFrom.FindStringSubmatch(query)
	if m == nil {
		return nil, fmt.Errorf("fakedb: no table in query %q", query)
	}
	tbl, ok := state.tbls[strings.ToLower(m[1])]
	if !ok {
		return nil, fmt.Errorf("fakedb: unknown table %q", m[1])
	}
	return &rows{names: tbl.Names, vals: tbl.Values}, nil
}

func (conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.jrnl.Execs = append(state.jrnl.Execs, Stmt{Query: query, Args: values(args)})
	return driver.RowsAffected(1), nil
}

func values(args []driver.NamedValue) []driver.Value {
	if len(args) == 0 {
		return nil
	}
	vs := make([]driver.Value, len(args))
	for i, arg := range args {
		vs[i] = arg.Value
	}
	return vs
}

// rows iterates over a canned table. Each query gets its own cursor.
type rows struct {
	names []string
	vals  [][]driver.Value
	cur   int
}

func (r *rows) Columns() []string { return r.names }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.cur >= len(r.vals) {
		return io.EOF
	}
	copy(dest, r.vals[r.cur])
	r.cur++
	return nil
}

var (
	_ driver.Driver         = drv{}
	_ driver.Conn           = conn{}
	_ driver.QueryerContext = conn{}
	_ driver.ExecerContext  = conn{}
	_ driver.Rows           = (*rows)(nil)
)
