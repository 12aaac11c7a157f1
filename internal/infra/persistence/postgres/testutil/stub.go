// Package testutil provides a scripted stub database for postgres store tests.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Call is one statement seen by the stub.
type Call struct {
	SQL  string
	Args []any
}

// Result is the canned response for queries containing a given fragment.
type Result struct {
	Columns []string
	Rows    [][]driver.Value
}

// StubConn records statements and answers queries from Results. The longest
// matching fragment wins.
type StubConn struct {
	mu         sync.Mutex
	Execs      []Call
	Queries    []Call
	Results    map[string]Result
	FailOn     map[string]error
	FailBegin  bool
	FailCommit bool
	Commits    int
	Rollbacks  int
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Results: make(map[string]Result), FailOn: make(map[string]error)}
	name := fmt.Sprintf("stubpg%d", time.Now().UnixNano())
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// ExecSQL returns the SQL text of every exec in order.
func (c *StubConn) ExecSQL() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.Execs))
	for i, e := range c.Execs {
		out[i] = e.SQL
	}
	return out
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	return c.failure("PING")
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	return &stubTx{conn: c}, nil
}

func (c *StubConn) failure(query string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for frag, err := range c.FailOn {
		if strings.Contains(query, frag) {
			return err
		}
	}
	return nil
}

func values(args []driver.NamedValue) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	c.Execs = append(c.Execs, Call{SQL: query, Args: values(args)})
	c.mu.Unlock()
	if err := c.failure(query); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	c.Queries = append(c.Queries, Call{SQL: query, Args: values(args)})
	var best string
	var res Result
	for frag, r := range c.Results {
		if strings.Contains(query, frag) && len(frag) > len(best) {
			best, res = frag, r
		}
	}
	c.mu.Unlock()
	if err := c.failure(query); err != nil {
		return nil, err
	}
	return &stubRows{cols: res.Columns, rows: res.Rows}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	t.conn.mu.Lock()
	t.conn.Commits++
	t.conn.mu.Unlock()
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	t.conn.Rollbacks++
	t.conn.mu.Unlock()
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
