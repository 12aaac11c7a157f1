// Package postgres provides the Postgres warehouse: catalog queries against
// pg_catalog, COPY-based bulk loads through pgx, and USING casts for type
// alignment.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib" // registers pgx as a database/sql driver

	"crisimport/internal/sqlgen"
	"crisimport/internal/warehouse"
)

// Compile-time contract assertion.
var _ warehouse.Database = (*Store)(nil)

const defaultDriver = "pgx"

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

const tablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

const columnsQuery = `SELECT a.attname, format_type(a.atttypid, a.atttypmod)
FROM pg_catalog.pg_attribute a
JOIN pg_catalog.pg_class c ON c.oid = a.attrelid
JOIN pg_catalog.pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped
ORDER BY a.attnum`

// Store is a warehouse.Database over a pgx-backed *sql.DB.
type Store struct {
	db *sql.DB
}

// Open connects with dsn, verifies the connection and makes sure every
// schema in ensure exists.
func Open(ctx context.Context, dsn string, ensure ...string) (*Store, error) {
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	for _, schema := range ensure {
		if err := warehouse.ValidateIdent(schema); err != nil {
			_ = db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+warehouse.QuoteIdent(schema)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ensure schema %s: %w", schema, err)
		}
	}
	return &Store{db: db}, nil
}

// Dialect returns the Postgres dialect.
func (s *Store) Dialect() warehouse.Dialect { return sqlgen.Postgres }

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Tables lists base tables in schema.
func (s *Store) Tables(ctx context.Context, schema string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, tablesQuery, schema)
	if err != nil {
		return nil, fmt.Errorf("list tables in %s: %w", schema, err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables: %w", err)
	}
	return out, nil
}

// Columns lists the columns of t with their format_type rendering.
func (s *Store) Columns(ctx context.Context, t warehouse.Table) ([]warehouse.Column, error) {
	rows, err := s.db.QueryContext(ctx, columnsQuery, t.Schema, t.Name)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", t, err)
	}
	defer func() { _ = rows.Close() }()
	out := []warehouse.Column{}
	for rows.Next() {
		var c warehouse.Column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

// RecreateTable drops and recreates t with text columns in one transaction.
func (s *Store) RecreateTable(ctx context.Context, t warehouse.Table, columns []string) error {
	drop, err := sqlgen.DropTable(t)
	if err != nil {
		return err
	}
	create, err := sqlgen.CreateTable(t, sqlgen.TextColumns(columns))
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if _, err := tx.ExecContext(ctx, drop); err != nil {
		return fmt.Errorf("drop %s: %w", t, err)
	}
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("create %s: %w", t, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// BulkLoad streams src into t with the COPY protocol. Connections that are
// not pgx-backed fall back to row-by-row inserts in one transaction.
func (s *Store) BulkLoad(ctx context.Context, t warehouse.Table, columns []string, src warehouse.RowSource) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	var n int64
	copied := false
	err = conn.Raw(func(driverConn any) error {
		pc, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return nil
		}
		copied = true
		var copyErr error
		n, copyErr = pc.Conn().CopyFrom(ctx, pgx.Identifier{t.Schema, t.Name}, columns, src)
		return copyErr
	})
	if err != nil {
		return n, fmt.Errorf("copy into %s: %w", t, err)
	}
	if copied {
		return n, nil
	}
	return s.insertRows(ctx, conn, t, columns, src)
}

func (s *Store) insertRows(ctx context.Context, conn *sql.Conn, t warehouse.Table, columns []string, src warehouse.RowSource) (int64, error) {
	stmt, err := sqlgen.New(sqlgen.Postgres).InsertRow(t, columns)
	if err != nil {
		return 0, err
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var n int64
	for src.Next() {
		vals, err := src.Values()
		if err != nil {
			return n, fmt.Errorf("read row %d: %w", n+1, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, vals...); err != nil {
			return n, fmt.Errorf("insert row %d into %s: %w", n+1, t, err)
		}
		n++
	}
	if err := src.Err(); err != nil {
		return n, fmt.Errorf("read rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return n, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return n, nil
}

// AlterColumnType retypes a column in place, mapping '' to NULL first.
func (s *Store) AlterColumnType(ctx context.Context, t warehouse.Table, column, typ string) error {
	stmt, err := sqlgen.AlterColumnTypeUsing(t, column, typ)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("alter %s.%s to %s: %w", t, column, typ, err)
	}
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
