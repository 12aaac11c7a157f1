// Package sqlite provides an embedded warehouse on modernc.org/sqlite. Each
// logical schema is an attached database, so generated schema-qualified SQL
// runs unchanged. It backs local dry runs and the importer tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"crisimport/internal/sqlgen"
	"crisimport/internal/warehouse"
)

// Compile-time contract assertion.
var _ warehouse.Database = (*Store)(nil)

const memoryPath = ":memory:"

// Store is a warehouse.Database over a single sqlite connection.
type Store struct {
	db      *sql.DB
	path    string
	schemas []string
}

// Open opens path (":memory:" for a throwaway database) and attaches one
// database per schema. File-backed schemas live next to path as
// <name>.<schema><ext>.
func Open(ctx context.Context, path string, schemas ...string) (*Store, error) {
	if path == "" {
		path = memoryPath
	}
	if path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Attachments and :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, path: path}
	for _, schema := range schemas {
		if schema == "main" || s.attached(schema) {
			continue
		}
		if err := warehouse.ValidateIdent(schema); err != nil {
			_ = db.Close()
			return nil, err
		}
		if _, err := db.ExecContext(ctx, "ATTACH DATABASE ? AS "+warehouse.QuoteIdent(schema), attachPath(path, schema)); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("attach schema %s: %w", schema, err)
		}
		s.schemas = append(s.schemas, schema)
	}
	return s, nil
}

func attachPath(path, schema string) string {
	if path == memoryPath {
		return memoryPath
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "." + schema + ext
}

func (s *Store) attached(schema string) bool {
	for _, a := range s.schemas {
		if a == schema {
			return true
		}
	}
	return false
}

// Dialect returns the SQLite dialect.
func (s *Store) Dialect() warehouse.Dialect { return sqlgen.SQLite }

// DB exposes the underlying sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Tables lists tables in schema.
func (s *Store) Tables(ctx context.Context, schema string) ([]string, error) {
	if err := warehouse.ValidateIdent(schema); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT name FROM %s.sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%%' ORDER BY name`, warehouse.QuoteIdent(schema))
	rows, err := s.db.QueryContext(ctx, q)
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

// Columns reads PRAGMA table_info for t.
func (s *Store) Columns(ctx context.Context, t warehouse.Table) ([]warehouse.Column, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	q := fmt.Sprintf("PRAGMA %s.table_info(%s)", warehouse.QuoteIdent(t.Schema), warehouse.QuoteIdent(t.Name))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list columns of %s: %w", t, err)
	}
	defer func() { _ = rows.Close() }()
	out := []warehouse.Column{}
	for rows.Next() {
		var (
			cid     int
			c       warehouse.Column
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}
	return out, nil
}

// RecreateTable drops and recreates t with text columns.
func (s *Store) RecreateTable(ctx context.Context, t warehouse.Table, columns []string) error {
	drop, err := sqlgen.DropTable(t)
	if err != nil {
		return err
	}
	create, err := sqlgen.CreateTable(t, sqlgen.TextColumns(columns))
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, drop); err != nil {
			return fmt.Errorf("drop %s: %w", t, err)
		}
		if _, err := tx.ExecContext(ctx, create); err != nil {
			return fmt.Errorf("create %s: %w", t, err)
		}
		return nil
	})
}

// BulkLoad inserts every row from src through one prepared statement.
func (s *Store) BulkLoad(ctx context.Context, t warehouse.Table, columns []string, src warehouse.RowSource) (int64, error) {
	insert, err := sqlgen.New(sqlgen.SQLite).InsertRow(t, columns)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insert)
		if err != nil {
			return fmt.Errorf("prepare insert into %s: %w", t, err)
		}
		defer func() { _ = stmt.Close() }()
		for src.Next() {
			vals, err := src.Values()
			if err != nil {
				return fmt.Errorf("read row %d: %w", n+1, err)
			}
			if _, err := stmt.ExecContext(ctx, vals...); err != nil {
				return fmt.Errorf("insert row %d into %s: %w", n+1, t, err)
			}
			n++
		}
		if err := src.Err(); err != nil {
			return fmt.Errorf("read rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// AlterColumnType rebuilds t with column declared as typ. Values pass
// through a blank-to-NULL CASE and are converted by column affinity.
func (s *Store) AlterColumnType(ctx context.Context, t warehouse.Table, column, typ string) error {
	if err := warehouse.ValidateIdent(column); err != nil {
		return err
	}
	if err := sqlgen.ValidateTypeName(typ); err != nil {
		return err
	}
	cols, err := s.Columns(ctx, t)
	if err != nil {
		return err
	}
	found := false
	names := make([]string, len(cols))
	exprs := make([]string, len(cols))
	for i := range cols {
		names[i] = warehouse.QuoteIdent(cols[i].Name)
		exprs[i] = names[i]
		if cols[i].Name == column {
			found = true
			cols[i].Type = typ
			exprs[i] = sqlgen.BlankToNull(column, "")
		}
	}
	if !found {
		return fmt.Errorf("alter %s: no column %s", t, column)
	}
	tmp := warehouse.Table{Schema: t.Schema, Name: "_align_" + t.Name}
	dropTmp, err := sqlgen.DropTable(tmp)
	if err != nil {
		return err
	}
	create, err := sqlgen.CreateTable(tmp, cols)
	if err != nil {
		return err
	}
	dropOld, err := sqlgen.DropTable(t)
	if err != nil {
		return err
	}
	stmts := []string{
		dropTmp,
		create,
		fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", tmp.Quoted(), strings.Join(names, ", "), strings.Join(exprs, ", "), t.Quoted()),
		dropOld,
		fmt.Sprintf("ALTER TABLE %s RENAME TO %s", tmp.Quoted(), warehouse.QuoteIdent(t.Name)),
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("alter %s.%s to %s: %w", t, column, typ, err)
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
