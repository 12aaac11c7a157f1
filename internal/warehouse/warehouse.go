// Package warehouse defines the table/column descriptors and the database
// surface shared by the importer and the concrete Postgres/SQLite stores.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidIdentifier is returned when a table, schema or column name cannot
// be safely placed in generated SQL.
var ErrInvalidIdentifier = errors.New("warehouse: invalid identifier")

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateIdent reports whether name is a plain SQL identifier.
func ValidateIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, name)
	}
	return nil
}

// QuoteIdent double-quotes an identifier. Both supported dialects accept
// standard SQL quoting.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Table names a table within a schema.
type Table struct {
	Schema string
	Name   string
}

// Validate checks both parts of the table name.
func (t Table) Validate() error {
	if err := ValidateIdent(t.Schema); err != nil {
		return err
	}
	return ValidateIdent(t.Name)
}

// Quoted renders the schema-qualified, quoted table name.
func (t Table) Quoted() string {
	return QuoteIdent(t.Schema) + "." + QuoteIdent(t.Name)
}

func (t Table) String() string { return t.Schema + "." + t.Name }

// Column is a catalog column with its declared SQL type.
type Column struct {
	Name string
	Type string
}

// ColumnNames returns the names of cols in order.
func ColumnNames(cols []Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

// RowSource streams rows into a bulk load. It has the same shape as
// pgx.CopyFromSource so the Postgres store can hand it straight to COPY.
type RowSource interface {
	Next() bool
	Values() ([]any, error)
	Err() error
}

// Dialect captures the handful of syntax differences between the supported
// databases.
type Dialect interface {
	Name() string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder(n int) string
	// Differs renders a null-safe "values differ" predicate.
	Differs(left, right string) string
	// RowID names the physical row identifier, which grows with load order
	// in a freshly loaded table.
	RowID() string
}

// Database is the catalog and bulk-load surface the importer needs from a
// concrete store. Row-level queries go through DB().
type Database interface {
	Dialect() Dialect
	DB() *sql.DB
	// Tables lists base tables in schema, sorted by name.
	Tables(ctx context.Context, schema string) ([]string, error)
	// Columns lists the columns of t in ordinal order. A missing table yields
	// an empty slice.
	Columns(ctx context.Context, t Table) ([]Column, error)
	// RecreateTable drops t if present and creates it with one text column per name.
	RecreateTable(ctx context.Context, t Table, columns []string) error
	// BulkLoad appends all rows from src into t.
	BulkLoad(ctx context.Context, t Table, columns []string, src RowSource) (int64, error)
	// AlterColumnType changes the declared type of column, mapping '' to NULL.
	AlterColumnType(ctx context.Context, t Table, column, typ string) error
	Close() error
}
