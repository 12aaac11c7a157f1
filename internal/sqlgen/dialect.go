// Package sqlgen builds the parameterized SQL used by the importer. Every
// builder is a pure function of table/column descriptors and key values;
// identifiers are validated and quoted, values are always bound parameters.
package sqlgen

import (
	"strconv"

	"crisimport/internal/warehouse"
)

type postgresDialect struct{}

func (postgresDialect) Name() string               { return "postgres" }
func (postgresDialect) Placeholder(n int) string   { return "$" + strconv.Itoa(n) }
func (postgresDialect) Differs(l, r string) string { return l + " IS DISTINCT FROM " + r }
func (postgresDialect) RowID() string              { return "ctid" }

type sqliteDialect struct{}

func (sqliteDialect) Name() string               { return "sqlite" }
func (sqliteDialect) Placeholder(n int) string   { return "?" + strconv.Itoa(n) }
func (sqliteDialect) Differs(l, r string) string { return l + " IS NOT " + r }
func (sqliteDialect) RowID() string              { return "rowid" }

var (
	// Postgres renders $n placeholders, IS DISTINCT FROM and ctid.
	Postgres warehouse.Dialect = postgresDialect{}
	// SQLite renders ?n placeholders, IS NOT and rowid.
	SQLite warehouse.Dialect = sqliteDialect{}
)
