package importer

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"crisimport/internal/infra/persistence/sqlite"
	"crisimport/internal/schema"
)

type logEntry struct {
	level string
	msg   string
	args  []any
}

// captureLogger records every call so tests can assert on log output.
type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *captureLogger) add(level, msg string, args []any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, args: args})
}

func (c *captureLogger) Debug(msg string, args ...any) { c.add("debug", msg, args) }
func (c *captureLogger) Info(msg string, args ...any)  { c.add("info", msg, args) }
func (c *captureLogger) Warn(msg string, args ...any)  { c.add("warn", msg, args) }
func (c *captureLogger) Error(msg string, args ...any) { c.add("error", msg, args) }

func (c *captureLogger) find(msg string) []logEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logEntry
	for _, e := range c.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}

func (e logEntry) value(key string) (any, bool) {
	for i := 0; i+1 < len(e.args); i += 2 {
		if k, ok := e.args[i].(string); ok && k == key {
			return e.args[i+1], true
		}
	}
	return nil, false
}

var testSchemas = Schemas{Staging: "import", Production: "public"}

func openWarehouse(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), ":memory:", testSchemas.Staging, testSchemas.Production)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func mustExec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
}

// queryStrings renders every row of query as comma-joined values.
func queryStrings(t *testing.T, db *sql.DB, query string) []string {
	t.Helper()
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer func() { _ = rows.Close() }()
	cols, err := rows.Columns()
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("scan: %v", err)
		}
		parts := make([]string, len(vals))
		for i, v := range vals {
			switch x := v.(type) {
			case nil:
				parts[i] = "NULL"
			case []byte:
				parts[i] = string(x)
			default:
				parts[i] = fmt.Sprint(x)
			}
		}
		out = append(out, strings.Join(parts, ","))
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}
	return out
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

// crashRegistry maps only the crash and unit record types with a small
// protected set.
func crashRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	r, err := schema.New(
		schema.MappingSpec{
			Type:             schema.Crash,
			ProductionTable:  "atd_txdot_crashes",
			KeyColumns:       []string{"crash_id"},
			ProtectedColumns: []string{"latitude_primary", "last_update"},
		},
		schema.MappingSpec{
			Type:            schema.Unit,
			ProductionTable: "atd_txdot_units",
			KeyColumns:      []string{"crash_id", "unit_nbr"},
		},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

const createCrashes = `CREATE TABLE "public"."atd_txdot_crashes" (
	crash_id INTEGER,
	crash_speed_limit INTEGER CHECK (crash_speed_limit IS NULL OR crash_speed_limit <= 85),
	latitude_primary REAL,
	rpt_city_id INTEGER,
	last_update TEXT
)`

const createUnits = `CREATE TABLE "public"."atd_txdot_units" (
	crash_id INTEGER,
	unit_nbr INTEGER,
	veh_make TEXT
)`

const crashCSV = "crash_id,crash_speed_limit,latitude_primary,rpt_city_id\n" +
	"100,35,30.5,22\n" +
	"200,40,,22\n"
