package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"crisimport/internal/warehouse"
)

type sliceSource struct {
	rows [][]any
	idx  int
	err  error
}

func (s *sliceSource) Next() bool {
	if s.idx >= len(s.rows) {
		return false
	}
	s.idx++
	return true
}

func (s *sliceSource) Values() ([]any, error) { return s.rows[s.idx-1], nil }
func (s *sliceSource) Err() error             { return s.err }

func openMemory(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), "", "import", "public")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var crashStaging = warehouse.Table{Schema: "import", Name: "crash"}

func TestRecreateLoadAndCatalog(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	if store.Dialect().Name() != "sqlite" || store.Path() != ":memory:" {
		t.Fatalf("unexpected dialect or path")
	}
	if err := store.RecreateTable(ctx, crashStaging, []string{"crash_id", "rpt_city_id"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	n, err := store.BulkLoad(ctx, crashStaging, []string{"crash_id", "rpt_city_id"}, &sliceSource{rows: [][]any{{"100", "22"}, {"200", nil}}})
	if err != nil {
		t.Fatalf("bulk load: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	// recreate drops the previous rows
	if err := store.RecreateTable(ctx, crashStaging, []string{"crash_id"}); err != nil {
		t.Fatalf("recreate again: %v", err)
	}
	var count int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "import"."crash"`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected empty table after recreate, got %d", count)
	}
	if err := store.RecreateTable(ctx, warehouse.Table{Schema: "import", Name: "unit"}, []string{"crash_id", "unit_nbr"}); err != nil {
		t.Fatalf("recreate unit: %v", err)
	}

	tables, err := store.Tables(ctx, "import")
	if err != nil {
		t.Fatalf("tables: %v", err)
	}
	if strings.Join(tables, ",") != "crash,unit" {
		t.Fatalf("unexpected tables %v", tables)
	}
	if prod, _ := store.Tables(ctx, "public"); len(prod) != 0 {
		t.Fatalf("expected empty production schema, got %v", prod)
	}
	cols, err := store.Columns(ctx, warehouse.Table{Schema: "import", Name: "unit"})
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if len(cols) != 2 || cols[1].Name != "unit_nbr" || cols[1].Type != "TEXT" {
		t.Fatalf("unexpected columns %+v", cols)
	}
	missing, err := store.Columns(ctx, warehouse.Table{Schema: "import", Name: "nope"})
	if err != nil || missing == nil || len(missing) != 0 {
		t.Fatalf("expected empty columns for missing table, got %v %v", missing, err)
	}
}

func TestBulkLoadRollsBackOnSourceError(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	if err := store.RecreateTable(ctx, crashStaging, []string{"crash_id"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	_, err := store.BulkLoad(ctx, crashStaging, []string{"crash_id"}, &sliceSource{rows: [][]any{{"1"}}, err: errors.New("truncated")})
	if err == nil {
		t.Fatalf("expected error")
	}
	var count int
	_ = store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM "import"."crash"`).Scan(&count)
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestAlterColumnTypeConvertsBlanks(t *testing.T) {
	ctx := context.Background()
	store := openMemory(t)
	cols := []string{"crash_id", "crash_speed_limit", "rpt_city_id"}
	if err := store.RecreateTable(ctx, crashStaging, cols); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if _, err := store.BulkLoad(ctx, crashStaging, cols, &sliceSource{rows: [][]any{{"100", "45", "22"}, {"200", "", "x"}}}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := store.AlterColumnType(ctx, crashStaging, "crash_speed_limit", "INTEGER"); err != nil {
		t.Fatalf("alter: %v", err)
	}
	got, err := store.Columns(ctx, crashStaging)
	if err != nil {
		t.Fatalf("columns: %v", err)
	}
	if len(got) != 3 || got[0].Name != "crash_id" || got[1].Type != "INTEGER" || got[2].Type != "TEXT" {
		t.Fatalf("unexpected columns after alter %+v", got)
	}
	rows, err := store.DB().QueryContext(ctx, `SELECT crash_id, crash_speed_limit, typeof(crash_speed_limit) FROM "import"."crash" ORDER BY crash_id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer func() { _ = rows.Close() }()
	var seen []string
	for rows.Next() {
		var id, typ string
		var speed sql.NullInt64
		if err := rows.Scan(&id, &speed, &typ); err != nil {
			t.Fatalf("scan: %v", err)
		}
		seen = append(seen, id+":"+typ)
		if id == "200" && speed.Valid {
			t.Fatalf("expected blank to become NULL")
		}
	}
	if strings.Join(seen, ",") != "100:integer,200:null" {
		t.Fatalf("unexpected converted rows %v", seen)
	}
	tables, _ := store.Tables(ctx, "import")
	if strings.Join(tables, ",") != "crash" {
		t.Fatalf("rebuild left stray tables: %v", tables)
	}

	if err := store.AlterColumnType(ctx, crashStaging, "nope", "INTEGER"); err == nil {
		t.Fatalf("expected missing column error")
	}
	if err := store.AlterColumnType(ctx, crashStaging, "crash_id", "INTEGER); DROP TABLE x; --"); err == nil {
		t.Fatalf("expected type validation error")
	}
}

func TestOpenFileAttachesSiblings(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "cris.db")
	store, err := Open(ctx, path, "import", "import", "main")
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := store.RecreateTable(ctx, crashStaging, []string{"crash_id"}); err != nil {
		t.Fatalf("recreate: %v", err)
	}
	_ = store.Close()
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "cris.import.db")); err != nil {
		t.Fatalf("expected attached schema file: %v", err)
	}

	reopened, err := Open(ctx, path, "import")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	tables, _ := reopened.Tables(ctx, "import")
	if len(tables) != 1 || tables[0] != "crash" {
		t.Fatalf("expected staged table to persist, got %v", tables)
	}

	if _, err := Open(ctx, "", "bad-schema"); !errors.Is(err, warehouse.ErrInvalidIdentifier) {
		t.Fatalf("expected invalid schema error, got %v", err)
	}
}
