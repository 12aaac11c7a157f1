package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisimport/internal/blob"
	"crisimport/internal/infra/blob/memory"
	"crisimport/internal/infra/persistence/sqlite"
	"crisimport/internal/logging"
	"crisimport/internal/schema"
)

const crashCSV = "crash_id,crash_speed_limit,rpt_city_id\n" +
	"100,35,22\n" +
	"200,40,22\n"

type harness struct {
	env    *Env
	stdout *bytes.Buffer
	stderr *bytes.Buffer
	vars   map[string]string
	dbPath string
	store  *memory.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	registry, err := schema.New(schema.MappingSpec{
		Type:             schema.Crash,
		ProductionTable:  "atd_txdot_crashes",
		KeyColumns:       []string{"crash_id"},
		ProtectedColumns: []string{"last_update"},
	})
	require.NoError(t, err)

	mock := clock.NewMock()
	mock.Set(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		dbPath: filepath.Join(t.TempDir(), "warehouse.db"),
		store:  memory.New(),
	}
	h.vars = map[string]string{
		"CRIS_DB_DRIVER":   "sqlite",
		"CRIS_SQLITE_PATH": h.dbPath,
		"CRIS_EXTRACTOR":   "zip",
	}
	h.env = DefaultEnv()
	h.env.Stdout = h.stdout
	h.env.Stderr = h.stderr
	h.env.Clock = mock
	h.env.Logger = logging.Noop()
	h.env.Registry = registry
	h.env.Lookup = func(key string) (string, bool) {
		v, ok := h.vars[key]
		return v, ok
	}
	h.env.OpenBlob = func(context.Context, blob.Config) (blob.Store, error) { return h.store, nil }

	db := h.open(t)
	_, err = db.DB().Exec(`CREATE TABLE "public"."atd_txdot_crashes" (
		crash_id INTEGER,
		crash_speed_limit INTEGER,
		rpt_city_id INTEGER,
		last_update TEXT
	)`)
	require.NoError(t, err)
	_, err = db.DB().Exec(`INSERT INTO "public"."atd_txdot_crashes" VALUES (100, 30, 22, 'reviewed')`)
	require.NoError(t, err)
	return h
}

func (h *harness) open(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(context.Background(), h.dbPath, "import", "public")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (h *harness) run(args ...string) int {
	h.stdout.Reset()
	h.stderr.Reset()
	return Main(context.Background(), h.env, args)
}

func (h *harness) production(t *testing.T) []string {
	t.Helper()
	rows, err := h.open(t).DB().Query(`SELECT crash_id, crash_speed_limit, COALESCE(last_update, '') FROM "public"."atd_txdot_crashes" ORDER BY crash_id`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id, limit int
		var note string
		require.NoError(t, rows.Scan(&id, &limit, &note))
		out = append(out, strings.Join([]string{strconv.Itoa(id), strconv.Itoa(limit), note}, ","))
	}
	require.NoError(t, rows.Err())
	return out
}

func TestLoadThenReconcile(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_23_20240301_crash_20240301.csv"), []byte(crashCSV), 0o600))

	require.Equal(t, 0, h.run("load", dir), h.stderr.String())
	assert.Contains(t, h.stdout.String(), "COMPLETE")
	assert.Contains(t, h.stdout.String(), "loaded")

	require.Equal(t, 0, h.run("reconcile", "--dry-run"), h.stderr.String())
	assert.Contains(t, h.stdout.String(), "(dry run)")
	assert.Len(t, h.production(t), 1, "dry run leaves production alone")

	require.Equal(t, 0, h.run("reconcile"), h.stderr.String())
	out := h.stdout.String()
	assert.Contains(t, out, "inserted=1")
	assert.Contains(t, out, "updated=1")
	assert.Len(t, h.production(t), 2)
}

func TestReconcileWritesProtectedColumnsUntouched(t *testing.T) {
	h := newHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "extract_23_20240301_crash_20240301.csv"), []byte(crashCSV), 0o600))
	require.Equal(t, 0, h.run("load", dir), h.stderr.String())
	require.Equal(t, 0, h.run("reconcile"), h.stderr.String())

	rows, err := h.open(t).DB().Query(`SELECT crash_speed_limit, last_update FROM "public"."atd_txdot_crashes" WHERE crash_id = 100`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	require.True(t, rows.Next())
	var limit int
	var note string
	require.NoError(t, rows.Scan(&limit, &note))
	assert.Equal(t, 35, limit)
	assert.Equal(t, "reviewed", note)
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestRunFromLocalArchive(t *testing.T) {
	h := newHarness(t)
	h.vars["CRIS_ARCHIVE_BLOB_DRIVER"] = "memory"
	zipPath := filepath.Join(t.TempDir(), "extract_2024.zip")
	writeZip(t, zipPath, map[string]string{
		"extract_23_20240301_crash_20240301.csv": crashCSV,
	})

	require.Equal(t, 0, h.run("run", "--archive", zipPath), h.stderr.String())
	out := h.stdout.String()
	assert.Contains(t, out, "COMPLETE")
	assert.Contains(t, out, "archived 1 files")
	assert.Len(t, h.production(t), 2)

	infos, err := h.store.List(context.Background(), "cris/staging/2024-03-01/")
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "cris/staging/2024-03-01/extract_23_20240301_crash_20240301.csv", infos[0].Key)

	require.Equal(t, 0, h.run("archives"), h.stderr.String())
	assert.Contains(t, h.stdout.String(), "extract_23_20240301_crash_20240301.csv")
	require.Equal(t, 0, h.run("archives", "2024-03-02"), h.stderr.String())
	assert.NotContains(t, h.stdout.String(), "extract_23")

	require.Equal(t, 0, h.run("archives", "--show", "cris/staging/2024-03-01/extract_23_20240301_crash_20240301.csv"), h.stderr.String())
	assert.Equal(t, crashCSV, h.stdout.String())
	assert.Equal(t, 1, h.run("archives", "--show", "cris/staging/2024-03-01/missing.csv"))
	assert.Contains(t, h.stderr.String(), "not found")
}

func TestRunNeedsSource(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("run"))
	assert.Contains(t, h.stderr.String(), "no archive source")

	assert.Equal(t, 1, h.run("run", "--archive", "a.zip", "--sftp"))
}

func TestRunMissingArchiveFails(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, 1, h.run("run", "--archive", filepath.Join(t.TempDir(), "missing.zip")))
	assert.Contains(t, h.stdout.String(), "FAILED")
	assert.Contains(t, h.stderr.String(), "ACQUIRE")
}

func TestBadConfig(t *testing.T) {
	h := newHarness(t)
	h.vars["CRIS_DB_DRIVER"] = "oracle"
	assert.Equal(t, 1, h.run("reconcile"))
	assert.Contains(t, h.stderr.String(), `unknown database driver "oracle"`)

	h.vars["CRIS_DB_DRIVER"] = "sqlite"
	assert.Equal(t, 1, h.run("archives"))
	assert.Contains(t, h.stderr.String(), "no archive store configured")

	h.vars["CRIS_ARCHIVE_BLOB_DRIVER"] = "memory"
	assert.Equal(t, 1, h.run("archives", "March 1"))
	assert.Contains(t, h.stderr.String(), "parse date")
}
