package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crisimport/internal/blob"
)

func envOf(m map[string]string) LookupFunc {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWith("", envOf(nil))
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "disable", cfg.Database.SSLMode)
	assert.Equal(t, "import", cfg.Database.ImportSchema)
	assert.Equal(t, "public", cfg.Database.ProductionSchema)
	assert.Equal(t, "/home/txdot", cfg.Source.SFTPDir)
	assert.Equal(t, Extractor7za, cfg.Source.Extractor)
	assert.Equal(t, EncodingUTF8, cfg.Source.CSVEncoding)
	assert.Equal(t, 3, cfg.Source.Attempts)
	assert.Equal(t, "cris/staging", cfg.Archive.Prefix)
	assert.False(t, cfg.Blob.Enabled())
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cris.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  driver: postgres
  host: db.internal
  port: 6543
  user: vz
  name: atd_vz_data
  import_schema: staging
source:
  zip_password: secret
  extractor: zip
blob:
  driver: s3
  s3_bucket: from-file
logging:
  format: console
`), 0o600))

	cfg, err := LoadWith(path, envOf(map[string]string{
		"DB_PASS":                "pw",
		"DB_PORT":                "5433",
		"CRIS_DRY_RUN":           "true",
		"CRIS_ARCHIVE_S3_BUCKET": "from-env",
		"CRIS_LOG_LEVEL":         "debug",
		"CRIS_REMOVE_REMOTE":     "1",
	}))
	require.NoError(t, err)

	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "pw", cfg.Database.Password)
	assert.Equal(t, "staging", cfg.Database.ImportSchema)
	assert.Equal(t, ExtractorZip, cfg.Source.Extractor)
	assert.True(t, cfg.DryRun)
	assert.True(t, cfg.Source.RemoveRemote)
	assert.Equal(t, blob.DriverS3, cfg.Blob.Driver)
	assert.Equal(t, "from-env", cfg.Blob.S3Bucket)
	assert.Equal(t, "us-east-1", cfg.Blob.S3Region)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"bad driver":        {"CRIS_DB_DRIVER": "mysql"},
		"bad port":          {"DB_PORT": "abc"},
		"port range":        {"DB_PORT": "70000"},
		"bad bool":          {"CRIS_DRY_RUN": "maybe"},
		"bad schema":        {"DB_IMPORT_SCHEMA": "import; drop"},
		"same schema":       {"DB_IMPORT_SCHEMA": "public"},
		"bad extractor":     {"CRIS_EXTRACTOR": "rar"},
		"bad encoding":      {"CRIS_CSV_ENCODING": "latin-9"},
		"s3 without bucket": {"CRIS_ARCHIVE_BLOB_DRIVER": "s3"},
		"bad blob driver":   {"CRIS_ARCHIVE_BLOB_DRIVER": "gcs"},
		"bad log format":    {"CRIS_LOG_FORMAT": "xml"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadWith("", envOf(env))
			assert.Error(t, err)
		})
	}

	_, err := LoadWith(filepath.Join(t.TempDir(), "missing.yaml"), envOf(nil))
	assert.ErrorContains(t, err, "read config file")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("database: [oops"), 0o600))
	_, err = LoadWith(bad, envOf(nil))
	assert.ErrorContains(t, err, "parse config")
}

func TestSQLiteAndFSDefaults(t *testing.T) {
	cfg, err := LoadWith("", envOf(map[string]string{
		"CRIS_DB_DRIVER":           "sqlite",
		"CRIS_ARCHIVE_BLOB_DRIVER": "fs",
		"CRIS_CSV_ENCODING":        "windows-1252",
	}))
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.SQLitePath)
	assert.Equal(t, "./blobdata", cfg.Blob.FSRoot)
	assert.True(t, cfg.Blob.Enabled())
}

func TestPostgresDSN(t *testing.T) {
	cfg, err := LoadWith("", envOf(map[string]string{
		"DB_HOST": "localhost",
		"DB_USER": "vz",
		"DB_PASS": "it's a secret",
		"DB_NAME": "atd_vz_data",
	}))
	require.NoError(t, err)
	assert.Equal(t, `host=localhost port=5432 user=vz password='it\'s a secret' dbname=atd_vz_data sslmode=disable`, cfg.Database.DSN())
}

func TestStringRedactsSecrets(t *testing.T) {
	cfg, err := LoadWith("", envOf(map[string]string{
		"DB_PASS":           "hunter2",
		"CRIS_ZIP_PASSWORD": "zipsecret",
	}))
	require.NoError(t, err)
	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "zipsecret")
	assert.Contains(t, out, "REDACTED")
	assert.Equal(t, "hunter2", cfg.Database.Password)
}
