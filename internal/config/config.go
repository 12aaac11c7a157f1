// Package config loads the importer configuration from an optional YAML
// file, then environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"crisimport/internal/blob"
	"crisimport/internal/warehouse"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Extractors.
const (
	Extractor7za = "7za"
	ExtractorZip = "zip"
)

// CSV encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

// Config is the full importer configuration.
type Config struct {
	Database Database    `yaml:"database"`
	Source   Source      `yaml:"source"`
	Archive  Archive     `yaml:"archive"`
	Metrics  Metrics     `yaml:"metrics"`
	Logging  Logging     `yaml:"logging"`
	DryRun   bool        `yaml:"dry_run"`
	Blob     blob.Config `yaml:"blob"`
}

// Database describes the warehouse connection and schemas.
type Database struct {
	Driver           string `yaml:"driver"`
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	User             string `yaml:"user"`
	Password         string `yaml:"password"`
	Name             string `yaml:"name"`
	SSLMode          string `yaml:"sslmode"`
	ImportSchema     string `yaml:"import_schema"`
	ProductionSchema string `yaml:"production_schema"`
	SQLitePath       string `yaml:"sqlite_path"`
}

// Source describes where archives come from and how to open them.
type Source struct {
	SFTPEndpoint string `yaml:"sftp_endpoint"`
	SFTPDir      string `yaml:"sftp_dir"`
	ZipPassword  string `yaml:"zip_password"`
	Extractor    string `yaml:"extractor"`
	CSVEncoding  string `yaml:"csv_encoding"`
	RemoveRemote bool   `yaml:"remove_remote"`
	Attempts     int    `yaml:"attempts"`
}

// Archive controls where processed CSVs are copied.
type Archive struct {
	Prefix string `yaml:"prefix"`
}

// Metrics controls the Pushgateway export.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Logging controls the zap logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

// Load reads path (when non-empty), applies process environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	return LoadWith(path, os.LookupEnv)
}

// LoadWith is Load with an injectable environment.
func LoadWith(path string, lookup LookupFunc) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("parse %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	str("CRIS_DB_DRIVER", &c.Database.Driver)
	str("DB_HOST", &c.Database.Host)
	integer("DB_PORT", &c.Database.Port)
	str("DB_USER", &c.Database.User)
	str("DB_PASS", &c.Database.Password)
	str("DB_NAME", &c.Database.Name)
	str("DB_SSL_REQUIREMENT", &c.Database.SSLMode)
	str("DB_IMPORT_SCHEMA", &c.Database.ImportSchema)
	str("DB_PRODUCTION_SCHEMA", &c.Database.ProductionSchema)
	str("CRIS_SQLITE_PATH", &c.Database.SQLitePath)
	boolean("CRIS_DRY_RUN", &c.DryRun)

	str("CRIS_SFTP_ENDPOINT", &c.Source.SFTPEndpoint)
	str("CRIS_SFTP_DIR", &c.Source.SFTPDir)
	str("CRIS_ZIP_PASSWORD", &c.Source.ZipPassword)
	str("CRIS_EXTRACTOR", &c.Source.Extractor)
	str("CRIS_CSV_ENCODING", &c.Source.CSVEncoding)
	boolean("CRIS_REMOVE_REMOTE", &c.Source.RemoveRemote)

	var driver string
	str("CRIS_ARCHIVE_BLOB_DRIVER", &driver)
	if driver != "" {
		c.Blob.Driver = blob.Driver(driver)
	}
	str("CRIS_ARCHIVE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("CRIS_ARCHIVE_S3_BUCKET", &c.Blob.S3Bucket)
	str("CRIS_ARCHIVE_S3_REGION", &c.Blob.S3Region)
	str("CRIS_ARCHIVE_S3_ENDPOINT", &c.Blob.S3Endpoint)
	boolean("CRIS_ARCHIVE_S3_PATH_STYLE", &c.Blob.S3PathStyle)
	str("CRIS_ARCHIVE_PREFIX", &c.Archive.Prefix)

	str("CRIS_PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	str("CRIS_LOG_LEVEL", &c.Logging.Level)
	str("CRIS_LOG_FORMAT", &c.Logging.Format)
	return errors.Join(errs...)
}

func (c *Config) applyDefaults() {
	setDefault(&c.Database.Driver, DriverPostgres)
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	setDefault(&c.Database.SSLMode, "disable")
	setDefault(&c.Database.ImportSchema, "import")
	setDefault(&c.Database.ProductionSchema, "public")
	setDefault(&c.Database.SQLitePath, ":memory:")
	setDefault(&c.Source.SFTPDir, "/home/txdot")
	setDefault(&c.Source.Extractor, Extractor7za)
	setDefault(&c.Source.CSVEncoding, EncodingUTF8)
	if c.Source.Attempts == 0 {
		c.Source.Attempts = 3
	}
	if c.Blob.Driver == blob.DriverFilesystem {
		setDefault(&c.Blob.FSRoot, "./blobdata")
	}
	if c.Blob.Driver == blob.DriverS3 {
		setDefault(&c.Blob.S3Region, "us-east-1")
	}
	setDefault(&c.Archive.Prefix, "cris/staging")
	setDefault(&c.Metrics.Job, "cris_import")
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
}

func setDefault(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

// Validate rejects configurations the importer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case DriverPostgres:
		if c.Database.Port <= 0 || c.Database.Port > 65535 {
			errs = append(errs, fmt.Errorf("database port %d out of range", c.Database.Port))
		}
	case DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if err := warehouse.ValidateIdent(c.Database.ImportSchema); err != nil {
		errs = append(errs, fmt.Errorf("import schema: %w", err))
	}
	if err := warehouse.ValidateIdent(c.Database.ProductionSchema); err != nil {
		errs = append(errs, fmt.Errorf("production schema: %w", err))
	}
	if c.Database.ImportSchema == c.Database.ProductionSchema {
		errs = append(errs, fmt.Errorf("import and production schema must differ"))
	}
	switch c.Source.Extractor {
	case Extractor7za, ExtractorZip:
	default:
		errs = append(errs, fmt.Errorf("unknown extractor %q", c.Source.Extractor))
	}
	switch strings.ToLower(c.Source.CSVEncoding) {
	case EncodingUTF8, EncodingWindows1252:
	default:
		errs = append(errs, fmt.Errorf("unknown csv encoding %q", c.Source.CSVEncoding))
	}
	if c.Source.Attempts < 1 {
		errs = append(errs, fmt.Errorf("source attempts must be positive"))
	}
	switch c.Blob.Driver {
	case "", blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			errs = append(errs, fmt.Errorf("s3 archive driver requires a bucket"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive blob driver %q", c.Blob.Driver))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// DSN renders a keyword/value connection string for pgx.
func (d Database) DSN() string {
	parts := []string{
		"host=" + dsnQuote(d.Host),
		"port=" + strconv.Itoa(d.Port),
		"user=" + dsnQuote(d.User),
		"password=" + dsnQuote(d.Password),
		"dbname=" + dsnQuote(d.Name),
		"sslmode=" + dsnQuote(d.SSLMode),
	}
	return strings.Join(parts, " ")
}

func dsnQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// String renders the configuration with secrets redacted.
func (c Config) String() string {
	redacted := c
	if redacted.Database.Password != "" {
		redacted.Database.Password = "REDACTED"
	}
	if redacted.Source.ZipPassword != "" {
		redacted.Source.ZipPassword = "REDACTED"
	}
	out, err := yaml.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(out)
}
