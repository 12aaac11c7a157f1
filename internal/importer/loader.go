package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"crisimport/internal/logging"
	"crisimport/internal/warehouse"
)

// Supported CSV encodings.
const (
	EncodingUTF8        = "utf-8"
	EncodingWindows1252 = "windows-1252"
)

// extractPattern captures the staging table name from a CRIS extract file
// name such as extract_2023_20230102071611_crash_20230102_0.csv.
var extractPattern = regexp.MustCompile(`(?i)^extract_[\d_]+(.*?)_\d.*\.csv$`)

// TableForFile returns the staging table an extract file loads into.
func TableForFile(name string) (string, bool) {
	m := extractPattern.FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	table := strings.ToLower(m[1])
	if warehouse.ValidateIdent(table) != nil {
		return "", false
	}
	return table, true
}

// LoadedTable reports one extract file loaded into staging.
type LoadedTable struct {
	Table    string
	File     string
	Rows     int64
	Warnings int
}

// Loader bulk-loads extract CSVs into the staging schema.
type Loader struct {
	db      warehouse.Database
	schemas Schemas
	opts    options
}

// NewLoader builds a Loader.
func NewLoader(db warehouse.Database, schemas Schemas, opts ...Option) *Loader {
	return &Loader{db: db, schemas: schemas, opts: buildOptions(opts)}
}

// Load walks dir and loads every matching CSV, replacing the staging table
// it names. Files are processed in lexical path order.
func (l *Loader) Load(ctx context.Context, dir string) ([]LoadedTable, error) {
	if _, err := l.decoder(); err != nil {
		return nil, err
	}
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".csv") {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}

	var loaded []LoadedTable
	seen := make(map[string]string)
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return loaded, err
		}
		name := filepath.Base(path)
		table, ok := TableForFile(name)
		if !ok {
			l.opts.logger.Warn("skipping file with unrecognized name", "file", path)
			continue
		}
		if prev, dup := seen[table]; dup {
			l.opts.logger.Warn("staging table loaded more than once; later file replaces earlier", "table", table, "file", path, "previous", prev)
		}
		seen[table] = path
		res, err := l.LoadFile(ctx, path, table)
		if err != nil {
			return loaded, err
		}
		loaded = append(loaded, res)
	}
	return loaded, nil
}

// LoadFile replaces staging table with the contents of path.
func (l *Loader) LoadFile(ctx context.Context, path, table string) (LoadedTable, error) {
	res := LoadedTable{Table: table, File: path}
	dec, err := l.decoder()
	if err != nil {
		return res, err
	}
	f, err := os.Open(path)
	if err != nil {
		return res, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(transform.NewReader(f, dec))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return res, fmt.Errorf("load %s: empty file", path)
	}
	if err != nil {
		return res, fmt.Errorf("read header of %s: %w", path, err)
	}
	columns, err := NormalizeHeader(header)
	if err != nil {
		return res, fmt.Errorf("load %s: %w", path, err)
	}

	t := l.schemas.staging(table)
	if err := l.db.RecreateTable(ctx, t, columns); err != nil {
		return res, fmt.Errorf("recreate %s: %w", t, err)
	}
	src := &csvSource{reader: reader, width: len(columns), file: path, logger: l.opts.logger}
	n, err := l.db.BulkLoad(ctx, t, columns, src)
	res.Rows = n
	res.Warnings = src.warnings
	if err != nil {
		return res, fmt.Errorf("load %s into %s: %w", path, t, err)
	}
	l.opts.logger.Info("loaded extract", "file", path, "table", t.String(), "rows", n, "warnings", src.warnings)
	return res, nil
}

// decoder returns a fresh transformer for the configured encoding. A UTF-8
// byte order mark is consumed in either case.
func (l *Loader) decoder() (transform.Transformer, error) {
	switch strings.ToLower(l.opts.encoding) {
	case EncodingUTF8, "utf8":
		return xunicode.BOMOverride(xunicode.UTF8.NewDecoder()), nil
	case EncodingWindows1252, "cp1252":
		return xunicode.BOMOverride(charmap.Windows1252.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported csv encoding %q", l.opts.encoding)
	}
}

// NormalizeHeader turns raw CSV header fields into column identifiers:
// trimmed, lower-cased, non-alphanumeric runs collapsed to "_", leading
// digits prefixed with "_". Blank or duplicate results are an error.
func NormalizeHeader(fields []string) ([]string, error) {
	out := make([]string, len(fields))
	seen := make(map[string]int, len(fields))
	for i, f := range fields {
		name := normalizeField(f)
		if name == "" {
			return nil, fmt.Errorf("header field %d (%q) is blank", i+1, f)
		}
		if prev, dup := seen[name]; dup {
			return nil, fmt.Errorf("header fields %d and %d both normalize to %q", prev+1, i+1, name)
		}
		seen[name] = i
		out[i] = name
	}
	return out, nil
}

func normalizeField(f string) string {
	f = norm.NFKC.String(strings.TrimSpace(strings.TrimPrefix(f, "\ufeff")))
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(f) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore {
			b.WriteByte('_')
			underscore = true
		}
	}
	name := strings.Trim(b.String(), "_")
	if name != "" && name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// csvSource adapts a csv.Reader to warehouse.RowSource. Short rows are
// padded and long rows truncated to the header width, with a warning.
type csvSource struct {
	reader   *csv.Reader
	width    int
	file     string
	logger   logging.Logger
	row      []string
	line     int
	warnings int
	err      error
}

func (s *csvSource) Next() bool {
	if s.err != nil {
		return false
	}
	rec, err := s.reader.Read()
	if errors.Is(err, io.EOF) {
		return false
	}
	if err != nil {
		s.err = err
		return false
	}
	s.line++
	if len(rec) != s.width {
		s.warnings++
		s.logger.Warn("row width does not match header", "file", s.file, "row", s.line, "fields", len(rec), "expected", s.width)
		fixed := make([]string, s.width)
		copy(fixed, rec)
		rec = fixed
	}
	s.row = rec
	return true
}

// Values strips trailing carriage returns left by CRLF-in-quotes exports.
func (s *csvSource) Values() ([]any, error) {
	vals := make([]any, len(s.row))
	for i, v := range s.row {
		vals[i] = strings.TrimRight(v, "\r")
	}
	return vals, nil
}

func (s *csvSource) Err() error { return s.err }
