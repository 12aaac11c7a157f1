package sqlgen

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"crisimport/internal/warehouse"
)

const (
	prodAlias    = "p"
	stagingAlias = "s"
)

// Statement pairs SQL text with its bound arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Builder renders statements for one dialect.
type Builder struct {
	d warehouse.Dialect
}

// New returns a Builder for d.
func New(d warehouse.Dialect) Builder {
	return Builder{d: d}
}

// Dialect returns the dialect the builder renders for.
func (b Builder) Dialect() warehouse.Dialect { return b.d }

func validateIdents(names ...string) error {
	for _, n := range names {
		if err := warehouse.ValidateIdent(n); err != nil {
			return err
		}
	}
	return nil
}

func validateKey(keys []string, values []any) error {
	if len(keys) == 0 {
		return errors.New("sqlgen: at least one key column required")
	}
	if len(keys) != len(values) {
		return fmt.Errorf("sqlgen: %d key columns but %d values", len(keys), len(values))
	}
	return validateIdents(keys...)
}

func qualify(alias, column string) string {
	if alias == "" {
		return warehouse.QuoteIdent(column)
	}
	return alias + "." + warehouse.QuoteIdent(column)
}

// keyPredicate renders alias."k1" = $start AND alias."k2" = $start+1 ...
func (b Builder) keyPredicate(alias string, keys []string, start int) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = qualify(alias, k) + " = " + b.d.Placeholder(start+i)
	}
	return strings.Join(parts, " AND ")
}

func joinOn(keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = qualify(prodAlias, k) + " = " + qualify(stagingAlias, k)
	}
	return strings.Join(parts, " AND ")
}

func copyArgs(values []any) []any {
	out := make([]any, len(values))
	copy(out, values)
	return out
}

// DescribeKey renders a human-readable key predicate for log lines, e.g.
// "crash_id = 100 AND unit_nbr = 2". It is never executed.
func DescribeKey(keys []string, values []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		var v any
		if i < len(values) {
			v = values[i]
		}
		if s, ok := v.(string); ok {
			parts[i] = fmt.Sprintf("%s = '%s'", k, s)
			continue
		}
		parts[i] = fmt.Sprintf("%s = %v", k, v)
	}
	return strings.Join(parts, " AND ")
}

// DistinctKeys selects each distinct key tuple present in the staging table.
func (b Builder) DistinctKeys(staging warehouse.Table, keys []string) (Statement, error) {
	if err := staging.Validate(); err != nil {
		return Statement{}, err
	}
	if len(keys) == 0 {
		return Statement{}, errors.New("sqlgen: at least one key column required")
	}
	if err := validateIdents(keys...); err != nil {
		return Statement{}, err
	}
	cols := make([]string, len(keys))
	for i, k := range keys {
		cols[i] = warehouse.QuoteIdent(k)
	}
	return Statement{SQL: fmt.Sprintf("SELECT DISTINCT %s FROM %s", strings.Join(cols, ", "), staging.Quoted())}, nil
}

// CountMatches counts production rows carrying the given key.
func (b Builder) CountMatches(prod warehouse.Table, keys []string, values []any) (Statement, error) {
	if err := prod.Validate(); err != nil {
		return Statement{}, err
	}
	if err := validateKey(keys, values); err != nil {
		return Statement{}, err
	}
	sql := fmt.Sprintf("SELECT COUNT(*) FROM %s AS %s WHERE %s", prod.Quoted(), prodAlias, b.keyPredicate(prodAlias, keys, 1))
	return Statement{SQL: sql, Args: copyArgs(values)}, nil
}

// ChangedColumns selects one 0/1 flag per compared column, 1 meaning the
// production and staging values differ (NULL on both sides counts as equal).
// Only the first joined production row is considered.
func (b Builder) ChangedColumns(prod, staging warehouse.Table, keys, compare []string, values []any) (Statement, error) {
	if err := b.validatePair(prod, staging, keys, values); err != nil {
		return Statement{}, err
	}
	if len(compare) == 0 {
		return Statement{}, errors.New("sqlgen: no columns to compare")
	}
	if err := validateIdents(compare...); err != nil {
		return Statement{}, err
	}
	flags := make([]string, len(compare))
	for i, c := range compare {
		flags[i] = fmt.Sprintf("CASE WHEN %s THEN 1 ELSE 0 END AS %s",
			b.d.Differs(qualify(prodAlias, c), qualify(stagingAlias, c)), warehouse.QuoteIdent(c))
	}
	sql := fmt.Sprintf("SELECT %s FROM %s AS %s JOIN %s AS %s ON %s WHERE %s LIMIT 1",
		strings.Join(flags, ", "),
		prod.Quoted(), prodAlias,
		staging.Quoted(), stagingAlias,
		joinOn(keys),
		b.keyPredicate(prodAlias, keys, 1))
	return Statement{SQL: sql, Args: copyArgs(values)}, nil
}

// ColumnValues selects production and staging values side by side for cols:
// p.c1, s.c1, p.c2, s.c2, ...
func (b Builder) ColumnValues(prod, staging warehouse.Table, keys, cols []string, values []any) (Statement, error) {
	if err := b.validatePair(prod, staging, keys, values); err != nil {
		return Statement{}, err
	}
	if len(cols) == 0 {
		return Statement{}, errors.New("sqlgen: no columns to select")
	}
	if err := validateIdents(cols...); err != nil {
		return Statement{}, err
	}
	sel := make([]string, 0, 2*len(cols))
	for _, c := range cols {
		sel = append(sel, qualify(prodAlias, c), qualify(stagingAlias, c))
	}
	sql := fmt.Sprintf("SELECT %s FROM %s AS %s JOIN %s AS %s ON %s WHERE %s LIMIT 1",
		strings.Join(sel, ", "),
		prod.Quoted(), prodAlias,
		staging.Quoted(), stagingAlias,
		joinOn(keys),
		b.keyPredicate(prodAlias, keys, 1))
	return Statement{SQL: sql, Args: copyArgs(values)}, nil
}

// Update sets every assigned production column from the staging row sharing
// the key.
func (b Builder) Update(prod, staging warehouse.Table, keys, assign []string, values []any) (Statement, error) {
	if err := b.validatePair(prod, staging, keys, values); err != nil {
		return Statement{}, err
	}
	if len(assign) == 0 {
		return Statement{}, errors.New("sqlgen: no columns to assign")
	}
	if err := validateIdents(assign...); err != nil {
		return Statement{}, err
	}
	sets := make([]string, len(assign))
	for i, c := range assign {
		sets[i] = warehouse.QuoteIdent(c) + " = " + qualify(stagingAlias, c)
	}
	sql := fmt.Sprintf("UPDATE %s AS %s SET %s FROM %s AS %s WHERE %s AND %s",
		prod.Quoted(), prodAlias,
		strings.Join(sets, ", "),
		staging.Quoted(), stagingAlias,
		joinOn(keys),
		b.keyPredicate(prodAlias, keys, 1))
	return Statement{SQL: sql, Args: copyArgs(values)}, nil
}

// Insert copies one staging row, selected by key, into production.
func (b Builder) Insert(prod, staging warehouse.Table, keys, cols []string, values []any) (Statement, error) {
	if err := b.validatePair(prod, staging, keys, values); err != nil {
		return Statement{}, err
	}
	if len(cols) == 0 {
		return Statement{}, errors.New("sqlgen: no columns to insert")
	}
	if err := validateIdents(cols...); err != nil {
		return Statement{}, err
	}
	target := make([]string, len(cols))
	source := make([]string, len(cols))
	for i, c := range cols {
		target[i] = warehouse.QuoteIdent(c)
		source[i] = qualify(stagingAlias, c)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS %s WHERE %s LIMIT 1",
		prod.Quoted(),
		strings.Join(target, ", "),
		strings.Join(source, ", "),
		staging.Quoted(), stagingAlias,
		b.keyPredicate(stagingAlias, keys, 1))
	return Statement{SQL: sql, Args: copyArgs(values)}, nil
}

// DeleteBlankKeys removes staging rows where any key column is NULL or blank.
func (b Builder) DeleteBlankKeys(staging warehouse.Table, keys []string) (Statement, error) {
	if err := staging.Validate(); err != nil {
		return Statement{}, err
	}
	if len(keys) == 0 {
		return Statement{}, errors.New("sqlgen: at least one key column required")
	}
	if err := validateIdents(keys...); err != nil {
		return Statement{}, err
	}
	conds := make([]string, len(keys))
	for i, k := range keys {
		q := warehouse.QuoteIdent(k)
		conds[i] = fmt.Sprintf("%s IS NULL OR TRIM(CAST(%s AS TEXT)) = ''", q, q)
	}
	return Statement{SQL: fmt.Sprintf("DELETE FROM %s WHERE %s", staging.Quoted(), strings.Join(conds, " OR "))}, nil
}

// DeleteDuplicateKeys keeps only the staging row with the highest dialect row
// id for each key, so compare, update and insert all read the same row.
func (b Builder) DeleteDuplicateKeys(staging warehouse.Table, keys []string) (Statement, error) {
	if err := staging.Validate(); err != nil {
		return Statement{}, err
	}
	if len(keys) == 0 {
		return Statement{}, errors.New("sqlgen: at least one key column required")
	}
	if err := validateIdents(keys...); err != nil {
		return Statement{}, err
	}
	const dupAlias = "d"
	outer := staging.Quoted()
	conds := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		conds = append(conds, qualify(dupAlias, k)+" = "+outer+"."+warehouse.QuoteIdent(k))
	}
	rowID := b.d.RowID()
	conds = append(conds, dupAlias+"."+rowID+" > "+outer+"."+rowID)
	sql := fmt.Sprintf("DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s AS %s WHERE %s)",
		outer, outer, dupAlias, strings.Join(conds, " AND "))
	return Statement{SQL: sql}, nil
}

// NullBlanks sets every empty-string value in cols to NULL with one UPDATE.
func (b Builder) NullBlanks(t warehouse.Table, cols []string) (Statement, error) {
	if err := t.Validate(); err != nil {
		return Statement{}, err
	}
	if len(cols) == 0 {
		return Statement{}, errors.New("sqlgen: no columns to clean")
	}
	if err := validateIdents(cols...); err != nil {
		return Statement{}, err
	}
	sets := make([]string, len(cols))
	conds := make([]string, len(cols))
	for i, c := range cols {
		q := warehouse.QuoteIdent(c)
		blank := fmt.Sprintf("CAST(%s AS TEXT) = ''", q)
		sets[i] = fmt.Sprintf("%s = CASE WHEN %s THEN NULL ELSE %s END", q, blank, q)
		conds[i] = blank
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", t.Quoted(), strings.Join(sets, ", "), strings.Join(conds, " OR "))
	return Statement{SQL: sql}, nil
}

// InsertRow renders a single-row VALUES insert used for non-COPY bulk loads.
func (b Builder) InsertRow(t warehouse.Table, cols []string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if err := validateIdents(cols...); err != nil {
		return "", err
	}
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		names[i] = warehouse.QuoteIdent(c)
		marks[i] = b.d.Placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.Quoted(), strings.Join(names, ", "), strings.Join(marks, ", ")), nil
}

func (b Builder) validatePair(prod, staging warehouse.Table, keys []string, values []any) error {
	if err := prod.Validate(); err != nil {
		return err
	}
	if err := staging.Validate(); err != nil {
		return err
	}
	return validateKey(keys, values)
}

// DropTable renders DROP TABLE IF EXISTS for t.
func DropTable(t warehouse.Table) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	return "DROP TABLE IF EXISTS " + t.Quoted(), nil
}

// CreateTable renders a CREATE TABLE with the given column definitions.
func CreateTable(t warehouse.Table, cols []warehouse.Column) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if len(cols) == 0 {
		return "", fmt.Errorf("sqlgen: table %s needs at least one column", t)
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		if err := warehouse.ValidateIdent(c.Name); err != nil {
			return "", err
		}
		if err := ValidateTypeName(c.Type); err != nil {
			return "", err
		}
		defs[i] = warehouse.QuoteIdent(c.Name) + " " + c.Type
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", t.Quoted(), strings.Join(defs, ", ")), nil
}

// TextColumns declares every name as a TEXT column.
func TextColumns(names []string) []warehouse.Column {
	out := make([]warehouse.Column, len(names))
	for i, n := range names {
		out[i] = warehouse.Column{Name: n, Type: "TEXT"}
	}
	return out
}

// BlankToNull renders the CASE expression that maps an empty string to NULL
// for column, reading it as text.
func BlankToNull(column, textCast string) string {
	q := warehouse.QuoteIdent(column)
	if textCast != "" {
		q = q + textCast
	}
	return fmt.Sprintf("CASE WHEN %s = '' THEN NULL ELSE %s END", q, q)
}

// AlterColumnTypeUsing renders the Postgres ALTER that retypes a staging
// column, treating '' as NULL before the cast.
func AlterColumnTypeUsing(t warehouse.Table, column, typ string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	if err := warehouse.ValidateIdent(column); err != nil {
		return "", err
	}
	if err := ValidateTypeName(typ); err != nil {
		return "", err
	}
	return fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DATA TYPE %s USING (%s)::%s",
		t.Quoted(), warehouse.QuoteIdent(column), typ, BlankToNull(column, "::text"), typ), nil
}

var typeNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_ .]*(\([A-Za-z0-9_, ]+\))?( ?[A-Za-z ]+)?(\[\])?$`)

// ValidateTypeName accepts catalog type names such as "integer",
// "character varying(50)", "numeric(10, 2)", "timestamp without time zone",
// "geometry(Point,4326)" or "text[]". Quoted names are rejected.
func ValidateTypeName(typ string) error {
	if !typeNamePattern.MatchString(typ) {
		return fmt.Errorf("sqlgen: unsupported column type %q", typ)
	}
	return nil
}
