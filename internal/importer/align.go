package importer

import (
	"context"
	"fmt"
	"strings"

	"crisimport/internal/schema"
	"crisimport/internal/sqlgen"
	"crisimport/internal/warehouse"
)

// Alteration records one staging column retyped to match production.
type Alteration struct {
	Table  string
	Column string
	From   string
	To     string
}

// Aligner retypes staging columns to the declared production types so the
// reconciler compares like with like. Every column shared with production
// leaves alignment with '' stored as NULL.
type Aligner struct {
	db       warehouse.Database
	registry *schema.Registry
	schemas  Schemas
	builder  sqlgen.Builder
	opts     options
}

// NewAligner builds an Aligner.
func NewAligner(db warehouse.Database, registry *schema.Registry, schemas Schemas, opts ...Option) *Aligner {
	return &Aligner{
		db:       db,
		registry: registry,
		schemas:  schemas,
		builder:  sqlgen.New(db.Dialect()),
		opts:     buildOptions(opts),
	}
}

// Align walks every staging table that has a mapping and alters the columns
// whose type differs from production. Unmapped staging tables are ignored.
func (a *Aligner) Align(ctx context.Context) ([]Alteration, error) {
	tables, err := a.db.Tables(ctx, a.schemas.Staging)
	if err != nil {
		return nil, fmt.Errorf("list staging tables: %w", err)
	}
	var out []Alteration
	for _, name := range tables {
		m, ok := a.registry.ForStagingTable(name)
		if !ok {
			a.opts.logger.Debug("no mapping for staging table", "table", name)
			continue
		}
		alts, err := a.AlignTable(ctx, m)
		out = append(out, alts...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// AlignTable aligns the staging table of a single mapping.
func (a *Aligner) AlignTable(ctx context.Context, m schema.Mapping) ([]Alteration, error) {
	staging := a.schemas.staging(m.StagingTable())
	prod := a.schemas.production(m.ProductionTable())
	prodCols, err := a.db.Columns(ctx, prod)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", prod, err)
	}
	stagingCols, err := a.db.Columns(ctx, staging)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", staging, err)
	}
	current := make(map[string]string, len(stagingCols))
	for _, c := range stagingCols {
		current[c.Name] = c.Type
	}

	var out []Alteration
	var untouched []string
	for _, pc := range prodCols {
		have, ok := current[pc.Name]
		if !ok {
			continue
		}
		if strings.EqualFold(have, pc.Type) {
			untouched = append(untouched, pc.Name)
			continue
		}
		if err := sqlgen.ValidateTypeName(pc.Type); err != nil {
			a.opts.logger.Warn("unsupported production column type; staging column left as is",
				"table", staging.String(), "column", pc.Name, "type", pc.Type)
			untouched = append(untouched, pc.Name)
			continue
		}
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if err := a.db.AlterColumnType(ctx, staging, pc.Name, pc.Type); err != nil {
			return out, fmt.Errorf("align %s.%s to %s: %w", staging, pc.Name, pc.Type, err)
		}
		a.opts.logger.Debug("aligned staging column", "table", staging.String(), "column", pc.Name, "from", have, "to", pc.Type)
		out = append(out, Alteration{Table: staging.String(), Column: pc.Name, From: have, To: pc.Type})
	}
	if err := a.nullBlanks(ctx, staging, untouched); err != nil {
		return out, err
	}
	if len(out) > 0 {
		a.opts.logger.Info("aligned staging table", "record_type", string(m.Type()), "table", staging.String(), "columns", len(out))
	}
	return out, nil
}

// nullBlanks maps '' to NULL in columns whose type was not changed. Altered
// columns already went through the same mapping in AlterColumnType.
func (a *Aligner) nullBlanks(ctx context.Context, staging warehouse.Table, cols []string) error {
	if len(cols) == 0 {
		return nil
	}
	stmt, err := a.builder.NullBlanks(staging, cols)
	if err != nil {
		return fmt.Errorf("build blank cleanup for %s: %w", staging, err)
	}
	res, err := a.db.DB().ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return fmt.Errorf("clear blank values in %s: %w", staging, err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		a.opts.logger.Debug("cleared blank staging values", "table", staging.String(), "rows", n)
	}
	return nil
}
