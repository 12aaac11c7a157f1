package importer

import (
	"context"
	"fmt"

	"crisimport/internal/schema"
	"crisimport/internal/sqlgen"
	"crisimport/internal/warehouse"
)

// KeyEnforcer removes staging rows whose natural key is incomplete and
// collapses repeated keys to the last loaded row.
type KeyEnforcer struct {
	db       warehouse.Database
	registry *schema.Registry
	schemas  Schemas
	builder  sqlgen.Builder
	opts     options
}

// NewKeyEnforcer builds a KeyEnforcer.
func NewKeyEnforcer(db warehouse.Database, registry *schema.Registry, schemas Schemas, opts ...Option) *KeyEnforcer {
	return &KeyEnforcer{
		db:       db,
		registry: registry,
		schemas:  schemas,
		builder:  sqlgen.New(db.Dialect()),
		opts:     buildOptions(opts),
	}
}

// Enforce runs EnforceTable for every mapped staging table present and
// returns rows deleted per staging table.
func (k *KeyEnforcer) Enforce(ctx context.Context) (map[string]int64, error) {
	tables, err := k.db.Tables(ctx, k.schemas.Staging)
	if err != nil {
		return nil, fmt.Errorf("list staging tables: %w", err)
	}
	out := make(map[string]int64)
	for _, name := range tables {
		m, ok := k.registry.ForStagingTable(name)
		if !ok {
			continue
		}
		n, err := k.EnforceTable(ctx, m)
		if err != nil {
			return out, err
		}
		out[name] = n
	}
	return out, nil
}

// EnforceTable deletes rows where any key column is NULL or blank, then
// deletes all but the last loaded row of each repeated key. It returns the
// total number of rows removed.
func (k *KeyEnforcer) EnforceTable(ctx context.Context, m schema.Mapping) (int64, error) {
	staging := k.schemas.staging(m.StagingTable())
	cols, err := k.db.Columns(ctx, staging)
	if err != nil {
		return 0, fmt.Errorf("describe %s: %w", staging, err)
	}
	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[c.Name] = true
	}
	keys := m.KeyColumns()
	for _, key := range keys {
		if !present[key] {
			return 0, fmt.Errorf("enforce keys on %s: key column %s missing from staging", staging, key)
		}
	}

	stmt, err := k.builder.DeleteBlankKeys(staging, keys)
	if err != nil {
		return 0, fmt.Errorf("build key delete for %s: %w", staging, err)
	}
	blank, err := k.exec(ctx, staging, stmt)
	if err != nil {
		return 0, err
	}
	if blank > 0 {
		k.opts.logger.Warn("removed staging rows with incomplete keys", "record_type", string(m.Type()), "table", staging.String(), "rows", blank)
	}

	stmt, err = k.builder.DeleteDuplicateKeys(staging, keys)
	if err != nil {
		return blank, fmt.Errorf("build duplicate delete for %s: %w", staging, err)
	}
	dups, err := k.exec(ctx, staging, stmt)
	if err != nil {
		return blank, err
	}
	if dups > 0 {
		k.opts.logger.Warn("removed duplicate staging keys", "record_type", string(m.Type()), "table", staging.String(), "rows", dups)
	}
	return blank + dups, nil
}

func (k *KeyEnforcer) exec(ctx context.Context, staging warehouse.Table, stmt sqlgen.Statement) (int64, error) {
	res, err := k.db.DB().ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, fmt.Errorf("enforce keys on %s: %w", staging, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("enforce keys on %s: %w", staging, err)
	}
	return n, nil
}
