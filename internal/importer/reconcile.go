package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"crisimport/internal/schema"
	"crisimport/internal/sqlgen"
	"crisimport/internal/warehouse"
)

// Row outcomes, also used as metric label values.
const (
	OutcomeInserted  = "inserted"
	OutcomeUpdated   = "updated"
	OutcomeUnchanged = "unchanged"
	OutcomeFailed    = "failed"
)

// TableResult summarizes one record type's reconciliation. Err is set when
// the table could not be processed at all.
type TableResult struct {
	RecordType schema.RecordType
	Table      string
	Inserted   int
	Updated    int
	Unchanged  int
	Failed     int
	Err        error
}

// Total is the number of staging keys visited.
func (r TableResult) Total() int {
	return r.Inserted + r.Updated + r.Unchanged + r.Failed
}

// Reconciler merges staging rows into production, one key at a time.
type Reconciler struct {
	db       warehouse.Database
	registry *schema.Registry
	schemas  Schemas
	builder  sqlgen.Builder
	opts     options
}

// NewReconciler builds a Reconciler.
func NewReconciler(db warehouse.Database, registry *schema.Registry, schemas Schemas, opts ...Option) *Reconciler {
	return &Reconciler{
		db:       db,
		registry: registry,
		schemas:  schemas,
		builder:  sqlgen.New(db.Dialect()),
		opts:     buildOptions(opts),
	}
}

// Reconcile processes every mapping, in registry order, whose staging table
// is present. A table that cannot be processed is logged and reported in its
// TableResult; only context cancellation aborts the whole call.
func (r *Reconciler) Reconcile(ctx context.Context) ([]TableResult, error) {
	tables, err := r.db.Tables(ctx, r.schemas.Staging)
	if err != nil {
		return nil, fmt.Errorf("list staging tables: %w", err)
	}
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	var results []TableResult
	for _, m := range r.registry.Mappings() {
		if !present[m.StagingTable()] {
			continue
		}
		res, err := r.ReconcileTable(ctx, m)
		results = append(results, res)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return results, ctxErr
			}
			r.opts.logger.Error("reconcile table failed", "record_type", string(m.Type()), "table", res.Table, "error", err)
		}
	}
	return results, nil
}

// ReconcileTable inserts or updates production rows for every distinct key
// in the mapping's staging table.
func (r *Reconciler) ReconcileTable(ctx context.Context, m schema.Mapping) (TableResult, error) {
	staging := r.schemas.staging(m.StagingTable())
	prod := r.schemas.production(m.ProductionTable())
	res := TableResult{RecordType: m.Type(), Table: prod.String()}
	fail := func(err error) (TableResult, error) {
		res.Err = err
		return res, err
	}

	plan, err := r.plan(ctx, m, prod, staging)
	if err != nil {
		return fail(err)
	}
	keys, err := r.stagingKeys(ctx, staging, plan.keys)
	if err != nil {
		return fail(err)
	}

	log := r.opts.logger
	for _, values := range keys {
		if err := ctx.Err(); err != nil {
			r.record(res)
			return fail(err)
		}
		outcome, err := r.reconcileRow(ctx, plan, values)
		if err != nil {
			res.Failed++
			log.Error("reconcile row failed",
				"record_type", string(m.Type()),
				"table", prod.String(),
				"key", sqlgen.DescribeKey(plan.keys, values),
				"sql", sqlOf(err),
				"error", err)
			continue
		}
		switch outcome {
		case OutcomeInserted:
			res.Inserted++
		case OutcomeUpdated:
			res.Updated++
		default:
			res.Unchanged++
		}
	}
	r.record(res)
	log.Info("reconciled table",
		"record_type", string(m.Type()),
		"table", prod.String(),
		"keys", len(keys),
		"inserted", res.Inserted,
		"updated", res.Updated,
		"unchanged", res.Unchanged,
		"failed", res.Failed,
		"dry_run", r.opts.dryRun)
	return res, nil
}

func (r *Reconciler) record(res TableResult) {
	rt := string(res.RecordType)
	r.opts.recorder.AddRows(rt, OutcomeInserted, res.Inserted)
	r.opts.recorder.AddRows(rt, OutcomeUpdated, res.Updated)
	r.opts.recorder.AddRows(rt, OutcomeUnchanged, res.Unchanged)
	r.opts.recorder.AddRows(rt, OutcomeFailed, res.Failed)
}

// tablePlan is the column layout shared by every row of one table.
type tablePlan struct {
	mapping    schema.Mapping
	prod       warehouse.Table
	staging    warehouse.Table
	keys       []string
	common     []string
	comparable []string
}

func (r *Reconciler) plan(ctx context.Context, m schema.Mapping, prod, staging warehouse.Table) (tablePlan, error) {
	prodCols, err := r.db.Columns(ctx, prod)
	if err != nil {
		return tablePlan{}, fmt.Errorf("describe %s: %w", prod, err)
	}
	if len(prodCols) == 0 {
		return tablePlan{}, fmt.Errorf("production table %s not found", prod)
	}
	stagingCols, err := r.db.Columns(ctx, staging)
	if err != nil {
		return tablePlan{}, fmt.Errorf("describe %s: %w", staging, err)
	}
	inStaging := make(map[string]bool, len(stagingCols))
	for _, c := range stagingCols {
		inStaging[c.Name] = true
	}
	p := tablePlan{mapping: m, prod: prod, staging: staging, keys: m.KeyColumns()}
	for _, k := range p.keys {
		if !inStaging[k] {
			return tablePlan{}, fmt.Errorf("key column %s missing from %s", k, staging)
		}
	}
	for _, c := range prodCols {
		if !inStaging[c.Name] {
			continue
		}
		p.common = append(p.common, c.Name)
		if !m.IsKey(c.Name) && !m.IsProtected(c.Name) {
			p.comparable = append(p.comparable, c.Name)
		}
	}
	return p, nil
}

// stagingKeys reads every distinct key tuple before any row statement runs;
// the SQLite store has a single connection.
func (r *Reconciler) stagingKeys(ctx context.Context, staging warehouse.Table, keys []string) ([][]any, error) {
	stmt, err := r.builder.DistinctKeys(staging, keys)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.DB().QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, fmt.Errorf("select keys from %s: %w", staging, err)
	}
	defer func() { _ = rows.Close() }()
	var out [][]any
	for rows.Next() {
		vals := make([]any, len(keys))
		ptrs := make([]any, len(keys))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan keys from %s: %w", staging, err)
		}
		for i, v := range vals {
			vals[i] = normalizeValue(v)
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select keys from %s: %w", staging, err)
	}
	return out, nil
}

func (r *Reconciler) reconcileRow(ctx context.Context, p tablePlan, values []any) (string, error) {
	count, err := r.countMatches(ctx, p, values)
	if err != nil {
		return "", err
	}
	if count == 0 {
		return OutcomeInserted, r.insert(ctx, p, values)
	}
	if count > 1 {
		r.opts.logger.Warn("duplicate production rows for key; comparing first match",
			"record_type", string(p.mapping.Type()),
			"table", p.prod.String(),
			"key", sqlgen.DescribeKey(p.keys, values),
			"matches", count)
	}
	if len(p.comparable) == 0 {
		return OutcomeUnchanged, nil
	}
	changed, err := r.changedColumns(ctx, p, values)
	if err != nil {
		return "", err
	}
	if len(changed) == 0 {
		return OutcomeUnchanged, nil
	}
	r.logChanges(ctx, p, values, changed)
	return OutcomeUpdated, r.update(ctx, p, values)
}

func (r *Reconciler) countMatches(ctx context.Context, p tablePlan, values []any) (int64, error) {
	stmt, err := r.builder.CountMatches(p.prod, p.keys, values)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := r.db.DB().QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(&n); err != nil {
		return 0, &statementError{sql: stmt.SQL, err: fmt.Errorf("count matches: %w", err)}
	}
	return n, nil
}

func (r *Reconciler) changedColumns(ctx context.Context, p tablePlan, values []any) ([]string, error) {
	stmt, err := r.builder.ChangedColumns(p.prod, p.staging, p.keys, p.comparable, values)
	if err != nil {
		return nil, err
	}
	flags := make([]int64, len(p.comparable))
	ptrs := make([]any, len(flags))
	for i := range flags {
		ptrs[i] = &flags[i]
	}
	if err := r.db.DB().QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(ptrs...); err != nil {
		return nil, &statementError{sql: stmt.SQL, err: fmt.Errorf("compare columns: %w", err)}
	}
	var changed []string
	for i, f := range flags {
		if f != 0 {
			changed = append(changed, p.comparable[i])
		}
	}
	return changed, nil
}

// logChanges records old and new values of the changed columns. A failure
// here only costs the detail, not the update.
func (r *Reconciler) logChanges(ctx context.Context, p tablePlan, values []any, changed []string) {
	log := r.opts.logger
	key := sqlgen.DescribeKey(p.keys, values)
	stmt, err := r.builder.ColumnValues(p.prod, p.staging, p.keys, changed, values)
	if err != nil {
		log.Warn("cannot describe changes", "table", p.prod.String(), "key", key, "error", err)
		return
	}
	raw := make([]any, 2*len(changed))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := r.db.DB().QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(ptrs...); err != nil {
		log.Warn("cannot describe changes", "table", p.prod.String(), "key", key, "error", err)
		return
	}
	diff := make(map[string][2]any, len(changed))
	for i, c := range changed {
		diff[c] = [2]any{normalizeValue(raw[2*i]), normalizeValue(raw[2*i+1])}
	}
	log.Info("production row changed",
		"record_type", string(p.mapping.Type()),
		"table", p.prod.String(),
		"key", key,
		"changed_columns", changed,
		"changes", diff)
}

func (r *Reconciler) insert(ctx context.Context, p tablePlan, values []any) error {
	stmt, err := r.builder.Insert(p.prod, p.staging, p.keys, p.common, values)
	if err != nil {
		return err
	}
	return r.exec(ctx, p, stmt, "insert")
}

func (r *Reconciler) update(ctx context.Context, p tablePlan, values []any) error {
	stmt, err := r.builder.Update(p.prod, p.staging, p.keys, p.comparable, values)
	if err != nil {
		return err
	}
	return r.exec(ctx, p, stmt, "update")
}

// exec runs one mutating statement in its own transaction.
func (r *Reconciler) exec(ctx context.Context, p tablePlan, stmt sqlgen.Statement, verb string) (err error) {
	if r.opts.dryRun {
		r.opts.logger.Info("dry run: skipping "+verb,
			"table", p.prod.String(),
			"key", sqlgen.DescribeKey(p.keys, stmt.Args),
			"sql", stmt.SQL)
		return nil
	}
	tx, err := r.db.DB().BeginTx(ctx, nil)
	if err != nil {
		return &statementError{sql: stmt.SQL, err: fmt.Errorf("begin %s: %w", verb, err)}
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				err = errors.Join(err, rbErr)
			}
		}
	}()
	if _, err := tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
		return &statementError{sql: stmt.SQL, err: fmt.Errorf("%s: %w", verb, err)}
	}
	if err := tx.Commit(); err != nil {
		return &statementError{sql: stmt.SQL, err: fmt.Errorf("commit %s: %w", verb, err)}
	}
	committed = true
	return nil
}

// statementError carries the SQL that failed so row failures can log it.
type statementError struct {
	sql string
	err error
}

func (e *statementError) Error() string { return e.err.Error() }
func (e *statementError) Unwrap() error { return e.err }

func sqlOf(err error) string {
	var se *statementError
	if errors.As(err, &se) {
		return se.sql
	}
	return ""
}

func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
