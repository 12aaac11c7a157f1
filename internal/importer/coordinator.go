package importer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"crisimport/internal/logging"
	"crisimport/internal/schema"
	"crisimport/internal/warehouse"
)

// Source places the archives to process into dir and returns their paths.
type Source interface {
	Fetch(ctx context.Context, dir string) ([]string, error)
}

// Extractor unpacks one archive into dir.
type Extractor interface {
	Extract(ctx context.Context, archive, dir string) error
}

// Archiver stores processed CSV files.
type Archiver interface {
	Archive(ctx context.Context, files []string) (int, error)
}

// Remover deletes processed archives from their origin.
type Remover interface {
	Remove(ctx context.Context, archives []string) error
}

// Stages are the pluggable acquisition and post-processing steps. Source and
// Extractor are required for Run; Archiver and Remover are optional.
type Stages struct {
	Source    Source
	Extractor Extractor
	Archiver  Archiver
	Remover   Remover
}

// Coordinator drives a full import run.
type Coordinator struct {
	db       warehouse.Database
	registry *schema.Registry
	schemas  Schemas
	stages   Stages
	optList  []Option
	opts     options
}

// NewCoordinator builds a Coordinator. The same options are handed to the
// loader, aligner, enforcer and reconciler it creates.
func NewCoordinator(db warehouse.Database, registry *schema.Registry, schemas Schemas, stages Stages, opts ...Option) *Coordinator {
	return &Coordinator{
		db:       db,
		registry: registry,
		schemas:  schemas,
		stages:   stages,
		optList:  opts,
		opts:     buildOptions(opts),
	}
}

// run holds per-run state.
type run struct {
	c      *Coordinator
	log    logging.Logger
	report *Report
	dirs   []string
	state  State
}

func (c *Coordinator) newRun() *run {
	id := uuid.NewString()
	return &run{
		c:   c,
		log: logging.With(c.opts.logger, "run_id", id),
		report: &Report{
			RunID:     id,
			DryRun:    c.opts.dryRun,
			StartedAt: c.opts.clock.Now(),
		},
	}
}

// componentOptions returns the caller's options with the run logger applied.
func (r *run) componentOptions() []Option {
	out := make([]Option, 0, len(r.c.optList)+1)
	out = append(out, r.c.optList...)
	return append(out, WithLogger(r.log))
}

func (r *run) enter(s State) {
	r.state = s
	r.log.Info("entering state", "state", string(s))
}

// step times fn and reports it under the current state.
func (r *run) step(s State, fn func() error) error {
	r.enter(s)
	start := r.c.opts.clock.Now()
	err := fn()
	r.c.opts.recorder.ObserveStep(strings.ToLower(string(s)), r.c.opts.clock.Since(start))
	if err != nil {
		var se *StepError
		if errors.As(err, &se) {
			return err
		}
		return &StepError{State: s, Err: err}
	}
	return nil
}

func (r *run) mkdir(pattern string) (string, error) {
	dir, err := os.MkdirTemp(r.c.opts.tempDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	r.dirs = append(r.dirs, dir)
	return dir, nil
}

// Run acquires, extracts and imports every available archive. The returned
// report is always populated; the error is a *StepError when the run failed.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	r := c.newRun()
	if c.stages.Source == nil || c.stages.Extractor == nil {
		return r.finish(&StepError{State: StateAcquire, Err: errors.New("source and extractor are required")})
	}
	r.log.Info("import run started", "dry_run", c.opts.dryRun)

	var archives []string
	err := r.step(StateAcquire, func() error {
		dir, err := r.mkdir("cris-acquire-")
		if err != nil {
			return err
		}
		archives, err = c.stages.Source.Fetch(ctx, dir)
		if err != nil {
			return fmt.Errorf("fetch archives: %w", err)
		}
		sort.Slice(archives, func(i, j int) bool {
			return filepath.Base(archives[i]) < filepath.Base(archives[j])
		})
		r.log.Info("acquired archives", "count", len(archives))
		return nil
	})
	if err != nil {
		return r.finish(err)
	}
	if len(archives) == 0 {
		r.warn("no archives to process")
		return r.finish(nil)
	}

	extracted := make([]string, len(archives))
	err = r.step(StateExtract, func() error {
		for i, archive := range archives {
			dir, err := r.mkdir("cris-extract-")
			if err != nil {
				return err
			}
			if err := c.stages.Extractor.Extract(ctx, archive, dir); err != nil {
				return fmt.Errorf("extract %s: %w", filepath.Base(archive), err)
			}
			extracted[i] = dir
		}
		return nil
	})
	if err != nil {
		return r.finish(err)
	}

	for i, dir := range extracted {
		name := filepath.Base(archives[i])
		ar, err := r.importDir(ctx, name, dir, true)
		r.report.Archives = append(r.report.Archives, ar)
		if err != nil {
			return r.finish(err)
		}
	}

	if err := r.archive(ctx, archives, extracted); err != nil {
		r.warn(err.Error())
	}
	return r.finish(nil)
}

// ReconcileStaging aligns, enforces and reconciles whatever is currently in
// the staging schema.
func (c *Coordinator) ReconcileStaging(ctx context.Context) (Report, error) {
	r := c.newRun()
	ar, err := r.importDir(ctx, "", "", false)
	r.report.Archives = append(r.report.Archives, ar)
	return r.finish(err)
}

// LoadDirectory loads the CSV extracts under dir into staging without
// reconciling them.
func (c *Coordinator) LoadDirectory(ctx context.Context, dir string) (Report, error) {
	r := c.newRun()
	ar := ArchiveReport{Archive: filepath.Base(dir)}
	err := r.step(StateLoad, func() error {
		var err error
		ar.Loaded, err = NewLoader(c.db, c.schemas, r.componentOptions()...).Load(ctx, dir)
		return err
	})
	r.report.Archives = append(r.report.Archives, ar)
	return r.finish(err)
}

// importDir runs LOAD (when load is set) then ALIGN_TYPES, ENFORCE_KEYS and
// RECONCILE. After a load only the loaded tables are processed.
func (r *run) importDir(ctx context.Context, name, dir string, load bool) (ArchiveReport, error) {
	c := r.c
	opts := r.componentOptions()
	ar := ArchiveReport{Archive: name}
	log := r.log
	if name != "" {
		log = logging.With(r.log, "archive", name)
		opts = append(opts, WithLogger(log))
	}

	mappings := c.registry.Mappings()
	if load {
		err := r.step(StateLoad, func() error {
			var err error
			ar.Loaded, err = NewLoader(c.db, c.schemas, opts...).Load(ctx, dir)
			return err
		})
		if err != nil {
			return ar, err
		}
		if len(ar.Loaded) == 0 {
			log.Warn("archive contained no extract files")
			return ar, nil
		}
		mappings = loadedMappings(mappings, ar.Loaded)
	} else {
		present, err := c.db.Tables(ctx, c.schemas.Staging)
		if err != nil {
			return ar, &StepError{State: StateAlignTypes, Err: fmt.Errorf("list staging tables: %w", err)}
		}
		mappings = presentMappings(mappings, present)
	}

	aligner := NewAligner(c.db, c.registry, c.schemas, opts...)
	err := r.step(StateAlignTypes, func() error {
		for _, m := range mappings {
			alts, err := aligner.AlignTable(ctx, m)
			ar.Alterations = append(ar.Alterations, alts...)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ar, err
	}

	enforcer := NewKeyEnforcer(c.db, c.registry, c.schemas, opts...)
	ar.KeysRemoved = make(map[string]int64, len(mappings))
	err = r.step(StateEnforceKeys, func() error {
		for _, m := range mappings {
			n, err := enforcer.EnforceTable(ctx, m)
			if err != nil {
				return err
			}
			ar.KeysRemoved[m.StagingTable()] = n
		}
		return nil
	})
	if err != nil {
		return ar, err
	}

	reconciler := NewReconciler(c.db, c.registry, c.schemas, opts...)
	err = r.step(StateReconcile, func() error {
		for _, m := range mappings {
			res, err := reconciler.ReconcileTable(ctx, m)
			ar.Results = append(ar.Results, res)
			if err == nil {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			log.Error("reconcile table failed", "record_type", string(m.Type()), "table", res.Table, "error", err)
			r.report.Warnings = append(r.report.Warnings, fmt.Sprintf("reconcile %s: %v", m.Type(), err))
		}
		return nil
	})
	return ar, err
}

// archive uploads every extracted CSV and then removes the processed
// archives from their origin. Failures are reported but do not fail the run;
// removal is skipped when archival fails.
func (r *run) archive(ctx context.Context, archives, dirs []string) error {
	c := r.c
	if c.stages.Archiver == nil && c.stages.Remover == nil {
		return nil
	}
	return r.step(StateArchive, func() error {
		if c.opts.dryRun {
			r.log.Info("dry run: skipping archival and remote removal", "archives", len(archives))
			return nil
		}
		if c.stages.Archiver != nil {
			files, err := csvFiles(dirs)
			if err != nil {
				return err
			}
			n, err := c.stages.Archiver.Archive(ctx, files)
			r.report.Archived = n
			if err != nil {
				return fmt.Errorf("archive csv files: %w", err)
			}
		}
		if c.stages.Remover != nil {
			if err := c.stages.Remover.Remove(ctx, archives); err != nil {
				return fmt.Errorf("remove processed archives: %w", err)
			}
		}
		return nil
	})
}

func (r *run) warn(msg string) {
	r.log.Warn(msg)
	r.report.Warnings = append(r.report.Warnings, msg)
}

// finish runs CLEANUP and stamps the terminal state.
func (r *run) finish(runErr error) (Report, error) {
	c := r.c
	if len(r.dirs) > 0 {
		r.enter(StateCleanup)
		if c.opts.keepTemp {
			r.log.Info("keeping temp directories", "dirs", r.dirs)
		} else if err := removeAll(r.dirs); err != nil {
			r.log.Error("cleanup failed", "error", err)
			r.report.Warnings = append(r.report.Warnings, err.Error())
		}
	}
	r.report.FinishedAt = c.opts.clock.Now()
	success := runErr == nil
	if success {
		r.report.State = StateComplete
	} else {
		r.report.State = StateFailed
	}
	c.opts.recorder.RunFinished(r.report.FinishedAt, success)
	r.state = r.report.State
	if success {
		r.log.Info("import run finished", "state", string(r.report.State), "archives", len(r.report.Archives), "duration", r.report.Duration().String())
	} else {
		r.log.Error("import run failed", "state", string(r.report.State), "error", runErr)
	}
	return *r.report, runErr
}

func removeAll(dirs []string) error {
	var result *multierror.Error
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return result.ErrorOrNil()
}

func csvFiles(dirs []string) ([]string, error) {
	var files []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".csv") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", dir, err)
		}
	}
	return files, nil
}

func loadedMappings(all []schema.Mapping, loaded []LoadedTable) []schema.Mapping {
	names := make([]string, len(loaded))
	for i, l := range loaded {
		names[i] = l.Table
	}
	return presentMappings(all, names)
}

func presentMappings(all []schema.Mapping, tables []string) []schema.Mapping {
	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}
	var out []schema.Mapping
	for _, m := range all {
		if present[m.StagingTable()] {
			out = append(out, m)
		}
	}
	return out
}
