package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"crisimport/internal/archive"
	"crisimport/internal/config"
	"crisimport/internal/importer"
	"crisimport/internal/metrics"
)

type runOptions struct {
	Archive  string
	SFTP     bool
	DryRun   bool
	KeepTemp bool
}

func newRunCommand(env *Env, root *RootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire, extract and import CRIS archives",
		Long: `Run the full import: fetch archives (from --archive or the SFTP drop),
extract them, and load, align, enforce and reconcile each one in name order.
Processed CSVs are archived to object storage when a blob driver is set.

Example:
  cris-import run --sftp
  cris-import run --archive ./extract.zip --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runImport(cmd.Context(), env, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Archive, "archive", "", "local zip file or directory of zips")
	cmd.Flags().BoolVar(&opts.SFTP, "sftp", false, "pull archives from the configured SFTP drop")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "log production writes instead of executing them")
	cmd.Flags().BoolVar(&opts.KeepTemp, "keep-temp", false, "keep acquisition and extraction directories")
	cmd.MarkFlagsMutuallyExclusive("archive", "sftp")
	return cmd
}

func runImport(ctx context.Context, env *Env, root *RootOptions, opts *runOptions) error {
	s, err := env.open(root)
	if err != nil {
		return err
	}
	defer s.sync()
	cfg := s.cfg
	dryRun := opts.DryRun || cfg.DryRun

	stages, err := env.stages(ctx, s, opts)
	if err != nil {
		return err
	}
	db, err := env.OpenWarehouse(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer func() { _ = db.Close() }()

	recorder := metrics.New()
	coord := importer.NewCoordinator(db, env.registry(), schemasOf(cfg), stages,
		append(env.importerOptions(s, dryRun),
			importer.WithRecorder(recorder),
			importer.WithKeepTemp(opts.KeepTemp))...)
	report, runErr := coord.Run(ctx)
	printReport(env.Stdout, report)

	if err := recorder.Push(ctx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, report.Succeeded()); err != nil {
		s.logger.Warn("metrics push failed", "error", err)
	}
	return runErr
}

// stages builds the acquisition, extraction and archival steps from flags and
// configuration.
func (e *Env) stages(ctx context.Context, s *session, opts *runOptions) (importer.Stages, error) {
	cfg := s.cfg
	retry := archive.Retry{Attempts: cfg.Source.Attempts, Min: 30 * time.Second, Max: 2 * time.Minute, Logger: s.logger}
	var st importer.Stages

	switch {
	case opts.Archive != "":
		st.Source = archive.LocalSource{Path: opts.Archive, Logger: s.logger}
	case opts.SFTP || cfg.Source.SFTPEndpoint != "":
		if cfg.Source.SFTPEndpoint == "" {
			return st, errors.New("--sftp needs CRIS_SFTP_ENDPOINT")
		}
		rs := archive.RsyncSource{Endpoint: cfg.Source.SFTPEndpoint, Dir: cfg.Source.SFTPDir, Retry: retry, Logger: s.logger}
		st.Source = rs
		if cfg.Source.RemoveRemote {
			st.Remover = rs
		}
	default:
		return st, errors.New("no archive source: pass --archive or --sftp")
	}

	switch cfg.Source.Extractor {
	case config.ExtractorZip:
		st.Extractor = archive.ZipExtractor{Logger: s.logger}
	default:
		st.Extractor = archive.SevenZipExtractor{Password: cfg.Source.ZipPassword, Logger: s.logger}
	}

	if cfg.Blob.Enabled() {
		store, err := e.OpenBlob(ctx, cfg.Blob)
		if err != nil {
			return st, fmt.Errorf("open archive store: %w", err)
		}
		st.Archiver = archive.Uploader{Store: store, Prefix: cfg.Archive.Prefix, Clock: e.clock(), Retry: retry, Logger: s.logger}
	}
	return st, nil
}

func newLoadCommand(env *Env, root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load DIR",
		Short: "Load extract CSVs from DIR into the staging schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), env, root, false, func(c *importer.Coordinator) (importer.Report, error) {
				return c.LoadDirectory(cmd.Context(), args[0])
			})
		},
	}
}

func newReconcileCommand(env *Env, root *RootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Align, enforce keys and reconcile the current staging tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withCoordinator(cmd.Context(), env, root, dryRun, func(c *importer.Coordinator) (importer.Report, error) {
				return c.ReconcileStaging(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log production writes instead of executing them")
	return cmd
}

func withCoordinator(ctx context.Context, env *Env, root *RootOptions, dryRun bool, fn func(*importer.Coordinator) (importer.Report, error)) error {
	s, err := env.open(root)
	if err != nil {
		return err
	}
	defer s.sync()
	db, err := env.OpenWarehouse(ctx, s.cfg.Database)
	if err != nil {
		return fmt.Errorf("open warehouse: %w", err)
	}
	defer func() { _ = db.Close() }()
	coord := importer.NewCoordinator(db, env.registry(), schemasOf(s.cfg), importer.Stages{},
		env.importerOptions(s, dryRun || s.cfg.DryRun)...)
	report, err := fn(coord)
	printReport(env.Stdout, report)
	return err
}

func newArchivesCommand(env *Env, root *RootOptions) *cobra.Command {
	var show string
	cmd := &cobra.Command{
		Use:   "archives [DATE]",
		Short: "List CSVs archived on DATE (YYYY-MM-DD, default today)",
		Long: `List the CSV extracts archived on DATE, or print one archived extract
with --show.

Example:
  cris-import archives 2024-03-01
  cris-import archives --show cris/staging/2024-03-01/extract_23_20240301_crash_20240301.csv`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := env.open(root)
			if err != nil {
				return err
			}
			defer s.sync()
			day := env.clock().Now()
			if len(args) == 1 {
				day, err = time.Parse(archive.DateLayout, args[0])
				if err != nil {
					return fmt.Errorf("parse date %q: %w", args[0], err)
				}
			}
			if !s.cfg.Blob.Enabled() {
				return errors.New("no archive store configured (CRIS_ARCHIVE_BLOB_DRIVER)")
			}
			store, err := env.OpenBlob(cmd.Context(), s.cfg.Blob)
			if err != nil {
				return fmt.Errorf("open archive store: %w", err)
			}
			u := archive.Uploader{Store: store, Prefix: s.cfg.Archive.Prefix}
			if show != "" {
				_, err := u.Copy(cmd.Context(), show, env.Stdout)
				return err
			}
			infos, err := u.List(cmd.Context(), day)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(env.Stdout, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "KEY\tSIZE\tMODIFIED")
			for _, info := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Key, info.Size, info.LastModified.UTC().Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&show, "show", "", "print the archived extract stored at KEY")
	return cmd
}

func (e *Env) importerOptions(s *session, dryRun bool) []importer.Option {
	return []importer.Option{
		importer.WithLogger(s.logger),
		importer.WithClock(e.clock()),
		importer.WithDryRun(dryRun),
		importer.WithEncoding(s.cfg.Source.CSVEncoding),
	}
}

func schemasOf(cfg *config.Config) importer.Schemas {
	return importer.Schemas{Staging: cfg.Database.ImportSchema, Production: cfg.Database.ProductionSchema}
}

func printReport(w io.Writer, r importer.Report) {
	mode := ""
	if r.DryRun {
		mode = " (dry run)"
	}
	_, _ = fmt.Fprintf(w, "run %s: %s%s in %s\n", r.RunID, r.State, mode, r.Duration().Round(time.Millisecond))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, a := range r.Archives {
		for _, l := range a.Loaded {
			_, _ = fmt.Fprintf(tw, "  loaded\t%s\t%d rows\n", l.Table, l.Rows)
		}
		for _, res := range a.Results {
			status := "ok"
			if res.Err != nil {
				status = res.Err.Error()
			}
			_, _ = fmt.Fprintf(tw, "  %s\t%s\tinserted=%d\tupdated=%d\tunchanged=%d\tfailed=%d\t%s\n",
				res.RecordType, res.Table, res.Inserted, res.Updated, res.Unchanged, res.Failed, status)
		}
	}
	_ = tw.Flush()
	if r.Archived > 0 {
		_, _ = fmt.Fprintf(w, "archived %d files\n", r.Archived)
	}
	for _, warn := range r.Warnings {
		_, _ = fmt.Fprintf(w, "warning: %s\n", warn)
	}
}
