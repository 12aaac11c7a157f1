// Package cli wires configuration, logging, the warehouse and the importer
// into the cris-import command tree.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"crisimport/internal/blob"
	"crisimport/internal/config"
	"crisimport/internal/infra/persistence"
	"crisimport/internal/logging"
	"crisimport/internal/schema"
	"crisimport/internal/warehouse"
)

// Env holds the process dependencies. Tests replace individual fields.
type Env struct {
	Stdout io.Writer
	Stderr io.Writer
	Lookup config.LookupFunc
	Clock  clock.Clock
	// Logger, when set, replaces the zap logger built from configuration.
	Logger        logging.Logger
	Registry      *schema.Registry
	OpenWarehouse func(context.Context, config.Database) (warehouse.Database, error)
	OpenBlob      func(context.Context, blob.Config) (blob.Store, error)
}

// DefaultEnv is the production environment.
func DefaultEnv() *Env {
	return &Env{
		Stdout:        os.Stdout,
		Stderr:        os.Stderr,
		Lookup:        os.LookupEnv,
		Clock:         clock.New(),
		Registry:      schema.Default(),
		OpenWarehouse: persistence.Open,
		OpenBlob:      blob.Open,
	}
}

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
}

// NewRootCommand creates the cris-import command tree.
func NewRootCommand(env *Env) *cobra.Command {
	opts := &RootOptions{}
	cmd := &cobra.Command{
		Use:   "cris-import",
		Short: "Import CRIS crash extracts into the Vision Zero database",
		Long: `cris-import acquires CRIS extract archives, loads their CSVs into the
staging schema, aligns column types, drops rows with incomplete keys and
reconciles the result into the production tables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(env.Stdout)
	cmd.SetErr(env.Stderr)
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to YAML config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")

	cmd.AddCommand(newRunCommand(env, opts))
	cmd.AddCommand(newLoadCommand(env, opts))
	cmd.AddCommand(newReconcileCommand(env, opts))
	cmd.AddCommand(newArchivesCommand(env, opts))
	return cmd
}

// Main runs the command tree and returns the process exit code.
func Main(ctx context.Context, env *Env, args []string) int {
	cmd := NewRootCommand(env)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(env.Stderr, "cris-import: %v\n", err)
		return 1
	}
	return 0
}

// session is the per-command setup shared by every subcommand.
type session struct {
	cfg    *config.Config
	logger logging.Logger
	sync   func()
}

func (e *Env) open(opts *RootOptions) (*session, error) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	cfg, err := config.LoadWith(opts.ConfigPath, lookup)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if e.Logger != nil {
		return &session{cfg: cfg, logger: e.Logger, sync: func() {}}, nil
	}
	zl, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: zl, sync: func() { _ = zl.Sync() }}, nil
}

func (e *Env) clock() clock.Clock {
	if e.Clock == nil {
		return clock.New()
	}
	return e.Clock
}

func (e *Env) registry() *schema.Registry {
	if e.Registry == nil {
		return schema.Default()
	}
	return e.Registry
}
