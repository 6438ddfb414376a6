package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/slotwise/slotwise-migrate/internal/config"
	"github.com/slotwise/slotwise-migrate/internal/engine"
	"github.com/slotwise/slotwise-migrate/internal/logging"
	"github.com/slotwise/slotwise-migrate/internal/source"
	"github.com/slotwise/slotwise-migrate/internal/target"
	"github.com/slotwise/slotwise-migrate/internal/typemap"
)

// Exit codes reported to the calling shell or CI job.
const (
	ExitOK        = 0  // success
	ExitWarnings  = 1  // validation produced mismatches
	ExitFailed    = 2  // connection or introspection failure
	ExitPartial   = 3  // some tables failed; the run is resumable
	ExitCancelled = 4  // interrupted by the user
	ExitUsage     = 64 // bad flags or config, nothing was attempted
)

var (
	cfgFile  string
	logLevel string
	version  = "dev"

	flagBatchSize   int
	flagConcurrency int
	flagMode        string
	flagFailFast    bool
	flagTables      []string
	flagSource      string
)

var rootCmd = &cobra.Command{
	Use:   "slotwise-migrate",
	Short: "slotwise-migrate — SQLite to PostgreSQL booking data migration",
	Long: `slotwise-migrate moves a SlotWise booking database from its embedded
SQLite file into a PostgreSQL server: snapshot first, dependency-ordered
batched transfer, then validation of what arrived.

The target schema must already exist; this tool moves data, it does not
create tables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries a specific exit code out through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func Execute() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitUsage)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.slotwise-migrate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// addSharedFlags registers the tuning flags every subcommand accepts.
func addSharedFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagBatchSize, "batch-size", 0, "rows per batch (default from config)")
	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "concurrent table loads (default from config)")
	cmd.Flags().StringVar(&flagMode, "mode", "", "coercion failure mode: strict or lenient")
	cmd.Flags().BoolVar(&flagFailFast, "fail-fast", false, "stop the run on the first table failure")
	cmd.Flags().StringSliceVar(&flagTables, "tables", nil, "restrict to these tables (referenced parents must be included)")
	cmd.Flags().StringVar(&flagSource, "source", "", "path to the source SQLite file (overrides config)")
}

// applySharedOverrides folds the shared flags of the invoked command into
// the loaded config.
func applySharedOverrides(cmd *cobra.Command, cfg *config.Config) {
	if flagBatchSize > 0 {
		cfg.Migration.BatchSize = flagBatchSize
	}
	if flagConcurrency > 0 {
		cfg.Migration.Concurrency = flagConcurrency
	}
	if flagMode != "" {
		cfg.Migration.Mode = flagMode
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.Migration.FailFast = flagFailFast
	}
	if len(flagTables) > 0 {
		cfg.Migration.Tables = flagTables
	}
	if flagSource != "" {
		cfg.Source.Path = flagSource
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = config.ExpandHome(config.DefaultPath)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, exitWith(ExitUsage, err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// buildEngine wires the configured source and target into an engine.
func buildEngine(cfg *config.Config) (*engine.Engine, *slog.Logger, error) {
	logger, err := logging.Setup(cfg.Logging.Level, cfg.Logging.Directory)
	if err != nil {
		return nil, nil, exitWith(ExitUsage, err)
	}

	eng := &engine.Engine{
		Config: cfg,
		Source: source.NewSQLite(cfg.Source.Path, typemap.DefaultSQLite()),
		Target: target.NewPostgres(cfg.TargetConnString(), cfg.Target.Schema, cfg.Migration.Concurrency+1),
		Logger: logger,
	}
	return eng, logger, nil
}
