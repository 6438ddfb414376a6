package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var validateRunID string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Re-run post-migration validation",
	Long: `Compare the target against the source for an existing run: row counts,
schema shape, and a sampled value-by-value check. Defaults to the most
recent run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		applySharedOverrides(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return exitWith(ExitUsage, err)
		}

		eng, _, err := buildEngine(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := eng.Validate(ctx, validateRunID)
		if err != nil {
			if ctx.Err() != nil {
				return exitWith(ExitCancelled, err)
			}
			return exitWith(ExitFailed, err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TABLE\tSOURCE ROWS\tTARGET ROWS\tSAMPLED\tMISMATCHES\tSCHEMA DIFFS")
		for _, t := range report.Tables {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\n",
				t.Name, t.SourceRows, t.TargetRows, t.SampledRows, len(t.Mismatches), len(t.SchemaDiffs))
		}
		w.Flush()
		fmt.Printf("\nValidation %s for run %s.\n", report.Status, report.RunID)

		if report.MismatchCount() > 0 {
			return exitWith(ExitWarnings, fmt.Errorf("%d mismatch(es) found", report.MismatchCount()))
		}
		return nil
	},
}

func init() {
	addSharedFlags(validateCmd)
	validateCmd.Flags().StringVar(&validateRunID, "run", "", "run id to validate (default: latest)")
	rootCmd.AddCommand(validateCmd)
}
