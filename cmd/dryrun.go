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

var dryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Show what a migration would do",
	Long: `Run introspection, dependency ordering, the target schema gate,
extraction, and type coercion without writing anything to the target.
Reports per-table row and batch counts and any rows that would fail
coercion under the configured mode.`,
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

		result, err := eng.DryRun(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return exitWith(ExitCancelled, err)
			}
			return exitWith(ExitFailed, err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ORDER\tTABLE\tROWS\tBATCHES\tCOERCE ERRORS")
		for _, t := range result.Tables {
			fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n", t.Order, t.Name, t.Rows, t.Batches, t.CoerceErrors)
		}
		w.Flush()
		fmt.Printf("\nWould migrate %d rows in %d batches.\n", result.TotalRows, result.TotalBatches)
		if result.CoerceErrors > 0 {
			fmt.Printf("%d rows would fail coercion (mode: %s).\n", result.CoerceErrors, cfg.Migration.Mode)
		}
		return nil
	},
}

func init() {
	addSharedFlags(dryRunCmd)
	rootCmd.AddCommand(dryRunCmd)
}
