package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/slotwise/slotwise-migrate/internal/run"
)

var statusRunID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recorded runs and their progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if statusRunID != "" {
			r, err := run.Load(cfg.Migration.RunDir, statusRunID)
			if err != nil {
				return exitWith(ExitUsage, err)
			}
			printRun(r)
			return nil
		}

		runs, err := run.List(cfg.Migration.RunDir)
		if err != nil {
			return exitWith(ExitFailed, err)
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tCREATED\tMODE\tSTATUS\tTABLES")
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.Mode, r.Status, len(r.Plan))
		}
		return w.Flush()
	},
}

func printRun(r *run.Run) {
	fmt.Printf("Run %s (%s), created %s\n", r.ID, r.Status, r.CreatedAt.Format("2006-01-02 15:04:05"))
	if r.BackupDir != "" {
		fmt.Printf("Backup: %s\n", r.BackupDir)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TABLE\tSTATUS\tSOURCE ROWS\tROWS WRITTEN\tERROR")
	for _, tp := range r.Plan {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n", tp.Name, tp.Status, tp.SourceRows, tp.RowsWritten, tp.Error)
	}
	w.Flush()

	if r.Status.Resumable() && r.Status != run.StatusPending {
		fmt.Printf("\nResume with: slotwise-migrate migrate --resume %s\n", r.ID)
	}
}

func init() {
	statusCmd.Flags().StringVar(&statusRunID, "run", "", "show one run in detail")
	rootCmd.AddCommand(statusCmd)
}
