package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	rollbackRunID string
	rollbackPurge bool
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Undo a run's target-side effects",
	Long: `Print where the run's source snapshot lives, and with --purge-target
empty the migrated tables (children before parents) and clear the run's
checkpoints so a future migration starts clean. The source file is never
modified by migration and needs no undo.`,
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

		if err := eng.Rollback(ctx, rollbackRunID, rollbackPurge); err != nil {
			if ctx.Err() != nil {
				return exitWith(ExitCancelled, err)
			}
			return exitWith(ExitFailed, err)
		}
		return nil
	},
}

func init() {
	addSharedFlags(rollbackCmd)
	rollbackCmd.Flags().StringVar(&rollbackRunID, "run", "", "run id to roll back (default: latest)")
	rollbackCmd.Flags().BoolVar(&rollbackPurge, "purge-target", false, "empty the migrated target tables")
	rootCmd.AddCommand(rollbackCmd)
}
