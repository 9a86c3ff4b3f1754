package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/app"
	"github.com/alanyoungcy/brokersync/internal/domain"
)

var syncCmd = &cobra.Command{
	Use:   "sync <connection-id>",
	Short: "Run one sync attempt for a connection",
	Long: `Runs a single sync attempt now, bypassing the manual cooldown. The
attempt still takes the connection lease, so it fails fast while a scheduled
attempt is running.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid connection id: %w", err)
		}
		return withEngine(cmd.Context(), func(_ *app.Dependencies, e *app.Engine) error {
			log, err := e.Syncer.Sync(cmd.Context(), id, domain.TriggerManual)
			if log.ID != uuid.Nil {
				printLog(cmd, log)
			}
			return err
		})
	},
}

func printLog(cmd *cobra.Command, log domain.SyncLog) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "attempt  %s\n", log.AttemptID)
	fmt.Fprintf(out, "status   %s\n", log.Status)
	fmt.Fprintf(out, "synced   %d\n", log.TradesSynced)
	fmt.Fprintf(out, "skipped  %d\n", log.TradesSkipped)
	if log.ErrorMessage != "" {
		fmt.Fprintf(out, "error    %s\n", log.ErrorMessage)
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
