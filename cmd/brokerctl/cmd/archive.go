package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/brokersync/internal/app"
	"github.com/alanyoungcy/brokersync/internal/domain"
)

const monthLayout = "2006-01"

var errNoArchive = errors.New("s3 is not configured; enable [s3] to use the archive")

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Write and browse the monthly sync log archive",
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived months",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withEngine(cmd.Context(), func(deps *app.Dependencies, _ *app.Engine) error {
			if deps.Archive == nil {
				return errNoArchive
			}
			months, err := deps.Archive.ArchivedMonths(cmd.Context())
			if err != nil {
				return err
			}
			for _, m := range months {
				fmt.Fprintln(cmd.OutOrStdout(), m.Format(monthLayout))
			}
			return nil
		})
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <YYYY-MM>",
	Short: "Print the archived sync logs of a month",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		month, err := time.Parse(monthLayout, args[0])
		if err != nil {
			return fmt.Errorf("invalid month: %w", err)
		}
		return withEngine(cmd.Context(), func(deps *app.Dependencies, _ *app.Engine) error {
			if deps.Archive == nil {
				return errNoArchive
			}
			logs, err := deps.Archive.ReadSyncLogs(cmd.Context(), month)
			if err != nil {
				return err
			}
			printArchivedLogs(cmd, logs)
			return nil
		})
	},
}

var archiveRunCmd = &cobra.Command{
	Use:   "run <YYYY-MM>",
	Short: "Archive a month of sync logs now",
	Long: `Uploads the sync logs started during the month. A month that is
already archived is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		month, err := time.Parse(monthLayout, args[0])
		if err != nil {
			return fmt.Errorf("invalid month: %w", err)
		}
		return withEngine(cmd.Context(), func(deps *app.Dependencies, _ *app.Engine) error {
			if deps.Archiver == nil {
				return errNoArchive
			}
			n, err := deps.Archiver.ArchiveSyncLogs(cmd.Context(), month)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %d log(s) for %s\n", n, month.Format(monthLayout))
			return nil
		})
	},
}

func printArchivedLogs(cmd *cobra.Command, logs []domain.SyncLog) {
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tCONNECTION\tTRIGGER\tSTATUS\tSYNCED\tSKIPPED\tERROR")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			l.StartedAt.UTC().Format(time.RFC3339), l.ConnectionID, l.Trigger, l.Status,
			l.TradesSynced, l.TradesSkipped, l.ErrorMessage)
	}
	_ = tw.Flush()
}

func init() {
	archiveCmd.AddCommand(archiveListCmd, archiveShowCmd, archiveRunCmd)
	rootCmd.AddCommand(archiveCmd)
}
